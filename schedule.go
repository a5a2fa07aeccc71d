package framegraph

import "github.com/gogpu/framegraph/ir"

// createScheduledItems attaches an undecided scheduled item to every
// executable node: the root releases plus all calls, slices, clears and
// converges.
func (c *Compiler) createScheduledItems() {
	c.scheduledItems = c.scheduledItems[:0]

	add := func(n *ir.Node) {
		item := &ir.ScheduledItem{Node: n, ScheduledDomain: ir.DomainAny}
		n.ScheduledItem = item
		c.scheduledItems = append(c.scheduledItems, item)
	}

	for _, n := range c.nodes {
		n.ScheduledItem = nil
	}
	for _, n := range c.refNodes {
		add(n)
	}
	for _, n := range c.nodes {
		switch n.Kind {
		case ir.KindSlice, ir.KindCall, ir.KindClear, ir.KindConverge:
			if n.ScheduledItem == nil {
				add(n)
			}
		}
	}
}

// queueInference decides the execution queue of every scheduled item by
// propagating the last seen domain forward and backward along each chain,
// intersecting with per-node scheduling requirements. Items still undecided
// after both sweeps default to the graphics queue, and the sweeps run once
// more so the fallback propagates.
func (c *Compiler) queueInference() {
	lastDomain := ir.DomainDevice

	propagate := func(n *ir.Node) {
		if n == nil || n.ScheduledItem == nil {
			return
		}
		domain := &n.ScheduledItem.ScheduledDomain

		if *domain == ir.DomainAny {
			havePropagated := lastDomain != ir.DomainDevice && lastDomain != ir.DomainAny
			switch {
			case havePropagated && n.SchedulingInfo == nil:
				*domain = lastDomain
			case !havePropagated && n.SchedulingInfo != nil:
				*domain = n.SchedulingInfo.RequiredDomains.First()
			case havePropagated && n.SchedulingInfo != nil:
				intersection := lastDomain & n.SchedulingInfo.RequiredDomains
				if intersection == 0 {
					*domain = n.SchedulingInfo.RequiredDomains.First()
				} else {
					*domain = intersection.First()
				}
			}
		} else {
			lastDomain = *domain
		}
	}

	sweep := func() {
		// Forward. The last domain deliberately carries across chains:
		// consecutive chains of one submission tend to share a queue.
		lastDomain = ir.DomainDevice
		for _, head := range c.chains {
			for chain := head; chain != nil; chain = chain.Next {
				propagate(chain.Def.Node)
				for _, r := range chain.Reads {
					propagate(r.Node)
				}
				if !chain.Undef.IsZero() {
					propagate(chain.Undef.Node)
				}
			}
		}
		// Backward.
		for _, head := range c.chains {
			lastDomain = ir.DomainDevice
			chain := head
			for chain.Next != nil {
				chain = chain.Next
			}
			for ; chain != nil; chain = chain.Prev {
				if !chain.Undef.IsZero() {
					propagate(chain.Undef.Node)
				}
				for _, r := range chain.Reads {
					propagate(r.Node)
				}
				propagate(chain.Def.Node)
			}
		}
	}

	sweep()

	// Fallback: anything still undecided runs on graphics.
	for _, item := range c.scheduledItems {
		if item.ScheduledDomain == ir.DomainDevice || item.ScheduledDomain == ir.DomainAny {
			item.ScheduledDomain = ir.DomainGraphicsQueue
		}
	}

	sweep()
}

// passPartitioning splits the scheduled items into the transfer, compute and
// graphics segments, in that fixed order.
func (c *Compiler) passPartitioning() {
	c.partitioned = c.partitioned[:0]

	for _, item := range c.scheduledItems {
		if item.ScheduledDomain&ir.DomainTransferQueue != 0 {
			c.partitioned = append(c.partitioned, item)
		}
	}
	nTransfer := len(c.partitioned)
	for _, item := range c.scheduledItems {
		if item.ScheduledDomain&ir.DomainComputeQueue != 0 {
			c.partitioned = append(c.partitioned, item)
		}
	}
	nCompute := len(c.partitioned) - nTransfer
	for _, item := range c.scheduledItems {
		if item.ScheduledDomain&ir.DomainGraphicsQueue != 0 {
			c.partitioned = append(c.partitioned, item)
		}
	}

	c.transferPasses = c.partitioned[:nTransfer]
	c.computePasses = c.partitioned[nTransfer : nTransfer+nCompute]
	c.graphicsPasses = c.partitioned[nTransfer+nCompute:]
}
