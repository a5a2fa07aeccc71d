package framegraph

import "github.com/gogpu/framegraph/ir"

// rw marks a dependency as read- or write-ordered.
type rw uint8

const (
	rwRead rw = iota
	rwWrite
)

// dep is one data dependency of a node.
type dep struct {
	ref    ir.Ref
	access rw
}

// nodeDeps lists the data dependencies of a node in use order. A write
// dependency orders the pending readers of the value first, so no reader
// observes it after it was overwritten.
func (c *Compiler) nodeDeps(node *ir.Node) ([]dep, error) {
	var deps []dep
	read := func(r ir.Ref) { deps = append(deps, dep{r, rwRead}) }
	write := func(r ir.Ref) { deps = append(deps, dep{r, rwWrite}) }

	switch node.Kind {
	case ir.KindConstant, ir.KindPlaceholder, ir.KindImport, ir.KindAcquire:
		// No dependencies.

	case ir.KindMathBinary, ir.KindCast, ir.KindGetCI, ir.KindGetIVMeta:
		for _, a := range node.Args {
			read(a)
		}

	case ir.KindGetAllocationSize, ir.KindCompilePipeline, ir.KindLogicalCopy, ir.KindAllocate:
		read(node.Args[0])

	case ir.KindConstruct:
		for _, a := range node.Args {
			read(a)
		}

	case ir.KindCall:
		fnTy := node.Args[0].Type()
		read(node.Args[0])
		for i := 1; i < len(node.Args); i++ {
			argTy := fnTy.Args[i-1]
			if argTy.Kind == ir.KindImbued && argTy.Access.IsWriteAccess() {
				write(node.Args[i])
			} else {
				read(node.Args[i])
			}
		}

	case ir.KindClear:
		write(node.Args[0])

	case ir.KindRelease:
		if node.AcqRel == nil || node.AcqRel.Armed {
			for _, a := range node.Args {
				write(a)
			}
		}

	case ir.KindAcquireNextImage:
		write(node.Args[0])

	case ir.KindSlice:
		if c.module.Types.IsSynchronized(node.Type[0]) {
			write(node.Args[0])
		} else {
			read(node.Args[0])
		}
		read(node.Args[1])
		read(node.Args[2])

	case ir.KindConverge:
		for _, a := range node.Args {
			write(a)
		}

	case ir.KindUse:
		write(node.Args[0])

	default:
		return nil, structuralErr(node, "unhandled node kind in linearization")
	}
	return deps, nil
}

// depNodes expands a dependency list into the producer nodes to run first.
// Write dependencies include the value's pending readers.
func depNodes(deps []dep) []*ir.Node {
	var out []*ir.Node
	for _, d := range deps {
		out = append(out, d.ref.Node)
		if d.access == rwWrite && d.ref.HasLinks() {
			for _, r := range d.ref.Link().Reads {
				out = append(out, r.Node)
			}
		}
	}
	return out
}

// linearize turns the scheduled items into the final item list. A worklist
// of nodes is processed with two visits each: the first visit re-enqueues
// the node behind its data dependencies; the second visit emits it once
// every dependency has run, assigning its naming index.
func (c *Compiler) linearize() error {
	c.itemList = c.itemList[:0]
	c.namingCounter = 0

	scheduled := make(map[*ir.Node]bool)
	expanded := make(map[*ir.Node]bool)

	var queue []*ir.Node

	for _, item := range c.scheduledItems {
		queue = append(queue, item.Node)

		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]

			if scheduled[node] {
				continue
			}

			deps, err := c.nodeDeps(node)
			if err != nil {
				return err
			}
			producers := depNodes(deps)

			if expanded[node] {
				ready := true
				for _, p := range producers {
					if p != node && !scheduled[p] {
						ready = false
						break
					}
				}
				if ready {
					scheduled[node] = true
					it := node.ScheduledItem
					if it == nil {
						// Host-side feeder pulled in as a dependency.
						it = &ir.ScheduledItem{Node: node, ScheduledDomain: ir.DomainHost}
						node.ScheduledItem = it
					}
					it.NamingIndex = c.namingCounter
					c.itemList = append(c.itemList, it)
					c.namingCounter += len(node.Type)
					continue
				}
			}

			// First visit (or a dependency resurfaced): re-enqueue behind
			// the pending dependencies, in reverse use order.
			front := make([]*ir.Node, 0, len(producers)+1)
			for i := len(producers) - 1; i >= 0; i-- {
				p := producers[i]
				if p != node && !scheduled[p] {
					front = append(front, p)
				}
			}
			front = append(front, node)
			queue = append(front, queue...)
			expanded[node] = true
		}
	}

	return nil
}
