package framegraph

import (
	"github.com/gogpu/framegraph/ir"
	"github.com/gogpu/gputypes"
)

// liveRange spans a chain from its defining link to its final revision.
type liveRange struct {
	defLink   *ir.ChainLink
	undefLink *ir.ChainLink
}

// collectChains gathers every chain head (a link without a predecessor) and
// its live range.
func (c *Compiler) collectChains() {
	c.chains = c.chains[:0]
	c.liveRanges = c.liveRanges[:0]

	for _, node := range c.nodes {
		for i := range node.Type {
			link := &node.Links[i]
			if link.Prev != nil {
				continue
			}
			c.chains = append(c.chains, link)
			lr := liveRange{defLink: link, undefLink: link}
			for lr.undefLink.Next != nil {
				lr.undefLink = lr.undefLink.Next
			}
			c.liveRanges = append(c.liveRanges, lr)
		}
	}
}

// tailOf winds a ref's chain to its latest revision.
func tailOf(r ir.Ref) ir.Ref {
	link := r.Link()
	for link.Next != nil {
		link = link.Next
	}
	return link.Def
}

// forcedConvergence re-merges chains whose final revision is a dangling
// slice, so the release at the end of the graph sees a single, fully-owned
// resource. The synthesized converge feeds a bare USE that the wrapped
// release source then depends on.
func (c *Compiler) forcedConvergence() (bool, error) {
	if len(c.refNodes) == 0 {
		return false, nil
	}
	modified := false

	for _, lr := range c.liveRanges {
		if lr.defLink.Def.Node.Kind == ir.KindSlice {
			continue // sub-chains are re-merged through their parent
		}
		tail := lr.undefLink
		for tail.Next != nil {
			tail = tail.Next
		}
		if tail.Undef.IsZero() || tail.Undef.Node.Kind != ir.KindSlice {
			continue
		}
		sliceNode := tail.Undef.Node
		if sliceNode.Nth(2).Type().Kind == ir.KindUnion {
			continue
		}

		// Re-merge the slice's current tails.
		tails := []ir.Ref{tailOf(sliceNode.Nth(2)), tailOf(sliceNode.Nth(0)), tailOf(sliceNode.Nth(1))}
		fConv := c.module.MakeConverge(sliceNode.Args[0].Type().StrippedAll(), tails)
		c.newNodes = append(c.newNodes, fConv.Node)

		useNode := c.module.MakeUse(fConv, ir.AccessNone)
		c.newNodes = append(c.newNodes, useNode.Node)

		// Wrap the final release's source so it depends on the merge.
		release := c.refNodes[len(c.refNodes)-1]
		if release.Kind != ir.KindRelease {
			return modified, structuralErr(release, "graph root is not a release")
		}
		oldSrc := release.Args[0]
		wrap := c.module.MakeConverge(oldSrc.Type().StrippedAll(), []ir.Ref{oldSrc, useNode})
		release.Args[0] = wrap
		c.newNodes = append(c.newNodes, wrap.Node)
		modified = true
	}

	return modified, nil
}

// ComputeUsage infers the image usage flags a chain's uses require,
// including the uses of its child chains.
func (c *Compiler) ComputeUsage(head *ir.ChainLink) gputypes.TextureUsage {
	var usage gputypes.TextureUsage

	for chain := head; chain != nil; chain = chain.Next {
		for _, r := range chain.Reads {
			usage |= usageOfUse(r)
		}
		if !chain.Undef.IsZero() {
			usage |= usageOfUse(chain.Undef)
		}
		for _, child := range chain.ChildChains {
			usage |= c.ComputeUsage(child)
		}
	}
	return usage
}

func usageOfUse(r ir.Ref) gputypes.TextureUsage {
	n := r.Node
	switch n.Kind {
	case ir.KindCall:
		fnTy := n.Args[0].Type()
		if r.Index < 1 || r.Index > len(fnTy.Args) {
			return 0
		}
		argTy := fnTy.Args[r.Index-1]
		if argTy.Kind != ir.KindImbued {
			return 0
		}
		return accessToUsage(argTy.Access)
	case ir.KindClear:
		return gputypes.TextureUsageCopyDst
	}
	return 0
}

func accessToUsage(a ir.Access) gputypes.TextureUsage {
	switch a {
	case ir.AccessColorRead, ir.AccessColorWrite, ir.AccessColorRW,
		ir.AccessColorResolveRead, ir.AccessColorResolveWrite,
		ir.AccessDepthStencilRead, ir.AccessDepthStencilRW:
		return gputypes.TextureUsageRenderAttachment
	case ir.AccessFragmentSampled, ir.AccessComputeSampled:
		return gputypes.TextureUsageTextureBinding
	case ir.AccessTransferRead:
		return gputypes.TextureUsageCopySrc
	case ir.AccessTransferWrite, ir.AccessTransferClear:
		return gputypes.TextureUsageCopyDst
	case ir.AccessFragmentRead, ir.AccessFragmentWrite,
		ir.AccessComputeRead, ir.AccessComputeWrite, ir.AccessComputeRW:
		return gputypes.TextureUsageTextureBinding
	}
	return 0
}
