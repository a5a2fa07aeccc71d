package framegraph

import (
	"github.com/gogpu/framegraph/internal/radix"
	"github.com/gogpu/framegraph/ir"
)

// imageRoot walks a value back to the node that introduces its storage:
// through chain aliases (slice, converge, logical copy, use, clear, call
// results) down to a CONSTRUCT, CONSTANT, ACQUIRE or ACQUIRE_NEXT_IMAGE.
func imageRoot(r ir.Ref) ir.Ref {
	for {
		n := r.Node
		switch n.Kind {
		case ir.KindSlice, ir.KindConverge, ir.KindUse, ir.KindLogicalCopy, ir.KindClear, ir.KindAllocate:
			r = n.Args[0]
		case ir.KindCall:
			retTy := n.Type[r.Index]
			if retTy.Kind != ir.KindAliased {
				return r
			}
			r = n.Args[retTy.RefIdx]
		default:
			return r
		}
	}
}

// rootAttachment resolves the create info known for a value's storage root.
// The second result reports whether anything is known at all.
func (c *Compiler) rootAttachment(r ir.Ref) (ir.ImageAttachment, bool) {
	root := imageRoot(r)
	n := root.Node
	switch n.Kind {
	case ir.KindConstruct, ir.KindConstant:
		v, err := ir.Eval(root)
		if err != nil {
			// Partially known constructs still yield their template.
			if n.Kind == ir.KindConstruct {
				if t, terr := ir.Eval(n.Args[0]); terr == nil {
					if ia, ok := t.(*ir.ImageAttachment); ok {
						return *ia, true
					}
				}
			}
			return ir.ImageAttachment{}, false
		}
		if ia, ok := v.(*ir.ImageAttachment); ok {
			return *ia, true
		}
	case ir.KindAcquire:
		if ia, ok := n.Values[root.Index].(*ir.ImageAttachment); ok {
			return *ia, true
		}
	case ir.KindAcquireNextImage:
		if v, err := ir.Eval(n.Args[0]); err == nil {
			if swp, ok := v.(*ir.Swapchain); ok && len(swp.Images) > 0 {
				return swp.Images[0], true
			}
		}
	}
	return ir.ImageAttachment{}, false
}

// fillConstruct writes inferred fields into a construct's placeholder
// arguments. Reports whether any placeholder was materialized.
func (c *Compiler) fillConstruct(n *ir.Node, src *ir.ImageAttachment) bool {
	if n.Kind != ir.KindConstruct {
		return false
	}
	u32 := c.module.Types.U32()
	changed := false
	set := func(field int, v uint64, known bool) {
		argIdx := field + 1
		if !known || argIdx >= len(n.Args) {
			return
		}
		if n.Args[argIdx].Node.Kind != ir.KindPlaceholder {
			return
		}
		cst := c.module.MakeConstant(u32, v)
		n.Args[argIdx] = cst
		c.newNodes = append(c.newNodes, cst.Node)
		changed = true
	}
	ci := &src.CreateInfo
	set(ir.ImageFieldWidth, uint64(ci.Extent.Width), ci.Extent.Width != 0)
	set(ir.ImageFieldHeight, uint64(ci.Extent.Height), ci.Extent.Height != 0)
	set(ir.ImageFieldFormat, uint64(ci.Format), ci.Format != 0)
	set(ir.ImageFieldSamples, uint64(ci.Samples), ci.Samples != 0)
	set(ir.ImageFieldLevels, uint64(ci.Levels), ci.Levels != 0)
	set(ir.ImageFieldLayers, uint64(ci.Layers), ci.Layers != 0)
	return changed
}

// isAttachmentAccess reports whether an access makes its image a framebuffer
// attachment.
func isAttachmentAccess(a ir.Access) bool {
	switch a {
	case ir.AccessColorRead, ir.AccessColorWrite, ir.AccessColorRW,
		ir.AccessColorResolveRead, ir.AccessColorResolveWrite,
		ir.AccessDepthStencilRead, ir.AccessDepthStencilRW:
		return true
	}
	return false
}

// reifyInference propagates known image metadata between the attachments of
// each call until a fixed point, then verifies every framebuffer attachment
// has a concrete extent.
func (c *Compiler) reifyInference() (bool, error) {
	modified := false

	for {
		progress := false

		for _, node := range c.nodes {
			if node.Kind != ir.KindCall {
				continue
			}
			fnTy := node.Args[0].Type()

			// Merge what is known across the call's attachments.
			var known ir.ImageAttachment
			var haveKnown bool
			var unresolved []ir.Ref
			for i := 1; i < len(node.Args); i++ {
				argTy := fnTy.Args[i-1]
				if argTy.Kind != ir.KindImbued || !isAttachmentAccess(argTy.Access) {
					continue
				}
				ia, ok := c.rootAttachment(node.Args[i])
				if ok && ia.Resolved() {
					if !haveKnown {
						known = ia
						haveKnown = true
					}
					continue
				}
				unresolved = append(unresolved, node.Args[i])
				if ok && !haveKnown {
					// Partially known still contributes fields.
					known = ia
					haveKnown = true
				}
			}
			if !haveKnown {
				continue
			}

			for _, r := range unresolved {
				root := imageRoot(r).Node
				if c.fillConstruct(root, &known) {
					progress = true
					modified = true
				}
			}
		}

		if !progress {
			break
		}
	}

	// Convergence reached; unresolved framebuffer attachments are fatal.
	for _, node := range c.nodes {
		if node.Kind != ir.KindCall {
			continue
		}
		fnTy := node.Args[0].Type()
		for i := 1; i < len(node.Args); i++ {
			argTy := fnTy.Args[i-1]
			if argTy.Kind != ir.KindImbued || !isAttachmentAccess(argTy.Access) {
				continue
			}
			ia, ok := c.rootAttachment(node.Args[i])
			if !ok || ia.CreateInfo.Extent.Width == 0 || ia.CreateInfo.Extent.Height == 0 {
				return modified, inferenceErr(node, "attachment extent could not be resolved for argument %d", i-1)
			}
		}
	}

	return modified, nil
}

// validateDuplicatedResources replays every constant, construct and live
// acquire into the aliasing index and reports any resource known twice.
func (c *Compiler) validateDuplicatedResources() (bool, error) {
	memory := radix.New[*ir.Node]()
	images := make(map[imageKey]*ir.Node)
	swapchains := make(map[*ir.Swapchain]*ir.Node)

	addOne := func(t *ir.Type, node *ir.Node, value any) *ir.Node {
		if t.Kind == ir.KindArray || t.Kind == ir.KindUnion {
			return nil
		}
		switch v := value.(type) {
		case *ir.ImageAttachment:
			if v.Image == nil {
				return nil
			}
			key := imageKeyOf(v)
			if prev, ok := images[key]; ok {
				return prev
			}
			images[key] = node
		case *ir.Buffer:
			if v.Handle == nil || v.Size == 0 {
				// Not yet allocated: it cannot alias anything.
				return nil
			}
			if memory.InsertUnaligned(v.DeviceAddress, v.Size, node) {
				if prev := memory.Find(v.DeviceAddress); prev != nil {
					return *prev
				}
			}
		case *ir.Swapchain:
			if prev, ok := swapchains[v]; ok {
				return prev
			}
			swapchains[v] = node
		}
		return nil
	}

	for _, node := range c.nodes {
		var fail *ir.Node
		switch node.Kind {
		case ir.KindConstant, ir.KindConstruct:
			v, err := ir.Eval(node.First())
			if err != nil {
				// Not constant: it will be allocated fresh and cannot alias.
				continue
			}
			fail = addOne(node.Type[0], node, v)

		case ir.KindAcquire:
			for i := range node.Type {
				link := &node.Links[i]
				if len(link.Reads) == 0 && link.Undef.IsZero() && link.Next == nil {
					continue // unused, nothing can conflict
				}
				f := addOne(node.Type[i], node, node.Values[i])
				if f != nil && c.module.Types.IsBufferlikeView(node.Type[i]) && f.Kind == ir.KindAcquire {
					// Overlapping buffer acquires were already unioned.
					f = nil
				}
				if f != nil {
					fail = f
					break
				}
			}
		}

		if fail != nil {
			return false, &GraphError{
				Kind:    ErrStructural,
				Node:    node,
				Related: fail,
				Msg:     "tried to acquire something that was already known",
			}
		}
	}

	return false, nil
}

// imageKey identifies an image attachment by handle and view window.
type imageKey struct {
	image                  any
	baseLevel, baseLayer   uint32
	levelCount, layerCount uint32
}

func imageKeyOf(ia *ir.ImageAttachment) imageKey {
	return imageKey{
		image:      ia.Image,
		baseLevel:  ia.BaseLevel,
		baseLayer:  ia.BaseLayer,
		levelCount: ia.LevelCount,
		layerCount: ia.LayerCount,
	}
}

// validateReadUndefined rejects reads of values that were never written:
// an ALLOCATE result is uninitialized until something writes it.
func (c *Compiler) validateReadUndefined() (bool, error) {
	for _, node := range c.nodes {
		if node.Kind != ir.KindAllocate {
			continue
		}
		link := &node.Links[0]
		if len(link.Reads) > 0 {
			offender := link.Reads[0]
			return false, &GraphError{
				Kind:    ErrStructural,
				Node:    offender.Node,
				Related: node,
				Msg:     "tried to read something that was never written",
			}
		}
	}
	return false, nil
}

// validateSameArgDifferentAccess rejects calls passing one value through two
// parameters with different access annotations.
func (c *Compiler) validateSameArgDifferentAccess() (bool, error) {
	argSet := make(map[ir.Ref]int)
	for _, node := range c.nodes {
		if node.Kind != ir.KindCall {
			continue
		}
		clear(argSet)
		fnTy := node.Args[0].Type()
		for i := 1; i < len(node.Args); i++ {
			parm := node.Args[i]
			if prev, ok := argSet[parm]; ok {
				prevTy, curTy := fnTy.Args[prev-1], fnTy.Args[i-1]
				if prevTy.Kind == ir.KindImbued && curTy.Kind == ir.KindImbued &&
					prevTy.Access != curTy.Access {
					return false, structuralErr(node,
						"same value passed through #%d(%s) and #%d(%s) with different access",
						prev-1, prevTy.Access, i-1, curTy.Access)
				}
				continue
			}
			argSet[parm] = i
		}
	}
	return false, nil
}
