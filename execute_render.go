package framegraph

import (
	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/ir"
)

// renderPassInfo is the assembled render pass of one graphics call with
// framebuffer attachments.
type renderPassInfo struct {
	call        *ir.Node
	attachments []rpAttachment

	width, height uint32
	resolved      bool
}

type rpAttachment struct {
	argIdx int
	access ir.Access
}

// collectRenderPasses scans the item list for calls that render into
// framebuffer attachments.
func (x *execState) collectRenderPasses() error {
	for _, item := range x.eg.ItemList {
		n := item.Node
		if n.Kind != ir.KindCall {
			continue
		}
		fnTy := n.Args[0].Type()
		var rpi *renderPassInfo
		for i := 1; i < len(n.Args); i++ {
			argTy := fnTy.Args[i-1]
			if argTy.Kind != ir.KindImbued || !isAttachmentAccess(argTy.Access) {
				continue
			}
			if rpi == nil {
				rpi = &renderPassInfo{call: n}
			}
			rpi.attachments = append(rpi.attachments, rpAttachment{argIdx: i, access: argTy.Access})
		}
		if rpi != nil {
			x.renderPasses[n] = rpi
		}
	}
	return nil
}

// resolveFramebufferExtents sizes every render pass. Attachments with a
// known extent size their pass; passes still symbolic borrow from any other
// pass sharing an attachment root. The sweep repeats until every
// framebuffer is sized or a full pass over all render passes makes no
// progress, which is fatal.
func (x *execState) resolveFramebufferExtents() error {
	if len(x.renderPasses) == 0 {
		return nil
	}

	pending := len(x.renderPasses)
	for pending > 0 {
		progress := false

		for _, rpi := range x.renderPasses {
			if rpi.resolved {
				continue
			}
			for _, att := range rpi.attachments {
				ia, ok := x.attachmentInfo(rpi.call.Args[att.argIdx])
				if !ok {
					continue
				}
				w, h := ia.CreateInfo.Extent.Width, ia.CreateInfo.Extent.Height
				if w == 0 || h == 0 {
					continue
				}
				rpi.width, rpi.height = w, h
				rpi.resolved = true
				pending--
				progress = true
				break
			}
		}

		if pending > 0 && !progress {
			for _, rpi := range x.renderPasses {
				if !rpi.resolved {
					return inferenceErr(rpi.call, "framebuffer extent could not be resolved")
				}
			}
		}
	}
	return nil
}

// attachmentInfo resolves the image attachment behind a call argument
// without requiring runtime bindings: swapchain-sourced images report their
// swapchain's extent before the image is acquired.
func (x *execState) attachmentInfo(r ir.Ref) (*ir.ImageAttachment, bool) {
	root := imageRoot(r)
	n := root.Node
	switch n.Kind {
	case ir.KindAcquire:
		if ia, ok := n.Values[root.Index].(*ir.ImageAttachment); ok {
			return ia, true
		}
	case ir.KindAcquireNextImage:
		if v, err := ir.Eval(n.Args[0]); err == nil {
			if swp, ok := v.(*ir.Swapchain); ok && len(swp.Images) > 0 {
				ia := swp.Images[0]
				if ia.CreateInfo.Extent.Width == 0 {
					ia.CreateInfo.Extent = swp.Extent
				}
				return &ia, true
			}
		}
	default:
		if v, err := x.value(root); err == nil {
			if ia, ok := v.(*ir.ImageAttachment); ok {
				return ia, true
			}
		}
	}
	return nil, false
}

// execCall records one call: barriers for its accesses, an enclosing render
// pass when it draws into attachments, and either the opaque callback or a
// shader pipeline dispatch.
func (x *execState) execCall(n *ir.Node, item *ir.ScheduledItem) error {
	enc, err := x.encoder(item.ScheduledDomain)
	if err != nil {
		return err
	}

	fnTy := n.Args[0].Type()

	// Resolve parameters and seed results with the aliased values.
	args := make([]Value, len(n.Args)-1)
	for i := 1; i < len(n.Args); i++ {
		v, err := x.value(n.Args[i])
		if err != nil {
			return err
		}
		args[i-1] = v
	}
	results := make([]Value, len(n.Type))
	for i, retTy := range n.Type {
		if retTy.Kind == ir.KindAliased {
			results[i] = args[retTy.RefIdx-1]
		}
	}

	if err := x.syncArgs(enc, n); err != nil {
		return err
	}

	rpi := x.renderPasses[n]
	if rpi != nil {
		if err := x.beginRenderPass(enc, n, rpi, args); err != nil {
			return err
		}
	}

	switch fnTy.Kind {
	case ir.KindOpaqueFn:
		fnVal, err := x.value(n.Args[0])
		if err != nil {
			return err
		}
		fn, ok := fnVal.(CommandFn)
		if !ok {
			return structuralErr(n, "opaque function value is %T, want CommandFn", fnVal)
		}
		ctx := &CmdContext{Encoder: enc, Frame: x.frame, Args: args, Results: results}
		if err := fn(ctx); err != nil {
			if rpi != nil {
				enc.EndRenderPass()
			}
			return apiErr(n, err)
		}
		results = ctx.Results

	case ir.KindShaderFn:
		if err := x.dispatchShader(enc, n, fnTy, args); err != nil {
			if rpi != nil {
				enc.EndRenderPass()
			}
			return err
		}

	default:
		return structuralErr(n, "call through untyped callee survived linking")
	}

	if rpi != nil {
		enc.EndRenderPass()
	}

	for i, v := range results {
		x.bind(n, i, v)
	}
	return nil
}

func (x *execState) beginRenderPass(enc backend.CommandEncoder, n *ir.Node, rpi *renderPassInfo, args []Value) error {
	da := x.frame.ParentAllocator()
	frameIdx := x.frame.AbsoluteFrame()

	rpCI := &backend.RenderPassCreateInfo{}
	var views []backend.ImageView
	var clears []ir.ClearColor

	for _, att := range rpi.attachments {
		ia, ok := args[att.argIdx-1].(*ir.ImageAttachment)
		if !ok || ia.Image == nil {
			return structuralErr(n, "attachment argument %d is not an allocated image", att.argIdx-1)
		}

		load := backend.LoadOpLoad
		if att.access == ir.AccessColorWrite || att.access == ir.AccessDepthStencilRW {
			// A pure write never observes prior contents.
			load = backend.LoadOpClear
		}
		use := ir.ToUse(att.access)
		rpCI.Attachments = append(rpCI.Attachments, backend.AttachmentDescription{
			Format:        ia.CreateInfo.Format,
			Samples:       maxu32(ia.CreateInfo.Samples, 1),
			LoadOp:        load,
			StoreOp:       backend.StoreOpStore,
			InitialLayout: use.Layout,
			FinalLayout:   use.Layout,
		})

		view := ia.ImageView
		if view == nil {
			v, err := x.frame.AllocateImageView(&backend.ImageViewCreateInfo{
				Image:      ia.Image,
				Format:     ia.CreateInfo.Format,
				BaseLevel:  ia.BaseLevel,
				LevelCount: maxu32(ia.LevelCount, 1),
				BaseLayer:  ia.BaseLayer,
				LayerCount: maxu32(ia.LayerCount, 1),
			})
			if err != nil {
				return allocErr(n, err)
			}
			ia.ImageView = v
			view = v
		}
		views = append(views, view)
		clears = append(clears, ir.ClearColor{})
	}

	rp, err := da.AcquireRenderPass(rpCI, frameIdx)
	if err != nil {
		return allocErr(n, err)
	}
	fb, err := da.AcquireFramebuffer(&backend.FramebufferCreateInfo{
		RenderPass:  rp,
		Attachments: views,
		Width:       rpi.width,
		Height:      rpi.height,
		Layers:      1,
	}, frameIdx)
	if err != nil {
		return allocErr(n, err)
	}

	enc.BeginRenderPass(rp, fb, clears)
	return nil
}

// dispatchShader binds the compiled pipeline and its descriptor sets, then
// dispatches with group counts derived from the first image argument.
func (x *execState) dispatchShader(enc backend.CommandEncoder, n *ir.Node, fnTy *ir.Type, args []Value) error {
	cp, ok := fnTy.Pipeline.(*CompiledPipeline)
	if !ok {
		return structuralErr(n, "shader function carries no compiled pipeline")
	}
	enc.BindPipeline(cp.Handle)

	da := x.frame.ParentAllocator()
	frameIdx := x.frame.AbsoluteFrame()

	if cp.Program != nil {
		for setIdx, layoutCI := range cp.Program.SetLayoutCreateInfos() {
			layout, err := da.AcquireSetLayout(layoutCI, frameIdx)
			if err != nil {
				return allocErr(n, err)
			}
			writes := x.descriptorWrites(layoutCI, args)
			ds, err := x.frame.AllocateDescriptorSet(descriptorBindingKey(writes), layout, 0)
			if err != nil {
				return allocErr(n, err)
			}
			x.e.Device.WriteDescriptorSet(ds, writes)
			enc.BindDescriptorSet(setIdx, ds)
		}
	}

	var gx, gy, gz uint32 = 1, 1, 1
	if size, ok := n.Value.([3]uint32); ok {
		gx, gy, gz = size[0], size[1], size[2]
	} else if cp.Program != nil {
		for _, a := range args {
			if ia, ok := a.(*ir.ImageAttachment); ok {
				gx, gy, gz = cp.Program.GroupCounts(ia.CreateInfo.Extent.Width, ia.CreateInfo.Extent.Height)
				break
			}
		}
	}
	enc.Dispatch(gx, gy, gz)
	return nil
}

// descriptorWrites pairs the reflected bindings of one set with the call's
// resource arguments: buffer bindings consume the next buffer argument,
// image and sampler bindings the next image argument, each in use order.
func (x *execState) descriptorWrites(layoutCI *backend.DescriptorSetLayoutCreateInfo, args []Value) []backend.DescriptorWrite {
	var buffers []*ir.Buffer
	var images []*ir.ImageAttachment
	for _, a := range args {
		switch v := a.(type) {
		case *ir.Buffer:
			buffers = append(buffers, v)
		case *ir.ImageAttachment:
			images = append(images, v)
		}
	}

	writes := make([]backend.DescriptorWrite, 0, len(layoutCI.Bindings))
	bufAt, imgAt := 0, 0
	for _, b := range layoutCI.Bindings {
		w := backend.DescriptorWrite{Binding: b.Binding, Type: b.Type}
		switch b.Type {
		case backend.DescriptorUniformBuffer, backend.DescriptorStorageBuffer, backend.DescriptorTexelBuffer:
			if bufAt < len(buffers) {
				v := buffers[bufAt]
				bufAt++
				w.Buffer = v.Handle
				w.Offset = v.Offset
				w.Size = v.Size
			}
		default:
			if imgAt < len(images) {
				v := images[imgAt]
				imgAt++
				w.ImageView = v.ImageView
				if b.Type == backend.DescriptorStorageImage {
					w.Layout = ir.LayoutGeneral
				} else {
					w.Layout = ir.LayoutShaderReadOnlyOptimal
				}
			}
		}
		writes = append(writes, w)
	}
	return writes
}

