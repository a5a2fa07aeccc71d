package framegraph

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/gogpu/framegraph/alloc"
	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/ir"
	"github.com/gogpu/framegraph/shader"
)

// Value is a resolved runtime value of one node result.
type Value = any

// CmdContext is handed to opaque-function callbacks while their call is
// recorded.
type CmdContext struct {
	Encoder backend.CommandEncoder
	Frame   *alloc.Frame

	// Args holds the resolved parameter values, excluding the callee.
	Args []Value
	// Results is pre-seeded with the aliased argument values; a callback
	// may override entries it redefines.
	Results []Value
}

// CommandFn is the host callback of an opaque function. It records commands
// through ctx.Encoder; the compiler has already emitted the barriers for the
// declared accesses.
type CommandFn func(ctx *CmdContext) error

// CompiledPipeline pairs a backend pipeline with its reflection; it rides on
// shader-function types.
type CompiledPipeline struct {
	Handle  backend.Pipeline
	CI      *backend.PipelineCreateInfo
	Program *shader.Program
}

// Queues routes submissions per domain. Missing queues fall back to
// Graphics.
type Queues struct {
	Graphics backend.Queue
	Compute  backend.Queue
	Transfer backend.Queue
}

func (q Queues) forDomain(d ir.DomainFlags) backend.Queue {
	switch d {
	case ir.DomainComputeQueue:
		if q.Compute != nil {
			return q.Compute
		}
	case ir.DomainTransferQueue:
		if q.Transfer != nil {
			return q.Transfer
		}
	}
	return q.Graphics
}

// Executor walks a compiled graph and records it through the backend. An
// Executor either submits the whole graph or returns an error before any
// queue work is enqueued.
type Executor struct {
	Device    backend.Device
	Queues    Queues
	Pipelines PipelineSource
}

// resState tracks the last known use of an image.
type resState struct {
	use ir.ResourceUse
}

// execState is the per-submission scratch of one Submit call.
type execState struct {
	e     *Executor
	eg    *ExecutableGraph
	frame *alloc.Frame

	encoders map[ir.DomainFlags]backend.CommandEncoder
	states   map[any]*resState // image handle -> last use

	// presentables maps swapchain-acquired attachment roots to their
	// swapchain; releasing one enqueues a present.
	presentables map[any]*ir.Swapchain
	presents     []presentReq

	renderPasses map[*ir.Node]*renderPassInfo
}

type presentReq struct {
	swp        *ir.Swapchain
	imageIndex int
}

// Submit executes the compiled graph: transient resources come from frame,
// commands are recorded per queue domain and submitted in transfer, compute,
// graphics order with cross-queue semaphores, and the graphics submission
// signals the frame's recycle fence.
func (e *Executor) Submit(eg *ExecutableGraph, frame *alloc.Frame) error {
	x := &execState{
		e:            e,
		eg:           eg,
		frame:        frame,
		encoders:     make(map[ir.DomainFlags]backend.CommandEncoder),
		states:       make(map[any]*resState),
		presentables: make(map[any]*ir.Swapchain),
		renderPasses: make(map[*ir.Node]*renderPassInfo),
	}

	for _, item := range eg.ItemList {
		item.Node.Exec = nil
	}

	if err := x.collectRenderPasses(); err != nil {
		return err
	}
	if err := x.resolveFramebufferExtents(); err != nil {
		return err
	}

	for _, item := range eg.ItemList {
		if err := x.executeItem(item); err != nil {
			return err
		}
	}

	return x.finish()
}

func (x *execState) encoder(domain ir.DomainFlags) (backend.CommandEncoder, error) {
	if !domain.IsQueue() {
		domain = ir.DomainGraphicsQueue
	}
	if enc, ok := x.encoders[domain]; ok {
		return enc, nil
	}
	enc, err := x.e.Device.CreateCommandEncoder(domain.String())
	if err != nil {
		return nil, apiErr(nil, err)
	}
	if err := enc.BeginEncoding(domain.String()); err != nil {
		return nil, apiErr(nil, err)
	}
	x.encoders[domain] = enc
	return enc, nil
}

// value resolves one result: runtime bindings first, then pure evaluation.
func (x *execState) value(r ir.Ref) (Value, error) {
	if r.Node.Exec != nil && r.Node.Exec[r.Index] != nil {
		return r.Node.Exec[r.Index], nil
	}
	v, err := ir.Eval(r)
	if err != nil {
		return nil, evalErr(r.Node, err)
	}
	return v, nil
}

func (x *execState) bind(n *ir.Node, idx int, v Value) {
	if n.Exec == nil {
		n.Exec = make([]Value, len(n.Type))
	}
	n.Exec[idx] = v
}

// emitBarrier transitions an image to a target use if its tracked state
// requires it.
func (x *execState) emitBarrier(enc backend.CommandEncoder, ia *ir.ImageAttachment, target *ir.ResourceUse) {
	if ia == nil || ia.Image == nil || target == nil {
		return
	}
	st, ok := x.states[ia.Image]
	if !ok {
		st = &resState{use: ir.ResourceUse{Stages: ir.StageTopOfPipe, Layout: ir.LayoutUndefined}}
		x.states[ia.Image] = st
	}
	if st.use.Layout == target.Layout && !st.use.Access.IsWrite() && !target.Access.IsWrite() {
		// Same layout, read-after-read: nothing to order.
		return
	}
	enc.PipelineBarrier([]backend.ImageBarrier{{
		Image:     ia.Image,
		SrcStages: st.use.Stages,
		DstStages: target.Stages,
		SrcAccess: st.use.Access,
		DstAccess: target.Access,
		OldLayout: st.use.Layout,
		NewLayout: target.Layout,
		Range: backend.SubresourceRange{
			BaseLevel:  ia.BaseLevel,
			LevelCount: ia.LevelCount,
			BaseLayer:  ia.BaseLayer,
			LayerCount: ia.LayerCount,
		},
	}}, nil, nil)
	st.use = *target
}

// argSync returns the lowered sync a node requires for one of its arguments.
func argSync(n *ir.Node, arg ir.Ref) *ir.ResourceUse {
	if !arg.HasLinks() {
		return nil
	}
	link := arg.Link()
	if link.Undef.Node == n && link.UndefSync != nil {
		return link.UndefSync
	}
	if link.ReadSync != nil {
		for _, r := range link.Reads {
			if r.Node == n {
				return link.ReadSync
			}
		}
	}
	return nil
}

// syncArgs emits the barriers for every image argument of a node.
func (x *execState) syncArgs(enc backend.CommandEncoder, n *ir.Node) error {
	for _, arg := range n.Args {
		use := argSync(n, arg)
		if use == nil {
			continue
		}
		v, err := x.value(arg)
		if err != nil {
			continue // host-only value, no barrier
		}
		if ia, ok := v.(*ir.ImageAttachment); ok {
			x.emitBarrier(enc, ia, use)
		}
	}
	return nil
}

func (x *execState) executeItem(item *ir.ScheduledItem) error {
	n := item.Node
	switch n.Kind {
	case ir.KindConstant, ir.KindPlaceholder, ir.KindImport, ir.KindConstruct,
		ir.KindMathBinary, ir.KindCast, ir.KindGetCI, ir.KindGetIVMeta,
		ir.KindGetAllocationSize, ir.KindSet:
		// Host-evaluable; resolved lazily through value().
		return nil

	case ir.KindAcquire:
		for i := range n.Type {
			x.bind(n, i, n.Values[i])
		}
		return nil

	case ir.KindAcquireNextImage:
		return x.execAcquireNextImage(n)

	case ir.KindAllocate:
		return x.execAllocate(n)

	case ir.KindClear:
		return x.execClear(n)

	case ir.KindCall:
		return x.execCall(n, item)

	case ir.KindSlice:
		return x.execSlice(n)

	case ir.KindConverge, ir.KindLogicalCopy, ir.KindUse:
		v, err := x.value(n.Args[0])
		if err != nil {
			return err
		}
		if n.Kind == ir.KindUse {
			if link := n.Args[0].Link(); link.UndefSync != nil {
				enc, eerr := x.encoder(item.ScheduledDomain)
				if eerr != nil {
					return eerr
				}
				if ia, ok := v.(*ir.ImageAttachment); ok {
					x.emitBarrier(enc, ia, link.UndefSync)
				}
			}
		}
		x.bind(n, 0, v)
		return nil

	case ir.KindCompilePipeline:
		return x.execCompilePipeline(n)

	case ir.KindRelease:
		return x.execRelease(n, item)
	}

	return structuralErr(n, "unhandled node kind in executor")
}

func (x *execState) execAcquireNextImage(n *ir.Node) error {
	v, err := x.value(n.Args[0])
	if err != nil {
		return err
	}
	swp, ok := v.(*ir.Swapchain)
	if !ok {
		return structuralErr(n, "acquire_next_image of %T", v)
	}
	idx, err := x.e.Device.AcquireNextImage(swp.Handle)
	if err != nil {
		return apiErr(n, err)
	}
	if idx < 0 || idx >= len(swp.Images) {
		return apiErr(n, fmt.Errorf("swapchain returned image %d of %d", idx, len(swp.Images)))
	}
	swp.ImageIndex = idx
	ia := swp.Images[idx]
	if ia.CreateInfo.Extent.Width == 0 {
		ia.CreateInfo.Extent = swp.Extent
	}
	x.bind(n, 0, &ia)
	x.presentables[ia.Image] = swp
	return nil
}

func (x *execState) execAllocate(n *ir.Node) error {
	v, err := x.value(n.Args[0])
	if err != nil {
		return err
	}
	switch desc := v.(type) {
	case *ir.ImageAttachment:
		if desc.Image != nil {
			x.bind(n, 0, desc)
			return nil
		}
		ia := *desc
		if !ia.Resolved() {
			return inferenceErr(n, "allocating an image with unresolved create info")
		}
		img, err := x.frame.AllocateImage(&ia.CreateInfo)
		if err != nil {
			return allocErr(n, err)
		}
		ia.Image = img
		view, err := x.frame.AllocateImageView(&backend.ImageViewCreateInfo{
			Image:      img,
			Format:     ia.CreateInfo.Format,
			BaseLevel:  ia.BaseLevel,
			LevelCount: maxu32(ia.LevelCount, 1),
			BaseLayer:  ia.BaseLayer,
			LayerCount: maxu32(ia.LayerCount, 1),
		})
		if err != nil {
			return allocErr(n, err)
		}
		ia.ImageView = view
		x.bind(n, 0, &ia)
		return nil

	case *ir.Buffer:
		if desc.Handle != nil {
			x.bind(n, 0, desc)
			return nil
		}
		buf, err := x.frame.AllocateBuffer(&backend.BufferCreateInfo{
			Label:    "transient",
			Size:     desc.Size,
			Usage:    desc.Usage,
			MemUsage: desc.MemUsage,
		})
		if err != nil {
			return allocErr(n, err)
		}
		x.bind(n, 0, &buf)
		return nil
	}
	return structuralErr(n, "allocate of %T", v)
}

func (x *execState) execClear(n *ir.Node) error {
	v, err := x.value(n.Args[0])
	if err != nil {
		return err
	}
	ia, ok := v.(*ir.ImageAttachment)
	if !ok {
		return structuralErr(n, "clear of %T", v)
	}
	domain := ir.DomainGraphicsQueue
	if n.ScheduledItem != nil {
		domain = n.ScheduledItem.ScheduledDomain
	}
	enc, err := x.encoder(domain)
	if err != nil {
		return err
	}
	if err := x.syncArgs(enc, n); err != nil {
		return err
	}
	color, _ := n.Value.(ir.ClearColor)
	enc.ClearColorImage(ia.Image, ir.LayoutTransferDstOptimal, color, []backend.SubresourceRange{{
		BaseLevel:  ia.BaseLevel,
		LevelCount: maxu32(ia.LevelCount, 1),
		BaseLayer:  ia.BaseLayer,
		LayerCount: maxu32(ia.LayerCount, 1),
	}})
	x.bind(n, 0, ia)
	return nil
}

func (x *execState) execCompilePipeline(n *ir.Node) error {
	if x.e.Pipelines == nil {
		return structuralErr(n, "compile_pipeline without a pipeline source")
	}
	v, err := x.value(n.Args[0])
	if err != nil {
		return err
	}
	ci, ok := v.(*backend.PipelineCreateInfo)
	if !ok {
		return structuralErr(n, "compile_pipeline of %T", v)
	}
	pipeline, _, err := x.e.Pipelines.PipelineProgram(ci)
	if err != nil {
		return apiErr(n, err)
	}
	x.bind(n, 0, pipeline)
	return nil
}

func (x *execState) execSlice(n *ir.Node) error {
	src, err := x.value(n.Args[0])
	if err != nil {
		return err
	}
	start, err := x.uintValue(n.Args[1])
	if err != nil {
		return err
	}
	count, err := x.uintValue(n.Args[2])
	if err != nil {
		return err
	}

	switch v := src.(type) {
	case *ir.ImageAttachment:
		sliced, rest := *v, *v
		switch n.Axis {
		case ir.AxisMipLevel:
			sliced.BaseLevel = v.BaseLevel + uint32(start)
			sliced.LevelCount = uint32(count)
			rest.BaseLevel = v.BaseLevel + uint32(start+count)
			if v.LevelCount > uint32(start+count) {
				rest.LevelCount = v.LevelCount - uint32(start+count)
			} else {
				rest.LevelCount = 0
			}
		case ir.AxisArrayLayer:
			sliced.BaseLayer = v.BaseLayer + uint32(start)
			sliced.LayerCount = uint32(count)
			rest.BaseLayer = v.BaseLayer + uint32(start+count)
			if v.LayerCount > uint32(start+count) {
				rest.LayerCount = v.LayerCount - uint32(start+count)
			} else {
				rest.LayerCount = 0
			}
		default:
			return structuralErr(n, "field slice of an image at runtime")
		}
		x.bind(n, 0, &sliced)
		x.bind(n, 1, &rest)
		x.bind(n, 2, v)
	case *ir.Buffer:
		sl := v.Subrange(start, count)
		rest := v.Subrange(start+count, v.Size-(start+count))
		x.bind(n, 0, &sl)
		x.bind(n, 1, &rest)
		x.bind(n, 2, v)
	default:
		// Host aggregate; defer to pure evaluation on use.
	}
	return nil
}

func (x *execState) uintValue(r ir.Ref) (uint64, error) {
	v, err := x.value(r)
	if err != nil {
		return 0, err
	}
	switch u := v.(type) {
	case uint64:
		return u, nil
	case uint32:
		return uint64(u), nil
	case int:
		return uint64(u), nil
	}
	return 0, structuralErr(r.Node, "expected integer, got %T", v)
}

func (x *execState) execRelease(n *ir.Node, item *ir.ScheduledItem) error {
	enc, err := x.encoder(item.ScheduledDomain)
	if err != nil {
		return err
	}
	for i := range n.Args {
		v, err := x.value(n.Args[i])
		if err != nil {
			return err
		}
		ia, isImage := v.(*ir.ImageAttachment)

		if isImage {
			if swp, ok := x.presentables[ia.Image]; ok {
				// Swapchain handoff: transition to present and enqueue.
				present := ir.ResourceUse{
					Stages: ir.StageBottomOfPipe,
					Layout: ir.LayoutPresentSrc,
				}
				x.emitBarrier(enc, ia, &present)
				x.presents = append(x.presents, presentReq{swp: swp, imageIndex: swp.ImageIndex})
				x.bind(n, i, v)
				continue
			}
			if use := argSync(n, n.Args[i]); use != nil {
				x.emitBarrier(enc, ia, use)
			}
		}
		x.bind(n, i, v)
	}
	if n.AcqRel != nil {
		n.AcqRel.Armed = false
	}
	return nil
}

func (x *execState) finish() error {
	// End every encoder and submit the partitions in fixed order, chaining
	// them with a timeline semaphore.
	var timeline backend.Semaphore
	var timelineValue uint64

	order := []ir.DomainFlags{ir.DomainTransferQueue, ir.DomainComputeQueue, ir.DomainGraphicsQueue}
	active := make([]ir.DomainFlags, 0, len(order))
	for _, d := range order {
		if _, ok := x.encoders[d]; ok {
			active = append(active, d)
		}
	}
	if len(active) == 0 {
		// Nothing was recorded; the frame completes immediately.
		x.frame.SetPending(0)
		return x.present()
	}

	if len(active) > 1 {
		var err error
		timeline, err = x.e.Device.CreateTimelineSemaphore(0)
		if err != nil {
			return apiErr(nil, err)
		}
	}

	fenceValue := x.frame.AbsoluteFrame() + 1

	for i, d := range active {
		enc := x.encoders[d]
		cb, err := enc.EndEncoding()
		if err != nil {
			return apiErr(nil, err)
		}

		info := &backend.SubmitInfo{Commands: []backend.CommandBuffer{cb}}
		if timeline != nil {
			if i > 0 {
				info.Waits = []backend.SemaphoreValue{{Semaphore: timeline, Value: timelineValue}}
			}
			if i < len(active)-1 {
				timelineValue++
				info.Signals = []backend.SemaphoreValue{{Semaphore: timeline, Value: timelineValue}}
			}
		}
		if i == len(active)-1 {
			// The last submission signals the frame's recycle fence.
			info.Fence = x.frame.Fence()
			info.FenceValue = fenceValue
		}

		if err := x.e.Queues.forDomain(d).Submit(info); err != nil {
			return apiErr(nil, err)
		}
	}

	x.frame.SetPending(fenceValue)
	return x.present()
}

func (x *execState) present() error {
	for _, p := range x.presents {
		q := x.e.Queues.forDomain(ir.DomainGraphicsQueue)
		if err := q.Present(p.swp.Handle, p.imageIndex, nil); err != nil {
			return apiErr(nil, err)
		}
	}
	return nil
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// descriptorBindingKey hashes descriptor writes into the per-frame cache key.
func descriptorBindingKey(writes []backend.DescriptorWrite) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for _, w := range writes {
		put(uint64(w.Binding))
		put(uint64(w.Type))
		put(backend.HandleID(w.Buffer))
		put(w.Offset)
		put(w.Size)
		put(backend.HandleID(w.ImageView))
		put(backend.HandleID(w.Sampler))
		put(uint64(w.Layout))
	}
	return h.Sum64()
}
