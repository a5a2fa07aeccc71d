// Package wgpu adapts a gogpu/wgpu hal device to the framegraph backend
// interface.
//
// The hal exposes a WebGPU-shaped API: passes instead of raw command
// buffers, usage transitions instead of layout barriers, a single ordered
// queue. The adapter maps the framegraph's Vulkan-shaped expectations onto
// that model:
//
//   - render passes and framebuffers are lightweight records replayed as hal
//     render passes at BeginRenderPass,
//   - image layouts become texture usage transitions,
//   - descriptor sets become bind groups created at write time,
//   - fences and timeline semaphores are hal fences with values,
//   - cross-queue semaphores collapse onto the ordered queue.
//
// Graphics pipelines are not wired up yet; compute pipelines are fully
// supported. TODO: fill in VertexState/FragmentState plumbing for the
// stencil-then-cover render path.
package wgpu

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/ir"
)

// ErrUnsupported marks operations the hal cannot express.
var ErrUnsupported = errors.New("wgpu: unsupported operation")

// Presenter is implemented by swapchain handles that can present an image.
type Presenter interface {
	Present(imageIndex int) error
	AcquireNext() (int, error)
}

// Device adapts hal.Device/hal.Queue. Create with New.
type Device struct {
	dev   hal.Device
	queue hal.Queue
}

// New wraps an already-opened hal device and its queue.
func New(dev hal.Device, queue hal.Queue) *Device {
	return &Device{dev: dev, queue: queue}
}

// Hal returns the underlying hal device.
func (d *Device) Hal() hal.Device { return d.dev }

// texture pairs a hal texture with its default whole-image view.
type texture struct {
	tex  hal.Texture
	view hal.TextureView
	ci   ir.ImageCreateInfo
}

type renderPass struct {
	ci backend.RenderPassCreateInfo
}

type framebuffer struct {
	attachments []backend.ImageView
	width       uint32
	height      uint32
}

type setLayout struct {
	ci  backend.DescriptorSetLayoutCreateInfo
	bgl hal.BindGroupLayout
}

type descriptorPool struct{}

// descriptorSet becomes a hal bind group once its writes are known.
type descriptorSet struct {
	layout *setLayout
	bg     hal.BindGroup
}

type fence struct {
	f hal.Fence
}

type pipeline struct {
	compute hal.ComputePipeline
	layout  hal.PipelineLayout
	shader  hal.ShaderModule
	bgls    []hal.BindGroupLayout
}

func (d *Device) CreateImage(ci *ir.ImageCreateInfo) (backend.Image, error) {
	dim := ci.Type
	if dim == 0 {
		dim = gputypes.TextureDimension2D
	}
	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label: "framegraph_image",
		Size: hal.Extent3D{
			Width:              ci.Extent.Width,
			Height:             ci.Extent.Height,
			DepthOrArrayLayers: maxu32(ci.Layers, 1),
		},
		MipLevelCount: maxu32(ci.Levels, 1),
		SampleCount:   maxu32(ci.Samples, 1),
		Dimension:     dim,
		Format:        ci.Format,
		Usage:         ci.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create texture: %w", err)
	}
	view, err := d.dev.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         "framegraph_image_view",
		Format:        ci.Format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: maxu32(ci.Levels, 1),
	})
	if err != nil {
		d.dev.DestroyTexture(tex)
		return nil, fmt.Errorf("wgpu: create default view: %w", err)
	}
	return &texture{tex: tex, view: view, ci: *ci}, nil
}

func (d *Device) CreateImageView(ci *backend.ImageViewCreateInfo) (backend.ImageView, error) {
	t, ok := ci.Image.(*texture)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign image %T", ci.Image)
	}
	view, err := d.dev.CreateTextureView(t.tex, &hal.TextureViewDescriptor{
		Label:         "framegraph_view",
		Format:        ci.Format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: maxu32(ci.LevelCount, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create view: %w", err)
	}
	return view, nil
}

func (d *Device) CreateBuffer(ci *backend.BufferCreateInfo) (backend.Buffer, error) {
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label:            ci.Label,
		Size:             ci.Size,
		Usage:            ci.Usage,
		MappedAtCreation: ci.Mapped,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create buffer: %w", err)
	}
	return buf, nil
}

func (d *Device) CreateFramebuffer(ci *backend.FramebufferCreateInfo) (backend.Framebuffer, error) {
	return &framebuffer{
		attachments: append([]backend.ImageView(nil), ci.Attachments...),
		width:       ci.Width,
		height:      ci.Height,
	}, nil
}

func (d *Device) CreateRenderPass(ci *backend.RenderPassCreateInfo) (backend.RenderPass, error) {
	cp := *ci
	cp.Attachments = append([]backend.AttachmentDescription(nil), ci.Attachments...)
	return &renderPass{ci: cp}, nil
}

func (d *Device) CreatePipeline(ci *backend.PipelineCreateInfo) (backend.Pipeline, error) {
	if !ci.Compute {
		return nil, fmt.Errorf("%w: graphics pipelines", ErrUnsupported)
	}
	if len(ci.SPIRV) != 1 {
		return nil, fmt.Errorf("wgpu: compute pipeline wants one module, got %d", len(ci.SPIRV))
	}

	module, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  ci.Label,
		Source: hal.ShaderSource{SPIRV: ci.SPIRV[0]},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create shader module: %w", err)
	}

	var bgls []hal.BindGroupLayout
	for _, l := range ci.Layouts {
		sl, ok := l.(*setLayout)
		if !ok {
			d.dev.DestroyShaderModule(module)
			return nil, fmt.Errorf("wgpu: foreign descriptor set layout %T", l)
		}
		bgls = append(bgls, sl.bgl)
	}

	layout, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            ci.Label + "_layout",
		BindGroupLayouts: bgls,
	})
	if err != nil {
		d.dev.DestroyShaderModule(module)
		return nil, fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}

	entry := ci.EntryPoint
	if entry == "" {
		entry = "main"
	}
	cp, err := d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  ci.Label,
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: entry,
		},
	})
	if err != nil {
		d.dev.DestroyPipelineLayout(layout)
		d.dev.DestroyShaderModule(module)
		return nil, fmt.Errorf("wgpu: create compute pipeline: %w", err)
	}

	return &pipeline{compute: cp, layout: layout, shader: module, bgls: bgls}, nil
}

func (d *Device) CreateSampler(ci *backend.SamplerCreateInfo) (backend.Sampler, error) {
	s, err := d.dev.CreateSampler(&hal.SamplerDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create sampler: %w", err)
	}
	return s, nil
}

func (d *Device) CreateDescriptorSetLayout(ci *backend.DescriptorSetLayoutCreateInfo) (backend.DescriptorSetLayout, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(ci.Bindings))
	for _, b := range ci.Bindings {
		e := gputypes.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: gputypes.ShaderStageCompute,
		}
		switch b.Type {
		case backend.DescriptorUniformBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
		case backend.DescriptorStorageBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
		default:
			// Image and sampler bindings ride on the hal defaults.
		}
		entries = append(entries, e)
	}
	bgl, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "framegraph_set_layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create bind group layout: %w", err)
	}
	cp := *ci
	cp.Bindings = append([]backend.DescriptorSetLayoutBinding(nil), ci.Bindings...)
	return &setLayout{ci: cp, bgl: bgl}, nil
}

// CreateDescriptorPool is a no-op: the hal allocates bind groups directly.
func (d *Device) CreateDescriptorPool(maxSets uint32, counts backend.DescriptorCounts) (backend.DescriptorPool, error) {
	return &descriptorPool{}, nil
}

func (d *Device) AllocateDescriptorSets(pool backend.DescriptorPool, layout backend.DescriptorSetLayout, count int) ([]backend.DescriptorSet, error) {
	sl, ok := layout.(*setLayout)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign descriptor set layout %T", layout)
	}
	sets := make([]backend.DescriptorSet, count)
	for i := range sets {
		sets[i] = &descriptorSet{layout: sl}
	}
	return sets, nil
}

// WriteDescriptorSet materializes the bind group.
func (d *Device) WriteDescriptorSet(ds backend.DescriptorSet, writes []backend.DescriptorWrite) {
	set, ok := ds.(*descriptorSet)
	if !ok {
		return
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(writes))
	for _, w := range writes {
		e := gputypes.BindGroupEntry{Binding: w.Binding}
		if buf, ok := w.Buffer.(hal.Buffer); ok && buf != nil {
			e.Resource = gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: w.Offset,
				Size:   w.Size,
			}
		}
		entries = append(entries, e)
	}
	bg, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "framegraph_bind_group",
		Layout:  set.layout.bgl,
		Entries: entries,
	})
	if err != nil {
		return
	}
	if set.bg != nil {
		d.dev.DestroyBindGroup(set.bg)
	}
	set.bg = bg
}

func (d *Device) CreateFence() (backend.Fence, error) {
	f, err := d.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	return &fence{f: f}, nil
}

// CreateSemaphore returns a value-signaled fence; the hal queue is ordered,
// so binary semaphores only matter at present time.
func (d *Device) CreateSemaphore() (backend.Semaphore, error) {
	return d.CreateTimelineSemaphore(0)
}

func (d *Device) CreateTimelineSemaphore(initialValue uint64) (backend.Semaphore, error) {
	f, err := d.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create timeline fence: %w", err)
	}
	return &fence{f: f}, nil
}

func (d *Device) CreateCommandEncoder(label string) (backend.CommandEncoder, error) {
	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	return &Encoder{dev: d, enc: enc, label: label}, nil
}

func (d *Device) Wait(f backend.Fence, value uint64, timeout time.Duration) (bool, error) {
	hf, ok := f.(*fence)
	if !ok {
		return false, fmt.Errorf("wgpu: foreign fence %T", f)
	}
	ok, err := d.dev.Wait(hf.f, value, timeout)
	if err != nil {
		return false, fmt.Errorf("wgpu: wait fence: %w", err)
	}
	return ok, nil
}

func (d *Device) WaitSemaphores(points []backend.SemaphoreValue, timeout time.Duration) (bool, error) {
	for _, p := range points {
		hf, ok := p.Semaphore.(*fence)
		if !ok {
			return false, fmt.Errorf("wgpu: foreign semaphore %T", p.Semaphore)
		}
		reached, err := d.dev.Wait(hf.f, p.Value, timeout)
		if err != nil || !reached {
			return reached, err
		}
	}
	return true, nil
}

func (d *Device) AcquireNextImage(swp backend.Swapchain) (int, error) {
	p, ok := swp.(Presenter)
	if !ok {
		return 0, fmt.Errorf("%w: swapchain %T cannot acquire", ErrUnsupported, swp)
	}
	return p.AcquireNext()
}

func (d *Device) DestroyImage(h backend.Image) {
	if t, ok := h.(*texture); ok {
		d.dev.DestroyTextureView(t.view)
		d.dev.DestroyTexture(t.tex)
	}
}

func (d *Device) DestroyImageView(h backend.ImageView) {
	if v, ok := h.(hal.TextureView); ok {
		d.dev.DestroyTextureView(v)
	}
}

func (d *Device) DestroyBuffer(h backend.Buffer) {
	if b, ok := h.(hal.Buffer); ok {
		d.dev.DestroyBuffer(b)
	}
}

func (d *Device) DestroyFramebuffer(backend.Framebuffer) {}
func (d *Device) DestroyRenderPass(backend.RenderPass)   {}

func (d *Device) DestroyPipeline(h backend.Pipeline) {
	p, ok := h.(*pipeline)
	if !ok {
		return
	}
	d.dev.DestroyComputePipeline(p.compute)
	d.dev.DestroyPipelineLayout(p.layout)
	d.dev.DestroyShaderModule(p.shader)
}

func (d *Device) DestroySampler(h backend.Sampler) {
	if s, ok := h.(hal.Sampler); ok {
		d.dev.DestroySampler(s)
	}
}

func (d *Device) DestroyDescriptorSetLayout(h backend.DescriptorSetLayout) {
	if sl, ok := h.(*setLayout); ok {
		d.dev.DestroyBindGroupLayout(sl.bgl)
	}
}

func (d *Device) DestroyDescriptorPool(backend.DescriptorPool) {}

func (d *Device) DestroyFence(h backend.Fence) {
	if f, ok := h.(*fence); ok {
		d.dev.DestroyFence(f.f)
	}
}

func (d *Device) DestroySemaphore(h backend.Semaphore) {
	if f, ok := h.(*fence); ok {
		d.dev.DestroyFence(f.f)
	}
}

func (d *Device) FreeCommandBuffer(h backend.CommandBuffer) {
	if cb, ok := h.(hal.CommandBuffer); ok {
		d.dev.FreeCommandBuffer(cb)
	}
}

// Submit hands the commands to the ordered hal queue. Timeline waits are
// satisfied by queue order; the fence signals at the given value.
func (d *Device) Submit(info *backend.SubmitInfo) error {
	cmds := make([]hal.CommandBuffer, 0, len(info.Commands))
	for _, c := range info.Commands {
		cb, ok := c.(hal.CommandBuffer)
		if !ok {
			return fmt.Errorf("wgpu: foreign command buffer %T", c)
		}
		cmds = append(cmds, cb)
	}

	var hf hal.Fence
	value := info.FenceValue
	switch {
	case info.Fence != nil:
		f, ok := info.Fence.(*fence)
		if !ok {
			return fmt.Errorf("wgpu: foreign fence %T", info.Fence)
		}
		hf = f.f
	case len(info.Signals) > 0:
		f, ok := info.Signals[0].Semaphore.(*fence)
		if !ok {
			return fmt.Errorf("wgpu: foreign semaphore %T", info.Signals[0].Semaphore)
		}
		hf = f.f
		value = info.Signals[0].Value
	default:
		f, err := d.dev.CreateFence()
		if err != nil {
			return fmt.Errorf("wgpu: create submit fence: %w", err)
		}
		defer d.dev.DestroyFence(f)
		hf = f
		value = 1
	}

	if err := d.queue.Submit(cmds, hf, value); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	return nil
}

func (d *Device) Present(swp backend.Swapchain, imageIndex int, waits []backend.Semaphore) error {
	p, ok := swp.(Presenter)
	if !ok {
		return fmt.Errorf("%w: swapchain %T cannot present", ErrUnsupported, swp)
	}
	return p.Present(imageIndex)
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

var (
	_ backend.Device = (*Device)(nil)
	_ backend.Queue  = (*Device)(nil)
)
