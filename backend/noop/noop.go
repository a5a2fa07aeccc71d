// Package noop implements a recording backend. Every create call returns an
// inspectable object and every recorded command is appended to a log, so
// tests can assert on the exact command stream a compiled graph produces.
// Fences and timeline semaphores signal immediately at submission.
package noop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/ir"
)

// Object is the handle type returned by every create call.
type Object struct {
	Kind  string
	ID    uint64
	Label string

	// CI retains the creation info for inspection.
	CI any
}

func (o *Object) String() string { return fmt.Sprintf("%s#%d", o.Kind, o.ID) }

// Fence is a timeline fence; Submit stores the signaled value.
type Fence struct {
	value atomic.Uint64
}

// Value returns the currently signaled value.
func (f *Fence) Value() uint64 { return f.value.Load() }

// Signal sets the signaled value; Submit does this automatically.
func (f *Fence) Signal(v uint64) { f.value.Store(v) }

// Semaphore is a timeline semaphore.
type Semaphore struct {
	value atomic.Uint64
}

// Value returns the currently signaled value.
func (s *Semaphore) Value() uint64 { return s.value.Load() }

// Swapchain is a presentation target with a fixed image count.
type Swapchain struct {
	ImageCount int
	next       atomic.Uint32
}

// Command is one recorded encoder command.
type Command struct {
	Op string

	ImageBarriers  []backend.ImageBarrier
	BufferBarriers []backend.BufferBarrier
	MemoryBarriers []backend.MemoryBarrier

	Image  backend.Image
	Buffer backend.Buffer
	Layout ir.ImageLayout
	Color  ir.ClearColor

	Pipeline backend.Pipeline
	X, Y, Z  uint32
}

// Submission is one queue submission with its recorded commands.
type Submission struct {
	Commands   []Command
	FenceValue uint64
	Waits      []backend.SemaphoreValue
	Signals    []backend.SemaphoreValue
}

// Present records one presentation.
type Present struct {
	Swapchain  backend.Swapchain
	ImageIndex int
}

// Device is the recording device. It also implements a single queue.
type Device struct {
	mu      sync.Mutex
	nextID  uint64
	created map[string]int

	Submissions []Submission
	Presents    []Present
	Destroyed   []string
}

// New returns an empty recording device.
func New() *Device {
	return &Device{created: make(map[string]int)}
}

// CreatedCount reports how many objects of kind were created.
func (d *Device) CreatedCount(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[kind]
}

// Commands returns every command across all submissions, in order.
func (d *Device) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Command
	for _, s := range d.Submissions {
		out = append(out, s.Commands...)
	}
	return out
}

// CommandsNamed returns the recorded commands with the given op.
func (d *Device) CommandsNamed(op string) []Command {
	var out []Command
	for _, c := range d.Commands() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (d *Device) newObject(kind string, ci any) *Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.created[kind]++
	return &Object{Kind: kind, ID: d.nextID, CI: ci}
}

func (d *Device) destroy(h any) {
	if o, ok := h.(*Object); ok && o != nil {
		d.mu.Lock()
		d.Destroyed = append(d.Destroyed, o.String())
		d.mu.Unlock()
	}
}

// Device interface.

func (d *Device) CreateImage(ci *ir.ImageCreateInfo) (backend.Image, error) {
	c := *ci
	return d.newObject("image", &c), nil
}

func (d *Device) CreateImageView(ci *backend.ImageViewCreateInfo) (backend.ImageView, error) {
	c := *ci
	return d.newObject("image_view", &c), nil
}

func (d *Device) CreateBuffer(ci *backend.BufferCreateInfo) (backend.Buffer, error) {
	c := *ci
	return d.newObject("buffer", &c), nil
}

func (d *Device) CreateFramebuffer(ci *backend.FramebufferCreateInfo) (backend.Framebuffer, error) {
	c := *ci
	return d.newObject("framebuffer", &c), nil
}

func (d *Device) CreateRenderPass(ci *backend.RenderPassCreateInfo) (backend.RenderPass, error) {
	c := *ci
	return d.newObject("render_pass", &c), nil
}

func (d *Device) CreatePipeline(ci *backend.PipelineCreateInfo) (backend.Pipeline, error) {
	c := *ci
	return d.newObject("pipeline", &c), nil
}

func (d *Device) CreateSampler(ci *backend.SamplerCreateInfo) (backend.Sampler, error) {
	c := *ci
	return d.newObject("sampler", &c), nil
}

func (d *Device) CreateDescriptorSetLayout(ci *backend.DescriptorSetLayoutCreateInfo) (backend.DescriptorSetLayout, error) {
	c := *ci
	return d.newObject("descriptor_set_layout", &c), nil
}

func (d *Device) CreateDescriptorPool(maxSets uint32, counts backend.DescriptorCounts) (backend.DescriptorPool, error) {
	return d.newObject("descriptor_pool", counts), nil
}

func (d *Device) AllocateDescriptorSets(pool backend.DescriptorPool, layout backend.DescriptorSetLayout, count int) ([]backend.DescriptorSet, error) {
	sets := make([]backend.DescriptorSet, count)
	for i := range sets {
		sets[i] = d.newObject("descriptor_set", layout)
	}
	return sets, nil
}

func (d *Device) WriteDescriptorSet(ds backend.DescriptorSet, writes []backend.DescriptorWrite) {
	d.mu.Lock()
	d.created["descriptor_write"] += len(writes)
	d.mu.Unlock()
}

func (d *Device) CreateFence() (backend.Fence, error) {
	d.mu.Lock()
	d.created["fence"]++
	d.mu.Unlock()
	return &Fence{}, nil
}

func (d *Device) CreateSemaphore() (backend.Semaphore, error) {
	d.mu.Lock()
	d.created["semaphore"]++
	d.mu.Unlock()
	return &Semaphore{}, nil
}

func (d *Device) CreateTimelineSemaphore(initialValue uint64) (backend.Semaphore, error) {
	s := &Semaphore{}
	s.value.Store(initialValue)
	d.mu.Lock()
	d.created["timeline_semaphore"]++
	d.mu.Unlock()
	return s, nil
}

func (d *Device) CreateCommandEncoder(label string) (backend.CommandEncoder, error) {
	return &Encoder{dev: d, label: label}, nil
}

func (d *Device) Wait(f backend.Fence, value uint64, timeout time.Duration) (bool, error) {
	nf, ok := f.(*Fence)
	if !ok {
		return false, fmt.Errorf("noop: foreign fence %T", f)
	}
	return nf.value.Load() >= value, nil
}

func (d *Device) WaitSemaphores(points []backend.SemaphoreValue, timeout time.Duration) (bool, error) {
	for _, p := range points {
		s, ok := p.Semaphore.(*Semaphore)
		if !ok {
			return false, fmt.Errorf("noop: foreign semaphore %T", p.Semaphore)
		}
		if s.value.Load() < p.Value {
			return false, nil
		}
	}
	return true, nil
}

func (d *Device) AcquireNextImage(swp backend.Swapchain) (int, error) {
	s, ok := swp.(*Swapchain)
	if !ok {
		return 0, fmt.Errorf("noop: foreign swapchain %T", swp)
	}
	if s.ImageCount == 0 {
		return 0, nil
	}
	return int(s.next.Add(1)-1) % s.ImageCount, nil
}

func (d *Device) DestroyImage(h backend.Image)                             { d.destroy(h) }
func (d *Device) DestroyImageView(h backend.ImageView)                     { d.destroy(h) }
func (d *Device) DestroyBuffer(h backend.Buffer)                           { d.destroy(h) }
func (d *Device) DestroyFramebuffer(h backend.Framebuffer)                 { d.destroy(h) }
func (d *Device) DestroyRenderPass(h backend.RenderPass)                   { d.destroy(h) }
func (d *Device) DestroyPipeline(h backend.Pipeline)                       { d.destroy(h) }
func (d *Device) DestroySampler(h backend.Sampler)                         { d.destroy(h) }
func (d *Device) DestroyDescriptorSetLayout(h backend.DescriptorSetLayout) { d.destroy(h) }
func (d *Device) DestroyDescriptorPool(h backend.DescriptorPool)           { d.destroy(h) }
func (d *Device) DestroyFence(h backend.Fence)                             {}
func (d *Device) DestroySemaphore(h backend.Semaphore)                     {}
func (d *Device) FreeCommandBuffer(h backend.CommandBuffer)                {}

// Queue interface. The recording device is its own single queue; the
// framegraph submits transfer, compute and graphics segments through it in
// partition order.

func (d *Device) Submit(info *backend.SubmitInfo) error {
	sub := Submission{FenceValue: info.FenceValue, Waits: info.Waits, Signals: info.Signals}
	for _, cb := range info.Commands {
		b, ok := cb.(*CommandBufferRec)
		if !ok {
			return fmt.Errorf("noop: foreign command buffer %T", cb)
		}
		sub.Commands = append(sub.Commands, b.Commands...)
	}
	d.mu.Lock()
	d.Submissions = append(d.Submissions, sub)
	d.mu.Unlock()

	if f, ok := info.Fence.(*Fence); ok && f != nil {
		f.value.Store(info.FenceValue)
	}
	for _, sig := range info.Signals {
		if s, ok := sig.Semaphore.(*Semaphore); ok {
			s.value.Store(sig.Value)
		}
	}
	return nil
}

func (d *Device) Present(swp backend.Swapchain, imageIndex int, waits []backend.Semaphore) error {
	d.mu.Lock()
	d.Presents = append(d.Presents, Present{Swapchain: swp, ImageIndex: imageIndex})
	d.mu.Unlock()
	return nil
}

// CommandBufferRec is a finished recording.
type CommandBufferRec struct {
	Label    string
	Commands []Command
}

// Encoder records commands.
type Encoder struct {
	dev      *Device
	label    string
	began    bool
	commands []Command
}

func (e *Encoder) BeginEncoding(label string) error {
	if e.began {
		return fmt.Errorf("noop: BeginEncoding twice on %q", e.label)
	}
	e.began = true
	return nil
}

func (e *Encoder) EndEncoding() (backend.CommandBuffer, error) {
	if !e.began {
		return nil, fmt.Errorf("noop: EndEncoding without begin on %q", e.label)
	}
	e.began = false
	cb := &CommandBufferRec{Label: e.label, Commands: e.commands}
	e.commands = nil
	return cb, nil
}

func (e *Encoder) rec(c Command) { e.commands = append(e.commands, c) }

func (e *Encoder) PipelineBarrier(images []backend.ImageBarrier, buffers []backend.BufferBarrier, memory []backend.MemoryBarrier) {
	e.rec(Command{Op: "pipeline_barrier", ImageBarriers: images, BufferBarriers: buffers, MemoryBarriers: memory})
}

func (e *Encoder) BeginRenderPass(rp backend.RenderPass, fb backend.Framebuffer, clears []ir.ClearColor) {
	e.rec(Command{Op: "begin_render_pass", Pipeline: rp, Image: fb})
}

func (e *Encoder) NextSubpass()   { e.rec(Command{Op: "next_subpass"}) }
func (e *Encoder) EndRenderPass() { e.rec(Command{Op: "end_render_pass"}) }

func (e *Encoder) BindPipeline(p backend.Pipeline) {
	e.rec(Command{Op: "bind_pipeline", Pipeline: p})
}

func (e *Encoder) BindDescriptorSet(set int, ds backend.DescriptorSet) {
	e.rec(Command{Op: "bind_descriptor_set", X: uint32(set)})
}

func (e *Encoder) BindVertexBuffer(slot int, buf backend.Buffer, offset uint64) {
	e.rec(Command{Op: "bind_vertex_buffer", Buffer: buf, X: uint32(slot)})
}

func (e *Encoder) BindIndexBuffer(buf backend.Buffer, offset uint64) {
	e.rec(Command{Op: "bind_index_buffer", Buffer: buf})
}

func (e *Encoder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	e.rec(Command{Op: "draw", X: vertexCount, Y: instanceCount, Z: firstVertex})
}

func (e *Encoder) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	e.rec(Command{Op: "draw_indexed", X: indexCount, Y: instanceCount, Z: firstIndex})
}

func (e *Encoder) Dispatch(x, y, z uint32) {
	e.rec(Command{Op: "dispatch", X: x, Y: y, Z: z})
}

func (e *Encoder) CopyBufferToBuffer(src, dst backend.Buffer, regions []backend.BufferCopy) {
	e.rec(Command{Op: "copy_buffer_to_buffer", Buffer: dst})
}

func (e *Encoder) CopyBufferToImage(src backend.Buffer, dst backend.Image, layout ir.ImageLayout) {
	e.rec(Command{Op: "copy_buffer_to_image", Buffer: src, Image: dst, Layout: layout})
}

func (e *Encoder) CopyImageToBuffer(src backend.Image, layout ir.ImageLayout, dst backend.Buffer) {
	e.rec(Command{Op: "copy_image_to_buffer", Image: src, Buffer: dst, Layout: layout})
}

func (e *Encoder) CopyImageToImage(src backend.Image, srcLayout ir.ImageLayout, dst backend.Image, dstLayout ir.ImageLayout) {
	e.rec(Command{Op: "copy_image_to_image", Image: dst, Layout: dstLayout})
}

func (e *Encoder) ClearColorImage(img backend.Image, layout ir.ImageLayout, color ir.ClearColor, ranges []backend.SubresourceRange) {
	e.rec(Command{Op: "clear_color_image", Image: img, Layout: layout, Color: color})
}

func (e *Encoder) ResolveImage(src backend.Image, dst backend.Image) {
	e.rec(Command{Op: "resolve_image", Image: dst})
}

func (e *Encoder) BlitImage(src backend.Image, dst backend.Image) {
	e.rec(Command{Op: "blit_image", Image: dst})
}

func (e *Encoder) ExecuteCommands(secondaries []backend.CommandBuffer) {
	for _, cb := range secondaries {
		if b, ok := cb.(*CommandBufferRec); ok {
			e.commands = append(e.commands, b.Commands...)
		}
	}
}

var (
	_ backend.Device = (*Device)(nil)
	_ backend.Queue  = (*Device)(nil)
)
