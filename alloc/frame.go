package alloc

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/cache"
	"github.com/gogpu/framegraph/ir"
	"github.com/gogpu/gputypes"
)

// Options configures the frame ring.
type Options struct {
	// FramesInFlight is the ring size N; a frame slot is recycled only after
	// the GPU work of its previous occupancy completed.
	FramesInFlight int
	// Threads is the number of worker threads allocating per-frame scratch
	// and descriptor sets.
	Threads int
	// CollectThreshold is the cache expiry age in frames.
	CollectThreshold uint64
	// FenceTimeout bounds the wait when recycling a slot.
	FenceTimeout time.Duration
}

func (o *Options) defaults() {
	if o.FramesInFlight <= 0 {
		o.FramesInFlight = 3
	}
	if o.Threads <= 0 {
		o.Threads = 1
	}
	if o.CollectThreshold == 0 {
		o.CollectThreshold = 16
	}
	if o.FenceTimeout == 0 {
		o.FenceTimeout = 5 * time.Second
	}
}

// SuperFrame owns the ring of frames-in-flight and the per-frame descriptor
// set caches. NextFrame recycles the oldest slot once its fence signals.
type SuperFrame struct {
	parent *DeviceAllocator
	opts   Options

	frames   []Frame
	absolute uint64

	descriptorSets *cache.PerFrame[uint64, backend.DescriptorSet]
}

// NewSuperFrame builds the ring on top of the direct tier.
func NewSuperFrame(parent *DeviceAllocator, opts Options) (*SuperFrame, error) {
	opts.defaults()
	sf := &SuperFrame{
		parent:         parent,
		opts:           opts,
		frames:         make([]Frame, opts.FramesInFlight),
		descriptorSets: cache.NewPerFrame[uint64, backend.DescriptorSet](opts.FramesInFlight, opts.Threads),
	}
	for i := range sf.frames {
		f := &sf.frames[i]
		f.parent = sf
		f.slot = i
		fence, err := parent.Device().CreateFence()
		if err != nil {
			return nil, fmt.Errorf("alloc: create frame fence: %w", err)
		}
		f.fence = fence
		f.linear = make([]*Linear, opts.Threads)
		for tid := range f.linear {
			f.linear[tid] = NewLinear(parent,
				gputypes.BufferUsageCopySrc|gputypes.BufferUsageUniform|gputypes.BufferUsageStorage,
				ir.MemoryUsageCPUToGPU, true)
		}
	}
	return sf, nil
}

// AbsoluteFrame returns the number of frames started so far.
func (sf *SuperFrame) AbsoluteFrame() uint64 { return sf.absolute }

// Parent returns the direct tier.
func (sf *SuperFrame) Parent() *DeviceAllocator { return sf.parent }

// NextFrame hands out the next slot of the ring. If the slot is still in
// flight, NextFrame blocks on its fence before resetting the slot's state.
func (sf *SuperFrame) NextFrame() (*Frame, error) {
	slot := int(sf.absolute % uint64(sf.opts.FramesInFlight))
	f := &sf.frames[slot]

	if f.pending > 0 {
		ok, err := sf.parent.Device().Wait(f.fence, f.pending, sf.opts.FenceTimeout)
		if err != nil {
			return nil, fmt.Errorf("alloc: wait frame %d fence: %w", f.absolute, err)
		}
		if !ok {
			return nil, fmt.Errorf("alloc: frame %d fence not signaled within %v", f.absolute, sf.opts.FenceTimeout)
		}
	}

	f.reset(sf.absolute)
	sf.absolute++
	return f, nil
}

// Collect expires the global caches against the current frame.
func (sf *SuperFrame) Collect() {
	sf.parent.CollectCaches(sf.absolute, sf.opts.CollectThreshold)
}

// Destroy waits for every slot and releases all per-frame state.
func (sf *SuperFrame) Destroy() {
	dev := sf.parent.Device()
	for i := range sf.frames {
		f := &sf.frames[i]
		if f.pending > 0 {
			dev.Wait(f.fence, f.pending, sf.opts.FenceTimeout)
		}
		f.destroyDeferred()
		for _, l := range f.linear {
			l.Free()
		}
		dev.DestroyFence(f.fence)
	}
}

// Frame is one in-flight frame. Allocation methods are safe for concurrent
// use; the per-thread scratch and descriptor paths additionally avoid locks
// when callers pass their own tid.
type Frame struct {
	parent   *SuperFrame
	slot     int
	absolute uint64

	fence   backend.Fence
	pending uint64

	linear []*Linear

	mu              sync.Mutex
	deferredImages  []backend.Image
	deferredViews   []backend.ImageView
	deferredBuffers []ir.Buffer
	semaphorePool   []backend.Semaphore
	usedSemaphores  []backend.Semaphore
}

// Slot returns the ring index of the frame.
func (f *Frame) Slot() int { return f.slot }

// ParentAllocator returns the direct device tier.
func (f *Frame) ParentAllocator() *DeviceAllocator { return f.parent.parent }

// AbsoluteFrame returns the absolute frame number of the current occupancy.
func (f *Frame) AbsoluteFrame() uint64 { return f.absolute }

// Fence returns the slot's recycle fence.
func (f *Frame) Fence() backend.Fence { return f.fence }

// PendingValue returns the fence value the next recycle waits on.
func (f *Frame) PendingValue() uint64 { return f.pending }

// SetPending records the fence value signaled by this frame's submission.
func (f *Frame) SetPending(value uint64) { f.pending = value }

func (f *Frame) reset(absolute uint64) {
	f.destroyDeferred()
	for _, l := range f.linear {
		l.Reset()
	}
	// Expired descriptor sets of this slot go back to their pools via the
	// per-frame cache merge.
	view := f.parent.descriptorSets.Frame(f.slot, absolute)
	view.Collect(f.parent.opts.CollectThreshold, nil)

	f.mu.Lock()
	f.semaphorePool = append(f.semaphorePool, f.usedSemaphores...)
	f.usedSemaphores = f.usedSemaphores[:0]
	f.mu.Unlock()

	f.absolute = absolute
	f.pending = 0
}

func (f *Frame) destroyDeferred() {
	dev := f.parent.parent.Device()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.deferredImages {
		dev.DestroyImage(img)
	}
	for _, iv := range f.deferredViews {
		dev.DestroyImageView(iv)
	}
	for _, buf := range f.deferredBuffers {
		f.parent.parent.DeallocateBuffer(buf)
	}
	f.deferredImages = f.deferredImages[:0]
	f.deferredViews = f.deferredViews[:0]
	f.deferredBuffers = f.deferredBuffers[:0]
}

// AllocateImage creates a transient image destroyed at slot recycle.
func (f *Frame) AllocateImage(ci *ir.ImageCreateInfo) (backend.Image, error) {
	img, err := f.parent.parent.AllocateImage(ci)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.deferredImages = append(f.deferredImages, img)
	f.mu.Unlock()
	return img, nil
}

// AllocateImageView creates a transient image view destroyed at slot
// recycle.
func (f *Frame) AllocateImageView(ci *backend.ImageViewCreateInfo) (backend.ImageView, error) {
	iv, err := f.parent.parent.AllocateImageView(ci)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.deferredViews = append(f.deferredViews, iv)
	f.mu.Unlock()
	return iv, nil
}

// AllocateBuffer creates a transient buffer destroyed at slot recycle.
func (f *Frame) AllocateBuffer(ci *backend.BufferCreateInfo) (ir.Buffer, error) {
	buf, err := f.parent.parent.AllocateBuffer(ci)
	if err != nil {
		return ir.Buffer{}, err
	}
	f.mu.Lock()
	f.deferredBuffers = append(f.deferredBuffers, buf)
	f.mu.Unlock()
	return buf, nil
}

// AllocateScratch bump-allocates from the calling thread's linear arena.
// Not synchronized: each tid owns its arena.
func (f *Frame) AllocateScratch(tid int, size, align uint64) (ir.Buffer, error) {
	return f.linear[tid].Allocate(size, align)
}

// AllocateSemaphore returns a semaphore valid for this frame; it returns to
// the pool at slot recycle.
func (f *Frame) AllocateSemaphore() (backend.Semaphore, error) {
	f.mu.Lock()
	if n := len(f.semaphorePool); n > 0 {
		s := f.semaphorePool[n-1]
		f.semaphorePool = f.semaphorePool[:n-1]
		f.usedSemaphores = append(f.usedSemaphores, s)
		f.mu.Unlock()
		return s, nil
	}
	f.mu.Unlock()

	s, err := f.parent.parent.Device().CreateSemaphore()
	if err != nil {
		return nil, fmt.Errorf("alloc: create semaphore: %w", err)
	}
	f.mu.Lock()
	f.usedSemaphores = append(f.usedSemaphores, s)
	f.mu.Unlock()
	return s, nil
}

// AllocateDescriptorSet returns a descriptor set for the layout, keyed by
// the caller-computed binding hash. tid selects the lock-free append buffer.
func (f *Frame) AllocateDescriptorSet(bindingKey uint64, layout LayoutAllocInfo, tid int) (backend.DescriptorSet, error) {
	pool, err := f.parent.parent.AcquireDescriptorPool(layout, f.absolute)
	if err != nil {
		return nil, err
	}
	view := f.parent.descriptorSets.Frame(f.slot, f.absolute)
	return view.Acquire(bindingKey, tid, func() (backend.DescriptorSet, error) {
		return pool.Acquire(f.parent.parent.Device(), layout)
	})
}
