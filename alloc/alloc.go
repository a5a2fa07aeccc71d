// Package alloc implements the resource allocator hierarchy.
//
// The tiers, from the device outward:
//
//	DeviceAllocator  direct, thread-safe creation plus the global caches
//	SuperFrame       the ring of frames-in-flight
//	Frame            one in-flight frame; thread-safe for allocation
//	Linear           per-submission bump allocator; not thread-safe
//
// Resources are destroyed by the tier that produced them: direct allocations
// at destroy time, frame allocations when the frame slot is recycled after
// its fence signals, linear allocations wholesale at reset.
package alloc

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/cache"
	"github.com/gogpu/framegraph/ir"
)

// LayoutAllocInfo pairs a created descriptor set layout with the descriptor
// counts a pool serving it must provide.
type LayoutAllocInfo struct {
	Layout backend.DescriptorSetLayout
	Counts backend.DescriptorCounts
	Key    uint64
}

// DeviceAllocator is the direct tier: thread-safe creation against the
// backend device, a virtual device-address space for buffers, and the global
// creation-info-keyed caches.
type DeviceAllocator struct {
	dev backend.Device

	// addr hands out stable device addresses for the aliasing index.
	addr atomic.Uint64

	renderPasses *cache.Cache[uint64, backend.RenderPass]
	framebuffers *cache.Cache[uint64, backend.Framebuffer]
	pipelines    *cache.Cache[uint64, backend.Pipeline]
	samplers     *cache.Cache[uint64, backend.Sampler]
	setLayouts   *cache.Cache[uint64, LayoutAllocInfo]
	pools        *cache.Cache[uint64, *DescriptorPool]
}

// deviceAddressAlign keeps handed-out addresses aligned like a real device
// would; the radix index splits on power-of-two boundaries.
const deviceAddressAlign = 256

// NewDeviceAllocator wraps a backend device.
func NewDeviceAllocator(dev backend.Device) *DeviceAllocator {
	a := &DeviceAllocator{
		dev:          dev,
		renderPasses: cache.New[uint64, backend.RenderPass](),
		framebuffers: cache.New[uint64, backend.Framebuffer](),
		pipelines:    cache.New[uint64, backend.Pipeline](),
		samplers:     cache.New[uint64, backend.Sampler](),
		setLayouts:   cache.New[uint64, LayoutAllocInfo](),
		pools:        cache.New[uint64, *DescriptorPool](),
	}
	a.addr.Store(0x10000000)
	return a
}

// Device returns the underlying backend device.
func (a *DeviceAllocator) Device() backend.Device { return a.dev }

// nextDeviceAddress reserves an address range of the given size.
func (a *DeviceAllocator) nextDeviceAddress(size uint64) uint64 {
	aligned := (size + deviceAddressAlign - 1) &^ uint64(deviceAddressAlign-1)
	return a.addr.Add(aligned) - aligned
}

// AllocateBuffer creates a buffer and assigns it a device address.
func (a *DeviceAllocator) AllocateBuffer(ci *backend.BufferCreateInfo) (ir.Buffer, error) {
	h, err := a.dev.CreateBuffer(ci)
	if err != nil {
		return ir.Buffer{}, fmt.Errorf("alloc: create buffer: %w", err)
	}
	buf := ir.Buffer{
		Handle:        h,
		Size:          ci.Size,
		DeviceAddress: a.nextDeviceAddress(ci.Size),
		Usage:         ci.Usage,
		MemUsage:      ci.MemUsage,
	}
	if ci.Mapped {
		buf.Mapped = make([]byte, ci.Size)
	}
	return buf, nil
}

// DeallocateBuffer destroys a directly-allocated buffer.
func (a *DeviceAllocator) DeallocateBuffer(buf ir.Buffer) {
	if buf.Handle != nil {
		a.dev.DestroyBuffer(buf.Handle)
	}
}

// AllocateImage creates an image.
func (a *DeviceAllocator) AllocateImage(ci *ir.ImageCreateInfo) (backend.Image, error) {
	img, err := a.dev.CreateImage(ci)
	if err != nil {
		return nil, fmt.Errorf("alloc: create image: %w", err)
	}
	return img, nil
}

// AllocateImageView creates an image view.
func (a *DeviceAllocator) AllocateImageView(ci *backend.ImageViewCreateInfo) (backend.ImageView, error) {
	iv, err := a.dev.CreateImageView(ci)
	if err != nil {
		return nil, fmt.Errorf("alloc: create image view: %w", err)
	}
	return iv, nil
}

// Cached acquires. Each consults the global cache keyed on the creation
// info's hash, creating through the device on a miss.

// AcquireRenderPass returns the cached render pass for ci.
func (a *DeviceAllocator) AcquireRenderPass(ci *backend.RenderPassCreateInfo, frame uint64) (backend.RenderPass, error) {
	return a.renderPasses.Acquire(ci.Key(), frame, func() (backend.RenderPass, error) {
		return a.dev.CreateRenderPass(ci)
	})
}

// AcquireFramebuffer returns the cached framebuffer for ci.
func (a *DeviceAllocator) AcquireFramebuffer(ci *backend.FramebufferCreateInfo, frame uint64) (backend.Framebuffer, error) {
	return a.framebuffers.Acquire(ci.Key(), frame, func() (backend.Framebuffer, error) {
		return a.dev.CreateFramebuffer(ci)
	})
}

// AcquirePipeline returns the cached pipeline for ci.
func (a *DeviceAllocator) AcquirePipeline(ci *backend.PipelineCreateInfo, frame uint64) (backend.Pipeline, error) {
	return a.pipelines.Acquire(ci.Key(), frame, func() (backend.Pipeline, error) {
		return a.dev.CreatePipeline(ci)
	})
}

// AcquireSampler returns the cached sampler for ci.
func (a *DeviceAllocator) AcquireSampler(ci *backend.SamplerCreateInfo, frame uint64) (backend.Sampler, error) {
	return a.samplers.Acquire(ci.Key(), frame, func() (backend.Sampler, error) {
		return a.dev.CreateSampler(ci)
	})
}

// AcquireSetLayout returns the cached descriptor set layout for ci.
func (a *DeviceAllocator) AcquireSetLayout(ci *backend.DescriptorSetLayoutCreateInfo, frame uint64) (LayoutAllocInfo, error) {
	key := ci.Key()
	return a.setLayouts.Acquire(key, frame, func() (LayoutAllocInfo, error) {
		layout, err := a.dev.CreateDescriptorSetLayout(ci)
		if err != nil {
			return LayoutAllocInfo{}, err
		}
		return LayoutAllocInfo{Layout: layout, Counts: ci.Counts(), Key: key}, nil
	})
}

// AcquireDescriptorPool returns the pool backing a layout.
func (a *DeviceAllocator) AcquireDescriptorPool(layout LayoutAllocInfo, frame uint64) (*DescriptorPool, error) {
	return a.pools.Acquire(layout.Key, frame, func() (*DescriptorPool, error) {
		return NewDescriptorPool(), nil
	})
}

// CollectCaches expires cache entries unused for more than threshold frames.
func (a *DeviceAllocator) CollectCaches(frame, threshold uint64) {
	a.renderPasses.Collect(frame, threshold, a.dev.DestroyRenderPass)
	a.framebuffers.Collect(frame, threshold, a.dev.DestroyFramebuffer)
	a.pipelines.Collect(frame, threshold, a.dev.DestroyPipeline)
	a.samplers.Collect(frame, threshold, a.dev.DestroySampler)
	a.setLayouts.Collect(frame, threshold, func(l LayoutAllocInfo) {
		a.dev.DestroyDescriptorSetLayout(l.Layout)
	})
	a.pools.Collect(frame, threshold, func(p *DescriptorPool) { p.Destroy(a.dev) })
}

// Destroy drops every cached object.
func (a *DeviceAllocator) Destroy() {
	a.renderPasses.Clear(a.dev.DestroyRenderPass)
	a.framebuffers.Clear(a.dev.DestroyFramebuffer)
	a.pipelines.Clear(a.dev.DestroyPipeline)
	a.samplers.Clear(a.dev.DestroySampler)
	a.setLayouts.Clear(func(l LayoutAllocInfo) { a.dev.DestroyDescriptorSetLayout(l.Layout) })
	a.pools.Clear(func(p *DescriptorPool) { p.Destroy(a.dev) })
}
