package alloc

import (
	"sync"
	"testing"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/backend/noop"
	"github.com/gogpu/framegraph/ir"
	"github.com/gogpu/gputypes"
)

func newTestTiers(t *testing.T, opts Options) (*noop.Device, *DeviceAllocator, *SuperFrame) {
	t.Helper()
	dev := noop.New()
	da := NewDeviceAllocator(dev)
	sf, err := NewSuperFrame(da, opts)
	if err != nil {
		t.Fatal(err)
	}
	return dev, da, sf
}

func TestDeviceAddressesDisjoint(t *testing.T) {
	_, da, _ := newTestTiers(t, Options{})

	a, err := da.AllocateBuffer(&backend.BufferCreateInfo{Size: 100})
	if err != nil {
		t.Fatal(err)
	}
	b, err := da.AllocateBuffer(&backend.BufferCreateInfo{Size: 300})
	if err != nil {
		t.Fatal(err)
	}
	if a.Overlaps(b) {
		t.Errorf("independent buffers share addresses: %#x+%d and %#x+%d",
			a.DeviceAddress, a.Size, b.DeviceAddress, b.Size)
	}
	if a.DeviceAddress%deviceAddressAlign != 0 || b.DeviceAddress%deviceAddressAlign != 0 {
		t.Error("device addresses not aligned")
	}
}

func TestCachedAcquire(t *testing.T) {
	dev, da, _ := newTestTiers(t, Options{})

	ci := &backend.RenderPassCreateInfo{
		Attachments: []backend.AttachmentDescription{{
			Format: gputypes.TextureFormatRGBA8Unorm, Samples: 1,
			LoadOp: backend.LoadOpClear, StoreOp: backend.StoreOpStore,
			FinalLayout: ir.LayoutPresentSrc,
		}},
	}
	rp1, err := da.AcquireRenderPass(ci, 1)
	if err != nil {
		t.Fatal(err)
	}
	rp2, err := da.AcquireRenderPass(ci, 2)
	if err != nil {
		t.Fatal(err)
	}
	if rp1 != rp2 {
		t.Error("identical create infos produced different render passes")
	}
	if n := dev.CreatedCount("render_pass"); n != 1 {
		t.Errorf("render passes created = %d, want 1", n)
	}

	// A stale entry dies at collect and is recreated afterwards.
	da.CollectCaches(100, 16)
	if _, err := da.AcquireRenderPass(ci, 100); err != nil {
		t.Fatal(err)
	}
	if n := dev.CreatedCount("render_pass"); n != 2 {
		t.Errorf("render passes created after expiry = %d, want 2", n)
	}
}

func TestFrameRecycleWaitsFence(t *testing.T) {
	const frames = 2
	_, _, sf := newTestTiers(t, Options{FramesInFlight: frames})

	// Occupy every slot, pretending each frame's submission signals its
	// fence at value = absolute frame + 1.
	var slot0 *Frame
	for i := 0; i < frames; i++ {
		f, err := sf.NextFrame()
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			slot0 = f
		}
		f.SetPending(uint64(i) + 1)
	}

	// Slot 0's fence is not signaled: frame N+1 must fail to recycle it.
	if _, err := sf.NextFrame(); err == nil {
		t.Fatal("NextFrame recycled a slot whose fence never signaled")
	}

	// Signal it and retry: the slot must reset its per-frame state.
	slot0.Fence().(*noop.Fence).Signal(1)

	f, err := sf.NextFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Slot() != 0 {
		t.Errorf("recycled slot = %d, want 0", f.Slot())
	}
	if f.PendingValue() != 0 {
		t.Error("recycled frame still has a pending fence value")
	}
}

func TestFrameDeferredDestroy(t *testing.T) {
	dev, _, sf := newTestTiers(t, Options{FramesInFlight: 1})

	f, err := sf.NextFrame()
	if err != nil {
		t.Fatal(err)
	}
	img, err := f.AllocateImage(&ir.ImageCreateInfo{
		Extent: gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm, Samples: 1, Levels: 1, Layers: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(dev.Destroyed) != 0 {
		t.Fatal("image destroyed before recycle")
	}

	// Recycling the only slot destroys the deferred image.
	if _, err := sf.NextFrame(); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range dev.Destroyed {
		if d == img.(*noop.Object).String() {
			found = true
		}
	}
	if !found {
		t.Errorf("deferred image not destroyed at recycle; destroyed = %v", dev.Destroyed)
	}
}

func TestLinearBumpAndReset(t *testing.T) {
	_, da, _ := newTestTiers(t, Options{})
	l := NewLinear(da, gputypes.BufferUsageUniform, ir.MemoryUsageCPUToGPU, false)

	a, err := l.Allocate(100, 64)
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Allocate(100, 64)
	if err != nil {
		t.Fatal(err)
	}
	if a.Handle != b.Handle {
		t.Error("small allocations did not share a block")
	}
	if b.Offset%64 != 0 {
		t.Errorf("allocation offset %d not aligned to 64", b.Offset)
	}
	if a.Overlaps(b) {
		t.Error("bump allocations overlap")
	}

	l.Reset()
	c, err := l.Allocate(100, 64)
	if err != nil {
		t.Fatal(err)
	}
	if c.Offset != a.Offset {
		t.Error("reset did not rewind the arena")
	}

	// Oversized allocation grows a dedicated block.
	big, err := l.Allocate(linearBlockSize*2, 256)
	if err != nil {
		t.Fatal(err)
	}
	if big.Handle == a.Handle {
		t.Error("oversized allocation crammed into the small block")
	}
	if l.BlockCount() != 2 {
		t.Errorf("block count = %d, want 2", l.BlockCount())
	}
	l.Free()
}

func TestDescriptorPoolGrowth(t *testing.T) {
	dev := noop.New()
	da := NewDeviceAllocator(dev)

	layoutCI := &backend.DescriptorSetLayoutCreateInfo{
		Bindings: []backend.DescriptorSetLayoutBinding{
			{Binding: 0, Type: backend.DescriptorUniformBuffer, Count: 1, Stages: backend.StageCompute},
		},
	}
	layout, err := da.AcquireSetLayout(layoutCI, 1)
	if err != nil {
		t.Fatal(err)
	}

	p := NewDescriptorPool()
	seen := map[backend.DescriptorSet]bool{}
	for i := 0; i < 9; i++ {
		ds, err := p.Acquire(dev, layout)
		if err != nil {
			t.Fatal(err)
		}
		if seen[ds] {
			t.Fatalf("descriptor set handed out twice at acquire %d", i)
		}
		seen[ds] = true
	}

	// Capacity doubles: 1, 2, 4, 8 -> 15 sets over 4 pools for 9 acquires.
	if got := p.SetsAllocated(); got != 8 {
		t.Errorf("SetsAllocated = %d, want 8", got)
	}
	if n := dev.CreatedCount("descriptor_pool"); n != 4 {
		t.Errorf("underlying pools created = %d, want 4", n)
	}

	for ds := range seen {
		p.Release(ds)
		break
	}
	p.Destroy(dev)
}

func TestDescriptorPoolConcurrent(t *testing.T) {
	dev := noop.New()
	da := NewDeviceAllocator(dev)
	layout, err := da.AcquireSetLayout(&backend.DescriptorSetLayoutCreateInfo{
		Bindings: []backend.DescriptorSetLayoutBinding{
			{Binding: 0, Type: backend.DescriptorStorageBuffer, Count: 1, Stages: backend.StageCompute},
		},
	}, 1)
	if err != nil {
		t.Fatal(err)
	}

	p := NewDescriptorPool()
	var mu sync.Mutex
	seen := map[backend.DescriptorSet]bool{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ds, err := p.Acquire(dev, layout)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[ds] {
					t.Error("descriptor set handed out twice")
				}
				seen[ds] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 400 {
		t.Errorf("unique sets = %d, want 400", len(seen))
	}
}

func TestFrameScratchPerThread(t *testing.T) {
	_, _, sf := newTestTiers(t, Options{FramesInFlight: 1, Threads: 4})
	f, err := sf.NextFrame()
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	bufs := make([]ir.Buffer, 4)
	for tid := 0; tid < 4; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			b, err := f.AllocateScratch(tid, 256, 16)
			if err != nil {
				t.Error(err)
				return
			}
			bufs[tid] = b
		}(tid)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			if bufs[i].Overlaps(bufs[j]) {
				t.Errorf("scratch allocations of threads %d and %d overlap", i, j)
			}
		}
	}
}
