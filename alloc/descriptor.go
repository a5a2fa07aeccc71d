package alloc

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gogpu/framegraph/backend"
)

// descriptorQueueCap bounds the free-set channel. Pools past this size keep
// their overflow in the spill slice, drained under the grow lock.
const descriptorQueueCap = 1024

// DescriptorPool serves descriptor sets for one layout. Acquire dequeues
// from a lock-free queue; when it runs dry, one caller grows the pool under
// a try-lock while contenders spin back to the dequeue.
type DescriptorPool struct {
	free chan backend.DescriptorSet

	growMu        sync.Mutex
	pools         []backend.DescriptorPool
	spill         []backend.DescriptorSet
	setsAllocated uint32
}

// NewDescriptorPool returns an empty pool; the first Acquire grows it.
func NewDescriptorPool() *DescriptorPool {
	return &DescriptorPool{free: make(chan backend.DescriptorSet, descriptorQueueCap)}
}

// Acquire returns a free descriptor set, growing the pool if none is
// available.
func (p *DescriptorPool) Acquire(dev backend.Device, layout LayoutAllocInfo) (backend.DescriptorSet, error) {
	for {
		select {
		case ds := <-p.free:
			return ds, nil
		default:
			if err := p.grow(dev, layout); err != nil {
				return nil, err
			}
		}
	}
}

// grow doubles the pool capacity and pre-allocates every set up front. Only
// one grower runs at a time; losers yield and retry the dequeue.
func (p *DescriptorPool) grow(dev backend.Device, layout LayoutAllocInfo) error {
	if !p.growMu.TryLock() {
		runtime.Gosched()
		return nil
	}
	defer p.growMu.Unlock()

	// A previous grow may have spilled sets past the queue capacity.
	if p.drainSpillLocked() {
		return nil
	}

	maxSets := uint32(1)
	if p.setsAllocated > 0 {
		maxSets = p.setsAllocated * 2
	}

	var counts backend.DescriptorCounts
	for i, c := range layout.Counts {
		counts[i] = c * maxSets
	}
	pool, err := dev.CreateDescriptorPool(maxSets, counts)
	if err != nil {
		return fmt.Errorf("alloc: create descriptor pool: %w", err)
	}
	p.pools = append(p.pools, pool)

	sets, err := dev.AllocateDescriptorSets(pool, layout.Layout, int(maxSets))
	if err != nil {
		return fmt.Errorf("alloc: allocate descriptor sets: %w", err)
	}
	for _, ds := range sets {
		select {
		case p.free <- ds:
		default:
			p.spill = append(p.spill, ds)
		}
	}
	p.setsAllocated = maxSets
	return nil
}

func (p *DescriptorPool) drainSpillLocked() bool {
	progressed := false
	for len(p.spill) > 0 {
		select {
		case p.free <- p.spill[len(p.spill)-1]:
			p.spill = p.spill[:len(p.spill)-1]
			progressed = true
		default:
			return progressed
		}
	}
	return progressed
}

// Release returns a set to the free queue.
func (p *DescriptorPool) Release(ds backend.DescriptorSet) {
	select {
	case p.free <- ds:
	default:
		p.growMu.Lock()
		p.spill = append(p.spill, ds)
		p.growMu.Unlock()
	}
}

// SetsAllocated reports the current pool capacity.
func (p *DescriptorPool) SetsAllocated() uint32 {
	p.growMu.Lock()
	defer p.growMu.Unlock()
	return p.setsAllocated
}

// Destroy releases the underlying pools.
func (p *DescriptorPool) Destroy(dev backend.Device) {
	p.growMu.Lock()
	defer p.growMu.Unlock()
	for _, pool := range p.pools {
		dev.DestroyDescriptorPool(pool)
	}
	p.pools = nil
}
