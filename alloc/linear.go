package alloc

import (
	"fmt"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/ir"
	"github.com/gogpu/gputypes"
)

// linearBlockSize is the starting block size of a linear allocator; blocks
// double as demand grows.
const linearBlockSize = 1 << 20

// Linear is a per-submission bump allocator over device buffers. Not safe
// for concurrent use; each worker thread owns its own.
//
// Individual allocations cannot be freed. Reset returns the whole arena to
// empty; Free releases the backing buffers to the device tier.
type Linear struct {
	parent *DeviceAllocator
	usage  gputypes.BufferUsage
	mem    ir.MemoryUsage
	mapped bool

	blocks    []linearBlock
	blockSize uint64
}

type linearBlock struct {
	buf    ir.Buffer
	cursor uint64
}

// NewLinear creates a linear allocator drawing blocks from parent.
func NewLinear(parent *DeviceAllocator, usage gputypes.BufferUsage, mem ir.MemoryUsage, mapped bool) *Linear {
	return &Linear{
		parent:    parent,
		usage:     usage,
		mem:       mem,
		mapped:    mapped,
		blockSize: linearBlockSize,
	}
}

// Allocate returns a buffer range of the given size and alignment.
func (l *Linear) Allocate(size, align uint64) (ir.Buffer, error) {
	if align == 0 {
		align = 1
	}
	for i := range l.blocks {
		b := &l.blocks[i]
		start := (b.cursor + align - 1) &^ (align - 1)
		if start+size <= b.buf.Size {
			b.cursor = start + size
			return b.buf.Subrange(start, size), nil
		}
	}

	blockSize := l.blockSize
	for blockSize < size {
		blockSize *= 2
	}
	if len(l.blocks) > 0 {
		l.blockSize *= 2
	}
	buf, err := l.parent.AllocateBuffer(&backend.BufferCreateInfo{
		Label:    "linear-block",
		Size:     blockSize,
		Usage:    l.usage,
		MemUsage: l.mem,
		Mapped:   l.mapped,
	})
	if err != nil {
		return ir.Buffer{}, fmt.Errorf("alloc: grow linear arena: %w", err)
	}
	l.blocks = append(l.blocks, linearBlock{buf: buf, cursor: size})
	return buf.Subrange(0, size), nil
}

// Reset forgets every allocation but keeps the blocks.
func (l *Linear) Reset() {
	for i := range l.blocks {
		l.blocks[i].cursor = 0
	}
}

// Free releases the backing buffers.
func (l *Linear) Free() {
	for _, b := range l.blocks {
		l.parent.DeallocateBuffer(b.buf)
	}
	l.blocks = nil
	l.blockSize = linearBlockSize
}

// BlockCount reports how many device buffers back the arena.
func (l *Linear) BlockCount() int { return len(l.blocks) }
