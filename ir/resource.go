package ir

import (
	"github.com/gogpu/gputypes"
)

// ImageTiling selects the memory tiling of an image.
type ImageTiling uint8

// Image tilings.
const (
	TilingOptimal ImageTiling = iota
	TilingLinear
)

// MemoryUsage selects which memory class backs an allocation.
type MemoryUsage uint8

// Memory usage classes.
const (
	MemoryUsageGPUOnly MemoryUsage = iota
	MemoryUsageCPUToGPU
	MemoryUsageGPUToCPU
	MemoryUsageCPUOnly
)

// ImageCreateInfo describes an image to be created. A zero Extent marks a
// field left for inference.
type ImageCreateInfo struct {
	Flags   uint32
	Type    gputypes.TextureDimension
	Tiling  ImageTiling
	Usage   gputypes.TextureUsage
	Extent  gputypes.Extent3D
	Format  gputypes.TextureFormat
	Samples uint32
	Levels  uint32
	Layers  uint32
}

// ImageAttachment is the IR-level description of an image resource: the
// backend handle (nil until allocated) plus its creation info and the view
// window the graph operates on.
type ImageAttachment struct {
	Image     any // backend handle, opaque to the IR
	ImageView any // backend view handle, opaque to the IR

	CreateInfo ImageCreateInfo

	BaseLevel  uint32
	LevelCount uint32
	BaseLayer  uint32
	LayerCount uint32
}

// Resolved reports whether every field inference must fill is known.
func (ia *ImageAttachment) Resolved() bool {
	ci := &ia.CreateInfo
	return ci.Extent.Width != 0 && ci.Extent.Height != 0 &&
		ci.Format != gputypes.TextureFormatUndefined &&
		ci.Samples != 0 && ci.Levels != 0 && ci.Layers != 0
}

// InheritFrom copies every unknown field of ia from other. Reports whether
// any field changed.
func (ia *ImageAttachment) InheritFrom(other *ImageAttachment) bool {
	changed := false
	ci, oci := &ia.CreateInfo, &other.CreateInfo
	if ci.Extent.Width == 0 && oci.Extent.Width != 0 {
		ci.Extent = oci.Extent
		changed = true
	}
	if ci.Format == gputypes.TextureFormatUndefined && oci.Format != gputypes.TextureFormatUndefined {
		ci.Format = oci.Format
		changed = true
	}
	if ci.Samples == 0 && oci.Samples != 0 {
		ci.Samples = oci.Samples
		changed = true
	}
	if ci.Levels == 0 && oci.Levels != 0 {
		ci.Levels = oci.Levels
		changed = true
	}
	if ci.Layers == 0 && oci.Layers != 0 {
		ci.Layers = oci.Layers
		changed = true
	}
	return changed
}

// ImageViewMeta describes a view window over an image.
type ImageViewMeta struct {
	BaseLevel  uint32
	LevelCount uint32
	BaseLayer  uint32
	LayerCount uint32
	Format     gputypes.TextureFormat
}

// Buffer is the IR-level description of a buffer range. Handle is the
// backend buffer (nil until allocated); DeviceAddress is the stable address
// key the aliasing index operates on. Sub-range derivations produce new
// Buffer values and never alias the creation metadata.
type Buffer struct {
	Handle        any // backend handle, opaque to the IR
	Size          uint64
	Offset        uint64
	DeviceAddress uint64
	Mapped        []byte
	Usage         gputypes.BufferUsage
	MemUsage      MemoryUsage
}

// Subrange derives the buffer range [offset, offset+size) of b.
func (b Buffer) Subrange(offset, size uint64) Buffer {
	nb := b
	nb.Offset = b.Offset + offset
	nb.DeviceAddress = b.DeviceAddress + offset
	nb.Size = size
	if b.Mapped != nil {
		nb.Mapped = b.Mapped[offset : offset+size]
	}
	return nb
}

// Overlaps reports whether the device-address ranges of b and o intersect.
func (b Buffer) Overlaps(o Buffer) bool {
	if b.Size == 0 || o.Size == 0 {
		return false
	}
	return b.DeviceAddress < o.DeviceAddress+o.Size && o.DeviceAddress < b.DeviceAddress+b.Size
}

// Swapchain is an externally-owned presentation target: an opaque handle and
// its image/view pairs.
type Swapchain struct {
	Handle any // backend handle, opaque to the IR
	Images []ImageAttachment
	Extent gputypes.Extent3D

	// ImageIndex is the slot acquired for the current frame.
	ImageIndex int
}

// ClearColor is the clear value of a CLEAR operation.
type ClearColor struct {
	R, G, B, A float32
}
