// Package backend defines the narrow GPU interface the frame graph core
// records against.
//
// The core never interprets the handles returned by a Device; they flow from
// creation calls into command recording and destruction unchanged. Concrete
// implementations live in the subpackages: wgpu adapts a gogpu/wgpu hal
// device, noop records commands for tests and headless runs.
package backend

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/framegraph/ir"
	"github.com/gogpu/gputypes"
)

// Opaque resource handles. Only the backend that produced a handle may
// inspect it.
type (
	Image               interface{}
	ImageView           interface{}
	Buffer              interface{}
	Framebuffer         interface{}
	RenderPass          interface{}
	Pipeline            interface{}
	Sampler             interface{}
	DescriptorSetLayout interface{}
	DescriptorPool      interface{}
	DescriptorSet       interface{}
	Fence               interface{}
	Semaphore           interface{}
	CommandBuffer       interface{}
	Swapchain           interface{}
)

// BufferCreateInfo describes a buffer allocation.
type BufferCreateInfo struct {
	Label    string
	Size     uint64
	Usage    gputypes.BufferUsage
	MemUsage ir.MemoryUsage
	Mapped   bool
}

// ImageViewCreateInfo describes a view over an image.
type ImageViewCreateInfo struct {
	Image      Image
	Format     gputypes.TextureFormat
	BaseLevel  uint32
	LevelCount uint32
	BaseLayer  uint32
	LayerCount uint32
}

// LoadOp selects what happens to an attachment at render pass begin.
type LoadOp uint8

// Load operations.
const (
	LoadOpLoad LoadOp = iota
	LoadOpClear
	LoadOpDontCare
)

// StoreOp selects what happens to an attachment at render pass end.
type StoreOp uint8

// Store operations.
const (
	StoreOpStore StoreOp = iota
	StoreOpDontCare
)

// AttachmentDescription describes one render pass attachment.
type AttachmentDescription struct {
	Format        gputypes.TextureFormat
	Samples       uint32
	LoadOp        LoadOp
	StoreOp       StoreOp
	InitialLayout ir.ImageLayout
	FinalLayout   ir.ImageLayout
}

// RenderPassCreateInfo describes a render pass.
type RenderPassCreateInfo struct {
	Attachments []AttachmentDescription
}

// Key returns a stable hash of the creation info, used as a cache key.
func (ci *RenderPassCreateInfo) Key() uint64 {
	h := newKeyHasher()
	for _, a := range ci.Attachments {
		h.put(uint64(a.Format), uint64(a.Samples), uint64(a.LoadOp), uint64(a.StoreOp),
			uint64(a.InitialLayout), uint64(a.FinalLayout))
	}
	return h.sum()
}

// FramebufferCreateInfo describes a framebuffer.
type FramebufferCreateInfo struct {
	RenderPass  RenderPass
	Attachments []ImageView
	Width       uint32
	Height      uint32
	Layers      uint32
}

// Key returns a stable hash of the creation info, used as a cache key.
// Attachment identity uses handle identity as supplied by the backend.
func (ci *FramebufferCreateInfo) Key() uint64 {
	h := newKeyHasher()
	h.put(uint64(ci.Width), uint64(ci.Height), uint64(ci.Layers))
	h.putHandle(ci.RenderPass)
	for _, a := range ci.Attachments {
		h.putHandle(a)
	}
	return h.sum()
}

// FilterMode selects sampler filtering.
type FilterMode uint8

// Filter modes.
const (
	FilterNearest FilterMode = iota
	FilterLinear
)

// AddressMode selects sampler addressing.
type AddressMode uint8

// Address modes.
const (
	AddressRepeat AddressMode = iota
	AddressMirrorRepeat
	AddressClampToEdge
)

// SamplerCreateInfo describes a sampler.
type SamplerCreateInfo struct {
	MinFilter     FilterMode
	MagFilter     FilterMode
	MipFilter     FilterMode
	AddressU      AddressMode
	AddressV      AddressMode
	AddressW      AddressMode
	MaxAnisotropy uint32
}

// Key returns a stable hash of the creation info, used as a cache key.
func (ci *SamplerCreateInfo) Key() uint64 {
	h := newKeyHasher()
	h.put(uint64(ci.MinFilter), uint64(ci.MagFilter), uint64(ci.MipFilter),
		uint64(ci.AddressU), uint64(ci.AddressV), uint64(ci.AddressW), uint64(ci.MaxAnisotropy))
	return h.sum()
}

// DescriptorType classifies one binding of a descriptor set.
type DescriptorType uint8

// Descriptor types.
const (
	DescriptorUniformBuffer DescriptorType = iota
	DescriptorStorageBuffer
	DescriptorSampledImage
	DescriptorCombinedImageSampler
	DescriptorStorageImage
	DescriptorSampler
	DescriptorSubpassInput
	DescriptorTexelBuffer

	descriptorTypeCount
)

// DescriptorCounts is the per-type descriptor count of a layout.
type DescriptorCounts [descriptorTypeCount]uint32

// StageFlags names the shader stages a binding is visible to.
type StageFlags uint8

// Stage bits.
const (
	StageVertex StageFlags = 1 << iota
	StageFragment
	StageCompute
)

// DescriptorSetLayoutBinding describes one binding in a layout.
type DescriptorSetLayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	Count   uint32
	Stages  StageFlags
}

// DescriptorSetLayoutCreateInfo describes a descriptor set layout.
type DescriptorSetLayoutCreateInfo struct {
	Bindings []DescriptorSetLayoutBinding
}

// Key returns a stable hash of the creation info, used as a cache key.
func (ci *DescriptorSetLayoutCreateInfo) Key() uint64 {
	h := newKeyHasher()
	for _, b := range ci.Bindings {
		h.put(uint64(b.Binding), uint64(b.Type), uint64(b.Count), uint64(b.Stages))
	}
	return h.sum()
}

// Counts returns the descriptor counts implied by the layout.
func (ci *DescriptorSetLayoutCreateInfo) Counts() DescriptorCounts {
	var c DescriptorCounts
	for _, b := range ci.Bindings {
		c[b.Type] += b.Count
	}
	return c
}

// PipelineCreateInfo describes a pipeline compilation. SPIRV holds one
// module per stage.
type PipelineCreateInfo struct {
	Label      string
	Compute    bool
	SPIRV      [][]uint32
	EntryPoint string
	Layouts    []DescriptorSetLayout
}

// Key returns a stable hash of the creation info, used as a cache key.
func (ci *PipelineCreateInfo) Key() uint64 {
	h := newKeyHasher()
	if ci.Compute {
		h.put(1)
	} else {
		h.put(0)
	}
	h.putString(ci.Label)
	h.putString(ci.EntryPoint)
	for _, words := range ci.SPIRV {
		for _, w := range words {
			h.put(uint64(w))
		}
	}
	for _, l := range ci.Layouts {
		h.putHandle(l)
	}
	return h.sum()
}

// SubresourceRange selects levels and layers of an image.
type SubresourceRange struct {
	BaseLevel  uint32
	LevelCount uint32
	BaseLayer  uint32
	LayerCount uint32
}

// ImageBarrier transitions an image between uses.
type ImageBarrier struct {
	Image     Image
	SrcStages ir.PipelineStageFlags
	DstStages ir.PipelineStageFlags
	SrcAccess ir.AccessFlags
	DstAccess ir.AccessFlags
	OldLayout ir.ImageLayout
	NewLayout ir.ImageLayout
	Range     SubresourceRange
}

// BufferBarrier orders accesses to a buffer range.
type BufferBarrier struct {
	Buffer    Buffer
	SrcStages ir.PipelineStageFlags
	DstStages ir.PipelineStageFlags
	SrcAccess ir.AccessFlags
	DstAccess ir.AccessFlags
	Offset    uint64
	Size      uint64
}

// MemoryBarrier orders all memory accesses between stages.
type MemoryBarrier struct {
	SrcStages ir.PipelineStageFlags
	DstStages ir.PipelineStageFlags
	SrcAccess ir.AccessFlags
	DstAccess ir.AccessFlags
}

// BufferCopy is one region of a buffer-to-buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// DescriptorWrite binds one resource into a descriptor set.
type DescriptorWrite struct {
	Binding uint32
	Type    DescriptorType

	Buffer Buffer
	Offset uint64
	Size   uint64

	ImageView ImageView
	Sampler   Sampler
	Layout    ir.ImageLayout
}

// SemaphoreValue pairs a timeline semaphore with a point on its timeline.
type SemaphoreValue struct {
	Semaphore Semaphore
	Value     uint64
}

// SubmitInfo is one queue submission.
type SubmitInfo struct {
	Commands   []CommandBuffer
	Waits      []SemaphoreValue
	Signals    []SemaphoreValue
	Fence      Fence
	FenceValue uint64
}

// Device creates and destroys GPU objects. Safe for concurrent use.
type Device interface {
	CreateImage(ci *ir.ImageCreateInfo) (Image, error)
	CreateImageView(ci *ImageViewCreateInfo) (ImageView, error)
	CreateBuffer(ci *BufferCreateInfo) (Buffer, error)
	CreateFramebuffer(ci *FramebufferCreateInfo) (Framebuffer, error)
	CreateRenderPass(ci *RenderPassCreateInfo) (RenderPass, error)
	CreatePipeline(ci *PipelineCreateInfo) (Pipeline, error)
	CreateSampler(ci *SamplerCreateInfo) (Sampler, error)
	CreateDescriptorSetLayout(ci *DescriptorSetLayoutCreateInfo) (DescriptorSetLayout, error)
	CreateDescriptorPool(maxSets uint32, counts DescriptorCounts) (DescriptorPool, error)
	AllocateDescriptorSets(pool DescriptorPool, layout DescriptorSetLayout, count int) ([]DescriptorSet, error)
	WriteDescriptorSet(ds DescriptorSet, writes []DescriptorWrite)
	CreateFence() (Fence, error)
	CreateSemaphore() (Semaphore, error)
	CreateTimelineSemaphore(initialValue uint64) (Semaphore, error)
	CreateCommandEncoder(label string) (CommandEncoder, error)

	// Wait blocks until the fence reaches value or the timeout expires,
	// reporting whether it was reached.
	Wait(f Fence, value uint64, timeout time.Duration) (bool, error)
	// WaitSemaphores blocks until every timeline point is reached.
	WaitSemaphores(points []SemaphoreValue, timeout time.Duration) (bool, error)

	// AcquireNextImage returns the index of the next presentable image.
	AcquireNextImage(swp Swapchain) (int, error)

	DestroyImage(Image)
	DestroyImageView(ImageView)
	DestroyBuffer(Buffer)
	DestroyFramebuffer(Framebuffer)
	DestroyRenderPass(RenderPass)
	DestroyPipeline(Pipeline)
	DestroySampler(Sampler)
	DestroyDescriptorSetLayout(DescriptorSetLayout)
	DestroyDescriptorPool(DescriptorPool)
	DestroyFence(Fence)
	DestroySemaphore(Semaphore)
	FreeCommandBuffer(CommandBuffer)
}

// Queue accepts recorded command buffers. Submission is externally
// synchronized per queue.
type Queue interface {
	Submit(info *SubmitInfo) error
	Present(swp Swapchain, imageIndex int, waits []Semaphore) error
}

// CommandEncoder records commands into a command buffer. Not safe for
// concurrent use.
type CommandEncoder interface {
	BeginEncoding(label string) error
	EndEncoding() (CommandBuffer, error)

	PipelineBarrier(images []ImageBarrier, buffers []BufferBarrier, memory []MemoryBarrier)

	BeginRenderPass(rp RenderPass, fb Framebuffer, clears []ir.ClearColor)
	NextSubpass()
	EndRenderPass()

	BindPipeline(p Pipeline)
	BindDescriptorSet(set int, ds DescriptorSet)
	BindVertexBuffer(slot int, buf Buffer, offset uint64)
	BindIndexBuffer(buf Buffer, offset uint64)

	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32)
	Dispatch(x, y, z uint32)

	CopyBufferToBuffer(src, dst Buffer, regions []BufferCopy)
	CopyBufferToImage(src Buffer, dst Image, layout ir.ImageLayout)
	CopyImageToBuffer(src Image, layout ir.ImageLayout, dst Buffer)
	CopyImageToImage(src Image, srcLayout ir.ImageLayout, dst Image, dstLayout ir.ImageLayout)

	ClearColorImage(img Image, layout ir.ImageLayout, color ir.ClearColor, ranges []SubresourceRange)
	ResolveImage(src Image, dst Image)
	BlitImage(src Image, dst Image)

	ExecuteCommands(secondaries []CommandBuffer)
}

// keyHasher builds FNV-1a cache keys out of creation infos.
type keyHasher struct {
	h     interface{ Write([]byte) (int, error) }
	sum64 func() uint64
}

func newKeyHasher() *keyHasher {
	h := fnv.New64a()
	return &keyHasher{h: h, sum64: h.Sum64}
}

func (k *keyHasher) put(vs ...uint64) {
	var buf [8]byte
	for _, v := range vs {
		binary.LittleEndian.PutUint64(buf[:], v)
		k.h.Write(buf[:])
	}
}

func (k *keyHasher) putString(s string) {
	k.h.Write([]byte(s))
}

// handleIDs assigns a process-stable identity to every handle that
// participates in a cache key. Handles from one backend compare equal iff
// they are the same object, so interface equality is identity here.
var handleIDs sync.Map // any -> uint64

var handleIDCounter atomic.Uint64

// HandleID returns the stable identity of a handle, assigning one on first
// use. The nil handle is id 0.
func HandleID(h any) uint64 {
	if h == nil {
		return 0
	}
	if id, ok := handleIDs.Load(h); ok {
		return id.(uint64)
	}
	id, _ := handleIDs.LoadOrStore(h, handleIDCounter.Add(1))
	return id.(uint64)
}

func (k *keyHasher) putHandle(h any) {
	k.put(HandleID(h))
}

func (k *keyHasher) sum() uint64 { return k.sum64() }
