package ir

import "strings"

// Access is the semantic tag describing how an operation uses a resource.
// It is attached to function parameters through imbued types and lowered to a
// concrete ResourceUse during synchronization lowering.
type Access uint8

// Access kinds.
const (
	AccessNone Access = iota
	AccessClear

	AccessColorRead
	AccessColorWrite
	AccessColorRW
	AccessColorResolveRead
	AccessColorResolveWrite

	AccessDepthStencilRead
	AccessDepthStencilRW

	AccessFragmentSampled
	AccessFragmentRead
	AccessFragmentWrite

	AccessTransferRead
	AccessTransferWrite
	AccessTransferClear

	AccessComputeRead
	AccessComputeWrite
	AccessComputeRW
	AccessComputeSampled

	AccessAttributeRead
	AccessVertexRead
	AccessIndexRead
	AccessIndirectRead

	AccessHostRead
	AccessHostWrite
	AccessHostRW

	AccessMemoryRead
	AccessMemoryWrite
	AccessMemoryRW
)

var accessNames = [...]string{
	AccessNone:              "none",
	AccessClear:             "clear",
	AccessColorRead:         "color_read",
	AccessColorWrite:        "color_write",
	AccessColorRW:           "color_rw",
	AccessColorResolveRead:  "color_resolve_read",
	AccessColorResolveWrite: "color_resolve_write",
	AccessDepthStencilRead:  "depth_stencil_read",
	AccessDepthStencilRW:    "depth_stencil_rw",
	AccessFragmentSampled:   "fragment_sampled",
	AccessFragmentRead:      "fragment_read",
	AccessFragmentWrite:     "fragment_write",
	AccessTransferRead:      "transfer_read",
	AccessTransferWrite:     "transfer_write",
	AccessTransferClear:     "transfer_clear",
	AccessComputeRead:       "compute_read",
	AccessComputeWrite:      "compute_write",
	AccessComputeRW:         "compute_rw",
	AccessComputeSampled:    "compute_sampled",
	AccessAttributeRead:     "attribute_read",
	AccessVertexRead:        "vertex_read",
	AccessIndexRead:         "index_read",
	AccessIndirectRead:      "indirect_read",
	AccessHostRead:          "host_read",
	AccessHostWrite:         "host_write",
	AccessHostRW:            "host_rw",
	AccessMemoryRead:        "memory_read",
	AccessMemoryWrite:       "memory_write",
	AccessMemoryRW:          "memory_rw",
}

func (a Access) String() string {
	if int(a) < len(accessNames) && accessNames[a] != "" {
		return accessNames[a]
	}
	return "access(?)"
}

// IsWriteAccess reports whether a renders the previous contents of the
// resource stale for later consumers.
func (a Access) IsWriteAccess() bool {
	switch a {
	case AccessClear, AccessTransferClear,
		AccessColorResolveWrite, AccessColorWrite, AccessColorRW,
		AccessDepthStencilRW,
		AccessFragmentWrite,
		AccessTransferWrite,
		AccessComputeWrite, AccessComputeRW,
		AccessHostWrite, AccessHostRW,
		AccessMemoryWrite, AccessMemoryRW:
		return true
	}
	return false
}

// IsReadAccess reports whether a observes the current contents.
func (a Access) IsReadAccess() bool {
	switch a {
	case AccessColorResolveRead, AccessColorRead, AccessColorRW,
		AccessDepthStencilRead, AccessDepthStencilRW,
		AccessFragmentRead, AccessFragmentSampled,
		AccessTransferRead,
		AccessComputeRead, AccessComputeSampled, AccessComputeRW,
		AccessAttributeRead, AccessVertexRead, AccessIndexRead, AccessIndirectRead,
		AccessHostRead, AccessHostRW,
		AccessMemoryRead, AccessMemoryRW:
		return true
	}
	return false
}

// IsReadOnlyAccess reports whether a reads without writing.
func (a Access) IsReadOnlyAccess() bool {
	return a.IsReadAccess() && !a.IsWriteAccess()
}

// IsTransferAccess reports whether a runs on the transfer unit.
func (a Access) IsTransferAccess() bool {
	switch a {
	case AccessTransferRead, AccessTransferWrite, AccessTransferClear:
		return true
	}
	return false
}

// IsStorageAccess reports whether a is a storage (general-layout) access.
func (a Access) IsStorageAccess() bool {
	switch a {
	case AccessComputeRead, AccessComputeWrite, AccessComputeRW,
		AccessFragmentRead, AccessFragmentWrite,
		AccessHostRead, AccessHostWrite, AccessHostRW:
		return true
	}
	return false
}

// PipelineStageFlags is a bitmask of pipeline stages.
type PipelineStageFlags uint32

// Pipeline stage bits.
const (
	StageTopOfPipe PipelineStageFlags = 1 << iota
	StageDrawIndirect
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageEarlyFragmentTests
	StageLateFragmentTests
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe
	StageHost
)

// AccessFlags is a bitmask of memory access kinds.
type AccessFlags uint32

// Access bits.
const (
	AccessFlagIndirectCommandRead AccessFlags = 1 << iota
	AccessFlagIndexRead
	AccessFlagVertexAttributeRead
	AccessFlagUniformRead
	AccessFlagInputAttachmentRead
	AccessFlagShaderRead
	AccessFlagShaderWrite
	AccessFlagColorAttachmentRead
	AccessFlagColorAttachmentWrite
	AccessFlagDepthStencilAttachmentRead
	AccessFlagDepthStencilAttachmentWrite
	AccessFlagTransferRead
	AccessFlagTransferWrite
	AccessFlagHostRead
	AccessFlagHostWrite
	AccessFlagMemoryRead
	AccessFlagMemoryWrite
)

// IsWrite reports whether any write bit is set.
func (f AccessFlags) IsWrite() bool {
	const writes = AccessFlagShaderWrite | AccessFlagColorAttachmentWrite |
		AccessFlagDepthStencilAttachmentWrite | AccessFlagTransferWrite |
		AccessFlagHostWrite | AccessFlagMemoryWrite
	return f&writes != 0
}

// ImageLayout identifies the layout an image must be in for a use.
type ImageLayout uint8

// Image layouts.
const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutColorAttachmentOptimal
	LayoutDepthStencilAttachmentOptimal
	LayoutShaderReadOnlyOptimal
	LayoutTransferSrcOptimal
	LayoutTransferDstOptimal
	LayoutPreinitialized
	LayoutReadOnlyOptimal
	LayoutPresentSrc
)

var layoutNames = [...]string{
	LayoutUndefined:                     "undefined",
	LayoutGeneral:                       "general",
	LayoutColorAttachmentOptimal:        "color_attachment_optimal",
	LayoutDepthStencilAttachmentOptimal: "depth_stencil_attachment_optimal",
	LayoutShaderReadOnlyOptimal:         "shader_read_only_optimal",
	LayoutTransferSrcOptimal:            "transfer_src_optimal",
	LayoutTransferDstOptimal:            "transfer_dst_optimal",
	LayoutPreinitialized:                "preinitialized",
	LayoutReadOnlyOptimal:               "read_only_optimal",
	LayoutPresentSrc:                    "present_src",
}

func (l ImageLayout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return "layout(?)"
}

// ResourceUse is the lowered form of an Access: the stages that touch the
// resource, the access bits they use, and the layout an image must be in.
type ResourceUse struct {
	Stages PipelineStageFlags
	Access AccessFlags
	Layout ImageLayout
}

// ToUse lowers an Access to its ResourceUse. Total over all Access values.
func ToUse(a Access) ResourceUse {
	switch a {
	case AccessColorResolveWrite, AccessColorWrite:
		return ResourceUse{StageColorAttachmentOutput, AccessFlagColorAttachmentWrite, LayoutColorAttachmentOptimal}
	case AccessColorRW:
		return ResourceUse{StageColorAttachmentOutput, AccessFlagColorAttachmentWrite | AccessFlagColorAttachmentRead, LayoutColorAttachmentOptimal}
	case AccessColorResolveRead, AccessColorRead:
		return ResourceUse{StageColorAttachmentOutput, AccessFlagColorAttachmentRead, LayoutColorAttachmentOptimal}
	case AccessDepthStencilRead:
		return ResourceUse{StageEarlyFragmentTests | StageLateFragmentTests, AccessFlagDepthStencilAttachmentRead, LayoutReadOnlyOptimal}
	case AccessDepthStencilRW:
		return ResourceUse{StageEarlyFragmentTests | StageLateFragmentTests, AccessFlagDepthStencilAttachmentRead | AccessFlagDepthStencilAttachmentWrite, LayoutDepthStencilAttachmentOptimal}

	case AccessFragmentSampled:
		return ResourceUse{StageFragmentShader, AccessFlagShaderRead, LayoutShaderReadOnlyOptimal}
	case AccessFragmentRead:
		return ResourceUse{StageFragmentShader, AccessFlagShaderRead, LayoutShaderReadOnlyOptimal}
	case AccessFragmentWrite:
		return ResourceUse{StageFragmentShader, AccessFlagShaderWrite, LayoutGeneral}

	case AccessTransferRead:
		return ResourceUse{StageTransfer, AccessFlagTransferRead, LayoutTransferSrcOptimal}
	case AccessTransferWrite:
		return ResourceUse{StageTransfer, AccessFlagTransferWrite, LayoutTransferDstOptimal}
	case AccessTransferClear:
		return ResourceUse{StageTransfer, AccessFlagTransferWrite, LayoutTransferDstOptimal}

	case AccessComputeRead:
		return ResourceUse{StageComputeShader, AccessFlagShaderRead, LayoutGeneral}
	case AccessComputeWrite:
		return ResourceUse{StageComputeShader, AccessFlagShaderWrite, LayoutGeneral}
	case AccessComputeRW:
		return ResourceUse{StageComputeShader, AccessFlagShaderRead | AccessFlagShaderWrite, LayoutGeneral}
	case AccessComputeSampled:
		return ResourceUse{StageComputeShader, AccessFlagShaderRead, LayoutShaderReadOnlyOptimal}

	case AccessAttributeRead:
		return ResourceUse{StageVertexInput, AccessFlagVertexAttributeRead, LayoutGeneral}
	case AccessVertexRead:
		return ResourceUse{StageVertexShader, AccessFlagShaderRead, LayoutGeneral}
	case AccessIndexRead:
		return ResourceUse{StageVertexInput, AccessFlagIndexRead, LayoutGeneral}
	case AccessIndirectRead:
		return ResourceUse{StageDrawIndirect, AccessFlagIndirectCommandRead, LayoutGeneral}

	case AccessHostRead:
		return ResourceUse{StageHost, AccessFlagHostRead, LayoutGeneral}
	case AccessHostWrite:
		return ResourceUse{StageHost, AccessFlagHostWrite, LayoutGeneral}
	case AccessHostRW:
		return ResourceUse{StageHost, AccessFlagHostRead | AccessFlagHostWrite, LayoutGeneral}

	case AccessMemoryRead:
		return ResourceUse{StageBottomOfPipe, AccessFlagMemoryRead, LayoutGeneral}
	case AccessMemoryWrite:
		return ResourceUse{StageBottomOfPipe, AccessFlagMemoryWrite, LayoutGeneral}
	case AccessMemoryRW:
		return ResourceUse{StageBottomOfPipe, AccessFlagMemoryRead | AccessFlagMemoryWrite, LayoutGeneral}

	case AccessClear:
		return ResourceUse{StageColorAttachmentOutput, AccessFlagColorAttachmentWrite, LayoutPreinitialized}
	}
	return ResourceUse{StageTopOfPipe, 0, LayoutUndefined}
}

// DomainFlags is a bitset of execution sites. Bit order is significant: class
// propagation takes the numerically larger mask, so placeholder < constant <
// host < pre-encode < queues.
type DomainFlags uint8

// Domain bits.
const (
	DomainPlaceholder DomainFlags = 1 << iota
	DomainConstant
	DomainHost
	DomainPE
	DomainTransferQueue
	DomainComputeQueue
	DomainGraphicsQueue

	DomainNone   DomainFlags = 0
	DomainDevice             = DomainGraphicsQueue | DomainComputeQueue | DomainTransferQueue
	DomainAny                = DomainHost | DomainDevice
)

// IsQueue reports whether d names exactly one device queue.
func (d DomainFlags) IsQueue() bool {
	switch d {
	case DomainGraphicsQueue, DomainComputeQueue, DomainTransferQueue:
		return true
	}
	return false
}

// First returns the lowest set bit of d, or DomainNone.
func (d DomainFlags) First() DomainFlags {
	return d & (-d)
}

func (d DomainFlags) String() string {
	if d == DomainNone {
		return "none"
	}
	if d == DomainAny {
		return "any"
	}
	if d == DomainDevice {
		return "device"
	}
	var parts []string
	for _, f := range [...]struct {
		bit  DomainFlags
		name string
	}{
		{DomainPlaceholder, "placeholder"},
		{DomainConstant, "constant"},
		{DomainHost, "host"},
		{DomainPE, "pe"},
		{DomainTransferQueue, "transfer"},
		{DomainComputeQueue, "compute"},
		{DomainGraphicsQueue, "graphics"},
	} {
		if d&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}
