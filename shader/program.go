// Package shader provides shader reflection and WGSL compilation for the
// frame graph.
//
// Reflect is a pure function from SPIR-V bytes to a Program record; the
// compiler uses it to derive imbued parameter types for shader-function
// calls. CompileWGSL lowers WGSL source through naga.
package shader

import (
	"sort"

	"github.com/gogpu/framegraph/backend"
)

// Stage identifies a single shader stage.
type Stage uint8

// Stages.
const (
	StageVertex Stage = iota
	StageFragment
	StageCompute
)

func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageCompute:
		return "compute"
	}
	return "stage(?)"
}

// Flags converts the stage to backend stage flags.
func (s Stage) Flags() backend.StageFlags {
	switch s {
	case StageVertex:
		return backend.StageVertex
	case StageFragment:
		return backend.StageFragment
	case StageCompute:
		return backend.StageCompute
	}
	return 0
}

// ScalarType classifies reflected value types.
type ScalarType uint8

// Scalar types.
const (
	TypeFloat ScalarType = iota
	TypeInt
	TypeUint
	TypeBool
	TypeStruct
	TypeUnknown
)

// Attribute is one vertex input.
type Attribute struct {
	Name     string
	Location uint32
	Type     ScalarType
}

// PushConstantRange is one push constant block.
type PushConstantRange struct {
	Offset uint32
	Size   uint32
	Stages backend.StageFlags
}

// SpecConstant is one specialization constant.
type SpecConstant struct {
	ID     uint32
	Type   ScalarType
	Stages backend.StageFlags
}

// Binding is one reflected descriptor binding.
type Binding struct {
	Name    string
	Binding uint32
	Count   uint32
	Stages  backend.StageFlags
}

// DescriptorSet groups the bindings of one set index.
type DescriptorSet struct {
	UniformBuffers []Binding
	StorageBuffers []Binding
	StorageImages  []Binding
	SampledImages  []Binding
	Samplers       []Binding
	SubpassInputs  []Binding
	TexelBuffers   []Binding

	HighestBinding uint32
}

// LayoutCreateInfo derives the descriptor set layout of the set.
func (ds *DescriptorSet) LayoutCreateInfo() *backend.DescriptorSetLayoutCreateInfo {
	ci := &backend.DescriptorSetLayoutCreateInfo{}
	add := func(bs []Binding, t backend.DescriptorType) {
		for _, b := range bs {
			count := b.Count
			if count == 0 {
				count = 1
			}
			ci.Bindings = append(ci.Bindings, backend.DescriptorSetLayoutBinding{
				Binding: b.Binding,
				Type:    t,
				Count:   count,
				Stages:  backend.StageFlags(b.Stages),
			})
		}
	}
	add(ds.UniformBuffers, backend.DescriptorUniformBuffer)
	add(ds.StorageBuffers, backend.DescriptorStorageBuffer)
	add(ds.StorageImages, backend.DescriptorStorageImage)
	add(ds.SampledImages, backend.DescriptorSampledImage)
	add(ds.Samplers, backend.DescriptorSampler)
	add(ds.SubpassInputs, backend.DescriptorSubpassInput)
	add(ds.TexelBuffers, backend.DescriptorTexelBuffer)
	return ci
}

// Program is the reflection record of one shader module.
type Program struct {
	Stage     Stage
	LocalSize [3]uint32

	Attributes         []Attribute
	PushConstantRanges []PushConstantRange
	SpecConstants      []SpecConstant

	// Sets maps descriptor set index to its bindings.
	Sets map[uint32]*DescriptorSet

	Stages backend.StageFlags
}

// SetLayoutCreateInfos returns one layout create info per descriptor set,
// in ascending set order.
func (p *Program) SetLayoutCreateInfos() []*backend.DescriptorSetLayoutCreateInfo {
	indices := make([]int, 0, len(p.Sets))
	for idx := range p.Sets {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)
	out := make([]*backend.DescriptorSetLayoutCreateInfo, 0, len(indices))
	for _, idx := range indices {
		out = append(out, p.Sets[uint32(idx)].LayoutCreateInfo())
	}
	return out
}

// GroupCounts derives compute dispatch group counts covering a w by h
// output with the program's local size.
func (p *Program) GroupCounts(w, h uint32) (x, y, z uint32) {
	lx, ly := p.LocalSize[0], p.LocalSize[1]
	if lx == 0 {
		lx = 1
	}
	if ly == 0 {
		ly = 1
	}
	return (w + lx - 1) / lx, (h + ly - 1) / ly, 1
}

// Append merges another stage's reflection into p, unioning stage masks of
// bindings that appear in both.
func (p *Program) Append(o *Program) {
	p.Stages |= o.Stages
	p.Attributes = append(p.Attributes, o.Attributes...)
	p.PushConstantRanges = append(p.PushConstantRanges, o.PushConstantRanges...)
	p.SpecConstants = append(p.SpecConstants, o.SpecConstants...)
	if p.Sets == nil {
		p.Sets = make(map[uint32]*DescriptorSet)
	}
	for idx, ods := range o.Sets {
		ds, ok := p.Sets[idx]
		if !ok {
			p.Sets[idx] = ods
			continue
		}
		merge := func(dst *[]Binding, src []Binding) {
		next:
			for _, b := range src {
				for i := range *dst {
					if (*dst)[i].Binding == b.Binding {
						(*dst)[i].Stages |= b.Stages
						continue next
					}
				}
				*dst = append(*dst, b)
			}
		}
		merge(&ds.UniformBuffers, ods.UniformBuffers)
		merge(&ds.StorageBuffers, ods.StorageBuffers)
		merge(&ds.StorageImages, ods.StorageImages)
		merge(&ds.SampledImages, ods.SampledImages)
		merge(&ds.Samplers, ods.Samplers)
		merge(&ds.SubpassInputs, ods.SubpassInputs)
		merge(&ds.TexelBuffers, ods.TexelBuffers)
		if ods.HighestBinding > ds.HighestBinding {
			ds.HighestBinding = ods.HighestBinding
		}
	}
}
