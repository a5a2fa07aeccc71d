package shader

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// spirvMagic is the SPIR-V magic number in native word order.
const spirvMagic = 0x07230203

// ErrNotSPIRV reports that the input is not a SPIR-V module.
var ErrNotSPIRV = errors.New("shader: not a SPIR-V module")

// SPIR-V opcodes the reflector consumes.
const (
	opName              = 5
	opEntryPoint        = 15
	opExecutionMode     = 16
	opTypeFloat         = 22
	opTypeInt           = 21
	opTypeBool          = 20
	opTypeImage         = 25
	opTypeSampler       = 26
	opTypeSampledImage  = 27
	opTypeRuntimeArray  = 29
	opTypeStruct        = 30
	opTypeArray         = 28
	opTypePointer       = 32
	opConstant          = 43
	opSpecConstantTrue  = 48
	opSpecConstantFalse = 49
	opSpecConstant      = 50
	opVariable          = 59
	opDecorate          = 71
	opMemberDecorate    = 72
)

// SPIR-V storage classes.
const (
	scUniformConstant = 0
	scInput           = 1
	scUniform         = 2
	scPushConstant    = 9
	scStorageBuffer   = 12
)

// SPIR-V decorations.
const (
	decSpecID        = 1
	decBlock         = 2
	decBufferBlock   = 3
	decLocation      = 30
	decBinding       = 33
	decDescriptorSet = 34
	decOffset        = 35
)

// SPIR-V execution models and modes.
const (
	emVertex    = 0
	emFragment  = 4
	emGLCompute = 5

	modeLocalSize = 17
)

// SPIR-V image dims.
const (
	dimBuffer      = 5
	dimSubpassData = 6
)

type spirvType struct {
	op       uint16
	operands []uint32
}

// Reflect parses a SPIR-V module and returns its reflection record. It is a
// pure function: equal inputs produce equal outputs.
func Reflect(spirv []byte) (*Program, error) {
	if len(spirv) < 20 || len(spirv)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotSPIRV, len(spirv))
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirv[i*4:])
	}
	return ReflectWords(words)
}

// ReflectWords reflects an already word-decoded module.
func ReflectWords(words []uint32) (*Program, error) {
	if len(words) < 5 || words[0] != spirvMagic {
		return nil, ErrNotSPIRV
	}

	p := &Program{LocalSize: [3]uint32{1, 1, 1}, Sets: make(map[uint32]*DescriptorSet)}

	types := map[uint32]spirvType{}
	names := map[uint32]string{}
	sets := map[uint32]uint32{}
	bindings := map[uint32]uint32{}
	locations := map[uint32]uint32{}
	specIDs := map[uint32]uint32{}
	blockStructs := map[uint32]bool{}
	bufferBlockStructs := map[uint32]bool{}
	memberOffsets := map[uint32][]uint32{}
	type variable struct {
		id, ptrType, storage uint32
	}
	var variables []variable
	var specConsts []variable // id, result type
	entrySeen := false

	for at := 5; at < len(words); {
		first := words[at]
		wc := int(first >> 16)
		op := uint16(first & 0xffff)
		if wc == 0 || at+wc > len(words) {
			return nil, fmt.Errorf("%w: malformed instruction at word %d", ErrNotSPIRV, at)
		}
		operands := words[at+1 : at+wc]

		switch op {
		case opEntryPoint:
			if entrySeen {
				break // one module, one entry; extra entries share the stage
			}
			entrySeen = true
			switch operands[0] {
			case emVertex:
				p.Stage = StageVertex
			case emFragment:
				p.Stage = StageFragment
			case emGLCompute:
				p.Stage = StageCompute
			default:
				return nil, fmt.Errorf("shader: unsupported execution model %d", operands[0])
			}
			p.Stages = p.Stage.Flags()

		case opExecutionMode:
			if len(operands) >= 5 && operands[1] == modeLocalSize {
				p.LocalSize = [3]uint32{operands[2], operands[3], operands[4]}
			}

		case opName:
			names[operands[0]] = decodeString(operands[1:])

		case opDecorate:
			id, dec := operands[0], operands[1]
			switch dec {
			case decDescriptorSet:
				sets[id] = operands[2]
			case decBinding:
				bindings[id] = operands[2]
			case decLocation:
				locations[id] = operands[2]
			case decSpecID:
				specIDs[id] = operands[2]
			case decBlock:
				blockStructs[id] = true
			case decBufferBlock:
				bufferBlockStructs[id] = true
			}

		case opMemberDecorate:
			if operands[2] == decOffset && len(operands) >= 4 {
				memberOffsets[operands[0]] = append(memberOffsets[operands[0]], operands[3])
			}

		case opTypeFloat, opTypeInt, opTypeBool, opTypeImage, opTypeSampler,
			opTypeSampledImage, opTypeStruct, opTypeArray, opTypeRuntimeArray:
			types[operands[0]] = spirvType{op: op, operands: operands[1:]}

		case opTypePointer:
			types[operands[0]] = spirvType{op: op, operands: operands[1:]}

		case opVariable:
			variables = append(variables, variable{id: operands[1], ptrType: operands[0], storage: operands[2]})

		case opSpecConstant, opSpecConstantTrue, opSpecConstantFalse:
			specConsts = append(specConsts, variable{id: operands[1], ptrType: operands[0]})
		}

		at += wc
	}

	if !entrySeen {
		return nil, fmt.Errorf("shader: module has no entry point")
	}

	set := func(idx uint32) *DescriptorSet {
		ds, ok := p.Sets[idx]
		if !ok {
			ds = &DescriptorSet{}
			p.Sets[idx] = ds
		}
		return ds
	}

	for _, v := range variables {
		ptr, ok := types[v.ptrType]
		if !ok || ptr.op != opTypePointer {
			continue
		}
		pointee := ptr.operands[1]
		pt := types[pointee]
		// Arrays of resources: unwrap to the element, remember the count.
		count := uint32(1)
		if pt.op == opTypeArray {
			pt = types[pt.operands[0]]
		}

		b := Binding{
			Name:    names[v.id],
			Binding: bindings[v.id],
			Count:   count,
			Stages:  p.Stage.Flags(),
		}

		switch v.storage {
		case scInput:
			if p.Stage == StageVertex {
				if loc, ok := locations[v.id]; ok {
					p.Attributes = append(p.Attributes, Attribute{
						Name:     names[v.id],
						Location: loc,
						Type:     scalarTypeOf(pt.op),
					})
				}
			}
			continue

		case scPushConstant:
			size := uint32(0)
			if offs := memberOffsets[pointee]; len(offs) > 0 {
				for _, o := range offs {
					if o+16 > size {
						size = o + 16
					}
				}
			}
			p.PushConstantRanges = append(p.PushConstantRanges, PushConstantRange{
				Offset: 0, Size: size, Stages: p.Stage.Flags(),
			})
			continue

		case scUniform:
			ds := set(sets[v.id])
			if bufferBlockStructs[pointee] {
				ds.StorageBuffers = append(ds.StorageBuffers, b)
			} else {
				ds.UniformBuffers = append(ds.UniformBuffers, b)
			}

		case scStorageBuffer:
			ds := set(sets[v.id])
			ds.StorageBuffers = append(ds.StorageBuffers, b)

		case scUniformConstant:
			ds := set(sets[v.id])
			switch pt.op {
			case opTypeSampler:
				ds.Samplers = append(ds.Samplers, b)
			case opTypeSampledImage:
				ds.SampledImages = append(ds.SampledImages, b)
			case opTypeImage:
				// operands: sampled type, dim, depth, arrayed, ms, sampled, format
				if len(pt.operands) < 6 {
					continue
				}
				dim := pt.operands[1]
				sampled := pt.operands[5]
				switch {
				case dim == dimSubpassData:
					ds.SubpassInputs = append(ds.SubpassInputs, b)
				case dim == dimBuffer:
					ds.TexelBuffers = append(ds.TexelBuffers, b)
				case sampled == 2:
					ds.StorageImages = append(ds.StorageImages, b)
				default:
					ds.SampledImages = append(ds.SampledImages, b)
				}
			default:
				continue
			}

		default:
			continue
		}

		ds := set(sets[v.id])
		if b.Binding > ds.HighestBinding {
			ds.HighestBinding = b.Binding
		}
	}

	for _, sc := range specConsts {
		p.SpecConstants = append(p.SpecConstants, SpecConstant{
			ID:     specIDs[sc.id],
			Type:   scalarTypeOf(types[sc.ptrType].op),
			Stages: p.Stage.Flags(),
		})
	}

	return p, nil
}

func scalarTypeOf(op uint16) ScalarType {
	switch op {
	case opTypeFloat:
		return TypeFloat
	case opTypeInt:
		return TypeInt
	case opTypeBool:
		return TypeBool
	case opTypeStruct:
		return TypeStruct
	}
	return TypeUnknown
}

// decodeString reads a null-terminated SPIR-V string literal.
func decodeString(words []uint32) string {
	var out []byte
	for _, w := range words {
		for shift := 0; shift < 32; shift += 8 {
			c := byte(w >> shift)
			if c == 0 {
				return string(out)
			}
			out = append(out, c)
		}
	}
	return string(out)
}
