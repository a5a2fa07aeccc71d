package shader

import (
	"encoding/binary"
	"reflect"
	"testing"
)

// assembleCompute builds a minimal compute module: local size 8x4x1, a
// uniform buffer at set 0 binding 0 and a storage image at set 0 binding 1.
func assembleCompute() []uint32 {
	instr := func(op uint16, operands ...uint32) []uint32 {
		out := []uint32{uint32(len(operands)+1)<<16 | uint32(op)}
		return append(out, operands...)
	}
	var w []uint32
	w = append(w, spirvMagic, 0x00010000, 0, 13, 0) // header, bound=13

	w = append(w, instr(17, 1)...)    // OpCapability Shader
	w = append(w, instr(14, 0, 1)...) // OpMemoryModel Logical GLSL450
	// OpEntryPoint GLCompute %1 "main"
	w = append(w, instr(opEntryPoint, emGLCompute, 1, 0x6e69616d, 0)...)
	// OpExecutionMode %1 LocalSize 8 4 1
	w = append(w, instr(opExecutionMode, 1, modeLocalSize, 8, 4, 1)...)

	// Decorations: %10 uniform buffer (set 0, binding 0), %11 storage image
	// (set 0, binding 1); %5 is a Block struct.
	w = append(w, instr(opDecorate, 5, decBlock)...)
	w = append(w, instr(opDecorate, 10, decDescriptorSet, 0)...)
	w = append(w, instr(opDecorate, 10, decBinding, 0)...)
	w = append(w, instr(opDecorate, 11, decDescriptorSet, 0)...)
	w = append(w, instr(opDecorate, 11, decBinding, 1)...)

	w = append(w, instr(19, 2)...)              // %2 = OpTypeVoid
	w = append(w, instr(33, 3, 2)...)           // %3 = OpTypeFunction %2
	w = append(w, instr(opTypeFloat, 4, 32)...) // %4 = OpTypeFloat 32
	w = append(w, instr(opTypeStruct, 5, 4)...) // %5 = OpTypeStruct %4
	// %6 = OpTypePointer Uniform %5
	w = append(w, instr(opTypePointer, 6, scUniform, 5)...)
	// %10 = OpVariable %6 Uniform
	w = append(w, instr(opVariable, 6, 10, scUniform)...)
	// %7 = OpTypeImage %4 2D depth=0 arrayed=0 ms=0 sampled=2 format=0
	w = append(w, instr(opTypeImage, 7, 4, 1, 0, 0, 0, 2, 0)...)
	// %8 = OpTypePointer UniformConstant %7
	w = append(w, instr(opTypePointer, 8, scUniformConstant, 7)...)
	// %11 = OpVariable %8 UniformConstant
	w = append(w, instr(opVariable, 8, 11, scUniformConstant)...)

	w = append(w, instr(54, 2, 1, 0, 3)...) // %1 = OpFunction %2 None %3
	w = append(w, instr(248, 12)...)        // OpLabel
	w = append(w, instr(253)...)            // OpReturn
	w = append(w, instr(56)...)             // OpFunctionEnd
	return w
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func TestReflectCompute(t *testing.T) {
	p, err := Reflect(wordsToBytes(assembleCompute()))
	if err != nil {
		t.Fatal(err)
	}

	if p.Stage != StageCompute {
		t.Errorf("stage = %v, want compute", p.Stage)
	}
	if p.LocalSize != [3]uint32{8, 4, 1} {
		t.Errorf("local size = %v, want [8 4 1]", p.LocalSize)
	}

	ds := p.Sets[0]
	if ds == nil {
		t.Fatal("set 0 missing")
	}
	if len(ds.UniformBuffers) != 1 || ds.UniformBuffers[0].Binding != 0 {
		t.Errorf("uniform buffers = %+v, want one at binding 0", ds.UniformBuffers)
	}
	if len(ds.StorageImages) != 1 || ds.StorageImages[0].Binding != 1 {
		t.Errorf("storage images = %+v, want one at binding 1", ds.StorageImages)
	}
	if ds.HighestBinding != 1 {
		t.Errorf("highest binding = %d, want 1", ds.HighestBinding)
	}
}

func TestReflectPure(t *testing.T) {
	bytes := wordsToBytes(assembleCompute())
	a, err := Reflect(bytes)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Reflect(bytes)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("repeated reflection of the same module differed")
	}
}

func TestReflectRejectsGarbage(t *testing.T) {
	if _, err := Reflect([]byte{1, 2, 3}); err == nil {
		t.Error("short input accepted")
	}
	if _, err := Reflect(make([]byte, 64)); err == nil {
		t.Error("zeroed input accepted")
	}
}

func TestLayoutCreateInfo(t *testing.T) {
	p, err := Reflect(wordsToBytes(assembleCompute()))
	if err != nil {
		t.Fatal(err)
	}
	ci := p.Sets[0].LayoutCreateInfo()
	if len(ci.Bindings) != 2 {
		t.Fatalf("layout bindings = %d, want 2", len(ci.Bindings))
	}
	counts := ci.Counts()
	total := uint32(0)
	for _, c := range counts {
		total += c
	}
	if total != 2 {
		t.Errorf("descriptor counts sum = %d, want 2", total)
	}
}

func TestProgramAppend(t *testing.T) {
	mk := func(stage Stage) *Program {
		return &Program{
			Stage:  stage,
			Stages: stage.Flags(),
			Sets: map[uint32]*DescriptorSet{
				0: {UniformBuffers: []Binding{{Binding: 0, Stages: stage.Flags()}}},
			},
		}
	}
	vert, frag := mk(StageVertex), mk(StageFragment)
	vert.Append(frag)

	if vert.Stages != StageVertex.Flags()|StageFragment.Flags() {
		t.Errorf("merged stages = %b", vert.Stages)
	}
	ub := vert.Sets[0].UniformBuffers
	if len(ub) != 1 {
		t.Fatalf("duplicate binding not merged: %+v", ub)
	}
	if ub[0].Stages != StageVertex.Flags()|StageFragment.Flags() {
		t.Errorf("merged binding stages = %b", ub[0].Stages)
	}
}
