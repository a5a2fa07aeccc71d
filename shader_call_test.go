package framegraph

import (
	"testing"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/backend/noop"
	"github.com/gogpu/framegraph/ir"
	"github.com/gogpu/gputypes"
)

// computeSPIRV assembles a minimal compute module: local size 8x4x1, a
// uniform buffer at set 0 binding 0 and a storage image at set 0 binding 1.
func computeSPIRV() []uint32 {
	instr := func(op uint32, operands ...uint32) []uint32 {
		out := []uint32{uint32(len(operands)+1)<<16 | op}
		return append(out, operands...)
	}
	var w []uint32
	w = append(w, 0x07230203, 0x00010000, 0, 13, 0)

	w = append(w, instr(17, 1)...)                        // OpCapability Shader
	w = append(w, instr(14, 0, 1)...)                     // OpMemoryModel Logical GLSL450
	w = append(w, instr(15, 5, 1, 0x6e69616d, 0)...)      // OpEntryPoint GLCompute %1 "main"
	w = append(w, instr(16, 1, 17, 8, 4, 1)...)           // OpExecutionMode LocalSize 8 4 1
	w = append(w, instr(71, 5, 2)...)                     // OpDecorate %5 Block
	w = append(w, instr(71, 10, 34, 0)...)                // %10 set 0
	w = append(w, instr(71, 10, 33, 0)...)                // %10 binding 0
	w = append(w, instr(71, 11, 34, 0)...)                // %11 set 0
	w = append(w, instr(71, 11, 33, 1)...)                // %11 binding 1
	w = append(w, instr(19, 2)...)                        // %2 = OpTypeVoid
	w = append(w, instr(33, 3, 2)...)                     // %3 = OpTypeFunction %2
	w = append(w, instr(22, 4, 32)...)                    // %4 = OpTypeFloat 32
	w = append(w, instr(30, 5, 4)...)                     // %5 = OpTypeStruct %4
	w = append(w, instr(32, 6, 2, 5)...)                  // %6 = ptr Uniform %5
	w = append(w, instr(59, 6, 10, 2)...)                 // %10 = var Uniform
	w = append(w, instr(25, 7, 4, 1, 0, 0, 0, 2, 0)...)   // %7 = image 2D storage
	w = append(w, instr(32, 8, 0, 7)...)                  // %8 = ptr UniformConstant %7
	w = append(w, instr(59, 8, 11, 0)...)                 // %11 = var UniformConstant
	w = append(w, instr(54, 2, 1, 0, 3)...)               // %1 = OpFunction
	w = append(w, instr(248, 12)...)                      // OpLabel
	w = append(w, instr(253)...)                          // OpReturn
	w = append(w, instr(56)...)                           // OpFunctionEnd
	return w
}

// A call whose callee is a bare pipeline description is retyped against the
// pipeline's reflection and dispatched with derived group counts.
func TestShaderCallRetypeAndDispatch(t *testing.T) {
	h := newHarness(t)
	pipelines := &PipelineCache{Alloc: h.da}
	h.exec.Pipelines = pipelines

	m := ir.NewModule(nil)
	pbci := &backend.PipelineCreateInfo{
		Label:      "tonemap",
		Compute:    true,
		SPIRV:      [][]uint32{computeSPIRV()},
		EntryPoint: "main",
	}
	callee := m.MakeConstant(m.Types.Memory(), pbci)

	target := &ir.ImageAttachment{
		Image:      &noop.Object{Kind: "external_image", ID: 1},
		ImageView:  &noop.Object{Kind: "external_view", ID: 2},
		LevelCount: 1,
		LayerCount: 1,
		CreateInfo: ir.ImageCreateInfo{
			Usage:   gputypes.TextureUsageTextureBinding,
			Extent:  gputypes.Extent3D{Width: 640, Height: 480, DepthOrArrayLayers: 1},
			Format:  gputypes.TextureFormatRGBA8Unorm,
			Samples: 1, Levels: 1, Layers: 1,
		},
	}
	params := &ir.Buffer{
		Handle:        &noop.Object{Kind: "external_buffer", ID: 3},
		Size:          64,
		DeviceAddress: 0x80000,
	}

	img := m.AcquireImage(target)
	buf := m.AcquireBuffer(params)
	call := m.MakeCall(callee, img, buf)
	rel := m.MakeRelease(ir.AccessNone, call.First())

	eg, err := Compile(m, []*ir.Node{rel}, CompileOptions{Pipelines: pipelines})
	if err != nil {
		t.Fatal(err)
	}

	// The call now carries a shader-function type with reflected accesses.
	fnTy := call.Args[0].Type()
	if fnTy.Kind != ir.KindShaderFn {
		t.Fatalf("callee type = %v, want shader fn", fnTy.Kind)
	}
	if len(fnTy.Args) != 2 {
		t.Fatalf("reflected parameters = %d, want 2", len(fnTy.Args))
	}

	if err := h.exec.Submit(eg, h.frame); err != nil {
		t.Fatal(err)
	}

	dispatches := h.dev.CommandsNamed("dispatch")
	if len(dispatches) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(dispatches))
	}
	// 640x480 with local size 8x4 -> 80x120 groups.
	if d := dispatches[0]; d.X != 80 || d.Y != 120 || d.Z != 1 {
		t.Errorf("dispatch = %dx%dx%d, want 80x120x1", d.X, d.Y, d.Z)
	}

	if n := len(h.dev.CommandsNamed("bind_pipeline")); n != 1 {
		t.Errorf("pipelines bound = %d, want 1", n)
	}
	if n := len(h.dev.CommandsNamed("bind_descriptor_set")); n != 1 {
		t.Errorf("descriptor sets bound = %d, want 1", n)
	}
	if n := h.dev.CreatedCount("descriptor_write"); n != 2 {
		t.Errorf("descriptor writes = %d, want 2", n)
	}
	if n := h.dev.CreatedCount("pipeline"); n != 1 {
		t.Errorf("pipelines created = %d, want 1", n)
	}
}
