package ir

import (
	"reflect"
	"testing"

	"github.com/gogpu/gputypes"
)

func TestRegistryInterning(t *testing.T) {
	r := NewRegistry()

	a := r.MakeIntegerTy(32)
	b := r.MakeIntegerTy(32)
	if a != b {
		t.Error("identical integer types were not interned to the same pointer")
	}
	if a == r.MakeIntegerTy(64) {
		t.Error("distinct widths interned to the same type")
	}

	arr1 := r.MakeArrayTy(a, 4)
	arr2 := r.MakeArrayTy(b, 4)
	if arr1 != arr2 {
		t.Error("identical array types were not interned")
	}

	im1 := r.MakeImbuedTy(r.Image(), AccessColorWrite)
	im2 := r.MakeImbuedTy(r.Image(), AccessColorWrite)
	if im1 != im2 {
		t.Error("identical imbued types were not interned")
	}
	if im1 == r.MakeImbuedTy(r.Image(), AccessColorRead) {
		t.Error("different accesses interned to the same imbued type")
	}
	if im1.Stripped() != r.Image() {
		t.Error("Stripped did not remove the imbued layer")
	}
}

func TestRegistryBuiltinsDistinct(t *testing.T) {
	r := NewRegistry()
	seen := map[uint64]string{}
	for name, ty := range map[string]*Type{
		"image":         r.Image(),
		"buffer":        r.Buffer(),
		"sampled_image": r.SampledImage(),
		"sampler":       r.Sampler(),
		"swapchain":     r.Swapchain(),
	} {
		if prev, ok := seen[ty.HashValue]; ok {
			t.Errorf("builtin %s and %s share hash %#x", name, prev, ty.HashValue)
		}
		seen[ty.HashValue] = name
	}
}

func TestPredicates(t *testing.T) {
	r := NewRegistry()
	if !r.IsImageView(r.MakeImbuedTy(r.Image(), AccessColorWrite)) {
		t.Error("imbued image not recognized as image view")
	}
	if !r.IsBufferlikeView(r.MakePointerTy(r.Buffer())) {
		t.Error("pointer-to-buffer not recognized as bufferlike")
	}
	if r.IsSynchronized(r.U32()) {
		t.Error("u32 reported as synchronized")
	}
	if !r.IsSynchronized(r.MakeArrayTy(r.Image(), 2)) {
		t.Error("image array not reported as synchronized")
	}
	if !r.IsSynchronized(r.MakeUnionTy([]*Type{r.U32(), r.Buffer()})) {
		t.Error("union with a buffer arm not reported as synchronized")
	}
}

func TestNodeIndicesMonotone(t *testing.T) {
	m := NewModule(nil)

	img := m.DeclareImage(ImageAttachment{})
	sliced := m.MakeSlice(m.Types.Image(), img, AxisMipLevel, m.MakeU64(0), m.MakeU64(1))
	conv := m.MakeConverge(m.Types.Image(), []Ref{sliced.Node.Nth(2), sliced, sliced.Node.Nth(1)})
	rel := m.MakeRelease(AccessNone, conv)

	for _, n := range m.Ops() {
		for _, a := range n.Args {
			if a.Node.Index >= n.Index {
				t.Errorf("node %s argument %s does not precede it", n, a)
			}
		}
	}
	if rel.Index <= conv.Node.Index {
		t.Error("release did not get a later index than its source")
	}
}

func TestCollectGarbage(t *testing.T) {
	m := NewModule(nil)

	kept := m.DeclareImage(ImageAttachment{})
	kept.Node.Held = true
	// Dead subgraph: nothing holds it once the frontier moves past it.
	m.DeclareImage(ImageAttachment{})
	m.AdvanceLinkFrontier()

	before := m.NodeCount()
	m.CollectGarbage()
	after := m.NodeCount()
	if after >= before {
		t.Fatalf("GC removed nothing: %d -> %d nodes", before, after)
	}

	// Held node and its arguments survive.
	found := false
	for _, n := range m.Ops() {
		if n == kept.Node {
			found = true
		}
	}
	if !found {
		t.Fatal("held node was collected")
	}

	// R2: GC is idempotent on the remaining node set.
	m.CollectGarbage()
	if m.NodeCount() != after {
		t.Errorf("second GC changed node count: %d -> %d", after, m.NodeCount())
	}
}

func TestCollectGarbageKeepsFrontier(t *testing.T) {
	m := NewModule(nil)
	m.DeclareImage(ImageAttachment{})

	// Nothing is held, but nothing is past the frontier either, so all nodes
	// are still awaiting their first linking and must survive.
	n := m.NodeCount()
	m.CollectGarbage()
	if m.NodeCount() != n {
		t.Errorf("GC collected unlinked nodes: %d -> %d", n, m.NodeCount())
	}
}

func TestEvalConstruct(t *testing.T) {
	m := NewModule(nil)

	img := m.DeclareImage(ImageAttachment{
		CreateInfo: ImageCreateInfo{
			Extent:  gputypes.Extent3D{Width: 640, Height: 480, DepthOrArrayLayers: 1},
			Format:  gputypes.TextureFormatRGBA8Unorm,
			Samples: 1, Levels: 4, Layers: 1,
		},
	})

	v, err := Eval(img)
	if err != nil {
		t.Fatal(err)
	}
	ia, ok := v.(*ImageAttachment)
	if !ok {
		t.Fatalf("Eval returned %T, want *ImageAttachment", v)
	}
	if ia.CreateInfo.Extent.Width != 640 || ia.CreateInfo.Levels != 4 {
		t.Errorf("unexpected create info: %+v", ia.CreateInfo)
	}

	// UI4: repeated evaluation yields equal output.
	v2, err := Eval(img)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v, v2) {
		t.Error("repeated Eval of the same ref differed")
	}
}

func TestEvalSliceMips(t *testing.T) {
	m := NewModule(nil)
	img := m.DeclareImage(ImageAttachment{
		LevelCount: 6,
		CreateInfo: ImageCreateInfo{
			Extent:  gputypes.Extent3D{Width: 64, Height: 64, DepthOrArrayLayers: 1},
			Format:  gputypes.TextureFormatRGBA8Unorm,
			Samples: 1, Levels: 6, Layers: 1,
		},
	})
	sl := m.MakeSlice(m.Types.Image(), img, AxisMipLevel, m.MakeU64(0), m.MakeU64(2))

	v, err := Eval(sl)
	if err != nil {
		t.Fatal(err)
	}
	sliced := v.(*ImageAttachment)
	if sliced.BaseLevel != 0 || sliced.LevelCount != 2 {
		t.Errorf("sliced view = base %d count %d, want 0/2", sliced.BaseLevel, sliced.LevelCount)
	}

	v, err = Eval(sl.Node.Nth(1))
	if err != nil {
		t.Fatal(err)
	}
	rest := v.(*ImageAttachment)
	if rest.BaseLevel != 2 || rest.LevelCount != 4 {
		t.Errorf("remainder view = base %d count %d, want 2/4", rest.BaseLevel, rest.LevelCount)
	}
}

func TestEvalMath(t *testing.T) {
	m := NewModule(nil)
	tests := []struct {
		op   MathOp
		a, b uint64
		want uint64
	}{
		{MathAdd, 3, 4, 7},
		{MathSub, 10, 4, 6},
		{MathMul, 6, 7, 42},
		{MathDiv, 42, 6, 7},
		{MathMod, 43, 6, 1},
	}
	for _, tc := range tests {
		r := m.MakeMathBinary(tc.op, m.MakeU64(tc.a), m.MakeU64(tc.b))
		got, err := EvalUint(r)
		if err != nil {
			t.Fatalf("op %d: %v", tc.op, err)
		}
		if got != tc.want {
			t.Errorf("op %d: got %d, want %d", tc.op, got, tc.want)
		}
	}

	if _, err := EvalUint(m.MakeMathBinary(MathDiv, m.MakeU64(1), m.MakeU64(0))); err == nil {
		t.Error("division by zero did not error")
	}
}

func TestEvalPlaceholderFails(t *testing.T) {
	m := NewModule(nil)
	p := m.MakePlaceholder(m.Types.U32())
	if _, err := Eval(p); err == nil {
		t.Error("Eval of placeholder succeeded")
	}
}

func TestBufferSubrange(t *testing.T) {
	b := Buffer{Size: 256, DeviceAddress: 0x1000}
	sub := b.Subrange(64, 32)
	if sub.DeviceAddress != 0x1040 || sub.Size != 32 || sub.Offset != 64 {
		t.Errorf("unexpected subrange: %+v", sub)
	}
	if !b.Overlaps(sub) {
		t.Error("subrange does not overlap parent")
	}
	far := Buffer{Size: 16, DeviceAddress: 0x2000}
	if b.Overlaps(far) {
		t.Error("disjoint buffers reported overlapping")
	}
}
