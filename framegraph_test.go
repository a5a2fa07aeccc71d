package framegraph

import (
	"testing"

	"github.com/gogpu/framegraph/ir"
	"github.com/gogpu/gputypes"
)

// colorWriteFn declares an opaque function writing one color attachment.
func colorWriteFn(m *ir.Module, run CommandFn) ir.Ref {
	reg := m.Types
	fnTy := reg.MakeOpaqueFnTy("draw",
		[]*ir.Type{reg.MakeImbuedTy(reg.Image(), ir.AccessColorWrite)},
		[]*ir.Type{reg.MakeAliasedTy(reg.Image(), 1)},
		ir.DomainAny)
	return m.MakeDeclareFn(fnTy, run)
}

// samplerFn declares an opaque function sampling one image.
func samplerFn(m *ir.Module, access ir.Access, run CommandFn) ir.Ref {
	reg := m.Types
	fnTy := reg.MakeOpaqueFnTy("sample",
		[]*ir.Type{reg.MakeImbuedTy(reg.Image(), access)},
		[]*ir.Type{reg.MakeAliasedTy(reg.Image(), 1)},
		ir.DomainAny)
	return m.MakeDeclareFn(fnTy, run)
}

func noopCmd(*CmdContext) error { return nil }

func resolvedImage(m *ir.Module) ir.Ref {
	return m.DeclareImage(ir.ImageAttachment{
		LevelCount: 1,
		LayerCount: 1,
		CreateInfo: ir.ImageCreateInfo{
			Usage:   gputypes.TextureUsageRenderAttachment,
			Extent:  gputypes.Extent3D{Width: 640, Height: 480, DepthOrArrayLayers: 1},
			Format:  gputypes.TextureFormatRGBA8Unorm,
			Samples: 1, Levels: 1, Layers: 1,
		},
	})
}

func mipImage(m *ir.Module, levels uint32) ir.Ref {
	return m.DeclareImage(ir.ImageAttachment{
		LevelCount: levels,
		LayerCount: 1,
		CreateInfo: ir.ImageCreateInfo{
			Usage:   gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
			Extent:  gputypes.Extent3D{Width: 256, Height: 256, DepthOrArrayLayers: 1},
			Format:  gputypes.TextureFormatRGBA8Unorm,
			Samples: 1, Levels: levels, Layers: 1,
		},
	})
}

func compileOne(t *testing.T, m *ir.Module, roots ...*ir.Node) *ExecutableGraph {
	t.Helper()
	eg, err := Compile(m, roots, CompileOptions{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return eg
}

func itemKinds(eg *ExecutableGraph) []ir.NodeKind {
	out := make([]ir.NodeKind, 0, len(eg.ItemList))
	for _, it := range eg.ItemList {
		out = append(out, it.Node.Kind)
	}
	return out
}

func countKind(eg *ExecutableGraph, k ir.NodeKind) int {
	n := 0
	for _, it := range eg.ItemList {
		if it.Node.Kind == k {
			n++
		}
	}
	return n
}

func TestChainInvariants(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(resolvedImage(m))
	fn := colorWriteFn(m, noopCmd)
	call := m.MakeCall(fn, img)
	rel := m.MakeRelease(ir.AccessNone, call.First())

	eg := compileOne(t, m, rel)

	// Every chain head has no predecessor, and every link is on exactly one
	// chain.
	for _, head := range eg.Chains {
		if head.Prev != nil {
			t.Error("chain head has a predecessor")
		}
		for link := head; link != nil; link = link.Next {
			if link.Next != nil && link.Next.Prev != link {
				t.Error("chain next/prev disagree")
			}
		}
	}

	// Arguments precede their consumers.
	for _, it := range eg.ItemList {
		for _, a := range it.Node.Args {
			if a.Node.Index > it.Node.Index {
				t.Errorf("argument %s does not precede consumer %s", a, it.Node)
			}
		}
	}
}

func TestDoubleWriteAutoRewrite(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(resolvedImage(m))
	fn := colorWriteFn(m, noopCmd)

	// Both calls write the same value; the compiler rewrites the second
	// against the first call's result.
	call1 := m.MakeCall(fn, img)
	call2 := m.MakeCall(fn, img)
	rel := m.MakeRelease(ir.AccessNone, call2.First())

	eg := compileOne(t, m, rel)

	if call2.Args[1] != call1.Nth(0) {
		t.Errorf("second write was not rewritten: arg = %s, want %s", call2.Args[1], call1.Nth(0))
	}

	// Both writes execute, in link order.
	idx1, idx2 := -1, -1
	for i, it := range eg.ItemList {
		switch it.Node {
		case call1:
			idx1 = i
		case call2:
			idx2 = i
		}
	}
	if idx1 < 0 || idx2 < 0 {
		t.Fatalf("writes missing from schedule: %v", itemKinds(eg))
	}
	if idx1 > idx2 {
		t.Errorf("writes scheduled out of link order: %d after %d", idx1, idx2)
	}
}

func TestReadersOrderedBeforeLaterWrite(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(resolvedImage(m))
	w := colorWriteFn(m, noopCmd)
	s := samplerFn(m, ir.AccessFragmentSampled, noopCmd)

	call1 := m.MakeCall(w, img)
	reader := m.MakeCall(s, call1.First())
	call2 := m.MakeCall(w, call1.First())
	rel := m.MakeRelease(ir.AccessNone, call2.First(), reader.First())

	eg := compileOne(t, m, rel)

	pos := map[*ir.Node]int{}
	for i, it := range eg.ItemList {
		pos[it.Node] = i
	}
	if pos[reader] > pos[call2] {
		t.Errorf("reader scheduled after the overwrite: %d > %d", pos[reader], pos[call2])
	}
	if pos[call1] > pos[reader] {
		t.Errorf("reader scheduled before its producer")
	}
}

func TestSliceReconverge(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(mipImage(m, 6))
	w := colorWriteFn(m, noopCmd)
	s := samplerFn(m, ir.AccessFragmentSampled, noopCmd)

	sliced := m.MakeSlice(m.Types.Image(), img, ir.AxisMipLevel, m.MakeU64(0), m.MakeU64(2))
	written := m.MakeCall(w, sliced)
	m.MakeCall(s, sliced.Node.Nth(1))
	rel := m.MakeRelease(ir.AccessNone, written.First())

	eg := compileOne(t, m, rel)

	// Forced convergence wraps the release source in a merge.
	if rel.Args[0].Node.Kind != ir.KindConverge {
		t.Errorf("release source is %s, want converge", rel.Args[0].Node.Kind)
	}
	if countKind(eg, ir.KindConverge) == 0 {
		t.Error("no converge in the schedule")
	}
	// The schedule still contains the slice and both uses.
	if countKind(eg, ir.KindSlice) == 0 {
		t.Error("no slice in the schedule")
	}
	if countKind(eg, ir.KindCall) != 2 {
		t.Errorf("calls in schedule = %d, want 2", countKind(eg, ir.KindCall))
	}
}

func TestSliceShrinkElision(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(mipImage(m, 6))
	w := colorWriteFn(m, noopCmd)

	// First slice takes mips [0,4); the second takes [1,2), contained in the
	// first: no convergence is needed, the second slice is rebased.
	s1 := m.MakeSlice(m.Types.Image(), img, ir.AxisMipLevel, m.MakeU64(0), m.MakeU64(4))
	c1 := m.MakeCall(w, s1)
	s2 := m.MakeSlice(m.Types.Image(), img, ir.AxisMipLevel, m.MakeU64(1), m.MakeU64(2))
	c2 := m.MakeCall(w, s2)
	rel := m.MakeRelease(ir.AccessNone, c2.First())

	compileOne(t, m, rel)

	// The rebased slice now cuts out of the written revision of the first
	// slice's output, with no synthesized convergence in between.
	if s2.Node.Args[0] != c1.Nth(0) {
		t.Errorf("shrinking slice was not rebased: src = %s, want %s", s2.Node.Args[0], c1.Nth(0))
	}
	start, err := ir.EvalUint(s2.Node.Args[1])
	if err != nil || start != 1 {
		t.Errorf("rebased start = %d (%v), want 1", start, err)
	}
}

func TestSliceDisjointRemainder(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(mipImage(m, 6))
	w := colorWriteFn(m, noopCmd)

	// [0,2) and [2,2): the second lies wholly in the first's complement and
	// is rebased onto the remainder output.
	s1 := m.MakeSlice(m.Types.Image(), img, ir.AxisMipLevel, m.MakeU64(0), m.MakeU64(2))
	m.MakeCall(w, s1)
	s2 := m.MakeSlice(m.Types.Image(), img, ir.AxisMipLevel, m.MakeU64(2), m.MakeU64(2))
	c2 := m.MakeCall(w, s2)
	rel := m.MakeRelease(ir.AccessNone, c2.First())

	compileOne(t, m, rel)

	if s2.Node.Args[0] != s1.Node.Nth(1) {
		t.Errorf("disjoint slice was not rebased onto the remainder: src = %s", s2.Node.Args[0])
	}
}

func TestQueueInferenceFallback(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(resolvedImage(m))
	fn := colorWriteFn(m, noopCmd)
	call := m.MakeCall(fn, img)
	rel := m.MakeRelease(ir.AccessNone, call.First())

	eg := compileOne(t, m, rel)

	// UI5: every scheduled item lands on a concrete queue; with no hints
	// everything defaults to graphics.
	if len(eg.Transfer) != 0 || len(eg.Compute) != 0 {
		t.Errorf("partition sizes = %d/%d/%d, want 0/0/all",
			len(eg.Transfer), len(eg.Compute), len(eg.Graphics))
	}
	for _, it := range eg.Partitioned {
		if it.ScheduledDomain != ir.DomainGraphicsQueue {
			t.Errorf("item %s on %s, want graphics", it.Node.Kind, it.ScheduledDomain)
		}
	}
}

func TestQueueInferenceHintPropagates(t *testing.T) {
	m := ir.NewModule(nil)
	reg := m.Types
	fnTy := reg.MakeOpaqueFnTy("generate",
		[]*ir.Type{reg.MakeImbuedTy(reg.Image(), ir.AccessComputeWrite)},
		[]*ir.Type{reg.MakeAliasedTy(reg.Image(), 1)},
		ir.DomainAny)
	fn := m.MakeDeclareFn(fnTy, CommandFn(noopCmd))

	img := m.MakeAllocate(resolvedImage(m))
	call := m.MakeCall(fn, img)
	call.SchedulingInfo = &ir.SchedulingInfo{RequiredDomains: ir.DomainComputeQueue}
	rel := m.MakeRelease(ir.AccessNone, call.First())

	eg := compileOne(t, m, rel)

	if call.ScheduledItem.ScheduledDomain != ir.DomainComputeQueue {
		t.Errorf("hinted call on %s, want compute", call.ScheduledItem.ScheduledDomain)
	}
	if len(eg.Compute) == 0 {
		t.Error("compute partition is empty")
	}
	// Partition order is transfer, compute, graphics.
	seenGraphics := false
	for _, it := range eg.Partitioned {
		if it.ScheduledDomain == ir.DomainGraphicsQueue {
			seenGraphics = true
		}
		if it.ScheduledDomain == ir.DomainComputeQueue && seenGraphics {
			t.Error("compute item after a graphics item in the partition")
		}
	}
}

func TestRecompileIsNoOp(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(resolvedImage(m))
	fn := colorWriteFn(m, noopCmd)
	call := m.MakeCall(fn, img)
	rel := m.MakeRelease(ir.AccessNone, call.First())

	eg1 := compileOne(t, m, rel)

	// The second compile finds the frontier covering the whole module. It
	// may still sweep nodes the first compile's folding orphaned, so the
	// fixed point is reached by the third compile at the latest.
	eg2 := compileOne(t, m, rel)
	countAfterSecond := m.NodeCount()
	eg3 := compileOne(t, m, rel)
	if m.NodeCount() != countAfterSecond {
		t.Errorf("recompilation did not reach a fixed point: %d -> %d nodes", countAfterSecond, m.NodeCount())
	}
	if len(eg2.ItemList) != len(eg1.ItemList) || len(eg3.ItemList) != len(eg1.ItemList) {
		t.Errorf("recompilation changed the schedule: %d / %d / %d items",
			len(eg1.ItemList), len(eg2.ItemList), len(eg3.ItemList))
	}
}

func TestSameArgDifferentAccessRejected(t *testing.T) {
	m := ir.NewModule(nil)
	reg := m.Types
	fnTy := reg.MakeOpaqueFnTy("bad",
		[]*ir.Type{
			reg.MakeImbuedTy(reg.Image(), ir.AccessFragmentSampled),
			reg.MakeImbuedTy(reg.Image(), ir.AccessFragmentRead),
		},
		[]*ir.Type{reg.MakeAliasedTy(reg.Image(), 1)},
		ir.DomainAny)
	fn := m.MakeDeclareFn(fnTy, CommandFn(noopCmd))

	img := m.MakeAllocate(resolvedImage(m))
	w := colorWriteFn(m, noopCmd)
	written := m.MakeCall(w, img)
	call := m.MakeCall(fn, written.First(), written.First())
	rel := m.MakeRelease(ir.AccessNone, call.First())

	_, err := Compile(m, []*ir.Node{rel}, CompileOptions{})
	if err == nil {
		t.Fatal("same value with different accesses compiled")
	}
	if !IsKind(err, ErrStructural) {
		t.Errorf("error kind = %v, want structural", err)
	}
}

func TestInferenceFailureIsFatal(t *testing.T) {
	m := ir.NewModule(nil)
	// No extent anywhere: inference cannot resolve the attachment.
	img := m.MakeAllocate(m.DeclareImage(ir.ImageAttachment{
		CreateInfo: ir.ImageCreateInfo{
			Format: gputypes.TextureFormatRGBA8Unorm, Samples: 1, Levels: 1, Layers: 1,
		},
	}))
	fn := colorWriteFn(m, noopCmd)
	call := m.MakeCall(fn, img)
	rel := m.MakeRelease(ir.AccessNone, call.First())

	_, err := Compile(m, []*ir.Node{rel}, CompileOptions{})
	if err == nil {
		t.Fatal("unresolved attachment extent compiled")
	}
	if !IsKind(err, ErrInference) {
		t.Errorf("error = %v, want inference kind", err)
	}
}

func TestInferencePropagatesAcrossAttachments(t *testing.T) {
	m := ir.NewModule(nil)
	reg := m.Types
	fnTy := reg.MakeOpaqueFnTy("mrt",
		[]*ir.Type{
			reg.MakeImbuedTy(reg.Image(), ir.AccessColorWrite),
			reg.MakeImbuedTy(reg.Image(), ir.AccessColorWrite),
		},
		[]*ir.Type{
			reg.MakeAliasedTy(reg.Image(), 1),
			reg.MakeAliasedTy(reg.Image(), 2),
		},
		ir.DomainAny)
	fn := m.MakeDeclareFn(fnTy, CommandFn(noopCmd))

	known := m.MakeAllocate(resolvedImage(m))
	unknown := m.DeclareImage(ir.ImageAttachment{
		LevelCount: 1, LayerCount: 1,
		CreateInfo: ir.ImageCreateInfo{
			Format: gputypes.TextureFormatRGBA8Unorm, Samples: 1, Levels: 1, Layers: 1,
		},
	})
	unknownAlloc := m.MakeAllocate(unknown)
	call := m.MakeCall(fn, known, unknownAlloc)
	rel := m.MakeRelease(ir.AccessNone, call.First(), call.Nth(1))

	compileOne(t, m, rel)

	v, err := ir.Eval(unknown)
	if err != nil {
		t.Fatalf("inferred construct still not evaluable: %v", err)
	}
	ia := v.(*ir.ImageAttachment)
	if ia.CreateInfo.Extent.Width != 640 || ia.CreateInfo.Extent.Height != 480 {
		t.Errorf("inferred extent = %dx%d, want 640x480",
			ia.CreateInfo.Extent.Width, ia.CreateInfo.Extent.Height)
	}
}
