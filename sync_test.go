package framegraph

import (
	"testing"

	"github.com/gogpu/framegraph/ir"
)

func readerFns(m *ir.Module, accesses ...ir.Access) []ir.Ref {
	reg := m.Types
	out := make([]ir.Ref, len(accesses))
	for i, a := range accesses {
		fnTy := reg.MakeOpaqueFnTy("reader",
			[]*ir.Type{reg.MakeImbuedTy(reg.Image(), a)},
			[]*ir.Type{reg.MakeAliasedTy(reg.Image(), 1)},
			ir.DomainAny)
		out[i] = m.MakeDeclareFn(fnTy, CommandFn(noopCmd))
	}
	return out
}

// compileReaders builds write -> N readers -> release and returns the link
// carrying the merged read sync.
func compileReaders(t *testing.T, accesses ...ir.Access) *ir.ChainLink {
	t.Helper()
	m := ir.NewModule(nil)
	img := m.MakeAllocate(resolvedImage(m))
	w := colorWriteFn(m, noopCmd)
	written := m.MakeCall(w, img)

	srcs := []ir.Ref{written.First()}
	for _, fn := range readerFns(m, accesses...) {
		srcs = append(srcs, m.MakeCall(fn, written.First()).First())
	}
	rel := m.MakeRelease(ir.AccessNone, srcs...)

	compileOne(t, m, rel)
	return written.Nth(0).Link()
}

func TestReadMergeSampledOnly(t *testing.T) {
	link := compileReaders(t, ir.AccessFragmentSampled, ir.AccessFragmentSampled)
	if link.ReadSync == nil {
		t.Fatal("no merged read sync")
	}
	if link.ReadSync.Layout != ir.LayoutReadOnlyOptimal {
		t.Errorf("merged layout = %v, want read_only_optimal", link.ReadSync.Layout)
	}
	if link.ReadSync.Stages&ir.StageFragmentShader == 0 {
		t.Error("merged stages missing fragment shader")
	}
	if link.ReadSync.Access&ir.AccessFlagShaderRead == 0 {
		t.Error("merged access missing shader read")
	}
}

func TestReadMergeTransferOnly(t *testing.T) {
	link := compileReaders(t, ir.AccessTransferRead)
	if link.ReadSync == nil {
		t.Fatal("no merged read sync")
	}
	if link.ReadSync.Layout != ir.LayoutTransferSrcOptimal {
		t.Errorf("merged layout = %v, want transfer_src_optimal", link.ReadSync.Layout)
	}
}

func TestReadMergeTransferAndSampled(t *testing.T) {
	link := compileReaders(t, ir.AccessTransferRead, ir.AccessFragmentSampled)
	if link.ReadSync == nil {
		t.Fatal("no merged read sync")
	}
	// Transfer and read-only coexist: only the general layout serves both.
	if link.ReadSync.Layout != ir.LayoutGeneral {
		t.Errorf("merged layout = %v, want general", link.ReadSync.Layout)
	}
	if link.ReadSync.Stages&ir.StageTransfer == 0 || link.ReadSync.Stages&ir.StageFragmentShader == 0 {
		t.Errorf("merged stages = %b, want transfer|fragment", link.ReadSync.Stages)
	}
}

func TestReadMergeStorage(t *testing.T) {
	link := compileReaders(t, ir.AccessComputeRead)
	if link.ReadSync == nil {
		t.Fatal("no merged read sync")
	}
	if link.ReadSync.Layout != ir.LayoutGeneral {
		t.Errorf("merged layout = %v, want general", link.ReadSync.Layout)
	}
}

func TestWriteSyncLowered(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(resolvedImage(m))
	w := colorWriteFn(m, noopCmd)
	written := m.MakeCall(w, img)
	rel := m.MakeRelease(ir.AccessNone, written.First())

	compileOne(t, m, rel)

	link := written.Args[1].Link()
	if link.UndefSync == nil {
		t.Fatal("write has no undef sync")
	}
	want := ir.ToUse(ir.AccessColorWrite)
	if *link.UndefSync != want {
		t.Errorf("undef sync = %+v, want %+v", *link.UndefSync, want)
	}
}

func TestReleaseCrossDomainConservative(t *testing.T) {
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
	rel.SchedulingInfo = &ir.SchedulingInfo{RequiredDomains: ir.DomainGraphicsQueue}

	compileOne(t, m, rel)

	if call.ScheduledItem.ScheduledDomain == rel.ScheduledItem.ScheduledDomain {
		t.Skip("queue inference co-located producer and release")
	}
	link := rel.Args[0].Link()
	if link.UndefSync == nil {
		t.Fatal("cross-domain release has no undef sync")
	}
	want := ir.ToUse(ir.AccessMemoryRW)
	if *link.UndefSync != want {
		t.Errorf("release sync = %+v, want conservative %+v", *link.UndefSync, want)
	}
}

func TestReleaseExplicitAccess(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(resolvedImage(m))
	w := colorWriteFn(m, noopCmd)
	written := m.MakeCall(w, img)
	rel := m.MakeRelease(ir.AccessFragmentSampled, written.First())

	compileOne(t, m, rel)

	link := rel.Args[0].Link()
	if link.UndefSync == nil {
		t.Fatal("release with explicit access has no undef sync")
	}
	if link.UndefSync.Layout != ir.LayoutShaderReadOnlyOptimal {
		t.Errorf("release layout = %v, want shader_read_only", link.UndefSync.Layout)
	}
}

func TestNamingIndicesAdvanceByResultCount(t *testing.T) {
	m := ir.NewModule(nil)
	img := m.MakeAllocate(mipImage(m, 4))
	w := colorWriteFn(m, noopCmd)
	sliced := m.MakeSlice(m.Types.Image(), img, ir.AxisMipLevel, m.MakeU64(0), m.MakeU64(2))
	written := m.MakeCall(w, sliced)
	rel := m.MakeRelease(ir.AccessNone, written.First())

	eg := compileOne(t, m, rel)

	next := 0
	for _, it := range eg.ItemList {
		if it.NamingIndex != next {
			t.Fatalf("item %s naming index = %d, want %d", it.Node.Kind, it.NamingIndex, next)
		}
		next += len(it.Node.Type)
	}
}

func TestToUseTotal(t *testing.T) {
	for a := ir.AccessNone; a <= ir.AccessMemoryRW; a++ {
		use := ir.ToUse(a)
		if a == ir.AccessNone {
			if use.Layout != ir.LayoutUndefined {
				t.Errorf("ToUse(none).Layout = %v", use.Layout)
			}
			continue
		}
		if use.Stages == 0 {
			t.Errorf("ToUse(%v) has no stages", a)
		}
		if a.IsWriteAccess() && !use.Access.IsWrite() {
			t.Errorf("ToUse(%v) lost its write access bit", a)
		}
	}
}
