package ir

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Builders. Every builder appends a node to the arena and returns a ref to
// its primary result. Argument refs must come from this module or from a
// module compiled together with it.

// MakeConstant returns a new CONSTANT node of type t holding v.
func (m *Module) MakeConstant(t *Type, v any) Ref {
	n := m.emit(&Node{Kind: KindConstant, Type: []*Type{t}, Value: v})
	return n.First()
}

// MakeU64 returns a 64-bit integer constant.
func (m *Module) MakeU64(v uint64) Ref {
	return m.MakeConstant(m.Types.U64(), v)
}

// MakePlaceholder returns a PLACEHOLDER of type t; its value is expected to
// be filled by inference or a SET node before execution.
func (m *Module) MakePlaceholder(t *Type) Ref {
	n := m.emit(&Node{Kind: KindPlaceholder, Type: []*Type{t}})
	return n.First()
}

// MakeImport wraps an externally-created handle as an IR value.
func (m *Module) MakeImport(t *Type, handle any) Ref {
	n := m.emit(&Node{Kind: KindImport, Type: []*Type{t}, Value: handle})
	return n.First()
}

// MakeConstruct builds a composite of type t from a template constant and
// per-field refs. Field refs may be placeholders; SET nodes and inference
// overwrite them.
func (m *Module) MakeConstruct(t *Type, template Ref, fields ...Ref) Ref {
	args := append([]Ref{template}, fields...)
	n := m.emit(&Node{Kind: KindConstruct, Type: []*Type{t}, Args: args})
	return n.First()
}

// DeclareImage declares an image resource. Unknown create-info fields are
// emitted as placeholders so they can be inferred or SET later.
func (m *Module) DeclareImage(ia ImageAttachment) Ref {
	t := m.Types.Image()
	u32 := m.Types.U32()
	template := m.MakeConstant(t, &ia)
	field := func(known bool, v uint64) Ref {
		if known {
			return m.MakeConstant(u32, v)
		}
		return m.MakePlaceholder(u32)
	}
	ci := ia.CreateInfo
	fields := []Ref{
		field(ci.Extent.Width != 0, uint64(ci.Extent.Width)),
		field(ci.Extent.Height != 0, uint64(ci.Extent.Height)),
		field(ci.Format != gputypes.TextureFormatUndefined, uint64(ci.Format)),
		field(ci.Samples != 0, uint64(ci.Samples)),
		field(ci.Levels != 0, uint64(ci.Levels)),
		field(ci.Layers != 0, uint64(ci.Layers)),
	}
	return m.MakeConstruct(t, template, fields...)
}

// Construct field indices of DeclareImage, usable with MakeSet.
const (
	ImageFieldWidth = iota
	ImageFieldHeight
	ImageFieldFormat
	ImageFieldSamples
	ImageFieldLevels
	ImageFieldLayers
)

// DeclareBuffer declares a buffer resource.
func (m *Module) DeclareBuffer(buf Buffer) Ref {
	t := m.Types.Buffer()
	template := m.MakeConstant(t, &buf)
	size := m.MakeConstant(m.Types.U64(), buf.Size)
	return m.MakeConstruct(t, template, size)
}

// MakeSlice splits src along axis into [start, start+count) and its
// complement. The node has three results: the sliced view, the remainder,
// and the whole-resource continuation consumed by a later converge.
func (m *Module) MakeSlice(sliced *Type, src Ref, axis SliceAxis, start, count Ref) Ref {
	srcT := src.Type().StrippedAll()
	n := m.emit(&Node{
		Kind: KindSlice,
		Type: []*Type{sliced, srcT, srcT},
		Args: []Ref{src, start, count},
		Axis: axis,
	})
	return n.First()
}

// MakeExtract selects member idx of a composite or union; it is a field-axis
// slice of width one.
func (m *Module) MakeExtract(src Ref, idx int) Ref {
	srcT := src.Type().StrippedAll()
	var memberT *Type
	switch srcT.Kind {
	case KindComposite, KindUnion:
		memberT = srcT.Members[idx]
	case KindArray:
		memberT = srcT.Elem
	default:
		memberT = srcT
	}
	return m.MakeSlice(memberT, src, AxisField, m.MakeU64(uint64(idx)), m.MakeU64(1))
}

// MakeConverge re-merges diverged slices of one resource into a single value
// of type t. diverged[0] must be the chain being continued.
func (m *Module) MakeConverge(t *Type, diverged []Ref) Ref {
	n := m.emit(&Node{Kind: KindConverge, Type: []*Type{t}, Args: diverged})
	return n.First()
}

// MakeAcquire brings externally-owned values into the graph. One result per
// type, seeded from values at execution.
func (m *Module) MakeAcquire(types []*Type, values []any) *Node {
	if len(types) != len(values) {
		panic(fmt.Sprintf("ir: acquire with %d types but %d values", len(types), len(values)))
	}
	return m.emit(&Node{Kind: KindAcquire, Type: types, Values: values, AcqRel: &AcquireRelease{Armed: true}})
}

// AcquireSwapchain acquires a swapchain handle.
func (m *Module) AcquireSwapchain(swp *Swapchain) Ref {
	n := m.MakeAcquire([]*Type{m.Types.Swapchain()}, []any{swp})
	return n.First()
}

// AcquireImage acquires an externally-created image.
func (m *Module) AcquireImage(ia *ImageAttachment) Ref {
	n := m.MakeAcquire([]*Type{m.Types.Image()}, []any{ia})
	return n.First()
}

// AcquireBuffer acquires an externally-created buffer.
func (m *Module) AcquireBuffer(buf *Buffer) Ref {
	n := m.MakeAcquire([]*Type{m.Types.Buffer()}, []any{buf})
	return n.First()
}

// MakeAcquireNextImage obtains the next presentable image of a swapchain.
func (m *Module) MakeAcquireNextImage(swapchain Ref) Ref {
	n := m.emit(&Node{
		Kind: KindAcquireNextImage,
		Type: []*Type{m.Types.Image()},
		Args: []Ref{swapchain},
	})
	return n.First()
}

// MakeRelease passes values out of the graph. dstAccess, when not
// AccessNone, is the access the external consumer performs.
func (m *Module) MakeRelease(dstAccess Access, srcs ...Ref) *Node {
	types := make([]*Type, len(srcs))
	for i, s := range srcs {
		types[i] = s.Type().StrippedAll()
	}
	return m.emit(&Node{
		Kind:   KindRelease,
		Type:   types,
		Args:   srcs,
		Access: dstAccess,
		AcqRel: &AcquireRelease{Armed: true},
	})
}

// MakeUse marks a bare use of src with the given access; with AccessNone the
// synchronization is borrowed from the contributing converge branch.
func (m *Module) MakeUse(src Ref, access Access) Ref {
	n := m.emit(&Node{
		Kind:   KindUse,
		Type:   []*Type{src.Type().StrippedAll()},
		Args:   []Ref{src},
		Access: access,
	})
	return n.First()
}

// MakeLogicalCopy aliases src under a new def without copying storage.
func (m *Module) MakeLogicalCopy(src Ref) Ref {
	n := m.emit(&Node{
		Kind: KindLogicalCopy,
		Type: []*Type{src.Type().StrippedAll()},
		Args: []Ref{src},
	})
	return n.First()
}

// MakeClear clears an image to a constant color.
func (m *Module) MakeClear(dst Ref, color ClearColor) Ref {
	n := m.emit(&Node{
		Kind:   KindClear,
		Type:   []*Type{dst.Type().StrippedAll()},
		Args:   []Ref{dst},
		Value:  color,
		Access: AccessTransferClear,
	})
	return n.First()
}

// MakeSet overwrites construct field idx of dst with value before linking.
func (m *Module) MakeSet(dst, value Ref, idx int) *Node {
	return m.emit(&Node{Kind: KindSet, Args: []Ref{dst, value}, SetIdx: idx})
}

// MakeCast converts src to type t.
func (m *Module) MakeCast(t *Type, src Ref) Ref {
	n := m.emit(&Node{Kind: KindCast, Type: []*Type{t}, Args: []Ref{src}})
	return n.First()
}

// MakeMathBinary applies op to two integer values.
func (m *Module) MakeMathBinary(op MathOp, a, b Ref) Ref {
	n := m.emit(&Node{
		Kind: KindMathBinary,
		Type: []*Type{a.Type().StrippedAll()},
		Args: []Ref{a, b},
		Op:   op,
	})
	return n.First()
}

// MakeDeclareFn wraps a callable as a constant of the given function type.
// For opaque functions fn is the host callback invoked by the executor; for
// shader functions it is ignored (the pipeline rides on the type).
func (m *Module) MakeDeclareFn(fnTy *Type, fn any) Ref {
	if fnTy.Kind != KindOpaqueFn && fnTy.Kind != KindShaderFn {
		panic("ir: MakeDeclareFn requires a function type")
	}
	return m.MakeConstant(fnTy, fn)
}

// MakeCall invokes fn with params. Result types come from the function
// type's returns, which must all be aliased types.
func (m *Module) MakeCall(fn Ref, params ...Ref) *Node {
	fnTy := fn.Type()
	if fnTy.Kind != KindOpaqueFn && fnTy.Kind != KindShaderFn && fnTy.Kind != KindMemory {
		panic("ir: MakeCall on a non-function value")
	}
	types := append([]*Type(nil), fnTy.Returns...)
	if fnTy.Kind == KindMemory {
		// Pipeline-description call: provisional one-result-per-parameter
		// until the pipeline's reflection retypes the node.
		types = make([]*Type, len(params))
		for i, p := range params {
			types[i] = p.Type().StrippedAll()
		}
	}
	args := append([]Ref{fn}, params...)
	return m.emit(&Node{Kind: KindCall, Type: types, Args: args})
}

// MakeDeclareUnion merges aliasing views into a single union value so later
// passes see one resource.
func (m *Module) MakeDeclareUnion(members []Ref) Ref {
	arms := make([]*Type, len(members))
	for i, mr := range members {
		arms[i] = mr.Type().StrippedAll()
	}
	ut := m.Types.MakeUnionTy(arms)
	template := m.MakeConstant(ut, nil)
	return m.MakeConstruct(ut, template, members...)
}

// MakeCompilePipeline compiles a pipeline create-info into a pipeline handle.
func (m *Module) MakeCompilePipeline(src Ref) Ref {
	n := m.emit(&Node{Kind: KindCompilePipeline, Type: []*Type{m.Types.Memory()}, Args: []Ref{src}})
	return n.First()
}

// MakeAllocate requests a transient resource matching the descriptor
// produced by src; the result aliases src.
func (m *Module) MakeAllocate(src Ref) Ref {
	n := m.emit(&Node{Kind: KindAllocate, Type: []*Type{src.Type().StrippedAll()}, Args: []Ref{src}})
	return n.First()
}

// MakeGetAllocationSize projects the byte size out of a buffer value.
func (m *Module) MakeGetAllocationSize(ptr Ref) Ref {
	n := m.emit(&Node{Kind: KindGetAllocationSize, Type: []*Type{m.Types.U64()}, Args: []Ref{ptr}})
	return n.First()
}

// MakeGetCI projects the creation info out of a resource value.
func (m *Module) MakeGetCI(src Ref) Ref {
	n := m.emit(&Node{Kind: KindGetCI, Type: []*Type{m.Types.Memory()}, Args: []Ref{src}})
	return n.First()
}

// MakeGetIVMeta projects the view metadata out of an image view.
func (m *Module) MakeGetIVMeta(imageview Ref) Ref {
	n := m.emit(&Node{Kind: KindGetIVMeta, Type: []*Type{m.Types.Memory()}, Args: []Ref{imageview}})
	return n.First()
}
