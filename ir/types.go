package ir

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
)

// TypeKind discriminates the structural variants of Type.
type TypeKind uint8

// Type kinds.
const (
	KindInteger TypeKind = iota
	KindMemory
	KindEnum
	KindEnumValue
	KindComposite
	KindArray
	KindUnion
	KindPointer
	KindImbued
	KindAliased
	KindOpaqueFn
	KindShaderFn
)

// Type is a structural type descriptor. Types are hash-consed by a Registry:
// two structurally identical types are the same pointer, so equality is
// pointer equality and HashValue is stable across the process.
type Type struct {
	Kind      TypeKind
	HashValue uint64

	// Name is a debug label for composites and functions. It does not
	// participate in structural identity except for named composites, which
	// are nominal (the builtin image and buffer types must not unify with
	// user composites of the same shape).
	Name string

	Width int // Integer: bit width

	Underlying *Type  // Enum: underlying integer; EnumValue: the enum
	EnumValue  uint64 // EnumValue

	Members     []*Type  // Composite members; Union arms
	MemberNames []string // Composite

	Elem  *Type // Array element; Pointer pointee; Imbued/Aliased inner
	Count int   // Array

	Access Access // Imbued
	RefIdx uint32 // Aliased: index of the argument this result aliases

	Args      []*Type     // OpaqueFn, ShaderFn
	Returns   []*Type     // OpaqueFn, ShaderFn
	ExecuteOn DomainFlags // OpaqueFn, ShaderFn
	Pipeline  any         // ShaderFn: pipeline handle, opaque to the IR
}

// Stripped removes one layer of Imbued or Aliased wrapping.
func (t *Type) Stripped() *Type {
	switch t.Kind {
	case KindImbued, KindAliased:
		return t.Elem
	}
	return t
}

// StrippedAll removes every Imbued/Aliased layer.
func (t *Type) StrippedAll() *Type {
	for t.Kind == KindImbued || t.Kind == KindAliased {
		t = t.Elem
	}
	return t
}

// Registry interns types. Safe for concurrent use. Factories return the
// canonical instance for the requested structure.
type Registry struct {
	mu    sync.RWMutex
	types map[uint64][]*Type

	// Builtin composites, interned at construction.
	image        *Type
	buffer       *Type
	sampledImage *Type
	sampler      *Type
	swapchain    *Type

	u64 *Type
	u32 *Type
	mem *Type
}

// NewRegistry returns a registry with the builtin types interned.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[uint64][]*Type)}
	r.mem = r.intern(&Type{Kind: KindMemory})
	r.u32 = r.MakeIntegerTy(32)
	r.u64 = r.MakeIntegerTy(64)
	r.image = r.makeNamedComposite("image", nil, nil)
	r.buffer = r.makeNamedComposite("buffer", nil, nil)
	r.sampledImage = r.makeNamedComposite("sampled_image", []*Type{r.image}, []string{"image"})
	r.sampler = r.makeNamedComposite("sampler", nil, nil)
	r.swapchain = r.makeNamedComposite("swapchain", nil, nil)
	return r
}

// Builtin accessors. The returned types are the well-known handles the
// compiler passes key on.

func (r *Registry) Image() *Type        { return r.image }
func (r *Registry) Buffer() *Type       { return r.buffer }
func (r *Registry) SampledImage() *Type { return r.sampledImage }
func (r *Registry) Sampler() *Type      { return r.sampler }
func (r *Registry) Swapchain() *Type    { return r.swapchain }
func (r *Registry) Memory() *Type       { return r.mem }
func (r *Registry) U32() *Type          { return r.u32 }
func (r *Registry) U64() *Type          { return r.u64 }

func hashType(t *Type) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	put(uint64(t.Kind))
	put(uint64(t.Width))
	put(t.EnumValue)
	put(uint64(t.Count))
	put(uint64(t.Access))
	put(uint64(t.RefIdx))
	put(uint64(t.ExecuteOn))
	h.Write([]byte(t.Name))
	sub := func(s *Type) {
		if s != nil {
			put(s.HashValue)
		}
	}
	sub(t.Underlying)
	sub(t.Elem)
	for _, m := range t.Members {
		sub(m)
	}
	for _, n := range t.MemberNames {
		h.Write([]byte(n))
	}
	for _, a := range t.Args {
		sub(a)
	}
	for _, rt := range t.Returns {
		sub(rt)
	}
	return h.Sum64()
}

func structuralEqual(a, b *Type) bool {
	if a.Kind != b.Kind || a.Width != b.Width || a.EnumValue != b.EnumValue ||
		a.Count != b.Count || a.Access != b.Access || a.RefIdx != b.RefIdx ||
		a.ExecuteOn != b.ExecuteOn || a.Name != b.Name {
		return false
	}
	if a.Underlying != b.Underlying || a.Elem != b.Elem {
		return false
	}
	if len(a.Members) != len(b.Members) || len(a.MemberNames) != len(b.MemberNames) ||
		len(a.Args) != len(b.Args) || len(a.Returns) != len(b.Returns) {
		return false
	}
	for i := range a.Members {
		if a.Members[i] != b.Members[i] {
			return false
		}
	}
	for i := range a.MemberNames {
		if a.MemberNames[i] != b.MemberNames[i] {
			return false
		}
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	for i := range a.Returns {
		if a.Returns[i] != b.Returns[i] {
			return false
		}
	}
	return a.Pipeline == b.Pipeline
}

func (r *Registry) intern(t *Type) *Type {
	t.HashValue = hashType(t)

	r.mu.RLock()
	for _, c := range r.types[t.HashValue] {
		if structuralEqual(c, t) {
			r.mu.RUnlock()
			return c
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.types[t.HashValue] {
		if structuralEqual(c, t) {
			return c
		}
	}
	r.types[t.HashValue] = append(r.types[t.HashValue], t)
	return t
}

func (r *Registry) makeNamedComposite(name string, members []*Type, names []string) *Type {
	return r.intern(&Type{Kind: KindComposite, Name: name, Members: members, MemberNames: names})
}

// MakeIntegerTy returns the integer type of the given bit width.
func (r *Registry) MakeIntegerTy(width int) *Type {
	return r.intern(&Type{Kind: KindInteger, Width: width})
}

// MakeEnumTy returns an enum over the given underlying integer type.
func (r *Registry) MakeEnumTy(name string, underlying *Type) *Type {
	return r.intern(&Type{Kind: KindEnum, Name: name, Underlying: underlying})
}

// MakeEnumValueTy returns the singleton type of one enum value.
func (r *Registry) MakeEnumValueTy(enum *Type, value uint64) *Type {
	return r.intern(&Type{Kind: KindEnumValue, Underlying: enum, EnumValue: value})
}

// MakeCompositeTy returns a named composite with the given members.
func (r *Registry) MakeCompositeTy(name string, members []*Type, memberNames []string) *Type {
	return r.intern(&Type{Kind: KindComposite, Name: name, Members: members, MemberNames: memberNames})
}

// MakeArrayTy returns the array type of count elements.
func (r *Registry) MakeArrayTy(elem *Type, count int) *Type {
	return r.intern(&Type{Kind: KindArray, Elem: elem, Count: count})
}

// MakeUnionTy returns the union of the given arms.
func (r *Registry) MakeUnionTy(arms []*Type) *Type {
	return r.intern(&Type{Kind: KindUnion, Members: arms})
}

// MakePointerTy returns the pointer type to pointee.
func (r *Registry) MakePointerTy(pointee *Type) *Type {
	return r.intern(&Type{Kind: KindPointer, Elem: pointee})
}

// MakeImbuedTy wraps inner with an access annotation for use as a function
// parameter type.
func (r *Registry) MakeImbuedTy(inner *Type, access Access) *Type {
	return r.intern(&Type{Kind: KindImbued, Elem: inner, Access: access})
}

// MakeAliasedTy declares a function result to be the same storage as the
// refIdx-th argument.
func (r *Registry) MakeAliasedTy(inner *Type, refIdx uint32) *Type {
	return r.intern(&Type{Kind: KindAliased, Elem: inner, RefIdx: refIdx})
}

// MakeOpaqueFnTy returns the type of a host-provided callback taking args and
// producing returns, restricted to the executeOn domains.
func (r *Registry) MakeOpaqueFnTy(name string, args, returns []*Type, executeOn DomainFlags) *Type {
	return r.intern(&Type{Kind: KindOpaqueFn, Name: name, Args: args, Returns: returns, ExecuteOn: executeOn})
}

// MakeShaderFnTy returns the type of a pipeline dispatch with reflected
// parameter types. The pipeline handle participates in identity.
func (r *Registry) MakeShaderFnTy(name string, args, returns []*Type, executeOn DomainFlags, pipeline any) *Type {
	return r.intern(&Type{Kind: KindShaderFn, Name: name, Args: args, Returns: returns, ExecuteOn: executeOn, Pipeline: pipeline})
}

// IsImageView reports whether t (stripped) is the builtin image type.
func (r *Registry) IsImageView(t *Type) bool {
	return t.StrippedAll() == r.image
}

// IsBufferlikeView reports whether t (stripped) is the builtin buffer type or
// a pointer to one.
func (r *Registry) IsBufferlikeView(t *Type) bool {
	t = t.StrippedAll()
	if t.Kind == KindPointer {
		t = t.Elem.StrippedAll()
	}
	return t == r.buffer
}

// IsSynchronized reports whether values of t require access synchronization:
// images, buffers, swapchains and aggregates of them. Plain integers and
// enums are value-copied and never synchronized.
func (r *Registry) IsSynchronized(t *Type) bool {
	t = t.StrippedAll()
	switch t.Kind {
	case KindArray:
		return r.IsSynchronized(t.Elem)
	case KindUnion:
		for _, arm := range t.Members {
			if r.IsSynchronized(arm) {
				return true
			}
		}
		return false
	}
	return t == r.image || t == r.buffer || t == r.sampledImage || t == r.swapchain
}
