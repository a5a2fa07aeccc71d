package ir

import (
	"fmt"
	"runtime"
	"strings"
)

// NodeKind discriminates operation nodes.
type NodeKind uint8

// Node kinds.
const (
	KindGarbage NodeKind = iota
	KindPlaceholder
	KindConstant
	KindConstruct
	KindSlice
	KindConverge
	KindImport
	KindCall
	KindClear
	KindAcquire
	KindRelease
	KindAcquireNextImage
	KindUse
	KindLogicalCopy
	KindSet
	KindCast
	KindMathBinary
	KindCompilePipeline
	KindAllocate
	KindGetAllocationSize
	KindGetCI
	KindGetIVMeta
)

var nodeKindNames = [...]string{
	KindGarbage:           "garbage",
	KindPlaceholder:       "placeholder",
	KindConstant:          "constant",
	KindConstruct:         "construct",
	KindSlice:             "slice",
	KindConverge:          "converge",
	KindImport:            "import",
	KindCall:              "call",
	KindClear:             "clear",
	KindAcquire:           "acquire",
	KindRelease:           "release",
	KindAcquireNextImage:  "acquire_next_image",
	KindUse:               "use",
	KindLogicalCopy:       "logical_copy",
	KindSet:               "set",
	KindCast:              "cast",
	KindMathBinary:        "math_binary",
	KindCompilePipeline:   "compile_pipeline",
	KindAllocate:          "allocate",
	KindGetAllocationSize: "get_allocation_size",
	KindGetCI:             "get_ci",
	KindGetIVMeta:         "get_iv_meta",
}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return "kind(?)"
}

// SliceAxis names the axis a SLICE node cuts along.
type SliceAxis uint8

// Slice axes.
const (
	AxisField SliceAxis = iota
	AxisMipLevel
	AxisArrayLayer
)

// MathOp is the operation of a MATH_BINARY node.
type MathOp uint8

// Math binary operations.
const (
	MathAdd MathOp = iota
	MathSub
	MathMul
	MathDiv
	MathMod
)

// Ref selects one result of one node. The zero Ref is null.
type Ref struct {
	Node  *Node
	Index int
}

// IsZero reports whether r is the null ref.
func (r Ref) IsZero() bool { return r.Node == nil }

// Type returns the type of the selected result.
func (r Ref) Type() *Type { return r.Node.Type[r.Index] }

// Link returns the chain link of the selected result. The link overlay must
// have been built.
func (r Ref) Link() *ChainLink { return &r.Node.Links[r.Index] }

// HasLinks reports whether the producing node has a link overlay.
func (r Ref) HasLinks() bool { return r.Node.Links != nil }

func (r Ref) String() string {
	if r.Node == nil {
		return "<null>"
	}
	return fmt.Sprintf("%s@%d:%d", r.Node.Kind, r.Node.Index, r.Index)
}

// ChainLink is the per-result overlay tracking the write chain of a value.
// Def names the producing result; Prev/Next order successive revisions of the
// same storage; Reads lists consumers that do not advance the chain; Undef
// names the consumer that renders this revision inaccessible. ChildChains
// holds the sub-chains introduced by slicing. ReadSync and UndefSync are
// filled by synchronization lowering.
type ChainLink struct {
	Def         Ref
	Prev, Next  *ChainLink
	Reads       []Ref
	Undef       Ref
	ChildChains []*ChainLink

	ReadSync  *ResourceUse
	UndefSync *ResourceUse
}

// ScheduledItem pairs an executable node with the domain it was scheduled
// onto. NamingIndex is assigned during linearization for dump output.
type ScheduledItem struct {
	Node            *Node
	ScheduledDomain DomainFlags
	NamingIndex     int
}

// SchedulingInfo restricts the domains a node may be scheduled onto.
type SchedulingInfo struct {
	RequiredDomains DomainFlags
}

// SourceLoc is one frame of a node's creation trace.
type SourceLoc struct {
	File string
	Line int
	Func string
}

func (s SourceLoc) String() string { return fmt.Sprintf("%s:%d (%s)", s.File, s.Line, s.Func) }

// DebugInfo carries the creation trace and result names of a node.
type DebugInfo struct {
	Trace       []SourceLoc
	ResultNames []string
}

// AcquireRelease tracks the signal state of an acquire/release pair crossing
// the graph boundary.
type AcquireRelease struct {
	Armed bool
	// Value to wait on / signal at the submission boundary.
	Waits   []ResourceUse
	Signals []ResourceUse
}

// Node is one operation in the IR. Args is the generic argument list; its
// layout per kind is:
//
//	CONSTRUCT            args[0] template constant, args[1:] field refs
//	SLICE                args[0] src, args[1] start, args[2] count
//	CONVERGE             diverged refs
//	CALL                 args[0] callee, args[1:] parameters
//	CLEAR                args[0] dst
//	RELEASE              released sources
//	ACQUIRE_NEXT_IMAGE   args[0] swapchain
//	USE/LOGICAL_COPY/CAST/COMPILE_PIPELINE/ALLOCATE/GET_*  args[0] src
//	SET                  args[0] dst, args[1] value
//	MATH_BINARY          args[0] a, args[1] b
//
// Result counts: SLICE has three results (sliced, remainder, whole); ACQUIRE
// and RELEASE have one per source; everything else has len(Type).
type Node struct {
	Kind  NodeKind
	Index uint64
	Type  []*Type
	Args  []Ref

	// Kind-specific payloads.
	Value  any       // CONSTANT: the evaluated value; IMPORT: the handle
	Values []any     // ACQUIRE: one external value per result
	Axis   SliceAxis // SLICE
	Access Access    // USE, RELEASE (destination access), CLEAR
	Op     MathOp    // MATH_BINARY
	SetIdx int       // SET: construct argument index to overwrite

	Flag uint8 // pass-local scratch; GC ownership during collection
	Held bool  // pinned by an external handle

	DebugInfo      *DebugInfo
	SchedulingInfo *SchedulingInfo
	ScheduledItem  *ScheduledItem
	ComputeClass   DomainFlags
	AcqRel         *AcquireRelease

	// Links is the per-result chain overlay, populated by link building and
	// cleared between compiler invocations.
	Links []ChainLink

	// Exec holds the per-result runtime values bound by the executor.
	Exec []any
}

// First returns the ref of the node's first result.
func (n *Node) First() Ref { return Ref{n, 0} }

// Nth returns the ref of the node's i-th result.
func (n *Node) Nth(i int) Ref { return Ref{n, i} }

// ResultName returns the debug name of result i, or "".
func (n *Node) ResultName(i int) string {
	if n.DebugInfo == nil || i >= len(n.DebugInfo.ResultNames) {
		return ""
	}
	return n.DebugInfo.ResultNames[i]
}

func (n *Node) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%%%d = %s", n.Index, n.Kind)
	for i, a := range n.Args {
		if i == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	return b.String()
}

// FormatSourceLocation renders the creation trace of n for diagnostics.
func (n *Node) FormatSourceLocation() string {
	if n.DebugInfo == nil || len(n.DebugInfo.Trace) == 0 {
		return "<unknown>"
	}
	var b strings.Builder
	for i, loc := range n.DebugInfo.Trace {
		if i > 0 {
			b.WriteString("\n\t")
		}
		b.WriteString(loc.String())
	}
	return b.String()
}

// captureTrace records up to depth frames above the builder call.
func captureTrace(skip, depth int) []SourceLoc {
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var trace []SourceLoc
	for {
		f, more := frames.Next()
		trace = append(trace, SourceLoc{File: f.File, Line: f.Line, Func: f.Function})
		if !more {
			break
		}
	}
	return trace
}
