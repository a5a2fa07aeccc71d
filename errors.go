package framegraph

import (
	"errors"
	"fmt"

	"github.com/gogpu/framegraph/ir"
)

// ErrorKind classifies compilation and submission failures.
type ErrorKind uint8

// Error kinds.
const (
	// ErrStructural covers malformed graphs: reads from undefined values,
	// duplicated resource acquisition, incompatible convergences.
	ErrStructural ErrorKind = iota
	// ErrEvaluation covers host evaluation of non-constant values.
	ErrEvaluation
	// ErrInference covers unresolved attachment metadata.
	ErrInference
	// ErrAllocation covers backing allocator failures.
	ErrAllocation
	// ErrAPI covers failures reported by the backend encoder.
	ErrAPI
)

func (k ErrorKind) String() string {
	switch k {
	case ErrStructural:
		return "structural"
	case ErrEvaluation:
		return "evaluation"
	case ErrInference:
		return "inference"
	case ErrAllocation:
		return "allocation"
	case ErrAPI:
		return "api"
	}
	return "error(?)"
}

// GraphError is a compilation or submission failure annotated with the
// offending node and its creation trace.
type GraphError struct {
	Kind ErrorKind
	Node *ir.Node
	// Related is a second involved node, e.g. the previous acquisition of a
	// duplicated resource.
	Related *ir.Node
	Msg     string
	Err     error
}

func (e *GraphError) Error() string {
	s := fmt.Sprintf("framegraph: %s error: %s", e.Kind, e.Msg)
	if e.Node != nil {
		s += fmt.Sprintf("\n\tat %s\n\tcreated %s", e.Node, e.Node.FormatSourceLocation())
	}
	if e.Related != nil {
		s += fmt.Sprintf("\n\tpreviously %s\n\tcreated %s", e.Related, e.Related.FormatSourceLocation())
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *GraphError) Unwrap() error { return e.Err }

// Is matches GraphErrors by kind.
func (e *GraphError) Is(target error) bool {
	if o, ok := target.(*GraphError); ok {
		return e.Kind == o.Kind && o.Node == nil && o.Msg == ""
	}
	return false
}

func structuralErr(n *ir.Node, format string, args ...any) error {
	return &GraphError{Kind: ErrStructural, Node: n, Msg: fmt.Sprintf(format, args...)}
}

func evalErr(n *ir.Node, err error) error {
	return &GraphError{Kind: ErrEvaluation, Node: n, Msg: "not host-evaluable", Err: err}
}

func inferenceErr(n *ir.Node, format string, args ...any) error {
	return &GraphError{Kind: ErrInference, Node: n, Msg: fmt.Sprintf(format, args...)}
}

func allocErr(n *ir.Node, err error) error {
	return &GraphError{Kind: ErrAllocation, Node: n, Msg: "allocation failed", Err: err}
}

func apiErr(n *ir.Node, err error) error {
	return &GraphError{Kind: ErrAPI, Node: n, Msg: "encoder call failed", Err: err}
}

// IsKind reports whether err is a GraphError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *GraphError
	return errors.As(err, &ge) && ge.Kind == kind
}
