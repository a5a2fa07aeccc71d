package ir

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// ErrNotConstant reports that a value depends on something only known at
// execution time.
var ErrNotConstant = errors.New("ir: value is not host-evaluable")

// Eval interprets a ref on the host and returns its value as a plain Go
// value. Eval is pure: it never mutates the graph and repeated evaluation of
// the same ref yields equal output. Values that depend on placeholders or
// device execution return an error wrapping ErrNotConstant.
func Eval(r Ref) (any, error) {
	n := r.Node
	switch n.Kind {
	case KindConstant, KindImport:
		return n.Value, nil

	case KindPlaceholder:
		return nil, fmt.Errorf("%w: %s depends on an unfilled placeholder", ErrNotConstant, r)

	case KindAcquire:
		return n.Values[r.Index], nil

	case KindConstruct:
		return evalConstruct(n)

	case KindSlice:
		return evalSlice(r)

	case KindConverge:
		return Eval(n.Args[0])

	case KindUse, KindLogicalCopy, KindCast, KindClear:
		return Eval(n.Args[0])

	case KindMathBinary:
		a, err := EvalUint(n.Args[0])
		if err != nil {
			return nil, err
		}
		b, err := EvalUint(n.Args[1])
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case MathAdd:
			return a + b, nil
		case MathSub:
			return a - b, nil
		case MathMul:
			return a * b, nil
		case MathDiv:
			if b == 0 {
				return nil, fmt.Errorf("ir: division by zero in %s", r)
			}
			return a / b, nil
		case MathMod:
			if b == 0 {
				return nil, fmt.Errorf("ir: division by zero in %s", r)
			}
			return a % b, nil
		}
		return nil, fmt.Errorf("ir: unknown math op %d", n.Op)

	case KindGetCI:
		v, err := Eval(n.Args[0])
		if err != nil {
			return nil, err
		}
		switch res := v.(type) {
		case *ImageAttachment:
			ci := res.CreateInfo
			return ci, nil
		case *Buffer:
			meta := *res
			meta.Handle = nil
			meta.Mapped = nil
			return meta, nil
		}
		return nil, fmt.Errorf("ir: get_ci of non-resource %T", v)

	case KindGetAllocationSize:
		v, err := Eval(n.Args[0])
		if err != nil {
			return nil, err
		}
		if buf, ok := v.(*Buffer); ok {
			return buf.Size, nil
		}
		return nil, fmt.Errorf("ir: get_allocation_size of non-buffer %T", v)

	case KindGetIVMeta:
		v, err := Eval(n.Args[0])
		if err != nil {
			return nil, err
		}
		if ia, ok := v.(*ImageAttachment); ok {
			return ImageViewMeta{
				BaseLevel:  ia.BaseLevel,
				LevelCount: ia.LevelCount,
				BaseLayer:  ia.BaseLayer,
				LayerCount: ia.LayerCount,
				Format:     ia.CreateInfo.Format,
			}, nil
		}
		return nil, fmt.Errorf("ir: get_iv_meta of non-image %T", v)
	}

	return nil, fmt.Errorf("%w: %s executes at runtime", ErrNotConstant, r)
}

// EvalUint evaluates a ref and coerces the result to uint64.
func EvalUint(r Ref) (uint64, error) {
	v, err := Eval(r)
	if err != nil {
		return 0, err
	}
	return coerceUint(v, r)
}

func coerceUint(v any, r Ref) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case uint32:
		return uint64(x), nil
	case int:
		return uint64(x), nil
	case int64:
		return uint64(x), nil
	}
	return 0, fmt.Errorf("ir: %s evaluated to %T, want integer", r, v)
}

func evalConstruct(n *Node) (any, error) {
	template, err := Eval(n.Args[0])
	if err != nil {
		return nil, err
	}

	switch t := template.(type) {
	case *ImageAttachment:
		ia := *t
		fields := n.Args[1:]
		get := func(i int) (uint64, bool, error) {
			if i >= len(fields) {
				return 0, false, nil
			}
			v, err := EvalUint(fields[i])
			if err != nil {
				return 0, false, err
			}
			return v, true, nil
		}
		type slot struct {
			idx int
			set func(uint64)
		}
		for _, s := range []slot{
			{ImageFieldWidth, func(v uint64) { ia.CreateInfo.Extent.Width = uint32(v) }},
			{ImageFieldHeight, func(v uint64) { ia.CreateInfo.Extent.Height = uint32(v) }},
			{ImageFieldFormat, func(v uint64) { ia.CreateInfo.Format = gputypes.TextureFormat(v) }},
			{ImageFieldSamples, func(v uint64) { ia.CreateInfo.Samples = uint32(v) }},
			{ImageFieldLevels, func(v uint64) { ia.CreateInfo.Levels = uint32(v) }},
			{ImageFieldLayers, func(v uint64) { ia.CreateInfo.Layers = uint32(v) }},
		} {
			v, ok, err := get(s.idx)
			if err != nil {
				return nil, err
			}
			if ok {
				s.set(v)
			}
		}
		return &ia, nil

	case *Buffer:
		buf := *t
		if len(n.Args) > 1 {
			sz, err := EvalUint(n.Args[1])
			if err != nil {
				return nil, err
			}
			buf.Size = sz
		}
		return &buf, nil

	case nil:
		// Union construct: the value is the list of member values.
		members := make([]any, 0, len(n.Args)-1)
		for _, a := range n.Args[1:] {
			v, err := Eval(a)
			if err != nil {
				return nil, err
			}
			members = append(members, v)
		}
		return members, nil
	}

	return template, nil
}

func evalSlice(r Ref) (any, error) {
	n := r.Node
	if r.Index == 2 {
		// The whole-resource continuation carries the source value.
		return Eval(n.Args[0])
	}

	src, err := Eval(n.Args[0])
	if err != nil {
		return nil, err
	}
	start, err := EvalUint(n.Args[1])
	if err != nil {
		return nil, err
	}
	count, err := EvalUint(n.Args[2])
	if err != nil {
		return nil, err
	}

	switch v := src.(type) {
	case *ImageAttachment:
		ia := *v
		switch n.Axis {
		case AxisMipLevel:
			if r.Index == 0 {
				ia.BaseLevel = v.BaseLevel + uint32(start)
				ia.LevelCount = uint32(count)
			} else {
				// Remainder: the levels after the cut. A cut not anchored at
				// the base leaves a disjoint head handled by nested slices.
				ia.BaseLevel = v.BaseLevel + uint32(start+count)
				if v.LevelCount > uint32(start+count) {
					ia.LevelCount = v.LevelCount - uint32(start+count)
				} else {
					ia.LevelCount = 0
				}
			}
		case AxisArrayLayer:
			if r.Index == 0 {
				ia.BaseLayer = v.BaseLayer + uint32(start)
				ia.LayerCount = uint32(count)
			} else {
				ia.BaseLayer = v.BaseLayer + uint32(start+count)
				if v.LayerCount > uint32(start+count) {
					ia.LayerCount = v.LayerCount - uint32(start+count)
				} else {
					ia.LayerCount = 0
				}
			}
		case AxisField:
			return nil, fmt.Errorf("ir: field slice of image %s", r)
		}
		return &ia, nil

	case *Buffer:
		if r.Index == 0 {
			nb := v.Subrange(start, count)
			return &nb, nil
		}
		nb := v.Subrange(start+count, v.Size-(start+count))
		return &nb, nil

	case []any:
		if n.Axis == AxisField {
			if r.Index == 0 {
				if count == 1 {
					return v[start], nil
				}
				return v[start : start+count], nil
			}
			rest := make([]any, 0, len(v))
			rest = append(rest, v[:start]...)
			rest = append(rest, v[start+count:]...)
			return rest, nil
		}
	}

	return nil, fmt.Errorf("ir: cannot slice %T at %s", src, r)
}
