package framegraph

import (
	"sort"

	"github.com/gogpu/framegraph/internal/radix"
	"github.com/gogpu/framegraph/ir"
)

// linker builds the per-result chain overlay. In fresh mode a second writer
// is a structural error; in implicit (SSA) mode the linker rewrites the
// consumer against the latest revision, eliding convergences where a slice
// relationship allows it.
type linker struct {
	c     *Compiler
	doSSA bool

	// bufRanges detects overlapping buffer acquisitions; overlaps are merged
	// into a union declaration so later passes see one resource.
	bufRanges *radix.Tree[*ir.ChainLink]
}

func newLinker(c *Compiler, doSSA bool) *linker {
	return &linker{c: c, doSSA: doSSA, bufRanges: radix.New[*ir.ChainLink]()}
}

// link allocates and populates the overlay of every node, in index order.
func (l *linker) link(nodes []*ir.Node) error {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	for _, n := range nodes {
		l.allocateLinks(n)
	}
	for _, n := range nodes {
		if err := l.processNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (l *linker) allocateLinks(n *ir.Node) {
	if n.Links == nil {
		n.Links = make([]ir.ChainLink, len(n.Type))
	}
}

// initExternal gives an already-linked-elsewhere node a self-def overlay.
func (l *linker) initExternal(n *ir.Node) {
	l.allocateLinks(n)
	for i := range n.Type {
		n.Links[i].Def = ir.Ref{Node: n, Index: i}
	}
}

// addNode registers a node synthesized mid-linking: its overlay is built
// immediately and it joins the node set after the pass.
func (l *linker) addNode(n *ir.Node) error {
	l.allocateLinks(n)
	if err := l.processNode(n); err != nil {
		return err
	}
	l.c.newNodes = append(l.c.newNodes, n)
	return nil
}

// cut is the region a slice removes from its source.
type cut struct {
	axis         ir.SliceAxis
	start, count uint64
}

func sliceCut(n *ir.Node) (cut, error) {
	start, err := ir.EvalUint(n.Args[1])
	if err != nil {
		return cut{}, evalErr(n, err)
	}
	count, err := ir.EvalUint(n.Args[2])
	if err != nil {
		return cut{}, evalErr(n, err)
	}
	return cut{axis: n.Axis, start: start, count: count}, nil
}

// shrinks reports whether c is contained in o.
func (c cut) shrinks(o cut) bool {
	return c.axis == o.axis && c.start >= o.start && c.start+c.count <= o.start+o.count
}

// intersects reports whether c and o overlap. Cuts along different axes are
// conservatively treated as overlapping.
func (c cut) intersects(o cut) bool {
	if c.axis != o.axis {
		return true
	}
	return c.start < o.start+o.count && o.start < c.start+c.count
}

// walkWrites finds the latest revision of parm's storage for a new consumer.
// It winds the write chain to its tail; a consumed tail is handled by kind:
//
//   - SLICE: if the new consumer is itself a slice contained in the old cut,
//     the convergence is elided by rebasing the new slice (or degrading it to
//     a logical copy when it selects exactly one field); if it lies in the
//     complement, it is rebased onto the remainder; otherwise a convergence
//     over the slice tails is synthesized.
//   - CONVERGE: the slice is replicated against the converged value.
//   - CONSTRUCT of a union: an extract is synthesized.
func (l *linker) walkWrites(node *ir.Node, parm ir.Ref) (ir.Ref, error) {
	link := parm.Link()
	for link.Next != nil {
		link = link.Next
	}

	if link.Undef.IsZero() {
		return link.Def, nil
	}

	undefNode := link.Undef.Node
	switch {
	case undefNode.Kind == ir.KindSlice:
		// The chain was consumed by slice S. If the new consumer is a slice
		// S' we may elide the convergence.
		forbidElision := undefNode.Nth(2).Type().Kind == ir.KindUnion
		if node.Kind == ir.KindSlice && !forbidElision {
			scopeS, err := sliceCut(undefNode)
			if err != nil {
				return ir.Ref{}, err
			}
			scopeSp, err := sliceCut(node)
			if err != nil {
				return ir.Ref{}, err
			}

			if scopeSp.shrinks(scopeS) {
				newStart := scopeSp.start - scopeS.start
				if newStart == 0 && scopeSp.count == 1 && node.Axis == ir.AxisField {
					// Identity cut: the new slice selects exactly what the
					// old one produced; degrade to a logical copy.
					src := node.Args[0]
					node.Kind = ir.KindLogicalCopy
					node.Args = []ir.Ref{src}
					node.Type = node.Type[:1]
					return l.walkWrites(node, undefNode.Nth(0))
				}
				node.Args[1] = l.c.module.MakeU64(newStart)
				node.Args[2] = l.c.module.MakeU64(scopeSp.count)
				return l.walkWrites(node, undefNode.Nth(0))
			}
			if !scopeSp.intersects(scopeS) {
				// Disjoint remainder: rebase onto the complement output.
				return l.walkWrites(node, undefNode.Nth(1))
			}
		}

		// No elision possible: re-merge the slice tails.
		tails := []ir.Ref{undefNode.Nth(2), undefNode.Nth(0), undefNode.Nth(1)}
		conv := l.c.module.MakeConverge(undefNode.Args[0].Type().StrippedAll(), tails)
		conv.Node.Index = node.Index - 1
		if err := l.addNode(conv.Node); err != nil {
			return ir.Ref{}, err
		}
		return conv, nil

	case undefNode.Kind == ir.KindConverge:
		if parm.Node.Kind != ir.KindSlice {
			// Keep walking from the converged value.
			return l.walkWrites(node, undefNode.First())
		}
		// A sub-chain was re-merged: replicate the slice against the
		// converged value.
		src := parm.Node
		repl := l.c.module.MakeSlice(src.Type[0], undefNode.First(), src.Axis, src.Args[1], src.Args[2])
		repl.Node.Index = node.Index - 1
		if err := l.addNode(repl.Node); err != nil {
			return ir.Ref{}, err
		}
		return repl, nil

	case undefNode.Kind == ir.KindConstruct && undefNode.First().Type().Kind == ir.KindUnion:
		// Consumed into a union: extract the member back out.
		ext := l.c.module.MakeExtract(undefNode.First(), link.Undef.Index-1)
		ext.Node.Index = node.Index - 1
		if err := l.addNode(ext.Node.Args[1].Node); err != nil {
			return ir.Ref{}, err
		}
		if err := l.addNode(ext.Node.Args[2].Node); err != nil {
			return ir.Ref{}, err
		}
		if err := l.addNode(ext.Node); err != nil {
			return ir.Ref{}, err
		}
		return ext, nil
	}

	return ir.Ref{}, structuralErr(node, "cannot rewrite against consumer %s", undefNode.Kind)
}

// addWrite installs node as the consumer that invalidates *parm, rewriting
// *parm to the latest revision in SSA mode.
func (l *linker) addWrite(node *ir.Node, parm *ir.Ref, index int) error {
	if parm.Node.Kind == ir.KindGarbage {
		return structuralErr(node, "argument %d refers to a collected node", index)
	}
	if !parm.HasLinks() {
		if !l.doSSA {
			return structuralErr(node, "write to unlinked value %s", *parm)
		}
		l.initExternal(parm.Node)
	}

	link := parm.Link()
	if link.Undef.Node == node {
		return nil // already writing this
	}
	if !link.Undef.IsZero() {
		if !l.doSSA {
			return structuralErr(node, "second writer for %s (first: %s)", *parm, link.Undef)
		}
		last, err := l.walkWrites(node, *parm)
		if err != nil {
			return err
		}
		*parm = last
		link = parm.Link()
	}
	link.Undef = ir.Ref{Node: node, Index: index}
	return nil
}

// addBreakingResult defs a result as the head of a fresh chain.
func (l *linker) addBreakingResult(node *ir.Node, outputIdx int) {
	node.Links[outputIdx].Def = ir.Ref{Node: node, Index: outputIdx}
}

// addResult defs a result that continues parm's chain.
func (l *linker) addResult(node *ir.Node, outputIdx int, parm ir.Ref) error {
	if node.Links == nil {
		if !l.doSSA {
			return structuralErr(node, "result on unlinked node")
		}
		l.allocateLinks(node)
	}
	out := node.Nth(outputIdx)
	out.Link().Def = out

	if !parm.HasLinks() {
		if !l.doSSA {
			return structuralErr(node, "result continues unlinked value %s", parm)
		}
		return nil
	}

	link := parm.Link()
	if link.Next != nil && link.Next.Def.Node == node {
		// An earlier result of this node already continues the chain; two
		// rewritten sources converged on the same revision.
		return nil
	}
	if !l.doSSA && (link.Next != nil || out.Link().Prev != nil) {
		return structuralErr(node, "result chain already continued for %s", parm)
	}
	link.Next = out.Link()
	out.Link().Prev = link
	return nil
}

// addRead appends node to parm's read set, rewriting past a pending write in
// SSA mode when needsSSA is set.
func (l *linker) addRead(node *ir.Node, parm *ir.Ref, index int, needsSSA bool) error {
	if parm.Node.Kind == ir.KindGarbage {
		return structuralErr(node, "argument %d refers to a collected node", index)
	}
	if !parm.HasLinks() {
		if !l.doSSA {
			return structuralErr(node, "read of unlinked value %s", *parm)
		}
		l.initExternal(parm.Node)
	}

	link := parm.Link()
	if !link.Undef.IsZero() && node.Index > link.Undef.Node.Index && needsSSA {
		if !l.doSSA {
			return structuralErr(node, "read of %s after it was consumed by %s", *parm, link.Undef)
		}
		last, err := l.walkWrites(node, *parm)
		if err != nil {
			return err
		}
		*parm = last
		link = parm.Link()
	}
	link.Reads = append(link.Reads, ir.Ref{Node: node, Index: index})
	return nil
}

func (l *linker) processNode(node *ir.Node) error {
	reg := l.c.module.Types
	switch node.Kind {
	case ir.KindSet, ir.KindGarbage:
		// Not real dataflow nodes.

	case ir.KindConstant, ir.KindPlaceholder, ir.KindImport:
		l.addBreakingResult(node, 0)

	case ir.KindConstruct:
		node.Links[0].Def = node.First()
		isAggregate := node.Type[0].Kind == ir.KindArray || node.Type[0].Kind == ir.KindUnion
		for i := range node.Args {
			parm := &node.Args[i]
			if isAggregate || parm.Type().Kind == ir.KindPointer {
				if err := l.addWrite(node, parm, i); err != nil {
					return err
				}
			} else if err := l.addRead(node, parm, i, true); err != nil {
				return err
			}
		}
		for i := 1; i < len(node.Args); i++ {
			parm := node.Args[i]
			aggregateMember := node.Type[0].Kind == ir.KindArray ||
				node.Type[0] == reg.SampledImage() ||
				parm.Type().Kind == ir.KindPointer ||
				node.Type[0].Kind == ir.KindUnion
			if aggregateMember && parm.HasLinks() {
				parm.Link().Next = &node.Links[0]
			}
		}

	case ir.KindMathBinary:
		if err := l.addRead(node, &node.Args[0], 0, true); err != nil {
			return err
		}
		if err := l.addRead(node, &node.Args[1], 1, true); err != nil {
			return err
		}
		l.addBreakingResult(node, 0)

	case ir.KindCall:
		fnTy := node.Args[0].Type()
		args := fnTy.Args
		for i := 1; i < len(node.Args); i++ {
			argTy := args[i-1]
			parm := &node.Args[i]
			if argTy.Kind != ir.KindImbued {
				return structuralErr(node, "call parameter %d has no access annotation", i-1)
			}
			access := argTy.Access
			if access.IsWriteAccess() {
				if err := l.addWrite(node, parm, i); err != nil {
					return err
				}
			} else {
				if err := l.addRead(node, parm, i, true); err != nil {
					return err
				}
			}
		}
		for idx, retTy := range node.Type {
			if retTy.Kind != ir.KindAliased {
				return structuralErr(node, "call result %d is not aliased to an argument", idx)
			}
			refIdx := int(retTy.RefIdx)
			argTy := args[refIdx-1]
			if argTy.Kind != ir.KindImbued {
				return structuralErr(node, "aliased result %d refers to unannotated parameter", idx)
			}
			if argTy.Access.IsWriteAccess() {
				if err := l.addResult(node, idx, node.Args[refIdx]); err != nil {
					return err
				}
			} else {
				out := node.Nth(idx)
				out.Link().Def = out
				if node.Args[refIdx].HasLinks() {
					out.Link().Prev = node.Args[refIdx].Link()
				}
			}
		}

	case ir.KindClear:
		if err := l.addWrite(node, &node.Args[0], 0); err != nil {
			return err
		}
		if err := l.addResult(node, 0, node.Args[0]); err != nil {
			return err
		}

	case ir.KindRelease:
		for i := range node.Args {
			if err := l.addWrite(node, &node.Args[i], i); err != nil {
				return err
			}
			if err := l.addResult(node, i, node.Args[i]); err != nil {
				return err
			}
		}

	case ir.KindAcquire:
		for out := range node.Type {
			l.addBreakingResult(node, out)
			if l.doSSA && reg.IsBufferlikeView(node.Type[out]) {
				if err := l.registerAcquiredBuffer(node, out); err != nil {
					return err
				}
			}
		}

	case ir.KindAcquireNextImage:
		if err := l.addRead(node, &node.Args[0], 0, true); err != nil {
			return err
		}
		l.addBreakingResult(node, 0)

	case ir.KindSlice:
		if err := l.addRead(node, &node.Args[1], 1, true); err != nil {
			return err
		}
		if err := l.addRead(node, &node.Args[2], 2, true); err != nil {
			return err
		}
		if reg.IsSynchronized(node.Type[0]) {
			if err := l.addWrite(node, &node.Args[0], 0); err != nil {
				return err
			}
		} else {
			if err := l.addRead(node, &node.Args[0], 0, false); err != nil {
				return err
			}
		}
		if node.Kind == ir.KindLogicalCopy {
			// walkWrites degraded this slice to a copy.
			return l.addResult(node, 0, node.Args[0])
		}
		node.Links[0].Def = node.Nth(0)
		node.Links[1].Def = node.Nth(1)
		l.addBreakingResult(node, 2)
		if node.Args[0].HasLinks() {
			srcLink := node.Args[0].Link()
			srcLink.ChildChains = append(srcLink.ChildChains, &node.Links[0])
		} else if !l.doSSA {
			return structuralErr(node, "slice of unlinked value")
		}

	case ir.KindConverge:
		if node.Args[0].Node.Kind == ir.KindSlice {
			// The merge continues the sliced source's chain through the
			// slice's whole-resource result.
			sliceNode := node.Args[0].Node
			if err := l.addResult(sliceNode, 2, sliceNode.Args[0]); err != nil {
				return err
			}
		}
		// Writes first: rewriting may rebase the diverged refs, and the
		// result must continue the rebased chain.
		for i := range node.Args {
			if err := l.addWrite(node, &node.Args[i], i); err != nil {
				return err
			}
		}
		if err := l.addResult(node, 0, node.Args[0]); err != nil {
			return err
		}

	case ir.KindUse:
		if err := l.addWrite(node, &node.Args[0], 0); err != nil {
			return err
		}
		if err := l.addResult(node, 0, node.Args[0]); err != nil {
			return err
		}

	case ir.KindLogicalCopy:
		if err := l.addResult(node, 0, node.Args[0]); err != nil {
			return err
		}
		if err := l.addRead(node, &node.Args[0], 0, true); err != nil {
			return err
		}

	case ir.KindCast:
		if err := l.addRead(node, &node.Args[0], 0, true); err != nil {
			return err
		}
		l.addBreakingResult(node, 0)

	case ir.KindCompilePipeline, ir.KindGetAllocationSize, ir.KindGetCI, ir.KindGetIVMeta:
		if err := l.addRead(node, &node.Args[0], 0, true); err != nil {
			return err
		}
		l.addBreakingResult(node, 0)

	case ir.KindAllocate:
		if err := l.addRead(node, &node.Args[0], 0, true); err != nil {
			return err
		}
		if err := l.addResult(node, 0, node.Args[0]); err != nil {
			return err
		}

	default:
		return structuralErr(node, "unhandled node kind in link building")
	}
	return nil
}

// registerAcquiredBuffer probes the device-address index for the acquired
// range. An overlap with an earlier acquisition merges the two views into a
// union declaration so the rest of the pipeline sees a single resource.
func (l *linker) registerAcquiredBuffer(node *ir.Node, out int) error {
	buf, ok := node.Values[out].(*ir.Buffer)
	if !ok || buf == nil || buf.Size == 0 {
		return nil
	}
	ref := node.Nth(out)

	if existing := l.bufRanges.Find(buf.DeviceAddress); existing != nil {
		union := l.c.module.MakeDeclareUnion([]ir.Ref{ref, (*existing).Def})
		if err := l.addNode(union.Node.Args[0].Node); err != nil {
			return err
		}
		return l.addNode(union.Node)
	}

	l.bufRanges.InsertUnaligned(buf.DeviceAddress, buf.Size, ref.Link())
	return nil
}
