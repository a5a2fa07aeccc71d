package ir

import "sync/atomic"

var moduleIDCounter atomic.Uint32

// Module owns an arena of IR nodes. Nodes are created by the builder methods
// and live until CollectGarbage removes the ones not reachable from held
// handles or from the unlinked frontier.
//
// A Module is single-writer: only the owning goroutine may build nodes.
// Compilation keeps node identity (indices) but, besides the link overlays,
// rewrites the arguments, and in places the kinds and types, of existing nodes.
type Module struct {
	Types *Registry

	// CaptureSourceLoc enables recording a creation trace on every node.
	CaptureSourceLoc bool

	ops     []*Node
	counter uint64
	id      uint32

	// linkFrontier is the counter value below which every node has been
	// linked by a previous compilation.
	linkFrontier uint64

	garbage []*Node
}

// NewModule returns an empty module drawing types from reg. If reg is nil a
// fresh registry is created.
func NewModule(reg *Registry) *Module {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Module{Types: reg, id: moduleIDCounter.Add(1)}
}

// ID returns the module id component of node indices.
func (m *Module) ID() uint32 { return m.id }

// LinkFrontier returns the index below which nodes are known linked.
func (m *Module) LinkFrontier() uint64 {
	return uint64(m.id)<<32 | m.linkFrontier
}

// AdvanceLinkFrontier marks every node created so far as linked.
func (m *Module) AdvanceLinkFrontier() { m.linkFrontier = m.counter + 1 }

// Ops returns the node arena. The slice must not be retained across
// CollectGarbage.
func (m *Module) Ops() []*Node { return m.ops }

// NodeCount reports the number of live nodes.
func (m *Module) NodeCount() int { return len(m.ops) }

func (m *Module) nextIndex() uint64 {
	m.counter++
	return uint64(m.id)<<32 | m.counter
}

func (m *Module) emit(n *Node) *Node {
	n.Index = m.nextIndex()
	if m.CaptureSourceLoc && n.DebugInfo == nil {
		n.DebugInfo = &DebugInfo{Trace: captureTrace(2, 4)}
	}
	m.ops = append(m.ops, n)
	return n
}

// Discard moves a node to the garbage bag; it is reclaimed at the next
// CollectGarbage. Used when SSA rewriting replaces a node wholesale.
func (m *Module) Discard(n *Node) {
	n.Kind = KindGarbage
	n.Args = nil
	m.garbage = append(m.garbage, n)
}

// Name attaches a debug name to a result for dump output.
func (m *Module) Name(r Ref, name string) Ref {
	n := r.Node
	if n.DebugInfo == nil {
		n.DebugInfo = &DebugInfo{}
	}
	for len(n.DebugInfo.ResultNames) <= r.Index {
		n.DebugInfo.ResultNames = append(n.DebugInfo.ResultNames, "")
	}
	n.DebugInfo.ResultNames[r.Index] = name
	return r
}

// GC flag values.
const (
	gcDead uint8 = 1 + iota
	gcAlive
	gcAliveRec
)

// CollectGarbage removes nodes that are not reachable from held refs or from
// the unlinked frontier, and frees the garbage bag. Mark-sweep over the
// arena; node addresses are stable, the arena slice is compacted.
func (m *Module) CollectGarbage() {
	frontier := m.LinkFrontier()

	// Initial live set: held nodes and everything newer than the frontier.
	// GARBAGE nodes are dropped immediately.
	live := m.ops[:0]
	for _, n := range m.ops {
		if n.Kind == KindGarbage {
			continue
		}
		live = append(live, n)
		if n.Index < frontier && !n.Held {
			n.Flag = gcDead
			continue
		}
		n.Flag = gcAlive
	}
	m.ops = live

	// Propagate: every argument of a live node is live. The inner walk
	// follows one dead child at a time so deep chains do not recurse.
	for {
		change := false
		for _, orig := range m.ops {
			if orig.Flag != gcAlive {
				continue
			}
			for orig.Flag != gcAliveRec {
				n := orig
				for n.Flag == gcAlive {
					stepped := false
					for _, a := range n.Args {
						if a.Node.Flag == gcDead {
							n = a.Node
							n.Flag = gcAlive
							stepped = true
							change = true
							break
						}
					}
					if stepped {
						continue
					}
					n.Flag = gcAliveRec
				}
			}
		}
		if !change {
			break
		}
	}

	// Sweep.
	out := m.ops[:0]
	for _, n := range m.ops {
		if n.Flag == gcDead {
			n.Kind = KindGarbage
			n.Args = nil
			n.Links = nil
			continue
		}
		n.Flag = 0
		out = append(out, n)
	}
	m.ops = out

	m.garbage = m.garbage[:0]
}

// ClearLinks drops every link overlay; called between compiler invocations.
func (m *Module) ClearLinks() {
	for _, n := range m.ops {
		n.Links = nil
	}
}
