package framegraph

import (
	"fmt"
	"io"
	"strings"

	"github.com/gogpu/framegraph/ir"
)

// dumper emits Graphviz dot renditions of the graph at compilation
// milestones. Disabled dumpers are no-ops.
type dumper struct {
	w       io.Writer
	enabled bool
	label   string
	cluster int
}

func newDumper(enabled bool, w io.Writer, label string) *dumper {
	if w == nil {
		enabled = false
	}
	return &dumper{w: w, enabled: enabled, label: label}
}

func (d *dumper) printf(format string, args ...any) {
	if d.enabled {
		fmt.Fprintf(d.w, format, args...)
	}
}

func (d *dumper) beginGraph() {
	if !d.enabled {
		return
	}
	d.printf("digraph %q {\n", nonEmpty(d.label, "framegraph"))
	d.printf("  rankdir=LR;\n  node [shape=record, fontname=monospace, fontsize=10];\n")
}

func (d *dumper) endGraph() {
	d.printf("}\n")
}

func (d *dumper) beginCluster(name string) {
	d.cluster++
	d.printf("  subgraph cluster_%d {\n    label=%q;\n", d.cluster, name)
}

func (d *dumper) endCluster() {
	d.printf("  }\n")
}

// dumpOps renders every live node of a module arena.
func (d *dumper) dumpOps(ops []*ir.Node) {
	if !d.enabled {
		return
	}
	for _, n := range ops {
		if n.Kind == ir.KindGarbage {
			continue
		}
		d.dumpNode(n)
	}
}

// dumpNodes renders the reachable node set.
func (d *dumper) dumpNodes(nodes []*ir.Node) {
	if !d.enabled {
		return
	}
	for _, n := range nodes {
		d.dumpNode(n)
	}
}

func (d *dumper) dumpNode(n *ir.Node) {
	id := d.nodeID(n)
	var label strings.Builder
	fmt.Fprintf(&label, "%s@%d", n.Kind, n.Index&0xffffffff)
	for i := range n.Type {
		if name := n.ResultName(i); name != "" {
			fmt.Fprintf(&label, "|%s", name)
		}
	}
	if n.ScheduledItem != nil && n.ScheduledItem.ScheduledDomain.IsQueue() {
		fmt.Fprintf(&label, "|%s", n.ScheduledItem.ScheduledDomain)
	}
	d.printf("    %s [label=%q];\n", id, label.String())
	for i, a := range n.Args {
		d.printf("    %s -> %s [label=\"%d\"];\n", d.nodeID(a.Node), id, i)
	}
}

func (d *dumper) nodeID(n *ir.Node) string {
	return fmt.Sprintf("n%d_%d", d.cluster, n.Index)
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
