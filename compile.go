package framegraph

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/ir"
	"github.com/gogpu/framegraph/shader"
)

// PipelineSource resolves pipeline create infos into compiled pipelines and
// their merged reflection. The compiler uses it to retype calls whose callee
// is a bare pipeline description.
type PipelineSource interface {
	PipelineProgram(ci *backend.PipelineCreateInfo) (backend.Pipeline, *shader.Program, error)
}

// CompileCallbacks hooks into the pass pipeline.
type CompileCallbacks struct {
	// AfterPass runs after each completed pass with its name.
	AfterPass func(name string)
}

// CompileOptions configures one compilation.
type CompileOptions struct {
	Callbacks CompileCallbacks

	// DumpGraph emits a Graphviz rendition of the graph at each milestone
	// (fragments, modules, full, final) to GraphWriter.
	DumpGraph   bool
	GraphWriter io.Writer
	GraphLabel  string

	// Pipelines resolves shader pipelines; required only when the graph
	// calls pipeline descriptions directly.
	Pipelines PipelineSource
}

// ExecutableGraph is the compiled artifact: the linear schedule plus the
// auxiliary maps the executor consumes.
type ExecutableGraph struct {
	Module *ir.Module

	// ItemList is the linearized schedule.
	ItemList []*ir.ScheduledItem
	// Chains holds the live-range heads.
	Chains []*ir.ChainLink
	// Partitioned is the queue-partitioned schedule; the three segments
	// index into it in transfer, compute, graphics order.
	Partitioned []*ir.ScheduledItem
	Transfer    []*ir.ScheduledItem
	Compute     []*ir.ScheduledItem
	Graphics    []*ir.ScheduledItem

	// BoundAttachments and BoundBuffers map result names to their refs.
	BoundAttachments map[string]ir.Ref
	BoundBuffers     map[string]ir.Ref
}

// Compiler compiles IR modules into executable graphs. The zero value is
// ready to use. A Compiler may be reused; it must not be shared between
// goroutines.
type Compiler struct {
	module   *ir.Module
	opts     CompileOptions
	refNodes []*ir.Node

	nodes    []*ir.Node
	newNodes []*ir.Node
	setNodes []*ir.Node

	chains     []*ir.ChainLink
	liveRanges []liveRange

	scheduledItems []*ir.ScheduledItem
	partitioned    []*ir.ScheduledItem
	transferPasses []*ir.ScheduledItem
	computePasses  []*ir.ScheduledItem
	graphicsPasses []*ir.ScheduledItem

	itemList      []*ir.ScheduledItem
	namingCounter int

	dumper *dumper
}

func (c *Compiler) reset(m *ir.Module, roots []*ir.Node, opts CompileOptions) {
	c.module = m
	c.opts = opts
	c.refNodes = append(c.refNodes[:0], roots...)
	c.nodes = c.nodes[:0]
	c.newNodes = c.newNodes[:0]
	c.setNodes = c.setNodes[:0]
	c.chains = c.chains[:0]
	c.liveRanges = c.liveRanges[:0]
	c.scheduledItems = c.scheduledItems[:0]
	c.partitioned = c.partitioned[:0]
	c.itemList = c.itemList[:0]
	c.namingCounter = 0
	c.dumper = newDumper(opts.DumpGraph, opts.GraphWriter, opts.GraphLabel)
}

// Compile analyzes and schedules the graph rooted at roots (normally the
// release nodes of a frame). A failed compilation clears the link overlays;
// rewrites of node arguments, kinds and types made by the passes that ran
// before the failing one are not undone.
func Compile(m *ir.Module, roots []*ir.Node, opts CompileOptions) (*ExecutableGraph, error) {
	var c Compiler
	return c.Compile(m, roots, opts)
}

// Compile implements the pass pipeline; see the package documentation for
// the pass order.
func (c *Compiler) Compile(m *ir.Module, roots []*ir.Node, opts CompileOptions) (*ExecutableGraph, error) {
	c.reset(m, roots, opts)

	for _, r := range roots {
		if r == nil {
			return nil, structuralErr(nil, "nil graph root")
		}
		// Roots are externally held: they and their inputs survive GC even
		// once the frontier has moved past them.
		r.Held = true
	}

	m.CollectGarbage()

	c.dumper.beginGraph()
	c.dumper.beginCluster("fragments")
	c.dumper.dumpOps(m.Ops())
	c.dumper.endCluster()

	// SSA repair over everything past the link frontier.
	if err := c.implicitLinking(); err != nil {
		return nil, c.failCompile(err)
	}
	m.ClearLinks()

	c.dumper.beginCluster("modules")
	c.dumper.dumpOps(m.Ops())
	c.dumper.endCluster()

	if err := c.buildNodes(); err != nil {
		return nil, c.failCompile(err)
	}
	if err := c.buildLinks(false); err != nil {
		return nil, c.failCompile(err)
	}

	c.dumper.beginCluster("full")
	c.dumper.dumpNodes(c.nodes)
	c.dumper.endCluster()

	// Deferred attachment parameterization: SET nodes overwrite construct
	// defaults before anything is folded.
	c.applySetNodes()
	if err := c.buildNodes(); err != nil {
		return nil, c.failCompile(err)
	}
	if err := c.buildLinks(false); err != nil {
		return nil, c.failCompile(err)
	}

	passes := []compilerPass{
		{"constant-folding", c.constantFolding},
		{"reify-inference", c.reifyInference},
		{"constant-folding", c.constantFolding},
		{"validate-duplicated-resources", c.validateDuplicatedResources},
		{"validate-read-undefined", c.validateReadUndefined},
		{"validate-same-argument-access", c.validateSameArgDifferentAccess},
	}
	if err := c.runPasses(passes); err != nil {
		return nil, c.failCompile(err)
	}

	c.collectChains()
	if err := c.runPasses([]compilerPass{{"forced-convergence", c.forcedConvergence}}); err != nil {
		return nil, c.failCompile(err)
	}
	c.collectChains()

	c.createScheduledItems()
	c.queueInference()
	c.passPartitioning()

	if err := c.buildSync(); err != nil {
		return nil, c.failCompile(err)
	}

	c.dumper.beginCluster("final")
	c.dumper.dumpNodes(c.nodes)
	c.dumper.endCluster()
	c.dumper.endGraph()

	if err := c.linearize(); err != nil {
		return nil, c.failCompile(err)
	}

	// Everything added during compilation counts as linked, which keeps the
	// next garbage collection tight and makes recompilation a no-op.
	m.AdvanceLinkFrontier()

	return c.result(), nil
}

func (c *Compiler) result() *ExecutableGraph {
	eg := &ExecutableGraph{
		Module:           c.module,
		ItemList:         append([]*ir.ScheduledItem(nil), c.itemList...),
		Chains:           append([]*ir.ChainLink(nil), c.chains...),
		Partitioned:      append([]*ir.ScheduledItem(nil), c.partitioned...),
		BoundAttachments: make(map[string]ir.Ref),
		BoundBuffers:     make(map[string]ir.Ref),
	}
	nt, nc := len(c.transferPasses), len(c.computePasses)
	eg.Transfer = eg.Partitioned[:nt]
	eg.Compute = eg.Partitioned[nt : nt+nc]
	eg.Graphics = eg.Partitioned[nt+nc:]

	reg := c.module.Types
	for _, n := range c.nodes {
		for i := range n.Type {
			name := n.ResultName(i)
			if name == "" {
				continue
			}
			switch {
			case reg.IsImageView(n.Type[i]):
				eg.BoundAttachments[name] = n.Nth(i)
			case reg.IsBufferlikeView(n.Type[i]):
				eg.BoundBuffers[name] = n.Nth(i)
			}
		}
	}
	return eg
}

// failCompile logs a best-effort IR listing before surfacing the error.
func (c *Compiler) failCompile(err error) error {
	log := Logger()
	if log.Enabled(nil, slog.LevelDebug) {
		if len(c.scheduledItems) == 0 {
			c.createScheduledItems()
		}
		if lerr := c.linearize(); lerr == nil {
			log.Debug("IR listing after failed compile")
			for i, item := range c.itemList {
				log.Debug(fmt.Sprintf("[%#06x] %s", i, item.Node))
			}
		}
	}
	c.module.ClearLinks()
	return err
}

// compilerPass is one step of the pass pipeline; run reports whether the
// node set or its connections changed.
type compilerPass struct {
	name string
	run  func() (bool, error)
}

func (c *Compiler) runPasses(passes []compilerPass) error {
	for _, p := range passes {
		modified, err := p.run()
		if err != nil {
			return err
		}
		if modified || len(c.newNodes) > 0 {
			c.nodes = append(c.nodes, c.newNodes...)
			c.newNodes = c.newNodes[:0]
			if err := c.buildNodes(); err != nil {
				return err
			}
			if err := c.buildLinks(true); err != nil {
				return err
			}
		}
		if c.opts.Callbacks.AfterPass != nil {
			c.opts.Callbacks.AfterPass(p.name)
		}
	}
	return nil
}

// implicitLinking SSA-repairs every node past the frontier, module-wide, and
// retypes pipeline-description calls into shader-function calls.
func (c *Compiler) implicitLinking() error {
	frontier := c.module.LinkFrontier()
	var nodes []*ir.Node

	for _, n := range c.module.Ops() {
		if n.Index < frontier && n.Kind != ir.KindAcquire {
			continue // already linked in a previous compilation
		}
		switch {
		case n.Kind == ir.KindSet:
			c.setNodes = append(c.setNodes, n)
		case n.Kind == ir.KindCall && n.Args[0].Type().Kind == ir.KindMemory:
			if err := c.retypeShaderCall(n); err != nil {
				return err
			}
			nodes = append(nodes, n)
		default:
			nodes = append(nodes, n)
		}
	}

	l := newLinker(c, true)
	if err := l.link(nodes); err != nil {
		return err
	}
	c.nodes = append(c.nodes, c.newNodes...)
	c.newNodes = c.newNodes[:0]
	c.module.AdvanceLinkFrontier()
	return nil
}

// retypeShaderCall replaces a call whose callee is a pipeline create info
// with a properly typed shader-function call, deriving imbued parameter
// types from the pipeline's reflected bindings.
func (c *Compiler) retypeShaderCall(n *ir.Node) error {
	if c.opts.Pipelines == nil {
		return structuralErr(n, "graph calls a pipeline description but no pipeline source was provided")
	}
	v, err := ir.Eval(n.Args[0])
	if err != nil {
		return evalErr(n, err)
	}
	pbci, ok := v.(*backend.PipelineCreateInfo)
	if !ok {
		return structuralErr(n, "callee is %T, want a pipeline create info", v)
	}
	pipeline, program, err := c.opts.Pipelines.PipelineProgram(pbci)
	if err != nil {
		return apiErr(n, err)
	}
	compiled := &CompiledPipeline{Handle: pipeline, CI: pbci, Program: program}

	reg := c.module.Types
	var argTypes, retTypes []*ir.Type
	addBinding := func(base *ir.Type, acc ir.Access) {
		argTypes = append(argTypes, reg.MakeImbuedTy(base, acc))
		retTypes = append(retTypes, reg.MakeAliasedTy(base, uint32(len(retTypes)+1)))
	}

	setIndices := make([]uint32, 0, len(program.Sets))
	for idx := range program.Sets {
		setIndices = append(setIndices, idx)
	}
	sort.Slice(setIndices, func(i, j int) bool { return setIndices[i] < setIndices[j] })

	for _, idx := range setIndices {
		ds := program.Sets[idx]
		for range ds.SampledImages {
			addBinding(reg.Image(), ir.AccessComputeSampled)
		}
		for range ds.StorageImages {
			addBinding(reg.Image(), ir.AccessComputeRW)
		}
		for range ds.UniformBuffers {
			addBinding(reg.Buffer(), ir.AccessComputeRead)
		}
		for range ds.StorageBuffers {
			addBinding(reg.Buffer(), ir.AccessComputeRW)
		}
		for range ds.Samplers {
			addBinding(reg.Sampler(), ir.AccessNone)
		}
	}

	fnTy := reg.MakeShaderFnTy(pbci.Label, argTypes, retTypes, ir.DomainAny, compiled)
	n.Args[0] = c.module.MakeDeclareFn(fnTy, nil)
	n.Type = retTypes
	return nil
}

// applySetNodes pushes deferred SET values into their target constructs.
func (c *Compiler) applySetNodes() {
	for _, s := range c.setNodes {
		dst := s.Args[0]
		if !dst.HasLinks() {
			continue
		}
		link := dst.Link()
		for link.Prev != nil {
			link = link.Prev
		}
		def := link.Def.Node
		if def.Kind == ir.KindConstruct && s.SetIdx+1 < len(def.Args) {
			def.Args[s.SetIdx+1] = s.Args[1]
		}
	}
	c.setNodes = c.setNodes[:0]
}

// buildNodes collects the node set reachable from the roots.
func (c *Compiler) buildNodes() error {
	c.nodes = c.nodes[:0]

	var work []*ir.Node
	push := func(n *ir.Node) {
		if n.Flag == 0 {
			n.Flag = 1
			work = append(work, n)
		}
	}
	for _, n := range c.refNodes {
		push(n)
	}
	for _, n := range c.setNodes {
		push(n)
	}

	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		for _, a := range n.Args {
			push(a.Node)
		}
		c.nodes = append(c.nodes, n)
	}

	for _, n := range c.nodes {
		n.Flag = 0
	}
	return nil
}

// buildLinks rebuilds the overlay of the reachable set from scratch. The
// initial build after SSA repair runs in fresh mode, where a second writer
// is a structural error; rebuilds after graph-mutating passes run with SSA
// enabled, since synthesized merges legitimately re-consume values.
func (c *Compiler) buildLinks(ssa bool) error {
	for _, n := range c.nodes {
		n.Links = nil
	}
	l := newLinker(c, ssa)
	if err := l.link(c.nodes); err != nil {
		return err
	}
	if len(c.newNodes) > 0 {
		c.nodes = append(c.nodes, c.newNodes...)
		c.newNodes = c.newNodes[:0]
	}
	return nil
}
