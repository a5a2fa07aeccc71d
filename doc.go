// Package framegraph compiles dataflow graphs of GPU work into executable
// command streams.
//
// Client code builds an IR graph of passes over image and buffer resources
// (package ir), annotating each use with an access pattern. Compile analyzes
// the graph: it repairs single-assignment form, folds constants, infers
// missing image metadata, validates resource aliasing, schedules nodes onto
// queues, lowers accesses to concrete barriers and semaphores, and
// linearizes the result. An Executor walks the compiled item list, serves
// transient allocations from the frame allocator ring (package alloc) and
// records commands through a backend encoder (package backend).
//
// A minimal frame:
//
//	m := ir.NewModule(nil)
//	swp := m.AcquireSwapchain(swapchain)
//	img := m.MakeAcquireNextImage(swp)
//	cleared := m.MakeClear(img, ir.ClearColor{R: 0.3, G: 0.5, B: 0.3, A: 1})
//	rel := m.MakeRelease(ir.AccessNone, cleared)
//
//	var c framegraph.Compiler
//	exec, err := c.Compile(m, []*ir.Node{rel}, framegraph.CompileOptions{})
//	// submit through framegraph.Executor
package framegraph
