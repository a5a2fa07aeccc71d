package framegraph

import (
	"fmt"

	"github.com/gogpu/framegraph/alloc"
	"github.com/gogpu/framegraph/backend"
	"github.com/gogpu/framegraph/shader"
)

// PipelineCache resolves pipeline create infos through a device allocator,
// reflecting every SPIR-V module and merging the per-stage reflections.
// It implements PipelineSource.
type PipelineCache struct {
	Alloc *alloc.DeviceAllocator
}

// PipelineProgram compiles (or fetches the cached) pipeline and returns its
// merged reflection.
func (pc *PipelineCache) PipelineProgram(ci *backend.PipelineCreateInfo) (backend.Pipeline, *shader.Program, error) {
	var merged *shader.Program
	for i, words := range ci.SPIRV {
		p, err := shader.ReflectWords(words)
		if err != nil {
			return nil, nil, fmt.Errorf("framegraph: reflect module %d of %q: %w", i, ci.Label, err)
		}
		if merged == nil {
			merged = p
		} else {
			merged.Append(p)
		}
	}

	pipeline, err := pc.Alloc.AcquirePipeline(ci, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("framegraph: compile pipeline %q: %w", ci.Label, err)
	}
	return pipeline, merged, nil
}
