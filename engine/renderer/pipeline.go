package renderer

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

// ShaderSet holds the SPIR-V code of the three ray tracing stages.
type ShaderSet struct {
	RayGen     []byte
	Miss       []byte
	ClosestHit []byte
}

func (s ShaderSet) modules() ([]driver.ShaderModule, error) {
	stages := []struct {
		name  string
		stage driver.ShaderStage
		code  []byte
	}{
		{"raygen", driver.ShaderStageRaygen, s.RayGen},
		{"miss", driver.ShaderStageMiss, s.Miss},
		{"closest hit", driver.ShaderStageClosestHit, s.ClosestHit},
	}
	out := make([]driver.ShaderModule, 0, len(stages))
	for _, st := range stages {
		if len(st.code) == 0 {
			return nil, errors.Newf("missing %s shader", st.name)
		}
		out = append(out, driver.ShaderModule{Stage: st.stage, Code: st.code, Entry: "main"})
	}
	return out, nil
}

// bindingLayout is the type of each binding slot, in slot order.
var bindingLayout = []driver.BindingType{
	BindingTLAS:      driver.BindingAccelerationStructure,
	BindingOutput:    driver.BindingStorageImage,
	BindingCamera:    driver.BindingUniformBuffer,
	BindingInstances: driver.BindingStorageBuffer,
	BindingMaterials: driver.BindingStorageBuffer,
}

// Pipeline is a ray tracing pipeline with one shader group per stage, laid
// out raygen, miss, closest hit.
type Pipeline struct {
	ctx    *gpu.Context
	handle driver.Pipeline
	groups []driver.ShaderStage
}

func NewPipeline(ctx *gpu.Context, shaders ShaderSet) (*Pipeline, error) {
	modules, err := shaders.modules()
	if err != nil {
		return nil, err
	}
	handle, err := ctx.Device().CreateTracePipeline(driver.TracePipelineDesc{
		Modules:           modules,
		Bindings:          bindingLayout,
		MaxRecursionDepth: 1,
	})
	if err != nil {
		core.LogError("failed to create ray tracing pipeline: %s", err)
		return nil, core.NewRenderError(core.KindUnknown, "create trace pipeline", resultCode(err), err)
	}
	p := &Pipeline{ctx: ctx.Retain(), handle: handle}
	for _, m := range modules {
		p.groups = append(p.groups, m.Stage)
	}
	core.LogDebug("ray tracing pipeline created with %d groups", len(p.groups))
	return p, nil
}

func (p *Pipeline) Handle() driver.Pipeline {
	return p.handle
}

// GroupCount returns the number of groups of stage.
func (p *Pipeline) GroupCount(stage driver.ShaderStage) int {
	n := 0
	for _, g := range p.groups {
		if g == stage {
			n++
		}
	}
	return n
}

func (p *Pipeline) Destroy() {
	if p.handle == 0 {
		return
	}
	p.ctx.Device().DestroyPipeline(p.handle)
	p.handle = 0
	p.ctx.Release()
}

func resultCode(err error) string {
	var re *driver.ResultError
	if errors.As(err, &re) {
		return re.Result.String()
	}
	return ""
}
