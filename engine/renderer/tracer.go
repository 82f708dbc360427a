package renderer

import (
	"github.com/spaghettifunk/prism/engine/renderer/accel"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

// tracer holds the scene wide resources every trace dispatch binds. The
// renderer swaps its fields when the scene changes.
type tracer struct {
	pipeline  *Pipeline
	sbt       *ShaderBindingTable
	tlas      *accel.TLAS
	instances *gpu.Buffer
	materials *gpu.Buffer
}

// bind creates a binding set writing into output with the camera in
// uniforms.
func (t *tracer) bind(ctx *gpu.Context, name string, output *gpu.Image, uniforms *gpu.Buffer) (*Bindings, error) {
	b, err := NewBindings(ctx, t.pipeline, name)
	if err != nil {
		return nil, err
	}
	if err := b.SetOutput(output); err != nil {
		b.Destroy()
		return nil, err
	}
	if err := b.SetUniforms(uniforms); err != nil {
		b.Destroy()
		return nil, err
	}
	if err := t.rebind(b); err != nil {
		b.Destroy()
		return nil, err
	}
	return b, nil
}

// rebind writes the scene resources into b.
func (t *tracer) rebind(b *Bindings) error {
	if err := b.SetAccelerationStructure(t.tlas); err != nil {
		return err
	}
	if err := b.SetInstances(t.instances); err != nil {
		return err
	}
	return b.SetMaterials(t.materials)
}

// record traces one ray per pixel of output. output must be in the general
// layout when the dispatch executes.
func (t *tracer) record(cb *gpu.CommandBuffer, b *Bindings, extent driver.Extent2D) {
	cb.TraceRays(driver.TraceRaysInfo{
		Pipeline: t.pipeline.Handle(),
		Bindings: b.Handle(),
		Raygen:   t.sbt.Raygen,
		Miss:     t.sbt.Miss,
		Hit:      t.sbt.Hit,
		Callable: t.sbt.Callable,
		Width:    extent.Width,
		Height:   extent.Height,
		Depth:    1,
	})
}
