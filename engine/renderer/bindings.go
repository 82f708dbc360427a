package renderer

import (
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/accel"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

// Binding slots shared by the shaders and the pipeline layout.
const (
	BindingTLAS uint32 = iota
	BindingOutput
	BindingCamera
	BindingInstances
	BindingMaterials
)

// Bindings is one set of shader resources for the trace pipeline.
type Bindings struct {
	ctx    *gpu.Context
	handle driver.Bindings
	name   string
}

func NewBindings(ctx *gpu.Context, p *Pipeline, name string) (*Bindings, error) {
	handle, err := ctx.Device().CreateBindings(p.Handle())
	if err != nil {
		core.LogError("failed to create bindings %s: %s", name, err)
		return nil, core.NewRenderError(core.KindAllocation, "create bindings "+name, resultCode(err), err)
	}
	return &Bindings{ctx: ctx.Retain(), handle: handle, name: name}, nil
}

func (b *Bindings) Handle() driver.Bindings {
	return b.handle
}

func (b *Bindings) write(writes ...driver.BindingWrite) error {
	core.Assert(b.handle != 0, "writing destroyed bindings %s", b.name)
	if err := b.ctx.Device().UpdateBindings(b.handle, writes); err != nil {
		core.LogError("failed to update bindings %s: %s", b.name, err)
		return core.NewRenderError(core.KindUnknown, "update bindings "+b.name, resultCode(err), err)
	}
	return nil
}

func (b *Bindings) SetAccelerationStructure(tlas *accel.TLAS) error {
	return b.write(driver.BindingWrite{
		Binding:               BindingTLAS,
		Type:                  driver.BindingAccelerationStructure,
		AccelerationStructure: tlas.Handle(),
	})
}

// SetOutput binds the storage image rays are traced into.
func (b *Bindings) SetOutput(img *gpu.Image) error {
	return b.write(driver.BindingWrite{
		Binding: BindingOutput,
		Type:    driver.BindingStorageImage,
		Image:   img.Handle(),
	})
}

func (b *Bindings) SetUniforms(buf *gpu.Buffer) error {
	return b.write(bufferWrite(BindingCamera, driver.BindingUniformBuffer, buf))
}

func (b *Bindings) SetInstances(buf *gpu.Buffer) error {
	return b.write(bufferWrite(BindingInstances, driver.BindingStorageBuffer, buf))
}

func (b *Bindings) SetMaterials(buf *gpu.Buffer) error {
	return b.write(bufferWrite(BindingMaterials, driver.BindingStorageBuffer, buf))
}

func bufferWrite(slot uint32, t driver.BindingType, buf *gpu.Buffer) driver.BindingWrite {
	return driver.BindingWrite{Binding: slot, Type: t, Buffer: buf.Handle(), Range: buf.Size()}
}

func (b *Bindings) Destroy() {
	if b.handle == 0 {
		return
	}
	b.ctx.Device().DestroyBindings(b.handle)
	b.handle = 0
	b.ctx.Release()
}
