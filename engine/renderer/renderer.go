// Package renderer ties the device, the acceleration structures, the trace
// pipeline and the frame loop together. A Renderer renders a scene either to
// a presentation surface or to host memory.
package renderer

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/accel"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/scene"
)

// ErrInvalidScene marks a scene rejected before any device work. The renderer
// keeps its previous scene.
var ErrInvalidScene = errors.New("invalid scene")

type Options struct {
	Extent driver.Extent2D
	// Present creates a swapchain on the device surface.
	Present     bool
	PresentMode driver.PresentMode
	// AllowUpdate builds the top level structure so transform only scene
	// changes refit it instead of rebuilding.
	AllowUpdate bool
	Shaders     ShaderSet
}

// Stats is a snapshot of the renderer state.
type Stats struct {
	BLASCount int
	Instances int
	Frames    uint64
	FPS       float64
	// Milliseconds.
	FrameTime float64
	Extent    driver.Extent2D
}

type Renderer struct {
	ctx  *gpu.Context
	q    *gpu.Queue
	pool *gpu.CommandPool
	opts Options

	scene     *scene.Scene
	camera    *scene.Camera
	cache     *accel.BLASCache
	instances []accel.Instance
	tracer    *tracer

	// Host render target, rebuilt lazily after a resize.
	extent         driver.Extent2D
	output         *gpu.Image
	outputUniforms *gpu.Buffer
	outputBindings *Bindings
	outputStale    bool
	hostFrames     uint64
	clock          *core.Clock
	metrics        *core.Metrics

	frames   *Frames
	teardown *teardownGraph

	// Set when a scene update failed after changing device state. Every
	// render call returns it.
	failed      error
	retiredTLAS *accel.TLAS
	retired     []*gpu.Buffer
}

// New builds everything needed to render sc on dev. The renderer owns dev
// from here on, also when New fails.
func New(dev driver.Device, sc *scene.Scene, opts Options) (*Renderer, error) {
	r := &Renderer{
		ctx:         gpu.NewContext(dev),
		opts:        opts,
		extent:      opts.Extent,
		outputStale: true,
		tracer:      &tracer{},
		clock:       core.NewClock(),
		metrics:     core.NewMetrics(),
	}
	graph, err := r.teardownSteps()
	if err != nil {
		// Only reachable through a broken step table.
		r.ctx.Release()
		return nil, err
	}
	r.teardown = graph

	if err := r.init(sc); err != nil {
		core.LogError("renderer initialization failed: %s", err)
		r.Teardown()
		return nil, err
	}
	core.LogInfo("renderer ready: %d blas, %d instances, %dx%d",
		r.cache.Len(), len(r.instances), r.extent.Width, r.extent.Height)
	return r, nil
}

func validate(sc *scene.Scene) error {
	if err := sc.Validate(); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid scene"), ErrInvalidScene)
	}
	return nil
}

func (r *Renderer) init(sc *scene.Scene) error {
	if err := validate(sc); err != nil {
		return err
	}
	var err error
	if r.q, err = gpu.NewQueue(r.ctx); err != nil {
		return err
	}
	if r.pool, err = gpu.NewCommandPool(r.ctx, false); err != nil {
		return err
	}

	r.cache = accel.NewBLASCache(r.ctx, r.q, accel.Options{PreferFastTrace: true})
	instances, metas, err := place(r.cache, sc)
	if err != nil {
		return err
	}
	if r.tracer.tlas, err = accel.NewTLAS(r.ctx, r.q, instances, r.tlasOptions()); err != nil {
		return err
	}
	r.instances = instances
	if r.tracer.instances, r.tracer.materials, err = r.uploadSceneData(sc, metas); err != nil {
		return err
	}
	r.scene = sc
	r.camera = sc.Camera
	if r.camera == nil {
		r.camera = scene.FramingCamera(sc.Bounds())
	}

	if r.tracer.pipeline, err = NewPipeline(r.ctx, r.opts.Shaders); err != nil {
		return err
	}
	if r.tracer.sbt, err = NewShaderBindingTable(r.ctx, r.q, r.tracer.pipeline); err != nil {
		return err
	}

	if r.opts.Present {
		if r.frames, err = newFrames(r.ctx, r.q, r.pool, r.tracer, r.extent, r.opts.PresentMode); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) tlasOptions() accel.Options {
	return accel.Options{AllowUpdate: r.opts.AllowUpdate, PreferFastTrace: !r.opts.AllowUpdate, Name: "scene tlas"}
}

// place flattens sc into instances, taking bottom level structures from
// cache.
func place(cache *accel.BLASCache, sc *scene.Scene) ([]accel.Instance, []InstanceMeta, error) {
	placed := sc.Instances()
	instances := make([]accel.Instance, len(placed))
	metas := make([]InstanceMeta, len(placed))
	for i, p := range placed {
		e, err := cache.Get(&sc.Primitives[p.PrimitiveIndex])
		if err != nil {
			return nil, nil, err
		}
		instances[i] = accel.Instance{
			BLAS:        e.BLAS,
			Transform:   p.World,
			CustomIndex: uint32(i),
			Mask:        0xFF,
			Flags:       accel.InstanceTriangleCullDisable,
		}
		metas[i] = metaFor(sc, p, e)
	}
	return instances, metas, nil
}

func (r *Renderer) uploadSceneData(sc *scene.Scene, metas []InstanceMeta) (instances, materials *gpu.Buffer, err error) {
	usage := driver.BufferUsageStorage | driver.BufferUsageShaderDeviceAddress
	instances, err = gpu.NewLabeledBufferFromHostData(r.ctx, r.q, "instance metadata", EncodeInstanceMeta(metas), usage)
	if err != nil {
		return nil, nil, err
	}
	materials, err = gpu.NewLabeledBufferFromHostData(r.ctx, r.q, "materials", EncodeMaterials(sc.Materials), usage)
	if err != nil {
		instances.Destroy()
		return nil, nil, err
	}
	return instances, materials, nil
}

// RenderToSurface renders and presents one frame. A minimized surface skips
// the frame with core.ErrSwapchainBooting.
func (r *Renderer) RenderToSurface() error {
	if r.failed != nil {
		return r.failed
	}
	if r.frames == nil {
		return errors.Wrap(core.ErrUnsupported, "renderer was created without a presentation surface")
	}
	return r.frames.RenderToSurface(r.camera)
}

// RenderToHostBuffer traces one frame into the host render target and returns
// its pixels as tightly packed RGBA8 rows.
func (r *Renderer) RenderToHostBuffer() ([]byte, error) {
	if r.failed != nil {
		return nil, r.failed
	}
	if r.extent.IsZero() {
		return nil, errors.Wrap(core.ErrSwapchainBooting, "render target has a zero extent")
	}
	if err := r.ensureOutput(); err != nil {
		return nil, err
	}
	r.clock.Start()
	if err := NewCameraUniforms(r.camera, r.extent, r.hostFrames).Write(r.outputUniforms); err != nil {
		return nil, err
	}
	err := r.q.SubmitSync(func(cb *gpu.CommandBuffer) error {
		r.output.Barrier(cb, driver.ImageLayoutUndefined, driver.ImageLayoutGeneral)
		r.tracer.record(cb, r.outputBindings, r.extent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	pixels, err := r.output.ReadPixels(r.q)
	if err != nil {
		return nil, err
	}
	r.hostFrames++
	r.clock.Update()
	r.metrics.Update(r.clock.Elapsed())
	return pixels, nil
}

func (r *Renderer) ensureOutput() error {
	if !r.outputStale {
		return nil
	}
	r.destroyOutput()
	var err error
	r.output, err = gpu.NewImage(r.ctx, gpu.ImageDesc{
		Extent:   r.extent,
		Format:   driver.FormatR8G8B8A8Unorm,
		Tiling:   driver.ImageTilingOptimal,
		Usage:    driver.ImageUsageStorage | driver.ImageUsageTransferSrc,
		Location: gpu.GpuOnly,
		Name:     "render target",
	})
	if err != nil {
		return err
	}
	if r.outputUniforms, err = newUniformBuffer(r.ctx, "render target camera"); err != nil {
		return err
	}
	if r.outputBindings, err = r.tracer.bind(r.ctx, "render target", r.output, r.outputUniforms); err != nil {
		return err
	}
	r.outputStale = false
	return nil
}

func (r *Renderer) destroyOutput() {
	if r.outputBindings != nil {
		r.outputBindings.Destroy()
		r.outputBindings = nil
	}
	if r.outputUniforms != nil {
		r.outputUniforms.Destroy()
		r.outputUniforms = nil
	}
	if r.output != nil {
		r.output.Destroy()
		r.output = nil
	}
	r.outputStale = true
}

// Resized records a new surface extent. Size dependent resources are rebuilt
// on the next render call.
func (r *Renderer) Resized(width, height uint32) {
	r.extent = driver.Extent2D{Width: width, Height: height}
	r.outputStale = true
	if r.frames != nil {
		r.frames.Resized(width, height)
	}
}

// UpdateScene replaces the rendered scene. When every instance keeps its
// bottom level structure and updates are allowed the top level structure is
// refit, otherwise a new one is built.
//
// An error marked ErrInvalidScene leaves the renderer untouched. Any other
// error is a device failure; the renderer may have been left without a
// usable top level structure and every later render call fails with it.
func (r *Renderer) UpdateScene(sc *scene.Scene) error {
	if r.failed != nil {
		return r.failed
	}
	if err := validate(sc); err != nil {
		return err
	}
	if err := r.q.WaitIdle(); err != nil {
		return r.fail(err)
	}

	// Nothing the frames read changes until every new resource exists.
	cache := r.cache.Successor()
	instances, metas, err := place(cache, sc)
	if err != nil {
		cache.Discard()
		return err
	}
	meta, materials, err := r.uploadSceneData(sc, metas)
	if err != nil {
		cache.Discard()
		return err
	}

	tlas := r.tracer.tlas
	if r.opts.AllowUpdate && sameStructures(r.instances, instances) {
		core.LogDebug("scene update: refitting %d instances", len(instances))
		if err := tlas.Update(instances); err != nil {
			meta.Destroy()
			materials.Destroy()
			cache.Discard()
			return r.fail(err)
		}
	} else {
		core.LogInfo("scene update: building top level structure with %d instances", len(instances))
		if tlas, err = accel.NewTLAS(r.ctx, r.q, instances, r.tlasOptions()); err != nil {
			meta.Destroy()
			materials.Destroy()
			cache.Discard()
			return err
		}
	}

	oldTLAS, oldMeta, oldMaterials := r.tracer.tlas, r.tracer.instances, r.tracer.materials
	r.tracer.tlas, r.tracer.instances, r.tracer.materials = tlas, meta, materials
	r.instances = instances
	r.scene = sc
	if err := r.rebind(); err != nil {
		// Binding sets may point at either generation. Both stay alive
		// until teardown; the uncommitted cache still holds its predecessor.
		r.retired = append(r.retired, oldMeta, oldMaterials)
		if oldTLAS != tlas {
			r.retiredTLAS = oldTLAS
		}
		r.cache = cache
		return r.fail(err)
	}

	if oldTLAS != tlas {
		oldTLAS.Destroy()
	}
	oldMeta.Destroy()
	oldMaterials.Destroy()
	cache.Commit()
	r.cache = cache
	return nil
}

// fail records a failure that left device state inconsistent.
func (r *Renderer) fail(err error) error {
	core.LogError("scene update failed, rendering stopped: %s", err)
	r.failed = err
	return err
}

func sameStructures(a, b []accel.Instance) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].BLAS != b[i].BLAS {
			return false
		}
	}
	return true
}

func (r *Renderer) rebind() error {
	if r.outputBindings != nil {
		if err := r.tracer.rebind(r.outputBindings); err != nil {
			return err
		}
	}
	if r.frames != nil {
		return r.frames.rebind()
	}
	return nil
}

func (r *Renderer) SetCamera(cam *scene.Camera) {
	r.camera = cam
}

func (r *Renderer) Camera() *scene.Camera {
	return r.camera
}

func (r *Renderer) Scene() *scene.Scene {
	return r.scene
}

func (r *Renderer) Context() *gpu.Context {
	return r.ctx
}

func (r *Renderer) Stats() Stats {
	s := Stats{Extent: r.extent, Frames: r.hostFrames}
	if r.cache != nil {
		s.BLASCount = r.cache.Len()
	}
	if r.tracer.tlas != nil {
		s.Instances = r.tracer.tlas.InstanceCount()
	}
	m := r.metrics
	if r.frames != nil {
		s.Frames += r.frames.FrameCount()
		if r.frames.FrameCount() > 0 {
			m = r.frames.Metrics()
		}
	}
	s.FPS, s.FrameTime = m.Frame()
	return s
}

// Teardown waits for the device and destroys everything in reverse
// dependency order. Calling it again does nothing.
func (r *Renderer) Teardown() {
	if r.teardown.done {
		return
	}
	if r.q != nil {
		if err := r.q.WaitIdle(); err != nil {
			core.LogWarn("teardown: %s", err)
		}
	}
	r.teardown.run()
}

func (r *Renderer) teardownSteps() (*teardownGraph, error) {
	var released bool
	return newTeardownGraph(
		teardownStep{name: "frames", destroy: func() {
			if r.frames != nil {
				r.frames.Destroy()
			}
		}},
		teardownStep{name: "bindings", after: []string{"frames"}, destroy: func() {
			if r.outputBindings != nil {
				r.outputBindings.Destroy()
			}
		}},
		teardownStep{name: "pipeline", after: []string{"bindings"}, destroy: func() {
			if r.tracer.sbt != nil {
				r.tracer.sbt.Destroy()
			}
			if r.tracer.pipeline != nil {
				r.tracer.pipeline.Destroy()
			}
		}},
		teardownStep{name: "tlas", after: []string{"bindings", "frames"}, destroy: func() {
			if r.tracer.tlas != nil {
				r.tracer.tlas.Destroy()
			}
			if r.retiredTLAS != nil {
				r.retiredTLAS.Destroy()
			}
		}},
		teardownStep{name: "blas", after: []string{"tlas"}, destroy: func() {
			if r.cache != nil {
				r.cache.Commit()
				r.cache.Destroy()
			}
		}},
		teardownStep{name: "buffers", after: []string{"bindings", "blas"}, destroy: func() {
			r.destroyOutput()
			if r.tracer.instances != nil {
				r.tracer.instances.Destroy()
			}
			if r.tracer.materials != nil {
				r.tracer.materials.Destroy()
			}
			for _, b := range r.retired {
				b.Destroy()
			}
		}},
		teardownStep{name: "command pool", after: []string{"frames"}, destroy: func() {
			if r.pool != nil {
				r.pool.Destroy()
			}
		}},
		teardownStep{name: "queue", after: []string{"command pool", "buffers", "blas", "tlas", "pipeline"}, destroy: func() {
			if r.q != nil {
				r.q.Destroy()
			}
		}},
		teardownStep{name: "context", after: []string{"queue"}, destroy: func() {
			released = r.ctx.Release()
		}},
		teardownStep{name: "device", after: []string{"context"}, destroy: func() {
			if !released {
				core.LogError("device still has %d references after teardown", r.ctx.References())
			}
		}},
	)
}
