package vulkan

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// pipeline is a ray tracing pipeline with one descriptor set.
type pipeline struct {
	handle     vk.Pipeline
	layout     vk.PipelineLayout
	setLayout  vk.DescriptorSetLayout
	modules    []vk.ShaderModule
	bindings   []driver.BindingType
	groupCount uint32
}

type bindingSet struct {
	pool     vk.DescriptorPool
	set      vk.DescriptorSet
	pipeline driver.Pipeline
}

func toDescriptorType(t driver.BindingType) vk.DescriptorType {
	switch t {
	case driver.BindingAccelerationStructure:
		return descriptorTypeAccelerationStructure
	case driver.BindingStorageImage:
		return vk.DescriptorTypeStorageImage
	case driver.BindingUniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	default:
		return vk.DescriptorTypeStorageBuffer
	}
}

// spirvWords reinterprets little endian SPIR-V bytes as words.
func spirvWords(code []byte) ([]uint32, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.Newf("spir-v size %d is not a multiple of 4", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words, nil
}

func (d *Device) createShaderModule(code []byte) (vk.ShaderModule, error) {
	words, err := spirvWords(code)
	if err != nil {
		return vk.NullShaderModule, err
	}
	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    words,
	}
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(d.device, &info, nil, &module); res != vk.Success {
		return vk.NullShaderModule, check("create shader module", res)
	}
	return module, nil
}

func (d *Device) CreateTracePipeline(desc driver.TracePipelineDesc) (driver.Pipeline, error) {
	if len(desc.Modules) == 0 {
		return 0, errors.New("create trace pipeline: no shader modules")
	}
	limit := d.info.RayTracing.MaxRecursionDepth
	if desc.MaxRecursionDepth > limit {
		return 0, errors.Newf("create trace pipeline: recursion depth %d exceeds device limit %d", desc.MaxRecursionDepth, limit)
	}

	p := &pipeline{
		bindings:   append([]driver.BindingType(nil), desc.Bindings...),
		groupCount: uint32(len(desc.Modules)),
	}

	layoutBindings := make([]vk.DescriptorSetLayoutBinding, len(desc.Bindings))
	for i, t := range desc.Bindings {
		layoutBindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         uint32(i),
			DescriptorType:  toDescriptorType(t),
			DescriptorCount: 1,
			StageFlags:      vk.ShaderStageFlags(shaderStageAllTracing),
		}
	}
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(layoutBindings)),
		PBindings:    layoutBindings,
	}
	if res := vk.CreateDescriptorSetLayout(d.device, &layoutInfo, nil, &p.setLayout); res != vk.Success {
		return 0, check("create descriptor set layout", res)
	}

	pipelineLayoutInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{p.setLayout},
	}
	if res := vk.CreatePipelineLayout(d.device, &pipelineLayoutInfo, nil, &p.layout); res != vk.Success {
		d.releasePipeline(p)
		return 0, check("create pipeline layout", res)
	}

	for i, m := range desc.Modules {
		module, err := d.createShaderModule(m.Code)
		if err != nil {
			d.releasePipeline(p)
			return 0, errors.Wrapf(err, "shader module %d", i)
		}
		p.modules = append(p.modules, module)
	}

	handle, res := d.khr.createPipeline(d.device, p.layout, p.modules, desc)
	if res != vk.Success {
		d.releasePipeline(p)
		return 0, check("create ray tracing pipeline", res)
	}
	p.handle = handle

	h := driver.Pipeline(d.handle())
	d.pipelines[h] = p
	core.LogDebug("Ray tracing pipeline created with %d groups.", p.groupCount)
	return h, nil
}

func (d *Device) releasePipeline(p *pipeline) {
	if p.handle != vk.NullPipeline {
		vk.DestroyPipeline(d.device, p.handle, nil)
	}
	for _, m := range p.modules {
		vk.DestroyShaderModule(d.device, m, nil)
	}
	if p.layout != vk.NullPipelineLayout {
		vk.DestroyPipelineLayout(d.device, p.layout, nil)
	}
	if p.setLayout != vk.NullDescriptorSetLayout {
		vk.DestroyDescriptorSetLayout(d.device, p.setLayout, nil)
	}
}

func (d *Device) DestroyPipeline(h driver.Pipeline) {
	p, ok := d.pipelines[h]
	if !ok {
		return
	}
	d.releasePipeline(p)
	delete(d.pipelines, h)
}

func (d *Device) ShaderGroupHandles(h driver.Pipeline, firstGroup, groupCount uint32) ([]byte, error) {
	p, ok := d.pipelines[h]
	if !ok {
		return nil, errors.Newf("shader group handles: unknown pipeline %d", h)
	}
	if firstGroup+groupCount > p.groupCount {
		return nil, errors.Newf("shader group handles: groups %d..%d out of %d", firstGroup, firstGroup+groupCount, p.groupCount)
	}
	data := make([]byte, groupCount*d.info.RayTracing.ShaderGroupHandleSize)
	if res := d.khr.shaderGroupHandles(d.device, p.handle, firstGroup, groupCount, data); res != vk.Success {
		return nil, check("get shader group handles", res)
	}
	return data, nil
}

// CreateBindings allocates a descriptor set for the pipeline's layout from a
// pool sized for exactly that set.
func (d *Device) CreateBindings(ph driver.Pipeline) (driver.Bindings, error) {
	p, ok := d.pipelines[ph]
	if !ok {
		return 0, errors.Newf("create bindings: unknown pipeline %d", ph)
	}

	counts := make(map[vk.DescriptorType]uint32)
	for _, t := range p.bindings {
		counts[toDescriptorType(t)]++
	}
	sizes := make([]vk.DescriptorPoolSize, 0, len(counts))
	for t, n := range counts {
		sizes = append(sizes, vk.DescriptorPoolSize{Type: t, DescriptorCount: n})
	}
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       1,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	set := &bindingSet{pipeline: ph}
	if res := vk.CreateDescriptorPool(d.device, &poolInfo, nil, &set.pool); res != vk.Success {
		return 0, check("create descriptor pool", res)
	}

	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     set.pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{p.setLayout},
	}
	if res := vk.AllocateDescriptorSets(d.device, &allocInfo, &set.set); res != vk.Success {
		vk.DestroyDescriptorPool(d.device, set.pool, nil)
		return 0, check("allocate descriptor set", res)
	}

	h := driver.Bindings(d.handle())
	d.bindings[h] = set
	return h, nil
}

func (d *Device) DestroyBindings(h driver.Bindings) {
	set, ok := d.bindings[h]
	if !ok {
		return
	}
	// Destroying the pool frees the set.
	vk.DestroyDescriptorPool(d.device, set.pool, nil)
	delete(d.bindings, h)
}

func (d *Device) UpdateBindings(h driver.Bindings, writes []driver.BindingWrite) error {
	set, ok := d.bindings[h]
	if !ok {
		return errors.Newf("update bindings: unknown bindings %d", h)
	}
	p := d.pipelines[set.pipeline]
	if p == nil {
		return errors.Newf("update bindings: pipeline %d was destroyed", set.pipeline)
	}

	var chains []cChain
	defer func() {
		for _, c := range chains {
			c.free()
		}
	}()

	vkWrites := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		if int(w.Binding) >= len(p.bindings) || p.bindings[w.Binding] != w.Type {
			return errors.Newf("update bindings: slot %d does not take type %d", w.Binding, w.Type)
		}
		write := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set.set,
			DstBinding:      w.Binding,
			DescriptorCount: 1,
			DescriptorType:  toDescriptorType(w.Type),
		}
		switch w.Type {
		case driver.BindingAccelerationStructure:
			as, ok := d.accels[w.AccelerationStructure]
			if !ok {
				return errors.Newf("update bindings: unknown acceleration structure %d", w.AccelerationStructure)
			}
			chain := newAccelerationStructureWrite(as.handle)
			chains = append(chains, chain)
			write.PNext = chain.ptr
		case driver.BindingStorageImage:
			img, ok := d.images[w.Image]
			if !ok || img.view == vk.NullImageView {
				return errors.Newf("update bindings: image %d has no storage view", w.Image)
			}
			write.PImageInfo = []vk.DescriptorImageInfo{{
				ImageView:   img.view,
				ImageLayout: vk.ImageLayoutGeneral,
			}}
		default:
			b, ok := d.buffers[w.Buffer]
			if !ok {
				return errors.Newf("update bindings: unknown buffer %d", w.Buffer)
			}
			size := vk.DeviceSize(w.Range)
			if size == 0 {
				size = vk.DeviceSize(vk.WholeSize)
			}
			write.PBufferInfo = []vk.DescriptorBufferInfo{{
				Buffer: b.handle,
				Offset: vk.DeviceSize(w.Offset),
				Range:  size,
			}}
		}
		vkWrites = append(vkWrites, write)
	}
	if len(vkWrites) == 0 {
		return nil
	}
	return d.locks.safeCall(descriptorManagement, func() error {
		vk.UpdateDescriptorSets(d.device, uint32(len(vkWrites)), vkWrites, 0, nil)
		return nil
	})
}
