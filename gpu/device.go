package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/loomgpu/kernels"
)

// Device compiles kernel programs into WebGPU compute pipelines.
type Device struct {
	ctx           *Context
	workgroupSize int

	mu        sync.Mutex
	pipelines map[*Pipeline]struct{}
	closed    bool
}

// NewDevice opens the shared WebGPU context. workgroupSize <= 0 uses the
// adapter recommendation.
func NewDevice(workgroupSize int) (*Device, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	if workgroupSize <= 0 {
		workgroupSize = int(c.Report.Recommended.WorkgroupX)
	}
	if limit := int(c.Report.Limits.MaxComputeWorkgroupSizeX); limit > 0 && workgroupSize > limit {
		workgroupSize = limit
	}
	return &Device{ctx: c, workgroupSize: workgroupSize, pipelines: map[*Pipeline]struct{}{}}, nil
}

func (d *Device) Name() string {
	return fmt.Sprintf("webgpu(%s, %s)", d.ctx.Report.Name, d.ctx.Report.Backend)
}

func (d *Device) WorkgroupSize() int { return d.workgroupSize }

// Close destroys every pipeline still alive. The process-wide context stays
// open for other devices.
func (d *Device) Close() {
	d.mu.Lock()
	live := make([]*Pipeline, 0, len(d.pipelines))
	for p := range d.pipelines {
		live = append(live, p)
	}
	d.closed = true
	d.mu.Unlock()

	for _, p := range live {
		p.Destroy()
	}
}

type stagePipeline struct {
	stage     *kernels.Stage
	pipeline  *wgpu.ComputePipeline
	layout    *wgpu.BindGroupLayout
	bindGroup *wgpu.BindGroup
	groupsX   uint32
	groupsY   uint32
}

// Pipeline is a compiled program: one compute pipeline per stage sharing
// device-resident buffers, run in a single command submission.
type Pipeline struct {
	dev     *Device
	program *kernels.Program

	buffers map[string]*wgpu.Buffer
	staging map[string]*wgpu.Buffer
	params  *wgpu.Buffer
	stages  []*stagePipeline

	results   map[string][]float32
	destroyed bool
}

func (d *Device) Compile(p *kernels.Program) (kernels.Pipeline, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: device is closed", kernels.ErrState)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	gp := &Pipeline{
		dev:     d,
		program: p,
		buffers: map[string]*wgpu.Buffer{},
		staging: map[string]*wgpu.Buffer{},
		results: map[string][]float32{},
	}
	if err := gp.build(); err != nil {
		gp.Destroy()
		return nil, fmt.Errorf("%w: %s: %v", kernels.ErrConfiguration, p.Name, err)
	}

	d.mu.Lock()
	d.pipelines[gp] = struct{}{}
	d.mu.Unlock()
	return gp, nil
}

func (p *Pipeline) build() error {
	c := p.dev.ctx
	if Debug {
		Log("compiling %s (%d stages, workgroup %d)", p.program.Name, len(p.program.Stages), p.dev.workgroupSize)
	}

	var total uint64
	alloc := func(name string, n int) error {
		bytes := uint64(n * 4)
		if err := c.Report.CheckBuffer(bytes); err != nil {
			return fmt.Errorf("buffer %s: %w", name, err)
		}
		total += bytes
		buf, err := newStorageBuffer(c, p.program.Name+"/"+name, n)
		if err != nil {
			return err
		}
		p.buffers[name] = buf
		return nil
	}
	for _, a := range p.program.Args {
		if err := alloc(a.Name, a.Len); err != nil {
			return err
		}
	}
	for _, s := range p.program.Stages {
		if err := alloc(s.Name, s.Grid.Len()); err != nil {
			return err
		}
	}
	for _, name := range p.program.Outputs {
		n := p.program.BufferLen(name)
		buf, err := newStagingBuffer(c, p.program.Name+"/"+name+"_staging", n)
		if err != nil {
			return err
		}
		p.staging[name] = buf
		p.results[name] = make([]float32, n)
		total += uint64(n * 4)
	}
	if c.Report.OverBudget(total) {
		Log("%s allocates %d bytes, over the %d byte budget", p.program.Name, total, c.Report.Recommended.BudgetBytes)
	}

	var err error
	p.params, err = newUniformBuffer(c, p.program.Name+"/params", 4)
	if err != nil {
		return err
	}

	for i := range p.program.Stages {
		sp, err := p.compileStage(&p.program.Stages[i])
		if err != nil {
			return err
		}
		p.stages = append(p.stages, sp)
	}
	return nil
}

func (p *Pipeline) compileStage(s *kernels.Stage) (*stagePipeline, error) {
	c := p.dev.ctx
	label := p.program.Name + "/" + s.Name
	shader := kernels.ShaderSource(s, p.dev.workgroupSize)
	if Debug {
		Log("%s shader:\n%s", label, shader)
	}

	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shader},
	})
	if err != nil {
		return nil, fmt.Errorf("shader compile %s: %v", label, err)
	}
	defer module.Release()

	// Explicit layout: auto layouts drop bindings a stage doesn't touch.
	n := len(s.Inputs)
	layoutEntries := make([]wgpu.BindGroupLayoutEntry, 0, n+2)
	groupEntries := make([]wgpu.BindGroupEntry, 0, n+2)
	for i, in := range s.Inputs {
		layoutEntries = append(layoutEntries, wgpu.BindGroupLayoutEntry{
			Binding: uint32(i), Visibility: wgpu.ShaderStageCompute,
			Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage},
		})
		buf := p.buffers[in]
		groupEntries = append(groupEntries, wgpu.BindGroupEntry{Binding: uint32(i), Buffer: buf, Size: buf.GetSize()})
	}
	out := p.buffers[s.Name]
	layoutEntries = append(layoutEntries,
		wgpu.BindGroupLayoutEntry{Binding: uint32(n), Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
		wgpu.BindGroupLayoutEntry{Binding: uint32(n + 1), Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform}},
	)
	groupEntries = append(groupEntries,
		wgpu.BindGroupEntry{Binding: uint32(n), Buffer: out, Size: out.GetSize()},
		wgpu.BindGroupEntry{Binding: uint32(n + 1), Buffer: p.params, Size: p.params.GetSize()},
	)

	sp := &stagePipeline{stage: s}
	sp.layout, err = c.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   label + "_BGL",
		Entries: layoutEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bgl %s: %v", label, err)
	}

	pipelineLayout, err := c.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            label + "_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{sp.layout},
	})
	if err != nil {
		sp.release()
		return nil, fmt.Errorf("create pipeline layout %s: %v", label, err)
	}
	defer pipelineLayout.Release()

	sp.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label + "_Pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		sp.release()
		return nil, fmt.Errorf("pipeline create %s: %v", label, err)
	}

	sp.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label + "_Bind",
		Layout:  sp.layout,
		Entries: groupEntries,
	})
	if err != nil {
		sp.release()
		return nil, fmt.Errorf("create bind group %s: %v", label, err)
	}

	sp.groupsX, sp.groupsY = kernels.Dispatch(s, p.dev.workgroupSize)
	return sp, nil
}

func (sp *stagePipeline) release() {
	if sp.bindGroup != nil {
		sp.bindGroup.Release()
		sp.bindGroup = nil
	}
	if sp.pipeline != nil {
		sp.pipeline.Release()
		sp.pipeline = nil
	}
	if sp.layout != nil {
		sp.layout.Release()
		sp.layout = nil
	}
}

// Run uploads args, dispatches every stage in order within one submission
// and reads the requested outputs back. It blocks until the results are on
// the host.
func (p *Pipeline) Run(args map[string][]float32, actualSize int) (map[string][]float32, error) {
	if p.destroyed {
		return nil, fmt.Errorf("%w: pipeline %s", kernels.ErrDestroyed, p.program.Name)
	}
	if err := p.program.CheckArgs(args); err != nil {
		return nil, err
	}
	c := p.dev.ctx

	for _, a := range p.program.Args {
		c.Queue.WriteBuffer(p.buffers[a.Name], 0, wgpu.ToBytes(args[a.Name]))
	}
	c.Queue.WriteBuffer(p.params, 0, wgpu.ToBytes([]uint32{uint32(actualSize), 0, 0, 0}))

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %v", err)
	}
	for _, sp := range p.stages {
		if Debug {
			Log("dispatch %s/%s %dx%d workgroups", p.program.Name, sp.stage.Name, sp.groupsX, sp.groupsY)
		}
		pass := enc.BeginComputePass(nil)
		pass.SetPipeline(sp.pipeline)
		pass.SetBindGroup(0, sp.bindGroup, nil)
		pass.DispatchWorkgroups(sp.groupsX, sp.groupsY, 1)
		pass.End()
	}
	for _, name := range p.program.Outputs {
		src := p.buffers[name]
		enc.CopyBufferToBuffer(src, 0, p.staging[name], 0, src.GetSize())
	}
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to finish command: %v", err)
	}
	c.Queue.Submit(cmd)

	for _, name := range p.program.Outputs {
		if err := readStaging(c, p.staging[name], p.results[name]); err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", p.program.Name, name, err)
		}
	}
	return p.results, nil
}

// Destroy releases every GPU handle of the pipeline; it is idempotent.
func (p *Pipeline) Destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true

	for _, sp := range p.stages {
		sp.release()
	}
	for _, buf := range p.buffers {
		buf.Destroy()
	}
	for _, buf := range p.staging {
		buf.Destroy()
	}
	if p.params != nil {
		p.params.Destroy()
	}
	p.stages, p.buffers, p.staging, p.params, p.results = nil, nil, nil, nil, nil

	p.dev.mu.Lock()
	delete(p.dev.pipelines, p)
	p.dev.mu.Unlock()
}
