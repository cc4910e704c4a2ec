package kernels

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// CPUDevice runs programs on the host, splitting every grid across
// goroutines.
type CPUDevice struct {
	workers int
}

// NewCPUDevice returns a host device using up to workers goroutines per
// stage; workers <= 0 means GOMAXPROCS.
func NewCPUDevice(workers int) *CPUDevice {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &CPUDevice{workers: workers}
}

func (d *CPUDevice) Name() string { return "cpu" }

func (d *CPUDevice) Close() {}

func (d *CPUDevice) Compile(p *Program) (Pipeline, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cp := &cpuPipeline{program: p, workers: d.workers, buffers: map[string][]float32{}}
	for _, s := range p.Stages {
		cp.buffers[s.Name] = make([]float32, s.Grid.Len())
	}
	return cp, nil
}

type cpuPipeline struct {
	program *Program
	workers int
	buffers map[string][]float32
	results map[string][]float32
}

// minChunk keeps tiny grids on a single goroutine.
const minChunk = 256

func (c *cpuPipeline) Run(args map[string][]float32, actualSize int) (map[string][]float32, error) {
	if c.buffers == nil {
		return nil, fmt.Errorf("%w: pipeline %s", ErrDestroyed, c.program.Name)
	}
	if err := c.program.CheckArgs(args); err != nil {
		return nil, err
	}

	for i := range c.program.Stages {
		s := &c.program.Stages[i]
		in := make([][]float32, len(s.Inputs))
		for j, name := range s.Inputs {
			if v, ok := c.buffers[name]; ok {
				in[j] = v
			} else {
				in[j] = args[name]
			}
		}
		c.runStage(s, in, c.buffers[s.Name], actualSize)
	}

	if c.results == nil {
		c.results = make(map[string][]float32, len(c.program.Outputs))
	}
	for _, name := range c.program.Outputs {
		c.results[name] = c.buffers[name]
	}
	return c.results, nil
}

func (c *cpuPipeline) runStage(s *Stage, in [][]float32, out []float32, actualSize int) {
	total := len(out)
	chunk := (total + c.workers - 1) / c.workers
	if chunk < minChunk {
		chunk = minChunk
	}

	var g errgroup.Group
	g.SetLimit(c.workers)
	for start := 0; start < total; start += chunk {
		start, end := start, min(start+chunk, total)
		g.Go(func() error {
			for idx := start; idx < end; idx++ {
				out[idx] = s.Eval(idx%s.Grid.X, idx/s.Grid.X, in, actualSize)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *cpuPipeline) Destroy() {
	c.buffers = nil
	c.results = nil
}
