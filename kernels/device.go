package kernels

import "fmt"

// Tactic selects the numeric mode kernels are generated for.
type Tactic int

const (
	// TacticPrecision accumulates sums with extra precision: float64 on the
	// host device, Kahan-compensated f32 in shaders.
	TacticPrecision Tactic = iota
	// TacticSpeed uses plain f32 accumulation.
	TacticSpeed
)

func (t Tactic) String() string {
	if t == TacticSpeed {
		return "speed"
	}
	return "precision"
}

// Grid is the thread grid of a stage. X varies fastest; thread (x, y)
// writes element y*X + x of the stage output.
type Grid struct {
	X, Y int
}

func (g Grid) Len() int { return g.X * g.Y }

// Arg declares an input buffer supplied on every Run.
type Arg struct {
	Name string
	Len  int
}

// Stage is one kernel of a pipeline. Its output buffer is named after the
// stage and can be consumed by later stages.
type Stage struct {
	Name   string
	Inputs []string
	Grid   Grid

	// Funcs are helper functions included in the shader module.
	Funcs []KernelFunc
	// WGSL is the body of the compute entry point. It can use idx, x, y,
	// actual_size, every input by name, and must write out[idx].
	WGSL string

	// Eval computes thread (x, y) on the host device.
	Eval func(x, y int, in [][]float32, actualSize int) float32
}

// Program describes a fused pipeline of stages bound to fixed shapes.
type Program struct {
	Name    string
	Args    []Arg
	Stages  []Stage
	Outputs []string
}

// Validate checks that every stage input and requested output refers to an
// argument or an earlier stage.
func (p *Program) Validate() error {
	known := map[string]int{}
	for _, a := range p.Args {
		if _, dup := known[a.Name]; dup {
			return fmt.Errorf("%w: program %s: duplicate buffer %q", ErrConfiguration, p.Name, a.Name)
		}
		if a.Len <= 0 {
			return fmt.Errorf("%w: program %s: argument %q has length %d", ErrConfiguration, p.Name, a.Name, a.Len)
		}
		known[a.Name] = a.Len
	}
	for _, s := range p.Stages {
		if _, dup := known[s.Name]; dup {
			return fmt.Errorf("%w: program %s: duplicate buffer %q", ErrConfiguration, p.Name, s.Name)
		}
		if s.Grid.Len() <= 0 {
			return fmt.Errorf("%w: program %s: stage %q has empty grid", ErrConfiguration, p.Name, s.Name)
		}
		if s.Eval == nil {
			return fmt.Errorf("%w: program %s: stage %q has no host body", ErrConfiguration, p.Name, s.Name)
		}
		for _, in := range s.Inputs {
			if _, ok := known[in]; !ok {
				return fmt.Errorf("%w: program %s: stage %q reads unknown buffer %q", ErrConfiguration, p.Name, s.Name, in)
			}
		}
		known[s.Name] = s.Grid.Len()
	}
	for _, out := range p.Outputs {
		if _, ok := known[out]; !ok {
			return fmt.Errorf("%w: program %s: unknown output %q", ErrConfiguration, p.Name, out)
		}
	}
	return nil
}

// BufferLen returns the declared length of a named buffer, or 0.
func (p *Program) BufferLen(name string) int {
	for _, a := range p.Args {
		if a.Name == name {
			return a.Len
		}
	}
	for _, s := range p.Stages {
		if s.Name == name {
			return s.Grid.Len()
		}
	}
	return 0
}

// CheckArgs verifies that args holds every declared argument with its
// declared length.
func (p *Program) CheckArgs(args map[string][]float32) error {
	for _, a := range p.Args {
		v, ok := args[a.Name]
		if !ok {
			return fmt.Errorf("%w: program %s: missing argument %q", ErrDimension, p.Name, a.Name)
		}
		if len(v) != a.Len {
			return fmt.Errorf("%w: program %s: argument %q has %d values, expected %d", ErrDimension, p.Name, a.Name, len(v), a.Len)
		}
	}
	return nil
}

// Pipeline is a compiled Program. Run blocks until results are available on
// the host. Returned slices belong to the pipeline and are overwritten by the
// next Run. Destroy releases device resources and is idempotent.
type Pipeline interface {
	Run(args map[string][]float32, actualSize int) (map[string][]float32, error)
	Destroy()
}

// Device compiles programs into pipelines.
type Device interface {
	Name() string
	Compile(p *Program) (Pipeline, error)
	Close()
}
