package kernels

import (
	"fmt"

	"github.com/openfluke/loomgpu/nn"
)

// Shape binds a layer kernel to fixed dimensions.
type Shape struct {
	PrevSize  int
	Size      int
	BatchSize int
}

// Key identifies compiled kernels; kernels built for one key are never used
// for another.
func (s Shape) Key(a nn.Activation) string {
	name := "nil"
	if a != nil {
		name = a.Kind().String()
		if c, ok := a.(*nn.Custom); ok && c.Name != "" {
			name = c.Name
		}
	}
	return fmt.Sprintf("%dx%dx%d/%s", s.PrevSize, s.Size, s.BatchSize, name)
}

func (s Shape) validate() error {
	if s.PrevSize <= 0 || s.Size <= 0 || s.BatchSize <= 0 {
		return fmt.Errorf("%w: invalid kernel shape %+v", ErrConfiguration, s)
	}
	return nil
}

// ForwardResult holds row-major [BatchSize*Size] buffers. They belong to the
// kernel and are overwritten by its next run.
type ForwardResult struct {
	Prime  []float32
	Result []float32
}

// BackwardResult holds the gradients of one backward run. DW is row-major
// [Size*PrevSize]; DError is [BatchSize*PrevSize] or nil when the kernel was
// built without error propagation.
type BackwardResult struct {
	DB     []float32
	DW     []float32
	DError []float32
}

// Factory builds per-layer kernel pipelines on a device.
type Factory struct {
	Device Device
	Tactic Tactic
}

func NewFactory(dev Device, tactic Tactic) *Factory {
	return &Factory{Device: dev, Tactic: tactic}
}

// ForwardKernel computes prime = bias + input·Wᵀ and result = value(prime)
// for one layer.
type ForwardKernel struct {
	shape    Shape
	key      string
	pipeline Pipeline
}

// Forward compiles the forward pipeline of a layer.
func (f *Factory) Forward(shape Shape, act nn.Activation) (*ForwardKernel, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	ak, err := CompileActivation(act)
	if err != nil {
		return nil, err
	}
	prog := forwardProgram(shape, ak, f.Tactic)
	prog.Name = "forward/" + shape.Key(act)
	p, err := f.Device.Compile(prog)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", prog.Name, err)
	}
	return &ForwardKernel{shape: shape, key: shape.Key(act), pipeline: p}, nil
}

func (k *ForwardKernel) Shape() Shape { return k.shape }
func (k *ForwardKernel) Key() string  { return k.key }

// Run executes the pipeline. input is [BatchSize*PrevSize], weights
// [Size*PrevSize] and biases [Size].
func (k *ForwardKernel) Run(input, weights, biases []float32, actualSize int) (ForwardResult, error) {
	if k.pipeline == nil {
		return ForwardResult{}, fmt.Errorf("%w: forward kernel %s", ErrDestroyed, k.key)
	}
	if err := checkActualSize(actualSize, k.shape.BatchSize); err != nil {
		return ForwardResult{}, err
	}
	out, err := k.pipeline.Run(map[string][]float32{
		"input":   input,
		"weights": weights,
		"biases":  biases,
	}, actualSize)
	if err != nil {
		return ForwardResult{}, err
	}
	return ForwardResult{Prime: out["prime"], Result: out["result"]}, nil
}

// Destroy releases the pipeline; it is safe to call more than once.
func (k *ForwardKernel) Destroy() {
	if k.pipeline != nil {
		k.pipeline.Destroy()
		k.pipeline = nil
	}
}

// BackwardKernel computes the gradients of one layer and, unless built
// without it, the error for the previous layer.
type BackwardKernel struct {
	shape       Shape
	key         string
	propagation bool
	pipeline    Pipeline
}

// Backward compiles the backward pipeline of a layer. The error propagation
// stage is left out when propagateError is false.
func (f *Factory) Backward(shape Shape, act nn.Activation, propagateError bool) (*BackwardKernel, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	ak, err := CompileActivation(act)
	if err != nil {
		return nil, err
	}
	prog := backwardProgram(shape, ak, f.Tactic, propagateError)
	prog.Name = "backward/" + shape.Key(act)
	p, err := f.Device.Compile(prog)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", prog.Name, err)
	}
	return &BackwardKernel{shape: shape, key: shape.Key(act), propagation: propagateError, pipeline: p}, nil
}

func (k *BackwardKernel) Shape() Shape          { return k.shape }
func (k *BackwardKernel) Key() string           { return k.key }
func (k *BackwardKernel) PropagatesError() bool { return k.propagation }

// Run executes the pipeline. prime and errors are [BatchSize*Size], input is
// the forward input [BatchSize*PrevSize] and weights [Size*PrevSize].
func (k *BackwardKernel) Run(prime, errors, input, weights []float32, actualSize int) (BackwardResult, error) {
	if k.pipeline == nil {
		return BackwardResult{}, fmt.Errorf("%w: backward kernel %s", ErrDestroyed, k.key)
	}
	if err := checkActualSize(actualSize, k.shape.BatchSize); err != nil {
		return BackwardResult{}, err
	}
	out, err := k.pipeline.Run(map[string][]float32{
		"prime":   prime,
		"errors":  errors,
		"input":   input,
		"weights": weights,
	}, actualSize)
	if err != nil {
		return BackwardResult{}, err
	}
	res := BackwardResult{DB: out["dB"], DW: out["dW"]}
	if k.propagation {
		res.DError = out["dError"]
	}
	return res, nil
}

func (k *BackwardKernel) Destroy() {
	if k.pipeline != nil {
		k.pipeline.Destroy()
		k.pipeline = nil
	}
}

func checkActualSize(actualSize, batchSize int) error {
	if actualSize < 0 || actualSize > batchSize {
		return fmt.Errorf("%w: actual size %d outside [0, %d]", ErrDimension, actualSize, batchSize)
	}
	return nil
}

func forwardProgram(s Shape, ak *ActivationKernels, t Tactic) *Program {
	prev, size, batch := s.PrevSize, s.Size, s.BatchSize
	value := ak.HostValue

	prime := Stage{
		Name:   "prime",
		Inputs: []string{"input", "weights", "biases"},
		Grid:   Grid{X: size, Y: batch},
		WGSL: "if (y >= actual_size) {\n    out[idx] = 0.0;\n    return;\n}\n" +
			wgslSum(t, "sum", "biases[x]", "j", prev, "",
				fmt.Sprintf("input[y * %du + j] * weights[x * %du + j]", prev, prev)) +
			"out[idx] = sum;",
		Eval: func(x, y int, in [][]float32, actualSize int) float32 {
			if y >= actualSize {
				return 0
			}
			input, weights := in[0][y*prev:(y+1)*prev], in[1][x*prev:(x+1)*prev]
			return hostSum(t, in[2][x], prev, func(j int) float32 { return input[j] * weights[j] })
		},
	}

	result := Stage{
		Name:   "result",
		Inputs: []string{"prime"},
		Grid:   Grid{X: size, Y: batch},
		Funcs:  []KernelFunc{ak.Value},
		WGSL:   fmt.Sprintf("out[idx] = %s(prime[idx]);", ValueFuncName),
		Eval: func(x, y int, in [][]float32, _ int) float32 {
			return value(in[0][y*size+x])
		},
	}

	return &Program{
		Args: []Arg{
			{Name: "input", Len: batch * prev},
			{Name: "weights", Len: size * prev},
			{Name: "biases", Len: size},
		},
		Stages:  []Stage{prime, result},
		Outputs: []string{"prime", "result"},
	}
}

func backwardProgram(s Shape, ak *ActivationKernels, t Tactic, propagateError bool) *Program {
	prev, size, batch := s.PrevSize, s.Size, s.BatchSize
	moment := ak.HostMoment

	gradient := Stage{
		Name:   "gradient",
		Inputs: []string{"prime", "errors"},
		Grid:   Grid{X: size, Y: batch},
		Funcs:  []KernelFunc{ak.Moment},
		WGSL: "if (y >= actual_size) {\n    out[idx] = 0.0;\n    return;\n}\n" +
			fmt.Sprintf("out[idx] = %s(prime[idx]) * errors[idx];", MomentFuncName),
		Eval: func(x, y int, in [][]float32, actualSize int) float32 {
			if y >= actualSize {
				return 0
			}
			i := y*size + x
			return moment(in[0][i]) * in[1][i]
		},
	}

	// dB and dW walk the compiled batch size and stop at actual_size so one
	// pipeline serves every partial batch.
	dB := Stage{
		Name:   "dB",
		Inputs: []string{"gradient"},
		Grid:   Grid{X: size, Y: 1},
		WGSL: wgslSum(t, "sum", "0.0", "b", batch, "b >= actual_size",
			fmt.Sprintf("gradient[b * %du + x]", size)) +
			"out[idx] = sum;",
		Eval: func(x, _ int, in [][]float32, actualSize int) float32 {
			grad := in[0]
			return hostSum(t, 0, min(batch, actualSize), func(b int) float32 { return grad[b*size+x] })
		},
	}

	dW := Stage{
		Name:   "dW",
		Inputs: []string{"input", "gradient"},
		Grid:   Grid{X: prev, Y: size},
		WGSL: wgslSum(t, "sum", "0.0", "b", batch, "b >= actual_size",
			fmt.Sprintf("input[b * %du + x] * gradient[b * %du + y]", prev, size)) +
			"out[idx] = sum;",
		Eval: func(x, y int, in [][]float32, actualSize int) float32 {
			input, grad := in[0], in[1]
			return hostSum(t, 0, min(batch, actualSize), func(b int) float32 { return input[b*prev+x] * grad[b*size+y] })
		},
	}

	prog := &Program{
		Args: []Arg{
			{Name: "prime", Len: batch * size},
			{Name: "errors", Len: batch * size},
			{Name: "input", Len: batch * prev},
			{Name: "weights", Len: size * prev},
		},
		Stages:  []Stage{gradient, dB, dW},
		Outputs: []string{"dB", "dW"},
	}
	if !propagateError {
		return prog
	}

	dError := Stage{
		Name:   "dError",
		Inputs: []string{"weights", "gradient"},
		Grid:   Grid{X: prev, Y: batch},
		WGSL: "if (y >= actual_size) {\n    out[idx] = 0.0;\n    return;\n}\n" +
			wgslSum(t, "sum", "0.0", "n", size, "",
				fmt.Sprintf("weights[n * %du + x] * gradient[y * %du + n]", prev, size)) +
			"out[idx] = sum;",
		Eval: func(x, y int, in [][]float32, actualSize int) float32 {
			if y >= actualSize {
				return 0
			}
			weights, grad := in[0], in[1][y*size:(y+1)*size]
			return hostSum(t, 0, size, func(n int) float32 { return weights[n*prev+x] * grad[n] })
		},
	}
	prog.Stages = append(prog.Stages, dError)
	prog.Outputs = append(prog.Outputs, "dError")
	return prog
}

// hostSum mirrors wgslSum on the host: float64 accumulation for
// TacticPrecision, plain float32 otherwise.
func hostSum(t Tactic, init float32, n int, term func(i int) float32) float32 {
	if t == TacticPrecision {
		sum := float64(init)
		for i := 0; i < n; i++ {
			sum += float64(term(i))
		}
		return float32(sum)
	}
	sum := init
	for i := 0; i < n; i++ {
		sum += term(i)
	}
	return sum
}
