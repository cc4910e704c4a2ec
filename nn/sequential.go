package nn

import (
	"fmt"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Sequential is a feed-forward stack of Dense layers. Layer 0 is the input
// layer and only declares the input width.
type Sequential struct {
	layers    []*Dense
	optimizer Optimizer
	loss      Loss
	rng       *rand.Rand

	epoch    int
	compiled bool
	frozen   map[Layer]bool
}

// NewSequential creates an empty model. A nil optimizer defaults to SGD
// with learning rate 0.01 and a nil loss to MSE.
func NewSequential(optimizer Optimizer, loss Loss) *Sequential {
	if optimizer == nil {
		optimizer = NewSGDOptimizer(0.01)
	}
	if loss == nil {
		loss = MSE{}
	}
	return &Sequential{optimizer: optimizer, loss: loss, frozen: map[Layer]bool{}}
}

// WithRand sets the source used for weight initialisation and dropout.
func (m *Sequential) WithRand(rng *rand.Rand) *Sequential {
	m.rng = rng
	return m
}

// AddLayer appends a layer; it panics once the model is compiled.
func (m *Sequential) AddLayer(l *Dense) *Sequential {
	if m.compiled {
		panic("nn: AddLayer on compiled model")
	}
	m.layers = append(m.layers, l)
	return m
}

// Compile builds every layer against the width of its predecessor.
func (m *Sequential) Compile() error {
	if m.compiled {
		return nil
	}
	if len(m.layers) < 2 {
		return fmt.Errorf("model needs an input layer and at least one more layer, got %d", len(m.layers))
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	prev := 0
	for i, l := range m.layers {
		if err := l.Build(i, prev, m.rng); err != nil {
			return fmt.Errorf("compile: %w", err)
		}
		prev = l.Size()
	}
	m.compiled = true
	return nil
}

func (m *Sequential) IsCompiled() bool     { return m.compiled }
func (m *Sequential) Epoch() int           { return m.epoch }
func (m *Sequential) Optimizer() Optimizer { return m.optimizer }
func (m *Sequential) Loss() Loss           { return m.loss }
func (m *Sequential) Rand() *rand.Rand     { return m.rng }

func (m *Sequential) InputSize() int {
	if len(m.layers) == 0 {
		return 0
	}
	return m.layers[0].Size()
}

func (m *Sequential) OutputSize() int {
	if len(m.layers) == 0 {
		return 0
	}
	return m.layers[len(m.layers)-1].Size()
}

// Layers returns every layer including the input layer.
func (m *Sequential) Layers() []Layer {
	out := make([]Layer, len(m.layers))
	for i, l := range m.layers {
		out[i] = l
	}
	return out
}

// DenseLayers returns the concrete layers including the input layer.
func (m *Sequential) DenseLayers() []*Dense { return m.layers }

// IsTrainable reports whether the optimizer may update l in this model.
func (m *Sequential) IsTrainable(l Layer) bool {
	return l.Index() > 0 && !m.frozen[l]
}

// Freeze excludes l from optimizer updates.
func (m *Sequential) Freeze(l Layer) { m.frozen[l] = true }

func (m *Sequential) BeforeTrain() {}

func (m *Sequential) AfterTrain() { m.epoch++ }

// Compute evaluates a single row in float64 precision.
func (m *Sequential) Compute(input []float32) ([]float32, error) {
	if !m.compiled {
		return nil, ErrNotCompiled
	}
	if len(input) != m.InputSize() {
		return nil, fmt.Errorf("wrong input dimension: expected %d, got %d", m.InputSize(), len(input))
	}
	x := mat.NewVecDense(len(input), toFloat64(input))
	for _, l := range m.layers[1:] {
		prime := layerPrime(l, x)
		x = activate(l.Activation(), prime)
	}
	return toFloat32(x.RawVector().Data), nil
}

// layerPrime returns biases + W * x.
func layerPrime(l *Dense, x *mat.VecDense) *mat.VecDense {
	prime := mat.NewVecDense(l.Size(), toFloat64(l.Biases()))
	var wx mat.VecDense
	wx.MulVec(weightMatrix(l), x)
	prime.AddVec(prime, &wx)
	return prime
}

func activate(a Activation, prime *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(prime.Len(), nil)
	for i := 0; i < prime.Len(); i++ {
		out.SetVec(i, a.Value(prime.AtVec(i)))
	}
	return out
}

func weightMatrix(l *Dense) *mat.Dense {
	w := mat.NewDense(l.Size(), l.PrevSize(), nil)
	for n, row := range l.Weights() {
		for p, v := range row {
			w.Set(n, p, float64(v))
		}
	}
	return w
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
