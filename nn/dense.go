package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// DenseOptions configures a Dense layer.
type DenseOptions struct {
	Activation Activation
	Dropout    float32
	Regularization
}

// Dense is a fully-connected layer. The first layer of a model is the input
// layer: it only declares the input width and owns no weights.
type Dense struct {
	size       int
	prevSize   int
	index      int
	activation Activation
	dropout    float32
	reg        Regularization

	weights [][]float32 // [size][prevSize]
	biases  []float32

	built bool
}

// NewDense creates a layer of the given width. Activation defaults to Sigmoid.
func NewDense(size int, opts ...DenseOptions) *Dense {
	d := &Dense{size: size, activation: Sigmoid{}}
	if len(opts) > 0 {
		o := opts[0]
		if o.Activation != nil {
			d.activation = o.Activation
		}
		d.dropout = o.Dropout
		d.reg = o.Regularization
	}
	return d
}

func (d *Dense) Index() int                     { return d.index }
func (d *Dense) Size() int                      { return d.size }
func (d *Dense) PrevSize() int                  { return d.prevSize }
func (d *Dense) Activation() Activation         { return d.activation }
func (d *Dense) Weights() [][]float32           { return d.weights }
func (d *Dense) Biases() []float32              { return d.biases }
func (d *Dense) DropoutRate() float32           { return d.dropout }
func (d *Dense) Regularization() Regularization { return d.reg }
func (d *Dense) IsBuilt() bool                  { return d.built }

// Build binds the layer to its position and allocates parameters.
// Weights use Xavier-uniform initialisation from rng; the input layer
// (index 0) gets none.
func (d *Dense) Build(index, prevSize int, rng *rand.Rand) error {
	if d.size <= 0 {
		return fmt.Errorf("layer %d: size must be positive, got %d", index, d.size)
	}
	if d.dropout < 0 || d.dropout >= 1 {
		return fmt.Errorf("layer %d: dropout must be in [0, 1), got %v", index, d.dropout)
	}

	d.index = index
	d.prevSize = prevSize
	d.built = true

	if index == 0 {
		d.weights = nil
		d.biases = nil
		return nil
	}
	if prevSize <= 0 {
		return fmt.Errorf("layer %d: previous size must be positive, got %d", index, prevSize)
	}

	limit := math.Sqrt(6.0 / float64(prevSize+d.size))
	d.weights = make([][]float32, d.size)
	backing := make([]float32, d.size*prevSize)
	for n := range d.weights {
		d.weights[n] = backing[n*prevSize : (n+1)*prevSize]
		for p := range d.weights[n] {
			d.weights[n][p] = float32((rng.Float64()*2 - 1) * limit)
		}
	}
	d.biases = make([]float32, d.size)
	for n := range d.biases {
		d.biases[n] = float32((rng.Float64()*2 - 1) * limit)
	}
	return nil
}

// SetParameters replaces weights and biases; shapes must match.
func (d *Dense) SetParameters(weights [][]float32, biases []float32) error {
	if len(weights) != d.size || len(biases) != d.size {
		return fmt.Errorf("layer %d: expected %d neurons, got %d weights rows and %d biases", d.index, d.size, len(weights), len(biases))
	}
	for n, row := range weights {
		if len(row) != d.prevSize {
			return fmt.Errorf("layer %d: weights row %d has %d columns, expected %d", d.index, n, len(row), d.prevSize)
		}
		copy(d.weights[n], row)
	}
	copy(d.biases, biases)
	return nil
}
