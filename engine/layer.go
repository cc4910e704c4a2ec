package engine

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/loomgpu/kernels"
	"github.com/openfluke/loomgpu/nn"
)

type cycleState int

const (
	stateIdle cycleState = iota
	statePrimed
)

// Gradients are the host copies of one backward run. DError is nil for the
// first hidden layer.
type Gradients struct {
	DW     [][]float32 // [Size][PrevSize]
	DB     []float32
	DError []float32 // row-major [BatchSize*PrevSize]
}

// Layer runs the compiled kernels of one model layer. It keeps the state of
// the current forward/backward cycle: a forward call primes it and the next
// backward call consumes it.
type Layer struct {
	layer nn.Layer
	shape kernels.Shape

	forward  *kernels.ForwardKernel
	backward *kernels.BackwardKernel

	weights []float32 // flat upload of layer.Weights()
	input   []float32
	prime   []float32
	output  []float32
	errors  []float32

	dropouts []*nn.Dropout // one per batch slot

	dW     []float32
	dWRows [][]float32
	dB     []float32
	dErr   []float32

	state      cycleState
	actualSize int
	rows       int // active rows of the last forward
	destroyed  bool
}

// NewLayer compiles the kernels of l. The model's input layer owns no
// weights and can't be wrapped. propagateError is false only for the first
// hidden layer, which has no upstream layer to send its error to.
func NewLayer(factory *kernels.Factory, l nn.Layer, batchSize int, propagateError bool, rng *rand.Rand) (*Layer, error) {
	if l.Index() == 0 || l.PrevSize() == 0 {
		return nil, fmt.Errorf("%w: layer %d is the input layer", ErrConfiguration, l.Index())
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, batchSize)
	}

	shape := kernels.Shape{PrevSize: l.PrevSize(), Size: l.Size(), BatchSize: batchSize}
	fwd, err := factory.Forward(shape, l.Activation())
	if err != nil {
		return nil, fmt.Errorf("layer %d forward: %w", l.Index(), err)
	}
	bwd, err := factory.Backward(shape, l.Activation(), propagateError)
	if err != nil {
		fwd.Destroy()
		return nil, fmt.Errorf("layer %d backward: %w", l.Index(), err)
	}

	u := &Layer{
		layer:    l,
		shape:    shape,
		forward:  fwd,
		backward: bwd,
		weights:  make([]float32, shape.Size*shape.PrevSize),
		input:    make([]float32, batchSize*shape.PrevSize),
		errors:   make([]float32, batchSize*shape.Size),
		dW:       make([]float32, shape.Size*shape.PrevSize),
		dB:       make([]float32, shape.Size),
	}
	u.dWRows = rowsView(u.dW, shape.Size, shape.PrevSize)
	if propagateError {
		u.dErr = make([]float32, batchSize*shape.PrevSize)
	}
	if rate := l.DropoutRate(); rate > 0 {
		u.dropouts = make([]*nn.Dropout, batchSize)
		for i := range u.dropouts {
			u.dropouts[i] = nn.NewDropout(rate, shape.Size, rng)
		}
	}
	return u, nil
}

// Forward runs the layer on a row-major [BatchSize*PrevSize] input and
// returns the [BatchSize*Size] output. Only the first actualSize rows are
// meaningful. In training mode a fresh dropout mask is drawn for every
// active row and applied to the output.
func (u *Layer) Forward(input []float32, actualSize int, training bool) ([]float32, error) {
	if u.destroyed {
		return nil, fmt.Errorf("%w: layer %d", ErrDestroyed, u.layer.Index())
	}
	if len(input) != len(u.input) {
		return nil, fmt.Errorf("%w: layer %d input has %d values, expected %d", ErrDimension, u.layer.Index(), len(input), len(u.input))
	}

	copy(u.input, input)
	flattenInto(u.weights, u.layer.Weights())
	res, err := u.forward.Run(u.input, u.weights, u.layer.Biases(), actualSize)
	if err != nil {
		return nil, err
	}
	u.prime, u.output = res.Prime, res.Result

	if training && u.dropouts != nil {
		size := u.shape.Size
		for b := 0; b < actualSize; b++ {
			d := u.dropouts[b]
			d.CalculateMask()
			d.ApplyMask(u.output[b*size : (b+1)*size])
		}
	}

	u.state, u.actualSize, u.rows = statePrimed, actualSize, actualSize
	return u.output, nil
}

// Backward consumes the primed cycle. errs is the row-major
// [BatchSize*Size] error of the layer output; masked units of a training
// forward get no gradient.
func (u *Layer) Backward(errs []float32, actualSize int) (Gradients, error) {
	if u.destroyed {
		return Gradients{}, fmt.Errorf("%w: layer %d", ErrDestroyed, u.layer.Index())
	}
	if u.state != statePrimed {
		return Gradients{}, fmt.Errorf("%w: layer %d", ErrNotPrimed, u.layer.Index())
	}
	if actualSize != u.actualSize {
		return Gradients{}, fmt.Errorf("%w: layer %d primed with %d rows, backward got %d", ErrDimension, u.layer.Index(), u.actualSize, actualSize)
	}
	if len(errs) != len(u.errors) {
		return Gradients{}, fmt.Errorf("%w: layer %d error has %d values, expected %d", ErrDimension, u.layer.Index(), len(errs), len(u.errors))
	}

	copy(u.errors, errs)
	if u.dropouts != nil {
		size := u.shape.Size
		for b := 0; b < actualSize; b++ {
			u.dropouts[b].ApplyMask(u.errors[b*size : (b+1)*size])
		}
	}

	flattenInto(u.weights, u.layer.Weights())
	res, err := u.backward.Run(u.prime, u.errors, u.input, u.weights, actualSize)
	if err != nil {
		return Gradients{}, err
	}
	u.state, u.actualSize = stateIdle, 0

	copy(u.dW, res.DW)
	copy(u.dB, res.DB)
	g := Gradients{DW: u.dWRows, DB: u.dB}
	if u.dErr != nil {
		copy(u.dErr, res.DError)
		g.DError = u.dErr
	}
	return g, nil
}

// Destroy releases both kernels; it is idempotent.
func (u *Layer) Destroy() {
	if u.destroyed {
		return
	}
	u.destroyed = true
	u.forward.Destroy()
	u.backward.Destroy()
	u.forward, u.backward = nil, nil
	u.prime, u.output = nil, nil
	u.state = stateIdle
}

func (u *Layer) IsDestroyed() bool     { return u.destroyed }
func (u *Layer) Layer() nn.Layer       { return u.layer }
func (u *Layer) Shape() kernels.Shape  { return u.shape }
func (u *Layer) PropagatesError() bool { return u.dErr != nil }
func (u *Layer) IsPrimed() bool        { return u.state == statePrimed }

// Prime returns the pre-activation rows of the last forward call.
func (u *Layer) Prime() [][]float32 {
	if u.prime == nil {
		return nil
	}
	return rowsView(u.prime, u.rows, u.shape.Size)
}

// Output returns the activation rows of the last forward call, after
// dropout.
func (u *Layer) Output() [][]float32 {
	if u.output == nil {
		return nil
	}
	return rowsView(u.output, u.rows, u.shape.Size)
}

// Mask returns the dropout mask of a batch slot, or nil without dropout.
func (u *Layer) Mask(slot int) []float32 {
	if u.dropouts == nil {
		return nil
	}
	return u.dropouts[slot].Mask()
}
