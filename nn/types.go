package nn

import "errors"

// ErrNotCompiled is returned by model operations that need Compile to have run.
var ErrNotCompiled = errors.New("model is not compiled")

// Layer is the descriptor every execution backend reads a layer from.
// Weights and Biases return the live storage; optimizers update it in place.
type Layer interface {
	Index() int
	Size() int
	PrevSize() int
	Activation() Activation
	Weights() [][]float32 // [Size][PrevSize]
	Biases() []float32    // [Size]
	DropoutRate() float32
	Regularization() Regularization
}

// Regularization holds the L1/L2 penalty factors applied by optimizers.
type Regularization struct {
	L1Weight float32 `json:"l1_weight,omitempty"`
	L2Weight float32 `json:"l2_weight,omitempty"`
	L1Bias   float32 `json:"l1_bias,omitempty"`
	L2Bias   float32 `json:"l2_bias,omitempty"`
}

// Optimizer applies batch-summed gradients to a layer.
// dWeights is [Size][PrevSize], dBiases is [Size]; both are sums over
// actualSize rows and must be normalised by the optimizer.
type Optimizer interface {
	UpdateWeights(layer Layer, dWeights [][]float32, dBiases []float32, epoch, actualSize int)
	Name() string
}

// Loss computes the error signal fed into the output layer.
type Loss interface {
	// CalculateError writes d(loss)/d(predicted) into dst and returns it.
	CalculateError(predicted, expected, dst []float32) []float32
	// Calculate returns the scalar loss of a single row.
	Calculate(predicted, expected []float32) float64
	Name() string
}
