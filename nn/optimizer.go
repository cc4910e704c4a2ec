package nn

import (
	"fmt"
	"math"
)

// ============================================================================
// Shared helpers
// ============================================================================

// schedule is embedded by all optimizers: lr / (1 + decay * epoch).
type schedule struct {
	LearningRate float32
	Decay        float32
}

func (s schedule) rate(epoch int) float32 {
	if s.Decay == 0 {
		return s.LearningRate
	}
	return s.LearningRate / (1 + s.Decay*float32(epoch))
}

// paramGradient normalises a batch-summed gradient and adds the L1/L2
// penalties for the current parameter value.
func paramGradient(sum, param, l1, l2 float32, actualSize int) float32 {
	g := sum / float32(actualSize)
	if l1 != 0 {
		switch {
		case param > 0:
			g += l1
		case param < 0:
			g -= l1
		}
	}
	if l2 != 0 {
		g += l2 * param
	}
	return g
}

// forEachParam visits every weight and bias of layer with its normalised
// gradient. slot is the flat index: weights first, then biases.
func forEachParam(layer Layer, dWeights [][]float32, dBiases []float32, actualSize int, fn func(slot int, param *float32, grad float32)) {
	if actualSize <= 0 {
		return
	}
	reg := layer.Regularization()
	weights := layer.Weights()
	slot := 0
	for n, row := range weights {
		for p := range row {
			fn(slot, &row[p], paramGradient(dWeights[n][p], row[p], reg.L1Weight, reg.L2Weight, actualSize))
			slot++
		}
	}
	biases := layer.Biases()
	for n := range biases {
		fn(slot, &biases[n], paramGradient(dBiases[n], biases[n], reg.L1Bias, reg.L2Bias, actualSize))
		slot++
	}
}

func paramCount(layer Layer) int {
	return layer.Size()*layer.PrevSize() + layer.Size()
}

// ============================================================================
// SGD Optimizer
// ============================================================================

type SGDOptimizer struct {
	schedule
}

func NewSGDOptimizer(learningRate float32) *SGDOptimizer {
	return &SGDOptimizer{schedule{LearningRate: learningRate}}
}

func (opt *SGDOptimizer) UpdateWeights(layer Layer, dWeights [][]float32, dBiases []float32, epoch, actualSize int) {
	lr := opt.rate(epoch)
	forEachParam(layer, dWeights, dBiases, actualSize, func(_ int, param *float32, grad float32) {
		*param -= lr * grad
	})
}

func (opt *SGDOptimizer) Name() string { return "sgd" }

// ============================================================================
// SGD with momentum
// ============================================================================

type MomentumOptimizer struct {
	schedule
	momentum   float32
	dampening  float32
	nesterov   bool
	velocities map[Layer][]float32
}

func NewMomentumOptimizer(learningRate, momentum float32) *MomentumOptimizer {
	return NewMomentumOptimizerWithOptions(learningRate, momentum, 0, false)
}

func NewMomentumOptimizerWithOptions(learningRate, momentum, dampening float32, nesterov bool) *MomentumOptimizer {
	return &MomentumOptimizer{
		schedule:   schedule{LearningRate: learningRate},
		momentum:   momentum,
		dampening:  dampening,
		nesterov:   nesterov,
		velocities: make(map[Layer][]float32),
	}
}

func (opt *MomentumOptimizer) UpdateWeights(layer Layer, dWeights [][]float32, dBiases []float32, epoch, actualSize int) {
	v := opt.velocities[layer]
	if v == nil {
		v = make([]float32, paramCount(layer))
		opt.velocities[layer] = v
	}

	lr := opt.rate(epoch)
	// v = momentum * v + (1 - dampening) * grad
	// w = w - lr * v (or w - lr * (grad + momentum * v) for Nesterov)
	forEachParam(layer, dWeights, dBiases, actualSize, func(slot int, param *float32, grad float32) {
		v[slot] = opt.momentum*v[slot] + (1-opt.dampening)*grad
		if opt.nesterov {
			*param -= lr * (grad + opt.momentum*v[slot])
		} else {
			*param -= lr * v[slot]
		}
	})
}

func (opt *MomentumOptimizer) Reset() {
	opt.velocities = make(map[Layer][]float32)
}

func (opt *MomentumOptimizer) Name() string {
	if opt.nesterov {
		return "nesterov"
	}
	return "momentum"
}

// ============================================================================
// RMSprop Optimizer
// ============================================================================

type RMSpropOptimizer struct {
	schedule
	alpha   float32 // Decay rate
	epsilon float32
	v       map[Layer][]float32
}

func NewRMSpropOptimizer(learningRate, alpha, epsilon float32) *RMSpropOptimizer {
	return &RMSpropOptimizer{
		schedule: schedule{LearningRate: learningRate},
		alpha:    alpha,
		epsilon:  epsilon,
		v:        make(map[Layer][]float32),
	}
}

func NewRMSpropOptimizerDefault() *RMSpropOptimizer {
	return NewRMSpropOptimizer(0.01, 0.9, 1e-8)
}

func (opt *RMSpropOptimizer) UpdateWeights(layer Layer, dWeights [][]float32, dBiases []float32, epoch, actualSize int) {
	v := opt.v[layer]
	if v == nil {
		v = make([]float32, paramCount(layer))
		opt.v[layer] = v
	}

	lr := opt.rate(epoch)
	forEachParam(layer, dWeights, dBiases, actualSize, func(slot int, param *float32, grad float32) {
		v[slot] = opt.alpha*v[slot] + (1-opt.alpha)*grad*grad
		*param -= lr * grad / (float32(math.Sqrt(float64(v[slot]))) + opt.epsilon)
	})
}

func (opt *RMSpropOptimizer) Reset() {
	opt.v = make(map[Layer][]float32)
}

func (opt *RMSpropOptimizer) Name() string { return "rmsprop" }

// ============================================================================
// Adam Optimizer
// ============================================================================

type adamState struct {
	step int
	m    []float32 // first moment
	v    []float32 // second moment
}

type AdamOptimizer struct {
	schedule
	beta1   float32
	beta2   float32
	epsilon float32
	states  map[Layer]*adamState
}

func NewAdamOptimizer(learningRate, beta1, beta2, epsilon float32) *AdamOptimizer {
	return &AdamOptimizer{
		schedule: schedule{LearningRate: learningRate},
		beta1:    beta1,
		beta2:    beta2,
		epsilon:  epsilon,
		states:   make(map[Layer]*adamState),
	}
}

func NewAdamOptimizerDefault() *AdamOptimizer {
	return NewAdamOptimizer(0.01, 0.9, 0.999, 1e-8)
}

func (opt *AdamOptimizer) UpdateWeights(layer Layer, dWeights [][]float32, dBiases []float32, epoch, actualSize int) {
	st := opt.states[layer]
	if st == nil {
		n := paramCount(layer)
		st = &adamState{m: make([]float32, n), v: make([]float32, n)}
		opt.states[layer] = st
	}
	st.step++

	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(st.step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(st.step)))

	lr := opt.rate(epoch)
	forEachParam(layer, dWeights, dBiases, actualSize, func(slot int, param *float32, grad float32) {
		st.m[slot] = opt.beta1*st.m[slot] + (1-opt.beta1)*grad
		st.v[slot] = opt.beta2*st.v[slot] + (1-opt.beta2)*grad*grad

		mHat := st.m[slot] / biasCorrection1
		vHat := st.v[slot] / biasCorrection2
		*param -= lr * mHat / (float32(math.Sqrt(float64(vHat))) + opt.epsilon)
	})
}

func (opt *AdamOptimizer) Reset() {
	opt.states = make(map[Layer]*adamState)
}

func (opt *AdamOptimizer) Name() string { return "adam" }

// OptimizerByName creates an optimizer with default hyper-parameters.
func OptimizerByName(name string) (Optimizer, error) {
	switch name {
	case "", "sgd":
		return NewSGDOptimizer(0.01), nil
	case "momentum":
		return NewMomentumOptimizer(0.01, 0.9), nil
	case "nesterov":
		return NewMomentumOptimizerWithOptions(0.01, 0.9, 0, true), nil
	case "rmsprop":
		return NewRMSpropOptimizerDefault(), nil
	case "adam":
		return NewAdamOptimizerDefault(), nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", name)
}
