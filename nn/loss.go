package nn

import (
	"fmt"
	"math"
)

// MSE is the mean squared error loss.
type MSE struct{}

func (MSE) Name() string { return "mse" }

func (MSE) CalculateError(predicted, expected, dst []float32) []float32 {
	if dst == nil {
		dst = make([]float32, len(predicted))
	}
	for i := range predicted {
		dst[i] = predicted[i] - expected[i]
	}
	return dst
}

func (MSE) Calculate(predicted, expected []float32) float64 {
	sum := 0.0
	for i := range predicted {
		d := float64(predicted[i] - expected[i])
		sum += d * d
	}
	return sum / float64(len(predicted))
}

// BinaryCrossEntropy expects outputs in (0, 1), typically from a Sigmoid layer.
type BinaryCrossEntropy struct{}

const bceEpsilon = 1e-7

func (BinaryCrossEntropy) Name() string { return "binary_cross_entropy" }

func (BinaryCrossEntropy) CalculateError(predicted, expected, dst []float32) []float32 {
	if dst == nil {
		dst = make([]float32, len(predicted))
	}
	for i := range predicted {
		p := clampProbability(float64(predicted[i]))
		e := float64(expected[i])
		dst[i] = float32((p - e) / (p * (1 - p)))
	}
	return dst
}

func (BinaryCrossEntropy) Calculate(predicted, expected []float32) float64 {
	sum := 0.0
	for i := range predicted {
		p := clampProbability(float64(predicted[i]))
		e := float64(expected[i])
		sum -= e*math.Log(p) + (1-e)*math.Log(1-p)
	}
	return sum / float64(len(predicted))
}

func clampProbability(p float64) float64 {
	return math.Min(math.Max(p, bceEpsilon), 1-bceEpsilon)
}

// LossByName resolves a loss from its serialized name.
func LossByName(name string) (Loss, error) {
	switch name {
	case "", "mse":
		return MSE{}, nil
	case "binary_cross_entropy":
		return BinaryCrossEntropy{}, nil
	}
	return nil, fmt.Errorf("unknown loss %q", name)
}
