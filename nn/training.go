package nn

import (
	"fmt"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

// TrainOptions configures reference training.
type TrainOptions struct {
	Epochs    int
	BatchSize int
	// Rand drives shuffling. It falls back to the model's source.
	Rand *rand.Rand
}

// TrainingResult contains training statistics
type TrainingResult struct {
	FinalLoss   float64
	LossHistory []float64 // mean loss per epoch
	TotalTime   time.Duration
}

// Train runs mini-batch training on the host. It is the numerical reference
// for accelerated trainers: batches are shuffled with Shuffled, gradients
// are summed over the batch and the optimizer is called once per layer per
// batch, from the last layer to the first.
func (m *Sequential) Train(input, expected [][]float32, opts TrainOptions) (*TrainingResult, error) {
	if !m.compiled {
		return nil, ErrNotCompiled
	}
	if len(input) != len(expected) {
		return nil, fmt.Errorf("input and expected sizes don't match: %d != %d", len(input), len(expected))
	}
	if opts.Epochs <= 0 {
		opts.Epochs = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	rng := opts.Rand
	if rng == nil {
		rng = m.rng
	}

	start := time.Now()
	result := &TrainingResult{}
	samples := Zip(input, expected)
	for e := 0; e < opts.Epochs; e++ {
		m.BeforeTrain()

		var losses []float64
		for _, batch := range Partition(Shuffled(samples, rng), opts.BatchSize) {
			loss, err := m.TrainBatch(batch)
			if err != nil {
				return nil, err
			}
			losses = append(losses, loss)
		}

		m.AfterTrain()
		result.LossHistory = append(result.LossHistory, Mean(losses))
	}
	result.FinalLoss = result.LossHistory[len(result.LossHistory)-1]
	result.TotalTime = time.Since(start)
	return result, nil
}

type layerCycle struct {
	input   *mat.VecDense
	prime   *mat.VecDense
	dropout *Dropout
}

// TrainBatch accumulates gradients over batch and applies one optimizer
// step. It returns the mean loss of the batch before the update.
func (m *Sequential) TrainBatch(batch []Sample) (float64, error) {
	if !m.compiled {
		return 0, ErrNotCompiled
	}
	if len(batch) == 0 {
		return 0, nil
	}

	hidden := m.layers[1:]
	dW := make([]*mat.Dense, len(hidden))
	dB := make([]*mat.VecDense, len(hidden))
	weights := make([]*mat.Dense, len(hidden))
	cycles := make([]layerCycle, len(hidden))
	for i, l := range hidden {
		dW[i] = mat.NewDense(l.Size(), l.PrevSize(), nil)
		dB[i] = mat.NewVecDense(l.Size(), nil)
		weights[i] = weightMatrix(l)
		if l.DropoutRate() > 0 {
			cycles[i].dropout = NewDropout(l.DropoutRate(), l.Size(), m.rng)
		}
	}

	lossSum := 0.0
	for _, s := range batch {
		if len(s.Input) != m.InputSize() || len(s.Expected) != m.OutputSize() {
			return 0, fmt.Errorf("wrong sample dimension: expected %d->%d, got %d->%d",
				m.InputSize(), m.OutputSize(), len(s.Input), len(s.Expected))
		}

		x := mat.NewVecDense(len(s.Input), toFloat64(s.Input))
		for i, l := range hidden {
			c := &cycles[i]
			c.input = x
			c.prime = layerPrime(l, x)
			x = activate(l.Activation(), c.prime)
			if c.dropout != nil {
				c.dropout.CalculateMask()
				x = maskVec(x, c.dropout.Mask())
			}
		}

		predicted := toFloat32(x.RawVector().Data)
		lossSum += m.loss.Calculate(predicted, s.Expected)
		errVec := mat.NewVecDense(len(predicted), toFloat64(m.loss.CalculateError(predicted, s.Expected, nil)))

		for i := len(hidden) - 1; i >= 0; i-- {
			l, c := hidden[i], &cycles[i]
			if c.dropout != nil {
				errVec = maskVec(errVec, c.dropout.Mask())
			}
			grad := mat.NewVecDense(l.Size(), nil)
			for n := 0; n < l.Size(); n++ {
				grad.SetVec(n, l.Activation().Moment(c.prime.AtVec(n))*errVec.AtVec(n))
			}
			dB[i].AddVec(dB[i], grad)
			dW[i].RankOne(dW[i], 1, grad, c.input)

			if i > 0 {
				next := mat.NewVecDense(l.PrevSize(), nil)
				next.MulVec(weights[i].T(), grad)
				errVec = next
			}
		}
	}

	for i := len(hidden) - 1; i >= 0; i-- {
		l := hidden[i]
		if m.IsTrainable(l) {
			m.optimizer.UpdateWeights(l, denseRows(dW[i]), toFloat32(dB[i].RawVector().Data), m.epoch, len(batch))
		}
	}
	return lossSum / float64(len(batch)), nil
}

func maskVec(v *mat.VecDense, mask []float32) *mat.VecDense {
	out := mat.NewVecDense(v.Len(), nil)
	for i := 0; i < v.Len(); i++ {
		out.SetVec(i, v.AtVec(i)*float64(mask[i]))
	}
	return out
}

func denseRows(d *mat.Dense) [][]float32 {
	r, _ := d.Dims()
	rows := make([][]float32, r)
	for i := range rows {
		rows[i] = toFloat32(d.RawRowView(i))
	}
	return rows
}
