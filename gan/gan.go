// Package gan trains a generative adversarial pair on three engines: the
// generator, the discriminator at twice the batch size, and the chain of
// both with the discriminator frozen.
package gan

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/loomgpu/engine"
	"github.com/openfluke/loomgpu/nn"
)

// Loss is the mean loss of both steps of one batch.
type Loss struct {
	Discriminator float64
	Chain         float64
}

type Wrapper struct {
	model *nn.GAN

	Generator     *engine.Engine
	Discriminator *engine.Engine
	Chain         *engine.Engine

	rng *rand.Rand
}

// New compiles the three engines of g. All engines share the random source
// of the generator engine, which also draws the noise.
func New(g *nn.GAN, opts ...engine.Option) (*Wrapper, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nil gan", engine.ErrConfiguration)
	}

	gen, err := engine.New(g.Generator, opts...)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	w := &Wrapper{model: g, Generator: gen, rng: gen.Rand()}

	shared := append(append([]engine.Option{}, opts...), engine.WithRand(w.rng))
	w.Discriminator, err = engine.New(g.Discriminator, append(shared, engine.WithBatchSize(2*gen.BatchSize()))...)
	if err != nil {
		w.Destroy()
		return nil, fmt.Errorf("discriminator: %w", err)
	}
	w.Chain, err = engine.New(g.Chain, append(shared, engine.WithBatchSize(gen.BatchSize()))...)
	if err != nil {
		w.Destroy()
		return nil, fmt.Errorf("chain: %w", err)
	}
	return w, nil
}

func (w *Wrapper) Model() *nn.GAN   { return w.model }
func (w *Wrapper) BatchSize() int   { return w.Chain.BatchSize() }
func (w *Wrapper) Epoch() int       { return w.model.Epoch() }
func (w *Wrapper) Rand() *rand.Rand { return w.rng }

// Compute runs the generator on noise rows.
func (w *Wrapper) Compute(noise [][]float32) ([][]float32, error) {
	return w.Generator.Compute(noise)
}

// TrainBatch trains the discriminator on real rows labelled
// nn.RealLabel and as many generated rows labelled nn.FakeLabel, then
// trains the chain to push fresh noise towards nn.ChainGoal.
func (w *Wrapper) TrainBatch(real [][]float32) (Loss, error) {
	if len(real) > w.BatchSize() {
		return Loss{}, fmt.Errorf("%w: batch of %d rows exceeds batch size %d", engine.ErrDimension, len(real), w.BatchSize())
	}
	if len(real) == 0 {
		return Loss{}, nil
	}

	inputSize := w.Generator.InputSize()
	fake, err := w.Generator.Compute(nn.RandomNormalMatrix(w.rng, len(real), inputSize))
	if err != nil {
		return Loss{}, fmt.Errorf("generator: %w", err)
	}

	input := make([][]float32, 0, 2*len(real))
	input = append(append(input, real...), fake...)
	expected := make([][]float32, 0, len(input))
	for range real {
		expected = append(expected, []float32{nn.RealLabel})
	}
	for range fake {
		expected = append(expected, []float32{nn.FakeLabel})
	}

	var loss Loss
	if loss.Discriminator, err = w.Discriminator.TrainBatch(nn.Zip(input, expected)); err != nil {
		return Loss{}, fmt.Errorf("discriminator: %w", err)
	}

	noise := nn.RandomNormalMatrix(w.rng, len(real), inputSize)
	ones := make([][]float32, len(real))
	for i := range ones {
		ones[i] = []float32{nn.ChainGoal}
	}
	if loss.Chain, err = w.Chain.TrainBatch(nn.Zip(noise, ones)); err != nil {
		return Loss{}, fmt.Errorf("chain: %w", err)
	}
	return loss, nil
}

// Train runs epochs over shuffled real rows, BatchSize rows at a time, and
// returns the mean losses of the last epoch.
func (w *Wrapper) Train(real [][]float32, epochs int) (Loss, error) {
	if w.Chain == nil || w.Chain.IsDestroyed() {
		return Loss{}, engine.ErrDestroyed
	}
	if epochs <= 0 {
		epochs = 1
	}

	var last Loss
	for e := 0; e < epochs; e++ {
		w.BeforeTrain()

		var disc, chain []float64
		for _, batch := range nn.Partition(nn.Shuffled(real, w.rng), w.BatchSize()) {
			loss, err := w.TrainBatch(batch)
			if err != nil {
				return Loss{}, err
			}
			disc = append(disc, loss.Discriminator)
			chain = append(chain, loss.Chain)
		}

		w.AfterTrain()
		last = Loss{Discriminator: nn.Mean(disc), Chain: nn.Mean(chain)}
	}
	return last, nil
}

func (w *Wrapper) BeforeTrain() { w.model.BeforeTrain() }

func (w *Wrapper) AfterTrain() { w.model.AfterTrain() }

// Destroy releases all three engines; it is idempotent.
func (w *Wrapper) Destroy() {
	for _, e := range []*engine.Engine{w.Generator, w.Discriminator, w.Chain} {
		if e != nil {
			e.Destroy()
		}
	}
}
