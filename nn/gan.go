package nn

import (
	"fmt"
	"math/rand"
)

// GAN couples a generator and a discriminator. Chain runs the generator
// layers followed by the discriminator layers, with the discriminator frozen,
// so training the chain only moves the generator.
type GAN struct {
	Generator     *Sequential
	Discriminator *Sequential
	Chain         *Sequential
}

// NewGAN compiles both models if needed and builds the chain. The chain
// shares layer storage with both models and uses the generator's optimizer.
func NewGAN(generator, discriminator *Sequential) (*GAN, error) {
	if err := generator.Compile(); err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	if err := discriminator.Compile(); err != nil {
		return nil, fmt.Errorf("discriminator: %w", err)
	}
	if generator.OutputSize() != discriminator.InputSize() {
		return nil, fmt.Errorf("generator output %d doesn't match discriminator input %d",
			generator.OutputSize(), discriminator.InputSize())
	}

	chain := NewSequential(generator.Optimizer(), discriminator.Loss())
	chain.rng = generator.rng
	chain.layers = append(chain.layers, generator.layers...)
	for _, l := range discriminator.layers[1:] {
		chain.layers = append(chain.layers, l)
		chain.Freeze(l)
	}
	chain.compiled = true

	return &GAN{Generator: generator, Discriminator: discriminator, Chain: chain}, nil
}

func (g *GAN) Epoch() int { return g.Chain.Epoch() }

func (g *GAN) BeforeTrain() {
	g.Generator.BeforeTrain()
	g.Discriminator.BeforeTrain()
	g.Chain.BeforeTrain()
}

func (g *GAN) AfterTrain() {
	g.Generator.AfterTrain()
	g.Discriminator.AfterTrain()
	g.Chain.AfterTrain()
}

// Labels used for adversarial batches.
const (
	RealLabel = 0.9
	FakeLabel = 0
	ChainGoal = 1
)

// TrainBatch performs one discriminator step on real and generated rows and
// one chain step on fresh noise. It is the host reference for the
// accelerated wrapper.
func (g *GAN) TrainBatch(real [][]float32, rng *rand.Rand) error {
	noise := RandomNormalMatrix(rng, len(real), g.Generator.InputSize())
	fake := make([][]float32, len(noise))
	for i, row := range noise {
		out, err := g.Generator.Compute(row)
		if err != nil {
			return err
		}
		fake[i] = out
	}

	input := append(append([][]float32{}, real...), fake...)
	expected := make([][]float32, 0, len(input))
	for range real {
		expected = append(expected, []float32{RealLabel})
	}
	for range fake {
		expected = append(expected, []float32{FakeLabel})
	}
	if _, err := g.Discriminator.TrainBatch(Zip(input, expected)); err != nil {
		return err
	}

	trainNoise := RandomNormalMatrix(rng, len(real), g.Generator.InputSize())
	ones := make([][]float32, len(real))
	for i := range ones {
		ones[i] = []float32{ChainGoal}
	}
	_, err := g.Chain.TrainBatch(Zip(trainNoise, ones))
	return err
}

// Train runs epochs of TrainBatch over shuffled real rows.
func (g *GAN) Train(real [][]float32, epochs, batchSize int, rng *rand.Rand) error {
	for e := 0; e < epochs; e++ {
		g.BeforeTrain()
		for _, batch := range Partition(Shuffled(real, rng), batchSize) {
			if err := g.TrainBatch(batch, rng); err != nil {
				return err
			}
		}
		g.AfterTrain()
	}
	return nil
}
