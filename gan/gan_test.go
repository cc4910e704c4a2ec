package gan

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/loomgpu/engine"
	"github.com/openfluke/loomgpu/nn"
)

const tolerance = 1e-3

func buildGAN(t *testing.T, seed int64) *nn.GAN {
	t.Helper()
	gen := nn.NewSequential(nn.NewMomentumOptimizer(0.05, 0.9), nn.MSE{}).WithRand(rand.New(rand.NewSource(seed)))
	gen.AddLayer(nn.NewDense(3)).
		AddLayer(nn.NewDense(8, nn.DenseOptions{Activation: nn.Tanh{}})).
		AddLayer(nn.NewDense(2, nn.DenseOptions{Activation: nn.Tanh{}}))

	disc := nn.NewSequential(nn.NewSGDOptimizer(0.1), nn.MSE{}).WithRand(rand.New(rand.NewSource(seed + 1)))
	disc.AddLayer(nn.NewDense(2)).
		AddLayer(nn.NewDense(6, nn.DenseOptions{Activation: &nn.LeakyReLU{Alpha: 0.1}})).
		AddLayer(nn.NewDense(1, nn.DenseOptions{Activation: nn.Sigmoid{}}))

	g, err := nn.NewGAN(gen, disc)
	if err != nil {
		t.Fatalf("NewGAN: %v", err)
	}
	return g
}

func newWrapper(t *testing.T, g *nn.GAN, opts ...engine.Option) *Wrapper {
	t.Helper()
	w, err := New(g, append([]engine.Option{engine.WithBackend(engine.Backend{Mode: engine.ModeCPU})}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Destroy)
	return w
}

// circle returns points on a circle of radius 0.5.
func circle(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		a := 2 * math.Pi * float64(i) / float64(n)
		out[i] = []float32{float32(0.5 * math.Cos(a)), float32(0.5 * math.Sin(a))}
	}
	return out
}

func assertSameParameters(t *testing.T, what string, got, want *nn.Sequential) {
	t.Helper()
	gl, wl := got.DenseLayers(), want.DenseLayers()
	for i := 1; i < len(gl); i++ {
		for n := range gl[i].Weights() {
			if d := nn.MaxAbsDiff(gl[i].Weights()[n], wl[i].Weights()[n]); d > tolerance {
				t.Errorf("%s layer %d weights[%d] differ by %g", what, i, n, d)
			}
		}
		if d := nn.MaxAbsDiff(gl[i].Biases(), wl[i].Biases()); d > tolerance {
			t.Errorf("%s layer %d biases differ by %g", what, i, d)
		}
	}
}

func TestEngineBatchSizes(t *testing.T) {
	w := newWrapper(t, buildGAN(t, 1), engine.WithBatchSize(4))
	if w.Generator.BatchSize() != 4 || w.Chain.BatchSize() != 4 {
		t.Errorf("generator/chain batch = %d/%d, want 4", w.Generator.BatchSize(), w.Chain.BatchSize())
	}
	if w.Discriminator.BatchSize() != 8 {
		t.Errorf("discriminator batch = %d, want 8", w.Discriminator.BatchSize())
	}
	if w.BatchSize() != 4 {
		t.Errorf("BatchSize() = %d", w.BatchSize())
	}
	if len(w.Chain.Layers()) != 4 {
		t.Errorf("chain has %d layer units, want 4", len(w.Chain.Layers()))
	}
}

func TestTrainMatchesReference(t *testing.T) {
	const (
		seed    = 17
		epochs  = 2
		batch   = 4
		samples = 18
	)
	real := circle(samples)

	ref := buildGAN(t, seed)
	if err := ref.Train(real, epochs, batch, rand.New(rand.NewSource(seed))); err != nil {
		t.Fatal(err)
	}

	g := buildGAN(t, seed)
	w := newWrapper(t, g, engine.WithBatchSize(batch), engine.WithRand(rand.New(rand.NewSource(seed))))
	loss, err := w.Train(real, epochs)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(loss.Discriminator) || math.IsNaN(loss.Chain) {
		t.Errorf("loss = %+v", loss)
	}
	if w.Epoch() != epochs {
		t.Errorf("Epoch() = %d, want %d", w.Epoch(), epochs)
	}

	assertSameParameters(t, "generator", g.Generator, ref.Generator)
	assertSameParameters(t, "discriminator", g.Discriminator, ref.Discriminator)
}

func TestChainLeavesDiscriminatorUntouched(t *testing.T) {
	g := buildGAN(t, 3)
	w := newWrapper(t, g, engine.WithBatchSize(4))

	disc := g.Discriminator.DenseLayers()
	gen := g.Generator.DenseLayers()
	before := append([]float32(nil), disc[1].Weights()[0]...)
	genBefore := append([]float32(nil), gen[1].Weights()[0]...)

	noise := nn.RandomNormalMatrix(rand.New(rand.NewSource(1)), 4, 3)
	ones := [][]float32{{1}, {1}, {1}, {1}}
	if _, err := w.Chain.TrainBatch(nn.Zip(noise, ones)); err != nil {
		t.Fatal(err)
	}
	if nn.MaxAbsDiff(before, disc[1].Weights()[0]) != 0 {
		t.Error("chain training moved discriminator weights")
	}
	if nn.MaxAbsDiff(genBefore, gen[1].Weights()[0]) == 0 {
		t.Error("chain training left generator weights unchanged")
	}
}

func TestComputeAndErrors(t *testing.T) {
	w := newWrapper(t, buildGAN(t, 5), engine.WithBatchSize(2))

	out, err := w.Compute(nn.RandomNormalMatrix(w.Rand(), 5, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 || len(out[0]) != 2 {
		t.Errorf("Compute returned %d rows of width %d", len(out), len(out[0]))
	}

	if _, err := w.TrainBatch(circle(3)); !errors.Is(err, engine.ErrDimension) {
		t.Errorf("oversized batch: error = %v", err)
	}
	if _, err := w.TrainBatch([][]float32{{1, 2, 3}}); !errors.Is(err, engine.ErrDimension) {
		t.Errorf("wide real row: error = %v", err)
	}
	if _, err := New(nil); !errors.Is(err, engine.ErrConfiguration) {
		t.Errorf("nil gan: error = %v", err)
	}

	w.Destroy()
	w.Destroy()
	if _, err := w.Train(circle(2), 1); !errors.Is(err, engine.ErrState) {
		t.Errorf("train after destroy: error = %v", err)
	}
	if _, err := w.Compute([][]float32{{0, 0, 0}}); !errors.Is(err, engine.ErrState) {
		t.Errorf("compute after destroy: error = %v", err)
	}
}
