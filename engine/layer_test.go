package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/loomgpu/kernels"
	"github.com/openfluke/loomgpu/nn"
)

func TestNewLayerRejectsInputLayer(t *testing.T) {
	m := buildModel(t, 1, nil, []int{3, 2}, nn.Sigmoid{})
	f := kernels.NewFactory(kernels.NewCPUDevice(1), kernels.TacticPrecision)

	if _, err := NewLayer(f, m.Layers()[0], 4, false, rand.New(rand.NewSource(1))); !errors.Is(err, ErrConfiguration) {
		t.Errorf("input layer: error = %v, want ErrConfiguration", err)
	}
	if _, err := NewLayer(f, m.Layers()[1], 0, false, rand.New(rand.NewSource(1))); !errors.Is(err, ErrConfiguration) {
		t.Errorf("zero batch: error = %v, want ErrConfiguration", err)
	}
}

func TestOnlyFirstHiddenLayerSkipsErrorPropagation(t *testing.T) {
	for _, depth := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("depth%d", depth), func(t *testing.T) {
			widths := []int{3}
			for i := 0; i < depth; i++ {
				widths = append(widths, 4+i)
			}
			e := newEngine(t, buildModel(t, 2, nil, widths, nn.Tanh{}), WithBatchSize(2))
			if len(e.Layers()) != depth {
				t.Fatalf("%d layer units, want %d", len(e.Layers()), depth)
			}

			if _, err := e.Forward([][]float32{{1, 0, -1}}, true); err != nil {
				t.Fatal(err)
			}
			errs := make([]float32, 2*widths[depth])
			errs[0] = 1
			for i := depth - 1; i >= 0; i-- {
				u := e.Layers()[i]
				if got, want := u.PropagatesError(), i > 0; got != want {
					t.Errorf("layer %d PropagatesError() = %v, want %v", i+1, got, want)
				}
				g, err := u.Backward(errs, 1)
				if err != nil {
					t.Fatal(err)
				}
				if (g.DError != nil) != (i > 0) {
					t.Errorf("layer %d DError = %v", i+1, g.DError)
				}
				if len(g.DW) != u.Shape().Size || len(g.DW[0]) != u.Shape().PrevSize {
					t.Errorf("layer %d DW is %dx%d", i+1, len(g.DW), len(g.DW[0]))
				}
				errs = g.DError
			}
		})
	}
}

func TestLayerCycle(t *testing.T) {
	m := buildModel(t, 6, nil, []int{2, 3}, nn.Sigmoid{})
	f := kernels.NewFactory(kernels.NewCPUDevice(1), kernels.TacticPrecision)
	u, err := NewLayer(f, m.Layers()[1], 2, false, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	defer u.Destroy()

	errs := make([]float32, 2*3)
	if _, err := u.Backward(errs, 1); !errors.Is(err, ErrNotPrimed) {
		t.Errorf("backward before forward: error = %v", err)
	}

	input := []float32{0.5, -1, 9, 9}
	if _, err := u.Forward(input, 1, false); err != nil {
		t.Fatal(err)
	}
	if !u.IsPrimed() {
		t.Error("IsPrimed() = false after forward")
	}
	if len(u.Prime()) != 1 || len(u.Output()) != 1 {
		t.Fatalf("Prime/Output have %d/%d rows, want 1", len(u.Prime()), len(u.Output()))
	}

	l := m.DenseLayers()[1]
	for n := 0; n < 3; n++ {
		want := float64(l.Biases()[n]) + 0.5*float64(l.Weights()[n][0]) - float64(l.Weights()[n][1])
		if d := math.Abs(float64(u.Prime()[0][n]) - want); d > tolerance {
			t.Errorf("prime[%d] = %v, want %v", n, u.Prime()[0][n], want)
		}
		if d := math.Abs(float64(u.Output()[0][n]) - nn.Sigmoid{}.Value(want)); d > tolerance {
			t.Errorf("output[%d] = %v, want %v", n, u.Output()[0][n], nn.Sigmoid{}.Value(want))
		}
	}

	if _, err := u.Backward(errs, 2); !errors.Is(err, ErrDimension) {
		t.Errorf("mismatched actual size: error = %v", err)
	}
	if _, err := u.Backward(errs[:3], 1); !errors.Is(err, ErrDimension) {
		t.Errorf("short error: error = %v", err)
	}
	if _, err := u.Backward(errs, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Backward(errs, 1); !errors.Is(err, ErrState) {
		t.Errorf("second backward: error = %v", err)
	}

	u.Destroy()
	u.Destroy()
	if _, err := u.Forward(input, 1, false); !errors.Is(err, ErrState) {
		t.Errorf("forward after destroy: error = %v", err)
	}
}

// recordingOptimizer keeps a copy of the last gradients of every layer.
type recordingOptimizer struct {
	nn.Optimizer
	dB map[nn.Layer][]float32
	dW map[nn.Layer][][]float32
}

func (o *recordingOptimizer) UpdateWeights(layer nn.Layer, dWeights [][]float32, dBiases []float32, epoch, actualSize int) {
	o.dB[layer] = append([]float32(nil), dBiases...)
	o.dW[layer] = copyMatrix(dWeights)
	o.Optimizer.UpdateWeights(layer, dWeights, dBiases, epoch, actualSize)
}

func TestDropoutMaskBlocksGradient(t *testing.T) {
	opt := &recordingOptimizer{
		Optimizer: nn.NewSGDOptimizer(0.1),
		dB:        map[nn.Layer][]float32{},
		dW:        map[nn.Layer][][]float32{},
	}
	m := nn.NewSequential(opt, nn.MSE{}).WithRand(rand.New(rand.NewSource(8)))
	m.AddLayer(nn.NewDense(3))
	m.AddLayer(nn.NewDense(16, nn.DenseOptions{Activation: nn.Sigmoid{}, Dropout: 0.5}))
	m.AddLayer(nn.NewDense(2, nn.DenseOptions{Activation: nn.Sigmoid{}}))
	if err := m.Compile(); err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, m, WithBatchSize(4), WithRand(rand.New(rand.NewSource(3))))
	hidden := e.Layers()[0]

	batch := nn.Zip([][]float32{{0.2, -0.4, 0.9}}, [][]float32{{1, 0}})
	if _, err := e.Forward([][]float32{batch[0].Input}, true); err != nil {
		t.Fatal(err)
	}
	mask := append([]float32(nil), hidden.Mask(0)...)
	out := hidden.Output()[0]
	prime := hidden.Prime()[0]

	dropped := 0
	for n, k := range mask {
		switch k {
		case 0:
			dropped++
			if out[n] != 0 {
				t.Errorf("dropped unit %d has output %v", n, out[n])
			}
		case 2:
			want := 2 * nn.Sigmoid{}.Value(float64(prime[n]))
			if d := math.Abs(float64(out[n]) - want); d > tolerance {
				t.Errorf("kept unit %d output = %v, want %v", n, out[n], want)
			}
		default:
			t.Fatalf("mask[%d] = %v, want 0 or 2", n, k)
		}
	}
	if dropped == 0 || dropped == len(mask) {
		t.Fatalf("mask %v drops %d units", mask, dropped)
	}

	final := e.Layers()[1].Output()
	if err := e.Backward(copyMatrix(final), [][]float32{batch[0].Expected}); err != nil {
		t.Fatal(err)
	}

	l := m.Layers()[1]
	for n, k := range mask {
		if k != 0 {
			continue
		}
		if opt.dB[l][n] != 0 {
			t.Errorf("dropped unit %d got bias gradient %v", n, opt.dB[l][n])
		}
		for p, g := range opt.dW[l][n] {
			if g != 0 {
				t.Errorf("dropped unit %d got weight gradient %v at %d", n, g, p)
			}
		}
	}

	// Inference never masks.
	if _, err := e.Forward([][]float32{batch[0].Input}, false); err != nil {
		t.Fatal(err)
	}
	for n, v := range hidden.Output()[0] {
		want := nn.Sigmoid{}.Value(float64(hidden.Prime()[0][n]))
		if d := math.Abs(float64(v) - want); d > tolerance {
			t.Errorf("inference unit %d = %v, want %v", n, v, want)
		}
	}
}
