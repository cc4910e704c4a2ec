package gpu

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/loomgpu/kernels"
	"github.com/openfluke/loomgpu/nn"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	dev, err := NewDevice(0)
	if err != nil {
		t.Skipf("WebGPU unavailable: %v", err)
	}
	t.Cleanup(dev.Close)
	return dev
}

func randomSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.Float64()*2 - 1)
	}
	return out
}

func assertMatch(t *testing.T, what string, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length %d, want %d", what, len(got), len(want))
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Errorf("%s[%d] = %v, host %v", what, i, got[i], want[i])
		}
	}
}

// Kernels on the GPU must agree with the host device.
func TestDeviceMatchesHost(t *testing.T) {
	dev := newTestDevice(t)
	shape := kernels.Shape{PrevSize: 7, Size: 5, BatchSize: 6}
	rng := rand.New(rand.NewSource(3))
	input := randomSlice(rng, shape.BatchSize*shape.PrevSize)
	weights := randomSlice(rng, shape.Size*shape.PrevSize)
	biases := randomSlice(rng, shape.Size)
	errs := randomSlice(rng, shape.BatchSize*shape.Size)

	for _, act := range []nn.Activation{nn.Sigmoid{}, &nn.LeakyReLU{Alpha: 0.3}, nn.Tanh{}} {
		t.Run(act.Kind().String(), func(t *testing.T) {
			gf := kernels.NewFactory(dev, kernels.TacticPrecision)
			hf := kernels.NewFactory(kernels.NewCPUDevice(1), kernels.TacticPrecision)

			gfwd, err := gf.Forward(shape, act)
			if err != nil {
				t.Fatal(err)
			}
			defer gfwd.Destroy()
			hfwd, err := hf.Forward(shape, act)
			if err != nil {
				t.Fatal(err)
			}
			defer hfwd.Destroy()

			g, err := gfwd.Run(input, weights, biases, 4)
			if err != nil {
				t.Fatal(err)
			}
			h, err := hfwd.Run(input, weights, biases, 4)
			if err != nil {
				t.Fatal(err)
			}
			assertMatch(t, "result", g.Result, h.Result)

			gbwd, err := gf.Backward(shape, act, true)
			if err != nil {
				t.Fatal(err)
			}
			defer gbwd.Destroy()
			hbwd, err := hf.Backward(shape, act, true)
			if err != nil {
				t.Fatal(err)
			}
			defer hbwd.Destroy()

			gb, err := gbwd.Run(h.Prime, errs, input, weights, 4)
			if err != nil {
				t.Fatal(err)
			}
			hb, err := hbwd.Run(h.Prime, errs, input, weights, 4)
			if err != nil {
				t.Fatal(err)
			}
			assertMatch(t, "dB", gb.DB, hb.DB)
			assertMatch(t, "dW", gb.DW, hb.DW)
			assertMatch(t, "dError", gb.DError, hb.DError)
		})
	}
}

func TestPipelineDestroy(t *testing.T) {
	dev := newTestDevice(t)
	k, err := kernels.NewFactory(dev, kernels.TacticSpeed).Forward(kernels.Shape{PrevSize: 2, Size: 2, BatchSize: 2}, nn.ReLU{})
	if err != nil {
		t.Fatal(err)
	}
	k.Destroy()
	k.Destroy()
	if _, err := k.Run(make([]float32, 4), make([]float32, 4), make([]float32, 2), 1); !errors.Is(err, kernels.ErrState) {
		t.Errorf("error = %v, want ErrState", err)
	}
}
