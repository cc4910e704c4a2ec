package engine

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/openfluke/loomgpu/kernels"
	"github.com/openfluke/loomgpu/nn"
)

// Model is what the engine needs from a model definition. Layers must
// include the input layer at index 0.
type Model interface {
	IsCompiled() bool
	InputSize() int
	OutputSize() int
	Epoch() int
	Layers() []nn.Layer
	Loss() nn.Loss
	Optimizer() nn.Optimizer
	IsTrainable(l nn.Layer) bool
	BeforeTrain()
	AfterTrain()
}

// Engine executes a compiled model in fixed-size batches. Inputs are copied
// into an engine-owned padded buffer; rows past the active count are never
// read back.
type Engine struct {
	model      Model
	batchSize  int
	device     kernels.Device
	ownsDevice bool
	layers     []*Layer

	inputCache []float32 // [batchSize*inputSize]
	lossCache  []float32 // [batchSize*outputSize]
	actualSize int       // rows of the primed cycle, 0 when idle

	rng       *rand.Rand
	logger    *log.Logger
	destroyed bool
}

// New compiles one Layer per non-input layer of model.
func New(model Model, opts ...Option) (*Engine, error) {
	if model == nil || !model.IsCompiled() {
		return nil, fmt.Errorf("%w: model is not compiled", ErrConfiguration)
	}
	o := DefaultOptions()
	if err := o.apply(opts); err != nil {
		return nil, err
	}
	dev, owns, err := o.openDevice()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		model:      model,
		batchSize:  o.BatchSize,
		device:     dev,
		ownsDevice: owns,
		inputCache: make([]float32, o.BatchSize*model.InputSize()),
		lossCache:  make([]float32, o.BatchSize*model.OutputSize()),
		rng:        o.Rand,
		logger:     o.Logger,
	}

	factory := kernels.NewFactory(dev, o.Backend.Tactic)
	start := time.Now()
	for i, l := range model.Layers()[1:] {
		u, err := NewLayer(factory, l, o.BatchSize, i > 0, o.Rand)
		if err != nil {
			e.Destroy()
			return nil, err
		}
		e.layers = append(e.layers, u)
	}
	e.logger.Printf("compiled %d layers for batch %d on %s in %s (%s)",
		len(e.layers), e.batchSize, dev.Name(), time.Since(start), o.Backend.Tactic)
	return e, nil
}

func (e *Engine) InputSize() int         { return e.model.InputSize() }
func (e *Engine) OutputSize() int        { return e.model.OutputSize() }
func (e *Engine) BatchSize() int         { return e.batchSize }
func (e *Engine) Model() Model           { return e.model }
func (e *Engine) Layers() []*Layer       { return e.layers }
func (e *Engine) Device() kernels.Device { return e.device }
func (e *Engine) IsDestroyed() bool      { return e.destroyed }

// Rand is the source used for shuffling and dropout masks.
func (e *Engine) Rand() *rand.Rand { return e.rng }

// ActualSize is the row count of the primed cycle, or 0 when idle.
func (e *Engine) ActualSize() int { return e.actualSize }

func (e *Engine) checkAlive() error {
	if e.destroyed {
		return ErrDestroyed
	}
	return nil
}

// Compute evaluates any number of rows, BatchSize at a time, and returns
// fresh output rows in input order.
func (e *Engine) Compute(input [][]float32) ([][]float32, error) {
	if err := e.checkAlive(); err != nil {
		return nil, err
	}
	if err := checkWidths(input, e.InputSize(), "input"); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(input))
	for _, chunk := range nn.Partition(input, e.batchSize) {
		rows, err := e.Forward(chunk, false)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, append([]float32(nil), r...))
		}
	}
	e.actualSize = 0
	return out, nil
}

// Forward runs one batch of at most BatchSize rows through every layer and
// primes the engine for Backward. The returned rows are views into engine
// buffers and are overwritten by the next call.
func (e *Engine) Forward(batch [][]float32, training bool) ([][]float32, error) {
	if err := e.checkAlive(); err != nil {
		return nil, err
	}
	if len(batch) > e.batchSize {
		return nil, fmt.Errorf("%w: batch of %d rows exceeds batch size %d", ErrDimension, len(batch), e.batchSize)
	}
	if err := checkWidths(batch, e.InputSize(), "input"); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		e.actualSize = 0
		return nil, nil
	}

	if err := copyRows(e.inputCache, batch, e.InputSize()); err != nil {
		return nil, err
	}
	actual := len(batch)
	x := e.inputCache
	for _, u := range e.layers {
		var err error
		if x, err = u.Forward(x, actual, training); err != nil {
			e.actualSize = 0
			return nil, err
		}
	}
	e.actualSize = actual
	return rowsView(x, actual, e.OutputSize()), nil
}

// Backward propagates the loss error of the primed cycle from the last
// layer to the first, handing each trainable layer's gradients to the
// model's optimizer. It leaves the engine idle.
func (e *Engine) Backward(predicted, expected [][]float32) error {
	if err := e.checkAlive(); err != nil {
		return err
	}
	if e.actualSize == 0 {
		return ErrNotPrimed
	}
	if len(predicted) > e.batchSize || len(expected) > e.batchSize {
		return fmt.Errorf("%w: %d predicted and %d expected rows exceed batch size %d", ErrDimension, len(predicted), len(expected), e.batchSize)
	}
	if len(predicted) != len(expected) {
		return fmt.Errorf("%w: %d predicted rows but %d expected", ErrDimension, len(predicted), len(expected))
	}
	if len(predicted) != e.actualSize {
		return fmt.Errorf("%w: %d rows given for a cycle of %d", ErrDimension, len(predicted), e.actualSize)
	}
	if err := checkWidths(predicted, e.OutputSize(), "predicted"); err != nil {
		return err
	}
	if err := checkWidths(expected, e.OutputSize(), "expected"); err != nil {
		return err
	}

	actual, width := e.actualSize, e.OutputSize()
	loss := e.model.Loss()
	for b := 0; b < actual; b++ {
		loss.CalculateError(predicted[b], expected[b], e.lossCache[b*width:(b+1)*width])
	}

	errs := e.lossCache
	epoch := e.model.Epoch()
	opt := e.model.Optimizer()
	for i := len(e.layers) - 1; i >= 0; i-- {
		u := e.layers[i]
		g, err := u.Backward(errs, actual)
		if err != nil {
			e.actualSize = 0
			return err
		}
		if e.model.IsTrainable(u.Layer()) {
			opt.UpdateWeights(u.Layer(), g.DW, g.DB, epoch, actual)
		}
		errs = g.DError
	}
	e.actualSize = 0
	return nil
}

// TrainBatch runs a training forward and backward pass over one batch and
// returns its mean loss before the update.
func (e *Engine) TrainBatch(batch []nn.Sample) (float64, error) {
	input, expected := nn.Split(batch)
	predicted, err := e.Forward(input, true)
	if err != nil {
		return 0, err
	}
	if len(predicted) == 0 {
		return 0, nil
	}
	if err := checkWidths(expected, e.OutputSize(), "expected"); err != nil {
		e.actualSize = 0
		return 0, err
	}

	loss := e.model.Loss()
	sum := 0.0
	for i := range predicted {
		sum += loss.Calculate(predicted[i], expected[i])
	}
	if err := e.Backward(predicted, expected); err != nil {
		return 0, err
	}
	return sum / float64(len(predicted)), nil
}

// TrainOptions configures Train.
type TrainOptions struct {
	Epochs int
	// Progress draws a progress bar over the batches of each epoch.
	Progress bool
	// ProgressWriter defaults to os.Stderr.
	ProgressWriter io.Writer
}

// Train runs mini-batch training: each epoch shuffles the paired rows with
// the engine's random source and trains them BatchSize at a time.
func (e *Engine) Train(input, expected [][]float32, opts TrainOptions) (*nn.TrainingResult, error) {
	if err := e.checkAlive(); err != nil {
		return nil, err
	}
	if len(input) != len(expected) {
		return nil, fmt.Errorf("%w: %d input rows but %d expected", ErrDimension, len(input), len(expected))
	}
	if err := checkWidths(input, e.InputSize(), "input"); err != nil {
		return nil, err
	}
	if err := checkWidths(expected, e.OutputSize(), "expected"); err != nil {
		return nil, err
	}
	if opts.Epochs <= 0 {
		opts.Epochs = 1
	}
	w := opts.ProgressWriter
	if w == nil {
		w = os.Stderr
	}

	start := time.Now()
	result := &nn.TrainingResult{}
	samples := nn.Zip(input, expected)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		e.model.BeforeTrain()

		batches := nn.Partition(nn.Shuffled(samples, e.rng), e.batchSize)
		var bar *ProgressBar
		if opts.Progress {
			bar = NewProgressBar(w, fmt.Sprintf("Epoch %d/%d", epoch+1, opts.Epochs), len(batches))
		}

		losses := make([]float64, 0, len(batches))
		for i, batch := range batches {
			loss, err := e.TrainBatch(batch)
			if err != nil {
				return nil, err
			}
			losses = append(losses, loss)
			if bar != nil {
				bar.Update(i+1, map[string]float64{"loss": nn.Mean(losses)})
			}
		}
		if bar != nil {
			bar.Finish()
		}

		e.model.AfterTrain()
		result.LossHistory = append(result.LossHistory, nn.Mean(losses))
		e.logger.Printf("epoch %d: loss %.6f", epoch+1, result.LossHistory[epoch])
	}
	result.FinalLoss = result.LossHistory[len(result.LossHistory)-1]
	result.TotalTime = time.Since(start)
	return result, nil
}

// Destroy releases every layer's kernels and the device when the engine
// opened it. It is idempotent; every later call fails with ErrState.
func (e *Engine) Destroy() {
	if e.destroyed {
		return
	}
	e.destroyed = true
	for _, u := range e.layers {
		u.Destroy()
	}
	e.layers = nil
	if e.ownsDevice && e.device != nil {
		e.device.Close()
	}
	e.device = nil
	e.actualSize = 0
}
