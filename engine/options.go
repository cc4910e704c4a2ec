package engine

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/loomgpu/gpu"
	"github.com/openfluke/loomgpu/kernels"
)

// DefaultBatchSize is the number of rows every kernel is compiled for.
const DefaultBatchSize = 128

// Mode selects where kernels run.
type Mode string

const (
	ModeAuto Mode = "auto" // WebGPU when an adapter is available, host otherwise
	ModeCPU  Mode = "cpu"
	ModeGPU  Mode = "gpu"
)

// Backend settings are passed through to the device and kernel factory.
type Backend struct {
	Mode          Mode
	Tactic        kernels.Tactic
	WorkgroupSize int // gpu only; 0 uses the adapter recommendation
	Workers       int // cpu only; 0 uses GOMAXPROCS
}

// Options configures an Engine.
type Options struct {
	BatchSize int
	Backend   Backend
	// Device, when set, is used instead of opening one from Backend. It is
	// shared: the engine never closes it.
	Device kernels.Device
	// Rand drives shuffling and dropout masks.
	Rand   *rand.Rand
	Logger *log.Logger
}

type Option func(*Options)

func DefaultOptions() Options {
	return Options{
		BatchSize: DefaultBatchSize,
		Backend:   Backend{Mode: ModeAuto, Tactic: kernels.TacticPrecision},
	}
}

func WithBatchSize(n int) Option { return func(o *Options) { o.BatchSize = n } }

func WithBackend(b Backend) Option { return func(o *Options) { o.Backend = b } }

func WithDevice(d kernels.Device) Option { return func(o *Options) { o.Device = d } }

func WithRand(rng *rand.Rand) Option { return func(o *Options) { o.Rand = rng } }

func WithLogger(l *log.Logger) Option { return func(o *Options) { o.Logger = l } }

// Environment variables read by OptionsFromEnv.
const (
	EnvBackend   = "LOOMGPU_BACKEND"
	EnvBatchSize = "LOOMGPU_BATCH_SIZE"
	EnvDebug     = "LOOMGPU_DEBUG"
)

// OptionsFromEnv returns options for every engine setting present in the
// environment. Pass them before explicit options so code can override them.
func OptionsFromEnv() ([]Option, error) {
	var opts []Option
	if v := strings.TrimSpace(os.Getenv(EnvBackend)); v != "" {
		mode := Mode(strings.ToLower(v))
		switch mode {
		case ModeAuto, ModeCPU, ModeGPU:
		default:
			return nil, fmt.Errorf("%w: %s=%q, want auto, cpu or gpu", ErrConfiguration, EnvBackend, v)
		}
		opts = append(opts, func(o *Options) { o.Backend.Mode = mode })
	}
	if v := strings.TrimSpace(os.Getenv(EnvBatchSize)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %s=%q is not a positive integer", ErrConfiguration, EnvBatchSize, v)
		}
		opts = append(opts, WithBatchSize(n))
	}
	if os.Getenv(EnvDebug) != "" {
		opts = append(opts, WithLogger(log.New(os.Stderr, "[loomgpu] ", log.LstdFlags)))
	}
	return opts, nil
}

func (o *Options) apply(opts []Option) error {
	for _, opt := range opts {
		opt(o)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, o.BatchSize)
	}
	if o.Backend.Mode == "" {
		o.Backend.Mode = ModeAuto
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return nil
}

// openDevice returns the device to compile on and whether the caller owns it.
func (o *Options) openDevice() (kernels.Device, bool, error) {
	if o.Device != nil {
		return o.Device, false, nil
	}
	switch o.Backend.Mode {
	case ModeCPU:
		return kernels.NewCPUDevice(o.Backend.Workers), true, nil
	case ModeGPU:
		dev, err := gpu.NewDevice(o.Backend.WorkgroupSize)
		if err != nil {
			return nil, false, fmt.Errorf("%w: gpu backend: %v", ErrConfiguration, err)
		}
		return dev, true, nil
	case ModeAuto:
		dev, err := gpu.NewDevice(o.Backend.WorkgroupSize)
		if err == nil {
			return dev, true, nil
		}
		o.Logger.Printf("WebGPU unavailable (%v), falling back to the cpu backend", err)
		return kernels.NewCPUDevice(o.Backend.Workers), true, nil
	}
	return nil, false, fmt.Errorf("%w: unknown backend mode %q", ErrConfiguration, o.Backend.Mode)
}
