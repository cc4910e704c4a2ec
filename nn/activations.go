package nn

import (
	"fmt"
	"math"
)

// Kind tags the activation variants known to the kernel generator.
type Kind int

const (
	KindLinear    Kind = 0 // x
	KindSigmoid   Kind = 1 // 1 / (1 + exp(-x))
	KindReLU      Kind = 2 // max(0, x)
	KindLeakyReLU Kind = 3 // x if x > 0, else alpha * x
	KindTanh      Kind = 4 // tanh(x)
	KindCustom    Kind = 5 // user supplied kernel source
)

func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindSigmoid:
		return "sigmoid"
	case KindReLU:
		return "relu"
	case KindLeakyReLU:
		return "leaky_relu"
	case KindTanh:
		return "tanh"
	case KindCustom:
		return "custom"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Activation is a single-value activation: every output unit depends only on
// its own pre-activation value.
type Activation interface {
	Kind() Kind
	Value(x float64) float64
	// Moment is the derivative with respect to the pre-activation value.
	Moment(x float64) float64
}

type Linear struct{}

func (Linear) Kind() Kind               { return KindLinear }
func (Linear) Value(x float64) float64  { return x }
func (Linear) Moment(x float64) float64 { return 1 }

type Sigmoid struct{}

func (Sigmoid) Kind() Kind { return KindSigmoid }

func (Sigmoid) Value(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func (s Sigmoid) Moment(x float64) float64 {
	sig := s.Value(x)
	return sig * (1.0 - sig)
}

type ReLU struct{}

func (ReLU) Kind() Kind { return KindReLU }

func (ReLU) Value(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func (ReLU) Moment(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// LeakyReLU keeps a small slope Alpha for negative inputs.
type LeakyReLU struct {
	Alpha float64
}

// DefaultLeakyAlpha is the slope used by NewLeakyReLU.
const DefaultLeakyAlpha = 0.01

func NewLeakyReLU() *LeakyReLU {
	return &LeakyReLU{Alpha: DefaultLeakyAlpha}
}

func (*LeakyReLU) Kind() Kind { return KindLeakyReLU }

func (l *LeakyReLU) Value(x float64) float64 {
	if x > 0 {
		return x
	}
	return l.Alpha * x
}

func (l *LeakyReLU) Moment(x float64) float64 {
	if x > 0 {
		return 1
	}
	return l.Alpha
}

type Tanh struct{}

func (Tanh) Kind() Kind              { return KindTanh }
func (Tanh) Value(x float64) float64 { return math.Tanh(x) }

func (Tanh) Moment(x float64) float64 {
	t := math.Tanh(x)
	return 1 - t*t
}

// Custom is an activation defined by kernel source. ValueSource and
// MomentSource are WGSL-style single argument functions and may read
// numeric constants from Self through "self.<path>" references, e.g.
//
//	fn value(x: f32) -> f32 { return x * x / self.Scale; }
//
// ValueFn and MomentFn are the host-side reference implementations.
type Custom struct {
	Name         string
	ValueSource  string
	MomentSource string
	Self         any

	ValueFn  func(x float64) float64
	MomentFn func(x float64) float64
}

func (*Custom) Kind() Kind { return KindCustom }

func (c *Custom) Value(x float64) float64 {
	if c.ValueFn == nil {
		panic(fmt.Sprintf("custom activation %q has no host value function", c.Name))
	}
	return c.ValueFn(x)
}

func (c *Custom) Moment(x float64) float64 {
	if c.MomentFn == nil {
		panic(fmt.Sprintf("custom activation %q has no host moment function", c.Name))
	}
	return c.MomentFn(x)
}

// ActivationByName returns a built-in activation or a registered custom one.
func ActivationByName(name string) (Activation, error) {
	if a, err := builtinActivation(name); err == nil {
		return a, nil
	}
	if factory, ok := lookupCustom(name); ok {
		return factory(), nil
	}
	return nil, fmt.Errorf("unknown activation %q", name)
}

func builtinActivation(name string) (Activation, error) {
	switch name {
	case "", "linear":
		return Linear{}, nil
	case "sigmoid":
		return Sigmoid{}, nil
	case "relu":
		return ReLU{}, nil
	case "leaky_relu":
		return NewLeakyReLU(), nil
	case "tanh":
		return Tanh{}, nil
	}
	return nil, fmt.Errorf("unknown activation %q", name)
}

// activationName is the inverse of ActivationByName.
func activationName(a Activation) string {
	if c, ok := a.(*Custom); ok {
		return c.Name
	}
	return a.Kind().String()
}
