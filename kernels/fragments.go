package kernels

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/openfluke/loomgpu/nn"
)

// Names under which activation functions are emitted into shader modules.
const (
	ValueFuncName  = "activation_value"
	MomentFuncName = "activation_moment"
)

type fragment struct {
	value, moment string
}

// Built-in activation sources. They go through Transpile like any custom
// source, so "self.<path>" reads are folded from the activation instance.
var builtinFragments = map[nn.Kind]fragment{
	nn.KindLinear: {
		value:  `fn(x: f32) -> f32 { return x; }`,
		moment: `fn(x: f32) -> f32 { return 1.0; }`,
	},
	nn.KindSigmoid: {
		value: `fn sigmoid(x: f32) -> f32 {
	return 1.0 / (1.0 + exp(-x));
}`,
		moment: `fn sigmoid_moment(x: f32) -> f32 {
	let s = 1.0 / (1.0 + exp(-x));
	return s * (1.0 - s);
}`,
	},
	nn.KindReLU: {
		value:  `relu(x: f32) -> f32 { return max(x, 0.0); }`,
		moment: `relu_moment(x: f32) -> f32 { return select(0.0, 1.0, x > 0.0); }`,
	},
	nn.KindLeakyReLU: {
		value:  `leaky_relu(x) { return select(self.Alpha * x, x, x > 0.0); }`,
		moment: `leaky_relu_moment(x) { return select(self.Alpha, 1.0, x > 0.0); }`,
	},
	nn.KindTanh: {
		value: `fn(x: f32) -> f32 { return tanh(x); }`,
		moment: `fn(x: f32) -> f32 {
	let t = tanh(x);
	return 1.0 - t * t;
}`,
	},
}

// ActivationKernels holds the shader and host forms of an activation.
type ActivationKernels struct {
	Kind   nn.Kind
	Value  KernelFunc
	Moment KernelFunc

	HostValue  func(x float32) float32
	HostMoment func(x float32) float32
}

// CompileActivation transpiles the value and moment functions of a. Built-in
// kinds run natively on the host; custom sources are interpreted.
func CompileActivation(a nn.Activation) (*ActivationKernels, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil activation", ErrConfiguration)
	}

	var (
		src  fragment
		self any = a
	)
	if c, ok := a.(*nn.Custom); ok {
		src = fragment{value: c.ValueSource, moment: c.MomentSource}
		self = c.Self
	} else {
		f, ok := builtinFragments[a.Kind()]
		if !ok {
			return nil, fmt.Errorf("%w: activation kind %s has no kernel source", ErrConfiguration, a.Kind())
		}
		src = f
	}

	value, err := Transpile(src.value, self, ValueFuncName)
	if err != nil {
		return nil, fmt.Errorf("%s value: %w", a.Kind(), err)
	}
	moment, err := Transpile(src.moment, self, MomentFuncName)
	if err != nil {
		return nil, fmt.Errorf("%s moment: %w", a.Kind(), err)
	}

	k := &ActivationKernels{Kind: a.Kind(), Value: value, Moment: moment}
	if native, ok := nativeActivation(a); ok {
		k.HostValue, k.HostMoment = native.value, native.moment
		return k, nil
	}
	if k.HostValue, err = Interpret(value); err != nil {
		return nil, fmt.Errorf("%s value: %w", a.Kind(), err)
	}
	if k.HostMoment, err = Interpret(moment); err != nil {
		return nil, fmt.Errorf("%s moment: %w", a.Kind(), err)
	}
	return k, nil
}

type hostPair struct {
	value, moment func(float32) float32
}

func nativeActivation(a nn.Activation) (hostPair, bool) {
	switch a.Kind() {
	case nn.KindLinear:
		return hostPair{
			value:  func(x float32) float32 { return x },
			moment: func(float32) float32 { return 1 },
		}, true
	case nn.KindSigmoid:
		sigmoid := func(x float32) float32 { return 1 / (1 + math32.Exp(-x)) }
		return hostPair{
			value: sigmoid,
			moment: func(x float32) float32 {
				s := sigmoid(x)
				return s * (1 - s)
			},
		}, true
	case nn.KindReLU:
		return hostPair{
			value: func(x float32) float32 { return math32.Max(x, 0) },
			moment: func(x float32) float32 {
				if x > 0 {
					return 1
				}
				return 0
			},
		}, true
	case nn.KindLeakyReLU:
		l, ok := a.(*nn.LeakyReLU)
		if !ok {
			return hostPair{}, false
		}
		alpha := float32(l.Alpha)
		return hostPair{
			value: func(x float32) float32 {
				if x > 0 {
					return x
				}
				return alpha * x
			},
			moment: func(x float32) float32 {
				if x > 0 {
					return 1
				}
				return alpha
			},
		}, true
	case nn.KindTanh:
		return hostPair{
			value: math32.Tanh,
			moment: func(x float32) float32 {
				t := math32.Tanh(x)
				return 1 - t*t
			},
		}, true
	}
	return hostPair{}, false
}
