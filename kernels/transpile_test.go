package kernels

import (
	"errors"
	"strings"
	"testing"
)

type scaled struct {
	Scale  float64
	Offset int
	Nested *struct{ Gain float32 }
	Params map[string]float64
}

func TestTranspileForms(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		param string
	}{
		{"named", "fn double(x: f32) -> f32 { return x * 2.0; }", "x"},
		{"named untyped", "fn double(v) { return v * 2.0; }", "v"},
		{"shorthand", "double(x: f32) -> f32 { return x * 2.0; }", "x"},
		{"shorthand untyped", "double(x) {\n\treturn x * 2.0;\n}", "x"},
		{"anonymous", "fn(x: f32) -> f32 { return x * 2.0; }", "x"},
		{"anonymous spaced", "  fn (z) { return z * 2.0; };  ", "z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Transpile(tt.src, nil, "target_fn")
			if err != nil {
				t.Fatalf("Transpile: %v", err)
			}
			if f.Name != "target_fn" || f.Param != tt.param {
				t.Errorf("got name %q param %q", f.Name, f.Param)
			}
			want := "fn target_fn(" + tt.param + ": f32) -> f32 {"
			if !strings.HasPrefix(f.Source(), want) {
				t.Errorf("source %q does not start with %q", f.Source(), want)
			}
		})
	}
}

func TestTranspileUnsupportedForm(t *testing.T) {
	for _, src := range []string{
		"",
		"x => x * 2",
		"fn double(a, b) { return a; }",
		"function(x) { return x; }extra",
		"fn double(x: f32) -> f32 return x;",
	} {
		_, err := Transpile(src, nil, "f")
		if !errors.Is(err, ErrUnsupportedFunctionForm) {
			t.Errorf("Transpile(%q) error = %v, want ErrUnsupportedFunctionForm", src, err)
		}
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("Transpile(%q) error should be a configuration error", src)
		}
	}
}

func TestTranspileFoldsSelf(t *testing.T) {
	self := &scaled{
		Scale:  -0.25,
		Offset: 3,
		Nested: &struct{ Gain float32 }{Gain: 1.5},
		Params: map[string]float64{"bias": 2},
	}
	f, err := Transpile(`fn(x) { return x * self.Scale + self.Offset + self.Nested.Gain * self.Params.bias; }`, self, "v")
	if err != nil {
		t.Fatalf("Transpile: %v", err)
	}
	want := " return x * (-0.25) + 3.0 + 1.5 * 2.0; "
	if f.Body != want {
		t.Errorf("body = %q, want %q", f.Body, want)
	}
	if strings.Contains(f.Source(), "self") {
		t.Errorf("source still references self: %s", f.Source())
	}
}

func TestTranspileMissingProperty(t *testing.T) {
	cases := []struct {
		name string
		self any
		src  string
	}{
		{"no instance", nil, "fn(x) { return self.Scale * x; }"},
		{"unknown field", scaled{}, "fn(x) { return self.Missing * x; }"},
		{"nil pointer", scaled{}, "fn(x) { return self.Nested.Gain * x; }"},
		{"unknown key", scaled{Params: map[string]float64{}}, "fn(x) { return self.Params.bias * x; }"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Transpile(tc.src, tc.self, "v")
			if !errors.Is(err, ErrMissingCapturedProperty) {
				t.Errorf("error = %v, want ErrMissingCapturedProperty", err)
			}
		})
	}
}

func TestTranspileRejectsSelfCalls(t *testing.T) {
	_, err := Transpile("fn(x) { return self.Scale(x); }", scaled{}, "v")
	if !errors.Is(err, ErrUnsupportedFunctionForm) {
		t.Errorf("error = %v, want ErrUnsupportedFunctionForm", err)
	}
}

func TestTranspileNonNumericProperty(t *testing.T) {
	self := struct{ Name string }{"leaky"}
	_, err := Transpile("fn(x) { return self.Name; }", self, "v")
	if !errors.Is(err, ErrConfiguration) || errors.Is(err, ErrMissingCapturedProperty) {
		t.Errorf("error = %v, want plain configuration error", err)
	}
}
