package kernels

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	lineCommentRe = regexp.MustCompile(`//[^\n]*`)
	letStmtRe     = regexp.MustCompile(`^(?:let|const)\s+([A-Za-z_]\w*)\s*(?::\s*f32\s*)?=\s*([\s\S]+)$`)
	returnStmtRe  = regexp.MustCompile(`^return\s+([\s\S]+)$`)
	floatSuffixRe = regexp.MustCompile(`\b(\d+(?:\.\d*)?(?:[eE][+-]?\d+)?)f\b`)
)

// shader built-ins available to interpreted functions
var hostBuiltins = []expr.Option{
	unary("exp", math.Exp),
	unary("log", math.Log),
	unary("tanh", math.Tanh),
	unary("sqrt", math.Sqrt),
	unary("abs", math.Abs),
	unary("f32", func(x float64) float64 { return float64(float32(x)) }),
	binary("pow", math.Pow),
	binary("max", math.Max),
	binary("min", math.Min),
	expr.Function("clamp", func(params ...any) (any, error) {
		v, err := numbers(params, 3)
		if err != nil {
			return nil, err
		}
		return math.Min(math.Max(v[0], v[1]), v[2]), nil
	}),
	expr.Function("select", func(params ...any) (any, error) {
		if len(params) != 3 {
			return nil, fmt.Errorf("select expects 3 arguments, got %d", len(params))
		}
		cond, ok := params[2].(bool)
		if !ok {
			return nil, fmt.Errorf("select condition is %T, not bool", params[2])
		}
		if cond {
			return params[1], nil
		}
		return params[0], nil
	}),
}

func unary(name string, fn func(float64) float64) expr.Option {
	return expr.Function(name, func(params ...any) (any, error) {
		v, err := numbers(params, 1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return fn(v[0]), nil
	})
}

func binary(name string, fn func(float64, float64) float64) expr.Option {
	return expr.Function(name, func(params ...any) (any, error) {
		v, err := numbers(params, 2)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return fn(v[0], v[1]), nil
	})
}

func numbers(params []any, n int) ([]float64, error) {
	if len(params) != n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(params))
	}
	out := make([]float64, n)
	for i, p := range params {
		v, err := toFloat(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("value %v of type %T is not a number", v, v)
}

// HostExpression converts the body of a transpiled function into an
// expression program. Only "let" bindings followed by a single return are
// supported on the host.
func HostExpression(f KernelFunc) (string, error) {
	body := lineCommentRe.ReplaceAllString(f.Body, "")
	if strings.ContainsAny(body, "{}") {
		return "", fmt.Errorf("%w: %s: block statements can't run on the host", ErrUnsupportedFunctionForm, f.Name)
	}

	var (
		sb       strings.Builder
		returned bool
	)
	for _, stmt := range strings.Split(body, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if returned {
			return "", fmt.Errorf("%w: %s: statement after return", ErrUnsupportedFunctionForm, f.Name)
		}
		stmt = floatSuffixRe.ReplaceAllString(stmt, "$1")
		if m := letStmtRe.FindStringSubmatch(stmt); m != nil {
			fmt.Fprintf(&sb, "let %s = %s; ", m[1], m[2])
			continue
		}
		if m := returnStmtRe.FindStringSubmatch(stmt); m != nil {
			sb.WriteString(m[1])
			returned = true
			continue
		}
		return "", fmt.Errorf("%w: %s: unsupported statement %q", ErrUnsupportedFunctionForm, f.Name, stmt)
	}
	if !returned {
		return "", fmt.Errorf("%w: %s: missing return", ErrUnsupportedFunctionForm, f.Name)
	}
	return sb.String(), nil
}

// Interpret compiles f for host evaluation. The program is run once with a
// probe value so type errors surface here instead of inside a kernel.
func Interpret(f KernelFunc) (func(x float32) float32, error) {
	code, err := HostExpression(f)
	if err != nil {
		return nil, err
	}
	opts := append([]expr.Option{expr.Env(map[string]any{f.Param: 0.0})}, hostBuiltins...)
	program, err := expr.Compile(code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFunctionForm, f.Name, err)
	}
	if _, err := runScalar(program, f.Param, 0.5); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFunctionForm, f.Name, err)
	}

	return func(x float32) float32 {
		v, err := runScalar(program, f.Param, float64(x))
		if err != nil {
			return float32(math.NaN())
		}
		return float32(v)
	}, nil
}

func runScalar(program *vm.Program, param string, x float64) (float64, error) {
	out, err := expr.Run(program, map[string]any{param: x})
	if err != nil {
		return 0, err
	}
	return toFloat(out)
}
