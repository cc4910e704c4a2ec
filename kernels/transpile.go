package kernels

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// KernelFunc is a self-contained single-argument f32 function ready to be
// pasted into a shader module.
type KernelFunc struct {
	Name  string // target name the kernel body calls
	Param string // parameter identifier
	Body  string // statements between the braces, constants folded
}

// Source renders the WGSL function.
func (f KernelFunc) Source() string {
	return fmt.Sprintf("fn %s(%s: f32) -> f32 {%s}", f.Name, f.Param, f.Body)
}

const (
	sigPattern = `\(\s*([A-Za-z_]\w*)\s*(?::\s*f32\s*)?\)\s*(?:->\s*f32\s*)?\{([\s\S]*)\}\s*;?\s*$`
)

var (
	namedFunctionRe     = regexp.MustCompile(`^\s*fn\s+([A-Za-z_]\w*)\s*` + sigPattern)
	anonymousFunctionRe = regexp.MustCompile(`^\s*fn\s*` + sigPattern)
	namedMethodRe       = regexp.MustCompile(`^\s*([A-Za-z_]\w*)\s*` + sigPattern)

	selfPropertyRe = regexp.MustCompile(`\bself((?:\s*\.\s*[A-Za-z_]\w*)+)`)
)

// Transpile turns a scalar function source into a KernelFunc named target.
// Three forms are recognised:
//
//	fn name(x: f32) -> f32 { ... }   named declaration
//	name(x: f32) -> f32 { ... }      shorthand method
//	fn(x: f32) -> f32 { ... }        anonymous expression
//
// Type annotations are optional. Every "self.<path>" read in the body is
// resolved against self and replaced by its literal value.
func Transpile(src string, self any, target string) (KernelFunc, error) {
	param, body, err := parseFunction(src)
	if err != nil {
		return KernelFunc{}, err
	}
	body, err = foldSelfReferences(body, self)
	if err != nil {
		return KernelFunc{}, err
	}
	return KernelFunc{Name: target, Param: param, Body: body}, nil
}

func parseFunction(src string) (param, body string, err error) {
	if m := namedFunctionRe.FindStringSubmatch(src); m != nil {
		return m[2], m[3], nil
	}
	if m := anonymousFunctionRe.FindStringSubmatch(src); m != nil {
		return m[1], m[2], nil
	}
	if m := namedMethodRe.FindStringSubmatch(src); m != nil && m[1] != "fn" {
		return m[2], m[3], nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnsupportedFunctionForm, firstLine(src))
}

// foldSelfReferences replaces self property reads with literals.
func foldSelfReferences(body string, self any) (string, error) {
	matches := selfPropertyRe.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body, nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		rest := strings.TrimLeft(body[end:], " \t\r\n")
		if strings.HasPrefix(rest, "(") {
			return "", fmt.Errorf("%w: call %q on captured instance", ErrUnsupportedFunctionForm, body[start:end])
		}

		path := splitPath(body[m[2]:m[3]])
		v, err := resolvePath(self, path)
		if err != nil {
			return "", err
		}
		lit, err := formatLiteral(v, path)
		if err != nil {
			return "", err
		}
		sb.WriteString(body[last:start])
		sb.WriteString(lit)
		last = end
	}
	sb.WriteString(body[last:])
	return sb.String(), nil
}

func splitPath(s string) []string {
	var path []string
	for _, part := range strings.Split(s, ".") {
		if part = strings.TrimSpace(part); part != "" {
			path = append(path, part)
		}
	}
	return path
}

// resolvePath walks struct fields and string-keyed map entries.
func resolvePath(self any, path []string) (float64, error) {
	v := reflect.ValueOf(self)
	for i, part := range path {
		v = indirect(v)
		if !v.IsValid() {
			return 0, missing(path[:i+1])
		}
		switch v.Kind() {
		case reflect.Struct:
			v = v.FieldByName(part)
		case reflect.Map:
			if v.Type().Key().Kind() != reflect.String {
				return 0, missing(path[:i+1])
			}
			v = v.MapIndex(reflect.ValueOf(part).Convert(v.Type().Key()))
		default:
			return 0, missing(path[:i+1])
		}
		if !v.IsValid() {
			return 0, missing(path[:i+1])
		}
	}

	v = indirect(v)
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.Invalid:
		return 0, missing(path)
	}
	return 0, fmt.Errorf("%w: self.%s is %s, not a number", ErrConfiguration, strings.Join(path, "."), v.Kind())
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func missing(path []string) error {
	return fmt.Errorf("%w: self.%s", ErrMissingCapturedProperty, strings.Join(path, "."))
}

// formatLiteral renders v as an f32 literal valid in shaders and in the
// host evaluator.
func formatLiteral(v float64, path []string) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("%w: self.%s is not finite", ErrConfiguration, strings.Join(path, "."))
	}
	s := strconv.FormatFloat(v, 'g', -1, 32)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	if v < 0 {
		s = "(" + s + ")"
	}
	return s, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "..."
	}
	return s
}
