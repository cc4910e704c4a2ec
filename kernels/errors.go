package kernels

import (
	"errors"
	"fmt"
)

// Error kinds shared by the kernel layer and the execution engine. Every
// concrete error wraps exactly one of them; test with errors.Is.
var (
	// ErrConfiguration reports a model or activation that cannot be compiled.
	ErrConfiguration = errors.New("configuration error")
	// ErrState reports a call that is invalid in the current lifecycle state.
	ErrState = errors.New("state error")
	// ErrDimension reports a batch or feature width that doesn't fit.
	ErrDimension = errors.New("dimension error")
)

var (
	ErrUnsupportedFunctionForm = fmt.Errorf("%w: unsupported function form", ErrConfiguration)
	ErrMissingCapturedProperty = fmt.Errorf("%w: missing captured property", ErrConfiguration)
	ErrDestroyed               = fmt.Errorf("%w: kernel was destroyed", ErrState)
)
