package engine

import (
	"fmt"

	"github.com/openfluke/loomgpu/kernels"
)

// Error kinds returned by the engine; test with errors.Is. They are the
// kernel package values, so errors from either layer match.
var (
	ErrConfiguration = kernels.ErrConfiguration
	ErrState         = kernels.ErrState
	ErrDimension     = kernels.ErrDimension
)

var (
	ErrDestroyed = fmt.Errorf("%w: engine was destroyed", ErrState)
	ErrNotPrimed = fmt.Errorf("%w: backward without a preceding forward", ErrState)
)
