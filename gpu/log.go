package gpu

import (
	"log"
	"os"
)

// Debug enables verbose logging of adapter selection, compilation and
// dispatch. It starts from the LOOMGPU_DEBUG environment variable.
var Debug = os.Getenv("LOOMGPU_DEBUG") != ""

// Log prints a debug line with the gpu prefix.
func Log(format string, args ...any) {
	log.Printf("[gpu] "+format, args...)
}
