// Package nvcc drives the external device compiler and wraps each invocation
// in a single-producer, many-consumer task handle.
package nvcc

import (
	"context"
	"fmt"

	"cubit/internal/device"
)

// Request describes one compilation of a generated source fragment.
type Request struct {
	Source string
	Entry  string
	Cap    device.Capability
	Debug  bool
}

// Compiler turns a source fragment into a device binary image. Implementations
// must be safe for concurrent use; the cache launches one Compile per distinct
// request and may run many for different requests at once.
type Compiler interface {
	Compile(ctx context.Context, req Request) ([]byte, error)
}

// CompileError is a fatal rejection of generated source by the device
// compiler. It carries the full diagnostic log and the offending source for
// postmortem; the inputs are immutable, so the same request is not retried
// automatically.
type CompileError struct {
	Entry  string
	Cap    device.Capability
	Log    string
	Source string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("device compilation of %q for %s failed:\n%s", e.Entry, e.Cap.ArchName(), e.Log)
}
