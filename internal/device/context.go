package device

import "fmt"

// ContextID identifies an execution context for the lifetime of the process.
type ContextID uint64

// Context is the boundary to an externally owned execution context. This
// subsystem never creates or destroys contexts; it loads modules into them and
// registers teardown hooks so loaded modules never outlive their context.
type Context interface {
	ID() ContextID
	// Load links a compiled binary image into the context and returns a
	// fresh module handle. The handle is only valid within this context.
	Load(image []byte) (Module, error)
	// AddTeardown registers fn to run when the context is torn down.
	// Registration after teardown runs fn immediately.
	AddTeardown(fn func())
}

// Module is a driver-level container of compiled functions bound to one
// execution context.
type Module interface {
	Function(name string) (Function, error)
	Unload() error
}

// Function is a launchable entry point inside a loaded module.
type Function interface {
	Name() string
	Attributes() FuncAttributes
}

// FuncAttributes is the read-only resource footprint of a loaded function,
// queried once at link time.
type FuncAttributes struct {
	Registers          int
	StaticSharedBytes  int
	LocalBytes         int
	ConstBytes         int
	MaxThreadsPerBlock int
}

// LoadError reports that the device rejected loading an otherwise valid
// binary into a context. It implicates the context, not the source, and is
// therefore distinct from a compile failure.
type LoadError struct {
	Context ContextID
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("module load failed in context %d: %v", e.Context, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
