package kcache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"cubit/internal/device"
	"cubit/internal/nvcc"
)

// Entry is one cache slot: pending while its compile task is in flight,
// compiled once the task resolves. The transition happens exactly once and is
// never rolled back; a failed task is evicted from the cache instead. The
// entry also owns the per-context module registry for its binary.
type Entry struct {
	key  Key
	task *nvcc.Task

	mu      sync.Mutex
	modules map[device.ContextID]*LoadedModule

	log *zap.Logger
}

func newEntry(key Key, task *nvcc.Task, log *zap.Logger) *Entry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Entry{
		key:     key,
		task:    task,
		modules: make(map[device.ContextID]*LoadedModule),
		log:     log,
	}
}

// Key returns the cache key driving this entry's identity.
func (e *Entry) Key() Key { return e.key }

// Compiled reports whether the binary is available without blocking.
func (e *Entry) Compiled() bool { return e.task.Done() }

// Binary blocks until the compile resolves and returns the immutable binary
// image. This, via Resolve, is the only blocking point in the subsystem.
func (e *Entry) Binary(ctx context.Context) ([]byte, error) {
	return e.task.Wait(ctx)
}

// Resolve returns the loaded module for an execution context, linking the
// binary into the context on first use. Re-linking per context is unavoidable
// since a module is only valid in the context it was loaded into, but the
// compile is shared by every context resolving this entry.
func (e *Entry) Resolve(ctx context.Context, ectx device.Context) (*LoadedModule, error) {
	id := ectx.ID()
	e.mu.Lock()
	if lm, ok := e.modules[id]; ok {
		e.mu.Unlock()
		return lm, nil
	}
	e.mu.Unlock()

	bin, err := e.task.Wait(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if lm, ok := e.modules[id]; ok {
		e.mu.Unlock()
		return lm, nil
	}

	mod, err := ectx.Load(bin)
	if err != nil {
		e.mu.Unlock()
		return nil, &device.LoadError{Context: id, Err: err}
	}
	lm := &LoadedModule{
		entry:     e,
		contextID: id,
		mod:       mod,
		functions: make(map[string]cachedFunction),
	}
	e.modules[id] = lm
	sharing := len(e.modules)
	e.mu.Unlock()

	// Registered outside e.mu: a context torn down before (or while) we got
	// here runs the hook immediately, and Release needs the mutex to forget
	// the registration. Teardown and explicit release race for the same
	// unload; the module's once makes whichever comes first the only one.
	ectx.AddTeardown(lm.Release)
	e.log.Debug("module linked",
		zap.String("key", e.key.String()),
		zap.Uint64("context", uint64(id)),
		zap.Int("contexts_sharing", sharing))
	return lm, nil
}

func (e *Entry) forget(id device.ContextID, lm *LoadedModule) {
	e.mu.Lock()
	if cur, ok := e.modules[id]; ok && cur == lm {
		delete(e.modules, id)
	}
	e.mu.Unlock()
}

// contextCount reports how many contexts currently share the binary.
func (e *Entry) contextCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.modules)
}

type cachedFunction struct {
	fn    device.Function
	attrs device.FuncAttributes
}

// LoadedModule owns one driver-level module handle bound to one execution
// context. It holds only the context's identity, never the context itself, so
// module destruction cannot outlive or resurrect its context.
type LoadedModule struct {
	entry     *Entry
	contextID device.ContextID
	mod       device.Module

	fnMu      sync.Mutex
	functions map[string]cachedFunction

	released sync.Once
}

// ContextID returns the identity of the owning context.
func (m *LoadedModule) ContextID() device.ContextID { return m.contextID }

// Function resolves an entry point in the module, caching the handle and its
// resource attributes from the first link-time query.
func (m *LoadedModule) Function(name string) (device.Function, device.FuncAttributes, error) {
	m.fnMu.Lock()
	defer m.fnMu.Unlock()
	if c, ok := m.functions[name]; ok {
		return c.fn, c.attrs, nil
	}
	fn, err := m.mod.Function(name)
	if err != nil {
		return nil, device.FuncAttributes{}, err
	}
	c := cachedFunction{fn: fn, attrs: fn.Attributes()}
	m.functions[name] = c
	return c.fn, c.attrs, nil
}

// Release unloads the driver module and removes it from the registry. Safe to
// call more than once and concurrently with context teardown; the unload
// happens exactly once.
func (m *LoadedModule) Release() {
	m.released.Do(func() {
		m.entry.forget(m.contextID, m)
		if err := m.mod.Unload(); err != nil {
			m.entry.log.Warn("module unload failed",
				zap.String("key", m.entry.key.String()),
				zap.Uint64("context", uint64(m.contextID)),
				zap.Error(err))
		}
	})
}
