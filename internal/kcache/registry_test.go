package kcache_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cubit/internal/device"
	"cubit/internal/kcache"
	"cubit/internal/nvcc"
)

// fakeContext implements device.Context with load counting and manual
// teardown, standing in for a real driver context.
type fakeContext struct {
	id        device.ContextID
	mu        sync.Mutex
	loads     int
	modules   []*fakeModule
	teardowns []func()
	failLoad  bool
	tornDown  bool
}

func newFakeContext(id device.ContextID) *fakeContext {
	return &fakeContext{id: id}
}

func (c *fakeContext) ID() device.ContextID { return c.id }

func (c *fakeContext) Load(image []byte) (device.Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failLoad {
		return nil, errors.New("driver rejected the image")
	}
	c.loads++
	m := &fakeModule{image: image}
	c.modules = append(c.modules, m)
	return m, nil
}

func (c *fakeContext) AddTeardown(fn func()) {
	c.mu.Lock()
	torn := c.tornDown
	if !torn {
		c.teardowns = append(c.teardowns, fn)
	}
	c.mu.Unlock()
	if torn {
		fn()
	}
}

// teardown simulates external context destruction.
func (c *fakeContext) teardown() {
	c.mu.Lock()
	c.tornDown = true
	fns := c.teardowns
	c.teardowns = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeContext) loadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

type fakeModule struct {
	image   []byte
	mu      sync.Mutex
	unloads int
}

func (m *fakeModule) Function(name string) (device.Function, error) {
	if name == "missing" {
		return nil, errors.New("no such symbol")
	}
	return fakeFunction{name: name}, nil
}

func (m *fakeModule) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloads++
	return nil
}

func (m *fakeModule) unloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloads
}

type fakeFunction struct {
	name string
}

func (f fakeFunction) Name() string { return f.name }

func (f fakeFunction) Attributes() device.FuncAttributes {
	return device.FuncAttributes{Registers: 32, StaticSharedBytes: 1024, MaxThreadsPerBlock: 1024}
}

func compiledEntry(t *testing.T, source string) *kcache.Entry {
	t.Helper()
	cache := kcache.New(newCountingCompiler())
	entry := cache.ObtainOrCompile(nvcc.Request{Source: source, Entry: "k", Cap: cap35})
	if _, err := entry.Binary(context.Background()); err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestEntry_ResolveLoadsOncePerContext(t *testing.T) {
	entry := compiledEntry(t, "reg-src")
	ectx := newFakeContext(1)

	m1, err := entry.Resolve(context.Background(), ectx)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := entry.Resolve(context.Background(), ectx)
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Fatal("same context must reuse the loaded module")
	}
	if ectx.loadCount() != 1 {
		t.Fatalf("expected 1 load, got %d", ectx.loadCount())
	}
}

func TestEntry_PerContextIsolation(t *testing.T) {
	entry := compiledEntry(t, "iso-src")
	ctxA := newFakeContext(1)
	ctxB := newFakeContext(2)

	ma, err := entry.Resolve(context.Background(), ctxA)
	if err != nil {
		t.Fatal(err)
	}
	mb, err := entry.Resolve(context.Background(), ctxB)
	if err != nil {
		t.Fatal(err)
	}
	if ma == mb {
		t.Fatal("distinct contexts must get distinct loaded modules")
	}

	// Destroying one context's module leaves the other usable.
	ctxA.teardown()
	if _, _, err := mb.Function("k"); err != nil {
		t.Fatalf("context B module unusable after context A teardown: %v", err)
	}
	again, err := entry.Resolve(context.Background(), ctxB)
	if err != nil {
		t.Fatal(err)
	}
	if again != mb {
		t.Fatal("context B registration must survive context A teardown")
	}
}

func TestEntry_UnloadExactlyOnce(t *testing.T) {
	entry := compiledEntry(t, "once-src")
	ectx := newFakeContext(7)

	lm, err := entry.Resolve(context.Background(), ectx)
	if err != nil {
		t.Fatal(err)
	}

	// Explicit release followed by context teardown must not double free.
	lm.Release()
	lm.Release()
	ectx.teardown()

	mod := moduleOf(t, ectx)
	if n := mod.unloadCount(); n != 1 {
		t.Fatalf("expected exactly one unload, got %d", n)
	}

	// A later resolve in the same context re-links fresh.
	relinked, err := entry.Resolve(context.Background(), ectx)
	if err != nil {
		t.Fatal(err)
	}
	if relinked == lm {
		t.Fatal("released module must not be handed out again")
	}
	if ectx.loadCount() != 2 {
		t.Fatalf("expected re-link to load again, got %d loads", ectx.loadCount())
	}
}

func TestEntry_ResolveAgainstTornDownContext(t *testing.T) {
	entry := compiledEntry(t, "torn-src")
	ectx := newFakeContext(4)
	ectx.teardown()

	// Teardown already happened, so the hook runs inside Resolve itself;
	// Resolve must still return and the module must come back unloaded
	// rather than registered.
	lm, err := entry.Resolve(context.Background(), ectx)
	if err != nil {
		t.Fatal(err)
	}
	mod := moduleOf(t, ectx)
	if n := mod.unloadCount(); n != 1 {
		t.Fatalf("expected the immediate hook to unload once, got %d", n)
	}

	again, err := entry.Resolve(context.Background(), ectx)
	if err != nil {
		t.Fatal(err)
	}
	if again == lm {
		t.Fatal("released module must not stay registered")
	}
}

func TestEntry_LoadFailureIsDistinct(t *testing.T) {
	entry := compiledEntry(t, "fail-src")
	ectx := newFakeContext(9)
	ectx.failLoad = true

	_, err := entry.Resolve(context.Background(), ectx)
	if err == nil {
		t.Fatal("expected load error")
	}
	var le *device.LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected *device.LoadError, got %T", err)
	}
	var ce *nvcc.CompileError
	if errors.As(err, &ce) {
		t.Fatal("load failure must not be classified as a compile failure")
	}
}

func TestEntry_FunctionAttributesCached(t *testing.T) {
	entry := compiledEntry(t, "attr-src")
	ectx := newFakeContext(3)
	lm, err := entry.Resolve(context.Background(), ectx)
	if err != nil {
		t.Fatal(err)
	}
	fn1, attrs1, err := lm.Function("k")
	if err != nil {
		t.Fatal(err)
	}
	fn2, attrs2, err := lm.Function("k")
	if err != nil {
		t.Fatal(err)
	}
	if fn1 != fn2 {
		t.Fatal("function handle must be cached")
	}
	if attrs1 != attrs2 {
		t.Fatal("link-time attributes must be stable")
	}
	if _, _, err := lm.Function("missing"); err == nil {
		t.Fatal("expected missing symbol error")
	}
}

// moduleOf returns the first driver module the context ever loaded.
func moduleOf(t *testing.T, ectx *fakeContext) *fakeModule {
	t.Helper()
	ectx.mu.Lock()
	defer ectx.mu.Unlock()
	if len(ectx.modules) == 0 {
		t.Fatal("context never loaded a module")
	}
	return ectx.modules[0]
}
