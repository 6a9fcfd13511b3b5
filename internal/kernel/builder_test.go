package kernel_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cubit/internal/device"
	"cubit/internal/kcache"
	"cubit/internal/kernel"
	"cubit/internal/nvcc"
)

type stubCompiler struct {
	mu    sync.Mutex
	calls int
}

func (s *stubCompiler) Compile(_ context.Context, req nvcc.Request) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return []byte("bin:" + req.Entry), nil
}

func (s *stubCompiler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubContext struct {
	id device.ContextID
}

func (c stubContext) ID() device.ContextID { return c.id }

func (c stubContext) Load(image []byte) (device.Module, error) {
	return stubModule{}, nil
}

func (c stubContext) AddTeardown(func()) {}

type stubModule struct{}

func (stubModule) Function(name string) (device.Function, error) {
	if name == "absent" {
		return nil, errors.New("no such symbol")
	}
	return stubFunction{name: name}, nil
}

func (stubModule) Unload() error { return nil }

type stubFunction struct {
	name string
}

func (f stubFunction) Name() string { return f.name }

func (f stubFunction) Attributes() device.FuncAttributes {
	return device.FuncAttributes{Registers: 32, MaxThreadsPerBlock: 1024}
}

type recordingSink struct {
	mu     sync.Mutex
	events []kernel.Event
}

func (s *recordingSink) OnEvent(ev kernel.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func baseRequest() kernel.Request {
	return kernel.Request{
		Source:      "__global__ void map_f() {}",
		Entry:       "map_f",
		State:       device.NewState(device.Capability{Major: 3, Minor: 5}),
		Exec:        stubContext{id: 1},
		ProblemSize: 4096,
	}
}

func TestBuilder_BuildProducesCompleteKernel(t *testing.T) {
	comp := &stubCompiler{}
	b := kernel.NewBuilder(kcache.New(comp), nil)

	k, err := b.Build(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if k.Function == nil || k.Module == nil {
		t.Fatal("built kernel must carry function and module handles")
	}
	if k.Entry != "map_f" {
		t.Fatalf("entry = %q", k.Entry)
	}
	if k.Launch.Threads() == 0 || k.Launch.GridX == 0 {
		t.Fatalf("launch config not planned: %+v", k.Launch)
	}
	if int(k.Launch.GridX)*k.Launch.Threads() < 4096 {
		t.Fatal("grid does not cover the problem size")
	}
}

func TestBuilder_SecondBuildHitsCache(t *testing.T) {
	comp := &stubCompiler{}
	b := kernel.NewBuilder(kcache.New(comp), nil)

	k1, err := b.Build(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	k2, err := b.Build(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if comp.count() != 1 {
		t.Fatalf("expected one compile across builds, got %d", comp.count())
	}
	if k1.Module != k2.Module {
		t.Fatal("same context must reuse the loaded module")
	}
}

func TestBuilder_NonArrayBindingIsInternalError(t *testing.T) {
	b := kernel.NewBuilder(kcache.New(&stubCompiler{}), nil)
	req := baseRequest()
	req.Env = []kernel.Binding{
		{Name: "xs", Kind: kernel.BindingArray},
		{Name: "n", Kind: kernel.BindingScalar},
	}

	_, err := b.Build(context.Background(), req)
	var ie *kernel.InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *kernel.InternalError, got %v", err)
	}
}

func TestBuilder_MissingEntrySymbol(t *testing.T) {
	b := kernel.NewBuilder(kcache.New(&stubCompiler{}), nil)
	req := baseRequest()
	req.Entry = "absent"

	if _, err := b.Build(context.Background(), req); err == nil {
		t.Fatal("expected missing symbol error")
	}
}

func TestBuilder_ProgressEvents(t *testing.T) {
	sink := &recordingSink{}
	b := kernel.NewBuilder(kcache.New(&stubCompiler{}), nil)
	req := baseRequest()
	req.Progress = sink

	if _, err := b.Build(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	var sawCompileDone, sawLinkDone, sawPlanDone bool
	for _, ev := range sink.events {
		if ev.Status == kernel.StatusError {
			t.Fatalf("unexpected error event: %+v", ev)
		}
		if ev.Status != kernel.StatusDone {
			continue
		}
		switch ev.Stage {
		case kernel.StageCompile:
			sawCompileDone = true
		case kernel.StageLink:
			sawLinkDone = true
		case kernel.StagePlan:
			sawPlanDone = true
		}
	}
	if !sawCompileDone || !sawLinkDone || !sawPlanDone {
		t.Fatalf("missing stage completions: compile=%v link=%v plan=%v",
			sawCompileDone, sawLinkDone, sawPlanDone)
	}
}
