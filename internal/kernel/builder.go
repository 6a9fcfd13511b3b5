// Package kernel composes the compilation cache, module registry and
// occupancy planner into ready-to-launch kernel handles. It performs no
// caching of its own.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cubit/internal/device"
	"cubit/internal/kcache"
	"cubit/internal/nvcc"
	"cubit/internal/occupancy"
)

// InternalError signals a bug in the front end feeding this core, not a
// runtime condition to recover from.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string { return "internal: " + e.Msg }

// Request is the record the front-end compiler pass produces per
// kernel-requiring operation node.
type Request struct {
	Source string
	Entry  string
	Env    []Binding

	State *device.State
	Exec  device.Context
	Debug bool

	ProblemSize     int
	SharedPerThread int

	Progress ProgressSink
}

// Kernel is an opaque built-kernel handle: a loaded function, its owning
// module and the launch configuration, ready for an execution layer to
// marshal arguments and issue the launch. It is returned fully valid or not
// at all.
type Kernel struct {
	Entry    string
	Function device.Function
	Module   *kcache.LoadedModule
	Env      []Binding
	Launch   occupancy.Config
}

// Builder builds kernels against one compilation cache.
type Builder struct {
	Cache *kcache.Cache
	Log   *zap.Logger
}

// NewBuilder wraps a cache; log may be nil.
func NewBuilder(cache *kcache.Cache, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{Cache: cache, Log: log}
}

// Build resolves a ready-to-launch kernel for the request: cache lookup (with
// at-most-one compile per distinct source and capability), context-local
// module link, and launch planning. It blocks only while a pending compile
// for this key is still in flight.
func (b *Builder) Build(ctx context.Context, req Request) (*Kernel, error) {
	if req.State == nil {
		return nil, &InternalError{Msg: "build request carries no device state"}
	}
	if req.Exec == nil {
		return nil, &InternalError{Msg: "build request carries no execution context"}
	}
	if req.Entry == "" {
		return nil, &InternalError{Msg: "build request carries no entry name"}
	}
	for _, bind := range req.Env {
		if bind.Kind != BindingArray {
			return nil, &InternalError{
				Msg: fmt.Sprintf("free variable %q resolves to a non-array binding", bind.Name),
			}
		}
	}

	emit(req.Progress, req.Entry, StageCompile, StatusWorking, nil, 0)
	compileStart := time.Now()
	entry := b.Cache.ObtainOrCompile(nvcc.Request{
		Source: req.Source,
		Entry:  req.Entry,
		Cap:    req.State.Cap,
		Debug:  req.Debug,
	})

	mod, err := entry.Resolve(ctx, req.Exec)
	if err != nil {
		stage := StageCompile
		var loadErr *device.LoadError
		if errors.As(err, &loadErr) {
			// The binary existed; the context-local link failed.
			stage = StageLink
		}
		emit(req.Progress, req.Entry, stage, StatusError, err, time.Since(compileStart))
		return nil, err
	}
	emit(req.Progress, req.Entry, StageCompile, StatusDone, nil, time.Since(compileStart))

	linkStart := time.Now()
	fn, attrs, err := mod.Function(req.Entry)
	if err != nil {
		err = fmt.Errorf("entry %q missing from compiled module: %w", req.Entry, err)
		emit(req.Progress, req.Entry, StageLink, StatusError, err, time.Since(linkStart))
		return nil, err
	}
	emit(req.Progress, req.Entry, StageLink, StatusDone, nil, time.Since(linkStart))

	emit(req.Progress, req.Entry, StagePlan, StatusWorking, nil, 0)
	launch := occupancy.Plan(attrs, req.State.Props, occupancy.Request{
		ProblemSize:     req.ProblemSize,
		SharedPerThread: req.SharedPerThread,
	})
	emit(req.Progress, req.Entry, StagePlan, StatusDone, nil, 0)

	b.Log.Debug("kernel ready",
		zap.String("entry", req.Entry),
		zap.String("arch", req.State.Cap.ArchName()),
		zap.Int("registers", attrs.Registers),
		zap.Int("static_smem", attrs.StaticSharedBytes),
		zap.Int("block", launch.Threads()),
		zap.Uint32("grid", launch.GridX),
		zap.Int("dynamic_smem", launch.DynamicSharedMem),
		zap.Float64("occupancy", launch.Occupancy))

	return &Kernel{
		Entry:    req.Entry,
		Function: fn,
		Module:   mod,
		Env:      req.Env,
		Launch:   launch,
	}, nil
}

func emit(sink ProgressSink, name string, stage Stage, status Status, err error, elapsed time.Duration) {
	if sink == nil {
		return
	}
	sink.OnEvent(Event{Name: name, Stage: stage, Status: status, Err: err, Elapsed: elapsed})
}
