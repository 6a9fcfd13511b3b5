package nvcc

import (
	"context"

	"go.uber.org/zap"
)

// Task is the future side of one in-flight compilation. Exactly one producer
// goroutine satisfies it; any number of waiters observe the same outcome
// without serializing against each other before completion.
type Task struct {
	done chan struct{}
	bin  []byte
	err  error
}

// Launch starts the compiler on its own goroutine and returns immediately.
// Once started, the compile runs to completion or failure; cancelling ctx
// only abandons a Wait, never the compile itself.
func Launch(c Compiler, req Request, log *zap.Logger) *Task {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		log.Debug("compile start",
			zap.String("entry", req.Entry),
			zap.String("arch", req.Cap.ArchName()),
			zap.Int("source_bytes", len(req.Source)))
		t.bin, t.err = c.Compile(context.Background(), req)
		if t.err != nil {
			log.Warn("compile failed", zap.String("entry", req.Entry), zap.Error(t.err))
			return
		}
		log.Debug("compile done",
			zap.String("entry", req.Entry),
			zap.Int("binary_bytes", len(t.bin)))
	}()
	return t
}

// Completed builds an already-resolved Task, used when seeding from the
// persistent store.
func Completed(bin []byte) *Task {
	t := &Task{done: make(chan struct{}), bin: bin}
	close(t.done)
	return t
}

// Wait blocks until the compile resolves or ctx is cancelled. Every waiter
// receives the same binary or the same error.
func (t *Task) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return t.bin, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports completion without blocking.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
