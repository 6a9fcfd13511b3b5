package kernel

import "time"

// Stage describes a phase of building one kernel.
type Stage string

const (
	// StageCompile covers device compilation (or a cache hit).
	StageCompile Stage = "compile"
	// StageLink covers loading the binary into the execution context.
	StageLink Stage = "link"
	// StagePlan covers launch-configuration planning.
	StagePlan Stage = "plan"
)

// Status captures progress state within a stage.
type Status string

const (
	// StatusQueued indicates the kernel is waiting to start.
	StatusQueued Status = "queued"
	// StatusWorking indicates the stage is in progress.
	StatusWorking Status = "working"
	// StatusDone indicates the stage finished.
	StatusDone Status = "done"
	// StatusError indicates the stage failed.
	StatusError Status = "error"
)

// Event reports progress for one kernel build (or for the overall batch when
// Name is empty).
type Event struct {
	Name    string
	Stage   Stage
	Status  Status
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

// BindingKind classifies a free-variable binding captured by a kernel.
type BindingKind uint8

const (
	// BindingArray is a device-resident array the kernel reads or writes.
	BindingArray BindingKind = iota
	// BindingScalar is a plain scalar closed over by the generated code.
	BindingScalar
)

// Binding describes one entry of the free-variable environment the front end
// attaches to a generated fragment. This core carries the environment through
// to the execution layer untouched; it only checks the array invariant.
type Binding struct {
	Name string
	Kind BindingKind
}
