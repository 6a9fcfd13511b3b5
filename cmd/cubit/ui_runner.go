package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"cubit/internal/device"
	"cubit/internal/kcache"
	"cubit/internal/kernel"
	"cubit/internal/ui"
)

type batchOutcome struct {
	failures int
	hits     int
	err      error
}

func precompileWithUI(ctx context.Context, title string, names, files []string, cache *kcache.Cache, cap device.Capability, debug bool, jobs int) (int, int, error) {
	events := make(chan kernel.Event, 256)
	outcomeCh := make(chan batchOutcome, 1)

	go func() {
		failures, hits, err := precompileBatch(ctx, files, cache, cap, debug, jobs, kernel.ChannelSink{Ch: events})
		outcomeCh <- batchOutcome{failures: failures, hits: hits, err: err}
		close(events)
	}()

	model := ui.NewProgressModel(title, names, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.failures, outcome.hits, uiErr
	}
	return outcome.failures, outcome.hits, outcome.err
}
