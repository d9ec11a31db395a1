// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// taskTracker runs the work the engines deliberately dispatch after lock
// release (profile propagation, group updates). Task errors are logged and
// never propagate to the caller that spawned them; Wait drains outstanding
// tasks best-effort on shutdown.
type taskTracker struct {
	log zerolog.Logger
	wg  sync.WaitGroup
}

func newTaskTracker(log zerolog.Logger) *taskTracker {
	return &taskTracker{log: log.With().Str("component", "tasks").Logger()}
}

// Go runs fn in a tracked goroutine.
func (t *taskTracker) Go(name string, fn func() error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := fn(); err != nil {
			t.log.Error().Err(err).Str("task", name).Msg("Background task failed")
		}
	}()
}

// Wait blocks until all tracked tasks finish or ctx is done.
func (t *taskTracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
