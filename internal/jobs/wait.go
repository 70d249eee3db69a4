// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jobs

import (
	"context"

	"github.com/juju/errors"
)

// LaunchAndWait launches a spawned job and blocks the calling goroutine
// until it completes. Only the caller waits; the reactor and every other
// job keep running.
//
// Completion is delivered through the reactor, so LaunchAndWait must not
// be called from work running on it: it returns reactor.ErrOnReactor instead of
// deadlocking. There is no timeout; cancel ctx to bound the wait, which
// also cancels the job.
func (m *Manager) LaunchAndWait(ctx context.Context, p SpawnParams) (Result, error) {
	if err := blockingAllowed(ctx); err != nil {
		return Result{}, errors.Trace(err)
	}
	j, err := m.Launch(ctx, p)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	<-j.Done()
	return j.Result(), nil
}

// RunThreadedAndWait launches a threaded job and blocks the calling
// goroutine until it completes, under the same rules as LaunchAndWait.
func (m *Manager) RunThreadedAndWait(ctx context.Context, p ThreadedParams) (Result, error) {
	if err := blockingAllowed(ctx); err != nil {
		return Result{}, errors.Trace(err)
	}
	j, err := m.LaunchThreaded(ctx, p)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	<-j.Done()
	return j.Result(), nil
}
