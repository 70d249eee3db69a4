// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jobs

import (
	"context"
	"fmt"

	"github.com/juju/errors"
)

// ThreadedFunc is the work of a threaded job. It must not touch the
// object graph; it may report progress through job.
type ThreadedFunc func(ctx context.Context, job *Job) (bool, error)

// ThreadedParams describes a threaded job.
type ThreadedParams struct {
	Operation    string
	StartedByUID uint32
	Objects      []string
	AutoEstimate bool

	Run ThreadedFunc

	// OnComplete, if set, sees the raw result of Run before the job
	// completes. A non-nil Completion replaces the default outcome.
	OnComplete func(success bool, err error) *Completion
}

// LaunchThreaded starts a threaded job. Run is called on a pool
// goroutine once a slot is free, unless the job has been cancelled by
// then, in which case Run is never called and the job fails.
func (m *Manager) LaunchThreaded(ctx context.Context, p ThreadedParams) (*Job, error) {
	if p.Run == nil {
		return nil, errors.NotValidf("missing Run")
	}
	j, err := m.newJob(ctx, kindThreaded, params{
		operation:    p.Operation,
		startedByUID: p.StartedByUID,
		objects:      p.Objects,
		autoEstimate: p.AutoEstimate,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	go m.runThreaded(j, p)
	return j, nil
}

func (m *Manager) runThreaded(j *Job, p ThreadedParams) {
	if err := m.pool.Acquire(j.ctx, 1); err != nil {
		m.finish(j, Result{Message: cancelledMessage}, true)
		return
	}
	defer m.pool.Release(1)

	if j.ctx.Err() != nil {
		m.finish(j, Result{Message: cancelledMessage}, true)
		return
	}
	j.setState(StateRunning)

	success, err := p.Run(j.ctx, j)
	if success {
		err = nil
	} else if err == nil {
		err = errors.New("no error reported")
	}

	result := Result{Success: success}
	if !success {
		result.Message = fmt.Sprintf("Threaded job failed with error: %v", err)
	}
	if p.OnComplete != nil {
		if c := p.OnComplete(success, err); c != nil {
			result.Success = c.Success
			result.Message = c.Message
		}
	}
	m.finish(j, result, false)
}
