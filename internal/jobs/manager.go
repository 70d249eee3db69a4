// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package jobs runs mutating operations as tracked jobs. A job is either
// an external process (a spawned job) or a function run on a bounded
// pool of goroutines (a threaded job). Both publish a job object while
// they run and complete exactly once.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"

	"github.com/juju/lvmd/core/logger"
	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/reactor"
)

// Reactor is the part of the reactor the job manager needs.
type Reactor interface {
	Post(fn func(context.Context)) error
	Call(ctx context.Context, fn func(context.Context)) error
}

// Recorder receives job lifecycle notifications for metrics.
type Recorder interface {
	JobStarted(kind string)
	JobCompleted(kind string, success bool)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Store   *objectgraph.Store
	Reactor Reactor
	Runner  ProcessRunner
	Clock   clock.Clock
	Logger  logger.Logger

	// PoolSize bounds how many threaded jobs run at once.
	PoolSize int

	// KillGrace is how long a cancelled process has between SIGTERM
	// and SIGKILL.
	KillGrace time.Duration

	// Recorder is optional.
	Recorder Recorder
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("missing Store")
	}
	if c.Reactor == nil {
		return errors.NotValidf("missing Reactor")
	}
	if c.Runner == nil {
		return errors.NotValidf("missing Runner")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.PoolSize <= 0 {
		return errors.NotValidf("PoolSize %d", c.PoolSize)
	}
	if c.KillGrace <= 0 {
		return errors.NotValidf("KillGrace %v", c.KillGrace)
	}
	return nil
}

// Manager launches jobs and drives them to completion.
type Manager struct {
	config Config
	pool   *semaphore.Weighted
	nextID atomic.Uint64

	running sync.WaitGroup
	mu      sync.Mutex
	live    map[uint64]*Job
}

// NewManager returns a job manager.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Manager{
		config: config,
		pool:   semaphore.NewWeighted(int64(config.PoolSize)),
		live:   make(map[uint64]*Job),
	}, nil
}

// Jobs returns the jobs that have not completed yet.
func (m *Manager) Jobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*Job, 0, len(m.live))
	for _, j := range m.live {
		result = append(result, j)
	}
	return result
}

// Shutdown cancels every running job and waits for all of them to
// complete.
func (m *Manager) Shutdown() {
	for _, j := range m.Jobs() {
		j.Cancel()
	}
	m.running.Wait()
}

// params is the part of the launch parameters common to both job kinds.
type params struct {
	operation    string
	startedByUID uint32
	objects      []string
	autoEstimate bool
}

// newJob allocates an id for a job and publishes it. The job's context
// is derived from ctx, so cancelling ctx cancels the job.
func (m *Manager) newJob(ctx context.Context, kind string, p params) (*Job, error) {
	id := m.nextID.Add(1) - 1
	jobCtx, cancel := context.WithCancel(ctx)
	j := &Job{
		id:           id,
		path:         objectgraph.JobPath(id),
		kind:         kind,
		operation:    p.operation,
		startedByUID: p.startedByUID,
		objects:      append([]string(nil), p.objects...),
		autoEstimate: p.autoEstimate,
		startTime:    m.config.Clock.Now(),
		ctx:          jobCtx,
		cancel:       cancel,
		state:        StateCreated,
		done:         make(chan struct{}),
	}
	j.changed = func() {
		_ = m.config.Reactor.Post(func(context.Context) {
			if m.config.Store.Contains(j.path) {
				m.config.Store.Changed(j.path)
			}
		})
	}

	// Publishing runs inline when the caller is already on the reactor.
	var publishErr error
	if err := m.config.Reactor.Call(context.WithoutCancel(ctx), func(context.Context) {
		publishErr = m.config.Store.Publish(j)
	}); err != nil {
		cancel()
		return nil, errors.Annotatef(err, "publishing job %d", id)
	}
	if publishErr != nil {
		cancel()
		return nil, errors.Annotatef(publishErr, "publishing job %d", id)
	}

	m.mu.Lock()
	m.live[id] = j
	m.mu.Unlock()
	m.running.Add(1)

	if m.config.Recorder != nil {
		m.config.Recorder.JobStarted(kind)
	}
	m.config.Logger.Debugf("job %d (%s) started by uid %d", id, p.operation, p.startedByUID)
	return j, nil
}

// finish completes j with result. Only the first call for a job has any
// effect. The job object is unpublished on the reactor; if the reactor
// has already stopped the job completes on the calling goroutine.
func (m *Manager) finish(j *Job, result Result, cancelled bool) {
	j.once.Do(func() {
		complete := func(unpublish func(string) error) {
			if err := unpublish(j.path); err != nil {
				m.config.Logger.Errorf("unpublishing job %d: %v", j.id, err)
			}

			state := StateFailed
			switch {
			case cancelled:
				state = StateCancelled
			case result.Success:
				state = StateSucceeded
			}
			j.mu.Lock()
			j.result = result
			j.state = state
			j.mu.Unlock()
			j.cancel()

			m.mu.Lock()
			delete(m.live, j.id)
			m.mu.Unlock()

			if m.config.Recorder != nil {
				m.config.Recorder.JobCompleted(j.kind, result.Success)
			}
			m.config.Logger.Debugf("job %d (%s) completed: success=%v %q",
				j.id, j.operation, result.Success, result.Message)
			_ = m.config.Store.Hub().Publish(CompletedTopic, CompletedEvent{
				Path:      j.path,
				Operation: j.operation,
				Result:    result,
			})
			close(j.done)
			m.running.Done()
		}

		if err := m.config.Reactor.Post(func(context.Context) {
			complete(m.config.Store.Unpublish)
		}); err != nil {
			complete(func(path string) error {
				m.config.Store.UnpublishTolerant(path)
				return nil
			})
		}
	})
}

// blockingAllowed refuses to block work running on the reactor, where
// waiting for a job would stop the job from ever completing.
func blockingAllowed(ctx context.Context) error {
	if reactor.IsReactorContext(ctx) {
		return reactor.ErrOnReactor
	}
	return nil
}
