// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reactor provides the single goroutine that owns every mutation
// of the published object graph. Other goroutines hand work to it with
// Post or Call and never touch shared state directly.
package reactor

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/lvmd/core/logger"
)

// ErrStopped is returned when work is handed to a reactor that is
// shutting down.
const ErrStopped = errors.ConstError("reactor stopped")

// ErrOnReactor is returned by operations that block until the reactor
// has done something when they are called from the reactor itself.
const ErrOnReactor = errors.ConstError("cannot wait on the reactor")

type reactorKey struct{}

// IsReactorContext reports whether ctx is the context handed to work
// running on a reactor. Code that blocks waiting for the reactor uses it
// to refuse to run there.
func IsReactorContext(ctx context.Context) bool {
	return ctx != nil && ctx.Value(reactorKey{}) != nil
}

// Config holds the dependencies of a Reactor.
type Config struct {
	Logger logger.Logger
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// Reactor runs queued functions one at a time, in the order they were
// posted, on a single goroutine.
type Reactor struct {
	catacomb catacomb.Catacomb
	logger   logger.Logger

	mu      sync.Mutex
	pending []func(context.Context)
	stopped bool
	wake    chan struct{}
	dead    chan struct{}
}

// New starts a reactor.
func New(cfg Config) (*Reactor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := &Reactor{
		logger: cfg.Logger,
		wake:   make(chan struct{}, 1),
		dead:   make(chan struct{}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "reactor",
		Site: &r.catacomb,
		Work: r.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Reactor) Kill() {
	r.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Reactor) Wait() error {
	return r.catacomb.Wait()
}

// Post queues fn to run on the reactor. It never blocks, and may be
// called from the reactor itself. Work accepted by Post always runs, even
// when the reactor is stopped before reaching it.
func (r *Reactor) Post(fn func(context.Context)) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.pending = append(r.pending, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call runs fn on the reactor and waits for it to finish. When ctx is
// itself a reactor context fn runs immediately on the calling goroutine.
func (r *Reactor) Call(ctx context.Context, fn func(context.Context)) error {
	if IsReactorContext(ctx) {
		fn(ctx)
		return nil
	}
	done := make(chan struct{})
	if err := r.Post(func(rctx context.Context) {
		defer close(done)
		fn(rctx)
	}); err != nil {
		return errors.Trace(err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-r.dead:
		// Queued work is drained before the loop exits.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (r *Reactor) loop() error {
	defer close(r.dead)
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), reactorKey{}, r))
	defer cancel()

	for {
		select {
		case <-r.catacomb.Dying():
			r.drain(ctx)
			return r.catacomb.ErrDying()
		case <-r.wake:
		}

		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()

		for i, fn := range batch {
			select {
			case <-r.catacomb.Dying():
				r.mu.Lock()
				r.pending = append(batch[i:], r.pending...)
				r.mu.Unlock()
				r.drain(ctx)
				return r.catacomb.ErrDying()
			default:
			}
			fn(ctx)
		}
	}
}

// drain refuses new work and runs whatever is still queued.
func (r *Reactor) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		r.stopped = true
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		r.logger.Debugf("running %d queued functions before stopping", len(batch))
		for _, fn := range batch {
			fn(ctx)
		}
	}
}
