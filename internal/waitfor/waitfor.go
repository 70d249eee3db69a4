// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package waitfor blocks a caller until an object shows up in the object
// graph. Operation handlers use it to return the path of what they just
// created once the synchronizer has published it.
package waitfor

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/reactor"
)

// DefaultInterval is how often the predicate is checked again.
const DefaultInterval = 250 * time.Millisecond

// DefaultTimeout is how long handlers wait for an object by default.
const DefaultTimeout = 10 * time.Second

// Predicate looks for the awaited object. It runs on the reactor, so it
// may read the store freely but must not block.
type Predicate func() (objectgraph.Object, bool)

// Reactor is the part of the reactor the waiter needs.
type Reactor interface {
	Call(ctx context.Context, fn func(context.Context)) error
}

// Config holds the dependencies of a Waiter.
type Config struct {
	Reactor  Reactor
	Clock    clock.Clock
	Interval time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Reactor == nil {
		return errors.NotValidf("missing Reactor")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("Interval %v", c.Interval)
	}
	return nil
}

// Waiter waits for objects to be published.
type Waiter struct {
	config Config
}

// NewWaiter returns a Waiter.
func NewWaiter(config Config) (*Waiter, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Waiter{config: config}, nil
}

// Wait checks predicate straight away and then every Interval until it
// finds an object or timeout elapses. A zero timeout checks once. The
// timeout error mentions description, which names the awaited entity.
func (w *Waiter) Wait(ctx context.Context, description string, timeout time.Duration, predicate Predicate) (objectgraph.Object, error) {
	if reactor.IsReactorContext(ctx) {
		return nil, reactor.ErrOnReactor
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := w.config.Clock.NewTimer(timeout)
		defer t.Stop()
		deadline = t.Chan()
	}
	for {
		obj, err := w.check(ctx, predicate)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if obj != nil {
			return obj, nil
		}
		if timeout <= 0 {
			return nil, timedOut(description)
		}
		if err := w.sleep(ctx, deadline, description); err != nil {
			return nil, errors.Trace(err)
		}
	}
}

// sleep waits for the next recheck.
func (w *Waiter) sleep(ctx context.Context, deadline <-chan time.Time, description string) error {
	recheck := w.config.Clock.NewTimer(w.config.Interval)
	defer recheck.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return timedOut(description)
	case <-recheck.Chan():
		return nil
	}
}

func (w *Waiter) check(ctx context.Context, predicate Predicate) (objectgraph.Object, error) {
	var (
		obj   objectgraph.Object
		found bool
	)
	if err := w.config.Reactor.Call(ctx, func(context.Context) {
		obj, found = predicate()
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return obj, nil
}

func timedOut(description string) error {
	return errors.NewTimeout(nil, fmt.Sprintf("Timed out waiting for object %s", description))
}
