// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package debounce coalesces bursts of triggers into a single pass of
// work run on the reactor.
package debounce

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/lvmd/core/logger"
)

// DefaultDelay is how long a trigger waits for more triggers.
const DefaultDelay = 100 * time.Millisecond

// Reactor is the part of the reactor the scheduler needs.
type Reactor interface {
	Post(fn func(context.Context)) error
}

// Config holds the dependencies of a Scheduler.
type Config struct {
	Clock   clock.Clock
	Reactor Reactor
	Logger  logger.Logger
	Delay   time.Duration

	// Fire is the coalesced work. It runs on the reactor.
	Fire func(ctx context.Context)
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Reactor == nil {
		return errors.NotValidf("missing Reactor")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.Delay <= 0 {
		return errors.NotValidf("Delay %v", c.Delay)
	}
	if c.Fire == nil {
		return errors.NotValidf("missing Fire")
	}
	return nil
}

// Scheduler arms at most one timer at a time. Triggers that arrive while
// it is armed are absorbed.
type Scheduler struct {
	config Config

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
}

// NewScheduler returns an idle Scheduler.
func NewScheduler(config Config) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Scheduler{config: config}, nil
}

// TriggerDelayed arms the timer unless it is already armed.
func (s *Scheduler) TriggerDelayed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return
	}
	s.gen++
	gen := s.gen
	s.timer = s.config.Clock.AfterFunc(s.config.Delay, func() {
		s.mu.Lock()
		if s.timer == nil || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		s.fire()
	})
}

// FlushNow runs the pending pass immediately if the timer is armed, and
// reports whether it did. It does nothing when nothing is pending.
func (s *Scheduler) FlushNow() bool {
	s.mu.Lock()
	if s.timer == nil {
		s.mu.Unlock()
		return false
	}
	s.timer.Stop()
	s.timer = nil
	s.mu.Unlock()

	s.fire()
	return true
}

// Stop disarms the timer without running the pending pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Armed reports whether a pass is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) fire() {
	if err := s.config.Reactor.Post(s.config.Fire); err != nil {
		s.config.Logger.Debugf("dropping debounced pass: %v", err)
	}
}
