// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package signalhandler

import (
	"os"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/lvmd/core/logger"
)

// ErrShutdown is returned by the watcher when a signal asks the daemon
// to stop.
const ErrShutdown = errors.ConstError("shutdown requested")

// SignalHandlerFunc handles one received signal. Returning nil keeps
// the watcher running; any error stops it with that error.
type SignalHandlerFunc func(os.Signal) error

// SignalWatcher is the worker responsible for watching signals and passing
// them to a handler.
type SignalWatcher struct {
	catacomb catacomb.Catacomb
	handler  SignalHandlerFunc
	logger   logger.Logger
	sigCh    <-chan os.Signal
}

// NewSignalWatcher constructs a new signal watcher worker with the specified
// signal channel and handler func.
func NewSignalWatcher(
	logger logger.Logger,
	sig <-chan os.Signal,
	handler SignalHandlerFunc,
) (*SignalWatcher, error) {
	s := &SignalWatcher{
		handler: handler,
		logger:  logger,
		sigCh:   sig,
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Name: "signal-watcher",
		Site: &s.catacomb,
		Work: s.watch,
	}); err != nil {
		return nil, errors.Annotate(err, "creating catacomb plan")
	}

	return s, nil
}

// Kill implements worker.Kill
func (s *SignalWatcher) Kill() {
	s.catacomb.Kill(nil)
}

// Wait implements worker.Wait
func (s *SignalWatcher) Wait() error {
	return s.catacomb.Wait()
}

// DaemonHandler flushes a reconciliation on SIGHUP and asks for shutdown
// on SIGINT and SIGTERM. Other signals are ignored.
func DaemonHandler(logger logger.Logger, flush func()) SignalHandlerFunc {
	return func(sig os.Signal) error {
		switch sig {
		case syscall.SIGHUP:
			logger.Infof("received %v, reconciling", sig)
			flush()
			return nil
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Infof("received %v, shutting down", sig)
			return ErrShutdown
		}
		logger.Debugf("ignoring signal %v", sig)
		return nil
	}
}

// watch passes every signal on the channel to the handler until the
// handler returns an error.
func (s *SignalWatcher) watch() error {
	for {
		select {
		case sig, ok := <-s.sigCh:
			if !ok {
				return errors.New("signal channel closed unexpectedly")
			}
			if err := s.handler(sig); err != nil {
				return err
			}
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		}
	}
}
