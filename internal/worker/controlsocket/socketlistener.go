// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlsocket

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/juju/lvmd/core/logger"
)

// SocketListenerConfig holds the configuration of a SocketListener.
type SocketListenerConfig struct {
	Logger     logger.Logger
	SocketName string

	// SocketMode is applied to the socket file once it is bound.
	SocketMode os.FileMode

	// RegisterHandlers adds the routes served on the socket.
	RegisterHandlers func(r *mux.Router)

	// ConnContext, if set, derives the context of every request on a
	// connection from the connection itself.
	ConnContext func(ctx context.Context, conn net.Conn) context.Context

	// ShutdownTimeout is how long in-flight requests are given to
	// finish when the listener is killed.
	ShutdownTimeout time.Duration
}

// Validate ensures that the config values are valid.
func (c SocketListenerConfig) Validate() error {
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.SocketName == "" {
		return errors.NotValidf("empty SocketName")
	}
	if c.RegisterHandlers == nil {
		return errors.NotValidf("missing RegisterHandlers")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.NotValidf("non-positive ShutdownTimeout")
	}
	return nil
}

// SocketListener serves HTTP on a unix socket.
type SocketListener struct {
	tomb     tomb.Tomb
	config   SocketListenerConfig
	listener net.Listener
	server   *http.Server
}

// NewSocketListener binds the socket and starts serving on it. A stale
// socket file left by a previous run is replaced.
func NewSocketListener(config SocketListenerConfig) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if info, err := os.Lstat(config.SocketName); err == nil && info.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(config.SocketName); err != nil {
			return nil, errors.Annotatef(err, "removing stale socket %s", config.SocketName)
		}
	}
	listener, err := net.Listen("unix", config.SocketName)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %s", config.SocketName)
	}
	if config.SocketMode != 0 {
		if err := os.Chmod(config.SocketName, config.SocketMode); err != nil {
			_ = listener.Close()
			return nil, errors.Annotatef(err, "setting mode of %s", config.SocketName)
		}
	}

	router := mux.NewRouter()
	config.RegisterHandlers(router)
	sl := &SocketListener{
		config:   config,
		listener: listener,
		server: &http.Server{
			Handler:     router,
			ConnContext: config.ConnContext,
		},
	}
	sl.tomb.Go(sl.run)
	return sl, nil
}

// Kill is part of the worker.Worker interface.
func (sl *SocketListener) Kill() {
	sl.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (sl *SocketListener) Wait() error {
	return sl.tomb.Wait()
}

func (sl *SocketListener) run() error {
	defer sl.config.Logger.Debugf("socket listener on %s shut down", sl.config.SocketName)

	sl.tomb.Go(func() error {
		sl.config.Logger.Debugf("serving on %s", sl.config.SocketName)
		err := sl.server.Serve(sl.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Annotate(err, "serving control socket")
	})

	<-sl.tomb.Dying()
	ctx, cancel := context.WithTimeout(context.Background(), sl.config.ShutdownTimeout)
	defer cancel()
	if err := sl.server.Shutdown(ctx); err != nil {
		sl.config.Logger.Warningf("forcing control socket closed: %v", err)
		_ = sl.server.Close()
	}
	return nil
}
