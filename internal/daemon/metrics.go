// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	"github.com/juju/lvmd/core/logger"
)

// metricsServer serves /metrics over TCP for scrapers that cannot reach
// the control socket.
type metricsServer struct {
	tomb     tomb.Tomb
	logger   logger.Logger
	listener net.Listener
	server   *http.Server
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer, logger logger.Logger) (*metricsServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %s", addr)
	}
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s := &metricsServer{
		logger:   logger,
		listener: listener,
		server: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.tomb.Go(s.run)
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *metricsServer) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *metricsServer) Wait() error {
	return s.tomb.Wait()
}

// Addr returns the address the server listens on.
func (s *metricsServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *metricsServer) run() error {
	s.tomb.Go(func() error {
		s.logger.Infof("serving metrics on %s", s.listener.Addr())
		err := s.server.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Annotate(err, "serving metrics")
	})

	<-s.tomb.Dying()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
	}
	return nil
}
