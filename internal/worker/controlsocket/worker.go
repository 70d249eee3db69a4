// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package controlsocket serves the facades as JSON over HTTP on a unix
// socket. The caller of every request is the process on the other end
// of the connection.
package controlsocket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/lvmd/core/logger"
	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/auth"
	"github.com/juju/lvmd/internal/facade"
)

// DefaultSocketMode lets root and the socket group connect.
const DefaultSocketMode os.FileMode = 0660

// Manager is the facade entry point.
type Manager interface {
	VolumeGroupCreate(ctx context.Context, caller auth.Caller, args facade.VolumeGroupCreateArgs) (string, error)
	VolumeGroup(path string) (VolumeGroup, error)
	LogicalVolume(path string) (LogicalVolume, error)
}

// VolumeGroup is the facade of a volume group.
type VolumeGroup interface {
	Poll()
	Delete(ctx context.Context, caller auth.Caller, wipe bool) error
	Rename(ctx context.Context, caller auth.Caller, newName string) (string, error)
	AddDevice(ctx context.Context, caller auth.Caller, blockPath string) error
	RemoveDevice(ctx context.Context, caller auth.Caller, blockPath string, wipe bool) error
	EmptyDevice(ctx context.Context, caller auth.Caller, blockPath string, noBlock bool) error
	CreatePlainVolume(ctx context.Context, caller auth.Caller, args facade.CreatePlainVolumeArgs) (string, error)
	CreateThinPoolVolume(ctx context.Context, caller auth.Caller, args facade.CreateThinPoolVolumeArgs) (string, error)
	CreateThinVolume(ctx context.Context, caller auth.Caller, args facade.CreateThinVolumeArgs) (string, error)
}

// LogicalVolume is the facade of a logical volume.
type LogicalVolume interface {
	Delete(ctx context.Context, caller auth.Caller) error
	Rename(ctx context.Context, caller auth.Caller, newName string) (string, error)
	Resize(ctx context.Context, caller auth.Caller, args facade.ResizeArgs) error
	Activate(ctx context.Context, caller auth.Caller) (string, error)
	Deactivate(ctx context.Context, caller auth.Caller) error
	CreateSnapshot(ctx context.Context, caller auth.Caller, args facade.CreateSnapshotArgs) (string, error)
}

// NewFacadeManager adapts a facade.Manager to Manager.
func NewFacadeManager(m *facade.Manager) Manager {
	return facadeManager{m}
}

type facadeManager struct {
	*facade.Manager
}

func (m facadeManager) VolumeGroup(path string) (VolumeGroup, error) {
	return m.Manager.VolumeGroup(path)
}

func (m facadeManager) LogicalVolume(path string) (LogicalVolume, error) {
	return m.Manager.LogicalVolume(path)
}

// Objects is the read side of the object graph.
type Objects interface {
	Lookup(path string) (objectgraph.Object, bool)
	Objects() []objectgraph.Object
}

// Config holds the configuration and dependencies of the worker.
type Config struct {
	Manager Manager
	Objects Objects
	Logger  logger.Logger

	// Gatherer, if set, is served at /metrics.
	Gatherer prometheus.Gatherer

	SocketName string
	SocketMode os.FileMode

	NewSocketListener func(SocketListenerConfig) (worker.Worker, error)
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Manager == nil {
		return errors.NotValidf("missing Manager")
	}
	if c.Objects == nil {
		return errors.NotValidf("missing Objects")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.SocketName == "" {
		return errors.NotValidf("empty SocketName")
	}
	if c.NewSocketListener == nil {
		return errors.NotValidf("missing NewSocketListener")
	}
	return nil
}

// Worker serves the control socket.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker binds the control socket and starts serving it.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.SocketMode == 0 {
		config.SocketMode = DefaultSocketMode
	}

	w := &Worker{config: config}
	listener, err := config.NewSocketListener(SocketListenerConfig{
		Logger:           config.Logger,
		SocketName:       config.SocketName,
		SocketMode:       config.SocketMode,
		RegisterHandlers: w.registerHandlers,
		ConnContext:      withPeerCredentials,
		ShutdownTimeout:  500 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Annotate(err, "control socket listener")
	}

	err = catacomb.Invoke(catacomb.Plan{
		Name: "control-socket",
		Site: &w.catacomb,
		Work: func() error {
			<-w.catacomb.Dying()
			return w.catacomb.ErrDying()
		},
		Init: []worker.Worker{listener},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) registerHandlers(r *mux.Router) {
	r.HandleFunc("/objects", w.handleListObjects).Methods(http.MethodGet)
	r.HandleFunc("/objects{path:/.*}", w.handleGetObject).Methods(http.MethodGet)
	r.HandleFunc("/manager/{method}", w.handleManager).Methods(http.MethodPost)
	r.HandleFunc("/volume-group/{vg}/{method}", w.handleVolumeGroup).Methods(http.MethodPost)
	r.HandleFunc("/logical-volume/{vg}/{lv}/{method}", w.handleLogicalVolume).Methods(http.MethodPost)
	if w.config.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(w.config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// ObjectInfo describes one published object.
type ObjectInfo struct {
	Path       string                 `json:"path"`
	Kind       string                 `json:"kind"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// ObjectsResponse is the reply to GET /objects.
type ObjectsResponse struct {
	Objects []ObjectInfo `json:"objects"`
}

// PathResponse is the reply to an operation that succeeded. Path is
// empty for operations that do not return one.
type PathResponse struct {
	Path string `json:"path,omitempty"`
}

// ErrorResponse is the reply to a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func describe(obj objectgraph.Object) ObjectInfo {
	info := ObjectInfo{Path: obj.Path(), Kind: string(obj.Kind())}
	if d, ok := obj.(objectgraph.Describer); ok {
		info.Properties = d.Properties()
	}
	return info
}

func (w *Worker) handleListObjects(resp http.ResponseWriter, _ *http.Request) {
	objects := w.config.Objects.Objects()
	result := ObjectsResponse{Objects: make([]ObjectInfo, len(objects))}
	for i, obj := range objects {
		result.Objects[i] = describe(obj)
	}
	w.writeResponse(resp, http.StatusOK, result)
}

func (w *Worker) handleGetObject(resp http.ResponseWriter, req *http.Request) {
	path := mux.Vars(req)["path"]
	obj, ok := w.config.Objects.Lookup(path)
	if !ok {
		w.writeError(resp, errors.NotFoundf("object %s", path))
		return
	}
	w.writeResponse(resp, http.StatusOK, describe(obj))
}

func (w *Worker) handleManager(resp http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]
	if method != "volume-group-create" {
		w.writeError(resp, errors.NotFoundf("manager method %q", method))
		return
	}
	w.call(resp, req, func(ctx context.Context, caller auth.Caller, body []byte) (string, error) {
		var args facade.VolumeGroupCreateArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return w.config.Manager.VolumeGroupCreate(ctx, caller, args)
	})
}

func (w *Worker) handleVolumeGroup(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	op, ok := volumeGroupMethods[vars["method"]]
	if !ok {
		w.writeError(resp, errors.NotFoundf("volume group method %q", vars["method"]))
		return
	}
	vg, err := w.config.Manager.VolumeGroup(objectgraph.VolumeGroupPath(vars["vg"]))
	if err != nil {
		w.writeError(resp, err)
		return
	}
	w.call(resp, req, func(ctx context.Context, caller auth.Caller, body []byte) (string, error) {
		return op(ctx, vg, caller, body)
	})
}

func (w *Worker) handleLogicalVolume(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	op, ok := logicalVolumeMethods[vars["method"]]
	if !ok {
		w.writeError(resp, errors.NotFoundf("logical volume method %q", vars["method"]))
		return
	}
	path := objectgraph.LogicalVolumePath(objectgraph.VolumeGroupPath(vars["vg"]), vars["lv"])
	lv, err := w.config.Manager.LogicalVolume(path)
	if err != nil {
		w.writeError(resp, err)
		return
	}
	w.call(resp, req, func(ctx context.Context, caller auth.Caller, body []byte) (string, error) {
		return op(ctx, lv, caller, body)
	})
}

// call identifies the caller, reads the request body and runs op.
func (w *Worker) call(
	resp http.ResponseWriter, req *http.Request,
	op func(ctx context.Context, caller auth.Caller, body []byte) (string, error),
) {
	caller, ok := callerFrom(req.Context())
	if !ok {
		w.writeError(resp, errors.Unauthorizedf("cannot identify caller"))
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		w.writeError(resp, errors.BadRequestf("reading request body: %v", err))
		return
	}

	// Requests are abandoned when the worker stops as well as when the
	// client goes away.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go func() {
		select {
		case <-w.catacomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()

	path, err := op(ctx, caller, body)
	if err != nil {
		w.config.Logger.Debugf("%s %s by uid %d failed: %v", req.Method, req.URL.Path, caller.UID, err)
		w.writeError(resp, err)
		return
	}
	w.writeResponse(resp, http.StatusOK, PathResponse{Path: path})
}

// decode unmarshals a request body into args. An empty body leaves args
// at its zero value.
func decode(body []byte, args interface{}) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, args); err != nil {
		return errors.BadRequestf("request body is not valid JSON: %v", err)
	}
	return nil
}

func (w *Worker) writeError(resp http.ResponseWriter, err error) {
	w.writeResponse(resp, statusFor(err), ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errors.Unauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.Timeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (w *Worker) writeResponse(resp http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		w.config.Logger.Errorf("error marshalling response body to JSON: %v", err)
		w.config.Logger.Errorf("response was: %+v", response)
		statusCode = http.StatusInternalServerError
		body = []byte(`{"error":"internal error marshalling response"}`)
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(statusCode)
	w.config.Logger.Tracef("returning response %q", body)
	if _, err := resp.Write(body); err != nil {
		w.config.Logger.Warningf("error writing HTTP response: %v", err)
	}
}
