// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/lvmd/internal/config"
	"github.com/juju/lvmd/internal/worker/controlsocket"
)

// socketFlag holds the --socket flag shared by every subcommand.
type socketFlag struct {
	path string
}

// AddFlags implements cmd.FlagAdder.
func (s *socketFlag) AddFlags(f *gnuflag.FlagSet) {
	f.StringVar(&s.path, "socket", config.DefaultSocketPath, "Path of the lvmd control socket")
}

// client talks to the control socket of a running lvmd.
type client struct {
	http *http.Client
}

func newClient(socket string) *client {
	dialer := &net.Dialer{}
	return &client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socket)
				},
			},
		},
	}
}

// Objects returns every published object.
func (c *client) Objects(ctx context.Context) ([]controlsocket.ObjectInfo, error) {
	var result controlsocket.ObjectsResponse
	if err := c.do(ctx, http.MethodGet, "/objects", nil, &result); err != nil {
		return nil, errors.Trace(err)
	}
	return result.Objects, nil
}

// Object returns the object published at path.
func (c *client) Object(ctx context.Context, path string) (controlsocket.ObjectInfo, error) {
	var result controlsocket.ObjectInfo
	if !strings.HasPrefix(path, "/") {
		return result, errors.NotValidf("object path %q", path)
	}
	err := c.do(ctx, http.MethodGet, "/objects"+path, nil, &result)
	return result, errors.Trace(err)
}

// Call invokes method on the target, which is either "manager", a volume
// group name or a "group/volume" pair, and returns the object path in the
// reply, if any.
func (c *client) Call(ctx context.Context, target, method string, body []byte) (string, error) {
	route, err := methodRoute(target, method)
	if err != nil {
		return "", errors.Trace(err)
	}
	var result controlsocket.PathResponse
	if err := c.do(ctx, http.MethodPost, route, body, &result); err != nil {
		return "", errors.Trace(err)
	}
	return result.Path, nil
}

func methodRoute(target, method string) (string, error) {
	if method == "" {
		return "", errors.NotValidf("empty method")
	}
	if target == "manager" {
		return "/manager/" + url.PathEscape(method), nil
	}
	parts := strings.Split(target, "/")
	for _, part := range parts {
		if part == "" {
			return "", errors.NotValidf("target %q", target)
		}
	}
	switch len(parts) {
	case 1:
		return "/volume-group/" + url.PathEscape(parts[0]) + "/" + url.PathEscape(method), nil
	case 2:
		return "/logical-volume/" + url.PathEscape(parts[0]) + "/" +
			url.PathEscape(parts[1]) + "/" + url.PathEscape(method), nil
	}
	return "", errors.NotValidf("target %q", target)
}

func (c *client) do(ctx context.Context, method, route string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	// The host is ignored by the dialer.
	req, err := http.NewRequestWithContext(ctx, method, "http://lvmd"+route, reader)
	if err != nil {
		return errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Annotate(err, "cannot reach lvmd")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Annotate(err, "reading response")
	}
	if resp.StatusCode != http.StatusOK {
		return responseError(resp.StatusCode, data)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return errors.Annotate(err, "decoding response")
	}
	switch out := out.(type) {
	case *controlsocket.ObjectInfo:
		normalize(out.Properties)
	case *controlsocket.ObjectsResponse:
		for _, obj := range out.Objects {
			normalize(obj.Properties)
		}
	}
	return nil
}

// normalize replaces the JSON numbers in props with int64 values where
// they are integral and float64 values otherwise.
func normalize(props map[string]interface{}) {
	for key, value := range props {
		props[key] = normalizeValue(value)
	}
}

func normalizeValue(value interface{}) interface{} {
	switch value := value.(type) {
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
		return value.String()
	case map[string]interface{}:
		normalize(value)
	case []interface{}:
		for i, item := range value {
			value[i] = normalizeValue(item)
		}
	}
	return value
}

func responseError(status int, data []byte) error {
	var result controlsocket.ErrorResponse
	if err := json.Unmarshal(data, &result); err != nil || result.Error == "" {
		return errors.Errorf("lvmd replied %s", http.StatusText(status))
	}
	switch status {
	case http.StatusNotFound:
		return errors.NewNotFound(nil, result.Error)
	case http.StatusUnauthorized:
		return errors.NewUnauthorized(nil, result.Error)
	case http.StatusBadRequest:
		return errors.NewNotValid(nil, result.Error)
	case http.StatusGatewayTimeout:
		return errors.NewTimeout(nil, result.Error)
	}
	return errors.New(result.Error)
}
