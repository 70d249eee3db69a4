// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package objectgraph holds the set of objects lvmd publishes: volume
// groups, logical volumes, block devices and jobs, each at a unique path.
package objectgraph

import (
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/juju/lvmd/core/logger"
)

// Kind identifies the type of a published object.
type Kind string

const (
	KindManager       Kind = "manager"
	KindVolumeGroup   Kind = "volume-group"
	KindLogicalVolume Kind = "logical-volume"
	KindBlock         Kind = "block"
	KindJob           Kind = "job"
)

// Object is anything that can be published in the store.
type Object interface {
	// Path returns the path the object is published at. It must not
	// change for the lifetime of the object.
	Path() string

	// Kind returns the kind of the object.
	Kind() Kind
}

// Describer is implemented by objects that publish attributes.
type Describer interface {
	Object

	// Properties returns a snapshot of the published attributes.
	Properties() map[string]interface{}
}

// Topics published on the store hub. The data is always an Event.
const (
	PublishedTopic   = "objectgraph.published"
	UnpublishedTopic = "objectgraph.unpublished"
	ChangedTopic     = "objectgraph.changed"
)

// Event describes a change to the store.
type Event struct {
	Path string
	Kind Kind
}

// Store owns the published objects. Readers may use it from any
// goroutine; mutation is expected to happen on the reactor only.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
	hub     *pubsub.SimpleHub
	logger  logger.Logger
}

// NewStore returns an empty store.
func NewStore(logger logger.Logger) *Store {
	return &Store{
		objects: make(map[string]Object),
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: logger,
		}),
		logger: logger,
	}
}

// Hub returns the hub the store publishes its events on.
func (s *Store) Hub() *pubsub.SimpleHub {
	return s.hub
}

// Publish adds obj to the store. Publishing an object that is already
// published is a no-op. Publishing a different object at a path that is
// in use fails with an AlreadyExists error.
func (s *Store) Publish(obj Object) error {
	path := obj.Path()
	s.mu.Lock()
	existing, ok := s.objects[path]
	if ok {
		s.mu.Unlock()
		if existing == obj {
			return nil
		}
		return errors.AlreadyExistsf("object at %q", path)
	}
	s.objects[path] = obj
	s.mu.Unlock()

	s.logger.Tracef("published %s %s", obj.Kind(), path)
	_ = s.hub.Publish(PublishedTopic, Event{Path: path, Kind: obj.Kind()})
	return nil
}

// Unpublish removes the object at path. It fails with a NotFound error
// when nothing is published there.
func (s *Store) Unpublish(path string) error {
	s.mu.Lock()
	obj, ok := s.objects[path]
	if !ok {
		s.mu.Unlock()
		return errors.NotFoundf("object at %q", path)
	}
	delete(s.objects, path)
	s.mu.Unlock()

	s.logger.Tracef("unpublished %s %s", obj.Kind(), path)
	_ = s.hub.Publish(UnpublishedTopic, Event{Path: path, Kind: obj.Kind()})
	return nil
}

// UnpublishTolerant removes the object at path if there is one. It is
// meant for shutdown sweeps, where objects may already be gone.
func (s *Store) UnpublishTolerant(path string) {
	if err := s.Unpublish(path); err != nil && !errors.Is(err, errors.NotFound) {
		s.logger.Warningf("unpublishing %q: %v", path, err)
	}
}

// UnpublishTree removes every object below path, deepest first, and
// then the object at path itself.
func (s *Store) UnpublishTree(path string) error {
	s.mu.RLock()
	var below []string
	for p := range s.objects {
		if IsBelow(p, path) {
			below = append(below, p)
		}
	}
	s.mu.RUnlock()

	sort.Sort(sort.Reverse(sort.StringSlice(below)))
	for _, p := range below {
		s.UnpublishTolerant(p)
	}
	return errors.Trace(s.Unpublish(path))
}

// Changed announces that the attributes of the object at path have been
// refreshed.
func (s *Store) Changed(path string) {
	s.mu.RLock()
	obj, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return
	}
	_ = s.hub.Publish(ChangedTopic, Event{Path: path, Kind: obj.Kind()})
}

// Lookup returns the object published at path.
func (s *Store) Lookup(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Contains reports whether anything is published at path.
func (s *Store) Contains(path string) bool {
	_, ok := s.Lookup(path)
	return ok
}

// Objects returns every published object, ordered by path.
func (s *Store) Objects() []Object {
	return s.filter(func(Object) bool { return true })
}

// OfKind returns the published objects of the given kind, ordered by
// path.
func (s *Store) OfKind(kind Kind) []Object {
	return s.filter(func(obj Object) bool { return obj.Kind() == kind })
}

// Paths returns the published paths, sorted.
func (s *Store) Paths() []string {
	s.mu.RLock()
	paths := make([]string, 0, len(s.objects))
	for p := range s.objects {
		paths = append(paths, p)
	}
	s.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

func (s *Store) filter(keep func(Object) bool) []Object {
	s.mu.RLock()
	result := make([]Object, 0, len(s.objects))
	for _, obj := range s.objects {
		if keep(obj) {
			result = append(result, obj)
		}
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path() < result[j].Path()
	})
	return result
}
