// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package block

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/lvmd/core/objectgraph"
)

// Store is the part of the object graph the tracker mutates.
type Store interface {
	Publish(obj objectgraph.Object) error
	Unpublish(path string) error
	Changed(path string)
}

// Tracker keeps one published Device per block device of the system.
// It must only be used on the reactor.
type Tracker struct {
	store   Store
	devices map[string]*Device
}

// NewTracker returns a tracker that has published nothing yet.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:   store,
		devices: make(map[string]*Device),
	}
}

// Sync brings the published devices in line with infos, which must be a
// full scan. It returns the devices that were added and removed.
func (t *Tracker) Sync(infos []Info) (added, removed []*Device, err error) {
	seen := set.NewStrings()
	for _, info := range infos {
		seen.Add(info.Sysname)
		d, err := t.Update(info)
		if err != nil {
			return added, removed, errors.Trace(err)
		}
		if d != nil {
			added = append(added, d)
		}
	}
	for _, sysname := range set.NewStrings(t.names()...).Difference(seen).SortedValues() {
		d, err := t.Remove(sysname)
		if err != nil {
			return added, removed, errors.Trace(err)
		}
		removed = append(removed, d)
	}
	return added, removed, nil
}

// Update publishes the device described by info, or refreshes it if it
// is already published. It returns the device only when it is new.
func (t *Tracker) Update(info Info) (*Device, error) {
	if d, ok := t.devices[info.Sysname]; ok {
		if d.update(info) {
			t.store.Changed(d.Path())
		}
		return nil, nil
	}
	d := NewDevice(info)
	if err := t.store.Publish(d); err != nil {
		return nil, errors.Annotatef(err, "publishing block device %s", info.Sysname)
	}
	t.devices[info.Sysname] = d
	return d, nil
}

// Remove unpublishes a device.
func (t *Tracker) Remove(sysname string) (*Device, error) {
	d, ok := t.devices[sysname]
	if !ok {
		return nil, errors.NotFoundf("block device %q", sysname)
	}
	delete(t.devices, sysname)
	if err := t.store.Unpublish(d.Path()); err != nil {
		return nil, errors.Annotatef(err, "unpublishing block device %s", sysname)
	}
	return d, nil
}

// Get returns a tracked device by kernel name.
func (t *Tracker) Get(sysname string) (*Device, bool) {
	d, ok := t.devices[sysname]
	return d, ok
}

// Devices returns every tracked device.
func (t *Tracker) Devices() []*Device {
	result := make([]*Device, 0, len(t.devices))
	for _, name := range set.NewStrings(t.names()...).SortedValues() {
		result = append(result, t.devices[name])
	}
	return result
}

func (t *Tracker) names() []string {
	names := make([]string, 0, len(t.devices))
	for name := range t.devices {
		names = append(names, name)
	}
	return names
}
