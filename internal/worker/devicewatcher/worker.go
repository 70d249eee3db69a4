// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package devicewatcher turns changes to the udev database into block
// device updates, and asks for a reconcile pass when a change could
// affect LVM.
package devicewatcher

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/juju/lvmd/core/logger"
	"github.com/juju/lvmd/internal/block"
)

// Action is what happened to a block device.
type Action string

const (
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionRemove Action = "remove"
)

// Event describes one block device event.
type Event struct {
	Action  Action
	Sysname string

	// Properties are the udev properties of the device; for a removal,
	// the last ones that were known.
	Properties map[string]string

	// WasPhysicalVolume is set when the device carried a physical volume
	// facet before the event.
	WasPhysicalVolume bool
}

// Relevant reports whether ev could change what LVM reports.
func Relevant(ev Event) bool {
	return ev.Properties["DM_VG_NAME"] != "" ||
		ev.Properties["ID_FS_TYPE"] == "LVM2_member" ||
		ev.WasPhysicalVolume
}

// Scanner enumerates the block devices of the system.
type Scanner interface {
	Scan() ([]block.Info, error)
}

// Tracker is the set of published block devices. It is only used on
// the reactor.
type Tracker interface {
	Sync(infos []block.Info) (added, removed []*block.Device, err error)
	Devices() []*block.Device
}

// Reactor is the part of the reactor the watcher needs.
type Reactor interface {
	Call(ctx context.Context, fn func(context.Context)) error
}

// Debouncer schedules reconcile passes.
type Debouncer interface {
	TriggerDelayed()
}

// Config holds the dependencies of a Watcher.
type Config struct {
	UdevDataDir string
	Scanner     Scanner
	Tracker     Tracker
	Reactor     Reactor
	Debouncer   Debouncer
	Logger      logger.Logger
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.UdevDataDir == "" {
		return errors.NotValidf("empty UdevDataDir")
	}
	if c.Scanner == nil {
		return errors.NotValidf("missing Scanner")
	}
	if c.Tracker == nil {
		return errors.NotValidf("missing Tracker")
	}
	if c.Reactor == nil {
		return errors.NotValidf("missing Reactor")
	}
	if c.Debouncer == nil {
		return errors.NotValidf("missing Debouncer")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	return nil
}

// Watcher is the device event notifier worker.
type Watcher struct {
	tomb    tomb.Tomb
	config  Config
	watcher *fsnotify.Watcher
}

// NewWorker starts watching the udev database. Changes made after it
// returns are seen.
func NewWorker(config Config) (*Watcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Annotate(err, "creating udev database watcher")
	}
	if err := watcher.Add(config.UdevDataDir); err != nil {
		_ = watcher.Close()
		return nil, errors.Annotatef(err, "watching %s", config.UdevDataDir)
	}
	w := &Watcher{
		config:  config,
		watcher: watcher,
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.tomb.Wait()
}

func (w *Watcher) loop() error {
	defer func() { _ = w.watcher.Close() }()

	ctx := w.tomb.Context(context.Background())
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("udev database watcher closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := w.handle(ctx, filepath.Base(ev.Name)); err != nil {
				return errors.Trace(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("udev database watcher closed")
			}
			return errors.Annotate(err, "watching udev database")
		}
	}
}

// handle processes a change to one entry of the udev database. Only
// failures to keep the object graph consistent are returned.
func (w *Watcher) handle(ctx context.Context, name string) error {
	major, minor, ok := block.ParseUdevDataName(name)
	if !ok {
		return nil
	}
	ev, err := Rescan(ctx, w.config.Scanner, w.config.Tracker, w.config.Reactor, major, minor)
	if errors.Is(err, context.Canceled) {
		return nil
	} else if errors.Is(err, errors.AlreadyExists) {
		return errors.Trace(err)
	} else if err != nil {
		w.config.Logger.Errorf("rescanning block devices: %v", err)
		return nil
	}
	if ev == nil {
		return nil
	}
	w.config.Logger.Tracef("block device %s: %s", ev.Sysname, ev.Action)
	if Relevant(*ev) {
		w.config.Logger.Debugf("%s of %s may affect LVM", ev.Action, ev.Sysname)
		w.config.Debouncer.TriggerDelayed()
	}
	return nil
}

// Rescan brings the published block devices in line with the system and
// returns what happened to the device with the given number, or nil if
// it neither existed before nor exists now. The tracker is synced on the
// reactor.
func Rescan(
	ctx context.Context, scanner Scanner, tracker Tracker, reactor Reactor, major, minor uint32,
) (*Event, error) {
	infos, err := scanner.Scan()
	if err != nil {
		return nil, errors.Trace(err)
	}

	var (
		ev      *Event
		syncErr error
	)
	err = reactor.Call(ctx, func(context.Context) {
		before := find(tracker.Devices(), major, minor)
		_, _, syncErr = tracker.Sync(infos)
		after := find(tracker.Devices(), major, minor)
		ev = eventFor(before, after)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ev, errors.Trace(syncErr)
}

// deviceState is what is known about a device at one point in time.
type deviceState struct {
	info block.Info
	pv   bool
}

func find(devices []*block.Device, major, minor uint32) *deviceState {
	for _, d := range devices {
		info := d.Info()
		if info.Major == major && info.Minor == minor {
			_, pv := d.PhysicalVolume()
			return &deviceState{info: info, pv: pv}
		}
	}
	return nil
}

func eventFor(before, after *deviceState) *Event {
	switch {
	case before == nil && after == nil:
		return nil
	case after == nil:
		return &Event{
			Action:            ActionRemove,
			Sysname:           before.info.Sysname,
			Properties:        before.info.Properties,
			WasPhysicalVolume: before.pv,
		}
	case before == nil:
		return &Event{
			Action:     ActionAdd,
			Sysname:    after.info.Sysname,
			Properties: after.info.Properties,
		}
	}
	return &Event{
		Action:            ActionChange,
		Sysname:           after.info.Sysname,
		Properties:        after.info.Properties,
		WasPhysicalVolume: before.pv,
	}
}
