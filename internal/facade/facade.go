// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package facade implements the operations callers may ask of the
// daemon: creating volume groups, and managing the published volume
// groups and logical volumes. Every operation authorizes the caller,
// runs the LVM tools as jobs, and waits for the result to show up in
// the object graph where it has one.
package facade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/juju/lvmd/core/logger"
	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/auth"
	"github.com/juju/lvmd/internal/block"
	"github.com/juju/lvmd/internal/jobs"
	"github.com/juju/lvmd/internal/waitfor"
	"github.com/juju/lvmd/internal/worker/lvmsync"
)

// Jobs runs jobs to completion.
type Jobs interface {
	LaunchAndWait(ctx context.Context, p jobs.SpawnParams) (jobs.Result, error)
	RunThreadedAndWait(ctx context.Context, p jobs.ThreadedParams) (jobs.Result, error)
}

// Waiter waits for an object to be published.
type Waiter interface {
	Wait(ctx context.Context, description string, timeout time.Duration, predicate waitfor.Predicate) (objectgraph.Object, error)
}

// Debouncer schedules reconcile passes.
type Debouncer interface {
	TriggerDelayed()
	FlushNow() bool
}

// Poller refreshes a volume group on demand.
type Poller interface {
	Poll(vg *lvmsync.VolumeGroup)
}

// Devices performs operations on block devices.
type Devices interface {
	IsUnused(device string) error
	Wipe(ctx context.Context, target block.WipeTarget) error
	TriggerUevent(sysfsPath string) error
}

// Config holds the dependencies of a Manager.
type Config struct {
	Store     *objectgraph.Store
	Authority auth.Authority
	Jobs      Jobs
	Waiter    Waiter
	Debouncer Debouncer
	Poller    Poller
	Devices   Devices
	Logger    logger.Logger

	// WaitTimeout bounds how long an operation waits for its result to
	// be published. Zero means waitfor.DefaultTimeout.
	WaitTimeout time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("missing Store")
	}
	if c.Authority == nil {
		return errors.NotValidf("missing Authority")
	}
	if c.Jobs == nil {
		return errors.NotValidf("missing Jobs")
	}
	if c.Waiter == nil {
		return errors.NotValidf("missing Waiter")
	}
	if c.Debouncer == nil {
		return errors.NotValidf("missing Debouncer")
	}
	if c.Poller == nil {
		return errors.NotValidf("missing Poller")
	}
	if c.Devices == nil {
		return errors.NotValidf("missing Devices")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.WaitTimeout < 0 {
		return errors.NotValidf("negative WaitTimeout")
	}
	return nil
}

// Manager is the entry point of the facades. It creates volume groups
// and hands out the handlers of published objects.
type Manager struct {
	config Config
}

// NewManager returns a Manager.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.WaitTimeout == 0 {
		config.WaitTimeout = waitfor.DefaultTimeout
	}
	return &Manager{config: config}, nil
}

// VolumeGroup returns the handler of the published volume group at path.
func (m *Manager) VolumeGroup(path string) (*VolumeGroup, error) {
	obj, ok := m.config.Store.Lookup(path)
	if !ok {
		return nil, errors.NotFoundf("volume group %s", path)
	}
	vg, ok := obj.(*lvmsync.VolumeGroup)
	if !ok {
		return nil, errors.NewNotValid(nil, fmt.Sprintf("%s is not a volume group", path))
	}
	return &VolumeGroup{manager: m, vg: vg}, nil
}

// LogicalVolume returns the handler of the published logical volume at
// path.
func (m *Manager) LogicalVolume(path string) (*LogicalVolume, error) {
	obj, ok := m.config.Store.Lookup(path)
	if !ok {
		return nil, errors.NotFoundf("logical volume %s", path)
	}
	lv, ok := obj.(*lvmsync.LogicalVolume)
	if !ok {
		return nil, errors.NewNotValid(nil, fmt.Sprintf("%s is not a logical volume", path))
	}
	return &LogicalVolume{manager: m, lv: lv}, nil
}

func (m *Manager) authorize(ctx context.Context, caller auth.Caller, extra map[string]string, message string) error {
	return m.config.Authority.CheckAuthorized(ctx, caller, auth.ManageLVMAction, auth.Details(extra, message), message)
}

// spawn runs one LVM tool command line to completion. The error of a
// failed job carries the job message.
func (m *Manager) spawn(ctx context.Context, caller auth.Caller, operation string, objects []string, args ...string) error {
	result, err := m.config.Jobs.LaunchAndWait(ctx, jobs.SpawnParams{
		Operation:    operation,
		StartedByUID: caller.UID,
		Objects:      objects,
		CommandLine:  strings.Join(args, " "),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !result.Success {
		return errors.New(result.Message)
	}
	return nil
}

// block resolves path to a published block device.
func (m *Manager) block(path string) (*block.Device, error) {
	obj, ok := m.config.Store.Lookup(path)
	if !ok {
		return nil, errors.NewNotFound(nil, "No device for given object path")
	}
	d, ok := obj.(*block.Device)
	if !ok {
		return nil, errors.NewNotValid(nil, "The given object is not a block")
	}
	return d, nil
}

// groupName returns the name of the volume group d is a physical volume
// of, or "" when it is not one.
func (m *Manager) groupName(d *block.Device) string {
	pv, ok := d.PhysicalVolume()
	if !ok {
		return ""
	}
	if obj, ok := m.config.Store.Lookup(pv.VolumeGroup); ok {
		if vg, ok := obj.(*lvmsync.VolumeGroup); ok {
			return vg.Name()
		}
	}
	return ""
}

// wipe erases d in a format-erase job.
func (m *Manager) wipe(ctx context.Context, caller auth.Caller, d *block.Device, vgName string) error {
	target := block.TargetFor(d, vgName)
	result, err := m.config.Jobs.RunThreadedAndWait(ctx, jobs.ThreadedParams{
		Operation:    jobs.OperationFormatErase,
		StartedByUID: caller.UID,
		Objects:      []string{d.Path()},
		Run: func(ctx context.Context, _ *jobs.Job) (bool, error) {
			if err := m.config.Devices.Wipe(ctx, target); err != nil {
				return false, err
			}
			return true, nil
		},
		OnComplete: func(success bool, err error) *jobs.Completion {
			if success {
				return nil
			}
			return &jobs.Completion{Message: err.Error()}
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !result.Success {
		return errors.New(result.Message)
	}
	return nil
}

// converge asks for an immediate reconcile pass, so that the result of
// a command is published without waiting for device events.
func (m *Manager) converge() {
	m.config.Debouncer.TriggerDelayed()
	m.config.Debouncer.FlushNow()
}

// await waits for predicate to find the object described by what.
func (m *Manager) await(ctx context.Context, what string, predicate waitfor.Predicate) (objectgraph.Object, error) {
	obj, err := m.config.Waiter.Wait(ctx, what, m.config.WaitTimeout, predicate)
	return obj, errors.Trace(err)
}

// roundSize rounds size down to a whole number of sectors.
func roundSize(size uint64) uint64 {
	return size - size%512
}

// stripeArgs returns the striping options of lvcreate and lvresize.
func stripeArgs(stripes uint32, stripeSize uint64) []string {
	var args []string
	if stripes > 0 {
		args = append(args, "-i", fmt.Sprint(stripes))
	}
	if stripeSize > 0 {
		args = append(args, "-I", fmt.Sprintf("%db", stripeSize))
	}
	return args
}
