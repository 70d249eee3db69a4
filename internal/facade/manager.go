// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package facade

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/lvmd/core/lvmname"
	"github.com/juju/lvmd/internal/auth"
	"github.com/juju/lvmd/internal/block"
	"github.com/juju/lvmd/internal/jobs"
	"github.com/juju/lvmd/internal/waitfor"
)

// VolumeGroupCreateArgs are the arguments of VolumeGroupCreate.
type VolumeGroupCreateArgs struct {
	// Name is the name of the new group as the caller sees it.
	Name string `json:"name"`

	// Blocks are the object paths of the devices to put in the group.
	Blocks []string `json:"blocks"`

	// ExtentSize is the physical extent size in bytes, or zero for the
	// LVM default.
	ExtentSize uint64 `json:"extent-size,omitempty"`
}

// VolumeGroupCreate wipes the given block devices, makes a volume group
// of them and returns the path of the published group.
func (m *Manager) VolumeGroupCreate(ctx context.Context, caller auth.Caller, args VolumeGroupCreateArgs) (string, error) {
	if args.Name == "" {
		return "", errors.NotValidf("empty volume group name")
	}
	if len(args.Blocks) == 0 {
		return "", errors.NotValidf("no block devices")
	}

	devices := make([]*block.Device, len(args.Blocks))
	for i, path := range args.Blocks {
		obj, ok := m.config.Store.Lookup(path)
		if !ok {
			return "", errors.NewNotFound(nil, fmt.Sprintf("Invalid object path %s at index %d", path, i))
		}
		d, ok := obj.(*block.Device)
		if !ok {
			return "", errors.NewNotValid(nil, fmt.Sprintf("Object path %s for index %d is not a block device", path, i))
		}
		devices[i] = d
	}

	if err := m.authorize(ctx, caller, nil, "Authentication is required to create a volume group"); err != nil {
		return "", errors.Trace(err)
	}

	for _, d := range devices {
		if err := m.config.Devices.IsUnused(d.DeviceFile()); err != nil {
			return "", errors.Trace(err)
		}
	}
	for _, d := range devices {
		if err := m.wipe(ctx, caller, d, m.groupName(d)); err != nil {
			return "", errors.Trace(err)
		}
	}

	encoded := lvmname.Encode(args.Name, false)
	cmd := []string{"vgcreate", lvmname.Quote(encoded)}
	if args.ExtentSize > 0 {
		cmd = append(cmd, "-s", fmt.Sprintf("%db", args.ExtentSize))
	}
	for _, d := range devices {
		cmd = append(cmd, lvmname.Quote(d.DeviceFile()))
	}
	if err := m.spawn(ctx, caller, jobs.OperationVolumeGroupCreate, nil, cmd...); err != nil {
		return "", errors.Annotate(err, "Error creating volume group")
	}

	for _, d := range devices {
		if err := m.config.Devices.TriggerUevent(d.Info().SysfsPath); err != nil {
			m.config.Logger.Debugf("triggering uevent for %s: %v", d.Path(), err)
		}
	}
	m.converge()

	obj, err := m.await(ctx, args.Name, waitfor.ForVolumeGroup(m.config.Store, encoded))
	if err != nil {
		return "", errors.Annotatef(err, "Error waiting for volume group object for %s", args.Name)
	}
	return obj.Path(), nil
}
