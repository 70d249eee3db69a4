// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package facade

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/juju/lvmd/core/lvmname"
	"github.com/juju/lvmd/internal/auth"
	"github.com/juju/lvmd/internal/jobs"
	"github.com/juju/lvmd/internal/waitfor"
	"github.com/juju/lvmd/internal/worker/lvmsync"
)

// LogicalVolume handles the operations on one published logical volume.
type LogicalVolume struct {
	manager *Manager
	lv      *lvmsync.LogicalVolume
}

// Path returns the object path of the volume.
func (h *LogicalVolume) Path() string {
	return h.lv.Path()
}

// fullName is the group/volume name LVM tools take.
func (h *LogicalVolume) fullName() string {
	return lvmname.Quote(h.lv.Group().Name() + "/" + h.lv.Name())
}

// Delete removes the volume.
func (h *LogicalVolume) Delete(ctx context.Context, caller auth.Caller) error {
	m := h.manager
	if err := m.authorize(ctx, caller, nil, "Authentication is required to delete a logical volume"); err != nil {
		return errors.Trace(err)
	}
	if err := m.spawn(ctx, caller, jobs.OperationVolumeDelete, []string{h.lv.Path()},
		"lvremove", "-f", h.fullName()); err != nil {
		return errors.Annotate(err, "Error deleting logical volume")
	}
	m.converge()
	return nil
}

// Rename renames the volume and returns the path it is published at
// under its new name.
func (h *LogicalVolume) Rename(ctx context.Context, caller auth.Caller, newName string) (string, error) {
	m := h.manager
	if newName == "" {
		return "", errors.NotValidf("empty logical volume name")
	}
	if err := m.authorize(ctx, caller, nil, "Authentication is required to rename a logical volume"); err != nil {
		return "", errors.Trace(err)
	}
	encoded := lvmname.Encode(newName, true)
	if err := m.spawn(ctx, caller, jobs.OperationVolumeRename, []string{h.lv.Path()},
		"lvrename", h.fullName(), lvmname.Quote(encoded)); err != nil {
		return "", errors.Annotate(err, "Error renaming logical volume")
	}
	m.converge()

	obj, err := m.await(ctx, newName, waitfor.ForLogicalVolume(m.config.Store, h.lv.Group().Name(), encoded))
	if err != nil {
		return "", errors.Annotatef(err, "Error waiting for logical volume object for %s", newName)
	}
	return obj.Path(), nil
}

// ResizeArgs are the arguments of Resize.
type ResizeArgs struct {
	Size       uint64 `json:"size"`
	Stripes    uint32 `json:"stripes,omitempty"`
	StripeSize uint64 `json:"stripe-size,omitempty"`
}

// Resize changes the size of the volume and of the file system on it.
func (h *LogicalVolume) Resize(ctx context.Context, caller auth.Caller, args ResizeArgs) error {
	m := h.manager
	if err := m.authorize(ctx, caller, nil, "Authentication is required to rename a logical volume"); err != nil {
		return errors.Trace(err)
	}
	cmd := []string{"lvresize", h.fullName(), "-r", "-L", fmt.Sprintf("%db", roundSize(args.Size))}
	cmd = append(cmd, stripeArgs(args.Stripes, args.StripeSize)...)
	if err := m.spawn(ctx, caller, jobs.OperationVolumeResize, []string{h.lv.Path()}, cmd...); err != nil {
		return errors.Annotate(err, "Error resizing logical volume")
	}
	m.converge()
	return nil
}

// Activate activates the volume and returns the path of the block
// device that carries it.
func (h *LogicalVolume) Activate(ctx context.Context, caller auth.Caller) (string, error) {
	m := h.manager
	if err := m.authorize(ctx, caller, nil, "Authentication is required to activate a logical volume"); err != nil {
		return "", errors.Trace(err)
	}
	if err := m.spawn(ctx, caller, jobs.OperationVolumeActivate, []string{h.lv.Path()},
		"lvchange", h.fullName(), "-a", "y"); err != nil {
		return "", errors.Annotate(err, "Error activating logical volume")
	}
	m.converge()

	obj, err := m.await(ctx, h.lv.Path(), waitfor.ForLogicalVolumeBlock(m.config.Store, h.lv.Path()))
	if err != nil {
		return "", errors.Annotatef(err, "Error waiting for block object for %s", h.lv.DisplayName())
	}
	return obj.Path(), nil
}

// Deactivate deactivates the volume.
func (h *LogicalVolume) Deactivate(ctx context.Context, caller auth.Caller) error {
	m := h.manager
	if err := m.authorize(ctx, caller, nil, "Authentication is required to deactivate a logical volume"); err != nil {
		return errors.Trace(err)
	}
	if err := m.spawn(ctx, caller, jobs.OperationVolumeDeactivate, []string{h.lv.Path()},
		"lvchange", h.fullName(), "-a", "n"); err != nil {
		return errors.Annotate(err, "Error deactivating logical volume")
	}
	m.converge()
	return nil
}

// CreateSnapshotArgs are the arguments of CreateSnapshot.
type CreateSnapshotArgs struct {
	Name string `json:"name"`

	// Size is the copy-on-write space of the snapshot. Zero makes a thin
	// snapshot, which needs none.
	Size uint64 `json:"size,omitempty"`
}

// CreateSnapshot makes a snapshot of the volume and returns its path.
func (h *LogicalVolume) CreateSnapshot(ctx context.Context, caller auth.Caller, args CreateSnapshotArgs) (string, error) {
	m := h.manager
	if args.Name == "" {
		return "", errors.NotValidf("empty snapshot name")
	}
	if err := m.authorize(ctx, caller, nil, "Authentication is required to create a snapshot of a logical volume"); err != nil {
		return "", errors.Trace(err)
	}
	encoded := lvmname.Encode(args.Name, true)
	cmd := []string{"lvcreate", "-s", h.fullName(), "-n", lvmname.Quote(encoded)}
	if size := roundSize(args.Size); size > 0 {
		cmd = append(cmd, "-L", fmt.Sprintf("%db", size))
	}
	if err := m.spawn(ctx, caller, jobs.OperationVolumeSnapshot, []string{h.lv.Path()}, cmd...); err != nil {
		return "", errors.Annotate(err, "Error creating snapshot")
	}
	m.converge()

	groupName := h.lv.Group().Name()
	obj, err := m.await(ctx, args.Name, waitfor.ForLogicalVolume(m.config.Store, groupName, encoded))
	if err != nil {
		return "", errors.Annotatef(err, "Error waiting for logical volume object for %s", args.Name)
	}
	return obj.Path(), nil
}
