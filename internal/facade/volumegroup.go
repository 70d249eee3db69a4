// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package facade

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/juju/lvmd/core/lvmname"
	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/auth"
	"github.com/juju/lvmd/internal/block"
	"github.com/juju/lvmd/internal/jobs"
	"github.com/juju/lvmd/internal/waitfor"
	"github.com/juju/lvmd/internal/worker/lvmsync"
)

// VolumeGroup handles the operations on one published volume group.
type VolumeGroup struct {
	manager *Manager
	vg      *lvmsync.VolumeGroup
}

// Path returns the object path of the group.
func (h *VolumeGroup) Path() string {
	return h.vg.Path()
}

// Poll refreshes the group straight away, or as soon as the current
// poll window closes.
func (h *VolumeGroup) Poll() {
	h.manager.config.Poller.Poll(h.vg)
}

// Delete removes the group. With wipe set, the devices that were its
// physical volumes are wiped afterwards; failing to wipe one is only
// logged.
func (h *VolumeGroup) Delete(ctx context.Context, caller auth.Caller, wipe bool) error {
	m := h.manager
	if err := m.authorize(ctx, caller, nil, "Authentication is required to delete a volume group"); err != nil {
		return errors.Trace(err)
	}

	var members []*block.Device
	if wipe {
		members = h.members()
	}
	if err := m.spawn(ctx, caller, jobs.OperationVolumeGroupDelete, []string{h.vg.Path()},
		"vgremove", "-f", lvmname.Quote(h.vg.Name())); err != nil {
		return errors.Annotate(err, "Error deleting volume group")
	}
	for _, d := range members {
		if err := m.wipe(ctx, caller, d, ""); err != nil {
			m.config.Logger.Warningf("wiping %s after deleting volume group %s: %v", d.DeviceFile(), h.vg.DisplayName(), err)
		}
	}
	m.converge()
	return nil
}

// members returns the devices whose physical volume facet points at the
// group.
func (h *VolumeGroup) members() []*block.Device {
	var members []*block.Device
	for _, obj := range h.manager.config.Store.OfKind(objectgraph.KindBlock) {
		d, ok := obj.(*block.Device)
		if !ok {
			continue
		}
		if pv, ok := d.PhysicalVolume(); ok && pv.VolumeGroup == h.vg.Path() {
			members = append(members, d)
		}
	}
	return members
}

// Rename renames the group and returns the path it is published at
// under its new name.
func (h *VolumeGroup) Rename(ctx context.Context, caller auth.Caller, newName string) (string, error) {
	m := h.manager
	if newName == "" {
		return "", errors.NotValidf("empty volume group name")
	}
	if err := m.authorize(ctx, caller, nil, "Authentication is required to rename a volume group"); err != nil {
		return "", errors.Trace(err)
	}
	encoded := lvmname.Encode(newName, false)
	if err := m.spawn(ctx, caller, jobs.OperationVolumeGroupRename, []string{h.vg.Path()},
		"vgrename", lvmname.Quote(h.vg.Name()), lvmname.Quote(encoded)); err != nil {
		return "", errors.Annotate(err, "Error renaming volume group")
	}
	m.converge()

	obj, err := m.await(ctx, newName, waitfor.ForVolumeGroup(m.config.Store, encoded))
	if err != nil {
		return "", errors.Annotatef(err, "Error waiting for volume group object for %s", newName)
	}
	return obj.Path(), nil
}

// AddDevice wipes an unused block device and adds it to the group.
func (h *VolumeGroup) AddDevice(ctx context.Context, caller auth.Caller, blockPath string) error {
	m := h.manager
	d, err := m.block(blockPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := m.authorize(ctx, caller, d.Details(), "Authentication is required to add a device to a volume group"); err != nil {
		return errors.Trace(err)
	}
	device := d.DeviceFile()
	if err := m.config.Devices.IsUnused(device); err != nil {
		return errors.Trace(err)
	}
	if err := m.wipe(ctx, caller, d, m.groupName(d)); err != nil {
		return errors.Trace(err)
	}
	if err := m.spawn(ctx, caller, jobs.OperationAddDevice, []string{h.vg.Path()},
		"vgextend", lvmname.Quote(h.vg.Name()), lvmname.Quote(device)); err != nil {
		return errors.Annotatef(err, "Error adding %s to volume group", device)
	}
	m.converge()
	return nil
}

// RemoveDevice takes a block device out of the group. With wipe set, its
// signatures are erased afterwards.
func (h *VolumeGroup) RemoveDevice(ctx context.Context, caller auth.Caller, blockPath string, wipe bool) error {
	m := h.manager
	d, err := m.block(blockPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := m.authorize(ctx, caller, d.Details(), "Authentication is required to remove a device from a volume group"); err != nil {
		return errors.Trace(err)
	}
	device := d.DeviceFile()
	if err := m.spawn(ctx, caller, jobs.OperationRemoveDevice, []string{h.vg.Path()},
		"vgreduce", lvmname.Quote(h.vg.Name()), lvmname.Quote(device)); err != nil {
		return errors.Annotatef(err, "Error remove %s from volume group", device)
	}
	if wipe {
		if err := m.spawn(ctx, caller, jobs.OperationFormatErase, []string{d.Path()},
			"wipefs", "-a", lvmname.Quote(device)); err != nil {
			return errors.Annotatef(err, "Error wiping  %s after removal from volume group %s", device, h.vg.DisplayName())
		}
	}
	m.converge()
	return nil
}

// EmptyDevice moves every allocated extent off a physical volume of the
// group. With noBlock set, pvmove runs in the background and the job
// completes as soon as the move has started.
func (h *VolumeGroup) EmptyDevice(ctx context.Context, caller auth.Caller, blockPath string, noBlock bool) error {
	m := h.manager
	d, err := m.block(blockPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := m.authorize(ctx, caller, d.Details(), "Authentication is required to empty a device in a volume group"); err != nil {
		return errors.Trace(err)
	}
	device := d.DeviceFile()
	cmd := []string{"pvmove"}
	if noBlock {
		cmd = append(cmd, "-b")
	}
	cmd = append(cmd, lvmname.Quote(device))
	if err := m.spawn(ctx, caller, jobs.OperationEmptyDevice, []string{d.Path()}, cmd...); err != nil {
		return errors.Annotatef(err, "Error emptying %s", device)
	}
	return nil
}

// CreatePlainVolumeArgs are the arguments of CreatePlainVolume.
type CreatePlainVolumeArgs struct {
	Name       string `json:"name"`
	Size       uint64 `json:"size"`
	Stripes    uint32 `json:"stripes,omitempty"`
	StripeSize uint64 `json:"stripe-size,omitempty"`
}

// CreatePlainVolume creates a linear or striped logical volume and
// returns its path.
func (h *VolumeGroup) CreatePlainVolume(ctx context.Context, caller auth.Caller, args CreatePlainVolumeArgs) (string, error) {
	if args.Name == "" {
		return "", errors.NotValidf("empty logical volume name")
	}
	size := roundSize(args.Size)
	h.manager.config.Logger.Debugf("creating %s volume %q in %s", humanize.IBytes(size), args.Name, h.vg.DisplayName())
	encoded := lvmname.Encode(args.Name, true)
	cmd := []string{
		"lvcreate", lvmname.Quote(h.vg.Name()),
		"-L", fmt.Sprintf("%db", size),
		"-n", lvmname.Quote(encoded),
	}
	cmd = append(cmd, stripeArgs(args.Stripes, args.StripeSize)...)
	return h.createVolume(ctx, caller, args.Name, encoded, cmd)
}

// CreateThinPoolVolumeArgs are the arguments of CreateThinPoolVolume.
type CreateThinPoolVolumeArgs struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// CreateThinPoolVolume creates a thin pool and returns its path.
func (h *VolumeGroup) CreateThinPoolVolume(ctx context.Context, caller auth.Caller, args CreateThinPoolVolumeArgs) (string, error) {
	if args.Name == "" {
		return "", errors.NotValidf("empty logical volume name")
	}
	encoded := lvmname.Encode(args.Name, true)
	cmd := []string{
		"lvcreate", lvmname.Quote(h.vg.Name()),
		"-T", "-L", fmt.Sprintf("%db", roundSize(args.Size)),
		"--thinpool", lvmname.Quote(encoded),
	}
	return h.createVolume(ctx, caller, args.Name, encoded, cmd)
}

// CreateThinVolumeArgs are the arguments of CreateThinVolume.
type CreateThinVolumeArgs struct {
	Name        string `json:"name"`
	VirtualSize uint64 `json:"virtual-size"`

	// Pool is the object path of the thin pool to allocate from.
	Pool string `json:"pool"`
}

// CreateThinVolume creates a thin volume in a pool of the group and
// returns its path.
func (h *VolumeGroup) CreateThinVolume(ctx context.Context, caller auth.Caller, args CreateThinVolumeArgs) (string, error) {
	if args.Name == "" {
		return "", errors.NotValidf("empty logical volume name")
	}
	obj, ok := h.manager.config.Store.Lookup(args.Pool)
	if !ok {
		return "", errors.NotFoundf("thin pool %s", args.Pool)
	}
	pool, ok := obj.(*lvmsync.LogicalVolume)
	if !ok {
		return "", errors.NewNotValid(nil, "Not a logical volume")
	}
	encoded := lvmname.Encode(args.Name, true)
	cmd := []string{
		"lvcreate", lvmname.Quote(h.vg.Name()),
		"--thinpool", lvmname.Quote(pool.Name()),
		"-V", fmt.Sprintf("%db", roundSize(args.VirtualSize)),
		"-n", lvmname.Quote(encoded),
	}
	return h.createVolume(ctx, caller, args.Name, encoded, cmd)
}

func (h *VolumeGroup) createVolume(ctx context.Context, caller auth.Caller, name, encoded string, cmd []string) (string, error) {
	m := h.manager
	if err := m.authorize(ctx, caller, nil, "Authentication is required to create a logical volume"); err != nil {
		return "", errors.Trace(err)
	}
	if err := m.spawn(ctx, caller, jobs.OperationVolumeCreate, []string{h.vg.Path()}, cmd...); err != nil {
		return "", errors.Annotate(err, "Error creating volume")
	}
	m.converge()

	obj, err := m.await(ctx, name, waitfor.ForLogicalVolume(m.config.Store, h.vg.Name(), encoded))
	if err != nil {
		return "", errors.Annotatef(err, "Error waiting for logical volume object for %s", name)
	}
	return obj.Path(), nil
}
