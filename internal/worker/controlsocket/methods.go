// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlsocket

import (
	"context"

	"github.com/juju/lvmd/internal/auth"
	"github.com/juju/lvmd/internal/facade"
)

// Request bodies of the methods that do not take a facade argument
// struct.
type (
	// DeleteArgs is the body of volume-group/delete.
	DeleteArgs struct {
		Wipe bool `json:"wipe,omitempty"`
	}

	// RenameArgs is the body of the rename methods.
	RenameArgs struct {
		Name string `json:"name"`
	}

	// DeviceArgs is the body of the device methods of a volume group.
	DeviceArgs struct {
		Block   string `json:"block"`
		Wipe    bool   `json:"wipe,omitempty"`
		NoBlock bool   `json:"no-block,omitempty"`
	}
)

type volumeGroupMethod func(ctx context.Context, vg VolumeGroup, caller auth.Caller, body []byte) (string, error)

var volumeGroupMethods = map[string]volumeGroupMethod{
	"poll": func(_ context.Context, vg VolumeGroup, _ auth.Caller, _ []byte) (string, error) {
		vg.Poll()
		return "", nil
	},
	"delete": func(ctx context.Context, vg VolumeGroup, caller auth.Caller, body []byte) (string, error) {
		var args DeleteArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return "", vg.Delete(ctx, caller, args.Wipe)
	},
	"rename": func(ctx context.Context, vg VolumeGroup, caller auth.Caller, body []byte) (string, error) {
		var args RenameArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return vg.Rename(ctx, caller, args.Name)
	},
	"add-device": func(ctx context.Context, vg VolumeGroup, caller auth.Caller, body []byte) (string, error) {
		var args DeviceArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return "", vg.AddDevice(ctx, caller, args.Block)
	},
	"remove-device": func(ctx context.Context, vg VolumeGroup, caller auth.Caller, body []byte) (string, error) {
		var args DeviceArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return "", vg.RemoveDevice(ctx, caller, args.Block, args.Wipe)
	},
	"empty-device": func(ctx context.Context, vg VolumeGroup, caller auth.Caller, body []byte) (string, error) {
		var args DeviceArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return "", vg.EmptyDevice(ctx, caller, args.Block, args.NoBlock)
	},
	"create-plain-volume": func(ctx context.Context, vg VolumeGroup, caller auth.Caller, body []byte) (string, error) {
		var args facade.CreatePlainVolumeArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return vg.CreatePlainVolume(ctx, caller, args)
	},
	"create-thin-pool-volume": func(ctx context.Context, vg VolumeGroup, caller auth.Caller, body []byte) (string, error) {
		var args facade.CreateThinPoolVolumeArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return vg.CreateThinPoolVolume(ctx, caller, args)
	},
	"create-thin-volume": func(ctx context.Context, vg VolumeGroup, caller auth.Caller, body []byte) (string, error) {
		var args facade.CreateThinVolumeArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return vg.CreateThinVolume(ctx, caller, args)
	},
}

type logicalVolumeMethod func(ctx context.Context, lv LogicalVolume, caller auth.Caller, body []byte) (string, error)

var logicalVolumeMethods = map[string]logicalVolumeMethod{
	"delete": func(ctx context.Context, lv LogicalVolume, caller auth.Caller, _ []byte) (string, error) {
		return "", lv.Delete(ctx, caller)
	},
	"rename": func(ctx context.Context, lv LogicalVolume, caller auth.Caller, body []byte) (string, error) {
		var args RenameArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return lv.Rename(ctx, caller, args.Name)
	},
	"resize": func(ctx context.Context, lv LogicalVolume, caller auth.Caller, body []byte) (string, error) {
		var args facade.ResizeArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return "", lv.Resize(ctx, caller, args)
	},
	"activate": func(ctx context.Context, lv LogicalVolume, caller auth.Caller, _ []byte) (string, error) {
		return lv.Activate(ctx, caller)
	},
	"deactivate": func(ctx context.Context, lv LogicalVolume, caller auth.Caller, _ []byte) (string, error) {
		return "", lv.Deactivate(ctx, caller)
	},
	"create-snapshot": func(ctx context.Context, lv LogicalVolume, caller auth.Caller, body []byte) (string, error) {
		var args facade.CreateSnapshotArgs
		if err := decode(body, &args); err != nil {
			return "", err
		}
		return lv.CreateSnapshot(ctx, caller, args)
	},
}
