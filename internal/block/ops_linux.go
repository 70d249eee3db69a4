// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package block

import (
	"context"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// Runner runs a helper command to completion.
type Runner interface {
	Run(ctx context.Context, argv []string) ([]byte, error)
}

// IsUnused checks that nothing holds device open, by opening it
// exclusively.
func IsUnused(device string) error {
	fd, err := unix.Open(device, unix.O_RDONLY|unix.O_EXCL|unix.O_CLOEXEC, 0)
	if err == unix.EBUSY {
		return errors.Errorf("Device %s is in use", device)
	} else if err != nil {
		return errors.Errorf("Error opening device %s: %v", device, err)
	}
	_ = unix.Close(fd)
	return nil
}

// WipeTarget describes the device to wipe.
type WipeTarget struct {
	DeviceFile  string
	Partitioned bool

	// VolumeGroup is the name of the group the device was a member of,
	// if any. The group is made consistent again after the wipe.
	VolumeGroup string
}

// TargetFor returns the wipe target of d. vgName is the name of the
// group its physical volume facet points at, if any.
func TargetFor(d *Device, vgName string) WipeTarget {
	info := d.Info()
	return WipeTarget{
		DeviceFile:  info.DeviceFile,
		Partitioned: info.Partitioned(),
		VolumeGroup: vgName,
	}
}

// Wipe erases the partition table and every known signature of a device.
func Wipe(ctx context.Context, runner Runner, target WipeTarget) error {
	if err := erasePartitionTable(target); err != nil {
		return errors.Trace(err)
	}
	if _, err := runner.Run(ctx, []string{"wipefs", "-a", target.DeviceFile}); err != nil {
		return errors.Annotatef(err, "wiping signatures of %s", target.DeviceFile)
	}
	if target.VolumeGroup != "" {
		// Best effort: the group may well have gone with the device.
		_, _ = runner.Run(ctx, []string{"vgreduce", target.VolumeGroup, "--removemissing"})
	}
	return nil
}

func erasePartitionTable(target WipeTarget) error {
	fd, err := unix.Open(target.DeviceFile, unix.O_RDWR|unix.O_EXCL|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Errorf("Error opening device %s: %v", target.DeviceFile, err)
	}
	defer func() { _ = unix.Close(fd) }()

	zeroes := make([]byte, 512)
	if n, err := unix.Write(fd, zeroes); err != nil || n != len(zeroes) {
		if err == nil {
			err = errors.Errorf("short write of %d bytes", n)
		}
		return errors.Errorf("Error erasing device %s: %v", target.DeviceFile, err)
	}
	if target.Partitioned {
		if err := unix.IoctlSetInt(fd, unix.BLKRRPART, 0); err != nil {
			return errors.Errorf("Error removing partition devices of %s: %v", target.DeviceFile, err)
		}
	}
	return nil
}

// TriggerUevent asks the kernel to replay a change event for the device
// at sysfsPath, so udev and the device watcher see its new state.
func TriggerUevent(sysfsPath string) error {
	path := filepath.Join(sysfsPath, "uevent")
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Annotatef(err, "opening %s", path)
	}
	defer f.Close()
	if _, err := f.WriteString("change"); err != nil {
		return errors.Annotatef(err, "writing 'change' to %s", path)
	}
	return nil
}

// Operations performs the device operations above on real devices,
// running helper commands with Runner.
type Operations struct {
	Runner Runner
}

// IsUnused calls IsUnused.
func (o Operations) IsUnused(device string) error {
	return IsUnused(device)
}

// Wipe calls Wipe with the configured runner.
func (o Operations) Wipe(ctx context.Context, target WipeTarget) error {
	return Wipe(ctx, o.Runner, target)
}

// TriggerUevent calls TriggerUevent.
func (o Operations) TriggerUevent(sysfsPath string) error {
	return TriggerUevent(sysfsPath)
}
