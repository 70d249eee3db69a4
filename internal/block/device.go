// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package block tracks the block devices of the system and the LVM facets
// the synchronizer attaches to them: a physical volume facet when the
// device is a member of a volume group, and a logical volume facet when
// the device is an active logical volume.
package block

import (
	"sync"

	"github.com/juju/collections/set"
	"golang.org/x/sys/unix"

	"github.com/juju/lvmd/core/objectgraph"
)

// Info is what the system reports about one block device.
type Info struct {
	// Sysname is the kernel name, for example "sda" or "dm-0".
	Sysname string

	// SysfsPath is the device directory under /sys.
	SysfsPath string

	DeviceFile string
	Symlinks   []string
	Major      uint32
	Minor      uint32

	// Properties are the udev properties of the device.
	Properties map[string]string
}

// Partitioned reports whether the device carries a partition table.
func (i Info) Partitioned() bool {
	return i.Properties["ID_PART_TABLE_TYPE"] != ""
}

func (i Info) equal(o Info) bool {
	if i.Sysname != o.Sysname || i.SysfsPath != o.SysfsPath || i.DeviceFile != o.DeviceFile ||
		i.Major != o.Major || i.Minor != o.Minor {
		return false
	}
	links, otherLinks := set.NewStrings(i.Symlinks...), set.NewStrings(o.Symlinks...)
	if links.Size() != otherLinks.Size() || !links.Difference(otherLinks).IsEmpty() {
		return false
	}
	if len(i.Properties) != len(o.Properties) {
		return false
	}
	for k, v := range i.Properties {
		if o.Properties[k] != v {
			return false
		}
	}
	return true
}

// PhysicalVolume is the facet of a device that is a member of a volume
// group.
type PhysicalVolume struct {
	// VolumeGroup is the path of the group.
	VolumeGroup string
	Size        uint64
	FreeSize    uint64
}

// Device is a published block device.
type Device struct {
	path string

	mu   sync.Mutex
	info Info
	pv   *PhysicalVolume
	lv   string
}

// NewDevice returns an unpublished device.
func NewDevice(info Info) *Device {
	return &Device{
		path: objectgraph.BlockPath(info.Sysname),
		info: info,
	}
}

// Path is part of the objectgraph.Object interface.
func (d *Device) Path() string {
	return d.path
}

// Kind is part of the objectgraph.Object interface.
func (d *Device) Kind() objectgraph.Kind {
	return objectgraph.KindBlock
}

// Info returns what is currently known about the device.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// DeviceFile returns the device node, for example "/dev/sda".
func (d *Device) DeviceFile() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.DeviceFile
}

// Property returns one udev property.
func (d *Device) Property(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.Properties[key]
}

// Matches reports whether device names this block, either as its device
// file or as one of its symlinks.
func (d *Device) Matches(device string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if device == d.info.DeviceFile {
		return true
	}
	return set.NewStrings(d.info.Symlinks...).Contains(device)
}

// Details returns the attributes of the device that are shown to the
// authorization oracle.
func (d *Device) Details() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]string{
		"id.type":    d.info.Properties["ID_FS_TYPE"],
		"id.usage":   d.info.Properties["ID_FS_USAGE"],
		"id.version": d.info.Properties["ID_FS_VERSION"],
		"id.label":   d.info.Properties["ID_FS_LABEL"],
		"id.uuid":    d.info.Properties["ID_FS_UUID"],
	}
}

// PhysicalVolume returns the physical volume facet, if attached.
func (d *Device) PhysicalVolume() (PhysicalVolume, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pv == nil {
		return PhysicalVolume{}, false
	}
	return *d.pv, true
}

// SetPhysicalVolume attaches or updates the physical volume facet, or
// detaches it when pv is nil. It reports whether anything changed.
func (d *Device) SetPhysicalVolume(pv *PhysicalVolume) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case pv == nil && d.pv == nil:
		return false
	case pv == nil:
		d.pv = nil
		return true
	case d.pv != nil && *d.pv == *pv:
		return false
	}
	copied := *pv
	d.pv = &copied
	return true
}

// LogicalVolumePath returns the path of the logical volume this device
// is the block of, or "" when it is not one.
func (d *Device) LogicalVolumePath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lv
}

// SetLogicalVolume attaches the logical volume facet pointing at path,
// or detaches it when path is empty. It reports whether anything changed.
func (d *Device) SetLogicalVolume(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lv == path {
		return false
	}
	d.lv = path
	return true
}

// Properties returns the published attributes of the device.
func (d *Device) Properties() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	props := map[string]interface{}{
		"Device":       d.info.DeviceFile,
		"Symlinks":     append([]string(nil), d.info.Symlinks...),
		"DeviceNumber": unix.Mkdev(d.info.Major, d.info.Minor),
	}
	if d.pv != nil {
		props["PhysicalVolume"] = map[string]interface{}{
			"VolumeGroup": d.pv.VolumeGroup,
			"Size":        d.pv.Size,
			"FreeSize":    d.pv.FreeSize,
		}
	}
	if d.lv != "" {
		props["LogicalVolume"] = d.lv
	}
	return props
}

func (d *Device) update(info Info) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.info.equal(info) {
		return false
	}
	d.info = info
	return true
}
