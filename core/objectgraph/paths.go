// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package objectgraph

import (
	"strconv"
	"strings"

	"github.com/juju/lvmd/core/lvmname"
)

const (
	// Root is the prefix shared by every published object path.
	Root = "/org/freedesktop/UDisks2"

	// ManagerPath is where the manager object is published.
	ManagerPath = Root + "/Manager"

	// NoObject is the path used for unset object references.
	NoObject = "/"

	volumeGroupRoot = Root + "/lvm"
	jobRoot         = Root + "/jobs"
	blockRoot       = Root + "/block_devices"
)

// VolumeGroupPath returns the path of the volume group with the given
// LVM name. The path depends only on the name, so a renamed group always
// gets a new path.
func VolumeGroupPath(name string) string {
	return volumeGroupRoot + "/" + lvmname.PathElement(name)
}

// LogicalVolumePath returns the path of the named logical volume inside
// the group published at groupPath.
func LogicalVolumePath(groupPath, name string) string {
	return groupPath + "/" + lvmname.PathElement(name)
}

// JobPath returns the path of the job with the given id.
func JobPath(id uint64) string {
	return jobRoot + "/" + strconv.FormatUint(id, 10)
}

// BlockPath returns the path of the block device with the given kernel
// name, for example "sda1" or "dm-0".
func BlockPath(sysname string) string {
	return blockRoot + "/" + lvmname.PathElement(sysname)
}

// IsBelow reports whether path is strictly below parent in the tree.
func IsBelow(path, parent string) bool {
	return strings.HasPrefix(path, parent+"/")
}
