// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lvm describes the state reported by the LVM tools: volume
// groups, their logical volumes and their physical volumes.
package lvm

import (
	"strings"

	"github.com/juju/lvmd/core/lvmname"
)

// VolumeGroupInfo is a snapshot of one volume group as reported by LVM.
type VolumeGroupInfo struct {
	Name       string
	UUID       string
	Size       uint64
	FreeSize   uint64
	ExtentSize uint64

	LogicalVolumes  []LogicalVolumeInfo
	PhysicalVolumes []PhysicalVolumeInfo
}

// LogicalVolumeInfo is a snapshot of one logical volume, including the
// hidden volumes LVM creates for its own use.
type LogicalVolumeInfo struct {
	Name string
	UUID string
	Size uint64

	// Attr is the lv_attr string, for example "-wi-a-----".
	Attr string

	// DataRatio, MetadataRatio and CopyRatio are in the range [0, 1],
	// or negative when LVM does not report them.
	DataRatio     float64
	MetadataRatio float64
	CopyRatio     float64

	// PoolLV names the thin pool of a thin volume.
	PoolLV string

	// Origin names the origin of a snapshot.
	Origin string

	// MovePV is the device a pvmove volume is moving extents off.
	MovePV string
}

// PhysicalVolumeInfo is a snapshot of one physical volume of a group.
type PhysicalVolumeInfo struct {
	Device   string
	Size     uint64
	FreeSize uint64
}

// VolumeType is the published type of a logical volume.
type VolumeType string

const (
	TypePlain       VolumeType = "plain"
	TypeSnapshot    VolumeType = "snapshot"
	TypeMirror      VolumeType = "mirror"
	TypeRAID        VolumeType = "raid"
	TypeThin        VolumeType = "thin"
	TypeThinPool    VolumeType = "thin-pool"
	TypeUnsupported VolumeType = "unsupported"
)

// TypeFromAttr decodes the volume type from an lv_attr string.
func TypeFromAttr(attr string) VolumeType {
	if len(attr) <= 6 {
		return TypeUnsupported
	}
	switch attr[6] {
	case 's':
		return TypeSnapshot
	case 'm':
		return TypeMirror
	case 'r':
		return TypeRAID
	case '-':
		return TypePlain
	case 't':
		if attr[0] == 't' {
			return TypeThinPool
		}
		return TypeThin
	}
	return TypeUnsupported
}

// IsActive reports whether the attributes mark the volume active.
func IsActive(attr string) bool {
	return len(attr) > 4 && attr[4] == 'a'
}

// Type returns the decoded volume type.
func (lv LogicalVolumeInfo) Type() VolumeType {
	return TypeFromAttr(lv.Attr)
}

// IsMove reports whether lv is a pvmove volume.
func (lv LogicalVolumeInfo) IsMove() bool {
	return IsMoveVolume(lv.Name)
}

// NeedsPolling reports whether the state of lv changes without LVM
// emitting an event: thin volumes and pools fill up, and move or copy
// operations make progress.
func (lv LogicalVolumeInfo) NeedsPolling() bool {
	switch lv.Type() {
	case TypeThin, TypeThinPool:
		return true
	}
	return lv.IsMove() || (lv.MovePV != "" && lv.CopyRatio >= 0)
}

// IsInternalName reports whether name belongs to a volume LVM creates
// for its own bookkeeping. Such volumes are never published.
func IsInternalName(name string) bool {
	return lvmname.IsReservedVolumeName(name)
}

// IsMoveVolume reports whether name is a pvmove volume.
func IsMoveVolume(name string) bool {
	return strings.HasPrefix(name, "pvmove")
}

// Visible returns the logical volumes of the group that are published.
func (vg VolumeGroupInfo) Visible() []LogicalVolumeInfo {
	var result []LogicalVolumeInfo
	for _, lv := range vg.LogicalVolumes {
		if lv.Name == "" || IsInternalName(lv.Name) {
			continue
		}
		result = append(result, lv)
	}
	return result
}
