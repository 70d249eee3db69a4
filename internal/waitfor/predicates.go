// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package waitfor

import (
	"github.com/juju/lvmd/core/objectgraph"
)

// Lookup is the read side of the object graph.
type Lookup interface {
	Lookup(path string) (objectgraph.Object, bool)
	OfKind(kind objectgraph.Kind) []objectgraph.Object
}

// logicalVolumeBacked is implemented by block devices that can carry a
// logical volume facet.
type logicalVolumeBacked interface {
	LogicalVolumePath() string
}

// ForVolumeGroup finds the published volume group with the given LVM
// name, as encoded on disk.
func ForVolumeGroup(store Lookup, name string) Predicate {
	path := objectgraph.VolumeGroupPath(name)
	return forPath(store, path, objectgraph.KindVolumeGroup)
}

// ForLogicalVolume finds the published logical volume with the given LVM
// name in the named group.
func ForLogicalVolume(store Lookup, vgName, lvName string) Predicate {
	path := objectgraph.LogicalVolumePath(objectgraph.VolumeGroupPath(vgName), lvName)
	return forPath(store, path, objectgraph.KindLogicalVolume)
}

// ForLogicalVolumeBlock finds the block device that carries the logical
// volume at lvPath.
func ForLogicalVolumeBlock(store Lookup, lvPath string) Predicate {
	return func() (objectgraph.Object, bool) {
		for _, obj := range store.OfKind(objectgraph.KindBlock) {
			if b, ok := obj.(logicalVolumeBacked); ok && b.LogicalVolumePath() == lvPath {
				return obj, true
			}
		}
		return nil, false
	}
}

func forPath(store Lookup, path string, kind objectgraph.Kind) Predicate {
	return func() (objectgraph.Object, bool) {
		obj, ok := store.Lookup(path)
		if !ok || obj.Kind() != kind {
			return nil, false
		}
		return obj, true
	}
}
