// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lvmsync

import (
	"context"
	"sync"

	"github.com/juju/clock"

	"github.com/juju/lvmd/core/lvm"
	"github.com/juju/lvmd/core/lvmname"
	"github.com/juju/lvmd/core/objectgraph"
)

// groupAttrs are the scalar attributes of a volume group.
type groupAttrs struct {
	uuid       string
	size       uint64
	freeSize   uint64
	extentSize uint64
}

// VolumeGroup is a published LVM volume group. Its accessors may be used
// from any goroutine.
type VolumeGroup struct {
	name string
	path string

	mu           sync.Mutex
	attrs        groupAttrs
	needsPolling bool

	// The fields below are owned by the reactor.
	published     bool
	destroyed     bool
	volumes       map[string]*LogicalVolume
	refreshGen    uint64
	appliedGen    uint64
	pollTimer     clock.Timer
	pollRequested bool
	pollGen       uint64
	pollCancel    context.CancelFunc
}

func newVolumeGroup(name string) *VolumeGroup {
	return &VolumeGroup{
		name:    name,
		path:    objectgraph.VolumeGroupPath(name),
		volumes: make(map[string]*LogicalVolume),
	}
}

// Path is part of the objectgraph.Object interface.
func (vg *VolumeGroup) Path() string {
	return vg.path
}

// Kind is part of the objectgraph.Object interface.
func (vg *VolumeGroup) Kind() objectgraph.Kind {
	return objectgraph.KindVolumeGroup
}

// Name returns the name of the group as LVM knows it.
func (vg *VolumeGroup) Name() string {
	return vg.name
}

// DisplayName returns the decoded name of the group.
func (vg *VolumeGroup) DisplayName() string {
	return lvmname.Decode(vg.name)
}

func (vg *VolumeGroup) UUID() string {
	vg.mu.Lock()
	defer vg.mu.Unlock()
	return vg.attrs.uuid
}

func (vg *VolumeGroup) Size() uint64 {
	vg.mu.Lock()
	defer vg.mu.Unlock()
	return vg.attrs.size
}

func (vg *VolumeGroup) FreeSize() uint64 {
	vg.mu.Lock()
	defer vg.mu.Unlock()
	return vg.attrs.freeSize
}

func (vg *VolumeGroup) ExtentSize() uint64 {
	vg.mu.Lock()
	defer vg.mu.Unlock()
	return vg.attrs.extentSize
}

// NeedsPolling reports whether the group changes without LVM telling
// anyone, and so is polled periodically.
func (vg *VolumeGroup) NeedsPolling() bool {
	vg.mu.Lock()
	defer vg.mu.Unlock()
	return vg.needsPolling
}

// Properties returns the published attributes of the group.
func (vg *VolumeGroup) Properties() map[string]interface{} {
	vg.mu.Lock()
	defer vg.mu.Unlock()
	return map[string]interface{}{
		"Name":         vg.name,
		"DisplayName":  lvmname.Decode(vg.name),
		"UUID":         vg.attrs.uuid,
		"Size":         vg.attrs.size,
		"FreeSize":     vg.attrs.freeSize,
		"ExtentSize":   vg.attrs.extentSize,
		"NeedsPolling": vg.needsPolling,
	}
}

func (vg *VolumeGroup) update(info lvm.VolumeGroupInfo) bool {
	attrs := groupAttrs{
		uuid:       info.UUID,
		size:       info.Size,
		freeSize:   info.FreeSize,
		extentSize: info.ExtentSize,
	}
	vg.mu.Lock()
	defer vg.mu.Unlock()
	if vg.attrs == attrs {
		return false
	}
	vg.attrs = attrs
	return true
}

func (vg *VolumeGroup) setNeedsPolling(needsPolling bool) bool {
	vg.mu.Lock()
	defer vg.mu.Unlock()
	if vg.needsPolling == needsPolling {
		return false
	}
	vg.needsPolling = needsPolling
	return true
}

// volumeAttrs are the attributes of a logical volume that change.
type volumeAttrs struct {
	uuid          string
	size          uint64
	volumeType    lvm.VolumeType
	active        bool
	dataRatio     float64
	metadataRatio float64
	thinPool      string
	origin        string
	needsPolling  bool
}

// LogicalVolume is a published logical volume. It belongs to one group
// for its whole life; a renamed volume is a new object.
type LogicalVolume struct {
	group *VolumeGroup
	name  string
	path  string

	mu    sync.Mutex
	attrs volumeAttrs
}

func newLogicalVolume(group *VolumeGroup, name string) *LogicalVolume {
	return &LogicalVolume{
		group: group,
		name:  name,
		path:  objectgraph.LogicalVolumePath(group.path, name),
		attrs: volumeAttrs{
			thinPool: objectgraph.NoObject,
			origin:   objectgraph.NoObject,
		},
	}
}

// Path is part of the objectgraph.Object interface.
func (lv *LogicalVolume) Path() string {
	return lv.path
}

// Kind is part of the objectgraph.Object interface.
func (lv *LogicalVolume) Kind() objectgraph.Kind {
	return objectgraph.KindLogicalVolume
}

// Group returns the group the volume belongs to.
func (lv *LogicalVolume) Group() *VolumeGroup {
	return lv.group
}

// Name returns the name of the volume as LVM knows it.
func (lv *LogicalVolume) Name() string {
	return lv.name
}

// DisplayName returns the decoded name of the volume.
func (lv *LogicalVolume) DisplayName() string {
	return lvmname.Decode(lv.name)
}

func (lv *LogicalVolume) UUID() string {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.attrs.uuid
}

func (lv *LogicalVolume) Size() uint64 {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.attrs.size
}

func (lv *LogicalVolume) Type() lvm.VolumeType {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.attrs.volumeType
}

func (lv *LogicalVolume) Active() bool {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.attrs.active
}

// DataAllocatedRatio is the used fraction of a thin pool or snapshot.
func (lv *LogicalVolume) DataAllocatedRatio() float64 {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.attrs.dataRatio
}

// MetadataAllocatedRatio is the used fraction of a thin pool's
// metadata.
func (lv *LogicalVolume) MetadataAllocatedRatio() float64 {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.attrs.metadataRatio
}

// ThinPool returns the path of the pool of a thin volume, or "/".
func (lv *LogicalVolume) ThinPool() string {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.attrs.thinPool
}

// Origin returns the path of the origin of a snapshot, or "/".
func (lv *LogicalVolume) Origin() string {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.attrs.origin
}

// Properties returns the published attributes of the volume.
func (lv *LogicalVolume) Properties() map[string]interface{} {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return map[string]interface{}{
		"Name":                   lv.name,
		"DisplayName":            lvmname.Decode(lv.name),
		"UUID":                   lv.attrs.uuid,
		"Size":                   lv.attrs.size,
		"Type":                   string(lv.attrs.volumeType),
		"Active":                 lv.attrs.active,
		"DataAllocatedRatio":     lv.attrs.dataRatio,
		"MetadataAllocatedRatio": lv.attrs.metadataRatio,
		"ThinPool":               lv.attrs.thinPool,
		"Origin":                 lv.attrs.origin,
		"VolumeGroup":            lv.group.path,
		"NeedsPolling":           lv.attrs.needsPolling,
	}
}

// update applies a report row. Ratios LVM does not report keep their
// previous values. It reports whether anything changed.
func (lv *LogicalVolume) update(info lvm.LogicalVolumeInfo) bool {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	attrs := lv.attrs
	attrs.uuid = info.UUID
	attrs.size = info.Size
	attrs.volumeType = info.Type()
	attrs.active = lvm.IsActive(info.Attr)
	attrs.needsPolling = info.NeedsPolling()
	if info.DataRatio >= 0 {
		attrs.dataRatio = info.DataRatio
	}
	if info.MetadataRatio >= 0 {
		attrs.metadataRatio = info.MetadataRatio
	}
	attrs.thinPool = lv.group.volumePath(info.PoolLV)
	attrs.origin = lv.group.volumePath(info.Origin)
	if attrs == lv.attrs {
		return false
	}
	lv.attrs = attrs
	return true
}

// volumePath returns the path of the named volume of the group, or "/"
// when the group has no such volume. It must run on the reactor.
func (vg *VolumeGroup) volumePath(name string) string {
	if name == "" {
		return objectgraph.NoObject
	}
	if lv, ok := vg.volumes[name]; ok {
		return lv.path
	}
	return objectgraph.NoObject
}
