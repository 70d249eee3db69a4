// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lvmsync keeps the published volume groups and logical volumes
// in line with what LVM reports. A reconcile pass lists the groups,
// refreshes each of them, and groups whose state drifts without LVM
// emitting events (thin pools, moves) poll themselves until they settle.
//
// All graph mutation happens on the reactor; the LVM queries run on
// their own goroutines and post their results back.
package lvmsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/lvmd/core/logger"
	"github.com/juju/lvmd/core/lvm"
	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/block"
	"github.com/juju/lvmd/internal/jobs"
)

// DefaultPollInterval is the shortest time between two polls of a group.
const DefaultPollInterval = 5 * time.Second

// Querier reports the state of LVM.
type Querier interface {
	ListVolumeGroups(ctx context.Context) ([]string, error)
	ShowVolumeGroup(ctx context.Context, name string) (lvm.VolumeGroupInfo, error)
}

// Reactor is the part of the reactor the synchronizer needs.
type Reactor interface {
	Post(fn func(context.Context)) error
	Call(ctx context.Context, fn func(context.Context)) error
}

// Blocks returns the published block devices. It is only used on the
// reactor.
type Blocks interface {
	Devices() []*block.Device
}

// Jobs returns the jobs that are still running.
type Jobs interface {
	Jobs() []*jobs.Job
}

// Recorder receives the outcome of every pass for metrics.
type Recorder interface {
	ReconcileCompleted(success bool)
	RefreshCompleted(success bool)
}

// Config holds the dependencies of a Syncer.
type Config struct {
	Store        *objectgraph.Store
	Reactor      Reactor
	Querier      Querier
	Blocks       Blocks
	Jobs         Jobs
	Clock        clock.Clock
	Logger       logger.Logger
	PollInterval time.Duration

	// Recorder is optional.
	Recorder Recorder
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("missing Store")
	}
	if c.Reactor == nil {
		return errors.NotValidf("missing Reactor")
	}
	if c.Querier == nil {
		return errors.NotValidf("missing Querier")
	}
	if c.Blocks == nil {
		return errors.NotValidf("missing Blocks")
	}
	if c.Jobs == nil {
		return errors.NotValidf("missing Jobs")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.PollInterval <= 0 {
		return errors.NotValidf("PollInterval %v", c.PollInterval)
	}
	return nil
}

// Syncer is the state synchronizer worker.
type Syncer struct {
	catacomb catacomb.Catacomb
	config   Config

	// groups and appliedList are owned by the reactor.
	groups      map[string]*VolumeGroup
	appliedList uint64

	// listGen numbers the list queries in the order they were issued.
	listGen atomic.Uint64

	mu       sync.Mutex
	stopping bool
	queries  sync.WaitGroup
}

// NewWorker returns a synchronizer. It does nothing until the first
// call to Reconcile.
func NewWorker(config Config) (*Syncer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Syncer{
		config: config,
		groups: make(map[string]*VolumeGroup),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "lvm-sync",
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Syncer) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Syncer) Wait() error {
	return s.catacomb.Wait()
}

func (s *Syncer) loop() error {
	<-s.catacomb.Dying()

	err := s.config.Reactor.Call(context.Background(), func(context.Context) {
		for _, name := range s.groupNames() {
			s.sweep(s.groups[name])
		}
	})
	if err != nil {
		s.config.Logger.Debugf("skipping shutdown sweep: %v", err)
	}

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.queries.Wait()
	return s.catacomb.ErrDying()
}

// Reconcile lists the volume groups and brings the published groups in
// line with the list. It may be called from any goroutine; the work is
// done asynchronously.
func (s *Syncer) Reconcile() {
	gen := s.listGen.Add(1)
	ctx := s.catacomb.Context(context.Background())
	s.query(func() {
		names, err := s.config.Querier.ListVolumeGroups(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.config.Logger.Errorf("listing volume groups: %v", err)
			}
			s.recordReconcile(false)
			return
		}
		s.post(func(context.Context) {
			if gen <= s.appliedList {
				s.config.Logger.Tracef("discarding stale volume group list")
				return
			}
			s.appliedList = gen
			s.applyList(names)
		})
	})
}

// Poll asks for a poll of vg, deferred until the current poll window
// closes if there is one. It may be called from any goroutine.
func (s *Syncer) Poll(vg *VolumeGroup) {
	s.post(func(context.Context) {
		if !vg.destroyed {
			s.poll(vg)
		}
	})
}

// applyList destroys the groups that are gone before anything new is
// created, so a renamed group never has both paths published at once.
func (s *Syncer) applyList(names []string) {
	listed := set.NewStrings(names...)
	for _, name := range set.NewStrings(s.groupNames()...).Difference(listed).SortedValues() {
		s.destroy(s.groups[name])
	}
	for _, name := range listed.SortedValues() {
		vg, ok := s.groups[name]
		if !ok {
			s.config.Logger.Debugf("found volume group %q", name)
			vg = newVolumeGroup(name)
			s.groups[name] = vg
		}
		s.refresh(vg)
	}
	s.recordReconcile(true)
}

func (s *Syncer) destroy(vg *VolumeGroup) {
	s.config.Logger.Debugf("volume group %q is gone", vg.name)
	delete(s.groups, vg.name)
	vg.destroyed = true
	s.stopPolling(vg)
	if vg.published {
		if err := s.config.Store.UnpublishTree(vg.path); err != nil {
			s.config.Logger.Warningf("unpublishing volume group %q: %v", vg.name, err)
		}
		vg.published = false
	}
	for _, d := range s.config.Blocks.Devices() {
		changed := false
		if pv, ok := d.PhysicalVolume(); ok && pv.VolumeGroup == vg.path {
			changed = d.SetPhysicalVolume(nil)
		}
		if objectgraph.IsBelow(d.LogicalVolumePath(), vg.path) {
			changed = d.SetLogicalVolume("") || changed
		}
		if changed {
			s.config.Store.Changed(d.Path())
		}
	}
}

// sweep unpublishes a group on shutdown.
func (s *Syncer) sweep(vg *VolumeGroup) {
	vg.destroyed = true
	s.stopPolling(vg)
	if !vg.published {
		return
	}
	for _, name := range set.NewStrings(volumeNames(vg)...).SortedValues() {
		s.config.Store.UnpublishTolerant(vg.volumes[name].path)
	}
	s.config.Store.UnpublishTolerant(vg.path)
}

func (s *Syncer) refresh(vg *VolumeGroup) {
	vg.refreshGen++
	gen := vg.refreshGen
	ctx := s.catacomb.Context(context.Background())
	s.query(func() {
		info, err := s.config.Querier.ShowVolumeGroup(ctx, vg.name)
		s.post(func(context.Context) {
			// A result older than one already applied is stale. Newer
			// results are applied even while a later refresh is pending.
			if vg.destroyed || gen <= vg.appliedGen {
				s.config.Logger.Tracef("discarding stale refresh of volume group %q", vg.name)
				return
			}
			vg.appliedGen = gen
			if err != nil {
				if ctx.Err() == nil {
					s.config.Logger.Errorf("refreshing volume group %q: %v", vg.name, err)
				}
				s.recordRefresh(false)
				return
			}
			s.recordRefresh(true)
			if err := s.update(vg, info, true); err != nil {
				s.catacomb.Kill(err)
			}
		})
	})
}

func (s *Syncer) poll(vg *VolumeGroup) {
	if vg.pollTimer != nil {
		vg.pollRequested = true
		return
	}
	s.pollNow(vg)
}

// pollNow opens a poll window and starts a poll query, abandoning any
// query still in flight.
func (s *Syncer) pollNow(vg *VolumeGroup) {
	if s.dying() {
		return
	}
	vg.pollTimer = s.config.Clock.AfterFunc(s.config.PollInterval, func() {
		s.post(func(context.Context) {
			s.pollWindowClosed(vg)
		})
	})
	if vg.pollCancel != nil {
		vg.pollCancel()
	}
	vg.pollGen++
	gen := vg.pollGen
	ctx, cancel := context.WithCancel(s.catacomb.Context(context.Background()))
	vg.pollCancel = cancel

	s.query(func() {
		info, err := s.config.Querier.ShowVolumeGroup(ctx, vg.name)
		s.post(func(context.Context) {
			if vg.destroyed || gen != vg.pollGen {
				s.config.Logger.Tracef("discarding stale poll of volume group %q", vg.name)
				return
			}
			vg.pollCancel = nil
			cancel()
			if err != nil {
				s.config.Logger.Errorf("polling volume group %q: %v", vg.name, err)
				return
			}
			if err := s.update(vg, info, false); err != nil {
				s.catacomb.Kill(err)
			}
		})
	})
}

func (s *Syncer) pollWindowClosed(vg *VolumeGroup) {
	vg.pollTimer = nil
	if vg.destroyed || !vg.pollRequested {
		return
	}
	vg.pollRequested = false
	s.pollNow(vg)
}

func (s *Syncer) stopPolling(vg *VolumeGroup) {
	if vg.pollTimer != nil {
		vg.pollTimer.Stop()
		vg.pollTimer = nil
	}
	vg.pollRequested = false
	if vg.pollCancel != nil {
		vg.pollCancel()
		vg.pollCancel = nil
	}
}

// update applies a report to vg. A full update also creates and removes
// volumes and re-examines the block devices; a poll only refreshes what
// is already published.
func (s *Syncer) update(vg *VolumeGroup, info lvm.VolumeGroupInfo, full bool) error {
	changed := vg.update(info)
	if full && !vg.published {
		if err := s.config.Store.Publish(vg); err != nil {
			return errors.Annotatef(err, "publishing volume group %q", vg.name)
		}
		vg.published = true
		changed = false
	}

	needsPolling := false
	for _, lvInfo := range info.LogicalVolumes {
		s.attributeProgress(lvInfo)
		if lvInfo.NeedsPolling() {
			needsPolling = true
		}
	}

	visible := info.Visible()
	var fresh []*LogicalVolume
	if full {
		current := set.NewStrings()
		for _, lvInfo := range visible {
			current.Add(lvInfo.Name)
			if _, ok := vg.volumes[lvInfo.Name]; !ok {
				lv := newLogicalVolume(vg, lvInfo.Name)
				vg.volumes[lvInfo.Name] = lv
				fresh = append(fresh, lv)
			}
		}
		for _, name := range set.NewStrings(volumeNames(vg)...).Difference(current).SortedValues() {
			lv := vg.volumes[name]
			delete(vg.volumes, name)
			s.config.Logger.Debugf("logical volume %q of %q is gone", name, vg.name)
			s.config.Store.UnpublishTolerant(lv.path)
		}
	}

	isFresh := make(map[*LogicalVolume]bool, len(fresh))
	for _, lv := range fresh {
		isFresh[lv] = true
	}
	for _, lvInfo := range visible {
		lv, ok := vg.volumes[lvInfo.Name]
		if !ok {
			continue
		}
		if lv.update(lvInfo) && !isFresh[lv] {
			s.config.Store.Changed(lv.path)
		}
	}
	for _, lv := range fresh {
		if err := s.config.Store.Publish(lv); err != nil {
			return errors.Annotatef(err, "publishing logical volume %q of %q", lv.name, vg.name)
		}
	}

	if vg.setNeedsPolling(needsPolling) {
		changed = true
	}
	if changed {
		s.config.Store.Changed(vg.path)
	}

	if full {
		s.updateBlocks(vg, info)
	}
	if needsPolling {
		s.poll(vg)
	}
	return nil
}

// attributeProgress reports the copy progress of a pvmove volume on the
// jobs emptying the device it moves extents off.
func (s *Syncer) attributeProgress(lvInfo lvm.LogicalVolumeInfo) {
	if lvInfo.MovePV == "" || lvInfo.CopyRatio < 0 {
		return
	}
	for _, j := range s.config.Jobs.Jobs() {
		if j.Operation() != jobs.OperationEmptyDevice {
			continue
		}
		for _, path := range j.Objects() {
			obj, ok := s.config.Store.Lookup(path)
			if !ok {
				continue
			}
			if d, ok := obj.(*block.Device); ok && d.Matches(lvInfo.MovePV) {
				j.SetProgress(lvInfo.CopyRatio)
			}
		}
	}
}

// updateBlocks attaches and detaches the facets that tie block devices
// to vg.
func (s *Syncer) updateBlocks(vg *VolumeGroup, info lvm.VolumeGroupInfo) {
	for _, d := range s.config.Blocks.Devices() {
		changed := false

		if d.Property("DM_VG_NAME") == vg.name {
			if lv, ok := vg.volumes[d.Property("DM_LV_NAME")]; ok {
				changed = d.SetLogicalVolume(lv.path)
			} else if objectgraph.IsBelow(d.LogicalVolumePath(), vg.path) {
				changed = d.SetLogicalVolume("")
			}
		}

		var member *lvm.PhysicalVolumeInfo
		for i := range info.PhysicalVolumes {
			if d.Matches(info.PhysicalVolumes[i].Device) {
				member = &info.PhysicalVolumes[i]
				break
			}
		}
		if member != nil {
			changed = d.SetPhysicalVolume(&block.PhysicalVolume{
				VolumeGroup: vg.path,
				Size:        member.Size,
				FreeSize:    member.FreeSize,
			}) || changed
		} else if pv, ok := d.PhysicalVolume(); ok && pv.VolumeGroup == vg.path {
			changed = d.SetPhysicalVolume(nil) || changed
		}

		if changed {
			s.config.Store.Changed(d.Path())
		}
	}
}

// query runs fn on its own goroutine unless the worker is stopping.
func (s *Syncer) query(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.queries.Add(1)
	go func() {
		defer s.queries.Done()
		fn()
	}()
}

func (s *Syncer) post(fn func(context.Context)) {
	if s.dying() {
		return
	}
	if err := s.config.Reactor.Post(fn); err != nil {
		s.config.Logger.Debugf("dropping update: %v", err)
	}
}

func (s *Syncer) dying() bool {
	select {
	case <-s.catacomb.Dying():
		return true
	default:
		return false
	}
}

func (s *Syncer) groupNames() []string {
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	return names
}

func volumeNames(vg *VolumeGroup) []string {
	names := make([]string, 0, len(vg.volumes))
	for name := range vg.volumes {
		names = append(names, name)
	}
	return names
}

func (s *Syncer) recordReconcile(success bool) {
	if s.config.Recorder != nil {
		s.config.Recorder.ReconcileCompleted(success)
	}
}

func (s *Syncer) recordRefresh(success bool) {
	if s.config.Recorder != nil {
		s.config.Recorder.RefreshCompleted(success)
	}
}
