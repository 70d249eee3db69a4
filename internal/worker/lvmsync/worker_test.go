// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lvmsync_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/lvmd/core/lvm"
	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/block"
	"github.com/juju/lvmd/internal/jobs"
	"github.com/juju/lvmd/internal/testhelpers"
	"github.com/juju/lvmd/internal/worker/lvmsync"
)

type workerSuite struct {
	baseSuite
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) TestValidate(c *gc.C) {
	_, err := lvmsync.NewWorker(lvmsync.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Check(err, gc.ErrorMatches, "missing Store not valid")
}

func (s *workerSuite) TestValidateNeedsPollInterval(c *gc.C) {
	defer s.setupMocks(c).Finish()

	_, err := lvmsync.NewWorker(lvmsync.Config{
		Store:   s.store,
		Reactor: s.reactor,
		Querier: s.querier,
		Blocks:  s.tracker,
		Jobs:    s.manager,
		Clock:   s.clock,
		Logger:  loggo.GetLogger(c.TestName()),
	})
	c.Check(err, gc.ErrorMatches, "PollInterval 0s not valid")
}

func (s *workerSuite) TestReconcilePublishesGroupAndVolumes(c *gc.C) {
	defer s.setupMocks(c).Finish()

	vgPath := objectgraph.VolumeGroupPath("vg1")
	lvPath := objectgraph.LogicalVolumePath(vgPath, "lv1")
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("lv1", 1048576)), nil)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c, "published "+vgPath, "published "+lvPath)

	vg := s.group(c, "vg1")
	c.Check(vg.Name(), gc.Equals, "vg1")
	c.Check(vg.UUID(), gc.Equals, "uuid-vg1")
	c.Check(vg.Size(), gc.Equals, uint64(10<<30))
	c.Check(vg.FreeSize(), gc.Equals, uint64(8<<30))
	c.Check(vg.ExtentSize(), gc.Equals, uint64(4<<20))
	c.Check(vg.NeedsPolling(), jc.IsFalse)

	lv := s.volume(c, "vg1", "lv1")
	c.Check(lv.Group(), gc.Equals, vg)
	c.Check(lv.Size(), gc.Equals, uint64(1048576))
	c.Check(lv.Type(), gc.Equals, lvm.TypePlain)
	c.Check(lv.Active(), jc.IsTrue)
	c.Check(lv.ThinPool(), gc.Equals, objectgraph.NoObject)
	c.Check(lv.Origin(), gc.Equals, objectgraph.NoObject)
	c.Check(lv.Properties()["VolumeGroup"], gc.Equals, vgPath)
}

func (s *workerSuite) TestReconcileIsIdempotent(c *gc.C) {
	defer s.setupMocks(c).Finish()

	info := groupInfo("vg1", plainVolume("lv1", 1048576))
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil).Times(2)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(info, nil).Times(2)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c,
		"published "+objectgraph.VolumeGroupPath("vg1"),
		"published "+objectgraph.LogicalVolumePath(objectgraph.VolumeGroupPath("vg1"), "lv1"),
	)

	w.Reconcile()
	s.reconciled(c, 1)
	s.assertNoEvents(c)
}

func (s *workerSuite) TestAttributeChangeIsAnnounced(c *gc.C) {
	defer s.setupMocks(c).Finish()

	vgPath := objectgraph.VolumeGroupPath("vg1")
	lvPath := objectgraph.LogicalVolumePath(vgPath, "lv1")
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil).Times(2)
	gomock.InOrder(
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("lv1", 1048576)), nil),
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("lv1", 2097152)), nil),
	)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c, "published "+vgPath, "published "+lvPath)

	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c, "changed "+lvPath)
	c.Check(s.volume(c, "vg1", "lv1").Size(), gc.Equals, uint64(2097152))
}

func (s *workerSuite) TestRenamedGroupIsRemovedBeforeNewOneIsPublished(c *gc.C) {
	defer s.setupMocks(c).Finish()

	oldPath := objectgraph.VolumeGroupPath("vgA")
	newPath := objectgraph.VolumeGroupPath("vgB")
	gomock.InOrder(
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vgA"}, nil),
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vgB"}, nil),
	)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vgA").Return(groupInfo("vgA", plainVolume("lv1", 1<<20)), nil)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vgB").Return(groupInfo("vgB", plainVolume("lv1", 1<<20)), nil)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c, "published "+oldPath, "published "+oldPath+"/lv1")

	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c,
		"unpublished "+oldPath+"/lv1",
		"unpublished "+oldPath,
		"published "+newPath,
		"published "+newPath+"/lv1",
	)
	c.Check(s.store.Contains(oldPath), jc.IsFalse)
}

func (s *workerSuite) TestRenamedVolumeIsANewObject(c *gc.C) {
	defer s.setupMocks(c).Finish()

	vgPath := objectgraph.VolumeGroupPath("vg1")
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil).Times(2)
	gomock.InOrder(
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("old", 1<<20)), nil),
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("new", 1<<20)), nil),
	)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c, "published "+vgPath, "published "+vgPath+"/old")
	oldVolume := s.volume(c, "vg1", "old")

	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c, "unpublished "+vgPath+"/old", "published "+vgPath+"/new")
	c.Check(s.volume(c, "vg1", "new"), gc.Not(gc.Equals), oldVolume)
}

func (s *workerSuite) TestInternalVolumesAreNotPublished(c *gc.C) {
	defer s.setupMocks(c).Finish()

	vgPath := objectgraph.VolumeGroupPath("vg1")
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1",
		plainVolume("lv1", 1<<20),
		plainVolume("mirror_mimage_0", 1<<20),
		plainVolume("mirror_mlog", 1<<20),
		plainVolume("pool_tdata", 1<<20),
		plainVolume("", 1<<20),
	), nil)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c, "published "+vgPath, "published "+vgPath+"/lv1")
	s.assertNoEvents(c)
	c.Check(s.store.OfKind(objectgraph.KindLogicalVolume), gc.HasLen, 1)
}

func (s *workerSuite) TestEncodedNamesAreDecodedForDisplay(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"+_my_20vg"}, nil)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "+_my_20vg").Return(groupInfo("+_my_20vg", plainVolume("+_my_20vol", 1<<20)), nil)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)

	c.Check(s.group(c, "+_my_20vg").DisplayName(), gc.Equals, "my vg")
	c.Check(s.volume(c, "+_my_20vg", "+_my_20vol").DisplayName(), gc.Equals, "my vol")
	c.Check(s.volume(c, "+_my_20vg", "+_my_20vol").Name(), gc.Equals, "+_my_20vol")
}

func (s *workerSuite) TestThinVolumeReferencesItsPool(c *gc.C) {
	defer s.setupMocks(c).Finish()

	pool := plainVolume("pool0", 1<<30)
	pool.Attr = "twi-a-tz--"
	pool.DataRatio = 0.25
	pool.MetadataRatio = 0.01
	thin := plainVolume("thin1", 1<<31)
	thin.Attr = "Vwi-a-tz--"
	thin.PoolLV = "pool0"
	thin.DataRatio = 0.5
	snap := plainVolume("snap1", 1<<20)
	snap.Attr = "swi-a-s---"
	snap.Origin = "thin1"

	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	// Thin volumes keep the group polling.
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", snap, thin, pool), nil).MinTimes(1)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)

	vgPath := objectgraph.VolumeGroupPath("vg1")
	c.Check(s.group(c, "vg1").NeedsPolling(), jc.IsTrue)
	c.Check(s.volume(c, "vg1", "pool0").Type(), gc.Equals, lvm.TypeThinPool)
	c.Check(s.volume(c, "vg1", "pool0").DataAllocatedRatio(), gc.Equals, 0.25)
	c.Check(s.volume(c, "vg1", "pool0").MetadataAllocatedRatio(), gc.Equals, 0.01)
	c.Check(s.volume(c, "vg1", "thin1").Type(), gc.Equals, lvm.TypeThin)
	c.Check(s.volume(c, "vg1", "thin1").ThinPool(), gc.Equals, vgPath+"/pool0")
	c.Check(s.volume(c, "vg1", "snap1").Type(), gc.Equals, lvm.TypeSnapshot)
	c.Check(s.volume(c, "vg1", "snap1").Origin(), gc.Equals, vgPath+"/thin1")
}

func (s *workerSuite) TestGroupGoneUnpublishesVolumesFirst(c *gc.C) {
	defer s.setupMocks(c).Finish()

	vgPath := objectgraph.VolumeGroupPath("vg1")
	gomock.InOrder(
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil),
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return(nil, nil),
	)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("a", 1<<20), plainVolume("b", 1<<20)), nil)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c, "published "+vgPath, "published "+vgPath+"/a", "published "+vgPath+"/b")

	w.Reconcile()
	s.reconciled(c, 0)
	s.expectEvents(c, "unpublished "+vgPath+"/b", "unpublished "+vgPath+"/a", "unpublished "+vgPath)
}

func (s *workerSuite) TestListFailureAbandonsPass(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return(nil, errors.New("lvm exploded"))

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	c.Check(s.waitRecord(c, s.recorder.reconciled, "reconcile"), jc.IsFalse)
	s.assertNoEvents(c)
}

func (s *workerSuite) TestRefreshFailureLeavesGroupUnpublished(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(lvm.VolumeGroupInfo{}, errors.NotFoundf("volume group %q", "vg1"))

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	c.Check(s.waitRecord(c, s.recorder.reconciled, "reconcile"), jc.IsTrue)
	c.Check(s.waitRecord(c, s.recorder.refreshed, "refresh"), jc.IsFalse)
	s.assertNoEvents(c)
}

func (s *workerSuite) TestResultForDestroyedGroupIsDiscarded(c *gc.C) {
	defer s.setupMocks(c).Finish()

	started := make(chan struct{})
	release := make(chan struct{})
	gomock.InOrder(
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil),
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return(nil, nil),
	)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").DoAndReturn(func(context.Context, string) (lvm.VolumeGroupInfo, error) {
		close(started)
		<-release
		return groupInfo("vg1", plainVolume("lv1", 1<<20)), nil
	})

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.waitRecord(c, s.recorder.reconciled, "reconcile")
	select {
	case <-started:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("refresh never started")
	}

	w.Reconcile()
	s.reconciled(c, 0)
	close(release)

	select {
	case <-s.recorder.refreshed:
		c.Fatalf("result for a destroyed group was applied")
	case <-time.After(testhelpers.ShortWait):
	}
	s.onReactor(c, func() {})
	s.assertNoEvents(c)
	c.Check(s.store.Contains(objectgraph.VolumeGroupPath("vg1")), jc.IsFalse)
}

func (s *workerSuite) TestSupersededRefreshIsStillApplied(c *gc.C) {
	defer s.setupMocks(c).Finish()

	firstStarted := make(chan struct{})
	firstRelease := make(chan struct{})
	secondStarted := make(chan struct{})
	secondRelease := make(chan struct{})
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil).Times(2)
	gomock.InOrder(
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").DoAndReturn(func(context.Context, string) (lvm.VolumeGroupInfo, error) {
			close(firstStarted)
			<-firstRelease
			return groupInfo("vg1", plainVolume("lv1", 1<<20)), nil
		}),
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").DoAndReturn(func(context.Context, string) (lvm.VolumeGroupInfo, error) {
			close(secondStarted)
			<-secondRelease
			return groupInfo("vg1", plainVolume("lv1", 2<<20)), nil
		}),
	)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.waitRecord(c, s.recorder.reconciled, "reconcile")
	s.waitClosed(c, firstStarted, "first refresh")
	w.Reconcile()
	s.waitRecord(c, s.recorder.reconciled, "reconcile")
	s.waitClosed(c, secondStarted, "second refresh")

	// The first result lands while the second refresh is outstanding.
	close(firstRelease)
	c.Check(s.waitRecord(c, s.recorder.refreshed, "refresh"), jc.IsTrue)
	s.onReactor(c, func() {})
	c.Check(s.volume(c, "vg1", "lv1").Size(), gc.Equals, uint64(1<<20))

	close(secondRelease)
	c.Check(s.waitRecord(c, s.recorder.refreshed, "refresh"), jc.IsTrue)
	s.onReactor(c, func() {})
	c.Check(s.volume(c, "vg1", "lv1").Size(), gc.Equals, uint64(2<<20))
}

func (s *workerSuite) TestStaleListIsDiscarded(c *gc.C) {
	defer s.setupMocks(c).Finish()

	staleStarted := make(chan struct{})
	release := make(chan struct{})
	gomock.InOrder(
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).DoAndReturn(func(context.Context) ([]string, error) {
			close(staleStarted)
			<-release
			return nil, nil
		}),
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil),
	)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("lv1", 1<<20)), nil)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.waitClosed(c, staleStarted, "first list")
	w.Reconcile()
	s.reconciled(c, 1)
	vgPath := objectgraph.VolumeGroupPath("vg1")
	s.expectEvents(c, "published "+vgPath, "published "+vgPath+"/lv1")

	// The list issued before the group existed must not remove it.
	close(release)
	select {
	case <-s.recorder.reconciled:
		c.Fatalf("stale list was applied")
	case <-time.After(testhelpers.ShortWait):
	}
	s.onReactor(c, func() {})
	s.assertNoEvents(c)
	c.Check(s.store.Contains(vgPath), jc.IsTrue)
}

func (s *workerSuite) TestDuplicatePathKillsWorker(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1"), nil)
	squatter := block.NewDevice(block.Info{Sysname: "squatter"})
	s.onReactor(c, func() {
		c.Check(s.store.Publish(&pathSquatter{Device: squatter, path: objectgraph.VolumeGroupPath("vg1")}), jc.ErrorIsNil)
	})

	w := s.startWorker(c)
	w.Reconcile()
	err := workertest.CheckKilled(c, w)
	c.Check(err, jc.ErrorIs, errors.AlreadyExists)
	c.Check(err, gc.ErrorMatches, `publishing volume group "vg1": .*`)
}

func (s *workerSuite) TestShutdownSweepsPublishedObjects(c *gc.C) {
	defer s.setupMocks(c).Finish()

	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("lv1", 1<<20)), nil)

	w := s.startWorker(c)
	w.Reconcile()
	s.reconciled(c, 1)
	c.Check(s.store.Paths(), gc.HasLen, 2)

	workertest.CleanKill(c, w)
	c.Check(s.store.Paths(), gc.HasLen, 0)
}

// pathSquatter occupies an arbitrary path in the store.
type pathSquatter struct {
	*block.Device
	path string
}

func (p *pathSquatter) Path() string {
	return p.path
}

type facetSuite struct {
	baseSuite
}

var _ = gc.Suite(&facetSuite{})

func (s *facetSuite) TestFacetsFollowGroupMembership(c *gc.C) {
	defer s.setupMocks(c).Finish()

	sdb := s.addDevice(c, block.Info{
		Sysname:    "sdb",
		DeviceFile: "/dev/sdb",
		Symlinks:   []string{"/dev/disk/by-id/wwn-0x5000"},
		Properties: map[string]string{"ID_FS_TYPE": "LVM2_member"},
	})
	dm0 := s.addDevice(c, block.Info{
		Sysname:    "dm-0",
		DeviceFile: "/dev/dm-0",
		Properties: map[string]string{"DM_VG_NAME": "vg1", "DM_LV_NAME": "lv1"},
	})
	sda := s.addDevice(c, block.Info{
		Sysname:    "sda",
		DeviceFile: "/dev/sda",
	})

	vgPath := objectgraph.VolumeGroupPath("vg1")
	info := groupInfo("vg1", plainVolume("lv1", 1<<20))
	info.PhysicalVolumes = []lvm.PhysicalVolumeInfo{{
		Device:   "/dev/disk/by-id/wwn-0x5000",
		Size:     10 << 30,
		FreeSize: 8 << 30,
	}}
	gomock.InOrder(
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil),
		s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return(nil, nil),
	)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(info, nil)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c,
		"published "+vgPath,
		"published "+vgPath+"/lv1",
		"changed "+dm0.Path(),
		"changed "+sdb.Path(),
	)

	pv, ok := sdb.PhysicalVolume()
	c.Assert(ok, jc.IsTrue)
	c.Check(pv, gc.Equals, block.PhysicalVolume{VolumeGroup: vgPath, Size: 10 << 30, FreeSize: 8 << 30})
	c.Check(dm0.LogicalVolumePath(), gc.Equals, vgPath+"/lv1")
	_, ok = sda.PhysicalVolume()
	c.Check(ok, jc.IsFalse)
	c.Check(sda.LogicalVolumePath(), gc.Equals, "")

	w.Reconcile()
	s.reconciled(c, 0)
	_, ok = sdb.PhysicalVolume()
	c.Check(ok, jc.IsFalse)
	c.Check(dm0.LogicalVolumePath(), gc.Equals, "")
}

func (s *facetSuite) TestPhysicalVolumeFacetDetachedWhenRemovedFromGroup(c *gc.C) {
	defer s.setupMocks(c).Finish()

	sdb := s.addDevice(c, block.Info{Sysname: "sdb", DeviceFile: "/dev/sdb"})

	member := groupInfo("vg1")
	member.PhysicalVolumes = []lvm.PhysicalVolumeInfo{{Device: "/dev/sdb", Size: 1 << 30}}
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil).Times(2)
	gomock.InOrder(
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(member, nil),
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1"), nil),
	)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	_, ok := sdb.PhysicalVolume()
	c.Assert(ok, jc.IsTrue)

	w.Reconcile()
	s.reconciled(c, 1)
	_, ok = sdb.PhysicalVolume()
	c.Check(ok, jc.IsFalse)
}

func (s *facetSuite) TestMoveProgressIsAttributedToEmptyDeviceJob(c *gc.C) {
	defer s.setupMocks(c).Finish()

	sdb := s.addDevice(c, block.Info{
		Sysname:    "sdb",
		DeviceFile: "/dev/sdb",
		Symlinks:   []string{"/dev/disk/by-id/wwn-0x5000"},
	})
	sdc := s.addDevice(c, block.Info{Sysname: "sdc", DeviceFile: "/dev/sdc"})

	launch := func(operation string, objects ...string) *jobs.Job {
		j, err := s.manager.LaunchThreaded(context.Background(), jobs.ThreadedParams{
			Operation: operation,
			Objects:   objects,
			Run: func(ctx context.Context, _ *jobs.Job) (bool, error) {
				<-ctx.Done()
				return false, ctx.Err()
			},
		})
		c.Assert(err, jc.ErrorIsNil)
		return j
	}
	emptying := launch(jobs.OperationEmptyDevice, sdb.Path())
	other := launch(jobs.OperationEmptyDevice, sdc.Path())

	move := plainVolume("pvmove0", 1<<20)
	move.Attr = "p-C-aom---"
	move.MovePV = "/dev/disk/by-id/wwn-0x5000"
	move.CopyRatio = 0.42

	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("lv1", 1<<20), move), nil).MinTimes(1)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)

	progress, ok := emptying.Progress()
	c.Check(ok, jc.IsTrue)
	c.Check(progress, gc.Equals, 0.42)
	_, ok = other.Progress()
	c.Check(ok, jc.IsFalse)

	c.Check(s.group(c, "vg1").NeedsPolling(), jc.IsTrue)
	c.Check(s.store.Contains(objectgraph.VolumeGroupPath("vg1")+"/pvmove0"), jc.IsFalse)
}

type pollSuite struct {
	baseSuite
}

var _ = gc.Suite(&pollSuite{})

func (s *pollSuite) TestPollDuringWindowIsDeferredOnce(c *gc.C) {
	defer s.setupMocks(c).Finish()

	shows := make(chan struct{}, 10)
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").DoAndReturn(func(context.Context, string) (lvm.VolumeGroupInfo, error) {
		shows <- struct{}{}
		return groupInfo("vg1", plainVolume("lv1", 1<<20)), nil
	}).Times(3)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	<-shows
	vg := s.group(c, "vg1")

	w.Poll(vg)
	s.waitShow(c, shows)

	// The window is open: these collapse into one deferred poll.
	w.Poll(vg)
	w.Poll(vg)
	s.onReactor(c, func() {})
	s.assertNoShow(c, shows)

	c.Assert(s.clock.WaitAdvance(pollInterval, testhelpers.LongWait, 1), jc.ErrorIsNil)
	s.waitShow(c, shows)

	// Nothing was requested during the second window.
	c.Assert(s.clock.WaitAdvance(pollInterval, testhelpers.LongWait, 1), jc.ErrorIsNil)
	s.onReactor(c, func() {})
	s.assertNoShow(c, shows)
}

func (s *pollSuite) TestStalePollResultIsDiscarded(c *gc.C) {
	defer s.setupMocks(c).Finish()

	staleStarted := make(chan struct{})
	staleReturned := make(chan struct{})
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	gomock.InOrder(
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("lv1", 1<<20)), nil),
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").DoAndReturn(func(ctx context.Context, _ string) (lvm.VolumeGroupInfo, error) {
			close(staleStarted)
			// Abandoned by the next poll.
			<-ctx.Done()
			defer close(staleReturned)
			return groupInfo("vg1", plainVolume("lv1", 3<<20)), nil
		}),
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("lv1", 2<<20)), nil),
	)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	vg := s.group(c, "vg1")
	lv := s.volume(c, "vg1", "lv1")

	w.Poll(vg)
	select {
	case <-staleStarted:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("first poll never started")
	}
	w.Poll(vg)
	s.onReactor(c, func() {})
	c.Assert(s.clock.WaitAdvance(pollInterval, testhelpers.LongWait, 1), jc.ErrorIsNil)

	s.waitFor(c, "fresh poll result", func() bool { return lv.Size() == 2<<20 })
	select {
	case <-staleReturned:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("stale poll never returned")
	}
	time.Sleep(testhelpers.ShortWait)
	s.onReactor(c, func() {})
	c.Check(lv.Size(), gc.Equals, uint64(2<<20))
}

func (s *pollSuite) TestPollingStopsWhenGroupSettles(c *gc.C) {
	defer s.setupMocks(c).Finish()

	move := plainVolume("pvmove0", 1<<20)
	move.Attr = "p-C-aom---"
	move.MovePV = "/dev/sdb"
	move.CopyRatio = 0.5

	shows := make(chan struct{}, 10)
	show := func(info lvm.VolumeGroupInfo) func(context.Context, string) (lvm.VolumeGroupInfo, error) {
		return func(context.Context, string) (lvm.VolumeGroupInfo, error) {
			shows <- struct{}{}
			return info, nil
		}
	}
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	gomock.InOrder(
		// The refresh sees a move in progress, which starts polling.
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").DoAndReturn(show(groupInfo("vg1", plainVolume("lv1", 1<<20), move))),
		// Still moving: another poll is asked for within the window.
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").DoAndReturn(show(groupInfo("vg1", plainVolume("lv1", 2<<20), move))),
		// The move is done.
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").DoAndReturn(show(groupInfo("vg1", plainVolume("lv1", 3<<20)))),
	)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	vg := s.group(c, "vg1")
	lv := s.volume(c, "vg1", "lv1")
	s.waitShow(c, shows)
	c.Check(vg.NeedsPolling(), jc.IsTrue)

	s.waitShow(c, shows)
	s.waitFor(c, "second poll result", func() bool { return lv.Size() == 2<<20 })
	c.Assert(s.clock.WaitAdvance(pollInterval, testhelpers.LongWait, 1), jc.ErrorIsNil)

	s.waitShow(c, shows)
	s.waitFor(c, "settled group", func() bool { return lv.Size() == 3<<20 && !vg.NeedsPolling() })

	// The last window closes without another query.
	c.Assert(s.clock.WaitAdvance(pollInterval, testhelpers.LongWait, 1), jc.ErrorIsNil)
	s.onReactor(c, func() {})
	s.assertNoShow(c, shows)
}

func (s *pollSuite) TestPollOnlyUpdatesExistingVolumes(c *gc.C) {
	defer s.setupMocks(c).Finish()

	shows := make(chan struct{}, 10)
	vgPath := objectgraph.VolumeGroupPath("vg1")
	s.querier.EXPECT().ListVolumeGroups(gomock.Any()).Return([]string{"vg1"}, nil)
	gomock.InOrder(
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").Return(groupInfo("vg1", plainVolume("lv1", 1<<20)), nil),
		s.querier.EXPECT().ShowVolumeGroup(gomock.Any(), "vg1").DoAndReturn(func(context.Context, string) (lvm.VolumeGroupInfo, error) {
			defer func() { shows <- struct{}{} }()
			return groupInfo("vg1", plainVolume("lv1", 2<<20), plainVolume("lv2", 1<<20)), nil
		}),
	)

	w := s.startWorker(c)
	defer workertest.CleanKill(c, w)
	w.Reconcile()
	s.reconciled(c, 1)
	s.expectEvents(c, "published "+vgPath, "published "+vgPath+"/lv1")

	w.Poll(s.group(c, "vg1"))
	s.waitShow(c, shows)
	s.expectEvents(c, "changed "+vgPath+"/lv1")
	c.Check(s.store.Contains(vgPath+"/lv2"), jc.IsFalse)
}

func (s *pollSuite) waitShow(c *gc.C, shows chan struct{}) {
	select {
	case <-shows:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for a poll")
	}
}

func (s *pollSuite) assertNoShow(c *gc.C, shows chan struct{}) {
	select {
	case <-shows:
		c.Fatalf("unexpected poll")
	case <-time.After(testhelpers.ShortWait):
	}
}
