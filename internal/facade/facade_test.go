// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package facade_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/lvmd/core/lvm"
	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/auth"
	"github.com/juju/lvmd/internal/block"
	"github.com/juju/lvmd/internal/facade"
	"github.com/juju/lvmd/internal/jobs"
	"github.com/juju/lvmd/internal/testhelpers"
)

type managerSuite struct {
	baseSuite
}

var _ = gc.Suite(&managerSuite{})

func (s *managerSuite) TestValidate(c *gc.C) {
	config := s.config(c)
	config.Waiter = nil
	_, err := facade.NewManager(config)
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(err, gc.ErrorMatches, "missing Waiter not valid")

	config = s.config(c)
	config.WaitTimeout = -time.Second
	_, err = facade.NewManager(config)
	c.Check(err, gc.ErrorMatches, "negative WaitTimeout not valid")
}

func (s *managerSuite) TestHandlersNeedTheRightKind(c *gc.C) {
	s.lvm.set(groupInfo("vg1", plainVolume("lv1")))
	s.reconcile(c, func() bool { return s.store.Contains(volumePath("vg1", "lv1")) })

	_, err := s.manager.VolumeGroup(volumePath("vg1", "lv1"))
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = s.manager.LogicalVolume(objectgraph.VolumeGroupPath("vg1"))
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = s.manager.VolumeGroup(objectgraph.VolumeGroupPath("vg2"))
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *managerSuite) TestVolumeGroupCreate(c *gc.C) {
	s.addDevice(c, sdb())
	s.handle(func(argv []string) jobs.ExitInfo {
		if commandIs(argv, "vgcreate") {
			info := groupInfo("+_my_20vg")
			info.PhysicalVolumes = []lvm.PhysicalVolumeInfo{{Device: "/dev/sdb", Size: 10 << 30}}
			s.lvm.set(info)
		}
		return jobs.ExitInfo{}
	})

	path, err := s.manager.VolumeGroupCreate(context.Background(), root, facade.VolumeGroupCreateArgs{
		Name:       "my vg",
		Blocks:     []string{objectgraph.BlockPath("sdb")},
		ExtentSize: 4 << 20,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(path, gc.Equals, objectgraph.VolumeGroupPath("+_my_20vg"))
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{
		"vgcreate +_my_20vg -s 4194304b /dev/sdb",
	})
	c.Check(s.devices.wiped, jc.DeepEquals, []block.WipeTarget{{DeviceFile: "/dev/sdb"}})
	c.Check(s.devices.uevents, jc.DeepEquals, []string{"/sys/devices/virtual/block/sdb"})
}

func (s *managerSuite) TestVolumeGroupCreateBadBlocks(c *gc.C) {
	s.lvm.set(groupInfo("vg1"))
	s.reconcile(c, func() bool { return s.store.Contains(objectgraph.VolumeGroupPath("vg1")) })

	_, err := s.manager.VolumeGroupCreate(context.Background(), root, facade.VolumeGroupCreateArgs{
		Name:   "vg2",
		Blocks: []string{objectgraph.BlockPath("sdz")},
	})
	c.Check(err, jc.ErrorIs, errors.NotFound)
	c.Check(err, gc.ErrorMatches, `Invalid object path .*/block_devices/sdz at index 0`)

	_, err = s.manager.VolumeGroupCreate(context.Background(), root, facade.VolumeGroupCreateArgs{
		Name:   "vg2",
		Blocks: []string{objectgraph.VolumeGroupPath("vg1")},
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(err, gc.ErrorMatches, `Object path .* for index 0 is not a block device`)
	c.Check(s.runner.commands(), gc.HasLen, 0)
}

func (s *managerSuite) TestVolumeGroupCreateDeviceInUse(c *gc.C) {
	s.addDevice(c, sdb())
	s.devices.inUse["/dev/sdb"] = true

	_, err := s.manager.VolumeGroupCreate(context.Background(), root, facade.VolumeGroupCreateArgs{
		Name:   "vg2",
		Blocks: []string{objectgraph.BlockPath("sdb")},
	})
	c.Check(err, gc.ErrorMatches, "Device /dev/sdb is in use")
	c.Check(s.devices.wiped, gc.HasLen, 0)
	c.Check(s.runner.commands(), gc.HasLen, 0)
}

func (s *managerSuite) TestVolumeGroupCreateWipeFailure(c *gc.C) {
	s.addDevice(c, sdb())
	s.devices.wipeErr = errors.New("Error opening device /dev/sdb: permission denied")

	_, err := s.manager.VolumeGroupCreate(context.Background(), root, facade.VolumeGroupCreateArgs{
		Name:   "vg2",
		Blocks: []string{objectgraph.BlockPath("sdb")},
	})
	c.Check(err, gc.ErrorMatches, "Error opening device /dev/sdb: permission denied")
	c.Check(s.runner.commands(), gc.HasLen, 0)
}

func (s *managerSuite) TestUnauthorizedCallerRunsNothing(c *gc.C) {
	s.addDevice(c, sdb())

	_, err := s.manager.VolumeGroupCreate(context.Background(), auth.Caller{UID: 1000}, facade.VolumeGroupCreateArgs{
		Name:   "vg2",
		Blocks: []string{objectgraph.BlockPath("sdb")},
	})
	c.Check(err, jc.ErrorIs, errors.Unauthorized)
	c.Check(s.devices.wiped, gc.HasLen, 0)
	c.Check(s.runner.commands(), gc.HasLen, 0)
}

type volumeGroupSuite struct {
	baseSuite
}

var _ = gc.Suite(&volumeGroupSuite{})

func (s *volumeGroupSuite) SetUpTest(c *gc.C) {
	s.baseSuite.SetUpTest(c)
	s.lvm.set(groupInfo("vg1", plainVolume("lv1")))
	s.reconcile(c, func() bool { return s.store.Contains(volumePath("vg1", "lv1")) })
}

func (s *volumeGroupSuite) TestPoll(c *gc.C) {
	s.volumeGroup(c, "vg1").Poll()
	select {
	case path := <-s.poller.polled:
		c.Check(path, gc.Equals, objectgraph.VolumeGroupPath("vg1"))
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("group was never polled")
	}
}

func (s *volumeGroupSuite) TestCreatePlainVolumeWithEncodedName(c *gc.C) {
	s.handle(func(argv []string) jobs.ExitInfo {
		if commandIs(argv, "lvcreate") {
			s.lvm.addVolume("vg1", plainVolume("+_my_20vol"))
		}
		return jobs.ExitInfo{}
	})

	path, err := s.volumeGroup(c, "vg1").CreatePlainVolume(context.Background(), root, facade.CreatePlainVolumeArgs{
		Name: "my vol",
		Size: 1000000,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(path, gc.Equals, volumePath("vg1", "+_my_20vol"))
	c.Check(s.runner.commands(), jc.DeepEquals, [][]string{
		{"lvcreate", "vg1", "-L", "999936b", "-n", "+_my_20vol"},
	})
}

func (s *volumeGroupSuite) TestCreateStripedVolume(c *gc.C) {
	s.handle(func(argv []string) jobs.ExitInfo {
		s.lvm.addVolume("vg1", plainVolume("striped"))
		return jobs.ExitInfo{}
	})

	_, err := s.volumeGroup(c, "vg1").CreatePlainVolume(context.Background(), root, facade.CreatePlainVolumeArgs{
		Name:       "striped",
		Size:       1 << 30,
		Stripes:    2,
		StripeSize: 64 << 10,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{
		"lvcreate vg1 -L 1073741824b -n striped -i 2 -I 65536b",
	})
}

func (s *volumeGroupSuite) TestFailedJobMessageIsReturned(c *gc.C) {
	s.handle(func([]string) jobs.ExitInfo {
		return jobs.ExitInfo{Status: 5, Stderr: []byte("out of space\n")}
	})

	_, err := s.volumeGroup(c, "vg1").CreatePlainVolume(context.Background(), root, facade.CreatePlainVolumeArgs{
		Name: "big",
		Size: 1 << 40,
	})
	c.Check(err, gc.ErrorMatches, "Error creating volume: Command-line `lvcreate .*' exited with non-zero exit status 5: out of space")
}

func (s *volumeGroupSuite) TestCreatedVolumeNeverAppears(c *gc.C) {
	manager := s.newManager(c, 50*time.Millisecond)
	h, err := manager.VolumeGroup(objectgraph.VolumeGroupPath("vg1"))
	c.Assert(err, jc.ErrorIsNil)

	_, err = h.CreatePlainVolume(context.Background(), root, facade.CreatePlainVolumeArgs{
		Name: "ghost",
		Size: 1 << 20,
	})
	c.Check(err, jc.ErrorIs, errors.Timeout)
	c.Check(err, gc.ErrorMatches, "Error waiting for logical volume object for ghost: Timed out waiting for object ghost")
}

func (s *volumeGroupSuite) TestCreateThinPoolAndThinVolume(c *gc.C) {
	s.handle(func(argv []string) jobs.ExitInfo {
		for _, arg := range argv {
			if arg == "-T" {
				pool := plainVolume("pool")
				pool.Attr = "twi-a-tz--"
				pool.DataRatio = 0
				pool.MetadataRatio = 0
				s.lvm.addVolume("vg1", pool)
				break
			}
			if arg == "-V" {
				thin := plainVolume("thin")
				thin.Attr = "Vwi-a-tz--"
				thin.PoolLV = "pool"
				s.lvm.addVolume("vg1", thin)
				break
			}
		}
		return jobs.ExitInfo{}
	})
	h := s.volumeGroup(c, "vg1")

	poolPath, err := h.CreateThinPoolVolume(context.Background(), root, facade.CreateThinPoolVolumeArgs{
		Name: "pool",
		Size: 1<<30 + 100,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(poolPath, gc.Equals, volumePath("vg1", "pool"))

	thinPath, err := h.CreateThinVolume(context.Background(), root, facade.CreateThinVolumeArgs{
		Name:        "thin",
		VirtualSize: 4 << 30,
		Pool:        poolPath,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(thinPath, gc.Equals, volumePath("vg1", "thin"))

	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{
		"lvcreate vg1 -T -L 1073741824b --thinpool pool",
		"lvcreate vg1 --thinpool pool -V 4294967296b -n thin",
	})
}

func (s *volumeGroupSuite) TestCreateThinVolumeNeedsLogicalVolumePool(c *gc.C) {
	_, err := s.volumeGroup(c, "vg1").CreateThinVolume(context.Background(), root, facade.CreateThinVolumeArgs{
		Name:        "thin",
		VirtualSize: 1 << 30,
		Pool:        objectgraph.VolumeGroupPath("vg1"),
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(err, gc.ErrorMatches, "Not a logical volume")
	c.Check(s.runner.commands(), gc.HasLen, 0)
}

func (s *volumeGroupSuite) TestRename(c *gc.C) {
	s.handle(func(argv []string) jobs.ExitInfo {
		info, _ := s.lvm.ShowVolumeGroup(context.Background(), "vg1")
		s.lvm.remove("vg1")
		info.Name = "+_new_20name"
		s.lvm.set(info)
		return jobs.ExitInfo{}
	})

	path, err := s.volumeGroup(c, "vg1").Rename(context.Background(), root, "new name")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(path, gc.Equals, objectgraph.VolumeGroupPath("+_new_20name"))
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{"vgrename vg1 +_new_20name"})
	s.waitFor(c, "old group to go", func() bool {
		return !s.store.Contains(objectgraph.VolumeGroupPath("vg1"))
	})
}

func (s *volumeGroupSuite) TestDeleteWipesMembers(c *gc.C) {
	d := s.addDevice(c, sdb())
	info := groupInfo("vg1", plainVolume("lv1"))
	info.PhysicalVolumes = []lvm.PhysicalVolumeInfo{{Device: "/dev/sdb", Size: 10 << 30}}
	s.lvm.set(info)
	s.reconcile(c, func() bool {
		_, ok := d.PhysicalVolume()
		return ok
	})
	s.handle(func(argv []string) jobs.ExitInfo {
		s.lvm.remove("vg1")
		return jobs.ExitInfo{}
	})

	err := s.volumeGroup(c, "vg1").Delete(context.Background(), root, true)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{"vgremove -f vg1"})
	c.Check(s.devices.wiped, jc.DeepEquals, []block.WipeTarget{{DeviceFile: "/dev/sdb"}})
	s.waitFor(c, "group to go", func() bool {
		return !s.store.Contains(objectgraph.VolumeGroupPath("vg1"))
	})
}

func (s *volumeGroupSuite) TestAddDevice(c *gc.C) {
	s.addDevice(c, sdb())

	err := s.volumeGroup(c, "vg1").AddDevice(context.Background(), root, objectgraph.BlockPath("sdb"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.devices.wiped, jc.DeepEquals, []block.WipeTarget{{DeviceFile: "/dev/sdb"}})
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{"vgextend vg1 /dev/sdb"})
}

func (s *volumeGroupSuite) TestAddDeviceNotABlock(c *gc.C) {
	h := s.volumeGroup(c, "vg1")
	err := h.AddDevice(context.Background(), root, volumePath("vg1", "lv1"))
	c.Check(err, gc.ErrorMatches, "The given object is not a block")
	err = h.AddDevice(context.Background(), root, objectgraph.BlockPath("sdz"))
	c.Check(err, gc.ErrorMatches, "No device for given object path")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *volumeGroupSuite) TestRemoveDeviceWithWipe(c *gc.C) {
	s.addDevice(c, sdb())

	err := s.volumeGroup(c, "vg1").RemoveDevice(context.Background(), root, objectgraph.BlockPath("sdb"), true)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{
		"vgreduce vg1 /dev/sdb",
		"wipefs -a /dev/sdb",
	})
}

func (s *volumeGroupSuite) TestRemoveDeviceFailure(c *gc.C) {
	s.addDevice(c, sdb())
	s.handle(func([]string) jobs.ExitInfo {
		return jobs.ExitInfo{Status: 5, Stderr: []byte("still in use")}
	})

	err := s.volumeGroup(c, "vg1").RemoveDevice(context.Background(), root, objectgraph.BlockPath("sdb"), true)
	c.Check(err, gc.ErrorMatches, "Error remove /dev/sdb from volume group: .*still in use")
	c.Check(s.runner.commands(), gc.HasLen, 1)
}

func (s *volumeGroupSuite) TestEmptyDevice(c *gc.C) {
	s.addDevice(c, sdb())
	h := s.volumeGroup(c, "vg1")

	err := h.EmptyDevice(context.Background(), root, objectgraph.BlockPath("sdb"), true)
	c.Assert(err, jc.ErrorIsNil)
	err = h.EmptyDevice(context.Background(), root, objectgraph.BlockPath("sdb"), false)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{
		"pvmove -b /dev/sdb",
		"pvmove /dev/sdb",
	})
}

type logicalVolumeSuite struct {
	baseSuite
}

var _ = gc.Suite(&logicalVolumeSuite{})

func (s *logicalVolumeSuite) SetUpTest(c *gc.C) {
	s.baseSuite.SetUpTest(c)
	s.lvm.set(groupInfo("vg1", plainVolume("lv1")))
	s.reconcile(c, func() bool { return s.store.Contains(volumePath("vg1", "lv1")) })
}

func (s *logicalVolumeSuite) TestDelete(c *gc.C) {
	s.handle(func([]string) jobs.ExitInfo {
		s.lvm.set(groupInfo("vg1"))
		return jobs.ExitInfo{}
	})

	err := s.logicalVolume(c, "vg1", "lv1").Delete(context.Background(), root)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{"lvremove -f vg1/lv1"})
	s.waitFor(c, "volume to go", func() bool {
		return !s.store.Contains(volumePath("vg1", "lv1"))
	})
}

func (s *logicalVolumeSuite) TestRename(c *gc.C) {
	s.handle(func([]string) jobs.ExitInfo {
		s.lvm.set(groupInfo("vg1", plainVolume("lv2")))
		return jobs.ExitInfo{}
	})

	path, err := s.logicalVolume(c, "vg1", "lv1").Rename(context.Background(), root, "lv2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(path, gc.Equals, volumePath("vg1", "lv2"))
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{"lvrename vg1/lv1 lv2"})
}

func (s *logicalVolumeSuite) TestResize(c *gc.C) {
	err := s.logicalVolume(c, "vg1", "lv1").Resize(context.Background(), root, facade.ResizeArgs{
		Size:    2<<30 + 1,
		Stripes: 3,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{"lvresize vg1/lv1 -r -L 2147483648b -i 3"})
}

func (s *logicalVolumeSuite) TestActivateReturnsBlock(c *gc.C) {
	dm0 := block.Info{
		Sysname:    "dm-0",
		DeviceFile: "/dev/dm-0",
		Major:      253,
		Minor:      0,
		Properties: map[string]string{"DM_VG_NAME": "vg1", "DM_LV_NAME": "lv1"},
	}
	s.handle(func([]string) jobs.ExitInfo {
		// The device appears as the volume is activated.
		_ = s.reactor.Call(context.Background(), func(context.Context) {
			_, _ = s.tracker.Update(dm0)
		})
		return jobs.ExitInfo{}
	})

	path, err := s.logicalVolume(c, "vg1", "lv1").Activate(context.Background(), root)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(path, gc.Equals, objectgraph.BlockPath("dm-0"))
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{"lvchange vg1/lv1 -a y"})
}

func (s *logicalVolumeSuite) TestDeactivate(c *gc.C) {
	err := s.logicalVolume(c, "vg1", "lv1").Deactivate(context.Background(), root)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{"lvchange vg1/lv1 -a n"})
}

func (s *logicalVolumeSuite) TestCreateSnapshot(c *gc.C) {
	s.handle(func([]string) jobs.ExitInfo {
		snap := plainVolume("+_lv1_20snap")
		snap.Attr = "swi-a-s---"
		snap.Origin = "lv1"
		s.lvm.addVolume("vg1", snap)
		return jobs.ExitInfo{}
	})

	path, err := s.logicalVolume(c, "vg1", "lv1").CreateSnapshot(context.Background(), root, facade.CreateSnapshotArgs{
		Name: "lv1 snap",
		Size: 1<<20 + 7,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(path, gc.Equals, volumePath("vg1", "+_lv1_20snap"))
	c.Check(joined(s.runner.commands()), jc.DeepEquals, []string{"lvcreate -s vg1/lv1 -n +_lv1_20snap -L 1048576b"})
}

func (s *logicalVolumeSuite) TestUnauthorized(c *gc.C) {
	err := s.logicalVolume(c, "vg1", "lv1").Delete(context.Background(), auth.Caller{UID: 1000})
	c.Check(err, jc.ErrorIs, errors.Unauthorized)
	c.Check(s.runner.commands(), gc.HasLen, 0)
}
