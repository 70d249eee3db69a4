// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package block

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Source reads block devices from sysfs and the udev database.
type Source struct {
	SysfsRoot   string
	DevRoot     string
	UdevDataDir string
}

// DefaultSource reads the real system.
var DefaultSource = Source{
	SysfsRoot:   "/sys",
	DevRoot:     "/dev",
	UdevDataDir: "/run/udev/data",
}

// UdevDataName is the name of the udev database entry of a block device.
func UdevDataName(major, minor uint32) string {
	return fmt.Sprintf("b%d:%d", major, minor)
}

// ParseUdevDataName is the inverse of UdevDataName. It reports false for
// entries that do not describe block devices.
func ParseUdevDataName(name string) (major, minor uint32, ok bool) {
	if !strings.HasPrefix(name, "b") {
		return 0, 0, false
	}
	maj, min, found := strings.Cut(name[1:], ":")
	if !found {
		return 0, 0, false
	}
	ma, err := strconv.ParseUint(maj, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	mi, err := strconv.ParseUint(min, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(ma), uint32(mi), true
}

// Scan returns every block device of the system, sorted by name.
// Devices that vanish while they are being read are skipped.
func (s Source) Scan() ([]Info, error) {
	classDir := filepath.Join(s.SysfsRoot, "class", "block")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		return nil, errors.Annotate(err, "listing block devices")
	}
	var result []Info
	for _, entry := range entries {
		info, err := s.Read(entry.Name())
		if errors.Is(err, errors.NotFound) {
			continue
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sysname < result[j].Sysname
	})
	return result, nil
}

// Read returns one block device by kernel name.
func (s Source) Read(sysname string) (Info, error) {
	dir := filepath.Join(s.SysfsRoot, "class", "block", sysname)
	sysfsPath, err := filepath.EvalSymlinks(dir)
	if os.IsNotExist(err) {
		return Info{}, errors.NotFoundf("block device %q", sysname)
	} else if err != nil {
		return Info{}, errors.Annotatef(err, "resolving %s", dir)
	}

	dev, err := os.ReadFile(filepath.Join(sysfsPath, "dev"))
	if os.IsNotExist(err) {
		return Info{}, errors.NotFoundf("block device %q", sysname)
	} else if err != nil {
		return Info{}, errors.Annotatef(err, "reading device number of %s", sysname)
	}
	major, minor, ok := ParseUdevDataName("b" + strings.TrimSpace(string(dev)))
	if !ok {
		return Info{}, errors.NotValidf("device number %q of %s", strings.TrimSpace(string(dev)), sysname)
	}

	info := Info{
		Sysname:    sysname,
		SysfsPath:  sysfsPath,
		DeviceFile: filepath.Join(s.DevRoot, s.devName(sysfsPath, sysname)),
		Major:      major,
		Minor:      minor,
		Properties: make(map[string]string),
	}
	if err := s.readUdevData(&info); err != nil {
		return Info{}, errors.Trace(err)
	}
	return info, nil
}

// devName returns the device node name from the uevent file, which
// differs from the kernel name for devices such as "cciss!c0d0".
func (s Source) devName(sysfsPath, sysname string) string {
	f, err := os.Open(filepath.Join(sysfsPath, "uevent"))
	if err != nil {
		return strings.ReplaceAll(sysname, "!", "/")
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "DEVNAME="); ok && name != "" {
			return name
		}
	}
	return strings.ReplaceAll(sysname, "!", "/")
}

// readUdevData fills in symlinks and properties. A device udev has not
// processed yet has neither.
func (s Source) readUdevData(info *Info) error {
	path := filepath.Join(s.UdevDataDir, UdevDataName(info.Major, info.Minor))
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Annotatef(err, "reading udev data of %s", info.Sysname)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "S:"):
			info.Symlinks = append(info.Symlinks, filepath.Join(s.DevRoot, line[2:]))
		case strings.HasPrefix(line, "E:"):
			key, value, ok := strings.Cut(line[2:], "=")
			if ok {
				info.Properties[key] = value
			}
		}
	}
	return errors.Annotatef(scanner.Err(), "parsing udev data of %s", info.Sysname)
}
