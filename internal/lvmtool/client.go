// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lvmtool queries the LVM tools for the current state of volume
// groups. It only reads; changes go through jobs.
package lvmtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/lvmd/core/lvm"
)

// DefaultBinary is the LVM multi-call binary.
const DefaultBinary = "lvm"

// Runner runs a command and returns what it wrote to stdout.
type Runner interface {
	Run(ctx context.Context, argv []string) ([]byte, error)
}

// NewExecRunner returns a Runner that runs real processes with the C
// locale, so LVM reports numbers in a parseable form.
func NewExecRunner() Runner {
	return execRunner{}
}

type execRunner struct{}

// Run is part of the Runner interface.
func (execRunner) Run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.NotValidf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Client reads LVM reports.
type Client struct {
	binary string
	runner Runner
}

// NewClient returns a Client running binary through runner.
func NewClient(binary string, runner Runner) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Client{binary: binary, runner: runner}
}

// ListVolumeGroups returns the names of every volume group, as LVM
// stores them.
func (c *Client) ListVolumeGroups(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "vgs", "-o", "vg_name")
	if err != nil {
		return nil, errors.Annotate(err, "listing volume groups")
	}
	var report vgReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, errors.Annotate(err, "parsing volume group list")
	}
	var names []string
	for _, r := range report.Report {
		for _, vg := range r.VG {
			names = append(names, vg.Name)
		}
	}
	return names, nil
}

// ShowVolumeGroup returns everything known about one volume group,
// including its hidden logical volumes. It returns a NotFound error when
// the group does not exist.
func (c *Client) ShowVolumeGroup(ctx context.Context, name string) (lvm.VolumeGroupInfo, error) {
	if name == "" {
		return lvm.VolumeGroupInfo{}, errors.NotValidf("empty volume group name")
	}

	out, err := c.run(ctx, "vgs", "-o", vgFields, name)
	if err != nil {
		return lvm.VolumeGroupInfo{}, classify(err, name)
	}
	var vgs vgReport
	if err := json.Unmarshal(out, &vgs); err != nil {
		return lvm.VolumeGroupInfo{}, errors.Annotatef(err, "parsing volume group %q", name)
	}
	if len(vgs.Report) == 0 || len(vgs.Report[0].VG) == 0 {
		return lvm.VolumeGroupInfo{}, errors.NotFoundf("volume group %q", name)
	}
	row := vgs.Report[0].VG[0]
	info := lvm.VolumeGroupInfo{
		Name:       row.Name,
		UUID:       row.UUID,
		Size:       uint64(row.Size),
		FreeSize:   uint64(row.Free),
		ExtentSize: uint64(row.ExtentSize),
	}

	out, err = c.run(ctx, "lvs", "-a", "-o", lvFields, name)
	if err != nil {
		return lvm.VolumeGroupInfo{}, classify(err, name)
	}
	var lvs lvReport
	if err := json.Unmarshal(out, &lvs); err != nil {
		return lvm.VolumeGroupInfo{}, errors.Annotatef(err, "parsing logical volumes of %q", name)
	}
	for _, r := range lvs.Report {
		for _, lv := range r.LV {
			info.LogicalVolumes = append(info.LogicalVolumes, lvm.LogicalVolumeInfo{
				Name:          hiddenName(lv.Name),
				UUID:          lv.UUID,
				Size:          uint64(lv.Size),
				Attr:          lv.Attr,
				DataRatio:     float64(lv.DataPercent),
				MetadataRatio: float64(lv.MetadataPercent),
				CopyRatio:     float64(lv.CopyPercent),
				PoolLV:        hiddenName(lv.PoolLV),
				Origin:        hiddenName(lv.Origin),
				MovePV:        lv.MovePV,
			})
		}
	}

	out, err = c.run(ctx, "pvs", "-o", pvFields, "-S", "vg_name="+name)
	if err != nil {
		return lvm.VolumeGroupInfo{}, classify(err, name)
	}
	var pvs pvReport
	if err := json.Unmarshal(out, &pvs); err != nil {
		return lvm.VolumeGroupInfo{}, errors.Annotatef(err, "parsing physical volumes of %q", name)
	}
	for _, r := range pvs.Report {
		for _, pv := range r.PV {
			info.PhysicalVolumes = append(info.PhysicalVolumes, lvm.PhysicalVolumeInfo{
				Device:   pv.Name,
				Size:     uint64(pv.Size),
				FreeSize: uint64(pv.Free),
			})
		}
	}
	return info, nil
}

func (c *Client) run(ctx context.Context, command string, args ...string) ([]byte, error) {
	argv := append([]string{c.binary, command, "--reportformat=json", "--units=b", "--nosuffix"}, args...)
	out, err := c.runner.Run(ctx, argv)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}

// classify turns the LVM complaint about a missing group into a
// NotFound error.
func classify(err error, name string) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "failed to find") {
		return errors.NewNotFound(err, fmt.Sprintf("volume group %q not found", name))
	}
	return errors.Annotatef(err, "querying volume group %q", name)
}
