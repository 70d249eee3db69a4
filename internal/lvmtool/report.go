// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lvmtool

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// sizeString is a byte count reported as a string, as produced by
// --units=b --nosuffix.
type sizeString uint64

// UnmarshalJSON implements json.Unmarshaler.
func (s *sizeString) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	v = strings.TrimSuffix(strings.TrimSpace(v), "B")
	if v == "" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return errors.Annotatef(err, "parsing size %q", v)
	}
	*s = sizeString(n)
	return nil
}

// ratioString is a percentage reported as a string. It decodes to a
// ratio in [0, 1], or -1 when LVM leaves the field empty.
type ratioString float64

// UnmarshalJSON implements json.Unmarshaler.
func (r *ratioString) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	v = strings.TrimSuffix(strings.TrimSpace(v), "%")
	if v == "" {
		*r = -1
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return errors.Annotatef(err, "parsing percentage %q", v)
	}
	*r = ratioString(f / 100)
	return nil
}

type vgReport struct {
	Report []struct {
		VG []vgRow `json:"vg"`
	} `json:"report"`
}

type vgRow struct {
	Name       string     `json:"vg_name"`
	UUID       string     `json:"vg_uuid"`
	Size       sizeString `json:"vg_size"`
	Free       sizeString `json:"vg_free"`
	ExtentSize sizeString `json:"vg_extent_size"`
}

type lvReport struct {
	Report []struct {
		LV []lvRow `json:"lv"`
	} `json:"report"`
}

type lvRow struct {
	Name            string      `json:"lv_name"`
	UUID            string      `json:"lv_uuid"`
	Size            sizeString  `json:"lv_size"`
	Attr            string      `json:"lv_attr"`
	DataPercent     ratioString `json:"data_percent"`
	MetadataPercent ratioString `json:"metadata_percent"`
	CopyPercent     ratioString `json:"copy_percent"`
	PoolLV          string      `json:"pool_lv"`
	Origin          string      `json:"origin"`
	MovePV          string      `json:"move_pv"`
}

type pvReport struct {
	Report []struct {
		PV []pvRow `json:"pv"`
	} `json:"report"`
}

type pvRow struct {
	Name string     `json:"pv_name"`
	Size sizeString `json:"pv_size"`
	Free sizeString `json:"pv_free"`
}

const (
	vgFields = "vg_name,vg_uuid,vg_size,vg_free,vg_extent_size"
	lvFields = "lv_name,lv_uuid,lv_size,lv_attr,data_percent,metadata_percent,copy_percent,pool_lv,origin,move_pv"
	pvFields = "pv_name,pv_size,pv_free"
)

// hiddenName strips the brackets LVM puts around hidden volume names
// when listing with -a.
func hiddenName(name string) string {
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		return name[1 : len(name)-1]
	}
	return name
}
