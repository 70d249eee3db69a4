// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lvmname converts user supplied names into names that LVM
// accepts, and escapes strings for the two places they are embedded:
// command lines for the LVM tools and object paths.
package lvmname

import (
	"fmt"
	"strings"
)

// EncodingPrefix marks a name that has been encoded by Encode.
const EncodingPrefix = "+_"

// internalVolumeMarkers are substrings that LVM reserves for the hidden
// volumes it creates behind mirrors, raids and thin pools.
var internalVolumeMarkers = []string{
	"_mlog",
	"_mimage",
	"_rimage",
	"_rmeta",
	"_tdata",
	"_tmeta",
}

// internalVolumePrefixes are name prefixes LVM reserves for its own volumes.
var internalVolumePrefixes = []string{
	"pvmove",
	"snapshot",
}

func isNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '+', c == '_', c == '.', c == '-':
		return true
	}
	return false
}

// IsReservedVolumeName reports whether name collides with a name LVM
// uses for internal logical volumes.
func IsReservedVolumeName(name string) bool {
	for _, marker := range internalVolumeMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	for _, prefix := range internalVolumePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func needsEncoding(name string, forLogicalVolume bool) bool {
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return true
		}
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, EncodingPrefix) {
		return true
	}
	return forLogicalVolume && IsReservedVolumeName(name)
}

// Encode returns a name that LVM accepts for the given user supplied
// name. Names that are already acceptable are returned as they are.
// Everything else is prefixed with EncodingPrefix and every byte outside
// the LVM alphabet, as well as every underscore, is written as "_xx".
//
// Encode is a pure function: the same name and kind always produce the
// same result, and distinct names never produce the same result.
func Encode(name string, forLogicalVolume bool) string {
	if !needsEncoding(name, forLogicalVolume) {
		return name
	}
	var b strings.Builder
	b.WriteString(EncodingPrefix)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isNameChar(c) || c == '_' {
			fmt.Fprintf(&b, "_%02x", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Decode reverses Encode for display. Names without EncodingPrefix, and
// names with a malformed escape sequence, are returned unchanged.
func Decode(encoded string) string {
	if !strings.HasPrefix(encoded, EncodingPrefix) {
		return encoded
	}
	rest := encoded[len(EncodingPrefix):]
	var b strings.Builder
	for i := 0; i < len(rest); i++ {
		if rest[i] != '_' {
			b.WriteByte(rest[i])
			continue
		}
		if i+2 >= len(rest) {
			return encoded
		}
		hi, okHi := unhex(rest[i+1])
		lo, okLo := unhex(rest[i+2])
		if !okHi || !okLo {
			return encoded
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Quote wraps s in double quotes, escaping embedded quotes and
// backslashes, so it can be placed on an LVM tool command line.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// PathElement escapes s for use as a single object path element. Bytes
// outside [A-Za-z0-9] are written as "_xx"; underscores are escaped too
// so that distinct names never share a path element. The result is never
// used on command lines.
func PathElement(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "_%02x", c)
	}
	return b.String()
}
