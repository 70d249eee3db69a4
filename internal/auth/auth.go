// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package auth decides whether a caller may perform an operation.
package auth

import (
	"context"
	"os/user"
	"strconv"

	"github.com/juju/errors"

	"github.com/juju/lvmd/core/logger"
)

// ManageLVMAction is the action every LVM operation is checked against.
const ManageLVMAction = "com.redhat.lvm2.manage-lvm"

// MessageDetail is the detail key carrying the message shown to a user
// asked to authenticate.
const MessageDetail = "polkit.message"

// Caller identifies the process on the other end of a connection.
type Caller struct {
	UID      uint32
	GID      uint32
	Username string
}

// ResolveCaller looks up the user name of uid. A uid without a passwd
// entry is still a valid caller.
func ResolveCaller(uid, gid uint32) Caller {
	caller := Caller{UID: uid, GID: gid}
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		caller.Username = u.Username
	}
	return caller
}

// Authority is the authorization oracle.
type Authority interface {
	// CheckAuthorized returns nil when caller may perform actionID on
	// an object described by details, and an Unauthorized error
	// otherwise.
	CheckAuthorized(ctx context.Context, caller Caller, actionID string, details map[string]string, message string) error
}

// RootOnly authorizes uid 0 and nobody else, unless AllowNonRoot is set.
type RootOnly struct {
	AllowNonRoot bool
	Logger       logger.Logger
}

// CheckAuthorized is part of the Authority interface.
func (a RootOnly) CheckAuthorized(
	_ context.Context, caller Caller, actionID string, details map[string]string, message string,
) error {
	if caller.UID == 0 || a.AllowNonRoot {
		if a.Logger != nil {
			a.Logger.Tracef("uid %d (%s) authorized for %s: %s", caller.UID, caller.Username, actionID, message)
		}
		return nil
	}
	if a.Logger != nil {
		a.Logger.Debugf("uid %d (%s) denied %s: %s", caller.UID, caller.Username, actionID, message)
	}
	return errors.Unauthorizedf("Not authorized to perform operation (polkit authority not available and caller is not uid 0)")
}

// Details builds the details map for a check, adding message under
// MessageDetail. extra may be nil.
func Details(extra map[string]string, message string) map[string]string {
	details := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		details[k] = v
	}
	details[MessageDetail] = message
	return details
}
