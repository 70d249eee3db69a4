// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package controlsocket

import (
	"context"
	"net"

	"golang.org/x/sys/unix"

	"github.com/juju/lvmd/internal/auth"
)

type callerKey struct{}

// withPeerCredentials records the process on the other end of a unix
// socket connection as the caller of every request made on it.
func withPeerCredentials(ctx context.Context, conn net.Conn) context.Context {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ctx
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ctx
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, auth.ResolveCaller(cred.Uid, cred.Gid))
}

// callerFrom returns the caller recorded by withPeerCredentials.
func callerFrom(ctx context.Context) (auth.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(auth.Caller)
	return caller, ok
}
