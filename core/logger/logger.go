// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"github.com/juju/loggo/v2"
)

// Logger is the logging interface accepted by the lvmd workers. A
// loggo.Logger satisfies it.
type Logger interface {
	Errorf(string, ...any)
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
	Tracef(string, ...any)
}

// GetLogger returns the module logger for the named lvmd component,
// for example GetLogger("lvmsync") returns the "lvmd.lvmsync" logger.
func GetLogger(name string) loggo.Logger {
	return loggo.GetLogger("lvmd." + name)
}
