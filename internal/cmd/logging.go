// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
)

// Log supplies the necessary functionality for Commands that wish to set up
// logging.
type Log struct {
	// DefaultConfig is used when neither --logging-config nor --debug is
	// given.
	DefaultConfig string

	Debug  bool
	Config string
}

// AddFlags adds appropriate flags to f.
func (l *Log) AddFlags(f *gnuflag.FlagSet) {
	f.BoolVar(&l.Debug, "debug", false, "Equivalent to --logging-config=<root>=DEBUG")
	f.StringVar(&l.Config, "logging-config", "", "Specify log levels for modules")
}

// Start configures the loggers according to the flags.
func (l *Log) Start(ctx *Context) error {
	config := l.DefaultConfig
	if l.Debug {
		config = "<root>=DEBUG"
	}
	if l.Config != "" {
		config = l.Config
	}
	if config == "" {
		return nil
	}
	loggo.DefaultContext().ResetLoggerLevels()
	return errors.Annotate(loggo.ConfigureLoggers(config), "configuring loggers")
}
