// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"

	"github.com/juju/lvmd/internal/cmd"
	"github.com/juju/lvmd/internal/config"
	"github.com/juju/lvmd/internal/daemon"
)

var logger = loggo.GetLogger("lvmd")

const lvmdDoc = `
lvmd publishes the LVM volume groups, logical volumes and block devices
of this machine and runs the storage operations requested over its
control socket.

Settings are read from the file given with --config. Flags override
the values in that file.
`

// lvmdCommand runs the daemon until it fails or is asked to stop.
type lvmdCommand struct {
	cmd.CommandBase

	configFile     string
	loggingConfig  string
	socketPath     string
	metricsAddress string
	allowNonRoot   bool

	// signals receives the signals the daemon reacts to. The process
	// signals are used when it is nil.
	signals chan os.Signal

	newDaemon func(daemon.Config) (worker.Worker, error)
}

func newLvmdCommand() *lvmdCommand {
	return &lvmdCommand{
		newDaemon: func(cfg daemon.Config) (worker.Worker, error) {
			return daemon.New(cfg)
		},
	}
}

func (c *lvmdCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "lvmd",
		Purpose: "Run the LVM management daemon.",
		Doc:     lvmdDoc,
	}
}

func (c *lvmdCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configFile, "config", "", "Path of the settings file")
	f.StringVar(&c.loggingConfig, "logging-config", "", "Specify log levels for modules")
	f.StringVar(&c.socketPath, "socket", "", "Path of the control socket")
	f.StringVar(&c.metricsAddress, "metrics-address", "", "Address to serve metrics on")
	f.BoolVar(&c.allowNonRoot, "allow-non-root", false, "Authorize every caller, for testing")
}

// overrides returns the settings given on the command line.
func (c *lvmdCommand) overrides() map[string]interface{} {
	result := make(map[string]interface{})
	if c.loggingConfig != "" {
		result[config.LoggingConfig] = c.loggingConfig
	}
	if c.socketPath != "" {
		result[config.SocketPath] = c.socketPath
	}
	if c.metricsAddress != "" {
		result[config.MetricsAddress] = c.metricsAddress
	}
	if c.allowNonRoot {
		result[config.AllowNonRoot] = true
	}
	return result
}

func (c *lvmdCommand) Run(ctx *cmd.Context) error {
	configFile := c.configFile
	if configFile != "" {
		configFile = ctx.AbsPath(configFile)
	}
	settings, err := config.Load(configFile, c.overrides())
	if err != nil {
		return errors.Annotate(err, "loading settings")
	}
	loggo.DefaultContext().ResetLoggerLevels()
	if err := loggo.ConfigureLoggers(settings.LoggingConfig()); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}

	signals := c.signals
	if signals == nil {
		signals = make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signals)
	}

	d, err := c.newDaemon(daemon.DefaultConfig(settings, signals))
	if err != nil {
		return errors.Annotate(err, "starting daemon")
	}
	logger.Infof("serving on %s", settings.SocketPath())
	err = d.Wait()
	if errors.Is(err, daemon.ErrShutdown) {
		logger.Infof("stopped")
		return nil
	}
	return errors.Trace(err)
}

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(cmd.Main(newLvmdCommand(), ctx, os.Args[1:]))
}
