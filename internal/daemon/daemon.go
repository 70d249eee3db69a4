// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package daemon assembles the lvmd workers and runs them as one.
package daemon

import (
	"context"
	"os"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/juju/lvmd/core/logger"
	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/auth"
	"github.com/juju/lvmd/internal/block"
	"github.com/juju/lvmd/internal/config"
	"github.com/juju/lvmd/internal/debounce"
	"github.com/juju/lvmd/internal/facade"
	"github.com/juju/lvmd/internal/jobs"
	"github.com/juju/lvmd/internal/lvmtool"
	"github.com/juju/lvmd/internal/metrics"
	"github.com/juju/lvmd/internal/reactor"
	"github.com/juju/lvmd/internal/waitfor"
	"github.com/juju/lvmd/internal/worker/controlsocket"
	"github.com/juju/lvmd/internal/worker/devicewatcher"
	"github.com/juju/lvmd/internal/worker/lvmsync"
	"github.com/juju/lvmd/internal/worker/signalhandler"
)

// ErrShutdown is the error a daemon stops with when a signal asked it to.
const ErrShutdown = signalhandler.ErrShutdown

// killGrace is how long a cancelled job process has between SIGTERM and
// SIGKILL.
const killGrace = 5 * time.Second

// Config holds the settings and the outside world of a Daemon.
type Config struct {
	Settings config.Config
	Clock    clock.Clock

	// Querier reads LVM state. The lvm binary of the settings is used
	// when it is nil.
	Querier lvmsync.Querier

	// ProcessRunner starts job processes and ToolRunner runs the short
	// helper commands of block device wiping.
	ProcessRunner jobs.ProcessRunner
	ToolRunner    block.Runner

	// Signals delivers the signals the daemon reacts to.
	Signals <-chan os.Signal

	// Notify tells the service manager about state changes.
	Notify func(state string) error

	// NewLogger returns the logger for a named part of the daemon.
	NewLogger func(name string) logger.Logger
}

// DefaultConfig returns a Config that talks to the real system.
func DefaultConfig(settings config.Config, signals <-chan os.Signal) Config {
	return Config{
		Settings:      settings,
		Clock:         clock.WallClock,
		ProcessRunner: jobs.NewExecRunner(),
		ToolRunner:    lvmtool.NewExecRunner(),
		Signals:       signals,
		Notify:        notifySystemd,
		NewLogger: func(name string) logger.Logger {
			return loggo.GetLogger("lvmd." + name)
		},
	}
}

func notifySystemd(state string) error {
	_, err := sddaemon.SdNotify(false, state)
	return errors.Trace(err)
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Settings == nil {
		return errors.NotValidf("missing Settings")
	}
	if err := c.Settings.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.ProcessRunner == nil {
		return errors.NotValidf("missing ProcessRunner")
	}
	if c.ToolRunner == nil {
		return errors.NotValidf("missing ToolRunner")
	}
	if c.Signals == nil {
		return errors.NotValidf("missing Signals")
	}
	if c.Notify == nil {
		return errors.NotValidf("missing Notify")
	}
	if c.NewLogger == nil {
		return errors.NotValidf("missing NewLogger")
	}
	return nil
}

// Daemon runs every lvmd worker. It stops when any of them fails or a
// signal asks it to, tearing the workers down in the reverse of the
// order they were started in.
type Daemon struct {
	catacomb catacomb.Catacomb
	config   Config
	logger   logger.Logger

	store     *objectgraph.Store
	reactor   *reactor.Reactor
	jobs      *jobs.Manager
	syncer    *lvmsync.Syncer
	scheduler *debounce.Scheduler
	tracker   *block.Tracker
	source    block.Source

	// stoppable are stopped in reverse order before the core is.
	stoppable []worker.Worker
}

// New starts a daemon.
func New(config Config) (*Daemon, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	d := &Daemon{
		config: config,
		logger: config.NewLogger("daemon"),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "lvmd",
		Site: &d.catacomb,
		Work: d.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *Daemon) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Daemon) Wait() error {
	return d.catacomb.Wait()
}

func (d *Daemon) loop() error {
	defer d.shutdown()
	if err := d.start(); err != nil {
		return errors.Trace(err)
	}
	if err := d.initialScan(); err != nil {
		return errors.Trace(err)
	}
	d.scheduler.TriggerDelayed()
	d.scheduler.FlushNow()

	if err := d.config.Notify(sddaemon.SdNotifyReady); err != nil {
		d.logger.Warningf("notifying service manager: %v", err)
	}
	d.logger.Infof("lvmd started, serving on %s", d.config.Settings.SocketPath())

	select {
	case <-d.catacomb.Dying():
		return d.catacomb.ErrDying()
	case err := <-waitFor(d.syncer):
		return stopped("synchronizer", err)
	case err := <-waitFor(d.reactor):
		return stopped("reactor", err)
	}
}

// waitFor delivers the result of w.Wait once w has stopped.
func waitFor(w worker.Worker) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- w.Wait()
	}()
	return done
}

func stopped(name string, err error) error {
	if err == nil {
		return errors.Errorf("%s stopped unexpectedly", name)
	}
	return errors.Annotate(err, name)
}

// start builds the workers in dependency order.
func (d *Daemon) start() error {
	settings := d.config.Settings

	d.store = objectgraph.NewStore(d.config.NewLogger("objectgraph"))
	collector := metrics.NewCollector()
	unsubscribe := collector.Subscribe(d.store.Hub())
	go func() {
		<-d.catacomb.Dying()
		unsubscribe()
	}()

	var err error
	d.reactor, err = reactor.New(reactor.Config{
		Logger: d.config.NewLogger("reactor"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	d.jobs, err = jobs.NewManager(jobs.Config{
		Store:     d.store,
		Reactor:   d.reactor,
		Runner:    d.config.ProcessRunner,
		Clock:     d.config.Clock,
		Logger:    d.config.NewLogger("jobs"),
		PoolSize:  settings.JobPoolSize(),
		KillGrace: killGrace,
		Recorder:  collector,
	})
	if err != nil {
		return errors.Trace(err)
	}

	waiter, err := waitfor.NewWaiter(waitfor.Config{
		Reactor:  d.reactor,
		Clock:    d.config.Clock,
		Interval: settings.RecheckInterval(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	d.source = block.Source{
		SysfsRoot:   settings.SysfsRoot(),
		DevRoot:     settings.DevRoot(),
		UdevDataDir: settings.UdevDataDir(),
	}
	d.tracker = block.NewTracker(d.store)

	querier := d.config.Querier
	if querier == nil {
		querier = lvmtool.NewClient(settings.LVMBinary(), d.config.ToolRunner)
	}
	d.syncer, err = lvmsync.NewWorker(lvmsync.Config{
		Store:        d.store,
		Reactor:      d.reactor,
		Querier:      querier,
		Blocks:       d.tracker,
		Jobs:         d.jobs,
		Clock:        d.config.Clock,
		Logger:       d.config.NewLogger("lvmsync"),
		PollInterval: settings.PollInterval(),
		Recorder:     collector,
	})
	if err != nil {
		return errors.Trace(err)
	}

	d.scheduler, err = debounce.NewScheduler(debounce.Config{
		Clock:   d.config.Clock,
		Reactor: d.reactor,
		Logger:  d.config.NewLogger("debounce"),
		Delay:   settings.DebounceDelay(),
		Fire: func(context.Context) {
			d.syncer.Reconcile()
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	devices, err := devicewatcher.NewWorker(devicewatcher.Config{
		UdevDataDir: settings.UdevDataDir(),
		Scanner:     d.source,
		Tracker:     d.tracker,
		Reactor:     d.reactor,
		Debouncer:   d.scheduler,
		Logger:      d.config.NewLogger("devicewatcher"),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := d.add(devices); err != nil {
		return errors.Trace(err)
	}

	manager, err := facade.NewManager(facade.Config{
		Store: d.store,
		Authority: auth.RootOnly{
			AllowNonRoot: settings.AllowNonRoot(),
			Logger:       d.config.NewLogger("auth"),
		},
		Jobs:        d.jobs,
		Waiter:      waiter,
		Debouncer:   d.scheduler,
		Poller:      d.syncer,
		Devices:     block.Operations{Runner: d.config.ToolRunner},
		Logger:      d.config.NewLogger("facade"),
		WaitTimeout: settings.WaitTimeout(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return errors.Annotate(err, "registering metrics")
		}
	}

	socket, err := controlsocket.NewWorker(controlsocket.Config{
		Manager:           controlsocket.NewFacadeManager(manager),
		Objects:           d.store,
		Logger:            d.config.NewLogger("controlsocket"),
		Gatherer:          registry,
		SocketName:        settings.SocketPath(),
		NewSocketListener: controlsocket.NewSocketListener,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := d.add(socket); err != nil {
		return errors.Trace(err)
	}

	if addr := settings.MetricsAddress(); addr != "" {
		server, err := newMetricsServer(addr, registry, d.config.NewLogger("metrics"))
		if err != nil {
			return errors.Trace(err)
		}
		if err := d.add(server); err != nil {
			return errors.Trace(err)
		}
	}

	signals, err := signalhandler.NewSignalWatcher(
		d.config.NewLogger("signalhandler"),
		d.config.Signals,
		signalhandler.DaemonHandler(d.config.NewLogger("signalhandler"), d.flush),
	)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.add(signals))
}

// add hands w to the catacomb, so its failure stops the daemon.
func (d *Daemon) add(w worker.Worker) error {
	d.stoppable = append(d.stoppable, w)
	return d.catacomb.Add(w)
}

// initialScan publishes the block devices present at startup.
func (d *Daemon) initialScan() error {
	infos, err := d.source.Scan()
	if err != nil {
		return errors.Trace(err)
	}
	var syncErr error
	err = d.reactor.Call(d.catacomb.Context(context.Background()), func(context.Context) {
		_, _, syncErr = d.tracker.Sync(infos)
	})
	if err != nil {
		return errors.Trace(err)
	}
	d.logger.Debugf("found %d block devices", len(infos))
	return errors.Annotate(syncErr, "publishing block devices")
}

// flush reconciles straight away.
func (d *Daemon) flush() {
	d.scheduler.TriggerDelayed()
	d.scheduler.FlushNow()
}

// shutdown stops the outer workers first, so nothing new reaches the
// core, then the jobs and the synchronizer while the reactor can still
// unpublish their objects, and the reactor last.
func (d *Daemon) shutdown() {
	for i := len(d.stoppable) - 1; i >= 0; i-- {
		_ = worker.Stop(d.stoppable[i])
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.jobs != nil {
		d.jobs.Shutdown()
	}
	if d.syncer != nil {
		if err := worker.Stop(d.syncer); err != nil {
			d.logger.Errorf("synchronizer stopped: %v", err)
		}
	}
	if d.reactor != nil {
		if err := worker.Stop(d.reactor); err != nil {
			d.logger.Errorf("reactor stopped: %v", err)
		}
	}
	d.logger.Infof("lvmd stopped")
}
