// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the lvmd configuration file.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"
)

const (
	// LoggingConfig is the loggo configuration applied at startup.
	LoggingConfig = "logging-config"

	// LVMBinary is the lvm executable used for queries.
	LVMBinary = "lvm-binary"

	// SocketPath is where the control socket is bound.
	SocketPath = "socket-path"

	// MetricsAddress, when set, is a TCP address that serves /metrics.
	MetricsAddress = "metrics-address"

	// DebounceDelay is how long reconciliation requests are coalesced.
	DebounceDelay = "debounce-delay"

	// PollInterval is the self-poll period of a volume group with an
	// operation in progress.
	PollInterval = "poll-interval"

	// WaitTimeout bounds how long a handler waits for its result to be
	// published.
	WaitTimeout = "wait-timeout"

	// RecheckInterval is how often a pending wait re-evaluates.
	RecheckInterval = "recheck-interval"

	// JobPoolSize bounds the number of threaded jobs run at once.
	JobPoolSize = "job-pool-size"

	// SysfsRoot, DevRoot and UdevDataDir locate the kernel and udev
	// views of the block devices.
	SysfsRoot   = "sysfs-root"
	DevRoot     = "dev-root"
	UdevDataDir = "udev-data-dir"

	// AllowNonRoot lets callers other than root run operations.
	AllowNonRoot = "allow-non-root"
)

// Defaults.
const (
	DefaultLoggingConfig   = "<root>=INFO"
	DefaultLVMBinary       = "lvm"
	DefaultSocketPath      = "/run/lvmd/lvmd.socket"
	DefaultDebounceDelay   = 100 * time.Millisecond
	DefaultPollInterval    = 5 * time.Second
	DefaultWaitTimeout     = 10 * time.Second
	DefaultRecheckInterval = 250 * time.Millisecond
	DefaultJobPoolSize     = 4
	DefaultSysfsRoot       = "/sys"
	DefaultDevRoot         = "/dev"
	DefaultUdevDataDir     = "/run/udev/data"
)

var configChecker = schema.FieldMap(schema.Fields{
	LoggingConfig:   schema.String(),
	LVMBinary:       schema.NonEmptyString(LVMBinary),
	SocketPath:      schema.NonEmptyString(SocketPath),
	MetricsAddress:  schema.String(),
	DebounceDelay:   schema.TimeDurationString(),
	PollInterval:    schema.TimeDurationString(),
	WaitTimeout:     schema.TimeDurationString(),
	RecheckInterval: schema.TimeDurationString(),
	JobPoolSize:     schema.ForceInt(),
	SysfsRoot:       schema.NonEmptyString(SysfsRoot),
	DevRoot:         schema.NonEmptyString(DevRoot),
	UdevDataDir:     schema.NonEmptyString(UdevDataDir),
	AllowNonRoot:    schema.Bool(),
}, schema.Defaults{
	LoggingConfig:   DefaultLoggingConfig,
	LVMBinary:       DefaultLVMBinary,
	SocketPath:      DefaultSocketPath,
	MetricsAddress:  "",
	DebounceDelay:   DefaultDebounceDelay.String(),
	PollInterval:    DefaultPollInterval.String(),
	WaitTimeout:     DefaultWaitTimeout.String(),
	RecheckInterval: DefaultRecheckInterval.String(),
	JobPoolSize:     DefaultJobPoolSize,
	SysfsRoot:       DefaultSysfsRoot,
	DevRoot:         DefaultDevRoot,
	UdevDataDir:     DefaultUdevDataDir,
	AllowNonRoot:    false,
})

// Config holds the daemon settings.
type Config map[string]interface{}

// New coerces attrs against the config schema, filling in defaults for
// anything missing, and validates the result.
func New(attrs map[string]interface{}) (Config, error) {
	if attrs == nil {
		attrs = make(map[string]interface{})
	}
	coerced, err := configChecker.Coerce(attrs, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := Config(coerced.(map[string]interface{}))
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, err := New(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Parse reads a YAML document of settings.
func Parse(data []byte) (Config, error) {
	attrs, err := parseAttrs(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return New(attrs)
}

func parseAttrs(data []byte) (map[string]interface{}, error) {
	var attrs map[string]interface{}
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return nil, errors.Annotate(err, "cannot parse config")
	}
	return attrs, nil
}

// ReadFile reads the settings in the YAML file at path.
func ReadFile(path string) (Config, error) {
	return Load(path, nil)
}

// Load reads the settings in the YAML file at path, if path is not empty,
// and applies overrides on top of them before filling in defaults.
func Load(path string, overrides map[string]interface{}) (Config, error) {
	attrs := make(map[string]interface{})
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if attrs, err = parseAttrs(data); err != nil {
			return nil, errors.Annotatef(err, "reading %s", path)
		}
		if attrs == nil {
			attrs = make(map[string]interface{})
		}
	}
	for key, value := range overrides {
		attrs[key] = value
	}
	cfg, err := New(attrs)
	if err != nil && path != "" {
		return nil, errors.Annotatef(err, "reading %s", path)
	}
	return cfg, errors.Trace(err)
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	for _, key := range []string{DebounceDelay, PollInterval, WaitTimeout, RecheckInterval} {
		if c.duration(key) <= 0 {
			return errors.NotValidf("non-positive %s", key)
		}
	}
	if c.JobPoolSize() < 1 {
		return errors.NotValidf("%s %d", JobPoolSize, c.JobPoolSize())
	}
	return nil
}

func (c Config) str(key string) string {
	s, _ := c[key].(string)
	return s
}

// duration returns the value of key, held as a duration string after
// coercion.
func (c Config) duration(key string) time.Duration {
	switch v := c[key].(type) {
	case time.Duration:
		return v
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	}
	return 0
}

// LoggingConfig returns the loggo configuration string.
func (c Config) LoggingConfig() string {
	return c.str(LoggingConfig)
}

// LVMBinary returns the lvm executable.
func (c Config) LVMBinary() string {
	return c.str(LVMBinary)
}

// SocketPath returns the control socket path.
func (c Config) SocketPath() string {
	return c.str(SocketPath)
}

// MetricsAddress returns the TCP metrics address, or "" when disabled.
func (c Config) MetricsAddress() string {
	return c.str(MetricsAddress)
}

// DebounceDelay returns the reconcile coalescing window.
func (c Config) DebounceDelay() time.Duration {
	return c.duration(DebounceDelay)
}

// PollInterval returns the volume group self-poll period.
func (c Config) PollInterval() time.Duration {
	return c.duration(PollInterval)
}

// WaitTimeout returns the handler wait bound.
func (c Config) WaitTimeout() time.Duration {
	return c.duration(WaitTimeout)
}

// RecheckInterval returns the wait re-evaluation period.
func (c Config) RecheckInterval() time.Duration {
	return c.duration(RecheckInterval)
}

// JobPoolSize returns the threaded job bound.
func (c Config) JobPoolSize() int {
	n, _ := c[JobPoolSize].(int)
	return n
}

// SysfsRoot returns the sysfs mount point.
func (c Config) SysfsRoot() string {
	return c.str(SysfsRoot)
}

// DevRoot returns the device directory.
func (c Config) DevRoot() string {
	return c.str(DevRoot)
}

// UdevDataDir returns the udev database directory.
func (c Config) UdevDataDir() string {
	return c.str(UdevDataDir)
}

// AllowNonRoot reports whether callers other than root are authorized.
func (c Config) AllowNonRoot() bool {
	b, _ := c[AllowNonRoot].(bool)
	return b
}
