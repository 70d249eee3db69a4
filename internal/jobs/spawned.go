// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jobs

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"
)

// SpawnParams describes a spawned job.
type SpawnParams struct {
	Operation    string
	StartedByUID uint32

	// Objects are the paths of the objects the job pertains to.
	Objects []string

	// CommandLine is split like a shell would, without expansion. It is
	// ignored when Argv is set.
	CommandLine string
	Argv        []string
	Stdin       []byte
	RunAsUID    uint32
	RunAsEUID   uint32

	// OnExit, if set, sees the raw outcome of the process before the
	// job completes. A non-nil Completion replaces the default outcome.
	OnExit func(ExitInfo) *Completion
}

func (p SpawnParams) argv() ([]string, error) {
	if len(p.Argv) > 0 {
		return p.Argv, nil
	}
	argv, err := shellquote.Split(p.CommandLine)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing command line %q", p.CommandLine)
	}
	if len(argv) == 0 {
		return nil, errors.NotValidf("empty command line")
	}
	return argv, nil
}

func (p SpawnParams) display(argv []string) string {
	if p.CommandLine != "" {
		return p.CommandLine
	}
	return shellquote.Join(argv...)
}

// Launch starts a spawned job. The job is cancelled when ctx is. If ctx
// is already cancelled the process is never started and the job fails.
func (m *Manager) Launch(ctx context.Context, p SpawnParams) (*Job, error) {
	argv, err := p.argv()
	if err != nil {
		return nil, errors.Trace(err)
	}
	j, err := m.newJob(ctx, kindSpawned, params{
		operation:    p.Operation,
		startedByUID: p.StartedByUID,
		objects:      p.Objects,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	commandLine := p.display(argv)

	if j.ctx.Err() != nil {
		m.finish(j, Result{Status: noStatus, Message: cancelledMessage}, true)
		return j, nil
	}

	proc, err := m.config.Runner.Start(Command{
		Argv:      argv,
		Stdin:     p.Stdin,
		RunAsUID:  p.RunAsUID,
		RunAsEUID: p.RunAsEUID,
	})
	if err != nil {
		m.finish(j, Result{
			Status:  noStatus,
			Message: fmt.Sprintf("Error spawning command-line `%s': %v", commandLine, err),
		}, false)
		return j, nil
	}
	j.setState(StateRunning)

	go m.watchProcess(j, proc, p.OnExit, commandLine)
	return j, nil
}

func (m *Manager) watchProcess(j *Job, proc Process, onExit func(ExitInfo) *Completion, commandLine string) {
	exited := make(chan ExitInfo, 1)
	go func() {
		exited <- proc.Wait()
	}()

	var info ExitInfo
	cancelled := false
	select {
	case info = <-exited:
	case <-j.ctx.Done():
		cancelled = true
		m.config.Logger.Debugf("cancelling job %d, sending SIGTERM", j.id)
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			m.config.Logger.Debugf("signalling job %d: %v", j.id, err)
		}
		select {
		case info = <-exited:
		case <-m.config.Clock.After(m.config.KillGrace):
			m.config.Logger.Warningf("job %d ignored SIGTERM, sending SIGKILL", j.id)
			_ = proc.Signal(syscall.SIGKILL)
			info = <-exited
		}
	}

	if cancelled {
		m.finish(j, Result{Status: info.Status, Message: cancelledMessage}, true)
		return
	}

	result := Result{
		Success: info.Succeeded(),
		Status:  info.Status,
		Message: exitMessage(commandLine, info),
	}
	if onExit != nil {
		if c := onExit(info); c != nil {
			result.Success = c.Success
			result.Message = c.Message
		}
	}
	m.finish(j, result, false)
}

// exitMessage composes the default completion message for a process.
func exitMessage(commandLine string, info ExitInfo) string {
	stderr := strings.TrimSpace(string(info.Stderr))
	switch {
	case info.Err != nil:
		return fmt.Sprintf("Command-line `%s' failed: %v: %s", commandLine, info.Err, stderr)
	case info.Signaled:
		return fmt.Sprintf("Command-line `%s' was signaled with signal %s (%d): %s",
			commandLine, info.Signal, int(info.Signal), stderr)
	case info.Status != 0:
		return fmt.Sprintf("Command-line `%s' exited with non-zero exit status %d: %s",
			commandLine, info.Status, stderr)
	}
	return ""
}
