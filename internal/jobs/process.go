// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jobs

import (
	"bytes"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/juju/errors"
)

// Command describes an external process to run.
type Command struct {
	Argv  []string
	Stdin []byte

	// RunAsUID and RunAsEUID select the real and effective user the
	// process runs as. Zero for both runs it as root.
	RunAsUID  uint32
	RunAsEUID uint32
}

// ExitInfo describes how a process terminated and what it wrote.
type ExitInfo struct {
	// Status is the exit status, or -1 when the process was killed by a
	// signal or could not be waited for.
	Status int

	// Signal is the terminating signal when Signaled is true.
	Signaled bool
	Signal   syscall.Signal

	Stdout []byte
	Stderr []byte

	// Err is set when waiting failed for a reason other than a non-zero
	// exit.
	Err error
}

// Succeeded reports whether the process exited with status 0.
func (e ExitInfo) Succeeded() bool {
	return e.Err == nil && !e.Signaled && e.Status == 0
}

// Process is a started external process.
type Process interface {
	// Wait blocks until the process exits and returns how it exited.
	// It must only be called once.
	Wait() ExitInfo

	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
}

// ProcessRunner starts external processes.
type ProcessRunner interface {
	Start(cmd Command) (Process, error)
}

// NewExecRunner returns a ProcessRunner that starts real processes.
func NewExecRunner() ProcessRunner {
	return execRunner{}
}

type execRunner struct{}

// Start is part of the ProcessRunner interface.
func (execRunner) Start(command Command) (Process, error) {
	if len(command.Argv) == 0 {
		return nil, errors.NotValidf("empty command")
	}
	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	p := &execProcess{cmd: cmd}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	if command.Stdin != nil {
		cmd.Stdin = bytes.NewReader(command.Stdin)
	}

	cred, err := credentialFor(command.RunAsUID, command.RunAsEUID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

func credentialFor(uid, euid uint32) (*syscall.Credential, error) {
	if uid != euid {
		return nil, errors.NotSupportedf("running with real uid %d and effective uid %d", uid, euid)
	}
	if int(uid) == os.Geteuid() {
		return nil, nil
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, errors.Annotatef(err, "looking up uid %d", uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing gid of uid %d", uid)
	}
	return &syscall.Credential{Uid: uid, Gid: uint32(gid)}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// Wait is part of the Process interface.
func (p *execProcess) Wait() ExitInfo {
	err := p.cmd.Wait()
	info := ExitInfo{
		Stdout: p.stdout.Bytes(),
		Stderr: p.stderr.Bytes(),
	}
	if err == nil {
		return info
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				info.Status = noStatus
				info.Signaled = true
				info.Signal = status.Signal()
				return info
			}
			info.Status = status.ExitStatus()
			return info
		}
		info.Status = exitErr.ExitCode()
		return info
	}
	info.Status = noStatus
	info.Err = err
	return info
}

// Signal is part of the Process interface.
func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(sig)
}
