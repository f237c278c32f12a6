// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signals understood by the trainer.
const (
	// CheckpointSignal asks the trainer to write a checkpoint and
	// stop.
	CheckpointSignal = unix.SIGINT

	// SnapshotSignal asks the trainer to write a checkpoint and keep
	// going.
	SnapshotSignal = unix.SIGHUP
)

// LaunchSpec describes one trainer invocation.
type LaunchSpec struct {
	Path      string
	Args      []string
	Directory string
}

// Launcher starts trainer processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// Process is a running trainer.
type Process interface {
	// Output is the trainer's combined stdout and stderr. It reaches
	// EOF once the trainer and everything it spawned have exited.
	Output() io.Reader

	// Signal delivers sig to the trainer's process group.
	Signal(sig unix.Signal) error

	// Kill force-terminates the trainer's process group.
	Kill() error

	// Wait blocks until the trainer exits and returns its exit code.
	// A trainer killed by a signal reports -1. Wait must be called
	// exactly once.
	Wait() (int, error)
}

// GroupLeader is implemented by processes that lead their own process
// group.
type GroupLeader interface {
	ProcessGroup() int
}

// ExecLauncher runs trainers as child processes, each in its own
// process group so signals reach every process the trainer spawns.
type ExecLauncher struct {
	// Env, when non-nil, replaces the inherited environment.
	Env []string
}

// Launch implements Launcher. The trainer is deliberately not bound to
// any request context: it outlives the call that started it.
func (l ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Directory
	cmd.Env = l.Env
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Path, err)
	}
	// The child holds its own copy of the write end; closing ours
	// lets the reader see EOF when the child's group is gone.
	writer.Close()
	return &execProcess{cmd: cmd, output: reader}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	output *os.File
}

func (p *execProcess) Output() io.Reader { return p.output }

// ProcessGroup implements GroupLeader. Setpgid makes the group id the
// trainer's pid.
func (p *execProcess) ProcessGroup() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig unix.Signal) error {
	return signalGroup(p.cmd.Process.Pid, sig)
}

// signalGroup delivers sig to every process in group pgid. A group
// that is already gone is not an error.
func signalGroup(pgid int, sig unix.Signal) error {
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signaling process group %d: %w", pgid, err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	return p.Signal(unix.SIGKILL)
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), nil
	}
	return -1, err
}
