// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"io"
	"slices"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// fakeProcess is a trainer whose output and exit the test controls.
type fakeProcess struct {
	spec   LaunchSpec
	output *io.PipeReader
	writer *io.PipeWriter
	exit   chan int
	once   sync.Once

	mu       sync.Mutex
	signals  []unix.Signal
	onSignal func(unix.Signal)
}

func newFakeProcess(spec LaunchSpec) *fakeProcess {
	reader, writer := io.Pipe()
	return &fakeProcess{spec: spec, output: reader, writer: writer, exit: make(chan int, 1)}
}

func (p *fakeProcess) Output() io.Reader { return p.output }

func (p *fakeProcess) Signal(sig unix.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	hook := p.onSignal
	p.mu.Unlock()
	if hook != nil {
		hook(sig)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.signals = append(p.signals, unix.SIGKILL)
	p.mu.Unlock()
	p.finish(-1)
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

// emit writes one line of trainer output.
func (p *fakeProcess) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.writer, line+"\n"); err != nil {
		t.Fatalf("writing trainer output: %v", err)
	}
}

// finish closes the output and exits with code. Later calls are
// ignored.
func (p *fakeProcess) finish(code int) {
	p.once.Do(func() {
		p.writer.Close()
		p.exit <- code
	})
}

func (p *fakeProcess) received(sig unix.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.signals, sig)
}

func (p *fakeProcess) setOnSignal(hook func(unix.Signal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSignal = hook
}

// fakeLauncher hands out fakeProcesses and remembers them.
type fakeLauncher struct {
	mu        sync.Mutex
	err       error
	processes []*fakeProcess
	launched  chan *fakeProcess
}

func newFakeLauncher(t *testing.T) *fakeLauncher {
	launcher := &fakeLauncher{launched: make(chan *fakeProcess, 16)}
	t.Cleanup(func() {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		for _, process := range launcher.processes {
			process.finish(-1)
		}
	})
	return launcher
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	process := newFakeProcess(spec)
	l.processes = append(l.processes, process)
	l.launched <- process
	return process, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processes)
}

var errNoSuchBinary = errors.New("no such binary")
