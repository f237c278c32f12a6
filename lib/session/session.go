// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"slices"
	"sync"

	"github.com/anglebinbin/Barista-tool-sub000/lib/logparse"
)

// Session is the operation surface shared by local supervisors and
// remote proxies. Every operation returns an error with a
// human-readable reason and leaves the last known state intact on
// failure.
type Session interface {
	// ID is the session's number within its project.
	ID() int

	State(ctx context.Context) (State, error)
	Iteration(ctx context.Context) (int, error)
	MaxIteration(ctx context.Context) (int, error)
	SetMaxIteration(ctx context.Context, maxIteration int) error
	StateDict(ctx context.Context) (StateDict, error)
	SetStateDict(ctx context.Context, dict StateDict) error

	// Start launches the trainer, optionally resuming from checkpoint
	// or initializing from pretrained weights. Requires WAITING.
	Start(ctx context.Context, checkpoint, pretrained string) error

	// Pause asks the trainer for a checkpoint, then stops it.
	// Requires RUNNING.
	Pause(ctx context.Context) error

	// Proceed resumes a paused session from checkpoint, or from the
	// newest checkpoint when checkpoint is empty. Requires PAUSED.
	Proceed(ctx context.Context, checkpoint string) error

	// Snapshot asks a running trainer to write a checkpoint without
	// stopping.
	Snapshot(ctx context.Context) error

	// Reset stops the trainer and deletes every generated file, so
	// the session starts over from its configuration.
	Reset(ctx context.Context) error

	// Snapshots lists checkpoint names, oldest first.
	Snapshots(ctx context.Context) ([]string, error)
	Pretrained(ctx context.Context) (string, error)

	// CheckFiles returns the input files the configuration references
	// that do not exist.
	CheckFiles(ctx context.Context) ([]string, error)

	// CheckTraining returns every problem that prevents or spoils
	// training: configuration violations, missing inputs, a failed
	// exit, a diverged loss. An empty result means healthy.
	CheckTraining(ctx context.Context) ([]string, error)

	// Save persists the status document.
	Save(ctx context.Context) error

	// Subscribe registers observer until the returned function is
	// called.
	Subscribe(observer Observer) (unsubscribe func())
}

// Observer receives a session's notifications. Callbacks run on the
// goroutine that caused the change and must not block; they may call
// back into the session.
type Observer interface {
	OnStateChanged(state State)
	OnIterationChanged(iteration int)
	OnSnapshotAdded(checkpoint string)
	OnLogLine(line string)
	OnParserRecord(phase logparse.Phase, row logparse.Row)
	OnParserEvent(name, line string, captures []string)
	OnParserKey(phase logparse.Phase, key string)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are
// ignored.
type ObserverFuncs struct {
	StateChanged     func(State)
	IterationChanged func(int)
	SnapshotAdded    func(string)
	LogLine          func(string)
	ParserRecord     func(logparse.Phase, logparse.Row)
	ParserEvent      func(name, line string, captures []string)
	ParserKey        func(logparse.Phase, string)
}

func (f ObserverFuncs) OnStateChanged(state State) {
	if f.StateChanged != nil {
		f.StateChanged(state)
	}
}

func (f ObserverFuncs) OnIterationChanged(iteration int) {
	if f.IterationChanged != nil {
		f.IterationChanged(iteration)
	}
}

func (f ObserverFuncs) OnSnapshotAdded(checkpoint string) {
	if f.SnapshotAdded != nil {
		f.SnapshotAdded(checkpoint)
	}
}

func (f ObserverFuncs) OnLogLine(line string) {
	if f.LogLine != nil {
		f.LogLine(line)
	}
}

func (f ObserverFuncs) OnParserRecord(phase logparse.Phase, row logparse.Row) {
	if f.ParserRecord != nil {
		f.ParserRecord(phase, row)
	}
}

func (f ObserverFuncs) OnParserEvent(name, line string, captures []string) {
	if f.ParserEvent != nil {
		f.ParserEvent(name, line, captures)
	}
}

func (f ObserverFuncs) OnParserKey(phase logparse.Phase, key string) {
	if f.ParserKey != nil {
		f.ParserKey(phase, key)
	}
}

// Observers is a registry of subscribed observers. The zero value is
// ready to use. Remote proxies reuse it for their push fan-out.
type Observers struct {
	mu        sync.Mutex
	next      int
	observers map[int]Observer
}

// Add registers observer and returns its removal function.
func (o *Observers) Add(observer Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.observers == nil {
		o.observers = make(map[int]Observer)
	}
	o.next++
	id := o.next
	o.observers[id] = observer
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.observers, id)
	}
}

// Each calls fn for every registered observer in subscription order,
// without holding the registry lock.
func (o *Observers) Each(fn func(Observer)) {
	o.mu.Lock()
	ids := make([]int, 0, len(o.observers))
	for id := range o.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	snapshot := make([]Observer, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, o.observers[id])
	}
	o.mu.Unlock()
	for _, observer := range snapshot {
		fn(observer)
	}
}
