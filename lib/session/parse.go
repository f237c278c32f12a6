// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/anglebinbin/Barista-tool-sub000/lib/logparse"
)

// ParseLogs implements scheduler.Job. It replays every run log not yet
// parsed, then follows the attached run's log until the trainer's
// output ends. Each run log is parsed exactly once. The trainer's exit
// is recorded by the supervisor itself, so a parse that waits in the
// queue behind other sessions never delays it; a run whose exit was
// recorded first is replayed like any finished run.
func (s *Supervisor) ParseLogs(ctx context.Context) error {
	s.parseMu.Lock()
	defer s.parseMu.Unlock()

	s.mu.Lock()
	current := s.run
	if current != nil && (current.settled || s.parsedRuns[current.id]) {
		current = nil
	}
	var historical []int
	for id := 1; id <= s.runID; id++ {
		if s.parsedRuns[id] || (current != nil && id == current.id) {
			continue
		}
		historical = append(historical, id)
		s.parsedRuns[id] = true
	}
	if current != nil {
		s.parsedRuns[current.id] = true
		current.followed = true
		defer close(current.parsed)
	}
	s.mu.Unlock()

	var streams []logparse.Stream
	var closers []io.Closer
	defer func() {
		for _, closer := range closers {
			closer.Close()
		}
	}()

	for _, id := range historical {
		path := filepath.Join(s.directory, LogsDir, fmt.Sprintf("run_%d.log", id))
		file, err := os.Open(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("opening run log", "run_id", id, "error", err)
			}
			continue
		}
		closers = append(closers, file)
		streams = append(streams, logparse.Stream{Name: filepath.Base(path), Reader: file})
	}

	if current != nil {
		follower, err := logparse.Follow(ctx, current.logPath, current.fanoutDone, logparse.FollowOptions{})
		if err != nil {
			s.logger.Warn("following run log", "run_id", current.id, "error", err)
			current = nil
		} else {
			closers = append(closers, follower)
			streams = append(streams, logparse.Stream{Name: filepath.Base(current.logPath), Reader: follower})
		}
	}

	if len(streams) == 0 {
		return nil
	}
	return s.parser.Parse(ctx, streams, &parseListener{supervisor: s, run: current})
}

// parseListener applies parse results to a supervisor. Results for a
// run that has since been detached still reach observers but no longer
// change the session.
type parseListener struct {
	supervisor *Supervisor
	// run is the followed run, nil when only replaying.
	run *run
}

func (l *parseListener) appliesLocked() bool {
	return l.run == nil || l.supervisor.run == l.run
}

func (l *parseListener) OnRecord(phase logparse.Phase, row logparse.Row) {
	s := l.supervisor
	iteration, hasIteration := row.Iteration()

	s.mu.Lock()
	changed := false
	// The iteration follows the training phase: test rows are
	// flushed late and would move it backwards. A replay only moves
	// it forwards so it cannot undo a recorded completion.
	if l.appliesLocked() && phase == logparse.PhaseTrain && hasIteration {
		if iteration != s.iteration && (l.run != nil || iteration > s.iteration) {
			s.iteration = iteration
			changed = true
		}
		if loss, ok := row["loss"]; ok && (math.IsNaN(loss) || math.IsInf(loss, 0)) && !s.diverged {
			s.diverged = true
			s.divergedAt = iteration
			s.logger.Warn("training loss diverged", "iteration", iteration)
		}
	}
	current := s.iteration
	s.mu.Unlock()

	s.observers.Each(func(o Observer) { o.OnParserRecord(phase, row) })
	if changed {
		s.observers.Each(func(o Observer) { o.OnIterationChanged(current) })
		s.publishState()
	}
}

func (l *parseListener) OnEvent(name, line string, captures []string) {
	s := l.supervisor
	var snapshot string
	iterationChanged := false

	s.mu.Lock()
	if l.appliesLocked() {
		switch name {
		case logparse.EventOptimizationDone:
			if s.maxIteration > 0 && s.iteration != s.maxIteration {
				s.iteration = s.maxIteration
				iterationChanged = true
			}
		case logparse.EventCheckpointWritten:
			if len(captures) > 0 {
				snapshot = filepath.Base(captures[0])
				s.lastCheckpoint = snapshot
				if err := s.persistLocked(); err != nil {
					s.logger.Warn("persisting session status after checkpoint", "error", err)
				}
			}
		case logparse.EventModelWritten:
			if len(captures) > 0 {
				s.lastModel = filepath.Base(captures[0])
			}
		case logparse.EventMaxIteration:
			if len(captures) > 0 {
				if maxIteration, err := strconv.Atoi(captures[0]); err == nil && maxIteration > 0 {
					s.maxIteration = maxIteration
				}
			}
		}
	}
	iteration := s.iteration
	s.mu.Unlock()

	s.observers.Each(func(o Observer) { o.OnParserEvent(name, line, captures) })
	if snapshot != "" {
		s.logger.Info("checkpoint written", "checkpoint", snapshot)
		s.observers.Each(func(o Observer) { o.OnSnapshotAdded(snapshot) })
	}
	if iterationChanged {
		s.observers.Each(func(o Observer) { o.OnIterationChanged(iteration) })
	}
	s.publishState()
}

func (l *parseListener) OnNewKey(phase logparse.Phase, key string) {
	l.supervisor.observers.Each(func(o Observer) { o.OnParserKey(phase, key) })
}

// OnStreamsExhausted has nothing to do: the exit is recorded by the
// supervisor once this parse returns.
func (l *parseListener) OnStreamsExhausted() {}
