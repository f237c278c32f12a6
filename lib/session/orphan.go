// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// orphanPollInterval is how often an adopted trainer is checked
	// for exit while nobody is stopping it.
	orphanPollInterval = time.Second

	// orphanStopPoll is how often Pause, Reset and Close check an
	// adopted trainer they signaled.
	orphanStopPoll = 20 * time.Millisecond
)

// attachedLocked reports whether a trainer is running for this
// session, launched here or adopted.
func (s *Supervisor) attachedLocked() bool {
	return s.run != nil || s.orphan != 0
}

// adoptOrphan takes over a trainer recorded in the status document
// whose process group is still alive in the session directory. The
// session reads RUNNING until that trainer exits or is stopped.
func (s *Supervisor) adoptOrphan(pgid int) {
	if pgid == 0 || !groupAlive(pgid, s.directory) {
		return
	}
	s.mu.Lock()
	s.orphan = pgid
	s.mu.Unlock()
	s.logger.Warn("adopting trainer left running by an earlier host", "process_group", pgid)
	go s.watchOrphan(pgid)
}

// watchOrphan releases the adopted trainer once its group is gone.
func (s *Supervisor) watchOrphan(pgid int) {
	for {
		<-s.clock.After(orphanPollInterval)
		s.mu.Lock()
		adopted := s.orphan == pgid
		s.mu.Unlock()
		if !adopted {
			return
		}
		if !groupAlive(pgid, s.directory) {
			s.releaseOrphan(pgid)
			return
		}
	}
}

// stopOrphan ends an adopted trainer the way stop ends a launched one:
// with checkpoint set it asks for a checkpoint and allows the grace
// period, then it kills the group and waits for it to disappear.
func (s *Supervisor) stopOrphan(ctx context.Context, pgid int, checkpoint bool) error {
	gone := false
	if checkpoint {
		if err := signalGroup(pgid, CheckpointSignal); err != nil {
			s.logger.Warn("requesting checkpoint from adopted trainer", "process_group", pgid, "error", err)
		}
		var err error
		if gone, err = s.waitGroupGone(ctx, pgid, s.clock.After(s.gracePeriod)); err != nil {
			return err
		}
	}
	if !gone {
		if err := signalGroup(pgid, unix.SIGKILL); err != nil {
			return fmt.Errorf("killing adopted trainer: %w", err)
		}
		if _, err := s.waitGroupGone(ctx, pgid, nil); err != nil {
			return err
		}
	}
	s.releaseOrphan(pgid)
	return nil
}

// waitGroupGone polls until group pgid is gone, deadline fires or ctx
// ends. A nil deadline never fires.
func (s *Supervisor) waitGroupGone(ctx context.Context, pgid int, deadline <-chan time.Time) (bool, error) {
	for groupAlive(pgid, s.directory) {
		select {
		case <-s.clock.After(orphanStopPoll):
		case <-deadline:
			return false, nil
		case <-ctx.Done():
			return false, fmt.Errorf("waiting for adopted trainer to exit: %w", ctx.Err())
		}
	}
	return true, nil
}

// releaseOrphan detaches an adopted trainer that is gone and adopts
// the newest checkpoint it left behind. Its exit code is unknown, so
// the failure latch is left alone.
func (s *Supervisor) releaseOrphan(pgid int) {
	s.mu.Lock()
	if s.orphan != pgid {
		s.mu.Unlock()
		return
	}
	s.orphan = 0
	newest, iteration, iterationChanged := s.adoptCheckpointLocked()
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persisting session status after adopted trainer exited", "error", err)
	}
	s.mu.Unlock()

	s.logger.Info("adopted trainer gone", "process_group", pgid, "checkpoint", newest)
	if iterationChanged {
		s.observers.Each(func(o Observer) { o.OnIterationChanged(iteration) })
	}
	s.publishState()
}

// groupAlive reports whether process group pgid exists, belongs to
// this user and, when its leader is still there, runs in directory. A
// recycled id led by an unrelated process fails the directory check.
func groupAlive(pgid int, directory string) bool {
	if pgid <= 0 {
		return false
	}
	if err := unix.Kill(-pgid, 0); err != nil {
		return false
	}
	cwd, err := os.Readlink(filepath.Join("/proc", strconv.Itoa(pgid), "cwd"))
	if err != nil {
		// The leader is gone but other members remain.
		return true
	}
	want, err := filepath.Abs(directory)
	if err != nil {
		return true
	}
	if resolved, err := filepath.EvalSymlinks(want); err == nil {
		want = resolved
	}
	return cwd == want
}
