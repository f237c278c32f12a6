// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logparse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/anglebinbin/Barista-tool-sub000/lib/clock"
	"github.com/fsnotify/fsnotify"
)

// DefaultFollowPoll is how long a Follower waits for a write
// notification before re-reading anyway. Some filesystems (network
// mounts, overlay lower layers) never deliver inotify events.
const DefaultFollowPoll = 500 * time.Millisecond

// FollowOptions configures Follow. The zero value is usable.
type FollowOptions struct {
	Clock        clock.Clock
	PollInterval time.Duration
}

// Follower reads a file that another goroutine or process is still
// appending to. At end of file it blocks until the file grows or the
// writer is done; once the writer is done and the file is drained, Read
// returns io.EOF.
type Follower struct {
	ctx     context.Context
	file    *os.File
	watcher *fsnotify.Watcher
	done    <-chan struct{}
	clock   clock.Clock
	poll    time.Duration
}

// Follow opens path for following. writerDone must be closed after the
// writer's last byte reached the file.
func Follow(ctx context.Context, path string, writerDone <-chan struct{}, options FollowOptions) (*Follower, error) {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultFollowPoll
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s for follow: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		file.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}
	return &Follower{
		ctx:     ctx,
		file:    file,
		watcher: watcher,
		done:    writerDone,
		clock:   options.Clock,
		poll:    options.PollInterval,
	}, nil
}

// Read implements io.Reader.
func (f *Follower) Read(p []byte) (int, error) {
	for {
		n, err := f.file.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}

		select {
		case <-f.done:
			// The writer is finished; whatever it wrote is already
			// in the file.
			n, err := f.file.Read(p)
			if n > 0 {
				return n, nil
			}
			if err == nil {
				err = io.EOF
			}
			return 0, err
		case <-f.ctx.Done():
			return 0, f.ctx.Err()
		case event, ok := <-f.watcher.Events:
			if !ok {
				return 0, io.ErrUnexpectedEOF
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return 0, fmt.Errorf("%s: followed file went away", event.Name)
			}
		case err, ok := <-f.watcher.Errors:
			if ok && err != nil {
				return 0, fmt.Errorf("watching %s: %w", f.file.Name(), err)
			}
		case <-f.clock.After(f.poll):
		}
	}
}

// Close releases the file and the watcher.
func (f *Follower) Close() error {
	return errors.Join(f.watcher.Close(), f.file.Close())
}
