// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/anglebinbin/Barista-tool-sub000/lib/clock"
)

// Job is one unit of background parsing, normally a session
// supervisor.
type Job interface {
	// SessionID orders the queue: higher ids run first.
	SessionID() int

	// ParseLogs replays the session's historical logs and follows its
	// live output until the process exits. It may block for a long
	// time.
	ParseLogs(ctx context.Context) error
}

// DefaultPollTimeout is how long an idle worker waits for work per poll.
const DefaultPollTimeout = 500 * time.Millisecond

// DefaultIdlePolls is how many consecutive empty polls end a worker.
const DefaultIdlePolls = 3

// DefaultMaxWorkers returns max(1, NumCPU-2).
func DefaultMaxWorkers() int {
	return max(1, runtime.NumCPU()-2)
}

// Config configures a Pool. The zero value is usable.
type Config struct {
	MaxWorkers  int
	PollTimeout time.Duration
	IdlePolls   int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Pool is the bounded scheduler. It is safe for concurrent use.
type Pool struct {
	maxWorkers  int
	pollTimeout time.Duration
	idlePolls   int
	clock       clock.Clock
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     jobQueue
	sequence  uint64
	activated bool
	onIdle    func()
	// workers counts live worker goroutines; waiting counts those
	// currently blocked in a poll.
	workers int
	waiting int
	// wake is closed and replaced on every enqueue.
	wake chan struct{}

	wg sync.WaitGroup
}

// New returns an inactive Pool. Jobs may be enqueued before Activate.
func New(config Config) *Pool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultMaxWorkers()
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.IdlePolls <= 0 {
		config.IdlePolls = DefaultIdlePolls
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		maxWorkers:  config.MaxWorkers,
		pollTimeout: config.PollTimeout,
		idlePolls:   config.IdlePolls,
		clock:       config.Clock,
		logger:      config.Logger,
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}),
	}
}

// MaxWorkers returns the concurrency bound.
func (p *Pool) MaxWorkers() int { return p.maxWorkers }

// Enqueue adds job to the queue. After activation it starts another
// worker when every live worker is busy and the bound allows it.
func (p *Pool) Enqueue(job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequence++
	heap.Push(&p.queue, &queuedJob{job: job, id: job.SessionID(), sequence: p.sequence})
	close(p.wake)
	p.wake = make(chan struct{})
	if p.activated && p.ctx.Err() == nil && p.waiting < len(p.queue) && p.workers < p.maxWorkers {
		p.startWorkerLocked()
	}
}

// Activate starts min(queue depth, MaxWorkers) workers. onIdle, if not
// nil, runs each time the last live worker exits for lack of work.
// Calls after the first are no-ops.
func (p *Pool) Activate(onIdle func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activated {
		return
	}
	p.activated = true
	p.onIdle = onIdle
	for range min(len(p.queue), p.maxWorkers) {
		p.startWorkerLocked()
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Workers returns the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Close cancels running jobs and waits for every worker to exit.
// Queued jobs are dropped.
func (p *Pool) Close() {
	p.cancel()
	p.mu.Lock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) startWorkerLocked() {
	p.workers++
	p.wg.Add(1)
	go p.work()
}

func (p *Pool) work() {
	defer p.wg.Done()
	empty := 0
	for {
		job, ok := p.pop()
		if !ok {
			empty++
			if p.retire(empty) {
				return
			}
			continue
		}
		empty = 0
		p.run(job)
	}
}

// pop takes the highest-priority job, waiting up to one poll timeout.
func (p *Pool) pop() (Job, bool) {
	p.mu.Lock()
	if len(p.queue) > 0 {
		job := heap.Pop(&p.queue).(*queuedJob).job
		p.mu.Unlock()
		return job, true
	}
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return nil, false
	}
	wake := p.wake
	p.waiting++
	p.mu.Unlock()

	timeout := p.clock.After(p.pollTimeout)
	select {
	case <-wake:
	case <-timeout:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiting--
	if len(p.queue) > 0 && p.ctx.Err() == nil {
		return heap.Pop(&p.queue).(*queuedJob).job, true
	}
	return nil, false
}

// retire decides whether a worker with empty consecutive empty polls
// exits, and does the bookkeeping when it does.
func (p *Pool) retire(empty int) bool {
	p.mu.Lock()
	if p.ctx.Err() == nil && empty < p.idlePolls {
		p.mu.Unlock()
		return false
	}
	if len(p.queue) > 0 && p.ctx.Err() == nil {
		p.mu.Unlock()
		return false
	}
	p.workers--
	last := p.workers == 0
	onIdle := p.onIdle
	closed := p.ctx.Err() != nil
	p.mu.Unlock()

	if last && !closed && onIdle != nil {
		onIdle()
	}
	return true
}

func (p *Pool) run(job Job) {
	logger := p.logger.With("session_id", job.SessionID())
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("log parsing panicked", "panic", fmt.Sprint(recovered))
		}
	}()
	if err := job.ParseLogs(p.ctx); err != nil && p.ctx.Err() == nil {
		logger.Warn("log parsing failed", "error", err)
	}
}

type queuedJob struct {
	job      Job
	id       int
	sequence uint64
}

// jobQueue is a max-heap on session id; equal ids keep enqueue order.
type jobQueue []*queuedJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].id != q[j].id {
		return q[i].id > q[j].id
	}
	return q[i].sequence < q[j].sequence
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*queuedJob)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
