// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/anglebinbin/Barista-tool-sub000/lib/clock"
	"github.com/anglebinbin/Barista-tool-sub000/lib/logparse"
	"github.com/anglebinbin/Barista-tool-sub000/lib/scheduler"
)

// DefaultGracePeriod is how long Pause waits for the trainer to write
// its checkpoint before killing it.
const DefaultGracePeriod = time.Second

// DefaultTrainer is the trainer binary looked up on PATH when Config
// names none.
const DefaultTrainer = "caffe"

// Scheduler queues background log parsing. *scheduler.Pool satisfies
// it.
type Scheduler interface {
	Enqueue(job scheduler.Job)
}

// Config configures a Supervisor.
type Config struct {
	// ProjectID names the owning project in the status document.
	ProjectID string

	// ID is the session number within the project. Must be positive.
	ID int

	// Directory is the session directory. Created if missing.
	Directory string

	// Trainer is the trainer binary and TrainerArgs extra arguments
	// appended to every invocation.
	Trainer     string
	TrainerArgs []string

	// GracePeriod bounds how long Pause waits for the checkpoint.
	GracePeriod time.Duration

	// Launcher starts trainer processes. Defaults to ExecLauncher.
	Launcher Launcher

	// Scheduler runs log parsing. When nil, each Start parses on its
	// own goroutine.
	Scheduler Scheduler

	// Parser turns trainer output into records and events. Defaults
	// to the trainer's standard rules.
	Parser *logparse.Parser

	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor owns one local session: its directory, its configuration
// and at most one attached trainer process. A trainer started by an
// earlier supervisor that is still alive is adopted by process group
// instead. It implements Session and scheduler.Job.
type Supervisor struct {
	projectID   string
	id          int
	directory   string
	trainer     string
	trainerArgs []string
	gracePeriod time.Duration
	launcher    Launcher
	scheduler   Scheduler
	parser      *logparse.Parser
	clock       clock.Clock
	logger      *slog.Logger

	observers Observers

	// parseMu serializes log ingestion so replayed and followed
	// records never interleave.
	parseMu    sync.Mutex
	parsedRuns map[int]bool

	mu             sync.Mutex
	uid            string
	dict           StateDict
	iteration      int
	maxIteration   int
	runID          int
	lastCheckpoint string
	lastModel      string
	pretrained     string
	failed         bool
	exitCode       *int
	diverged       bool
	divergedAt     int
	run            *run
	// orphan is the process group of a trainer left running by an
	// earlier supervisor, zero when there is none. It is never set
	// together with run.
	orphan int
	// lastState is the state most recently announced to observers.
	lastState State
}

// run is one trainer process attached to a session.
type run struct {
	id      int
	process Process
	logPath string
	// group is the trainer's process group, zero when the launcher
	// does not report one.
	group int

	// fanoutDone is closed once every output line reached the run log.
	fanoutDone chan struct{}
	// exited is closed after Wait returned; exitCode and waitErr are
	// valid from then on.
	exited   chan struct{}
	exitCode int
	waitErr  error

	// stopRequested is set (under Supervisor.mu) by Pause and Reset
	// before they signal the trainer, so its exit is not mistaken for
	// completion.
	stopRequested bool

	// followed is set (under Supervisor.mu) when a ParseLogs call
	// starts following the run log; parsed is closed when that call
	// returns. settled is set instead when the exit was recorded
	// first, and the log is then replayed like any finished run.
	followed bool
	parsed   chan struct{}
	settled  bool
}

// Open loads the session in config.Directory, creating the directory
// layout and an initial status document when the session is new.
func Open(config Config) (*Supervisor, error) {
	if config.ID <= 0 {
		return nil, fmt.Errorf("session id must be positive, got %d", config.ID)
	}
	if config.Directory == "" {
		return nil, errors.New("session directory is required")
	}
	if config.Trainer == "" {
		config.Trainer = DefaultTrainer
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.Launcher == nil {
		config.Launcher = ExecLauncher{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	logger := config.Logger.With("session_id", config.ID)
	if config.Parser == nil {
		config.Parser = logparse.New(logparse.DefaultRules(), logger)
	}

	for _, directory := range []string{
		config.Directory,
		filepath.Join(config.Directory, LogsDir),
		filepath.Join(config.Directory, SnapshotsDir),
	} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating session directory: %w", err)
		}
	}

	s := &Supervisor{
		projectID:   config.ProjectID,
		id:          config.ID,
		directory:   config.Directory,
		trainer:     config.Trainer,
		trainerArgs: slices.Clone(config.TrainerArgs),
		gracePeriod: config.GracePeriod,
		launcher:    config.Launcher,
		scheduler:   config.Scheduler,
		parser:      config.Parser,
		clock:       config.Clock,
		logger:      logger,
		parsedRuns:  make(map[int]bool),
	}

	status, err := ReadStatus(s.statusPath())
	switch {
	case err == nil:
		s.load(status)
		s.adoptOrphan(status.ProcessGroup)
	case errors.Is(err, os.ErrNotExist):
		s.mu.Lock()
		err = s.persistLocked()
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	s.mu.Lock()
	s.lastState = s.deriveLocked()
	s.mu.Unlock()
	return s, nil
}

func (s *Supervisor) load(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = status.UID
	s.iteration = status.Iteration
	s.maxIteration = status.MaxIter
	s.runID = status.RunID
	s.lastCheckpoint = status.LastSnapshot
	s.lastModel = status.LastModel
	s.pretrained = status.PretrainedWeights
	s.exitCode = status.ExitCode
	s.failed = status.SessionState == Failed.String()
	if status.NetworkState != nil {
		s.dict = *status.NetworkState
	}
	if s.projectID == "" {
		s.projectID = status.ProjectID
	}
}

// ID implements Session.
func (s *Supervisor) ID() int { return s.id }

// SessionID implements scheduler.Job.
func (s *Supervisor) SessionID() int { return s.id }

// Directory returns the session directory.
func (s *Supervisor) Directory() string { return s.directory }

// UID returns the identifier remote peers use for this session, or ""
// if none has been assigned.
func (s *Supervisor) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

// SetUID assigns and persists the remote identifier.
func (s *Supervisor) SetUID(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
	return s.persistLocked()
}

// State implements Session. The state is derived on every call from
// the failure latch, the attached process, the iteration counters, the
// configuration and the checkpoints on disk.
func (s *Supervisor) State(context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deriveLocked(), nil
}

func (s *Supervisor) deriveLocked() State {
	finished := s.maxIteration > 0 && s.iteration >= s.maxIteration
	if s.failed {
		return Failed
	}
	if s.run != nil || s.orphan != 0 {
		if finished {
			return Finished
		}
		return Running
	}
	if len(Validate(s.dict)) > 0 {
		return Invalid
	}
	if finished {
		return Finished
	}
	if names, err := listCheckpoints(s.snapshotsPath()); err == nil && len(names) > 0 {
		return Paused
	}
	return Waiting
}

// Iteration implements Session.
func (s *Supervisor) Iteration(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration, nil
}

// MaxIteration implements Session.
func (s *Supervisor) MaxIteration(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxIteration, nil
}

// RunID returns the number of the most recent run.
func (s *Supervisor) RunID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// LastCheckpoint returns the name of the checkpoint most recently
// written or resumed from.
func (s *Supervisor) LastCheckpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheckpoint
}

// LastModel returns the name of the weights file most recently written.
func (s *Supervisor) LastModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModel
}

// ExitCode returns the last run's exit code, if it ended on its own.
func (s *Supervisor) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// StateDict implements Session. The result is a copy.
func (s *Supervisor) StateDict(context.Context) (StateDict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dict.Clone(), nil
}

// SetStateDict implements Session. The configuration cannot change
// while a trainer is attached. The solver's max_iter, when set,
// becomes the maximum iteration.
func (s *Supervisor) SetStateDict(_ context.Context, dict StateDict) error {
	s.mu.Lock()
	if s.attachedLocked() {
		state := s.deriveLocked()
		s.mu.Unlock()
		return &StateError{Op: "set state dictionary", State: state}
	}
	s.dict = dict.Clone()
	if maxIter, ok := dict.MaxIter(); ok {
		s.maxIteration = maxIter
	}
	err := s.persistLocked()
	s.mu.Unlock()

	s.publishState()
	return err
}

// SetMaxIteration implements Session. It also rewrites the solver's
// max_iter.
func (s *Supervisor) SetMaxIteration(_ context.Context, maxIteration int) error {
	if maxIteration <= 0 {
		return fmt.Errorf("maximum iteration must be positive, got %d", maxIteration)
	}
	s.mu.Lock()
	if s.attachedLocked() {
		state := s.deriveLocked()
		s.mu.Unlock()
		return &StateError{Op: "set maximum iteration", State: state}
	}
	s.maxIteration = maxIteration
	s.dict = s.dict.WithMaxIter(maxIteration)
	err := s.persistLocked()
	s.mu.Unlock()

	s.publishState()
	return err
}

// Start implements Session.
func (s *Supervisor) Start(_ context.Context, checkpoint, pretrained string) error {
	s.mu.Lock()
	if state := s.deriveLocked(); state != Waiting {
		s.mu.Unlock()
		return &StateError{Op: "start", State: state}
	}
	if err := s.writeConfigLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	args := []string{"train", "--solver=" + SolverFile}
	if checkpoint != "" {
		args = append(args, "--snapshot="+checkpointPath(checkpoint))
	}
	if pretrained != "" {
		args = append(args, "--weights="+pretrained)
	}
	if err := s.launchLocked(args); err != nil {
		s.mu.Unlock()
		return err
	}
	if pretrained != "" {
		s.pretrained = pretrained
	}
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persisting session status after start", "error", err)
	}
	s.mu.Unlock()

	s.publishState()
	s.schedule()
	return nil
}

// Pause implements Session. It signals the trainer to checkpoint,
// waits up to the grace period, then kills the trainer's process
// group. The newest checkpoint on disk becomes the resume point and
// sets the iteration; without one the session falls back to WAITING.
func (s *Supervisor) Pause(ctx context.Context) error {
	s.mu.Lock()
	if state := s.deriveLocked(); state != Running {
		s.mu.Unlock()
		return &StateError{Op: "pause", State: state}
	}
	r := s.run
	if r == nil {
		orphan := s.orphan
		s.mu.Unlock()
		return s.stopOrphan(ctx, orphan, true)
	}
	r.stopRequested = true
	s.mu.Unlock()

	if err := s.stop(ctx, r); err != nil {
		return err
	}
	s.finishStop(r)
	return nil
}

// Proceed implements Session.
func (s *Supervisor) Proceed(_ context.Context, checkpoint string) error {
	s.mu.Lock()
	if state := s.deriveLocked(); state != Paused {
		s.mu.Unlock()
		return &StateError{Op: "proceed", State: state}
	}
	if checkpoint == "" {
		newest, err := newestCheckpoint(s.snapshotsPath())
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("listing checkpoints: %w", err)
		}
		checkpoint = newest
	}
	if err := s.writeConfigLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	args := []string{"train", "--solver=" + SolverFile, "--snapshot=" + checkpointPath(checkpoint)}
	if err := s.launchLocked(args); err != nil {
		s.mu.Unlock()
		return err
	}
	s.lastCheckpoint = filepath.Base(checkpoint)
	iterationChanged := false
	if iteration, ok := CheckpointIteration(checkpoint); ok && iteration != s.iteration {
		s.iteration = iteration
		iterationChanged = true
	}
	iteration := s.iteration
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persisting session status after proceed", "error", err)
	}
	s.mu.Unlock()

	if iterationChanged {
		s.observers.Each(func(o Observer) { o.OnIterationChanged(iteration) })
	}
	s.publishState()
	s.schedule()
	return nil
}

// Snapshot implements Session.
func (s *Supervisor) Snapshot(context.Context) error {
	s.mu.Lock()
	if state := s.deriveLocked(); state != Running {
		s.mu.Unlock()
		return &StateError{Op: "snapshot", State: state}
	}
	r, orphan := s.run, s.orphan
	s.mu.Unlock()

	var err error
	if r != nil {
		err = r.process.Signal(SnapshotSignal)
	} else {
		err = signalGroup(orphan, SnapshotSignal)
	}
	if err != nil {
		return fmt.Errorf("requesting snapshot: %w", err)
	}
	return nil
}

// Reset implements Session. It stops any attached trainer the way
// Pause does, deletes run logs, checkpoints (keeping the pretrained
// weights file) and the generated configuration files, zeroes the
// iteration and clears the failure latch.
func (s *Supervisor) Reset(ctx context.Context) error {
	s.mu.Lock()
	r, orphan := s.run, s.orphan
	if r != nil {
		r.stopRequested = true
	}
	s.mu.Unlock()

	if r != nil {
		if err := s.stop(ctx, r); err != nil {
			return err
		}
	}
	if orphan != 0 {
		if err := s.stopOrphan(ctx, orphan, true); err != nil {
			return err
		}
	}

	s.parseMu.Lock()
	defer s.parseMu.Unlock()

	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	err := s.removeGeneratedLocked()
	s.iteration = 0
	s.runID = 0
	s.failed = false
	s.exitCode = nil
	s.diverged = false
	s.lastCheckpoint = ""
	s.lastModel = ""
	s.parsedRuns = make(map[int]bool)
	s.lastState = Undefined
	if persistErr := s.persistLocked(); err == nil {
		err = persistErr
	}
	s.mu.Unlock()

	s.logger.Info("session reset")
	s.observers.Each(func(o Observer) { o.OnIterationChanged(0) })
	s.publishState()
	return err
}

// Snapshots implements Session.
func (s *Supervisor) Snapshots(context.Context) ([]string, error) {
	names, err := listCheckpoints(s.snapshotsPath())
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	return names, nil
}

// Pretrained implements Session.
func (s *Supervisor) Pretrained(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pretrained, nil
}

// CheckFiles implements Session. Relative paths are resolved against
// the session directory, where the trainer runs.
func (s *Supervisor) CheckFiles(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingFilesLocked(), nil
}

func (s *Supervisor) missingFilesLocked() []string {
	files := s.dict.DataSources()
	if s.pretrained != "" {
		files = append(files, s.pretrained)
	}
	var missing []string
	for _, file := range files {
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.directory, path)
		}
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, file)
		}
	}
	return missing
}

// CheckTraining implements Session.
func (s *Supervisor) CheckTraining(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	problems := Validate(s.dict)
	for _, file := range s.missingFilesLocked() {
		problems = append(problems, fmt.Sprintf("missing input file %q", file))
	}
	if s.failed {
		code := -1
		if s.exitCode != nil {
			code = *s.exitCode
		}
		problems = append(problems, fmt.Sprintf("trainer exited with code %d", code))
	}
	if s.diverged {
		problems = append(problems, fmt.Sprintf("training diverged at iteration %d", s.divergedAt))
	}
	return problems, nil
}

// Save implements Session.
func (s *Supervisor) Save(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Subscribe implements Session.
func (s *Supervisor) Subscribe(observer Observer) func() {
	return s.observers.Add(observer)
}

// Close stops any attached trainer without writing a checkpoint and
// waits for it to exit. Used when deleting a session.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	r, orphan := s.run, s.orphan
	if r != nil {
		r.stopRequested = true
	}
	s.mu.Unlock()
	if orphan != 0 {
		return s.stopOrphan(ctx, orphan, false)
	}
	if r == nil {
		return nil
	}
	if err := r.process.Kill(); err != nil {
		s.logger.Warn("killing trainer", "run_id", r.id, "error", err)
	}
	if err := waitRun(ctx, r); err != nil {
		return err
	}
	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()
	return nil
}

// launchLocked starts the trainer with args, attaching it as a new
// run. On failure nothing changes.
func (s *Supervisor) launchLocked(args []string) error {
	runID := s.runID + 1
	logPath := filepath.Join(s.directory, LogsDir, fmt.Sprintf("run_%d.log", runID))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("%w: creating run log: %w", ErrSpawn, err)
	}

	process, err := s.launcher.Launch(LaunchSpec{
		Path:      s.trainer,
		Args:      append(args, s.trainerArgs...),
		Directory: s.directory,
	})
	if err != nil {
		logFile.Close()
		os.Remove(logPath)
		s.logger.Error("spawning trainer failed", "run_id", runID, "error", err)
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	s.runID = runID
	r := &run{
		id:         runID,
		process:    process,
		logPath:    logPath,
		fanoutDone: make(chan struct{}),
		exited:     make(chan struct{}),
		parsed:     make(chan struct{}),
	}
	if leader, ok := process.(GroupLeader); ok {
		r.group = leader.ProcessGroup()
	}
	s.run = r
	s.failed = false
	s.exitCode = nil
	s.diverged = false
	go s.fanout(r, logFile)
	go s.await(r)
	s.logger.Info("trainer started", "run_id", runID, "args", args)
	return nil
}

// fanout copies trainer output line by line into the run log and to
// observers.
func (s *Supervisor) fanout(r *run, logFile *os.File) {
	defer close(r.fanoutDone)
	defer logFile.Close()

	output := r.process.Output()
	if closer, ok := output.(io.Closer); ok {
		defer closer.Close()
	}
	reader := bufio.NewReader(output)
	logFailed := false
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if _, writeErr := logFile.WriteString(line); writeErr != nil && !logFailed {
				s.logger.Error("writing run log", "run_id", r.id, "error", writeErr)
				logFailed = true
			}
			trimmed := strings.TrimRight(line, "\r\n")
			s.observers.Each(func(o Observer) { o.OnLogLine(trimmed) })
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("reading trainer output", "run_id", r.id, "error", err)
			}
			return
		}
	}
}

// await reaps the trainer and records how it exited once its output is
// drained. A parse already following the run log finishes first so
// the log's last records land before the exit; a parse still queued
// behind other sessions is not waited for.
func (s *Supervisor) await(r *run) {
	r.exitCode, r.waitErr = r.process.Wait()
	close(r.exited)
	if r.waitErr != nil {
		s.logger.Warn("waiting for trainer", "run_id", r.id, "error", r.waitErr)
	} else {
		s.logger.Info("trainer exited", "run_id", r.id, "exit_code", r.exitCode)
	}
	<-r.fanoutDone

	s.mu.Lock()
	followed := r.followed
	if !followed {
		r.settled = true
	}
	s.mu.Unlock()
	if followed {
		<-r.parsed
	}
	s.handleExit(r)
}

// stop asks the trainer for a checkpoint, gives it the grace period to
// comply, then kills its process group and waits until the process
// and its output fan-out are gone.
func (s *Supervisor) stop(ctx context.Context, r *run) error {
	if err := r.process.Signal(CheckpointSignal); err != nil {
		s.logger.Warn("requesting checkpoint before stop", "run_id", r.id, "error", err)
	}
	select {
	case <-r.exited:
	case <-s.clock.After(s.gracePeriod):
	case <-ctx.Done():
		return fmt.Errorf("waiting for trainer checkpoint: %w", ctx.Err())
	}
	if err := r.process.Kill(); err != nil {
		s.logger.Warn("killing trainer", "run_id", r.id, "error", err)
	}
	return waitRun(ctx, r)
}

func waitRun(ctx context.Context, r *run) error {
	for _, done := range []chan struct{}{r.exited, r.fanoutDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for trainer to exit: %w", ctx.Err())
		}
	}
	return nil
}

// finishStop detaches a stopped run and adopts the newest checkpoint.
// Safe to call more than once for the same run.
func (s *Supervisor) finishStop(r *run) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.run = nil
	newest, iteration, iterationChanged := s.adoptCheckpointLocked()
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persisting session status after stop", "error", err)
	}
	s.mu.Unlock()

	s.logger.Info("trainer stopped", "run_id", r.id, "checkpoint", newest)
	if iterationChanged {
		s.observers.Each(func(o Observer) { o.OnIterationChanged(iteration) })
	}
	s.publishState()
}

// adoptCheckpointLocked makes the newest checkpoint on disk the resume
// point and moves the iteration to it.
func (s *Supervisor) adoptCheckpointLocked() (newest string, iteration int, changed bool) {
	newest, err := newestCheckpoint(s.snapshotsPath())
	if err != nil {
		s.logger.Warn("listing checkpoints", "error", err)
	}
	if newest != "" {
		s.lastCheckpoint = newest
		if checkpointIteration, ok := CheckpointIteration(newest); ok && checkpointIteration != s.iteration {
			s.iteration = checkpointIteration
			changed = true
		}
	}
	return newest, s.iteration, changed
}

// handleExit records how a run that ended on its own finished: exit
// code 0 completes the session, anything else latches FAILED.
func (s *Supervisor) handleExit(r *run) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	if r.stopRequested {
		s.mu.Unlock()
		s.finishStop(r)
		return
	}
	s.run = nil
	code := r.exitCode
	s.exitCode = &code
	iterationChanged := false
	if r.waitErr == nil && code == 0 {
		if s.iteration < s.maxIteration {
			s.iteration = s.maxIteration
			iterationChanged = true
		}
	} else {
		s.failed = true
		s.logger.Error("trainer failed", "run_id", r.id, "exit_code", code, "error", r.waitErr)
	}
	iteration := s.iteration
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persisting session status after exit", "error", err)
	}
	s.mu.Unlock()

	if iterationChanged {
		s.observers.Each(func(o Observer) { o.OnIterationChanged(iteration) })
	}
	s.publishState()
}

// publishState announces the derived state to observers if it changed
// since the last announcement.
func (s *Supervisor) publishState() {
	s.mu.Lock()
	state := s.deriveLocked()
	changed := state != s.lastState
	s.lastState = state
	s.mu.Unlock()
	if !changed {
		return
	}
	s.logger.Debug("session state changed", "state", state.String())
	s.observers.Each(func(o Observer) { o.OnStateChanged(state) })
}

func (s *Supervisor) schedule() {
	if s.scheduler != nil {
		s.scheduler.Enqueue(s)
		return
	}
	go func() {
		if err := s.ParseLogs(context.Background()); err != nil {
			s.logger.Warn("log parsing failed", "error", err)
		}
	}()
}

func (s *Supervisor) writeConfigLocked() error {
	var network, solver bytes.Buffer
	if err := WriteNet(&network, s.dict); err != nil {
		return fmt.Errorf("generating network definition: %w", err)
	}
	if err := WriteSolver(&solver, s.dict); err != nil {
		return fmt.Errorf("generating solver definition: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.directory, NetFile), network.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing network definition: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.directory, SolverFile), solver.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing solver definition: %w", err)
	}
	return nil
}

// removeGeneratedLocked deletes run logs, checkpoints and generated
// configuration, keeping the pretrained weights file. Every removal is
// attempted; the errors are joined.
func (s *Supervisor) removeGeneratedLocked() error {
	var errs []error
	keep := ""
	if s.pretrained != "" {
		keep = filepath.Base(s.pretrained)
	}

	for _, name := range []string{NetFile, SolverFile} {
		if err := os.Remove(filepath.Join(s.directory, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	logs := filepath.Join(s.directory, LogsDir)
	if err := os.RemoveAll(logs); err != nil {
		errs = append(errs, err)
	}
	if err := os.MkdirAll(logs, 0o755); err != nil {
		errs = append(errs, err)
	}
	entries, err := os.ReadDir(s.snapshotsPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	for _, entry := range entries {
		if entry.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.snapshotsPath(), entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("removing generated files: %w", err)
	}
	return nil
}

func (s *Supervisor) persistLocked() error {
	status := Status{
		SessionState:      s.deriveLocked().String(),
		Iteration:         s.iteration,
		MaxIter:           s.maxIteration,
		ProjectID:         s.projectID,
		LastSnapshot:      s.lastCheckpoint,
		PretrainedWeights: s.pretrained,
		RunID:             s.runID,
		LastModel:         s.lastModel,
		UID:               s.uid,
		ExitCode:          s.exitCode,
		ProcessGroup:      s.orphan,
	}
	if s.run != nil {
		status.ProcessGroup = s.run.group
	}
	if !s.dict.IsZero() {
		dict := s.dict.Clone()
		status.NetworkState = &dict
	}
	return WriteStatus(s.statusPath(), status)
}

func (s *Supervisor) statusPath() string {
	return filepath.Join(s.directory, StatusFile)
}

func (s *Supervisor) snapshotsPath() string {
	return filepath.Join(s.directory, SnapshotsDir)
}

// checkpointPath turns a bare checkpoint name into a path relative to
// the session directory; paths are kept.
func checkpointPath(checkpoint string) string {
	if strings.ContainsRune(checkpoint, filepath.Separator) {
		return checkpoint
	}
	return filepath.Join(SnapshotsDir, checkpoint)
}
