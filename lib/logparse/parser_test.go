// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logparse

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type recordingListener struct {
	records   []recorded
	events    []string
	captures  [][]string
	keys      []string
	exhausted int
}

type recorded struct {
	phase Phase
	row   Row
}

func (l *recordingListener) OnRecord(phase Phase, row Row) {
	l.records = append(l.records, recorded{phase, row})
}

func (l *recordingListener) OnEvent(name, line string, captures []string) {
	l.events = append(l.events, name)
	l.captures = append(l.captures, captures)
}

func (l *recordingListener) OnNewKey(phase Phase, key string) {
	l.keys = append(l.keys, string(phase)+"/"+key)
}

func (l *recordingListener) OnStreamsExhausted() { l.exhausted++ }

const trainerLog = `I1019 10:00:00.000000  42 solver.cpp:48] Initializing solver from parameters:
max_iter: 1000
I1019 10:00:01.000000  42 solver.cpp:228] Iteration 0, loss = 2.3
I1019 10:00:01.000000  42 solver.cpp:244]     Train net output #0: loss = 2.3 (* 1 = 2.3 loss)
I1019 10:00:01.000000  42 sgd_solver.cpp:106] Iteration 0, lr = 0.01
I1019 10:00:02.000000  42 solver.cpp:337] Iteration 100, Testing net (#0)
I1019 10:00:02.000000  42 solver.cpp:404]     Test net output #0: accuracy = 0.91
I1019 10:00:02.000000  42 solver.cpp:228] Iteration 100 (50 iter/s, 2s/100 iters), loss = 0.4
I1019 10:00:03.000000  42 solver.cpp:454] Snapshotting to binary proto file snapshots/_iter_100.caffemodel
I1019 10:00:03.000000  42 sgd_solver.cpp:273] Snapshotting solver state to binary proto file snapshots/_iter_100.solverstate
I1019 10:00:03.000000  42 solver.cpp:326] Optimization Done.
`

func TestParseDefaultRules(t *testing.T) {
	listener := &recordingListener{}
	parser := New(DefaultRules(), nil)
	err := parser.Parse(context.Background(), []Stream{{Name: "run_1.log", Reader: strings.NewReader(trainerLog)}}, listener)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	wantEvents := []string{EventMaxIteration, EventModelWritten, EventCheckpointWritten, EventOptimizationDone}
	if strings.Join(listener.events, ",") != strings.Join(wantEvents, ",") {
		t.Errorf("events = %v, want %v", listener.events, wantEvents)
	}
	if got := listener.captures[0]; len(got) != 1 || got[0] != "1000" {
		t.Errorf("max_iter captures = %v, want [1000]", got)
	}
	if got := listener.captures[2]; len(got) != 1 || got[0] != "snapshots/_iter_100.solverstate" {
		t.Errorf("checkpoint captures = %v", got)
	}

	if len(listener.records) != 3 {
		t.Fatalf("records = %+v, want 3", listener.records)
	}
	first := listener.records[0]
	if first.phase != PhaseTrain || first.row[KeyIteration] != 0 || first.row["loss"] != 2.3 || first.row["LearningRate"] != 0.01 {
		t.Errorf("first train row = %+v", first)
	}
	// The test row is flushed when its stream ends; the second train
	// row is flushed at the same point.
	var sawTest bool
	for _, r := range listener.records[1:] {
		if r.phase == PhaseTest {
			sawTest = true
			if iteration, _ := r.row.Iteration(); iteration != 100 || r.row["accuracy"] != 0.91 {
				t.Errorf("test row = %+v", r.row)
			}
		}
	}
	if !sawTest {
		t.Error("no test record")
	}

	if listener.exhausted != 1 {
		t.Errorf("OnStreamsExhausted called %d times, want 1", listener.exhausted)
	}
	wantKeys := map[string]bool{"TRAIN/NumIters": true, "TRAIN/loss": true, "TRAIN/LearningRate": true, "TEST/NumIters": true, "TEST/accuracy": true}
	if len(listener.keys) != len(wantKeys) {
		t.Errorf("keys = %v, want each of %v once", listener.keys, wantKeys)
	}
	for _, key := range listener.keys {
		if !wantKeys[key] {
			t.Errorf("unexpected key %s", key)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestParseContinuesPastUnreadableStream(t *testing.T) {
	listener := &recordingListener{}
	streams := []Stream{
		{Name: "broken.log", Reader: failingReader{}},
		{Name: "run_2.log", Reader: strings.NewReader("Iteration 7, loss = 1.5\n")},
	}
	if err := New(DefaultRules(), nil).Parse(context.Background(), streams, listener); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(listener.records) != 1 {
		t.Fatalf("records = %+v, want the record from the readable stream", listener.records)
	}
	if iteration, _ := listener.records[0].row.Iteration(); iteration != 7 {
		t.Errorf("iteration = %d, want 7", iteration)
	}
	if listener.exhausted != 1 {
		t.Errorf("OnStreamsExhausted called %d times, want 1", listener.exhausted)
	}
}

func TestParseReportsExhaustionOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	listener := &recordingListener{}
	err := New(DefaultRules(), nil).Parse(ctx, []Stream{{Name: "x", Reader: strings.NewReader("Iteration 1, loss = 1\n")}}, listener)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Parse = %v, want context.Canceled", err)
	}
	if listener.exhausted != 1 {
		t.Errorf("OnStreamsExhausted called %d times, want 1", listener.exhausted)
	}
}

func TestMetricsBeforeFirstIterationAreIgnored(t *testing.T) {
	listener := &recordingListener{}
	log := "Train net output #0: loss = 9\nIteration 3, loss = 1\n"
	New(DefaultRules(), nil).Parse(context.Background(), []Stream{{Name: "x", Reader: strings.NewReader(log)}}, listener)
	if len(listener.records) != 1 || listener.records[0].row["loss"] != 1 {
		t.Errorf("records = %+v, want one row with loss 1", listener.records)
	}
}
