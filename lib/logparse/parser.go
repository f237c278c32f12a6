// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logparse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Stream is one named log source.
type Stream struct {
	Name   string
	Reader io.Reader
}

// Parser applies Rules to log streams. A Parser is stateless between
// Parse calls and safe for concurrent use.
type Parser struct {
	rules  Rules
	logger *slog.Logger
}

// New returns a Parser for rules. A nil logger discards.
func New(rules Rules, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Parser{rules: rules, logger: logger}
}

// Parse reads every stream to its end, in order, then calls
// listener.OnStreamsExhausted once. A stream that fails to read is
// logged and abandoned; the remaining streams are still parsed. Parse
// returns early only when ctx is cancelled, and still reports
// exhaustion in that case.
func (p *Parser) Parse(ctx context.Context, streams []Stream, listener Listener) error {
	defer listener.OnStreamsExhausted()

	// Keys are reported once per Parse call per phase.
	state := &parseState{
		listener: listener,
		seen:     map[Phase]map[string]bool{PhaseTrain: {}, PhaseTest: {}},
	}
	for _, stream := range streams {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.parseStream(ctx, stream, state); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Warn("log stream unreadable", "stream", stream.Name, "error", err)
		}
		state.flush(PhaseTrain)
		state.flush(PhaseTest)
	}
	return nil
}

func (p *Parser) parseStream(ctx context.Context, stream Stream, state *parseState) error {
	reader := bufio.NewReader(stream.Reader)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			p.parseLine(strings.TrimRight(line, "\r\n"), state)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", stream.Name, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (p *Parser) parseLine(line string, state *parseState) {
	for _, rule := range p.rules.Events {
		if match := rule.Pattern.FindStringSubmatch(line); match != nil {
			state.listener.OnEvent(rule.Name, line, match[1:])
		}
	}
	p.parseRecord(PhaseTrain, p.rules.Train, line, state)
	p.parseRecord(PhaseTest, p.rules.Test, line, state)
}

func (p *Parser) parseRecord(phase Phase, rules RecordRules, line string, state *parseState) {
	if rules.Iteration != nil {
		if match := rules.Iteration.FindStringSubmatch(line); match != nil {
			iteration, err := strconv.Atoi(match[1])
			if err != nil {
				return
			}
			state.flush(phase)
			state.set(phase, KeyIteration, float64(iteration))
			if rules.InlineKey != "" && len(match) > 2 {
				state.set(phase, rules.InlineKey, parseNumber(match[2]))
			}
			return
		}
	}
	if state.rows[phase] == nil {
		// Metrics before the first iteration line have no row to
		// land in.
		return
	}
	if rules.Metric != nil {
		if match := rules.Metric.FindStringSubmatch(line); match != nil {
			state.set(phase, match[1], parseNumber(match[2]))
			return
		}
	}
	for key, pattern := range rules.Extra {
		if match := pattern.FindStringSubmatch(line); match != nil {
			state.set(phase, key, parseNumber(match[1]))
		}
	}
}

func parseNumber(s string) float64 {
	switch s {
	case "nan":
		return math.NaN()
	case "inf":
		return math.Inf(1)
	case "-inf":
		return math.Inf(-1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

type parseState struct {
	listener Listener
	rows     map[Phase]Row
	seen     map[Phase]map[string]bool
}

func (s *parseState) set(phase Phase, key string, value float64) {
	if s.rows == nil {
		s.rows = make(map[Phase]Row)
	}
	if s.rows[phase] == nil {
		s.rows[phase] = Row{}
	}
	if !s.seen[phase][key] {
		s.seen[phase][key] = true
		s.listener.OnNewKey(phase, key)
	}
	s.rows[phase][key] = value
}

func (s *parseState) flush(phase Phase) {
	row := s.rows[phase]
	if row == nil {
		return
	}
	delete(s.rows, phase)
	s.listener.OnRecord(phase, row)
}
