// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/anglebinbin/Barista-tool-sub000/cmd/barista/cli"
	"github.com/anglebinbin/Barista-tool-sub000/lib/logparse"
	"github.com/anglebinbin/Barista-tool-sub000/lib/remote"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
)

// printer writes one line per notification. Pushes arrive on the
// dispatcher goroutine while the command goroutine may also print.
type printer struct {
	mu    sync.Mutex
	quiet bool
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(stdout, format+"\n", args...)
}

func (p *printer) observer(done func()) session.Observer {
	return session.ObserverFuncs{
		StateChanged: func(state session.State) {
			p.printf("state %s", state)
			if state == session.NotConnected {
				done()
			}
		},
		IterationChanged: func(iteration int) { p.printf("iteration %d", iteration) },
		SnapshotAdded:    func(checkpoint string) { p.printf("snapshot %s", checkpoint) },
		LogLine: func(line string) {
			if !p.quiet {
				p.printf("log %s", line)
			}
		},
		ParserRecord: func(phase logparse.Phase, row logparse.Row) {
			keys := slices.Sorted(maps.Keys(row))
			fields := make([]string, 0, len(keys))
			for _, key := range keys {
				fields = append(fields, fmt.Sprintf("%s=%g", key, row[key]))
			}
			p.printf("record %s %s", phase, strings.Join(fields, " "))
		},
		ParserEvent: func(name, _ string, captures []string) {
			p.printf("event %s %s", name, strings.Join(captures, " "))
		},
		ParserKey: func(phase logparse.Phase, key string) { p.printf("key %s %s", phase, key) },
	}
}

func watchCommand() *cli.Command {
	output := &printer{}
	command := sessionCommand("watch", "Print a session's notifications until interrupted",
		func(flagSet *pflag.FlagSet) {
			flagSet.BoolVar(&output.quiet, "quiet", false, "omit trainer log lines")
		},
		func(ctx context.Context, s *remote.Session) error {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			unsubscribe := s.Subscribe(output.observer(cancel))
			defer unsubscribe()

			state, err := s.FetchState(ctx)
			if err != nil {
				return err
			}
			output.printf("state %s", state)
			<-ctx.Done()
			if s.Host().Connected() {
				return nil
			}
			if errs := s.Errors(); len(errs) > 0 {
				return fmt.Errorf("%s", errs[len(errs)-1])
			}
			return nil
		})
	command.Description = "Print state changes, iterations, checkpoints, parser records and\n" +
		"log lines for one session as they are pushed by the host."
	return command
}
