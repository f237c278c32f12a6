// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesNestedSubcommands(t *testing.T) {
	var called string
	var received []string
	root := &Command{
		Name: "barista",
		Subcommands: []*Command{
			{Name: "sessions", Run: func([]string) error { called = "sessions"; return nil }},
			{
				Name: "statedict",
				Subcommands: []*Command{
					{Name: "set", Run: func(args []string) error {
						called = "statedict set"
						received = args
						return nil
					}},
				},
			},
		},
	}

	if err := root.Execute([]string{"statedict", "set", "3", "net.jsonc"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "statedict set" {
		t.Errorf("dispatched to %q, want %q", called, "statedict set")
	}
	if len(received) != 2 || received[0] != "3" || received[1] != "net.jsonc" {
		t.Errorf("args = %v, want [3 net.jsonc]", received)
	}
}

func TestExecuteParsesFlags(t *testing.T) {
	var checkpoint string
	command := &Command{
		Name: "proceed",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("proceed", pflag.ContinueOnError)
			flagSet.StringVar(&checkpoint, "checkpoint", "", "checkpoint to resume from")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 || args[0] != "4" {
				t.Errorf("args = %v, want [4]", args)
			}
			return nil
		},
	}

	if err := command.Execute([]string{"--checkpoint", "_iter_500.solverstate", "4"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if checkpoint != "_iter_500.solverstate" {
		t.Errorf("checkpoint = %q", checkpoint)
	}
}

func TestUnknownCommandSuggestsClosest(t *testing.T) {
	root := &Command{
		Name: "barista",
		Subcommands: []*Command{
			{Name: "snapshot", Run: func([]string) error { return nil }},
			{Name: "sessions", Run: func([]string) error { return nil }},
		},
	}
	err := root.Execute([]string{"snapshto"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "snapshot"`) {
		t.Errorf("error = %q, want a suggestion", err)
	}
}

func TestUnknownFlagSuggestsClosest(t *testing.T) {
	command := &Command{
		Name: "start",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("start", pflag.ContinueOnError)
			flagSet.String("pretrained", "", "weights")
			return flagSet
		},
		Run: func([]string) error { return nil },
	}
	err := command.Execute([]string{"--pretrianed", "w.caffemodel"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "did you mean --pretrained") {
		t.Errorf("error = %q, want a flag suggestion", err)
	}
}

func TestHelpListsSubcommandsAndExamples(t *testing.T) {
	root := &Command{
		Name:        "barista",
		Description: "Drive training sessions on a session host.",
		Subcommands: []*Command{
			{Name: "state", Summary: "Print a session's state"},
		},
		Examples: []Example{{Description: "List sessions", Command: "barista sessions"}},
	}
	var buffer bytes.Buffer
	if err := root.execute([]string{"--help"}, &buffer); err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, want := range []string{"Drive training sessions", "state", "Print a session's state", "barista sessions"} {
		if !strings.Contains(buffer.String(), want) {
			t.Errorf("help output missing %q:\n%s", want, buffer.String())
		}
	}
}

func TestLevenshtein(t *testing.T) {
	for _, test := range []struct {
		a, b string
		want int
	}{
		{"", "pause", 5},
		{"pause", "pause", 0},
		{"puase", "pause", 2},
		{"reset", "rest", 1},
	} {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}
