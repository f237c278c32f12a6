// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/anglebinbin/Barista-tool-sub000/cmd/barista/cli"
	"github.com/anglebinbin/Barista-tool-sub000/lib/remote"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
)

// readStateDict parses a state dictionary file. Comments and trailing
// commas are allowed.
func readStateDict(path string) (session.StateDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return session.StateDict{}, err
	}
	var dict session.StateDict
	if err := json.Unmarshal(jsonc.ToJSON(data), &dict); err != nil {
		return session.StateDict{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return dict, nil
}

func stateDictCommand() *cli.Command {
	return &cli.Command{
		Name:    "statedict",
		Summary: "Show or replace a session's state dictionary",
		Subcommands: []*cli.Command{
			sessionCommand("get", "Print the state dictionary as JSON", nil,
				func(ctx context.Context, s *remote.Session) error {
					dict, err := s.FetchStateDict(ctx)
					if err != nil {
						return err
					}
					encoder := json.NewEncoder(stdout)
					encoder.SetIndent("", "  ")
					return encoder.Encode(dict)
				}),
			stateDictSetCommand(),
		},
	}
}

// stateDictSetCommand differs from the other session commands in
// taking a file argument, so it is built by hand.
func stateDictSetCommand() *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    "set",
		Summary: "Replace the state dictionary from a file (JSON with comments)",
		Usage:   "barista statedict set <session-id|uid> <file.jsonc> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("statedict set takes a session and a file, got %d arguments", len(args))
			}
			dict, err := readStateDict(args[1])
			if err != nil {
				return err
			}
			if problems := session.Validate(dict); len(problems) > 0 {
				for _, problem := range problems {
					fmt.Fprintf(os.Stderr, "warning: %s\n", problem)
				}
			}
			return withHost(&conn, func(ctx context.Context, host *remote.Host) error {
				s, err := resolve(ctx, host, args[0])
				if err != nil {
					return err
				}
				if err := s.SetStateDict(ctx, dict); err != nil {
					return err
				}
				return s.Flush(ctx)
			})
		},
	}
}
