// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Barista drives training sessions on a session host: list, create and
// delete sessions, start, pause and resume trainers, edit state
// dictionaries, and follow a session's log and parser output live.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/anglebinbin/Barista-tool-sub000/cmd/barista/cli"
	"github.com/anglebinbin/Barista-tool-sub000/lib/version"
)

// stdout receives command output; tests replace it.
var stdout io.Writer = os.Stdout

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

func root() *cli.Command {
	return &cli.Command{
		Name:        "barista",
		Description: "Drive training sessions on a Barista session host.",
		Subcommands: []*cli.Command{
			sessionsCommand(),
			createCommand(),
			deleteCommand(),
			stateCommand(),
			startCommand(),
			pauseCommand(),
			proceedCommand(),
			snapshotCommand(),
			resetCommand(),
			iterationCommand(),
			snapshotsCommand(),
			stateDictCommand(),
			checkCommand(),
			watchCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "List the sessions on a host", Command: "barista sessions --host trainer-01:7373"},
			{Description: "Create a session from a state dictionary", Command: "barista create --statedict lenet.jsonc"},
			{Description: "Start session 3 from pretrained weights", Command: "barista start 3 --pretrained /data/lenet.caffemodel"},
			{Description: "Follow a running session", Command: "barista watch 3"},
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			fmt.Fprintf(stdout, "barista %s\n", version.Full())
			return nil
		},
	}
}
