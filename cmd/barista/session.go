// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/anglebinbin/Barista-tool-sub000/cmd/barista/cli"
	"github.com/anglebinbin/Barista-tool-sub000/lib/remote"
	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
)

// interruptible returns a context cancelled by SIGINT or SIGTERM.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withHost connects through conn, runs action, and disconnects.
func withHost(conn *connection, action func(ctx context.Context, host *remote.Host) error) error {
	host, err := conn.host()
	if err != nil {
		return err
	}
	defer host.Close()
	ctx, cancel := interruptible()
	defer cancel()
	return action(ctx, host)
}

// sessionCommand builds a command acting on the one session named by
// its first argument. extra registers command-specific flags.
func sessionCommand(name, summary string, extra func(*pflag.FlagSet), action func(ctx context.Context, s *remote.Session) error) *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   "barista " + name + " <session-id|uid> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			conn.addFlags(flagSet)
			if extra != nil {
				extra(flagSet)
			}
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%s takes exactly one session id or uid, got %d arguments", name, len(args))
			}
			return withHost(&conn, func(ctx context.Context, host *remote.Host) error {
				s, err := resolve(ctx, host, args[0])
				if err != nil {
					return err
				}
				return action(ctx, s)
			})
		},
	}
}

func sessionsCommand() *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    "sessions",
		Summary: "List the sessions on a host",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			return flagSet
		},
		Run: func([]string) error {
			return withHost(&conn, func(ctx context.Context, host *remote.Host) error {
				infos, err := host.Sessions(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(stdout, 2, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "ID\tUID\tSTATE")
				for _, info := range infos {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", info.ID, info.UID, info.State)
				}
				return tw.Flush()
			})
		},
	}
}

func createCommand() *cli.Command {
	var (
		conn          connection
		stateDictPath string
	)
	return &cli.Command{
		Name:    "create",
		Summary: "Create a session, optionally configured from a state dictionary",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			conn.addFlags(flagSet)
			flagSet.StringVar(&stateDictPath, "statedict", "", "state dictionary file (JSON with comments)")
			return flagSet
		},
		Run: func([]string) error {
			var dict session.StateDict
			if stateDictPath != "" {
				var err error
				if dict, err = readStateDict(stateDictPath); err != nil {
					return err
				}
			}
			return withHost(&conn, func(ctx context.Context, host *remote.Host) error {
				uid, id, err := host.CreateSession(ctx, dict)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "created session %d (%s)\n", id, uid)
				return nil
			})
		},
	}
}

func deleteCommand() *cli.Command {
	return sessionCommand("delete", "Stop a session and delete its files", nil,
		func(ctx context.Context, s *remote.Session) error {
			if err := s.Delete(ctx); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "deleted session %d\n", s.ID())
			return nil
		})
}

func stateCommand() *cli.Command {
	return sessionCommand("state", "Print a session's lifecycle state", nil,
		func(ctx context.Context, s *remote.Session) error {
			state, err := s.FetchState(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, state)
			return nil
		})
}

func startCommand() *cli.Command {
	var checkpoint, pretrained string
	return sessionCommand("start", "Start training a WAITING session",
		func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&checkpoint, "checkpoint", "", "resume from this solver state")
			flagSet.StringVar(&pretrained, "pretrained", "", "initialize from these weights")
		},
		func(ctx context.Context, s *remote.Session) error {
			return s.Start(ctx, checkpoint, pretrained)
		})
}

func pauseCommand() *cli.Command {
	return sessionCommand("pause", "Checkpoint and stop a RUNNING session", nil,
		func(ctx context.Context, s *remote.Session) error {
			return s.Pause(ctx)
		})
}

func proceedCommand() *cli.Command {
	var checkpoint string
	return sessionCommand("proceed", "Resume a PAUSED session",
		func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&checkpoint, "checkpoint", "", "checkpoint to resume from (default: newest)")
		},
		func(ctx context.Context, s *remote.Session) error {
			return s.Proceed(ctx, checkpoint)
		})
}

func snapshotCommand() *cli.Command {
	return sessionCommand("snapshot", "Ask a running trainer to write a checkpoint", nil,
		func(ctx context.Context, s *remote.Session) error {
			return s.Snapshot(ctx)
		})
}

func resetCommand() *cli.Command {
	return sessionCommand("reset", "Stop a session and delete everything it generated", nil,
		func(ctx context.Context, s *remote.Session) error {
			return s.Reset(ctx)
		})
}

func iterationCommand() *cli.Command {
	var maxIteration int
	return sessionCommand("iteration", "Print (or with --max, set) a session's iteration limit and progress",
		func(flagSet *pflag.FlagSet) {
			flagSet.IntVar(&maxIteration, "max", 0, "set the iteration limit")
		},
		func(ctx context.Context, s *remote.Session) error {
			if maxIteration > 0 {
				if err := s.SetMaxIteration(ctx, maxIteration); err != nil {
					return err
				}
			}
			iteration, err := s.Iteration(ctx)
			if err != nil {
				return err
			}
			limit, err := s.MaxIteration(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%d/%d\n", iteration, limit)
			return nil
		})
}

func snapshotsCommand() *cli.Command {
	return sessionCommand("snapshots", "List a session's checkpoints, oldest first", nil,
		func(ctx context.Context, s *remote.Session) error {
			snapshots, err := s.Snapshots(ctx)
			if err != nil {
				return err
			}
			for _, snapshot := range snapshots {
				fmt.Fprintln(stdout, snapshot)
			}
			return nil
		})
}

func checkCommand() *cli.Command {
	return sessionCommand("check", "Report missing inputs and training problems (exit 1 if any)", nil,
		func(ctx context.Context, s *remote.Session) error {
			problems, err := s.CheckTraining(ctx)
			if err != nil {
				return err
			}
			if len(problems) == 0 {
				fmt.Fprintln(stdout, "ok")
				return nil
			}
			fmt.Fprintln(stdout, strings.Join(problems, "\n"))
			return &cli.ExitError{Code: 1}
		})
}
