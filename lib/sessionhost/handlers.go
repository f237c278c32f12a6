// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionhost

import (
	"context"
	"errors"
	"fmt"

	"github.com/anglebinbin/Barista-tool-sub000/lib/session"
	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

// sessionHandlerFor returns the handler for a session request subkey.
// Pushes are never requests.
func sessionHandlerFor(subkey wire.Subkey) (sessionHandler, error) {
	switch subkey {
	case wire.SubkeyGetState:
		return handleGetState, nil
	case wire.SubkeySetStateDict:
		return handleSetStateDict, nil
	case wire.SubkeyGetStateDict:
		return handleGetStateDict, nil
	case wire.SubkeyStart:
		return handleStart, nil
	case wire.SubkeyPause:
		return handlePause, nil
	case wire.SubkeyProceed:
		return handleProceed, nil
	case wire.SubkeyTakeSnapshot:
		return handleTakeSnapshot, nil
	case wire.SubkeyReset:
		return handleReset, nil
	case wire.SubkeyGetIteration:
		return handleGetIteration, nil
	case wire.SubkeySetMaxIteration:
		return handleSetMaxIteration, nil
	case wire.SubkeyGetMaxIteration:
		return handleGetMaxIteration, nil
	case wire.SubkeyGetSnapshots:
		return handleGetSnapshots, nil
	case wire.SubkeyGetPretrained:
		return handleGetPretrained, nil
	case wire.SubkeyCheckFiles:
		return handleCheckFiles, nil
	case wire.SubkeyCheckTraining:
		return handleCheckTraining, nil
	case wire.SubkeySave:
		return handleSave, nil
	case wire.SubkeyUpdateState, wire.SubkeyUpdateIteration, wire.SubkeyUpdateParser,
		wire.SubkeyUpdateKeys, wire.SubkeyAddSnapshot, wire.SubkeyPrintLog, wire.SubkeyParseHandle:
		return nil, fmt.Errorf("%s is a notification, not a request", subkey)
	}
	return nil, fmt.Errorf("unknown subkey %q", subkey)
}

// keyHandlerFor returns the handler for a top-level key other than
// SESSION.
func (s *Server) keyHandlerFor(key wire.Key) (keyHandler, error) {
	switch key {
	case wire.KeyCreateSession:
		return s.handleCreateSession, nil
	case wire.KeyGetSessions:
		return s.handleGetSessions, nil
	case wire.KeyDeleteSession:
		return s.handleDeleteSession, nil
	case wire.KeyDisconnect:
		return handleDisconnect, nil
	case wire.KeySession:
		return nil, errors.New("session requests are dispatched by subkey")
	}
	return nil, fmt.Errorf("unknown key %q", key)
}

func handleGetState(ctx context.Context, s *session.Supervisor, _, reply wire.Message) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	reply.With(wire.FieldState, state.String())
	return nil
}

func handleSetStateDict(ctx context.Context, s *session.Supervisor, request, _ wire.Message) error {
	var dict session.StateDict
	if err := request.Decode(wire.FieldStateDict, &dict); err != nil {
		return err
	}
	if unknown := dict.UnknownLayers(); len(unknown) > 0 {
		return fmt.Errorf("layer order references unknown layers %v", unknown)
	}
	return s.SetStateDict(ctx, dict)
}

func handleGetStateDict(ctx context.Context, s *session.Supervisor, _, reply wire.Message) error {
	dict, err := s.StateDict(ctx)
	if err != nil {
		return err
	}
	reply.With(wire.FieldStateDict, dict)
	return nil
}

func handleStart(ctx context.Context, s *session.Supervisor, request, _ wire.Message) error {
	return s.Start(ctx, request.String(wire.FieldCheckpoint), request.String(wire.FieldPretrained))
}

func handlePause(ctx context.Context, s *session.Supervisor, _, _ wire.Message) error {
	return s.Pause(ctx)
}

func handleProceed(ctx context.Context, s *session.Supervisor, request, _ wire.Message) error {
	return s.Proceed(ctx, request.String(wire.FieldCheckpoint))
}

func handleTakeSnapshot(ctx context.Context, s *session.Supervisor, _, _ wire.Message) error {
	return s.Snapshot(ctx)
}

func handleReset(ctx context.Context, s *session.Supervisor, _, _ wire.Message) error {
	return s.Reset(ctx)
}

func handleGetIteration(ctx context.Context, s *session.Supervisor, _, reply wire.Message) error {
	iteration, err := s.Iteration(ctx)
	if err != nil {
		return err
	}
	reply.With(wire.FieldIteration, iteration)
	return nil
}

func handleSetMaxIteration(ctx context.Context, s *session.Supervisor, request, _ wire.Message) error {
	maxIteration, ok := request.Int(wire.FieldMaxIteration)
	if !ok {
		return errors.New("missing maxIteration")
	}
	return s.SetMaxIteration(ctx, maxIteration)
}

func handleGetMaxIteration(ctx context.Context, s *session.Supervisor, _, reply wire.Message) error {
	maxIteration, err := s.MaxIteration(ctx)
	if err != nil {
		return err
	}
	reply.With(wire.FieldMaxIteration, maxIteration)
	return nil
}

func handleGetSnapshots(ctx context.Context, s *session.Supervisor, _, reply wire.Message) error {
	snapshots, err := s.Snapshots(ctx)
	if err != nil {
		return err
	}
	reply.With(wire.FieldSnapshots, nonNil(snapshots))
	return nil
}

func handleGetPretrained(ctx context.Context, s *session.Supervisor, _, reply wire.Message) error {
	pretrained, err := s.Pretrained(ctx)
	if err != nil {
		return err
	}
	reply.With(wire.FieldPretrained, pretrained)
	return nil
}

func handleCheckFiles(ctx context.Context, s *session.Supervisor, _, reply wire.Message) error {
	missing, err := s.CheckFiles(ctx)
	if err != nil {
		return err
	}
	reply.With(wire.FieldFiles, nonNil(missing))
	return nil
}

func handleCheckTraining(ctx context.Context, s *session.Supervisor, _, reply wire.Message) error {
	problems, err := s.CheckTraining(ctx)
	if err != nil {
		return err
	}
	reply.With(wire.FieldProblems, nonNil(problems))
	return nil
}

func handleSave(ctx context.Context, s *session.Supervisor, _, _ wire.Message) error {
	return s.Save(ctx)
}

func (s *Server) handleCreateSession(ctx context.Context, _ *wire.Conn, request, reply wire.Message) error {
	var dict session.StateDict
	if _, ok := request[wire.FieldStateDict]; ok {
		if err := request.Decode(wire.FieldStateDict, &dict); err != nil {
			return err
		}
	}
	supervisor, err := s.project.NewSession(ctx, dict)
	if err != nil {
		return err
	}
	if err := s.adopt(supervisor); err != nil {
		return err
	}
	reply.With(wire.FieldUID, supervisor.UID()).With(wire.FieldSessionID, supervisor.ID())
	return nil
}

func (s *Server) handleGetSessions(ctx context.Context, _ *wire.Conn, _, reply wire.Message) error {
	supervisors := s.project.Supervisors()
	sessions := make([]map[string]any, 0, len(supervisors))
	for _, supervisor := range supervisors {
		state, _ := supervisor.State(ctx)
		sessions = append(sessions, map[string]any{
			wire.FieldSessionID: supervisor.ID(),
			wire.FieldUID:       supervisor.UID(),
			wire.FieldState:     state.String(),
		})
	}
	reply.With(wire.FieldSessions, sessions)
	return nil
}

func (s *Server) handleDeleteSession(ctx context.Context, _ *wire.Conn, request, _ wire.Message) error {
	supervisor, err := s.lookup(request.UID())
	if err != nil {
		return err
	}
	s.forget(supervisor.ID())
	if err := s.project.Delete(ctx, supervisor.ID()); err != nil {
		// Still present: keep pushing its notifications.
		if adoptErr := s.adopt(supervisor); adoptErr != nil {
			s.logger.Warn("re-observing session after failed delete", "error", adoptErr)
		}
		return err
	}
	return nil
}

// handleDisconnect acknowledges; dispatch closes the connection after
// the reply is sent.
func handleDisconnect(context.Context, *wire.Conn, wire.Message, wire.Message) error {
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
