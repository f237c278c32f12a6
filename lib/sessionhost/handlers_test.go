// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionhost

import (
	"strings"
	"testing"

	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

func TestEveryRequestSubkeyHasAHandler(t *testing.T) {
	requests := []wire.Subkey{
		wire.SubkeyGetState, wire.SubkeySetStateDict, wire.SubkeyGetStateDict,
		wire.SubkeyStart, wire.SubkeyPause, wire.SubkeyProceed,
		wire.SubkeyTakeSnapshot, wire.SubkeyReset, wire.SubkeyGetIteration,
		wire.SubkeySetMaxIteration, wire.SubkeyGetMaxIteration, wire.SubkeyGetSnapshots,
		wire.SubkeyGetPretrained, wire.SubkeyCheckFiles, wire.SubkeyCheckTraining,
		wire.SubkeySave,
	}
	for _, subkey := range requests {
		handler, err := sessionHandlerFor(subkey)
		if err != nil || handler == nil {
			t.Errorf("sessionHandlerFor(%s) = %v, want a handler", subkey, err)
		}
	}
}

func TestPushSubkeysAreNotRequests(t *testing.T) {
	pushes := []wire.Subkey{
		wire.SubkeyUpdateState, wire.SubkeyUpdateIteration, wire.SubkeyUpdateParser,
		wire.SubkeyUpdateKeys, wire.SubkeyAddSnapshot, wire.SubkeyPrintLog,
		wire.SubkeyParseHandle,
	}
	for _, subkey := range pushes {
		if !subkey.IsPush() {
			t.Errorf("%s.IsPush() = false", subkey)
		}
		_, err := sessionHandlerFor(subkey)
		if err == nil || !strings.Contains(err.Error(), "notification") {
			t.Errorf("sessionHandlerFor(%s) = %v, want a notification error", subkey, err)
		}
	}
	if _, err := sessionHandlerFor("FROBNICATE"); err == nil || !strings.Contains(err.Error(), "unknown subkey") {
		t.Errorf("sessionHandlerFor(FROBNICATE) = %v, want unknown subkey", err)
	}
}

func TestKeyHandlers(t *testing.T) {
	s := &Server{}
	for _, key := range []wire.Key{wire.KeyCreateSession, wire.KeyGetSessions, wire.KeyDeleteSession, wire.KeyDisconnect} {
		if handler, err := s.keyHandlerFor(key); err != nil || handler == nil {
			t.Errorf("keyHandlerFor(%s) = %v, want a handler", key, err)
		}
	}
	if _, err := s.keyHandlerFor(wire.KeySession); err == nil {
		t.Error("keyHandlerFor(SESSION) succeeded, want an error")
	}
	if _, err := s.keyHandlerFor("REBOOT"); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Errorf("keyHandlerFor(REBOOT) = %v, want unknown key", err)
	}
}
