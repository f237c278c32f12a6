// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StatusFile is the status document's name inside a session directory.
const StatusFile = "sessionstate.json"

// Status is the persisted status document. SessionState records the
// derived state at the time of writing; only FAILED is read back as
// state (it is a latch), everything else is derived again on load.
type Status struct {
	SessionState      string     `json:"SessionState"`
	Iteration         int        `json:"Iteration"`
	MaxIter           int        `json:"MaxIter"`
	ProjectID         string     `json:"ProjectID"`
	LastSnapshot      string     `json:"LastSnapshot,omitempty"`
	PretrainedWeights string     `json:"PretrainedWeights,omitempty"`
	NetworkState      *StateDict `json:"NetworkState,omitempty"`
	RunID             int        `json:"RunID"`
	LastModel         string     `json:"LastModel,omitempty"`
	UID               string     `json:"UID,omitempty"`
	ExitCode          *int       `json:"ExitCode,omitempty"`
	// ProcessGroup is the attached trainer's process group, recorded
	// so a trainer that outlives its supervisor can be found again.
	ProcessGroup int `json:"ProcessGroup,omitempty"`
}

// WriteStatus atomically replaces the status document at path: the
// document is written to a temporary file in the same directory,
// fsynced and renamed into place, then the directory is synced.
// Readers never see a partial document.
func WriteStatus(path string, status Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session status: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temporary status file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary status file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary status file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary status file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming status file into place: %w", err)
	}

	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

// ReadStatus reads a status document. When the file does not exist
// the error wraps os.ErrNotExist.
func ReadStatus(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, err
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{}, fmt.Errorf("parsing session status %s: %w", path, err)
	}
	return status, nil
}
