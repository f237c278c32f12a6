// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// checkpointPattern matches solver state files, binary or HDF5:
// "_iter_1500.solverstate", "lenet_iter_20.solverstate.h5".
var checkpointPattern = regexp.MustCompile(`(?:^|_)iter_(\d+)\.solverstate(?:\.h5)?$`)

// CheckpointIteration extracts the iteration number from a checkpoint
// file name.
func CheckpointIteration(name string) (int, bool) {
	match := checkpointPattern.FindStringSubmatch(filepath.Base(name))
	if match == nil {
		return 0, false
	}
	iteration, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return iteration, true
}

// listCheckpoints returns the checkpoint names in directory, oldest
// (lowest iteration) first. A missing directory has no checkpoints.
func listCheckpoints(directory string) ([]string, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && checkpointPattern.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	slices.SortFunc(names, func(a, b string) int {
		ia, _ := CheckpointIteration(a)
		ib, _ := CheckpointIteration(b)
		if ia != ib {
			return ia - ib
		}
		return strings.Compare(a, b)
	})
	return names, nil
}

// newestCheckpoint returns the highest-iteration checkpoint name, or
// "" when there is none.
func newestCheckpoint(directory string) (string, error) {
	names, err := listCheckpoints(directory)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}
