// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"io"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Generated file names inside a session directory.
const (
	NetFile         = "net-internal.prototxt"
	SolverFile      = "solver.prototxt"
	SnapshotsDir    = "snapshots"
	LogsDir         = "logs"
	snapshotsPrefix = SnapshotsDir + "/"
)

// Solver parameters the supervisor owns. Values supplied in the
// dictionary are ignored.
var forcedSolverParams = []string{"net", "net_param", "train_net", "test_net", "snapshot_prefix"}

// enumValue matches strings written as bare protobuf enum identifiers
// (TRAIN, MAX, GPU, ...).
var enumValue = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// WriteNet writes the network definition in protobuf text format,
// layers in layer order. Parameter keys are sorted.
func WriteNet(w io.Writer, d StateDict) error {
	p := &textWriter{w: w}
	if d.Network.Name != "" {
		p.field("name", d.Network.Name, 0)
	}
	for _, layer := range d.OrderedLayers() {
		p.line(0, "layer {")
		p.field("name", layer.Name, 1)
		p.field("type", layer.Type, 1)
		p.message(layer.Parameters, 1, "name", "type")
		p.line(0, "}")
	}
	return p.err
}

// WriteSolver writes the solver definition. The network file and the
// snapshot prefix always point into the session directory.
func WriteSolver(w io.Writer, d StateDict) error {
	p := &textWriter{w: w}
	p.field("net", NetFile, 0)
	p.field("snapshot_prefix", snapshotsPrefix, 0)
	p.message(d.Solver, 0, forcedSolverParams...)
	return p.err
}

type textWriter struct {
	w   io.Writer
	err error
}

func (p *textWriter) line(depth int, format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, strings.Repeat("  ", depth)+format+"\n", args...)
}

func (p *textWriter) message(fields map[string]any, depth int, skip ...string) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if !slices.Contains(skip, key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	for _, key := range keys {
		p.field(key, fields[key], depth)
	}
}

func (p *textWriter) field(name string, value any, depth int) {
	switch v := value.(type) {
	case nil:
	case map[string]any:
		p.line(depth, "%s {", name)
		p.message(v, depth+1)
		p.line(depth, "}")
	case []any:
		for _, element := range v {
			p.field(name, element, depth)
		}
	case []string:
		for _, element := range v {
			p.field(name, element, depth)
		}
	default:
		p.line(depth, "%s: %s", name, scalar(name, v))
	}
}

func scalar(name string, value any) string {
	switch v := value.(type) {
	case string:
		if name != "name" && name != "type" && enumValue.MatchString(v) {
			return v
		}
		return strconv.Quote(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return formatFloat(v)
	case float32:
		return formatFloat(float64(v))
	}
	return fmt.Sprint(value)
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case v == math.Trunc(v) && math.Abs(v) < 1e15:
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
