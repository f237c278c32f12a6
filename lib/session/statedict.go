// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"math"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/anglebinbin/Barista-tool-sub000/lib/wire"
)

// StateDict is a session's training configuration: the network and
// the solver parameters. Parameter values keep whatever generic shape
// they were decoded into (JSON numbers, CBOR integers, nested maps for
// sub-messages, slices for repeated fields).
type StateDict struct {
	Network Network        `json:"network"`
	Solver  map[string]any `json:"solver"`
}

// Network is an ordered set of layers. Layers is keyed by layer id;
// LayerOrder lists the ids in network order.
type Network struct {
	Name       string           `json:"name"`
	Layers     map[string]Layer `json:"layers"`
	LayerOrder []string         `json:"layerOrder"`
}

// Layer is one network layer.
type Layer struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SolverMaxIter is the solver parameter naming the iteration limit.
const SolverMaxIter = "max_iter"

// dataLayerTypes are the layer types that feed input into a network.
var dataLayerTypes = []string{
	"Data", "ImageData", "HDF5Data", "MemoryData", "WindowData", "Input", "DummyData",
}

// IsDataLayer reports whether l reads network input.
func (l Layer) IsDataLayer() bool {
	return slices.Contains(dataLayerTypes, l.Type)
}

// IsZero reports whether d carries no configuration at all.
func (d StateDict) IsZero() bool {
	return len(d.Network.Layers) == 0 && len(d.Network.LayerOrder) == 0 && len(d.Solver) == 0
}

// MaxIter returns the solver's max_iter and whether it is set to a
// positive integer.
func (d StateDict) MaxIter() (int, bool) {
	n, ok := toInt(d.Solver[SolverMaxIter])
	return n, ok && n > 0
}

// WithMaxIter returns a copy of d with max_iter replaced.
func (d StateDict) WithMaxIter(maxIter int) StateDict {
	clone := d.Clone()
	if clone.Solver == nil {
		clone.Solver = make(map[string]any)
	}
	clone.Solver[SolverMaxIter] = maxIter
	return clone
}

// UnknownLayers returns the ids in the layer order that have no entry
// in the layer map. A dictionary with unknown layers is inconsistent
// and cannot be written out.
func (d StateDict) UnknownLayers() []string {
	var unknown []string
	for _, id := range d.Network.LayerOrder {
		if _, ok := d.Network.Layers[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown
}

// OrderedLayers returns the layers in layer order, skipping unknown
// ids.
func (d StateDict) OrderedLayers() []Layer {
	layers := make([]Layer, 0, len(d.Network.LayerOrder))
	for _, id := range d.Network.LayerOrder {
		if layer, ok := d.Network.Layers[id]; ok {
			layers = append(layers, layer)
		}
	}
	return layers
}

// DataSources returns the "source" parameters of every data layer, in
// layer order, without duplicates.
func (d StateDict) DataSources() []string {
	var sources []string
	for _, layer := range d.OrderedLayers() {
		if !layer.IsDataLayer() {
			continue
		}
		for _, source := range findStrings(layer.Parameters, "source") {
			if !slices.Contains(sources, source) {
				sources = append(sources, source)
			}
		}
	}
	return sources
}

// Validate checks the minimum configuration a session needs to train
// and returns every violation. An empty result means valid.
func Validate(d StateDict) []string {
	var violations []string
	if len(d.Network.Layers) == 0 {
		violations = append(violations, "network has no layers")
	}
	for _, id := range d.UnknownLayers() {
		violations = append(violations, fmt.Sprintf("layer order references unknown layer %q", id))
	}
	hasData := false
	for _, layer := range d.OrderedLayers() {
		if layer.IsDataLayer() {
			hasData = true
			break
		}
	}
	if len(d.Network.Layers) > 0 && !hasData {
		violations = append(violations, "network has no data layer")
	}
	if _, ok := d.MaxIter(); !ok {
		violations = append(violations, "solver max_iter must be a positive integer")
	}
	return violations
}

// Digest is a BLAKE3 fingerprint of the dictionary's canonical CBOR
// encoding. Equal dictionaries have equal digests regardless of map
// iteration order.
func (d StateDict) Digest() ([32]byte, error) {
	encoded, err := wire.Marshal(d)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encoding state dictionary: %w", err)
	}
	return blake3.Sum256(encoded), nil
}

// Clone returns a deep copy of d.
func (d StateDict) Clone() StateDict {
	clone := StateDict{
		Network: Network{
			Name:       d.Network.Name,
			LayerOrder: slices.Clone(d.Network.LayerOrder),
		},
		Solver: cloneMap(d.Solver),
	}
	if d.Network.Layers != nil {
		clone.Network.Layers = make(map[string]Layer, len(d.Network.Layers))
		for id, layer := range d.Network.Layers {
			clone.Network.Layers[id] = Layer{
				Name:       layer.Name,
				Type:       layer.Type,
				Parameters: cloneMap(layer.Parameters),
			}
		}
	}
	return clone
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for key, value := range m {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		clone := make([]any, len(v))
		for i := range v {
			clone[i] = cloneValue(v[i])
		}
		return clone
	case []string:
		return slices.Clone(v)
	}
	return value
}

// findStrings collects every string (or string list) stored under key
// anywhere in a nested parameter map.
func findStrings(params map[string]any, key string) []string {
	var found []string
	for name, value := range params {
		if name == key {
			switch v := value.(type) {
			case string:
				found = append(found, v)
			case []string:
				found = append(found, v...)
			case []any:
				for _, element := range v {
					if s, ok := element.(string); ok {
						found = append(found, s)
					}
				}
			}
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			found = append(found, findStrings(nested, key)...)
		}
	}
	slices.Sort(found)
	return found
}

// toInt converts the integer shapes JSON and CBOR decoding produce.
func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		if v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case int32:
		return int(v), true
	case uint32:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}
