// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package reservoir // import "github.com/plasma-umass/scalene-core/reservoir"

import "encoding/json"

// snapshot is the serialized form of a Reservoir, used in cross-process
// artifact payloads.
type snapshot struct {
	Capacity         int       `json:"capacity"`
	WindowMultiplier int64     `json:"window_multiplier"`
	Samples          []float64 `json:"samples"`
}

// MarshalJSON implements json.Marshaler.
func (r *Reservoir) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{
		Capacity:         len(r.samples),
		WindowMultiplier: r.windowMultiplier,
		Samples:          r.Values(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Reservoir) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	restored, err := New(snap.Capacity)
	if err != nil {
		return err
	}
	restored.windowMultiplier = snap.WindowMultiplier
	restored.writeCursor = copy(restored.samples, snap.Samples)
	*r = *restored
	return nil
}
