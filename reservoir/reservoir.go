// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package reservoir implements a bounded sampler for unbounded numeric time
// series. When the buffer fills up, every group of three consecutive samples
// is replaced by its median, shrinking the series to a third of its length
// and tripling the time span each remaining sample stands for. Median-of-3
// suppresses isolated spikes while staying stable on monotonic series.
package reservoir // import "github.com/plasma-umass/scalene-core/reservoir"

import (
	"fmt"
	"slices"
)

// DefaultCapacity is the sample capacity used by the profiler's footprint
// timelines. Must be a multiple of the decimation group size.
const DefaultCapacity = 27 * 100

// decimationGroup is the number of consecutive samples collapsed into their
// median on overflow. Treated as tunable, but all shipped reservoirs use 3.
const decimationGroup = 3

// Reservoir is a fixed-capacity decimating sampler. The zero value is not
// usable; construct with New.
type Reservoir struct {
	samples []float64
	// writeCursor is the logical length: the index the next sample goes to.
	writeCursor int
	// windowMultiplier is how many original samples each stored sample
	// represents. Starts at 1 and triples on every decimation pass.
	windowMultiplier int64
}

// New returns an empty reservoir holding at most capacity samples. capacity
// must be a positive multiple of the decimation group size.
func New(capacity int) (*Reservoir, error) {
	if capacity <= 0 || capacity%decimationGroup != 0 {
		return nil, fmt.Errorf("reservoir capacity %d is not a positive multiple of %d",
			capacity, decimationGroup)
	}
	return &Reservoir{
		samples:          make([]float64, capacity),
		windowMultiplier: 1,
	}, nil
}

// Capacity returns the maximum number of stored samples.
func (r *Reservoir) Capacity() int {
	return len(r.samples)
}

// Len returns the logical number of stored samples, always <= Capacity.
func (r *Reservoir) Len() int {
	return r.writeCursor
}

// WindowMultiplier returns the number of original samples represented by each
// stored sample. It strictly increases across decimation passes.
func (r *Reservoir) WindowMultiplier() int64 {
	return r.windowMultiplier
}

// Add stores one sample, decimating first if the reservoir is full.
func (r *Reservoir) Add(value float64) {
	if r.writeCursor >= len(r.samples) {
		r.decimate()
	}
	r.samples[r.writeCursor] = value
	r.writeCursor++
}

// Values returns a copy of the stored samples in insertion order.
func (r *Reservoir) Values() []float64 {
	out := make([]float64, r.writeCursor)
	copy(out, r.samples[:r.writeCursor])
	return out
}

// Merge folds other into r by concatenating both series and re-decimating
// until the result fits. Used when ingesting a child process's timeline.
func (r *Reservoir) Merge(other *Reservoir) {
	merged := append(r.Values(), other.Values()...)
	if other.windowMultiplier > r.windowMultiplier {
		r.windowMultiplier = other.windowMultiplier
	}
	for len(merged) > len(r.samples) {
		merged = decimateSlice(merged)
		r.windowMultiplier *= decimationGroup
	}
	r.writeCursor = copy(r.samples, merged)
}

func (r *Reservoir) decimate() {
	kept := decimateSlice(r.samples[:r.writeCursor])
	r.writeCursor = copy(r.samples, kept)
	r.windowMultiplier *= decimationGroup
}

// decimateSlice replaces every full group of consecutive samples with its
// median. A trailing partial group is dropped.
func decimateSlice(in []float64) []float64 {
	out := make([]float64, 0, len(in)/decimationGroup)
	var group [decimationGroup]float64
	for i := 0; i+decimationGroup <= len(in); i += decimationGroup {
		copy(group[:], in[i:i+decimationGroup])
		slices.Sort(group[:])
		out = append(out, group[decimationGroup/2])
	}
	return out
}
