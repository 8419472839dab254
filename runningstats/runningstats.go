// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package runningstats provides a streaming mean/variance/peak accumulator
// using Welford's algorithm, with an associative merge so statistics gathered
// independently in child processes can be combined without bias.
package runningstats // import "github.com/plasma-umass/scalene-core/runningstats"

import (
	"encoding/json"
	"math"
)

// Stats accumulates a stream of float64 observations. The zero value is an
// empty accumulator ready for use.
type Stats struct {
	count     int64
	mean      float64
	sumSqDiff float64
	peak      float64
}

// Push adds one observation.
func (s *Stats) Push(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	s.sumSqDiff += delta * (x - s.mean)
	if s.count == 1 || x > s.peak {
		s.peak = x
	}
}

// Count returns the number of observations pushed.
func (s *Stats) Count() int64 {
	return s.count
}

// Mean returns the arithmetic mean, 0 if empty.
func (s *Stats) Mean() float64 {
	return s.mean
}

// Variance returns the sample variance, 0 with fewer than two observations.
func (s *Stats) Variance() float64 {
	if s.count < 2 {
		return 0
	}
	return s.sumSqDiff / float64(s.count-1)
}

// StdErr returns the standard error of the mean, 0 if empty.
func (s *Stats) StdErr() float64 {
	if s.count == 0 {
		return 0
	}
	return math.Sqrt(s.Variance() / float64(s.count))
}

// Peak returns the largest observation seen, 0 if empty.
func (s *Stats) Peak() float64 {
	return s.peak
}

// Merge combines other into s using the parallel variance combination
// formula (Chan et al.). Merging two accumulators yields the same result as
// pushing all observations into one, up to floating-point rounding.
func (s *Stats) Merge(other *Stats) {
	if other.count == 0 {
		return
	}
	if s.count == 0 {
		*s = *other
		return
	}
	combined := s.count + other.count
	delta := other.mean - s.mean
	s.mean += delta * float64(other.count) / float64(combined)
	s.sumSqDiff += other.sumSqDiff +
		delta*delta*float64(s.count)*float64(other.count)/float64(combined)
	s.count = combined
	if other.peak > s.peak {
		s.peak = other.peak
	}
}

// Snapshot is the serializable form of Stats for cross-process artifacts.
type Snapshot struct {
	Count     int64   `json:"count"`
	Mean      float64 `json:"mean"`
	SumSqDiff float64 `json:"sum_sq_diff"`
	Peak      float64 `json:"peak"`
}

// Snapshot returns the serializable form of s.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{Count: s.count, Mean: s.mean, SumSqDiff: s.sumSqDiff, Peak: s.peak}
}

// FromSnapshot reconstructs an accumulator from its serialized form.
func FromSnapshot(snap Snapshot) Stats {
	return Stats{count: snap.Count, mean: snap.Mean, sumSqDiff: snap.SumSqDiff, peak: snap.Peak}
}

// MarshalJSON implements json.Marshaler.
func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Stats) UnmarshalJSON(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	*s = FromSnapshot(snap)
	return nil
}
