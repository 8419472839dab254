// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time sources the samplers difference between
// ticks: wall-clock time plus the process's user and system CPU time.
package clock // import "github.com/plasma-umass/scalene-core/clock"

import "time"

// Reading is one point-in-time observation of all clocks the samplers use.
type Reading struct {
	// Wall is elapsed real time since an arbitrary epoch (monotonic).
	Wall time.Duration
	// User is CPU time this process spent in user mode.
	User time.Duration
	// System is CPU time this process spent in kernel mode.
	System time.Duration
}

// Virtual is the process-virtual clock: CPU time consumed in either mode.
func (r Reading) Virtual() time.Duration {
	return r.User + r.System
}

// Clock produces Readings. Implementations must be cheap enough to call from
// the sampling path.
type Clock interface {
	Read() (Reading, error)
}

// Mode selects which clock drives elapsed-time attribution.
type Mode int

const (
	// ModeWall attributes on wall-clock elapsed time.
	ModeWall Mode = iota
	// ModeVirtual attributes on process-virtual (CPU) elapsed time only,
	// ignoring time the process spent off-CPU.
	ModeVirtual
)

func (m Mode) String() string {
	if m == ModeVirtual {
		return "virtual"
	}
	return "wall"
}
