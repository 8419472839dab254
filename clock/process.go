// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package clock // import "github.com/plasma-umass/scalene-core/clock"

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// processClock reads CPU time of an arbitrary PID. Used when the profiler is
// attached to a target process rather than hosting the workload itself.
type processClock struct {
	proc  *process.Process
	epoch time.Time
}

// NewProcess returns a clock observing the CPU time of pid.
func NewProcess(pid int32) (Clock, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	return &processClock{proc: proc, epoch: time.Now()}, nil
}

func (c *processClock) Read() (Reading, error) {
	times, err := c.proc.Times()
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Wall:   time.Since(c.epoch),
		User:   time.Duration(times.User * float64(time.Second)),
		System: time.Duration(times.System * float64(time.Second)),
	}, nil
}
