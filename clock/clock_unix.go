// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package clock // import "github.com/plasma-umass/scalene-core/clock"

import (
	"time"

	"golang.org/x/sys/unix"
)

// systemClock reads wall time from the runtime's monotonic clock and CPU
// time from getrusage(RUSAGE_SELF).
type systemClock struct {
	epoch time.Time
}

// NewSystem returns the process-wide system clock.
func NewSystem() Clock {
	return &systemClock{epoch: time.Now()}
}

func (c *systemClock) Read() (Reading, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return Reading{}, err
	}
	return Reading{
		Wall:   time.Since(c.epoch),
		User:   timevalDuration(ru.Utime),
		System: timevalDuration(ru.Stime),
	}, nil
}

func timevalDuration(tv unix.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}
