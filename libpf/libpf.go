// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf collects small helpers shared across the profiler.
package libpf // import "github.com/plasma-umass/scalene-core/libpf"

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Void allows to use maps as sets without memory allocation for the values.
type Void struct{}

// Set is a convenience alias for a map with a `Void` value.
type Set[T comparable] map[T]Void

// Add inserts item into the set.
func (s Set[T]) Add(item T) {
	s[item] = Void{}
}

// ToSlice converts the Set keys into a slice.
func (s Set[T]) ToSlice() []T {
	slice := make([]T, 0, len(s))
	for item := range s {
		slice = append(slice, item)
	}
	return slice
}

// AddJitter adds +/- jitter (jitter is [0..1]) to baseDuration
func AddJitter(baseDuration time.Duration, jitter float64) time.Duration {
	if jitter < 0.0 || jitter > 1.0 {
		log.Errorf("Jitter (%f) out of range [0..1].", jitter)
		return baseDuration
	}
	return time.Duration((1 + jitter - 2*jitter*rand.Float64()) * float64(baseDuration))
}

// WriteTempFile writes a data buffer to a temporary file on the filesystem. It
// is the callers responsibility to clean up that file again. The function returns
// the filename if successful.
func WriteTempFile(data []byte, directory, prefix string) (string, error) {
	file, err := os.CreateTemp(directory, prefix)
	if err != nil {
		return "", err
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return "", fmt.Errorf("failed to write data to temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return "", fmt.Errorf("failed to synchronize file data: %w", err)
	}
	return file.Name(), nil
}
