// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package gpu defines the accelerator statistics boundary. Vendor-specific
// polling lives outside the core; the samplers only consume one
// (load, memory) pair per CPU sample tick.
package gpu // import "github.com/plasma-umass/scalene-core/gpu"

// Stats is one accelerator observation.
type Stats struct {
	// Load is the device utilization in [0..1].
	Load float64
	// MemoryUsedMB is the device memory currently in use.
	MemoryUsedMB float64
}

// Provider polls accelerator statistics. Implementations must treat polling
// failure as "no data": return ok=false rather than an error, since absence
// of GPU data is a valid sample outcome.
type Provider interface {
	GetStats() (s Stats, ok bool)
}

// NoneProvider is the Provider used when no accelerator is present.
type NoneProvider struct{}

var _ Provider = NoneProvider{}

// GetStats implements Provider.
func (NoneProvider) GetStats() (Stats, bool) {
	return Stats{}, false
}
