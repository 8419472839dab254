// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package memsampler turns batches of allocator shim records into per-line
// memory attribution: current and peak footprints, per-site malloc/free
// volumes, the footprint timelines, and the evidence the leak estimator
// consumes.
package memsampler // import "github.com/plasma-umass/scalene-core/memsampler"

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/plasma-umass/scalene-core/policy"
	"github.com/plasma-umass/scalene-core/stats"
)

// DefaultLeakNoiseFloorMB is the minimum global peak footprint before peak
// events feed the leak estimator. Keeps interpreter startup noise out.
const DefaultLeakNoiseFloorMB = 100

// Config holds the memory sampler's switches.
type Config struct {
	// LeakDetection enables collecting leak-score evidence on new peaks.
	LeakDetection bool
	// LeakNoiseFloorMB overrides DefaultLeakNoiseFloorMB when positive.
	LeakNoiseFloorMB float64
}

// BatchResult summarizes one processed batch, for tests and metrics.
type BatchResult struct {
	Processed int
	// NewPeak is set when the batch pushed the global maximum footprint.
	NewPeak bool
	// FootprintDeltaMB is the signed change of the global footprint across
	// the batch.
	FootprintDeltaMB float64
}

// Sampler processes allocation record batches. Not internally synchronized:
// batches arrive one at a time on the coordinator's consumer goroutine.
type Sampler struct {
	cfg    Config
	store  *stats.Store
	policy *policy.Policy
}

// New returns a Sampler writing into store. Filenames in records are
// canonicalized through pol before use as keys.
func New(cfg Config, store *stats.Store, pol *policy.Policy) *Sampler {
	if cfg.LeakNoiseFloorMB <= 0 {
		cfg.LeakNoiseFloorMB = DefaultLeakNoiseFloorMB
	}
	return &Sampler{cfg: cfg, store: store, policy: pol}
}

// ProcessBatch ingests one batch of records. Panics in attribution are
// caught so a malformed batch cannot take down the profiled program.
func (s *Sampler) ProcessBatch(records []Record) (result BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered from memory sample processing failure: %v", r)
		}
	}()
	return s.processBatch(records)
}

func (s *Sampler) processBatch(records []Record) BatchResult {
	if len(records) == 0 {
		return BatchResult{}
	}
	// The native side may interleave malloc/free notifications slightly out
	// of order across threads.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})

	result := BatchResult{Processed: len(records)}
	before := s.store.CurrentFootprintMB
	result.NewPeak = s.reconstructFootprint(records)
	s.attributeLines(records)

	result.FootprintDeltaMB = s.store.CurrentFootprintMB - before
	s.store.Velocity.GrowthMB += result.FootprintDeltaMB
	return result
}

// reconstructFootprint is pass 1: replay the batch in timestamp order to
// maintain the global footprint, detect new peaks, and feed the global
// timeline. Returns whether a new global peak was reached.
func (s *Sampler) reconstructFootprint(records []Record) bool {
	newPeak := false
	for _, rec := range records {
		if rec.IsNewlineTrigger() {
			continue
		}
		mb := rec.MB()
		switch rec.Action {
		case ActionMalloc:
			s.store.CurrentFootprintMB += mb
			s.store.Velocity.AllocatedMB += mb
			if s.store.CurrentFootprintMB > s.store.MaxFootprintMB {
				s.store.MaxFootprintMB = s.store.CurrentFootprintMB
				s.store.MaxFootprintLocation = s.location(rec)
				s.store.MaxFootprintInterpretedFraction = rec.InterpretedFraction
				newPeak = true
				s.recordPeakTrigger(rec)
			}
		case ActionFree, ActionFreeSampled:
			// Early-startup allocations can be missed entirely, producing
			// a frees-before-mallocs artifact. Clamp instead of going
			// negative.
			s.store.CurrentFootprintMB = max(s.store.CurrentFootprintMB-mb, 0)
			s.creditFreedTrigger(rec)
		}
		s.store.FootprintTimeline.Add(s.store.CurrentFootprintMB)
	}
	return newPeak
}

// recordPeakTrigger remembers the allocation that pushed the peak and counts
// it as leak evidence, once the peak clears the noise floor.
func (s *Sampler) recordPeakTrigger(rec Record) {
	if !s.cfg.LeakDetection || s.store.MaxFootprintMB < s.cfg.LeakNoiseFloorMB {
		return
	}
	loc := s.location(rec)
	s.store.RecordLeakAlloc(loc.File, loc.Line)
	s.store.LastMallocTriggered = stats.TriggerMalloc{
		Location: loc,
		Pointer:  rec.Pointer,
		Valid:    true,
	}
}

// creditFreedTrigger checks whether a sampled free releases the allocation
// that triggered the last peak, and if so credits the site's free count.
func (s *Sampler) creditFreedTrigger(rec Record) {
	trigger := s.store.LastMallocTriggered
	if rec.Action != ActionFreeSampled || !trigger.Valid ||
		rec.Pointer != trigger.Pointer {
		return
	}
	s.store.RecordLeakFree(trigger.Location.File, trigger.Location.Line)
	s.store.LastMallocTriggered = stats.TriggerMalloc{}
}

// attributeLines is pass 2: charge volumes and footprints to allocation
// sites, handling newline sentinels as line-boundary flushes instead of user
// memory.
func (s *Sampler) attributeLines(records []Record) {
	for _, rec := range records {
		loc := s.location(rec)
		if rec.IsNewlineTrigger() {
			// A new logical execution of this line began: flush its
			// accumulated highwater mark into the aggregate.
			s.store.FlushLineHighwater(loc.File, loc.Line)
			continue
		}
		mb := rec.MB()
		switch rec.Action {
		case ActionMalloc:
			s.store.AddMallocVolume(loc.File, loc.Line, rec.ByteOffset, mb,
				mb*rec.InterpretedFraction)
			s.store.UpdateLineFootprint(loc.File, loc.Line, mb)
		case ActionFree, ActionFreeSampled:
			s.store.AddFreeVolume(loc.File, loc.Line, rec.ByteOffset, mb)
			s.store.UpdateLineFootprint(loc.File, loc.Line, -mb)
		}
		s.store.LineTimeline(loc.File, loc.Line).
			Add(s.store.MemoryCurrentFootprintMB[loc.File][loc.Line])
	}
}

func (s *Sampler) location(rec Record) stats.LineLocation {
	return stats.LineLocation{
		File: s.policy.CanonicalFilename(rec.Filename),
		Line: rec.Line,
	}
}

// ProcessMemcpyBatch ingests records from the independent memcpy event
// queue. Only the copy volume is attributed; memcpy does not move the
// footprint.
func (s *Sampler) ProcessMemcpyBatch(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})
	for _, rec := range records {
		loc := s.location(rec)
		s.store.AddMemcpyVolume(loc.File, loc.Line, rec.ByteOffset, rec.MB())
	}
}
