// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package stats holds the per-session aggregation all samplers write into:
// per-line CPU seconds split into interpreted and native time, per-site
// allocation volumes, footprint trackers, leak scores and the footprint
// timelines. A Store is not internally synchronized; the signal coordinator
// guarantees single-writer access per queue, and the reporting path pauses
// the queues before reading.
package stats // import "github.com/plasma-umass/scalene-core/stats"

import (
	"fmt"
	"time"

	"github.com/plasma-umass/scalene-core/libpf"
	"github.com/plasma-umass/scalene-core/reservoir"
	"github.com/plasma-umass/scalene-core/runningstats"
)

// LineLocation names one source line. Filenames are canonicalized (absolute)
// before use as keys; lines are 1-based.
type LineLocation struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

func (l LineLocation) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// LeakScore is the raw evidence the leak estimator works from: how often an
// allocation at this line triggered a footprint peak, and how often such an
// allocation was later observed freed.
type LeakScore struct {
	Allocs uint64 `json:"allocs"`
	Frees  uint64 `json:"frees"`
}

// TriggerMalloc remembers the allocation that most recently pushed the peak
// footprint, so a later free of the same pointer can be credited back.
type TriggerMalloc struct {
	Location LineLocation `json:"location"`
	Pointer  uint64       `json:"pointer"`
	Valid    bool         `json:"valid"`
}

// AllocationVelocity is the running (Δfootprint, Δallocated) pair whose ratio
// is the global allocation growth rate.
type AllocationVelocity struct {
	GrowthMB    float64 `json:"growth_mb"`
	AllocatedMB float64 `json:"allocated_mb"`
}

// GrowthRatePercent returns the growth rate this velocity pair implies,
// 0 when nothing has been allocated yet.
func (v AllocationVelocity) GrowthRatePercent() float64 {
	if v.AllocatedMB == 0 {
		return 0
	}
	return 100.0 * v.GrowthMB / v.AllocatedMB
}

// Per-line and per-site map shapes. Sites refine a line by the byte offset of
// the allocation opcode, since one line can hold several allocation sites.
type (
	lineMap[T any] map[string]map[int]T
	siteMap[T any] map[string]map[int]map[int]T
)

// Store is the central mutable aggregation for one profiling session.
// The report layer treats every field as read-only.
type Store struct {
	// CPU time, split per spec of the interpreted/native attribution.
	CPUSamplesInterpreted lineMap[float64]             `json:"cpu_samples_interpreted"`
	CPUSamplesNative      lineMap[float64]             `json:"cpu_samples_native"`
	CPUSamplesTotal       map[string]float64           `json:"cpu_samples_total"`
	CPUUtilization        lineMap[*runningstats.Stats] `json:"cpu_utilization"`
	CoreUtilization       lineMap[*runningstats.Stats] `json:"core_utilization"`

	// GPU attribution, one observation per CPU sample tick.
	GPUSamples    lineMap[float64]             `json:"gpu_samples"`
	GPUMemSamples lineMap[*runningstats.Stats] `json:"gpu_mem_samples"`

	// Memory attribution, keyed down to the allocation site.
	MallocVolumeMB            siteMap[float64] `json:"malloc_volume_mb"`
	MallocInterpretedVolumeMB siteMap[float64] `json:"malloc_interpreted_volume_mb"`
	FreeVolumeMB              siteMap[float64] `json:"free_volume_mb"`
	FreeCount                 siteMap[uint64]  `json:"free_count"`
	MemcpyVolumeMB            siteMap[float64] `json:"memcpy_volume_mb"`

	// Per-line footprint trackers. Peak is the highwater mark since the
	// line's last logical execution; Aggregate sums flushed highwater marks
	// so reports can average over executions.
	MemoryCurrentFootprintMB   lineMap[float64] `json:"memory_current_footprint_mb"`
	MemoryPeakFootprintMB      lineMap[float64] `json:"memory_peak_footprint_mb"`
	MemoryAggregateFootprintMB lineMap[float64] `json:"memory_aggregate_footprint_mb"`

	LeakScores          lineMap[LeakScore] `json:"leak_scores"`
	LastMallocTriggered TriggerMalloc      `json:"last_malloc_triggered"`

	// Footprint-over-time series, global and per line.
	FootprintTimeline *reservoir.Reservoir          `json:"footprint_timeline"`
	PerLineTimeline   lineMap[*reservoir.Reservoir] `json:"per_line_timeline"`

	// ByteOffsetIndex records which allocation sites have been observed per
	// line, for later aggregation.
	ByteOffsetIndex lineMap[libpf.Set[int]] `json:"byte_offset_index"`

	// Global scalars.
	TotalCPUSampleSeconds           float64            `json:"total_cpu_sample_seconds"`
	TotalMallocVolumeMB             float64            `json:"total_malloc_volume_mb"`
	TotalFreeVolumeMB               float64            `json:"total_free_volume_mb"`
	TotalMemcpyVolumeMB             float64            `json:"total_memcpy_volume_mb"`
	CurrentFootprintMB              float64            `json:"current_footprint_mb"`
	MaxFootprintMB                  float64            `json:"max_footprint_mb"`
	MaxFootprintLocation            LineLocation       `json:"max_footprint_location"`
	MaxFootprintInterpretedFraction float64            `json:"max_footprint_interpreted_fraction"`
	Velocity                        AllocationVelocity `json:"allocation_velocity"`
	ElapsedSeconds                  float64            `json:"elapsed_seconds"`

	reservoirCapacity int
	startTime         time.Time
}

// NewStore returns an empty Store whose footprint timelines hold up to
// reservoirCapacity samples each.
func NewStore(reservoirCapacity int) (*Store, error) {
	timeline, err := reservoir.New(reservoirCapacity)
	if err != nil {
		return nil, err
	}
	s := &Store{
		FootprintTimeline: timeline,
		reservoirCapacity: reservoirCapacity,
		startTime:         time.Now(),
	}
	s.initMaps()
	return s, nil
}

func (s *Store) initMaps() {
	s.CPUSamplesInterpreted = lineMap[float64]{}
	s.CPUSamplesNative = lineMap[float64]{}
	s.CPUSamplesTotal = map[string]float64{}
	s.CPUUtilization = lineMap[*runningstats.Stats]{}
	s.CoreUtilization = lineMap[*runningstats.Stats]{}
	s.GPUSamples = lineMap[float64]{}
	s.GPUMemSamples = lineMap[*runningstats.Stats]{}
	s.MallocVolumeMB = siteMap[float64]{}
	s.MallocInterpretedVolumeMB = siteMap[float64]{}
	s.FreeVolumeMB = siteMap[float64]{}
	s.FreeCount = siteMap[uint64]{}
	s.MemcpyVolumeMB = siteMap[float64]{}
	s.MemoryCurrentFootprintMB = lineMap[float64]{}
	s.MemoryPeakFootprintMB = lineMap[float64]{}
	s.MemoryAggregateFootprintMB = lineMap[float64]{}
	s.LeakScores = lineMap[LeakScore]{}
	s.PerLineTimeline = lineMap[*reservoir.Reservoir]{}
	s.ByteOffsetIndex = lineMap[libpf.Set[int]]{}
}

// Clear resets all accumulated counters and footprints but keeps the global
// footprint timeline running, so repeated profile/clear cycles still yield a
// continuous footprint-over-time series.
func (s *Store) Clear() {
	s.initMaps()
	s.TotalCPUSampleSeconds = 0
	s.TotalMallocVolumeMB = 0
	s.TotalFreeVolumeMB = 0
	s.TotalMemcpyVolumeMB = 0
	s.CurrentFootprintMB = 0
	s.MaxFootprintMB = 0
	s.MaxFootprintLocation = LineLocation{}
	s.MaxFootprintInterpretedFraction = 0
	s.Velocity = AllocationVelocity{}
	s.LastMallocTriggered = TriggerMalloc{}
	s.ElapsedSeconds = 0
}

// ClearAll fully reinitializes the store, timelines included.
func (s *Store) ClearAll() {
	s.Clear()
	timeline, err := reservoir.New(s.reservoirCapacity)
	if err != nil {
		// reservoirCapacity was validated in NewStore.
		panic(err)
	}
	s.FootprintTimeline = timeline
	s.startTime = time.Now()
}

// StartTime returns when this store started accumulating.
func (s *Store) StartTime() time.Time {
	return s.startTime
}

// UpdateElapsed records wall time since the store was created, for MB/s
// velocity conversions in reports.
func (s *Store) UpdateElapsed() {
	s.ElapsedSeconds = time.Since(s.startTime).Seconds()
}

func lineEntry[T any](m lineMap[T], file string, line int) T {
	return m[file][line]
}

func setLineEntry[T any](m lineMap[T], file string, line int, v T) {
	inner, ok := m[file]
	if !ok {
		inner = map[int]T{}
		m[file] = inner
	}
	inner[line] = v
}

func addSiteEntry(m siteMap[float64], file string, line, offset int, delta float64) {
	byLine, ok := m[file]
	if !ok {
		byLine = map[int]map[int]float64{}
		m[file] = byLine
	}
	bySite, ok := byLine[line]
	if !ok {
		bySite = map[int]float64{}
		byLine[line] = bySite
	}
	bySite[offset] += delta
}

// lineStats returns the per-line accumulator, creating it on first use.
func lineStats(m lineMap[*runningstats.Stats], file string, line int) *runningstats.Stats {
	if st := m[file][line]; st != nil {
		return st
	}
	st := &runningstats.Stats{}
	setLineEntry(m, file, line, st)
	return st
}
