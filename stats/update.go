// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package stats // import "github.com/plasma-umass/scalene-core/stats"

import (
	"github.com/plasma-umass/scalene-core/libpf"
	"github.com/plasma-umass/scalene-core/reservoir"
)

// AddCPUSample credits interpreted and native seconds to a line.
func (s *Store) AddCPUSample(file string, line int, interpreted, native float64) {
	setLineEntry(s.CPUSamplesInterpreted, file, line,
		lineEntry(s.CPUSamplesInterpreted, file, line)+interpreted)
	setLineEntry(s.CPUSamplesNative, file, line,
		lineEntry(s.CPUSamplesNative, file, line)+native)
	s.CPUSamplesTotal[file] += interpreted + native
	s.TotalCPUSampleSeconds += interpreted + native
}

// ObserveUtilization pushes one on-CPU fraction observation for a line.
func (s *Store) ObserveUtilization(file string, line int, cpuUtil, coreUtil float64) {
	lineStats(s.CPUUtilization, file, line).Push(cpuUtil)
	lineStats(s.CoreUtilization, file, line).Push(coreUtil)
}

// AddGPUSample credits GPU load seconds and a GPU memory observation.
func (s *Store) AddGPUSample(file string, line int, gpuSeconds, gpuMemoryMB float64) {
	setLineEntry(s.GPUSamples, file, line, lineEntry(s.GPUSamples, file, line)+gpuSeconds)
	lineStats(s.GPUMemSamples, file, line).Push(gpuMemoryMB)
}

// AddMallocVolume accumulates allocation volume at a site. interpretedMB is
// the portion attributable to interpreter-level objects.
func (s *Store) AddMallocVolume(file string, line, byteOffset int, mb, interpretedMB float64) {
	addSiteEntry(s.MallocVolumeMB, file, line, byteOffset, mb)
	addSiteEntry(s.MallocInterpretedVolumeMB, file, line, byteOffset, interpretedMB)
	s.TotalMallocVolumeMB += mb
	s.recordSite(file, line, byteOffset)
}

// AddFreeVolume accumulates freed volume at a site.
func (s *Store) AddFreeVolume(file string, line, byteOffset int, mb float64) {
	addSiteEntry(s.FreeVolumeMB, file, line, byteOffset, mb)
	s.bumpFreeCount(file, line, byteOffset)
	s.TotalFreeVolumeMB += mb
	s.recordSite(file, line, byteOffset)
}

// AddMemcpyVolume accumulates copy volume at a site.
func (s *Store) AddMemcpyVolume(file string, line, byteOffset int, mb float64) {
	addSiteEntry(s.MemcpyVolumeMB, file, line, byteOffset, mb)
	s.TotalMemcpyVolumeMB += mb
	s.recordSite(file, line, byteOffset)
}

func (s *Store) bumpFreeCount(file string, line, byteOffset int) {
	byLine, ok := s.FreeCount[file]
	if !ok {
		byLine = map[int]map[int]uint64{}
		s.FreeCount[file] = byLine
	}
	bySite, ok := byLine[line]
	if !ok {
		bySite = map[int]uint64{}
		byLine[line] = bySite
	}
	bySite[byteOffset]++
}

func (s *Store) recordSite(file string, line, byteOffset int) {
	set := s.ByteOffsetIndex[file][line]
	if set == nil {
		set = libpf.Set[int]{}
		setLineEntry(s.ByteOffsetIndex, file, line, set)
	}
	set.Add(byteOffset)
}

// UpdateLineFootprint applies a footprint delta to a line's current
// footprint and raises its highwater mark. The highwater mark is capped at
// the global maximum footprint: a single line can never have held more than
// the whole process.
func (s *Store) UpdateLineFootprint(file string, line int, deltaMB float64) {
	current := lineEntry(s.MemoryCurrentFootprintMB, file, line) + deltaMB
	if current < 0 {
		current = 0
	}
	setLineEntry(s.MemoryCurrentFootprintMB, file, line, current)
	if current > lineEntry(s.MemoryPeakFootprintMB, file, line) {
		peak := min(current, s.MaxFootprintMB)
		setLineEntry(s.MemoryPeakFootprintMB, file, line, peak)
	}
}

// FlushLineHighwater folds a line's highwater mark into its aggregate
// footprint and resets the per-execution trackers. Called when a newline
// sentinel signals that a fresh logical execution of the line began.
func (s *Store) FlushLineHighwater(file string, line int) {
	peak := lineEntry(s.MemoryPeakFootprintMB, file, line)
	if peak > 0 {
		setLineEntry(s.MemoryAggregateFootprintMB, file, line,
			lineEntry(s.MemoryAggregateFootprintMB, file, line)+peak)
	}
	setLineEntry(s.MemoryPeakFootprintMB, file, line, 0.0)
	setLineEntry(s.MemoryCurrentFootprintMB, file, line, 0.0)
}

// RecordLeakAlloc notes that an allocation at this line triggered a new
// footprint peak.
func (s *Store) RecordLeakAlloc(file string, line int) {
	score := lineEntry(s.LeakScores, file, line)
	score.Allocs++
	setLineEntry(s.LeakScores, file, line, score)
}

// RecordLeakFree notes that a peak-triggering allocation at this line was
// later freed.
func (s *Store) RecordLeakFree(file string, line int) {
	score := lineEntry(s.LeakScores, file, line)
	score.Frees++
	setLineEntry(s.LeakScores, file, line, score)
}

// LineTimeline returns the footprint timeline for a line, creating it on
// first use.
func (s *Store) LineTimeline(file string, line int) *reservoir.Reservoir {
	if tl := s.PerLineTimeline[file][line]; tl != nil {
		return tl
	}
	tl, err := reservoir.New(s.reservoirCapacity)
	if err != nil {
		// reservoirCapacity was validated in NewStore.
		panic(err)
	}
	setLineEntry(s.PerLineTimeline, file, line, tl)
	return tl
}
