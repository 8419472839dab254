// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package stats // import "github.com/plasma-umass/scalene-core/stats"

import "github.com/plasma-umass/scalene-core/runningstats"

// Merge folds the statistics of other into s. Counters and volumes are
// summed, peaks take the maximum, utilization accumulators are combined with
// the parallel merge, timelines are concatenated and re-decimated. Merging
// never loses other's data; it is how child process artifacts are folded
// into the parent at report time.
func (s *Store) Merge(other *Store) {
	mergeLineSums(s.CPUSamplesInterpreted, other.CPUSamplesInterpreted)
	mergeLineSums(s.CPUSamplesNative, other.CPUSamplesNative)
	for file, total := range other.CPUSamplesTotal {
		s.CPUSamplesTotal[file] += total
	}
	mergeLineStats(s.CPUUtilization, other.CPUUtilization)
	mergeLineStats(s.CoreUtilization, other.CoreUtilization)
	mergeLineSums(s.GPUSamples, other.GPUSamples)
	mergeLineStats(s.GPUMemSamples, other.GPUMemSamples)

	mergeSiteSums(s.MallocVolumeMB, other.MallocVolumeMB)
	mergeSiteSums(s.MallocInterpretedVolumeMB, other.MallocInterpretedVolumeMB)
	mergeSiteSums(s.FreeVolumeMB, other.FreeVolumeMB)
	mergeSiteSums(s.MemcpyVolumeMB, other.MemcpyVolumeMB)
	for file, byLine := range other.FreeCount {
		for line, bySite := range byLine {
			for offset, count := range bySite {
				dst := s.FreeCount
				if dst[file] == nil {
					dst[file] = map[int]map[int]uint64{}
				}
				if dst[file][line] == nil {
					dst[file][line] = map[int]uint64{}
				}
				dst[file][line][offset] += count
			}
		}
	}

	mergeLineSums(s.MemoryCurrentFootprintMB, other.MemoryCurrentFootprintMB)
	mergeLineMax(s.MemoryPeakFootprintMB, other.MemoryPeakFootprintMB)
	mergeLineSums(s.MemoryAggregateFootprintMB, other.MemoryAggregateFootprintMB)

	for file, byLine := range other.LeakScores {
		for line, score := range byLine {
			merged := lineEntry(s.LeakScores, file, line)
			merged.Allocs += score.Allocs
			merged.Frees += score.Frees
			setLineEntry(s.LeakScores, file, line, merged)
		}
	}

	if other.FootprintTimeline != nil {
		s.FootprintTimeline.Merge(other.FootprintTimeline)
	}
	for file, byLine := range other.PerLineTimeline {
		for line, timeline := range byLine {
			s.LineTimeline(file, line).Merge(timeline)
		}
	}

	for file, byLine := range other.ByteOffsetIndex {
		for line, sites := range byLine {
			for offset := range sites {
				s.recordSite(file, line, offset)
			}
		}
	}

	s.TotalCPUSampleSeconds += other.TotalCPUSampleSeconds
	s.TotalMallocVolumeMB += other.TotalMallocVolumeMB
	s.TotalFreeVolumeMB += other.TotalFreeVolumeMB
	s.TotalMemcpyVolumeMB += other.TotalMemcpyVolumeMB
	s.CurrentFootprintMB += other.CurrentFootprintMB
	if other.MaxFootprintMB > s.MaxFootprintMB {
		s.MaxFootprintMB = other.MaxFootprintMB
		s.MaxFootprintLocation = other.MaxFootprintLocation
		s.MaxFootprintInterpretedFraction = other.MaxFootprintInterpretedFraction
	}
	s.Velocity.GrowthMB += other.Velocity.GrowthMB
	s.Velocity.AllocatedMB += other.Velocity.AllocatedMB
	if other.ElapsedSeconds > s.ElapsedSeconds {
		s.ElapsedSeconds = other.ElapsedSeconds
	}
}

func mergeSiteSums(dst, src siteMap[float64]) {
	for file, byLine := range src {
		for line, bySite := range byLine {
			for offset, value := range bySite {
				addSiteEntry(dst, file, line, offset, value)
			}
		}
	}
}

func mergeLineSums(dst, src lineMap[float64]) {
	for file, byLine := range src {
		for line, value := range byLine {
			setLineEntry(dst, file, line, lineEntry(dst, file, line)+value)
		}
	}
}

func mergeLineMax(dst, src lineMap[float64]) {
	for file, byLine := range src {
		for line, value := range byLine {
			if value > lineEntry(dst, file, line) {
				setLineEntry(dst, file, line, value)
			}
		}
	}
}

func mergeLineStats(dst, src lineMap[*runningstats.Stats]) {
	for file, byLine := range src {
		for line, st := range byLine {
			if st != nil {
				lineStats(dst, file, line).Merge(st)
			}
		}
	}
}
