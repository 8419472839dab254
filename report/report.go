// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package report turns a quiesced statistics store into per-line profile
// output and handles the cross-process artifact files child processes leave
// behind for the parent to merge.
package report // import "github.com/plasma-umass/scalene-core/report"

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/plasma-umass/scalene-core/leak"
	"github.com/plasma-umass/scalene-core/libpf"
	"github.com/plasma-umass/scalene-core/stats"
)

// LineReport is the profile output for one source line.
type LineReport struct {
	Line int `json:"line"`

	CPUInterpretedSeconds float64 `json:"cpu_interpreted_seconds"`
	CPUNativeSeconds      float64 `json:"cpu_native_seconds"`
	// CPUPercent is this line's share of all attributed CPU seconds.
	CPUPercent      float64 `json:"cpu_percent"`
	CPUUtilization  float64 `json:"cpu_utilization"`
	CoreUtilization float64 `json:"core_utilization"`

	GPUSeconds      float64 `json:"gpu_seconds"`
	GPUMemoryAvgMB  float64 `json:"gpu_memory_avg_mb"`
	GPUMemoryPeakMB float64 `json:"gpu_memory_peak_mb"`

	MallocMB float64 `json:"malloc_mb"`
	// InterpretedAllocFraction is how much of the line's allocation volume
	// was requested from interpreted code.
	InterpretedAllocFraction float64 `json:"interpreted_alloc_fraction"`
	FreeMB                   float64 `json:"free_mb"`
	MemcpyMBPerSec           float64 `json:"memcpy_mb_per_sec"`

	PeakFootprintMB      float64 `json:"peak_footprint_mb"`
	AggregateFootprintMB float64 `json:"aggregate_footprint_mb"`
	AllocationSites      int     `json:"allocation_sites"`

	FootprintTimeline []float64 `json:"footprint_timeline,omitempty"`
}

// FileReport groups a file's line reports, ordered by line number.
type FileReport struct {
	Filename string       `json:"filename"`
	Percent  float64      `json:"percent_cpu_time"`
	Lines    []LineReport `json:"lines"`
}

// Profile is the complete assembled output for one session.
type Profile struct {
	Program   string    `json:"program"`
	SessionID uuid.UUID `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	ElapsedSeconds        float64 `json:"elapsed_seconds"`
	TotalCPUSampleSeconds float64 `json:"total_cpu_sample_seconds"`
	MaxFootprintMB        float64 `json:"max_footprint_mb"`
	// MaxFootprintPython is the interpreted fraction of the allocation that
	// set the footprint peak.
	MaxFootprintPython float64            `json:"max_footprint_python"`
	MaxFootprintFile   string             `json:"max_footprint_file,omitempty"`
	MaxFootprintLine   int                `json:"max_footprint_line,omitempty"`
	GrowthRatePercent  float64            `json:"growth_rate_percent"`
	FootprintTimeline  []float64          `json:"footprint_timeline"`
	SamplesWindow      int64              `json:"samples_window"`
	Files              []FileReport       `json:"files"`
	Leaks              map[string]float64 `json:"leaks,omitempty"`
}

// Assembler builds Profiles from store snapshots.
type Assembler struct {
	// Program is the profiled program's path, echoed into the report.
	Program string
	// SessionID ties reports and child artifacts to one profiling run.
	SessionID uuid.UUID
	// CPUPercentThreshold drops lines below this share of total CPU time
	// unless they carry memory activity. Zero keeps everything.
	CPUPercentThreshold float64

	estimator *leak.Estimator
}

// NewAssembler returns an Assembler with a fresh session identity.
func NewAssembler(program string) *Assembler {
	return &Assembler{
		Program:   program,
		SessionID: uuid.New(),
		estimator: leak.NewEstimator(),
	}
}

// Assemble builds the complete per-line profile from s. The caller must have
// quiesced the store, typically via the coordinator's PauseAndVisit.
func (a *Assembler) Assemble(s *stats.Store) *Profile {
	p := &Profile{
		Program:               a.Program,
		SessionID:             a.SessionID,
		Timestamp:             time.Now(),
		ElapsedSeconds:        s.ElapsedSeconds,
		TotalCPUSampleSeconds: s.TotalCPUSampleSeconds,
		MaxFootprintMB:        s.MaxFootprintMB,
		MaxFootprintPython:    s.MaxFootprintInterpretedFraction,
		MaxFootprintFile:      s.MaxFootprintLocation.File,
		MaxFootprintLine:      s.MaxFootprintLocation.Line,
		GrowthRatePercent:     s.Velocity.GrowthRatePercent(),
		FootprintTimeline:     s.FootprintTimeline.Values(),
		SamplesWindow:         s.FootprintTimeline.WindowMultiplier(),
	}

	for _, file := range a.reportedFiles(s) {
		fr := FileReport{Filename: file}
		for _, line := range reportedLines(s, file) {
			lr := a.assembleLine(s, file, line)
			if a.skipLine(lr) {
				continue
			}
			fr.Percent += lr.CPUPercent
			fr.Lines = append(fr.Lines, lr)
		}
		if len(fr.Lines) > 0 {
			p.Files = append(p.Files, fr)
		}
	}
	sort.Slice(p.Files, func(i, j int) bool {
		if p.Files[i].Percent != p.Files[j].Percent {
			return p.Files[i].Percent > p.Files[j].Percent
		}
		return p.Files[i].Filename < p.Files[j].Filename
	})

	p.Leaks = a.assembleLeaks(s)
	return p
}

// skipLine applies the CPU threshold, but never suppresses memory activity.
func (a *Assembler) skipLine(lr LineReport) bool {
	if a.CPUPercentThreshold <= 0 {
		return false
	}
	if lr.MallocMB > 0 || lr.FreeMB > 0 || lr.MemcpyMBPerSec > 0 {
		return false
	}
	return lr.CPUPercent < a.CPUPercentThreshold
}

func (a *Assembler) assembleLine(s *stats.Store, file string, line int) LineReport {
	lr := LineReport{
		Line:                  line,
		CPUInterpretedSeconds: s.CPUSamplesInterpreted[file][line],
		CPUNativeSeconds:      s.CPUSamplesNative[file][line],
		GPUSeconds:            s.GPUSamples[file][line],
		MallocMB:              sumSites(s.MallocVolumeMB, file, line),
		FreeMB:                sumSites(s.FreeVolumeMB, file, line),
		PeakFootprintMB:       s.MemoryPeakFootprintMB[file][line],
		AggregateFootprintMB:  s.MemoryAggregateFootprintMB[file][line],
		AllocationSites:       len(s.ByteOffsetIndex[file][line]),
	}
	if s.TotalCPUSampleSeconds > 0 {
		lr.CPUPercent = 100 * (lr.CPUInterpretedSeconds + lr.CPUNativeSeconds) /
			s.TotalCPUSampleSeconds
	}
	if st := s.CPUUtilization[file][line]; st != nil {
		lr.CPUUtilization = st.Mean()
	}
	if st := s.CoreUtilization[file][line]; st != nil {
		lr.CoreUtilization = st.Mean()
	}
	if st := s.GPUMemSamples[file][line]; st != nil {
		lr.GPUMemoryAvgMB = st.Mean()
		lr.GPUMemoryPeakMB = st.Peak()
	}
	if lr.MallocMB > 0 {
		lr.InterpretedAllocFraction =
			sumSites(s.MallocInterpretedVolumeMB, file, line) / lr.MallocMB
	}
	if s.ElapsedSeconds > 0 {
		lr.MemcpyMBPerSec = sumSites(s.MemcpyVolumeMB, file, line) /
			s.ElapsedSeconds
	}
	if tl := s.PerLineTimeline[file][line]; tl != nil {
		lr.FootprintTimeline = tl.Values()
	}
	return lr
}

// assembleLeaks runs the estimator over the store's leak evidence. Keys are
// "file:line" strings, values likelihoods, matching the artifact consumers.
func (a *Assembler) assembleLeaks(s *stats.Store) map[string]float64 {
	var candidates []leak.Candidate
	for file, byLine := range s.LeakScores {
		for line, score := range byLine {
			candidates = append(candidates, leak.Candidate{
				Location:      stats.LineLocation{File: file, Line: line},
				Score:         score,
				AllocVolumeMB: sumSites(s.MallocVolumeMB, file, line),
			})
		}
	}
	reports := a.estimator.ComputeLeaks(s.Velocity.GrowthRatePercent(),
		candidates, time.Duration(s.ElapsedSeconds*float64(time.Second)))
	if len(reports) == 0 {
		return nil
	}
	leaks := make(map[string]float64, len(reports))
	for _, r := range reports {
		leaks[r.Location.String()] = r.Likelihood
	}
	return leaks
}

// reportedFiles is the union of all filenames any sampler touched, sorted.
func (a *Assembler) reportedFiles(s *stats.Store) []string {
	seen := libpf.Set[string]{}
	for file := range s.CPUSamplesInterpreted {
		seen.Add(file)
	}
	for file := range s.CPUSamplesNative {
		seen.Add(file)
	}
	for file := range s.GPUSamples {
		seen.Add(file)
	}
	for file := range s.MallocVolumeMB {
		seen.Add(file)
	}
	for file := range s.FreeVolumeMB {
		seen.Add(file)
	}
	for file := range s.MemcpyVolumeMB {
		seen.Add(file)
	}
	for file := range s.MemoryPeakFootprintMB {
		seen.Add(file)
	}
	files := seen.ToSlice()
	sort.Strings(files)
	return files
}

// reportedLines is the union of all line numbers touched within one file.
func reportedLines(s *stats.Store, file string) []int {
	seen := libpf.Set[int]{}
	for line := range s.CPUSamplesInterpreted[file] {
		seen.Add(line)
	}
	for line := range s.CPUSamplesNative[file] {
		seen.Add(line)
	}
	for line := range s.GPUSamples[file] {
		seen.Add(line)
	}
	for line := range s.MallocVolumeMB[file] {
		seen.Add(line)
	}
	for line := range s.FreeVolumeMB[file] {
		seen.Add(line)
	}
	for line := range s.MemcpyVolumeMB[file] {
		seen.Add(line)
	}
	for line := range s.MemoryPeakFootprintMB[file] {
		seen.Add(line)
	}
	lines := seen.ToSlice()
	sort.Ints(lines)
	return lines
}

func sumSites(m map[string]map[int]map[int]float64, file string, line int) float64 {
	var total float64
	for _, v := range m[file][line] {
		total += v
	}
	return total
}
