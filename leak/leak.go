// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package leak converts per-line allocation/free evidence into leak
// likelihoods. The estimate is a Bayesian rule of succession over how often
// peak-triggering allocations at a line were later freed: lines whose
// allocations are confidently never freed score as probable leaks. A global
// allocation-growth gate suppresses all reports while the program is not
// actually growing.
package leak // import "github.com/plasma-umass/scalene-core/leak"

import (
	"sort"
	"time"

	"github.com/plasma-umass/scalene-core/stats"
)

const (
	// DefaultGrowthRateThresholdPercent is the minimum global allocation
	// growth rate for leak reporting to engage at all.
	DefaultGrowthRateThresholdPercent = 1.0
	// DefaultReportingThreshold is the maximum expected free probability
	// for a line to be reported as a possible leak.
	DefaultReportingThreshold = 0.05
)

// Candidate is one line's evidence, extracted from the statistics store.
type Candidate struct {
	Location stats.LineLocation
	Score    stats.LeakScore
	// AllocVolumeMB is the line's accumulated allocation volume, used to
	// express the leak as a velocity.
	AllocVolumeMB float64
}

// Report is one suspected leak.
type Report struct {
	Location stats.LineLocation
	// Likelihood is 1 - expected free probability: confidence that memory
	// allocated at this line is never freed.
	Likelihood float64
	// VelocityMBPerSec is the line's allocation volume over elapsed wall
	// time.
	VelocityMBPerSec float64
}

// Estimator holds the leak-reporting thresholds. Both are tunables; the
// defaults match long-standing profiler behavior.
type Estimator struct {
	GrowthRateThresholdPercent float64
	ReportingThreshold         float64
}

// NewEstimator returns an Estimator with default thresholds.
func NewEstimator() *Estimator {
	return &Estimator{
		GrowthRateThresholdPercent: DefaultGrowthRateThresholdPercent,
		ReportingThreshold:         DefaultReportingThreshold,
	}
}

// ExpectedFreeProbability is the rule-of-succession estimate, with a uniform
// prior, that an allocation at a line with this score will be freed.
func ExpectedFreeProbability(score stats.LeakScore) float64 {
	return float64(score.Frees+1) / float64(score.Frees+score.Allocs+2)
}

// ComputeLeaks returns the suspected leaks among candidates, most confident
// first. The result is empty unless the global growth rate exceeds the
// estimator's threshold, regardless of the candidates' scores.
func (e *Estimator) ComputeLeaks(growthRatePercent float64, candidates []Candidate,
	elapsed time.Duration) []Report {
	if growthRatePercent <= e.GrowthRateThresholdPercent {
		return nil
	}
	elapsedSec := elapsed.Seconds()
	reports := make([]Report, 0, len(candidates))
	for _, c := range candidates {
		p := ExpectedFreeProbability(c.Score)
		if p > e.ReportingThreshold {
			continue
		}
		velocity := 0.0
		if elapsedSec > 0 {
			velocity = c.AllocVolumeMB / elapsedSec
		}
		reports = append(reports, Report{
			Location:         c.Location,
			Likelihood:       1 - p,
			VelocityMBPerSec: velocity,
		})
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Likelihood > reports[j].Likelihood
	})
	return reports
}
