// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package leak

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasma-umass/scalene-core/stats"
)

func TestExpectedFreeProbability(t *testing.T) {
	// Uniform prior with no evidence.
	assert.InDelta(t, 0.5, ExpectedFreeProbability(stats.LeakScore{}), 1e-12)
	// Many unfreed peak allocations push the probability toward zero.
	assert.InDelta(t, 1.0/52.0,
		ExpectedFreeProbability(stats.LeakScore{Allocs: 50}), 1e-12)
	// Matched frees push it toward one.
	assert.Greater(t,
		ExpectedFreeProbability(stats.LeakScore{Allocs: 5, Frees: 50}), 0.85)
}

func TestMonotoneInFrees(t *testing.T) {
	prev := ExpectedFreeProbability(stats.LeakScore{Allocs: 20})
	for frees := uint64(1); frees < 20; frees++ {
		cur := ExpectedFreeProbability(stats.LeakScore{Allocs: 20, Frees: frees})
		assert.Greater(t, cur, prev, "frees=%d", frees)
		prev = cur
	}
}

func TestGrowthGateSuppressesReports(t *testing.T) {
	e := NewEstimator()
	candidates := []Candidate{{
		Location:      stats.LineLocation{File: "/app/main.py", Line: 3},
		Score:         stats.LeakScore{Allocs: 100},
		AllocVolumeMB: 500,
	}}
	assert.Empty(t, e.ComputeLeaks(0.5, candidates, time.Minute))
	// The gate only opens on growth strictly above the threshold.
	assert.Empty(t, e.ComputeLeaks(e.GrowthRateThresholdPercent, candidates,
		time.Minute))
	assert.NotEmpty(t, e.ComputeLeaks(1.5, candidates, time.Minute))
}

func TestComputeLeaksFiltersAndSorts(t *testing.T) {
	e := NewEstimator()
	loud := Candidate{
		Location:      stats.LineLocation{File: "/app/a.py", Line: 1},
		Score:         stats.LeakScore{Allocs: 200},
		AllocVolumeMB: 120,
	}
	quiet := Candidate{
		Location:      stats.LineLocation{File: "/app/b.py", Line: 2},
		Score:         stats.LeakScore{Allocs: 30},
		AllocVolumeMB: 60,
	}
	freed := Candidate{
		Location: stats.LineLocation{File: "/app/c.py", Line: 3},
		Score:    stats.LeakScore{Allocs: 10, Frees: 10},
	}

	reports := e.ComputeLeaks(5, []Candidate{quiet, freed, loud}, 2*time.Minute)
	require.Len(t, reports, 2)
	assert.Equal(t, loud.Location, reports[0].Location)
	assert.Equal(t, quiet.Location, reports[1].Location)
	assert.Greater(t, reports[0].Likelihood, reports[1].Likelihood)
	assert.InDelta(t, 1.0, reports[0].VelocityMBPerSec, 1e-12)
}

func TestZeroElapsed(t *testing.T) {
	e := NewEstimator()
	reports := e.ComputeLeaks(5, []Candidate{{
		Score:         stats.LeakScore{Allocs: 100},
		AllocVolumeMB: 10,
	}}, 0)
	require.Len(t, reports, 1)
	assert.Zero(t, reports[0].VelocityMBPerSec)
}
