// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(27)
	require.NoError(t, err)
	return s
}

func TestAddCPUSample(t *testing.T) {
	s := newTestStore(t)
	s.AddCPUSample("/app/main.py", 10, 0.01, 0.002)
	s.AddCPUSample("/app/main.py", 10, 0.01, 0)
	s.AddCPUSample("/app/util.py", 3, 0.005, 0.005)

	assert.InDelta(t, 0.02, s.CPUSamplesInterpreted["/app/main.py"][10], 1e-12)
	assert.InDelta(t, 0.002, s.CPUSamplesNative["/app/main.py"][10], 1e-12)
	assert.InDelta(t, 0.022, s.CPUSamplesTotal["/app/main.py"], 1e-12)
	assert.InDelta(t, 0.032, s.TotalCPUSampleSeconds, 1e-12)
}

func TestLineFootprintClampAndCap(t *testing.T) {
	s := newTestStore(t)
	s.MaxFootprintMB = 5

	// Free before any malloc: clamped at zero.
	s.UpdateLineFootprint("/app/main.py", 7, -3)
	assert.Zero(t, s.MemoryCurrentFootprintMB["/app/main.py"][7])

	// Highwater mark cannot exceed the global peak.
	s.UpdateLineFootprint("/app/main.py", 7, 20)
	assert.Equal(t, 20.0, s.MemoryCurrentFootprintMB["/app/main.py"][7])
	assert.Equal(t, 5.0, s.MemoryPeakFootprintMB["/app/main.py"][7])
}

func TestFlushLineHighwater(t *testing.T) {
	s := newTestStore(t)
	s.MaxFootprintMB = 100

	s.UpdateLineFootprint("/app/main.py", 7, 10)
	s.FlushLineHighwater("/app/main.py", 7)
	assert.Equal(t, 10.0, s.MemoryAggregateFootprintMB["/app/main.py"][7])
	assert.Zero(t, s.MemoryPeakFootprintMB["/app/main.py"][7])
	assert.Zero(t, s.MemoryCurrentFootprintMB["/app/main.py"][7])

	// Second execution accumulates.
	s.UpdateLineFootprint("/app/main.py", 7, 4)
	s.FlushLineHighwater("/app/main.py", 7)
	assert.Equal(t, 14.0, s.MemoryAggregateFootprintMB["/app/main.py"][7])
}

func TestByteOffsetIndex(t *testing.T) {
	s := newTestStore(t)
	s.AddMallocVolume("/app/main.py", 3, 0, 1, 1)
	s.AddMallocVolume("/app/main.py", 3, 14, 2, 0)
	s.AddFreeVolume("/app/main.py", 3, 14, 2)

	sites := s.ByteOffsetIndex["/app/main.py"][3]
	assert.Len(t, sites, 2)
	assert.Contains(t, sites, 0)
	assert.Contains(t, sites, 14)
	assert.Equal(t, uint64(1), s.FreeCount["/app/main.py"][3][14])
}

func TestClearKeepsTimeline(t *testing.T) {
	s := newTestStore(t)
	s.FootprintTimeline.Add(1.5)
	s.AddCPUSample("/app/main.py", 1, 0.01, 0)
	s.Clear()

	assert.Zero(t, s.TotalCPUSampleSeconds)
	assert.Empty(t, s.CPUSamplesInterpreted)
	assert.Equal(t, 1, s.FootprintTimeline.Len())

	s.ClearAll()
	assert.Zero(t, s.FootprintTimeline.Len())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.AddCPUSample("/app/main.py", 10, 0.02, 0.01)
	s.ObserveUtilization("/app/main.py", 10, 0.9, 0.45)
	s.AddMallocVolume("/app/main.py", 12, 4, 8.0, 6.0)
	s.AddGPUSample("/app/main.py", 10, 0.01, 512)
	s.RecordLeakAlloc("/app/main.py", 12)
	s.FootprintTimeline.Add(8.0)
	s.LineTimeline("/app/main.py", 12).Add(8.0)
	s.MaxFootprintMB = 8
	s.UpdateElapsed()

	data, err := s.Encode()
	require.NoError(t, err)
	restored, err := Decode(data)
	require.NoError(t, err)

	assert.InDelta(t, 0.02, restored.CPUSamplesInterpreted["/app/main.py"][10], 1e-12)
	assert.InDelta(t, 0.9, restored.CPUUtilization["/app/main.py"][10].Mean(), 1e-12)
	assert.InDelta(t, 8.0, restored.MallocVolumeMB["/app/main.py"][12][4], 1e-12)
	assert.Equal(t, uint64(1), restored.LeakScores["/app/main.py"][12].Allocs)
	assert.Equal(t, []float64{8}, restored.FootprintTimeline.Values())
	assert.Equal(t, []float64{8}, restored.PerLineTimeline["/app/main.py"][12].Values())
	assert.Equal(t, 8.0, restored.MaxFootprintMB)

	// The restored store must be fully usable, not just readable.
	restored.AddCPUSample("/app/other.py", 1, 0.01, 0)
	restored.LineTimeline("/app/other.py", 1).Add(1)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not a gzip payload"))
	assert.Error(t, err)
}
