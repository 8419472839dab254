// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package memsampler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasma-umass/scalene-core/policy"
	"github.com/plasma-umass/scalene-core/stats"
)

const mb = 1024 * 1024

func newTestSampler(t *testing.T, cfg Config) (*Sampler, *stats.Store) {
	t.Helper()
	store, err := stats.NewStore(27)
	require.NoError(t, err)
	pol, err := policy.New(policy.Filter{ProfileAll: true})
	require.NoError(t, err)
	return New(cfg, store, pol), store
}

func malloc(ts int64, bytes float64, ptr uint64, file string, line, offset int) Record {
	return Record{
		Action: ActionMalloc, Timestamp: ts, Bytes: bytes, InterpretedFraction: 1,
		Pointer: ptr, Filename: file, Line: line, ByteOffset: offset,
	}
}

func free(ts int64, bytes float64, ptr uint64, file string, line, offset int) Record {
	return Record{
		Action: ActionFreeSampled, Timestamp: ts, Bytes: bytes,
		Pointer: ptr, Filename: file, Line: line, ByteOffset: offset,
	}
}

func TestFootprintConservation(t *testing.T) {
	s, store := newTestSampler(t, Config{})

	res := s.ProcessBatch([]Record{
		malloc(1, 10*mb, 0x100, "/app/main.py", 5, 0),
		malloc(2, 6*mb, 0x200, "/app/main.py", 6, 0),
		free(3, 4*mb, 0x100, "/app/main.py", 9, 0),
	})
	assert.Equal(t, 3, res.Processed)
	assert.InDelta(t, 12.0, store.CurrentFootprintMB, 1e-9)
	assert.InDelta(t, 16.0, store.MaxFootprintMB, 1e-9)
	assert.InDelta(t, 12.0, res.FootprintDeltaMB, 1e-9)
	assert.True(t, res.NewPeak)
	assert.Equal(t, "/app/main.py", store.MaxFootprintLocation.File)
	assert.Equal(t, 6, store.MaxFootprintLocation.Line)
}

func TestFreesBeforeMallocsClamped(t *testing.T) {
	s, store := newTestSampler(t, Config{})
	s.ProcessBatch([]Record{
		free(1, 50*mb, 0x100, "/app/main.py", 2, 0),
		malloc(2, 8*mb, 0x200, "/app/main.py", 3, 0),
	})
	assert.InDelta(t, 8.0, store.CurrentFootprintMB, 1e-9)
	// Freed volume is still recorded per line.
	assert.InDelta(t, 50.0, store.FreeVolumeMB["/app/main.py"][2][0], 1e-9)
}

func TestOutOfOrderTimestampsSorted(t *testing.T) {
	s, store := newTestSampler(t, Config{})
	// Free arrives before its malloc in file order; sorting repairs it.
	s.ProcessBatch([]Record{
		free(20, 8*mb, 0x100, "/app/main.py", 9, 0),
		malloc(10, 8*mb, 0x100, "/app/main.py", 5, 0),
	})
	assert.Zero(t, store.CurrentFootprintMB)
	assert.InDelta(t, 8.0, store.MaxFootprintMB, 1e-9)
}

func TestNewlineTriggerFlushesHighwater(t *testing.T) {
	s, store := newTestSampler(t, Config{})

	s.ProcessBatch([]Record{
		malloc(1, 12*mb, 0x100, "/app/main.py", 5, 0),
	})
	assert.InDelta(t, 12.0, store.MemoryPeakFootprintMB["/app/main.py"][5], 1e-9)

	s.ProcessBatch([]Record{
		malloc(2, NewlineTriggerBytes, 0x0, "/app/main.py", 5, 0),
	})
	// Sentinel is not user memory.
	assert.InDelta(t, 12.0, store.CurrentFootprintMB, 1e-9)
	assert.InDelta(t, 12.0, store.MallocVolumeMB["/app/main.py"][5][0], 1e-9)
	// The line's highwater mark moved into the aggregate.
	assert.InDelta(t, 12.0, store.MemoryAggregateFootprintMB["/app/main.py"][5], 1e-9)
	assert.Zero(t, store.MemoryPeakFootprintMB["/app/main.py"][5])
}

func TestLeakEvidenceAndTriggerCredit(t *testing.T) {
	s, store := newTestSampler(t, Config{LeakDetection: true, LeakNoiseFloorMB: 10})

	s.ProcessBatch([]Record{
		malloc(1, 20*mb, 0xabc, "/app/main.py", 7, 4),
	})
	assert.Equal(t, uint64(1), store.LeakScores["/app/main.py"][7].Allocs)
	require.True(t, store.LastMallocTriggered.Valid)
	assert.Equal(t, uint64(0xabc), store.LastMallocTriggered.Pointer)

	// Freeing the trigger pointer credits the site and clears the marker.
	s.ProcessBatch([]Record{
		free(2, 20*mb, 0xabc, "/app/main.py", 9, 0),
	})
	assert.Equal(t, uint64(1), store.LeakScores["/app/main.py"][7].Frees)
	assert.False(t, store.LastMallocTriggered.Valid)
}

func TestNoiseFloorGatesLeakEvidence(t *testing.T) {
	s, store := newTestSampler(t, Config{LeakDetection: true})
	s.ProcessBatch([]Record{
		malloc(1, 20*mb, 0x100, "/app/main.py", 7, 0),
	})
	// 20MB is under the default 100MB floor.
	assert.Empty(t, store.LeakScores)
	assert.False(t, store.LastMallocTriggered.Valid)
}

func TestVelocityAccumulates(t *testing.T) {
	s, store := newTestSampler(t, Config{})
	s.ProcessBatch([]Record{
		malloc(1, 10*mb, 0x100, "/app/main.py", 5, 0),
		free(2, 10*mb, 0x100, "/app/main.py", 6, 0),
		malloc(3, 5*mb, 0x200, "/app/main.py", 5, 0),
	})
	assert.InDelta(t, 15.0, store.Velocity.AllocatedMB, 1e-9)
	assert.InDelta(t, 5.0, store.Velocity.GrowthMB, 1e-9)
}

func TestMemcpyBatch(t *testing.T) {
	s, store := newTestSampler(t, Config{})
	s.ProcessMemcpyBatch([]Record{
		{Action: ActionMalloc, Timestamp: 1, Bytes: 2 * mb,
			Filename: "/app/main.py", Line: 4, ByteOffset: 8},
	})
	assert.InDelta(t, 2.0, store.MemcpyVolumeMB["/app/main.py"][4][8], 1e-9)
	assert.Zero(t, store.CurrentFootprintMB)
}

func TestRecordParsing(t *testing.T) {
	rec, err := ParseRecord("M,1234,1048576,0.75,42,0xdeadbeef,/app/main.py,17,6")
	require.NoError(t, err)
	assert.Equal(t, ActionMalloc, rec.Action)
	assert.Equal(t, int64(1234), rec.Timestamp)
	assert.InDelta(t, 1.0, rec.MB(), 1e-12)
	assert.InDelta(t, 0.75, rec.InterpretedFraction, 1e-12)
	assert.Equal(t, 42, rec.PID)
	assert.Equal(t, uint64(0xdeadbeef), rec.Pointer)
	assert.Equal(t, "/app/main.py", rec.Filename)
	assert.Equal(t, 17, rec.Line)
	assert.Equal(t, 6, rec.ByteOffset)

	for name, line := range map[string]string{
		"truncated":   "M,1234,1048576",
		"bad action":  "X,1,2,0,1,0x0,/a.py,1,0",
		"bad pointer": "F,1,2,0,1,zzz,/a.py,1,0",
		"empty":       "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRecord(line)
			assert.Error(t, err)
		})
	}
}

func TestParseRecordsFiltersPID(t *testing.T) {
	stream := "M,1,1048576,1,42,0x100,/app/main.py,5,0\n" +
		"M,2,1048576,1,99,0x200,/app/main.py,6,0\n" +
		"garbage line\n" +
		"F,3,1048576,0,42,0x100,/app/main.py,9,0\n"
	records := ParseRecords(strings.NewReader(stream), 42)
	require.Len(t, records, 2)
	assert.Equal(t, ActionMalloc, records[0].Action)
	assert.Equal(t, ActionFree, records[1].Action)
}

func TestDrainRecordFileMissing(t *testing.T) {
	records, err := DrainRecordFile("/nonexistent/records", 1)
	require.NoError(t, err)
	assert.Empty(t, records)
}

