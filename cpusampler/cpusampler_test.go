// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package cpusampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasma-umass/scalene-core/clock"
	"github.com/plasma-umass/scalene-core/framewalker"
	"github.com/plasma-umass/scalene-core/gpu"
	"github.com/plasma-umass/scalene-core/interpreter"
	"github.com/plasma-umass/scalene-core/interpreter/cpython"
	"github.com/plasma-umass/scalene-core/policy"
	"github.com/plasma-umass/scalene-core/stats"
	"github.com/plasma-umass/scalene-core/testsupport/fakeinterp"
)

const interval = 10 * time.Millisecond

type fixture struct {
	store   *stats.Store
	snap    *fakeinterp.Snapshotter
	sampler *Sampler
}

type fixedGPU struct {
	stats gpu.Stats
}

func (g fixedGPU) GetStats() (gpu.Stats, bool) { return g.stats, true }

func newFixture(t *testing.T, mode clock.Mode, provider gpu.Provider) *fixture {
	t.Helper()
	store, err := stats.NewStore(27)
	require.NoError(t, err)
	pol, err := policy.New(policy.Filter{ProfileAll: true})
	require.NoError(t, err)
	snap := &fakeinterp.Snapshotter{}
	intro, err := cpython.NewIntrospector(3, 12)
	require.NoError(t, err)
	sampler := New(Config{
		NominalInterval: interval,
		Mode:            mode,
		CPUCount:        4,
	}, store, framewalker.New(snap, pol), intro, provider)
	return &fixture{store: store, snap: snap, sampler: sampler}
}

func reading(wall, user time.Duration) clock.Reading {
	return clock.Reading{Wall: wall, User: user}
}

func TestFirstTickPrimesOnly(t *testing.T) {
	f := newFixture(t, clock.ModeWall, nil)
	f.snap.SetFrames(fakeinterp.MainThread(
		&fakeinterp.Frame{File: "/app/main.py", Func: "run", LineNo: 1}))
	res := f.sampler.ProcessTick(reading(0, 0))
	assert.NotEqual(t, Attributed, res.Reason)
	assert.Zero(t, f.store.TotalCPUSampleSeconds)
}

func TestPureInterpretedTick(t *testing.T) {
	f := newFixture(t, clock.ModeWall, nil)
	f.snap.SetFrames(fakeinterp.MainThread(
		&fakeinterp.Frame{File: "/app/main.py", Func: "run", LineNo: 5}))

	f.sampler.ProcessTick(reading(0, 0))
	res := f.sampler.ProcessTick(reading(interval, interval))

	require.Equal(t, Attributed, res.Reason)
	assert.InDelta(t, interval.Seconds(), res.InterpretedTime, 1e-9)
	assert.InDelta(t, 0, res.NativeTime, 1e-9)
	assert.InDelta(t, interval.Seconds(),
		f.store.CPUSamplesInterpreted["/app/main.py"][5], 1e-9)
	assert.InDelta(t, 0, f.store.CPUSamplesNative["/app/main.py"][5], 1e-9)
}

func TestExcessElapsedGoesToNative(t *testing.T) {
	f := newFixture(t, clock.ModeWall, nil)
	f.snap.SetFrames(fakeinterp.MainThread(
		&fakeinterp.Frame{File: "/app/main.py", Func: "run", LineNo: 5}))

	f.sampler.ProcessTick(reading(0, 0))
	// Signal swallowed inside a native call for 4 extra intervals.
	res := f.sampler.ProcessTick(reading(5*interval, 5*interval))

	require.Equal(t, Attributed, res.Reason)
	assert.InDelta(t, interval.Seconds(), res.InterpretedTime, 1e-9)
	assert.InDelta(t, 4*interval.Seconds(), res.NativeTime, 1e-9)
	// Conservation: split sums to total.
	assert.InDelta(t, res.TotalTime, res.InterpretedTime+res.NativeTime, 1e-12)
}

func TestNegativeElapsedDropped(t *testing.T) {
	f := newFixture(t, clock.ModeWall, nil)
	f.snap.SetFrames(fakeinterp.MainThread(
		&fakeinterp.Frame{File: "/app/main.py", Func: "run", LineNo: 5}))

	f.sampler.ProcessTick(reading(interval, interval/2))
	res := f.sampler.ProcessTick(reading(2*interval, interval))
	require.Equal(t, Attributed, res.Reason)

	// User CPU time moving backwards drops the sample.
	res = f.sampler.ProcessTick(reading(3*interval, interval/2))
	assert.Equal(t, SkipNegativeElapsed, res.Reason)
}

func TestUtilizationClamped(t *testing.T) {
	f := newFixture(t, clock.ModeWall, nil)
	f.snap.SetFrames(fakeinterp.MainThread(
		&fakeinterp.Frame{File: "/app/main.py", Func: "run", LineNo: 5}))

	f.sampler.ProcessTick(reading(0, 0))
	// Multi-core native threads: user time outruns wall time.
	f.sampler.ProcessTick(reading(interval, 3*interval))

	util := f.store.CPUUtilization["/app/main.py"][5]
	require.NotNil(t, util)
	assert.InDelta(t, 1.0, util.Mean(), 1e-12)
}

func TestMultiThreadNormalization(t *testing.T) {
	f := newFixture(t, clock.ModeWall, nil)

	callCode := &fakeinterp.Code{Ops: []byte{171, 0}} // CALL on 3.12
	loadCode := &fakeinterp.Code{Ops: []byte{100, 0}} // LOAD_CONST
	f.snap.SetFrames([]interpreter.ThreadFrame{
		{ThreadID: 1, Main: true,
			Frame: &fakeinterp.Frame{File: "/app/main.py", Func: "run", LineNo: 1}},
		{ThreadID: 2,
			Frame: &fakeinterp.Frame{File: "/app/worker.py", Func: "native",
				LineNo: 2, Codes: callCode}},
		{ThreadID: 3,
			Frame: &fakeinterp.Frame{File: "/app/worker.py", Func: "pure",
				LineNo: 3, Codes: loadCode}},
		{ThreadID: 4, Sleeping: true,
			Frame: &fakeinterp.Frame{File: "/app/worker.py", Func: "wait", LineNo: 4}},
	})

	f.sampler.ProcessTick(reading(0, 0))
	res := f.sampler.ProcessTick(reading(2*interval, 2*interval))

	require.Equal(t, Attributed, res.Reason)
	assert.Equal(t, 3, res.Threads)

	// Sleeping thread got nothing.
	assert.Zero(t, f.store.CPUSamplesInterpreted["/app/worker.py"][4])
	assert.Zero(t, f.store.CPUSamplesNative["/app/worker.py"][4])

	// Thread parked on a CALL opcode attributes to native, the other to
	// interpreted, each with a 1/3 share of the sample.
	share := res.TotalTime / 3
	assert.InDelta(t, share, f.store.CPUSamplesNative["/app/worker.py"][2], 1e-9)
	assert.Zero(t, f.store.CPUSamplesInterpreted["/app/worker.py"][2])
	assert.InDelta(t, share, f.store.CPUSamplesInterpreted["/app/worker.py"][3], 1e-9)

	// Conservation across all threads.
	attributed := f.store.CPUSamplesInterpreted["/app/main.py"][1] +
		f.store.CPUSamplesNative["/app/main.py"][1] +
		f.store.CPUSamplesNative["/app/worker.py"][2] +
		f.store.CPUSamplesInterpreted["/app/worker.py"][3]
	assert.InDelta(t, res.TotalTime, attributed, 1e-9)
}

func TestGPUSampling(t *testing.T) {
	f := newFixture(t, clock.ModeWall,
		fixedGPU{stats: gpu.Stats{Load: 0.5, MemoryUsedMB: 2048}})
	f.snap.SetFrames(fakeinterp.MainThread(
		&fakeinterp.Frame{File: "/app/main.py", Func: "run", LineNo: 5}))

	f.sampler.ProcessTick(reading(0, 0))
	res := f.sampler.ProcessTick(reading(interval, interval))

	require.Equal(t, Attributed, res.Reason)
	assert.InDelta(t, 0.5*res.TotalTime, f.store.GPUSamples["/app/main.py"][5], 1e-9)
	mem := f.store.GPUMemSamples["/app/main.py"][5]
	require.NotNil(t, mem)
	assert.InDelta(t, 2048, mem.Mean(), 1e-12)
}

func TestVirtualMode(t *testing.T) {
	f := newFixture(t, clock.ModeVirtual, nil)
	f.snap.SetFrames(fakeinterp.MainThread(
		&fakeinterp.Frame{File: "/app/main.py", Func: "run", LineNo: 5}))

	f.sampler.ProcessTick(reading(0, 0))
	// Process slept most of the wall interval: virtual mode only attributes
	// the CPU time actually consumed.
	res := f.sampler.ProcessTick(clock.Reading{Wall: 10 * interval, User: interval})

	require.Equal(t, Attributed, res.Reason)
	assert.InDelta(t, interval.Seconds(), res.TotalTime, 1e-9)
}

func TestProcessTickRecovers(t *testing.T) {
	f := newFixture(t, clock.ModeWall, nil)
	// A snapshot with a nil frame would panic inside attribution; the
	// handler must swallow it.
	f.snap.SetFrames([]interpreter.ThreadFrame{{ThreadID: 1, Main: true}})
	f.sampler.ProcessTick(reading(0, 0))
	assert.NotPanics(t, func() {
		f.sampler.ProcessTick(reading(interval, interval))
	})
}
