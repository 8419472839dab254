// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package cpusampler turns timer ticks into per-line CPU attribution.
//
// The central trick: the runtime only delivers async signals once it has
// handed control back to the interpreter loop. If a tick arrives after
// exactly the nominal sampling interval, execution was purely interpreted;
// any excess elapsed time was spent inside a native call that swallowed
// signal delivery. The main thread's time is split that way precisely; other
// threads never receive the signal, so their split falls back to a bytecode
// heuristic on the innermost frame.
package cpusampler // import "github.com/plasma-umass/scalene-core/cpusampler"

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plasma-umass/scalene-core/clock"
	"github.com/plasma-umass/scalene-core/framewalker"
	"github.com/plasma-umass/scalene-core/gpu"
	"github.com/plasma-umass/scalene-core/interpreter"
	"github.com/plasma-umass/scalene-core/stats"
)

// SkipReason states why a tick produced no attribution.
type SkipReason int

const (
	// Attributed means the tick was fully processed.
	Attributed SkipReason = iota
	// SkipNegativeElapsed drops samples whose wall, virtual or user delta
	// went backwards, as happens around clock adjustments and across forks.
	SkipNegativeElapsed
	// SkipNoFrames means no thread had a traceable frame this tick.
	SkipNoFrames
)

// TickResult describes one processed tick, mostly for tests and metrics.
type TickResult struct {
	Reason          SkipReason
	InterpretedTime float64
	NativeTime      float64
	// TotalTime == InterpretedTime + NativeTime, in seconds.
	TotalTime float64
	// Threads is the number of non-sleeping threads the sample was
	// normalized across.
	Threads int
}

// Config holds the sampler's per-session switches.
type Config struct {
	// NominalInterval is the configured time between CPU timer signals.
	NominalInterval time.Duration
	// Mode selects wall-clock or process-virtual elapsed-time attribution.
	Mode clock.Mode
	// CPUCount is the number of hardware cores, for core utilization.
	CPUCount int
}

// Sampler processes CPU timer ticks. Not internally synchronized: ticks are
// processed one at a time on the coordinator's consumer goroutine.
type Sampler struct {
	cfg          Config
	store        *stats.Store
	walker       *framewalker.Walker
	introspector interpreter.Introspector
	gpuProvider  gpu.Provider

	prev     clock.Reading
	havePrev bool
}

// New returns a Sampler writing into store.
func New(cfg Config, store *stats.Store, walker *framewalker.Walker,
	introspector interpreter.Introspector, gpuProvider gpu.Provider) *Sampler {
	if cfg.CPUCount <= 0 {
		cfg.CPUCount = 1
	}
	if gpuProvider == nil {
		gpuProvider = gpu.NoneProvider{}
	}
	return &Sampler{
		cfg:          cfg,
		store:        store,
		walker:       walker,
		introspector: introspector,
		gpuProvider:  gpuProvider,
	}
}

// Reset forgets the previous tick, e.g. across a profiling stop/start.
func (s *Sampler) Reset() {
	s.havePrev = false
}

// ProcessTick attributes the time elapsed since the previous tick. Any panic
// escaping the attribution logic is caught here: a profiler bug must not
// take the profiled program down with it.
func (s *Sampler) ProcessTick(now clock.Reading) (result TickResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered from CPU sample processing failure: %v", r)
		}
	}()
	return s.processTick(now)
}

func (s *Sampler) processTick(now clock.Reading) TickResult {
	if !s.havePrev {
		s.prev, s.havePrev = now, true
		return TickResult{Reason: SkipNoFrames}
	}
	elapsedWall := (now.Wall - s.prev.Wall).Seconds()
	elapsedVirtual := (now.Virtual() - s.prev.Virtual()).Seconds()
	elapsedUser := (now.User - s.prev.User).Seconds()
	s.prev = now

	if elapsedWall < 0 || elapsedVirtual < 0 || elapsedUser < 0 {
		return TickResult{Reason: SkipNegativeElapsed}
	}

	// On-CPU fraction for this sample. Under multi-core native threads the
	// user time can outrun the wall clock; clamp and trust the CPU time.
	cpuUtil := 0.0
	if elapsedWall > 0 {
		cpuUtil = elapsedUser / elapsedWall
	}
	if cpuUtil > 1.0 {
		cpuUtil = 1.0
		elapsedWall = elapsedUser
	}

	elapsed := elapsedWall
	if s.cfg.Mode == clock.ModeVirtual {
		elapsed = elapsedVirtual
	}
	interpretedTime := s.cfg.NominalInterval.Seconds()
	if elapsed < interpretedTime {
		interpretedTime = elapsed
	}
	nativeTime := max(elapsed-interpretedTime, 0)
	totalTime := interpretedTime + nativeTime

	records := s.walker.ComputeFramesToRecord()
	running := 0
	for _, rec := range records {
		if !rec.Sleeping {
			running++
		}
	}
	if running == 0 {
		return TickResult{Reason: SkipNoFrames}
	}

	// Signals land on the main thread only, yet every runnable thread burns
	// real CPU concurrently, so each gets an equal share of this sample.
	share := 1.0 / float64(running)
	gpuStats, gpuOK := s.gpuProvider.GetStats()
	coreUtil := cpuUtil / float64(s.cfg.CPUCount)

	for _, rec := range records {
		if rec.Sleeping {
			continue
		}
		file, line := s.walker.Location(rec)
		if rec.Main {
			s.store.AddCPUSample(file, line, interpretedTime*share, nativeTime*share)
		} else if s.isInsideCall(rec.OriginalFrame) {
			s.store.AddCPUSample(file, line, 0, totalTime*share)
		} else {
			s.store.AddCPUSample(file, line, totalTime*share, 0)
		}
		s.store.ObserveUtilization(file, line, cpuUtil, coreUtil)
		if gpuOK {
			s.store.AddGPUSample(file, line, gpuStats.Load*totalTime*share,
				gpuStats.MemoryUsedMB)
		}
	}

	return TickResult{
		Reason:          Attributed,
		InterpretedTime: interpretedTime,
		NativeTime:      nativeTime,
		TotalTime:       totalTime,
		Threads:         running,
	}
}

// isInsideCall reports whether a non-main thread's innermost frame is parked
// on a call-family instruction, the best available hint that it was running
// native code when sampled.
func (s *Sampler) isInsideCall(original interpreter.Frame) bool {
	if s.introspector == nil || original == nil {
		return false
	}
	return s.introspector.IsCallInstruction(original.Code(), original.LastInstruction())
}
