// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package profiler assembles a complete profiling session: statistics store,
// trace policy, frame walker, CPU and memory samplers, signal coordinator and
// report assembler, wired together from one Config.
package profiler // import "github.com/plasma-umass/scalene-core/profiler"

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"

	"github.com/plasma-umass/scalene-core/clock"
	"github.com/plasma-umass/scalene-core/coordinator"
	"github.com/plasma-umass/scalene-core/cpusampler"
	"github.com/plasma-umass/scalene-core/framewalker"
	"github.com/plasma-umass/scalene-core/gpu"
	"github.com/plasma-umass/scalene-core/interpreter"
	"github.com/plasma-umass/scalene-core/memsampler"
	"github.com/plasma-umass/scalene-core/periodiccaller"
	"github.com/plasma-umass/scalene-core/policy"
	"github.com/plasma-umass/scalene-core/report"
	"github.com/plasma-umass/scalene-core/reservoir"
	"github.com/plasma-umass/scalene-core/stats"
)

// DefaultCPUSamplingInterval matches the long-standing 10ms CPU timer.
const DefaultCPUSamplingInterval = 10 * time.Millisecond

// elapsedUpdateInterval is how often the session's elapsed-time bookkeeping
// runs in the background. Jittered so it does not phase-lock with the
// sampling timer.
const (
	elapsedUpdateInterval = time.Second
	elapsedUpdateJitter   = 0.2
)

// artifactPublishInterval is how often a child session refreshes its
// statistics artifact, so the parent sees recent data even if the child
// never stops cleanly.
const artifactPublishInterval = 30 * time.Second

// rssLogInterval is how often the footprint cross-check is logged when
// debug logging is enabled.
const rssLogInterval = 10 * time.Second

// Config holds everything a session needs. Zero values get sensible
// defaults in New.
type Config struct {
	// Program is the profiled program's entry file.
	Program string
	// CPUSamplingInterval is the nominal CPU timer period.
	CPUSamplingInterval time.Duration
	// Mode selects wall-clock or CPU-only attribution.
	Mode clock.Mode

	// ProfileAll widens tracing beyond the program's own files.
	ProfileAll bool
	// ProfileOnly and ProfileExclude are comma-separated filename
	// substring filters.
	ProfileOnly    []string
	ProfileExclude []string

	// LeakDetection enables leak-score evidence collection.
	LeakDetection bool

	// RecordFilePath and MemcpyFilePath are the allocator shim's side
	// channels. Empty disables the respective stream.
	RecordFilePath string
	MemcpyFilePath string

	// ArtifactDir is the shared directory for cross-process artifacts.
	// Defaults to the system temp directory.
	ArtifactDir string
	// ParentPID is set in forked children; it routes the session's output
	// into an artifact file instead of a report.
	ParentPID int
	// SessionID ties a parent and its children together. Children inherit
	// it through the environment; the zero UUID means "new session".
	SessionID uuid.UUID

	// CPUPercentThreshold drops CPU-idle, allocation-free lines from
	// reports.
	CPUPercentThreshold float64

	// TargetPID attaches the CPU clock to another process instead of the
	// one hosting the profiler. Zero observes the current process.
	TargetPID int
}

// Profiler is one live profiling session.
type Profiler struct {
	cfg       Config
	store     *stats.Store
	policy    *policy.Policy
	coord     *coordinator.Coordinator
	assembler *report.Assembler
	pid       int

	stopElapsed    func()
	stopPublish    func()
	stopRSSLog     func()
	publishTrigger chan bool
}

// New builds a session around the given runtime hooks. snapshotter and
// introspector come from the interpreter integration; gpuProvider may be nil.
func New(cfg Config, snapshotter interpreter.Snapshotter,
	introspector interpreter.Introspector, gpuProvider gpu.Provider) (*Profiler, error) {
	if cfg.CPUSamplingInterval <= 0 {
		cfg.CPUSamplingInterval = DefaultCPUSamplingInterval
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = os.TempDir()
	}
	if cfg.SessionID == uuid.Nil {
		cfg.SessionID = uuid.New()
	}

	store, err := stats.NewStore(reservoir.DefaultCapacity)
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(policy.Filter{
		ProgramPath:    cfg.Program,
		ProfileAll:     cfg.ProfileAll,
		ProfileOnly:    cfg.ProfileOnly,
		ProfileExclude: cfg.ProfileExclude,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build trace policy: %w", err)
	}

	walker := framewalker.New(snapshotter, pol)
	cpuSampler := cpusampler.New(cpusampler.Config{
		NominalInterval: cfg.CPUSamplingInterval,
		Mode:            cfg.Mode,
		CPUCount:        cpuCount(),
	}, store, walker, introspector, gpuProvider)

	memSampler := memsampler.New(memsampler.Config{
		LeakDetection:    cfg.LeakDetection,
		LeakNoiseFloorMB: leakNoiseFloorMB(),
	}, store, pol)

	clk := clock.NewSystem()
	if cfg.TargetPID != 0 {
		clk, err = clock.NewProcess(int32(cfg.TargetPID))
		if err != nil {
			return nil, fmt.Errorf("failed to attach to pid %d: %w",
				cfg.TargetPID, err)
		}
	}

	coord, err := coordinator.New(coordinator.Config{
		SamplingInterval: cfg.CPUSamplingInterval,
		RecordFilePath:   cfg.RecordFilePath,
		MemcpyFilePath:   cfg.MemcpyFilePath,
	}, clk, cpuSampler, memSampler, store)
	if err != nil {
		return nil, err
	}

	assembler := report.NewAssembler(cfg.Program)
	assembler.SessionID = cfg.SessionID
	assembler.CPUPercentThreshold = cfg.CPUPercentThreshold

	return &Profiler{
		cfg:       cfg,
		store:     store,
		policy:    pol,
		coord:     coord,
		assembler: assembler,
		pid:       os.Getpid(),
	}, nil
}

// cpuCount returns the number of logical cores, preferring the richer OS
// inventory over the runtime's view of it.
func cpuCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// leakNoiseFloorMB scales the leak evidence floor with the machine: on big
// hosts small footprint wiggles are not leak evidence.
func leakNoiseFloorMB() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return memsampler.DefaultLeakNoiseFloorMB
	}
	floor := float64(vm.Total) / (1024 * 1024) / 100
	return max(floor, memsampler.DefaultLeakNoiseFloorMB)
}

// Start begins sampling.
func (p *Profiler) Start(ctx context.Context) error {
	log.Infof("Profiling %s (session %s, interval %v, mode %s)",
		p.cfg.Program, p.cfg.SessionID, p.cfg.CPUSamplingInterval, p.cfg.Mode)
	if err := p.coord.Start(ctx); err != nil {
		return err
	}
	// Keep elapsed time fresh so MB/s velocities stay meaningful even if
	// the session ends without a clean stop.
	p.stopElapsed = periodiccaller.StartWithJitter(ctx, elapsedUpdateInterval,
		elapsedUpdateJitter, func() {
			p.coord.PauseAndVisit(func(s *stats.Store) {
				s.UpdateElapsed()
			})
		})
	if p.cfg.ParentPID != 0 {
		p.publishTrigger = make(chan bool, 1)
		p.stopPublish = periodiccaller.StartWithManualTrigger(ctx,
			artifactPublishInterval, p.publishTrigger, func(bool) {
				p.publishArtifact()
			})
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		p.stopRSSLog = periodiccaller.Start(ctx, rssLogInterval, p.logRSS)
	}
	return nil
}

// PublishArtifact asks a child session to write its statistics artifact now
// instead of waiting for the next periodic publish or for Stop. No-op in the
// parent.
func (p *Profiler) PublishArtifact() {
	if p.publishTrigger == nil {
		return
	}
	select {
	case p.publishTrigger <- true:
	default:
	}
}

func (p *Profiler) publishArtifact() {
	var err error
	p.coord.PauseAndVisit(func(s *stats.Store) {
		s.UpdateElapsed()
		_, err = report.WriteArtifact(p.cfg.ArtifactDir, p.cfg.SessionID,
			p.cfg.ParentPID, p.pid, s)
	})
	if err != nil {
		log.Warnf("Failed to publish statistics artifact: %v", err)
	}
}

// Coordinator exposes the session's coordinator for signal-level control:
// lifecycle toggles, client timers and record injection.
func (p *Profiler) Coordinator() *coordinator.Coordinator {
	return p.coord
}

// Stop halts sampling. A child process additionally publishes its statistics
// as an artifact for the parent.
func (p *Profiler) Stop() error {
	if p.stopElapsed != nil {
		p.stopElapsed()
	}
	if p.stopPublish != nil {
		p.stopPublish()
	}
	if p.stopRSSLog != nil {
		p.stopRSSLog()
	}
	if err := p.coord.Stop(); err != nil {
		return err
	}
	p.logRSS()
	if p.cfg.ParentPID == 0 {
		return nil
	}
	var artifactErr error
	p.coord.PauseAndVisit(func(s *stats.Store) {
		s.UpdateElapsed()
		_, artifactErr = report.WriteArtifact(p.cfg.ArtifactDir,
			p.cfg.SessionID, p.cfg.ParentPID, p.pid, s)
	})
	if artifactErr != nil {
		return fmt.Errorf("failed to publish child statistics: %w", artifactErr)
	}
	return nil
}

// Report merges any child artifacts and assembles the session profile.
func (p *Profiler) Report() (*report.Profile, error) {
	var (
		profile  *report.Profile
		mergeErr error
	)
	p.coord.PauseAndVisit(func(s *stats.Store) {
		s.UpdateElapsed()
		var merged int
		merged, mergeErr = report.MergeChildArtifacts(p.cfg.ArtifactDir,
			p.cfg.SessionID, p.pid, s)
		if merged > 0 {
			log.Infof("Merged statistics from %d child process(es)", merged)
		}
		profile = p.assembler.Assemble(s)
	})
	if mergeErr != nil {
		// Partial reports beat no reports; the failing artifacts are
		// logged and left behind.
		log.Warnf("Some child artifacts could not be merged: %v", mergeErr)
	}
	return profile, nil
}

// PrepareFork quiesces the session so a fork does not inherit half-drained
// queues. The child is expected to build its own Profiler with ParentPID set.
func (p *Profiler) PrepareFork() {
	p.coord.PrepareFork()
}

// logRSS cross-checks the reconstructed footprint against the OS view.
func (p *Profiler) logRSS() {
	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	log.Debugf("Final RSS %.1f MB, reconstructed footprint %.1f MB",
		float64(info.RSS)/(1024*1024), p.store.CurrentFootprintMB)
}
