// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator owns everything asynchronous about sampling: signal
// registration, the re-entrancy guards that drop nested deliveries, the
// per-event-class queues with their background consumers, and the jittered
// sampling timer. Samplers themselves stay synchronous and single-threaded;
// this package is the only place that deals with concurrency.
package coordinator // import "github.com/plasma-umass/scalene-core/coordinator"

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/plasma-umass/scalene-core/clock"
	"github.com/plasma-umass/scalene-core/cpusampler"
	"github.com/plasma-umass/scalene-core/libpf"
	"github.com/plasma-umass/scalene-core/memsampler"
	"github.com/plasma-umass/scalene-core/stats"
)

const (
	// defaultQueueSize bounds each event-class ring buffer.
	defaultQueueSize = 256
	// defaultJitter randomizes the sampling interval by +/-30% to avoid
	// lock-step alignment with loops in the profiled program.
	defaultJitter = 0.3
)

// Config holds the coordinator's wiring.
type Config struct {
	// SamplingInterval is the nominal time between CPU sample ticks.
	SamplingInterval time.Duration
	// Jitter in [0..1] applied to every timer rearm.
	Jitter float64
	// QueueSize bounds each event queue.
	QueueSize uint32

	// RecordFilePath is the allocator shim's side-channel file, drained on
	// each allocation signal. Empty disables file draining (records can
	// still be injected directly, e.g. by the replay harness).
	RecordFilePath string
	// MemcpyFilePath is the analogous side channel for memcpy records.
	MemcpyFilePath string
	// PID filters records to the current process.
	PID int

	// MallocSignal and MemcpySignal announce "a batch of records is
	// ready". Defaults match the allocator shim: SIGXCPU and SIGXFSZ.
	MallocSignal os.Signal
	MemcpySignal os.Signal
	// StartSignal and StopSignal toggle sampling on a running process.
	// Defaults: SIGUSR1 and SIGUSR2.
	StartSignal os.Signal
	StopSignal  os.Signal
}

func (cfg *Config) applyDefaults() {
	if cfg.Jitter <= 0 {
		cfg.Jitter = defaultJitter
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.MallocSignal == nil {
		cfg.MallocSignal = unix.SIGXCPU
	}
	if cfg.MemcpySignal == nil {
		cfg.MemcpySignal = unix.SIGXFSZ
	}
	if cfg.StartSignal == nil {
		cfg.StartSignal = unix.SIGUSR1
	}
	if cfg.StopSignal == nil {
		cfg.StopSignal = unix.SIGUSR2
	}
}

// allocEvent is one entry in the allocation or memcpy queue. A fromFile
// event carries no records; the consumer drains the side-channel file.
type allocEvent struct {
	records  []memsampler.Record
	fromFile bool
}

// Coordinator runs the sampling loops for one profiling session.
type Coordinator struct {
	cfg Config
	clk clock.Clock
	cpu *cpusampler.Sampler
	mem *memsampler.Sampler

	store *stats.Store

	// Re-entrancy guards: a delivery that finds its guard held is dropped,
	// never queued, matching signal-handler semantics where blocking risks
	// deadlock.
	cpuGuard    sync.Mutex
	allocGuard  sync.Mutex
	memcpyGuard sync.Mutex

	// Processing locks, held by consumers while mutating the store. The
	// reporting path takes all of them to get a consistent snapshot.
	cpuProc    sync.Mutex
	allocProc  sync.Mutex
	memcpyProc sync.Mutex

	tickQueue   fifoRingBuffer[clock.Reading]
	allocQueue  fifoRingBuffer[allocEvent]
	memcpyQueue fifoRingBuffer[allocEvent]

	tickNotify   chan struct{}
	allocNotify  chan struct{}
	memcpyNotify chan struct{}

	clientMu       sync.Mutex
	clientInterval time.Duration
	clientDeadline time.Time
	clientFn       func()

	sampling atomic.Bool
	sigCh    chan os.Signal
	cancel   context.CancelFunc
	eg       *errgroup.Group
	started  bool
	stopped  atomic.Bool
	// DroppedTicks counts deliveries rejected by a held re-entrancy guard.
	DroppedTicks atomic.Uint64
}

// New wires a coordinator. The store reference is only used by the
// PauseAndVisit reporting path; all mutation goes through the samplers.
func New(cfg Config, clk clock.Clock, cpu *cpusampler.Sampler, mem *memsampler.Sampler,
	store *stats.Store) (*Coordinator, error) {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:          cfg,
		clk:          clk,
		cpu:          cpu,
		mem:          mem,
		store:        store,
		tickNotify:   make(chan struct{}, 1),
		allocNotify:  make(chan struct{}, 1),
		memcpyNotify: make(chan struct{}, 1),
		sigCh:        make(chan os.Signal, 16),
	}
	if err := c.tickQueue.initFifo(cfg.QueueSize, "cpu-ticks"); err != nil {
		return nil, err
	}
	if err := c.allocQueue.initFifo(cfg.QueueSize, "alloc-events"); err != nil {
		return nil, err
	}
	if err := c.memcpyQueue.initFifo(cfg.QueueSize, "memcpy-events"); err != nil {
		return nil, err
	}
	return c, nil
}

// Start registers signals and launches the timer loop and the background
// consumers. Sampling begins immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.started {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.eg, ctx = errgroup.WithContext(ctx)

	signal.Notify(c.sigCh, c.cfg.MallocSignal, c.cfg.MemcpySignal,
		c.cfg.StartSignal, c.cfg.StopSignal)

	c.sampling.Store(true)
	c.eg.Go(func() error { return c.timerLoop(ctx) })
	c.eg.Go(func() error { return c.tickConsumer(ctx) })
	c.eg.Go(func() error { return c.allocConsumer(ctx) })
	c.eg.Go(func() error { return c.memcpyConsumer(ctx) })
	c.eg.Go(func() error { return c.signalLoop(ctx) })
	c.started = true
	return nil
}

// Stop halts sampling, deregisters signals and joins the consumers. It is
// idempotent, and retried once on failure: handlers may be mid-flight when
// stop is requested.
func (c *Coordinator) Stop() error {
	if err := c.stop(); err != nil {
		log.Warnf("Retrying profiler stop: %v", err)
		return c.stop()
	}
	return nil
}

func (c *Coordinator) stop() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.sampling.Store(false)
	signal.Stop(c.sigCh)
	if c.cancel != nil {
		c.cancel()
	}
	if c.eg != nil {
		if err := c.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.stopped.Store(false)
			return err
		}
	}
	return nil
}

// Sampling reports whether samples are currently being taken.
func (c *Coordinator) Sampling() bool {
	return c.sampling.Load()
}

// SetSampling toggles sampling, as the lifecycle signals do.
func (c *Coordinator) SetSampling(on bool) {
	was := c.sampling.Swap(on)
	if on && !was {
		// Forget the pre-pause clock reading so the pause itself is not
		// attributed as native time.
		c.cpuProc.Lock()
		c.cpu.Reset()
		c.cpuProc.Unlock()
	}
}

// PauseAndVisit pauses all consumers and runs fn on the quiesced store.
// The report layer uses this to read a consistent snapshot.
func (c *Coordinator) PauseAndVisit(fn func(*stats.Store)) {
	c.cpuProc.Lock()
	defer c.cpuProc.Unlock()
	c.allocProc.Lock()
	defer c.allocProc.Unlock()
	c.memcpyProc.Lock()
	defer c.memcpyProc.Unlock()
	fn(c.store)
}

// PrepareFork drains both record queues and quiesces the consumers so a
// child process never inherits a half-locked queue.
func (c *Coordinator) PrepareFork() {
	c.drainAllocQueues()
	c.PauseAndVisit(func(*stats.Store) {})
}

// InjectTick feeds one clock reading through the tick pipeline, used by the
// replay harness and tests in place of the timer.
func (c *Coordinator) InjectTick(reading clock.Reading) {
	c.tickQueue.append(reading)
	notify(c.tickNotify)
}

// EnqueueAllocRecords injects a batch of allocation records, used by the
// replay harness and tests in place of the allocation signal.
func (c *Coordinator) EnqueueAllocRecords(records []memsampler.Record) {
	c.allocQueue.append(allocEvent{records: records})
	notify(c.allocNotify)
}

// EnqueueMemcpyRecords injects a batch of memcpy records.
func (c *Coordinator) EnqueueMemcpyRecords(records []memsampler.Record) {
	c.memcpyQueue.append(allocEvent{records: records})
	notify(c.memcpyNotify)
}

// SetClientTimer installs a timer the profiled program requested and the
// shim intercepted. The coordinator multiplexes it with its own sampling
// timer, delivering whichever expires first.
func (c *Coordinator) SetClientTimer(interval time.Duration, fn func()) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	c.clientInterval = interval
	c.clientDeadline = time.Now().Add(interval)
	c.clientFn = fn
}

// ClearClientTimer removes the client timer.
func (c *Coordinator) ClearClientTimer() {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	c.clientInterval = 0
	c.clientFn = nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// timerLoop arms a single timer for whichever of the profiler tick and the
// client timer expires first. Profiler rearms are jittered.
func (c *Coordinator) timerLoop(ctx context.Context) error {
	nextTick := time.Now().Add(libpf.AddJitter(c.cfg.SamplingInterval, c.cfg.Jitter))
	timer := time.NewTimer(time.Until(nextTick))
	defer timer.Stop()

	for {
		deadline, isClient := c.nextDeadline(nextTick)
		timer.Reset(time.Until(deadline))
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if isClient {
			c.fireClientTimer()
			continue
		}
		c.onTick()
		nextTick = time.Now().Add(libpf.AddJitter(c.cfg.SamplingInterval, c.cfg.Jitter))
	}
}

// nextDeadline picks the earlier of the profiler's next tick and the client
// timer deadline.
func (c *Coordinator) nextDeadline(nextTick time.Time) (time.Time, bool) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	if c.clientFn != nil && c.clientDeadline.Before(nextTick) {
		return c.clientDeadline, true
	}
	return nextTick, false
}

func (c *Coordinator) fireClientTimer() {
	c.clientMu.Lock()
	fn := c.clientFn
	if c.clientInterval > 0 {
		c.clientDeadline = time.Now().Add(c.clientInterval)
	}
	c.clientMu.Unlock()
	if fn != nil {
		fn()
	}
}

// onTick is the timer-signal handler: minimal re-entrant-safe work only. If
// the guard is held we are still processing a previous delivery; the tick is
// dropped entirely, not queued.
func (c *Coordinator) onTick() {
	if !c.sampling.Load() {
		return
	}
	if !c.cpuGuard.TryLock() {
		c.DroppedTicks.Add(1)
		return
	}
	defer c.cpuGuard.Unlock()
	now, err := c.clk.Read()
	if err != nil {
		log.Debugf("Clock read failed, dropping tick: %v", err)
		return
	}
	c.tickQueue.append(now)
	notify(c.tickNotify)
}

func (c *Coordinator) tickConsumer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.tickNotify:
		}
		for _, reading := range c.tickQueue.readAll() {
			c.cpuProc.Lock()
			c.cpu.ProcessTick(reading)
			c.cpuProc.Unlock()
		}
	}
}

// onAllocSignal and onMemcpySignal mirror onTick for the two record
// streams: guard, enqueue a drain request, return.
func (c *Coordinator) onAllocSignal() {
	if !c.sampling.Load() {
		return
	}
	if !c.allocGuard.TryLock() {
		return
	}
	defer c.allocGuard.Unlock()
	c.allocQueue.append(allocEvent{fromFile: true})
	notify(c.allocNotify)
}

func (c *Coordinator) onMemcpySignal() {
	if !c.sampling.Load() {
		return
	}
	if !c.memcpyGuard.TryLock() {
		return
	}
	defer c.memcpyGuard.Unlock()
	c.memcpyQueue.append(allocEvent{fromFile: true})
	notify(c.memcpyNotify)
}

func (c *Coordinator) allocConsumer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.allocNotify:
		}
		c.processAllocEvents()
	}
}

func (c *Coordinator) processAllocEvents() {
	for _, ev := range c.allocQueue.readAll() {
		records := ev.records
		if ev.fromFile {
			if c.cfg.RecordFilePath == "" {
				continue
			}
			var err error
			records, err = memsampler.DrainRecordFile(c.cfg.RecordFilePath, c.cfg.PID)
			if err != nil {
				// Absence of data is a valid sample outcome.
				log.Debugf("No allocation data this tick: %v", err)
				continue
			}
		}
		if len(records) == 0 {
			continue
		}
		c.allocProc.Lock()
		c.mem.ProcessBatch(records)
		c.allocProc.Unlock()
	}
}

func (c *Coordinator) memcpyConsumer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.memcpyNotify:
		}
		c.processMemcpyEvents()
	}
}

func (c *Coordinator) processMemcpyEvents() {
	for _, ev := range c.memcpyQueue.readAll() {
		records := ev.records
		if ev.fromFile {
			if c.cfg.MemcpyFilePath == "" {
				continue
			}
			var err error
			records, err = memsampler.DrainRecordFile(c.cfg.MemcpyFilePath,
				c.cfg.PID)
			if err != nil {
				log.Debugf("No memcpy data this tick: %v", err)
				continue
			}
		}
		if len(records) == 0 {
			continue
		}
		c.memcpyProc.Lock()
		c.mem.ProcessMemcpyBatch(records)
		c.memcpyProc.Unlock()
	}
}

func (c *Coordinator) signalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-c.sigCh:
			switch sig {
			case c.cfg.MallocSignal:
				c.onAllocSignal()
			case c.cfg.MemcpySignal:
				c.onMemcpySignal()
			case c.cfg.StartSignal:
				log.Infof("Profiling enabled by signal %v", sig)
				c.SetSampling(true)
			case c.cfg.StopSignal:
				log.Infof("Profiling disabled by signal %v", sig)
				c.SetSampling(false)
			}
		}
	}
}

func (c *Coordinator) drainAllocQueues() {
	c.processAllocEvents()
	c.processMemcpyEvents()
}
