// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plasma-umass/scalene-core/clock"
	"github.com/plasma-umass/scalene-core/memsampler"
	"github.com/plasma-umass/scalene-core/profiler"
	"github.com/plasma-umass/scalene-core/stats"
	"github.com/plasma-umass/scalene-core/testsupport/fakeinterp"
)

// A replay script drives the whole pipeline from a recorded workload,
// without a live interpreter attached. One directive per line:
//
//	frame <file> <line> <function>    set the main thread's innermost frame
//	tick <wall> <user> <system>       deliver a CPU sample (Go durations)
//	alloc <record>                    deliver one allocation record
//	memcpy <record>                   deliver one memcpy record
//
// Blank lines and lines starting with '#' are ignored. Records use the
// memory shim's on-disk format; a pid of 0 is rewritten to our own.

// runReplay feeds the script through prof and waits for the pipeline to
// settle.
func runReplay(prof *profiler.Profiler, snap *fakeinterp.Snapshotter,
	path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open replay script: %w", err)
	}
	defer f.Close()

	var allocs, memcpys []memsampler.Record
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		directive, rest, _ := strings.Cut(line, " ")
		switch directive {
		case "frame":
			err = replayFrame(snap, rest)
		case "tick":
			// Ticks flush buffered records first so the replay keeps
			// the original interleaving.
			flushRecords(prof, &allocs, &memcpys)
			err = replayTick(prof, rest)
		case "alloc":
			err = bufferRecord(&allocs, rest)
		case "memcpy":
			err = bufferRecord(&memcpys, rest)
		default:
			err = fmt.Errorf("unknown directive %q", directive)
		}
		if err != nil {
			return fmt.Errorf("replay script line %d: %w", lineNo, err)
		}
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("failed to read replay script: %w", err)
	}
	flushRecords(prof, &allocs, &memcpys)
	waitSettled(prof)
	return nil
}

func replayFrame(snap *fakeinterp.Snapshotter, rest string) error {
	fields := strings.Fields(rest)
	if len(fields) != 3 {
		return fmt.Errorf("frame needs <file> <line> <function>, got %q", rest)
	}
	line, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("bad frame line number: %w", err)
	}
	snap.SetFrames(fakeinterp.MainThread(&fakeinterp.Frame{
		File:   fields[0],
		LineNo: line,
		Func:   fields[2],
	}))
	return nil
}

func replayTick(prof *profiler.Profiler, rest string) error {
	fields := strings.Fields(rest)
	if len(fields) != 3 {
		return fmt.Errorf("tick needs <wall> <user> <system>, got %q", rest)
	}
	var reading clock.Reading
	for i, dst := range []*time.Duration{&reading.Wall, &reading.User,
		&reading.System} {
		d, err := time.ParseDuration(fields[i])
		if err != nil {
			return fmt.Errorf("bad tick duration: %w", err)
		}
		*dst = d
	}
	prof.Coordinator().InjectTick(reading)
	return nil
}

func bufferRecord(buf *[]memsampler.Record, rest string) error {
	rec, err := memsampler.ParseRecord(strings.TrimSpace(rest))
	if err != nil {
		return err
	}
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	*buf = append(*buf, rec)
	return nil
}

func flushRecords(prof *profiler.Profiler, allocs, memcpys *[]memsampler.Record) {
	if len(*allocs) > 0 {
		prof.Coordinator().EnqueueAllocRecords(*allocs)
		*allocs = nil
	}
	if len(*memcpys) > 0 {
		prof.Coordinator().EnqueueMemcpyRecords(*memcpys)
		*memcpys = nil
	}
}

// waitSettled polls the store until the background consumers stop making
// progress, so the report sees everything the script injected.
func waitSettled(prof *profiler.Profiler) {
	read := func() (float64, float64, float64) {
		var cpu, malloc, memcpy float64
		prof.Coordinator().PauseAndVisit(func(s *stats.Store) {
			cpu = s.TotalCPUSampleSeconds
			malloc = s.TotalMallocVolumeMB
			memcpy = s.TotalMemcpyVolumeMB
		})
		return cpu, malloc, memcpy
	}

	deadline := time.Now().Add(2 * time.Second)
	prevCPU, prevMalloc, prevMemcpy := read()
	for time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		cpu, malloc, memcpy := read()
		if cpu == prevCPU && malloc == prevMalloc && memcpy == prevMemcpy {
			return
		}
		prevCPU, prevMalloc, prevMemcpy = cpu, malloc, memcpy
	}
	log.Warn("Replay pipeline still busy at deadline, reporting anyway")
}
