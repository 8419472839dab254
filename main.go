// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/plasma-umass/scalene-core/clock"
	"github.com/plasma-umass/scalene-core/interpreter/cpython"
	"github.com/plasma-umass/scalene-core/profiler"
	"github.com/plasma-umass/scalene-core/testsupport/fakeinterp"
	"github.com/plasma-umass/scalene-core/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2

	// Shell convention for death by SIGTERM: 128 + signal number. The report
	// is still flushed on the way out, but the code tells the invoker the run
	// was cut short.
	exitSignaled exitCode = 128 + exitCode(unix.SIGTERM)
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.dump()
	}

	if code := sanityCheck(args); code != exitSuccess {
		return code
	}

	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer mainCancel()

	startTime := time.Now()
	log.Infof("Starting scalene-core %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	major, minor, err := parsePythonVersion(args.pythonVersion)
	if err != nil {
		return parseError("%v", err)
	}
	introspector, err := cpython.NewIntrospector(major, minor)
	if err != nil {
		return failure("Failed to set up bytecode introspection: %v", err)
	}

	mode := clock.ModeWall
	if args.cpuOnly {
		mode = clock.ModeVirtual
	}

	snapshotter := &fakeinterp.Snapshotter{}
	prof, err := profiler.New(profiler.Config{
		Program:             args.program,
		CPUSamplingInterval: args.cpuSamplingInterval,
		Mode:                mode,
		ProfileAll:          args.profileAll,
		ProfileOnly:         splitList(args.profileOnly),
		ProfileExclude:      splitList(args.profileExclude),
		LeakDetection:       args.leakDetector,
		RecordFilePath:      args.mallocRecords,
		MemcpyFilePath:      args.memcpyRecords,
		ArtifactDir:         args.artifactDir,
		ParentPID:           args.parentPID,
		CPUPercentThreshold: args.cpuPercentThreshold,
	}, snapshotter, introspector, nil)
	if err != nil {
		return failure("Failed to set up profiler: %v", err)
	}

	if err = prof.Start(mainCtx); err != nil {
		return failure("Failed to start profiler: %v", err)
	}

	if err = runReplay(prof, snapshotter, args.replay); err != nil {
		_ = prof.Stop()
		return failure("Replay failed: %v", err)
	}

	if args.parentPID != 0 {
		// A child session's only output is its artifact, written at stop.
		if err = prof.Stop(); err != nil {
			return failure("Failed to stop profiler: %v", err)
		}
		log.Infof("Child statistics published after %v", time.Since(startTime))
		return finalCode(mainCtx)
	}

	profile, err := prof.Report()
	if err != nil {
		_ = prof.Stop()
		return failure("Failed to assemble report: %v", err)
	}
	if err = prof.Stop(); err != nil {
		return failure("Failed to stop profiler: %v", err)
	}

	if err = writeProfile(profile, args.outfile); err != nil {
		return failure("Failed to write report: %v", err)
	}
	log.Infof("Profile complete after %v", time.Since(startTime))
	return finalCode(mainCtx)
}

// finalCode distinguishes a run cut short by SIGINT or SIGTERM from a clean
// one. The profile has been flushed either way.
func finalCode(ctx context.Context) exitCode {
	if ctx.Err() != nil {
		return exitSignaled
	}
	return exitSuccess
}

func writeProfile(profile any, outfile string) error {
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if outfile == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(outfile, data, 0o644)
}

func sanityCheck(args *arguments) exitCode {
	if args.replay == "" {
		return parseError("A replay script is required; for live profiling " +
			"embed the profiler package instead of running this binary")
	}

	if args.cpuSamplingInterval <= 0 {
		return parseError("Invalid argument for cpu-sampling-interval: %v",
			args.cpuSamplingInterval)
	}

	if args.cpuPercentThreshold < 0 || args.cpuPercentThreshold > 100 {
		return parseError("Invalid argument for cpu-percent-threshold: %g "+
			"(must be within [0..100])", args.cpuPercentThreshold)
	}

	if args.parentPID < 0 {
		return parseError("Invalid argument for parent-pid: %d", args.parentPID)
	}

	return exitSuccess
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
