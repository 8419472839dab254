// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
)

const (
	// Default values for CLI flags
	defaultCPUSamplingInterval = 10 * time.Millisecond
	defaultCPUPercentThreshold = 1.0
	defaultPythonVersion       = "3.12"
)

// Help strings for command line arguments
var (
	cpuSamplingIntervalHelp = "Nominal interval between CPU samples."
	cpuPercentThresholdHelp = "Omit lines below this percentage of CPU time from reports, " +
		"unless they show memory activity."
	profileAllHelp = "Profile all executed files, libraries included, " +
		"not just the program's own."
	profileOnlyHelp = "Comma-separated list of filename substrings; " +
		"only matching files are profiled."
	profileExcludeHelp = "Comma-separated list of filename substrings to exclude " +
		"from profiling."
	cpuOnlyHelp        = "Attribute CPU time only while the process is on-CPU (virtual time)."
	mallocRecordsHelp  = "Path of the allocation record stream written by the memory shim."
	memcpyRecordsHelp  = "Path of the memcpy record stream written by the memory shim."
	leakDetectorHelp   = "Enable memory leak likelihood estimation."
	artifactDirHelp    = "Directory for cross-process statistics artifacts."
	parentPIDHelp      = "PID of the parent profiler process; set in forked children."
	outfileHelp        = "Write the JSON profile to this file instead of stdout."
	replayHelp         = "Replay a recorded workload script through the profiling pipeline."
	pythonVersionHelp  = "Target interpreter version, for bytecode call-site detection."
	verboseModeHelp    = "Enable verbose logging and debugging capabilities."
	versionHelp        = "Show version."
	programHelp        = "Path of the profiled program's entry file."
)

// arguments is everything the flag surface configures, pre-validation.
type arguments struct {
	program             string
	cpuSamplingInterval time.Duration
	cpuPercentThreshold float64
	profileAll          bool
	profileOnly         string
	profileExclude      string
	cpuOnly             bool
	mallocRecords       string
	memcpyRecords       string
	leakDetector        bool
	artifactDir         string
	parentPID           int
	outfile             string
	replay              string
	pythonVersion       string
	verboseMode         bool
	version             bool

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("scalene-core", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.artifactDir, "artifact-dir", os.TempDir(), artifactDirHelp)
	fs.BoolVar(&args.cpuOnly, "cpu-only", false, cpuOnlyHelp)
	fs.Float64Var(&args.cpuPercentThreshold, "cpu-percent-threshold",
		defaultCPUPercentThreshold, cpuPercentThresholdHelp)
	fs.DurationVar(&args.cpuSamplingInterval, "cpu-sampling-interval",
		defaultCPUSamplingInterval, cpuSamplingIntervalHelp)
	fs.BoolVar(&args.leakDetector, "leak-detector", false, leakDetectorHelp)
	fs.StringVar(&args.mallocRecords, "malloc-records", "", mallocRecordsHelp)
	fs.StringVar(&args.memcpyRecords, "memcpy-records", "", memcpyRecordsHelp)
	fs.StringVar(&args.outfile, "outfile", "", outfileHelp)
	fs.IntVar(&args.parentPID, "parent-pid", 0, parentPIDHelp)
	fs.BoolVar(&args.profileAll, "profile-all", false, profileAllHelp)
	fs.StringVar(&args.profileExclude, "profile-exclude", "", profileExcludeHelp)
	fs.StringVar(&args.profileOnly, "profile-only", "", profileOnlyHelp)
	fs.StringVar(&args.program, "program", "", programHelp)
	fs.StringVar(&args.pythonVersion, "python-version", defaultPythonVersion,
		pythonVersionHelp)
	fs.StringVar(&args.replay, "replay", "", replayHelp)
	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SCALENE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}

// splitList parses a comma-separated flag value, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePythonVersion splits "major.minor" into its parts.
func parsePythonVersion(value string) (major, minor int, err error) {
	if _, err = fmt.Sscanf(value, "%d.%d", &major, &minor); err != nil {
		return 0, 0, fmt.Errorf("invalid interpreter version %q: %w", value, err)
	}
	return major, minor, nil
}

// dump logs the arguments, used when verbose mode is enabled.
func (args *arguments) dump() {
	log.Debug("Config:")
	args.fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}
