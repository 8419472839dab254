// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides which source locations belong to the profiled
// program. The decision is pure for a given (filename, function) pair within
// a session, so results are memoized in an LRU.
package policy // import "github.com/plasma-umass/scalene-core/policy"

import (
	"path/filepath"
	"strings"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
)

// lruDecisionCacheSize bounds the memoized ShouldTrace decisions. Program
// file sets are small; this mostly absorbs library file churn.
const lruDecisionCacheSize = 8192

// Filter selects which files and functions receive attribution.
type Filter struct {
	// ProgramPath is the directory of the profiled program. When ProfileAll
	// is false, only files below it are traced.
	ProgramPath string
	// ProfileAll traces every file the runtime executes, libraries included.
	ProfileAll bool
	// ProfileOnly, when non-empty, restricts tracing to filenames containing
	// at least one of these substrings.
	ProfileOnly []string
	// ProfileExclude rejects filenames containing any of these substrings.
	ProfileExclude []string
	// SelfPrefixes are path fragments identifying the profiler's own
	// runtime support files, never traced.
	SelfPrefixes []string
}

type decisionKey struct {
	filename string
	function string
}

func hashDecisionKey(k decisionKey) uint32 {
	return uint32(xxh3.HashString(k.filename) ^ xxh3.HashString(k.function))
}

// Policy is a cached ShouldTrace predicate. Safe for concurrent use.
type Policy struct {
	filter    Filter
	decisions *freelru.SyncedLRU[decisionKey, bool]
	canonical *freelru.SyncedLRU[string, string]
}

// New builds a Policy from the given filter. ProgramPath is canonicalized
// once here so later per-file checks are pure string work.
func New(filter Filter) (*Policy, error) {
	if filter.ProgramPath != "" {
		abs, err := filepath.Abs(filter.ProgramPath)
		if err != nil {
			return nil, err
		}
		filter.ProgramPath = abs
	}
	decisions, err := freelru.NewSynced[decisionKey, bool](lruDecisionCacheSize,
		hashDecisionKey)
	if err != nil {
		return nil, err
	}
	canonical, err := freelru.NewSynced[string, string](lruDecisionCacheSize,
		func(s string) uint32 { return uint32(xxh3.HashString(s)) })
	if err != nil {
		return nil, err
	}
	return &Policy{filter: filter, decisions: decisions, canonical: canonical}, nil
}

// CanonicalFilename returns the absolute form of filename, memoized.
// Filenames are canonicalized before use as statistics keys.
func (p *Policy) CanonicalFilename(filename string) string {
	if abs, ok := p.canonical.Get(filename); ok {
		return abs
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		log.Debugf("Failed to canonicalize %s: %v", filename, err)
		abs = filename
	}
	p.canonical.Add(filename, abs)
	return abs
}

// ShouldTrace reports whether samples in the given file and function should
// receive attribution.
func (p *Policy) ShouldTrace(filename, function string) bool {
	key := decisionKey{filename: filename, function: function}
	if cached, ok := p.decisions.Get(key); ok {
		return cached
	}
	decision := p.decide(filename, function)
	p.decisions.Add(key, decision)
	return decision
}

func (p *Policy) decide(filename, function string) bool {
	if filename == "" {
		return false
	}
	// Synthetic pseudo-filenames from the runtime (e.g. "<frozen ...>",
	// "<string>") never map to attributable source lines.
	if strings.HasPrefix(filename, "<") {
		return false
	}
	for _, self := range p.filter.SelfPrefixes {
		if strings.Contains(filename, self) {
			return false
		}
	}
	for _, excl := range p.filter.ProfileExclude {
		if excl != "" && strings.Contains(filename, excl) {
			return false
		}
	}
	if len(p.filter.ProfileOnly) > 0 {
		found := false
		for _, only := range p.filter.ProfileOnly {
			if only != "" && strings.Contains(filename, only) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if p.filter.ProfileAll {
		return true
	}
	abs := p.CanonicalFilename(filename)
	return p.filter.ProgramPath == "" ||
		strings.HasPrefix(abs, p.filter.ProgramPath+string(filepath.Separator)) ||
		abs == p.filter.ProgramPath
}
