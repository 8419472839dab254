// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package framewalker resolves, per thread, which frame should receive
// sample attribution. A thread caught deep inside library or profiler code
// is walked back to the innermost frame the trace policy accepts, so time is
// charged to the user-visible call site instead of an opaque inner frame.
package framewalker // import "github.com/plasma-umass/scalene-core/framewalker"

import (
	"github.com/plasma-umass/scalene-core/interpreter"
	"github.com/plasma-umass/scalene-core/policy"
)

// Record pairs the frame chosen for attribution with the untouched innermost
// frame of the same thread. Line and file attribution use Frame; bytecode
// inspection (is the thread inside a call?) must use OriginalFrame.
type Record struct {
	Frame         interpreter.Frame
	ThreadID      interpreter.ThreadID
	OriginalFrame interpreter.Frame
	// Main marks the runtime's main thread, the only one whose time can be
	// split precisely into interpreted and native portions.
	Main bool
	// Sleeping threads are excluded from CPU-time normalization.
	Sleeping bool
}

// Walker computes attribution records from runtime stack snapshots.
type Walker struct {
	snapshotter interpreter.Snapshotter
	policy      *policy.Policy
}

// New returns a Walker reading stacks from snapshotter and filtering frames
// through pol.
func New(snapshotter interpreter.Snapshotter, pol *policy.Policy) *Walker {
	return &Walker{snapshotter: snapshotter, policy: pol}
}

// ComputeFramesToRecord returns one record per live thread that has a
// traceable frame, main thread first. Threads whose entire stack fails the
// trace policy contribute nothing.
func (w *Walker) ComputeFramesToRecord() []Record {
	threads := w.snapshotter.CurrentFrames()
	records := make([]Record, 0, len(threads))
	for _, thread := range threads {
		resolved := w.resolve(thread.Frame)
		if resolved == nil {
			continue
		}
		rec := Record{
			Frame:         resolved,
			ThreadID:      thread.ThreadID,
			OriginalFrame: thread.Frame,
			Main:          thread.Main,
			Sleeping:      thread.Sleeping,
		}
		if thread.Main {
			// Snapshotters list the main thread first, but don't rely on it:
			// downstream attribution depends on this ordering.
			records = append([]Record{rec}, records...)
		} else {
			records = append(records, rec)
		}
	}
	return records
}

// resolve walks the caller chain until a frame passes the trace policy.
func (w *Walker) resolve(frame interpreter.Frame) interpreter.Frame {
	for f := frame; f != nil; f = f.Back() {
		if w.policy.ShouldTrace(w.frameFilename(f), f.Function()) {
			return f
		}
	}
	return nil
}

// frameFilename returns the frame's source file, falling back to the
// immediate caller's for dynamically compiled code with no file of its own.
func (w *Walker) frameFilename(f interpreter.Frame) string {
	if name := f.Filename(); name != "" {
		return name
	}
	if back := f.Back(); back != nil {
		return back.Filename()
	}
	return interpreter.UnknownSourceFile
}

// Location returns the canonicalized (file, line) a record attributes to.
func (w *Walker) Location(rec Record) (string, int) {
	return w.policy.CanonicalFilename(w.frameFilename(rec.Frame)), rec.Frame.Line()
}
