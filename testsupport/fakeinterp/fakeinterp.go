// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package fakeinterp provides a scriptable in-memory implementation of the
// runtime introspection interfaces, used by sampler tests and the replay
// harness.
package fakeinterp // import "github.com/plasma-umass/scalene-core/testsupport/fakeinterp"

import (
	"github.com/plasma-umass/scalene-core/interpreter"
	"github.com/plasma-umass/scalene-core/libpf/xsync"
)

// Code is a fake code object exposing raw bytecode.
type Code struct {
	Ops []byte
}

var _ interpreter.CodeObject = (*Code)(nil)

// Bytecode implements interpreter.CodeObject.
func (c *Code) Bytecode() []byte {
	if c == nil {
		return nil
	}
	return c.Ops
}

// Frame is a fake activation record. Caller links build the stack.
type Frame struct {
	File   string
	Func   string
	LineNo int
	Caller *Frame
	Codes  *Code
	LastI  int
}

var _ interpreter.Frame = (*Frame)(nil)

func (f *Frame) Filename() string { return f.File }
func (f *Frame) Function() string { return f.Func }
func (f *Frame) Line() int        { return f.LineNo }
func (f *Frame) Back() interpreter.Frame {
	if f.Caller == nil {
		return nil
	}
	return f.Caller
}
func (f *Frame) Code() interpreter.CodeObject {
	if f.Codes == nil {
		return nil
	}
	return f.Codes
}
func (f *Frame) LastInstruction() int { return f.LastI }

// Snapshotter serves a scriptable set of thread frames. Safe for concurrent
// use so tests can mutate the stack while sampling runs.
type Snapshotter struct {
	frames xsync.RWMutex[[]interpreter.ThreadFrame]
}

var _ interpreter.Snapshotter = (*Snapshotter)(nil)

// SetFrames replaces the snapshot served to the sampler.
func (s *Snapshotter) SetFrames(frames []interpreter.ThreadFrame) {
	guarded := s.frames.WLock()
	defer s.frames.WUnlock(&guarded)
	*guarded = frames
}

// CurrentFrames implements interpreter.Snapshotter.
func (s *Snapshotter) CurrentFrames() []interpreter.ThreadFrame {
	guarded := s.frames.RLock()
	defer s.frames.RUnlock(&guarded)
	out := make([]interpreter.ThreadFrame, len(*guarded))
	copy(out, *guarded)
	return out
}

// MainThread is a convenience constructor for a single-threaded snapshot.
func MainThread(frame *Frame) []interpreter.ThreadFrame {
	return []interpreter.ThreadFrame{{ThreadID: 1, Frame: frame, Main: true}}
}
