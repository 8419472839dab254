// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package interpreter abstracts the managed runtime being profiled. The
// sampling core never touches runtime internals directly; it sees stack
// snapshots through Snapshotter and inspects bytecode through Introspector,
// so the attribution logic stays runtime-agnostic.
package interpreter // import "github.com/plasma-umass/scalene-core/interpreter"

const (
	// UnknownSourceFile is the source file name to use when the real one is
	// not available, e.g. for eval'd or dynamically compiled code.
	UnknownSourceFile = "<unknown>"
)

// ThreadID identifies a runtime-level thread within the profiled process.
type ThreadID uint64

// CodeObject is an opaque handle to a compiled code unit (one function body).
// The sampling core only ever hands it back to an Introspector.
type CodeObject interface {
	// Bytecode returns the raw instruction stream of the code unit.
	Bytecode() []byte
}

// Frame is one activation record on a runtime thread's call stack.
type Frame interface {
	// Filename returns the source file of the executing code, or empty when
	// the runtime cannot resolve one (dynamically compiled code).
	Filename() string
	// Function returns the name of the executing function.
	Function() string
	// Line returns the 1-based source line currently executing.
	Line() int
	// Back returns the calling frame, or nil at the bottom of the stack.
	Back() Frame
	// Code returns the frame's code unit.
	Code() CodeObject
	// LastInstruction returns the byte offset of the instruction the frame
	// is currently executing within its code unit.
	LastInstruction() int
}

// ThreadFrame is the stack-top frame of one live thread at snapshot time.
type ThreadFrame struct {
	ThreadID ThreadID
	Frame    Frame
	// Sleeping is set while the thread is parked in an interruptible wait;
	// sleeping threads are excluded from CPU-time normalization.
	Sleeping bool
	// Main marks the runtime's main thread. Snapshotter implementations
	// must list the main thread first.
	Main bool
}

// Snapshotter produces a point-in-time view of all live threads' stacks.
// Implementations must be safe to call from the sampling path: no blocking,
// no allocation-heavy work.
type Snapshotter interface {
	// CurrentFrames returns one entry per live thread, main thread first.
	CurrentFrames() []ThreadFrame
}

// Introspector answers bytecode-level questions the sampler cannot answer
// portably. Implementations are runtime-version specific.
type Introspector interface {
	// IsCallInstruction reports whether the instruction at offset within
	// code is a call-family opcode. Used to decide whether a non-main
	// thread was most likely executing native code when sampled.
	IsCallInstruction(code CodeObject, offset int) bool
}
