// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

// Package cpython provides the CPython flavor of the runtime introspection
// interfaces. Opcode numbers differ between CPython versions, so the
// introspector is built from a per-version opcode table.
package cpython // import "github.com/plasma-umass/scalene-core/interpreter/cpython"

import (
	"fmt"

	"github.com/plasma-umass/scalene-core/interpreter"
)

// Opcode numbers for the call-family instructions, per CPython version.
// Only the opcodes relevant to call detection are listed.
var callOpcodesByVersion = map[uint16][]byte{
	// 3.10: CALL_FUNCTION, CALL_FUNCTION_KW, CALL_FUNCTION_EX, CALL_METHOD
	pythonVer(3, 10): {131, 141, 142, 161},
	// 3.11: PRECALL, CALL, CALL_FUNCTION_EX
	pythonVer(3, 11): {166, 171, 142},
	// 3.12: CALL, CALL_FUNCTION_EX, CALL_INTRINSIC_1, CALL_INTRINSIC_2
	pythonVer(3, 12): {171, 142, 173, 174},
}

// pythonVer builds a version number from readable numbers.
func pythonVer(major, minor int) uint16 {
	return uint16(major)*0x100 + uint16(minor)
}

// Introspector implements interpreter.Introspector for one CPython version.
type Introspector struct {
	callOpcodes [256]bool
}

var _ interpreter.Introspector = (*Introspector)(nil)

// NewIntrospector returns an introspector for the given CPython version.
func NewIntrospector(major, minor int) (*Introspector, error) {
	opcodes, ok := callOpcodesByVersion[pythonVer(major, minor)]
	if !ok {
		return nil, fmt.Errorf("unsupported CPython version %d.%d", major, minor)
	}
	in := &Introspector{}
	for _, op := range opcodes {
		in.callOpcodes[op] = true
	}
	return in, nil
}

// IsCallInstruction reports whether the instruction at offset is one of the
// call-family opcodes. CPython bytecode is a sequence of 2-byte units with
// the opcode in the first byte.
func (in *Introspector) IsCallInstruction(code interpreter.CodeObject, offset int) bool {
	if code == nil {
		return false
	}
	bc := code.Bytecode()
	if offset < 0 || offset >= len(bc) {
		return false
	}
	return in.callOpcodes[bc[offset]]
}
