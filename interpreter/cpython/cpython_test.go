// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package cpython

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasma-umass/scalene-core/testsupport/fakeinterp"
)

func TestNewIntrospectorVersions(t *testing.T) {
	tests := map[string]struct {
		major, minor int
		wantErr      bool
	}{
		"3.10":        {major: 3, minor: 10},
		"3.11":        {major: 3, minor: 11},
		"3.12":        {major: 3, minor: 12},
		"too old":     {major: 2, minor: 7, wantErr: true},
		"unreleased":  {major: 3, minor: 99, wantErr: true},
		"not cpython": {major: 0, minor: 0, wantErr: true},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			_, err := NewIntrospector(tt.major, tt.minor)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsCallInstruction(t *testing.T) {
	in, err := NewIntrospector(3, 12)
	require.NoError(t, err)

	// CALL at offset 2, LOAD_FAST-style filler elsewhere.
	code := &fakeinterp.Code{Ops: []byte{124, 0, 171, 1, 83, 0}}

	assert.False(t, in.IsCallInstruction(code, 0))
	assert.True(t, in.IsCallInstruction(code, 2))
	assert.False(t, in.IsCallInstruction(code, 4))

	assert.False(t, in.IsCallInstruction(code, -2))
	assert.False(t, in.IsCallInstruction(code, len(code.Ops)))
	assert.False(t, in.IsCallInstruction(nil, 0))
}
