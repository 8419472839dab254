// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolicy(t *testing.T, filter Filter) *Policy {
	t.Helper()
	p, err := New(filter)
	require.NoError(t, err)
	return p
}

func TestShouldTrace(t *testing.T) {
	program := t.TempDir()

	tests := map[string]struct {
		filter   Filter
		filename string
		want     bool
	}{
		"in program dir": {
			filter:   Filter{ProgramPath: program},
			filename: filepath.Join(program, "app.py"),
			want:     true,
		},
		"outside program dir": {
			filter:   Filter{ProgramPath: program},
			filename: "/usr/lib/python3.12/json/decoder.py",
			want:     false,
		},
		"profile all includes libraries": {
			filter:   Filter{ProgramPath: program, ProfileAll: true},
			filename: "/usr/lib/python3.12/json/decoder.py",
			want:     true,
		},
		"profiler self excluded even with profile all": {
			filter:   Filter{ProfileAll: true, SelfPrefixes: []string{"scalene"}},
			filename: "/opt/venv/scalene/runner.py",
			want:     false,
		},
		"profile only match": {
			filter:   Filter{ProfileAll: true, ProfileOnly: []string{"app"}},
			filename: filepath.Join(program, "app.py"),
			want:     true,
		},
		"profile only mismatch": {
			filter:   Filter{ProfileAll: true, ProfileOnly: []string{"worker"}},
			filename: filepath.Join(program, "app.py"),
			want:     false,
		},
		"profile exclude wins": {
			filter:   Filter{ProgramPath: program, ProfileExclude: []string{"generated"}},
			filename: filepath.Join(program, "generated", "pb.py"),
			want:     false,
		},
		"synthetic filename": {
			filter:   Filter{ProfileAll: true},
			filename: "<string>",
			want:     false,
		},
		"empty filename": {
			filter:   Filter{ProfileAll: true},
			filename: "",
			want:     false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p := newTestPolicy(t, tc.filter)
			assert.Equal(t, tc.want, p.ShouldTrace(tc.filename, "fn"))
			// Second lookup exercises the cached path.
			assert.Equal(t, tc.want, p.ShouldTrace(tc.filename, "fn"))
		})
	}
}

func TestCanonicalFilename(t *testing.T) {
	p := newTestPolicy(t, Filter{})
	abs := p.CanonicalFilename("some/rel/path.py")
	assert.True(t, filepath.IsAbs(abs))
	assert.Equal(t, abs, p.CanonicalFilename("some/rel/path.py"))
}
