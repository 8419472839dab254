// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package reservoir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadCapacity(t *testing.T) {
	for _, capacity := range []int{-3, 0, 1, 2, 4, 100} {
		_, err := New(capacity)
		assert.Error(t, err, "capacity %d", capacity)
	}
}

func TestBoundHolds(t *testing.T) {
	r, err := New(9)
	require.NoError(t, err)

	for i := range 1000 {
		r.Add(float64(i))
		assert.LessOrEqual(t, r.Len(), r.Capacity())
		assert.Len(t, r.Values(), r.Len())
	}
}

func TestDecimationKeepsMedians(t *testing.T) {
	r, err := New(3)
	require.NoError(t, err)

	r.Add(1)
	r.Add(100) // isolated spike
	r.Add(2)
	assert.Equal(t, int64(1), r.WindowMultiplier())

	// Fourth sample forces decimation; the spike is filtered, the median of
	// {1, 100, 2} survives.
	r.Add(3)
	assert.Equal(t, []float64{2, 3}, r.Values())
	assert.Equal(t, int64(3), r.WindowMultiplier())
}

func TestWindowMultiplierStrictlyIncreases(t *testing.T) {
	r, err := New(9)
	require.NoError(t, err)

	prev := r.WindowMultiplier()
	for i := range 10000 {
		r.Add(float64(i))
		if m := r.WindowMultiplier(); m != prev {
			assert.Greater(t, m, prev)
			prev = m
		}
	}
	assert.Greater(t, prev, int64(1))
}

func TestMergeRespectsBound(t *testing.T) {
	a, err := New(9)
	require.NoError(t, err)
	b, err := New(9)
	require.NoError(t, err)

	for i := range 9 {
		a.Add(float64(i))
		b.Add(float64(100 + i))
	}
	a.Merge(b)
	assert.LessOrEqual(t, a.Len(), a.Capacity())
	assert.Greater(t, a.WindowMultiplier(), int64(1))
}

func TestMergeEmpty(t *testing.T) {
	a, err := New(9)
	require.NoError(t, err)
	b, err := New(9)
	require.NoError(t, err)

	a.Add(1)
	a.Merge(b)
	assert.Equal(t, []float64{1}, a.Values())
}
