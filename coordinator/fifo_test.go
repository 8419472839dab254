// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoOrdering(t *testing.T) {
	var fifo fifoRingBuffer[int]
	require.NoError(t, fifo.initFifo(4, t.Name()))

	fifo.append(1)
	fifo.append(2)
	fifo.append(3)
	assert.Equal(t, []int{1, 2, 3}, fifo.readAll())
	assert.Empty(t, fifo.readAll())
	assert.Zero(t, fifo.getOverwriteCount())
}

func TestFifoOverwrite(t *testing.T) {
	var fifo fifoRingBuffer[int]
	require.NoError(t, fifo.initFifo(3, t.Name()))

	for i := 1; i <= 5; i++ {
		fifo.append(i)
	}
	// Oldest entries are dropped once the buffer wraps.
	assert.Equal(t, []int{3, 4, 5}, fifo.readAll())
	assert.Equal(t, uint32(2), fifo.getOverwriteCount())
	assert.Zero(t, fifo.getOverwriteCount())
}

func TestFifoZeroSize(t *testing.T) {
	var fifo fifoRingBuffer[int]
	assert.Error(t, fifo.initFifo(0, t.Name()))
}
