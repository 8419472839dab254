// Copyright The Scalene Authors
// SPDX-License-Identifier: Apache-2.0

package periodiccaller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	stop := Start(ctx, 10*time.Millisecond, func() {
		calls.Add(1)
	})
	defer stop()

	<-ctx.Done()
	assert.Greater(t, calls.Load(), int32(3))
}

func TestStartWithManualTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := make(chan bool)
	manual := make(chan bool, 1)
	stop := StartWithManualTrigger(ctx, time.Hour, trigger, func(manualTrigger bool) {
		manual <- manualTrigger
	})
	defer stop()

	trigger <- true
	select {
	case m := <-manual:
		assert.True(t, m)
	case <-time.After(time.Second):
		t.Fatal("manual trigger did not fire")
	}
}

func TestStartWithJitterStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	stop := StartWithJitter(ctx, 5*time.Millisecond, 0.2, func() {
		calls.Add(1)
	})
	defer stop()

	time.Sleep(60 * time.Millisecond)
	cancel()
	observed := calls.Load()
	assert.Greater(t, observed, int32(0))

	// No further callbacks after cancellation.
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), observed+1)
}
