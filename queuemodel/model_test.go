// Copyright 2024-2025 The replicall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queuemodel_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/replicall/replicall/endpoint"
	"github.com/replicall/replicall/internal/clocktest"
	"github.com/replicall/replicall/queuemodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmoother(t *testing.T) {
	t.Parallel()

	testClock := clocktest.NewFakeClock()
	smoother := queuemodel.NewSmoother(2*time.Second, testClock)

	smoother.AddDelta(10)
	assert.InDelta(t, 0, smoother.SmoothTotal(), 1e-9)
	assert.InDelta(t, 10, smoother.Total(), 1e-9)

	// After one e-folding time the estimate covers 1-1/e of the total.
	testClock.Advance(2 * time.Second)
	assert.InDelta(t, 6.32, smoother.SmoothTotal(), 0.01)

	testClock.Advance(time.Minute)
	assert.InDelta(t, 10, smoother.SmoothTotal(), 0.01)

	smoother.AddDelta(-10)
	testClock.Advance(time.Minute)
	assert.InDelta(t, 0, smoother.SmoothTotal(), 0.01)
}

func TestHandleReleaseExactlyOnce(t *testing.T) {
	t.Parallel()

	testClock := clocktest.NewFakeClock()
	model := queuemodel.New(queuemodel.Config{})
	queuemodel.SetClock(model, testClock)
	server := endpoint.Addr("srv-1")

	handle := model.StartRequest(server)
	require.NotNil(t, handle)
	assert.InDelta(t, 1, model.Measurement(server).Outstanding, 1e-9)

	testClock.Advance(100 * time.Millisecond)
	handle.Release(true, false, 0)
	assert.True(t, handle.Released())
	meas := model.Measurement(server)
	assert.InDelta(t, 0, meas.Outstanding, 1e-9)
	// Latency folds halfway toward the sample from zero.
	assert.Equal(t, 50*time.Millisecond, meas.Latency)

	// Double release must not account again.
	handle.Release(true, false, 0)
	assert.InDelta(t, 0, model.Measurement(server).Outstanding, 1e-9)
}

func TestHandleReleaseWithoutResponse(t *testing.T) {
	t.Parallel()

	testClock := clocktest.NewFakeClock()
	model := queuemodel.New(queuemodel.Config{})
	queuemodel.SetClock(model, testClock)
	server := endpoint.Addr("srv-1")

	handle := model.StartRequest(server)
	testClock.Advance(time.Second)
	handle.Release(false, false, 0)
	meas := model.Measurement(server)
	assert.InDelta(t, 0, meas.Outstanding, 1e-9)
	// No response means no latency sample.
	assert.Equal(t, time.Duration(0), meas.Latency)
}

func TestPenaltyWeightsOutstanding(t *testing.T) {
	t.Parallel()

	model := queuemodel.New(queuemodel.Config{})
	queuemodel.SetClock(model, clocktest.NewFakeClock())
	server := endpoint.Addr("srv-1")

	model.StartRequest(server).Release(true, false, 2.5)
	assert.InDelta(t, 2.5, model.Measurement(server).Penalty, 1e-9)

	// The next request counts 2.5x while outstanding.
	handle := model.StartRequest(server)
	assert.InDelta(t, 2.5, model.Measurement(server).Outstanding, 1e-9)
	handle.Release(true, false, 0)
	assert.InDelta(t, 0, model.Measurement(server).Outstanding, 1e-9)
	// A reply without a penalty keeps the stored one.
	assert.InDelta(t, 2.5, model.Measurement(server).Penalty, 1e-9)
}

func TestFutureVersionWindowGrows(t *testing.T) {
	t.Parallel()

	testClock := clocktest.NewFakeClock()
	model := queuemodel.New(queuemodel.Config{
		FutureVersionInitialBackoff: time.Second,
		FutureVersionBackoffGrowth:  2,
		FutureVersionMaxBackoff:     8 * time.Second,
	})
	queuemodel.SetClock(model, testClock)
	server := endpoint.Addr("srv-1")

	model.StartRequest(server).Release(false, true, 0)
	first := model.Measurement(server).FailedUntil
	assert.Equal(t, time.Second, first.Sub(testClock.Now()))

	// Still inside the window: no growth.
	testClock.Advance(500 * time.Millisecond)
	model.StartRequest(server).Release(false, true, 0)
	assert.Equal(t, first, model.Measurement(server).FailedUntil)

	// Past the window: the next report doubles it.
	testClock.Advance(time.Second)
	model.StartRequest(server).Release(false, true, 0)
	second := model.Measurement(server).FailedUntil
	assert.Equal(t, 2*time.Second, second.Sub(testClock.Now()))

	// A clean reply resets the growth.
	testClock.Advance(3 * time.Second)
	model.StartRequest(server).Release(true, false, 0)
	model.StartRequest(server).Release(false, true, 0)
	assert.Equal(t, time.Second, model.Measurement(server).FailedUntil.Sub(testClock.Now()))
}

func TestSecondRequestScalars(t *testing.T) {
	t.Parallel()

	model := queuemodel.New(queuemodel.Config{
		SecondMultiplierGrowth: 0.5,
		SecondMultiplierDecay:  0.25,
		SecondMultiplierMax:    2,
		SecondBudgetGrowth:     1,
		SecondBudgetMax:        2,
	})
	queuemodel.SetClock(model, clocktest.NewFakeClock())

	// The initial budget allows exactly one race.
	assert.True(t, model.TrySecond())
	assert.InDelta(t, 1.5, model.SecondMultiplier(), 1e-9)
	assert.False(t, model.TrySecond())

	// First-attempt completions regrow the budget and decay the
	// multiplier toward its floor.
	model.OnFirstReply()
	model.OnFirstReply()
	model.OnFirstReply()
	assert.True(t, model.TrySecond())
	assert.InDelta(t, 1.5, model.SecondMultiplier(), 1e-9)
	assert.True(t, model.TrySecond())
	assert.InDelta(t, 2, model.SecondMultiplier(), 1e-9)
	assert.False(t, model.TrySecond())

	for i := 0; i < 100; i++ {
		model.OnFirstReply()
	}
	assert.InDelta(t, 1, model.SecondMultiplier(), 1e-9)
}

func TestDetachRunsTasks(t *testing.T) {
	t.Parallel()

	model := queuemodel.New(queuemodel.Config{})
	done := make(chan struct{})
	model.Detach(func(context.Context) {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detached task never ran")
	}
	require.NoError(t, model.Close())
}

func TestDetachRecyclesOverfullGroup(t *testing.T) {
	t.Parallel()

	model := queuemodel.New(queuemodel.Config{MaxDetachedRequests: 2})
	cancelled := make(chan struct{}, 4)
	block := make(chan struct{})
	task := func(ctx context.Context) {
		select {
		case <-ctx.Done():
			cancelled <- struct{}{}
		case <-block:
		}
	}

	model.Detach(task)
	model.Detach(task)
	// The third detach overflows the group: the first two tasks get
	// cancelled so their accounting can settle.
	model.Detach(task)
	for i := 0; i < 2; i++ {
		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatal("overfull group was not cancelled")
		}
	}
	close(block)
	require.NoError(t, model.Close())
}

func TestDetachConcurrentWithClose(t *testing.T) {
	t.Parallel()

	model := queuemodel.New(queuemodel.Config{})
	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			model.Detach(func(context.Context) {
				ran.Add(1)
			})
		}()
	}
	// Close racing the detaches must wait for every task already
	// registered with the group it tears down.
	require.NoError(t, model.Close())
	wg.Wait()
	// Detaches that lost the race landed on a fresh group; closing again
	// waits for those too.
	require.NoError(t, model.Close())
	assert.Equal(t, int32(50), ran.Load())
}

func TestNilModelHandles(t *testing.T) {
	t.Parallel()

	var model *queuemodel.Model
	handle := model.StartRequest(endpoint.Addr("srv-1"))
	assert.Nil(t, handle)
	// Releasing a nil handle must be a no-op.
	handle.Release(true, false, 1)
	assert.False(t, handle.Released())
}
