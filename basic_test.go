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

package replicall_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/replicall/replicall"
	"github.com/replicall/replicall/alternatives"
	"github.com/replicall/replicall/endpoint"
	"github.com/replicall/replicall/failure"
	"github.com/replicall/replicall/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// busyReply carries the coarse busy-time feedback used by the basic
// dispatch variant.
type busyReply struct {
	payload string
	busy    int
}

func (r busyReply) ProcessBusyTime() int { return r.busy }

// staleBasic is a Basic set that is not always fresh, which the basic
// dispatch variant must refuse.
type staleBasic struct {
	*alternatives.Static
}

func (staleBasic) Best() int             { return 0 }
func (staleBasic) UpdateRecent(int, int) {}

func TestDispatchBasicSuccess(t *testing.T) {
	t.Parallel()
	eps := testEndpoints("a:1", "b:1")
	clock := clocktest.NewFakeClock()
	alts := alternatives.NewTracked(eps, 0)
	alternatives.SetClock(alts, clock)

	transport := &fakeTransport{
		send: func(_ context.Context, _ endpoint.Endpoint, _ int) (replicall.Reply, error) {
			return busyReply{payload: "pong", busy: 500}, nil
		},
	}
	disp := replicall.New(transport, nil)

	reply, err := disp.DispatchBasic(context.Background(), alts, "ping", replicall.PriorityBatch, false)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.(busyReply).payload)
	assert.Equal(t, []endpoint.Endpoint{eps[0]}, transport.sentTo())
	// The reported busy time steers the next call away from a.
	assert.Equal(t, 1, alts.Best())
}

func TestDispatchBasicRequiresFreshSet(t *testing.T) {
	t.Parallel()
	disp := replicall.New(&fakeTransport{}, nil)
	alts := staleBasic{alternatives.NewStatic(testEndpoints("a:1"), 1, false)}
	_, err := disp.DispatchBasic(context.Background(), alts, "ping", replicall.PriorityDefault, false)
	assert.ErrorContains(t, err, "always-fresh")
}

func TestDispatchBasicEmptySet(t *testing.T) {
	t.Parallel()
	disp := replicall.New(&fakeTransport{}, nil)
	_, err := disp.DispatchBasic(context.Background(), alternatives.NewTracked(nil, 0), "ping", replicall.PriorityDefault, false)
	assert.ErrorContains(t, err, "empty")
}

func TestDispatchBasicRetriesLostConnections(t *testing.T) {
	t.Parallel()
	transport := &fakeTransport{
		send: func(_ context.Context, _ endpoint.Endpoint, call int) (replicall.Reply, error) {
			if call == 0 {
				return nil, replicall.ErrConnectionLost
			}
			return busyReply{payload: "pong"}, nil
		},
	}
	disp := replicall.New(transport, nil, replicall.WithConfig(tinyBackoff()))
	alts := alternatives.NewTracked(testEndpoints("a:1", "b:1"), 0)

	reply, err := disp.DispatchBasic(context.Background(), alts, "ping", replicall.PriorityDefault, false)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.(busyReply).payload)
	sends := transport.sentTo()
	require.Len(t, sends, 2)
	assert.NotEqual(t, sends[0], sends[1])
}

func TestDispatchBasicSingleFlight(t *testing.T) {
	t.Parallel()
	var inflight, maxInflight atomic.Int32
	transport := &fakeTransport{
		send: func(_ context.Context, _ endpoint.Endpoint, call int) (replicall.Reply, error) {
			n := inflight.Add(1)
			for {
				seen := maxInflight.Load()
				if n <= seen || maxInflight.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inflight.Add(-1)
			if call < 3 {
				return nil, replicall.ErrConnectionLost
			}
			return busyReply{payload: "pong"}, nil
		},
	}
	disp := replicall.New(transport, nil, replicall.WithConfig(tinyBackoff()))
	alts := alternatives.NewTracked(testEndpoints("a:1", "b:1"), 0)

	_, err := disp.DispatchBasic(context.Background(), alts, "ping", replicall.PriorityDefault, false)
	require.NoError(t, err)
	assert.Len(t, transport.sentTo(), 4)
	assert.Equal(t, int32(1), maxInflight.Load())
}

func TestDispatchBasicAtMostOnce(t *testing.T) {
	t.Parallel()
	transport := &fakeTransport{
		send: func(_ context.Context, _ endpoint.Endpoint, _ int) (replicall.Reply, error) {
			return nil, replicall.ErrMaybeDelivered
		},
	}
	disp := replicall.New(transport, nil)
	alts := alternatives.NewTracked(testEndpoints("a:1", "b:1"), 0)

	_, err := disp.DispatchBasic(context.Background(), alts, "ping", replicall.PriorityDefault, true)
	assert.ErrorIs(t, err, replicall.ErrMaybeDelivered)
	assert.Len(t, transport.sentTo(), 1)
}

func TestDispatchBasicFatalError(t *testing.T) {
	t.Parallel()
	errApp := errors.New("transaction too old")
	transport := &fakeTransport{
		send: func(_ context.Context, _ endpoint.Endpoint, _ int) (replicall.Reply, error) {
			return nil, errApp
		},
	}
	disp := replicall.New(transport, nil)
	alts := alternatives.NewTracked(testEndpoints("a:1", "b:1"), 0)

	_, err := disp.DispatchBasic(context.Background(), alts, "ping", replicall.PriorityDefault, false)
	assert.ErrorIs(t, err, errApp)
	assert.Len(t, transport.sentTo(), 1)
}

func TestDispatchBasicAllDownRecovery(t *testing.T) {
	t.Parallel()
	eps := testEndpoints("a:1", "b:1")
	tracker := failure.NewTracker()
	tracker.SetFailed(eps[0], true)
	tracker.SetFailed(eps[1], true)
	transport := &fakeTransport{
		send: func(_ context.Context, _ endpoint.Endpoint, _ int) (replicall.Reply, error) {
			return busyReply{payload: "pong"}, nil
		},
	}
	disp := replicall.New(transport, tracker)
	alts := alternatives.NewTracked(eps, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := disp.DispatchBasic(context.Background(), alts, "ping", replicall.PriorityDefault, false)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	tracker.SetFailed(eps[0], false)

	require.NoError(t, <-errCh)
	assert.Equal(t, []endpoint.Endpoint{eps[0]}, transport.sentTo())
}

func TestDispatchBasicCanceled(t *testing.T) {
	t.Parallel()
	eps := testEndpoints("a:1")
	tracker := failure.NewTracker()
	tracker.SetFailed(eps[0], true)
	disp := replicall.New(&fakeTransport{}, tracker)
	alts := alternatives.NewTracked(eps, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := disp.DispatchBasic(ctx, alts, "ping", replicall.PriorityDefault, false)
		errCh <- err
	}()
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
