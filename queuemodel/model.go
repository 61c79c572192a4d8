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

// Package queuemodel tracks per-endpoint load measurements shared by
// every in-flight dispatch: a smoothed count of outstanding requests, a
// smoothed reply latency, the server's self-reported overload penalty,
// and a soft-exclusion window for servers that answered "future version"
// or "process behind". All mutation goes through accounting handles,
// which are released exactly once per sub-request, even for sub-requests
// the dispatcher stopped waiting on.
package queuemodel

import (
	"context"
	"sync"
	"time"

	"github.com/replicall/replicall/endpoint"
	"github.com/replicall/replicall/internal"
	"golang.org/x/sync/errgroup"
)

// Config holds the model's tunables. The zero value of any field means
// its default. Defaults are starting points, not semantics; callers with
// unusual workloads are expected to tune them.
type Config struct {
	// OutstandingFoldingTime is the e-folding time of the smoothed
	// outstanding-request count. Default 2s.
	OutstandingFoldingTime time.Duration
	// LatencySmoothing is the EWMA weight given to a new latency sample,
	// in (0, 1]. Default 0.5.
	LatencySmoothing float64
	// SecondMultiplierGrowth is added to the second-request multiplier
	// each time a race is actually dispatched. Default 0.01.
	SecondMultiplierGrowth float64
	// SecondMultiplierDecay is subtracted from the multiplier each time a
	// call completes on its first attempt alone; the multiplier never
	// drops below 1. Default 0.025.
	SecondMultiplierDecay float64
	// SecondMultiplierMax bounds the multiplier's growth. Default 10.
	SecondMultiplierMax float64
	// SecondBudgetGrowth is added to the race budget each time a first
	// attempt completes. Default 0.05.
	SecondBudgetGrowth float64
	// SecondBudgetMax bounds the race budget. Each dispatched race costs
	// 1. Default 100.
	SecondBudgetMax float64
	// FutureVersionInitialBackoff is the first soft-exclusion window
	// opened when an endpoint reports future-version trouble. Default 1s.
	FutureVersionInitialBackoff time.Duration
	// FutureVersionBackoffGrowth multiplies the window on repeated
	// trouble. Default 2.
	FutureVersionBackoffGrowth float64
	// FutureVersionMaxBackoff bounds the window. Default 8s.
	FutureVersionMaxBackoff time.Duration
	// MaxDetachedRequests bounds the background group of abandoned
	// sub-requests still awaited for accounting. When exceeded, the whole
	// group is dropped and accounting fidelity is sacrificed for memory.
	// Default 10000.
	MaxDetachedRequests int
}

func (c Config) withDefaults() Config {
	if c.OutstandingFoldingTime <= 0 {
		c.OutstandingFoldingTime = 2 * time.Second
	}
	if c.LatencySmoothing <= 0 || c.LatencySmoothing > 1 {
		c.LatencySmoothing = 0.5
	}
	if c.SecondMultiplierGrowth <= 0 {
		c.SecondMultiplierGrowth = 0.01
	}
	if c.SecondMultiplierDecay <= 0 {
		c.SecondMultiplierDecay = 0.025
	}
	if c.SecondMultiplierMax <= 0 {
		c.SecondMultiplierMax = 10
	}
	if c.SecondBudgetGrowth <= 0 {
		c.SecondBudgetGrowth = 0.05
	}
	if c.SecondBudgetMax <= 0 {
		c.SecondBudgetMax = 100
	}
	if c.FutureVersionInitialBackoff <= 0 {
		c.FutureVersionInitialBackoff = time.Second
	}
	if c.FutureVersionBackoffGrowth <= 0 {
		c.FutureVersionBackoffGrowth = 2
	}
	if c.FutureVersionMaxBackoff <= 0 {
		c.FutureVersionMaxBackoff = 8 * time.Second
	}
	if c.MaxDetachedRequests <= 0 {
		c.MaxDetachedRequests = 10000
	}
	return c
}

// Measurement is a point-in-time snapshot of one endpoint's state.
type Measurement struct {
	// SmoothedOutstanding estimates the number of requests outstanding to
	// the endpoint, weighted by the penalty in effect when each started.
	SmoothedOutstanding float64
	// Outstanding is the unsmoothed total behind SmoothedOutstanding. It
	// returns to zero once every handle against the endpoint is released.
	Outstanding float64
	// Latency is the smoothed time to receive a reply.
	Latency time.Duration
	// Penalty is the endpoint's self-reported overload scalar; 1 means
	// not overloaded.
	Penalty float64
	// FailedUntil is the end of the endpoint's soft-exclusion window, if
	// any. Selection skips the endpoint until then.
	FailedUntil time.Time
}

// Model is the shared queue measurement store. It is safe for concurrent
// use by any number of dispatches.
type Model struct {
	cfg   Config
	clock internal.Clock

	mu   sync.Mutex
	// +checklocks:mu
	data map[endpoint.Endpoint]*entry
	// +checklocks:mu
	secondMultiplier float64
	// +checklocks:mu
	secondBudget float64 // starts at 1 so the first race is possible
	// +checklocks:mu
	detached *detachedGroup
}

type entry struct {
	outstanding   *Smoother
	latency       time.Duration
	penalty       float64
	failedUntil   time.Time
	futureBackoff time.Duration
}

// New returns a Model using the given config (zero fields defaulted) and
// the real clock.
func New(cfg Config) *Model {
	return &Model{
		cfg:              cfg.withDefaults(),
		clock:            internal.NewRealClock(),
		data:             map[endpoint.Endpoint]*entry{},
		secondMultiplier: 1,
		secondBudget:     1,
	}
}

// SetClock replaces the model's clock. Only for use in tests, before the
// model is shared.
func SetClock(m *Model, clock internal.Clock) {
	m.clock = clock
}

// Measurement returns a snapshot of the endpoint's current state.
// Endpoints never seen before report zero outstanding, zero latency, and
// a neutral penalty.
func (m *Model) Measurement(ep endpoint.Endpoint) Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(ep)
	return Measurement{
		SmoothedOutstanding: e.outstanding.SmoothTotal(),
		Outstanding:         e.outstanding.Total(),
		Latency:             e.latency,
		Penalty:             e.penalty,
		FailedUntil:         e.failedUntil,
	}
}

// StartRequest opens an accounting handle for a sub-request to the
// endpoint, counting it (weighted by the endpoint's current penalty)
// toward the smoothed outstanding total until the handle is released.
//
// Every handle must be released exactly once. The returned handle may be
// nil only if m is nil, in which case Release is a no-op; this lets the
// dispatcher run without a model.
func (m *Model) StartRequest(ep endpoint.Endpoint) *Handle {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(ep)
	delta := e.penalty
	e.outstanding.AddDelta(delta)
	return &Handle{
		model: m,
		ep:    ep,
		start: m.clock.Now(),
		delta: delta,
	}
}

// +checklocks:m.mu
func (m *Model) entryLocked(ep endpoint.Endpoint) *entry {
	e := m.data[ep]
	if e == nil {
		e = &entry{
			outstanding: NewSmoother(m.cfg.OutstandingFoldingTime, m.clock),
			penalty:     1,
		}
		m.data[ep] = e
	}
	return e
}

func (m *Model) endRequest(ep endpoint.Endpoint, latency time.Duration, penalty float64, delta float64, received, futureVersion bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(ep)
	e.outstanding.AddDelta(-delta)
	if received {
		alpha := m.cfg.LatencySmoothing
		e.latency = time.Duration((1-alpha)*float64(e.latency) + alpha*float64(latency))
	}
	now := m.clock.Now()
	if futureVersion {
		// Repeated future-version trouble widens the soft-exclusion
		// window exponentially, but only once per window.
		if now.After(e.failedUntil) {
			if e.futureBackoff <= 0 {
				e.futureBackoff = m.cfg.FutureVersionInitialBackoff
			} else {
				e.futureBackoff = time.Duration(float64(e.futureBackoff) * m.cfg.FutureVersionBackoffGrowth)
				if e.futureBackoff > m.cfg.FutureVersionMaxBackoff {
					e.futureBackoff = m.cfg.FutureVersionMaxBackoff
				}
			}
			e.failedUntil = now.Add(e.futureBackoff)
		}
	} else if received {
		e.futureBackoff = 0
	}
	if penalty > 0 {
		e.penalty = penalty
	}
}

// SecondMultiplier returns the current race-delay multiplier (≥ 1).
func (m *Model) SecondMultiplier() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secondMultiplier
}

// OnFirstReply records that a call got its first attempt's reply without
// a race in flight: the multiplier decays toward its floor of 1 and the
// race budget regrows toward its cap.
func (m *Model) OnFirstReply() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secondMultiplier -= m.cfg.SecondMultiplierDecay
	if m.secondMultiplier < 1 {
		m.secondMultiplier = 1
	}
	m.secondBudget += m.cfg.SecondBudgetGrowth
	if m.secondBudget > m.cfg.SecondBudgetMax {
		m.secondBudget = m.cfg.SecondBudgetMax
	}
}

// TrySecond consumes one unit of the race budget. It reports whether the
// race may be dispatched; when it is, the multiplier grows (bounded) so
// racing becomes gradually more patient under sustained use.
func (m *Model) TrySecond() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secondBudget < 1 {
		return false
	}
	m.secondBudget--
	m.secondMultiplier += m.cfg.SecondMultiplierGrowth
	if m.secondMultiplier > m.cfg.SecondMultiplierMax {
		m.secondMultiplier = m.cfg.SecondMultiplierMax
	}
	return true
}

// Detach hands an abandoned sub-request's remaining work (awaiting its
// reply to close its accounting handle) to a background group that
// outlives the call. The group is bounded: when too many abandoned
// requests accumulate, the current group is cancelled wholesale and a
// fresh one started. Cancelled tasks observe ctx.Done and must still
// release their handles.
func (m *Model) Detach(task func(ctx context.Context)) {
	if m == nil {
		go task(context.Background())
		return
	}
	m.mu.Lock()
	if m.detached == nil || m.detached.ctx.Err() != nil ||
		int(m.detached.count) >= m.cfg.MaxDetachedRequests {
		if m.detached != nil {
			m.detached.cancel()
		}
		ctx, cancel := context.WithCancel(context.Background())
		grp, grpCtx := errgroup.WithContext(ctx)
		m.detached = &detachedGroup{ctx: grpCtx, cancel: cancel, grp: grp}
	}
	group := m.detached
	group.count++
	// Register with the group before releasing the lock: a concurrent
	// Close that swaps the group out must wait for this task.
	group.grp.Go(func() error {
		defer func() {
			m.mu.Lock()
			group.count--
			m.mu.Unlock()
		}()
		task(group.ctx)
		return nil
	})
	m.mu.Unlock()
}

// Close cancels the background group and waits for its tasks to finish
// releasing their handles.
func (m *Model) Close() error {
	m.mu.Lock()
	group := m.detached
	m.detached = nil
	m.mu.Unlock()
	if group == nil {
		return nil
	}
	group.cancel()
	return group.grp.Wait()
}

type detachedGroup struct {
	//nolint:containedCtx
	ctx    context.Context
	cancel context.CancelFunc
	grp    *errgroup.Group
	// +checklocks:Model.mu
	count int64
}
