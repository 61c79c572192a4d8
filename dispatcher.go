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

package replicall

import (
	"math/rand"
	"sync"
	"time"

	"github.com/replicall/replicall/alternatives"
	"github.com/replicall/replicall/failure"
	"github.com/replicall/replicall/internal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Dispatcher performs load-balanced calls against alternative sets. A
// single Dispatcher is shared by any number of concurrent dispatches; it
// holds only configuration and the collective-downtime bookkeeping used
// to pace all-down waits.
type Dispatcher struct {
	transport Transport
	monitor   failure.Monitor
	cfg       Config
	clock     internal.Clock
	logger    logrus.FieldLogger

	watchdogWarn rate.Sometimes
	allDownWarn  rate.Sometimes

	randMu sync.Mutex
	// +checklocks:randMu
	rand *rand.Rand

	failMu sync.Mutex
	// All-down episodes across every call through this dispatcher feed
	// the refresh-delay computation.
	// +checklocks:failMu
	oldestFailure time.Time
	// +checklocks:failMu
	newestFailure time.Time
	// +checklocks:failMu
	lastSkip time.Time
}

// New returns a Dispatcher sending through transport and consulting
// monitor for endpoint health.
func New(transport Transport, monitor failure.Monitor, opts ...Option) *Dispatcher {
	options := dispatcherOptions{}
	for _, opt := range opts {
		opt.apply(&options)
	}
	if options.logger == nil {
		options.logger = logrus.StandardLogger()
	}
	if options.clock == nil {
		options.clock = internal.NewRealClock()
	}
	if options.rand == nil {
		options.rand = internal.NewRand()
	}
	if monitor == nil {
		monitor = failure.NopMonitor
	}
	return &Dispatcher{
		transport:    transport,
		monitor:      monitor,
		cfg:          options.cfg.withDefaults(),
		clock:        options.clock,
		logger:       options.logger,
		rand:         options.rand,
		watchdogWarn: rate.Sometimes{First: 1, Interval: time.Second},
		allDownWarn:  rate.Sometimes{First: 1, Interval: time.Second},
	}
}

func (d *Dispatcher) intn(n int) int {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.rand.Intn(n)
}

// jittered spreads a delay over [0.9d, 1.1d) so herds of calls that
// failed together do not retry together.
func (d *Dispatcher) jittered(delay time.Duration) time.Duration {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return time.Duration(float64(delay) * (0.9 + 0.2*d.rand.Float64()))
}

// nextBackoff grows the per-call backoff after a full unsuccessful round
// of alternatives.
func (d *Dispatcher) nextBackoff(backoff time.Duration) time.Duration {
	backoff = time.Duration(float64(backoff) * d.cfg.BackoffRate)
	if backoff < d.cfg.BackoffMin {
		backoff = d.cfg.BackoffMin
	}
	if backoff > d.cfg.BackoffMax {
		backoff = d.cfg.BackoffMax
	}
	return backoff
}

// allDownDelay computes how long a call may wait for a recovery before
// failing with ErrAllAlternativesFailed. The delay grows with how long
// alternatives have collectively been failing; each quiet
// FailureResetWindow resets the growth, and the first episode in every
// FailureSkipWindow gets the minimum delay.
func (d *Dispatcher) allDownDelay() time.Duration {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	now := d.clock.Now()
	if now.Sub(d.newestFailure) > d.cfg.FailureResetWindow {
		d.oldestFailure = now
	}
	delay := d.cfg.FailureMinDelay
	if now.Sub(d.lastSkip) > d.cfg.FailureSkipWindow {
		d.lastSkip = now
	} else {
		elapsed := now.Sub(d.oldestFailure)
		delay = maxDuration(delay, minDuration(
			time.Duration(float64(elapsed)*d.cfg.FailureDelayRatio), d.cfg.FailureMaxDelay))
		delay = maxDuration(delay, minDuration(
			time.Duration(float64(elapsed)*d.cfg.FailureSlowDelayRatio), d.cfg.FailureSlowMaxDelay))
	}
	d.newestFailure = now
	return delay
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// anyHealthy fires once when any of the set's endpoints reports healthy.
// The returned stop function releases the waiter goroutines; it is safe
// to call more than once.
func (d *Dispatcher) anyHealthy(alts alternatives.Set) (<-chan struct{}, func()) {
	recovered := make(chan struct{})
	var once sync.Once
	stop := make(chan struct{})
	for i := 0; i < alts.Len(); i++ {
		healthy := d.monitor.OnHealthy(alts.Get(i))
		go func() {
			select {
			case <-healthy:
				once.Do(func() { close(recovered) })
			case <-stop:
			}
		}()
	}
	var stopOnce sync.Once
	return recovered, func() { stopOnce.Do(func() { close(stop) }) }
}
