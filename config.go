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
	"time"

	"github.com/replicall/replicall/internal"
	"github.com/sirupsen/logrus"
)

// Config holds the dispatcher's tunables. The zero value of any field
// means its default. Defaults are starting points chosen for mixed
// read/write workloads over LAN-adjacent replicas, not semantics.
type Config struct {
	// MaxBadOptions is how many bad local alternatives (failed,
	// soft-excluded, or self-penalizing) the model-guided scan tolerates
	// before it stops considering remote ones. Default 1.
	MaxBadOptions int
	// PenaltyBadThreshold is the self-reported penalty above which an
	// alternative counts as bad. Default 1.001.
	PenaltyBadThreshold float64
	// InstantSecondMultiplier controls when a race is dispatched
	// immediately: when the best candidate's observed latency exceeds
	// this multiple of the computed race delay, waiting is pointless.
	// Default 2.
	InstantSecondMultiplier float64
	// BaseSecondDelay is the constant part of the race delay. Default
	// 500µs.
	BaseSecondDelay time.Duration
	// BackoffMin, BackoffMax and BackoffRate shape the per-call
	// exponential backoff applied once every alternative has been
	// attempted in a round. Defaults 10ms, 1s, 5.
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	BackoffRate float64
	// FailureMinDelay and FailureMaxDelay bound the jittered delay a
	// dispatch waits for a recovery before giving up with
	// [ErrAllAlternativesFailed]; the delay is FailureDelayRatio times
	// how long the whole set has been down, with a second slower bound
	// FailureSlowDelayRatio/FailureSlowMaxDelay. Defaults 50ms, 1s, 0.2,
	// 0.04, 30s.
	FailureMinDelay       time.Duration
	FailureMaxDelay       time.Duration
	FailureDelayRatio     float64
	FailureSlowDelayRatio float64
	FailureSlowMaxDelay   time.Duration
	// FailureResetWindow is how long without an all-down episode before
	// the collective-downtime clock resets. Default 5s.
	FailureResetWindow time.Duration
	// FailureSkipWindow exempts the first all-down episode in each window
	// from the growing delay. Default 1s.
	FailureSkipWindow time.Duration
	// WatchdogInterval is how long a single dispatch may run before it
	// starts logging diagnostic state. It never affects control flow.
	// Default 10m.
	WatchdogInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBadOptions <= 0 {
		c.MaxBadOptions = 1
	}
	if c.PenaltyBadThreshold <= 0 {
		c.PenaltyBadThreshold = 1.001
	}
	if c.InstantSecondMultiplier <= 0 {
		c.InstantSecondMultiplier = 2
	}
	if c.BaseSecondDelay <= 0 {
		c.BaseSecondDelay = 500 * time.Microsecond
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 10 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Second
	}
	if c.BackoffRate <= 0 {
		c.BackoffRate = 5
	}
	if c.FailureMinDelay <= 0 {
		c.FailureMinDelay = 50 * time.Millisecond
	}
	if c.FailureMaxDelay <= 0 {
		c.FailureMaxDelay = time.Second
	}
	if c.FailureDelayRatio <= 0 {
		c.FailureDelayRatio = 0.2
	}
	if c.FailureSlowDelayRatio <= 0 {
		c.FailureSlowDelayRatio = 0.04
	}
	if c.FailureSlowMaxDelay <= 0 {
		c.FailureSlowMaxDelay = 30 * time.Second
	}
	if c.FailureResetWindow <= 0 {
		c.FailureResetWindow = 5 * time.Second
	}
	if c.FailureSkipWindow <= 0 {
		c.FailureSkipWindow = time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 10 * time.Minute
	}
	return c
}

// Option customizes a Dispatcher at construction.
type Option interface {
	apply(*dispatcherOptions)
}

type dispatcherOptions struct {
	cfg    Config
	logger logrus.FieldLogger
	clock  internal.Clock
	rand   *rand.Rand
}

type optionFunc func(*dispatcherOptions)

func (f optionFunc) apply(opts *dispatcherOptions) {
	f(opts)
}

// WithConfig replaces the dispatcher's tunables. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return optionFunc(func(opts *dispatcherOptions) {
		opts.cfg = cfg
	})
}

// WithLogger supplies the logger used for watchdog and all-down
// diagnostics. If not specified, the logrus standard logger is used.
func WithLogger(logger logrus.FieldLogger) Option {
	return optionFunc(func(opts *dispatcherOptions) {
		opts.logger = logger
	})
}

// WithClock replaces the dispatcher's time source. Only for use in
// tests.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *dispatcherOptions) {
		opts.clock = clock
	})
}

// WithRand replaces the dispatcher's randomness source, making initial
// selection and jitter deterministic under a fixed seed. The dispatcher
// synchronizes access, so the value need not be safe for concurrent use.
func WithRand(rnd *rand.Rand) Option {
	return optionFunc(func(opts *dispatcherOptions) {
		opts.rand = rnd
	})
}
