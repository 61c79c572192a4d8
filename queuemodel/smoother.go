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

package queuemodel

import (
	"math"
	"time"

	"github.com/replicall/replicall/internal"
)

// Smoother implements basic exponential smoothing
// (https://en.wikipedia.org/wiki/Exponential_smoothing) of a running
// total. SmoothTotal is a continuous underestimate of the sum of all
// AddDelta calls, converging on the true total with e-folding time tau.
//
// Smoother is not safe for concurrent use; the model guards it with its
// own mutex.
type Smoother struct {
	clock    internal.Clock
	tau      float64 // e-folding time, seconds
	total    float64
	at       time.Time
	estimate float64
}

// NewSmoother returns a Smoother with the given e-folding time.
func NewSmoother(tau time.Duration, clock internal.Clock) *Smoother {
	return &Smoother{
		clock: clock,
		tau:   tau.Seconds(),
		at:    clock.Now(),
	}
}

// AddDelta adds delta to the running total. The smoothed estimate decays
// toward the new total from this moment on.
func (s *Smoother) AddDelta(delta float64) {
	s.update()
	s.total += delta
}

// SmoothTotal returns the current smoothed estimate of the total.
func (s *Smoother) SmoothTotal() float64 {
	s.update()
	return s.estimate
}

// Total returns the unsmoothed running total.
func (s *Smoother) Total() float64 {
	return s.total
}

// Reset discards history and pins both total and estimate to value.
func (s *Smoother) Reset(value float64) {
	s.total = value
	s.estimate = value
	s.at = s.clock.Now()
}

func (s *Smoother) update() {
	now := s.clock.Now()
	elapsed := now.Sub(s.at).Seconds()
	if elapsed <= 0 {
		return
	}
	s.at = now
	s.estimate += (s.total - s.estimate) * (1 - math.Exp(-elapsed/s.tau))
}
