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

package alternatives

import (
	"sync"
	"time"

	"github.com/replicall/replicall/endpoint"
	"github.com/replicall/replicall/internal"
)

// Tracked is a Basic set: an always-fresh list of endpoints that keeps
// the most recent self-reported busy time per index. Best returns the
// index with the lowest busy time, discounting reports linearly as they
// age so a single stale spike cannot pin an endpoint as bad forever.
type Tracked struct {
	*Static
	clock  internal.Clock
	window time.Duration

	mu     sync.Mutex
	recent []recentBusy
}

type recentBusy struct {
	busyTime int
	at       time.Time
}

var _ Basic = (*Tracked)(nil)

// NewTracked returns a Tracked set over the given endpoints. Busy-time
// reports older than window carry no weight; a zero window defaults to
// 5 seconds.
func NewTracked(endpoints []endpoint.Endpoint, window time.Duration) *Tracked {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Tracked{
		Static: NewStatic(endpoints, len(endpoints), true),
		clock:  internal.NewRealClock(),
		window: window,
		recent: make([]recentBusy, len(endpoints)),
	}
}

// SetClock replaces the clock used to age busy-time reports. Only for
// use in tests, before the set is shared.
func SetClock(t *Tracked, clock internal.Clock) {
	t.clock = clock
}

func (t *Tracked) UpdateRecent(i int, busyTime int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recent[i] = recentBusy{busyTime: busyTime, at: t.clock.Now()}
}

func (t *Tracked) Best() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	best := 0
	bestMetric := t.metricLocked(0)
	for i := 1; i < len(t.recent); i++ {
		if metric := t.metricLocked(i); metric < bestMetric {
			best, bestMetric = i, metric
		}
	}
	return best
}

// +checklocks:t.mu
func (t *Tracked) metricLocked(i int) float64 {
	entry := t.recent[i]
	if entry.at.IsZero() {
		return 0
	}
	age := t.clock.Since(entry.at)
	if age >= t.window {
		return 0
	}
	return float64(entry.busyTime) * (1 - float64(age)/float64(t.window))
}
