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

// Package failure defines how the dispatcher consumes failure-detector
// state. The protocol that decides whether an endpoint is failed
// (heartbeats, gossip, etc.) lives elsewhere; the dispatcher only reads
// the boolean answer and waits on the recovery signal.
package failure

import (
	"sync"

	"github.com/replicall/replicall/endpoint"
)

// Monitor reports endpoint health. Implementations must be safe for
// concurrent use.
type Monitor interface {
	// IsFailed reports whether the endpoint is currently considered failed.
	IsFailed(ep endpoint.Endpoint) bool
	// OnHealthy returns a channel that is closed when the endpoint is
	// healthy. If the endpoint is already healthy, the returned channel
	// is already closed. A fresh channel is returned each time the
	// endpoint fails again.
	OnHealthy(ep endpoint.Endpoint) <-chan struct{}
}

//nolint:gochecknoglobals
var (
	// NopMonitor considers every endpoint permanently healthy.
	NopMonitor Monitor = nopMonitor{}
)

type nopMonitor struct{}

func (nopMonitor) IsFailed(endpoint.Endpoint) bool { return false }

func (nopMonitor) OnHealthy(endpoint.Endpoint) <-chan struct{} {
	return closedChan
}

//nolint:gochecknoglobals
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Tracker is a Monitor whose state is set explicitly. It is the bridge
// between an external failure detector and the dispatcher, and is also
// what tests and the simulator use to script outages.
type Tracker struct {
	mu    sync.Mutex
	state map[endpoint.Endpoint]*trackedState
}

type trackedState struct {
	failed  bool
	healthy chan struct{} // closed while the endpoint is healthy
}

// NewTracker returns a Tracker with no failed endpoints. Endpoints it
// has never been told about are considered healthy.
func NewTracker() *Tracker {
	return &Tracker{state: map[endpoint.Endpoint]*trackedState{}}
}

// SetFailed records the endpoint's health. Marking an endpoint healthy
// fires the signal returned by OnHealthy to any waiting calls.
func (t *Tracker) SetFailed(ep endpoint.Endpoint, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.entryLocked(ep)
	if entry.failed == failed {
		return
	}
	entry.failed = failed
	if failed {
		entry.healthy = make(chan struct{})
	} else {
		close(entry.healthy)
	}
}

func (t *Tracker) IsFailed(ep endpoint.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryLocked(ep).failed
}

func (t *Tracker) OnHealthy(ep endpoint.Endpoint) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryLocked(ep).healthy
}

// +checklocks:t.mu
func (t *Tracker) entryLocked(ep endpoint.Endpoint) *trackedState {
	entry := t.state[ep]
	if entry == nil {
		entry = &trackedState{healthy: closedChan}
		t.state[ep] = entry
	}
	return entry
}
