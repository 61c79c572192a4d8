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

package failure_test

import (
	"testing"
	"time"

	"github.com/replicall/replicall/endpoint"
	"github.com/replicall/replicall/failure"
	"github.com/stretchr/testify/assert"
)

func TestNopMonitor(t *testing.T) {
	t.Parallel()

	server := endpoint.Addr("srv-1")
	assert.False(t, failure.NopMonitor.IsFailed(server))
	select {
	case <-failure.NopMonitor.OnHealthy(server):
	default:
		t.Fatal("healthy signal should already be fired")
	}
}

func TestTracker(t *testing.T) {
	t.Parallel()

	tracker := failure.NewTracker()
	server := endpoint.Addr("srv-1")

	// Unknown endpoints are healthy.
	assert.False(t, tracker.IsFailed(server))
	select {
	case <-tracker.OnHealthy(server):
	default:
		t.Fatal("healthy signal should already be fired")
	}

	tracker.SetFailed(server, true)
	assert.True(t, tracker.IsFailed(server))
	healthy := tracker.OnHealthy(server)
	select {
	case <-healthy:
		t.Fatal("healthy signal fired while failed")
	default:
	}

	// Recovery fires the signal already handed out.
	tracker.SetFailed(server, false)
	select {
	case <-healthy:
	case <-time.After(time.Second):
		t.Fatal("healthy signal never fired")
	}
	assert.False(t, tracker.IsFailed(server))

	// Failing again hands out a fresh, unfired signal.
	tracker.SetFailed(server, true)
	tracker.SetFailed(server, true) // no-op
	select {
	case <-tracker.OnHealthy(server):
		t.Fatal("healthy signal fired while failed")
	default:
	}
}
