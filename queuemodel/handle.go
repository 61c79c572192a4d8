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
	"sync/atomic"
	"time"

	"github.com/replicall/replicall/endpoint"
)

// Handle scopes the accounting for one sub-request. It is created by
// [Model.StartRequest] when the sub-request is sent and must be released
// exactly once, whichever of these happens first: the reply is
// classified, the attempt is abandoned and its background task observes
// the reply, or the background group is recycled. Release on a nil or
// already-released handle is a no-op, so every completion path may
// release unconditionally.
type Handle struct {
	model    *Model
	ep       endpoint.Endpoint
	start    time.Time
	delta    float64
	released atomic.Bool
}

// Release reports the sub-request's outcome to the model. received means
// a reply (even an error reply) actually arrived from the endpoint;
// latency is only measured in that case. penalty ≤ 0 means the reply
// carried no penalty. futureVersionLike marks replies that put the
// endpoint into its soft-exclusion window.
func (h *Handle) Release(received, futureVersionLike bool, penalty float64) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	var latency time.Duration
	if received {
		latency = h.model.clock.Since(h.start)
	}
	h.model.endRequest(h.ep, latency, penalty, h.delta, received, futureVersionLike)
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	return h != nil && h.released.Load()
}
