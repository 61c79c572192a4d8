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
	"context"

	"github.com/replicall/replicall/endpoint"
)

// Request is an opaque request value. The dispatcher never inspects it;
// it only decides which endpoints receive it.
type Request any

// Reply is an opaque reply payload. Replies may additionally implement
// [Balanced] or [BasicBalanced] to feed load information back to the
// dispatcher.
type Reply any

// Priority tags a request so the transport and server can order work.
// The dispatcher passes it through untouched.
type Priority int

const (
	PriorityBatch     Priority = -1
	PriorityDefault   Priority = 0
	PriorityImmediate Priority = 1
)

// Transport delivers a request to a single endpoint and returns its
// reply. The dispatcher consumes this interface; implementing it (RPC
// framing, serialization, connection management) is the caller's
// concern.
//
// Send must return once ctx is done. Errors should wrap the code
// sentinels in this package ([ErrConnectionLost], [ErrMaybeDelivered],
// [ErrProcessBehind], [ErrFutureVersion], [ErrServerOverloaded]) where
// those conditions apply, so outcomes classify correctly; any other
// error is treated as a delivered, non-retryable failure.
type Transport interface {
	Send(ctx context.Context, ep endpoint.Endpoint, req Request, pri Priority) (Reply, error)
}

// Balanced is implemented by replies that carry per-request load
// feedback from the server. Such replies may embed an application error:
// the request was delivered and processed, but processing failed.
type Balanced interface {
	// Penalty is the server's self-reported overload scalar. Servers
	// report 1 when not overloaded; values above 1 ask clients to send
	// less.
	Penalty() float64
	// Err returns the application error embedded in the reply, or nil.
	Err() error
}

// BasicBalanced is implemented by replies carrying the coarser feedback
// used by [Dispatcher.DispatchBasic]: how busy the serving process was
// recently.
type BasicBalanced interface {
	ProcessBusyTime() int
}
