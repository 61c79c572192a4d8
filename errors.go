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

import "errors"

var (
	// ErrAllAlternativesFailed is returned when every alternative is
	// failed, none recovered within the wait, and the alternative set is
	// not guaranteed fresh. The caller should re-resolve its set and try
	// again.
	ErrAllAlternativesFailed = errors.New("replicall: all alternatives failed, alternative set should be refreshed")

	// ErrMaybeDelivered is returned for at-most-once dispatches whose
	// request may have reached a server: retrying could apply it twice,
	// so the caller must decide. Transports also use it (wrapped) as the
	// code for sends that failed after the request may have left the
	// client.
	ErrMaybeDelivered = errors.New("replicall: request may have been delivered")

	// ErrProcessBehind is returned when every alternative was tried and
	// the servers report being behind the requested version.
	ErrProcessBehind = errors.New("replicall: process behind")

	// ErrConnectionLost is the transport code for a connection that went
	// away before any reply; the request may or may not have arrived.
	ErrConnectionLost = errors.New("replicall: connection lost")

	// ErrFutureVersion is the code servers report when asked for data
	// beyond the version they have; the endpoint is soft-excluded for a
	// while but the request is retryable elsewhere.
	ErrFutureVersion = errors.New("replicall: future version")

	// ErrServerOverloaded is the code servers report when shedding load.
	// It is always retried internally and never surfaces from a dispatch.
	ErrServerOverloaded = errors.New("replicall: server overloaded")
)

var (
	errNoAlternatives = errors.New("replicall: alternative set is empty")
	errNotAlwaysFresh = errors.New("replicall: basic dispatch requires an always-fresh alternative set")
)
