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

// Package endpoint provides the representation of a server identity.
// An endpoint is the primitive dispatched to by the
// [github.com/replicall/replicall] package. It carries no health or load
// state of its own; that state is owned by the failure monitor and the
// queue measurement store respectively.
package endpoint

// Endpoint identifies a single server replica that can serve requests.
// Implementations must be comparable: the dispatcher compares endpoints
// with == to avoid racing a request against itself, and uses them as map
// keys in the queue measurement store.
type Endpoint interface {
	// String returns a human-readable identity, used in diagnostics.
	String() string
}

// Addr is a trivial Endpoint keyed by a network address string.
type Addr string

func (a Addr) String() string {
	return string(a)
}
