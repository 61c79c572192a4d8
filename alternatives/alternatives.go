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

// Package alternatives describes an ordered set of interchangeable
// endpoints that can all serve the same request. How the set is
// discovered and refreshed is up to the caller; the dispatcher only
// reads it.
package alternatives

import (
	"strings"

	"github.com/replicall/replicall/endpoint"
)

// Set is an ordered list of candidate endpoints. The first CountBest
// entries are the locally-preferred ("best") prefix; the remainder are
// remote. Sets may be stale: AlwaysFresh reports whether the list is
// guaranteed to track topology changes, which decides whether the
// dispatcher may give up and ask the caller to re-resolve when every
// endpoint looks failed.
type Set interface {
	// Len returns the number of alternatives.
	Len() int
	// CountBest returns the size of the locally-preferred prefix.
	CountBest() int
	// Get returns the alternative at index i.
	Get(i int) endpoint.Endpoint
	// AlwaysFresh reports whether the set can never go globally stale.
	AlwaysFresh() bool
	// Description identifies the set in diagnostics.
	Description() string
}

// Basic extends Set with the coarse per-index bookkeeping used by the
// single-request dispatch variant, which has no queue measurement store.
// Basic sets must be always fresh.
type Basic interface {
	Set
	// Best returns the index to try first.
	Best() int
	// UpdateRecent records the busy time a successful reply from the
	// alternative at index i self-reported.
	UpdateRecent(i int, busyTime int)
}

// Static is an immutable Set over a fixed slice of endpoints.
type Static struct {
	endpoints   []endpoint.Endpoint
	countBest   int
	alwaysFresh bool
}

var _ Set = (*Static)(nil)

// NewStatic returns a Set over the given endpoints, the first countBest
// of which are locally preferred. alwaysFresh should be false when the
// slice came from a cache that the caller can re-resolve.
func NewStatic(endpoints []endpoint.Endpoint, countBest int, alwaysFresh bool) *Static {
	if countBest < 1 {
		countBest = 1
	}
	if countBest > len(endpoints) {
		countBest = len(endpoints)
	}
	return &Static{
		endpoints:   endpoints,
		countBest:   countBest,
		alwaysFresh: alwaysFresh,
	}
}

func (s *Static) Len() int {
	return len(s.endpoints)
}

func (s *Static) CountBest() int {
	return s.countBest
}

func (s *Static) Get(i int) endpoint.Endpoint {
	return s.endpoints[i]
}

func (s *Static) AlwaysFresh() bool {
	return s.alwaysFresh
}

func (s *Static) Description() string {
	var sb strings.Builder
	for i, ep := range s.endpoints {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(ep.String())
	}
	return sb.String()
}
