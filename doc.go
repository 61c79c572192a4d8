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

// Package replicall dispatches requests to interchangeable server
// replicas. Given an ordered set of alternatives that can all serve the
// same request, a dispatch selects one (preferring local, lightly loaded,
// non-failed endpoints), sends the request, and if the first attempt is
// slow races a second attempt against it, returning exactly one result to
// the caller.
//
// A [Dispatcher] consumes three collaborators it does not implement: a
// [Transport] that moves requests to endpoints, a
// [github.com/replicall/replicall/failure.Monitor] that says which
// endpoints are failed, and an
// [github.com/replicall/replicall/alternatives.Set] naming the candidate
// endpoints. Optionally, a shared
// [github.com/replicall/replicall/queuemodel.Model] records per-endpoint
// load measurements that steer selection of future dispatches; every
// sub-request is accounted to the model exactly once, even sub-requests
// the dispatcher stopped waiting on.
//
// [Dispatcher.Dispatch] is the full load-balanced call. For callers with
// an always-fresh alternative set and no measurement store,
// [Dispatcher.DispatchBasic] is a simpler variant that never races and
// steers with the coarser busy-time feedback servers embed in replies.
package replicall
