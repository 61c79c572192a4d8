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

package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/replicall/replicall"
	"github.com/replicall/replicall/alternatives"
	"github.com/replicall/replicall/endpoint"
	"github.com/replicall/replicall/failure"
	"github.com/replicall/replicall/queuemodel"
)

// simReply carries both feedback shapes so the same transport serves
// the model-guided and the basic dispatch variants.
type simReply struct {
	from    endpoint.Endpoint
	penalty float64
	busy    time.Duration
}

func (r simReply) Penalty() float64     { return r.penalty }
func (r simReply) Err() error           { return nil }
func (r simReply) ProcessBusyTime() int { return int(r.busy.Microseconds()) }

// simTransport serves requests from configured endpoint behaviors:
// a latency sleep followed by a dice roll for the outcome.
type simTransport struct {
	behaviors map[endpoint.Endpoint]endpointSpec

	mu   sync.Mutex
	// +checklocks:mu
	rand *rand.Rand
	// +checklocks:mu
	sends map[endpoint.Endpoint]int
}

func newSimTransport(specs []endpointSpec, seed int64) *simTransport {
	behaviors := make(map[endpoint.Endpoint]endpointSpec, len(specs))
	for _, spec := range specs {
		behaviors[endpoint.Addr(spec.Addr)] = spec
	}
	return &simTransport{
		behaviors: behaviors,
		rand:      rand.New(rand.NewSource(seed)),
		sends:     map[endpoint.Endpoint]int{},
	}
}

func (t *simTransport) Send(
	ctx context.Context,
	ep endpoint.Endpoint,
	_ replicall.Request,
	_ replicall.Priority,
) (replicall.Reply, error) {
	spec := t.behaviors[ep]

	t.mu.Lock()
	t.sends[ep]++
	latency := time.Duration(spec.MeanLatency)
	if spec.LatencyJitter > 0 {
		latency += time.Duration((t.rand.Float64()*2 - 1) * float64(spec.LatencyJitter))
	}
	roll := t.rand.Float64()
	t.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case roll < spec.LostRate:
		return nil, replicall.ErrConnectionLost
	case roll < spec.LostRate+spec.OverloadRate:
		return nil, replicall.ErrServerOverloaded
	}
	penalty := spec.Penalty
	if penalty <= 0 {
		penalty = 1
	}
	return simReply{from: ep, penalty: penalty, busy: latency}, nil
}

func (t *simTransport) sendCounts() map[endpoint.Endpoint]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[endpoint.Endpoint]int, len(t.sends))
	for ep, n := range t.sends {
		counts[ep] = n
	}
	return counts
}

// runScenario dispatches the scenario's workload and logs a summary.
func runScenario(ctx context.Context, sc *scenario, basic bool, seed int64, logger *logrus.Logger) error {
	eps := make([]endpoint.Endpoint, len(sc.Endpoints))
	tracker := failure.NewTracker()
	for i, spec := range sc.Endpoints {
		eps[i] = endpoint.Addr(spec.Addr)
		if spec.Down {
			tracker.SetFailed(eps[i], true)
		}
	}

	transport := newSimTransport(sc.Endpoints, seed)
	disp := replicall.New(transport, tracker,
		replicall.WithLogger(logger),
		replicall.WithRand(rand.New(rand.NewSource(seed))))

	var model *queuemodel.Model
	var tracked *alternatives.Tracked
	var alts *alternatives.Static
	if basic {
		tracked = alternatives.NewTracked(eps, 0)
	} else {
		model = queuemodel.New(queuemodel.Config{})
		defer func() {
			if err := model.Close(); err != nil {
				logger.WithError(err).Warn("queue model shutdown")
			}
		}()
		alts = alternatives.NewStatic(eps, sc.Workload.CountBest, true)
	}

	var statsMu sync.Mutex
	var succeeded, failed int
	var totalLatency time.Duration

	start := time.Now()
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(sc.Workload.Concurrency)
	for i := 0; i < sc.Workload.Calls; i++ {
		req := i
		group.Go(func() error {
			callStart := time.Now()
			var err error
			if basic {
				_, err = disp.DispatchBasic(ctx, tracked, req, replicall.PriorityDefault, sc.Workload.AtMostOnce)
			} else {
				_, err = disp.Dispatch(ctx, alts, req, replicall.PriorityDefault, sc.Workload.AtMostOnce, model)
			}
			statsMu.Lock()
			defer statsMu.Unlock()
			if err != nil {
				failed++
				return nil
			}
			succeeded++
			totalLatency += time.Since(callStart)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	mean := time.Duration(0)
	if succeeded > 0 {
		mean = totalLatency / time.Duration(succeeded)
	}
	logger.WithFields(logrus.Fields{
		"calls":       sc.Workload.Calls,
		"succeeded":   succeeded,
		"failed":      failed,
		"elapsed":     elapsed.Round(time.Millisecond),
		"meanLatency": mean.Round(time.Microsecond),
	}).Info("run complete")
	for ep, n := range transport.sendCounts() {
		logger.WithFields(logrus.Fields{
			"endpoint": ep.String(),
			"sends":    n,
		}).Info("endpoint load")
	}
	if model != nil {
		for _, ep := range eps {
			meas := model.Measurement(ep)
			logger.WithFields(logrus.Fields{
				"endpoint": ep.String(),
				"latency":  meas.Latency.Round(time.Microsecond),
				"penalty":  meas.Penalty,
			}).Debug("endpoint measurement")
		}
	}
	return nil
}
