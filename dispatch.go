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
	"time"

	"github.com/replicall/replicall/alternatives"
	"github.com/replicall/replicall/endpoint"
	"github.com/replicall/replicall/internal"
	"github.com/replicall/replicall/queuemodel"
	"github.com/sirupsen/logrus"
)

// metricNever marks a candidate slot that no scanned alternative has
// filled yet. Any real smoothed-outstanding count or latency is far
// below metricFound.
const (
	metricNever = 1e9
	metricFound = 1e8
)

// Dispatch performs a load-balanced call: it selects an alternative,
// sends req, races a second alternative if the first is slow, and
// returns exactly one reply or terminal error. Retryable failures
// (overloaded servers, lost connections before exhaustion) loop
// internally with growing backoff and never surface.
//
// When model is non-nil, selection prefers the two least-loaded healthy
// local alternatives and every sub-request is accounted to the model
// exactly once, including sub-requests abandoned after losing the race.
// When model is nil, the initial best/fallback pair is chosen uniformly
// at random and no accounting happens.
//
// atMostOnce forbids retrying a request that may already have reached a
// server; such dispatches fail with [ErrMaybeDelivered] instead.
//
// Cancelling ctx stops the call; sub-requests already sent stay alive in
// the background just long enough to settle their accounting.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	alts alternatives.Set,
	req Request,
	pri Priority,
	atMostOnce bool,
	model *queuemodel.Model,
) (Reply, error) {
	if alts == nil || alts.Len() == 0 {
		return nil, errNoAlternatives
	}
	size := alts.Len()
	startTime := d.clock.Now()

	var first, second *attempt
	var firstEndpoint endpoint.Endpoint
	defer func() {
		// Whatever path we leave by, sub-requests we stopped waiting on
		// settle their accounting in the background.
		if first != nil {
			first.abandon(model)
		}
		if second != nil {
			second.abandon(model)
		}
	}()

	// secondDelay is the race timer: nil means no race is armed. It is
	// computed from the model once, for the first attempt only.
	var secondDelay <-chan time.Time
	var secondTimer internal.Timer
	clearSecondDelay := func() {
		if secondTimer != nil {
			secondTimer.Stop()
			secondTimer = nil
		}
		secondDelay = nil
	}
	defer clearSecondDelay()

	bestAlt := d.intn(alts.CountBest())
	nextAlt := d.intn(maxInt(size-1, 1))
	if nextAlt >= bestAlt {
		nextAlt++
	}

	if model != nil {
		var bestLatency, nextLatency float64
		bestAlt, nextAlt, bestLatency, nextLatency = d.selectByModel(alts, model, bestAlt, nextAlt)
		if nextLatency < metricFound {
			// Decide when to race the fallback. If the best candidate is
			// already slower than the whole race delay would be, start
			// the fallback immediately.
			raceDelay := model.SecondMultiplier()*nextLatency + d.cfg.BaseSecondDelay.Seconds()
			if bestLatency > d.cfg.InstantSecondMultiplier*raceDelay {
				fired := make(chan time.Time, 1)
				fired <- startTime
				secondDelay = fired
			} else {
				secondTimer = d.clock.NewTimer(time.Duration(raceDelay * float64(time.Second)))
				secondDelay = secondTimer.Chan()
			}
		}
	}

	startAlt := nextAlt
	startDistance := (bestAlt + size - startAlt) % size

	numAttempts := 0
	var backoff time.Duration
	triedAllOptions := false

	for {
		if elapsed := d.clock.Since(startTime); elapsed > d.cfg.WatchdogInterval {
			d.logStuckCall(alts, elapsed, numAttempts, backoff, triedAllOptions)
		}

		// Find the next alternative that is not failed, starting from
		// nextAlt, never re-picking the endpoint the outstanding first
		// attempt went to.
		var chosen endpoint.Endpoint
		found := false
		for scanned := 0; scanned < size; scanned++ {
			useAlt := nextAlt
			if nextAlt == startAlt {
				useAlt = bestAlt
			} else if (nextAlt+size-startAlt)%size <= startDistance {
				useAlt = (nextAlt + size - 1) % size
			}
			candidate := alts.Get(useAlt)
			if !d.monitor.IsFailed(candidate) && (firstEndpoint == nil || candidate != firstEndpoint) {
				chosen = candidate
				found = true
				break
			}
			nextAlt = (nextAlt + 1) % size
			if nextAlt == startAlt {
				triedAllOptions = true
			}
		}

		switch {
		case !found && first == nil:
			// Everything is down. Wait for anyone to come back; if the
			// set can go stale, give up after a bounded delay so the
			// caller can refresh it.
			if err := d.waitAllDown(ctx, alts); err != nil {
				return nil, err
			}
			numAttempts = 0

		case !found:
			// Only the first attempt's endpoint is available: wait it out.
			select {
			case res := <-first.replyCh:
				done, err := first.processResult(res, atMostOnce)
				if err != nil {
					return nil, err
				}
				if done {
					return res.reply, nil
				}
				first = nil
				firstEndpoint = nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case first != nil:
			// The first attempt is slow; race a second one.
			second = d.startAttempt(chosen, req, pri, backoff, triedAllOptions, model)
			for second != nil {
				var firstCh <-chan result
				if first != nil {
					firstCh = first.replyCh
				}
				select {
				case res := <-firstCh:
					done, err := first.processResult(res, atMostOnce)
					if err != nil {
						return nil, err
					}
					if done {
						return res.reply, nil
					}
					first = nil
					firstEndpoint = nil
				case res := <-second.replyCh:
					done, err := second.processResult(res, atMostOnce)
					if err != nil {
						return nil, err
					}
					if done {
						return res.reply, nil
					}
					second = nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			numAttempts++
			if numAttempts >= size {
				backoff = d.nextBackoff(backoff)
			}

		default:
			// Send the first attempt. If the race timer fires before its
			// reply and the budget allows, loop around to start a second.
			first = d.startAttempt(chosen, req, pri, backoff, triedAllOptions, model)
			firstEndpoint = chosen
			waiting := true
			for waiting {
				select {
				case res := <-first.replyCh:
					if model != nil {
						model.OnFirstReply()
					}
					done, err := first.processResult(res, atMostOnce)
					if err != nil {
						return nil, err
					}
					if done {
						return res.reply, nil
					}
					first = nil
					firstEndpoint = nil
					waiting = false
				case <-secondDelay:
					secondDelay = nil
					if model != nil && model.TrySecond() {
						waiting = false
					}
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			numAttempts++
			if numAttempts >= size {
				backoff = d.nextBackoff(backoff)
			}
		}

		nextAlt = (nextAlt + 1) % size
		if nextAlt == startAlt {
			triedAllOptions = true
		}
		clearSecondDelay()
	}
}

// selectByModel scans for the two alternatives with the lowest smoothed
// outstanding-request counts, preferring the local prefix. Failed,
// soft-excluded, and self-penalizing alternatives count toward a bad
// budget; once enough local alternatives are bad the scan extends to
// remote ones. Latencies are in seconds; metricNever marks an unfilled
// slot.
func (d *Dispatcher) selectByModel(
	alts alternatives.Set,
	model *queuemodel.Model,
	bestAlt, nextAlt int,
) (int, int, float64, float64) {
	size := alts.Len()
	now := d.clock.Now()
	bestMetric, nextMetric := float64(metricNever), float64(metricNever)
	bestLatency, nextLatency := float64(metricNever), float64(metricNever)
	badOptions := 0

	for i := 0; i < size; i++ {
		if badOptions < minInt(i, d.cfg.MaxBadOptions+1) && i == alts.CountBest() {
			// At least one healthy local alternative and few enough bad
			// ones: no need to consider remote alternatives at all.
			break
		}
		candidate := alts.Get(i)
		if d.monitor.IsFailed(candidate) {
			badOptions++
			continue
		}
		meas := model.Measurement(candidate)
		if !now.After(meas.FailedUntil) {
			badOptions++
			continue
		}
		if meas.Penalty > d.cfg.PenaltyBadThreshold {
			// The server is penalizing itself; count it as bad but keep
			// it selectable.
			badOptions++
		}
		metric := meas.SmoothedOutstanding
		if metric < bestMetric {
			if i != bestAlt {
				nextAlt, nextMetric, nextLatency = bestAlt, bestMetric, bestLatency
			}
			bestAlt, bestMetric, bestLatency = i, metric, meas.Latency.Seconds()
		} else if metric < nextMetric {
			nextAlt, nextMetric, nextLatency = i, metric, meas.Latency.Seconds()
		}
	}

	if nextMetric > metricFound {
		// No fallback found among the locals; the scan may have skipped
		// the remote alternatives, so go through them again.
		for i := alts.CountBest(); i < size; i++ {
			candidate := alts.Get(i)
			if d.monitor.IsFailed(candidate) {
				continue
			}
			meas := model.Measurement(candidate)
			if !now.After(meas.FailedUntil) {
				continue
			}
			if metric := meas.SmoothedOutstanding; metric < nextMetric {
				nextAlt, nextMetric, nextLatency = i, metric, meas.Latency.Seconds()
			}
		}
	}

	return bestAlt, nextAlt, bestLatency, nextLatency
}

// waitAllDown blocks until any endpoint of the set reports healthy. For
// sets that can go stale it races the wait against a jittered delay and
// fails with ErrAllAlternativesFailed if the delay wins, telling the
// caller to re-resolve its alternatives.
func (d *Dispatcher) waitAllDown(ctx context.Context, alts alternatives.Set) error {
	recovered, stopWaiters := d.anyHealthy(alts)
	defer stopWaiters()

	if alts.AlwaysFresh() {
		select {
		case <-recovered:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	delay := d.allDownDelay()
	d.allDownWarn.Do(func() {
		d.logger.WithFields(logrus.Fields{
			"alternatives": alts.Description(),
			"delay":        delay,
		}).Warn("all alternatives failed")
	})

	timer := d.clock.NewTimer(d.jittered(delay))
	defer timer.Stop()
	select {
	case <-recovered:
		return nil
	case <-timer.Chan():
		return ErrAllAlternativesFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logStuckCall emits the watchdog diagnostics for a dispatch that has
// been running past the configured interval. Control flow is unaffected.
func (d *Dispatcher) logStuckCall(
	alts alternatives.Set,
	elapsed time.Duration,
	numAttempts int,
	backoff time.Duration,
	triedAllOptions bool,
) {
	d.watchdogWarn.Do(func() {
		d.logger.WithFields(logrus.Fields{
			"duration":        elapsed,
			"numAttempts":     numAttempts,
			"backoff":         backoff,
			"triedAllOptions": triedAllOptions,
		}).Warn("load-balanced call running too long")
		for i := 0; i < alts.Len(); i++ {
			ep := alts.Get(i)
			d.logger.WithFields(logrus.Fields{
				"endpoint": ep.String(),
				"failed":   d.monitor.IsFailed(ep),
			}).Warn("load-balanced call alternative state")
		}
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
