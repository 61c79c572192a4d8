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
	"errors"
	"time"

	"github.com/replicall/replicall/alternatives"
	"github.com/replicall/replicall/endpoint"
)

// DispatchBasic is the simplified load-balanced call: one sub-request in
// flight at a time, no racing, no measurement store. The set's own Best
// index is tried first; retries proceed round-robin from a random
// offset, skipping failed endpoints. Successful replies feed their
// self-reported busy time back into the set.
//
// The alternative set must be always fresh: with no way to go stale
// there is no refresh-needed outcome, and an all-down call waits
// indefinitely for a recovery (or ctx).
func (d *Dispatcher) DispatchBasic(
	ctx context.Context,
	alts alternatives.Basic,
	req Request,
	pri Priority,
	atMostOnce bool,
) (Reply, error) {
	if alts == nil || alts.Len() == 0 {
		return nil, errNoAlternatives
	}
	if !alts.AlwaysFresh() {
		return nil, errNotAlwaysFresh
	}
	size := alts.Len()

	bestAlt := alts.Best()
	nextAlt := d.intn(maxInt(size-1, 1))
	if nextAlt >= bestAlt {
		nextAlt++
	}
	startAlt := nextAlt
	startDistance := (bestAlt + size - startAlt) % size

	numAttempts := 0
	var backoff time.Duration

	for {
		// Find the next alternative that is not failed, starting from
		// nextAlt.
		var chosen endpoint.Endpoint
		useAlt := 0
		found := false
		for scanned := 0; scanned < size; scanned++ {
			useAlt = nextAlt
			if nextAlt == startAlt {
				useAlt = bestAlt
			} else if (nextAlt+size-startAlt)%size <= startDistance {
				useAlt = (nextAlt + size - 1) % size
			}
			candidate := alts.Get(useAlt)
			if !d.monitor.IsFailed(candidate) {
				chosen = candidate
				found = true
				break
			}
			nextAlt = (nextAlt + 1) % size
		}

		if !found {
			// Everything is down. Wait for anyone to come back.
			recovered, stopWaiters := d.anyHealthy(alts)
			select {
			case <-recovered:
			case <-ctx.Done():
				stopWaiters()
				return nil, ctx.Err()
			}
			stopWaiters()
			numAttempts = 0
		} else {
			if backoff > 0 {
				select {
				case <-d.clock.After(backoff):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

			reply, err := d.transport.Send(ctx, chosen, req, pri)
			if err == nil {
				if feedback, ok := reply.(BasicBalanced); ok {
					alts.UpdateRecent(useAlt, feedback.ProcessBusyTime())
				}
				return reply, nil
			}
			if !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrMaybeDelivered) {
				return nil, err
			}
			if atMostOnce {
				return nil, ErrMaybeDelivered
			}
			numAttempts++
			if numAttempts >= size {
				backoff = d.nextBackoff(backoff)
			}
		}

		nextAlt = (nextAlt + 1) % size
	}
}
