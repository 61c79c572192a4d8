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
	"sync"
	"time"

	"github.com/replicall/replicall/endpoint"
	"github.com/replicall/replicall/queuemodel"
)

// result is what arrives on an attempt's reply channel: either a reply
// or a transport error, never both.
type result struct {
	reply Reply
	err   error
}

// attempt tracks one sub-request. The dispatch goroutine owns processed
// and triedAll; started and handle are shared with the sender goroutine
// under mu so that abandoning an attempt mid-backoff cannot race with it
// starting.
type attempt struct {
	endpoint endpoint.Endpoint
	replyCh  chan result
	cancel   context.CancelFunc
	triedAll bool
	// processed is only touched by the dispatch goroutine.
	processed bool

	mu sync.Mutex
	// +checklocks:mu
	started bool
	// +checklocks:mu
	canceled bool
	// +checklocks:mu
	handle *queuemodel.Handle
}

// startAttempt issues a sub-request to ep, after sleeping backoff if
// non-zero. The accounting handle opens when the request is actually
// sent, not when the backoff starts. The sender goroutine delivers
// exactly one result unless the attempt is cancelled before it started.
func (d *Dispatcher) startAttempt(
	ep endpoint.Endpoint,
	req Request,
	pri Priority,
	backoff time.Duration,
	triedAll bool,
	model *queuemodel.Model,
) *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	att := &attempt{
		endpoint: ep,
		replyCh:  make(chan result, 1),
		cancel:   cancel,
		triedAll: triedAll,
	}
	go func() {
		if backoff > 0 {
			select {
			case <-d.clock.After(backoff):
			case <-ctx.Done():
				return
			}
		}
		att.mu.Lock()
		if att.canceled {
			att.mu.Unlock()
			return
		}
		att.handle = model.StartRequest(ep)
		att.started = true
		att.mu.Unlock()
		reply, err := d.transport.Send(ctx, ep, req, pri)
		att.replyCh <- result{reply: reply, err: err}
	}()
	return att
}

// processResult classifies a received result, closing the attempt's
// accounting handle. It returns (true, nil) on success, (false, nil)
// when the dispatch should retry, and a non-nil error to surface to the
// caller.
func (a *attempt) processResult(res result, atMostOnce bool) (bool, error) {
	a.processed = true
	a.mu.Lock()
	handle := a.handle
	a.mu.Unlock()
	return classifyReply(res, handle, atMostOnce, a.triedAll)
}

// abandon is called when the dispatch stops waiting on an attempt it
// never processed. An attempt still in its backoff sleep is cancelled
// outright; a sent attempt keeps its accounting alive in the model's
// background group, which awaits the reply solely to release the handle.
// With no model there is no accounting to settle and the sender is
// cancelled as well.
func (a *attempt) abandon(model *queuemodel.Model) {
	if a.processed {
		return
	}
	a.mu.Lock()
	if !a.started {
		a.canceled = true
		a.mu.Unlock()
		a.cancel()
		return
	}
	handle := a.handle
	a.mu.Unlock()
	if handle == nil {
		// No model, nothing to account; stop the sender rather than let
		// it block on a reply nobody wants. The buffered reply channel
		// lets it exit once Send returns.
		a.cancel()
		return
	}
	replyCh := a.replyCh
	triedAll := a.triedAll
	model.Detach(func(ctx context.Context) {
		select {
		case res := <-replyCh:
			_, _ = classifyReply(res, handle, false, triedAll)
		case <-ctx.Done():
			handle.Release(false, false, 0)
		}
	})
}

// classifyReply interprets one received reply or transport error,
// releasing the accounting handle exactly once.
//
// The error code is the reply's embedded application error when load
// feedback is present, else the transport error. A response counts as
// received unless the code says the request may never have reached a
// server (connection lost, maybe delivered) or the server is behind.
func classifyReply(res result, handle *queuemodel.Handle, atMostOnce, triedAll bool) (bool, error) {
	var balanced Balanced
	var embedded error
	if res.err == nil {
		balanced, _ = res.reply.(Balanced)
		if balanced != nil {
			embedded = balanced.Err()
		}
	}

	errCode := res.err
	if balanced != nil {
		errCode = embedded
	}

	maybeDelivered := errors.Is(errCode, ErrConnectionLost) || errors.Is(errCode, ErrMaybeDelivered)
	var received bool
	if balanced != nil {
		received = embedded == nil
	} else {
		received = res.err == nil
	}
	received = received || (!maybeDelivered && !errors.Is(errCode, ErrProcessBehind))
	futureVersion := errors.Is(errCode, ErrFutureVersion) || errors.Is(errCode, ErrProcessBehind)

	penalty := -1.0
	if balanced != nil {
		penalty = balanced.Penalty()
	}
	handle.Release(received, futureVersion, penalty)

	switch {
	case errors.Is(errCode, ErrServerOverloaded):
		return false, nil
	case errCode == nil:
		return true, nil
	case received:
		// A server answered with a genuine error; pass it through.
		return false, errCode
	case atMostOnce && maybeDelivered:
		return false, ErrMaybeDelivered
	case triedAll && errors.Is(errCode, ErrProcessBehind):
		return false, ErrProcessBehind
	default:
		return false, nil
	}
}
