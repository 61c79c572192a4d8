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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type balancedReply struct {
	payload string
	penalty float64
	err     error
}

func (r balancedReply) Penalty() float64 { return r.penalty }
func (r balancedReply) Err() error       { return r.err }

func TestClassifyReply(t *testing.T) {
	t.Parallel()

	errApp := errors.New("transaction too old")
	testCases := []struct {
		name       string
		res        result
		atMostOnce bool
		triedAll   bool
		wantDone   bool
		wantErr    error
	}{
		{
			name:     "plain payload",
			res:      result{reply: "ok"},
			wantDone: true,
		},
		{
			name:     "balanced payload",
			res:      result{reply: balancedReply{payload: "ok", penalty: 1}},
			wantDone: true,
		},
		{
			name:    "embedded application error",
			res:     result{reply: balancedReply{penalty: 1, err: errApp}},
			wantErr: errApp,
		},
		{
			name: "embedded overload is retryable",
			res:  result{reply: balancedReply{penalty: 2, err: ErrServerOverloaded}},
		},
		{
			name: "transport overload is retryable",
			res:  result{err: fmt.Errorf("shed: %w", ErrServerOverloaded)},
		},
		{
			name: "connection lost is retryable",
			res:  result{err: ErrConnectionLost},
		},
		{
			name:       "connection lost with at-most-once",
			res:        result{err: ErrConnectionLost},
			atMostOnce: true,
			wantErr:    ErrMaybeDelivered,
		},
		{
			name:       "maybe delivered with at-most-once",
			res:        result{err: fmt.Errorf("send: %w", ErrMaybeDelivered)},
			atMostOnce: true,
			wantErr:    ErrMaybeDelivered,
		},
		{
			name: "process behind before exhaustion is retryable",
			res:  result{err: ErrProcessBehind},
		},
		{
			name:     "process behind after exhaustion",
			res:      result{err: ErrProcessBehind},
			triedAll: true,
			wantErr:  ErrProcessBehind,
		},
		{
			name:    "other transport errors are fatal",
			res:     result{err: errApp},
			wantErr: errApp,
		},
		{
			name:    "future version passes through",
			res:     result{err: ErrFutureVersion},
			wantErr: ErrFutureVersion,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			done, err := classifyReply(testCase.res, nil, testCase.atMostOnce, testCase.triedAll)
			assert.Equal(t, testCase.wantDone, done)
			if testCase.wantErr != nil {
				assert.ErrorIs(t, err, testCase.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
