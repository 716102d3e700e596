// Copyright 2026 Gravitational, Inc
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

package fido2client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoll_succeedsAfterRetries(t *testing.T) {
	attempts := 0
	delay := time.Millisecond

	err := poll(context.Background(), nil, &delay, func() error {
		attempts++
		if attempts < 3 {
			return ErrNotSatisfied
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestPoll_zeroTimeoutTriesOnceThenTimesOut(t *testing.T) {
	attempts := 0
	zero := time.Duration(0)

	err := poll(context.Background(), &zero, &zero, func() error {
		attempts++
		return ErrNotSatisfied
	})
	require.Error(t, err)
	require.True(t, IsKind(err, Timeout))
	require.Equal(t, 1, attempts)
}

func TestPoll_nonNotSatisfiedErrorPassesThrough(t *testing.T) {
	wantErr := errors.New("boom")
	err := poll(context.Background(), nil, nil, func() error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestPoll_contextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	delay := 50 * time.Millisecond

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := poll(ctx, nil, &delay, func() error {
		return ErrNotSatisfied
	})
	require.Error(t, err)
	require.True(t, IsKind(err, Timeout))
}
