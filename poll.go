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
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultPollTimeout is used when a ceremony supplies no explicit timeout.
const DefaultPollTimeout = 30 * time.Second

// DefaultPollDelay is the wait between retries when an operation reports
// "user presence not yet satisfied".
const DefaultPollDelay = 250 * time.Millisecond

// ErrNotSatisfied is the sentinel a polled operation returns to mean "no
// user presence yet, try again". CTAP1Transport.Authenticate/Register
// implementations return it instead of any APDU-specific status type.
var ErrNotSatisfied = newNotSatisfiedError()

type notSatisfiedError struct{}

func (notSatisfiedError) Error() string { return "user presence not yet satisfied" }

func newNotSatisfiedError() error { return notSatisfiedError{} }

// IsNotSatisfied reports whether err is (or wraps) ErrNotSatisfied.
func IsNotSatisfied(err error) bool {
	var target notSatisfiedError
	return errors.As(err, &target)
}

// poll repeatedly invokes op until it succeeds, fails with an error other
// than ErrNotSatisfied, or the timeout budget is exhausted.
//
// timeout nil means the caller supplied none, so DefaultPollTimeout applies.
// An explicit timeout of 0 is honoured literally: op is attempted exactly
// once, and USE_NOT_SATISFIED fails immediately with Timeout rather than
// waiting. delay nil means DefaultPollDelay.
//
// poll honours ctx cancellation: if ctx is done before op succeeds, it
// returns ctx.Err() wrapped as a Timeout ClientError.
func poll(ctx context.Context, timeout, delay *time.Duration, op func() error) error {
	budget := DefaultPollTimeout
	if timeout != nil {
		budget = *timeout
	}
	wait := DefaultPollDelay
	if delay != nil {
		wait = *delay
	}

	deadline := time.Now().Add(budget)
	attempts := 0
	for {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if !IsNotSatisfied(err) {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.WithField("attempts", attempts).Debug("fido2client: polling budget exhausted")
			return NewTimeout("user presence not supplied within the polling budget")
		}
		sleep := wait
		if remaining < sleep {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return newClientError(Timeout, ctx.Err(), "polling cancelled: %v", ctx.Err())
		case <-timer.C:
		}
	}
}
