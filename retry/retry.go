// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrInvalidMaxAttempts is returned when maxAttempts is <= 0
var ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")

// Option adjusts a single WithBackoff call.
type Option func(*settings)

type settings struct {
	retryable func(error) bool
	maxDelay  time.Duration
	onRetry   func(attempt int, err error)
}

// If retries only errors for which pred returns true. Other errors are returned immediately.
func If(pred func(error) bool) Option {
	return func(s *settings) {
		s.retryable = pred
	}
}

// MaxDelay caps the delay between attempts.
func MaxDelay(d time.Duration) Option {
	return func(s *settings) {
		s.maxDelay = d
	}
}

// OnRetry is called after each failed attempt that will be retried.
func OnRetry(fn func(attempt int, err error)) Option {
	return func(s *settings) {
		s.onRetry = fn
	}
}

// WithBackoff retries an operation with exponential backoff.
// maxAttempts: maximum number of attempts (must be > 0)
// baseDelay: base delay between retries (doubles on each retry)
// Returns the error from the last attempt if all attempts fail.
func WithBackoff(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration, opts ...Option) error {
	if maxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	s := settings{retryable: func(error) bool { return true }}
	for _, opt := range opts {
		opt(&s)
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Check context before attempting
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			if attempt > 1 {
				slog.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if !s.retryable(lastErr) {
			return lastErr
		}

		slog.Debug("operation failed, will retry", "attempt", attempt, "maxAttempts", maxAttempts, "err", lastErr)

		// Don't sleep after the last attempt
		if attempt == maxAttempts {
			break
		}
		if s.onRetry != nil {
			s.onRetry(attempt, lastErr)
		}

		if s.maxDelay > 0 && delay > s.maxDelay {
			delay = s.maxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	return lastErr
}
