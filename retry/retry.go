/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package retry wraps transient-failure-prone GitHub calls with exponential
// backoff bounded by a wall-clock budget. Only timeout and generic request
// failures are retried; rate-limit exhaustion is a distinct condition that is
// surfaced, never retried, so a batch driver can pause all workers until the
// limit resets.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

// Config controls backoff behavior.
type Config struct {
	// BaseBackoff is the initial backoff duration (default: 1s).
	BaseBackoff time.Duration
	// MaxElapsed bounds the total wall-clock time spent across all attempts,
	// including backoff sleeps (default: 60s).
	MaxElapsed time.Duration
	// MaxJitter is the maximum random jitter added to each backoff
	// (default: 500ms).
	MaxJitter time.Duration
}

// DefaultConfig matches the historical 60s GitHub call budget.
func DefaultConfig() Config {
	return Config{
		BaseBackoff: 1 * time.Second,
		MaxElapsed:  60 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// RateLimitedError reports that the API quota is exhausted. It is never
// produced by Do itself; callers construct it from an explicit probe and the
// classifier refuses to retry it.
type RateLimitedError struct {
	Reset time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("github api limit reached, resets at %s", e.Reset.UTC().Format(time.RFC3339))
}

// IsTransient classifies errors that are worth retrying: network timeouts,
// transport failures, and 5xx responses. Rate-limit errors are explicitly
// not transient.
func IsTransient(err error) bool {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return false
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return false
	}
	var limitErr *RateLimitedError
	if errors.As(err, &limitErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode >= 500 {
		return true
	}

	return false
}

// Do executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, or the elapsed budget runs out. Errors that
// isRetryable rejects propagate immediately.
func Do[T any](ctx context.Context, cfg Config, operation string, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	deadline := time.Now().Add(cfg.MaxElapsed)

	for attempt := 0; ; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		if !isRetryable(lastErr) {
			return result, lastErr
		}

		// BaseBackoff * 2^attempt plus jitter, but never past the budget.
		backoff := cfg.BaseBackoff << attempt
		if cfg.MaxJitter > 0 {
			if n, err := rand.Int(rand.Reader, big.NewInt(int64(cfg.MaxJitter))); err == nil {
				backoff += time.Duration(n.Int64())
			}
		}

		if time.Now().Add(backoff).After(deadline) {
			break
		}

		clog.FromContext(ctx).With("operation", operation).
			With("attempt", attempt+1).
			With("backoff", backoff).
			With("error", lastErr.Error()).
			Warn("Transient failure, retrying")

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return result, fmt.Errorf("%s did not succeed within %s: %w", operation, cfg.MaxElapsed, lastErr)
}
