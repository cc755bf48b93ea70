/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package retry

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v75/github"
)

func fastConfig() Config {
	return Config{
		BaseBackoff: time.Millisecond,
		MaxElapsed:  250 * time.Millisecond,
		MaxJitter:   0,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()

	calls := 0
	got, err := Do(ctx, fastConfig(), "test", func(error) bool { return true }, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoPropagatesNonRetryableImmediately(t *testing.T) {
	ctx := context.Background()

	boom := errors.New("boom")
	calls := 0
	_, err := Do(ctx, fastConfig(), "test", IsTransient, func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	ctx := context.Background()

	flaky := errors.New("still down")
	_, err := Do(ctx, fastConfig(), "probe", func(error) bool { return true }, func() (int, error) {
		return 0, flaky
	})
	if !errors.Is(err, flaky) {
		t.Fatalf("expected wrapped flaky error, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	serverErr := &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusBadGateway}}
	clientErr := &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusNotFound}}
	transportErr := &url.Error{Op: "Get", URL: "https://api.github.com", Err: errors.New("connection reset")}
	rateErr := &github.RateLimitError{}
	limitErr := &RateLimitedError{Reset: time.Now()}

	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{"5xx", serverErr, true},
		{"transport", transportErr, true},
		{"4xx", clientErr, false},
		{"rate limit", rateErr, false},
		{"limit probe", limitErr, false},
		{"plain", errors.New("nope"), false},
	} {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
