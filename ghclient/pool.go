/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package ghclient owns the authenticated GitHub clients used by worker
// tasks. Clients are handed out through an explicit pool, one per worker for
// the lifetime of its task, so no two goroutines ever share a client's
// connection state. The package also hosts the rate-limit probe: quota
// exhaustion is a distinct condition that workers surface upward rather than
// retry.
package ghclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"chainguard.dev/feedstocksync/retry"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// Pool caches authenticated API clients. Leases are taken from the front and
// returned to the back so a client with a wedged connection ages out instead
// of churning.
type Pool struct {
	tokenSource oauth2.TokenSource
	baseURL     string

	mu        sync.Mutex
	available []*github.Client

	loginOnce sync.Once
	login     string
	loginErr  error
}

// Option configures a Pool.
type Option func(*Pool)

// WithBaseURL points clients at an alternate API endpoint. Tests use this to
// target a local server.
func WithBaseURL(u string) Option {
	return func(p *Pool) {
		p.baseURL = u
	}
}

// NewPool constructs a Pool around the bot's token source.
func NewPool(tokenSource oauth2.TokenSource, opts ...Option) (*Pool, error) {
	if tokenSource == nil {
		return nil, errors.New("token source cannot be nil")
	}
	p := &Pool{tokenSource: tokenSource}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Lease returns an authenticated client for a worker task. Callers must
// Return it when the task completes.
func (p *Pool) Lease(ctx context.Context) (*github.Client, error) {
	p.mu.Lock()
	if n := len(p.available); n > 0 {
		c := p.available[0]
		p.available = p.available[1:]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	return p.newClient(ctx)
}

// Return places a client back into the pool.
func (p *Pool) Return(c *github.Client) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.available = append(p.available, c)
	p.mu.Unlock()
}

func (p *Pool) newClient(ctx context.Context) (*github.Client, error) {
	httpClient := oauth2.NewClient(ctx, p.tokenSource)
	client := github.NewClient(httpClient)
	if p.baseURL != "" {
		u, err := url.Parse(p.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// Login returns the bot's account login, resolved once and cached for the
// life of the pool.
func (p *Pool) Login(ctx context.Context, client *github.Client) (string, error) {
	p.loginOnce.Do(func() {
		user, _, err := client.Users.Get(ctx, "")
		if err != nil {
			p.loginErr = fmt.Errorf("resolving bot login: %w", err)
			return
		}
		p.login = user.GetLogin()
	})
	return p.login, p.loginErr
}

// RemainingRequests returns the number of core API requests left in the
// current window. It always queries the API; quota state is never cached.
func RemainingRequests(ctx context.Context, client *github.Client) (int, error) {
	limits, _, err := client.RateLimit.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("querying rate limit: %w", err)
	}
	return limits.GetCore().Remaining, nil
}

// CheckLimit probes the remaining quota and returns a *retry.RateLimitedError
// when it is exhausted. A failed probe is treated as exhaustion; if we cannot
// reach the rate-limit endpoint there is no point hammering the rest of the
// API.
func CheckLimit(ctx context.Context, client *github.Client) error {
	log := clog.FromContext(ctx)

	limits, _, err := client.RateLimit.Get(ctx)
	if err != nil {
		log.Warnf("Rate limit probe failed, assuming limit reached: %v", err)
		return &retry.RateLimitedError{Reset: time.Now().Add(time.Minute)}
	}

	core := limits.GetCore()
	if core.Remaining == 0 {
		log.Warnf("GitHub API limit reached, returns at %s", core.Reset.UTC().Format(time.RFC3339))
		return &retry.RateLimitedError{Reset: core.Reset.Time}
	}

	return nil
}
