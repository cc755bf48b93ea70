/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package forkmanager makes sure the bot account carries a usable fork of an
// upstream feedstock before any clone or push happens. Fork creation and
// default-branch renames on the hosted side are eventually consistent, so
// each mutation is followed by one fixed bounded wait rather than a poll
// loop.
package forkmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainguard.dev/feedstocksync/feedstocks"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

const defaultSettleWait = 5 * time.Second

// Manager ensures forks exist under the bot's account and that their default
// branch matches upstream.
type Manager struct {
	client *github.Client
	login  string
	org    string
	wait   time.Duration
	dryRun bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithUpstreamOrg overrides the upstream organization forks are taken from.
func WithUpstreamOrg(org string) Option {
	return func(m *Manager) {
		m.org = org
	}
}

// WithSettleWait overrides the post-mutation consistency wait.
func WithSettleWait(d time.Duration) Option {
	return func(m *Manager) {
		m.wait = d
	}
}

// WithDryRun makes every mutation a logged no-op.
func WithDryRun(dryRun bool) Option {
	return func(m *Manager) {
		m.dryRun = dryRun
	}
}

// New constructs a Manager creating forks under login.
func New(client *github.Client, login string, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		login:  login,
		org:    feedstocks.UpstreamOrg,
		wait:   defaultSettleWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure looks up the bot's fork of repoName, creating it when the lookup
// fails, then aligns the fork's default branch with upstream. A missing
// upstream repository surfaces as an error from the default-branch
// comparison; classifying that as terminal is the caller's job.
func (m *Manager) Ensure(ctx context.Context, repoName string) error {
	log := clog.FromContext(ctx)

	if _, _, err := m.client.Repositories.Get(ctx, m.login, repoName); err != nil {
		if m.dryRun {
			log.Infof("dry run: would fork %s/%s to %s", m.org, repoName, m.login)
			return nil
		}
		log.Infof("Fork %s/%s not found, creating", m.login, repoName)
		if _, _, err := m.client.Repositories.CreateFork(ctx, m.org, repoName, nil); err != nil {
			// Forking is asynchronous server-side; 202 Accepted means the
			// fork is on its way.
			var accepted *github.AcceptedError
			if !errors.As(err, &accepted) {
				return fmt.Errorf("creating fork of %s/%s: %w", m.org, repoName, err)
			}
		}
		m.settle(ctx)
	}

	return m.syncDefaultBranch(ctx, repoName)
}

// syncDefaultBranch renames the fork's default branch to match upstream.
// Feedstocks migrated from master to main upstream, and stale forks keep the
// old name until renamed.
func (m *Manager) syncDefaultBranch(ctx context.Context, repoName string) error {
	log := clog.FromContext(ctx)

	upstream, _, err := m.client.Repositories.Get(ctx, m.org, repoName)
	if err != nil {
		return fmt.Errorf("looking up upstream %s/%s: %w", m.org, repoName, err)
	}
	fork, _, err := m.client.Repositories.Get(ctx, m.login, repoName)
	if err != nil {
		return fmt.Errorf("looking up fork %s/%s: %w", m.login, repoName, err)
	}

	from, to := fork.GetDefaultBranch(), upstream.GetDefaultBranch()
	if from == to {
		return nil
	}

	if m.dryRun {
		log.Infof("dry run: would rename %s/%s default branch %s -> %s", m.login, repoName, from, to)
		return nil
	}

	log.Infof("Renaming %s/%s default branch %s -> %s", m.login, repoName, from, to)
	if _, _, err := m.client.Repositories.RenameBranch(ctx, m.login, repoName, from, to); err != nil {
		return fmt.Errorf("renaming default branch of %s/%s: %w", m.login, repoName, err)
	}
	m.settle(ctx)

	return nil
}

func (m *Manager) settle(ctx context.Context) {
	if m.wait <= 0 {
		return
	}
	select {
	case <-time.After(m.wait):
	case <-ctx.Done():
	}
}
