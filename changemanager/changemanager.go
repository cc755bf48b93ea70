/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package changemanager publishes a prepared migration branch: it pushes the
// branch to the bot's fork over an authenticated remote and opens the pull
// request against upstream. Publication failures are expected operational
// noise (a fork that is not ready, a PR that already exists) and yield a nil
// record rather than an error; an already-pushed branch stays pushed, so the
// next pass self-heals.
package changemanager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"chainguard.dev/feedstocksync/feedstocks"
	"chainguard.dev/feedstocksync/gitcli"
	"chainguard.dev/feedstocksync/prstate"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

const pushRemoteName = "bot-fork"

// pushRemote builds the authenticated push URL for the bot's fork. Tests
// override this to target local fixture repositories.
var pushRemote = func(login, token, repoName string) string {
	return fmt.Sprintf("https://%s@github.com/%s/%s.git", token, login, repoName)
}

// Manager publishes migration branches as pull requests.
type Manager struct {
	client *github.Client
	login  string
	token  string
	org    string
	dryRun bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithUpstreamOrg overrides the organization pull requests are opened
// against.
func WithUpstreamOrg(org string) Option {
	return func(m *Manager) {
		m.org = org
	}
}

// WithDryRun makes Publish a logged no-op returning no record.
func WithDryRun(dryRun bool) Option {
	return func(m *Manager) {
		m.dryRun = dryRun
	}
}

// New constructs a Manager pushing as login with the bot token.
func New(client *github.Client, login, token string, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		login:  login,
		token:  token,
		org:    feedstocks.UpstreamOrg,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish pushes branch from the working copy at dir to the bot's fork and
// opens a pull request against upstream's baseBranch. It returns the trimmed
// record of the new pull request, or (nil, nil) when a publication step
// failed in an expected way. Transport-level failures propagate.
func (m *Manager) Publish(ctx context.Context, dir, branch, baseBranch, title, body string) (*prstate.Record, error) {
	log := clog.FromContext(ctx)

	repoName := strings.TrimSuffix(filepath.Base(dir), ".git")

	if m.dryRun {
		log.Infof("dry run: would push %s and open a pull request on %s/%s", branch, m.org, repoName)
		return nil, nil
	}

	r := gitcli.New(dir, m.token)
	remoteURL := pushRemote(m.login, m.token, repoName)

	// The remote survives across runs in a reused clone; adding it again
	// exits non-zero.
	if err := r.RemoteAdd(ctx, pushRemoteName, remoteURL); err != nil && !gitcli.IsExitError(err) {
		return nil, err
	}
	if err := r.PushSetUpstream(ctx, pushRemoteName, branch); err != nil {
		if !gitcli.IsExitError(err) {
			return nil, err
		}
		log.Infof("Failed to push %s to %s/%s: %v", branch, m.login, repoName, err)
		return nil, nil
	}

	pr, resp, err := m.client.PullRequests.Create(ctx, m.org, repoName, &github.NewPullRequest{
		Title:               github.Ptr(title),
		Body:                github.Ptr(body),
		Head:                github.Ptr(m.login + ":" + branch),
		Base:                github.Ptr(baseBranch),
		MaintainerCanModify: github.Ptr(true),
	})
	if err != nil {
		// The API refusing the PR (already exists, no commits between the
		// refs) is expected; anything that never reached the API is not.
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) {
			log.Infof("Failed to open pull request on %s/%s: %v", m.org, repoName, err)
			return nil, nil
		}
		return nil, err
	}

	rec := prstate.FromAPI(pr, resp)
	log.Infof("Opened pull request %s", rec.HTMLURL)
	return &rec, nil
}
