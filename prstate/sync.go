/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prstate

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"chainguard.dev/feedstocksync/feedstocks"
	"chainguard.dev/feedstocksync/gitcli"
	"chainguard.dev/feedstocksync/retry"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

// BranchDeleter removes a pull request's head branch on the bot's fork.
type BranchDeleter interface {
	Delete(ctx context.Context, rec Record) (Record, error)
}

// Synchronizer lazily refreshes cached pull-request records against the
// hosted API using conditional requests.
type Synchronizer struct {
	client   *github.Client
	deleter  BranchDeleter
	retryCfg retry.Config
	org      string
	dryRun   bool
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithRetryConfig overrides the default backoff budget.
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Synchronizer) {
		s.retryCfg = cfg
	}
}

// WithUpstreamOrg overrides the upstream organization used in API paths.
func WithUpstreamOrg(org string) Option {
	return func(s *Synchronizer) {
		s.org = org
	}
}

// WithDryRun makes Refresh a logged no-op that returns the cached record.
func WithDryRun(dryRun bool) Option {
	return func(s *Synchronizer) {
		s.dryRun = dryRun
	}
}

// NewSynchronizer constructs a Synchronizer around an authenticated client
// and the branch deleter used for merged PRs.
func NewSynchronizer(client *github.Client, deleter BranchDeleter, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		client:   client,
		deleter:  deleter,
		retryCfg: retry.DefaultConfig(),
		org:      feedstocks.UpstreamOrg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LazyUpdate refreshes a record through a conditional request. The cached
// ETag is sent as If-None-Match unless force is set or no ETag exists. A 200
// response replaces the trimmed subset and updates the validators; any other
// response (including 304 Not Modified) only re-trims the existing data.
// Transport-level failures are returned for the caller's retry policy.
func (s *Synchronizer) LazyUpdate(ctx context.Context, rec Record, force bool) (Record, error) {
	rec = rec.Repair()

	u := fmt.Sprintf("repos/%s/%s/pulls/%d", s.org, rec.Base.Repo.Name, rec.Number)
	req, err := s.client.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return rec, fmt.Errorf("building request: %w", err)
	}
	if !force && rec.ETag != "" {
		req.Header.Set("If-None-Match", rec.ETag)
	}

	var pr github.PullRequest
	resp, err := s.client.Do(ctx, req, &pr)
	if resp != nil && resp.StatusCode != http.StatusOK {
		// Not modified, or the API refused us with a response in hand.
		// Either way the cached data stands; re-trim it defensively.
		return rec.Trim(), nil
	}
	if err != nil {
		return rec, err
	}

	return FromAPI(&pr, resp), nil
}

// Refresh implements the lazy refresh lifecycle for a cached record. A
// record already in the closed state is returned as nil with zero network
// calls. Otherwise the record is refreshed (with retry on transient
// failures), and a refreshed state of closed+merged triggers deletion of the
// head branch before returning.
func (s *Synchronizer) Refresh(ctx context.Context, rec Record) (*Record, error) {
	log := clog.FromContext(ctx)

	if rec.State == StateClosed {
		return nil, nil
	}

	if s.dryRun {
		log.Infof("dry run: refresh pr %d", rec.ID)
		out := rec.Trim()
		return &out, nil
	}

	updated, err := retry.Do(ctx, s.retryCfg, "refreshing pull request", retry.IsTransient, func() (Record, error) {
		return s.LazyUpdate(ctx, rec, false)
	})
	if err != nil {
		return nil, err
	}

	// A PR that passed from open to merged loses its branch here, before the
	// record is handed back.
	if updated.State == StateClosed && updated.MergedAt != nil {
		updated, err = s.deleter.Delete(ctx, updated)
		if err != nil {
			return nil, err
		}
	}

	return &updated, nil
}

// deleteRemote builds the authenticated push URL for a fork branch deletion.
// Tests override this to target local fixture repositories.
var deleteRemote = func(login, token, repoName string) string {
	return fmt.Sprintf("https://%s@github.com/%s/%s.git", token, login, repoName)
}

// ForkBranchDeleter deletes fork branches with an authenticated push. The
// push runs from a scratch repository; its output is token-masked by the git
// runner.
type ForkBranchDeleter struct {
	login  string
	token  string
	dryRun bool

	once    sync.Once
	workdir string
	initErr error
}

// NewForkBranchDeleter returns a deleter pushing as login with the bot token.
func NewForkBranchDeleter(login, token string, dryRun bool) *ForkBranchDeleter {
	return &ForkBranchDeleter{login: login, token: token, dryRun: dryRun}
}

// Delete removes the record's head branch on the fork and overwrites
// head.ref with a sentinel so the deletion is never retried. In dry-run mode
// it logs and returns the record unchanged.
func (d *ForkBranchDeleter) Delete(ctx context.Context, rec Record) (Record, error) {
	log := clog.FromContext(ctx)

	ref := rec.Head.Ref
	if d.dryRun {
		log.Infof("dry run: deleting ref %s", ref)
		return rec, nil
	}

	dir, err := d.scratchRepo(ctx)
	if err != nil {
		return rec, err
	}

	runner := gitcli.New(dir, d.token)
	if err := runner.PushDelete(ctx, deleteRemote(d.login, d.token, rec.Base.Repo.Name), ref); err != nil {
		return rec, fmt.Errorf("deleting branch %s: %w", ref, err)
	}

	rec.Head.Ref = DeletedBranchRef
	return rec, nil
}

// Close removes the scratch repository, if one was created. The deleter is
// shared across a run's workers and closed once the run is over.
func (d *ForkBranchDeleter) Close() error {
	if d.workdir == "" {
		return nil
	}
	return os.RemoveAll(d.workdir)
}

// scratchRepo lazily initializes an empty repository to push deletions from;
// git refuses to push outside a repository even when no objects are sent.
func (d *ForkBranchDeleter) scratchRepo(ctx context.Context) (string, error) {
	d.once.Do(func() {
		dir, err := os.MkdirTemp("", "feedstocksync-deleter-")
		if err != nil {
			d.initErr = fmt.Errorf("creating scratch dir: %w", err)
			return
		}
		if _, err := gitcli.New(dir).Run(ctx, "init", "-q"); err != nil {
			d.initErr = fmt.Errorf("initializing scratch repo: %w", err)
			return
		}
		d.workdir = dir
	})
	return d.workdir, d.initErr
}
