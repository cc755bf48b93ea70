/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package prreconciler applies the close-out policies to cached pull-request
// records. Each rule follows the same shape: a cheap check against the cached
// record, one refresh to rule out acting on stale data, and only then the
// mutations (comment, close, branch deletion). Both rules are idempotent; a
// record already handled comes back nil on the next pass.
package prreconciler

import (
	"context"
	"fmt"
	"net/http"

	"chainguard.dev/feedstocksync/feedstocks"
	"chainguard.dev/feedstocksync/prstate"
	"chainguard.dev/feedstocksync/retry"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

// BotIdentities are the commit author names the bot writes under. The dirty
// close-out only fires when every commit on the PR comes from one of these;
// a single human commit protects the PR.
var BotIdentities = []string{
	"regro-cf-autotick-bot",
	"conda-forge-linter",
}

const (
	rerunComment    = "Due to the `bot-rerun` label I'm closing this PR. I will make another one as appropriate."
	conflictComment = "I see that this PR has conflicts, and I'm the only committer. I'm going to close this PR and will make another one as appropriate."
)

// Reconciler closes out pull requests that no longer serve a purpose.
type Reconciler struct {
	client  *github.Client
	sync    *prstate.Synchronizer
	deleter prstate.BranchDeleter

	org      string
	runURL   string
	dryRun   bool
	retryCfg retry.Config
	botNames map[string]bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithUpstreamOrg overrides the organization the rules act against.
func WithUpstreamOrg(org string) Option {
	return func(r *Reconciler) {
		r.org = org
	}
}

// WithRunURL attributes close-out comments to a CI run.
func WithRunURL(u string) Option {
	return func(r *Reconciler) {
		r.runURL = u
	}
}

// WithDryRun makes every mutation a logged no-op. Return values still
// reflect the decision the rule reached.
func WithDryRun(dryRun bool) Option {
	return func(r *Reconciler) {
		r.dryRun = dryRun
	}
}

// WithRetryConfig overrides the backoff applied to the rules' networked
// steps.
func WithRetryConfig(cfg retry.Config) Option {
	return func(r *Reconciler) {
		r.retryCfg = cfg
	}
}

// WithBotIdentities overrides the commit author names treated as the bot.
func WithBotIdentities(names []string) Option {
	return func(r *Reconciler) {
		r.botNames = make(map[string]bool, len(names))
		for _, n := range names {
			r.botNames[n] = true
		}
	}
}

// New constructs a Reconciler over an authenticated client, the record
// synchronizer, and the fork branch deleter.
func New(client *github.Client, sync *prstate.Synchronizer, deleter prstate.BranchDeleter, opts ...Option) *Reconciler {
	r := &Reconciler{
		client:   client,
		sync:     sync,
		deleter:  deleter,
		org:      feedstocks.UpstreamOrg,
		retryCfg: retry.DefaultConfig(),
	}
	WithBotIdentities(BotIdentities)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func staleRerun(rec prstate.Record) bool {
	return rec.State == prstate.StateOpen && rec.HasLabel(prstate.BotRerunLabel.Name)
}

func dirty(rec prstate.Record) bool {
	return rec.State == prstate.StateOpen && !rec.Draft && rec.MergeableState == prstate.MergeableStateDirty
}

// CloseOutLabels applies the stale rerun rule: an open PR carrying the
// bot-rerun label is superseded by a future migration run, so it is
// commented on, closed, and its branch deleted. The rule returns the final
// record when it acted and nil when it did not.
func (r *Reconciler) CloseOutLabels(ctx context.Context, rec prstate.Record) (*prstate.Record, error) {
	log := clog.FromContext(ctx)

	if !staleRerun(rec) {
		return nil, nil
	}

	// The cached record may predate a label removal; refresh before acting.
	refreshed, err := r.refresh(ctx, rec, false)
	if err != nil {
		return nil, err
	}
	if !staleRerun(refreshed) {
		return nil, nil
	}

	if r.dryRun {
		log.Infof("dry run: would close %s#%d for its bot-rerun label", refreshed.Base.Repo.Name, refreshed.Number)
		out := refreshed.Trim()
		return &out, nil
	}

	final, err := r.closeOut(ctx, refreshed, rerunComment)
	if err != nil {
		return nil, err
	}
	mClosedRerun.Inc()

	return &final, nil
}

// CloseOutDirty applies the conflict rule: an open, non-draft PR whose
// mergeable state is dirty and whose every commit was authored by the bot is
// closed out, and the returned record carries an in-memory bot-rerun label
// so a later run recreates the PR. The label is never written to the hosted
// side. A PR with any human commit is left untouched.
func (r *Reconciler) CloseOutDirty(ctx context.Context, rec prstate.Record) (*prstate.Record, error) {
	log := clog.FromContext(ctx)

	if !dirty(rec) {
		return nil, nil
	}

	refreshed, err := r.refresh(ctx, rec, false)
	if err != nil {
		return nil, err
	}
	if !dirty(refreshed) {
		return nil, nil
	}

	allBot, err := r.allBotAuthors(ctx, refreshed)
	if err != nil {
		return nil, err
	}
	if !allBot {
		return nil, nil
	}

	if r.dryRun {
		log.Infof("dry run: would close conflicted %s#%d", refreshed.Base.Repo.Name, refreshed.Number)
		out := refreshed.Trim()
		out.Labels = append(out.Labels, prstate.BotRerunLabel)
		return &out, nil
	}

	final, err := r.closeOut(ctx, refreshed, conflictComment)
	if err != nil {
		return nil, err
	}
	mClosedConflict.Inc()

	final.Labels = append(final.Labels, prstate.BotRerunLabel)
	return &final, nil
}

// closeOut comments, closes, refreshes, and deletes the head branch. The
// branch deletion runs last so the sentinel it writes into head.ref survives
// into the returned record.
func (r *Reconciler) closeOut(ctx context.Context, rec prstate.Record, comment string) (prstate.Record, error) {
	repo := rec.Base.Repo.Name

	body := comment + r.attribution()
	if err := r.withRetry(ctx, "commenting on pull request", func() error {
		_, _, err := r.client.Issues.CreateComment(ctx, r.org, repo, rec.Number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		return err
	}); err != nil {
		return rec, fmt.Errorf("commenting on %s#%d: %w", repo, rec.Number, err)
	}

	if err := r.withRetry(ctx, "closing pull request", func() error {
		_, _, err := r.client.PullRequests.Edit(ctx, r.org, repo, rec.Number, &github.PullRequest{
			State: github.Ptr(prstate.StateClosed),
		})
		return err
	}); err != nil {
		return rec, fmt.Errorf("closing %s#%d: %w", repo, rec.Number, err)
	}

	final, err := r.refresh(ctx, rec, true)
	if err != nil {
		return rec, err
	}

	final, err = r.deleter.Delete(ctx, final)
	if err != nil {
		return final, err
	}
	mBranchDeletions.Inc()

	return final, nil
}

func (r *Reconciler) refresh(ctx context.Context, rec prstate.Record, force bool) (prstate.Record, error) {
	out, err := retry.Do(ctx, r.retryCfg, "refreshing pull request", retry.IsTransient, func() (prstate.Record, error) {
		return r.sync.LazyUpdate(ctx, rec, force)
	})
	if err != nil {
		return rec, err
	}
	mRecordRefreshes.Inc()
	return out, nil
}

// withRetry runs one networked mutation under the transient-failure backoff.
func (r *Reconciler) withRetry(ctx context.Context, operation string, fn func() error) error {
	_, err := retry.Do(ctx, r.retryCfg, operation, retry.IsTransient, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// allBotAuthors reports whether every commit on the PR was authored under a
// bot identity. The commit list is paginated; a human commit on any page
// protects the PR.
func (r *Reconciler) allBotAuthors(ctx context.Context, rec prstate.Record) (bool, error) {
	repo := rec.Base.Repo.Name

	return retry.Do(ctx, r.retryCfg, "listing pull request commits", retry.IsTransient, func() (bool, error) {
		opts := &github.ListOptions{PerPage: 100}
		for {
			commits, resp, err := r.client.PullRequests.ListCommits(ctx, r.org, repo, rec.Number, opts)
			if err != nil {
				return false, fmt.Errorf("listing commits on %s#%d: %w", repo, rec.Number, err)
			}
			for _, c := range commits {
				if !r.botNames[c.GetCommit().GetAuthor().GetName()] {
					return false, nil
				}
			}
			if resp.NextPage == 0 {
				return true, nil
			}
			opts.Page = resp.NextPage
		}
	})
}

func (r *Reconciler) attribution() string {
	if r.runURL == "" {
		return ""
	}
	return fmt.Sprintf("\n\nThis was generated by %s.", r.runURL)
}

// EnsureLabelExists creates the label on the repository if it is missing.
func (r *Reconciler) EnsureLabelExists(ctx context.Context, repoName string, label *github.Label) error {
	log := clog.FromContext(ctx)

	var resp *github.Response
	err := r.withRetry(ctx, "looking up label", func() error {
		var lookupErr error
		_, resp, lookupErr = r.client.Issues.GetLabel(ctx, r.org, repoName, label.GetName())
		return lookupErr
	})
	if err == nil {
		return nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("looking up label %q on %s: %w", label.GetName(), repoName, err)
	}

	if r.dryRun {
		log.Infof("dry run: would create label %q on %s/%s", label.GetName(), r.org, repoName)
		return nil
	}

	if err := r.withRetry(ctx, "creating label", func() error {
		_, _, createErr := r.client.Issues.CreateLabel(ctx, r.org, repoName, label)
		return createErr
	}); err != nil {
		return fmt.Errorf("creating label %q on %s: %w", label.GetName(), repoName, err)
	}
	return nil
}

// LabelPR adds the label to a pull request, creating it on the repository
// first if needed.
func (r *Reconciler) LabelPR(ctx context.Context, repoName string, number int, label *github.Label) error {
	log := clog.FromContext(ctx)

	if err := r.EnsureLabelExists(ctx, repoName, label); err != nil {
		return err
	}

	if r.dryRun {
		log.Infof("dry run: would label %s#%d with %q", repoName, number, label.GetName())
		return nil
	}

	if err := r.withRetry(ctx, "labeling pull request", func() error {
		_, _, addErr := r.client.Issues.AddLabelsToIssue(ctx, r.org, repoName, number, []string{label.GetName()})
		return addErr
	}); err != nil {
		return fmt.Errorf("labeling %s#%d: %w", repoName, number, err)
	}
	return nil
}
