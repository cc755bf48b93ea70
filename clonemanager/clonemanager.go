/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package clonemanager prepares the per-feedstock working copy: a clone of
// the bot's fork with the upstream repository wired in as a second remote,
// parked on the migration branch. Preparation is idempotent; any local state
// left behind by a previous run is discarded with a hard reset before the
// branch dance starts.
package clonemanager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"chainguard.dev/feedstocksync/gitcli"
	"chainguard.dev/feedstocksync/sensitive"
	"github.com/chainguard-dev/clog"
)

const upstreamRemote = "upstream"

// Manager prepares working copies.
type Manager struct {
	secrets []string
}

// New returns a Manager. Secrets are masked out of any captured git output.
func New(secrets ...string) *Manager {
	return &Manager{secrets: secrets}
}

// Ensure brings the working copy at dir to the tip of upstream's baseBranch
// and leaves branch checked out, creating either as needed. The bool result
// distinguishes expected git failures from real errors: a clone that exits
// non-zero (no fork yet, or the fork is still materializing) returns
// (false, nil) so the caller can skip this feedstock, while failures to even
// launch git propagate as errors.
func (m *Manager) Ensure(ctx context.Context, dir, origin, upstream, branch, baseBranch string) (bool, error) {
	log := clog.FromContext(ctx)

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := gitcli.Clone(ctx, origin, dir, m.secrets...); err != nil {
			if gitcli.IsExitError(err) {
				log.Infof("Failed to clone %s. Do you have a fork?", m.masked(origin))
				return false, nil
			}
			return false, err
		}
	} else if err != nil {
		return false, fmt.Errorf("inspecting %s: %w", dir, err)
	} else {
		// Reuse the existing clone, dropping whatever a previous run left in
		// the worktree.
		if err := gitcli.New(dir, m.secrets...).ResetHard(ctx, "HEAD"); err != nil {
			return false, err
		}
	}

	r := gitcli.New(dir, m.secrets...)

	// Adding a remote that already exists exits non-zero; that is the
	// steady state for a reused clone.
	if err := r.RemoteAdd(ctx, upstreamRemote, upstream); err != nil && !gitcli.IsExitError(err) {
		return false, err
	}
	if err := r.FetchAll(ctx); err != nil {
		return false, err
	}

	if err := m.checkoutBase(ctx, r, baseBranch); err != nil {
		return false, err
	}

	if branch != baseBranch {
		if err := r.Checkout(ctx, branch); err != nil {
			if !gitcli.IsExitError(err) {
				return false, err
			}
			if err := r.CheckoutNew(ctx, branch, baseBranch); err != nil {
				return false, err
			}
		}
	}

	return true, nil
}

// checkoutBase puts the clone on baseBranch at upstream's tip. The fork may
// be arbitrarily stale, so the branch is always hard-reset to the upstream
// ref after checkout.
func (m *Manager) checkoutBase(ctx context.Context, r *gitcli.Runner, baseBranch string) error {
	upstreamRef := upstreamRemote + "/" + baseBranch

	has, err := r.HasLocalBranch(ctx, baseBranch)
	if err != nil {
		return err
	}
	if has {
		if err := r.Checkout(ctx, baseBranch); err != nil {
			return err
		}
	} else if err := r.CheckoutTrack(ctx, upstreamRef); err != nil {
		if !gitcli.IsExitError(err) {
			return err
		}
		if err := r.CheckoutNew(ctx, baseBranch, upstreamRef); err != nil {
			return err
		}
	}

	return r.ResetHard(ctx, upstreamRef)
}

func (m *Manager) masked(s string) string {
	for _, secret := range m.secrets {
		s = sensitive.Mask(s, secret)
	}
	return s
}
