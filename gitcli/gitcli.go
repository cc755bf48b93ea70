/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gitcli drives the local git surface through synchronous
// subprocesses. The only failure signal a git command gives us is its exit
// code, so every helper returns a *CommandError carrying the captured
// output. Captured output is scrubbed of registered secrets before it is
// wrapped into an error or logged; authenticated remote URLs embed the bot
// token, and that token must never reach a log stream.
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"chainguard.dev/feedstocksync/sensitive"
	"github.com/chainguard-dev/clog"
)

// Runner executes git commands inside a fixed working directory.
type Runner struct {
	dir     string
	secrets []string
}

// New returns a Runner rooted at dir. Any secrets passed here are masked out
// of captured command output.
func New(dir string, secrets ...string) *Runner {
	return &Runner{dir: dir, secrets: secrets}
}

// CommandError is returned when a git command exits non-zero. Its output
// fields are already masked.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsExitError reports whether err is a git command that ran and exited
// non-zero, as opposed to a failure to launch the subprocess at all.
func IsExitError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.ExitCode > 0
}

func (r *Runner) mask(s string) string {
	for _, secret := range r.secrets {
		s = sensitive.Mask(s, secret)
	}
	return s
}

func (r *Runner) maskArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.mask(a)
	}
	return out
}

// Run executes a git command and returns its trimmed stdout. The command is
// synchronous and not subject to any timeout; cancellation of in-flight git
// subprocesses is intentionally unsupported.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if r.dir != "" {
		cmd.Dir = r.dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	clog.FromContext(ctx).Debugf("Running git %s", strings.Join(r.maskArgs(args), " "))

	err := cmd.Run()
	if err != nil {
		ce := &CommandError{
			Args:   r.maskArgs(args),
			Stdout: r.mask(stdout.String()),
			Stderr: r.mask(stderr.String()),
			Err:    err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ce.ExitCode = exitErr.ExitCode()
		}
		return ce.Stdout, ce
	}

	return strings.TrimSpace(r.mask(stdout.String())), nil
}

// Clone clones origin into dir. It runs outside any working directory since
// dir does not exist yet.
func Clone(ctx context.Context, origin, dir string, secrets ...string) error {
	r := New("", secrets...)
	_, err := r.Run(ctx, "clone", "-q", origin, dir)
	return err
}

// RemoteAdd registers a named remote. Adding a remote that already exists
// fails with a non-zero exit; callers treat that as success.
func (r *Runner) RemoteAdd(ctx context.Context, name, url string) error {
	_, err := r.Run(ctx, "remote", "add", name, url)
	return err
}

// FetchAll fetches all remotes quietly.
func (r *Runner) FetchAll(ctx context.Context) error {
	_, err := r.Run(ctx, "fetch", "--all", "--quiet")
	return err
}

// HasLocalBranch reports whether a local branch of the given name exists.
func (r *Runner) HasLocalBranch(ctx context.Context, branch string) (bool, error) {
	out, err := r.Run(ctx, "branch", "--list", branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Checkout checks out an existing branch.
func (r *Runner) Checkout(ctx context.Context, branch string) error {
	_, err := r.Run(ctx, "checkout", branch, "--quiet")
	return err
}

// CheckoutTrack creates a local branch tracking the given remote ref.
func (r *Runner) CheckoutTrack(ctx context.Context, remoteRef string) error {
	_, err := r.Run(ctx, "checkout", "--track", remoteRef, "--quiet")
	return err
}

// CheckoutNew creates branch starting at startRef and checks it out.
func (r *Runner) CheckoutNew(ctx context.Context, branch, startRef string) error {
	_, err := r.Run(ctx, "checkout", "-b", branch, startRef, "--quiet")
	return err
}

// ResetHard hard-resets the current branch to ref, discarding local state.
func (r *Runner) ResetHard(ctx context.Context, ref string) error {
	_, err := r.Run(ctx, "reset", "--hard", ref, "--quiet")
	return err
}

// PushSetUpstream pushes branch to the named remote and sets its upstream.
func (r *Runner) PushSetUpstream(ctx context.Context, remote, branch string) error {
	_, err := r.Run(ctx, "push", "--set-upstream", remote, branch)
	return err
}

// PushDelete deletes ref on the remote at url. The url may carry an embedded
// credential; the runner's masking keeps it out of logs and errors.
func (r *Runner) PushDelete(ctx context.Context, url, ref string) error {
	_, err := r.Run(ctx, "push", url, "--delete", ref)
	return err
}
