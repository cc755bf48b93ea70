/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gitcli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func initTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "recipe.yaml"), []byte("name: foo"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add("recipe.yaml"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	return dir
}

func TestHasLocalBranch(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)
	r := New(dir)

	head, err := r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}

	ok, err := r.HasLocalBranch(ctx, head)
	if err != nil {
		t.Fatalf("HasLocalBranch(%q): %v", head, err)
	}
	if !ok {
		t.Errorf("expected branch %q to exist", head)
	}

	ok, err = r.HasLocalBranch(ctx, "no-such-branch")
	if err != nil {
		t.Fatalf("HasLocalBranch: %v", err)
	}
	if ok {
		t.Error("expected missing branch to report false")
	}
}

func TestRunExitError(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)
	r := New(dir)

	_, err := r.Run(ctx, "checkout", "does-not-exist", "--quiet")
	if err == nil {
		t.Fatal("expected checkout of missing branch to fail")
	}
	if !IsExitError(err) {
		t.Fatalf("expected exit error, got %v", err)
	}
}

func TestMaskedOutput(t *testing.T) {
	ctx := context.Background()
	dir := initTestRepo(t)

	const token = "ghp_supersecret"
	r := New(dir, token)

	// Fetching from an authenticated URL that cannot resolve puts the URL in
	// the error output; the token must not survive into the error text.
	_, err := r.Run(ctx, "fetch", "https://"+token+"@localhost:1/none.git")
	if err == nil {
		t.Skip("fetch unexpectedly succeeded")
	}

	if strings.Contains(err.Error(), token) {
		t.Errorf("token leaked into error: %v", err)
	}
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommandError, got %T", err)
	}
	for _, field := range []string{ce.Stdout, ce.Stderr, strings.Join(ce.Args, " ")} {
		if strings.Contains(field, token) {
			t.Errorf("token leaked into captured output: %q", field)
		}
	}
}
