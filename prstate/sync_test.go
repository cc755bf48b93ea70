/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prstate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chainguard.dev/feedstocksync/retry"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v75/github"
)

func newTestClient(t *testing.T, handler http.Handler) *github.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parsing server URL: %v", err)
	}
	client.BaseURL = u
	return client
}

type fakeDeleter struct {
	calls int
}

func (d *fakeDeleter) Delete(_ context.Context, rec Record) (Record, error) {
	d.calls++
	rec.Head.Ref = DeletedBranchRef
	return rec, nil
}

func fastRetry() retry.Config {
	return retry.Config{BaseBackoff: time.Millisecond, MaxElapsed: 50 * time.Millisecond}
}

func TestRefreshClosedRecordIssuesNoNetworkCalls(t *testing.T) {
	ctx := context.Background()

	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))

	sync := NewSynchronizer(client, &fakeDeleter{}, WithRetryConfig(fastRetry()))

	rec := sampleRecord()
	rec.State = StateClosed

	got, err := sync.Refresh(ctx, rec)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for a closed record, got %+v", got)
	}
	if calls != 0 {
		t.Errorf("expected zero network calls, saw %d", calls)
	}
}

func TestRefreshNotModifiedReTrims(t *testing.T) {
	ctx := context.Background()

	calls := 0
	rec := sampleRecord()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.Header.Get("If-None-Match"); got != rec.ETag {
			t.Errorf("If-None-Match = %q, want %q", got, rec.ETag)
		}
		w.WriteHeader(http.StatusNotModified)
	}))

	sync := NewSynchronizer(client, &fakeDeleter{}, WithRetryConfig(fastRetry()))

	got, err := sync.Refresh(ctx, rec)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record back")
	}
	if diff := cmp.Diff(rec.Trim(), *got); diff != "" {
		t.Errorf("304 should preserve cached data:\n%s", diff)
	}
	if calls != 1 {
		t.Errorf("expected one conditional request, saw %d", calls)
	}
}

func prJSON(state string, merged bool, mergedAt string, labels ...string) string {
	labelJSON := ""
	for i, l := range labels {
		if i > 0 {
			labelJSON += ","
		}
		labelJSON += fmt.Sprintf(`{"name":%q}`, l)
	}
	mergedAtJSON := "null"
	if mergedAt != "" {
		mergedAtJSON = fmt.Sprintf("%q", mergedAt)
	}
	return fmt.Sprintf(`{
		"id": 101,
		"number": 12,
		"html_url": "https://github.com/conda-forge/foo-feedstock/pull/12",
		"state": %q,
		"merged": %t,
		"merged_at": %s,
		"mergeable_state": "unknown",
		"labels": [%s],
		"head": {"ref": "rebuild-1"},
		"base": {"repo": {"name": "foo-feedstock"}}
	}`, state, merged, mergedAtJSON, labelJSON)
}

func TestRefreshMergedDeletesBranch(t *testing.T) {
	ctx := context.Background()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/conda-forge/foo-feedstock/pulls/12" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `W/"fresh"`)
		fmt.Fprint(w, prJSON(StateClosed, true, "2025-11-03T09:30:00Z"))
	}))

	deleter := &fakeDeleter{}
	sync := NewSynchronizer(client, deleter, WithRetryConfig(fastRetry()))

	got, err := sync.Refresh(ctx, sampleRecord())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record back")
	}
	if got.State != StateClosed || got.MergedAt == nil {
		t.Errorf("refresh did not pick up the merge: %+v", got)
	}
	if deleter.calls != 1 {
		t.Errorf("expected one branch deletion, saw %d", deleter.calls)
	}
	if got.Head.Ref != DeletedBranchRef {
		t.Errorf("head.ref = %q, want sentinel", got.Head.Ref)
	}
	if got.ETag != `W/"fresh"` {
		t.Errorf("ETag not updated: %q", got.ETag)
	}
}

func TestLazyUpdateForceSkipsETag(t *testing.T) {
	ctx := context.Background()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			t.Error("force refresh must not send If-None-Match")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, prJSON(StateOpen, false, ""))
	}))

	sync := NewSynchronizer(client, &fakeDeleter{})

	got, err := sync.LazyUpdate(ctx, sampleRecord(), true)
	if err != nil {
		t.Fatalf("LazyUpdate: %v", err)
	}
	if got.State != StateOpen {
		t.Errorf("state = %q, want open", got.State)
	}
}

func TestRefreshDryRun(t *testing.T) {
	ctx := context.Background()

	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))

	deleter := &fakeDeleter{}
	sync := NewSynchronizer(client, deleter, WithDryRun(true))

	rec := sampleRecord()
	got, err := sync.Refresh(ctx, rec)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got == nil {
		t.Fatal("dry run still reports the record it would have refreshed")
	}
	if diff := cmp.Diff(rec.Trim(), *got); diff != "" {
		t.Errorf("dry run must not change the record:\n%s", diff)
	}
	if calls != 0 || deleter.calls != 0 {
		t.Errorf("dry run performed mutations: calls=%d deletions=%d", calls, deleter.calls)
	}
}

func TestForkBranchDeleter(t *testing.T) {
	ctx := context.Background()

	remoteDir := initRemoteWithBranch(t, "bot-pr")

	orig := deleteRemote
	deleteRemote = func(_, _, _ string) string { return remoteDir }
	t.Cleanup(func() { deleteRemote = orig })

	d := NewForkBranchDeleter("alice", "tok", false)
	rec := Record{
		Head: Head{Ref: "bot-pr"},
		Base: Base{Repo: BaseRepo{Name: "foo-feedstock"}},
	}

	got, err := d.Delete(ctx, rec)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got.Head.Ref != DeletedBranchRef {
		t.Errorf("head.ref = %q, want sentinel", got.Head.Ref)
	}

	repo, err := gogit.PlainOpen(remoteDir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName("bot-pr"), true); err == nil {
		t.Error("branch still exists on the remote")
	}

	// The scratch repository lives for the deleter's lifetime and is removed
	// on Close.
	if d.workdir == "" {
		t.Fatal("expected a scratch repository after a deletion")
	}
	if _, err := os.Stat(d.workdir); err != nil {
		t.Fatalf("scratch repository missing before Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(d.workdir); !os.IsNotExist(err) {
		t.Errorf("scratch repository survived Close, stat err = %v", err)
	}
}

func TestForkBranchDeleterDryRun(t *testing.T) {
	ctx := context.Background()

	d := NewForkBranchDeleter("alice", "tok", true)
	rec := Record{Head: Head{Ref: "bot-pr"}}

	got, err := d.Delete(ctx, rec)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got.Head.Ref != "bot-pr" {
		t.Errorf("dry run must not rewrite head.ref, got %q", got.Head.Ref)
	}
}

func initRemoteWithBranch(t *testing.T, branch string) string {
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
	hash, err := wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)
	if err := repo.Storer.SetReference(ref); err != nil {
		t.Fatalf("SetReference: %v", err)
	}

	return dir
}
