/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package prstate maintains the cached, trimmed record of each pull
// request's remote state. A Record is a projection of the hosted API's PR
// payload onto a fixed key subset plus the conditional-caching validators;
// the Synchronizer refreshes records lazily through ETag requests and
// applies the branch-deletion side effect when a PR transitions to merged.
package prstate

import (
	"encoding/json"
	"strings"
	"time"

	"chainguard.dev/feedstocksync/feedstocks"
	"github.com/google/go-github/v75/github"
)

// Pull request states as reported by the API.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// MergeableStateDirty marks a PR whose head cannot merge cleanly.
const MergeableStateDirty = "dirty"

// DeletedBranchRef replaces head.ref once the branch has been deleted so the
// deletion is never retried.
const DeletedBranchRef = "this_is_not_a_branch"

// BotRerunLabel marks a PR that should be discarded and regenerated.
var BotRerunLabel = Label{Name: "bot-rerun"}

// Label is the name-tagged label object kept in the record.
type Label struct {
	Name string `json:"name"`
}

// Head carries the PR's head branch name.
type Head struct {
	Ref string `json:"ref"`
}

// BaseRepo carries the upstream repository name.
type BaseRepo struct {
	Name string `json:"name"`
}

// Base nests the upstream repository under the PR's base.
type Base struct {
	Repo BaseRepo `json:"repo"`
}

// Record is the persisted pull-request state, restricted to the historical
// key subset. The struct is the allow-list: (un)marshalling through it
// cannot produce keys outside the subset.
type Record struct {
	ETag         string `json:"ETag,omitempty"`
	LastModified string `json:"Last-Modified,omitempty"`

	ID      int64  `json:"id"`
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	State          string  `json:"state"`
	MergeableState string  `json:"mergeable_state,omitempty"`
	Labels         []Label `json:"labels,omitempty"`
	Merged         bool    `json:"merged"`
	Draft          bool    `json:"draft"`
	Mergeable      *bool   `json:"mergeable,omitempty"`

	Head Head `json:"head"`
	Base Base `json:"base"`
}

// HasLabel reports whether the record carries a label of the given name.
func (r Record) HasLabel(name string) bool {
	for _, l := range r.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// Trim returns a copy of the record restricted to the canonical key subset.
// It is a pure projection: trimming a trimmed record yields the same record.
func (r Record) Trim() Record {
	out := Record{
		ETag:           r.ETag,
		LastModified:   r.LastModified,
		ID:             r.ID,
		Number:         r.Number,
		HTMLURL:        r.HTMLURL,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		MergedAt:       r.MergedAt,
		ClosedAt:       r.ClosedAt,
		State:          r.State,
		MergeableState: r.MergeableState,
		Merged:         r.Merged,
		Draft:          r.Draft,
		Mergeable:      r.Mergeable,
		Head:           r.Head,
		Base:           r.Base,
	}
	if r.Labels != nil {
		out.Labels = make([]Label, len(r.Labels))
		copy(out.Labels, r.Labels)
	}
	return out
}

// Repair fixes the legacy shapes some persisted records accumulated: a
// missing base-repo-name is backfilled by parsing the record's own html_url,
// and a stray "/pull/..." suffix on the repo name is stripped.
func (r Record) Repair() Record {
	out := r.Trim()

	if out.Base.Repo.Name == "" {
		marker := "/" + feedstocks.UpstreamOrg + "/"
		if _, after, ok := strings.Cut(out.HTMLURL, marker); ok {
			out.Base.Repo.Name = strings.TrimSuffix(after, "/")
		}
	}

	if before, _, ok := strings.Cut(out.Base.Repo.Name, "/pull/"); ok {
		out.Base.Repo.Name = before
	}

	return out
}

// FromAPI projects a full API pull-request payload and its response headers
// onto a Record.
func FromAPI(pr *github.PullRequest, resp *github.Response) Record {
	rec := Record{
		ID:             pr.GetID(),
		Number:         pr.GetNumber(),
		HTMLURL:        pr.GetHTMLURL(),
		State:          pr.GetState(),
		MergeableState: pr.GetMergeableState(),
		Merged:         pr.GetMerged(),
		Draft:          pr.GetDraft(),
		Mergeable:      pr.Mergeable,
	}

	if ts := pr.GetCreatedAt(); !ts.IsZero() {
		t := ts.Time
		rec.CreatedAt = &t
	}
	if ts := pr.GetUpdatedAt(); !ts.IsZero() {
		t := ts.Time
		rec.UpdatedAt = &t
	}
	if ts := pr.GetMergedAt(); !ts.IsZero() {
		t := ts.Time
		rec.MergedAt = &t
	}
	if ts := pr.GetClosedAt(); !ts.IsZero() {
		t := ts.Time
		rec.ClosedAt = &t
	}

	for _, l := range pr.Labels {
		rec.Labels = append(rec.Labels, Label{Name: l.GetName()})
	}

	rec.Head.Ref = pr.GetHead().GetRef()
	rec.Base.Repo.Name = pr.GetBase().GetRepo().GetName()

	if resp != nil {
		rec.ETag = resp.Header.Get("ETag")
		rec.LastModified = resp.Header.Get("Last-Modified")
	}

	return rec
}

// FromJSON decodes a persisted record, dropping any keys outside the subset
// that older writers may have left behind.
func FromJSON(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec.Trim(), nil
}
