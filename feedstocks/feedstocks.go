/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package feedstocks derives the canonical locations of a feedstock from a
// package name: the upstream repository URL, the bot fork's URL, and the
// local clone directory. All derivations are pure string manipulation so the
// rest of the system never needs to guess at repository spelling.
package feedstocks

import (
	"fmt"
	"path/filepath"
	"strings"
)

// UpstreamOrg is the organization that owns the canonical feedstock repos.
const UpstreamOrg = "conda-forge"

// suffix appended to a package name to form its feedstock repository name.
const repoSuffix = "-feedstock"

// Repo returns the feedstock repository name for a package.
func Repo(packageName string) string {
	repo := packageName + repoSuffix
	return strings.TrimSuffix(repo, ".git")
}

// URL returns the upstream URL for a feedstock using the given protocol
// (one of "http", "https", or "ssh"). Inputs that are already full URLs are
// passed through untouched.
func URL(packageName, protocol string) (string, error) {
	feedstock := packageName + repoSuffix
	switch {
	case strings.HasPrefix(feedstock, "http://github.com/"),
		strings.HasPrefix(feedstock, "https://github.com/"),
		strings.HasPrefix(feedstock, "git@github.com:"):
		return feedstock, nil
	}

	switch strings.ToLower(protocol) {
	case "http":
		return "http://github.com/" + UpstreamOrg + "/" + feedstock + ".git", nil
	case "https":
		return "https://github.com/" + UpstreamOrg + "/" + feedstock + ".git", nil
	case "ssh":
		return "git@github.com:" + UpstreamOrg + "/" + feedstock + ".git", nil
	default:
		return "", fmt.Errorf("unrecognized github protocol %q, must be ssh, http, or https", protocol)
	}
}

// ForkURL rewrites an upstream feedstock URL into the fork owned by username,
// preserving the protocol spelling of the input.
func ForkURL(upstreamURL, username string) string {
	idx := strings.LastIndex(upstreamURL, "/")
	if idx < 0 {
		return upstreamURL
	}
	base, repo := upstreamURL[:idx], upstreamURL[idx+1:]
	base = strings.TrimSuffix(base, UpstreamOrg)
	return base + username + "/" + repo
}

// CloneDir returns the local working-copy path for a package's feedstock
// under the given clone root.
func CloneDir(root, packageName string) string {
	return filepath.Join(root, packageName+repoSuffix)
}
