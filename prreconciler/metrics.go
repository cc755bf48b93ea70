/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package prreconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mClosedRerun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedstocksync_prs_closed_rerun_total",
		Help: "Pull requests closed by the stale bot-rerun rule.",
	})

	mClosedConflict = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedstocksync_prs_closed_conflict_total",
		Help: "Bot-only pull requests closed for unresolvable conflicts.",
	})

	mBranchDeletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedstocksync_branch_deletions_total",
		Help: "Fork branches deleted after a close-out.",
	})

	mRecordRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedstocksync_record_refreshes_total",
		Help: "Pull request record refreshes issued by close-out rules.",
	})
)
