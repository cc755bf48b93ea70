/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main drives the feedstock synchronization engine. It runs in two
// modes: "sync" (the default) walks every cached pull-request record,
// refreshes it, and applies the close-out rules; "publish <package> <branch>"
// takes a prepared migration through fork, clone, and pull-request creation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainguard.dev/feedstocksync/changemanager"
	"chainguard.dev/feedstocksync/clonemanager"
	"chainguard.dev/feedstocksync/feedstocks"
	"chainguard.dev/feedstocksync/forkmanager"
	"chainguard.dev/feedstocksync/ghclient"
	"chainguard.dev/feedstocksync/prreconciler"
	"chainguard.dev/feedstocksync/prstate"
	"chainguard.dev/feedstocksync/retry"
	"chainguard.dev/feedstocksync/sensitive"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/oauth2"
)

type config struct {
	CloneRoot   string `env:"CLONE_ROOT,default=/var/lib/feedstocksync/clones"`
	StorePath   string `env:"STORE_PATH,default=/var/lib/feedstocksync/prs.db"`
	Workers     int    `env:"WORKERS,default=4"`
	DryRun      bool   `env:"DRY_RUN,default=false"`
	RunURL      string `env:"RUN_URL"`
	MetricsPort int    `env:"METRICS_PORT,default=2112"`

	PRTitle string `env:"PR_TITLE"`
	PRBody  string `env:"PR_BODY"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	token, err := sensitive.BotToken(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "loading bot token: %v", err)
	}

	pool, err := ghclient.NewPool(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	if err != nil {
		clog.FatalContextf(ctx, "creating client pool: %v", err)
	}

	store, err := prstate.OpenBolt(cfg.StorePath)
	if err != nil {
		clog.FatalContextf(ctx, "opening record store: %v", err)
	}
	defer store.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		clog.InfoContextf(ctx, "Serving metrics on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			clog.ErrorContextf(ctx, "metrics listener: %v", err)
		}
	}()

	client, err := pool.Lease(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "leasing client: %v", err)
	}
	login, err := pool.Login(ctx, client)
	if err != nil {
		clog.FatalContextf(ctx, "resolving bot login: %v", err)
	}
	pool.Return(client)
	clog.InfoContextf(ctx, "Running as %s (dry run: %t)", login, cfg.DryRun)

	switch mode := os.Args[1:]; {
	case len(mode) == 0 || mode[0] == "sync":
		err = runSync(ctx, cfg, pool, store, login, token)
	case mode[0] == "publish" && len(mode) == 3:
		err = runPublish(ctx, cfg, pool, store, login, token, mode[1], mode[2])
	default:
		err = fmt.Errorf("usage: feedstocksync [sync | publish <package> <branch>]")
	}
	if err != nil {
		clog.FatalContextf(ctx, "%v", err)
	}
}

// runSync refreshes every cached record and applies the close-out rules,
// fanning the keys out over the worker pool. Each worker holds one leased
// client for the duration of a task.
func runSync(ctx context.Context, cfg config, pool *ghclient.Pool, store prstate.Store, login, token string) error {
	keys, err := store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	clog.InfoContextf(ctx, "Synchronizing %d pull request records", len(keys))

	// One deleter (and one scratch repository) for the whole run.
	deleter := prstate.NewForkBranchDeleter(login, token, cfg.DryRun)
	defer deleter.Close()

	work := make(chan string)
	errs := make(chan error, cfg.Workers)

	for i := 0; i < cfg.Workers; i++ {
		go func() {
			errs <- worker(ctx, cfg, pool, store, deleter, work)
		}()
	}

	for _, key := range keys {
		select {
		case work <- key:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)

	for i := 0; i < cfg.Workers; i++ {
		if werr := <-errs; werr != nil {
			err = errors.Join(err, werr)
		}
	}
	return err
}

func worker(ctx context.Context, cfg config, pool *ghclient.Pool, store prstate.Store, deleter prstate.BranchDeleter, work <-chan string) error {
	var errs error
	for key := range work {
		client, err := pool.Lease(ctx)
		if err != nil {
			return errors.Join(errs, err)
		}

		if err := pauseOnLimit(ctx, client); err != nil {
			pool.Return(client)
			return errors.Join(errs, err)
		}

		if err := syncRecord(ctx, cfg, client, store, deleter, key); err != nil {
			clog.ErrorContextf(ctx, "record %s: %v", key, err)
			errs = errors.Join(errs, fmt.Errorf("record %s: %w", key, err))
		}
		pool.Return(client)
	}
	return errs
}

// pauseOnLimit blocks until the API quota window resets when the probe
// reports exhaustion. Quota exhaustion pauses the batch; it is never retried
// inline.
func pauseOnLimit(ctx context.Context, client *github.Client) error {
	var limited *retry.RateLimitedError
	if err := ghclient.CheckLimit(ctx, client); errors.As(err, &limited) {
		wait := time.Until(limited.Reset)
		clog.InfoContextf(ctx, "Pausing %s for the rate limit window", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func syncRecord(ctx context.Context, cfg config, client *github.Client, store prstate.Store, deleter prstate.BranchDeleter, key string) error {
	sync := prstate.NewSynchronizer(client, deleter, prstate.WithDryRun(cfg.DryRun))
	rules := prreconciler.New(client, sync, deleter,
		prreconciler.WithRunURL(cfg.RunURL),
		prreconciler.WithDryRun(cfg.DryRun))

	rec, err := store.Get(ctx, key)
	if err != nil {
		return err
	}

	refreshed, err := sync.Refresh(ctx, rec)
	if err != nil {
		return err
	}
	if refreshed == nil {
		// Closed and fully settled; nothing left to reconcile.
		return nil
	}
	rec = *refreshed
	if err := store.Put(ctx, key, rec); err != nil {
		return err
	}

	if out, err := rules.CloseOutLabels(ctx, rec); err != nil {
		return err
	} else if out != nil {
		rec = *out
		if err := store.Put(ctx, key, rec); err != nil {
			return err
		}
	}

	if out, err := rules.CloseOutDirty(ctx, rec); err != nil {
		return err
	} else if out != nil {
		if err := store.Put(ctx, key, *out); err != nil {
			return err
		}
	}

	return nil
}

// runPublish takes one migration branch to a pull request: ensure the fork,
// prepare the working copy, push, and open the PR against upstream's default
// branch.
func runPublish(ctx context.Context, cfg config, pool *ghclient.Pool, store prstate.Store, login, token, packageName, branch string) error {
	client, err := pool.Lease(ctx)
	if err != nil {
		return err
	}
	defer pool.Return(client)

	if err := pauseOnLimit(ctx, client); err != nil {
		return err
	}

	repoName := feedstocks.Repo(packageName)

	forks := forkmanager.New(client, login, forkmanager.WithDryRun(cfg.DryRun))
	if err := forks.Ensure(ctx, repoName); err != nil {
		return fmt.Errorf("ensuring fork: %w", err)
	}

	upstream, _, err := client.Repositories.Get(ctx, feedstocks.UpstreamOrg, repoName)
	if err != nil {
		return fmt.Errorf("looking up upstream %s: %w", repoName, err)
	}
	baseBranch := upstream.GetDefaultBranch()

	upstreamURL, err := feedstocks.URL(packageName, "https")
	if err != nil {
		return err
	}
	origin := feedstocks.ForkURL(upstreamURL, login)
	dir := feedstocks.CloneDir(cfg.CloneRoot, packageName)

	ok, err := clonemanager.New(token).Ensure(ctx, dir, origin, upstreamURL, branch, baseBranch)
	if err != nil {
		return fmt.Errorf("preparing working copy: %w", err)
	}
	if !ok {
		clog.InfoContextf(ctx, "Skipping %s: working copy could not be prepared", packageName)
		return nil
	}

	title := cfg.PRTitle
	if title == "" {
		title = fmt.Sprintf("Rebuild %s", packageName)
	}
	body := cfg.PRBody
	if body == "" && cfg.RunURL != "" {
		body = fmt.Sprintf("This was generated by %s.", cfg.RunURL)
	}

	changes := changemanager.New(client, login, token, changemanager.WithDryRun(cfg.DryRun))
	rec, err := changes.Publish(ctx, dir, branch, baseBranch, title, body)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", packageName, err)
	}
	if rec == nil {
		clog.InfoContextf(ctx, "No pull request opened for %s", packageName)
		return nil
	}

	return store.Put(ctx, repoName+"/"+branch, *rec)
}
