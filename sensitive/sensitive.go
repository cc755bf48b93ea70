/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sensitive holds the process-wide bot credential. The token is read
// from the environment exactly once and handed out through an accessor; it
// must never be written to a log stream. Mask exists so that any captured
// output which might embed the token (git remotes carry it in their URLs)
// can be scrubbed before logging.
package sensitive

import (
	"context"
	"strings"
	"sync"

	"github.com/sethvargo/go-envconfig"
)

type credentials struct {
	BotToken string `env:"BOT_TOKEN,required"`
}

var (
	once    sync.Once
	creds   credentials
	loadErr error
)

// BotToken returns the bot's API token, loading it from the environment on
// first use.
func BotToken(ctx context.Context) (string, error) {
	once.Do(func() {
		loadErr = envconfig.Process(ctx, &creds)
	})
	if loadErr != nil {
		return "", loadErr
	}
	return creds.BotToken, nil
}

// Mask replaces every occurrence of secret in s with an equal-length mask so
// the literal value never reaches a log stream. Empty secrets are a no-op.
func Mask(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, strings.Repeat("*", len(secret)))
}
