/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
	"github.com/blacktop/xgate/internal/platforms/bluesky"
	"github.com/blacktop/xgate/internal/platforms/discord"
	"github.com/blacktop/xgate/internal/platforms/linkedin"
	"github.com/blacktop/xgate/internal/platforms/mastodon"
	"github.com/blacktop/xgate/internal/platforms/reddit"
	"github.com/blacktop/xgate/internal/platforms/telegram"
	"github.com/blacktop/xgate/internal/platforms/twitter"
	"github.com/blacktop/xgate/internal/ratelimit"
)

// gatewayDeps is everything a command needs to publish or inspect state.
type gatewayDeps struct {
	dispatcher *gateway.Dispatcher
	limiter    *ratelimit.Limiter
	store      ratelimit.Store
}

func (d *gatewayDeps) Close() error {
	if d.store == nil {
		return nil
	}
	return d.store.Close()
}

// openStore selects the rate-limit backend.
func openStore(ctx context.Context, cfg config.State) (ratelimit.Store, error) {
	switch cfg.Backend {
	case "memory":
		logutil.Warnf("rate-limit state is in memory and will not survive this process")
		return ratelimit.NewMemoryStore(), nil
	case "sqlite":
		return ratelimit.NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		return ratelimit.NewRedisStore(ctx, ratelimit.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	case "file", "":
		return ratelimit.NewFileStore(cfg.Path)
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
}

// buildGateway wires the store, limiter, credential resolver and every
// adapter around one shared HTTP client.
func buildGateway(ctx context.Context, cfg *config.Config, mock bool) (*gatewayDeps, error) {
	store, err := openStore(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open rate-limit state: %w", err)
	}
	logutil.Debugf("rate-limit state backend: %s", cfg.State.Backend)

	limiter := ratelimit.New(store, ratelimit.WithMonthlyCap(cfg.TwitterMonthlyCap))

	client := gateway.NewHTTPClient(cfg.HTTPTimeout)
	creds := credentials.NewResolver(cfg.Credentials, client)

	dispatcher := gateway.NewDispatcher(
		gateway.WithGate(limiter),
		gateway.WithMock(mock, cfg.MockDelay),
		gateway.WithAdapters(
			twitter.New(creds, client),
			bluesky.New(creds, client),
			mastodon.New(creds, client),
			linkedin.New(creds, client),
			reddit.New(creds, client),
			discord.New(creds, client),
			telegram.New(creds, client),
		),
	)

	return &gatewayDeps{dispatcher: dispatcher, limiter: limiter, store: store}, nil
}

func closeQuietly(deps *gatewayDeps) {
	if err := deps.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logutil.Warnf("close rate-limit state: %v", err)
	}
}
