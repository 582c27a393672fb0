// Package credentials is the single reader of platform secrets. It hands out
// static credential records and resolves bearer tokens, refreshing them
// through OAuth2 refresh grants where the platform supports it.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
)

// RefreshBuffer is how long before expiry a cached token stops being used.
const RefreshBuffer = 5 * time.Minute

const defaultTokenLifetime = time.Hour

// Token endpoints of the refreshable platforms.
const (
	RedditTokenURL   = "https://www.reddit.com/api/v1/access_token"
	LinkedInTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
)

// ErrNoCredential means neither a cached, refreshed nor static token exists.
var ErrNoCredential = errors.New("no credential available")

// CachedToken is a refreshed access token and its absolute expiry.
type CachedToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// usable reports whether the token can still be handed out at now.
func (t CachedToken) usable(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-RefreshBuffer))
}

// Resolver resolves credentials per platform. It is safe for concurrent use.
type Resolver struct {
	creds  config.Credentials
	client *http.Client
	now    func() time.Time

	tokenURLs map[gateway.Platform]string

	mu     sync.Mutex
	tokens map[gateway.Platform]CachedToken
	group  singleflight.Group
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithTokenURL overrides the refresh endpoint of a platform.
func WithTokenURL(p gateway.Platform, tokenURL string) Option {
	return func(r *Resolver) { r.tokenURLs[p] = tokenURL }
}

// NewResolver returns a Resolver over creds; refresh calls use client.
func NewResolver(creds config.Credentials, client *http.Client, opts ...Option) *Resolver {
	r := &Resolver{
		creds:  creds,
		client: client,
		now:    time.Now,
		tokenURLs: map[gateway.Platform]string{
			gateway.Reddit:   RedditTokenURL,
			gateway.LinkedIn: LinkedInTokenURL,
		},
		tokens: map[gateway.Platform]CachedToken{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Token returns a usable bearer token (or webhook URL, for Discord). Refresh
// failures fall back to the static secret; only the absence of any credential
// is reported, as ErrNoCredential wrapped in a MissingEnvError.
func (r *Resolver) Token(ctx context.Context, p gateway.Platform) (string, error) {
	if tok, ok := r.cached(p); ok {
		return tok, nil
	}

	if r.refreshable(p) {
		v, err, _ := r.group.Do(string(p), func() (any, error) {
			if tok, ok := r.cached(p); ok {
				return tok, nil
			}
			return r.refresh(ctx, p)
		})
		if err == nil {
			return v.(string), nil
		}
		logutil.Warnf("%s: token refresh failed, falling back to static token: %v", p, err)
	}

	if static := r.static(p); static != "" {
		return static, nil
	}
	return "", r.missingToken(p)
}

// Invalidate drops the cached token of p.
func (r *Resolver) Invalidate(p gateway.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, p)
}

func (r *Resolver) cached(p gateway.Platform) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[p]
	if !ok {
		return "", false
	}
	if !tok.usable(r.now()) {
		delete(r.tokens, p)
		return "", false
	}
	return tok.AccessToken, true
}

func (r *Resolver) refreshable(p gateway.Platform) bool {
	switch p {
	case gateway.Reddit:
		return r.creds.Reddit.CanRefresh()
	case gateway.LinkedIn:
		return r.creds.LinkedIn.CanRefresh()
	}
	return false
}

// refresh runs the platform's refresh grant and caches the result. Reddit
// authenticates the client with HTTP Basic; LinkedIn sends client_id and
// client_secret as form fields.
func (r *Resolver) refresh(ctx context.Context, p gateway.Platform) (string, error) {
	var (
		cfg          oauth2.Config
		refreshToken string
		transport    = r.client.Transport
	)
	switch p {
	case gateway.Reddit:
		cfg = oauth2.Config{
			ClientID:     r.creds.Reddit.ClientID,
			ClientSecret: r.creds.Reddit.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: r.tokenURLs[p], AuthStyle: oauth2.AuthStyleInHeader},
		}
		refreshToken = r.creds.Reddit.RefreshToken
		// reddit rejects requests without a descriptive user agent
		transport = &userAgentTransport{base: transport, agent: r.creds.Reddit.UserAgent}
	case gateway.LinkedIn:
		cfg = oauth2.Config{
			ClientID:     r.creds.LinkedIn.ClientID,
			ClientSecret: r.creds.LinkedIn.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: r.tokenURLs[p], AuthStyle: oauth2.AuthStyleInParams},
		}
		refreshToken = r.creds.LinkedIn.RefreshToken
	default:
		return "", fmt.Errorf("%s does not support token refresh", p)
	}

	client := &http.Client{Transport: transport, Timeout: r.client.Timeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	logutil.Debugf("%s: refreshing access token (refresh token %s)", p, logutil.Mask(refreshToken))
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh %s token: %w", p, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("refresh %s token: empty access token", p)
	}

	now := r.now()
	cached := CachedToken{AccessToken: tok.AccessToken, ExpiresAt: now.Add(lifetime(tok, now))}

	r.mu.Lock()
	r.tokens[p] = cached
	r.mu.Unlock()

	logutil.Debugf("%s: token refreshed, expires %s", p, cached.ExpiresAt.Format(time.RFC3339))
	return cached.AccessToken, nil
}

// lifetime reads expires_in from the raw response so the expiry is computed
// against the resolver's clock.
func lifetime(tok *oauth2.Token, now time.Time) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int64:
		return time.Duration(v) * time.Second
	}
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(now)
	}
	return defaultTokenLifetime
}

func (r *Resolver) static(p gateway.Platform) string {
	switch p {
	case gateway.Twitter:
		return r.creds.Twitter.BearerToken
	case gateway.Mastodon:
		return r.creds.Mastodon.AccessToken
	case gateway.LinkedIn:
		return r.creds.LinkedIn.AccessToken
	case gateway.Reddit:
		return r.creds.Reddit.AccessToken
	case gateway.Discord:
		return r.creds.Discord.WebhookURL
	case gateway.Telegram:
		return r.creds.Telegram.BotToken
	}
	return ""
}

func (r *Resolver) missingToken(p gateway.Platform) error {
	vars := map[gateway.Platform][]string{
		gateway.Twitter:  {"XGATE_TWITTER_BEARER_TOKEN"},
		gateway.Mastodon: {"XGATE_MASTODON_ACCESS_TOKEN"},
		gateway.LinkedIn: {"XGATE_LINKEDIN_ACCESS_TOKEN or XGATE_LINKEDIN_{CLIENT_ID,CLIENT_SECRET,REFRESH_TOKEN}"},
		gateway.Reddit:   {"XGATE_REDDIT_ACCESS_TOKEN or XGATE_REDDIT_{CLIENT_ID,CLIENT_SECRET,REFRESH_TOKEN}"},
		gateway.Discord:  {"XGATE_DISCORD_WEBHOOK_URL"},
		gateway.Telegram: {"XGATE_TELEGRAM_BOT_TOKEN"},
	}[p]
	return fmt.Errorf("%w: %w", gateway.MissingEnvError{Provider: string(p), Variables: vars}, ErrNoCredential)
}

// Twitter returns the OAuth 1.0a credentials.
func (r *Resolver) Twitter() (config.Twitter, error) {
	return check(gateway.Twitter, r.creds.Twitter, r.creds.Twitter.Missing())
}

// Bluesky returns the handle and app password.
func (r *Resolver) Bluesky() (config.Bluesky, error) {
	return check(gateway.Bluesky, r.creds.Bluesky, r.creds.Bluesky.Missing())
}

// Mastodon returns the instance and access token.
func (r *Resolver) Mastodon() (config.Mastodon, error) {
	return check(gateway.Mastodon, r.creds.Mastodon, r.creds.Mastodon.Missing())
}

// LinkedIn returns the static LinkedIn settings; tokens come from Token.
func (r *Resolver) LinkedIn() (config.LinkedIn, error) {
	return check(gateway.LinkedIn, r.creds.LinkedIn, r.creds.LinkedIn.Missing())
}

// Reddit returns the static Reddit settings; tokens come from Token.
func (r *Resolver) Reddit() (config.Reddit, error) {
	return check(gateway.Reddit, r.creds.Reddit, r.creds.Reddit.Missing())
}

// Discord returns the webhook settings.
func (r *Resolver) Discord() (config.Discord, error) {
	return check(gateway.Discord, r.creds.Discord, r.creds.Discord.Missing())
}

// Telegram returns the bot token and destination chat.
func (r *Resolver) Telegram() (config.Telegram, error) {
	return check(gateway.Telegram, r.creds.Telegram, r.creds.Telegram.Missing())
}

func check[T any](p gateway.Platform, creds T, missing []string) (T, error) {
	if len(missing) > 0 {
		var zero T
		return zero, gateway.MissingEnvError{Provider: string(p), Variables: missing}
	}
	return creds, nil
}

type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.agent == "" {
		return base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return base.RoundTrip(clone)
}
