// Package config loads gateway settings and platform credentials from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the complete process configuration.
type Config struct {
	Mock        bool          `env:"XGATE_MOCK"`
	MockDelay   time.Duration `env:"XGATE_MOCK_DELAY"   envDefault:"250ms"`
	HTTPTimeout time.Duration `env:"XGATE_HTTP_TIMEOUT" envDefault:"30s"`

	State State

	TwitterMonthlyCap int    `env:"XGATE_TWITTER_MONTHLY_CAP" envDefault:"50"`
	OTLPEndpoint      string `env:"XGATE_OTLP_ENDPOINT"`

	Credentials Credentials
}

// State selects where rate-limit state is persisted.
type State struct {
	Backend       string `env:"XGATE_STATE_BACKEND"  envDefault:"file"`
	Path          string `env:"XGATE_STATE_PATH"     envDefault:"data/rate-limits.json"`
	SQLitePath    string `env:"XGATE_SQLITE_PATH"    envDefault:"data/xgate.db"`
	RedisAddr     string `env:"XGATE_REDIS_ADDR"`
	RedisPassword string `env:"XGATE_REDIS_PASSWORD"`
	RedisDB       int    `env:"XGATE_REDIS_DB"`
	RedisKey      string `env:"XGATE_REDIS_KEY"      envDefault:"xgate:ratelimit:state"`
}

// Credentials groups every platform's static secrets.
type Credentials struct {
	Twitter  Twitter
	Bluesky  Bluesky
	Mastodon Mastodon
	LinkedIn LinkedIn
	Reddit   Reddit
	Discord  Discord
	Telegram Telegram
}

// Twitter holds OAuth 1.0a user-context credentials.
type Twitter struct {
	ConsumerKey    string `env:"XGATE_TWITTER_CONSUMER_KEY"`
	ConsumerSecret string `env:"XGATE_TWITTER_CONSUMER_SECRET"`
	AccessToken    string `env:"XGATE_TWITTER_ACCESS_TOKEN"`
	AccessSecret   string `env:"XGATE_TWITTER_ACCESS_TOKEN_SECRET"`
	BearerToken    string `env:"XGATE_TWITTER_BEARER_TOKEN"`
}

func (c Twitter) Missing() []string {
	return missing(
		"XGATE_TWITTER_CONSUMER_KEY", c.ConsumerKey,
		"XGATE_TWITTER_CONSUMER_SECRET", c.ConsumerSecret,
		"XGATE_TWITTER_ACCESS_TOKEN", c.AccessToken,
		"XGATE_TWITTER_ACCESS_TOKEN_SECRET", c.AccessSecret,
	)
}

// Bluesky holds the handle and app password traded for sessions.
type Bluesky struct {
	Handle      string `env:"XGATE_BLUESKY_HANDLE"`
	AppPassword string `env:"XGATE_BLUESKY_APP_PASSWORD"`
	PDSURL      string `env:"XGATE_BLUESKY_PDS_URL" envDefault:"https://bsky.social"`
}

func (c Bluesky) Missing() []string {
	return missing(
		"XGATE_BLUESKY_HANDLE", c.Handle,
		"XGATE_BLUESKY_APP_PASSWORD", c.AppPassword,
		"XGATE_BLUESKY_PDS_URL", c.PDSURL,
	)
}

type Mastodon struct {
	Server      string `env:"XGATE_MASTODON_SERVER"`
	AccessToken string `env:"XGATE_MASTODON_ACCESS_TOKEN"`
}

func (c Mastodon) Missing() []string {
	return missing(
		"XGATE_MASTODON_SERVER", c.Server,
		"XGATE_MASTODON_ACCESS_TOKEN", c.AccessToken,
	)
}

// LinkedIn supports both a refresh-token grant and a static access token.
type LinkedIn struct {
	ClientID     string `env:"XGATE_LINKEDIN_CLIENT_ID"`
	ClientSecret string `env:"XGATE_LINKEDIN_CLIENT_SECRET"`
	RefreshToken string `env:"XGATE_LINKEDIN_REFRESH_TOKEN"`
	AccessToken  string `env:"XGATE_LINKEDIN_ACCESS_TOKEN"`
	AuthorURN    string `env:"XGATE_LINKEDIN_AUTHOR_URN"`
	APIVersion   string `env:"XGATE_LINKEDIN_API_VERSION" envDefault:"202405"`
}

// CanRefresh reports whether the refresh grant is configured.
func (c LinkedIn) CanRefresh() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

func (c LinkedIn) Missing() []string {
	return missing("XGATE_LINKEDIN_AUTHOR_URN", c.AuthorURN)
}

// Reddit supports both a refresh-token grant and a static access token.
type Reddit struct {
	ClientID     string `env:"XGATE_REDDIT_CLIENT_ID"`
	ClientSecret string `env:"XGATE_REDDIT_CLIENT_SECRET"`
	RefreshToken string `env:"XGATE_REDDIT_REFRESH_TOKEN"`
	AccessToken  string `env:"XGATE_REDDIT_ACCESS_TOKEN"`
	Subreddit    string `env:"XGATE_REDDIT_SUBREDDIT"`
	UserAgent    string `env:"XGATE_REDDIT_USER_AGENT" envDefault:"xgate/1.0"`
}

// CanRefresh reports whether the refresh grant is configured.
func (c Reddit) CanRefresh() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

func (c Reddit) Missing() []string {
	return missing("XGATE_REDDIT_SUBREDDIT", c.Subreddit)
}

type Discord struct {
	WebhookURL string `env:"XGATE_DISCORD_WEBHOOK_URL"`
	Username   string `env:"XGATE_DISCORD_USERNAME"`
}

func (c Discord) Missing() []string {
	return missing("XGATE_DISCORD_WEBHOOK_URL", c.WebhookURL)
}

type Telegram struct {
	BotToken string `env:"XGATE_TELEGRAM_BOT_TOKEN"`
	ChatID   string `env:"XGATE_TELEGRAM_CHAT_ID"`
}

func (c Telegram) Missing() []string {
	return missing(
		"XGATE_TELEGRAM_BOT_TOKEN", c.BotToken,
		"XGATE_TELEGRAM_CHAT_ID", c.ChatID,
	)
}

// Load parses the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.trim()

	switch cfg.State.Backend {
	case "file", "sqlite", "redis", "memory":
	default:
		return nil, fmt.Errorf("unknown state backend %q (want file, sqlite, redis or memory)", cfg.State.Backend)
	}
	if cfg.State.Backend == "redis" && cfg.State.RedisAddr == "" {
		return nil, fmt.Errorf("XGATE_REDIS_ADDR is required for the redis state backend")
	}
	return cfg, nil
}

func (c *Config) trim() {
	c.State.Backend = strings.ToLower(strings.TrimSpace(c.State.Backend))

	tw := &c.Credentials.Twitter
	trimAll(&tw.ConsumerKey, &tw.ConsumerSecret, &tw.AccessToken, &tw.AccessSecret, &tw.BearerToken)
	bs := &c.Credentials.Bluesky
	trimAll(&bs.Handle, &bs.AppPassword, &bs.PDSURL)
	bs.Handle = strings.TrimPrefix(bs.Handle, "@")
	md := &c.Credentials.Mastodon
	trimAll(&md.Server, &md.AccessToken)
	li := &c.Credentials.LinkedIn
	trimAll(&li.ClientID, &li.ClientSecret, &li.RefreshToken, &li.AccessToken, &li.AuthorURN, &li.APIVersion)
	rd := &c.Credentials.Reddit
	trimAll(&rd.ClientID, &rd.ClientSecret, &rd.RefreshToken, &rd.AccessToken, &rd.Subreddit, &rd.UserAgent)
	rd.Subreddit = strings.TrimPrefix(rd.Subreddit, "r/")
	dc := &c.Credentials.Discord
	trimAll(&dc.WebhookURL, &dc.Username)
	tg := &c.Credentials.Telegram
	trimAll(&tg.BotToken, &tg.ChatID)
}

func trimAll(fields ...*string) {
	for _, f := range fields {
		*f = strings.TrimSpace(*f)
	}
}

// missing takes name/value pairs and returns the names whose value is empty.
func missing(pairs ...string) []string {
	var out []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			out = append(out, pairs[i])
		}
	}
	return out
}
