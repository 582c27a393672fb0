package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Platform identifies a publishing destination.
type Platform string

const (
	Twitter  Platform = "twitter"
	Bluesky  Platform = "bluesky"
	Mastodon Platform = "mastodon"
	LinkedIn Platform = "linkedin"
	Reddit   Platform = "reddit"
	Discord  Platform = "discord"
	Telegram Platform = "telegram"

	// Declared destinations without an adapter yet.
	Threads   Platform = "threads"
	Instagram Platform = "instagram"
	Facebook  Platform = "facebook"
)

// Platforms lists every known platform in a stable order.
var Platforms = []Platform{Twitter, Bluesky, Mastodon, LinkedIn, Reddit, Discord, Telegram, Threads, Instagram, Facebook}

func (p Platform) String() string { return string(p) }

// ParsePlatform normalizes user input into a Platform. "x" is accepted as an alias for twitter.
func ParsePlatform(raw string) (Platform, bool) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "x" {
		return Twitter, true
	}
	for _, p := range Platforms {
		if string(p) == raw {
			return p, true
		}
	}
	return "", false
}

// PublishRequest is one finished piece of content bound for exactly one platform.
type PublishRequest struct {
	PostID      string
	Platform    Platform
	Content     string
	MediaURLs   []string
	Hashtags    []string
	ThreadParts []string
}

// Text returns the content with hashtags appended.
func (r PublishRequest) Text() string {
	if len(r.Hashtags) == 0 {
		return r.Content
	}
	return r.Content + "\n\n" + strings.Join(r.Hashtags, " ")
}

// PublishResult is the normalized outcome of one PublishRequest.
type PublishResult struct {
	Success     bool
	Platform    Platform
	PostID      string
	URL         string
	Error       string
	ErrorKind   ErrorKind
	RetryAfter  time.Duration
	PublishedAt time.Time
}

type publishResultJSON struct {
	Success      bool       `json:"success"`
	Platform     Platform   `json:"platform"`
	PostID       *string    `json:"postId"`
	URL          *string    `json:"url"`
	Error        *string    `json:"error"`
	ErrorKind    ErrorKind  `json:"errorKind,omitempty"`
	RetryAfterMs int64      `json:"retryAfterMs,omitempty"`
	PublishedAt  *time.Time `json:"publishedAt"`
}

// MarshalJSON renders absent fields as null.
func (r PublishResult) MarshalJSON() ([]byte, error) {
	out := publishResultJSON{
		Success:      r.Success,
		Platform:     r.Platform,
		PostID:       optional(r.PostID),
		URL:          optional(r.URL),
		Error:        optional(r.Error),
		ErrorKind:    r.ErrorKind,
		RetryAfterMs: r.RetryAfter.Milliseconds(),
	}
	if !r.PublishedAt.IsZero() {
		ts := r.PublishedAt.UTC()
		out.PublishedAt = &ts
	}
	return json.Marshal(out)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Receipt is what an adapter reports after a successful submit. Both fields may be
// empty for destinations without addressable posts.
type Receipt struct {
	PostID string
	URL    string
}

// Account identifies the authenticated identity behind a connection.
type Account struct {
	Name string
}

// VerifyResult reports the health of one platform connection.
type VerifyResult struct {
	Platform    Platform `json:"platform"`
	Valid       bool     `json:"valid"`
	AccountName string   `json:"accountName,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Adapter publishes to a single platform.
type Adapter interface {
	Platform() Platform
	Publish(ctx context.Context, req PublishRequest) (Receipt, error)
	Verify(ctx context.Context) (Account, error)
}
