// Package reddit submits self posts to a subreddit.
package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
)

const (
	providerName = "reddit"

	// DefaultAPIBase is the OAuth API host.
	DefaultAPIBase = "https://oauth.reddit.com"

	// MaxTitleLength is Reddit's title limit in characters.
	MaxTitleLength = 300
)

// Adapter implements gateway.Adapter for Reddit.
type Adapter struct {
	creds   *credentials.Resolver
	client  *http.Client
	apiBase string
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithAPIBase points the adapter at another host.
func WithAPIBase(base string) Option {
	return func(a *Adapter) { a.apiBase = strings.TrimRight(base, "/") }
}

// New returns a Reddit adapter.
func New(creds *credentials.Resolver, client *http.Client, opts ...Option) *Adapter {
	a := &Adapter{creds: creds, client: client, apiBase: DefaultAPIBase}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Platform identifies the adapter.
func (a *Adapter) Platform() gateway.Platform { return gateway.Reddit }

type submitResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
		Data   struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"data"`
	} `json:"json"`
}

// Publish submits a self post. Reddit has no image upload on this path, so
// media URLs are listed at the end of the body.
func (a *Adapter) Publish(ctx context.Context, req gateway.PublishRequest) (gateway.Receipt, error) {
	cfg, err := a.creds.Reddit()
	if err != nil {
		return gateway.Receipt{}, err
	}
	token, err := a.creds.Token(ctx, gateway.Reddit)
	if err != nil {
		return gateway.Receipt{}, err
	}

	title := Title(req.Content)
	if title == "" {
		return gateway.Receipt{}, gateway.ValidationError{Provider: providerName, Reason: "content is empty"}
	}
	form := url.Values{
		"sr":       {cfg.Subreddit},
		"kind":     {"self"},
		"title":    {title},
		"text":     {Body(req.Content, req.MediaURLs)},
		"api_type": {"json"},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/api/submit", strings.NewReader(form.Encode()))
	if err != nil {
		return gateway.Receipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	a.authorize(httpReq, cfg, token)

	logutil.Debugf("reddit: submitting to r/%s (title %d chars)", cfg.Subreddit, len([]rune(title)))
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("submit: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		a.creds.Invalidate(gateway.Reddit)
	}

	var out submitResponse
	if err := gateway.DecodeJSON(resp, &out); err != nil {
		return gateway.Receipt{}, fmt.Errorf("submit: %w", err)
	}
	if err := submitErrors(out.JSON.Errors); err != nil {
		return gateway.Receipt{}, fmt.Errorf("submit: %w", err)
	}

	id := out.JSON.Data.Name
	if id == "" {
		id = out.JSON.Data.ID
	}
	return gateway.Receipt{PostID: id, URL: out.JSON.Data.URL}, nil
}

// Verify reads the authenticated user.
func (a *Adapter) Verify(ctx context.Context) (gateway.Account, error) {
	cfg, err := a.creds.Reddit()
	if err != nil {
		return gateway.Account{}, err
	}
	token, err := a.creds.Token(ctx, gateway.Reddit)
	if err != nil {
		return gateway.Account{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/api/v1/me", nil)
	if err != nil {
		return gateway.Account{}, err
	}
	a.authorize(req, cfg, token)

	resp, err := a.client.Do(req)
	if err != nil {
		return gateway.Account{}, err
	}
	var me struct {
		Name string `json:"name"`
	}
	if err := gateway.DecodeJSON(resp, &me); err != nil {
		return gateway.Account{}, fmt.Errorf("me: %w", err)
	}
	return gateway.Account{Name: "u/" + me.Name}, nil
}

func (a *Adapter) authorize(req *http.Request, cfg config.Reddit, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	agent := cfg.UserAgent
	if agent == "" {
		agent = gateway.UserAgent
	}
	req.Header.Set("User-Agent", agent)
}

// Title returns the first non-empty line of content cut to MaxTitleLength
// characters.
func Title(content string) string {
	for line := range strings.Lines(content) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > MaxTitleLength {
			runes = runes[:MaxTitleLength]
		}
		return string(runes)
	}
	return ""
}

// Body is the full content followed by one media link per line.
func Body(content string, mediaURLs []string) string {
	if len(mediaURLs) == 0 {
		return content
	}
	return content + "\n\n" + strings.Join(mediaURLs, "\n\n")
}

// submitErrors flattens Reddit's [[code, message, field], ...] error list.
func submitErrors(list [][]any) error {
	if len(list) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(list))
	for _, e := range list {
		parts := make([]string, 0, len(e))
		for _, p := range e {
			if s, ok := p.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		msgs = append(msgs, strings.Join(parts, ": "))
	}
	return errors.New(strings.Join(msgs, "; "))
}
