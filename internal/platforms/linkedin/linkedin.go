// Package linkedin publishes text posts through the LinkedIn Posts API.
package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
)

const (
	providerName = "linkedin"

	// DefaultAPIBase is the LinkedIn API host.
	DefaultAPIBase = "https://api.linkedin.com"

	restliProtocolVersion = "2.0.0"
)

// Adapter implements gateway.Adapter for LinkedIn.
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

// New returns a LinkedIn adapter.
func New(creds *credentials.Resolver, client *http.Client, opts ...Option) *Adapter {
	a := &Adapter{creds: creds, client: client, apiBase: DefaultAPIBase}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Platform identifies the adapter.
func (a *Adapter) Platform() gateway.Platform { return gateway.LinkedIn }

type distribution struct {
	FeedDistribution               string   `json:"feedDistribution"`
	TargetEntities                 []string `json:"targetEntities"`
	ThirdPartyDistributionChannels []string `json:"thirdPartyDistributionChannels"`
}

type post struct {
	Author                    string       `json:"author"`
	Commentary                string       `json:"commentary"`
	Visibility                string       `json:"visibility"`
	Distribution              distribution `json:"distribution"`
	LifecycleState            string       `json:"lifecycleState"`
	IsReshareDisabledByAuthor bool         `json:"isReshareDisabledByAuthor"`
}

// Publish creates a public post. The new post's URN comes back in the
// x-restli-id response header, not the body. Media URLs are appended to the
// commentary as links.
func (a *Adapter) Publish(ctx context.Context, req gateway.PublishRequest) (gateway.Receipt, error) {
	cfg, err := a.creds.LinkedIn()
	if err != nil {
		return gateway.Receipt{}, err
	}
	token, err := a.creds.Token(ctx, gateway.LinkedIn)
	if err != nil {
		return gateway.Receipt{}, err
	}

	commentary := req.Content
	if len(req.MediaURLs) > 0 {
		commentary += "\n\n" + strings.Join(req.MediaURLs, "\n")
	}

	payload, err := json.Marshal(post{
		Author:     cfg.AuthorURN,
		Commentary: escapeCommentary(commentary),
		Visibility: "PUBLIC",
		Distribution: distribution{
			FeedDistribution:               "MAIN_FEED",
			TargetEntities:                 []string{},
			ThirdPartyDistributionChannels: []string{},
		},
		LifecycleState: "PUBLISHED",
	})
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("encode post: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/rest/posts", bytes.NewReader(payload))
	if err != nil {
		return gateway.Receipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("LinkedIn-Version", cfg.APIVersion)
	a.authorize(httpReq, token)

	logutil.Debugf("linkedin: creating post as %s", cfg.AuthorURN)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("create post: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		a.creds.Invalidate(gateway.LinkedIn)
	}
	if err := gateway.DecodeJSON(resp, nil); err != nil {
		return gateway.Receipt{}, fmt.Errorf("create post: %w", err)
	}

	urn := resp.Header.Get("x-restli-id")
	if urn == "" {
		return gateway.Receipt{}, errors.New("create post: response missing x-restli-id header")
	}
	return gateway.Receipt{PostID: urn, URL: "https://www.linkedin.com/feed/update/" + urn}, nil
}

// Verify reads the OpenID userinfo of the token's member.
func (a *Adapter) Verify(ctx context.Context) (gateway.Account, error) {
	token, err := a.creds.Token(ctx, gateway.LinkedIn)
	if err != nil {
		return gateway.Account{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/v2/userinfo", nil)
	if err != nil {
		return gateway.Account{}, err
	}
	a.authorize(req, token)

	resp, err := a.client.Do(req)
	if err != nil {
		return gateway.Account{}, err
	}
	var info struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := gateway.DecodeJSON(resp, &info); err != nil {
		return gateway.Account{}, fmt.Errorf("userinfo: %w", err)
	}
	name := info.Name
	if name == "" {
		name = info.Email
	}
	return gateway.Account{Name: name}, nil
}

func (a *Adapter) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Restli-Protocol-Version", restliProtocolVersion)
	req.Header.Set("User-Agent", gateway.UserAgent)
}

// commentaryEscaper escapes the reserved characters of LinkedIn's "little
// text" format so they are rendered literally.
var commentaryEscaper = strings.NewReplacer(
	`\`, `\\`,
	"|", `\|`,
	"{", `\{`,
	"}", `\}`,
	"@", `\@`,
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"<", `\<`,
	">", `\>`,
	"*", `\*`,
	"_", `\_`,
	"~", `\~`,
)

func escapeCommentary(s string) string {
	return commentaryEscaper.Replace(s)
}
