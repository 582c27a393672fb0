// Package twitter publishes to X with OAuth 1.0a user-context signing.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/michimani/gotwi"
	uploadtypes "github.com/michimani/gotwi/media/upload/types"
	"github.com/michimani/gotwi/resources"
	managetweettypes "github.com/michimani/gotwi/tweet/managetweet/types"

	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
	"github.com/blacktop/xgate/internal/media"
	"github.com/blacktop/xgate/internal/oauth1"
)

const (
	providerName = "twitter"

	// DefaultAPIBase is the X API v2 host.
	DefaultAPIBase = "https://api.x.com"

	// ChunkSize is the size of one APPEND segment.
	ChunkSize = 1 << 20

	maxProcessingWait = 30 * time.Second
	maxStatusChecks   = 5
)

// Adapter implements gateway.Adapter for X.
type Adapter struct {
	creds   *credentials.Resolver
	client  *http.Client
	fetcher *media.Fetcher
	apiBase string

	// signer overrides the credential-derived signer in tests.
	signer *oauth1.Signer
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithAPIBase points the adapter at another host.
func WithAPIBase(base string) Option {
	return func(a *Adapter) { a.apiBase = strings.TrimRight(base, "/") }
}

// WithSigner replaces the signer built from the resolver's credentials.
func WithSigner(s *oauth1.Signer) Option {
	return func(a *Adapter) { a.signer = s }
}

// New returns an X adapter. Credentials are read on every call so a missing
// key surfaces as a config error on the result rather than at startup.
func New(creds *credentials.Resolver, client *http.Client, opts ...Option) *Adapter {
	a := &Adapter{
		creds:   creds,
		client:  client,
		fetcher: media.NewFetcher(client),
		apiBase: DefaultAPIBase,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Platform identifies the adapter.
func (a *Adapter) Platform() gateway.Platform { return gateway.Twitter }

// Publish uploads media then creates the tweet.
func (a *Adapter) Publish(ctx context.Context, req gateway.PublishRequest) (gateway.Receipt, error) {
	signer, err := a.resolveSigner()
	if err != nil {
		return gateway.Receipt{}, err
	}

	mediaIDs := media.UploadAll(ctx, providerName, req.MediaURLs, func(ctx context.Context, src string) (string, error) {
		return a.uploadMedia(ctx, signer, src)
	})

	input := &managetweettypes.CreateInput{
		Text: gotwi.String(req.Content),
	}
	if len(mediaIDs) > 0 {
		input.Media = &managetweettypes.CreateInputMedia{MediaIDs: mediaIDs}
	}
	body, err := input.Body()
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("encode tweet: %w", err)
	}

	logutil.Debugf("posting tweet: media_count=%d", len(mediaIDs))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/2/tweets", body)
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("build tweet request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out createTweetResponse
	if err := a.do(httpReq, signer, &out); err != nil {
		return gateway.Receipt{}, fmt.Errorf("post tweet: %w", err)
	}
	if err := partialError(out.Errors); err != nil {
		return gateway.Receipt{}, fmt.Errorf("post tweet: %w", err)
	}

	id := gotwi.StringValue(out.Data.ID)
	if id == "" {
		return gateway.Receipt{}, fmt.Errorf("post tweet: response carried no id")
	}
	logutil.Debugf("tweet posted: id=%s", id)

	return gateway.Receipt{PostID: id, URL: "https://x.com/i/web/status/" + id}, nil
}

// createTweetResponse is the /2/tweets body. gotwi's CreateOutput drops the
// top-level errors array, which X fills on a 201 it could not honour.
type createTweetResponse struct {
	Data struct {
		ID   *string `json:"id"`
		Text *string `json:"text"`
	} `json:"data"`
	Errors []resources.PartialError `json:"errors"`
}

// Verify fetches the authenticated user.
func (a *Adapter) Verify(ctx context.Context) (gateway.Account, error) {
	signer, err := a.resolveSigner()
	if err != nil {
		return gateway.Account{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/2/users/me", nil)
	if err != nil {
		return gateway.Account{}, err
	}

	var me struct {
		Data struct {
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := a.do(req, signer, &me); err != nil {
		return gateway.Account{}, fmt.Errorf("lookup user: %w", err)
	}
	if me.Data.Username == "" {
		return gateway.Account{}, fmt.Errorf("lookup user: empty username")
	}
	return gateway.Account{Name: "@" + me.Data.Username}, nil
}

func (a *Adapter) resolveSigner() (*oauth1.Signer, error) {
	if a.signer != nil {
		return a.signer, nil
	}
	cfg, err := a.creds.Twitter()
	if err != nil {
		return nil, err
	}
	return &oauth1.Signer{Credentials: oauth1.Credentials{
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		Token:          cfg.AccessToken,
		TokenSecret:    cfg.AccessSecret,
	}}, nil
}

// uploadMedia runs INIT, APPEND and FINALIZE for one source URL and returns
// the media id.
func (a *Adapter) uploadMedia(ctx context.Context, signer *oauth1.Signer, sourceURL string) (string, error) {
	asset, err := a.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	mediaType, category, err := resolveMediaType(asset.ContentType)
	if err != nil {
		return "", err
	}

	logutil.Debugf("initialize upload: media_type=%s bytes=%d", mediaType, len(asset.Data))
	mediaID, err := a.initialize(ctx, signer, mediaType, category, len(asset.Data))
	if err != nil {
		return "", fmt.Errorf("initialize upload: %w", err)
	}
	logutil.Debugf("initialize complete: media_id=%s", mediaID)

	for i, start := 0, 0; start < len(asset.Data); i, start = i+1, start+ChunkSize {
		end := min(start+ChunkSize, len(asset.Data))
		logutil.Debugf("append upload: media_id=%s segment=%d", mediaID, i)
		if err := a.appendSegment(ctx, signer, mediaID, i, asset.Filename, asset.Data[start:end]); err != nil {
			return "", fmt.Errorf("append upload: %w", err)
		}
	}

	if err := a.finalize(ctx, signer, mediaID); err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	return mediaID, nil
}

func (a *Adapter) initialize(ctx context.Context, signer *oauth1.Signer, mediaType uploadtypes.MediaType, category uploadtypes.MediaCategory, total int) (string, error) {
	payload, err := json.Marshal(struct {
		MediaType     uploadtypes.MediaType     `json:"media_type"`
		TotalBytes    int                       `json:"total_bytes"`
		MediaCategory uploadtypes.MediaCategory `json:"media_category"`
	}{mediaType, total, category})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/2/media/upload/initialize", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out uploadtypes.InitializeOutput
	if err := a.do(req, signer, &out); err != nil {
		return "", err
	}
	if err := partialError(out.Errors); err != nil {
		return "", err
	}
	if out.Data.MediaID == "" {
		return "", fmt.Errorf("response carried no media id")
	}
	return out.Data.MediaID, nil
}

func (a *Adapter) appendSegment(ctx context.Context, signer *oauth1.Signer, mediaID string, index int, filename string, chunk []byte) error {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("segment_index", fmt.Sprint(index)); err != nil {
		return err
	}
	part, err := w.CreateFormFile("media", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/2/media/upload/%s/append", a.apiBase, url.PathEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return a.do(req, signer, nil)
}

func (a *Adapter) finalize(ctx context.Context, signer *oauth1.Signer, mediaID string) error {
	endpoint := fmt.Sprintf("%s/2/media/upload/%s/finalize", a.apiBase, url.PathEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}

	var out uploadtypes.FinalizeOutput
	if err := a.do(req, signer, &out); err != nil {
		return err
	}
	if err := partialError(out.Errors); err != nil {
		return err
	}

	state := out.Data.ProcessingInfo.State
	logutil.Debugf("finalize state=%s media_id=%s", state, mediaID)
	switch state {
	case "", resources.ProcessingInfoStateSucceeded:
		return nil
	case resources.ProcessingInfoStateInProgress, resources.ProcessingInfoStatePending:
		return a.awaitProcessing(ctx, signer, mediaID, time.Duration(out.Data.ProcessingInfo.CheckAfterSecs)*time.Second)
	}
	return fmt.Errorf("media processing failed: state=%s", state)
}

// awaitProcessing polls STATUS until the media succeeds, fails, or the
// processing budget runs out. Media that is not ready by then is an error so
// the item is skipped rather than attached.
func (a *Adapter) awaitProcessing(ctx context.Context, signer *oauth1.Signer, mediaID string, wait time.Duration) error {
	budget := maxProcessingWait
	for attempt := 1; attempt <= maxStatusChecks; attempt++ {
		wait = min(wait, budget)
		budget -= wait

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		q := url.Values{"command": {"STATUS"}, "media_id": {mediaID}}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/2/media/upload?"+q.Encode(), nil)
		if err != nil {
			return err
		}

		var out uploadtypes.FinalizeOutput
		if err := a.do(req, signer, &out); err != nil {
			return fmt.Errorf("processing status: %w", err)
		}

		state := out.Data.ProcessingInfo.State
		logutil.Debugf("status check %d state=%s media_id=%s", attempt, state, mediaID)
		switch state {
		case resources.ProcessingInfoStateSucceeded:
			return nil
		case resources.ProcessingInfoStateInProgress, resources.ProcessingInfoStatePending:
			if budget <= 0 {
				return fmt.Errorf("media not processed within %s: state=%s", maxProcessingWait, state)
			}
			wait = time.Duration(out.Data.ProcessingInfo.CheckAfterSecs) * time.Second
		default:
			return fmt.Errorf("media processing failed: state=%s", state)
		}
	}
	return fmt.Errorf("media not processed after %d status checks", maxStatusChecks)
}

// do signs and sends req, decoding a JSON body into out when non-nil.
func (a *Adapter) do(req *http.Request, signer *oauth1.Signer, out any) error {
	if err := signer.SignRequest(req, nil); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set("User-Agent", gateway.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		defer resp.Body.Close()
		return &gateway.AuthError{Provider: providerName, Err: gateway.CheckResponse(resp)}
	}
	if out == nil {
		defer resp.Body.Close()
		if err := gateway.CheckResponse(resp); err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return gateway.DecodeJSON(resp, out)
}

func resolveMediaType(contentType string) (uploadtypes.MediaType, uploadtypes.MediaCategory, error) {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return uploadtypes.MediaTypeJPEG, uploadtypes.MediaCategoryTweetImage, nil
	case "image/png":
		return uploadtypes.MediaTypePNG, uploadtypes.MediaCategoryTweetImage, nil
	case "image/gif":
		return uploadtypes.MediaTypeGIF, uploadtypes.MediaCategoryTweetGIF, nil
	case "image/webp":
		return uploadtypes.MediaTypeWebP, uploadtypes.MediaCategoryTweetImage, nil
	}
	return "", "", gateway.ValidationError{Provider: providerName, Reason: fmt.Sprintf("unsupported media type %q", contentType)}
}

func partialError(partials []resources.PartialError) error {
	if len(partials) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(partials))
	for _, pe := range partials {
		switch {
		case pe.Detail != nil && *pe.Detail != "":
			msgs = append(msgs, *pe.Detail)
		case pe.Title != nil && *pe.Title != "":
			msgs = append(msgs, *pe.Title)
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "unknown error")
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
