// Package bluesky publishes to an AT Protocol PDS using app-password sessions.
package bluesky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/rivo/uniseg"

	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
	"github.com/blacktop/xgate/internal/media"
)

const (
	providerName   = "bluesky"
	postCollection = "app.bsky.feed.post"

	// MaxGraphemes is the post text limit.
	MaxGraphemes = 300
)

// Adapter implements gateway.Adapter for Bluesky.
type Adapter struct {
	client   *http.Client
	fetcher  *media.Fetcher
	sessions *SessionManager
	credErr  error
	now      func() time.Time
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithClock replaces time.Now for session ages and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New returns a Bluesky adapter. Missing credentials are reported by
// Publish and Verify.
func New(creds *credentials.Resolver, client *http.Client, opts ...Option) *Adapter {
	a := &Adapter{
		client:  client,
		fetcher: media.NewFetcher(client),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	cfg, err := creds.Bluesky()
	if err != nil {
		a.credErr = err
		return a
	}
	a.sessions = NewSessionManager(strings.TrimRight(cfg.PDSURL, "/"), cfg.Handle, cfg.AppPassword, client, a.now)
	return a
}

// Platform identifies the adapter.
func (a *Adapter) Platform() gateway.Platform { return gateway.Bluesky }

// Publish uploads blobs and creates a feed post. A 401 on submit invalidates
// the session and retries once with a new one.
func (a *Adapter) Publish(ctx context.Context, req gateway.PublishRequest) (gateway.Receipt, error) {
	if a.credErr != nil {
		return gateway.Receipt{}, a.credErr
	}

	sess, err := a.sessions.Get(ctx)
	if err != nil {
		return gateway.Receipt{}, err
	}

	blobs := media.UploadAll(ctx, providerName, req.MediaURLs, func(ctx context.Context, src string) (*util.LexBlob, error) {
		return a.uploadBlob(ctx, sess, src)
	})

	post := &bsky.FeedPost{
		CreatedAt: a.now().UTC().Format(time.RFC3339),
		Text:      truncate(req.Content, MaxGraphemes),
	}
	if len(blobs) > 0 {
		images := make([]*bsky.EmbedImages_Image, 0, len(blobs))
		for _, blob := range blobs {
			images = append(images, &bsky.EmbedImages_Image{Image: blob})
		}
		post.Embed = &bsky.FeedPost_Embed{EmbedImages: &bsky.EmbedImages{Images: images}}
	}

	out, err := a.createRecord(ctx, sess, post)
	if isUnauthorized(err) {
		logutil.Debugf("bluesky: submit returned 401, retrying with a new session")
		a.sessions.Invalidate()
		if sess, err = a.sessions.Get(ctx); err != nil {
			return gateway.Receipt{}, err
		}
		out, err = a.createRecord(ctx, sess, post)
	}
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("create record: %w", upstream(err))
	}

	return gateway.Receipt{PostID: out.Uri, URL: postURL(sess.Handle, out.Uri)}, nil
}

// Verify establishes a session and reads it back.
func (a *Adapter) Verify(ctx context.Context) (gateway.Account, error) {
	if a.credErr != nil {
		return gateway.Account{}, a.credErr
	}
	sess, err := a.sessions.Get(ctx)
	if err != nil {
		return gateway.Account{}, err
	}
	out, err := atproto.ServerGetSession(ctx, a.sessions.Client(sess))
	if err != nil {
		return gateway.Account{}, fmt.Errorf("get session: %w", upstream(err))
	}
	return gateway.Account{Name: "@" + out.Handle}, nil
}

func (a *Adapter) createRecord(ctx context.Context, sess *Session, post *bsky.FeedPost) (*atproto.RepoCreateRecord_Output, error) {
	return atproto.RepoCreateRecord(ctx, a.sessions.Client(sess), &atproto.RepoCreateRecord_Input{
		Collection: postCollection,
		Repo:       sess.Did,
		Record:     &util.LexiconTypeDecoder{Val: post},
	})
}

// uploadBlob posts the downloaded bytes as-is with their original content
// type. The returned blob is the embed reference.
func (a *Adapter) uploadBlob(ctx context.Context, sess *Session, sourceURL string) (*util.LexBlob, error) {
	asset, err := a.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	endpoint := a.sessions.host + "/xrpc/com.atproto.repo.uploadBlob"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(asset.Data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", asset.ContentType)
	req.Header.Set("Authorization", "Bearer "+sess.AccessJwt)
	req.Header.Set("User-Agent", gateway.UserAgent)

	logutil.Debugf("bluesky: uploading blob %s (%s, %d bytes)", asset.Filename, asset.ContentType, len(asset.Data))
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}

	var out atproto.RepoUploadBlob_Output
	if err := gateway.DecodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	if out.Blob == nil {
		return nil, errors.New("upload blob: empty response")
	}
	return out.Blob, nil
}

func isUnauthorized(err error) bool {
	var xerr *xrpc.Error
	return errors.As(err, &xerr) && xerr.StatusCode == http.StatusUnauthorized
}

// upstream converts an xrpc error into an *gateway.UpstreamError.
func upstream(err error) error {
	var xerr *xrpc.Error
	if !errors.As(err, &xerr) {
		return err
	}
	body := ""
	if xerr.Wrapped != nil {
		body = xerr.Wrapped.Error()
	}
	return &gateway.UpstreamError{Status: xerr.StatusCode, Body: body}
}

// postURL builds the web URL from the record's at:// URI.
func postURL(handle, uri string) string {
	aturi, err := syntax.ParseATURI(uri)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", handle, aturi.RecordKey())
}

// truncate cuts s to at most n grapheme clusters, so emoji sequences and
// combining marks are never split.
func truncate(s string, n int) string {
	g := uniseg.NewGraphemes(s)
	for count := 0; g.Next(); count++ {
		if count == n {
			from, _ := g.Positions()
			return s[:from]
		}
	}
	return s
}
