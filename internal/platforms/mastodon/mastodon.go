// Package mastodon publishes statuses to a Mastodon instance.
package mastodon

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	mastodonapi "github.com/mattn/go-mastodon"

	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
	"github.com/blacktop/xgate/internal/media"
)

const providerName = "mastodon"

// Adapter wraps the Mastodon API client with gateway semantics.
type Adapter struct {
	client  *mastodonapi.Client
	fetcher *media.Fetcher
	credErr error
}

// New constructs a Mastodon adapter sharing client's transport and timeout.
func New(creds *credentials.Resolver, client *http.Client) *Adapter {
	a := &Adapter{fetcher: media.NewFetcher(client)}

	cfg, err := creds.Mastodon()
	if err != nil {
		a.credErr = err
		return a
	}

	api := mastodonapi.NewClient(&mastodonapi.Config{
		Server:      cfg.Server,
		AccessToken: cfg.AccessToken,
	})
	api.Transport = client.Transport
	api.Timeout = client.Timeout
	a.client = api
	return a
}

// Platform identifies the adapter.
func (a *Adapter) Platform() gateway.Platform { return gateway.Mastodon }

// Publish uploads attachments and posts a new status.
func (a *Adapter) Publish(ctx context.Context, req gateway.PublishRequest) (gateway.Receipt, error) {
	if a.credErr != nil {
		return gateway.Receipt{}, a.credErr
	}

	mediaIDs := media.UploadAll(ctx, providerName, req.MediaURLs, a.uploadMedia)

	status, err := a.client.PostStatus(ctx, &mastodonapi.Toot{
		Status:   req.Content,
		MediaIDs: mediaIDs,
	})
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("post status: %w", err)
	}

	return gateway.Receipt{PostID: string(status.ID), URL: status.URL}, nil
}

// Verify looks up the account behind the access token.
func (a *Adapter) Verify(ctx context.Context) (gateway.Account, error) {
	if a.credErr != nil {
		return gateway.Account{}, a.credErr
	}
	account, err := a.client.GetAccountCurrentUser(ctx)
	if err != nil {
		return gateway.Account{}, fmt.Errorf("verify credentials: %w", err)
	}
	return gateway.Account{Name: "@" + account.Acct}, nil
}

func (a *Adapter) uploadMedia(ctx context.Context, sourceURL string) (mastodonapi.ID, error) {
	asset, err := a.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	logutil.Debugf("mastodon: uploading %s (%d bytes)", asset.Filename, len(asset.Data))
	attachment, err := a.client.UploadMediaFromMedia(ctx, &mastodonapi.Media{
		File: bytes.NewReader(asset.Data),
	})
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return attachment.ID, nil
}
