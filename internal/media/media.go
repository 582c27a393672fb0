// Package media downloads externally hosted images and runs best-effort
// per-item uploads for the platform adapters.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
)

const (
	// MaxItems is how many media URLs an adapter attempts per post.
	MaxItems = 4
	// MaxBytes caps a single download.
	MaxBytes = 20 << 20
)

// ErrTooLarge is returned when a download exceeds the size cap.
var ErrTooLarge = errors.New("media exceeds size limit")

// Asset is a downloaded media item.
type Asset struct {
	SourceURL   string
	ContentType string
	Filename    string
	Data        []byte
}

// Fetcher downloads media over HTTP.
type Fetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// NewFetcher returns a Fetcher using client.
func NewFetcher(client *http.Client) *Fetcher {
	return &Fetcher{Client: client, MaxBytes: MaxBytes}
}

// Fetch downloads sourceURL. The content type comes from the response header
// and is sniffed from the payload when the header is missing or generic.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("User-Agent", gateway.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()
	if err := gateway.CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("download %s: %w", sourceURL, err)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = MaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", sourceURL, err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download %s: empty body", sourceURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mediaType
		}
	}

	return &Asset{
		SourceURL:   sourceURL,
		ContentType: contentType,
		Filename:    filename(sourceURL, contentType),
		Data:        data,
	}, nil
}

func filename(sourceURL, contentType string) string {
	name := path.Base(strings.SplitN(strings.SplitN(sourceURL, "?", 2)[0], "#", 2)[0])
	if name != "" && name != "." && name != "/" && strings.Contains(name, ".") {
		return name
	}
	ext := ".bin"
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		ext = exts[0]
	}
	return "media" + ext
}

// Limit returns at most n URLs, dropping the rest.
func Limit(urls []string, n int) []string {
	if len(urls) <= n {
		return urls
	}
	logutil.Debugf("dropping %d media items over the limit of %d", len(urls)-n, n)
	return urls[:n]
}

// UploadAll runs upload for up to MaxItems URLs in order and keeps the handles
// that succeeded. A failed item is logged and skipped; it never aborts the rest.
func UploadAll[T any](ctx context.Context, provider string, urls []string, upload func(context.Context, string) (T, error)) []T {
	var handles []T
	for i, u := range Limit(urls, MaxItems) {
		if ctx.Err() != nil {
			break
		}
		handle, err := upload(ctx, u)
		if err != nil {
			logutil.Debugf("%s: skipping media %d (%s): %v", provider, i, u, err)
			continue
		}
		handles = append(handles, handle)
	}
	return handles
}
