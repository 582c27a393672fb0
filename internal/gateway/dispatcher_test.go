package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/xgate/internal/ratelimit"
)

type fakeAdapter struct {
	platform Platform
	receipt  Receipt
	err      error
	panicMsg string
	calls    int
	last     PublishRequest
	account  Account
}

func (f *fakeAdapter) Platform() Platform { return f.platform }

func (f *fakeAdapter) Publish(_ context.Context, req PublishRequest) (Receipt, error) {
	f.calls++
	f.last = req
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.receipt, f.err
}

func (f *fakeAdapter) Verify(context.Context) (Account, error) {
	if f.err != nil {
		return Account{}, f.err
	}
	return f.account, nil
}

type gateFunc func(ctx context.Context, platform string) (ratelimit.Decision, error)

func (g gateFunc) Admit(ctx context.Context, platform string) (ratelimit.Decision, error) {
	return g(ctx, platform)
}

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func TestPublishUnsupportedPlatform(t *testing.T) {
	d := NewDispatcher(WithClock(func() time.Time { return fixedNow }))

	res := d.Publish(context.Background(), PublishRequest{PostID: "p1", Platform: Threads, Content: "hi"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not yet supported")
	assert.Equal(t, "Publishing to threads is not yet supported", res.Error)
	assert.Equal(t, KindUnsupported, res.ErrorKind)
	assert.Empty(t, res.PostID)
	assert.Empty(t, res.URL)
}

func TestPublishAppendsHashtags(t *testing.T) {
	a := &fakeAdapter{platform: Mastodon, receipt: Receipt{PostID: "42", URL: "https://m.example/@me/42"}}
	d := NewDispatcher(WithAdapters(a), WithClock(func() time.Time { return fixedNow }))

	res := d.Publish(context.Background(), PublishRequest{
		PostID:   "p1",
		Platform: Mastodon,
		Content:  "Release shipped",
		Hashtags: []string{"#go", "#release"},
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Release shipped\n\n#go #release", a.last.Content)
	assert.Empty(t, a.last.Hashtags)
	assert.Equal(t, "42", res.PostID)
	assert.Equal(t, "https://m.example/@me/42", res.URL)
	assert.Equal(t, fixedNow, res.PublishedAt)
	assert.Empty(t, res.Error)
}

func TestPublishWithoutHashtagsKeepsContent(t *testing.T) {
	a := &fakeAdapter{platform: Discord}
	d := NewDispatcher(WithAdapters(a))

	res := d.Publish(context.Background(), PublishRequest{Platform: Discord, Content: "plain"})
	require.True(t, res.Success)
	assert.Equal(t, "plain", a.last.Content)
	assert.Empty(t, res.PostID, "chat webhooks have no post id")
}

func TestPublishRateLimitedSkipsAdapter(t *testing.T) {
	a := &fakeAdapter{platform: Reddit}
	gate := gateFunc(func(context.Context, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonWindow, RetryAfter: 90 * time.Second}, nil
	})
	d := NewDispatcher(WithAdapters(a), WithGate(gate))

	res := d.Publish(context.Background(), PublishRequest{Platform: Reddit, Content: "x"})

	assert.False(t, res.Success)
	assert.Equal(t, KindRateLimited, res.ErrorKind)
	assert.Equal(t, 90*time.Second, res.RetryAfter)
	assert.Contains(t, res.Error, "retry after 1m30s")
	assert.Zero(t, a.calls)
}

func TestPublishQuotaExceeded(t *testing.T) {
	a := &fakeAdapter{platform: Twitter}
	gate := gateFunc(func(context.Context, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonQuota, Limit: 50, RetryAfter: time.Hour}, nil
	})
	d := NewDispatcher(WithAdapters(a), WithGate(gate))

	res := d.Publish(context.Background(), PublishRequest{Platform: Twitter, Content: "x"})

	assert.False(t, res.Success)
	assert.Equal(t, KindQuotaExceeded, res.ErrorKind)
	assert.Contains(t, res.Error, "0 of 50 posts remaining")
	assert.Zero(t, a.calls)
}

func TestPublishGateErrorFailsClosed(t *testing.T) {
	a := &fakeAdapter{platform: Telegram}
	gate := gateFunc(func(context.Context, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{}, errors.New("disk full")
	})
	d := NewDispatcher(WithAdapters(a), WithGate(gate))

	res := d.Publish(context.Background(), PublishRequest{Platform: Telegram, Content: "x"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disk full")
	assert.Zero(t, a.calls)
}

func TestPublishWithRealLimiter(t *testing.T) {
	a := &fakeAdapter{platform: Bluesky}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(),
		ratelimit.WithWindows(map[string]ratelimit.Config{"bluesky": {Window: time.Hour, MaxRequests: 1}}))
	d := NewDispatcher(WithAdapters(a), WithGate(limiter))

	first := d.Publish(context.Background(), PublishRequest{Platform: Bluesky, Content: "one"})
	second := d.Publish(context.Background(), PublishRequest{Platform: Bluesky, Content: "two"})

	assert.True(t, first.Success)
	assert.False(t, second.Success)
	assert.Greater(t, second.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, a.calls)
}

func TestPublishAdapterErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"missing config", MissingEnvError{Provider: "linkedin", Variables: []string{"XGATE_LINKEDIN_AUTHOR_URN"}}, KindConfigMissing},
		{"upstream", &UpstreamError{Status: 500, Body: "oops"}, KindUpstream},
		{"auth", &AuthError{Provider: "bluesky", Err: errors.New("bad password")}, KindAuthFailed},
		{"timeout", context.DeadlineExceeded, KindNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &fakeAdapter{platform: LinkedIn, err: tc.err}
			d := NewDispatcher(WithAdapters(a))

			res := d.Publish(context.Background(), PublishRequest{Platform: LinkedIn, Content: "x"})
			assert.False(t, res.Success)
			assert.Equal(t, tc.kind, res.ErrorKind)
			assert.Contains(t, res.Error, "linkedin publish failed: ")
			assert.Empty(t, res.PostID)
			assert.Empty(t, res.URL)
			assert.True(t, res.PublishedAt.IsZero())
		})
	}
}

func TestPublishRecoversPanics(t *testing.T) {
	a := &fakeAdapter{platform: Reddit, panicMsg: "nil map"}
	d := NewDispatcher(WithAdapters(a))

	var res PublishResult
	require.NotPanics(t, func() {
		res = d.Publish(context.Background(), PublishRequest{Platform: Reddit, Content: "x"})
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "nil map")
}

func TestPublishMockMode(t *testing.T) {
	a := &fakeAdapter{platform: Twitter}
	d := NewDispatcher(WithAdapters(a), WithMock(true, 0), WithClock(func() time.Time { return fixedNow }))

	res := d.Publish(context.Background(), PublishRequest{PostID: "post 7", Platform: Twitter, Content: "x"})
	again := d.Publish(context.Background(), PublishRequest{PostID: "post 7", Platform: Twitter, Content: "x"})

	require.True(t, res.Success)
	assert.Equal(t, "mock-twitter-post 7", res.PostID)
	assert.Equal(t, "https://mock.xgate.invalid/twitter/post%207", res.URL)
	assert.Equal(t, res, again)
	assert.Zero(t, a.calls)

	// mock mode also covers platforms without adapters
	res = d.Publish(context.Background(), PublishRequest{PostID: "1", Platform: Instagram})
	assert.True(t, res.Success)
}

func TestPublishMockModeHonoursRateLimit(t *testing.T) {
	gate := gateFunc(func(context.Context, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{Allowed: false, RetryAfter: time.Second}, nil
	})
	d := NewDispatcher(WithMock(true, 0), WithGate(gate))

	res := d.Publish(context.Background(), PublishRequest{Platform: Discord})
	assert.False(t, res.Success)
	assert.Equal(t, KindRateLimited, res.ErrorKind)
}

func TestVerify(t *testing.T) {
	ok := &fakeAdapter{platform: Telegram, account: Account{Name: "@xgate_bot"}}
	bad := &fakeAdapter{platform: Mastodon, err: &UpstreamError{Status: 401, Body: "invalid token"}}
	d := NewDispatcher(WithAdapters(ok, bad))
	ctx := context.Background()

	assert.Equal(t, VerifyResult{Platform: Telegram, Valid: true, AccountName: "@xgate_bot"}, d.Verify(ctx, Telegram))

	res := d.Verify(ctx, Mastodon)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "401")

	res = d.Verify(ctx, Facebook)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "not yet supported")

	assert.Equal(t, []Platform{Mastodon, Telegram}, d.Supported())
}

func TestPublishResultJSON(t *testing.T) {
	failed, err := json.Marshal(PublishResult{Platform: Reddit, Error: "boom", ErrorKind: KindUpstream})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"platform":"reddit","postId":null,"url":null,"error":"boom","errorKind":"upstream_error","publishedAt":null}`, string(failed))

	ok, err := json.Marshal(PublishResult{Success: true, Platform: Reddit, PostID: "t3_x", URL: "https://reddit.com/x", PublishedAt: fixedNow})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"platform":"reddit","postId":"t3_x","url":"https://reddit.com/x","error":null,"publishedAt":"2026-10-15T12:00:00Z"}`, string(ok))
}

func TestParsePlatform(t *testing.T) {
	p, ok := ParsePlatform(" X ")
	assert.True(t, ok)
	assert.Equal(t, Twitter, p)

	p, ok = ParsePlatform("LinkedIn")
	assert.True(t, ok)
	assert.Equal(t, LinkedIn, p)

	_, ok = ParsePlatform("myspace")
	assert.False(t, ok)
}

func TestCheckResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(time.Second).Get(srv.URL)
	require.NoError(t, err)
	err = DecodeJSON(resp, &struct{}{})

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusTooManyRequests, upstream.Status)
	assert.Equal(t, "slow down", upstream.Body)
}
