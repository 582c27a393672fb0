package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/gateway"
)

type tokenServer struct {
	*httptest.Server
	calls   atomic.Int32
	status  int
	token   string
	expires int
	mu      sync.Mutex
	lastReq *http.Request
	form    map[string]string
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{status: http.StatusOK, token: "fresh-token", expires: 3600}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		require.NoError(t, r.ParseForm())
		ts.mu.Lock()
		ts.lastReq = r
		ts.form = map[string]string{}
		for k := range r.PostForm {
			ts.form[k] = r.PostForm.Get(k)
		}
		ts.mu.Unlock()

		if ts.status != http.StatusOK {
			http.Error(w, `{"error":"invalid_grant"}`, ts.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":%d,"scope":"*"}`, ts.token, ts.expires)
	}))
	t.Cleanup(ts.Close)
	return ts
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func redditCreds() config.Credentials {
	return config.Credentials{Reddit: config.Reddit{
		ClientID:     "client id",
		ClientSecret: "s3cret",
		RefreshToken: "refresh-me",
		AccessToken:  "static-reddit",
		Subreddit:    "golang",
		UserAgent:    "xgate-test/1.0",
	}}
}

func TestRedditRefreshUsesBasicAuthAndCaches(t *testing.T) {
	ts := newTokenServer(t)
	clk := &clock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	r := NewResolver(redditCreds(), ts.Client(), WithClock(clk.Now), WithTokenURL(gateway.Reddit, ts.URL))
	ctx := context.Background()

	tok, err := r.Token(ctx, gateway.Reddit)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)

	ts.mu.Lock()
	user, pass, ok := ts.lastReq.BasicAuth()
	agent := ts.lastReq.UserAgent()
	form := ts.form
	ts.mu.Unlock()
	require.True(t, ok, "reddit refresh must use HTTP Basic")
	assert.Equal(t, "client+id", user, "oauth2 url-encodes the client id")
	assert.Equal(t, "s3cret", pass)
	assert.Equal(t, "xgate-test/1.0", agent)
	assert.Equal(t, "refresh_token", form["grant_type"])
	assert.Equal(t, "refresh-me", form["refresh_token"])
	assert.NotContains(t, form, "client_secret")

	// still inside expiry minus the buffer
	clk.Advance(54 * time.Minute)
	tok, err = r.Token(ctx, gateway.Reddit)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)
	assert.EqualValues(t, 1, ts.calls.Load())

	// within five minutes of expiry the token is replaced
	clk.Advance(2 * time.Minute)
	ts.token = "second-token"
	tok, err = r.Token(ctx, gateway.Reddit)
	require.NoError(t, err)
	assert.Equal(t, "second-token", tok)
	assert.EqualValues(t, 2, ts.calls.Load())
}

func TestLinkedInRefreshUsesFormCredentials(t *testing.T) {
	ts := newTokenServer(t)
	creds := config.Credentials{LinkedIn: config.LinkedIn{
		ClientID:     "li-id",
		ClientSecret: "li-secret",
		RefreshToken: "li-refresh",
		AuthorURN:    "urn:li:person:abc",
	}}
	r := NewResolver(creds, ts.Client(), WithTokenURL(gateway.LinkedIn, ts.URL))

	tok, err := r.Token(context.Background(), gateway.LinkedIn)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, _, basic := ts.lastReq.BasicAuth()
	assert.False(t, basic)
	assert.Equal(t, "li-id", ts.form["client_id"])
	assert.Equal(t, "li-secret", ts.form["client_secret"])
	assert.Equal(t, "li-refresh", ts.form["refresh_token"])
	assert.Equal(t, "refresh_token", ts.form["grant_type"])
}

func TestRefreshFailureFallsBackToStatic(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusBadRequest
	r := NewResolver(redditCreds(), ts.Client(), WithTokenURL(gateway.Reddit, ts.URL))

	tok, err := r.Token(context.Background(), gateway.Reddit)
	require.NoError(t, err)
	assert.Equal(t, "static-reddit", tok)
}

func TestRefreshFailureWithoutStaticIsMissing(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusUnauthorized
	creds := redditCreds()
	creds.Reddit.AccessToken = ""
	r := NewResolver(creds, ts.Client(), WithTokenURL(gateway.Reddit, ts.URL))

	_, err := r.Token(context.Background(), gateway.Reddit)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCredential))
	assert.Equal(t, gateway.KindConfigMissing, gateway.KindOf(err))
}

func TestStaticPlatforms(t *testing.T) {
	creds := config.Credentials{
		Twitter:  config.Twitter{BearerToken: "bearer"},
		Mastodon: config.Mastodon{AccessToken: "masto"},
		Discord:  config.Discord{WebhookURL: "https://discord.com/api/webhooks/1/abc"},
		Telegram: config.Telegram{BotToken: "123:tg"},
	}
	r := NewResolver(creds, http.DefaultClient)
	ctx := context.Background()

	for p, want := range map[gateway.Platform]string{
		gateway.Twitter:  "bearer",
		gateway.Mastodon: "masto",
		gateway.Discord:  "https://discord.com/api/webhooks/1/abc",
		gateway.Telegram: "123:tg",
	} {
		got, err := r.Token(ctx, p)
		require.NoError(t, err, p)
		assert.Equal(t, want, got, p)
	}

	_, err := r.Token(ctx, gateway.Bluesky)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestConcurrentRefreshIsShared(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"shared","token_type":"bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	r := NewResolver(redditCreds(), srv.Client(), WithTokenURL(gateway.Reddit, srv.URL))

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = r.Token(context.Background(), gateway.Reddit)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, got := range results {
		assert.Equal(t, "shared", got)
	}
}

func TestTypedAccessors(t *testing.T) {
	r := NewResolver(config.Credentials{
		Telegram: config.Telegram{BotToken: "t"},
		Mastodon: config.Mastodon{Server: "https://m.example", AccessToken: "a"},
	}, http.DefaultClient)

	_, err := r.Telegram()
	var missing gateway.MissingEnvError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"XGATE_TELEGRAM_CHAT_ID"}, missing.Variables)

	m, err := r.Mastodon()
	require.NoError(t, err)
	assert.Equal(t, "https://m.example", m.Server)
}
