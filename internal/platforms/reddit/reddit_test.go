package reddit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
)

func newAdapter(srv *httptest.Server) *Adapter {
	creds := credentials.NewResolver(config.Credentials{Reddit: config.Reddit{
		AccessToken: "rd-token",
		Subreddit:   "golang",
		UserAgent:   "xgate-test/1.0",
	}}, srv.Client())
	return New(creds, srv.Client(), WithAPIBase(srv.URL))
}

func TestPublishSelfPost(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/submit", r.URL.Path)
		assert.Equal(t, "Bearer rd-token", r.Header.Get("Authorization"))
		assert.Equal(t, "xgate-test/1.0", r.UserAgent())
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		fmt.Fprint(w, `{"json":{"errors":[],"data":{"url":"https://www.reddit.com/r/golang/comments/1abc/release/","id":"1abc","name":"t3_1abc"}}}`)
	}))
	defer srv.Close()

	content := "Release notes\nEverything is faster now."
	receipt, err := newAdapter(srv).Publish(context.Background(), gateway.PublishRequest{
		Platform:  gateway.Reddit,
		Content:   content,
		MediaURLs: []string{"https://cdn.example/a.png"},
	})
	require.NoError(t, err)

	assert.Equal(t, "t3_1abc", receipt.PostID)
	assert.Equal(t, "https://www.reddit.com/r/golang/comments/1abc/release/", receipt.URL)
	assert.Equal(t, "golang", form.Get("sr"))
	assert.Equal(t, "self", form.Get("kind"))
	assert.Equal(t, "json", form.Get("api_type"))
	assert.Equal(t, "Release notes", form.Get("title"))
	assert.Equal(t, content+"\n\nhttps://cdn.example/a.png", form.Get("text"))
}

func TestPublishReportsSubmitErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"json":{"errors":[["RATELIMIT","you are doing that too much","ratelimit"]]}}`)
	}))
	defer srv.Close()

	_, err := newAdapter(srv).Publish(context.Background(), gateway.PublishRequest{Platform: gateway.Reddit, Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATELIMIT: you are doing that too much")
}

func TestPublishRejectsEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newAdapter(srv).Publish(context.Background(), gateway.PublishRequest{Platform: gateway.Reddit, Content: "  \n"})
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "first", Title("\n  first  \nsecond"))
	assert.Equal(t, "", Title(""))

	long := strings.Repeat("é", 350)
	got := Title(long)
	assert.Len(t, []rune(got), MaxTitleLength)
	assert.Equal(t, strings.Repeat("é", 300), got)
}

func TestBody(t *testing.T) {
	assert.Equal(t, "text", Body("text", nil))
	assert.Equal(t, "text\n\na\n\nb", Body("text", []string{"a", "b"}))
}

func TestMissingSubreddit(t *testing.T) {
	a := New(credentials.NewResolver(config.Credentials{Reddit: config.Reddit{AccessToken: "t"}}, http.DefaultClient), http.DefaultClient)

	_, err := a.Publish(context.Background(), gateway.PublishRequest{Platform: gateway.Reddit, Content: "x"})
	assert.Equal(t, gateway.KindConfigMissing, gateway.KindOf(err))
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/me", r.URL.Path)
		fmt.Fprint(w, `{"name":"xgate_bot"}`)
	}))
	defer srv.Close()

	account, err := newAdapter(srv).Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u/xgate_bot", account.Name)
}
