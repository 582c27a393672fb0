package linkedin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
)

func TestPublishReadsURNFromHeader(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/posts", r.URL.Path)
		assert.Equal(t, "Bearer li-token", r.Header.Get("Authorization"))
		assert.Equal(t, "202405", r.Header.Get("LinkedIn-Version"))
		assert.Equal(t, "2.0.0", r.Header.Get("X-Restli-Protocol-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("x-restli-id", "urn:li:share:7100000000000000000")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := New(credentials.NewResolver(config.Credentials{LinkedIn: config.LinkedIn{
		AccessToken: "li-token",
		AuthorURN:   "urn:li:person:abc",
		APIVersion:  "202405",
	}}, srv.Client()), srv.Client(), WithAPIBase(srv.URL))

	receipt, err := a.Publish(context.Background(), gateway.PublishRequest{
		Platform:  gateway.LinkedIn,
		Content:   "Shipping (finally)",
		MediaURLs: []string{"https://cdn.example/a.png"},
	})
	require.NoError(t, err)

	assert.Equal(t, "urn:li:share:7100000000000000000", receipt.PostID)
	assert.Equal(t, "https://www.linkedin.com/feed/update/urn:li:share:7100000000000000000", receipt.URL)

	assert.Equal(t, "urn:li:person:abc", body["author"])
	assert.Equal(t, "PUBLIC", body["visibility"])
	assert.Equal(t, "PUBLISHED", body["lifecycleState"])
	assert.Equal(t, `Shipping \(finally\)`+"\n\nhttps://cdn.example/a.png", body["commentary"])
	dist := body["distribution"].(map[string]any)
	assert.Equal(t, "MAIN_FEED", dist["feedDistribution"])
}

func TestPublishMissingHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := New(credentials.NewResolver(config.Credentials{LinkedIn: config.LinkedIn{
		AccessToken: "t", AuthorURN: "urn:li:person:abc",
	}}, srv.Client()), srv.Client(), WithAPIBase(srv.URL))

	_, err := a.Publish(context.Background(), gateway.PublishRequest{Platform: gateway.LinkedIn, Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x-restli-id")
}

func TestPublishUsesRefreshedToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/v2/accessToken", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"refreshed","expires_in":5184000}`)
	})
	mux.HandleFunc("POST /rest/posts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer refreshed", r.Header.Get("Authorization"))
		w.Header().Set("x-restli-id", "urn:li:share:1")
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := credentials.NewResolver(config.Credentials{LinkedIn: config.LinkedIn{
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "refresh",
		AccessToken:  "stale",
		AuthorURN:    "urn:li:person:abc",
	}}, srv.Client(), credentials.WithTokenURL(gateway.LinkedIn, srv.URL+"/oauth/v2/accessToken"))
	a := New(creds, srv.Client(), WithAPIBase(srv.URL))

	receipt, err := a.Publish(context.Background(), gateway.PublishRequest{Platform: gateway.LinkedIn, Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "urn:li:share:1", receipt.PostID)
}

func TestPublishUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"Not enough permissions","status":403}`)
	}))
	defer srv.Close()

	a := New(credentials.NewResolver(config.Credentials{LinkedIn: config.LinkedIn{
		AccessToken: "t", AuthorURN: "urn:li:person:abc",
	}}, srv.Client()), srv.Client(), WithAPIBase(srv.URL))

	_, err := a.Publish(context.Background(), gateway.PublishRequest{Platform: gateway.LinkedIn, Content: "x"})
	var upstream *gateway.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusForbidden, upstream.Status)
	assert.Contains(t, upstream.Body, "Not enough permissions")
}

func TestMissingAuthor(t *testing.T) {
	a := New(credentials.NewResolver(config.Credentials{LinkedIn: config.LinkedIn{AccessToken: "t"}}, http.DefaultClient), http.DefaultClient)

	_, err := a.Publish(context.Background(), gateway.PublishRequest{Platform: gateway.LinkedIn, Content: "x"})
	assert.Equal(t, gateway.KindConfigMissing, gateway.KindOf(err))
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/userinfo", r.URL.Path)
		fmt.Fprint(w, `{"sub":"abc","name":"Ada Lovelace","email":"ada@example.com"}`)
	}))
	defer srv.Close()

	a := New(credentials.NewResolver(config.Credentials{LinkedIn: config.LinkedIn{AccessToken: "t"}}, srv.Client()),
		srv.Client(), WithAPIBase(srv.URL))

	account, err := a.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", account.Name)
}
