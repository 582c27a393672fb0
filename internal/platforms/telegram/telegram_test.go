package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
)

type fakeBotAPI struct {
	*httptest.Server

	mu      sync.Mutex
	calls   []string
	photos  [][]byte
	chatIDs []string
	text    string
	fail    bool
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	f := &fakeBotAPI{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /img/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "gone.png" {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n\x1a\n" + r.PathValue("name")))
	})
	mux.HandleFunc("POST /bot123:abc/sendPhoto", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("photo")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)

		f.mu.Lock()
		f.calls = append(f.calls, "sendPhoto")
		f.photos = append(f.photos, data)
		f.chatIDs = append(f.chatIDs, r.FormValue("chat_id"))
		n := len(f.photos)
		f.mu.Unlock()

		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":-100},"photo":[{"file_id":"small-%d","width":90,"height":90},{"file_id":"large-%d","width":800,"height":800}]}}`, n, n, n)
	})
	mux.HandleFunc("POST /bot123:abc/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.calls = append(f.calls, "sendMessage")
		f.text = r.PostForm.Get("text")
		f.chatIDs = append(f.chatIDs, r.PostForm.Get("chat_id"))
		fail := f.fail
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":-100},"text":"ok"}}`)
	})
	mux.HandleFunc("POST /bot123:abc/getMe", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"id":123,"is_bot":true,"first_name":"xgate","username":"xgate_bot"}}`)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newAdapter(f *fakeBotAPI, chatID string) *Adapter {
	creds := credentials.NewResolver(config.Credentials{Telegram: config.Telegram{
		BotToken: "123:abc",
		ChatID:   chatID,
	}}, f.Client())
	return New(creds, f.Client(), WithEndpoint(f.URL+"/bot%s/%s"))
}

func TestPublishPhotosThenText(t *testing.T) {
	f := newFakeBotAPI(t)
	a := newAdapter(f, "-100200300")

	receipt, err := a.Publish(context.Background(), gateway.PublishRequest{
		Platform: gateway.Telegram,
		Content:  "new release",
		MediaURLs: []string{
			f.URL + "/img/a.png",
			f.URL + "/img/gone.png",
			f.URL + "/img/c.png",
		},
	})
	require.NoError(t, err)
	assert.Empty(t, receipt.PostID)
	assert.Empty(t, receipt.URL)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"sendPhoto", "sendPhoto", "sendMessage"}, f.calls)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\na.png"), f.photos[0])
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nc.png"), f.photos[1])
	assert.Equal(t, "new release", f.text)
	for _, id := range f.chatIDs {
		assert.Equal(t, "-100200300", id)
	}
}

func TestPublishToChannelUsername(t *testing.T) {
	f := newFakeBotAPI(t)
	a := newAdapter(f, "@xgate_news")

	_, err := a.Publish(context.Background(), gateway.PublishRequest{Platform: gateway.Telegram, Content: "hi"})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"@xgate_news"}, f.chatIDs)
}

func TestPublishAPIError(t *testing.T) {
	f := newFakeBotAPI(t)
	f.fail = true
	a := newAdapter(f, "42")

	_, err := a.Publish(context.Background(), gateway.PublishRequest{Platform: gateway.Telegram, Content: "hi"})
	var upstream *gateway.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 400, upstream.Status)
	assert.Contains(t, upstream.Body, "chat not found")
}

func TestInvalidChatID(t *testing.T) {
	f := newFakeBotAPI(t)
	a := newAdapter(f, "my-group")

	_, err := a.Publish(context.Background(), gateway.PublishRequest{Platform: gateway.Telegram, Content: "hi"})
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
}

func TestVerify(t *testing.T) {
	f := newFakeBotAPI(t)
	a := newAdapter(f, "42")

	account, err := a.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "@xgate_bot", account.Name)
}
