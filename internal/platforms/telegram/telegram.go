// Package telegram sends posts to a chat or channel through a bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
	"github.com/blacktop/xgate/internal/media"
)

const (
	providerName = "telegram"

	// MaxMessageLength is the sendMessage text limit.
	MaxMessageLength = 4096
)

// Adapter implements gateway.Adapter for a Telegram bot.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	chat    chat
	fetcher *media.Fetcher
	credErr error
}

// chat is either a numeric chat id or a public channel username.
type chat struct {
	id       int64
	username string
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithEndpoint replaces the Bot API endpoint format
// ("https://api.telegram.org/bot%s/%s").
func WithEndpoint(endpoint string) Option {
	return func(a *Adapter) {
		if a.bot != nil {
			a.bot.SetAPIEndpoint(endpoint)
		}
	}
}

// New returns a Telegram adapter. The bot is built directly rather than with
// tgbotapi.NewBotAPI, which calls getMe before returning.
func New(creds *credentials.Resolver, client *http.Client, opts ...Option) *Adapter {
	a := &Adapter{fetcher: media.NewFetcher(client)}

	cfg, err := creds.Telegram()
	if err != nil {
		a.credErr = err
		return a
	}
	c, err := parseChat(cfg.ChatID)
	if err != nil {
		a.credErr = err
		return a
	}

	a.bot = &tgbotapi.BotAPI{
		Token:  cfg.BotToken,
		Client: client,
		Buffer: 100,
	}
	a.bot.SetAPIEndpoint(tgbotapi.APIEndpoint)
	a.chat = c

	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Platform identifies the adapter.
func (a *Adapter) Platform() gateway.Platform { return gateway.Telegram }

// Publish uploads each photo with sendPhoto, then sends the text. Bot
// messages have no public URL, so the receipt is empty.
func (a *Adapter) Publish(ctx context.Context, req gateway.PublishRequest) (gateway.Receipt, error) {
	if a.credErr != nil {
		return gateway.Receipt{}, a.credErr
	}

	fileIDs := media.UploadAll(ctx, providerName, req.MediaURLs, a.sendPhoto)
	if len(fileIDs) > 0 {
		logutil.Debugf("telegram: sent %d photos", len(fileIDs))
	}

	if err := ctx.Err(); err != nil {
		return gateway.Receipt{}, err
	}

	text := truncate(req.Content, MaxMessageLength)
	var msg tgbotapi.MessageConfig
	if a.chat.username != "" {
		msg = tgbotapi.NewMessageToChannel(a.chat.username, text)
	} else {
		msg = tgbotapi.NewMessage(a.chat.id, text)
	}

	sent, err := a.bot.Send(msg)
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("send message: %w", upstream(err))
	}
	logutil.Debugf("telegram: delivered message %d", sent.MessageID)
	return gateway.Receipt{}, nil
}

// Verify calls getMe.
func (a *Adapter) Verify(ctx context.Context) (gateway.Account, error) {
	if a.credErr != nil {
		return gateway.Account{}, a.credErr
	}
	if err := ctx.Err(); err != nil {
		return gateway.Account{}, err
	}
	me, err := a.bot.GetMe()
	if err != nil {
		return gateway.Account{}, fmt.Errorf("get me: %w", upstream(err))
	}
	return gateway.Account{Name: "@" + me.UserName}, nil
}

// sendPhoto uploads one photo as multipart and returns its file id.
func (a *Adapter) sendPhoto(ctx context.Context, sourceURL string) (string, error) {
	asset, err := a.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	photo := tgbotapi.NewPhoto(a.chat.id, tgbotapi.FileBytes{Name: asset.Filename, Bytes: asset.Data})
	if a.chat.username != "" {
		photo.ChannelUsername = a.chat.username
	}

	sent, err := a.bot.Send(photo)
	if err != nil {
		return "", fmt.Errorf("send photo: %w", upstream(err))
	}
	if len(sent.Photo) == 0 {
		return "", errors.New("send photo: response carried no photo")
	}
	// the last size is the largest
	return sent.Photo[len(sent.Photo)-1].FileID, nil
}

func parseChat(raw string) (chat, error) {
	if strings.HasPrefix(raw, "@") {
		return chat{username: raw}, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return chat{}, gateway.ValidationError{Provider: providerName, Reason: fmt.Sprintf("chat id %q is neither numeric nor an @channel", raw)}
	}
	return chat{id: id}, nil
}

func upstream(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &gateway.UpstreamError{Status: apiErr.Code, Body: apiErr.Message}
	}
	return err
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
