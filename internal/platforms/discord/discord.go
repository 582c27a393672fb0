// Package discord posts messages through a channel webhook.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/blacktop/xgate/internal/credentials"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/logutil"
	"github.com/blacktop/xgate/internal/media"
)

const (
	providerName = "discord"

	// MaxContentLength is the webhook content limit.
	MaxContentLength = 2000
)

// Adapter implements gateway.Adapter for a Discord webhook.
type Adapter struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
	credErr  error
}

// New returns a Discord adapter for the configured webhook.
func New(creds *credentials.Resolver, client *http.Client) *Adapter {
	a := &Adapter{}

	cfg, err := creds.Discord()
	if err != nil {
		a.credErr = err
		return a
	}
	id, token, err := ParseWebhookURL(cfg.WebhookURL)
	if err != nil {
		a.credErr = err
		return a
	}

	// webhook calls carry their token in the path; the session needs none
	session, err := discordgo.New("")
	if err != nil {
		a.credErr = fmt.Errorf("create discord session: %w", err)
		return a
	}
	session.Client = client
	session.UserAgent = gateway.UserAgent
	session.ShouldRetryOnRateLimit = false
	session.MaxRestRetries = 0

	a.session = session
	a.id = id
	a.token = token
	a.username = cfg.Username
	return a
}

// Platform identifies the adapter.
func (a *Adapter) Platform() gateway.Platform { return gateway.Discord }

// Publish executes the webhook with the content and up to four image embeds.
// Webhook messages have no public URL, so the receipt is empty.
func (a *Adapter) Publish(ctx context.Context, req gateway.PublishRequest) (gateway.Receipt, error) {
	if a.credErr != nil {
		return gateway.Receipt{}, a.credErr
	}

	params := &discordgo.WebhookParams{
		Content:  truncate(req.Content, MaxContentLength),
		Username: a.username,
	}
	for _, u := range media.Limit(req.MediaURLs, media.MaxItems) {
		params.Embeds = append(params.Embeds, &discordgo.MessageEmbed{
			Image: &discordgo.MessageEmbedImage{URL: u},
		})
	}

	msg, err := a.session.WebhookExecute(a.id, a.token, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return gateway.Receipt{}, fmt.Errorf("execute webhook: %w", upstream(err))
	}
	if msg != nil {
		logutil.Debugf("discord: delivered message %s to channel %s", msg.ID, msg.ChannelID)
	}
	return gateway.Receipt{}, nil
}

// Verify fetches the webhook itself.
func (a *Adapter) Verify(ctx context.Context) (gateway.Account, error) {
	if a.credErr != nil {
		return gateway.Account{}, a.credErr
	}
	hook, err := a.session.WebhookWithToken(a.id, a.token, discordgo.WithContext(ctx))
	if err != nil {
		return gateway.Account{}, fmt.Errorf("get webhook: %w", upstream(err))
	}
	return gateway.Account{Name: hook.Name}, nil
}

// ParseWebhookURL extracts the id and token from
// https://discord.com/api/webhooks/<id>/<token>.
func ParseWebhookURL(raw string) (id, token string, err error) {
	invalid := gateway.ValidationError{Provider: providerName, Reason: "webhook URL must look like https://discord.com/api/webhooks/<id>/<token>"}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", invalid
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, s := range segments {
		if s == "webhooks" && i+2 < len(segments) && segments[i+1] != "" && segments[i+2] != "" {
			return segments[i+1], segments[i+2], nil
		}
	}
	return "", "", invalid
}

func upstream(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return &gateway.UpstreamError{Status: restErr.Response.StatusCode, Body: strings.TrimSpace(string(restErr.ResponseBody))}
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
