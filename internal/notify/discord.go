package notify

import (
	"context"
	"fmt"
	"net/http"
)

// Embed colours by alert severity.
const (
	colorInfo  = 0x2ecc71
	colorAlert = 0xe74c3c
)

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender posting to webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "arbcore",
		client:     &http.Client{Timeout: defaultTimeout},
	}
}

// Send posts one embed. Alerts (titles flagged by Alert) are rendered red.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := colorInfo
	if isAlert(title) {
		color = colorAlert
	}
	payload := discordPayload{
		Username: d.username,
		Embeds:   []discordEmbed{{Title: title, Description: message, Color: color}},
	}
	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
