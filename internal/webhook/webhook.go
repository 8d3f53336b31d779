// Package webhook delivers a best-effort outbound notification when a
// server's webhook is configured and a dispatched finding matches its
// configured severity filter. Delivery failures are logged, never
// propagated: this runs fire-and-forget off the findings callback path.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/packetwatch/anticheat-ingest/internal/models"
)

// otherColor/otherEmoji cover info and any severity outside the four
// named bands.
const otherColor = 0x6B7280
const otherEmoji = "ℹ️"

var severityColor = map[models.Severity]int{
	models.SeverityCritical: 0xDC2626,
	models.SeverityHigh:     0xF97316,
	models.SeverityMedium:   0xEAB308,
	models.SeverityLow:      0x6366F1,
}

var severityEmoji = map[models.Severity]string{
	models.SeverityCritical: "🚨",
	models.SeverityHigh:     "⚠️",
	models.SeverityMedium:   "📢",
	models.SeverityLow:      "📝",
}

func colorFor(s models.Severity) int {
	if c, ok := severityColor[s]; ok {
		return c
	}
	return otherColor
}

func emojiFor(s models.Severity) string {
	if e, ok := severityEmoji[s]; ok {
		return e
	}
	return otherEmoji
}

// Grouped is a batch of findings sharing (detector, severity), summed into
// one webhook line.
type Grouped struct {
	DetectorName string
	Severity     models.Severity
	Occurrences  int
	Title        string
}

// Emitter delivers a set of grouped findings to a server's configured
// webhook URL, adapting payload shape for Discord.
type Emitter struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{httpClient: &http.Client{Timeout: 5 * time.Second}, logger: logger}
}

// Send delivers the already-grouped findings to the webhook URL: Discord
// gets one embed-style request covering every group, anything else gets
// one generic finding envelope per group. Never returns an error: all
// failures are logged.
func (e *Emitter) Send(ctx context.Context, webhookURL, serverID string, groups []Grouped) {
	if webhookURL == "" || len(groups) == 0 {
		return
	}

	if isDiscordWebhook(webhookURL) {
		body, err := discordPayload(serverID, groups)
		if err != nil {
			e.logger.Error("webhook payload encode", "server_id", serverID, "error", err)
			return
		}
		e.post(ctx, webhookURL, serverID, body)
		return
	}

	for _, g := range groups {
		body, err := genericPayload(serverID, g)
		if err != nil {
			e.logger.Error("webhook payload encode", "server_id", serverID, "error", err)
			continue
		}
		e.post(ctx, webhookURL, serverID, body)
	}
}

func (e *Emitter) post(ctx context.Context, webhookURL, serverID string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("webhook request build", "server_id", serverID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("webhook delivery failed", "server_id", serverID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		e.logger.Warn("webhook delivery rejected", "server_id", serverID, "status", resp.StatusCode)
	}
}

// isDiscordWebhook matches the two Discord hosts and their webhook path
// prefix.
func isDiscordWebhook(rawURL string) bool {
	return strings.HasPrefix(rawURL, "https://discord.com/api/webhooks/") ||
		strings.HasPrefix(rawURL, "https://discordapp.com/api/webhooks/")
}

func highestSeverity(groups []Grouped) models.Severity {
	top := models.SeverityInfo
	for _, g := range groups {
		if g.Severity.Rank() > top.Rank() {
			top = g.Severity
		}
	}
	return top
}

type discordEmbed struct {
	Title       string            `json:"title"`
	Color       int               `json:"color"`
	Description string            `json:"description"`
	Fields      []discordEmbedField `json:"fields"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func discordPayload(serverID string, groups []Grouped) ([]byte, error) {
	top := highestSeverity(groups)
	embed := discordEmbed{
		Title: fmt.Sprintf("%s Anti-cheat findings on %s", emojiFor(top), serverID),
		Color: colorFor(top),
	}
	for _, g := range groups {
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name:   fmt.Sprintf("%s (%s)", g.DetectorName, g.Severity),
			Value:  fmt.Sprintf("%s x%d", g.Title, g.Occurrences),
			Inline: false,
		})
	}
	return json.Marshal(map[string]any{"embeds": []discordEmbed{embed}})
}

func genericPayload(serverID string, g Grouped) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":      "finding",
		"source":    "anticheat",
		"server_id": serverID,
		"finding": map[string]any{
			"detector_name": g.DetectorName,
			"severity":      g.Severity,
			"title":         g.Title,
			"occurrences":   g.Occurrences,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
