package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/zsprackett/flowsight-relay/internal/config"
	"github.com/zsprackett/flowsight-relay/internal/events"
)

// Notifier forwards health alerts to operators outside the dashboard.
type Notifier struct {
	cfg    config.NotificationsConfig
	client *http.Client
	logger *slog.Logger
}

func New(cfg config.NotificationsConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Notify sends e to every configured sink. Only health alerts are sent.
// Delivery failures are logged and never returned.
func (n *Notifier) Notify(ctx context.Context, e events.Event) {
	if n == nil || !n.cfg.Enabled || e.Kind != events.KindHealthAlert {
		return
	}
	if n.cfg.Webhook != "" {
		n.post(ctx, "webhook", n.cfg.Webhook, webhookPayload{
			Type:      e.Type,
			Severity:  string(e.Severity),
			Message:   e.Message,
			Statuses:  e.Statuses,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	if n.cfg.NtfyURL != "" {
		n.post(ctx, "ntfy", n.cfg.NtfyURL, ntfyPayload{
			Title:    alertTitle(e),
			Message:  e.Message,
			Priority: ntfyPriority(e.Severity),
			Tags:     []string{ntfyTag(e.Severity)},
		})
	}
	if n.cfg.DiscordWebhook != "" {
		n.post(ctx, "discord", n.cfg.DiscordWebhook, discordPayload(e))
	}
}

type webhookPayload struct {
	Type      string                   `json:"type"`
	Severity  string                   `json:"severity"`
	Message   string                   `json:"message"`
	Statuses  map[string]events.Status `json:"statuses,omitempty"`
	Timestamp string                   `json:"timestamp"`
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func ntfyPriority(s events.Severity) int {
	switch s {
	case events.SeverityCritical:
		return 5
	case events.SeverityWarning:
		return 4
	}
	return 3
}

func ntfyTag(s events.Severity) string {
	switch s {
	case events.SeverityCritical:
		return "rotating_light"
	case events.SeverityWarning:
		return "warning"
	}
	return "white_check_mark"
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordWebhook struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

func discordPayload(e events.Event) discordWebhook {
	color := 0x2ECC71 // green
	switch e.Severity {
	case events.SeverityCritical:
		color = 0xE74C3C
	case events.SeverityWarning:
		color = 0xF1C40F
	}
	embed := discordEmbed{
		Title:       alertTitle(e),
		Description: e.Message,
		Color:       color,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339),
		Footer:      &discordFooter{Text: "flowsight-relay"},
	}
	for _, name := range slices.Sorted(maps.Keys(e.Statuses)) {
		embed.Fields = append(embed.Fields, discordField{Name: name, Value: string(e.Statuses[name]), Inline: true})
	}
	return discordWebhook{Username: "FlowSight Health", Embeds: []discordEmbed{embed}}
}

func alertTitle(e events.Event) string {
	switch e.Severity {
	case events.SeverityCritical:
		return "FlowSight: health probe failed"
	case events.SeverityRecovered:
		return "FlowSight: integrations recovered"
	}
	return fmt.Sprintf("FlowSight: %d integration(s) degraded", countErrors(e.Statuses))
}

func countErrors(statuses map[string]events.Status) int {
	n := 0
	for _, s := range statuses {
		if s == events.StatusError {
			n++
		}
	}
	return n
}

func (n *Notifier) post(ctx context.Context, sink, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("notify: marshal failed", "sink", sink, "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		n.logger.Warn("notify: bad request", "sink", sink, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notify: "+sink+" POST failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.logger.Warn("notify: "+sink+" rejected alert", "status", resp.StatusCode)
	}
}
