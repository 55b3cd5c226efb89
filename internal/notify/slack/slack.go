// Package slack posts alert notifications to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/alert"
)

const (
	maxTextLen  = 3000
	httpTimeout = 5 * time.Second
	footer      = "Threat Detection System"
)

var severityColors = map[alert.Severity]string{
	alert.SeverityLow:      "#36a64f",
	alert.SeverityMedium:   "#ff9900",
	alert.SeverityHigh:     "#ff6600",
	alert.SeverityCritical: "#ff0000",
}

const defaultColor = "#808080"

// Notifier sends alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Name identifies the sink in logs and metrics.
func (n *Notifier) Name() string { return "slack" }

// Send posts an alert to the configured webhook. Only HTTP 200 counts as
// delivered.
func (n *Notifier) Send(ctx context.Context, a *alert.Alert) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(a, n.now()))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "alert sent to slack", "alert_id", a.ID)
	return nil
}

type message struct {
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Color  string  `json:"color"`
	Title  string  `json:"title"`
	Text   string  `json:"text"`
	Fields []field `json:"fields"`
	Footer string  `json:"footer"`
	TS     int64   `json:"ts"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func buildMessage(a *alert.Alert, now time.Time) message {
	color, ok := severityColors[a.Severity]
	if !ok {
		color = defaultColor
	}
	return message{
		Attachments: []attachment{{
			Color: color,
			Title: "\U0001f6a8 Security Alert: " + strings.ToUpper(a.Severity.String()),
			Text:  truncate(a.Description, maxTextLen),
			Fields: []field{
				{Title: "Alert ID", Value: a.ID, Short: true},
				{Title: "Confidence", Value: fmt.Sprintf("%.1f%%", a.Confidence*100), Short: true},
				{Title: "Source", Value: a.Source, Short: true},
				{Title: "Timestamp", Value: a.CreatedAt.UTC().Format(time.RFC3339), Short: true},
			},
			Footer: footer,
			TS:     now.Unix(),
		}},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// back off to a rune boundary
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
