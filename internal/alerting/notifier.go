// Package alerting notifies operators about failed ingestion cycles.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"exploitwatch/internal/ingest"
)

// Notification carries the context of one failed cycle.
type Notification struct {
	CycleID       string
	Status        string
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
	Summary       ingest.Summary
	FailedSources []string
	Channels      []string
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// FromReport builds the notification for rep.
func FromReport(rep ingest.Report, channels []string) Notification {
	note := Notification{
		CycleID:    rep.ID.String(),
		Status:     string(rep.Status),
		Error:      rep.Error,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Summary:    rep.Summary,
		Channels:   channels,
	}
	for _, s := range rep.Sources {
		switch s.Status {
		case ingest.StatusFailed, ingest.StatusTimeout, ingest.StatusCancelled, ingest.StatusSkippedBreakerOpen:
			note.FailedSources = append(note.FailedSources, fmt.Sprintf("%s (%s)", s.Source, s.Status))
		}
	}
	return note
}

// Dispatcher forwards failed-cycle notifications, at most one per cooldown.
type Dispatcher struct {
	notifier Notifier
	cooldown time.Duration
	channels []string
	logger   zerolog.Logger
	nowFunc  func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewDispatcher wraps notifier with a cooldown.
func NewDispatcher(notifier Notifier, cooldown time.Duration, channels []string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		cooldown: cooldown,
		channels: channels,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
		nowFunc:  time.Now,
	}
}

// CycleFinished alerts when rep describes a failed cycle. It reports
// whether a notification was sent.
func (d *Dispatcher) CycleFinished(ctx context.Context, rep ingest.Report) (bool, error) {
	if d == nil || d.notifier == nil || rep.Status != ingest.CycleFailed {
		return false, nil
	}

	d.mu.Lock()
	now := d.nowFunc()
	if !d.last.IsZero() && d.cooldown > 0 && now.Sub(d.last) < d.cooldown {
		d.mu.Unlock()
		d.logger.Debug().Str("cycle_id", rep.ID.String()).Msg("alert suppressed by cooldown")
		return false, nil
	}
	d.last = now
	d.mu.Unlock()

	if err := d.notifier.Notify(ctx, FromReport(rep, d.channels)); err != nil {
		return false, err
	}
	return true, nil
}

// TelegramNotifier sends alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs the Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram ok=false: %s", result.Description)
	}

	n.logger.Info().Str("cycle_id", note.CycleID).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	b.WriteString("[exploitwatch] ingestion cycle failed\n")
	fmt.Fprintf(&b, "Cycle: %s\n", note.CycleID)
	fmt.Fprintf(&b, "Started: %s UTC\n", note.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %s\n", note.FinishedAt.Sub(note.StartedAt).Round(time.Millisecond))
	if note.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", note.Error)
	}
	fmt.Fprintf(&b, "Sources: %d ok, %d failed, %d breaker open\n",
		note.Summary.Succeeded, note.Summary.Failed, note.Summary.SkippedBreakerOpen)
	if len(note.FailedSources) > 0 {
		fmt.Fprintf(&b, "Unhealthy: %s\n", strings.Join(note.FailedSources, ", "))
	}
	if len(note.Channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(note.Channels, ","))
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
