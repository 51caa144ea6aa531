package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"exploitwatch/internal/ingest"
)

func failedReport() ingest.Report {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return ingest.Report{
		ID:         uuid.New(),
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Status:     ingest.CycleFailed,
		Error:      "store unavailable: ping: connection refused",
		Summary:    ingest.Summary{Succeeded: 1, Failed: 2},
		Sources: []ingest.SourceReport{
			{Source: "defillama", Status: ingest.StatusSucceeded},
			{Source: "twitter", Status: ingest.StatusTimeout},
			{Source: "forta", Status: ingest.StatusFailed},
		},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), FromReport(failedReport(), []string{"ops"})); err != nil {
		t.Fatalf("notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "connection refused") || !strings.Contains(text, "twitter (timeout)") {
		t.Fatalf("message should name the error and unhealthy sources: %q", text)
	}
	if strings.Contains(text, "defillama") {
		t.Fatalf("healthy sources should not be listed: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), FromReport(failedReport(), nil))
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("ok=false should fail with the description, got %v", err)
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Notification) error {
	c.calls++
	return c.err
}

func TestDispatcherOnlyAlertsFailedCycles(t *testing.T) {
	n := &countingNotifier{}
	d := NewDispatcher(n, 0, nil, testLogger())

	ok := failedReport()
	ok.Status = ingest.CycleCompleted
	if sent, err := d.CycleFinished(context.Background(), ok); err != nil || sent {
		t.Fatalf("completed cycle should not alert: sent=%v err=%v", sent, err)
	}
	if sent, err := d.CycleFinished(context.Background(), failedReport()); err != nil || !sent {
		t.Fatalf("failed cycle should alert: sent=%v err=%v", sent, err)
	}
	if n.calls != 1 {
		t.Fatalf("expected 1 notification, got %d", n.calls)
	}
}

func TestDispatcherCooldown(t *testing.T) {
	n := &countingNotifier{}
	d := NewDispatcher(n, 10*time.Minute, nil, testLogger())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.nowFunc = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, _ = d.CycleFinished(context.Background(), failedReport())
	}
	if n.calls != 1 {
		t.Fatalf("cooldown should suppress repeats, got %d calls", n.calls)
	}

	now = now.Add(11 * time.Minute)
	if sent, _ := d.CycleFinished(context.Background(), failedReport()); !sent {
		t.Fatal("alert should be sent once the cooldown elapsed")
	}
}

func TestDispatcherPropagatesError(t *testing.T) {
	d := NewDispatcher(&countingNotifier{err: errors.New("boom")}, 0, nil, testLogger())
	if _, err := d.CycleFinished(context.Background(), failedReport()); err == nil {
		t.Fatal("notifier error should propagate")
	}
	var nilDispatcher *Dispatcher
	if sent, err := nilDispatcher.CycleFinished(context.Background(), failedReport()); sent || err != nil {
		t.Fatal("nil dispatcher should be inert")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
