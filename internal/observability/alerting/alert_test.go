package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	xerrors "AgentCron-Chain/internal/errors"
)

type recordingNotifier struct {
	mu      sync.Mutex
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	first := &recordingNotifier{channel: "a"}
	second := &recordingNotifier{channel: "b", err: errors.New("boom")}
	dispatcher := NewFanout(first, nil, second)

	err := dispatcher.Notify(context.Background(), NewEvent(xerrors.CodeStorageFailure, "tick", errors.New("db down")))
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error from channel b, got %v", err)
	}
	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("expected each notifier to receive the event")
	}
	if first.events[0].Message != "db down" || first.events[0].Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event %+v", first.events[0])
	}
	if got := dispatcher.Channels(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("unexpected channels %v", got)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var dispatcher *FanoutDispatcher
	if err := dispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op, got %v", err)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
		headers  []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, event)
		headers = append(headers, r.Header.Get("X-Token"))
		mu.Unlock()
		if event.Stage == "reject" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL,
		WithWebhookHeaders(map[string]string{"X-Token": "secret"}),
		WithWebhookRate(100, 10))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	event := NewEvent(xerrors.CodeExecutorTimeout, "execute", nil)
	event.TaskID = "task-1"
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	event.Stage = "reject"
	if err := notifier.Notify(context.Background(), event); err == nil {
		t.Fatalf("expected error on non-2xx response")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0].TaskID != "task-1" || received[0].Code != xerrors.CodeExecutorTimeout {
		t.Fatalf("unexpected webhook payloads %+v", received)
	}
	if headers[0] != "secret" {
		t.Fatalf("expected custom header, got %q", headers[0])
	}
}

func TestWebhookNotifierRequiresURL(t *testing.T) {
	if _, err := NewWebhookNotifier("  "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
