package alert

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tradeguard/internal/core"
	"tradeguard/pkg/logging"
)

type mockChannel struct {
	name     string
	sent     []core.Alert
	sendFunc func(ctx context.Context, alert core.Alert) error
	mu       sync.Mutex
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(ctx context.Context, alert core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockChannel) getSent() []core.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]core.Alert, len(m.sent))
	copy(res, m.sent)
	return res
}

func TestManagerDispatch(t *testing.T) {
	m := NewManager(logging.NewNop())

	ch1 := &mockChannel{name: "mock1"}
	ch2 := &mockChannel{name: "mock2"}
	m.AddChannel(ch1)
	m.AddChannel(ch2)

	m.Dispatch(context.Background(), core.Alert{
		Kind:      "drawdown_limit",
		Severity:  core.SeverityHigh,
		Message:   "drawdown over limit",
		Timestamp: time.Now(),
		Values:    map[string]float64{"drawdown": 0.25},
	})

	// Dispatch is async
	time.Sleep(100 * time.Millisecond)

	if len(ch1.getSent()) != 1 {
		t.Errorf("Expected ch1 to receive 1 alert, got %d", len(ch1.getSent()))
	}
	if len(ch2.getSent()) != 1 {
		t.Errorf("Expected ch2 to receive 1 alert, got %d", len(ch2.getSent()))
	}

	got := ch1.getSent()[0]
	if got.Kind != "drawdown_limit" {
		t.Errorf("Expected kind drawdown_limit, got %s", got.Kind)
	}
	if got.Severity != core.SeverityHigh {
		t.Errorf("Expected severity high, got %s", got.Severity)
	}
}

func TestManagerChannelFailureIsolated(t *testing.T) {
	m := NewManager(logging.NewNop())

	failing := &mockChannel{name: "bad", sendFunc: func(context.Context, core.Alert) error {
		return errors.New("unreachable")
	}}
	healthy := &mockChannel{name: "good"}
	m.AddChannel(failing)
	m.AddChannel(healthy)

	m.Dispatch(context.Background(), core.Alert{Kind: "var_limit", Severity: core.SeverityMedium})
	time.Sleep(100 * time.Millisecond)

	if len(healthy.getSent()) != 1 {
		t.Errorf("Healthy channel should still receive the alert, got %d", len(healthy.getSent()))
	}
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), core.Alert{
		Kind:      "leverage_limit",
		Severity:  core.SeverityCritical,
		Message:   "leverage over limit",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("Expected JSON content type, got %q", gotContentType)
	}
}

func TestWebhookChannelEmptyURLNoOp(t *testing.T) {
	ch := NewWebhookChannel("")
	if err := ch.Send(context.Background(), core.Alert{}); err != nil {
		t.Errorf("Empty URL should be a no-op, got %v", err)
	}
}
