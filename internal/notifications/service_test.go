package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"ecobin/internal/config"
	"ecobin/internal/notifications"
)

type captured struct {
	title    string
	tags     string
	priority string
	body     string
}

type ntfyRecorder struct {
	mu       sync.Mutex
	requests []captured
}

func (r *ntfyRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", req.Method)
		}
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, captured{
			title:    req.Header.Get("Title"),
			tags:     req.Header.Get("Tags"),
			priority: req.Header.Get("Priority"),
			body:     string(body),
		})
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (r *ntfyRecorder) all() []captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]captured(nil), r.requests...)
}

func newService(t *testing.T, mutate func(*config.Config)) (notifications.Service, *ntfyRecorder) {
	t.Helper()
	rec := &ntfyRecorder{}
	server := httptest.NewServer(rec.handler(t))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	if mutate != nil {
		mutate(&cfg)
	}
	return notifications.NewService(&cfg), rec
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.NotifyContainerFull(context.Background(), "plastic", 99); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
	if err := svc.TestNotification(context.Background()); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		send           func(notifications.Service) error
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name: "container full",
			send: func(s notifications.Service) error {
				return s.NotifyContainerFull(context.Background(), "plastic", 93.4)
			},
			expectTitle:    "ecobin - Container Full",
			expectMessage:  "🗑️ Container plastic is 93% full",
			expectTags:     "ecobin,container,full",
			expectPriority: "high",
		},
		{
			name: "error",
			send: func(s notifications.Service) error {
				return s.NotifyError(context.Background(), errors.New("database is locked"), "reward")
			},
			expectTitle:    "ecobin - Error",
			expectMessage:  "❌ Error with reward: database is locked",
			expectTags:     "ecobin,error,alert",
			expectPriority: "high",
		},
		{
			name: "telemetry down",
			send: func(s notifications.Service) error {
				return s.NotifyTelemetryDown(context.Background(), "ssl://broker:8883")
			},
			expectTitle:   "ecobin - Broker Offline",
			expectMessage: "📡 Lost connection to ssl://broker:8883",
			expectTags:    "ecobin,mqtt,offline",
		},
		{
			name: "test",
			send: func(s notifications.Service) error {
				return s.TestNotification(context.Background())
			},
			expectTitle:    "ecobin - Test",
			expectMessage:  "🧪 Notification system test",
			expectTags:     "ecobin,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, rec := newService(t, nil)
			if err := tc.send(svc); err != nil {
				t.Fatalf("send: %v", err)
			}
			got := rec.all()
			if len(got) != 1 {
				t.Fatalf("expected one request, got %d", len(got))
			}
			req := got[0]
			if req.title != tc.expectTitle || req.body != tc.expectMessage || req.tags != tc.expectTags || req.priority != tc.expectPriority {
				t.Fatalf("unexpected request %+v", req)
			}
		})
	}
}

func TestContainerFullDeduplicatesPerTarget(t *testing.T) {
	svc, rec := newService(t, nil)
	ctx := context.Background()

	for _, percent := range []float64{91, 95, 99} {
		if err := svc.NotifyContainerFull(ctx, "plastic", percent); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if err := svc.NotifyContainerFull(ctx, "aluminum", 92); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := len(rec.all()); got != 2 {
		t.Fatalf("expected one alert per target, got %d", got)
	}

	// Emptying the container re-arms the alert.
	if err := svc.NotifyContainerFull(ctx, "plastic", 10); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := svc.NotifyContainerFull(ctx, "plastic", 91); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := len(rec.all()); got != 3 {
		t.Fatalf("expected re-armed alert, got %d requests", got)
	}
}

func TestContainerFullBelowThresholdIsSilent(t *testing.T) {
	svc, rec := newService(t, nil)
	if err := svc.NotifyContainerFull(context.Background(), "plastic", 89.9); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := len(rec.all()); got != 0 {
		t.Fatalf("expected no alert, got %d", got)
	}
}

func TestDisabledCategoriesAreSuppressed(t *testing.T) {
	svc, rec := newService(t, func(cfg *config.Config) {
		cfg.Notifications.ContainerFull = false
		cfg.Notifications.Errors = false
	})
	ctx := context.Background()
	_ = svc.NotifyContainerFull(ctx, "plastic", 100)
	_ = svc.NotifyError(ctx, errors.New("boom"), "reward")
	_ = svc.NotifyTelemetryDown(ctx, "broker")
	if got := len(rec.all()); got != 0 {
		t.Fatalf("expected suppressed notifications, got %d", got)
	}
}

func TestNtfyErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "topic reserved", http.StatusForbidden)
	}))
	defer server.Close()
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	if err := notifications.NewService(&cfg).TestNotification(context.Background()); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
