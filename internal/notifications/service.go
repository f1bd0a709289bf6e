package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ecobin/internal/config"
)

const userAgent = "ecobin/0.1.0"

// Service defines the notification surface exposed to daemon components.
type Service interface {
	NotifyContainerFull(ctx context.Context, target string, percent float64) error
	NotifyTelemetryDown(ctx context.Context, broker string) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	window := time.Duration(cfg.Notifications.DedupWindowSeconds) * time.Second

	return &ntfyService{
		endpoint:      topic,
		client:        &http.Client{Timeout: timeout},
		containerFull: cfg.Notifications.ContainerFull,
		threshold:     cfg.Notifications.ContainerFullPercent,
		errors:        cfg.Notifications.Errors,
		window:        window,
		lastSent:      make(map[string]time.Time),
		now:           time.Now,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint      string
	client        *http.Client
	containerFull bool
	threshold     float64
	errors        bool
	window        time.Duration
	now           func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// allow reports whether a deduplicated alert for key may be sent now and
// records the send when it may.
func (n *ntfyService) allow(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.lastSent[key]; ok && n.window > 0 && now.Sub(last) < n.window {
		return false
	}
	n.lastSent[key] = now
	return true
}

// forget clears the dedup record for key so the next crossing alerts again.
func (n *ntfyService) forget(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.lastSent, key)
}

func (n *ntfyService) NotifyContainerFull(ctx context.Context, target string, percent float64) error {
	if !n.containerFull {
		return nil
	}
	target = strings.TrimSpace(target)
	key := "container:" + target
	if percent < n.threshold {
		n.forget(key)
		return nil
	}
	if !n.allow(key) {
		return nil
	}
	data := payload{
		title:    "ecobin - Container Full",
		message:  fmt.Sprintf("🗑️ Container %s is %.0f%% full", target, percent),
		tags:     []string{"ecobin", "container", "full"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyTelemetryDown(ctx context.Context, broker string) error {
	if !n.errors || !n.allow("telemetry:"+broker) {
		return nil
	}
	data := payload{
		title:   "ecobin - Broker Offline",
		message: fmt.Sprintf("📡 Lost connection to %s", strings.TrimSpace(broker)),
		tags:    []string{"ecobin", "mqtt", "offline"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("❌ Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "ecobin - Error",
		message:  builder.String(),
		tags:     []string{"ecobin", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "ecobin - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"ecobin", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyContainerFull(context.Context, string, float64) error { return nil }
func (noopService) NotifyTelemetryDown(context.Context, string) error          { return nil }
func (noopService) NotifyError(context.Context, error, string) error           { return nil }
func (noopService) TestNotification(context.Context) error                     { return nil }
