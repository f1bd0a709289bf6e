package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"ecobin/internal/broadcast"
	"ecobin/internal/logging"
	"ecobin/internal/telemetry"
	"ecobin/internal/testsupport"
)

type recordingNotifier struct {
	mu            sync.Mutex
	full          []string
	telemetryDown int
}

func (n *recordingNotifier) NotifyContainerFull(_ context.Context, target string, _ float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.full = append(n.full, target)
	return nil
}

func (n *recordingNotifier) NotifyTelemetryDown(context.Context, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.telemetryDown++
	return nil
}

func (n *recordingNotifier) NotifyError(context.Context, error, string) error { return nil }

func (n *recordingNotifier) TestNotification(context.Context) error { return nil }

func TestHandleReadingMirrorsAndNotifies(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	notifier := &recordingNotifier{}
	d, err := New(cfg, store, logging.NewNop(), Dependencies{Source: emptySource{}, Reader: noCard{}, Notifier: notifier})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub := d.hub.Subscribe()
	defer d.hub.Unsubscribe(sub)

	reading, err := telemetry.ParseReading([]byte(`{"target":"bin-1","percent":87,"distance_cm":12.3456}`), time.UnixMilli(1700000000000))
	if err != nil {
		t.Fatalf("ParseReading: %v", err)
	}
	d.handleReading(reading)

	rec, err := store.GetContainer(t.Context(), "bin-1")
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	if rec == nil || rec.Percent == nil || *rec.Percent != 87 {
		t.Fatalf("unexpected mirrored record %+v", rec)
	}
	if rec.UpdatedAt != 1700000000000 {
		t.Fatalf("expected updatedAt from receive time, got %d", rec.UpdatedAt)
	}

	level, ok := d.Snapshot().Containers["bin-1"]
	if !ok || level.Percent == nil || *level.Percent != 87 {
		t.Fatalf("expected container level in snapshot, got %+v", level)
	}

	evt := <-sub.Events()
	if evt.Type != broadcast.EventContainerUpdate {
		t.Fatalf("expected container_update, got %s", evt.Type)
	}
	if len(notifier.full) != 1 || notifier.full[0] != "bin-1" {
		t.Fatalf("expected container full notification, got %v", notifier.full)
	}
}

func TestHandleTelemetryStatusEmitsOnChange(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	notifier := &recordingNotifier{}
	d, err := New(cfg, store, logging.NewNop(), Dependencies{Source: emptySource{}, Reader: noCard{}, Notifier: notifier})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub := d.hub.Subscribe()
	defer d.hub.Unsubscribe(sub)

	d.handleTelemetryStatus(true)
	d.handleTelemetryStatus(true)
	d.handleTelemetryStatus(false)

	if got := len(sub.Events()); got != 2 {
		t.Fatalf("expected 2 mqtt_status events, got %d", got)
	}
	if notifier.telemetryDown != 1 {
		t.Fatalf("expected one telemetry down notification, got %d", notifier.telemetryDown)
	}
	if d.Snapshot().Devices.MQTTConnected {
		t.Fatal("expected mqtt disconnected")
	}
}

func TestHandleReaderHotplugRemoval(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRegistry(t, cfg)
	d, err := New(cfg, store, logging.NewNop(), Dependencies{Source: emptySource{}, Reader: noCard{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.state.SetReaderActive(true)

	d.handleReaderHotplug(false)
	if d.Snapshot().Devices.NFCActive {
		t.Fatal("expected reader marked inactive after removal")
	}
}
