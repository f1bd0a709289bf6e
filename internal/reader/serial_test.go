package reader_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"ecobin/internal/reader"
	"ecobin/internal/services"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pipeDevice struct {
	mu      sync.Mutex
	opens   int
	writers []*io.PipeWriter
	fail    error
}

func (d *pipeDevice) open(device string, baud int) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	r, w := io.Pipe()
	d.opens++
	d.writers = append(d.writers, w)
	return r, nil
}

func (d *pipeDevice) writer(t *testing.T) *io.PipeWriter {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.writers) == 0 {
		t.Fatal("device was never opened")
	}
	return d.writers[len(d.writers)-1]
}

func (d *pipeDevice) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func waitForUID(t *testing.T, r *reader.SerialReader, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		uid, err := r.ReadUID(context.Background())
		if err != nil {
			t.Fatalf("ReadUID: %v", err)
		}
		if uid == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for uid %q", want)
}

func TestSerialReaderReportsUIDWithinWindow(t *testing.T) {
	dev := &pipeDevice{}
	clock := newFakeClock()
	r := reader.NewSerialReader("/dev/ttyFAKE", 9600, time.Second, nil,
		reader.WithOpenFunc(dev.open), reader.WithClock(clock.Now))
	defer r.Close()

	uid, err := r.ReadUID(context.Background())
	if err != nil || uid != "" {
		t.Fatalf("expected empty first poll, got %q, %v", uid, err)
	}

	w := dev.writer(t)
	go func() { _, _ = io.WriteString(w, "PN532 ready\nUID: 04 A1 B2 C3\n") }()
	waitForUID(t, r, "04A1B2C3")

	clock.Advance(900 * time.Millisecond)
	if uid, _ := r.ReadUID(context.Background()); uid != "04A1B2C3" {
		t.Fatalf("expected card still present inside window, got %q", uid)
	}

	clock.Advance(200 * time.Millisecond)
	if uid, _ := r.ReadUID(context.Background()); uid != "" {
		t.Fatalf("expected card gone after window, got %q", uid)
	}
	if dev.openCount() != 1 {
		t.Fatalf("expected one open, got %d", dev.openCount())
	}
}

func TestSerialReaderOpenFailure(t *testing.T) {
	dev := &pipeDevice{fail: errors.New("no such device")}
	r := reader.NewSerialReader("/dev/ttyFAKE", 9600, time.Second, nil, reader.WithOpenFunc(dev.open))
	defer r.Close()

	_, err := r.ReadUID(context.Background())
	if !errors.Is(err, services.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestSerialReaderReopensAfterReadError(t *testing.T) {
	dev := &pipeDevice{}
	r := reader.NewSerialReader("/dev/ttyFAKE", 9600, time.Second, nil, reader.WithOpenFunc(dev.open))
	defer r.Close()

	if _, err := r.ReadUID(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	_ = dev.writer(t).CloseWithError(errors.New("unplugged"))

	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if _, err = r.ReadUID(context.Background()); err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(err, services.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable after read error, got %v", err)
	}

	if _, err := r.ReadUID(context.Background()); err != nil {
		t.Fatalf("expected reopen to succeed, got %v", err)
	}
	if dev.openCount() != 2 {
		t.Fatalf("expected device reopened, got %d opens", dev.openCount())
	}
}

func TestSerialReaderResetForgetsCard(t *testing.T) {
	dev := &pipeDevice{}
	r := reader.NewSerialReader("/dev/ttyFAKE", 9600, time.Minute, nil, reader.WithOpenFunc(dev.open))
	defer r.Close()

	if _, err := r.ReadUID(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	w := dev.writer(t)
	go func() { _, _ = io.WriteString(w, "04A1B2C3\n") }()
	waitForUID(t, r, "04A1B2C3")

	r.Reset()
	uid, err := r.ReadUID(context.Background())
	if err != nil {
		t.Fatalf("poll after reset: %v", err)
	}
	if uid != "" {
		t.Fatalf("expected no card after reset, got %q", uid)
	}
	if dev.openCount() != 2 {
		t.Fatalf("expected reopen after reset, got %d opens", dev.openCount())
	}
}

func TestSerialReaderClose(t *testing.T) {
	dev := &pipeDevice{}
	r := reader.NewSerialReader("/dev/ttyFAKE", 9600, time.Second, nil, reader.WithOpenFunc(dev.open))

	if _, err := r.ReadUID(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := r.ReadUID(context.Background()); !errors.Is(err, services.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable after close, got %v", err)
	}
}

func TestSerialReaderHonoursContext(t *testing.T) {
	dev := &pipeDevice{}
	r := reader.NewSerialReader("/dev/ttyFAKE", 9600, time.Second, nil, reader.WithOpenFunc(dev.open))
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReadUID(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if dev.openCount() != 0 {
		t.Fatalf("expected no open on cancelled context, got %d", dev.openCount())
	}
}
