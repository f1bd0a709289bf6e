package detection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ecobin/internal/broadcast"
	"ecobin/internal/detection"
	"ecobin/internal/logging"
	"ecobin/internal/material"
	"ecobin/internal/services"
	"ecobin/internal/session"
	"ecobin/internal/testsupport"
	"ecobin/internal/vision"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// labelSource returns one configured label per call.
type labelSource struct {
	mu    sync.Mutex
	label string
	conf  float64
	err   error
	calls int
}

func (s *labelSource) set(label string, conf float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label, s.conf, s.err = label, conf, nil
}

func (s *labelSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *labelSource) Next(context.Context) ([]vision.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.label == "" {
		return nil, nil
	}
	return []vision.Detection{{Label: s.label, Confidence: s.conf}}, nil
}

type relayRecorder struct {
	messages []string
}

func (r *relayRecorder) Forward(topic string, payload []byte) bool {
	r.messages = append(r.messages, topic+"="+string(payload))
	return true
}

type rewardRecorder struct {
	calls int
}

func (r *rewardRecorder) Apply(context.Context) (session.Reward, bool, error) {
	r.calls++
	return session.Reward{}, true, nil
}

type harness struct {
	state   *session.State
	source  *labelSource
	clock   *fakeClock
	events  *testsupport.EventRecorder
	relay   *relayRecorder
	rewards *rewardRecorder
	loop    *detection.Loop
}

func newHarness() *harness {
	h := &harness{
		state:   session.New(5 * time.Second),
		source:  &labelSource{},
		clock:   &fakeClock{now: epoch},
		events:  &testsupport.EventRecorder{},
		relay:   &relayRecorder{},
		rewards: &rewardRecorder{},
	}
	h.loop = detection.NewLoop(h.state, h.source, h.events, h.relay, h.rewards, logging.NewNop(), detection.Options{
		Threshold: 0.5,
		Materials: material.NewSet([]string{"plastic", "aluminum"}),
		Topic:     "material/detectado",
		Clock:     h.clock.Now,
	})
	return h
}

// run ticks every step for the given duration.
func (h *harness) run(t *testing.T, duration, step time.Duration) {
	t.Helper()
	for elapsed := time.Duration(0); elapsed <= duration; elapsed += step {
		if err := h.loop.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		h.clock.Advance(step)
	}
}

func TestHoldCommitsOnceAndRelays(t *testing.T) {
	h := newHarness()
	h.source.set("plastico", 0.9)
	h.run(t, 6*time.Second, 100*time.Millisecond)

	if got := h.state.Committed(); got != material.Plastic {
		t.Fatalf("expected plastic committed, got %q", got)
	}
	if n := h.events.Count(broadcast.EventMaterialDetected); n != 1 {
		t.Fatalf("expected one material_detected, got %d", n)
	}
	if len(h.relay.messages) != 1 || h.relay.messages[0] != "material/detectado=plastic" {
		t.Fatalf("unexpected relay %v", h.relay.messages)
	}
	if n := h.events.Count(broadcast.EventWaitingCredential); n != 1 {
		t.Fatalf("expected waiting_nfc without a pending user, got %d", n)
	}
	if h.rewards.calls != 0 {
		t.Fatal("reward must not be attempted without a user")
	}
}

func TestShortStreakDoesNotCommit(t *testing.T) {
	h := newHarness()
	h.source.set("aluminum", 0.9)
	h.run(t, 4900*time.Millisecond, 100*time.Millisecond)

	if got := h.state.Committed(); got != material.None {
		t.Fatalf("expected nothing committed, got %q", got)
	}
	snap := h.state.Snapshot()
	if snap.Detection == nil || snap.Detection.Progress < 0.95 || snap.Detection.Progress >= 1 {
		t.Fatalf("unexpected streak %+v", snap.Detection)
	}
}

func TestLabelFlickerRestartsStreak(t *testing.T) {
	h := newHarness()
	h.source.set("plastic", 0.9)
	h.run(t, 3*time.Second, 100*time.Millisecond)
	h.source.set("aluminum", 0.9)
	h.run(t, 3*time.Second, 100*time.Millisecond)

	if got := h.state.Committed(); got != material.None {
		t.Fatalf("flicker must not commit, got %q", got)
	}
	h.run(t, 2*time.Second, 100*time.Millisecond)
	if got := h.state.Committed(); got != material.Aluminum {
		t.Fatalf("expected aluminum after a full hold, got %q", got)
	}
}

func TestLowConfidenceClearsStreak(t *testing.T) {
	h := newHarness()
	h.source.set("plastic", 0.9)
	h.run(t, 2*time.Second, 100*time.Millisecond)
	h.source.set("plastic", 0.2)
	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if snap := h.state.Snapshot(); snap.Detection != nil {
		t.Fatalf("expected streak cleared, got %+v", snap.Detection)
	}
	var payload broadcast.DetectionProgressPayload
	h.events.Last(t, broadcast.EventDetectionProgress, &payload)
	if payload.Active {
		t.Fatalf("expected inactive progress event, got %+v", payload)
	}
}

func TestProgressEventsAreThrottled(t *testing.T) {
	h := newHarness()
	h.source.set("plastic", 0.9)
	h.run(t, 4*time.Second, 100*time.Millisecond)

	// One start event plus one per tenth of progress, not one per tick.
	if n := h.events.Count(broadcast.EventDetectionProgress); n < 5 || n > 10 {
		t.Fatalf("expected throttled progress events, got %d", n)
	}
}

func TestCommitWithWaitingUserAppliesReward(t *testing.T) {
	h := newHarness()
	if _, err := h.state.PresentUser(session.User{ID: "u1", DisplayName: "Ana"}); err != nil {
		t.Fatalf("PresentUser: %v", err)
	}
	h.source.set("aluminum", 0.8)
	h.run(t, 5*time.Second, 100*time.Millisecond)

	if h.rewards.calls != 1 {
		t.Fatalf("expected one reward attempt, got %d", h.rewards.calls)
	}
	if n := h.events.Count(broadcast.EventWaitingCredential); n != 0 {
		t.Fatalf("waiting_nfc should not be sent when a user is pending, got %d", n)
	}
}

func TestPausedWhileCommitted(t *testing.T) {
	h := newHarness()
	h.source.set("plastic", 0.9)
	h.run(t, 5*time.Second, 100*time.Millisecond)
	calls := h.source.calls

	h.source.set("aluminum", 0.9)
	h.run(t, 10*time.Second, 100*time.Millisecond)
	if h.source.calls != calls {
		t.Fatalf("classifier polled while paused: %d -> %d", calls, h.source.calls)
	}
	if n := h.events.Count(broadcast.EventMaterialDetected); n != 1 {
		t.Fatalf("expected a single commit, got %d", n)
	}

	h.state.Reset()
	h.run(t, 5*time.Second, 100*time.Millisecond)
	if got := h.state.Committed(); got != material.Aluminum {
		t.Fatalf("expected detection to resume after reset, got %q", got)
	}
}

func TestClassifierFailureMarksCameraInactive(t *testing.T) {
	h := newHarness()
	h.source.fail(services.Wrap(services.ErrDeviceUnavailable, "vision", "next", "sidecar down", nil))

	err := h.loop.Tick(context.Background())
	if !errors.Is(err, services.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
	if h.state.Snapshot().Devices.CameraActive {
		t.Fatal("camera should be inactive")
	}

	h.source.set("plastic", 0.9)
	if err := h.loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !h.state.Snapshot().Devices.CameraActive {
		t.Fatal("camera should recover")
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness()
	h.source.set("plastic", 0.9)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.loop.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.events.Count(broadcast.EventDetectionProgress) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop did not tick")
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.loop.Stop()
	h.loop.Stop()
}
