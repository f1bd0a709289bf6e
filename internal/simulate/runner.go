package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ecobin/internal/broadcast"
	"ecobin/internal/detection"
	"ecobin/internal/identity"
	"ecobin/internal/logging"
	"ecobin/internal/material"
	"ecobin/internal/registry"
	"ecobin/internal/reward"
	"ecobin/internal/services"
	"ecobin/internal/session"
	"ecobin/internal/vision"
)

const materialTopic = "ecobin/material"

// Options configures a run.
type Options struct {
	// Dir holds the scratch registry. A temporary directory is used when empty.
	Dir    string
	Logger *slog.Logger
}

// TraceEntry is one event emitted during the run.
type TraceEntry struct {
	AtMillis int64               `json:"at_ms"`
	Type     broadcast.EventType `json:"type"`
	Payload  json.RawMessage     `json:"payload,omitempty"`
}

// Result is the outcome of a run.
type Result struct {
	Scenario  string           `json:"scenario"`
	Trace     []TraceEntry     `json:"trace"`
	Forwarded []string         `json:"forwarded,omitempty"`
	Errors    []string         `json:"errors,omitempty"`
	Balances  map[string]int64 `json:"balances"`
	Snapshot  session.Snapshot `json:"snapshot"`
	Failures  []string         `json:"failures,omitempty"`
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool {
	return len(r.Failures) == 0
}

// Count returns how many events of eventType were emitted.
func (r *Result) Count(eventType broadcast.EventType) int {
	n := 0
	for _, entry := range r.Trace {
		if entry.Type == eventType {
			n++
		}
	}
	return n
}

// Run executes sc and checks its expectations. The returned error covers
// setup failures only; unmet expectations are reported in Result.Failures.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	if sc == nil {
		return nil, errors.New("scenario is required")
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	logger := logging.NewComponentLogger(opts.Logger, "simulate").With(logging.String("scenario", sc.Name))

	dir := opts.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "ecobin-simulate-*")
		if err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}
	dbPath := filepath.Join(dir, "simulate.db")
	if err := os.Remove(dbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clear scratch registry: %w", err)
	}
	sqlite, err := registry.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	defer sqlite.Close()
	store := &faultyStore{SQLiteStore: sqlite}

	users, err := seedUsers(ctx, store, sc.Users)
	if err != nil {
		return nil, err
	}

	clock := newVirtualClock()
	trace := &tracer{clock: clock}
	source := &scriptedSource{}
	card := &scriptedReader{}

	hold := 5 * time.Second
	if sc.HoldMillis > 0 {
		hold = time.Duration(sc.HoldMillis) * time.Millisecond
	}
	state := session.New(hold)

	var txSeq atomic.Int64
	engine := reward.NewEngine(state, store, trace, logger,
		reward.WithClock(clock.Now),
		reward.WithIDGenerator(func() string { return fmt.Sprintf("tx-%04d", txSeq.Add(1)) }),
	)
	detector := detection.NewLoop(state, source, trace, trace, engine, logger, detection.Options{
		Threshold: sc.Threshold,
		Topic:     materialTopic,
		Clock:     clock.Now,
	})
	resolver := identity.NewLoop(state, card, store, trace, engine, logger, identity.Options{})

	for _, step := range sc.expand() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clock.Set(step.AtMillis)

		if step.Action != "" {
			applyAction(step, state, users, source, card, store, trace, clock)
		}
		if step.Label != nil {
			source.Set(*step.Label, step.Confidence)
			if err := detector.Tick(ctx); err != nil {
				trace.recordError(step.AtMillis, "detection", err)
			}
		}
		if step.Card != nil {
			card.Set(*step.Card)
			if err := resolver.Tick(ctx); err != nil {
				trace.recordError(step.AtMillis, "identity", err)
			}
		}
	}

	result := &Result{
		Scenario:  sc.Name,
		Trace:     trace.Entries(),
		Forwarded: trace.Forwarded(),
		Errors:    trace.Errors(),
		Balances:  make(map[string]int64, len(users)),
		Snapshot:  state.Snapshot(),
	}
	for name, id := range users {
		user, err := sqlite.GetUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read balance for %s: %w", name, err)
		}
		if user != nil {
			result.Balances[name] = user.Points
		}
	}
	result.Failures = check(sc.Expect, result)
	logger.Debug("scenario finished",
		logging.Int("events", len(result.Trace)),
		logging.Int("failures", len(result.Failures)),
	)
	return result, nil
}

func seedUsers(ctx context.Context, store *faultyStore, seeds []UserSeed) (map[string]string, error) {
	users := make(map[string]string, len(seeds))
	for _, seed := range seeds {
		name := strings.TrimSpace(seed.Name)
		user, err := store.CreateUser(ctx, registry.User{Name: name, PIN: seed.PIN, Points: seed.Points})
		if err != nil {
			return nil, fmt.Errorf("seed user %s: %w", name, err)
		}
		if uid := registry.NormalizeCredential(seed.Card); uid != "" {
			if _, err := registry.Link(ctx, store, uid, user.ID); err != nil {
				return nil, fmt.Errorf("seed card for %s: %w", name, err)
			}
		}
		users[name] = user.ID
	}
	return users, nil
}

func applyAction(step Step, state *session.State, users map[string]string, source *scriptedSource, card *scriptedReader, store *faultyStore, trace *tracer, clock *virtualClock) {
	switch step.Action {
	case ActionLink:
		name := strings.TrimSpace(step.User)
		state.BeginLinking(users[name], name, clock.Now())
		trace.Emit(broadcast.EventLinkStatus, broadcast.LinkStatusPayload{
			Status:   "waiting",
			Message:  "present the card to link",
			UserID:   users[name],
			UserName: name,
		})
	case ActionCancelLink:
		if _, ok := state.CancelLinking(); ok {
			trace.Emit(broadcast.EventLinkStatus, broadcast.LinkStatusPayload{Status: "cancelled", Message: "linking cancelled"})
		}
	case ActionReset:
		state.Reset()
		trace.Emit(broadcast.EventSystemReset, broadcast.SystemResetPayload{State: state.Snapshot()})
	case ActionCameraDown:
		source.SetFailing(true)
	case ActionCameraUp:
		source.SetFailing(false)
	case ActionReaderDown:
		card.SetFailing(true)
	case ActionReaderUp:
		card.SetFailing(false)
	case ActionFailUpdates:
		store.failUpdates.Store(true)
	case ActionHealUpdates:
		store.failUpdates.Store(false)
	}
}

func check(expect Expect, result *Result) []string {
	var failures []string
	for name, want := range expect.Points {
		if got, ok := result.Balances[name]; !ok || got != want {
			failures = append(failures, fmt.Sprintf("points for %s: got %d, want %d", name, got, want))
		}
	}
	for eventType, want := range expect.Events {
		if got := result.Count(broadcast.EventType(eventType)); got != want {
			failures = append(failures, fmt.Sprintf("%s events: got %d, want %d", eventType, got, want))
		}
	}
	if len(expect.Order) > 0 && !containsInOrder(result.Trace, expect.Order) {
		failures = append(failures, fmt.Sprintf("events not in order %v", expect.Order))
	}
	if expect.Committed != nil {
		want := material.None
		if !isNone(*expect.Committed) {
			want, _ = material.Parse(*expect.Committed)
		}
		if result.Snapshot.Committed != want {
			failures = append(failures, fmt.Sprintf("committed material: got %q, want %q", result.Snapshot.Committed, want))
		}
	}
	if expect.ItemsToday != nil && result.Snapshot.Counters.ItemsToday != *expect.ItemsToday {
		failures = append(failures, fmt.Sprintf("items today: got %d, want %d", result.Snapshot.Counters.ItemsToday, *expect.ItemsToday))
	}
	if expect.Linking != nil && (result.Snapshot.Linking != nil) != *expect.Linking {
		failures = append(failures, fmt.Sprintf("linking open: got %v, want %v", result.Snapshot.Linking != nil, *expect.Linking))
	}
	return failures
}

// containsInOrder reports whether want appears as a subsequence of the trace.
func containsInOrder(trace []TraceEntry, want []string) bool {
	i := 0
	for _, entry := range trace {
		if i < len(want) && string(entry.Type) == want[i] {
			i++
		}
	}
	return i == len(want)
}

type virtualClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

func newVirtualClock() *virtualClock {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	return &virtualClock{start: start, now: start}
}

func (c *virtualClock) Set(atMillis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start.Add(time.Duration(atMillis) * time.Millisecond)
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Millis() int64 {
	return c.Now().Sub(c.start).Milliseconds()
}

// tracer records emitted events and forwarded telemetry against the
// virtual clock.
type tracer struct {
	clock *virtualClock

	mu        sync.Mutex
	entries   []TraceEntry
	forwarded []string
	errs      []string
}

func (t *tracer) Emit(eventType broadcast.EventType, payload any) int {
	evt := broadcast.NewEvent(eventType, payload)
	t.mu.Lock()
	t.entries = append(t.entries, TraceEntry{AtMillis: t.clock.Millis(), Type: evt.Type, Payload: evt.Payload})
	t.mu.Unlock()
	return 1
}

func (t *tracer) Forward(topic string, payload []byte) bool {
	t.mu.Lock()
	t.forwarded = append(t.forwarded, topic+" "+string(payload))
	t.mu.Unlock()
	return true
}

func (t *tracer) recordError(at int64, loop string, err error) {
	t.mu.Lock()
	t.errs = append(t.errs, fmt.Sprintf("%dms %s: %s", at, loop, services.Kind(err)))
	t.mu.Unlock()
}

func (t *tracer) Entries() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEntry(nil), t.entries...)
}

func (t *tracer) Forwarded() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.forwarded...)
}

func (t *tracer) Errors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.errs...)
}

// scriptedSource serves the label set by the current step.
type scriptedSource struct {
	mu         sync.Mutex
	label      string
	confidence float64
	failing    bool
}

func (s *scriptedSource) Set(label string, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isNone(label) {
		s.label = ""
	} else {
		s.label = label
	}
	if confidence <= 0 {
		confidence = 0.9
	}
	s.confidence = confidence
}

func (s *scriptedSource) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *scriptedSource) Next(context.Context) ([]vision.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, services.Wrap(services.ErrDeviceUnavailable, "simulate", "classify", "camera offline", nil)
	}
	if s.label == "" {
		return nil, nil
	}
	return []vision.Detection{{Label: s.label, Confidence: s.confidence}}, nil
}

// scriptedReader reports the card set by the current step.
type scriptedReader struct {
	mu      sync.Mutex
	uid     string
	failing bool
}

func (r *scriptedReader) Set(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isNone(uid) {
		r.uid = ""
		return
	}
	r.uid = uid
}

func (r *scriptedReader) SetFailing(failing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = failing
}

func (r *scriptedReader) ReadUID(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return "", services.Wrap(services.ErrDeviceUnavailable, "simulate", "read", "reader offline", nil)
	}
	return r.uid, nil
}

// faultyStore lets a scenario make balance writes fail.
type faultyStore struct {
	*registry.SQLiteStore
	failUpdates atomic.Bool
}

func (s *faultyStore) UpdatePoints(ctx context.Context, id string, balance int64) error {
	if s.failUpdates.Load() {
		return errors.New("simulated write failure")
	}
	return s.SQLiteStore.UpdatePoints(ctx, id, balance)
}
