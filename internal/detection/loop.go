package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ecobin/internal/broadcast"
	"ecobin/internal/logging"
	"ecobin/internal/material"
	"ecobin/internal/services"
	"ecobin/internal/session"
	"ecobin/internal/vision"
)

// progressStep is the minimum progress change announced to subscribers.
const progressStep = 0.1

// Emitter publishes session events.
type Emitter interface {
	Emit(eventType broadcast.EventType, payload any) int
}

// Forwarder queues a message on the outbound telemetry channel.
type Forwarder interface {
	Forward(topic string, payload []byte) bool
}

// RewardApplier applies a pending reward.
type RewardApplier interface {
	Apply(ctx context.Context) (session.Reward, bool, error)
}

// Options configures a Loop.
type Options struct {
	Threshold     float64
	Materials     material.Set
	Interval      time.Duration
	RetryInterval time.Duration
	Topic         string
	Clock         func() time.Time
}

// Loop is the detection debouncer loop.
type Loop struct {
	state   *session.State
	source  vision.Source
	events  Emitter
	relay   Forwarder
	rewards RewardApplier
	logger  *slog.Logger

	threshold float64
	allowed   material.Set
	interval  time.Duration
	retry     time.Duration
	topic     string
	now       func() time.Time

	lastProgress float64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLoop builds a detection loop. relay and rewards may be nil.
func NewLoop(state *session.State, source vision.Source, events Emitter, relay Forwarder, rewards RewardApplier, logger *slog.Logger, opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = 2 * time.Second
	}
	allowed := opts.Materials
	if len(allowed) == 0 {
		allowed = material.NewSet([]string{material.Plastic.String(), material.Aluminum.String()})
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Loop{
		state:     state,
		source:    source,
		events:    events,
		relay:     relay,
		rewards:   rewards,
		logger:    logging.NewComponentLogger(logger, "detection"),
		threshold: opts.Threshold,
		allowed:   allowed,
		interval:  interval,
		retry:     retry,
		topic:     opts.Topic,
		now:       clock,
	}
}

// Start runs the loop in the background until Stop or ctx cancellation.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.New("detection loop already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true

	l.wg.Add(1)
	go l.loop(runCtx)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.running = false
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
}

func (l *Loop) loop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.retry):
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one classification and applies it to the session. The returned
// error is the classifier failure, if any; the session is left unchanged.
// Tick is not safe for concurrent use.
func (l *Loop) Tick(ctx context.Context) error {
	if l.state.Committed() != material.None {
		return nil
	}

	detections, err := l.source.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.state.SetCameraActive(false) {
			logging.WarnWithContext(l.logger, "classifier unavailable", "classifier_unavailable",
				logging.String("kind", services.Kind(err)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the inference sidecar and camera"),
				logging.String(logging.FieldImpact, "materials are not detected until the classifier recovers"),
			)
		}
		return err
	}
	if l.state.SetCameraActive(true) {
		l.logger.Info("classifier available")
	}

	kind, confidence := vision.Best(detections, l.threshold, l.allowed)
	obs := l.state.Observe(l.now(), kind)
	switch {
	case obs.Paused:
		return nil
	case obs.Committed:
		l.commit(ctx, obs, confidence)
	case obs.Started:
		l.lastProgress = 0
		l.emitProgress(obs.Material, 0, true)
	case obs.Cleared:
		l.lastProgress = 0
		l.emitProgress(material.None, 0, false)
	case obs.Material != material.None:
		if obs.Progress-l.lastProgress >= progressStep {
			l.lastProgress = obs.Progress
			l.emitProgress(obs.Material, obs.Progress, true)
		}
	}
	return nil
}

func (l *Loop) commit(ctx context.Context, obs session.Observation, confidence float64) {
	l.lastProgress = 0
	l.logger.Info("material committed",
		logging.String(logging.FieldEventType, "material_committed"),
		logging.Material(obs.Material),
		logging.Float64("confidence", confidence),
	)
	l.emit(broadcast.EventMaterialDetected, broadcast.MaterialDetectedPayload{
		Material: obs.Material,
		Points:   obs.Material.Weight(),
	})
	if l.relay != nil && l.topic != "" {
		if !l.relay.Forward(l.topic, []byte(obs.Material.String())) {
			l.logger.Debug("material not relayed", logging.String("topic", l.topic))
		}
	}

	if obs.RewardReady && l.rewards != nil {
		// Errors are reported by the reward engine itself.
		_, _, _ = l.rewards.Apply(ctx)
		return
	}
	l.emit(broadcast.EventWaitingCredential, broadcast.WaitingCredentialPayload{
		Material: obs.Material,
		Message:  fmt.Sprintf("%s detected, present your card", obs.Material),
	})
}

func (l *Loop) emitProgress(kind material.Kind, progress float64, active bool) {
	l.emit(broadcast.EventDetectionProgress, broadcast.DetectionProgressPayload{
		Material: kind,
		Progress: progress,
		Active:   active,
	})
}

func (l *Loop) emit(eventType broadcast.EventType, payload any) {
	if l.events != nil {
		l.events.Emit(eventType, payload)
	}
}
