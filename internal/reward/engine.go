package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ecobin/internal/broadcast"
	"ecobin/internal/logging"
	"ecobin/internal/registry"
	"ecobin/internal/services"
	"ecobin/internal/session"
)

const defaultWriteTimeout = 3 * time.Second

// Emitter publishes session events.
type Emitter interface {
	Emit(eventType broadcast.EventType, payload any) int
}

// ErrorNotifier alerts an operator about failed rewards.
type ErrorNotifier interface {
	NotifyError(ctx context.Context, err error, context string) error
}

// Engine is the reward transaction engine.
type Engine struct {
	state    *session.State
	registry registry.Registry
	events   Emitter
	notifier ErrorNotifier
	logger   *slog.Logger

	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

// Option customizes the engine.
type Option func(*Engine)

// WithTimeout bounds each registry round-trip.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithClock overrides the clock used to stamp rewards.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithNotifier installs an operator notifier for persistence failures.
func WithNotifier(notifier ErrorNotifier) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// NewEngine builds an engine over the shared session state.
func NewEngine(state *session.State, reg registry.Registry, events Emitter, logger *slog.Logger, opts ...Option) *Engine {
	engine := &Engine{
		state:    state,
		registry: reg,
		events:   events,
		logger:   logging.NewComponentLogger(logger, "reward"),
		timeout:  defaultWriteTimeout,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Apply credits the pending user for the committed material. It reports
// applied=false with a nil error when there is nothing to reward or another
// reward is already in flight. On error the claim has been aborted.
func (e *Engine) Apply(ctx context.Context) (session.Reward, bool, error) {
	claim, ok := e.state.ClaimReward()
	if !ok {
		return session.Reward{}, false, nil
	}

	logger := e.logger.With(
		logging.Material(claim.Material),
		logging.String(logging.FieldUserID, claim.User.ID),
	)

	points := claim.Material.Weight()
	before, after, err := e.persist(ctx, claim.User.ID, points)
	if err != nil {
		e.abort(ctx, logger, claim, err)
		return session.Reward{}, false, err
	}

	transactionID := e.newID()
	reward := e.state.CompleteReward(claim, transactionID, before, after, e.now().UTC())
	logger.Info("reward applied",
		logging.String(logging.FieldEventType, "reward_applied"),
		logging.String(logging.FieldTransactionID, transactionID),
		logging.Int64("points_gained", reward.PointsGained),
		logging.Int64("points_after", reward.PointsAfter),
	)
	if e.events != nil {
		e.events.Emit(broadcast.EventMaterialProcessed, broadcast.MaterialProcessedPayload{
			TransactionID: transactionID,
			Material:      reward.Material,
			Points:        reward.PointsGained,
			User:          reward,
		})
	}
	return reward, true, nil
}

// persist reads the current balance and writes balance+points. The balance
// is re-read rather than taken from the resolved snapshot so concurrent
// writers from other bins are not overwritten with a stale value.
func (e *Engine) persist(ctx context.Context, userID string, points int64) (int64, int64, error) {
	writeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	user, err := e.registry.GetUser(writeCtx, userID)
	if err != nil {
		return 0, 0, classify(err, "read balance")
	}
	if user == nil {
		return 0, 0, services.Wrap(services.ErrCredentialUnknown, "reward", "read balance",
			fmt.Sprintf("user %s no longer exists", userID), nil)
	}
	before := user.Points
	after := before + points
	if err := e.registry.UpdatePoints(writeCtx, userID, after); err != nil {
		return 0, 0, classify(err, "update points")
	}
	return before, after, nil
}

func (e *Engine) abort(ctx context.Context, logger *slog.Logger, claim session.Claim, err error) {
	e.state.AbortReward(claim)
	kind := services.Kind(err)
	logging.ErrorWithContext(logger, "reward aborted", "reward_aborted",
		logging.String("kind", kind),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check registry connectivity; present the card again to retry"),
	)
	if e.events != nil {
		e.events.Emit(broadcast.EventRewardError, broadcast.RewardErrorPayload{
			Material: claim.Material,
			UserID:   claim.User.ID,
			Kind:     kind,
			Message:  "points could not be saved, present the card again",
		})
	}
	if e.notifier != nil {
		if notifyErr := e.notifier.NotifyError(ctx, err, "reward"); notifyErr != nil {
			logger.Debug("reward failure notification failed", logging.Error(notifyErr))
		}
	}
}

func classify(err error, operation string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, "reward", operation, "registry did not answer in time", err)
	case errors.Is(err, services.ErrNotFound):
		return services.Wrap(services.ErrCredentialUnknown, "reward", operation, "user no longer exists", err)
	case errors.Is(err, services.ErrPersistence), errors.Is(err, services.ErrTimeout):
		return err
	default:
		return services.Wrap(services.ErrPersistence, "reward", operation, "registry write failed", err)
	}
}
