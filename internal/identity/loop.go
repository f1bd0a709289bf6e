package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ecobin/internal/broadcast"
	"ecobin/internal/logging"
	"ecobin/internal/registry"
	"ecobin/internal/services"
	"ecobin/internal/session"
)

// CredentialReader reports the UID of the card currently on the reader, or
// "" when none is present.
type CredentialReader interface {
	ReadUID(ctx context.Context) (string, error)
}

// Emitter publishes session events.
type Emitter interface {
	Emit(eventType broadcast.EventType, payload any) int
}

// RewardApplier applies a pending reward.
type RewardApplier interface {
	Apply(ctx context.Context) (session.Reward, bool, error)
}

// Options configures a Loop.
type Options struct {
	Interval     time.Duration
	ErrorBackoff time.Duration
	Timeout      time.Duration
}

// Loop is the identity resolution loop.
type Loop struct {
	state    *session.State
	reader   CredentialReader
	registry registry.Registry
	events   Emitter
	rewards  RewardApplier
	logger   *slog.Logger

	interval time.Duration
	backoff  time.Duration
	timeout  time.Duration

	lastUID    string
	seenAborts uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLoop builds an identity loop. rewards may be nil.
func NewLoop(state *session.State, reader CredentialReader, reg registry.Registry, events Emitter, rewards RewardApplier, logger *slog.Logger, opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	backoff := opts.ErrorBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Loop{
		state:    state,
		reader:   reader,
		registry: reg,
		events:   events,
		rewards:  rewards,
		logger:   logging.NewComponentLogger(logger, "identity"),
		interval: interval,
		backoff:  backoff,
		timeout:  timeout,
	}
}

// Start runs the loop in the background until Stop or ctx cancellation.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.New("identity loop already running")
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
			case <-time.After(l.backoff):
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick polls the reader once and handles a newly presented credential. The
// returned error is the reader failure, if any. Tick is not safe for
// concurrent use.
func (l *Loop) Tick(ctx context.Context) error {
	uid, err := l.reader.ReadUID(ctx)
	if err != nil {
		l.lastUID = ""
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.state.SetReaderActive(false) {
			logging.WarnWithContext(l.logger, "credential reader unavailable", "reader_unavailable",
				logging.String("kind", services.Kind(err)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the reader cable and device path"),
				logging.String(logging.FieldImpact, "cards are not read until the reader recovers"),
			)
		}
		return err
	}
	if l.state.SetReaderActive(true) {
		l.logger.Info("credential reader available")
	}

	uid = registry.NormalizeCredential(uid)
	if uid == "" {
		l.lastUID = ""
		return nil
	}
	// A reward started by the detection loop may have failed for the card
	// that is still held.
	if aborts, card := l.state.LastAbort(); aborts != l.seenAborts {
		l.seenAborts = aborts
		if card == l.lastUID {
			l.lastUID = ""
		}
	}
	if uid == l.lastUID {
		return nil
	}

	if l.handle(ctx, uid) {
		l.lastUID = uid
	} else {
		l.lastUID = ""
	}
	return nil
}

// handle processes one credential transition and reports whether it was
// fully handled. Unhandled transitions are retried while the card is held.
func (l *Loop) handle(ctx context.Context, uid string) bool {
	if linking, ok := l.state.CurrentLinking(); ok {
		return l.link(ctx, uid, linking)
	}
	return l.resolve(ctx, uid)
}

func (l *Loop) link(ctx context.Context, uid string, linking session.Linking) bool {
	logger := l.logger.With(
		logging.Credential(uid),
		logging.String(logging.FieldUserID, linking.TargetUserID),
	)

	linkCtx, cancel := context.WithTimeout(ctx, l.timeout)
	result, err := registry.Link(linkCtx, l.registry, uid, linking.TargetUserID)
	cancel()
	switch {
	case errors.Is(err, services.ErrCredentialConflict):
		logging.WarnWithContext(logger, "credential already linked to another user", "credential_conflict",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "unlink the card from its current owner first"),
			logging.String(logging.FieldImpact, "linking stays open for another card"),
		)
		l.emit(broadcast.EventLinkError, broadcast.LinkErrorPayload{
			Message: "card already linked to another user",
			Kind:    services.Kind(err),
		})
		return true
	case err != nil:
		logging.ErrorWithContext(logger, "credential link failed", "credential_link_failed",
			logging.String("kind", services.Kind(err)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check registry connectivity"),
		)
		l.emit(broadcast.EventLinkError, broadcast.LinkErrorPayload{
			Message: "card could not be linked",
			Kind:    services.Kind(err),
		})
		return false
	}

	if !l.state.FinishLinking(linking.TargetUserID) {
		logger.Info("linking session closed while the bind was in flight")
	}
	logger.Info("credential linked",
		logging.String(logging.FieldEventType, "credential_linked"),
		logging.String("previous_credential", result.Previous),
	)
	l.emit(broadcast.EventLinkSuccess, broadcast.LinkSuccessPayload{
		UserID:       result.UserID,
		UserName:     linking.TargetUserName,
		CredentialID: result.CredentialID,
	})
	return true
}

func (l *Loop) resolve(ctx context.Context, uid string) bool {
	logger := l.logger.With(logging.Credential(uid))

	resolveCtx, cancel := context.WithTimeout(ctx, l.timeout)
	user, err := registry.Resolve(resolveCtx, l.registry, uid)
	cancel()
	switch {
	case errors.Is(err, services.ErrCredentialUnknown):
		logger.Info("card not registered", logging.String(logging.FieldEventType, "credential_unknown"))
		l.emit(broadcast.EventCredentialError, broadcast.CredentialErrorPayload{
			Message:    "card not registered",
			Kind:       services.Kind(err),
			Credential: uid,
		})
		return true
	case err != nil:
		logging.ErrorWithContext(logger, "credential lookup failed", "credential_lookup_failed",
			logging.String("kind", services.Kind(err)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check registry connectivity"),
		)
		l.emit(broadcast.EventCredentialError, broadcast.CredentialErrorPayload{
			Message: "card could not be checked, try again",
			Kind:    services.Kind(err),
		})
		return false
	}

	presentation, err := l.state.PresentUser(session.User{
		ID:           user.ID,
		DisplayName:  user.Name,
		PointsBefore: user.Points,
		CredentialID: uid,
	})
	if errors.Is(err, session.ErrLinkingActive) {
		// A linking session opened after the branch was chosen.
		if linking, ok := l.state.CurrentLinking(); ok {
			return l.link(ctx, uid, linking)
		}
		return false
	}

	logger = logger.With(logging.String(logging.FieldUserID, user.ID))
	logger.Info("user identified",
		logging.String(logging.FieldEventType, "user_identified"),
		logging.Bool("replaced", presentation.Replaced),
		logging.Material(presentation.Committed),
	)
	if !presentation.RewardReady {
		l.emit(broadcast.EventUserIdentified, broadcast.UserIdentifiedPayload{
			UserID: user.ID,
			Name:   user.Name,
			Points: user.Points,
		})
		return true
	}
	if l.rewards == nil {
		return true
	}
	if _, _, err := l.rewards.Apply(ctx); err != nil {
		return false
	}
	return true
}

func (l *Loop) emit(eventType broadcast.EventType, payload any) {
	if l.events != nil {
		l.events.Emit(eventType, payload)
	}
}
