package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"ecobin/internal/broadcast"
	"ecobin/internal/config"
	"ecobin/internal/detection"
	"ecobin/internal/identity"
	"ecobin/internal/logging"
	"ecobin/internal/material"
	"ecobin/internal/notifications"
	"ecobin/internal/reader"
	"ecobin/internal/registry"
	"ecobin/internal/reward"
	"ecobin/internal/services"
	"ecobin/internal/session"
	"ecobin/internal/telemetry"
	"ecobin/internal/vision"
)

// Dependencies overrides the devices the daemon would otherwise build from
// configuration. Every field is optional.
type Dependencies struct {
	Source   vision.Source
	Reader   reader.Reader
	Notifier notifications.Service
}

// Daemon coordinates the session loops and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    registry.Store
	state    *session.State
	hub      *broadcast.Hub
	notifier notifications.Service

	rewards   *reward.Engine
	detector  *detection.Loop
	resolver  *identity.Loop
	telemetry *telemetry.Client
	reader    reader.Reader
	hotplug   *reader.HotplugMonitor
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time
}

// Status represents daemon runtime information.
type Status struct {
	Running            bool             `json:"running"`
	PID                int              `json:"pid"`
	StartedAt          time.Time        `json:"started_at,omitzero"`
	Session            session.Snapshot `json:"session"`
	Broadcast          broadcast.Stats  `json:"broadcast"`
	RegistryBackend    string           `json:"registry_backend"`
	TelemetryEnabled   bool             `json:"telemetry_enabled"`
	ReaderDevice       string           `json:"reader_device,omitempty"`
	ReaderHotplug      bool             `json:"reader_hotplug"`
	ClassifierURL      string           `json:"classifier_url,omitempty"`
	LockFilePath       string           `json:"lock_file"`
	APIBind            string           `json:"api_bind,omitempty"`
	NotificationsReady bool             `json:"notifications_configured"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store registry.Store, logger *slog.Logger, deps Dependencies) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, and logger")
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		state:    session.New(cfg.HoldDuration()),
		hub:      broadcast.NewHub(logger, cfg.Broadcast.SubscriberBuffer, cfg.Broadcast.OutboundBuffer),
		notifier: deps.Notifier,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	if d.notifier == nil {
		d.notifier = notifications.NewService(cfg)
	}
	d.hub.SetMirror(store)

	d.rewards = reward.NewEngine(d.state, store, d.hub, logger,
		reward.WithTimeout(cfg.RegistryTimeout()),
		reward.WithNotifier(d.notifier),
	)

	source := deps.Source
	if source == nil {
		source = newClassifierSource(cfg)
	}
	var relay detection.Forwarder
	if cfg.TelemetryEnabled() {
		d.telemetry = telemetry.New(cfg.Telemetry, logger, telemetry.Handlers{
			Reading:   d.handleReading,
			Malformed: d.handleMalformedTelemetry,
			Status:    d.handleTelemetryStatus,
		})
		d.hub.SetPublisher(d.telemetry)
		relay = d.hub
	}
	d.detector = detection.NewLoop(d.state, source, d.hub, relay, d.rewards, logger, detection.Options{
		Threshold:     cfg.Detection.ConfidenceThreshold,
		Materials:     material.NewSet(cfg.Detection.Materials),
		Interval:      cfg.DetectionInterval(),
		RetryInterval: time.Duration(cfg.Detection.RetryIntervalMillis) * time.Millisecond,
		Topic:         cfg.Telemetry.MaterialTopic,
	})

	d.reader = deps.Reader
	if d.reader == nil {
		d.reader = newCredentialReader(cfg, logger)
	}
	if cfg.Reader.Hotplug {
		d.hotplug = reader.NewHotplugMonitor(cfg.Reader.Device, cfg.Reader.Subsystem, logger, d.handleReaderHotplug)
	}
	d.resolver = identity.NewLoop(d.state, d.reader, store, d.hub, d.rewards, logger, identity.Options{
		Interval:     cfg.ReaderInterval(),
		ErrorBackoff: time.Duration(cfg.Reader.ErrorBackoffMillis) * time.Millisecond,
		Timeout:      cfg.RegistryTimeout(),
	})

	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

func newClassifierSource(cfg *config.Config) vision.Source {
	url := strings.TrimSpace(cfg.Detection.ClassifierURL)
	if url == "" {
		return noClassifier{}
	}
	return vision.NewHTTPSource(url, time.Duration(cfg.Detection.RequestTimeout)*time.Second)
}

func newCredentialReader(cfg *config.Config, logger *slog.Logger) reader.Reader {
	if strings.TrimSpace(cfg.Reader.Device) == "" {
		return reader.Unavailable{}
	}
	window := time.Duration(cfg.Reader.PresenceWindowMillis) * time.Millisecond
	return reader.NewSerialReader(cfg.Reader.Device, cfg.Reader.Baud, window, logger)
}

// noClassifier is the source used when no inference sidecar is configured.
type noClassifier struct{}

func (noClassifier) Next(context.Context) ([]vision.Detection, error) {
	return nil, services.Wrap(services.ErrDeviceUnavailable, "vision", "next", "no classifier configured", nil)
}

// Start acquires the daemon lock and launches the hub, telemetry, and loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another ecobin daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.hub.Run(d.ctx)
	}()

	if d.telemetry != nil {
		if err := d.telemetry.Start(d.ctx); err != nil {
			logging.WarnWithContext(d.logger, "telemetry client failed to start", "telemetry_start_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check telemetry.broker and credentials"),
				logging.String(logging.FieldImpact, "fill readings and material relays are unavailable"),
			)
		}
	}
	if err := d.hotplug.Start(d.ctx); err != nil {
		logging.WarnWithContext(d.logger, "reader hotplug monitor failed to start", "hotplug_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check netlink permissions"),
			logging.String(logging.FieldImpact, "reader replug is detected on the next failed poll instead"),
		)
	}

	if err := d.detector.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start detection loop: %w", err)
	}
	if err := d.resolver.Start(d.ctx); err != nil {
		d.detector.Stop()
		d.abortStart()
		return fmt.Errorf("start identity loop: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.resolver.Stop()
		d.detector.Stop()
		d.abortStart()
		return err
	}

	d.started = time.Now()
	d.running.Store(true)
	d.logger.Info("ecobin daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.Duration("hold", d.state.HoldTime()),
		logging.Bool("telemetry", d.telemetry != nil),
		logging.String("registry", d.cfg.Registry.Backend),
	)
	return nil
}

func (d *Daemon) abortStart() {
	d.hotplug.Stop()
	if d.telemetry != nil {
		d.telemetry.Stop()
	}
	d.cancel()
	d.wg.Wait()
	_ = d.lock.Unlock()
	d.ctx = nil
	d.cancel = nil
}

// Stop halts the loops, releases device handles, disconnects telemetry, and
// releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	d.detector.Stop()
	d.resolver.Stop()
	d.hotplug.Stop()
	if d.telemetry != nil {
		d.telemetry.Stop()
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if err := d.reader.Close(); err != nil {
		d.logger.Warn("failed to close credential reader", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("ecobin daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Hub exposes the broadcast hub.
func (d *Daemon) Hub() *broadcast.Hub {
	return d.hub
}

// Snapshot returns a copy of the session.
func (d *Daemon) Snapshot() session.Snapshot {
	return d.state.Snapshot()
}

// Status returns the current daemon status.
func (d *Daemon) Status(context.Context) Status {
	status := Status{
		Running:            d.running.Load(),
		PID:                os.Getpid(),
		Session:            d.state.Snapshot(),
		Broadcast:          d.hub.Stats(),
		RegistryBackend:    d.cfg.Registry.Backend,
		TelemetryEnabled:   d.telemetry != nil,
		ReaderDevice:       d.cfg.Reader.Device,
		ReaderHotplug:      d.hotplug.Running(),
		ClassifierURL:      d.cfg.Detection.ClassifierURL,
		LockFilePath:       d.lockPath,
		NotificationsReady: strings.TrimSpace(d.cfg.Notifications.NtfyTopic) != "",
	}
	if status.Running {
		status.StartedAt = d.started
	}
	if d.api != nil {
		status.APIBind = d.api.address()
	}
	return status
}

// FindUserByPIN looks a user up by their six digit PIN. A missing user is
// returned as nil without error.
func (d *Daemon) FindUserByPIN(ctx context.Context, pin string) (*registry.User, error) {
	if !registry.ValidPIN(pin) {
		return nil, services.Wrap(services.ErrValidation, "daemon", "find_user", "pin must be exactly 6 digits", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RegistryTimeout())
	defer cancel()
	user, err := d.store.FindUserByPIN(ctx, pin)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "daemon", "find_user", "lookup pin", err)
	}
	return user, nil
}

// StartLinking opens a linking session for userID. The next credential
// presented is bound to that user instead of earning a reward.
func (d *Daemon) StartLinking(ctx context.Context, userID, userName string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return services.Wrap(services.ErrValidation, "daemon", "start_linking", "user id is required", nil)
	}
	lookupCtx, cancel := context.WithTimeout(ctx, d.cfg.RegistryTimeout())
	user, err := d.store.GetUser(lookupCtx, userID)
	cancel()
	if err != nil {
		return services.Wrap(services.ErrPersistence, "daemon", "start_linking", "load user", err)
	}
	if user == nil {
		return services.Wrap(services.ErrNotFound, "daemon", "start_linking", fmt.Sprintf("user %s", userID), nil)
	}
	if strings.TrimSpace(userName) == "" {
		userName = user.Name
	}

	previous, replaced := d.state.BeginLinking(user.ID, userName, time.Now())
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "linking_started"),
		logging.String(logging.FieldUserID, user.ID),
	}
	if replaced {
		attrs = append(attrs, logging.String("replaced_user_id", previous.TargetUserID))
	}
	logging.WithContext(ctx, d.logger).Info("credential linking started", logging.Args(attrs...)...)
	d.hub.Emit(broadcast.EventStatusUpdate, d.state.Snapshot())
	return nil
}

// CancelLinking closes the open linking session. It reports whether one was
// open.
func (d *Daemon) CancelLinking(ctx context.Context) bool {
	closed, ok := d.state.CancelLinking()
	if !ok {
		return false
	}
	logging.WithContext(ctx, d.logger).Info("credential linking cancelled",
		logging.String(logging.FieldEventType, "linking_cancelled"),
		logging.String(logging.FieldUserID, closed.TargetUserID),
	)
	d.hub.Emit(broadcast.EventStatusUpdate, d.state.Snapshot())
	return true
}

// Reset clears the in-progress session and tells every subscriber.
func (d *Daemon) Reset(ctx context.Context) {
	d.state.Reset()
	snap := d.state.Snapshot()
	logging.WithContext(ctx, d.logger).Info("session reset",
		logging.String(logging.FieldEventType, "session_reset"),
		logging.Int64("points_total", snap.Counters.PointsTotal),
	)
	d.hub.Emit(broadcast.EventSystemReset, broadcast.SystemResetPayload{State: snap})
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

func (d *Daemon) backgroundContext() context.Context {
	if d.ctx != nil {
		return d.ctx
	}
	return context.Background()
}

func (d *Daemon) handleReading(r telemetry.Reading) {
	ctx := services.WithSource(d.backgroundContext(), "telemetry")
	d.state.UpdateContainer(r.Level())

	mirrorCtx, cancel := context.WithTimeout(ctx, d.cfg.RegistryTimeout())
	err := d.hub.IngestFill(mirrorCtx, r.Record())
	cancel()
	if err != nil {
		logging.WarnWithContext(d.logger, "container mirror failed", "container_mirror_failed",
			logging.String(logging.FieldTarget, r.Target),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check registry connectivity"),
			logging.String(logging.FieldImpact, "the registry shows a stale fill level"),
		)
	}

	if r.Percent != nil {
		if err := d.notifier.NotifyContainerFull(ctx, r.Target, *r.Percent); err != nil {
			d.logger.Debug("container full notification failed", logging.Error(err))
		}
	}
}

func (d *Daemon) handleMalformedTelemetry(err error) {
	logging.WarnWithContext(d.logger, "dropped malformed telemetry", "telemetry_malformed",
		logging.String("kind", services.Kind(err)),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the fill sensor firmware payload format"),
		logging.String(logging.FieldImpact, "the reading was ignored"),
	)
}

func (d *Daemon) handleTelemetryStatus(connected bool) {
	if !d.state.SetTelemetryConnected(connected) {
		return
	}
	d.hub.Emit(broadcast.EventTelemetryStatus, broadcast.TelemetryStatusPayload{Connected: connected})
	if connected {
		return
	}
	if err := d.notifier.NotifyTelemetryDown(d.backgroundContext(), d.cfg.Telemetry.Broker); err != nil {
		d.logger.Debug("telemetry down notification failed", logging.Error(err))
	}
}

func (d *Daemon) handleReaderHotplug(present bool) {
	if serial, ok := d.reader.(*reader.SerialReader); ok {
		serial.Reset()
	}
	if present {
		return
	}
	if d.state.SetReaderActive(false) {
		d.hub.Emit(broadcast.EventStatusUpdate, d.state.Snapshot())
	}
}
