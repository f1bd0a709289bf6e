package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ecobin/internal/config"
	"ecobin/internal/daemon"
	"ecobin/internal/ipc"
	"ecobin/internal/logging"
	"ecobin/internal/notifications"
	"ecobin/internal/preflight"
	"ecobin/internal/registry"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the ecobin daemon and blocks until the context is cancelled or
// the process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logPath := logging.RunLogPath(cfg.Paths.LogDir, time.Now())
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logConfigSnapshot(logger, cfg)
	logPreflight(signalCtx, logger, cfg)
	if err := logging.PointCurrentLog(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update ecobin.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "ecobin-*.log", Exclude: []string{logPath}},
	)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := registry.Open(signalCtx, cfg)
	if err != nil {
		logging.ErrorWithContext(logger, "open identity registry", "registry_open_failed",
			logging.Error(err),
			logging.String("backend", cfg.Registry.Backend),
			logging.String(logging.FieldErrorHint, "check registry settings and backend reachability"),
		)
		return err
	}

	d, err := daemon.New(cfg, store, logger, daemon.Dependencies{
		Notifier: notifications.NewService(cfg),
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logging.WarnWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that no other ecobin daemon holds the lock and the API bind address is free"),
			logging.String(logging.FieldImpact, "no detections or credentials will be processed"),
		)
	}

	<-signalCtx.Done()
	logger.Info("ecobin daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("config snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("registry_backend", cfg.Registry.Backend),
		logging.Bool("telemetry_enabled", cfg.TelemetryEnabled()),
		logging.String("reader_device", cfg.Reader.Device),
		logging.Bool("reader_hotplug", cfg.Reader.Hotplug),
		logging.Bool("classifier_configured", strings.TrimSpace(cfg.Detection.ClassifierURL) != ""),
		logging.Duration("hold", cfg.HoldDuration()),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	for _, result := range preflight.RunAll(ctx, cfg) {
		if result.Passed {
			logger.Debug("preflight check passed",
				logging.String(logging.FieldEventType, "preflight_passed"),
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
			)
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "run `ecobin doctor` for the full readiness report"),
			logging.String(logging.FieldImpact, "the affected input runs degraded until it recovers"),
		)
	}
}
