package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Detection contains classifier and debounce settings.
type Detection struct {
	HoldSeconds         float64  `toml:"hold_seconds"`
	ConfidenceThreshold float64  `toml:"confidence_threshold"`
	Materials           []string `toml:"materials"`
	ClassifierURL       string   `toml:"classifier_url"`
	PollIntervalMillis  int      `toml:"poll_interval_ms"`
	RequestTimeout      int      `toml:"request_timeout"`
	RetryIntervalMillis int      `toml:"retry_interval_ms"`
}

// Reader contains credential reader settings.
type Reader struct {
	Device               string `toml:"device"`
	Baud                 int    `toml:"baud"`
	PollIntervalMillis   int    `toml:"poll_interval_ms"`
	PresenceWindowMillis int    `toml:"presence_window_ms"`
	ErrorBackoffMillis   int    `toml:"error_backoff_ms"`
	Hotplug              bool   `toml:"hotplug"`
	Subsystem            string `toml:"subsystem"`
}

// Telemetry contains MQTT broker settings.
type Telemetry struct {
	Broker              string `toml:"broker"`
	Port                int    `toml:"port"`
	Username            string `toml:"username"`
	Password            string `toml:"password"`
	TLS                 bool   `toml:"tls"`
	InsecureSkipVerify  bool   `toml:"insecure_skip_verify"`
	ClientID            string `toml:"client_id"`
	MaterialTopic       string `toml:"material_topic"`
	FillTopic           string `toml:"fill_topic"`
	QoS                 int    `toml:"qos"`
	PublishTimeout      int    `toml:"publish_timeout"`
	ReconnectMaxSeconds int    `toml:"reconnect_max_seconds"`
}

// Registry contains identity registry backend settings.
type Registry struct {
	Backend       string `toml:"backend"`
	SQLitePath    string `toml:"sqlite_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
	WriteTimeout  int    `toml:"write_timeout"`
}

// Broadcast contains subscriber fan-out settings.
type Broadcast struct {
	SubscriberBuffer int      `toml:"subscriber_buffer"`
	OutboundBuffer   int      `toml:"outbound_buffer"`
	MaxFrameBytes    int      `toml:"max_frame_bytes"`
	AllowedOrigins   []string `toml:"allowed_origins"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic            string  `toml:"ntfy_topic"`
	RequestTimeout       int     `toml:"request_timeout"`
	ContainerFull        bool    `toml:"container_full"`
	ContainerFullPercent float64 `toml:"container_full_percent"`
	Errors               bool    `toml:"errors"`
	DedupWindowSeconds   int     `toml:"dedup_window_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for ecobin.
//
// Configuration sections by subsystem:
//   - Paths: state and log directories, HTTP bind address and token
//   - Detection: classifier sidecar, confidence threshold, hold time
//   - Reader: credential reader device and polling cadence
//   - Telemetry: MQTT broker and topics
//   - Registry: sqlite or redis identity registry
//   - Broadcast: subscriber queue sizes
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Detection     Detection     `toml:"detection"`
	Reader        Reader        `toml:"reader"`
	Telemetry     Telemetry     `toml:"telemetry"`
	Registry      Registry      `toml:"registry"`
	Broadcast     Broadcast     `toml:"broadcast"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. Environment
// overrides are applied after the file is decoded. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("ecobin.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Registry.Backend == RegistrySQLite {
		if err := os.MkdirAll(filepath.Dir(c.Registry.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("create registry directory: %w", err)
		}
	}
	return nil
}

// LockPath is the single-instance lock file for the daemon.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "ecobin.lock")
}

// SocketPath is the unix socket the daemon serves JSON-RPC on.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "ecobin.sock")
}

// PIDPath is where the daemon records its process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "ecobin.pid")
}

// HoldDuration is the detection hold time as a duration.
func (c *Config) HoldDuration() time.Duration {
	return time.Duration(c.Detection.HoldSeconds * float64(time.Second))
}

// DetectionInterval is the classifier polling cadence.
func (c *Config) DetectionInterval() time.Duration {
	return time.Duration(c.Detection.PollIntervalMillis) * time.Millisecond
}

// ReaderInterval is the credential reader polling cadence.
func (c *Config) ReaderInterval() time.Duration {
	return time.Duration(c.Reader.PollIntervalMillis) * time.Millisecond
}

// TelemetryEnabled reports whether an MQTT broker is configured.
func (c *Config) TelemetryEnabled() bool {
	return strings.TrimSpace(c.Telemetry.Broker) != ""
}

// RegistryTimeout bounds each registry call made from a loop.
func (c *Config) RegistryTimeout() time.Duration {
	return time.Duration(c.Registry.WriteTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
