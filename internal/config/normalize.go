package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDetection()
	c.normalizeReader()
	c.normalizeTelemetry()
	if err := c.normalizeRegistry(); err != nil {
		return err
	}
	c.normalizeBroadcast()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeDetection() {
	c.Detection.ClassifierURL = strings.TrimSpace(c.Detection.ClassifierURL)
	materials := make([]string, 0, len(c.Detection.Materials))
	seen := make(map[string]struct{}, len(c.Detection.Materials))
	for _, m := range c.Detection.Materials {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		materials = append(materials, m)
	}
	if len(materials) == 0 {
		materials = append(materials, DefaultMaterials...)
	}
	c.Detection.Materials = materials
	if c.Detection.PollIntervalMillis <= 0 {
		c.Detection.PollIntervalMillis = defaultDetectionPollMillis
	}
	if c.Detection.RequestTimeout <= 0 {
		c.Detection.RequestTimeout = defaultDetectionTimeout
	}
	if c.Detection.RetryIntervalMillis <= 0 {
		c.Detection.RetryIntervalMillis = defaultDetectionRetryMillis
	}
}

func (c *Config) normalizeReader() {
	c.Reader.Device = strings.TrimSpace(c.Reader.Device)
	c.Reader.Subsystem = strings.TrimSpace(c.Reader.Subsystem)
	if c.Reader.Subsystem == "" {
		c.Reader.Subsystem = defaultReaderSubsystem
	}
	if c.Reader.Baud <= 0 {
		c.Reader.Baud = defaultReaderBaud
	}
	if c.Reader.PollIntervalMillis <= 0 {
		c.Reader.PollIntervalMillis = defaultReaderPollMillis
	}
	if c.Reader.PresenceWindowMillis <= 0 {
		c.Reader.PresenceWindowMillis = defaultReaderPresenceMillis
	}
	if c.Reader.ErrorBackoffMillis <= 0 {
		c.Reader.ErrorBackoffMillis = defaultReaderErrorBackoff
	}
}

func (c *Config) normalizeTelemetry() {
	c.Telemetry.Broker = strings.TrimSpace(c.Telemetry.Broker)
	c.Telemetry.MaterialTopic = strings.TrimSpace(c.Telemetry.MaterialTopic)
	if c.Telemetry.MaterialTopic == "" {
		c.Telemetry.MaterialTopic = defaultMaterialTopic
	}
	c.Telemetry.FillTopic = strings.TrimSpace(c.Telemetry.FillTopic)
	if c.Telemetry.FillTopic == "" {
		c.Telemetry.FillTopic = defaultFillTopic
	}
	if c.Telemetry.Port <= 0 {
		c.Telemetry.Port = defaultMQTTPort
	}
	if c.Telemetry.PublishTimeout <= 0 {
		c.Telemetry.PublishTimeout = defaultPublishTimeout
	}
	if c.Telemetry.ReconnectMaxSeconds <= 0 {
		c.Telemetry.ReconnectMaxSeconds = defaultReconnectMaxSeconds
	}
}

func (c *Config) normalizeRegistry() error {
	c.Registry.Backend = strings.ToLower(strings.TrimSpace(c.Registry.Backend))
	if c.Registry.Backend == "" {
		c.Registry.Backend = RegistrySQLite
	}
	if strings.TrimSpace(c.Registry.SQLitePath) == "" {
		c.Registry.SQLitePath = filepath.Join(c.Paths.StateDir, defaultRegistryFile)
	}
	var err error
	if c.Registry.SQLitePath, err = expandPath(c.Registry.SQLitePath); err != nil {
		return fmt.Errorf("registry.sqlite_path: %w", err)
	}
	c.Registry.RedisAddr = strings.TrimSpace(c.Registry.RedisAddr)
	if c.Registry.RedisPrefix == "" {
		c.Registry.RedisPrefix = defaultRedisPrefix
	}
	if c.Registry.WriteTimeout <= 0 {
		c.Registry.WriteTimeout = defaultRegistryWriteTimeout
	}
	return nil
}

func (c *Config) normalizeBroadcast() {
	if c.Broadcast.SubscriberBuffer <= 0 {
		c.Broadcast.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.Broadcast.OutboundBuffer <= 0 {
		c.Broadcast.OutboundBuffer = defaultOutboundBuffer
	}
	if c.Broadcast.MaxFrameBytes <= 0 {
		c.Broadcast.MaxFrameBytes = defaultMaxFrameBytes
	}
	origins := c.Broadcast.AllowedOrigins[:0]
	for _, origin := range c.Broadcast.AllowedOrigins {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			origins = append(origins, origin)
		}
	}
	c.Broadcast.AllowedOrigins = origins
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
