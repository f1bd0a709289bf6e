package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}
	if err := c.validateTelemetry(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	if err := c.validateBroadcast(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
		return fmt.Errorf("paths.api_bind %q must be host:port: %w", c.Paths.APIBind, err)
	}
	return nil
}

func (c *Config) validateBroadcast() error {
	for _, origin := range c.Broadcast.AllowedOrigins {
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("broadcast.allowed_origins entry %q must be scheme://host[:port]", origin)
		}
	}
	return nil
}

func (c *Config) validateDetection() error {
	if c.Detection.HoldSeconds <= 0 {
		return errors.New("detection.hold_seconds must be positive")
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return errors.New("detection.confidence_threshold must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	if !c.TelemetryEnabled() {
		return nil
	}
	if c.Telemetry.Port > 65535 {
		return fmt.Errorf("telemetry.port %d out of range", c.Telemetry.Port)
	}
	if c.Telemetry.QoS < 0 || c.Telemetry.QoS > 2 {
		return errors.New("telemetry.qos must be 0, 1, or 2")
	}
	if strings.ContainsAny(c.Telemetry.MaterialTopic, "+#") {
		return errors.New("telemetry.material_topic must not contain wildcards")
	}
	return nil
}

func (c *Config) validateRegistry() error {
	switch c.Registry.Backend {
	case RegistrySQLite:
		return nil
	case RegistryRedis:
		if c.Registry.RedisAddr == "" {
			return errors.New("registry.redis_addr must be set when registry.backend is redis (or set ECOBIN_REDIS_ADDR)")
		}
		return nil
	default:
		return fmt.Errorf("registry.backend %q must be sqlite or redis", c.Registry.Backend)
	}
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout < 0 {
		return errors.New("notifications.request_timeout must be >= 0")
	}
	if c.Notifications.DedupWindowSeconds < 0 {
		return errors.New("notifications.dedup_window_seconds must be >= 0")
	}
	if c.Notifications.ContainerFullPercent <= 0 || c.Notifications.ContainerFullPercent > 100 {
		return errors.New("notifications.container_full_percent must be within (0, 100]")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level)
	}
}
