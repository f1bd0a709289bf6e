package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides mirrors the environment variables the deployed kiosk images
// set. Empty values leave the file configuration untouched.
type envOverrides struct {
	MQTTBroker        string `env:"MQTT_BROKER"`
	MQTTPort          int    `env:"MQTT_PORT"`
	MQTTUser          string `env:"MQTT_USER"`
	MQTTPassword      string `env:"MQTT_PASSWORD"`
	MQTTMaterialTopic string `env:"MQTT_MATERIAL_TOPIC"`
	MQTTFillTopic     string `env:"MQTT_FILL_TOPIC"`
	RedisAddr         string `env:"ECOBIN_REDIS_ADDR"`
	RedisPassword     string `env:"ECOBIN_REDIS_PASSWORD"`
	APIToken          string `env:"ECOBIN_API_TOKEN"`
	NtfyTopic         string `env:"ECOBIN_NTFY_TOPIC"`
	ReaderDevice      string `env:"ECOBIN_READER_DEVICE"`
	ClassifierURL     string `env:"ECOBIN_CLASSIFIER_URL"`
}

// ParseEnv parses environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var overrides envOverrides
	if err := ParseEnv(&overrides); err != nil {
		return err
	}
	setString(&c.Telemetry.Broker, overrides.MQTTBroker)
	setString(&c.Telemetry.Username, overrides.MQTTUser)
	setString(&c.Telemetry.Password, overrides.MQTTPassword)
	setString(&c.Telemetry.MaterialTopic, overrides.MQTTMaterialTopic)
	setString(&c.Telemetry.FillTopic, overrides.MQTTFillTopic)
	if overrides.MQTTPort > 0 {
		c.Telemetry.Port = overrides.MQTTPort
	}
	setString(&c.Registry.RedisAddr, overrides.RedisAddr)
	setString(&c.Registry.RedisPassword, overrides.RedisPassword)
	setString(&c.Paths.APIToken, overrides.APIToken)
	setString(&c.Notifications.NtfyTopic, overrides.NtfyTopic)
	setString(&c.Reader.Device, overrides.ReaderDevice)
	setString(&c.Detection.ClassifierURL, overrides.ClassifierURL)
	return nil
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}
