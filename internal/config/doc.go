// Package config loads, normalizes, and validates ecobin configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the environment overrides the
// deployed images rely on such as MQTT_BROKER and MQTT_PASSWORD. The Config
// type centralizes every knob the daemon and CLI need so the detection,
// reader, telemetry, and registry settings are discovered in one pass.
package config
