// Package telemetry connects to the MQTT broker used by the bin hardware.
//
// Outbound, it publishes committed materials so the sorting actuator can
// route the item. Inbound, it subscribes to container fill readings and hands
// validated readings to the daemon, which mirrors them into the registry.
package telemetry
