package preflight

import (
	"context"
	"net"
	"strconv"

	"ecobin/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckRegistry(ctx, cfg),
	}
	if cfg.Detection.ClassifierURL != "" {
		results = append(results, CheckClassifier(ctx, cfg.Detection.ClassifierURL))
	}
	if cfg.Reader.Device != "" {
		results = append(results, CheckReaderDevice(cfg.Reader.Device))
	}
	if cfg.TelemetryEnabled() {
		addr := net.JoinHostPort(cfg.Telemetry.Broker, strconv.Itoa(cfg.Telemetry.Port))
		results = append(results, CheckTCP(ctx, "MQTT broker", addr))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
