//go:build !linux

package reader

import (
	"context"
	"log/slog"
)

// HotplugMonitor is a no-op outside linux.
type HotplugMonitor struct{}

func NewHotplugMonitor(string, string, *slog.Logger, func(bool)) *HotplugMonitor {
	return nil
}

func (m *HotplugMonitor) Start(context.Context) error { return nil }

func (m *HotplugMonitor) Stop() {}

func (m *HotplugMonitor) Running() bool { return false }
