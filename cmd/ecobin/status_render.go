package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"ecobin/internal/daemon"
	"ecobin/internal/session"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func deviceKind(active bool) statusKind {
	if active {
		return statusOK
	}
	return statusWarn
}

// systemLines summarises the daemon and its inputs.
func systemLines(status daemon.Status, colorize bool) []string {
	lines := make([]string, 0, 8)
	if status.Running {
		detail := fmt.Sprintf("pid %d", status.PID)
		if !status.StartedAt.IsZero() {
			detail += fmt.Sprintf(", up %s", time.Since(status.StartedAt).Round(time.Second))
		}
		lines = append(lines, renderStatusLine("Daemon", statusOK, detail, colorize))
	} else {
		lines = append(lines, renderStatusLine("Daemon", statusError, "loops stopped", colorize))
	}

	devices := status.Session.Devices
	camera := "no detections yet"
	if status.ClassifierURL == "" {
		camera = "no classifier configured"
	} else if devices.CameraActive {
		camera = status.ClassifierURL
	}
	lines = append(lines, renderStatusLine("Camera", deviceKind(devices.CameraActive), camera, colorize))

	reader := "no reader configured"
	if status.ReaderDevice != "" {
		reader = status.ReaderDevice
		if status.ReaderHotplug {
			reader += " (hotplug)"
		}
	}
	lines = append(lines, renderStatusLine("Credential reader", deviceKind(devices.NFCActive), reader, colorize))

	switch {
	case !status.TelemetryEnabled:
		lines = append(lines, renderStatusLine("MQTT", statusInfo, "disabled", colorize))
	default:
		lines = append(lines, renderStatusLine("MQTT", deviceKind(devices.MQTTConnected), "connected: "+yesNo(devices.MQTTConnected), colorize))
	}

	lines = append(lines, renderStatusLine("Registry", statusInfo, status.RegistryBackend, colorize))
	if status.APIBind != "" {
		lines = append(lines, renderStatusLine("HTTP API", statusInfo, status.APIBind, colorize))
	}
	lines = append(lines, renderStatusLine("Subscribers", statusInfo, fmt.Sprintf("%d connected, %d dropped", status.Broadcast.Subscribers, status.Broadcast.Dropped), colorize))
	lines = append(lines, renderStatusLine("Notifications", statusInfo, "configured: "+yesNo(status.NotificationsReady), colorize))
	return lines
}

// sessionLines summarises the in-progress recycling session.
func sessionLines(snap session.Snapshot, colorize bool) []string {
	lines := make([]string, 0, 6)
	switch {
	case snap.Committed.Valid():
		lines = append(lines, renderStatusLine("Material", statusOK, snap.Committed.String()+" committed, waiting for card", colorize))
	case snap.Detection != nil:
		detail := fmt.Sprintf("%s %.0f%%", snap.Detection.Material, snap.Detection.Progress*100)
		lines = append(lines, renderStatusLine("Material", statusInfo, detail, colorize))
	default:
		lines = append(lines, renderStatusLine("Material", statusInfo, "none", colorize))
	}
	if snap.PendingUser != nil {
		lines = append(lines, renderStatusLine("Pending user", statusInfo, snap.PendingUser.DisplayName, colorize))
	}
	if snap.Linking != nil {
		lines = append(lines, renderStatusLine("Linking", statusWarn, "next card binds to "+snap.Linking.TargetUserName, colorize))
	}
	if r := snap.LastReward; r != nil {
		detail := fmt.Sprintf("%s +%d (%s) now %d", r.Name, r.PointsGained, r.Material, r.PointsAfter)
		lines = append(lines, renderStatusLine("Last reward", statusOK, detail, colorize))
	}
	lines = append(lines, renderStatusLine("Today", statusInfo,
		fmt.Sprintf("%d items, %d points", snap.Counters.ItemsToday, snap.Counters.PointsTotal), colorize))
	return lines
}

func containerRows(containers map[string]session.ContainerLevel) [][]string {
	targets := make([]string, 0, len(containers))
	for target := range containers {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	rows := make([][]string, 0, len(targets))
	for _, target := range targets {
		level := containers[target]
		percent := "-"
		if level.Percent != nil {
			percent = strconv.FormatFloat(*level.Percent, 'f', 0, 64) + "%"
		}
		state := level.State
		if state == "" {
			state = "-"
		}
		updated := "-"
		if level.UpdatedAt > 0 {
			updated = time.UnixMilli(level.UpdatedAt).Format(time.DateTime)
		}
		rows = append(rows, []string{target, percent, state, updated})
	}
	return rows
}
