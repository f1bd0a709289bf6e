package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"ecobin/internal/daemon"
	"ecobin/internal/material"
	"ecobin/internal/services"
	"ecobin/internal/session"
)

func TestRenderStatusLine(t *testing.T) {
	tests := []struct {
		name     string
		kind     statusKind
		message  string
		colorize bool
		want     string
	}{
		{name: "ok plain", kind: statusOK, message: "ready", want: "  Camera:              [OK] ready"},
		{name: "no message", kind: statusWarn, want: "  Camera:              [WARN]"},
		{name: "colored", kind: statusError, message: "down", colorize: true, want: ansiRed + "  Camera:              [ERROR] down" + ansiReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderStatusLine("Camera", tt.kind, tt.message, tt.colorize)
			if got != tt.want {
				t.Fatalf("renderStatusLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(&bytes.Buffer{}) {
		t.Fatal("buffers are never terminals")
	}
}

func TestSessionLines(t *testing.T) {
	snap := session.Snapshot{
		Committed:   material.Aluminum,
		PendingUser: &session.User{ID: "u1", DisplayName: "Ana"},
		Linking:     &session.Linking{TargetUserID: "u2", TargetUserName: "Bea"},
		LastReward: &session.Reward{
			Name: "Luis", Material: material.Plastic, PointsGained: 3, PointsAfter: 13,
		},
		Counters: session.Counters{ItemsToday: 2, PointsTotal: 7},
	}
	joined := strings.Join(sessionLines(snap, false), "\n")
	for _, want := range []string{
		"aluminum committed, waiting for card",
		"Pending user:",
		"next card binds to Bea",
		"Luis +3 (plastic) now 13",
		"2 items, 7 points",
	} {
		requireContains(t, joined, want)
	}

	progress := session.Snapshot{Detection: &session.Detection{Material: material.Plastic, Progress: 0.42}}
	requireContains(t, strings.Join(sessionLines(progress, false), "\n"), "plastic 42%")
}

func TestSystemLines(t *testing.T) {
	status := daemon.Status{
		Running:          true,
		PID:              99,
		StartedAt:        time.Now().Add(-time.Minute),
		RegistryBackend:  "redis",
		TelemetryEnabled: true,
		ReaderDevice:     "/dev/ttyUSB0",
		ReaderHotplug:    true,
		ClassifierURL:    "http://127.0.0.1:8090/detections",
		Session: session.Snapshot{
			Devices: session.Devices{CameraActive: true, MQTTConnected: false},
		},
	}
	joined := strings.Join(systemLines(status, false), "\n")
	for _, want := range []string{
		"[OK] pid 99",
		"[OK] http://127.0.0.1:8090/detections",
		"[WARN] /dev/ttyUSB0 (hotplug)",
		"connected: no",
		"redis",
	} {
		requireContains(t, joined, want)
	}
}

func TestContainerRows(t *testing.T) {
	full := 95.0
	rows := containerRows(map[string]session.ContainerLevel{
		"plastic":  {Target: "plastic", Percent: &full, State: "lleno", UpdatedAt: time.Date(2026, 1, 1, 8, 0, 0, 0, time.Local).UnixMilli()},
		"aluminum": {Target: "aluminum"},
	})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "aluminum" || rows[0][1] != "-" || rows[0][2] != "-" || rows[0][3] != "-" {
		t.Fatalf("unexpected first row %v", rows[0])
	}
	if rows[1][1] != "95%" || rows[1][2] != "lleno" || rows[1][3] != "2026-01-01 08:00:00" {
		t.Fatalf("unexpected second row %v", rows[1])
	}
}

func TestRenderTableStyles(t *testing.T) {
	plain := renderTable([]string{"A", "B"}, [][]string{{"1"}}, nil, false)
	if !strings.Contains(plain, "+") || strings.Contains(plain, "╭") {
		t.Fatalf("expected ascii table, got\n%s", plain)
	}
	fancy := renderTable([]string{"A", "B"}, [][]string{{"1", "2"}}, nil, true)
	if !strings.Contains(fancy, "╭") {
		t.Fatalf("expected rounded table, got\n%s", fancy)
	}
	if renderTable(nil, nil, nil, false) != "" {
		t.Fatal("expected empty output without headers")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: services.Wrap(services.ErrValidation, "cli", "user_add", "bad pin", nil), want: 2},
		{name: "not found", err: services.Wrap(services.ErrNotFound, "cli", "user_find", "no user", nil), want: 3},
		{name: "persistence", err: services.Wrap(services.ErrPersistence, "registry", "create_user", "u1", errors.New("disk full")), want: 4},
		{name: "other", err: errors.New("boom"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Fatalf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}
