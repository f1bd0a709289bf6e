package main

import (
	"testing"

	"ecobin/internal/testsupport"
)

func TestResetCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	before := env.daemon.Snapshot().Generation

	out, _, err := runCLI(t, []string{"reset"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	requireContains(t, out, "Session reset")
	if got := env.daemon.Snapshot().Generation; got != before+1 {
		t.Fatalf("generation = %d, want %d", got, before+1)
	}
}

func TestLinkCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	user := testsupport.MustCreateUser(t, env.store, "Ana", "123456", 0, "")

	out, _, err := runCLI(t, []string{"link", "start", user.ID}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("link start: %v", err)
	}
	requireContains(t, out, "Present a card to link it to Ana")
	linking := env.daemon.Snapshot().Linking
	if linking == nil || linking.TargetUserID != user.ID {
		t.Fatalf("expected linking for %s, got %+v", user.ID, linking)
	}

	out, _, err = runCLI(t, []string{"link", "cancel"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("link cancel: %v", err)
	}
	requireContains(t, out, "Linking cancelled")

	out, _, err = runCLI(t, []string{"link", "cancel"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("second link cancel: %v", err)
	}
	requireContains(t, out, "No linking session was open")
}

func TestLinkStartUnknownUser(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, []string{"link", "start", "nobody"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected error for unknown user")
	}
	if env.daemon.Snapshot().Linking != nil {
		t.Fatal("linking session should not open for unknown user")
	}
}

func TestTestNotifyWithoutTopic(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"test-notify"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "ntfy topic not configured")
}
