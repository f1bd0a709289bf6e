package main

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"ecobin/internal/registry"
	"ecobin/internal/testsupport"
)

func TestUserAddListFind(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "ecobin.toml")
	writeTestConfig(t, configPath, cfg)

	out, _, err := runCLI(t, []string{"user", "add", "Bea", "Ruiz", "--pin", "654321", "--points", "7", "--card", "04:aa:bb:cc"}, "", configPath)
	if err != nil {
		t.Fatalf("user add: %v", err)
	}
	requireContains(t, out, "Created user Bea Ruiz")
	requireContains(t, out, "Card 04AABBCC linked")

	out, _, err = runCLI(t, []string{"user", "list"}, "", configPath)
	if err != nil {
		t.Fatalf("user list: %v", err)
	}
	requireContains(t, out, "Bea Ruiz")
	requireContains(t, out, "04AABBCC")

	out, _, err = runCLI(t, []string{"user", "list", "--json"}, "", configPath)
	if err != nil {
		t.Fatalf("user list --json: %v", err)
	}
	var users []registry.User
	if err := json.Unmarshal([]byte(out), &users); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	if len(users) != 1 || users[0].Points != 7 || users[0].CredentialID != "04AABBCC" {
		t.Fatalf("unexpected users %+v", users)
	}

	out, _, err = runCLI(t, []string{"user", "find", "654321"}, "", configPath)
	if err != nil {
		t.Fatalf("user find: %v", err)
	}
	requireContains(t, out, "Bea Ruiz")
}

func TestUserCommandErrors(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "ecobin.toml")
	writeTestConfig(t, configPath, cfg)

	if _, _, err := runCLI(t, []string{"user", "add", "Ana", "--pin", "123456"}, "", configPath); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "short pin", args: []string{"user", "add", "Eva", "--pin", "12"}, want: "6 digits"},
		{name: "duplicate pin", args: []string{"user", "add", "Eva", "--pin", "123456"}, want: "already assigned"},
		{name: "find bad pin", args: []string{"user", "find", "12a456"}, want: "6 digits"},
		{name: "find missing", args: []string{"user", "find", "000000"}, want: "no user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, tt.args, "", configPath)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}
