package services_test

import (
	"errors"
	"strings"
	"testing"

	"ecobin/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("database is locked")
	err := services.Wrap(services.ErrPersistence, "reward", "update_points", "write balance", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrPersistence) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"reward", "update_points", "write balance"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapWithoutCause(t *testing.T) {
	err := services.Wrap(services.ErrCredentialConflict, "", "", "", nil)
	if !errors.Is(err, services.ErrCredentialConflict) {
		t.Fatalf("expected conflict marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestKindMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{services.Wrap(services.ErrDeviceUnavailable, "reader", "open", "", nil), "device_unavailable"},
		{services.Wrap(services.ErrTransport, "telemetry", "publish", "", nil), "transport_failure"},
		{services.Wrap(services.ErrCredentialUnknown, "identity", "resolve", "", nil), "credential_unknown"},
		{services.Wrap(services.ErrCredentialConflict, "registry", "link", "", nil), "credential_conflict"},
		{services.Wrap(services.ErrPersistence, "registry", "update", "", nil), "persistence_failure"},
		{services.Wrap(services.ErrMalformedTelemetry, "telemetry", "parse", "", nil), "malformed_telemetry"},
		{errors.New("other"), "internal"},
	}
	for _, tc := range cases {
		if got := services.Kind(tc.err); got != tc.want {
			t.Fatalf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
