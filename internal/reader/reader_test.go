package reader_test

import (
	"context"
	"errors"
	"testing"

	"ecobin/internal/reader"
	"ecobin/internal/services"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "bare hex", line: "04A1B2C3", want: "04A1B2C3"},
		{name: "lowercase", line: "04a1b2c3", want: "04A1B2C3"},
		{name: "colon separated", line: "04:A1:B2:C3", want: "04A1B2C3"},
		{name: "space separated", line: " 04 a1 b2 c3 \r", want: "04A1B2C3"},
		{name: "dash separated", line: "04-A1-B2-C3-D4-E5-F6", want: "04A1B2C3D4E5F6"},
		{name: "uid label", line: "UID: 04 A1 B2 C3", want: "04A1B2C3"},
		{name: "uid label equals", line: "uid=04a1b2c3", want: "04A1B2C3"},
		{name: "blank", line: "   ", want: ""},
		{name: "banner", line: "PN532 ready", want: ""},
		{name: "too short", line: "04A1", want: ""},
		{name: "odd length", line: "04A1B2C3D", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reader.ParseLine(tt.line); got != tt.want {
				t.Fatalf("ParseLine(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestUnavailableReportsDeviceUnavailable(t *testing.T) {
	var r reader.Reader = reader.Unavailable{}
	uid, err := r.ReadUID(context.Background())
	if uid != "" {
		t.Fatalf("expected empty uid, got %q", uid)
	}
	if !errors.Is(err, services.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
