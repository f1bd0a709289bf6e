package reader

import (
	"context"
	"strings"

	"ecobin/internal/services"
)

// Reader reports the UID currently presented, or "" when no card is present.
type Reader interface {
	ReadUID(ctx context.Context) (string, error)
	Close() error
}

// Unavailable is the reader used when no device is configured. Every poll
// reports services.ErrDeviceUnavailable so the session runs degraded.
type Unavailable struct{}

func (Unavailable) ReadUID(context.Context) (string, error) {
	return "", services.Wrap(services.ErrDeviceUnavailable, "reader", "read", "no reader device configured", nil)
}

func (Unavailable) Close() error { return nil }

// ParseLine extracts a UID from one line of reader output. It accepts bare
// hex ("04A1B2C3"), separated hex ("04:A1:B2:C3", "04 a1 b2 c3"), and an
// optional "UID" label ("UID: 04 A1 B2 C3"). Lines with anything else are
// ignored.
func ParseLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	upper := strings.ToUpper(line)
	if strings.HasPrefix(upper, "UID") {
		upper = strings.TrimLeft(upper[3:], " :=")
	}

	var b strings.Builder
	for _, r := range upper {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			b.WriteRune(r)
		case r == ':' || r == ' ' || r == '-':
		default:
			return ""
		}
	}
	uid := b.String()
	if len(uid) < 8 || len(uid)%2 != 0 {
		return ""
	}
	return uid
}
