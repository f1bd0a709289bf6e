package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"ecobin/internal/registry"
	"ecobin/internal/services"
	"ecobin/internal/session"
)

// Reading is one container fill report from a bin sensor.
type Reading struct {
	Target     string
	DeviceID   string
	DistanceCM *float64
	Percent    *float64
	State      string
	ReportedAt int64
	ReceivedAt time.Time
}

type wireReading struct {
	Target     string   `json:"target"`
	DeviceID   string   `json:"deviceId"`
	DistanceCM *float64 `json:"distance_cm"`
	Percent    *float64 `json:"percent"`
	State      string   `json:"state"`
	TS         *int64   `json:"ts"`
}

// ParseReading decodes and validates a fill payload. Failures are marked
// services.ErrMalformedTelemetry.
func ParseReading(payload []byte, receivedAt time.Time) (Reading, error) {
	var wire wireReading
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Reading{}, services.Wrap(services.ErrMalformedTelemetry, "telemetry", "parse reading", "payload is not json", err)
	}
	target := strings.TrimSpace(wire.Target)
	if target == "" {
		return Reading{}, services.Wrap(services.ErrMalformedTelemetry, "telemetry", "parse reading", "target is missing", nil)
	}
	if wire.Percent != nil {
		p := *wire.Percent
		if math.IsNaN(p) || p < 0 || p > 100 {
			return Reading{}, services.Wrap(services.ErrMalformedTelemetry, "telemetry", "parse reading",
				fmt.Sprintf("percent %v out of range", p), nil)
		}
	}
	reading := Reading{
		Target:     target,
		DeviceID:   strings.TrimSpace(wire.DeviceID),
		Percent:    wire.Percent,
		State:      strings.TrimSpace(wire.State),
		ReceivedAt: receivedAt.UTC(),
	}
	if wire.DistanceCM != nil {
		if d := *wire.DistanceCM; d < 0 || math.IsNaN(d) {
			return Reading{}, services.Wrap(services.ErrMalformedTelemetry, "telemetry", "parse reading",
				fmt.Sprintf("distance %v is invalid", d), nil)
		}
		rounded := math.Round(*wire.DistanceCM*1000) / 1000
		reading.DistanceCM = &rounded
	}
	if wire.TS != nil {
		reading.ReportedAt = *wire.TS
	}
	return reading, nil
}

// Record converts the reading to its mirrored registry form.
func (r Reading) Record() registry.ContainerRecord {
	return registry.ContainerRecord{
		Target:     r.Target,
		DeviceID:   r.DeviceID,
		DistanceCM: r.DistanceCM,
		State:      r.State,
		Percent:    r.Percent,
		ReportedAt: r.ReportedAt,
		UpdatedAt:  r.ReceivedAt.UnixMilli(),
	}
}

// Level converts the reading to the session's container view.
func (r Reading) Level() session.ContainerLevel {
	return session.ContainerLevel{
		Target:     r.Target,
		DeviceID:   r.DeviceID,
		DistanceCM: r.DistanceCM,
		Percent:    r.Percent,
		State:      r.State,
		ReportedAt: r.ReportedAt,
		UpdatedAt:  r.ReceivedAt.UnixMilli(),
	}
}
