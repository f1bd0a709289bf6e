package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrTransport          = errors.New("transport failure")
	ErrCredentialUnknown  = errors.New("credential unknown")
	ErrCredentialConflict = errors.New("credential conflict")
	ErrPersistence        = errors.New("persistence failure")
	ErrMalformedTelemetry = errors.New("malformed telemetry")
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrTimeout            = errors.New("timeout")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrPersistence
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind maps an error to the short identifier used in subscriber events and
// log fields. Unclassified errors report "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, ErrTransport):
		return "transport_failure"
	case errors.Is(err, ErrCredentialUnknown):
		return "credential_unknown"
	case errors.Is(err, ErrCredentialConflict):
		return "credential_conflict"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrMalformedTelemetry):
		return "malformed_telemetry"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
