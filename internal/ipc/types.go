package ipc

import (
	"ecobin/internal/daemon"
	"ecobin/internal/session"
)

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse wraps the daemon status.
type StatusResponse struct {
	Status daemon.Status `json:"status"`
}

// ResetRequest clears the in-progress session.
type ResetRequest struct{}

// ResetResponse carries the session after the reset.
type ResetResponse struct {
	Session session.Snapshot `json:"session"`
}

// StartLinkingRequest opens a linking session for a user.
type StartLinkingRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// StartLinkingResponse reports the opened linking session.
type StartLinkingResponse struct {
	Linking *session.Linking `json:"linking"`
}

// CancelLinkingRequest closes the open linking session.
type CancelLinkingRequest struct{}

// CancelLinkingResponse reports whether a session was open.
type CancelLinkingResponse struct {
	Cancelled bool `json:"cancelled"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test result.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
