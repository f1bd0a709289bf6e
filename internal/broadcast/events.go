package broadcast

import (
	"encoding/json"
	"time"

	"ecobin/internal/material"
	"ecobin/internal/session"
)

// EventType names a subscriber-facing event.
type EventType string

const (
	EventInitialState      EventType = "initial_state"
	EventMaterialDetected  EventType = "material_detected"
	EventDetectionProgress EventType = "detection_progress"
	EventWaitingCredential EventType = "waiting_nfc"
	EventMaterialProcessed EventType = "material_processed"
	EventRewardError       EventType = "reward_error"
	EventUserIdentified    EventType = "user_identified"
	EventCredentialError   EventType = "nfc_error"
	EventLinkStatus        EventType = "nfc_link_status"
	EventLinkSuccess       EventType = "nfc_link_success"
	EventLinkError         EventType = "nfc_link_error"
	EventSystemReset       EventType = "system_reset"
	EventStatusUpdate      EventType = "status_update"
	EventTelemetryStatus   EventType = "mqtt_status"
	EventContainerUpdate   EventType = "container_update"
	EventUserFoundByPIN    EventType = "user_found_by_pin"
	EventError             EventType = "error"
)

// Event is one frame delivered to subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals payload into an event stamped with the current time.
func NewEvent(eventType EventType, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(ErrorPayload{Code: "INTERNAL", Message: "unencodable payload"})
	}
	return Event{Type: eventType, Payload: raw, Timestamp: time.Now().UTC()}
}

// MaterialInfo is the display metadata shipped with initial_state.
type MaterialInfo struct {
	Points int64  `json:"points"`
	Color  string `json:"color"`
}

// InitialStatePayload is sent once to every new subscriber.
type InitialStatePayload struct {
	State     session.Snapshot        `json:"app_state"`
	Materials map[string]MaterialInfo `json:"materials"`
}

// NewInitialState builds the initial_state payload for snap.
func NewInitialState(snap session.Snapshot) InitialStatePayload {
	materials := make(map[string]MaterialInfo, len(material.All()))
	for _, kind := range material.All() {
		materials[kind.String()] = MaterialInfo{Points: kind.Weight(), Color: kind.Color()}
	}
	return InitialStatePayload{State: snap, Materials: materials}
}

// MaterialDetectedPayload announces a committed material.
type MaterialDetectedPayload struct {
	Material material.Kind `json:"material"`
	Points   int64         `json:"points"`
}

// DetectionProgressPayload reports the accumulating streak.
type DetectionProgressPayload struct {
	Material material.Kind `json:"material"`
	Progress float64       `json:"progress"`
	Active   bool          `json:"active"`
}

// WaitingCredentialPayload tells the UI a material is waiting for a card.
type WaitingCredentialPayload struct {
	Material material.Kind `json:"material"`
	Message  string        `json:"message"`
}

// MaterialProcessedPayload announces an applied reward.
type MaterialProcessedPayload struct {
	TransactionID string         `json:"transaction_id"`
	Material      material.Kind  `json:"material"`
	Points        int64          `json:"points"`
	User          session.Reward `json:"user"`
}

// RewardErrorPayload reports a reward that could not be persisted.
type RewardErrorPayload struct {
	Material material.Kind `json:"material"`
	UserID   string        `json:"user_id"`
	Kind     string        `json:"kind"`
	Message  string        `json:"message"`
}

// UserIdentifiedPayload reports a resolved card with no material committed yet.
type UserIdentifiedPayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Points int64  `json:"points"`
}

// CredentialErrorPayload reports an unusable card presentation.
type CredentialErrorPayload struct {
	Message    string `json:"message"`
	Kind       string `json:"kind"`
	Credential string `json:"credential,omitempty"`
}

// LinkStatusPayload reports the linking session lifecycle.
type LinkStatusPayload struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// LinkSuccessPayload reports a completed credential bind.
type LinkSuccessPayload struct {
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	CredentialID string `json:"nfcUid"`
}

// LinkErrorPayload reports a failed bind attempt. The linking session stays open.
type LinkErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// SystemResetPayload is broadcast after an administrative reset.
type SystemResetPayload struct {
	State session.Snapshot `json:"app_state"`
}

// TelemetryStatusPayload reports broker connectivity.
type TelemetryStatusPayload struct {
	Connected bool `json:"connected"`
}

// UserSummary is the public view of a registry user.
type UserSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	Points       int64  `json:"points"`
	CredentialID string `json:"nfcUid,omitempty"`
}

// UserFoundPayload answers search_user_by_pin.
type UserFoundPayload struct {
	Success bool         `json:"success"`
	User    *UserSummary `json:"user,omitempty"`
	Message string       `json:"message,omitempty"`
}

// ErrorPayload answers a frame the server could not handle.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
