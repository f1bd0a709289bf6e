package session

import (
	"time"

	"ecobin/internal/material"
)

// Detection is the streak the debouncer is currently accumulating.
type Detection struct {
	Material  material.Kind `json:"material"`
	StartedAt time.Time     `json:"started_at"`
	Progress  float64       `json:"progress"`
}

// User is a registry user resolved from a credential, snapshotted at
// resolution time.
type User struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	PointsBefore int64  `json:"points_before"`
	CredentialID string `json:"credential_id,omitempty"`
}

// Linking is an open request to bind the next presented credential to a user.
type Linking struct {
	TargetUserID   string    `json:"target_user_id"`
	TargetUserName string    `json:"target_user_name"`
	OpenedAt       time.Time `json:"opened_at"`
}

// Reward summarises one applied reward transaction.
type Reward struct {
	TransactionID string        `json:"transaction_id"`
	UserID        string        `json:"id"`
	Name          string        `json:"name"`
	Material      material.Kind `json:"material"`
	PointsBefore  int64         `json:"points_before"`
	PointsAfter   int64         `json:"points_after"`
	PointsGained  int64         `json:"points_gained"`
	AppliedAt     time.Time     `json:"applied_at"`
}

// Counters accumulate over the daemon lifetime and are never reset by a
// session reset.
type Counters struct {
	PointsTotal int64 `json:"points_total"`
	ItemsToday  int64 `json:"items_today"`
}

// Devices reports which inputs are currently delivering data.
type Devices struct {
	CameraActive  bool `json:"camera_active"`
	NFCActive     bool `json:"nfc_active"`
	MQTTConnected bool `json:"mqtt_connected"`
}

// ContainerLevel is the last fill reading received for a container.
type ContainerLevel struct {
	Target     string   `json:"target"`
	DeviceID   string   `json:"device_id,omitempty"`
	DistanceCM *float64 `json:"distance_cm,omitempty"`
	Percent    *float64 `json:"percent,omitempty"`
	State      string   `json:"state,omitempty"`
	ReportedAt int64    `json:"reported_at,omitempty"`
	UpdatedAt  int64    `json:"updated_at"`
}

// Snapshot is a point-in-time copy of the session, safe to serialize.
type Snapshot struct {
	Detection      *Detection                `json:"active_detection"`
	Committed      material.Kind             `json:"committed_material"`
	PendingUser    *User                     `json:"pending_user"`
	LastReward     *Reward                   `json:"current_user"`
	Linking        *Linking                  `json:"linking"`
	RewardInFlight bool                      `json:"reward_in_flight"`
	Counters       Counters                  `json:"counters"`
	Devices        Devices                   `json:"devices"`
	Containers     map[string]ContainerLevel `json:"containers"`
	Generation     uint64                    `json:"generation"`
}

// Observation reports what a single classifier tick did to the session.
type Observation struct {
	Material    material.Kind
	Progress    float64
	Started     bool
	Cleared     bool
	Committed   bool
	Paused      bool
	RewardReady bool
}

// Presentation reports the result of handing a resolved user to the session.
type Presentation struct {
	Replaced    bool
	RewardReady bool
	Committed   material.Kind
}

// Claim reserves the committed material and pending user for one reward
// attempt. It must be passed back to CompleteReward or AbortReward.
type Claim struct {
	Material   material.Kind
	User       User
	Generation uint64
	token      uint64
	presented  uint64
}
