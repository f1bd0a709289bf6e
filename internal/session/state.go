package session

import (
	"errors"
	"sync"
	"time"

	"ecobin/internal/material"
)

// ErrLinkingActive is returned when a credential is presented for reward
// matching while a linking session owns the reader.
var ErrLinkingActive = errors.New("linking session active")

type pendingUser struct {
	user User
	seq  uint64
}

// State is the shared recycling session. The zero value is not usable; build
// one with New.
type State struct {
	mu   sync.Mutex
	hold time.Duration

	active     *Detection
	committed  material.Kind
	pending    *pendingUser
	lastReward *Reward
	linking    *Linking
	claim      *Claim
	counters   Counters
	devices    Devices
	containers map[string]ContainerLevel

	generation uint64
	presented  uint64
	claims     uint64

	aborts      uint64
	abortedCard string
}

// New builds a session that commits a material once it has been observed
// continuously for hold.
func New(hold time.Duration) *State {
	if hold <= 0 {
		hold = 5 * time.Second
	}
	return &State{hold: hold, containers: make(map[string]ContainerLevel)}
}

// HoldTime returns the configured commit threshold.
func (s *State) HoldTime() time.Duration {
	return s.hold
}

// Observe applies one classifier tick. kind is material.None when the tick had
// no positive label.
func (s *State) Observe(now time.Time, kind material.Kind) Observation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committed != material.None {
		return Observation{Material: s.committed, Progress: 1, Paused: true}
	}
	if !kind.Valid() {
		if s.active != nil {
			s.active = nil
			return Observation{Cleared: true}
		}
		return Observation{}
	}
	if s.active == nil || s.active.Material != kind {
		s.active = &Detection{Material: kind, StartedAt: now}
		return Observation{Material: kind, Started: true}
	}

	elapsed := now.Sub(s.active.StartedAt)
	progress := float64(elapsed) / float64(s.hold)
	switch {
	case progress < 0:
		progress = 0
	case progress > 1:
		progress = 1
	}
	s.active.Progress = progress
	if elapsed < s.hold {
		return Observation{Material: kind, Progress: progress}
	}

	s.committed = kind
	s.active = nil
	return Observation{
		Material:    kind,
		Progress:    1,
		Committed:   true,
		RewardReady: s.pending != nil && s.claim == nil,
	}
}

// Committed returns the material awaiting a reward, or material.None.
func (s *State) Committed() material.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// PresentUser records a resolved user as the one awaiting a reward. A later
// presentation replaces an earlier one.
func (s *State) PresentUser(user User) (Presentation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.linking != nil {
		return Presentation{}, ErrLinkingActive
	}
	s.presented++
	replaced := s.pending != nil && s.pending.user.ID != user.ID
	s.pending = &pendingUser{user: user, seq: s.presented}
	return Presentation{
		Replaced:    replaced,
		RewardReady: s.committed != material.None && s.claim == nil,
		Committed:   s.committed,
	}, nil
}

// ClaimReward reserves the committed material and pending user when both are
// present and no other reward is in flight.
func (s *State) ClaimReward() (Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committed == material.None || s.pending == nil || s.claim != nil {
		return Claim{}, false
	}
	s.claims++
	claim := Claim{
		Material:   s.committed,
		User:       s.pending.user,
		Generation: s.generation,
		token:      s.claims,
		presented:  s.pending.seq,
	}
	s.claim = &claim
	return claim, true
}

// CompleteReward records a persisted reward. Counters always advance; the
// committed material and pending user are cleared only if no reset happened
// while the claim was in flight.
func (s *State) CompleteReward(c Claim, transactionID string, before, after int64, at time.Time) Reward {
	s.mu.Lock()
	defer s.mu.Unlock()

	reward := Reward{
		TransactionID: transactionID,
		UserID:        c.User.ID,
		Name:          c.User.DisplayName,
		Material:      c.Material,
		PointsBefore:  before,
		PointsAfter:   after,
		PointsGained:  after - before,
		AppliedAt:     at,
	}
	s.counters.PointsTotal += reward.PointsGained
	s.counters.ItemsToday++
	s.lastReward = &reward

	s.releaseClaim(c)
	if c.Generation == s.generation {
		s.committed = material.None
		if s.pending != nil && s.pending.seq == c.presented {
			s.pending = nil
		}
	}
	return reward
}

// AbortReward releases a claim whose persistence failed. The committed
// material is kept; the pending user is dropped and the abort is recorded so
// the identity loop re-resolves the credential if it is still on the reader.
func (s *State) AbortReward(c Claim) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseClaim(c)
	if c.Generation == s.generation && s.pending != nil && s.pending.seq == c.presented {
		s.pending = nil
	}
	s.aborts++
	s.abortedCard = c.User.CredentialID
}

// LastAbort returns the number of aborted claims so far and the credential of
// the most recent one.
func (s *State) LastAbort() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts, s.abortedCard
}

func (s *State) releaseClaim(c Claim) {
	if s.claim != nil && s.claim.token == c.token {
		s.claim = nil
	}
}

// BeginLinking opens a linking session, replacing any open one. The replaced
// session is returned when there was one.
func (s *State) BeginLinking(userID, userName string, now time.Time) (Linking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var previous Linking
	replaced := s.linking != nil
	if replaced {
		previous = *s.linking
	}
	s.linking = &Linking{TargetUserID: userID, TargetUserName: userName, OpenedAt: now}
	return previous, replaced
}

// CurrentLinking returns the open linking session, if any.
func (s *State) CurrentLinking() (Linking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.linking == nil {
		return Linking{}, false
	}
	return *s.linking, true
}

// CancelLinking closes the open linking session.
func (s *State) CancelLinking() (Linking, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.linking == nil {
		return Linking{}, false
	}
	closed := *s.linking
	s.linking = nil
	return closed, true
}

// FinishLinking closes the linking session if it still targets userID. It
// reports false when the session was cancelled or retargeted meanwhile.
func (s *State) FinishLinking(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.linking == nil || s.linking.TargetUserID != userID {
		return false
	}
	s.linking = nil
	return true
}

// Reset clears the in-progress detection, committed material, pending user,
// last reward, and linking session. Counters, device flags, and container
// levels survive.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.active = nil
	s.committed = material.None
	s.pending = nil
	s.lastReward = nil
	s.linking = nil
	s.claim = nil
}

// SetCameraActive records classifier availability. It reports whether the
// flag changed.
func (s *State) SetCameraActive(active bool) bool {
	return s.setFlag(&s.devices.CameraActive, active)
}

// SetReaderActive records credential reader availability.
func (s *State) SetReaderActive(active bool) bool {
	return s.setFlag(&s.devices.NFCActive, active)
}

// SetTelemetryConnected records broker connectivity.
func (s *State) SetTelemetryConnected(connected bool) bool {
	return s.setFlag(&s.devices.MQTTConnected, connected)
}

func (s *State) setFlag(flag *bool, value bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if *flag == value {
		return false
	}
	*flag = value
	return true
}

// UpdateContainer stores the latest fill reading for a container.
func (s *State) UpdateContainer(level ContainerLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.containers[level.Target] = level
}

// Snapshot returns a deep copy of the session.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Committed:      s.committed,
		RewardInFlight: s.claim != nil,
		Counters:       s.counters,
		Devices:        s.devices,
		Containers:     make(map[string]ContainerLevel, len(s.containers)),
		Generation:     s.generation,
	}
	if s.active != nil {
		d := *s.active
		snap.Detection = &d
	}
	if s.pending != nil {
		u := s.pending.user
		snap.PendingUser = &u
	}
	if s.lastReward != nil {
		r := *s.lastReward
		snap.LastReward = &r
	}
	if s.linking != nil {
		l := *s.linking
		snap.Linking = &l
	}
	for k, v := range s.containers {
		snap.Containers[k] = v
	}
	return snap
}
