package registry

import (
	"context"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// User is a registry account that can earn points.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	PIN          string    `json:"-"`
	CredentialID string    `json:"credential_id,omitempty"`
	Points       int64     `json:"points"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ContainerRecord is the mirrored form of a container fill reading.
type ContainerRecord struct {
	Target     string   `json:"target"`
	DeviceID   string   `json:"deviceId,omitempty"`
	DistanceCM *float64 `json:"distance_cm,omitempty"`
	State      string   `json:"estado,omitempty"`
	Percent    *float64 `json:"porcentaje,omitempty"`
	ReportedAt int64    `json:"timestamp,omitempty"`
	UpdatedAt  int64    `json:"updatedAt"`
}

// Registry is the subset of the store the session loops depend on.
type Registry interface {
	GetUser(ctx context.Context, id string) (*User, error)
	UpdatePoints(ctx context.Context, id string, balance int64) error
	GetBinding(ctx context.Context, credentialID string) (string, error)
	SetBinding(ctx context.Context, credentialID, userID string) error
	DeleteBinding(ctx context.Context, credentialID string) error
	SetUserCredential(ctx context.Context, userID, credentialID string) error
	FindUserByPIN(ctx context.Context, pin string) (*User, error)
	MirrorContainer(ctx context.Context, rec ContainerRecord) error
}

// CredentialLinker is implemented by backends that can perform the whole
// rebind (conflict check, old binding removal, new binding, user update) as
// one atomic step. It returns the credential the user held before.
type CredentialLinker interface {
	LinkCredential(ctx context.Context, credentialID, userID string) (string, error)
}

// Store is a Registry with administration and lifecycle methods.
type Store interface {
	Registry
	CredentialLinker
	CreateUser(ctx context.Context, user User) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	Close() error
}

var pinPattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidPIN reports whether pin is exactly six ASCII digits.
func ValidPIN(pin string) bool {
	return pinPattern.MatchString(pin)
}

// NormalizeCredential canonicalizes a card UID: separators removed, hex upper-cased.
func NormalizeCredential(uid string) string {
	var b strings.Builder
	b.Grow(len(uid))
	for _, r := range strings.TrimSpace(uid) {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	return b.String()
}

// NormalizeName composes a display name to NFC and collapses whitespace.
func NormalizeName(name string) string {
	name = strings.Join(strings.Fields(norm.NFC.String(name)), " ")
	if name == "" {
		return "Unnamed"
	}
	return name
}

// NormalizeEmail case-folds an email address for storage and comparison.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}
