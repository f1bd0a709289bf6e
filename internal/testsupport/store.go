package testsupport

import (
	"context"
	"sync"
	"testing"

	"ecobin/internal/config"
	"ecobin/internal/registry"
)

// MustOpenRegistry opens the sqlite registry for tests and registers cleanup.
func MustOpenRegistry(t testing.TB, cfg *config.Config) *registry.SQLiteStore {
	t.Helper()

	store, err := registry.OpenSQLite(cfg.Registry.SQLitePath)
	if err != nil {
		t.Fatalf("registry.OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustCreateUser inserts a user and returns the stored record. When
// credential is non-empty it is bound to the new user.
func MustCreateUser(t testing.TB, store registry.Store, name, pin string, points int64, credential string) *registry.User {
	t.Helper()

	ctx := context.Background()
	user, err := store.CreateUser(ctx, registry.User{Name: name, PIN: pin, Points: points})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	if credential != "" {
		if _, err := store.LinkCredential(ctx, registry.NormalizeCredential(credential), user.ID); err != nil {
			t.Fatalf("LinkCredential(%s): %v", credential, err)
		}
		user.CredentialID = registry.NormalizeCredential(credential)
	}
	return user
}

// FlakyRegistry wraps a registry and fails selected calls on demand.
type FlakyRegistry struct {
	registry.Registry

	mu          sync.Mutex
	updateErr   error
	getUserErr  error
	updateCalls int
}

// NewFlakyRegistry wraps reg.
func NewFlakyRegistry(reg registry.Registry) *FlakyRegistry {
	return &FlakyRegistry{Registry: reg}
}

// FailUpdates makes UpdatePoints return err until cleared with nil.
func (f *FlakyRegistry) FailUpdates(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateErr = err
}

// FailGetUser makes GetUser return err until cleared with nil.
func (f *FlakyRegistry) FailGetUser(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getUserErr = err
}

// UpdateCalls reports how many UpdatePoints calls were attempted.
func (f *FlakyRegistry) UpdateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls
}

func (f *FlakyRegistry) GetUser(ctx context.Context, id string) (*registry.User, error) {
	f.mu.Lock()
	err := f.getUserErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Registry.GetUser(ctx, id)
}

func (f *FlakyRegistry) UpdatePoints(ctx context.Context, id string, balance int64) error {
	f.mu.Lock()
	f.updateCalls++
	err := f.updateErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Registry.UpdatePoints(ctx, id, balance)
}
