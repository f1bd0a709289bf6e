package registry

import (
	"testing"
)

func TestUserFromHash(t *testing.T) {
	user, err := userFromHash("u1", map[string]string{
		"name":          "Ana",
		"points":        "12",
		"credential_id": "04AA",
		"created_at":    "2026-01-02T03:04:05Z",
	})
	if err != nil {
		t.Fatalf("userFromHash: %v", err)
	}
	if user.ID != "u1" || user.Name != "Ana" || user.Points != 12 || user.CredentialID != "04AA" {
		t.Fatalf("unexpected user %+v", user)
	}
	if user.CreatedAt.IsZero() {
		t.Fatal("expected created_at parsed")
	}

	if _, err := userFromHash("u2", map[string]string{"points": "lots"}); err == nil {
		t.Fatal("expected error for non-numeric points")
	}
}

func TestContainerHashOmitsEmptyFields(t *testing.T) {
	percent := 55.5
	out := containerHash(ContainerRecord{Target: "bin-1", Percent: &percent, UpdatedAt: 99})
	if out["porcentaje"] != 55.5 || out["updatedAt"] != int64(99) {
		t.Fatalf("unexpected hash %v", out)
	}
	for _, key := range []string{"deviceId", "distance_cm", "estado", "timestamp"} {
		if _, ok := out[key]; ok {
			t.Fatalf("expected %s omitted, got %v", key, out)
		}
	}
}

func TestRedisKeys(t *testing.T) {
	s := NewRedisStore(nil, "ecobin:")
	if got := s.userKey("u1"); got != "ecobin:user:u1" {
		t.Fatalf("userKey = %q", got)
	}
	if got := s.containerKey("bin-1"); got != "ecobin:container/bin-1" {
		t.Fatalf("containerKey = %q", got)
	}
	if got := s.nfcIndexKey(); got != "ecobin:nfc_index" {
		t.Fatalf("nfcIndexKey = %q", got)
	}
}
