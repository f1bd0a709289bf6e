package registry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ecobin/internal/registry"
	"ecobin/internal/services"
)

const redisPrefix = "test:"

func openRedisStore(t *testing.T, hooks ...redis.Hook) (*registry.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	for _, hook := range hooks {
		client.AddHook(hook)
	}
	store := registry.NewRedisStore(client, redisPrefix)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// contentionHook changes a watched key from a second connection right before
// a MULTI block is sent, so the following EXEC aborts.
type contentionHook struct {
	addr   string
	key    string
	limit  int32
	multis atomic.Int32
}

func (h *contentionHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *contentionHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *contentionHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if len(cmds) > 0 && cmds[0].Name() == "multi" {
			if n := h.multis.Add(1); h.limit < 0 || n <= h.limit {
				other := redis.NewClient(&redis.Options{Addr: h.addr})
				err := other.HSet(ctx, h.key, "FFFFFFFF", "someone-else").Err()
				_ = other.Close()
				if err != nil {
					return err
				}
			}
		}
		return next(ctx, cmds)
	}
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := registry.OpenRedis(context.Background(), mr.Addr(), "", 0, redisPrefix)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	_ = store.Close()

	addr := mr.Addr()
	mr.Close()
	if _, err := registry.OpenRedis(context.Background(), addr, "", 0, redisPrefix); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestRedisCreateUserReservesPIN(t *testing.T) {
	store, _ := openRedisStore(t)
	ctx := context.Background()

	created := mustCreate(t, store, registry.User{Name: "  Ana   María ", PIN: "123456", Points: 7})
	if created.ID == "" || created.Name != "Ana María" || created.Points != 7 {
		t.Fatalf("unexpected user %+v", created)
	}

	found, err := store.FindUserByPIN(ctx, "123456")
	if err != nil || found == nil || found.ID != created.ID {
		t.Fatalf("FindUserByPIN = %+v, %v", found, err)
	}
	if missing, err := store.FindUserByPIN(ctx, "654321"); err != nil || missing != nil {
		t.Fatalf("expected no user for unknown pin, got %+v %v", missing, err)
	}

	_, err = store.CreateUser(ctx, registry.User{Name: "Bea", PIN: "123456"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for duplicate pin, got %v", err)
	}
	if _, err := store.CreateUser(ctx, registry.User{Name: "Cid", PIN: "12"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for short pin, got %v", err)
	}
	users, err := store.ListUsers(ctx)
	if err != nil || len(users) != 1 {
		t.Fatalf("rejected users must not be stored, got %+v %v", users, err)
	}
}

func TestRedisUpdatePoints(t *testing.T) {
	store, mr := openRedisStore(t)
	ctx := context.Background()
	mustCreate(t, store, registry.User{ID: "u1", Name: "Ana", Points: 10})

	if err := store.UpdatePoints(ctx, "u1", 13); err != nil {
		t.Fatalf("UpdatePoints: %v", err)
	}
	user, err := store.GetUser(ctx, "u1")
	if err != nil || user.Points != 13 {
		t.Fatalf("expected 13 points, got %+v %v", user, err)
	}

	mr.Del(redisPrefix + "user:u1")
	if err := store.UpdatePoints(ctx, "u1", 16); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for deleted user, got %v", err)
	}
	if mr.Exists(redisPrefix + "user:u1") {
		t.Fatal("UpdatePoints recreated a deleted user")
	}
}

func TestRedisUpdatePointsRetriesOnContention(t *testing.T) {
	mr := miniredis.RunT(t)
	hook := &contentionHook{addr: mr.Addr(), key: redisPrefix + "user:u1", limit: 1}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := registry.NewRedisStore(client, redisPrefix)
	t.Cleanup(func() { _ = store.Close() })
	mustCreate(t, store, registry.User{ID: "u1", Name: "Ana", Points: 10})
	client.AddHook(hook)

	if err := store.UpdatePoints(context.Background(), "u1", 14); err != nil {
		t.Fatalf("UpdatePoints: %v", err)
	}
	if got := hook.multis.Load(); got != 2 {
		t.Fatalf("expected one retried transaction, got %d attempts", got)
	}
	if got := mr.HGet(redisPrefix+"user:u1", "points"); got != "14" {
		t.Fatalf("points = %q", got)
	}
}

func TestRedisLinkCredentialRebindsAtomically(t *testing.T) {
	store, _ := openRedisStore(t)
	ctx := context.Background()
	mustCreate(t, store, registry.User{ID: "u1", Name: "Ana"})

	res, err := registry.Link(ctx, store, "04AA", "u1")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if res.Previous != "" {
		t.Fatalf("expected no previous credential, got %q", res.Previous)
	}

	res, err = registry.Link(ctx, store, "04BB", "u1")
	if err != nil {
		t.Fatalf("relink: %v", err)
	}
	if res.Previous != "04AA" {
		t.Fatalf("expected previous 04AA, got %q", res.Previous)
	}
	if owner, _ := store.GetBinding(ctx, "04AA"); owner != "" {
		t.Fatalf("old credential still bound to %q", owner)
	}
	if owner, _ := store.GetBinding(ctx, "04BB"); owner != "u1" {
		t.Fatalf("new credential bound to %q", owner)
	}
	user, _ := store.GetUser(ctx, "u1")
	if user.CredentialID != "04BB" {
		t.Fatalf("user credential %q", user.CredentialID)
	}

	if _, err := registry.Link(ctx, store, "04BB", "u1"); err != nil {
		t.Fatalf("relinking the same credential must be idempotent: %v", err)
	}
	if _, err := registry.Link(ctx, store, "04CC", "ghost"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}

func TestRedisLinkConflictLeavesBindingsUntouched(t *testing.T) {
	store, _ := openRedisStore(t)
	ctx := context.Background()
	mustCreate(t, store, registry.User{ID: "u1", Name: "Ana"})
	mustCreate(t, store, registry.User{ID: "u2", Name: "Bea"})
	if _, err := registry.Link(ctx, store, "04AA", "u1"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := registry.Link(ctx, store, "04BB", "u2"); err != nil {
		t.Fatalf("Link: %v", err)
	}

	_, err := registry.Link(ctx, store, "04AA", "u2")
	if !errors.Is(err, services.ErrCredentialConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if owner, _ := store.GetBinding(ctx, "04AA"); owner != "u1" {
		t.Fatalf("conflict changed binding to %q", owner)
	}
	if owner, _ := store.GetBinding(ctx, "04BB"); owner != "u2" {
		t.Fatalf("conflict removed u2's own binding, owner %q", owner)
	}
	u2, _ := store.GetUser(ctx, "u2")
	if u2.CredentialID != "04BB" {
		t.Fatalf("conflict changed u2 credential to %q", u2.CredentialID)
	}
}

func TestRedisConcurrentLinksOneWinner(t *testing.T) {
	store, _ := openRedisStore(t)
	ctx := context.Background()
	mustCreate(t, store, registry.User{ID: "u1", Name: "Ana"})
	mustCreate(t, store, registry.User{ID: "u2", Name: "Bea"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"u1", "u2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = registry.Link(ctx, store, "04CC", id)
		}()
	}
	wg.Wait()

	owner, err := store.GetBinding(ctx, "04CC")
	if err != nil || owner == "" {
		t.Fatalf("expected a winner, got %q %v", owner, err)
	}
	for i, id := range []string{"u1", "u2"} {
		if id == owner {
			if errs[i] != nil {
				t.Fatalf("winner %s reported error %v", id, errs[i])
			}
			continue
		}
		if errs[i] == nil {
			t.Fatalf("loser %s reported success", id)
		}
		user, _ := store.GetUser(ctx, id)
		if user.CredentialID == "04CC" {
			t.Fatalf("loser %s holds the credential", id)
		}
	}
}

func TestRedisLinkRetriesWhenIndexChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	hook := &contentionHook{addr: mr.Addr(), key: redisPrefix + "nfc_index", limit: 1}
	store, _ := openRedisStoreOn(t, mr, hook)
	ctx := context.Background()

	if _, err := registry.Link(ctx, store, "04AA", "u1"); err != nil {
		t.Fatalf("Link after one aborted transaction: %v", err)
	}
	if got := hook.multis.Load(); got != 2 {
		t.Fatalf("expected one retried transaction, got %d attempts", got)
	}
	if owner, _ := store.GetBinding(ctx, "04AA"); owner != "u1" {
		t.Fatalf("credential bound to %q", owner)
	}
}

func TestRedisLinkGivesUpUnderContention(t *testing.T) {
	mr := miniredis.RunT(t)
	hook := &contentionHook{addr: mr.Addr(), key: redisPrefix + "nfc_index", limit: -1}
	store, _ := openRedisStoreOn(t, mr, hook)
	ctx := context.Background()

	_, err := registry.Link(ctx, store, "04AA", "u1")
	if !errors.Is(err, services.ErrPersistence) || !errors.Is(err, redis.TxFailedErr) {
		t.Fatalf("expected persistence failure wrapping TxFailedErr, got %v", err)
	}
	if got := hook.multis.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if owner, _ := store.GetBinding(ctx, "04AA"); owner != "" {
		t.Fatalf("failed link left binding to %q", owner)
	}
	user, _ := store.GetUser(ctx, "u1")
	if user.CredentialID != "" {
		t.Fatalf("failed link left user credential %q", user.CredentialID)
	}
}

// openRedisStoreOn seeds user u1 before installing hooks so only the code
// under test sees contention.
func openRedisStoreOn(t *testing.T, mr *miniredis.Miniredis, hooks ...redis.Hook) (*registry.RedisStore, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := registry.NewRedisStore(client, redisPrefix)
	t.Cleanup(func() { _ = store.Close() })
	mustCreate(t, store, registry.User{ID: "u1", Name: "Ana"})
	for _, hook := range hooks {
		client.AddHook(hook)
	}
	return store, client
}

func TestRedisMirrorContainer(t *testing.T) {
	store, mr := openRedisStore(t)
	percent := 81.5
	err := store.MirrorContainer(context.Background(), registry.ContainerRecord{
		Target:    "plastic",
		DeviceID:  "esp32-01",
		Percent:   &percent,
		State:     "full",
		UpdatedAt: 1700000000000,
	})
	if err != nil {
		t.Fatalf("MirrorContainer: %v", err)
	}
	key := redisPrefix + "container/plastic"
	if got := mr.HGet(key, "porcentaje"); got != "81.5" {
		t.Fatalf("porcentaje = %q", got)
	}
	if got := mr.HGet(key, "deviceId"); got != "esp32-01" {
		t.Fatalf("deviceId = %q", got)
	}
	if got := mr.HGet(key, "updatedAt"); got != "1700000000000" {
		t.Fatalf("updatedAt = %q", got)
	}
}

func TestRedisListUsersOrderedByName(t *testing.T) {
	store, _ := openRedisStore(t)
	for _, name := range []string{"Cid", "Ana", "Bea"} {
		mustCreate(t, store, registry.User{Name: name})
	}
	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	var names []string
	for _, u := range users {
		names = append(names, u.Name)
	}
	if len(names) != 3 || names[0] != "Ana" || names[1] != "Bea" || names[2] != "Cid" {
		t.Fatalf("unexpected order %v", names)
	}
}
