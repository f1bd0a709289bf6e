package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ecobin/internal/services"
)

const redisWatchAttempts = 3

// RedisStore keeps the registry in a Redis keyspace:
//
//	{prefix}user:{id}           hash of user fields
//	{prefix}users               set of user ids
//	{prefix}nfc_index           hash credential -> user id
//	{prefix}pin_index           hash pin -> user id
//	{prefix}container/{target}  hash of the last fill reading
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// OpenRedis connects to addr and verifies the connection with PING.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisStore(client, prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Close closes the client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) userKey(id string) string { return s.prefix + "user:" + id }

func (s *RedisStore) usersKey() string { return s.prefix + "users" }

func (s *RedisStore) nfcIndexKey() string { return s.prefix + "nfc_index" }

func (s *RedisStore) pinIndexKey() string { return s.prefix + "pin_index" }

func (s *RedisStore) containerKey(target string) string { return s.prefix + "container/" + target }

func (s *RedisStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// GetUser fetches a user by id. It returns (nil, nil) when absent.
func (s *RedisStore) GetUser(ctx context.Context, id string) (*User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return userFromHash(id, fields)
}

// UpdatePoints overwrites a user's balance. The existence check and the write
// run in one WATCH transaction so a concurrently deleted user is not
// recreated as a partial hash.
func (s *RedisStore) UpdatePoints(ctx context.Context, id string, balance int64) error {
	key := s.userKey(id)
	txn := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return services.Wrap(services.ErrNotFound, "registry", "update_points", fmt.Sprintf("user %s", id), nil)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "points", balance, "updated_at", s.timestamp())
			return nil
		})
		return err
	}

	err := s.watchRetry(ctx, txn, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrNotFound):
		return err
	default:
		return services.Wrap(services.ErrPersistence, "registry", "update_points", id, err)
	}
}

// watchRetry runs txn under WATCH on keys, retrying a bounded number of times
// when a watched key changes before EXEC.
func (s *RedisStore) watchRetry(ctx context.Context, txn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < redisWatchAttempts; attempt++ {
		err = s.client.Watch(ctx, txn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// GetBinding returns the user bound to credentialID, or "" when unbound.
func (s *RedisStore) GetBinding(ctx context.Context, credentialID string) (string, error) {
	userID, err := s.client.HGet(ctx, s.nfcIndexKey(), credentialID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get binding: %w", err)
	}
	return userID, nil
}

// SetBinding points credentialID at userID.
func (s *RedisStore) SetBinding(ctx context.Context, credentialID, userID string) error {
	if err := s.client.HSet(ctx, s.nfcIndexKey(), credentialID, userID).Err(); err != nil {
		return services.Wrap(services.ErrPersistence, "registry", "set_binding", credentialID, err)
	}
	return nil
}

// DeleteBinding removes credentialID from the index.
func (s *RedisStore) DeleteBinding(ctx context.Context, credentialID string) error {
	if err := s.client.HDel(ctx, s.nfcIndexKey(), credentialID).Err(); err != nil {
		return services.Wrap(services.ErrPersistence, "registry", "delete_binding", credentialID, err)
	}
	return nil
}

// SetUserCredential records credentialID on the user hash.
func (s *RedisStore) SetUserCredential(ctx context.Context, userID, credentialID string) error {
	if err := s.client.HSet(ctx, s.userKey(userID), "credential_id", credentialID, "updated_at", s.timestamp()).Err(); err != nil {
		return services.Wrap(services.ErrPersistence, "registry", "set_user_credential", userID, err)
	}
	return nil
}

// LinkCredential rebinds credentialID to userID inside a WATCH transaction on
// the credential index and the user hash. Concurrent writers cause a bounded
// number of retries.
func (s *RedisStore) LinkCredential(ctx context.Context, credentialID, userID string) (string, error) {
	var previous string
	txn := func(tx *redis.Tx) error {
		owner, err := tx.HGet(ctx, s.nfcIndexKey(), credentialID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("lookup credential: %w", err)
		}
		if owner != "" && owner != userID {
			return conflictError(credentialID, owner)
		}
		exists, err := tx.Exists(ctx, s.userKey(userID)).Result()
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if exists == 0 {
			return services.Wrap(services.ErrNotFound, "registry", "link", fmt.Sprintf("user %s", userID), nil)
		}
		previous, err = tx.HGet(ctx, s.userKey(userID), "credential_id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("load previous credential: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.userKey(userID), "credential_id", credentialID, "updated_at", s.timestamp())
			if previous != "" && previous != credentialID {
				pipe.HDel(ctx, s.nfcIndexKey(), previous)
			}
			pipe.HSet(ctx, s.nfcIndexKey(), credentialID, userID)
			return nil
		})
		return err
	}

	if err := s.watchRetry(ctx, txn, s.nfcIndexKey(), s.userKey(userID)); err != nil {
		return "", err
	}
	return previous, nil
}

// FindUserByPIN looks a user up by their six-digit PIN. It returns (nil, nil) when absent.
func (s *RedisStore) FindUserByPIN(ctx context.Context, pin string) (*User, error) {
	userID, err := s.client.HGet(ctx, s.pinIndexKey(), pin).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by pin: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// MirrorContainer stores the last fill reading for a container.
func (s *RedisStore) MirrorContainer(ctx context.Context, rec ContainerRecord) error {
	if err := s.client.HSet(ctx, s.containerKey(rec.Target), containerHash(rec)).Err(); err != nil {
		return services.Wrap(services.ErrPersistence, "registry", "mirror_container", rec.Target, err)
	}
	return nil
}

// CreateUser inserts a user. An empty ID is replaced by a generated one.
func (s *RedisStore) CreateUser(ctx context.Context, user User) (*User, error) {
	user, err := prepareUser(user)
	if err != nil {
		return nil, err
	}
	if user.PIN != "" {
		claimed, err := s.client.HSetNX(ctx, s.pinIndexKey(), user.PIN, user.ID).Result()
		if err != nil {
			return nil, services.Wrap(services.ErrPersistence, "registry", "create_user", "reserve pin", err)
		}
		if !claimed {
			return nil, services.Wrap(services.ErrValidation, "registry", "create_user", "pin already in use", nil)
		}
	}
	now := s.timestamp()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(user.ID),
			"id", user.ID,
			"name", user.Name,
			"email", user.Email,
			"pin", user.PIN,
			"credential_id", "",
			"points", user.Points,
			"created_at", now,
			"updated_at", now,
		)
		pipe.SAdd(ctx, s.usersKey(), user.ID)
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "registry", "create_user", user.ID, err)
	}
	return s.GetUser(ctx, user.ID)
}

// ListUsers returns every user ordered by name.
func (s *RedisStore) ListUsers(ctx context.Context) ([]User, error) {
	ids, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]User, 0, len(ids))
	for _, id := range ids {
		user, err := s.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if user != nil {
			users = append(users, *user)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name == users[j].Name {
			return users[i].ID < users[j].ID
		}
		return users[i].Name < users[j].Name
	})
	return users, nil
}

func userFromHash(id string, fields map[string]string) (*User, error) {
	user := &User{
		ID:           id,
		Name:         fields["name"],
		Email:        fields["email"],
		PIN:          fields["pin"],
		CredentialID: fields["credential_id"],
	}
	if raw := strings.TrimSpace(fields["points"]); raw != "" {
		points, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("user %s: invalid points %q: %w", id, raw, err)
		}
		user.Points = points
	}
	user.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	user.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return user, nil
}

func containerHash(rec ContainerRecord) map[string]any {
	out := map[string]any{
		"target":    rec.Target,
		"updatedAt": rec.UpdatedAt,
	}
	if rec.DeviceID != "" {
		out["deviceId"] = rec.DeviceID
	}
	if rec.DistanceCM != nil {
		out["distance_cm"] = *rec.DistanceCM
	}
	if rec.State != "" {
		out["estado"] = rec.State
	}
	if rec.Percent != nil {
		out["porcentaje"] = *rec.Percent
	}
	if rec.ReportedAt != 0 {
		out["timestamp"] = rec.ReportedAt
	}
	return out
}
