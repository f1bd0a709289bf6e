package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"ecobin/internal/services"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const userColumns = "id, name, email, pin, credential_id, points, created_at, updated_at"

// SQLiteStore is the embedded registry backend.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite initializes or connects to the registry database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure registry directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path, now: time.Now}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (move %s aside to recreate it)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// GetUser fetches a user by id. It returns (nil, nil) when absent.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return user, nil
}

// UpdatePoints overwrites a user's balance.
func (s *SQLiteStore) UpdatePoints(ctx context.Context, id string, balance int64) error {
	res, err := s.execWithRetry(ctx, "UPDATE users SET points = ?, updated_at = ? WHERE id = ?", balance, s.timestamp(), id)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "registry", "update_points", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return services.Wrap(services.ErrNotFound, "registry", "update_points", fmt.Sprintf("user %s", id), nil)
	}
	return nil
}

// GetBinding returns the user bound to credentialID, or "" when unbound.
func (s *SQLiteStore) GetBinding(ctx context.Context, credentialID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, "SELECT user_id FROM credential_index WHERE credential_id = ?", credentialID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get binding: %w", err)
	}
	return userID, nil
}

// SetBinding points credentialID at userID.
func (s *SQLiteStore) SetBinding(ctx context.Context, credentialID, userID string) error {
	_, err := s.execWithRetry(ctx,
		`INSERT INTO credential_index (credential_id, user_id, bound_at) VALUES (?, ?, ?)
         ON CONFLICT(credential_id) DO UPDATE SET user_id = excluded.user_id, bound_at = excluded.bound_at`,
		credentialID, userID, s.timestamp())
	if err != nil {
		return services.Wrap(services.ErrPersistence, "registry", "set_binding", credentialID, err)
	}
	return nil
}

// DeleteBinding removes credentialID from the index.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, credentialID string) error {
	if _, err := s.execWithRetry(ctx, "DELETE FROM credential_index WHERE credential_id = ?", credentialID); err != nil {
		return services.Wrap(services.ErrPersistence, "registry", "delete_binding", credentialID, err)
	}
	return nil
}

// SetUserCredential records credentialID on the user record.
func (s *SQLiteStore) SetUserCredential(ctx context.Context, userID, credentialID string) error {
	res, err := s.execWithRetry(ctx, "UPDATE users SET credential_id = ?, updated_at = ? WHERE id = ?",
		nullableString(credentialID), s.timestamp(), userID)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "registry", "set_user_credential", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return services.Wrap(services.ErrNotFound, "registry", "set_user_credential", fmt.Sprintf("user %s", userID), nil)
	}
	return nil
}

// LinkCredential rebinds credentialID to userID in one transaction.
func (s *SQLiteStore) LinkCredential(ctx context.Context, credentialID, userID string) (string, error) {
	var previous string
	err := retryOnBusy(ctx, func() error {
		var err error
		previous, err = s.linkTx(ctx, credentialID, userID)
		return err
	})
	return previous, err
}

func (s *SQLiteStore) linkTx(ctx context.Context, credentialID, userID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin link tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, "SELECT user_id FROM credential_index WHERE credential_id = ?", credentialID).Scan(&owner)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup credential: %w", err)
	}
	if owner != "" && owner != userID {
		return "", conflictError(credentialID, owner)
	}

	var previous sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT credential_id FROM users WHERE id = ?", userID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return "", services.Wrap(services.ErrNotFound, "registry", "link", fmt.Sprintf("user %s", userID), nil)
	}
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, "UPDATE users SET credential_id = ?, updated_at = ? WHERE id = ?", credentialID, now, userID); err != nil {
		return "", fmt.Errorf("update user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM credential_index WHERE user_id = ? AND credential_id <> ?", userID, credentialID); err != nil {
		return "", fmt.Errorf("remove previous binding: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credential_index (credential_id, user_id, bound_at) VALUES (?, ?, ?)
         ON CONFLICT(credential_id) DO UPDATE SET user_id = excluded.user_id, bound_at = excluded.bound_at`,
		credentialID, userID, now); err != nil {
		return "", fmt.Errorf("install binding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit link: %w", err)
	}
	return previous.String, nil
}

// FindUserByPIN looks a user up by their six-digit PIN. It returns (nil, nil) when absent.
func (s *SQLiteStore) FindUserByPIN(ctx context.Context, pin string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE pin = ?", pin)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by pin: %w", err)
	}
	return user, nil
}

// MirrorContainer upserts a container fill record.
func (s *SQLiteStore) MirrorContainer(ctx context.Context, rec ContainerRecord) error {
	_, err := s.execWithRetry(ctx,
		`INSERT INTO containers (target, device_id, distance_cm, state, percent, reported_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(target) DO UPDATE SET
            device_id = excluded.device_id,
            distance_cm = excluded.distance_cm,
            state = excluded.state,
            percent = excluded.percent,
            reported_at = excluded.reported_at,
            updated_at = excluded.updated_at`,
		rec.Target,
		nullableString(rec.DeviceID),
		nullableFloat(rec.DistanceCM),
		nullableString(rec.State),
		nullableFloat(rec.Percent),
		nullableInt(rec.ReportedAt),
		rec.UpdatedAt,
	)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "registry", "mirror_container", rec.Target, err)
	}
	return nil
}

// GetContainer returns the mirrored record for target, or (nil, nil).
func (s *SQLiteStore) GetContainer(ctx context.Context, target string) (*ContainerRecord, error) {
	var (
		rec      ContainerRecord
		device   sql.NullString
		distance sql.NullFloat64
		state    sql.NullString
		percent  sql.NullFloat64
		reported sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT target, device_id, distance_cm, state, percent, reported_at, updated_at FROM containers WHERE target = ?",
		target,
	).Scan(&rec.Target, &device, &distance, &state, &percent, &reported, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get container: %w", err)
	}
	rec.DeviceID = device.String
	rec.State = state.String
	rec.ReportedAt = reported.Int64
	if distance.Valid {
		rec.DistanceCM = &distance.Float64
	}
	if percent.Valid {
		rec.Percent = &percent.Float64
	}
	return &rec, nil
}

// CreateUser inserts a user. An empty ID is replaced by a generated one.
func (s *SQLiteStore) CreateUser(ctx context.Context, user User) (*User, error) {
	user, err := prepareUser(user)
	if err != nil {
		return nil, err
	}
	now := s.timestamp()
	_, err = s.execWithRetry(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		user.ID, user.Name, nullableString(user.Email), nullableString(user.PIN), nil, user.Points, now, now,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "registry", "create_user", user.ID, err)
	}
	return s.GetUser(ctx, user.ID)
}

// ListUsers returns every user ordered by name.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		user       User
		email      sql.NullString
		pin        sql.NullString
		credential sql.NullString
		created    string
		updated    string
	)
	if err := row.Scan(&user.ID, &user.Name, &email, &pin, &credential, &user.Points, &created, &updated); err != nil {
		return nil, err
	}
	user.Email = email.String
	user.PIN = pin.String
	user.CredentialID = credential.String
	user.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	user.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &user, nil
}

func prepareUser(user User) (User, error) {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Name = NormalizeName(user.Name)
	user.Email = NormalizeEmail(user.Email)
	user.PIN = strings.TrimSpace(user.PIN)
	if user.PIN != "" && !ValidPIN(user.PIN) {
		return User{}, services.Wrap(services.ErrValidation, "registry", "create_user", "pin must be exactly 6 digits", nil)
	}
	if user.Points < 0 {
		return User{}, services.Wrap(services.ErrValidation, "registry", "create_user", "points must not be negative", nil)
	}
	return user, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
