// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite.
// ABOUTME: Connector, device and session persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements ConnectorStore, DeviceStore and SessionStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connectors (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen_at DATETIME,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_connectors_tenant
			ON connectors(tenant_id);

		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			primary_host TEXT NOT NULL DEFAULT '',
			fallback_host TEXT NOT NULL DEFAULT '',
			legacy_host TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_devices_tenant
			ON devices(tenant_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			target_override TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status
			ON sessions(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConnector inserts a connector record.
func (s *SQLiteStore) CreateConnector(ctx context.Context, c *Connector) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connectors (id, tenant_id, owner_id, name, online, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.OwnerID, c.Name, boolToInt(c.Online), nullTime(c.LastSeenAt), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting connector: %w", err)
	}
	return nil
}

// GetConnector retrieves a connector record by id.
func (s *SQLiteStore) GetConnector(ctx context.Context, id string) (*Connector, error) {
	var c Connector
	var online int
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, owner_id, name, online, last_seen_at, created_at
		FROM connectors WHERE id = ?`, id,
	).Scan(&c.ID, &c.TenantID, &c.OwnerID, &c.Name, &online, &lastSeen, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConnectorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connector: %w", err)
	}
	c.Online = online != 0
	if lastSeen.Valid {
		c.LastSeenAt = lastSeen.Time
	}
	return &c, nil
}

// SetConnectorOnline records an online/offline transition with a fresh
// last-seen timestamp.
func (s *SQLiteStore) SetConnectorOnline(ctx context.Context, id string, online bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connectors SET online = ?, last_seen_at = ? WHERE id = ?`,
		boolToInt(online), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating connector status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating connector status: %w", err)
	}
	if n == 0 {
		return ErrConnectorNotFound
	}
	return nil
}

// ListConnectors returns all connector records for a tenant.
func (s *SQLiteStore) ListConnectors(ctx context.Context, tenantID string) ([]*Connector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, owner_id, name, online, last_seen_at, created_at
		FROM connectors WHERE tenant_id = ? ORDER BY created_at`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connectors: %w", err)
	}
	defer rows.Close()

	var out []*Connector
	for rows.Next() {
		var c Connector
		var online int
		var lastSeen sql.NullTime
		if err := rows.Scan(&c.ID, &c.TenantID, &c.OwnerID, &c.Name, &online, &lastSeen, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning connector: %w", err)
		}
		c.Online = online != 0
		if lastSeen.Valid {
			c.LastSeenAt = lastSeen.Time
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CreateDevice inserts a device record.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, tenant_id, name, primary_host, fallback_host, legacy_host, address)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.Name, d.PrimaryHost, d.FallbackHost, d.LegacyHost, d.Address,
	)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device record by id.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, primary_host, fallback_host, legacy_host, address
		FROM devices WHERE id = ?`, id,
	).Scan(&d.ID, &d.TenantID, &d.Name, &d.PrimaryHost, &d.FallbackHost, &d.LegacyHost, &d.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return &d, nil
}

// SaveSession inserts or replaces a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, tenant_id, device_id, target_override, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TenantID, sess.DeviceID, sess.TargetOverride, sess.Status, sess.ExpiresAt, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, device_id, target_override, status, expires_at, created_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.TenantID, &sess.DeviceID, &sess.TargetOverride, &sess.Status, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &sess, nil
}

// ExpireSession transitions a session to the expired state.
func (s *SQLiteStore) ExpireSession(ctx context.Context, id string) error {
	return s.setSessionStatus(ctx, id, SessionStatusExpired)
}

// EndSession transitions a session to the ended state.
func (s *SQLiteStore) EndSession(ctx context.Context, id string) error {
	return s.setSessionStatus(ctx, id, SessionStatusEnded)
}

func (s *SQLiteStore) setSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
