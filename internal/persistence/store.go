// Package persistence provides SQLite-backed launch history so past debug
// sessions can be inspected and re-launched after an agent restart.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// LaunchRecord is one recorded app launch.
type LaunchRecord struct {
	ID         string `json:"id"`
	Device     string `json:"device"`
	BundleID   string `json:"bundleId"`
	ListenPort int    `json:"listenPort"`
	AppBinary  string `json:"appBinary"`
	PID        int64  `json:"pid"`
	CreatedAt  string `json:"createdAt"` // ISO 8601
}

// Store provides persistent launch history backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the initial launches table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS launches (
			id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			bundle_id TEXT NOT NULL,
			listen_port INTEGER NOT NULL DEFAULT 0,
			app_binary TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_launches_device ON launches(device);
	`)
	return err
}

// migrateV2 adds the launched process id for debugserver re-attach.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE launches ADD COLUMN pid INTEGER NOT NULL DEFAULT 0`)
	return err
}

// RecordLaunch stores a launch. A missing ID gets a fresh UUID and a missing
// CreatedAt gets the current time; the stored record is returned.
func (s *Store) RecordLaunch(rec LaunchRecord) (LaunchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO launches (id, device, bundle_id, listen_port, app_binary, created_at, pid) VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.Device, rec.BundleID, rec.ListenPort, rec.AppBinary, rec.CreatedAt, rec.PID,
	)
	if err != nil {
		return LaunchRecord{}, fmt.Errorf("record launch: %w", err)
	}
	return rec, nil
}

// ListLaunches returns all launches, newest first.
func (s *Store) ListLaunches() ([]LaunchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, device, bundle_id, listen_port, app_binary, created_at, pid FROM launches ORDER BY created_at DESC, id DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("list launches: %w", err)
	}
	defer rows.Close()

	var launches []LaunchRecord
	for rows.Next() {
		var r LaunchRecord
		if err := rows.Scan(&r.ID, &r.Device, &r.BundleID, &r.ListenPort, &r.AppBinary, &r.CreatedAt, &r.PID); err != nil {
			return nil, fmt.Errorf("scan launch: %w", err)
		}
		launches = append(launches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate launches: %w", err)
	}

	if launches == nil {
		launches = []LaunchRecord{}
	}
	return launches, nil
}

// LatestLaunch returns the most recent launch for a device, or nil, nil when
// the device has none.
func (s *Store) LatestLaunch(device string) (*LaunchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r LaunchRecord
	err := s.db.QueryRow(
		"SELECT id, device, bundle_id, listen_port, app_binary, created_at, pid FROM launches WHERE device = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		device,
	).Scan(&r.ID, &r.Device, &r.BundleID, &r.ListenPort, &r.AppBinary, &r.CreatedAt, &r.PID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest launch: %w", err)
	}
	return &r, nil
}

// DeleteLaunch removes a launch record.
func (s *Store) DeleteLaunch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM launches WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete launch: %w", err)
	}
	return nil
}

// LaunchCount returns the number of recorded launches.
func (s *Store) LaunchCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM launches").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count launches: %w", err)
	}
	return count, nil
}
