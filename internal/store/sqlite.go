// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema, and holds shared scan helpers

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and this keeps
	// concurrent first contacts from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id      TEXT PRIMARY KEY,
			chat_id      TEXT NOT NULL,
			display_name TEXT NOT NULL,
			username     TEXT,
			premium      INTEGER NOT NULL DEFAULT 0,
			blocked      INTEGER NOT NULL DEFAULT 0,
			verified     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS threads (
			thread_id        TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL REFERENCES users(user_id),
			title            TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'open',
			unread           INTEGER NOT NULL DEFAULT 0,
			unread_notice_id TEXT,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,

			CHECK (status IN ('open', 'closed', 'archived')),
			CHECK (unread >= 0)
		);

		-- at most one live thread per user
		CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_user_live
			ON threads(user_id) WHERE status != 'archived';

		CREATE INDEX IF NOT EXISTS idx_threads_activity ON threads(last_activity_at DESC);

		CREATE TABLE IF NOT EXISTS message_links (
			source_chat    TEXT NOT NULL,
			source_id      TEXT NOT NULL,
			dest_chat      TEXT NOT NULL,
			dest_id        TEXT NOT NULL,
			direction      TEXT NOT NULL,
			media_group_id TEXT,
			thread_id      TEXT NOT NULL,
			created_at     TEXT NOT NULL,

			PRIMARY KEY (source_chat, source_id, dest_chat, dest_id),
			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_links_dest ON message_links(dest_chat, dest_id);
		CREATE INDEX IF NOT EXISTS idx_links_thread ON message_links(thread_id);

		CREATE TABLE IF NOT EXISTS system_threads (
			name      TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS delivery_failures (
			id           TEXT PRIMARY KEY,
			operation    TEXT NOT NULL,
			destination  TEXT NOT NULL,
			payload_kind TEXT NOT NULL,
			source_ref   TEXT,
			attempts     INTEGER NOT NULL,
			error        TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_failures_created ON delivery_failures(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions for databases created by older
// releases. Each step checks pragma_table_info first, so reruns are no-ops.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{"users", "username", `ALTER TABLE users ADD COLUMN username TEXT`},
		{"threads", "unread_notice_id", `ALTER TABLE threads ADD COLUMN unread_notice_id TEXT`},
		{"message_links", "media_group_id", `ALTER TABLE message_links ADD COLUMN media_group_id TEXT`},
		{"users", "verified", `ALTER TABLE users ADD COLUMN verified INTEGER NOT NULL DEFAULT 0`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings so they are stored as NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
