package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists session records in a local SQLite database, for
// single-node deployments whose records must survive a restart.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS session_state (
    session TEXT NOT NULL,
    key TEXT NOT NULL,
    value BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session, key)
);
CREATE TABLE IF NOT EXISTS session_alarms (
    session TEXT PRIMARY KEY,
    fire_at_unix_ms INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, session, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_state (session, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		session, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, session, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_state WHERE session=? AND key=?`, session, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get state: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, session, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_state WHERE session=? AND key=?`, session, key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, session string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_state WHERE session=?`, session); err != nil {
		return fmt.Errorf("delete all state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetAlarm(ctx context.Context, session string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_alarms (session, fire_at_unix_ms) VALUES (?, ?)
		 ON CONFLICT(session) DO UPDATE SET fire_at_unix_ms=excluded.fire_at_unix_ms`,
		session, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAlarm(ctx context.Context, session string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fire_at_unix_ms FROM session_alarms WHERE session=?`, session).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get alarm: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *SQLiteStore) DeleteAlarm(ctx context.Context, session string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_alarms WHERE session=?`, session); err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
