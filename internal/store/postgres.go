package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records in PostgreSQL for deployments where
// several bridge nodes share one control-state database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_state (
			session TEXT NOT NULL,
			key TEXT NOT NULL,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session, key)
		);`,
		`CREATE TABLE IF NOT EXISTS session_alarms (
			session TEXT PRIMARY KEY,
			fire_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, session, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_state (session, key, value, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (session, key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`,
		session, key, value)
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, session, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM session_state WHERE session=$1 AND key=$2`, session, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get state: %w", err)
	}
	return value, true, nil
}

func (s *PostgresStore) Delete(ctx context.Context, session, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM session_state WHERE session=$1 AND key=$2`, session, key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context, session string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM session_state WHERE session=$1`, session); err != nil {
		return fmt.Errorf("delete all state: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetAlarm(ctx context.Context, session string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_alarms (session, fire_at) VALUES ($1, $2)
		 ON CONFLICT (session) DO UPDATE SET fire_at=EXCLUDED.fire_at`,
		session, at.UTC())
	if err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAlarm(ctx context.Context, session string) (time.Time, bool, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT fire_at FROM session_alarms WHERE session=$1`, session).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get alarm: %w", err)
	}
	return at.UTC(), true, nil
}

func (s *PostgresStore) DeleteAlarm(ctx context.Context, session string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM session_alarms WHERE session=$1`, session); err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
