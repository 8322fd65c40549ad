package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS caller_profiles (
    user_id    TEXT         PRIMARY KEY,
    name       TEXT         NOT NULL DEFAULT '',
    birth_date TEXT         NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);`

// PostgresStore is the Store implementation backed by a caller_profiles
// table. All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore establishes a connection pool to the database at dsn and
// ensures the caller_profiles table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("profile store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlProfiles); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// GetExtractedName implements [Store].
func (s *PostgresStore) GetExtractedName(ctx context.Context, userID string) (string, error) {
	const q = `SELECT name FROM caller_profiles WHERE user_id = $1`

	var name string
	err := s.pool.QueryRow(ctx, q, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("profile store: get name: %w", err)
	}
	return name, nil
}

// UpsertExtractedFacts implements [Store]. Empty arguments never overwrite
// a previously stored value.
func (s *PostgresStore) UpsertExtractedFacts(ctx context.Context, userID, name, birthDate string) error {
	if name == "" && birthDate == "" {
		return nil
	}
	const q = `
		INSERT INTO caller_profiles (user_id, name, birth_date, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    name       = CASE WHEN EXCLUDED.name       <> '' THEN EXCLUDED.name       ELSE caller_profiles.name       END,
		    birth_date = CASE WHEN EXCLUDED.birth_date <> '' THEN EXCLUDED.birth_date ELSE caller_profiles.birth_date END,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, userID, name, birthDate); err != nil {
		return fmt.Errorf("profile store: upsert facts: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable. Used by readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [Store].
func (s *PostgresStore) Close() {
	s.pool.Close()
}
