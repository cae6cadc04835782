// File: internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be exercised with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore persists blobs in a single key-value table. It backs
// long-term memory when a database URL is configured; the schema is created
// lazily on first use.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

const createTableSQL = `
    CREATE TABLE IF NOT EXISTS agent_state (
        key        TEXT PRIMARY KEY,
        blob       BYTEA NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    );
`

// NewPostgresStore verifies the connection and ensures the state table exists.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to ensure agent_state table: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("pgstore"),
	}, nil
}

// Save upserts the blob under the key.
func (s *PostgresStore) Save(ctx context.Context, key string, blob []byte) error {
	sql := `
        INSERT INTO agent_state (key, blob, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (key) DO UPDATE SET
            blob = EXCLUDED.blob,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := s.pool.Exec(ctx, sql, key, blob, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert blob for key %q: %w", key, err)
	}
	return nil
}

// Load fetches the blob for the key; absence is reported, not an error.
func (s *PostgresStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT blob FROM agent_state WHERE key = $1;`, key).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query blob for key %q: %w", key, err)
	}
	return blob, true, nil
}

var _ schemas.BlobStore = (*PostgresStore)(nil)
