package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresJobStore keeps job state in the import_jobs table so progress
// survives process restarts and can be polled from any replica. Rows carry
// an expires_at column; reads filter expired rows and CleanupExpired (via
// Keys + Delete) plus Purge remove them.
type PostgresJobStore struct {
	pool *pgxpool.Pool
}

// NewPostgresJobStore creates a JobStore over the given pool. The
// import_jobs table is created by content.PostgresStore.EnsureSchema.
func NewPostgresJobStore(pool *pgxpool.Pool) *PostgresJobStore {
	return &PostgresJobStore{pool: pool}
}

func (s *PostgresJobStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM import_jobs
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("job store get: %w", err)
	}
	return value, true, nil
}

func (s *PostgresJobStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_jobs (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("job store set: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM import_jobs WHERE key = $1`, key); err != nil {
		return fmt.Errorf("job store delete: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM import_jobs
		WHERE expires_at IS NULL OR expires_at > now()`)
	if err != nil {
		return nil, fmt.Errorf("job store keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return keys, nil
}

// Purge deletes expired rows eagerly. Intended for a periodic maintenance
// goroutine alongside the tracker's CleanupExpired.
func (s *PostgresJobStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM import_jobs WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("job store purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
