package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the content tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			username   text NOT NULL UNIQUE,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			name       text NOT NULL UNIQUE,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			name       text NOT NULL UNIQUE,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS contents (
			id               uuid PRIMARY KEY,
			title            text NOT NULL,
			slug             text NOT NULL UNIQUE,
			summary          text,
			body             text NOT NULL,
			category_id      uuid REFERENCES categories(id),
			cover_image      text,
			meta_description text,
			meta_keywords    text[],
			social_image     text,
			status           text NOT NULL DEFAULT 'draft',
			is_featured      boolean NOT NULL DEFAULT false,
			is_top           boolean NOT NULL DEFAULT false,
			allow_comment    boolean NOT NULL DEFAULT true,
			reading_time     integer NOT NULL DEFAULT 0,
			weight           integer NOT NULL DEFAULT 0,
			author_id        uuid REFERENCES users(id),
			published_at     timestamptz,
			created_at       timestamptz NOT NULL DEFAULT now(),
			updated_at       timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS content_tags (
			content_id uuid NOT NULL REFERENCES contents(id) ON DELETE CASCADE,
			tag_id     uuid NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			PRIMARY KEY (content_id, tag_id)
		)`,
		`CREATE TABLE IF NOT EXISTS import_jobs (
			key        text PRIMARY KEY,
			value      jsonb NOT NULL,
			expires_at timestamptz
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UserExists reports whether a user with the given ID exists.
func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return false, nil
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("user lookup: %w", err)
	}
	return exists, nil
}

// FindOrCreateCategory returns the ID of the named category, creating it on
// first use. Concurrent creates of the same name resolve to the winner's row.
func (s *PostgresStore) FindOrCreateCategory(ctx context.Context, name string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO categories (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, name,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("find or create category %q: %w", name, err)
	}
	return id, nil
}

// CreateOrFindTags resolves tag names to IDs, creating missing tags.
// The returned slice preserves the input order.
func (s *PostgresStore) CreateOrFindTags(ctx context.Context, names []string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range names {
		var id string
		err := s.pool.QueryRow(ctx, `
			INSERT INTO tags (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, name,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("create or find tag %q: %w", name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CreateContent inserts a new content record.
func (s *PostgresStore) CreateContent(ctx context.Context, rec *Record) (Ref, error) {
	id := uuid.New().String()
	now := time.Now()

	createdAt := now
	if rec.CreatedAt != nil {
		createdAt = *rec.CreatedAt
	}
	updatedAt := now
	if rec.UpdatedAt != nil {
		updatedAt = *rec.UpdatedAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO contents (
			id, title, slug, summary, body, category_id,
			cover_image, meta_description, meta_keywords, social_image,
			status, is_featured, is_top, allow_comment,
			reading_time, weight, author_id, published_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20
		)`,
		id, rec.Title, rec.Slug, nullableText(rec.Summary), rec.Body, nullableText(rec.CategoryID),
		nullableText(rec.CoverImage), nullableText(rec.MetaDescription), rec.MetaKeywords, nullableText(rec.SocialImage),
		rec.Status, rec.IsFeatured, rec.IsTop, rec.AllowComment,
		rec.ReadingTime, rec.Weight, nullableText(rec.AuthorID), rec.PublishedAt, createdAt, updatedAt,
	)
	if err != nil {
		return Ref{}, mapWriteError(err, rec.Slug)
	}

	if err := s.replaceTags(ctx, id, rec.TagIDs); err != nil {
		return Ref{}, err
	}

	return Ref{ID: id, Title: rec.Title, Slug: rec.Slug}, nil
}

// UpdateContent overwrites an existing record. The ID stays stable.
func (s *PostgresStore) UpdateContent(ctx context.Context, id string, rec *Record) (Ref, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE contents SET
			title = $2, slug = $3, summary = $4, body = $5, category_id = $6,
			cover_image = $7, meta_description = $8, meta_keywords = $9, social_image = $10,
			status = $11, is_featured = $12, is_top = $13, allow_comment = $14,
			reading_time = $15, weight = $16, published_at = $17, updated_at = now()
		WHERE id = $1`,
		id, rec.Title, rec.Slug, nullableText(rec.Summary), rec.Body, nullableText(rec.CategoryID),
		nullableText(rec.CoverImage), nullableText(rec.MetaDescription), rec.MetaKeywords, nullableText(rec.SocialImage),
		rec.Status, rec.IsFeatured, rec.IsTop, rec.AllowComment,
		rec.ReadingTime, rec.Weight, rec.PublishedAt,
	)
	if err != nil {
		return Ref{}, mapWriteError(err, rec.Slug)
	}
	if tag.RowsAffected() == 0 {
		return Ref{}, fmt.Errorf("update content: no row with id %s", id)
	}

	if err := s.replaceTags(ctx, id, rec.TagIDs); err != nil {
		return Ref{}, err
	}

	return Ref{ID: id, Title: rec.Title, Slug: rec.Slug}, nil
}

// FindContentBySlugOrTitle looks up content slug-first, then by exact title.
func (s *PostgresStore) FindContentBySlugOrTitle(ctx context.Context, slug, title string) (*Ref, error) {
	if slug != "" {
		ref, err := s.findOne(ctx, `SELECT id, title, slug FROM contents WHERE slug = $1`, slug)
		if err != nil || ref != nil {
			return ref, err
		}
	}
	return s.findOne(ctx, `SELECT id, title, slug FROM contents WHERE title = $1 LIMIT 1`, title)
}

func (s *PostgresStore) findOne(ctx context.Context, query string, arg any) (*Ref, error) {
	var ref Ref
	err := s.pool.QueryRow(ctx, query, arg).Scan(&ref.ID, &ref.Title, &ref.Slug)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("content lookup: %w", err)
	}
	return &ref, nil
}

// replaceTags rewrites the tag associations for a content record.
func (s *PostgresStore) replaceTags(ctx context.Context, contentID string, tagIDs []string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM content_tags WHERE content_id = $1`, contentID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, tagID := range tagIDs {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO content_tags (content_id, tag_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, contentID, tagID); err != nil {
			return fmt.Errorf("attach tag: %w", err)
		}
	}
	return nil
}

// mapWriteError converts unique violations into ErrConflict so callers can
// report a slug race as a per-item failure.
func mapWriteError(err error, slug string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %q", ErrConflict, slug)
	}
	return fmt.Errorf("write content: %w", err)
}

// nullableText maps empty strings to NULL.
func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
