package content

import (
	"context"
	"errors"
)

// ErrConflict is returned by CreateContent/UpdateContent when a uniqueness
// constraint (slug) is violated, typically by a race between duplicate
// lookup and write. Callers treat it as a per-item failure, not a fatal one.
var ErrConflict = errors.New("content conflict: slug already exists")

// UserDirectory resolves author identities.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// TaxonomyResolver resolves category and tag names to persisted IDs,
// creating records on first use.
type TaxonomyResolver interface {
	FindOrCreateCategory(ctx context.Context, name string) (string, error)
	CreateOrFindTags(ctx context.Context, names []string) ([]string, error)
}

// ContentRepository persists content records and answers duplicate lookups.
type ContentRepository interface {
	// CreateContent inserts a new record and returns its ref.
	CreateContent(ctx context.Context, rec *Record) (Ref, error)

	// UpdateContent overwrites an existing record in place; the ID is stable.
	UpdateContent(ctx context.Context, id string, rec *Record) (Ref, error)

	// FindContentBySlugOrTitle looks up existing content, slug first (when
	// non-empty), then by exact title. Returns nil when nothing matches.
	FindContentBySlugOrTitle(ctx context.Context, slug, title string) (*Ref, error)
}

// Store bundles every collaborator the import pipeline consumes.
type Store interface {
	UserDirectory
	TaxonomyResolver
	ContentRepository
}
