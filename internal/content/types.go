// Package content defines the blog content domain records and the narrow
// persistence interfaces the import pipeline depends on. The import
// orchestrator never talks to the database directly; it goes through the
// interfaces in store.go, for which postgres.go provides the production
// implementation.
package content

import "time"

// Status values for a content record's publication lifecycle.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusArchived  = "archived"
)

// Record is a fully resolved content record ready for persistence.
// Category and tags are already resolved to IDs.
type Record struct {
	Title           string
	Slug            string
	Summary         string
	Body            string
	CategoryID      string
	TagIDs          []string
	CoverImage      string
	MetaDescription string
	MetaKeywords    []string
	SocialImage     string
	Status          string
	IsFeatured      bool
	IsTop           bool
	AllowComment    bool
	ReadingTime     int
	Weight          int
	AuthorID        string
	PublishedAt     *time.Time
	CreatedAt       *time.Time
	UpdatedAt       *time.Time
}

// Ref identifies a persisted content record. FindContentBySlugOrTitle
// returns refs so duplicate resolution never loads full bodies.
type Ref struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug,omitempty"`
}
