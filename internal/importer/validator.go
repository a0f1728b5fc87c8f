package importer

// validator.go provides the three validation tiers of the pipeline:
//
//  1. Batch preflight: config shape, file count/size limits, author existence.
//     Failures here reject StartImport synchronously; no job is created.
//  2. Per-file structural checks: decodable UTF-8, non-empty buffer and name.
//  3. Semantic checks on parsed data: field bounds, date ranges, and the
//     duplicate/conflict policy against persisted content.
//
// Duplicate detection is two-tier on purpose: slugs are authoritative but
// frequently absent on first import, so an exact-title match is the fallback
// that still avoids accidental duplicate content.

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/quillmark/quillmark/internal/content"
)

// Batch-level limits.
const (
	MaxFilesPerBatch = 100
	MaxFileSize      = 10 << 20 // 10MB per file
	MaxContentSize   = 1 << 20  // 1MB of body text
	MaxTitleLen      = 200
	MaxSummaryLen    = 500
	MaxTagCount      = 10
	MaxTagLen        = 50
	MaxCategoryLen   = 100
	MaxWeight        = 1000
)

// earliestPublishDate bounds publishedAt from below.
var earliestPublishDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Validator performs structural and semantic validation. Storage-touching
// checks (author, duplicates) go through the content interfaces.
type Validator struct {
	users    content.UserDirectory
	contents content.ContentRepository
}

// NewValidator creates a Validator over the given collaborators.
func NewValidator(users content.UserDirectory, contents content.ContentRepository) *Validator {
	return &Validator{users: users, contents: contents}
}

// ValidateImportConfig checks the shape of a caller-supplied config.
// It never touches storage.
func ValidateImportConfig(cfg ImportConfig) []string {
	var errs []string

	switch cfg.ImportMode {
	case "", ModeStrict, ModeLoose:
	default:
		errs = append(errs, fmt.Sprintf("importMode must be %q or %q, got %q", ModeStrict, ModeLoose, cfg.ImportMode))
	}
	if len(cfg.DefaultCategory) > MaxCategoryLen {
		errs = append(errs, fmt.Sprintf("defaultCategory exceeds %d characters", MaxCategoryLen))
	}
	for _, tag := range cfg.DefaultTags {
		if tag == "" {
			errs = append(errs, "defaultTags must not contain empty entries")
		} else if len(tag) > MaxTagLen {
			errs = append(errs, fmt.Sprintf("defaultTags entry %q exceeds %d characters", tag, MaxTagLen))
		}
	}
	return errs
}

// ValidateFiles checks batch-level preconditions.
func ValidateFiles(files []RawFile) []string {
	var errs []string

	if len(files) == 0 {
		errs = append(errs, "no files provided")
		return errs
	}
	if len(files) > MaxFilesPerBatch {
		errs = append(errs, fmt.Sprintf("too many files: %d exceeds the limit of %d per batch", len(files), MaxFilesPerBatch))
	}
	for _, f := range files {
		if len(f.Data) > MaxFileSize {
			errs = append(errs, fmt.Sprintf("file %q exceeds the %dMB size limit", f.OriginalName, MaxFileSize>>20))
		}
	}
	return errs
}

// ValidateSingleFile checks one file's structural sanity before parsing.
func ValidateSingleFile(f RawFile) []string {
	var errs []string

	if f.OriginalName == "" {
		errs = append(errs, "file has no name")
	}
	if len(f.Data) == 0 {
		errs = append(errs, "file is empty")
	} else if !utf8.Valid(f.Data) {
		errs = append(errs, "file is not valid UTF-8 text")
	}
	return errs
}

// ValidateParsedData checks field bounds on a parsed record.
func ValidateParsedData(d *ParsedContent) []string {
	var errs []string

	if len(d.Title) > MaxTitleLen {
		errs = append(errs, fmt.Sprintf("title exceeds %d characters", MaxTitleLen))
	}
	if len(d.Content) > MaxContentSize {
		errs = append(errs, fmt.Sprintf("content exceeds %dMB", MaxContentSize>>20))
	}
	if len(d.Summary) > MaxSummaryLen {
		errs = append(errs, fmt.Sprintf("summary exceeds %d characters", MaxSummaryLen))
	}
	if d.Slug != "" && !ValidSlug(d.Slug) {
		errs = append(errs, fmt.Sprintf("slug %q must match ^[a-z0-9-]+$", d.Slug))
	}
	if len(d.Tags) > MaxTagCount {
		errs = append(errs, fmt.Sprintf("too many tags: %d exceeds %d", len(d.Tags), MaxTagCount))
	}
	for _, tag := range d.Tags {
		if len(tag) > MaxTagLen {
			errs = append(errs, fmt.Sprintf("tag %q exceeds %d characters", tag, MaxTagLen))
		}
	}
	if len(d.Category) > MaxCategoryLen {
		errs = append(errs, fmt.Sprintf("category exceeds %d characters", MaxCategoryLen))
	}
	if d.Weight < 0 || d.Weight > MaxWeight {
		errs = append(errs, fmt.Sprintf("weight %d must be between 0 and %d", d.Weight, MaxWeight))
	}
	return errs
}

// ValidateDates checks timestamp plausibility on a parsed record.
func ValidateDates(d *ParsedContent) []string {
	var errs []string
	now := time.Now()

	if d.PublishedAt != nil {
		latest := now.Add(365 * 24 * time.Hour)
		if d.PublishedAt.Before(earliestPublishDate) || d.PublishedAt.After(latest) {
			errs = append(errs, fmt.Sprintf("publishedAt %s is out of range (2000-01-01 to one year ahead)",
				d.PublishedAt.Format(time.RFC3339)))
		}
	}
	if d.CreatedAt != nil && d.CreatedAt.After(now) {
		errs = append(errs, "createdAt must not be in the future")
	}
	if d.UpdatedAt != nil && d.UpdatedAt.After(now) {
		errs = append(errs, "updatedAt must not be in the future")
	}
	if d.CreatedAt != nil && d.UpdatedAt != nil && d.UpdatedAt.Before(*d.CreatedAt) {
		errs = append(errs, "updatedAt must not be before createdAt")
	}
	return errs
}

// ValidateAuthor verifies the author exists. A failure here is job-fatal:
// it is checked once before the job starts, unlike per-file validation.
func (v *Validator) ValidateAuthor(ctx context.Context, authorID string) error {
	if authorID == "" {
		return fmt.Errorf("authorId is required")
	}
	exists, err := v.users.UserExists(ctx, authorID)
	if err != nil {
		return fmt.Errorf("author lookup: %w", err)
	}
	if !exists {
		return fmt.Errorf("author %s does not exist", authorID)
	}
	return nil
}

// ImportDecision is the outcome of duplicate resolution for one file.
type ImportDecision struct {
	CanImport bool
	// Existing is the matched record when one exists. Carried forward so the
	// orchestrator can choose update over insert when overwriting.
	Existing *content.Ref
	// SkipReason explains a CanImport=false decision.
	SkipReason string
}

// ValidateFileForImport resolves the duplicate policy for a parsed file:
// slug-first lookup, then exact title. A match with OverwriteExisting=false
// marks the file skipped, not failed.
func (v *Validator) ValidateFileForImport(ctx context.Context, d *ParsedContent, cfg ImportConfig, filePath string) (ImportDecision, error) {
	existing, err := v.contents.FindContentBySlugOrTitle(ctx, d.Slug, d.Title)
	if err != nil {
		return ImportDecision{}, fmt.Errorf("duplicate lookup for %s: %w", filePath, err)
	}
	if existing == nil {
		return ImportDecision{CanImport: true}, nil
	}
	if !cfg.OverwriteExisting {
		return ImportDecision{
			Existing:   existing,
			SkipReason: fmt.Sprintf("content %q already exists (id %s); set overwriteExisting to replace it", existing.Title, existing.ID),
		}, nil
	}
	return ImportDecision{CanImport: true, Existing: existing}, nil
}
