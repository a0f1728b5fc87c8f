// Package importer implements the bulk Markdown import pipeline: parsing
// frontmatter files into content records, validating them, and importing
// batches as cancellable background jobs with progress tracking.
// This package has no HTTP dependencies and is driven through Service.
package importer

import "time"

// JobStatus is the lifecycle state of an import job.
// Valid transitions: PENDING -> PROCESSING -> {COMPLETED | FAILED}.
// FAILED is also reachable directly from PENDING. COMPLETED and FAILED are
// terminal; late updates are ignored.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ImportMode controls tolerance for unknown frontmatter keys.
// Accepted and validated, but currently a no-op: both modes collect unknown
// keys into ParsedContent.Extra without erroring.
type ImportMode string

const (
	ModeStrict ImportMode = "strict"
	ModeLoose  ImportMode = "loose"
)

// ImportConfig is the caller-supplied, per-job configuration.
// Use DefaultImportConfig for the documented defaults; the web and CLI
// boundaries apply them once before handing the config to Service.
type ImportConfig struct {
	DefaultCategory   string     `json:"defaultCategory,omitempty"`
	DefaultTags       []string   `json:"defaultTags,omitempty"`
	AutoPublish       bool       `json:"autoPublish"`
	OverwriteExisting bool       `json:"overwriteExisting"`
	ImportMode        ImportMode `json:"importMode"`
	SkipInvalidFiles  bool       `json:"skipInvalidFiles"`
}

// DefaultImportConfig returns the config used when the caller supplies
// nothing: skip invalid files, never overwrite, never auto-publish.
func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		ImportMode:       ModeLoose,
		SkipInvalidFiles: true,
	}
}

// RawFile is one uploaded file before any processing. OriginalName may
// arrive mis-decoded from a legacy 8-bit codepage; DecodeOriginalName
// recovers it before use.
type RawFile struct {
	OriginalName string
	Data         []byte
}

// ContentStatus is the publication state parsed from frontmatter.
type ContentStatus string

const (
	ContentDraft     ContentStatus = "draft"
	ContentPublished ContentStatus = "published"
	ContentArchived  ContentStatus = "archived"
)

// ParsedContent is the normalized output of parsing one Markdown file.
// It is produced once by the Parser and treated as immutable afterwards.
type ParsedContent struct {
	Title           string
	Content         string
	Summary         string
	Slug            string
	Tags            []string
	Category        string
	CoverImage      string
	MetaDescription string
	MetaKeywords    []string
	SocialImage     string
	Status          ContentStatus
	IsFeatured      bool
	IsTop           bool
	AllowComment    bool
	ReadingTime     int
	Weight          int
	PublishedAt     *time.Time
	CreatedAt       *time.Time
	UpdatedAt       *time.Time

	// Extra holds frontmatter keys the pipeline does not recognize.
	Extra map[string]any
}

// ValidationOutcome carries the result of parsing or validating one file.
// Errors from the parse stage and the semantic stage are concatenated by
// the caller, never merged.
type ValidationOutcome struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Data     *ParsedContent
}

// ImportResult is the terminal outcome for one file. Exactly one of
// Success, Skipped, or a non-empty Error holds.
type ImportResult struct {
	FilePath  string   `json:"filePath"`
	Success   bool     `json:"success"`
	Skipped   bool     `json:"skipped,omitempty"`
	ContentID string   `json:"contentId,omitempty"`
	Title     string   `json:"title,omitempty"`
	Error     string   `json:"error,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// ImportJob is the tracked state of one import invocation. It is owned by
// the ProgressTracker's store; the orchestrator reads and writes it only
// through the tracker.
type ImportJob struct {
	ID                   string         `json:"id"`
	Status               JobStatus      `json:"status"`
	TotalFiles           int            `json:"totalFiles"`
	ProcessedFiles       int            `json:"processedFiles"`
	SuccessCount         int            `json:"successCount"`
	FailureCount         int            `json:"failureCount"`
	SkippedCount         int            `json:"skippedCount"`
	CurrentFile          string         `json:"currentFile,omitempty"`
	ProgressPercent      int            `json:"progressPercent"`
	StartTime            time.Time      `json:"startTime"`
	FinishedAt           *time.Time     `json:"finishedAt,omitempty"`
	EstimatedRemainingMs int64          `json:"estimatedRemainingMs"`
	Error                string         `json:"error,omitempty"`
	Results              []ImportResult `json:"results,omitempty"`
}

// Counters aggregates per-file outcomes for a batch progress update.
type Counters struct {
	Success int
	Failure int
	Skipped int
}

// StartReceipt is returned synchronously by Service.StartImport.
type StartReceipt struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	TotalFiles int       `json:"totalFiles"`
	Message    string    `json:"message"`
}

// JobStatistics summarizes a job for the statistics endpoint.
type JobStatistics struct {
	TotalFiles              int   `json:"totalFiles"`
	ProcessedFiles          int   `json:"processedFiles"`
	SuccessRate             int   `json:"successRate"`
	AverageProcessingTimeMs int64 `json:"averageProcessingTimeMs"`
}
