package importer

// orchestrator.go drives import jobs end to end.
//
// StartImport validates the request synchronously, creates the job, and
// returns a receipt; a background goroutine then processes the files in
// fixed-size batches with bounded per-file concurrency. Per-file errors
// are captured in the results and never abort the job; only failures of
// the orchestration loop itself move the job to FAILED. Cancellation is
// cooperative and takes effect at the next batch boundary.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quillmark/quillmark/internal/content"
)

// Defaults for the batch loop.
const (
	DefaultBatchSize       = 5
	DefaultFileConcurrency = 3
)

// ErrValidation marks synchronous request rejections. Callers match it
// with errors.Is and read the reasons from the wrapping ValidationError.
var ErrValidation = errors.New("import request validation failed")

// ValidationError rejects a StartImport call with the list of reasons.
// No job is created when it is returned.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("import request validation failed: %s", strings.Join(e.Reasons, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Options tunes the orchestration loop. Zero values take the defaults.
type Options struct {
	// BatchSize is how many files are dispatched per batch. The loop waits
	// for a whole batch before starting the next.
	BatchSize int
	// FileConcurrency caps the files in flight within one batch.
	FileConcurrency int
	// MaxConcurrentJobs caps simultaneously running jobs.
	MaxConcurrentJobs int
	// JobWaitTimeout is how long StartImport waits for a free job slot.
	JobWaitTimeout time.Duration
	// JobRetention is how long finished jobs stay pollable.
	JobRetention time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FileConcurrency <= 0 {
		o.FileConcurrency = DefaultFileConcurrency
	}
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if o.JobWaitTimeout <= 0 {
		o.JobWaitTimeout = DefaultMaxWaitTime
	}
	if o.JobRetention <= 0 {
		o.JobRetention = DefaultJobRetention
	}
	return o
}

// Service is the import orchestrator. It owns the background job
// goroutines; persistence and validation go through the content interfaces.
type Service struct {
	store     content.Store
	validator *Validator
	tracker   *ProgressTracker
	limiter   *JobLimiter
	opts      Options
	logger    *slog.Logger
}

// NewService wires the orchestrator over a content store and a job store.
func NewService(store content.Store, jobs JobStore, opts Options, logger *slog.Logger) *Service {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		validator: NewValidator(store, store),
		tracker:   NewProgressTracker(jobs, opts.JobRetention),
		limiter:   NewJobLimiter(opts.MaxConcurrentJobs, opts.JobWaitTimeout),
		opts:      opts,
		logger:    logger,
	}
}

// Tracker exposes the progress tracker for maintenance loops.
func (s *Service) Tracker() *ProgressTracker { return s.tracker }

// Limiter exposes the job limiter for shutdown draining.
func (s *Service) Limiter() *JobLimiter { return s.limiter }

// StartImport validates the request, creates a job, and schedules its
// asynchronous execution. The receipt is returned before any file is
// processed.
//
// Returns a *ValidationError when the request is malformed or the author
// is unknown, and ErrTooManyImports when no job slot frees up in time.
func (s *Service) StartImport(ctx context.Context, authorID string, files []RawFile, cfg ImportConfig) (StartReceipt, error) {
	var reasons []string
	reasons = append(reasons, ValidateImportConfig(cfg)...)
	reasons = append(reasons, ValidateFiles(files)...)
	if len(reasons) > 0 {
		return StartReceipt{}, &ValidationError{Reasons: reasons}
	}
	if err := s.validator.ValidateAuthor(ctx, authorID); err != nil {
		return StartReceipt{}, &ValidationError{Reasons: []string{err.Error()}}
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return StartReceipt{}, err
	}

	jobID := uuid.New().String()
	if _, err := s.tracker.Initialize(ctx, jobID, len(files)); err != nil {
		s.limiter.Release()
		return StartReceipt{}, fmt.Errorf("create job: %w", err)
	}

	// The job outlives the request; it runs on its own context.
	go func() {
		defer s.limiter.Release()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in import job", "job_id", jobID, "panic", r)
				jobCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.tracker.Fail(jobCtx, jobID, fmt.Sprintf("internal error: %v", r)); err != nil {
					s.logger.Error("mark job failed", "job_id", jobID, "error", err)
				}
			}
		}()
		s.run(context.Background(), jobID, authorID, files, cfg)
	}()

	return StartReceipt{
		JobID:      jobID,
		Status:     StatusPending,
		TotalFiles: len(files),
		Message:    fmt.Sprintf("import of %d files accepted", len(files)),
	}, nil
}

// GetProgress returns the current state of a job.
func (s *Service) GetProgress(ctx context.Context, jobID string) (*ImportJob, error) {
	return s.tracker.Get(ctx, jobID)
}

// CancelImport requests cooperative cancellation of a running job.
// Returns false when the job exists but is not cancellable.
func (s *Service) CancelImport(ctx context.Context, jobID string) (bool, error) {
	if _, err := s.tracker.Get(ctx, jobID); err != nil {
		return false, err
	}
	return s.tracker.Cancel(ctx, jobID)
}

// GetStatistics summarizes a job's outcome for the statistics endpoint.
func (s *Service) GetStatistics(ctx context.Context, jobID string) (*JobStatistics, error) {
	job, err := s.tracker.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	stats := &JobStatistics{
		TotalFiles:     job.TotalFiles,
		ProcessedFiles: job.ProcessedFiles,
	}
	if job.ProcessedFiles > 0 {
		stats.SuccessRate = job.SuccessCount * 100 / job.ProcessedFiles

		end := time.Now()
		if job.FinishedAt != nil {
			end = *job.FinishedAt
		}
		stats.AverageProcessingTimeMs = end.Sub(job.StartTime).Milliseconds() / int64(job.ProcessedFiles)
	}
	return stats, nil
}

// run executes the batch loop for one job. Errors that escape per-file
// isolation move the job to FAILED.
func (s *Service) run(ctx context.Context, jobID, authorID string, files []RawFile, cfg ImportConfig) {
	start := time.Now()
	log := s.logger.With("job_id", jobID, "total_files", len(files))
	log.Info("import job started", "author_id", authorID)

	if err := s.tracker.MarkProcessing(ctx, jobID); err != nil {
		log.Error("mark job processing", "error", err)
		s.fail(ctx, jobID, fmt.Sprintf("start job: %v", err))
		return
	}

	results := make([]ImportResult, len(files))
	processed := 0

	for offset := 0; offset < len(files); offset += s.opts.BatchSize {
		// Cancellation is checked between batches, never mid-batch.
		job, err := s.tracker.Get(ctx, jobID)
		if err != nil {
			log.Error("load job between batches", "error", err)
			s.fail(ctx, jobID, fmt.Sprintf("job state unavailable: %v", err))
			return
		}
		if job.Status.Terminal() {
			log.Info("import job cancelled", "processed", processed)
			return
		}

		end := offset + s.opts.BatchSize
		if end > len(files) {
			end = len(files)
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.FileConcurrency)

		for i := offset; i < end; i++ {
			i := i
			g.Go(func() error {
				result := s.processFile(gctx, files[i], authorID, cfg)

				mu.Lock()
				results[i] = result
				processed++
				done := processed
				mu.Unlock()

				if err := s.tracker.UpdateCurrentFile(gctx, jobID, result.FilePath, done, len(files)); err != nil {
					log.Warn("update current file", "file", result.FilePath, "error", err)
				}
				return nil
			})
		}
		// Workers never return errors; results carry per-file failures.
		_ = g.Wait()

		counters := tally(results[:end])
		if err := s.tracker.UpdateAfterFile(ctx, jobID, end, len(files), counters, start); err != nil {
			log.Warn("update batch progress", "error", err)
		}
	}

	counters := tally(results)
	if err := s.tracker.Complete(ctx, jobID, results); err != nil {
		log.Error("complete job", "error", err)
		s.fail(ctx, jobID, fmt.Sprintf("finalize job: %v", err))
		return
	}
	log.Info("import job completed",
		"success", counters.Success,
		"failed", counters.Failure,
		"skipped", counters.Skipped,
		"duration", time.Since(start),
	)
}

func (s *Service) fail(ctx context.Context, jobID, message string) {
	if err := s.tracker.Fail(ctx, jobID, message); err != nil {
		s.logger.Error("mark job failed", "job_id", jobID, "error", err)
	}
}

// processFile takes one file through decode, parse, validate, and persist.
// Every outcome is captured in the ImportResult; nothing escapes.
func (s *Service) processFile(ctx context.Context, f RawFile, authorID string, cfg ImportConfig) ImportResult {
	name := DecodeOriginalName(f.OriginalName)
	result := ImportResult{FilePath: name}

	if !IsSupportedExtension(name) {
		result.Error = "unsupported file type, expected .md or .markdown"
		return result
	}
	if errs := ValidateSingleFile(RawFile{OriginalName: name, Data: f.Data}); len(errs) > 0 {
		result.Error = strings.Join(errs, "; ")
		return result
	}

	outcome := Parse(string(f.Data), name)
	result.Warnings = outcome.Warnings
	if !outcome.Valid {
		result.Error = strings.Join(outcome.Errors, "; ")
		return result
	}

	data := outcome.Data
	var errs []string
	errs = append(errs, ValidateParsedData(data)...)
	errs = append(errs, ValidateDates(data)...)
	if len(errs) > 0 {
		result.Error = strings.Join(errs, "; ")
		return result
	}

	decision, err := s.validator.ValidateFileForImport(ctx, data, cfg, name)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if !decision.CanImport {
		result.Skipped = true
		result.Title = data.Title
		result.Error = decision.SkipReason
		return result
	}

	ref, err := s.persist(ctx, data, authorID, cfg, decision.Existing)
	if err != nil {
		if errors.Is(err, content.ErrConflict) {
			result.Error = fmt.Sprintf("conflict while saving %q: %v", data.Title, err)
		} else {
			result.Error = fmt.Sprintf("save %q: %v", data.Title, err)
		}
		return result
	}

	result.Success = true
	result.ContentID = ref.ID
	result.Title = ref.Title
	return result
}

// persist resolves defaults and taxonomy, then inserts or updates.
//
// Merge policy: the file's own frontmatter wins over config defaults; the
// default category fills only an absent one and default tags are unioned
// after the file's tags.
func (s *Service) persist(ctx context.Context, d *ParsedContent, authorID string, cfg ImportConfig, existing *content.Ref) (content.Ref, error) {
	status := string(d.Status)
	if cfg.AutoPublish {
		status = content.StatusPublished
	}

	category := d.Category
	if category == "" {
		category = cfg.DefaultCategory
	}
	var categoryID string
	if category != "" {
		id, err := s.store.FindOrCreateCategory(ctx, category)
		if err != nil {
			return content.Ref{}, fmt.Errorf("resolve category %q: %w", category, err)
		}
		categoryID = id
	}

	tags := unionTags(d.Tags, cfg.DefaultTags)
	var tagIDs []string
	if len(tags) > 0 {
		ids, err := s.store.CreateOrFindTags(ctx, tags)
		if err != nil {
			return content.Ref{}, fmt.Errorf("resolve tags: %w", err)
		}
		tagIDs = ids
	}

	slug := d.Slug
	if slug == "" {
		slug = Slugify(d.Title)
	}
	if slug == "" {
		slug = "post-" + uuid.New().String()[:8]
	}

	summary := d.Summary
	if summary == "" {
		summary = GenerateSummary(d.Content, DefaultSummaryLength)
	}

	publishedAt := d.PublishedAt
	if publishedAt == nil && status == content.StatusPublished {
		now := time.Now()
		publishedAt = &now
	}

	record := &content.Record{
		Title:           d.Title,
		Slug:            slug,
		Summary:         summary,
		Body:            d.Content,
		CategoryID:      categoryID,
		TagIDs:          tagIDs,
		CoverImage:      d.CoverImage,
		MetaDescription: d.MetaDescription,
		MetaKeywords:    d.MetaKeywords,
		SocialImage:     d.SocialImage,
		Status:          status,
		IsFeatured:      d.IsFeatured,
		IsTop:           d.IsTop,
		AllowComment:    d.AllowComment,
		ReadingTime:     d.ReadingTime,
		Weight:          d.Weight,
		AuthorID:        authorID,
		PublishedAt:     publishedAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}

	if existing != nil {
		return s.store.UpdateContent(ctx, existing.ID, record)
	}
	return s.store.CreateContent(ctx, record)
}

// unionTags merges file tags with default tags, file order first,
// duplicates dropped.
func unionTags(fileTags, defaultTags []string) []string {
	seen := make(map[string]struct{}, len(fileTags)+len(defaultTags))
	var out []string
	for _, group := range [][]string{fileTags, defaultTags} {
		for _, tag := range group {
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

func tally(results []ImportResult) Counters {
	var c Counters
	for _, r := range results {
		switch {
		case r.Success:
			c.Success++
		case r.Skipped:
			c.Skipped++
		case r.Error != "" || r.FilePath != "":
			c.Failure++
		}
	}
	return c
}
