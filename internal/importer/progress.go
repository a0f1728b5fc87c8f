package importer

// progress.go owns the mutable state of import jobs.
//
// All job mutation flows through the ProgressTracker: the orchestrator
// holds only the job id. Every update is a read-modify-write against the
// JobStore, serialized per job id by a keyed mutex so concurrent file
// workers cannot interleave partial updates. Terminal states (COMPLETED,
// FAILED) are frozen; late updates are ignored.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrJobNotFound is returned when a job id is unknown or already evicted.
var ErrJobNotFound = errors.New("import job not found")

// DefaultJobRetention is how long finished jobs stay pollable.
const DefaultJobRetention = time.Hour

// ProgressTracker tracks import jobs in a JobStore.
type ProgressTracker struct {
	store     JobStore
	retention time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProgressTracker creates a tracker over the given store. A retention
// of zero uses DefaultJobRetention.
func NewProgressTracker(store JobStore, retention time.Duration) *ProgressTracker {
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &ProgressTracker{
		store:     store,
		retention: retention,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Initialize creates a job in PENDING with zeroed counters.
func (t *ProgressTracker) Initialize(ctx context.Context, jobID string, totalFiles int) (*ImportJob, error) {
	job := &ImportJob{
		ID:         jobID,
		Status:     StatusPending,
		TotalFiles: totalFiles,
		StartTime:  time.Now(),
	}
	if err := t.put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// MarkProcessing transitions PENDING -> PROCESSING.
func (t *ProgressTracker) MarkProcessing(ctx context.Context, jobID string) error {
	return t.update(ctx, jobID, func(job *ImportJob) {
		if job.Status == StatusPending {
			job.Status = StatusProcessing
		}
	})
}

// UpdateCurrentFile records the file being processed and refreshes the
// percentage. Concurrent workers may report out of order, so the counter
// only moves forward.
func (t *ProgressTracker) UpdateCurrentFile(ctx context.Context, jobID, name string, processed, total int) error {
	return t.update(ctx, jobID, func(job *ImportJob) {
		job.CurrentFile = name
		if processed > job.ProcessedFiles {
			job.ProcessedFiles = processed
			job.ProgressPercent = percent(processed, total)
		}
	})
}

// UpdateAfterFile refreshes counters and the remaining-time estimate after
// a batch of files completes.
func (t *ProgressTracker) UpdateAfterFile(ctx context.Context, jobID string, processed, total int, c Counters, start time.Time) error {
	return t.update(ctx, jobID, func(job *ImportJob) {
		job.ProcessedFiles = processed
		job.SuccessCount = c.Success
		job.FailureCount = c.Failure
		job.SkippedCount = c.Skipped
		job.ProgressPercent = percent(processed, total)
		job.EstimatedRemainingMs = estimateRemainingMs(start, processed, total)
	})
}

// Complete transitions PROCESSING -> COMPLETED and attaches the results.
func (t *ProgressTracker) Complete(ctx context.Context, jobID string, results []ImportResult) error {
	return t.update(ctx, jobID, func(job *ImportJob) {
		now := time.Now()
		job.Status = StatusCompleted
		job.ProgressPercent = 100
		job.CurrentFile = ""
		job.EstimatedRemainingMs = 0
		job.FinishedAt = &now
		job.Results = results
	})
}

// Fail moves a non-terminal job to FAILED with a top-level error.
func (t *ProgressTracker) Fail(ctx context.Context, jobID, message string) error {
	return t.update(ctx, jobID, func(job *ImportJob) {
		now := time.Now()
		job.Status = StatusFailed
		job.Error = message
		job.FinishedAt = &now
	})
}

// Cancel aborts a PROCESSING job. Returns false when the job is not found,
// not yet started, or already terminal.
func (t *ProgressTracker) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled := false
	err := t.update(ctx, jobID, func(job *ImportJob) {
		if job.Status != StatusProcessing {
			return
		}
		now := time.Now()
		job.Status = StatusFailed
		job.Error = "import cancelled by caller"
		job.FinishedAt = &now
		cancelled = true
	})
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	return cancelled, err
}

// Get returns the job or ErrJobNotFound.
func (t *ProgressTracker) Get(ctx context.Context, jobID string) (*ImportJob, error) {
	data, ok, err := t.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return nil, ErrJobNotFound
	}

	var job ImportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// CleanupExpired evicts jobs whose start time is older than the retention
// window. Returns the number of evicted jobs.
func (t *ProgressTracker) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := t.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	cutoff := time.Now().Add(-t.retention)
	evicted := 0
	for _, key := range keys {
		job, err := t.Get(ctx, key)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return evicted, err
		}
		if job.StartTime.Before(cutoff) {
			if err := t.store.Delete(ctx, key); err != nil {
				return evicted, err
			}
			t.dropLock(key)
			evicted++
		}
	}
	return evicted, nil
}

// update performs a serialized read-modify-write. Terminal jobs are left
// untouched.
func (t *ProgressTracker) update(ctx context.Context, jobID string, mutate func(*ImportJob)) error {
	lock := t.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := t.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	mutate(job)
	return t.put(ctx, job)
}

func (t *ProgressTracker) put(ctx context.Context, job *ImportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	// CleanupExpired owns eviction at the retention boundary; the store TTL
	// is a backstop at twice the window.
	if err := t.store.Set(ctx, job.ID, data, 2*t.retention); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

func (t *ProgressTracker) lockFor(jobID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[jobID] = lock
	}
	return lock
}

func (t *ProgressTracker) dropLock(jobID string) {
	t.mu.Lock()
	delete(t.locks, jobID)
	t.mu.Unlock()
}

func percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

// estimateRemainingMs projects the average per-file duration so far onto
// the files left. Defined as 0 before any file completes.
func estimateRemainingMs(start time.Time, processed, total int) int64 {
	if processed <= 0 {
		return 0
	}
	elapsed := time.Since(start).Milliseconds()
	remaining := int64(math.Round(float64(elapsed) / float64(processed) * float64(total-processed)))
	if remaining < 0 {
		return 0
	}
	return remaining
}
