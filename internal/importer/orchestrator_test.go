package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/quillmark/quillmark/internal/content"
)

const testAuthor = "author-1"

func newTestService(store *fakeStore, opts Options) *Service {
	store.users[testAuthor] = true
	return NewService(store, NewMemoryJobStore(), opts, slog.Default())
}

func validDoc(title string) []byte {
	return []byte("---\ntitle: " + title + "\n---\nBody for " + title + ".")
}

func waitForJob(t *testing.T, svc *Service, jobID string) *ImportJob {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("job did not reach a terminal state")
		case <-time.After(10 * time.Millisecond):
		}
		job, err := svc.GetProgress(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status.Terminal() {
			return job
		}
	}
}

func TestStartImportRejectsBadRequests(t *testing.T) {
	svc := newTestService(newFakeStore(), Options{})
	ctx := context.Background()

	tests := []struct {
		name   string
		author string
		files  []RawFile
		cfg    ImportConfig
	}{
		{"no files", testAuthor, nil, DefaultImportConfig()},
		{"unknown author", "nobody", []RawFile{{OriginalName: "a.md", Data: validDoc("A")}}, DefaultImportConfig()},
		{"bad import mode", testAuthor, []RawFile{{OriginalName: "a.md", Data: validDoc("A")}}, ImportConfig{ImportMode: "bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.StartImport(ctx, tt.author, tt.files, tt.cfg)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("ValidationError does not unwrap to ErrValidation")
			}
			if len(vErr.Reasons) == 0 {
				t.Error("ValidationError carries no reasons")
			}
		})
	}
}

func TestImportHappyPath(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})
	ctx := context.Background()

	files := []RawFile{
		{OriginalName: "first.md", Data: validDoc("First Post")},
		{OriginalName: "second.md", Data: validDoc("Second Post")},
	}

	receipt, err := svc.StartImport(ctx, testAuthor, files, DefaultImportConfig())
	if err != nil {
		t.Fatal(err)
	}
	if receipt.Status != StatusPending || receipt.TotalFiles != 2 {
		t.Errorf("receipt = %+v", receipt)
	}

	job := waitForJob(t, svc, receipt.JobID)
	if job.Status != StatusCompleted {
		t.Fatalf("Status = %q, error = %q", job.Status, job.Error)
	}
	if job.SuccessCount != 2 || job.FailureCount != 0 || job.SkippedCount != 0 {
		t.Errorf("counters = %+v", job)
	}
	if job.ProgressPercent != 100 {
		t.Errorf("ProgressPercent = %d", job.ProgressPercent)
	}
	if len(job.Results) != 2 {
		t.Fatalf("Results = %v", job.Results)
	}
	for _, r := range job.Results {
		if !r.Success || r.ContentID == "" {
			t.Errorf("result = %+v", r)
		}
	}
	if store.creates != 2 {
		t.Errorf("creates = %d", store.creates)
	}
}

func TestImportPartialFailureIsolation(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})
	ctx := context.Background()

	files := []RawFile{
		{OriginalName: "a.md", Data: validDoc("A")},
		{OriginalName: "b.md", Data: validDoc("B")},
		{OriginalName: "broken.md", Data: []byte("---\ntitle: [bad yaml\n---\nBody.")},
		{OriginalName: "c.md", Data: validDoc("C")},
		{OriginalName: "d.txt", Data: validDoc("D")},
	}

	receipt, err := svc.StartImport(ctx, testAuthor, files, DefaultImportConfig())
	if err != nil {
		t.Fatal(err)
	}

	job := waitForJob(t, svc, receipt.JobID)
	if job.Status != StatusCompleted {
		t.Fatalf("Status = %q, want COMPLETED despite per-file failures", job.Status)
	}
	if job.SuccessCount != 3 {
		t.Errorf("SuccessCount = %d, want 3", job.SuccessCount)
	}
	if job.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", job.FailureCount)
	}
	if len(job.Results) != len(files) {
		t.Fatalf("Results covers %d files, want %d", len(job.Results), len(files))
	}

	byPath := make(map[string]ImportResult)
	for _, r := range job.Results {
		byPath[r.FilePath] = r
	}
	if r := byPath["broken.md"]; r.Success || r.Error == "" {
		t.Errorf("broken.md result = %+v", r)
	}
	if r := byPath["d.txt"]; r.Success || r.Error == "" {
		t.Errorf("d.txt result = %+v", r)
	}
}

func TestImportDuplicateIdempotence(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})
	ctx := context.Background()

	files := []RawFile{{OriginalName: "post.md", Data: validDoc("The Post")}}

	// First import creates.
	receipt, err := svc.StartImport(ctx, testAuthor, files, DefaultImportConfig())
	if err != nil {
		t.Fatal(err)
	}
	first := waitForJob(t, svc, receipt.JobID)
	if first.SuccessCount != 1 {
		t.Fatalf("first import = %+v", first)
	}
	originalID := first.Results[0].ContentID

	// Second import without overwrite skips.
	receipt, err = svc.StartImport(ctx, testAuthor, files, DefaultImportConfig())
	if err != nil {
		t.Fatal(err)
	}
	second := waitForJob(t, svc, receipt.JobID)
	if second.SkippedCount != 1 || second.SuccessCount != 0 || second.FailureCount != 0 {
		t.Fatalf("second import = %+v", second)
	}
	if !second.Results[0].Skipped {
		t.Errorf("result = %+v", second.Results[0])
	}

	// Third import with overwrite updates in place.
	cfg := DefaultImportConfig()
	cfg.OverwriteExisting = true
	receipt, err = svc.StartImport(ctx, testAuthor, files, cfg)
	if err != nil {
		t.Fatal(err)
	}
	third := waitForJob(t, svc, receipt.JobID)
	if third.SuccessCount != 1 {
		t.Fatalf("third import = %+v", third)
	}
	if got := third.Results[0].ContentID; got != originalID {
		t.Errorf("overwrite produced new id %q, want stable %q", got, originalID)
	}
	if store.updates != 1 {
		t.Errorf("updates = %d, want 1", store.updates)
	}
}

func TestImportConcurrencyBound(t *testing.T) {
	store := newFakeStore()
	store.persistDelay = 30 * time.Millisecond
	svc := newTestService(store, Options{})
	ctx := context.Background()

	files := make([]RawFile, 10)
	for i := range files {
		files[i] = RawFile{
			OriginalName: fmt.Sprintf("f%d.md", i),
			Data:         validDoc(fmt.Sprintf("Post %d", i)),
		}
	}

	receipt, err := svc.StartImport(ctx, testAuthor, files, DefaultImportConfig())
	if err != nil {
		t.Fatal(err)
	}
	job := waitForJob(t, svc, receipt.JobID)
	if job.Status != StatusCompleted {
		t.Fatalf("Status = %q", job.Status)
	}
	if store.maxInFlight > DefaultFileConcurrency {
		t.Errorf("observed %d persistence calls in flight, cap is %d",
			store.maxInFlight, DefaultFileConcurrency)
	}
}

func TestImportConfigMerging(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})
	ctx := context.Background()

	withCategory := []byte("---\ntitle: Own Category\ncategory: essays\ntags: [alpha]\n---\nBody.")
	withoutCategory := validDoc("No Category")

	cfg := DefaultImportConfig()
	cfg.DefaultCategory = "misc"
	cfg.DefaultTags = []string{"imported", "alpha"}
	cfg.AutoPublish = true

	receipt, err := svc.StartImport(ctx, testAuthor, []RawFile{
		{OriginalName: "own.md", Data: withCategory},
		{OriginalName: "none.md", Data: withoutCategory},
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	job := waitForJob(t, svc, receipt.JobID)
	if job.SuccessCount != 2 {
		t.Fatalf("job = %+v", job)
	}

	var own, none *content.Record
	for _, rec := range store.records {
		switch rec.Title {
		case "Own Category":
			own = rec
		case "No Category":
			none = rec
		}
	}
	if own == nil || none == nil {
		t.Fatal("records not persisted")
	}

	// File's own category wins; the default fills absence.
	if own.CategoryID != store.categories["essays"] {
		t.Errorf("own CategoryID = %q", own.CategoryID)
	}
	if none.CategoryID != store.categories["misc"] {
		t.Errorf("none CategoryID = %q", none.CategoryID)
	}

	// File tags come first, default tags are unioned without duplicates.
	if len(own.TagIDs) != 2 {
		t.Errorf("own TagIDs = %v, want alpha+imported", own.TagIDs)
	}

	// AutoPublish overrides the parsed draft status.
	if own.Status != content.StatusPublished || none.Status != content.StatusPublished {
		t.Errorf("statuses = %q, %q", own.Status, none.Status)
	}
	if own.PublishedAt == nil {
		t.Error("PublishedAt not defaulted for published content")
	}
}

func TestImportGeneratesSlugAndSummary(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})
	ctx := context.Background()

	receipt, err := svc.StartImport(ctx, testAuthor,
		[]RawFile{{OriginalName: "gen.md", Data: validDoc("Slug And Summary")}},
		DefaultImportConfig())
	if err != nil {
		t.Fatal(err)
	}
	job := waitForJob(t, svc, receipt.JobID)
	if job.SuccessCount != 1 {
		t.Fatalf("job = %+v", job)
	}

	rec := store.records[job.Results[0].ContentID]
	if rec.Slug != "slug-and-summary" {
		t.Errorf("Slug = %q", rec.Slug)
	}
	if rec.Summary == "" {
		t.Error("Summary not generated from body")
	}
	if len(job.Results[0].Warnings) == 0 {
		t.Error("expected warnings about synthesized summary and slug")
	}
}

func TestImportPersistConflictIsPerFileError(t *testing.T) {
	store := newFakeStore()
	store.failTitles["Raced"] = content.ErrConflict
	svc := newTestService(store, Options{})
	ctx := context.Background()

	receipt, err := svc.StartImport(ctx, testAuthor, []RawFile{
		{OriginalName: "raced.md", Data: validDoc("Raced")},
		{OriginalName: "fine.md", Data: validDoc("Fine")},
	}, DefaultImportConfig())
	if err != nil {
		t.Fatal(err)
	}

	job := waitForJob(t, svc, receipt.JobID)
	if job.Status != StatusCompleted {
		t.Fatalf("Status = %q, conflicts must not abort the job", job.Status)
	}
	if job.FailureCount != 1 || job.SuccessCount != 1 {
		t.Errorf("counters = %+v", job)
	}
}

func TestImportCancellation(t *testing.T) {
	store := newFakeStore()
	store.persistDelay = 50 * time.Millisecond
	svc := newTestService(store, Options{})
	ctx := context.Background()

	files := make([]RawFile, 20)
	for i := range files {
		files[i] = RawFile{
			OriginalName: fmt.Sprintf("f%d.md", i),
			Data:         validDoc(fmt.Sprintf("Cancel %d", i)),
		}
	}

	receipt, err := svc.StartImport(ctx, testAuthor, files, DefaultImportConfig())
	if err != nil {
		t.Fatal(err)
	}

	// Let the first batch start, then cancel.
	time.Sleep(30 * time.Millisecond)
	cancelled, err := svc.CancelImport(ctx, receipt.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Fatal("running job refused cancellation")
	}

	job := waitForJob(t, svc, receipt.JobID)
	if job.Status != StatusFailed {
		t.Errorf("Status = %q", job.Status)
	}
	if job.Error == "" {
		t.Error("cancelled job has no error message")
	}

	// Give the batch loop time to observe the terminal state, then check
	// that the remaining batches never ran.
	time.Sleep(200 * time.Millisecond)
	if store.creates >= len(files) {
		t.Errorf("creates = %d, cancellation did not stop the loop", store.creates)
	}

	// Cancelling again reports false.
	cancelled, err = svc.CancelImport(ctx, receipt.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled {
		t.Error("terminal job accepted a second cancel")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	svc := newTestService(newFakeStore(), Options{})
	if _, err := svc.CancelImport(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestImportJobSlotExhaustion(t *testing.T) {
	store := newFakeStore()
	store.persistDelay = 100 * time.Millisecond
	svc := newTestService(store, Options{MaxConcurrentJobs: 1, JobWaitTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	files := []RawFile{{OriginalName: "slow.md", Data: validDoc("Slow")}}
	if _, err := svc.StartImport(ctx, testAuthor, files, DefaultImportConfig()); err != nil {
		t.Fatal(err)
	}

	_, err := svc.StartImport(ctx, testAuthor,
		[]RawFile{{OriginalName: "other.md", Data: validDoc("Other")}},
		DefaultImportConfig())
	if !errors.Is(err, ErrTooManyImports) {
		t.Errorf("err = %v, want ErrTooManyImports", err)
	}
}

func TestGetStatistics(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, Options{})
	ctx := context.Background()

	receipt, err := svc.StartImport(ctx, testAuthor, []RawFile{
		{OriginalName: "a.md", Data: validDoc("A")},
		{OriginalName: "b.md", Data: validDoc("B")},
		{OriginalName: "bad.txt", Data: validDoc("Bad")},
		{OriginalName: "c.md", Data: validDoc("C")},
	}, DefaultImportConfig())
	if err != nil {
		t.Fatal(err)
	}
	waitForJob(t, svc, receipt.JobID)

	stats, err := svc.GetStatistics(ctx, receipt.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalFiles != 4 || stats.ProcessedFiles != 4 {
		t.Errorf("stats = %+v", stats)
	}
	// 3 of 4 files succeeded.
	if stats.SuccessRate != 75 {
		t.Errorf("SuccessRate = %d, want 75", stats.SuccessRate)
	}
	if stats.AverageProcessingTimeMs < 0 {
		t.Errorf("AverageProcessingTimeMs = %d", stats.AverageProcessingTimeMs)
	}

	if _, err := svc.GetStatistics(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}
