package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quillmark/quillmark/internal/config"
	"github.com/quillmark/quillmark/internal/content"
	"github.com/quillmark/quillmark/internal/importer"
)

const testAuthor = "author-1"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Import: config.ImportConfig{
			MaxFileSize:       1 << 20,
			MaxFiles:          100,
			BatchSize:         5,
			FileConcurrency:   3,
			MaxConcurrentJobs: 5,
			MaxWaitTime:       time.Second,
			JobRetention:      time.Hour,
			CleanupInterval:   time.Minute,
			JobStore:          "memory",
		},
		Rate:    config.RateLimitConfig{Enabled: false},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	store := newStubStore()
	store.users[testAuthor] = true

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := importer.NewService(store, importer.NewMemoryJobStore(), importer.Options{
		BatchSize:         cfg.Import.BatchSize,
		FileConcurrency:   cfg.Import.FileConcurrency,
		MaxConcurrentJobs: cfg.Import.MaxConcurrentJobs,
		JobWaitTimeout:    cfg.Import.MaxWaitTime,
		JobRetention:      cfg.Import.JobRetention,
	}, logger)

	return NewServer(service, cfg)
}

// multipartImport builds a multipart request body with the given form fields
// and one file part per entry in files (name -> content).
func multipartImport(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for field, value := range fields {
		if err := writer.WriteField(field, value); err != nil {
			t.Fatal(err)
		}
	}
	for name, data := range files {
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(part, data)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

// waitForJob polls the progress endpoint until the job reaches a terminal
// state or the deadline expires.
func waitForJob(t *testing.T, s *Server, jobID string) importer.ImportJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/api/import/"+jobID, nil)
		rec := doRequest(s, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("progress request = %d: %s", rec.Code, rec.Body.String())
		}
		var job importer.ImportJob
		if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
			t.Fatal(err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return importer.ImportJob{}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStartImportAccepted(t *testing.T) {
	s := newTestServer(t, testConfig())

	body, contentType := multipartImport(t,
		map[string]string{"authorId": testAuthor},
		map[string]string{
			"first.md":  "---\ntitle: First Post\nsummary: A summary.\nslug: first-post\n---\n\nBody text.\n",
			"second.md": "---\ntitle: Second Post\nsummary: Another.\nslug: second-post\n---\n\nMore body.\n",
		},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/import", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(s, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var receipt importer.StartReceipt
	if err := json.NewDecoder(rec.Body).Decode(&receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.JobID == "" {
		t.Error("receipt missing job ID")
	}
	if receipt.Status != importer.StatusPending {
		t.Errorf("receipt status = %q, want PENDING", receipt.Status)
	}
	if receipt.TotalFiles != 2 {
		t.Errorf("receipt totalFiles = %d, want 2", receipt.TotalFiles)
	}

	job := waitForJob(t, s, receipt.JobID)
	if job.Status != importer.StatusCompleted {
		t.Fatalf("job status = %q, error = %q", job.Status, job.Error)
	}
	if job.SuccessCount != 2 {
		t.Errorf("successCount = %d, want 2", job.SuccessCount)
	}
	if job.ProgressPercent != 100 {
		t.Errorf("progressPercent = %d, want 100", job.ProgressPercent)
	}
	if len(job.Results) != 2 {
		t.Errorf("results = %d entries, want 2", len(job.Results))
	}
}

func TestStartImportValidationFailure(t *testing.T) {
	s := newTestServer(t, testConfig())

	tests := []struct {
		name   string
		fields map[string]string
		files  map[string]string
		want   string
	}{
		{
			name:   "unknown author",
			fields: map[string]string{"authorId": "ghost"},
			files:  map[string]string{"a.md": "# A\n\nbody"},
			want:   "author",
		},
		{
			name:   "no files",
			fields: map[string]string{"authorId": testAuthor},
			files:  nil,
			want:   "no files",
		},
		{
			name:   "bad import mode",
			fields: map[string]string{"authorId": testAuthor, "importMode": "yolo"},
			files:  map[string]string{"a.md": "# A\n\nbody"},
			want:   "importMode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartImport(t, tt.fields, tt.files)
			req := httptest.NewRequest(http.MethodPost, "/api/import", body)
			req.Header.Set("Content-Type", contentType)

			rec := doRequest(s, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if len(resp.Reasons) == 0 {
				t.Fatal("expected validation reasons")
			}
			if !anyContains(resp.Reasons, tt.want) {
				t.Errorf("reasons = %v, want one mentioning %q", resp.Reasons, tt.want)
			}
		})
	}
}

func TestStartImportBadBooleanField(t *testing.T) {
	s := newTestServer(t, testConfig())

	body, contentType := multipartImport(t,
		map[string]string{"authorId": testAuthor, "autoPublish": "banana"},
		map[string]string{"a.md": "# A\n\nbody"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/import", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(s, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Error == "" {
		t.Error("expected error message")
	}
}

func TestStartImportNotMultipart(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/import", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")

	rec := doRequest(s, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestJobProgressNotFound(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/import/no-such-job", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelFinishedJobConflict(t *testing.T) {
	s := newTestServer(t, testConfig())

	body, contentType := multipartImport(t,
		map[string]string{"authorId": testAuthor},
		map[string]string{"a.md": "---\ntitle: One\nsummary: s\nslug: one\n---\n\nbody"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/import", body)
	req.Header.Set("Content-Type", contentType)
	rec := doRequest(s, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var receipt importer.StartReceipt
	json.NewDecoder(rec.Body).Decode(&receipt)
	waitForJob(t, s, receipt.JobID)

	rec = doRequest(s, httptest.NewRequest(http.MethodPost, "/api/import/"+receipt.JobID+"/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel after completion = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelUnknownJob(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := doRequest(s, httptest.NewRequest(http.MethodPost, "/api/import/no-such-job/cancel", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestJobStatistics(t *testing.T) {
	s := newTestServer(t, testConfig())

	body, contentType := multipartImport(t,
		map[string]string{"authorId": testAuthor},
		map[string]string{
			"good.md": "---\ntitle: Good\nsummary: s\nslug: good\n---\n\nbody",
			"bad.txt": "not markdown",
		},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/import", body)
	req.Header.Set("Content-Type", contentType)
	rec := doRequest(s, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var receipt importer.StartReceipt
	json.NewDecoder(rec.Body).Decode(&receipt)
	waitForJob(t, s, receipt.JobID)

	rec = doRequest(s, httptest.NewRequest(http.MethodGet, "/api/import/"+receipt.JobID+"/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d: %s", rec.Code, rec.Body.String())
	}
	var stats importer.JobStatistics
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalFiles != 2 || stats.ProcessedFiles != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SuccessRate != 50 {
		t.Errorf("successRate = %d, want 50", stats.SuccessRate)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RequireAPIKey = true
	cfg.Security.APIKeys = []string{"secret-key"}
	s := newTestServer(t, cfg)

	// Health stays open.
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/import/some-job", nil)
	rec = doRequest(s, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/import/some-job", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = doRequest(s, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong key = %d, want 403", rec.Code)
	}

	// Valid key passes auth; 404 because the job does not exist.
	req = httptest.NewRequest(http.MethodGet, "/api/import/some-job", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec = doRequest(s, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("valid key = %d, want 404", rec.Code)
	}
}

func TestImportRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate.Enabled = true
	cfg.Rate.RequestsPerMinute = 100
	cfg.Rate.ImportLimit = 2
	s := newTestServer(t, cfg)

	post := func() int {
		body, contentType := multipartImport(t,
			map[string]string{"authorId": "ghost"},
			map[string]string{"a.md": "# A\n\nbody"},
		)
		req := httptest.NewRequest(http.MethodPost, "/api/import", body)
		req.Header.Set("Content-Type", contentType)
		req.RemoteAddr = "10.1.2.3:5000"
		return doRequest(s, req).Code
	}

	// Two requests consume the budget (both 400, author is unknown), the
	// third is throttled.
	post()
	post()
	if code := post(); code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", code)
	}
}

func anyContains(values []string, substr string) bool {
	for _, v := range values {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}

// stubStore is a minimal in-memory content.Store for handler tests.
type stubStore struct {
	mu         sync.Mutex
	users      map[string]bool
	categories map[string]string
	tags       map[string]string
	refs       []content.Ref
	nextID     int
}

func newStubStore() *stubStore {
	return &stubStore{
		users:      make(map[string]bool),
		categories: make(map[string]string),
		tags:       make(map[string]string),
	}
}

func (s *stubStore) UserExists(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

func (s *stubStore) FindOrCreateCategory(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.categories[name]; ok {
		return id, nil
	}
	id := fmt.Sprintf("cat-%d", len(s.categories)+1)
	s.categories[name] = id
	return id, nil
}

func (s *stubStore) CreateOrFindTags(_ context.Context, names []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, ok := s.tags[name]
		if !ok {
			id = fmt.Sprintf("tag-%d", len(s.tags)+1)
			s.tags[name] = id
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *stubStore) CreateContent(_ context.Context, record *content.Record) (content.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ref := content.Ref{
		ID:    fmt.Sprintf("content-%d", s.nextID),
		Title: record.Title,
		Slug:  record.Slug,
	}
	s.refs = append(s.refs, ref)
	return ref, nil
}

func (s *stubStore) UpdateContent(_ context.Context, id string, record *content.Record) (content.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := content.Ref{ID: id, Title: record.Title, Slug: record.Slug}
	for i, r := range s.refs {
		if r.ID == id {
			s.refs[i] = ref
		}
	}
	return ref, nil
}

func (s *stubStore) FindContentBySlugOrTitle(_ context.Context, slug, title string) (*content.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slug != "" {
		for _, r := range s.refs {
			if r.Slug == slug {
				ref := r
				return &ref, nil
			}
		}
	}
	for _, r := range s.refs {
		if r.Title == title {
			ref := r
			return &ref, nil
		}
	}
	return nil, nil
}
