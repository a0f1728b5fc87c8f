package web

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quillmark/quillmark/internal/importer"
	"github.com/quillmark/quillmark/internal/logging"
)

// handleHealth is a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartImport accepts a multipart batch of Markdown files and
// schedules an import job. Responds 202 with the job receipt; the caller
// polls the job endpoint for progress.
//
// Form fields: authorId (required), defaultCategory, defaultTags
// (comma-separated), autoPublish, overwriteExisting, importMode,
// skipInvalidFiles. Files go under the "files" field.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize * int64(s.cfg.Import.MaxFiles)
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, "request too large or invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	authorID := r.FormValue("authorId")
	cfg, err := importConfigFromForm(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	headers := r.MultipartForm.File["files"]
	files := make([]importer.RawFile, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "unreadable file "+header.Filename)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "unreadable file "+header.Filename)
			return
		}
		files = append(files, importer.RawFile{OriginalName: header.Filename, Data: data})
	}

	receipt, err := s.service.StartImport(r.Context(), authorID, files, cfg)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("import accepted",
		"job_id", receipt.JobID,
		"files", receipt.TotalFiles,
		"author_id", authorID,
	)
	writeJSON(w, r, http.StatusAccepted, receipt)
}

// handleJobProgress returns the current state of an import job.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "missing job ID")
		return
	}

	job, err := s.service.GetProgress(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// handleCancelJob requests cancellation of a running job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "missing job ID")
		return
	}

	cancelled, err := s.service.CancelImport(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !cancelled {
		writeError(w, r, http.StatusConflict, "job is not running and cannot be cancelled")
		return
	}

	logging.FromContext(r.Context()).Info("import cancelled", "job_id", jobID)
	writeJSON(w, r, http.StatusOK, map[string]any{"jobId": jobID, "cancelled": true})
}

// handleJobStatistics returns summary statistics for a job.
func (s *Server) handleJobStatistics(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "missing job ID")
		return
	}

	stats, err := s.service.GetStatistics(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// importConfigFromForm builds an ImportConfig from form fields, applying
// the documented defaults for absent ones.
func importConfigFromForm(r *http.Request) (importer.ImportConfig, error) {
	cfg := importer.DefaultImportConfig()

	cfg.DefaultCategory = r.FormValue("defaultCategory")
	if tags := r.FormValue("defaultTags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				cfg.DefaultTags = append(cfg.DefaultTags, tag)
			}
		}
	}
	if mode := r.FormValue("importMode"); mode != "" {
		cfg.ImportMode = importer.ImportMode(mode)
	}

	var err error
	if cfg.AutoPublish, err = formBool(r, "autoPublish", cfg.AutoPublish); err != nil {
		return cfg, err
	}
	if cfg.OverwriteExisting, err = formBool(r, "overwriteExisting", cfg.OverwriteExisting); err != nil {
		return cfg, err
	}
	if cfg.SkipInvalidFiles, err = formBool(r, "skipInvalidFiles", cfg.SkipInvalidFiles); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func formBool(r *http.Request, field string, fallback bool) (bool, error) {
	value := r.FormValue(field)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, &fieldError{field: field, value: value}
	}
	return parsed, nil
}

type fieldError struct {
	field string
	value string
}

func (e *fieldError) Error() string {
	return "invalid boolean value " + strconv.Quote(e.value) + " for field " + e.field
}
