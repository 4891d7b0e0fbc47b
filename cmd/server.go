package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/extractors"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/progress"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/sources"
)

const (
	defaultJobsLimit = 50
	maxJobsLimit     = 500
	maxImportBody    = 64 * 1024
)

// ErrNoRequestBody is returned for an upload without a body
var ErrNoRequestBody = errors.New("no body stream")

// notifier wakes idle workers after a job has been queued
type notifier interface {
	Notify()
}

// Server is the HTTP surface: uploads, remote imports, job status and the
// live event stream
type Server struct {
	config *Config
	repo   jobs.Repository
	pool   notifier
	hub    *Hub
	logger *slog.Logger
}

func NewServer(config *Config, repo jobs.Repository, pool notifier, hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		config: config,
		repo:   repo,
		pool:   pool,
		hub:    hub,
		logger: logger,
	}
}

// Handler builds the router. ctx bounds background middleware goroutines.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Filename", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/api/health", s.handleHealth)

	limit := rateLimiter(ctx, s.config.RateLimit)
	r.Group(func(r chi.Router) {
		r.Use(chimw.BasicAuth("mysql-loader", map[string]string{
			s.config.Auth.User: s.config.Auth.Pass,
		}))
		r.With(limit).Post("/api/upload", s.handleUpload)
		r.With(limit).Post("/api/import", s.handleImport)
		r.Get("/api/jobs", s.handleListJobs)
		r.Get("/api/jobs/{id}", s.handleGetJob)
		if s.hub != nil {
			r.Get("/ws/events", s.hub.ServeHTTP)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload streams the request body to disk and queues a job for it.
// The response is sent before extraction starts; import failures are only
// visible through the job record.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		writeError(w, http.StatusBadRequest, "No body stream")
		return
	}

	name := r.URL.Query().Get("filename")
	if name == "" {
		name = r.Header.Get("X-Filename")
	}

	path, size, err := s.receive(w, r, extractors.Extension(name))
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			s.logger.Warn(fmt.Sprintf("⚠️  Upload rejected: body exceeds %s", progress.FormatBytes(maxErr.Limit)))
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		case errors.Is(err, ErrNoRequestBody):
			writeError(w, http.StatusBadRequest, "No body stream")
		default:
			s.logger.Error(fmt.Sprintf("❌ Upload failed: %v", err))
			writeError(w, http.StatusInternalServerError, "Upload failed")
		}
		return
	}
	s.logger.Info(fmt.Sprintf("📥 Upload received: %s (%s)", filepath.Base(path), progress.FormatBytes(size)))

	job, err := s.enqueue(r.Context(), path)
	if err != nil {
		_ = os.Remove(path)
		s.logger.Error(fmt.Sprintf("❌ Failed to queue job: %v", err))
		writeError(w, http.StatusInternalServerError, "Failed to queue job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Upload complete. SQL migration started.",
		"job_id":  job.ID,
	})
}

// receive writes the body to upload_dir/upload-<unixms>-<rand><ext>
func (s *Server) receive(w http.ResponseWriter, r *http.Request, ext string) (string, int64, error) {
	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}
	f, err := os.CreateTemp(s.config.UploadDir, fmt.Sprintf("upload-%d-*%s", time.Now().UnixMilli(), ext))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}

	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
	n, err := io.Copy(f, body)
	if err == nil && n == 0 {
		err = ErrNoRequestBody
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}

func (s *Server) enqueue(ctx context.Context, source string) (*jobs.Job, error) {
	job := jobs.New(source)
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	if s.hub != nil {
		s.hub.JobUpdated(*job)
	}
	s.pool.Notify()
	return job, nil
}

type importRequest struct {
	Source string `json:"source"`
}

// handleImport queues a job for a remote source
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxImportBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if !sources.IsRemote(req.Source) {
		writeError(w, http.StatusBadRequest, "Source must be an s3://, ftp://, http:// or https:// URI")
		return
	}
	if err := sources.Validate(req.Source); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.enqueue(r.Context(), req.Source)
	if err != nil {
		s.logger.Error(fmt.Sprintf("❌ Failed to queue job: %v", err))
		writeError(w, http.StatusInternalServerError, "Failed to queue job")
		return
	}
	s.logger.Info(fmt.Sprintf("🌐 Import queued: %s", job.SourceName))

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Import queued.",
		"job_id":  job.ID,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJobsLimit)
	}

	list, err := s.repo.List(r.Context(), limit)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to list jobs: %v", err))
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to load job: %v", err))
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
