/**
 * HTTP API for the extraction service
 *
 * POST /v1/extract     synchronous extraction (upload, raw body, data path or URL)
 * POST /v1/jobs        asynchronous extraction through the queue
 * GET  /v1/jobs/{id}   job state, with the cached result once completed
 * GET  /v1/runs/{id}   run ledger record
 * GET  /read           plain-text read of a file inside the data directory
 * GET  /health         liveness and pool statistics
 */

package api

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/adverant/nexus/fileprocess-extractor/internal/datadir"
	"github.com/adverant/nexus/fileprocess-extractor/internal/logging"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
	"github.com/adverant/nexus/fileprocess-extractor/internal/processor"
	"github.com/adverant/nexus/fileprocess-extractor/internal/queue"
)

// JobQueue is the asynchronous side of the API
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.ExtractJob) (string, error)
	Job(ctx context.Context, id string) (*queue.JobStatus, error)
}

// RunStore reads the run ledger
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*models.RunRecord, error)
}

// ResultStore looks results up by cache key
type ResultStore interface {
	Lookup(ctx context.Context, key string) (*models.DocumentResult, bool)
}

// Config wires the server to the rest of the service. Jobs and Runs are
// optional; their endpoints answer 503 when unset.
type Config struct {
	Extractor     processor.Extractor
	Files         *datadir.Sandbox
	Results       ResultStore
	Jobs          JobQueue
	Runs          RunStore
	Stats         func() map[string]interface{}
	MaxUploadSize int64
	Logger        *logging.Logger
}

// Server exposes the extraction pipeline over HTTP
type Server struct {
	extractor processor.Extractor
	files     *datadir.Sandbox
	results   ResultStore
	jobs      JobQueue
	runs      RunStore
	stats     func() map[string]interface{}
	maxUpload int64
	logger    *logging.Logger

	router  *mux.Router
	handler http.Handler
}

// New creates the server and registers its routes
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	maxUpload := cfg.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = 50 * 1024 * 1024
	}

	s := &Server{
		extractor: cfg.Extractor,
		files:     cfg.Files,
		results:   cfg.Results,
		jobs:      cfg.Jobs,
		runs:      cfg.Runs,
		stats:     cfg.Stats,
		maxUpload: maxUpload,
		logger:    logger,
		router:    mux.NewRouter(),
	}
	s.registerRoutes()

	// Any origin may call the API, as browsers upload directly
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type", "X-Request-ID"},
	})
	s.handler = c.Handler(s.router)

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/v1/extract", s.handleExtract).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/jobs", s.handleEnqueue).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	s.router.HandleFunc("/read", s.handleRead).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	params, err := parseParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	req := &processor.ExtractRequest{
		RequestID: r.Header.Get("X-Request-ID"),
		Params:    params,
	}
	if fileURL := r.URL.Query().Get("url"); fileURL != "" {
		req.FileURL = fileURL
		req.Filename = filepath.Base(fileURL)
	} else {
		input, err := s.readInput(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.Data, req.Filename, req.MimeType = input.data, input.filename, input.mimeType
	}

	result, err := s.extractor.Extract(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if output := r.URL.Query().Get("output"); output != "" {
		if _, err := s.files.WriteFile(output, []byte(result.Text)); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, r, unavailable("job queue"))
		return
	}

	params, err := parseParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	job := &queue.ExtractJob{Params: params}
	if path := r.URL.Query().Get("path"); path != "" {
		// Checked now so a bad path fails the request, not the job
		resolved, err := s.files.Resolve(path)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		job.Path = resolved
		job.Filename = filepath.Base(resolved)
	} else {
		input, err := s.readInput(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		saved, err := s.files.SaveUpload(input.data, input.filename)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		job.Path, job.Filename, job.MimeType = saved, input.filename, input.mimeType
	}

	id, err := s.jobs.Enqueue(r.Context(), job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     id,
		"status_url": "/v1/jobs/" + id,
	})
}

type jobResponse struct {
	*queue.JobStatus
	Document *models.DocumentResult `json:"document,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, r, unavailable("job queue"))
		return
	}

	status, err := s.jobs.Job(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := jobResponse{JobStatus: status}
	if status.Result != nil && s.results != nil {
		if doc, ok := s.results.Lookup(r.Context(), status.Result.CacheKey); ok {
			resp.Document = doc
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, r, unavailable("run ledger"))
		return
	}

	run, err := s.runs.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	data, err := s.files.ReadFileLimit(r.URL.Query().Get("path"), s.maxUpload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.stats != nil {
		body["stats"] = s.stats()
	}
	s.writeJSON(w, http.StatusOK, body)
}
