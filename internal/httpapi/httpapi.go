// Package httpapi is the HTTP surface of the pipeline: enqueue, job status,
// result download and health. Authentication happens upstream; the tenant
// arrives in the X-Tenant-ID header.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/pdfq/internal/domain"
	"github.com/SirClappington/pdfq/internal/filestore"
	"github.com/SirClappington/pdfq/internal/ratelimit"
	"github.com/SirClappington/pdfq/internal/ssrf"
	"github.com/SirClappington/pdfq/internal/storage"
)

const (
	HeaderTenant      = "X-Tenant-ID"
	HeaderTeam        = "X-Team-ID"
	HeaderAPIKey      = "X-API-Key-ID"
	HeaderIdempotency = "Idempotency-Key"

	maxBodyBytes = 5 << 20
)

// Jobs is the job store as seen by the API; Enqueue writes the job and its
// queue task together.
type Jobs interface {
	Enqueue(ctx context.Context, p storage.EnqueueParams) (string, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	JobByToken(ctx context.Context, token string) (*domain.Job, error)
	Ping(ctx context.Context) error
}

type Files interface {
	Open(ctx context.Context, key string) (io.ReadSeekCloser, error)
}

type Limiter interface {
	Allow(ctx context.Context, tenantID string) (ratelimit.Decision, error)
}

type Idempotency interface {
	Reserve(ctx context.Context, tenantID, key string) (jobID string, reserved bool, err error)
	Bind(ctx context.Context, tenantID, key, jobID string) error
	Release(ctx context.Context, tenantID, key string) error
}

type Server struct {
	jobs   Jobs
	files  Files
	limit  Limiter
	idem   Idempotency
	logger *zap.Logger
}

type Option func(*Server)

// WithLimiter enables per-tenant rate limiting of enqueue requests.
func WithLimiter(l Limiter) Option { return func(s *Server) { s.limit = l } }

// WithIdempotency enables the Idempotency-Key header.
func WithIdempotency(i Idempotency) Option { return func(s *Server) { s.idem = i } }

func New(jobs Jobs, files Files, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{jobs: jobs, files: files, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(requestLogger(s.logger))
	rtr.Use(recoverer(s.logger))

	rtr.Get("/healthz", s.health)
	rtr.Get("/files/{token}", s.download)
	rtr.Route("/v1/jobs", func(rtr chi.Router) {
		rtr.Use(requireTenant)
		rtr.Post("/", s.enqueue)
		rtr.Get("/{id}", s.getJob)
	})
	return rtr
}

type enqueueRequest struct {
	Type       domain.InputType `json:"type"`
	Content    string           `json:"content"`
	TemplateID string           `json:"templateId"`
	Options    json.RawMessage  `json:"options"`
}

type jobResponse struct {
	ID        string           `json:"id"`
	Status    domain.Status    `json:"status"`
	Type      domain.InputType `json:"type"`
	ResultURL string           `json:"resultUrl,omitempty"`
	Error     *errorBody       `json:"error,omitempty"`
	CreatedAt *time.Time       `json:"createdAt,omitempty"`
	UpdatedAt *time.Time       `json:"updatedAt,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := r.Header.Get(HeaderTenant)

	if s.limit != nil {
		d, err := s.limit.Allow(ctx, tenant)
		if err != nil {
			s.logger.Warn("rate limit check failed", zap.Error(err))
		} else if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.Reset.Round(time.Second)/time.Second)))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
	}

	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "request body is not valid JSON")
		return
	}
	params, err := validate(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(domain.CodeInvalidInput), err.Error())
		return
	}
	params.TenantID = tenant
	params.TeamID = optionalHeader(r, HeaderTeam)
	params.APIKeyID = optionalHeader(r, HeaderAPIKey)

	key := r.Header.Get(HeaderIdempotency)
	if key != "" && s.idem != nil {
		prior, reserved, err := s.idem.Reserve(ctx, tenant, key)
		switch {
		case errors.Is(err, ratelimit.ErrInProgress):
			writeError(w, http.StatusConflict, "conflict", "a request with this idempotency key is in progress")
			return
		case err != nil:
			s.logger.Warn("idempotency reserve failed", zap.Error(err))
			key = ""
		case !reserved:
			s.replay(w, r, prior)
			return
		}
	}

	id, err := s.jobs.Enqueue(ctx, params)
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("tenant_id", tenant), zap.Error(err))
		if key != "" && s.idem != nil {
			if rerr := s.idem.Release(ctx, tenant, key); rerr != nil {
				s.logger.Warn("idempotency release failed", zap.Error(rerr))
			}
		}
		writeError(w, http.StatusInternalServerError, "internal", "could not enqueue job")
		return
	}
	if key != "" && s.idem != nil {
		if err := s.idem.Bind(ctx, tenant, key, id); err != nil {
			s.logger.Warn("idempotency bind failed", zap.Error(err))
		}
	}

	s.logger.Info("job enqueued", zap.String("job_id", id), zap.String("tenant_id", tenant),
		zap.String("type", string(params.InputType)))
	w.Header().Set("Location", "/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, jobResponse{
		ID:     id,
		Status: domain.Queued,
		Type:   params.InputType,
	})
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("idempotent replay lookup failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "could not load job")
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, http.StatusOK, toResponse(job))
}

func validate(req enqueueRequest) (storage.EnqueueParams, error) {
	p := storage.EnqueueParams{InputType: req.Type, InputContent: req.Content}
	switch req.Type {
	case domain.InputHTML:
		if strings.TrimSpace(req.Content) == "" {
			return p, errors.New("content is required for html jobs")
		}
	case domain.InputURL:
		if _, err := ssrf.ParseURL(req.Content); err != nil {
			return p, err
		}
	case domain.InputTemplate:
		if req.TemplateID == "" {
			return p, errors.New("templateId is required for template jobs")
		}
		p.TemplateID = &req.TemplateID
	default:
		return p, errors.New(`type must be one of "html", "url" or "template"`)
	}

	opts, err := domain.ParseOptions(req.Options)
	if err != nil {
		return p, err
	}
	p.Options = opts
	return p, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) || (err == nil && job.TenantID != r.Header.Get(HeaderTenant)) {
		writeError(w, http.StatusNotFound, string(domain.CodeNotFound), "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(job))
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !filestore.ValidToken(token) {
		http.NotFound(w, r)
		return
	}
	job, err := s.jobs.JobByToken(r.Context(), token)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && job.ResultPath == nil) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("download lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	f, err := s.files.Open(r.Context(), *job.ResultPath)
	if errors.Is(err, filestore.ErrNotFound) {
		s.logger.Warn("result file missing", zap.String("job_id", job.ID))
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("open result failed", zap.String("job_id", job.ID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+job.ID+`.pdf"`)
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, job.ID+".pdf", job.UpdatedAt, f)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.jobs.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderTenant) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing tenant")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func toResponse(j *domain.Job) jobResponse {
	resp := jobResponse{
		ID:        j.ID,
		Status:    j.Status,
		Type:      j.InputType,
		CreatedAt: &j.CreatedAt,
		UpdatedAt: &j.UpdatedAt,
	}
	if j.ResultURL != nil {
		resp.ResultURL = *j.ResultURL
	}
	if j.ErrorCode != nil {
		resp.Error = &errorBody{Code: *j.ErrorCode}
		if j.ErrorMessage != nil {
			resp.Error.Message = *j.ErrorMessage
		}
	}
	return resp
}

func optionalHeader(r *http.Request, name string) *string {
	if v := r.Header.Get(name); v != "" {
		return &v
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}
