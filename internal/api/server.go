package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"task-dispatch-engine/internal/failure"
	"task-dispatch-engine/internal/models"
	"task-dispatch-engine/internal/ratelimit"
	"task-dispatch-engine/internal/store"
	"task-dispatch-engine/internal/tasks"
	"task-dispatch-engine/internal/telemetry"
)

// maxBodyBytes leaves room for JSON framing around the largest accepted text.
const maxBodyBytes = 80 << 10

// Engine is the task facade behind the HTTP handlers.
type Engine interface {
	Submit(ctx context.Context, req tasks.SubmitRequest) (models.Task, error)
	Get(ctx context.Context, tenantID, id string) (models.Task, error)
	List(ctx context.Context, f store.ListFilter) (store.Page, error)
	Cancel(ctx context.Context, tenantID, id string) (models.Task, error)
	Events(ctx context.Context, tenantID, id string) ([]models.TaskEvent, error)
	ReplayDeadLetters(ctx context.Context, limit int) ([]models.Task, error)
	DeadLetters(ctx context.Context, n int64) (tasks.DeadLetterSummary, error)
}

// Limiter throttles submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (ratelimit.Decision, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the task API.
type Server struct {
	engine  Engine
	limiter Limiter
	checks  map[string]Pinger
	logger  *zap.Logger
}

// New constructs the API server. limiter may be nil.
func New(engine Engine, limiter Limiter, checks map[string]Pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, limiter: limiter, checks: checks, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/events", s.handleEvents)
	})

	r.Route("/admin/dlq", func(r chi.Router) {
		r.Get("/", s.handleDLQ)
		r.Post("/replay", s.handleReplay)
	})
	return r
}

// Snapshot is the client view of a task.
type Snapshot struct {
	TaskID     string          `json:"task_id"`
	Status     models.Status   `json:"status"`
	QueuedAt   *time.Time      `json:"queued_at"`
	StartedAt  *time.Time      `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	ResultURL  *string         `json:"result_url"`
	Result     json.RawMessage `json:"result"`
	Error      *string         `json:"error"`
}

// snapshotOf hides the retry loop: once a task has started, callers see
// PROCESSING until it reaches a terminal or dead-lettered outcome, and the
// error detail only then.
func snapshotOf(t models.Task) Snapshot {
	snap := Snapshot{
		TaskID:     t.ID,
		Status:     t.Status,
		QueuedAt:   t.QueuedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		ResultURL:  t.ResultRef,
	}
	if t.Terminal() {
		snap.Error = t.ErrorDetail
	} else if t.StartedAt != nil && t.Status != models.StatusCancelling {
		snap.Status = models.StatusProcessing
	}
	if len(t.ResultInline) > 0 {
		if json.Valid(t.ResultInline) {
			snap.Result = json.RawMessage(t.ResultInline)
		} else {
			quoted, _ := json.Marshal(string(t.ResultInline))
			snap.Result = quoted
		}
	}
	return snap
}

type submitRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	QueueClass string `json:"queue_class"`
}

type submitResponse struct {
	TaskID string        `json:"task_id"`
	Status models.Status `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	task, err := s.engine.Submit(r.Context(), tasks.SubmitRequest{
		TenantID:       tenantFromRequest(r),
		Text:           req.Text,
		Language:       req.Language,
		QueueClass:     req.QueueClass,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{TaskID: task.ID, Status: task.Status})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Get(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotOf(task))
}

type listResponse struct {
	Tasks      []Snapshot `json:"tasks"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.engine.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := listResponse{Tasks: make([]Snapshot, 0, len(page.Tasks)), NextCursor: page.NextCursor}
	for _, t := range page.Tasks {
		out.Tasks = append(out.Tasks, snapshotOf(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func listFilter(r *http.Request) (store.ListFilter, error) {
	q := r.URL.Query()
	f := store.ListFilter{TenantID: tenantFromRequest(r), Cursor: q.Get("cursor")}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, models.Status(strings.ToUpper(st)))
			}
		}
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(bound.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, &failure.ValidationError{Field: bound.name, Reason: "must be RFC3339"}
		}
		*bound.dst = &ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &failure.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Cancel(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snapshotOf(task))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Events(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleDLQ reports dead-letter counts and the oldest broker entries.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	n := int64(100)
	if v := r.URL.Query().Get("count"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, &failure.ValidationError{Field: "count", Reason: "must be a positive integer"})
			return
		}
		n = parsed
	}
	summary, err := s.engine.DeadLetters(r.Context(), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type replayResponse struct {
	Replayed int      `json:"replayed"`
	TaskIDs  []string `json:"task_ids"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, &failure.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}
	replayed, err := s.engine.ReplayDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := replayResponse{Replayed: len(replayed), TaskIDs: make([]string, 0, len(replayed))}
	for _, t := range replayed {
		out.TaskIDs = append(out.TaskIDs, t.ID)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	if code == http.StatusOK {
		status["status"] = "ok"
	} else {
		status["status"] = "degraded"
	}
	writeJSON(w, code, status)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			// Fail open: the limiter protects capacity, not correctness.
			s.logger.Warn("rate_limit_unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(d.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *failure.ValidationError
		dup  *failure.DuplicateInFlightError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field})
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, errorBody{Error: dup.Error(), TaskID: dup.ExistingID})
	case errors.Is(err, failure.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "task not found"})
	case errors.Is(err, failure.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request_failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
