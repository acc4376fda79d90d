// Package api is Orca's HTTP/SSE surface: task queries and overrides,
// fullSync triggers, status snapshots, a live event stream, and the
// inbound tracker webhook. The router is `go-chi/chi/v5` with
// `go-chi/cors` middleware (the teacher has no HTTP server at all; this is
// sourced from jordigilh-kubernaut's chi-based API layer, see DESIGN.md).
// Request bodies are validated with `go-playground/validator/v10`,
// matching `internal/config`'s validation idiom.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/emily-flambe/orca/internal/eventbus"
	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/tracker"
)

// Store is the subset of internal/store.Store the API depends on.
type Store interface {
	AllTasks(ctx context.Context) ([]*models.Task, error)
	GetTask(ctx context.Context, issueID string) (*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
	InvocationsForTask(ctx context.Context, issueID string) ([]*models.Invocation, error)
	ActiveInvocationCount(ctx context.Context) (int, error)
	CostInWindow(ctx context.Context, since time.Time) (float64, error)
	DispatchableTasks(ctx context.Context) ([]*models.Task, error)
}

// SyncEngine is the subset of internal/sync.Engine the API depends on.
// Nil when no tracker is configured; /api/sync and the webhook endpoint
// report 503 in that case.
type SyncEngine interface {
	FullSync(ctx context.Context) error
	HandleWebhook(ctx context.Context, ev *tracker.WebhookEvent) error
}

// Scheduler is the subset of internal/scheduler.Scheduler the API depends
// on, for the active-task-id listing in /api/status.
type Scheduler interface {
	ActiveIssueIDs() []string
}

// Config bounds the server's CORS policy and budget reporting.
type Config struct {
	AllowedOrigins       []string
	ConcurrencyCap       int
	BudgetMaxCostUSD     float64
	BudgetWindowHours    int
	BudgetWindow         time.Duration
	TrackerWebhookSecret string
	Logger               *slog.Logger
}

// Server wires Store, SyncEngine, Scheduler, and EventBus into an
// http.Handler.
type Server struct {
	store     Store
	sync      SyncEngine
	scheduler Scheduler
	bus       *eventbus.Bus
	cfg       Config
	validate  *validator.Validate
	router    chi.Router
}

// New constructs a Server and builds its route table. sync and scheduler
// may be nil (no tracker configured / no scheduler reference available);
// handlers that need them report 503 in that case.
func New(store Store, syncEngine SyncEngine, sched Scheduler, bus *eventbus.Bus, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		store:     store,
		sync:      syncEngine,
		scheduler: sched,
		bus:       bus,
		cfg:       cfg,
		validate:  validator.New(),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOriginsOrWildcard(s.cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Signature-256"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/status", s.handleSetTaskStatus)
		r.Post("/sync", s.handleTriggerSync)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
	})

	r.Post("/webhooks/tracker", s.handleWebhook)

	return r
}

func allowedOriginsOrWildcard(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// errorResponse is Orca's API error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// taskView is a task plus its invocation history, returned by
// GET /api/tasks/{id}.
type taskView struct {
	*models.Task
	Invocations []*models.Invocation `json:"invocations"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.AllTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list tasks: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get task: %v", err))
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	invs, err := s.store.InvocationsForTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list invocations: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, taskView{Task: task, Invocations: invs})
}

// statusUpdateRequest is the body of POST /api/tasks/{id}/status.
type statusUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=ready backlog done"`
}

var statusToPhase = map[string]models.Phase{
	"ready":   models.PhaseReady,
	"backlog": models.PhaseBacklog,
	"done":    models.PhaseDone,
}

// handleSetTaskStatus applies a manual override of a task's phase per
// spec.md §6: resets retryCount/reviewCycleCount on ready|backlog, sets
// doneAt on done, and always emits task:updated. This bypasses the normal
// phase-transition table (like the SyncEngine's conflict-resolution
// overrides) since an operator setting a task back to ready or backlog is
// an explicit reset, not a lifecycle-legal forward transition.
func (s *Server) handleSetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status: %v", err))
		return
	}

	newPhase, ok := statusToPhase[req.Status]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unrecognized status %q", req.Status))
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get task: %v", err))
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	if task.Phase == newPhase {
		writeError(w, http.StatusConflict, fmt.Sprintf("task %s is already %s", id, req.Status))
		return
	}

	now := time.Now()
	task.Phase = newPhase
	task.UpdatedAt = now
	if newPhase == models.PhaseDone {
		task.DoneAt = &now
	} else {
		task.DoneAt = nil
		task.RetryCount = 0
		task.ReviewCycleCount = 0
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("update task: %v", err))
		return
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicTaskUpdated, task)
	}

	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "no tracker configured")
		return
	}
	before, err := s.store.AllTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("count existing tasks: %v", err))
		return
	}
	if err := s.sync.FullSync(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("fullSync: %v", err))
		return
	}
	after, err := s.store.AllTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("count synced tasks: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"synced":  len(after),
		"created": len(after) - len(before),
	})
}

// statusView is the body of GET /api/status.
type statusView struct {
	ActiveSessions    int      `json:"activeSessions"`
	QueuedTasks       int      `json:"queuedTasks"`
	CostInWindow      float64  `json:"costInWindow"`
	BudgetLimit       float64  `json:"budgetLimit"`
	BudgetWindowHours int      `json:"budgetWindowHours"`
	ConcurrencyCap    int      `json:"concurrencyCap"`
	ActiveTaskIDs     []string `json:"activeTaskIds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.ActiveInvocationCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("active invocation count: %v", err))
		return
	}
	queued, err := s.store.DispatchableTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("dispatchable tasks: %v", err))
		return
	}
	window := s.cfg.BudgetWindow
	if window <= 0 {
		window = time.Duration(s.cfg.BudgetWindowHours) * time.Hour
	}
	cost, err := s.store.CostInWindow(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("cost in window: %v", err))
		return
	}

	var activeIDs []string
	if s.scheduler != nil {
		activeIDs = s.scheduler.ActiveIssueIDs()
	}

	writeJSON(w, http.StatusOK, statusView{
		ActiveSessions:    active,
		QueuedTasks:       len(queued),
		CostInWindow:      cost,
		BudgetLimit:       s.cfg.BudgetMaxCostUSD,
		BudgetWindowHours: s.cfg.BudgetWindowHours,
		ConcurrencyCap:    s.cfg.ConcurrencyCap,
		ActiveTaskIDs:     activeIDs,
	})
}

// handleEvents streams every EventBus topic as a named SSE event until the
// client disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topics := []string{
		eventbus.TopicTaskUpdated,
		eventbus.TopicInvocationStarted,
		eventbus.TopicInvocationCompleted,
		eventbus.TopicStatusUpdated,
	}

	type subscription struct {
		topic string
		ch    <-chan eventbus.Event
	}
	subs := make([]subscription, 0, len(topics))
	for _, topic := range topics {
		ch, unsubscribe := s.bus.Subscribe(topic)
		defer unsubscribe()
		subs = append(subs, subscription{topic: topic, ch: ch})
	}

	merged := make(chan eventbus.Event, 64)
	done := make(chan struct{})
	defer close(done)
	for _, sub := range subs {
		go func(ch <-chan eventbus.Event) {
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(sub.ch)
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				s.cfg.Logger.Error("marshal sse event", "topic", ev.Topic, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "no tracker configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}

	sig := r.Header.Get("X-Signature-256")
	if !tracker.VerifySignature(s.cfg.TrackerWebhookSecret, sig, body) {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	ev, err := tracker.ParseWebhookEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid webhook payload: %v", err))
		return
	}

	if err := s.sync.HandleWebhook(r.Context(), ev); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("handle webhook: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
