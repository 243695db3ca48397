package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/fleet/internal/dispatch"
	"github.com/nidhogg/fleet/internal/notify"
	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/taxonomy"
	"github.com/nidhogg/fleet/internal/tracker"
	"go.uber.org/zap"
)

// AgentReader is the read side of the registry.
type AgentReader interface {
	Get(id string) (registry.Agent, bool)
	List() []registry.Agent
	Counts() map[registry.Availability]int
}

// TaskReader is the read side of the tracker.
type TaskReader interface {
	Get(id string) (tracker.Task, error)
	List(f tracker.Filter) []tracker.Task
	Counts() map[tracker.State]int
	RetryBudget() int
}

// AlertHistory exposes recent operator alerts.
type AlertHistory interface {
	History(limit int) []notify.Record
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	agents     AgentReader
	tasks      TaskReader
	taxonomy   *taxonomy.Taxonomy
	alerts     AlertHistory
	logger     *zap.Logger
}

// NewHandler creates a new API handler. alerts may be nil.
func NewHandler(
	d *dispatch.Dispatcher,
	agents AgentReader,
	tasks TaskReader,
	tax *taxonomy.Taxonomy,
	alerts AlertHistory,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		dispatcher: d,
		agents:     agents,
		tasks:      tasks,
		taxonomy:   tax,
		alerts:     alerts,
		logger:     logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.status)
		r.Get("/taxonomy", h.getTaxonomy)
		r.Get("/alerts", h.listAlerts)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Post("/agents/{id}/offline", h.agentOffline)
		r.Post("/agents/{id}/online", h.agentOnline)

		r.Get("/tasks", h.listTasks)
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}", h.getTask)

		// Agent runtime reports
		r.Post("/tasks/{id}/start", h.startTask)
		r.Post("/tasks/{id}/complete", h.completeTask)
		r.Post("/tasks/{id}/fail", h.failTask)

		// Operator actions
		r.Post("/tasks/{id}/cancel", h.cancelTask)
		r.Post("/dispatch", h.dispatchPass)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Tasks       map[tracker.State]int         `json:"tasks"`
	Agents      map[registry.Availability]int `json:"agents"`
	MaxAttempts int                           `json:"max_attempts"`
	RetryBudget int                           `json:"retry_budget"`
	Interval    string                        `json:"interval"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	opts := h.dispatcher.Options()
	writeJSON(w, http.StatusOK, StatusResponse{
		Tasks:       h.tasks.Counts(),
		Agents:      h.agents.Counts(),
		MaxAttempts: opts.MaxAttempts,
		RetryBudget: h.tasks.RetryBudget(),
		Interval:    opts.Interval.String(),
	})
}

func (h *Handler) getTaxonomy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": h.taxonomy.Entries(),
		"bands":   h.taxonomy.Bands(),
	})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeJSON(w, http.StatusOK, []notify.Record{})
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.alerts.History(limit))
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agents.List())
}

type registerRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Class string `json:"class"`
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a, err := h.dispatcher.RegisterAgent(r.Context(), registry.Agent{
		ID:    req.ID,
		Name:  req.Name,
		Class: taxonomy.Class(req.Class),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agents.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) agentOffline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owned, err := h.dispatcher.MarkOffline(r.Context(), id)
	if err != nil && owned == "" {
		h.fail(w, err)
		return
	}
	resp := map[string]string{"agent_id": id, "status": string(registry.Offline)}
	if owned != "" {
		resp["failed_task_id"] = owned
	}
	if err != nil {
		// The agent is offline; only the follow-up task failure went wrong.
		h.logger.Warn("offline agent task failure not recorded", zap.String("agent", id), zap.Error(err))
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) agentOnline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.MarkOnline(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "status": string(registry.Idle)})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	var f tracker.Filter
	if s := r.URL.Query().Get("state"); s != "" {
		st, err := tracker.ParseState(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.State = st
	}
	f.AgentID = r.URL.Query().Get("agent")
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f.Limit = limit
	writeJSON(w, http.StatusOK, h.tasks.List(f))
}

type submitRequest struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Labels   []string          `json:"labels"`
	Metadata map[string]string `json:"metadata"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := h.dispatcher.Submit(r.Context(), tracker.Task{
		ID:       req.ID,
		Title:    req.Title,
		Labels:   req.Labels,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type startRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) startTask(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
		return
	}
	t, err := h.dispatcher.ReportStart(r.Context(), chi.URLParam(r, "id"), req.AgentID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// completeRequest and failRequest take an optional agent_id. When given it
// must match the task's assignment.
type completeRequest struct {
	AgentID string          `json:"agent_id"`
	Result  json.RawMessage `json:"result"`
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := h.dispatcher.ReportCompletion(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.Result)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type failRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (h *Handler) failTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.dispatcher.ReportFailure(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.dispatcher.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) dispatchPass(w http.ResponseWriter, r *http.Request) {
	report, err := h.dispatcher.Pass(r.Context())
	if err != nil {
		// Partial passes still report what happened to every task.
		h.logger.Error("forced dispatch pass had errors", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// fail writes err with the status its sentinel maps to.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, tracker.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateAgent),
		errors.Is(err, registry.ErrAgentNotIdle),
		errors.Is(err, registry.ErrAgentNotBusy),
		errors.Is(err, registry.ErrAgentNotOffline),
		errors.Is(err, tracker.ErrDuplicateTask),
		errors.Is(err, tracker.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidAgent),
		errors.Is(err, tracker.ErrMissingResult),
		errors.Is(err, tracker.ErrMissingReason):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
