package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/artifact"
	"github.com/shehryarbajwa/browserpool/internal/dispatcher"
	"github.com/shehryarbajwa/browserpool/internal/observability"
	"github.com/shehryarbajwa/browserpool/internal/pool"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// retryAfterSeconds is sent with every retryable 503.
const retryAfterSeconds = 1

// Handler holds dependencies for HTTP handlers
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	pool       *pool.Pool
	artifacts  *artifact.Store
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewHandler creates a new HTTP handler. artifacts may be nil.
func NewHandler(d *dispatcher.Dispatcher, p *pool.Pool, artifacts *artifact.Store, logger *zap.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		pool:       p,
		artifacts:  artifacts,
		logger:     logger.Named("api"),
		tracer:     observability.Tracer(),
	}
}

type acceptedResponse struct {
	ID     string            `json:"id"`
	Status models.TaskStatus `json:"status"`
}

type errorResponse struct {
	*models.ErrorBody
	TaskID string `json:"taskId,omitempty"`
}

// CreateTask handles POST /v1/tasks. By default it waits for the result; with
// ?async=true it returns 202 and the task id.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req models.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid request body: %v", models.ErrInvalidTask, err), "")
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = getProjectID(r)
	}

	ctx, span := h.tracer.Start(r.Context(), "http.create_task", trace.WithAttributes(
		observability.AttrProjectID.String(req.ProjectID),
		observability.AttrSteps.Int(len(req.Steps)),
	))
	defer span.End()

	ticket, err := h.dispatcher.Submit(req)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, err, "")
		return
	}
	span.SetAttributes(observability.AttrTaskID.String(ticket.ID()))

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		w.Header().Set("Location", "/v1/tasks/"+ticket.ID())
		writeJSON(w, http.StatusAccepted, acceptedResponse{ID: ticket.ID(), Status: models.TaskQueued})
		return
	}

	res, err := ticket.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// the client went away; nobody is left to read the result
		ticket.Cancel()
		h.logger.Info("Client disconnected; cancelled task.", zap.String("task_id", ticket.ID()))
		return
	}
	if err != nil {
		h.writeError(w, err, ticket.ID())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetTask handles GET /v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.dispatcher.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	res, _ := ticket.Result()
	writeJSON(w, http.StatusOK, res)
}

// CancelTask handles DELETE /v1/tasks/{id}
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Cancel(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadArtifacts handles GET /v1/tasks/{id}/artifacts
func (h *Handler) DownloadArtifacts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.artifacts == nil {
		h.writeError(w, artifact.ErrNotFound, id)
		return
	}
	if _, err := h.artifacts.Dir(id); err != nil {
		h.writeError(w, err, id)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tar.gz"`, id))
	if err := h.artifacts.Archive(id, w); err != nil {
		// headers are gone; all we can do is log
		h.logger.Warn("Failed to stream artifacts.", zap.String("task_id", id), zap.Error(err))
	}
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.pool.Sessions()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if string(s.State) == state {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, sessions)
}

type poolResponse struct {
	models.PoolStats
	Free       int `json:"free"`
	QueueDepth int `json:"queueDepth"`
}

// PoolStats handles GET /v1/pool
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	st := h.pool.Stats()
	writeJSON(w, http.StatusOK, poolResponse{
		PoolStats:  st,
		Free:       st.Free(),
		QueueDepth: h.dispatcher.QueueDepth(),
	})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an error class to its HTTP status.
func statusFor(err error) int {
	var stepErr *models.StepError
	switch {
	case errors.As(err, &stepErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTaskNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case models.IsRetryable(err), errors.Is(err, models.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrTaskCancelled):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error, taskID string) {
	status := statusFor(err)
	body := models.NewErrorBody(err)
	if errors.Is(err, artifact.ErrNotFound) {
		body.Code = "NOT_FOUND"
	}
	if models.IsRetryable(err) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed.", zap.String("task_id", taskID), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{ErrorBody: body, TaskID: taskID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
