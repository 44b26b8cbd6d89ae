// Package api provides HTTP handlers for the deployment engine API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/shell/api/openapi"
	"github.com/artpar/rollout/internal/shell/orchestrator"
	"github.com/artpar/rollout/internal/shell/store"
)

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	engine *orchestrator.Orchestrator
	logger *slog.Logger
	spec   *openapi.Generator
}

// NewHandler creates a new API handler.
func NewHandler(engine *orchestrator.Orchestrator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		engine: engine,
		logger: logger,
		spec:   openapi.NewGenerator(),
	}
	h.registerOpenAPI()
	return h
}

// registerOpenAPI declares the endpoints the served document describes.
func (h *Handler) registerOpenAPI() {
	base := "/api/v1/deployments"
	h.spec.RegisterEndpoint(openapi.Endpoint{
		Method: http.MethodPost, Path: base,
		OperationID: "submitDeployment", Summary: "Submit a deployment", Tag: "Deployments",
		Request: SubmitDeploymentRequest{}, Response: SubmitDeploymentResponse{},
		Status: http.StatusAccepted,
	})
	h.spec.RegisterEndpoint(openapi.Endpoint{
		Method: http.MethodGet, Path: base,
		OperationID: "listDeployments", Summary: "List deployments", Tag: "Deployments",
		Response: ListDeploymentsResponse{},
	})
	h.spec.RegisterEndpoint(openapi.Endpoint{
		Method: http.MethodGet, Path: base + "/{id}",
		OperationID: "getDeployment", Summary: "Get a deployment", Tag: "Deployments",
		Response: DeploymentResponse{},
	})
	h.spec.RegisterEndpoint(openapi.Endpoint{
		Method: http.MethodGet, Path: base + "/{id}/events",
		OperationID: "listDeploymentEvents", Summary: "List a deployment's events", Tag: "Deployments",
		Response: ListEventsResponse{},
	})
	h.spec.RegisterEndpoint(openapi.Endpoint{
		Method: http.MethodPost, Path: base + "/{id}/cancel",
		OperationID: "cancelDeployment", Summary: "Cancel a deployment", Tag: "Deployments",
		Request: CancelDeploymentRequest{},
		Status:  http.StatusAccepted,
	})
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	// OpenAPI document
	r.Get("/api/openapi.json", h.spec.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", h.handleSubmitDeployment)
			r.Get("/", h.handleListDeployments)
			r.Get("/{id}", h.handleGetDeployment)
			r.Get("/{id}/events", h.handleListEvents)
			r.Post("/{id}/cancel", h.handleCancelDeployment)
		})
	})

	return r
}

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.engine.List(r.Context(), store.ListOptions{Limit: 1}); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not_ready",
			Reason: "store unavailable",
		})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// =============================================================================
// Deployment Handlers
// =============================================================================

// handleSubmitDeployment accepts a deployment specification and returns 202
// with the generated deployment ID. Execution is asynchronous; clients poll
// GET /api/v1/deployments/{id} for progress.
func (h *Handler) handleSubmitDeployment(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.readSpecification(w, r)
	if !ok {
		return
	}

	d, err := h.engine.Submit(r.Context(), spec)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidSpec) {
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
			return
		}
		h.logger.Error("failed to submit deployment", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to submit deployment", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusAccepted, SubmitDeploymentResponse{
		DeploymentID:  d.ID,
		CorrelationID: d.CorrelationID,
		Status:        string(d.Status),
	})
}

// readSpecification decodes the request body as JSON or, when the content
// type says so, YAML.
func (h *Handler) readSpecification(w http.ResponseWriter, r *http.Request) (domain.DeploymentSpecification, bool) {
	var zero domain.DeploymentSpecification

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body", "validation_error")
		return zero, false
	}

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "yaml") {
		spec, err := domain.ParseSpecificationYAML(body)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
			return zero, false
		}
		return *spec, true
	}

	var req SubmitDeploymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return zero, false
	}
	return req.Specification, true
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.engine.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrDeploymentNotFound) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "deployment_not_found")
			return
		}
		h.logger.Error("failed to get deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get deployment", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, h.deploymentToResponse(d))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		Status:      domain.Phase(r.URL.Query().Get("status")),
		Environment: r.URL.Query().Get("environment"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit", "validation_error")
			return
		}
		opts.Limit = n
	}

	deployments, err := h.engine.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "internal_error")
		return
	}

	resp := ListDeploymentsResponse{
		Deployments: make([]DeploymentResponse, 0, len(deployments)),
		Total:       len(deployments),
	}
	for _, d := range deployments {
		resp.Deployments = append(resp.Deployments, h.deploymentToResponse(d))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, err := h.engine.Events(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrDeploymentNotFound) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "deployment_not_found")
			return
		}
		h.logger.Error("failed to list events", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list events", "internal_error")
		return
	}

	resp := ListEventsResponse{
		DeploymentID: id,
		Events:       make([]EventResponse, 0, len(events)),
		Total:        len(events),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, EventResponse{
			Type:      string(ev.Type),
			Phase:     string(ev.Phase),
			Attempt:   ev.Attempt,
			Component: ev.Component,
			Service:   ev.Service,
			Status:    string(ev.Status),
			Error:     ev.Error,
			Payload:   ev.Payload,
			Source:    ev.Source,
			Timestamp: ev.Timestamp,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleCancelDeployment requests cancellation. Returns 202 because the
// control loop finishes the abort asynchronously.
func (h *Handler) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CancelDeploymentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
			return
		}
	}

	err := h.engine.Cancel(r.Context(), id, req.Reason)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusAccepted, map[string]string{
			"deployment_id": id,
			"status":        "cancellation_requested",
		})
	case errors.Is(err, orchestrator.ErrDeploymentNotFound):
		h.writeError(w, http.StatusNotFound, "deployment not found", "deployment_not_found")
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		h.writeError(w, http.StatusConflict, err.Error(), "deployment_terminal")
	default:
		h.logger.Error("failed to cancel deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to cancel deployment", "internal_error")
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func (h *Handler) deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	resp := DeploymentResponse{
		ID:                  d.ID,
		CorrelationID:       d.CorrelationID,
		Name:                d.Specification.Name,
		Environment:         d.Specification.Environment,
		Status:              string(d.Status),
		RollingBack:         d.RollingBack,
		RollbackOutcome:     d.RollbackOutcome,
		RemediationRequired: d.RemediationRequired,
		CancelReason:        string(d.CancelReason),
		CurrentStep:         d.CurrentStep,
		ErrorMessage:        d.ErrorMessage,
		FailedPhase:         string(d.FailedPhase),
		Services:            d.Specification.ServiceNames(),
		PhaseHistory:        make([]PhaseRecordResponse, 0, len(d.PhaseHistory)),
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
		CompletedAt:         d.CompletedAt,
	}
	if resp.Services == nil {
		resp.Services = []string{}
	}
	for _, rec := range d.PhaseHistory {
		resp.PhaseHistory = append(resp.PhaseHistory, PhaseRecordResponse{
			Phase:     string(rec.Phase),
			Outcome:   string(rec.Outcome),
			Attempts:  rec.Attempts,
			Error:     rec.Error,
			Artifacts: rec.Artifacts,
			Timestamp: rec.Timestamp,
		})
	}
	return resp
}
