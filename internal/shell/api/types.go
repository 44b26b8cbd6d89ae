package api

import (
	"time"

	"github.com/artpar/rollout/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// SubmitDeploymentRequest is the JSON body of POST /api/v1/deployments.
// Clients may instead send the specification as YAML with a
// text/yaml or application/yaml content type.
type SubmitDeploymentRequest struct {
	Specification domain.DeploymentSpecification `json:"specification"`
}

// CancelDeploymentRequest is the optional JSON body of
// POST /api/v1/deployments/{id}/cancel.
type CancelDeploymentRequest struct {
	Reason string `json:"reason,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the response for health checks.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for readiness checks.
type ReadyResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// SubmitDeploymentResponse acknowledges an accepted submission.
type SubmitDeploymentResponse struct {
	DeploymentID  string `json:"deployment_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// PhaseRecordResponse is one phase history entry.
type PhaseRecordResponse struct {
	Phase     string            `json:"phase"`
	Outcome   string            `json:"outcome"`
	Attempts  int               `json:"attempts"`
	Error     string            `json:"error,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// DeploymentResponse is the full deployment view.
type DeploymentResponse struct {
	ID                  string                `json:"id"`
	CorrelationID       string                `json:"correlation_id"`
	Name                string                `json:"name"`
	Environment         string                `json:"environment"`
	Status              string                `json:"status"`
	RollingBack         bool                  `json:"rolling_back"`
	RollbackOutcome     string                `json:"rollback_outcome,omitempty"`
	RemediationRequired bool                  `json:"remediation_required"`
	CancelReason        string                `json:"cancel_reason,omitempty"`
	CurrentStep         string                `json:"current_step,omitempty"`
	ErrorMessage        string                `json:"error_message,omitempty"`
	FailedPhase         string                `json:"failed_phase,omitempty"`
	Services            []string              `json:"services"`
	PhaseHistory        []PhaseRecordResponse `json:"phase_history"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty"`
}

// ListDeploymentsResponse wraps a deployment listing.
type ListDeploymentsResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Total       int                  `json:"total"`
}

// EventResponse is one journaled deployment event.
type EventResponse struct {
	Type      string            `json:"type"`
	Phase     string            `json:"phase,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Component string            `json:"component,omitempty"`
	Service   string            `json:"service,omitempty"`
	Status    string            `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
}

// ListEventsResponse wraps a deployment's event journal.
type ListEventsResponse struct {
	DeploymentID string          `json:"deployment_id"`
	Events       []EventResponse `json:"events"`
	Total        int             `json:"total"`
}
