package domain

import "time"

// DeploymentContext is the immutable value bundle threaded through every
// phase call. Collaborators tag their terminal events with the correlation ID
// and phase they were given; the orchestrator matches on those.
type DeploymentContext struct {
	DeploymentID  string    `json:"deployment_id"`
	CorrelationID string    `json:"correlation_id"`
	Environment   string    `json:"environment"`
	Principal     string    `json:"principal,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// NewDeploymentContext builds the context for a deployment.
func NewDeploymentContext(d *Deployment, principal string) DeploymentContext {
	return DeploymentContext{
		DeploymentID:  d.ID,
		CorrelationID: d.CorrelationID,
		Environment:   d.Specification.Environment,
		Principal:     principal,
		SubmittedAt:   d.CreatedAt,
	}
}
