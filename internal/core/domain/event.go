package domain

import (
	"time"
)

// =============================================================================
// Event Types
// =============================================================================

// EventType is the closed set of deployment event kinds. The orchestrator
// switches exhaustively over this enum; adding a kind means updating every
// switch, which is the point.
type EventType string

const (
	// EventCollaboratorDispatched is emitted for every collaborator call the
	// phase controller sends out.
	EventCollaboratorDispatched EventType = "collaborator.dispatched"

	// EventCollaboratorCompleted is the single terminal event a collaborator
	// emits per invocation.
	EventCollaboratorCompleted EventType = "collaborator.completed"

	// EventPhaseStarted and EventPhaseCompleted bracket one phase of one
	// deployment. PhaseCompleted carries the aggregated outcome.
	EventPhaseStarted   EventType = "phase.started"
	EventPhaseCompleted EventType = "phase.completed"

	EventDeploymentCompleted EventType = "deployment.completed"
	EventDeploymentFailed    EventType = "deployment.failed"
	EventDeploymentCancelled EventType = "deployment.cancelled"

	EventRollbackStarted    EventType = "rollback.started"
	EventCompensationResult EventType = "rollback.compensation"
	EventRollbackCompleted  EventType = "rollback.completed"

	// EventAlert signals a condition needing attention (rollback outcomes,
	// remediation flags). EventMetrics carries the terminal summary.
	EventAlert   EventType = "alert"
	EventMetrics EventType = "metrics"
)

// EventStatus is the outcome attached to an event.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
	StatusTimeout EventStatus = "timeout"
)

// =============================================================================
// Failure Classification
// =============================================================================

// FailureClass partitions failures for retry decisions.
type FailureClass string

const (
	// FailureTransient covers network errors, timeouts and failures the
	// collaborator flagged as retryable.
	FailureTransient FailureClass = "transient"

	// FailureFatal covers validation rejections, policy violations and
	// anything explicitly non-retryable. Fatal failures skip retry and go
	// straight to rollback evaluation.
	FailureFatal FailureClass = "fatal"

	// FailureProtocol covers duplicate or malformed events. These are logged
	// and discarded; they never affect deployment state.
	FailureProtocol FailureClass = "protocol"
)

// =============================================================================
// Deployment Event
// =============================================================================

// DeploymentEvent is an immutable fact describing something that happened.
// Events are the only channel through which the orchestrator learns phase
// outcomes; collaborators never mutate a deployment directly.
type DeploymentEvent struct {
	Type          EventType         `json:"type"`
	DeploymentID  string            `json:"deployment_id"`
	CorrelationID string            `json:"correlation_id"`
	Phase         Phase             `json:"phase,omitempty"`
	Attempt       int               `json:"attempt,omitempty"`
	Component     string            `json:"component,omitempty"`
	Service       string            `json:"service,omitempty"`
	Status        EventStatus       `json:"status,omitempty"`
	Retryable     bool              `json:"retryable,omitempty"`
	Error         string            `json:"error,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
	Source        string            `json:"source"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Classify maps a terminal collaborator event to a failure class. Timeouts
// are transient by definition; failures are transient only when the
// collaborator marked them retryable.
func (e DeploymentEvent) Classify() FailureClass {
	switch e.Status {
	case StatusTimeout:
		return FailureTransient
	case StatusFailure:
		if e.Retryable {
			return FailureTransient
		}
		return FailureFatal
	default:
		return FailureProtocol
	}
}

// NewEvent constructs an event stamped with the current time.
func NewEvent(t EventType, source string, d *Deployment) DeploymentEvent {
	return DeploymentEvent{
		Type:          t,
		DeploymentID:  d.ID,
		CorrelationID: d.CorrelationID,
		Source:        source,
		Timestamp:     time.Now().UTC(),
	}
}
