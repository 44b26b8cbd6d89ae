// Package domain contains the core domain types for deployment orchestration.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition  = errors.New("invalid phase transition")
	ErrDeploymentTerminal = errors.New("deployment is in a terminal state")
	ErrHistoryOutOfOrder  = errors.New("phase record out of canonical order")
)

// =============================================================================
// Phases
// =============================================================================

// Phase is one named stage of the deployment lifecycle. The same enum doubles
// as the deployment status: a deployment "in" a phase has that phase as its
// status, plus the pending and terminal states around the pipeline.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseValidating   Phase = "validating"
	PhasePreparing    Phase = "preparing"
	PhaseProvisioning Phase = "provisioning"
	PhaseDeploying    Phase = "deploying"
	PhaseTesting      Phase = "testing"
	PhaseMonitoring   Phase = "monitoring"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// PhaseOrder is the canonical forward sequence of work phases. A deployment's
// phase history is always a prefix of this sequence.
var PhaseOrder = []Phase{
	PhaseValidating,
	PhasePreparing,
	PhaseProvisioning,
	PhaseDeploying,
	PhaseTesting,
	PhaseMonitoring,
}

// MutatingPhases are the phases that change external state and therefore must
// carry a compensating action in the rollback strategy, or be explicitly
// marked irreversible.
var MutatingPhases = []Phase{
	PhasePreparing,
	PhaseProvisioning,
	PhaseDeploying,
}

// NextPhase returns the phase following p in canonical order, or
// PhaseCompleted when p is the last work phase. Returns false when p is not a
// work phase.
func NextPhase(p Phase) (Phase, bool) {
	for i, phase := range PhaseOrder {
		if phase == p {
			if i == len(PhaseOrder)-1 {
				return PhaseCompleted, true
			}
			return PhaseOrder[i+1], true
		}
	}
	return "", false
}

// IsTerminal reports whether the phase is an absorbing state.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	default:
		return false
	}
}

// IsWorkPhase reports whether the phase is part of the canonical pipeline.
func (p Phase) IsWorkPhase() bool {
	for _, phase := range PhaseOrder {
		if phase == p {
			return true
		}
	}
	return false
}

// =============================================================================
// Phase Outcomes
// =============================================================================

// Outcome records how a phase (or a compensation of one) concluded.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeFailure            Outcome = "failure"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeCancelled          Outcome = "cancelled"
	OutcomeCompensated        Outcome = "compensated"
	OutcomeCompensationFailed Outcome = "compensation_failed"
	OutcomeIrreversible       Outcome = "irreversible"
)

// PhaseRecord is one append-only entry in a deployment's phase history.
// Artifacts captured at execution time (e.g. allocated resource IDs) are the
// input to the corresponding compensating action during rollback.
type PhaseRecord struct {
	Phase     Phase             `json:"phase"`
	Outcome   Outcome           `json:"outcome"`
	Attempts  int               `json:"attempts"`
	Error     string            `json:"error,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// =============================================================================
// Cancel Reasons
// =============================================================================

// CancelOrigin distinguishes user-requested cancellation from cancellation
// the system decided on (e.g. a global deadline expiring).
type CancelOrigin string

const (
	CancelOriginUser   CancelOrigin = "user_requested"
	CancelOriginSystem CancelOrigin = "system_detected"
)

// =============================================================================
// Deployment
// =============================================================================

// Deployment is the aggregate root driven through the phase state machine.
// The orchestrator's control loop for the deployment is the only writer; a
// deployment in a terminal state is immutable.
type Deployment struct {
	ID            string                  `json:"id"`
	CorrelationID string                  `json:"correlation_id"`
	Status        Phase                   `json:"status"`
	Specification DeploymentSpecification `json:"specification"`

	// PhaseHistory is append-only and is the source of truth for rollback.
	PhaseHistory []PhaseRecord `json:"phase_history"`

	// RollingBack marks a failure-bound deployment whose compensations are
	// still executing. It is a flag, not a top-level state.
	RollingBack bool `json:"rolling_back"`

	// RollbackOutcome summarizes how rollback concluded: "", "completed",
	// "partial", or "failed".
	RollbackOutcome string `json:"rollback_outcome,omitempty"`

	// RemediationRequired is set when rollback could not fully complete and
	// the recorded history needs manual attention.
	RemediationRequired bool `json:"remediation_required"`

	CancelReason CancelOrigin `json:"cancel_reason,omitempty"`
	CurrentStep  string       `json:"current_step,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	FailedPhase  Phase        `json:"failed_phase,omitempty"`

	ActivePhaseDeadline *time.Time `json:"active_phase_deadline,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GenerateDeploymentID generates a new deployment ID. The format embeds a
// timestamp so IDs sort chronologically in logs and listings.
func GenerateDeploymentID(now time.Time) string {
	return fmt.Sprintf("deploy_%s_%s", now.UTC().Format("20060102_150405"), uuid.New().String()[:8])
}

// NewCorrelationID generates the correlation ID binding all events of one
// deployment.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewDeployment creates a pending deployment from a specification.
// The specification is not validated here; callers run it through
// validation.ValidateSpecification first.
func NewDeployment(spec DeploymentSpecification) *Deployment {
	now := time.Now().UTC()
	return &Deployment{
		ID:            GenerateDeploymentID(now),
		CorrelationID: NewCorrelationID(),
		Status:        PhasePending,
		Specification: spec,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed status transitions. FAILED and
// CANCELLED are reachable from every non-terminal state and are therefore
// handled in ValidateTransition rather than listed per state.
var validTransitions = map[Phase][]Phase{
	PhasePending:      {PhaseValidating},
	PhaseValidating:   {PhasePreparing},
	PhasePreparing:    {PhaseProvisioning},
	PhaseProvisioning: {PhaseDeploying},
	PhaseDeploying:    {PhaseTesting},
	PhaseTesting:      {PhaseMonitoring},
	PhaseMonitoring:   {PhaseCompleted},
	PhaseCompleted:    {},
	PhaseFailed:       {},
	PhaseCancelled:    {},
}

// ValidateTransition checks if a status transition is allowed.
func ValidateTransition(from, to Phase) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrDeploymentTerminal, from, to)
	}
	if to == PhaseFailed || to == PhaseCancelled {
		return nil
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Transition moves the deployment to a new status after validating the edge.
func (d *Deployment) Transition(to Phase) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	if to.IsTerminal() {
		now := time.Now().UTC()
		d.CompletedAt = &now
		d.ActivePhaseDeadline = nil
		d.CurrentStep = ""
	}
	return nil
}

// TransitionToFailed moves the deployment to FAILED with an error message and
// the phase at which the failure occurred.
func (d *Deployment) TransitionToFailed(phase Phase, errorMessage string) error {
	if err := d.Transition(PhaseFailed); err != nil {
		return err
	}
	d.FailedPhase = phase
	d.ErrorMessage = errorMessage
	return nil
}

// TransitionToCancelled moves the deployment to CANCELLED, recording whether
// the request originated from a user or the system.
func (d *Deployment) TransitionToCancelled(origin CancelOrigin, reason string) error {
	if err := d.Transition(PhaseCancelled); err != nil {
		return err
	}
	d.CancelReason = origin
	d.ErrorMessage = reason
	return nil
}

// IsTerminal reports whether the deployment has reached an absorbing state.
func (d *Deployment) IsTerminal() bool {
	return d.Status.IsTerminal()
}

// SetStep records a human-readable description of what the deployment is
// currently doing, surfaced by status queries.
func (d *Deployment) SetStep(step string) {
	d.CurrentStep = step
	d.UpdatedAt = time.Now().UTC()
}

// SetPhaseDeadline records the deadline of the active phase for timeout
// detection.
func (d *Deployment) SetPhaseDeadline(deadline time.Time) {
	t := deadline.UTC()
	d.ActivePhaseDeadline = &t
}

// =============================================================================
// Phase History
// =============================================================================

// RecordPhase appends a forward-phase record. The forward entries of the
// history must follow the canonical phase order; compensation records are
// appended via RecordCompensation and are exempt from the ordering check.
func (d *Deployment) RecordPhase(rec PhaseRecord) error {
	if !rec.Phase.IsWorkPhase() {
		return fmt.Errorf("%w: %s", ErrHistoryOutOfOrder, rec.Phase)
	}
	last := -1
	for _, h := range d.PhaseHistory {
		if h.Outcome == OutcomeCompensated || h.Outcome == OutcomeCompensationFailed || h.Outcome == OutcomeIrreversible {
			continue
		}
		last = phaseIndex(h.Phase)
	}
	if idx := phaseIndex(rec.Phase); idx < last {
		return fmt.Errorf("%w: %s after %s", ErrHistoryOutOfOrder, rec.Phase, PhaseOrder[last])
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	d.PhaseHistory = append(d.PhaseHistory, rec)
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordCompensation appends a rollback annotation for a phase. Failed or
// skipped compensations are recorded too - the history never stays silent
// about a phase that was not cleanly undone.
func (d *Deployment) RecordCompensation(rec PhaseRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	d.PhaseHistory = append(d.PhaseHistory, rec)
	d.UpdatedAt = time.Now().UTC()
}

// SucceededPhases returns the phases with a SUCCESS forward record, in
// recorded order.
func (d *Deployment) SucceededPhases() []Phase {
	var phases []Phase
	for _, h := range d.PhaseHistory {
		if h.Outcome == OutcomeSuccess {
			phases = append(phases, h.Phase)
		}
	}
	return phases
}

// ArtifactsFor returns the artifacts captured by the most recent forward
// record for the given phase. Failed, timed-out and cancelled records count:
// a phase interrupted mid-flight may still have produced side effects.
func (d *Deployment) ArtifactsFor(phase Phase) map[string]string {
	for i := len(d.PhaseHistory) - 1; i >= 0; i-- {
		h := d.PhaseHistory[i]
		if h.Phase != phase {
			continue
		}
		switch h.Outcome {
		case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeCancelled:
			return h.Artifacts
		}
	}
	return nil
}

func phaseIndex(p Phase) int {
	for i, phase := range PhaseOrder {
		if phase == p {
			return i
		}
	}
	return -1
}
