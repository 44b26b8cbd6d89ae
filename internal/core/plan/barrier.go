package plan

import (
	"github.com/artpar/rollout/internal/core/domain"
)

// =============================================================================
// Barrier Observations
// =============================================================================

// Observation is the result of feeding one event to a barrier.
type Observation int

const (
	// ObservationIgnored means the event did not belong to this barrier:
	// wrong correlation ID, phase or attempt, an unexpected component, or a
	// duplicate terminal event. Ignored events never change state.
	ObservationIgnored Observation = iota

	// ObservationProgress means a required success arrived but the set is
	// not yet complete.
	ObservationProgress

	// ObservationSatisfied means the full required set has reported success.
	ObservationSatisfied

	// ObservationFailed means a required call reported failure or timeout.
	// The barrier stops accepting progress; the failing event decides the
	// phase outcome.
	ObservationFailed
)

// =============================================================================
// Barrier
// =============================================================================

// Barrier waits for a known set of collaborator calls to all complete. It is
// commutative: the phase completes when the set of required successes is
// satisfied, independent of arrival order. Duplicate terminal events for the
// same invocation are a protocol violation and are ignored.
//
// Keys identify one expected call: "component" for whole-deployment calls,
// "component/service" for per-service dispatch. A Barrier is not safe for
// concurrent use; the control loop is its only caller.
type Barrier struct {
	correlationID string
	phase         domain.Phase
	attempt       int
	required      map[string]bool
	succeeded     map[string]bool
	failed        bool
}

// NewBarrier creates a barrier for one phase attempt.
func NewBarrier(correlationID string, phase domain.Phase, attempt int) *Barrier {
	return &Barrier{
		correlationID: correlationID,
		phase:         phase,
		attempt:       attempt,
		required:      make(map[string]bool),
		succeeded:     make(map[string]bool),
	}
}

// Expect registers a required call. Service is empty for whole-deployment
// calls.
func (b *Barrier) Expect(component, service string) {
	b.required[barrierKey(component, service)] = true
}

// Pending returns the number of required calls still outstanding.
func (b *Barrier) Pending() int {
	n := 0
	for key := range b.required {
		if !b.succeeded[key] {
			n++
		}
	}
	return n
}

// Observe feeds one terminal collaborator event to the barrier.
func (b *Barrier) Observe(ev domain.DeploymentEvent) Observation {
	if ev.Type != domain.EventCollaboratorCompleted {
		return ObservationIgnored
	}
	// Late responses from a phase or attempt that has moved on are discarded
	// here by mismatch.
	if ev.CorrelationID != b.correlationID || ev.Phase != b.phase || ev.Attempt != b.attempt {
		return ObservationIgnored
	}
	key := barrierKey(ev.Component, ev.Service)
	if !b.required[key] {
		return ObservationIgnored
	}
	if b.succeeded[key] {
		// Second terminal event for the same invocation.
		return ObservationIgnored
	}
	if b.failed {
		return ObservationIgnored
	}

	switch ev.Status {
	case domain.StatusSuccess:
		b.succeeded[key] = true
		if b.Pending() == 0 {
			return ObservationSatisfied
		}
		return ObservationProgress
	case domain.StatusFailure, domain.StatusTimeout:
		b.failed = true
		return ObservationFailed
	default:
		return ObservationIgnored
	}
}

// Satisfied reports whether every required call has succeeded.
func (b *Barrier) Satisfied() bool {
	return !b.failed && b.Pending() == 0
}

func barrierKey(component, service string) string {
	if service == "" {
		return component
	}
	return component + "/" + service
}
