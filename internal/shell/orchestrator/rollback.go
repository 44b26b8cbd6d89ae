package orchestrator

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/core/plan"
	"github.com/artpar/rollout/internal/shell/bus"
	"github.com/artpar/rollout/internal/shell/collab"
)

// =============================================================================
// Rollback Coordinator
// =============================================================================

// RollbackResult summarizes how a rollback concluded.
type RollbackResult string

const (
	// RollbackCompleted means every applicable compensation succeeded or was
	// explicitly irreversible.
	RollbackCompleted RollbackResult = "completed"

	// RollbackPartial means some compensations succeeded and some failed.
	RollbackPartial RollbackResult = "partial"

	// RollbackFailed means no compensation succeeded.
	RollbackFailed RollbackResult = "failed"
)

// recordFunc durably appends one compensation annotation as it happens, so a
// crash mid-rollback loses no history.
type recordFunc func(rec domain.PhaseRecord)

// Coordinator undoes the side effects of a failed or cancelled deployment.
// It walks the mutating phases of the history in reverse, invokes each
// phase's compensating action at most once, and is best-effort exhaustive:
// a failed compensation is recorded and the walk continues. It never raises;
// the history and the result say what happened.
type Coordinator struct {
	collabs     collab.Set
	bus         bus.Publisher
	logger      *slog.Logger
	policy      plan.RetryPolicy
	compTimeout time.Duration
	rand        func() float64
}

// NewCoordinator creates a rollback coordinator. The policy should be
// tighter than the forward phase policy; rollback must conclude.
func NewCoordinator(collabs collab.Set, publisher bus.Publisher, logger *slog.Logger, policy plan.RetryPolicy, compTimeout time.Duration) *Coordinator {
	if compTimeout <= 0 {
		compTimeout = 30 * time.Second
	}
	return &Coordinator{
		collabs:     collabs,
		bus:         publisher,
		logger:      logger.With("component", "rollback_coordinator"),
		policy:      policy.Normalize(),
		compTimeout: compTimeout,
		rand:        rand.Float64,
	}
}

// compensatorFor maps a mutating phase to the collaborator that undoes it.
func (r *Coordinator) compensatorFor(phase domain.Phase) collab.Collaborator {
	switch phase {
	case domain.PhasePreparing:
		return r.collabs.Config
	case domain.PhaseProvisioning, domain.PhaseDeploying:
		return r.collabs.Provisioner
	default:
		return nil
	}
}

// Execute rolls back a deployment. interrupted is the phase where forward
// progress stopped; when it left artifacts behind it is compensated first,
// then the succeeded mutating phases in reverse order. Compensation records
// are appended to the deployment and durably persisted through record.
func (r *Coordinator) Execute(ctx context.Context, dctx domain.DeploymentContext, d *domain.Deployment, interrupted domain.Phase, record recordFunc) RollbackResult {
	r.bus.Publish(domain.DeploymentEvent{
		Type:          domain.EventRollbackStarted,
		DeploymentID:  d.ID,
		CorrelationID: d.CorrelationID,
		Phase:         interrupted,
		Source:        "rollback_coordinator",
		Timestamp:     time.Now().UTC(),
	})

	// Reverse walk, at most one compensation per phase.
	var targets []domain.Phase
	seen := make(map[domain.Phase]bool)
	if interrupted != "" && isMutating(interrupted) && len(d.ArtifactsFor(interrupted)) > 0 {
		targets = append(targets, interrupted)
		seen[interrupted] = true
	}
	succeeded := d.SucceededPhases()
	for i := len(succeeded) - 1; i >= 0; i-- {
		phase := succeeded[i]
		if !isMutating(phase) || seen[phase] {
			continue
		}
		targets = append(targets, phase)
		seen[phase] = true
	}

	compensated, failed := 0, 0
	for _, phase := range targets {
		rec := r.compensatePhase(ctx, dctx, d, phase)
		d.RecordCompensation(rec)
		record(rec)

		r.bus.Publish(domain.DeploymentEvent{
			Type:          domain.EventCompensationResult,
			DeploymentID:  d.ID,
			CorrelationID: d.CorrelationID,
			Phase:         phase,
			Status:        compensationStatus(rec.Outcome),
			Error:         rec.Error,
			Source:        "rollback_coordinator",
			Timestamp:     time.Now().UTC(),
		})

		switch rec.Outcome {
		case domain.OutcomeCompensated, domain.OutcomeIrreversible:
			compensated++
		default:
			failed++
		}
	}

	result := RollbackCompleted
	switch {
	case failed > 0 && compensated > 0:
		result = RollbackPartial
	case failed > 0:
		result = RollbackFailed
	}

	r.bus.Publish(domain.DeploymentEvent{
		Type:          domain.EventRollbackCompleted,
		DeploymentID:  d.ID,
		CorrelationID: d.CorrelationID,
		Status:        rollbackStatus(result),
		Payload:       map[string]string{"result": string(result)},
		Source:        "rollback_coordinator",
		Timestamp:     time.Now().UTC(),
	})

	if result != RollbackCompleted {
		r.bus.Publish(domain.DeploymentEvent{
			Type:          domain.EventAlert,
			DeploymentID:  d.ID,
			CorrelationID: d.CorrelationID,
			Error:         "rollback did not fully complete, manual remediation required",
			Payload:       map[string]string{"rollback_result": string(result)},
			Source:        "rollback_coordinator",
			Timestamp:     time.Now().UTC(),
		})
	}

	r.logger.Info("rollback concluded",
		"deployment_id", d.ID,
		"result", result,
		"compensated", compensated,
		"failed", failed,
	)
	return result
}

// compensatePhase runs one phase's compensating action under the rollback
// retry budget and returns the history annotation for it.
func (r *Coordinator) compensatePhase(ctx context.Context, dctx domain.DeploymentContext, d *domain.Deployment, phase domain.Phase) domain.PhaseRecord {
	rec := domain.PhaseRecord{
		Phase:     phase,
		Artifacts: d.ArtifactsFor(phase),
		Timestamp: time.Now().UTC(),
	}

	rule, ok := d.Specification.Rollback.RuleFor(phase)
	if !ok {
		rec.Outcome = domain.OutcomeCompensationFailed
		rec.Error = "no compensation rule declared"
		return rec
	}
	if rule.Irreversible {
		rec.Outcome = domain.OutcomeIrreversible
		return rec
	}

	compensator := r.compensatorFor(phase)
	if compensator == nil {
		rec.Outcome = domain.OutcomeCompensationFailed
		rec.Error = "no compensator for phase"
		return rec
	}

	req := collab.CompensationRequest{
		Phase:     phase,
		Rule:      rule,
		Artifacts: rec.Artifacts,
	}

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		rec.Attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, r.compTimeout)
		lastErr = compensator.Compensate(callCtx, dctx, req)
		cancel()

		if lastErr == nil {
			rec.Outcome = domain.OutcomeCompensated
			return rec
		}

		r.logger.Warn("compensation attempt failed",
			"deployment_id", d.ID,
			"phase", phase,
			"attempt", attempt,
			"error", lastErr,
		)
		if !r.policy.ShouldRetry(attempt) {
			break
		}
		select {
		case <-ctx.Done():
			rec.Outcome = domain.OutcomeCompensationFailed
			rec.Error = "rollback aborted: " + lastErr.Error()
			return rec
		case <-time.After(r.policy.Delay(attempt, r.rand)):
		}
	}

	rec.Outcome = domain.OutcomeCompensationFailed
	rec.Error = lastErr.Error()
	return rec
}

func isMutating(phase domain.Phase) bool {
	for _, p := range domain.MutatingPhases {
		if p == phase {
			return true
		}
	}
	return false
}

func compensationStatus(outcome domain.Outcome) domain.EventStatus {
	if outcome == domain.OutcomeCompensated || outcome == domain.OutcomeIrreversible {
		return domain.StatusSuccess
	}
	return domain.StatusFailure
}

func rollbackStatus(result RollbackResult) domain.EventStatus {
	if result == RollbackCompleted {
		return domain.StatusSuccess
	}
	return domain.StatusFailure
}
