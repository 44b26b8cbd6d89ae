package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/shell/bus"
	"github.com/artpar/rollout/internal/shell/store"
)

// =============================================================================
// Control Loop
// =============================================================================

// cancelRequest asks a running deployment to stop.
type cancelRequest struct {
	origin domain.CancelOrigin
	reason string
}

// controlLoop drives a single deployment through the phase pipeline. It is
// the only writer of its deployment; two deployments never share a loop, so
// one deployment's failure cannot touch another's state.
type controlLoop struct {
	d          *domain.Deployment
	dctx       domain.DeploymentContext
	store      store.Store
	bus        bus.Publisher
	controller *Controller
	rollback   *Coordinator
	logger     *slog.Logger

	// events receives this deployment's routed collaborator events.
	events chan domain.DeploymentEvent

	// cancelRequests receives at most one honored cancellation.
	cancelRequests chan cancelRequest

	done chan struct{}
}

func newControlLoop(d *domain.Deployment, st store.Store, publisher bus.Publisher, controller *Controller, rollback *Coordinator, logger *slog.Logger) *controlLoop {
	return &controlLoop{
		d:              d,
		dctx:           domain.NewDeploymentContext(d, "orchestrator"),
		store:          st,
		bus:            publisher,
		controller:     controller,
		rollback:       rollback,
		logger:         logger.With("component", "control_loop", "deployment_id", d.ID),
		events:         make(chan domain.DeploymentEvent, 256),
		cancelRequests: make(chan cancelRequest, 1),
		done:           make(chan struct{}),
	}
}

// run executes the deployment until it reaches a terminal state or ctx is
// cancelled. Cancelling ctx is an engine shutdown: the loop persists its
// current position and exits without a terminal transition, so the
// deployment resumes on the next start.
func (l *controlLoop) run(ctx context.Context) {
	defer close(l.done)

	start := time.Now()
	l.logger.Info("control loop started", "status", l.d.Status)

	// A cancel request or an expired global deadline aborts the in-flight
	// phase through this derived context.
	phaseCtx, abort := context.WithCancel(ctx)
	defer abort()

	var honored *cancelRequest
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		var deadline <-chan time.Time
		if d := l.d.Specification.GlobalDeadline; d > 0 {
			remaining := time.Until(l.d.CreatedAt.Add(d))
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-ctx.Done():
		case <-l.done:
			// The loop reached a terminal state; nothing left to watch.
		case req := <-l.cancelRequests:
			honored = &req
			abort()
		case <-deadline:
			honored = &cancelRequest{
				origin: domain.CancelOriginSystem,
				reason: fmt.Sprintf("global deadline of %s exceeded", l.d.Specification.GlobalDeadline),
			}
			abort()
		}
	}()

	if l.d.Status == domain.PhasePending {
		if err := l.transition(ctx, domain.PhaseValidating); err != nil {
			l.logger.Error("failed to start deployment", "error", err)
			return
		}
	}

	for l.d.Status.IsWorkPhase() {
		phase := l.d.Status
		l.d.SetStep(fmt.Sprintf("executing %s", phase))
		l.d.SetPhaseDeadline(time.Now().Add(l.controller.phaseTimeout))
		l.persist(ctx)

		result := l.controller.RunPhase(phaseCtx, l.dctx, l.d.Specification, phase, l.events)

		rec := domain.PhaseRecord{
			Phase:     phase,
			Outcome:   result.Outcome,
			Attempts:  result.Attempts,
			Error:     result.Error,
			Artifacts: result.Artifacts,
			Timestamp: time.Now().UTC(),
		}
		if err := l.d.RecordPhase(rec); err != nil {
			l.logger.Error("failed to record phase", "phase", phase, "error", err)
			return
		}
		l.appendRecord(ctx, rec)

		switch result.Outcome {
		case domain.OutcomeSuccess:
			next, _ := domain.NextPhase(phase)
			if err := l.transition(ctx, next); err != nil {
				l.logger.Error("phase transition rejected", "from", phase, "to", next, "error", err)
				return
			}

		case domain.OutcomeCancelled:
			if honored == nil {
				// Engine shutdown, not a deployment cancel. Leave the
				// deployment where it is for resume.
				l.d.SetStep("interrupted by shutdown")
				l.persist(context.WithoutCancel(ctx))
				l.logger.Info("control loop interrupted", "status", l.d.Status)
				return
			}
			l.finishCancelled(context.WithoutCancel(ctx), phase, *honored, start)
			return

		default:
			l.finishFailed(context.WithoutCancel(ctx), phase, result, start)
			return
		}
	}

	if l.d.Status == domain.PhaseCompleted {
		// Terminal persists must survive a racing engine shutdown, same as
		// the failure and cancellation paths.
		l.finishCompleted(context.WithoutCancel(ctx), start)
	}
}

// transition moves the deployment forward and persists it.
func (l *controlLoop) transition(ctx context.Context, to domain.Phase) error {
	if err := l.d.Transition(to); err != nil {
		return err
	}
	l.persist(ctx)
	return nil
}

func (l *controlLoop) finishCompleted(ctx context.Context, start time.Time) {
	l.persist(ctx)
	l.bus.Publish(domain.NewEvent(domain.EventDeploymentCompleted, "control_loop", l.d))
	l.publishMetrics(start)
	l.logger.Info("deployment completed", "duration", time.Since(start))
}

func (l *controlLoop) finishFailed(ctx context.Context, phase domain.Phase, result PhaseResult, start time.Time) {
	l.d.RollingBack = true
	l.d.SetStep("rolling back")
	l.persist(ctx)

	rbResult := l.rollback.Execute(ctx, l.dctx, l.d, phase, func(rec domain.PhaseRecord) {
		l.appendRecord(ctx, rec)
	})

	l.d.RollingBack = false
	l.d.RollbackOutcome = string(rbResult)
	l.d.RemediationRequired = rbResult != RollbackCompleted
	if err := l.d.TransitionToFailed(phase, result.Error); err != nil {
		l.logger.Error("failed to mark deployment failed", "error", err)
	}
	l.persist(ctx)

	ev := domain.NewEvent(domain.EventDeploymentFailed, "control_loop", l.d)
	ev.Phase = phase
	ev.Error = result.Error
	ev.Payload = map[string]string{"rollback_result": string(rbResult)}
	l.bus.Publish(ev)
	l.publishMetrics(start)

	l.logger.Warn("deployment failed",
		"phase", phase,
		"error", result.Error,
		"rollback_result", rbResult,
	)
}

func (l *controlLoop) finishCancelled(ctx context.Context, phase domain.Phase, req cancelRequest, start time.Time) {
	l.d.RollingBack = true
	l.d.SetStep("rolling back after cancellation")
	l.persist(ctx)

	rbResult := l.rollback.Execute(ctx, l.dctx, l.d, phase, func(rec domain.PhaseRecord) {
		l.appendRecord(ctx, rec)
	})

	l.d.RollingBack = false
	l.d.RollbackOutcome = string(rbResult)
	l.d.RemediationRequired = rbResult != RollbackCompleted
	if err := l.d.TransitionToCancelled(req.origin, req.reason); err != nil {
		l.logger.Error("failed to mark deployment cancelled", "error", err)
	}
	l.persist(ctx)

	ev := domain.NewEvent(domain.EventDeploymentCancelled, "control_loop", l.d)
	ev.Phase = phase
	ev.Error = req.reason
	ev.Payload = map[string]string{
		"origin":          string(req.origin),
		"rollback_result": string(rbResult),
	}
	l.bus.Publish(ev)
	l.publishMetrics(start)

	l.logger.Info("deployment cancelled",
		"phase", phase,
		"origin", req.origin,
		"reason", req.reason,
	)
}

// publishMetrics emits the terminal summary for dashboards.
func (l *controlLoop) publishMetrics(start time.Time) {
	succeeded := len(l.d.SucceededPhases())
	ev := domain.NewEvent(domain.EventMetrics, "control_loop", l.d)
	ev.Payload = map[string]string{
		"status":           string(l.d.Status),
		"phases_succeeded": fmt.Sprintf("%d", succeeded),
		"history_length":   fmt.Sprintf("%d", len(l.d.PhaseHistory)),
		"duration_ms":      fmt.Sprintf("%d", time.Since(start).Milliseconds()),
	}
	l.bus.Publish(ev)
}

func (l *controlLoop) persist(ctx context.Context) {
	if err := l.store.UpdateDeployment(ctx, l.d); err != nil {
		l.logger.Error("failed to persist deployment", "error", err)
	}
}

func (l *controlLoop) appendRecord(ctx context.Context, rec domain.PhaseRecord) {
	if err := l.store.AppendPhaseRecord(ctx, l.d.ID, rec); err != nil {
		l.logger.Error("failed to persist phase record", "phase", rec.Phase, "error", err)
	}
}
