package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/core/plan"
	"github.com/artpar/rollout/internal/shell/bus"
	"github.com/artpar/rollout/internal/shell/collab"
)

// =============================================================================
// Phase Controller
// =============================================================================

// Controller executes one phase of one deployment at a time: it dispatches
// the phase's collaborator calls, waits for the barrier of terminal events,
// and retries transient failures with backoff. It holds no deployment state
// between calls; everything it needs arrives in the request.
type Controller struct {
	collabs      collab.Set
	bus          bus.Publisher
	logger       *slog.Logger
	policy       plan.RetryPolicy
	phaseTimeout time.Duration
	rand         func() float64
}

// NewController creates a phase controller.
func NewController(collabs collab.Set, publisher bus.Publisher, logger *slog.Logger, policy plan.RetryPolicy, phaseTimeout time.Duration) *Controller {
	if phaseTimeout <= 0 {
		phaseTimeout = 2 * time.Minute
	}
	return &Controller{
		collabs:      collabs,
		bus:          publisher,
		logger:       logger.With("component", "phase_controller"),
		policy:       policy.Normalize(),
		phaseTimeout: phaseTimeout,
		rand:         rand.Float64,
	}
}

// PhaseResult is the aggregated outcome of running one phase to conclusion,
// including all retries. Artifacts are merged across attempts: a failed
// attempt's partial side effects still matter to rollback.
type PhaseResult struct {
	Outcome   domain.Outcome
	Attempts  int
	Error     string
	Artifacts map[string]string
}

// dispatch is one collaborator call a phase requires. Per-service dispatches
// fan out over the service graph in dependency order.
type dispatch struct {
	collaborator collab.Collaborator
	operation    string
	perService   bool
}

// dispatchesFor maps a phase to its collaborator calls.
func (c *Controller) dispatchesFor(phase domain.Phase) []dispatch {
	switch phase {
	case domain.PhaseValidating:
		return []dispatch{{c.collabs.Validator, collab.OpValidate, false}}
	case domain.PhasePreparing:
		return []dispatch{
			{c.collabs.Config, collab.OpRenderConfig, false},
			{c.collabs.Scanner, collab.OpScan, false},
		}
	case domain.PhaseProvisioning:
		return []dispatch{{c.collabs.Provisioner, collab.OpProvision, true}}
	case domain.PhaseDeploying:
		return []dispatch{{c.collabs.Provisioner, collab.OpActivate, true}}
	case domain.PhaseTesting:
		return []dispatch{{c.collabs.Tester, collab.OpRunTests, false}}
	case domain.PhaseMonitoring:
		return []dispatch{{c.collabs.Dashboard, collab.OpVerifyHealth, false}}
	default:
		return nil
	}
}

// RunPhase drives a phase through its attempts until success, exhaustion,
// fatal failure or cancellation. Terminal collaborator events arrive on
// events; everything else on that channel is ignored. Cancelling ctx aborts
// the phase with OutcomeCancelled.
func (c *Controller) RunPhase(ctx context.Context, dctx domain.DeploymentContext, spec domain.DeploymentSpecification, phase domain.Phase, events <-chan domain.DeploymentEvent) PhaseResult {
	c.bus.Publish(domain.DeploymentEvent{
		Type:          domain.EventPhaseStarted,
		DeploymentID:  dctx.DeploymentID,
		CorrelationID: dctx.CorrelationID,
		Phase:         phase,
		Source:        "phase_controller",
		Timestamp:     time.Now().UTC(),
	})

	artifacts := make(map[string]string)
	result := PhaseResult{Artifacts: artifacts}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		outcome, errMsg, fatal := c.attempt(ctx, dctx, spec, phase, attempt, events, artifacts)
		result.Outcome = outcome
		result.Error = errMsg

		if outcome == domain.OutcomeSuccess || outcome == domain.OutcomeCancelled {
			break
		}
		if fatal {
			c.logger.Warn("phase failed fatally, skipping retries",
				"deployment_id", dctx.DeploymentID,
				"phase", phase,
				"attempt", attempt,
				"error", errMsg,
			)
			break
		}
		if !c.policy.ShouldRetry(attempt) {
			break
		}

		delay := c.policy.Delay(attempt, c.rand)
		c.logger.Info("retrying phase",
			"deployment_id", dctx.DeploymentID,
			"phase", phase,
			"attempt", attempt,
			"delay", delay,
		)
		select {
		case <-ctx.Done():
			result.Outcome = domain.OutcomeCancelled
			result.Error = "cancelled while waiting to retry"
			goto done
		case <-time.After(delay):
		}
	}
done:

	ev := domain.DeploymentEvent{
		Type:          domain.EventPhaseCompleted,
		DeploymentID:  dctx.DeploymentID,
		CorrelationID: dctx.CorrelationID,
		Phase:         phase,
		Attempt:       result.Attempts,
		Error:         result.Error,
		Source:        "phase_controller",
		Timestamp:     time.Now().UTC(),
	}
	switch result.Outcome {
	case domain.OutcomeSuccess:
		ev.Status = domain.StatusSuccess
	case domain.OutcomeTimeout:
		ev.Status = domain.StatusTimeout
	default:
		ev.Status = domain.StatusFailure
	}
	c.bus.Publish(ev)

	return result
}

// attempt runs one attempt of a phase: dispatch, barrier, outcome. The fatal
// return distinguishes failures that must not be retried.
func (c *Controller) attempt(ctx context.Context, dctx domain.DeploymentContext, spec domain.DeploymentSpecification, phase domain.Phase, attempt int, events <-chan domain.DeploymentEvent, artifacts map[string]string) (outcome domain.Outcome, errMsg string, fatal bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.phaseTimeout)
	defer cancel()

	barrier := plan.NewBarrier(dctx.CorrelationID, phase, attempt)
	dispatches := c.dispatchesFor(phase)
	if len(dispatches) == 0 {
		return domain.OutcomeFailure, fmt.Sprintf("no collaborators mapped for phase %s", phase), true
	}

	// Per-service dispatches respect the dependency graph: a service is
	// dispatched only once everything it depends on has completed.
	var schedule *plan.Schedule
	byName := make(map[string]*domain.ServiceSpecification, len(spec.Services))
	for i := range spec.Services {
		byName[spec.Services[i].Name] = &spec.Services[i]
	}

	for _, d := range dispatches {
		if d.perService {
			var err error
			schedule, err = plan.NewSchedule(spec.Services)
			if err != nil {
				return domain.OutcomeFailure, err.Error(), true
			}
			for _, name := range schedule.Ready() {
				c.invokeService(attemptCtx, dctx, spec, phase, attempt, d, byName[name], barrier)
			}
		} else {
			barrier.Expect(d.collaborator.Name(), "")
			c.invoke(attemptCtx, dctx, spec, phase, attempt, d, nil)
		}
	}

	for {
		select {
		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				return domain.OutcomeCancelled, "phase aborted", false
			}
			return domain.OutcomeTimeout, fmt.Sprintf("phase %s exceeded %s", phase, c.phaseTimeout), false

		case ev := <-events:
			obs := barrier.Observe(ev)
			switch obs {
			case plan.ObservationIgnored:
				if ev.Type == domain.EventCollaboratorCompleted {
					c.logger.Debug("discarded stale or duplicate event",
						"deployment_id", ev.DeploymentID,
						"phase", ev.Phase,
						"attempt", ev.Attempt,
						"component", ev.Component,
						"service", ev.Service,
					)
				}

			case plan.ObservationProgress, plan.ObservationSatisfied:
				for k, v := range ev.Payload {
					artifacts[k] = v
				}
				if ev.Service != "" && schedule != nil {
					for _, name := range schedule.MarkDone(ev.Service) {
						for _, d := range dispatches {
							if d.perService {
								c.invokeService(attemptCtx, dctx, spec, phase, attempt, d, byName[name], barrier)
							}
						}
					}
				}
				// Dispatching newly-ready dependents grows the required set,
				// so the pre-dispatch observation cannot decide completion.
				if barrier.Satisfied() {
					return domain.OutcomeSuccess, "", false
				}

			case plan.ObservationFailed:
				// Failed attempts may still have produced side effects.
				for k, v := range ev.Payload {
					artifacts[k] = v
				}
				class := ev.Classify()
				if ev.Status == domain.StatusTimeout {
					return domain.OutcomeTimeout, ev.Error, false
				}
				return domain.OutcomeFailure, ev.Error, class == domain.FailureFatal
			}
		}
	}
}

func (c *Controller) invokeService(ctx context.Context, dctx domain.DeploymentContext, spec domain.DeploymentSpecification, phase domain.Phase, attempt int, d dispatch, svc *domain.ServiceSpecification, barrier *plan.Barrier) {
	barrier.Expect(d.collaborator.Name(), svc.Name)
	c.invoke(ctx, dctx, spec, phase, attempt, d, svc)
}

func (c *Controller) invoke(ctx context.Context, dctx domain.DeploymentContext, spec domain.DeploymentSpecification, phase domain.Phase, attempt int, d dispatch, svc *domain.ServiceSpecification) {
	req := collab.PhaseRequest{
		Phase:     phase,
		Attempt:   attempt,
		Operation: d.operation,
		Service:   svc,
		Services:  spec.Services,
		Criteria:  spec.Success,
	}

	c.bus.Publish(domain.DeploymentEvent{
		Type:          domain.EventCollaboratorDispatched,
		DeploymentID:  dctx.DeploymentID,
		CorrelationID: dctx.CorrelationID,
		Phase:         phase,
		Attempt:       attempt,
		Component:     d.collaborator.Name(),
		Service:       req.ServiceName(),
		Source:        "phase_controller",
		Timestamp:     time.Now().UTC(),
	})

	d.collaborator.Invoke(ctx, dctx, req)
}
