// Package orchestrator drives deployments through the phase pipeline. This
// is part of the Imperative Shell: it owns the control loops, routes
// collaborator events, and persists every state change.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/core/plan"
	"github.com/artpar/rollout/internal/core/validation"
	"github.com/artpar/rollout/internal/shell/bus"
	"github.com/artpar/rollout/internal/shell/collab"
	"github.com/artpar/rollout/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrAlreadyTerminal    = errors.New("deployment already terminal")
	ErrInvalidSpec        = errors.New("invalid deployment specification")
	ErrNotRunning         = errors.New("orchestrator not running")
)

// =============================================================================
// Config
// =============================================================================

// Config tunes the engine.
type Config struct {
	// PhaseTimeout bounds a single phase attempt.
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`

	// CompensationTimeout bounds a single compensating call.
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`

	// Retry is the forward phase retry policy.
	Retry plan.RetryPolicy `mapstructure:"retry"`

	// Rollback is the tighter policy for compensating actions.
	Rollback plan.RetryPolicy `mapstructure:"rollback"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PhaseTimeout:        2 * time.Minute,
		CompensationTimeout: 30 * time.Second,
		Retry:               plan.DefaultPhasePolicy(),
		Rollback:            plan.RollbackPolicy(),
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator is the deployment engine facade. Submit accepts a validated
// specification and starts a dedicated control loop; Status and Cancel act
// on running or stored deployments. One router goroutine fans collaborator
// events out to the loop that owns each deployment.
type Orchestrator struct {
	store      store.Store
	bus        *bus.Bus
	collabs    collab.Set
	controller *Controller
	rollback   *Coordinator
	logger     *slog.Logger

	mu    sync.Mutex
	loops map[string]*controlLoop

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates an orchestrator.
func New(st store.Store, b *bus.Bus, collabs collab.Set, logger *slog.Logger, cfg Config) (*Orchestrator, error) {
	if err := collabs.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      st,
		bus:        b,
		collabs:    collabs,
		controller: NewController(collabs, b, logger, cfg.Retry, cfg.PhaseTimeout),
		rollback:   NewCoordinator(collabs, b, logger, cfg.Rollback, cfg.CompensationTimeout),
		logger:     logger.With("component", "orchestrator"),
		loops:      make(map[string]*controlLoop),
	}, nil
}

// Start launches the event router and resumes any deployment the previous
// run left in a non-terminal state.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true
	o.mu.Unlock()

	events, unsubscribe := o.bus.Subscribe("orchestrator", 1024)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer unsubscribe()
		o.route(events)
	}()

	active, err := o.store.ListActiveDeployments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active deployments: %w", err)
	}
	for _, d := range active {
		o.logger.Info("resuming interrupted deployment", "deployment_id", d.ID, "status", d.Status)
		o.startLoop(d)
	}

	o.logger.Info("orchestrator started", "resumed", len(active))
	return nil
}

// Stop halts all control loops and waits for them to persist their position.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// route persists every published event to the journal and forwards
// collaborator completions to the owning control loop.
func (o *Orchestrator) route(events <-chan domain.DeploymentEvent) {
	for {
		select {
		case <-o.ctx.Done():
			return
		case ev := <-events:
			if err := o.store.CreateEvent(context.WithoutCancel(o.ctx), ev); err != nil {
				o.logger.Error("failed to journal event", "type", ev.Type, "deployment_id", ev.DeploymentID, "error", err)
			}

			if ev.Type != domain.EventCollaboratorCompleted {
				continue
			}
			o.mu.Lock()
			l := o.loops[ev.DeploymentID]
			o.mu.Unlock()
			if l == nil {
				continue
			}
			select {
			case l.events <- ev:
			default:
				o.logger.Warn("control loop event buffer full, dropping",
					"deployment_id", ev.DeploymentID,
					"component", ev.Component,
				)
			}
		}
	}
}

// =============================================================================
// API
// =============================================================================

// Submit validates a specification, persists a new pending deployment and
// starts its control loop. The returned deployment carries the generated ID
// callers use for status and cancellation.
func (o *Orchestrator) Submit(ctx context.Context, spec domain.DeploymentSpecification) (*domain.Deployment, error) {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	if errs := validation.ValidateSpecification(spec); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, errors.Join(errs...))
	}

	d := domain.NewDeployment(spec)
	if err := o.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}

	o.logger.Info("deployment submitted",
		"deployment_id", d.ID,
		"name", spec.Name,
		"environment", spec.Environment,
		"services", len(spec.Services),
	)
	o.startLoop(d)
	return d, nil
}

// Status returns a deployment with its full phase history.
func (o *Orchestrator) Status(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrDeploymentNotFound
		}
		return nil, err
	}
	return d, nil
}

// List returns deployments matching the options, newest first.
func (o *Orchestrator) List(ctx context.Context, opts store.ListOptions) ([]*domain.Deployment, error) {
	return o.store.ListDeployments(ctx, opts)
}

// Events returns a deployment's journaled events in publication order.
func (o *Orchestrator) Events(ctx context.Context, id string) ([]domain.DeploymentEvent, error) {
	if _, err := o.Status(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListEvents(ctx, id)
}

// Cancel requests cancellation of a running deployment. Cancellation is
// asynchronous: the control loop aborts the in-flight phase, rolls back and
// marks the deployment CANCELLED. Cancelling a terminal deployment returns
// ErrAlreadyTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	d, err := o.Status(ctx, id)
	if err != nil {
		return err
	}
	if allowed, why := validation.CanCancel(d.Status); !allowed {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, why)
	}

	o.mu.Lock()
	l := o.loops[id]
	o.mu.Unlock()
	if l == nil {
		// Known but not running: a pending deployment raced loop startup,
		// or the engine is mid-resume. The loop honors the request when it
		// picks the deployment up; reject for now so the caller retries.
		return fmt.Errorf("%w: deployment %s has no active control loop", ErrDeploymentNotFound, id)
	}

	if reason == "" {
		reason = "cancelled by user"
	}
	select {
	case l.cancelRequests <- cancelRequest{origin: domain.CancelOriginUser, reason: reason}:
		o.logger.Info("cancellation requested", "deployment_id", id, "reason", reason)
	default:
		// A cancellation is already queued; honoring one is enough.
	}
	return nil
}

// startLoop registers and launches the control loop for a deployment.
func (o *Orchestrator) startLoop(d *domain.Deployment) {
	l := newControlLoop(d, o.store, o.bus, o.controller, o.rollback, o.logger)

	o.mu.Lock()
	o.loops[d.ID] = l
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		l.run(o.ctx)

		o.mu.Lock()
		delete(o.loops, d.ID)
		o.mu.Unlock()
	}()
}

// ActiveLoops returns the number of running control loops.
func (o *Orchestrator) ActiveLoops() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.loops)
}
