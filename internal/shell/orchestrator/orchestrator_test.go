package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/core/plan"
	"github.com/artpar/rollout/internal/shell/bus"
	"github.com/artpar/rollout/internal/shell/collab"
	"github.com/artpar/rollout/internal/shell/store"
)

// =============================================================================
// Test Harness
// =============================================================================

type testEngine struct {
	engine      *Orchestrator
	store       store.Store
	bus         *bus.Bus
	provisioner *collab.ResourceProvisioner
	tester      *collab.IntegrationTester
	scanner     *collab.SecurityScanner
}

// newTestEngine wires a full engine against an in-memory store with a fast
// retry schedule. Callers script individual collaborators through WithInvoke
// before submitting.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(nil)
	provisioner := collab.NewResourceProvisioner(b, nil)
	tester := collab.NewIntegrationTester(b, nil)
	scanner := collab.NewSecurityScanner(b, nil, true)
	set := collab.Set{
		Validator:   collab.NewEnvironmentValidator(b, nil, nil),
		Config:      collab.NewConfigurationManager(b, nil, t.TempDir()),
		Scanner:     scanner,
		Provisioner: provisioner,
		Tester:      tester,
		Dashboard:   collab.NewMonitoringDashboard(b, nil),
	}

	cfg := Config{
		PhaseTimeout:        5 * time.Second,
		CompensationTimeout: time.Second,
		Retry:               plan.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 1, MaxDelay: 20 * time.Millisecond},
		Rollback:            plan.RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, Multiplier: 1, MaxDelay: 20 * time.Millisecond},
	}
	engine, err := New(st, b, set, nil, cfg)
	require.NoError(t, err)

	return &testEngine{
		engine:      engine,
		store:       st,
		bus:         b,
		provisioner: provisioner,
		tester:      tester,
		scanner:     scanner,
	}
}

func (e *testEngine) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.engine.Start(context.Background()))
	t.Cleanup(e.engine.Stop)
}

func pipelineSpec() domain.DeploymentSpecification {
	return domain.DeploymentSpecification{
		Name:        "checkout",
		Environment: "staging",
		Services: []domain.ServiceSpecification{
			{Name: "db", Image: "checkout-db:5.1", Resources: domain.ResourceRequirement{CPUCores: 1, MemoryMB: 512}},
			{Name: "cache", Image: "checkout-cache:2.0", Resources: domain.ResourceRequirement{CPUCores: 1, MemoryMB: 256}},
			{Name: "api", Image: "checkout-api:1.2.0", DependsOn: []string{"db", "cache"},
				Resources: domain.ResourceRequirement{CPUCores: 2, MemoryMB: 1024}},
		},
		Rollback: domain.RollbackStrategy{
			Compensations: map[domain.Phase]domain.CompensationRule{
				domain.PhasePreparing:    {Action: "remove_config"},
				domain.PhaseProvisioning: {Action: "release_resources"},
				domain.PhaseDeploying:    {Action: "deactivate_services"},
			},
		},
	}
}

// waitTerminal polls until the deployment reaches a terminal state.
func waitTerminal(t *testing.T, e *testEngine, id string) *domain.Deployment {
	t.Helper()
	var d *domain.Deployment
	require.Eventually(t, func() bool {
		var err error
		d, err = e.engine.Status(context.Background(), id)
		require.NoError(t, err)
		return d.Status.IsTerminal()
	}, 15*time.Second, 10*time.Millisecond)
	return d
}

func waitStatus(t *testing.T, e *testEngine, id string, status domain.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := e.engine.Status(context.Background(), id)
		require.NoError(t, err)
		return d.Status == status
	}, 15*time.Second, 5*time.Millisecond)
}

// =============================================================================
// Pipeline Tests
// =============================================================================

func TestOrchestrator_HappyPathCompletes(t *testing.T) {
	e := newTestEngine(t)
	e.start(t)

	d, err := e.engine.Submit(context.Background(), pipelineSpec())
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)
	require.NotEmpty(t, d.CorrelationID)

	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseCompleted, final.Status)
	assert.False(t, final.RemediationRequired)
	require.NotNil(t, final.CompletedAt)

	// One success record per work phase, in pipeline order.
	require.Len(t, final.PhaseHistory, 6)
	wantOrder := []domain.Phase{
		domain.PhaseValidating, domain.PhasePreparing, domain.PhaseProvisioning,
		domain.PhaseDeploying, domain.PhaseTesting, domain.PhaseMonitoring,
	}
	for i, rec := range final.PhaseHistory {
		assert.Equal(t, wantOrder[i], rec.Phase)
		assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	}

	// Provisioning captured one resource ID per service.
	prov := final.ArtifactsFor(domain.PhaseProvisioning)
	assert.Len(t, prov, 3)
	assert.NotEmpty(t, prov["resource_id/api"])

	// The journal saw the lifecycle events for this deployment.
	require.Eventually(t, func() bool {
		events, err := e.engine.Events(context.Background(), d.ID)
		require.NoError(t, err)
		types := make(map[domain.EventType]bool)
		for _, ev := range events {
			types[ev.Type] = true
		}
		return types[domain.EventPhaseStarted] &&
			types[domain.EventCollaboratorCompleted] &&
			types[domain.EventDeploymentCompleted]
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_FatalFailureSkipsRetries(t *testing.T) {
	e := newTestEngine(t)
	e.start(t)

	spec := pipelineSpec()
	spec.Services[2].Image = "checkout-api:latest" // violates pinning policy

	d, err := e.engine.Submit(context.Background(), spec)
	require.NoError(t, err)

	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseFailed, final.Status)
	assert.Equal(t, domain.PhasePreparing, final.FailedPhase)
	assert.Contains(t, final.ErrorMessage, "api")

	// A policy violation fails on the first attempt.
	var preparing *domain.PhaseRecord
	for i := range final.PhaseHistory {
		if final.PhaseHistory[i].Phase == domain.PhasePreparing && final.PhaseHistory[i].Outcome == domain.OutcomeFailure {
			preparing = &final.PhaseHistory[i]
		}
	}
	require.NotNil(t, preparing)
	assert.Equal(t, 1, preparing.Attempts)

	assert.Equal(t, string(RollbackCompleted), final.RollbackOutcome)
	assert.False(t, final.RemediationRequired)
	assert.False(t, final.RollingBack)
}

func TestOrchestrator_TransientFailureRetriesThenSucceeds(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	e.tester.WithInvoke(func(context.Context, domain.DeploymentContext, collab.PhaseRequest) (map[string]string, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return map[string]string{"tests_run": "smoke"}, nil
	})
	e.start(t)

	d, err := e.engine.Submit(context.Background(), pipelineSpec())
	require.NoError(t, err)

	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseCompleted, final.Status)
	assert.Equal(t, int32(2), calls.Load())

	var rec *domain.PhaseRecord
	for i := range final.PhaseHistory {
		if final.PhaseHistory[i].Phase == domain.PhaseTesting {
			rec = &final.PhaseHistory[i]
		}
	}
	require.NotNil(t, rec)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 2, rec.Attempts)
}

func TestOrchestrator_RetriesExhaustedFails(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	e.tester.WithInvoke(func(context.Context, domain.DeploymentContext, collab.PhaseRequest) (map[string]string, error) {
		calls.Add(1)
		return nil, errors.New("connection reset by peer")
	})
	e.start(t)

	d, err := e.engine.Submit(context.Background(), pipelineSpec())
	require.NoError(t, err)

	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseFailed, final.Status)
	assert.Equal(t, domain.PhaseTesting, final.FailedPhase)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOrchestrator_ProvisioningWaitsForDependentServices(t *testing.T) {
	e := newTestEngine(t)

	// db and cache provision immediately; api blocks until the gate opens.
	gate := make(chan struct{})
	e.provisioner.WithInvoke(func(ctx context.Context, dctx domain.DeploymentContext, req collab.PhaseRequest) (map[string]string, error) {
		if req.Operation == collab.OpActivate {
			return map[string]string{"endpoint/" + req.Service.Name: req.Service.Name + ".staging.internal"}, nil
		}
		if req.Service.Name == "api" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return map[string]string{"resource_id/" + req.Service.Name: "res_" + req.Service.Name}, nil
	})
	e.start(t)

	d, err := e.engine.Submit(context.Background(), pipelineSpec())
	require.NoError(t, err)
	waitStatus(t, e, d.ID, domain.PhaseProvisioning)

	// api is dispatched only after its dependencies complete; the phase must
	// hold for it even though every earlier dispatch has already succeeded.
	assert.Never(t, func() bool {
		cur, err := e.engine.Status(context.Background(), d.ID)
		require.NoError(t, err)
		return cur.Status != domain.PhaseProvisioning
	}, 400*time.Millisecond, 20*time.Millisecond)

	close(gate)
	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseCompleted, final.Status)

	prov := final.ArtifactsFor(domain.PhaseProvisioning)
	assert.Equal(t, "res_db", prov["resource_id/db"])
	assert.Equal(t, "res_cache", prov["resource_id/cache"])
	assert.Equal(t, "res_api", prov["resource_id/api"])
}

// =============================================================================
// Rollback Tests
// =============================================================================

func TestOrchestrator_FailureRollsBackInReverse(t *testing.T) {
	e := newTestEngine(t)

	e.tester.WithInvoke(func(context.Context, domain.DeploymentContext, collab.PhaseRequest) (map[string]string, error) {
		return nil, collab.Fatal(errors.New("smoke tests failed"))
	})
	e.start(t)

	d, err := e.engine.Submit(context.Background(), pipelineSpec())
	require.NoError(t, err)

	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseFailed, final.Status)
	assert.Equal(t, string(RollbackCompleted), final.RollbackOutcome)

	// Compensations annotate the history in reverse phase order, and the
	// provisioner holds nothing afterwards.
	var compensated []domain.Phase
	for _, rec := range final.PhaseHistory {
		if rec.Outcome == domain.OutcomeCompensated {
			compensated = append(compensated, rec.Phase)
		}
	}
	assert.Equal(t, []domain.Phase{
		domain.PhaseDeploying, domain.PhaseProvisioning, domain.PhasePreparing,
	}, compensated)
	assert.Empty(t, e.provisioner.AllocatedFor(d.ID))
}

func TestOrchestrator_IrreversiblePhaseRecorded(t *testing.T) {
	e := newTestEngine(t)

	e.tester.WithInvoke(func(context.Context, domain.DeploymentContext, collab.PhaseRequest) (map[string]string, error) {
		return nil, collab.Fatal(errors.New("smoke tests failed"))
	})
	e.start(t)

	spec := pipelineSpec()
	spec.Rollback.Compensations[domain.PhaseDeploying] = domain.CompensationRule{Irreversible: true}

	d, err := e.engine.Submit(context.Background(), spec)
	require.NoError(t, err)

	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseFailed, final.Status)
	// Irreversible phases do not taint the rollback result.
	assert.Equal(t, string(RollbackCompleted), final.RollbackOutcome)

	var deploying *domain.PhaseRecord
	for i := range final.PhaseHistory {
		if final.PhaseHistory[i].Phase == domain.PhaseDeploying && final.PhaseHistory[i].Outcome == domain.OutcomeIrreversible {
			deploying = &final.PhaseHistory[i]
		}
	}
	require.NotNil(t, deploying)
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func TestOrchestrator_CancelRollsBackAndMarksCancelled(t *testing.T) {
	e := newTestEngine(t)

	// Park the deployment in TESTING until cancelled.
	e.tester.WithInvoke(func(ctx context.Context, _ domain.DeploymentContext, _ collab.PhaseRequest) (map[string]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e.start(t)

	d, err := e.engine.Submit(context.Background(), pipelineSpec())
	require.NoError(t, err)
	waitStatus(t, e, d.ID, domain.PhaseTesting)

	require.NoError(t, e.engine.Cancel(context.Background(), d.ID, "operator abort"))

	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseCancelled, final.Status)
	assert.Equal(t, domain.CancelOriginUser, final.CancelReason)
	assert.Equal(t, string(RollbackCompleted), final.RollbackOutcome)
	assert.Empty(t, e.provisioner.AllocatedFor(d.ID))

	// Cancelling again conflicts.
	err = e.engine.Cancel(context.Background(), d.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestOrchestrator_GlobalDeadlineCancels(t *testing.T) {
	e := newTestEngine(t)

	e.tester.WithInvoke(func(ctx context.Context, _ domain.DeploymentContext, _ collab.PhaseRequest) (map[string]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e.start(t)

	spec := pipelineSpec()
	spec.GlobalDeadline = 500 * time.Millisecond

	d, err := e.engine.Submit(context.Background(), spec)
	require.NoError(t, err)

	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseCancelled, final.Status)
	assert.Equal(t, domain.CancelOriginSystem, final.CancelReason)
}

func TestOrchestrator_CancelUnknownDeployment(t *testing.T) {
	e := newTestEngine(t)
	e.start(t)

	err := e.engine.Cancel(context.Background(), "deploy_20260314_092653_missing1", "")
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
}

// =============================================================================
// Submission Tests
// =============================================================================

func TestOrchestrator_SubmitRejectsInvalidSpec(t *testing.T) {
	e := newTestEngine(t)
	e.start(t)

	spec := pipelineSpec()
	spec.Services = nil

	_, err := e.engine.Submit(context.Background(), spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestOrchestrator_SubmitRejectsMissingCompensation(t *testing.T) {
	e := newTestEngine(t)
	e.start(t)

	spec := pipelineSpec()
	delete(spec.Rollback.Compensations, domain.PhaseProvisioning)

	_, err := e.engine.Submit(context.Background(), spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	assert.ErrorIs(t, err, domain.ErrMissingCompensation)
}

func TestOrchestrator_SubmitBeforeStart(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.engine.Submit(context.Background(), pipelineSpec())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestOrchestrator_StatusUnknownDeployment(t *testing.T) {
	e := newTestEngine(t)
	e.start(t)

	_, err := e.engine.Status(context.Background(), "deploy_20260314_092653_missing1")
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
}

// =============================================================================
// Isolation And Resume Tests
// =============================================================================

func TestOrchestrator_DeploymentsAreIsolated(t *testing.T) {
	e := newTestEngine(t)

	e.tester.WithInvoke(func(ctx context.Context, dctx domain.DeploymentContext, _ collab.PhaseRequest) (map[string]string, error) {
		if dctx.Environment == "production" {
			return nil, collab.Fatal(errors.New("smoke tests failed"))
		}
		return map[string]string{"tests_run": "smoke"}, nil
	})
	e.start(t)

	good, err := e.engine.Submit(context.Background(), pipelineSpec())
	require.NoError(t, err)

	badSpec := pipelineSpec()
	badSpec.Environment = "production"
	bad, err := e.engine.Submit(context.Background(), badSpec)
	require.NoError(t, err)

	goodFinal := waitTerminal(t, e, good.ID)
	badFinal := waitTerminal(t, e, bad.ID)

	assert.Equal(t, domain.PhaseCompleted, goodFinal.Status)
	assert.Equal(t, domain.PhaseFailed, badFinal.Status)
	assert.Empty(t, e.provisioner.AllocatedFor(bad.ID))
	assert.NotEmpty(t, e.provisioner.AllocatedFor(good.ID))
}

func TestOrchestrator_ResumesInterruptedDeployment(t *testing.T) {
	e := newTestEngine(t)

	// A previous run left this deployment mid-pipeline.
	d := domain.NewDeployment(pipelineSpec())
	require.NoError(t, d.Transition(domain.PhaseValidating))
	require.NoError(t, e.store.CreateDeployment(context.Background(), d))

	e.start(t)

	final := waitTerminal(t, e, d.ID)
	assert.Equal(t, domain.PhaseCompleted, final.Status)
}

func TestOrchestrator_StopLeavesDeploymentResumable(t *testing.T) {
	e := newTestEngine(t)

	e.tester.WithInvoke(func(ctx context.Context, _ domain.DeploymentContext, _ collab.PhaseRequest) (map[string]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, e.engine.Start(context.Background()))

	d, err := e.engine.Submit(context.Background(), pipelineSpec())
	require.NoError(t, err)
	waitStatus(t, e, d.ID, domain.PhaseTesting)

	e.engine.Stop()

	// Shutdown is not a cancellation: the deployment keeps its position.
	got, err := e.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseTesting, got.Status)
	assert.Empty(t, got.CancelReason)
	assert.Equal(t, 0, e.engine.ActiveLoops())
}

func TestOrchestrator_TerminalDeploymentReleasesWatcher(t *testing.T) {
	e := newTestEngine(t)
	e.start(t)

	before := runtime.NumGoroutine()

	spec := pipelineSpec()
	spec.GlobalDeadline = time.Hour

	d, err := e.engine.Submit(context.Background(), spec)
	require.NoError(t, err)
	final := waitTerminal(t, e, d.ID)
	require.Equal(t, domain.PhaseCompleted, final.Status)

	// The loop and its deadline watcher both exit once the deployment is
	// terminal, not at engine shutdown. Polled inline: a condition goroutine
	// would skew the count.
	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines not reclaimed: %d running, %d before submit", runtime.NumGoroutine(), before)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestControlLoop_CompletionPersistsThroughShutdown(t *testing.T) {
	e := newTestEngine(t)

	d := domain.NewDeployment(pipelineSpec())
	require.NoError(t, e.store.CreateDeployment(context.Background(), d))
	for _, p := range []domain.Phase{
		domain.PhaseValidating, domain.PhasePreparing, domain.PhaseProvisioning,
		domain.PhaseDeploying, domain.PhaseTesting, domain.PhaseMonitoring,
		domain.PhaseCompleted,
	} {
		require.NoError(t, d.Transition(p))
	}

	// The engine context is already gone, as during a racing shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := newControlLoop(d, e.store, e.bus, e.engine.controller, e.engine.rollback, slog.Default())
	l.run(ctx)

	got, err := e.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}
