package collab

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/shell/bus"
)

func testContext() domain.DeploymentContext {
	return domain.DeploymentContext{
		DeploymentID:  "deploy_20260314_092653_abcd1234",
		CorrelationID: "corr-1",
		Environment:   "staging",
	}
}

func waitEvent(t *testing.T, ch <-chan domain.DeploymentEvent) domain.DeploymentEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return domain.DeploymentEvent{}
	}
}

// =============================================================================
// Terminal Event Protocol Tests
// =============================================================================

func TestAdapter_EmitsSingleSuccessEvent(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	v := NewEnvironmentValidator(b, nil, nil)
	v.Invoke(context.Background(), testContext(), PhaseRequest{
		Phase:     domain.PhaseValidating,
		Attempt:   1,
		Operation: OpValidate,
	})

	ev := waitEvent(t, events)
	assert.Equal(t, domain.EventCollaboratorCompleted, ev.Type)
	assert.Equal(t, domain.StatusSuccess, ev.Status)
	assert.Equal(t, "environment_validator", ev.Component)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, domain.PhaseValidating, ev.Phase)
	assert.Equal(t, 1, ev.Attempt)

	// Exactly one terminal event per invocation.
	select {
	case extra := <-events:
		t.Fatalf("unexpected second event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdapter_FatalFailureNotRetryable(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	v := NewEnvironmentValidator(b, nil, []string{"production"})
	v.Invoke(context.Background(), testContext(), PhaseRequest{Phase: domain.PhaseValidating, Attempt: 1})

	ev := waitEvent(t, events)
	assert.Equal(t, domain.StatusFailure, ev.Status)
	assert.False(t, ev.Retryable)
	assert.Equal(t, domain.FailureFatal, ev.Classify())
}

func TestAdapter_TransientFailureRetryable(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	tester := NewIntegrationTester(b, nil).WithInvoke(
		func(context.Context, domain.DeploymentContext, PhaseRequest) (map[string]string, error) {
			return nil, errors.New("connection reset")
		})
	tester.Invoke(context.Background(), testContext(), PhaseRequest{Phase: domain.PhaseTesting, Attempt: 1})

	ev := waitEvent(t, events)
	assert.Equal(t, domain.StatusFailure, ev.Status)
	assert.True(t, ev.Retryable)
}

func TestAdapter_DeadlineReportsTimeout(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	tester := NewIntegrationTester(b, nil).WithInvoke(
		func(ctx context.Context, _ domain.DeploymentContext, _ PhaseRequest) (map[string]string, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	ctx, cancelCtx := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelCtx()
	tester.Invoke(ctx, testContext(), PhaseRequest{Phase: domain.PhaseTesting, Attempt: 1})

	ev := waitEvent(t, events)
	assert.Equal(t, domain.StatusTimeout, ev.Status)
}

// =============================================================================
// Security Scanner Tests
// =============================================================================

func TestSecurityScanner_ViolationIsFatal(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	s := NewSecurityScanner(b, nil, true)
	s.Invoke(context.Background(), testContext(), PhaseRequest{
		Phase:   domain.PhasePreparing,
		Attempt: 1,
		Services: []domain.ServiceSpecification{
			{Name: "api", Image: "checkout-api:latest"},
		},
	})

	ev := waitEvent(t, events)
	assert.Equal(t, domain.StatusFailure, ev.Status)
	assert.False(t, ev.Retryable)
	assert.Contains(t, ev.Error, "api")
}

func TestSecurityScanner_PinnedImagesPass(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	s := NewSecurityScanner(b, nil, true)
	s.Invoke(context.Background(), testContext(), PhaseRequest{
		Phase:   domain.PhasePreparing,
		Attempt: 1,
		Services: []domain.ServiceSpecification{
			{Name: "api", Image: "checkout-api:1.2.0"},
		},
	})

	assert.Equal(t, domain.StatusSuccess, waitEvent(t, events).Status)
}

// =============================================================================
// Configuration Manager Tests
// =============================================================================

func TestConfigurationManager_RenderAndRemove(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	dir := t.TempDir()
	m := NewConfigurationManager(b, nil, dir)
	dctx := testContext()

	m.Invoke(context.Background(), dctx, PhaseRequest{
		Phase:    domain.PhasePreparing,
		Attempt:  1,
		Services: []domain.ServiceSpecification{{Name: "api"}},
	})

	ev := waitEvent(t, events)
	require.Equal(t, domain.StatusSuccess, ev.Status)
	path := ev.Payload["config_path"]
	require.NotEmpty(t, path)
	_, err := os.Stat(path)
	require.NoError(t, err)

	err = m.Compensate(context.Background(), dctx, CompensationRequest{Phase: domain.PhasePreparing})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, dctx.DeploymentID))
	assert.True(t, os.IsNotExist(err))
}

// =============================================================================
// Resource Provisioner Tests
// =============================================================================

func TestResourceProvisioner_ProvisionTracksAllocations(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	p := NewResourceProvisioner(b, nil)
	dctx := testContext()
	svc := domain.ServiceSpecification{Name: "db"}

	p.Invoke(context.Background(), dctx, PhaseRequest{
		Phase:     domain.PhaseProvisioning,
		Attempt:   1,
		Operation: OpProvision,
		Service:   &svc,
	})

	ev := waitEvent(t, events)
	require.Equal(t, domain.StatusSuccess, ev.Status)
	assert.Equal(t, "db", ev.Service)
	resourceID := ev.Payload["resource_id/db"]
	assert.NotEmpty(t, resourceID)
	assert.Equal(t, []string{resourceID}, p.AllocatedFor(dctx.DeploymentID))
}

func TestResourceProvisioner_ReleaseIsIdempotent(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	p := NewResourceProvisioner(b, nil)
	dctx := testContext()
	svc := domain.ServiceSpecification{Name: "db"}

	p.Invoke(context.Background(), dctx, PhaseRequest{
		Phase: domain.PhaseProvisioning, Attempt: 1, Operation: OpProvision, Service: &svc,
	})
	ev := waitEvent(t, events)
	req := CompensationRequest{Phase: domain.PhaseProvisioning, Artifacts: ev.Payload}

	require.NoError(t, p.Compensate(context.Background(), dctx, req))
	assert.Empty(t, p.AllocatedFor(dctx.DeploymentID))

	// Releasing again is a no-op, not an error.
	require.NoError(t, p.Compensate(context.Background(), dctx, req))
}

func TestResourceProvisioner_ActivateReturnsEndpoint(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	p := NewResourceProvisioner(b, nil)
	svc := domain.ServiceSpecification{Name: "api"}

	p.Invoke(context.Background(), testContext(), PhaseRequest{
		Phase: domain.PhaseDeploying, Attempt: 1, Operation: OpActivate, Service: &svc,
	})

	ev := waitEvent(t, events)
	require.Equal(t, domain.StatusSuccess, ev.Status)
	assert.Equal(t, "api.staging.internal", ev.Payload["endpoint/api"])
}

// =============================================================================
// Monitoring Dashboard Tests
// =============================================================================

func TestMonitoringDashboard_VerifyHealth(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	d := NewMonitoringDashboard(b, nil)
	d.Invoke(context.Background(), testContext(), PhaseRequest{
		Phase:   domain.PhaseMonitoring,
		Attempt: 1,
		Services: []domain.ServiceSpecification{
			{Name: "db"}, {Name: "api"},
		},
		Criteria: domain.SuccessCriteria{MinHealthyServices: 2},
	})

	ev := waitEvent(t, events)
	assert.Equal(t, domain.StatusSuccess, ev.Status)
	assert.Equal(t, "2", ev.Payload["healthy_services"])
}

func TestMonitoringDashboard_ImpossibleCriteriaFatal(t *testing.T) {
	b := bus.New(nil)
	events, cancel := b.Subscribe("test", 8)
	defer cancel()

	d := NewMonitoringDashboard(b, nil)
	d.Invoke(context.Background(), testContext(), PhaseRequest{
		Phase:    domain.PhaseMonitoring,
		Attempt:  1,
		Services: []domain.ServiceSpecification{{Name: "db"}},
		Criteria: domain.SuccessCriteria{MinHealthyServices: 3},
	})

	ev := waitEvent(t, events)
	assert.Equal(t, domain.StatusFailure, ev.Status)
	assert.False(t, ev.Retryable)
}

func TestMonitoringDashboard_PassiveObserverCounts(t *testing.T) {
	b := bus.New(nil)
	d := NewMonitoringDashboard(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, b)

	// Give the subscription a moment to register.
	time.Sleep(20 * time.Millisecond)

	b.Publish(domain.DeploymentEvent{Type: domain.EventPhaseStarted, DeploymentID: "d1"})
	b.Publish(domain.DeploymentEvent{Type: domain.EventAlert, DeploymentID: "d1"})

	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		return snap.EventsSeen == 2 && snap.AlertsReceived == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Collaborator Set Tests
// =============================================================================

func TestSet_ValidateRejectsMissing(t *testing.T) {
	b := bus.New(nil)
	set := Set{
		Validator:   NewEnvironmentValidator(b, nil, nil),
		Config:      NewConfigurationManager(b, nil, t.TempDir()),
		Scanner:     NewSecurityScanner(b, nil, false),
		Provisioner: NewResourceProvisioner(b, nil),
		Tester:      NewIntegrationTester(b, nil),
		Dashboard:   NewMonitoringDashboard(b, nil),
	}
	assert.NoError(t, set.Validate())

	set.Tester = nil
	assert.Error(t, set.Validate())
}

func TestFatalErrorMarking(t *testing.T) {
	base := errors.New("policy violated")
	assert.False(t, IsFatal(base))
	assert.True(t, IsFatal(Fatal(base)))
	assert.ErrorIs(t, Fatal(base), base)
	assert.Nil(t, Fatal(nil))
}
