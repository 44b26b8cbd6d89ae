package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createValidSpec() DeploymentSpecification {
	return DeploymentSpecification{
		Name:        "checkout",
		Environment: "staging",
		Services: []ServiceSpecification{
			{Name: "db", Image: "postgres:16"},
			{Name: "api", Image: "checkout-api:1.2.0", DependsOn: []string{"db"}},
		},
		Rollback: RollbackStrategy{
			Compensations: map[Phase]CompensationRule{
				PhasePreparing:    {Action: "remove_config"},
				PhaseProvisioning: {Action: "release_resources"},
				PhaseDeploying:    {Action: "deactivate"},
			},
		},
	}
}

// =============================================================================
// Deployment Creation Tests
// =============================================================================

func TestNewDeployment(t *testing.T) {
	d := NewDeployment(createValidSpec())

	assert.NotEmpty(t, d.ID)
	assert.NotEmpty(t, d.CorrelationID)
	assert.Equal(t, PhasePending, d.Status)
	assert.Empty(t, d.PhaseHistory)
	assert.False(t, d.RollingBack)
	assert.NotZero(t, d.CreatedAt)
}

func TestGenerateDeploymentID_Format(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	id := GenerateDeploymentID(now)

	assert.True(t, strings.HasPrefix(id, "deploy_20260314_092653_"), id)
	parts := strings.Split(id, "_")
	require.Len(t, parts, 4)
	assert.Len(t, parts[3], 8)
}

func TestGenerateDeploymentID_Unique(t *testing.T) {
	now := time.Now()
	assert.NotEqual(t, GenerateDeploymentID(now), GenerateDeploymentID(now))
}

// =============================================================================
// Status Transition Tests
// =============================================================================

func TestDeployment_Transition_ForwardPipeline(t *testing.T) {
	d := NewDeployment(createValidSpec())

	sequence := []Phase{
		PhaseValidating, PhasePreparing, PhaseProvisioning,
		PhaseDeploying, PhaseTesting, PhaseMonitoring, PhaseCompleted,
	}
	for _, next := range sequence {
		require.NoError(t, d.Transition(next), "transition to %s", next)
		assert.Equal(t, next, d.Status)
	}
	assert.True(t, d.IsTerminal())
	assert.NotNil(t, d.CompletedAt)
}

func TestDeployment_Transition_SkippingPhaseRejected(t *testing.T) {
	d := NewDeployment(createValidSpec())

	err := d.Transition(PhaseDeploying)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, PhasePending, d.Status)
}

func TestDeployment_Transition_BackwardRejected(t *testing.T) {
	d := NewDeployment(createValidSpec())
	require.NoError(t, d.Transition(PhaseValidating))
	require.NoError(t, d.Transition(PhasePreparing))

	err := d.Transition(PhaseValidating)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDeployment_Transition_FailedFromAnyActiveState(t *testing.T) {
	for _, from := range []Phase{PhasePending, PhaseValidating, PhaseDeploying, PhaseMonitoring} {
		d := NewDeployment(createValidSpec())
		d.Status = from

		require.NoError(t, d.TransitionToFailed(from, "boom"), "from %s", from)
		assert.Equal(t, PhaseFailed, d.Status)
		assert.Equal(t, "boom", d.ErrorMessage)
	}
}

func TestDeployment_Transition_TerminalIsAbsorbing(t *testing.T) {
	for _, terminal := range []Phase{PhaseCompleted, PhaseFailed, PhaseCancelled} {
		d := NewDeployment(createValidSpec())
		d.Status = terminal

		for _, to := range []Phase{PhaseValidating, PhaseCompleted, PhaseFailed, PhaseCancelled} {
			err := d.Transition(to)
			assert.ErrorIs(t, err, ErrDeploymentTerminal, "%s -> %s", terminal, to)
		}
	}
}

func TestDeployment_TransitionToCancelled_RecordsOrigin(t *testing.T) {
	d := NewDeployment(createValidSpec())
	require.NoError(t, d.Transition(PhaseValidating))

	require.NoError(t, d.TransitionToCancelled(CancelOriginUser, "operator request"))
	assert.Equal(t, PhaseCancelled, d.Status)
	assert.Equal(t, CancelOriginUser, d.CancelReason)
	assert.Equal(t, "operator request", d.ErrorMessage)
}

func TestDeployment_Transition_ClearsStepAndDeadline(t *testing.T) {
	d := NewDeployment(createValidSpec())
	d.SetStep("executing validating")
	d.SetPhaseDeadline(time.Now().Add(time.Minute))
	require.NoError(t, d.Transition(PhaseValidating))
	require.NoError(t, d.TransitionToFailed(PhaseValidating, "boom"))

	assert.Empty(t, d.CurrentStep)
	assert.Nil(t, d.ActivePhaseDeadline)
}

// =============================================================================
// Phase Ordering Tests
// =============================================================================

func TestNextPhase(t *testing.T) {
	next, ok := NextPhase(PhaseValidating)
	require.True(t, ok)
	assert.Equal(t, PhasePreparing, next)

	next, ok = NextPhase(PhaseMonitoring)
	require.True(t, ok)
	assert.Equal(t, PhaseCompleted, next)

	_, ok = NextPhase(PhaseCompleted)
	assert.False(t, ok)
}

// =============================================================================
// Phase History Tests
// =============================================================================

func TestDeployment_RecordPhase_CanonicalOrder(t *testing.T) {
	d := NewDeployment(createValidSpec())

	require.NoError(t, d.RecordPhase(PhaseRecord{Phase: PhaseValidating, Outcome: OutcomeSuccess}))
	require.NoError(t, d.RecordPhase(PhaseRecord{Phase: PhasePreparing, Outcome: OutcomeSuccess}))
	require.NoError(t, d.RecordPhase(PhaseRecord{Phase: PhaseProvisioning, Outcome: OutcomeFailure, Error: "quota"}))

	err := d.RecordPhase(PhaseRecord{Phase: PhaseValidating, Outcome: OutcomeSuccess})
	assert.ErrorIs(t, err, ErrHistoryOutOfOrder)
	assert.Len(t, d.PhaseHistory, 3)
}

func TestDeployment_RecordPhase_RejectsNonWorkPhase(t *testing.T) {
	d := NewDeployment(createValidSpec())

	err := d.RecordPhase(PhaseRecord{Phase: PhaseCompleted, Outcome: OutcomeSuccess})
	assert.ErrorIs(t, err, ErrHistoryOutOfOrder)
}

func TestDeployment_RecordCompensation_ExemptFromOrdering(t *testing.T) {
	d := NewDeployment(createValidSpec())
	require.NoError(t, d.RecordPhase(PhaseRecord{Phase: PhaseValidating, Outcome: OutcomeSuccess}))
	require.NoError(t, d.RecordPhase(PhaseRecord{Phase: PhasePreparing, Outcome: OutcomeSuccess}))
	require.NoError(t, d.RecordPhase(PhaseRecord{Phase: PhaseProvisioning, Outcome: OutcomeFailure}))

	// Rollback annotations walk backwards through the history.
	d.RecordCompensation(PhaseRecord{Phase: PhaseProvisioning, Outcome: OutcomeCompensated})
	d.RecordCompensation(PhaseRecord{Phase: PhasePreparing, Outcome: OutcomeCompensated})

	require.Len(t, d.PhaseHistory, 5)

	// Forward records still accept the canonical-order check afterwards.
	err := d.RecordPhase(PhaseRecord{Phase: PhaseProvisioning, Outcome: OutcomeSuccess})
	assert.NoError(t, err)
}

func TestDeployment_SucceededPhases(t *testing.T) {
	d := NewDeployment(createValidSpec())
	require.NoError(t, d.RecordPhase(PhaseRecord{Phase: PhaseValidating, Outcome: OutcomeSuccess}))
	require.NoError(t, d.RecordPhase(PhaseRecord{Phase: PhasePreparing, Outcome: OutcomeSuccess}))
	require.NoError(t, d.RecordPhase(PhaseRecord{Phase: PhaseProvisioning, Outcome: OutcomeFailure}))
	d.RecordCompensation(PhaseRecord{Phase: PhasePreparing, Outcome: OutcomeCompensated})

	assert.Equal(t, []Phase{PhaseValidating, PhasePreparing}, d.SucceededPhases())
}

func TestDeployment_ArtifactsFor(t *testing.T) {
	d := NewDeployment(createValidSpec())
	require.NoError(t, d.RecordPhase(PhaseRecord{
		Phase:     PhaseProvisioning,
		Outcome:   OutcomeFailure,
		Artifacts: map[string]string{"resource_id/db": "res_1234"},
	}))

	artifacts := d.ArtifactsFor(PhaseProvisioning)
	assert.Equal(t, "res_1234", artifacts["resource_id/db"])
	assert.Nil(t, d.ArtifactsFor(PhaseDeploying))
}

func TestDeployment_ArtifactsFor_CancelledRecordCounts(t *testing.T) {
	d := NewDeployment(createValidSpec())
	require.NoError(t, d.RecordPhase(PhaseRecord{
		Phase:     PhaseDeploying,
		Outcome:   OutcomeCancelled,
		Artifacts: map[string]string{"endpoint/api": "api.staging.internal"},
	}))

	assert.NotNil(t, d.ArtifactsFor(PhaseDeploying))
}
