// Package collab contains the typed adapters for the six deployment
// collaborators. Each adapter exposes one asynchronous operation per phase
// and reports its outcome as exactly one terminal event on the bus; the
// orchestration core never trusts a synchronous return value.
package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/rollout/internal/core/domain"
)

// =============================================================================
// Collaborator Errors
// =============================================================================

var (
	// ErrEnvironmentRejected is a fatal validation rejection.
	ErrEnvironmentRejected = errors.New("environment validation rejected")

	// ErrSecurityPolicyViolation is fatal; policy violations are never
	// retried.
	ErrSecurityPolicyViolation = errors.New("security policy violation")

	// ErrTestsFailed is returned when integration tests do not pass.
	ErrTestsFailed = errors.New("integration tests failed")

	// ErrUnhealthy is returned when health verification finds degraded
	// services.
	ErrUnhealthy = errors.New("services unhealthy")
)

// fatalError marks an error as non-retryable.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps an error so the phase controller skips retries and proceeds
// straight to rollback evaluation.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether the error was marked non-retryable.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// =============================================================================
// Requests
// =============================================================================

// PhaseRequest carries what a collaborator needs for one invocation.
// A request scoped to a single service sets Service; whole-deployment
// requests carry the full service list.
type PhaseRequest struct {
	Phase     domain.Phase
	Attempt   int
	Operation string
	Service   *domain.ServiceSpecification
	Services  []domain.ServiceSpecification
	Criteria  domain.SuccessCriteria
}

// ServiceName returns the name of the scoped service, or "" for
// whole-deployment requests.
func (r PhaseRequest) ServiceName() string {
	if r.Service == nil {
		return ""
	}
	return r.Service.Name
}

// CompensationRequest asks a collaborator to undo a phase's side effects
// using the artifacts captured when the phase executed.
type CompensationRequest struct {
	Phase     domain.Phase
	Rule      domain.CompensationRule
	Artifacts map[string]string
}

// Operations dispatched per phase.
const (
	OpValidate     = "validate"
	OpRenderConfig = "render_config"
	OpScan         = "scan"
	OpProvision    = "provision"
	OpActivate     = "activate"
	OpRunTests     = "run_tests"
	OpVerifyHealth = "verify_health"
)

// =============================================================================
// Collaborator Interface
// =============================================================================

// Collaborator is the uniform capability interface implemented by all six
// adapters. Invoke returns immediately; the outcome arrives on the event bus
// tagged with the correlation ID, phase and attempt it was given.
// Compensate is synchronous because rollback owns its own timeout and retry
// budget and must observe completion directly.
type Collaborator interface {
	Name() string
	Invoke(ctx context.Context, dctx domain.DeploymentContext, req PhaseRequest)
	Compensate(ctx context.Context, dctx domain.DeploymentContext, req CompensationRequest) error
}

// Set bundles the six collaborators the orchestrator drives.
type Set struct {
	Validator   Collaborator
	Config      Collaborator
	Scanner     Collaborator
	Provisioner Collaborator
	Tester      Collaborator
	Dashboard   Collaborator
}

// Validate checks the set is fully populated.
func (s Set) Validate() error {
	for _, c := range []struct {
		name string
		c    Collaborator
	}{
		{"validator", s.Validator},
		{"config", s.Config},
		{"scanner", s.Scanner},
		{"provisioner", s.Provisioner},
		{"tester", s.Tester},
		{"dashboard", s.Dashboard},
	} {
		if c.c == nil {
			return fmt.Errorf("collaborator %s is not configured", c.name)
		}
	}
	return nil
}
