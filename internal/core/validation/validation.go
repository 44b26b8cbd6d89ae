// Package validation provides pure admission checks for deployment
// specifications. All functions are pure (no I/O, no side effects); the API
// handler and orchestrator run submissions through them before any state is
// created.
package validation

import (
	"errors"
	"fmt"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/core/plan"
)

// =============================================================================
// Specification Validation
// =============================================================================

// ValidateSpecification checks a deployment specification for admission.
// It returns every violation found, not just the first, so a caller can
// report them all in one response.
func ValidateSpecification(spec domain.DeploymentSpecification) []error {
	var errs []error

	if spec.Name == "" {
		errs = append(errs, domain.ErrSpecNameRequired)
	}
	if spec.Environment == "" {
		errs = append(errs, domain.ErrSpecEnvRequired)
	}
	if len(spec.Services) == 0 {
		errs = append(errs, domain.ErrSpecServicesRequired)
		return errs
	}

	seen := make(map[string]bool, len(spec.Services))
	for _, svc := range spec.Services {
		if svc.Name == "" {
			errs = append(errs, fmt.Errorf("%w: service with empty name", domain.ErrInvalidSpecFormat))
			continue
		}
		if seen[svc.Name] {
			errs = append(errs, fmt.Errorf("%w: %s", domain.ErrDuplicateService, svc.Name))
		}
		seen[svc.Name] = true
	}

	for _, svc := range spec.Services {
		for _, dep := range svc.DependsOn {
			if !seen[dep] {
				errs = append(errs, fmt.Errorf("%w: %s -> %s", domain.ErrUnknownDependency, svc.Name, dep))
			}
			if dep == svc.Name {
				errs = append(errs, fmt.Errorf("%w: %s depends on itself", plan.ErrDependencyCycle, svc.Name))
			}
		}
	}

	if _, err := plan.TopologicalOrder(spec.Services); err != nil {
		if !containsErr(errs, plan.ErrDependencyCycle) {
			errs = append(errs, err)
		}
	}

	errs = append(errs, validateRollbackCoverage(spec.Rollback)...)

	return errs
}

// validateRollbackCoverage enforces the invariant that every phase mutating
// external state has a compensating action, or is explicitly marked
// irreversible. Silently missing compensation is an admission error, not a
// runtime surprise.
func validateRollbackCoverage(strategy domain.RollbackStrategy) []error {
	var errs []error
	for _, phase := range domain.MutatingPhases {
		rule, ok := strategy.RuleFor(phase)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", domain.ErrMissingCompensation, phase))
			continue
		}
		if rule.Action == "" && !rule.Irreversible {
			errs = append(errs, fmt.Errorf("%w: %s", domain.ErrMissingCompensation, phase))
		}
	}
	return errs
}

// CanCancel checks whether a deployment accepts a cancellation request.
// Terminal deployments conflict.
func CanCancel(status domain.Phase) (allowed bool, reason string) {
	if status.IsTerminal() {
		return false, fmt.Sprintf("deployment is already %s", status)
	}
	return true, ""
}

func containsErr(errs []error, target error) bool {
	for _, err := range errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
