package domain

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Specification Errors
// =============================================================================

var (
	ErrSpecNameRequired     = errors.New("specification name is required")
	ErrSpecEnvRequired      = errors.New("target environment is required")
	ErrSpecServicesRequired = errors.New("at least one service is required")
	ErrDuplicateService     = errors.New("duplicate service name")
	ErrUnknownDependency    = errors.New("service depends on an unknown service")
	ErrMissingCompensation  = errors.New("mutating phase has no compensating action and is not marked irreversible")
	ErrInvalidSpecFormat    = errors.New("invalid specification format")
)

// =============================================================================
// Resource Requirements
// =============================================================================

// ResourceRequirement declares the resources a service needs. The engine only
// threads these through to the provisioner; arbitration of shared quota is the
// provisioner's concern.
type ResourceRequirement struct {
	CPUCores float64 `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryMB int64   `json:"memory_mb" yaml:"memory_mb"`
	DiskMB   int64   `json:"disk_mb" yaml:"disk_mb"`
	GPUs     int     `json:"gpus,omitempty" yaml:"gpus,omitempty"`
}

// =============================================================================
// Service Specification
// =============================================================================

// ServiceSpecification describes one service of the deployment and its
// dependency edges. A service enters the deploying phase only after every
// service it depends on has individually completed that phase.
type ServiceSpecification struct {
	Name      string              `json:"name" yaml:"name"`
	Image     string              `json:"image,omitempty" yaml:"image,omitempty"`
	Version   string              `json:"version,omitempty" yaml:"version,omitempty"`
	DependsOn []string            `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Resources ResourceRequirement `json:"resources" yaml:"resources"`
}

// =============================================================================
// Rollback Strategy
// =============================================================================

// CompensationRule associates a phase with the action that undoes it.
// Irreversible marks a phase whose effects cannot be compensated; the risk is
// documented in the record instead of silently skipped.
type CompensationRule struct {
	Action       string `json:"action,omitempty" yaml:"action,omitempty"`
	Irreversible bool   `json:"irreversible,omitempty" yaml:"irreversible,omitempty"`
}

// RollbackStrategy maps each mutating phase to its compensating action.
type RollbackStrategy struct {
	Compensations map[Phase]CompensationRule `json:"compensations" yaml:"compensations"`
}

// RuleFor returns the compensation rule registered for a phase.
func (r RollbackStrategy) RuleFor(phase Phase) (CompensationRule, bool) {
	rule, ok := r.Compensations[phase]
	return rule, ok
}

// =============================================================================
// Success Criteria
// =============================================================================

// SuccessCriteria declares what the integration-testing and monitoring phases
// must observe before the deployment may complete.
type SuccessCriteria struct {
	MinHealthyServices int           `json:"min_healthy_services,omitempty" yaml:"min_healthy_services,omitempty"`
	HealthCheckWindow  time.Duration `json:"health_check_window,omitempty" yaml:"health_check_window,omitempty"`
	RequiredTests      []string      `json:"required_tests,omitempty" yaml:"required_tests,omitempty"`
}

// =============================================================================
// Deployment Specification
// =============================================================================

// DeploymentSpecification is the caller-owned, read-only input describing what
// to deploy. It is immutable once attached to a deployment.
type DeploymentSpecification struct {
	Name        string                 `json:"name" yaml:"name"`
	Environment string                 `json:"environment" yaml:"environment"`
	Services    []ServiceSpecification `json:"services" yaml:"services"`
	Success     SuccessCriteria        `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	Rollback    RollbackStrategy       `json:"rollback" yaml:"rollback"`

	// GlobalDeadline bounds the whole deployment. Zero disables it. Expiry
	// forces cancellation and rollback regardless of the current phase.
	GlobalDeadline time.Duration `json:"global_deadline,omitempty" yaml:"global_deadline,omitempty"`
}

// ServiceNames returns the names of all declared services.
func (s DeploymentSpecification) ServiceNames() []string {
	names := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		names = append(names, svc.Name)
	}
	return names
}

// ParseSpecificationYAML parses a YAML deployment specification, as accepted
// by the submit endpoint and spec files on disk.
func ParseSpecificationYAML(data []byte) (*DeploymentSpecification, error) {
	var spec DeploymentSpecification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpecFormat, err)
	}
	return &spec, nil
}
