package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/shell/bus"
)

// InvokeFunc is the pluggable behavior of an adapter. It returns the
// artifacts to attach to the success event. Tests substitute these to script
// collaborator outcomes.
type InvokeFunc func(ctx context.Context, dctx domain.DeploymentContext, req PhaseRequest) (map[string]string, error)

// CompensateFunc is the pluggable compensation behavior of an adapter.
type CompensateFunc func(ctx context.Context, dctx domain.DeploymentContext, req CompensationRequest) error

// =============================================================================
// Base Adapter
// =============================================================================

// adapter implements the event emission protocol shared by all six
// collaborators: exactly one terminal event per invocation, tagged with the
// correlation ID, phase and attempt from the request.
type adapter struct {
	name       string
	bus        bus.Publisher
	logger     *slog.Logger
	invoke     InvokeFunc
	compensate CompensateFunc
}

func newAdapter(name string, publisher bus.Publisher, logger *slog.Logger) *adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &adapter{
		name:   name,
		bus:    publisher,
		logger: logger.With("component", name),
		compensate: func(context.Context, domain.DeploymentContext, CompensationRequest) error {
			return nil
		},
	}
}

func (a *adapter) Name() string { return a.name }

// Invoke runs the adapter behavior in its own goroutine and emits the
// terminal event when it concludes. Deadline expiry is reported as a TIMEOUT
// status, not an error.
func (a *adapter) Invoke(ctx context.Context, dctx domain.DeploymentContext, req PhaseRequest) {
	go func() {
		artifacts, err := a.invoke(ctx, dctx, req)

		ev := domain.DeploymentEvent{
			Type:          domain.EventCollaboratorCompleted,
			DeploymentID:  dctx.DeploymentID,
			CorrelationID: dctx.CorrelationID,
			Phase:         req.Phase,
			Attempt:       req.Attempt,
			Component:     a.name,
			Service:       req.ServiceName(),
			Payload:       artifacts,
			Source:        a.name,
			Timestamp:     time.Now().UTC(),
		}

		switch {
		case err == nil:
			ev.Status = domain.StatusSuccess
		case errors.Is(err, context.DeadlineExceeded):
			ev.Status = domain.StatusTimeout
			ev.Error = err.Error()
		default:
			ev.Status = domain.StatusFailure
			ev.Error = err.Error()
			ev.Retryable = !IsFatal(err)
		}

		a.logger.Debug("invocation finished",
			"deployment_id", dctx.DeploymentID,
			"phase", req.Phase,
			"operation", req.Operation,
			"service", req.ServiceName(),
			"status", ev.Status,
		)
		a.bus.Publish(ev)
	}()
}

func (a *adapter) Compensate(ctx context.Context, dctx domain.DeploymentContext, req CompensationRequest) error {
	return a.compensate(ctx, dctx, req)
}

// =============================================================================
// Environment Validator
// =============================================================================

// EnvironmentValidator checks the target environment before anything runs.
// Rejections are fatal: an environment that fails validation will not pass on
// retry.
type EnvironmentValidator struct {
	*adapter
	knownEnvironments []string
}

// NewEnvironmentValidator creates the validating-phase adapter. When
// knownEnvironments is empty, any non-empty environment is accepted.
func NewEnvironmentValidator(publisher bus.Publisher, logger *slog.Logger, knownEnvironments []string) *EnvironmentValidator {
	v := &EnvironmentValidator{
		adapter:           newAdapter("environment_validator", publisher, logger),
		knownEnvironments: knownEnvironments,
	}
	v.invoke = v.validate
	return v
}

// WithInvoke overrides the adapter behavior. Used by tests.
func (v *EnvironmentValidator) WithInvoke(fn InvokeFunc) *EnvironmentValidator {
	v.invoke = fn
	return v
}

func (v *EnvironmentValidator) validate(ctx context.Context, dctx domain.DeploymentContext, req PhaseRequest) (map[string]string, error) {
	if dctx.Environment == "" {
		return nil, Fatal(fmt.Errorf("%w: no target environment", ErrEnvironmentRejected))
	}
	if len(v.knownEnvironments) > 0 {
		known := false
		for _, env := range v.knownEnvironments {
			if env == dctx.Environment {
				known = true
				break
			}
		}
		if !known {
			return nil, Fatal(fmt.Errorf("%w: unknown environment %q", ErrEnvironmentRejected, dctx.Environment))
		}
	}
	for _, svc := range req.Services {
		if svc.Resources.CPUCores < 0 || svc.Resources.MemoryMB < 0 {
			return nil, Fatal(fmt.Errorf("%w: service %s declares negative resources", ErrEnvironmentRejected, svc.Name))
		}
	}
	return map[string]string{"environment": dctx.Environment}, nil
}

// =============================================================================
// Configuration Manager
// =============================================================================

// ConfigurationManager renders per-deployment configuration to the config
// directory during preparation and removes it on compensation.
type ConfigurationManager struct {
	*adapter
	configDir string
}

// NewConfigurationManager creates the preparing-phase adapter.
func NewConfigurationManager(publisher bus.Publisher, logger *slog.Logger, configDir string) *ConfigurationManager {
	if configDir == "" {
		configDir = "./data/configs"
	}
	m := &ConfigurationManager{
		adapter:   newAdapter("configuration_manager", publisher, logger),
		configDir: configDir,
	}
	m.invoke = m.render
	m.adapter.compensate = m.remove
	return m
}

// WithInvoke overrides the adapter behavior. Used by tests.
func (m *ConfigurationManager) WithInvoke(fn InvokeFunc) *ConfigurationManager {
	m.invoke = fn
	return m
}

func (m *ConfigurationManager) render(ctx context.Context, dctx domain.DeploymentContext, req PhaseRequest) (map[string]string, error) {
	dir := filepath.Join(m.configDir, dctx.DeploymentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	rendered := map[string]any{
		"deployment_id": dctx.DeploymentID,
		"environment":   dctx.Environment,
		"services":      req.Services,
	}
	data, err := yaml.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("failed to render configuration: %w", err)
	}

	path := filepath.Join(dir, dctx.Environment+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write configuration: %w", err)
	}
	return map[string]string{"config_path": path}, nil
}

func (m *ConfigurationManager) remove(ctx context.Context, dctx domain.DeploymentContext, req CompensationRequest) error {
	dir := filepath.Join(m.configDir, dctx.DeploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove configuration: %w", err)
	}
	return nil
}

// =============================================================================
// Security Scanner
// =============================================================================

// SecurityScanner checks service images against policy during preparation.
// Violations are fatal and carry the full violation list in the failure
// payload.
type SecurityScanner struct {
	*adapter
	requirePinnedImages bool
}

// NewSecurityScanner creates the preparing-phase scanning adapter.
// With requirePinnedImages set, services whose image uses no tag or the
// "latest" tag violate policy.
func NewSecurityScanner(publisher bus.Publisher, logger *slog.Logger, requirePinnedImages bool) *SecurityScanner {
	s := &SecurityScanner{
		adapter:             newAdapter("security_scanner", publisher, logger),
		requirePinnedImages: requirePinnedImages,
	}
	s.invoke = s.scan
	return s
}

// WithInvoke overrides the adapter behavior. Used by tests.
func (s *SecurityScanner) WithInvoke(fn InvokeFunc) *SecurityScanner {
	s.invoke = fn
	return s
}

func (s *SecurityScanner) scan(ctx context.Context, dctx domain.DeploymentContext, req PhaseRequest) (map[string]string, error) {
	if !s.requirePinnedImages {
		return map[string]string{"scanned_services": fmt.Sprintf("%d", len(req.Services))}, nil
	}

	var violations []string
	for _, svc := range req.Services {
		if svc.Image == "" {
			continue
		}
		tag := ""
		if i := strings.LastIndex(svc.Image, ":"); i >= 0 {
			tag = svc.Image[i+1:]
		}
		if tag == "" || tag == "latest" {
			violations = append(violations, fmt.Sprintf("%s: image %q is not pinned", svc.Name, svc.Image))
		}
	}
	if len(violations) > 0 {
		return nil, Fatal(fmt.Errorf("%w: %s", ErrSecurityPolicyViolation, strings.Join(violations, "; ")))
	}
	return map[string]string{"scanned_services": fmt.Sprintf("%d", len(req.Services))}, nil
}

// =============================================================================
// Resource Provisioner
// =============================================================================

// ResourceProvisioner allocates resources per service during provisioning and
// activates services during deployment. Allocated resource IDs are returned
// as artifacts so rollback can release exactly what was allocated. The
// provisioner also owns cross-deployment quota arbitration; the engine does
// not serialize deployments on its behalf.
type ResourceProvisioner struct {
	*adapter

	mu        sync.Mutex
	allocated map[string][]string // deployment ID -> resource IDs
}

// NewResourceProvisioner creates the provisioning/deploying-phase adapter.
func NewResourceProvisioner(publisher bus.Publisher, logger *slog.Logger) *ResourceProvisioner {
	p := &ResourceProvisioner{
		adapter:   newAdapter("resource_provisioner", publisher, logger),
		allocated: make(map[string][]string),
	}
	p.invoke = p.run
	p.adapter.compensate = p.release
	return p
}

// WithInvoke overrides the adapter behavior. Used by tests.
func (p *ResourceProvisioner) WithInvoke(fn InvokeFunc) *ResourceProvisioner {
	p.invoke = fn
	return p
}

func (p *ResourceProvisioner) run(ctx context.Context, dctx domain.DeploymentContext, req PhaseRequest) (map[string]string, error) {
	svc := req.Service
	if svc == nil {
		return nil, fmt.Errorf("provisioner requires a service-scoped request")
	}

	switch req.Operation {
	case OpProvision:
		resourceID := "res_" + uuid.New().String()[:8]
		p.mu.Lock()
		p.allocated[dctx.DeploymentID] = append(p.allocated[dctx.DeploymentID], resourceID)
		p.mu.Unlock()
		return map[string]string{"resource_id/" + svc.Name: resourceID}, nil
	case OpActivate:
		endpoint := fmt.Sprintf("%s.%s.internal", svc.Name, dctx.Environment)
		return map[string]string{"endpoint/" + svc.Name: endpoint}, nil
	default:
		return nil, fmt.Errorf("unknown provisioner operation %q", req.Operation)
	}
}

// release frees the resources captured in the compensation artifacts. It is
// idempotent: releasing an already-released resource is a no-op.
func (p *ResourceProvisioner) release(ctx context.Context, dctx domain.DeploymentContext, req CompensationRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var remaining []string
	released := 0
	for _, id := range p.allocated[dctx.DeploymentID] {
		if artifactsContain(req.Artifacts, id) {
			released++
			continue
		}
		remaining = append(remaining, id)
	}
	if len(remaining) == 0 {
		delete(p.allocated, dctx.DeploymentID)
	} else {
		p.allocated[dctx.DeploymentID] = remaining
	}

	p.logger.Info("released resources",
		"deployment_id", dctx.DeploymentID,
		"released", released,
	)
	return nil
}

// AllocatedFor returns the resource IDs currently held for a deployment.
func (p *ResourceProvisioner) AllocatedFor(deploymentID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.allocated[deploymentID]))
	copy(ids, p.allocated[deploymentID])
	return ids
}

func artifactsContain(artifacts map[string]string, value string) bool {
	for _, v := range artifacts {
		if v == value {
			return true
		}
	}
	return false
}

// =============================================================================
// Integration Tester
// =============================================================================

// IntegrationTester runs the required test suites during the testing phase.
type IntegrationTester struct {
	*adapter
}

// NewIntegrationTester creates the testing-phase adapter.
func NewIntegrationTester(publisher bus.Publisher, logger *slog.Logger) *IntegrationTester {
	t := &IntegrationTester{adapter: newAdapter("integration_tester", publisher, logger)}
	t.invoke = t.runTests
	return t
}

// WithInvoke overrides the adapter behavior. Used by tests.
func (t *IntegrationTester) WithInvoke(fn InvokeFunc) *IntegrationTester {
	t.invoke = fn
	return t
}

func (t *IntegrationTester) runTests(ctx context.Context, dctx domain.DeploymentContext, req PhaseRequest) (map[string]string, error) {
	// Without an external test runner wired in, declared suites pass by
	// recording their names; a hook supplies real execution.
	return map[string]string{
		"tests_run": strings.Join(req.Criteria.RequiredTests, ","),
	}, nil
}
