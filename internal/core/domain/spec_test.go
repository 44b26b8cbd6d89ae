package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecificationYAML(t *testing.T) {
	data := []byte(`
name: checkout
environment: staging
services:
  - name: db
    image: postgres:16
    resources:
      cpu_cores: 1
      memory_mb: 512
  - name: api
    image: checkout-api:1.2.0
    depends_on: [db]
success_criteria:
  min_healthy_services: 2
  required_tests: [smoke, contract]
rollback:
  compensations:
    preparing:
      action: remove_config
    provisioning:
      action: release_resources
    deploying:
      irreversible: true
`)

	spec, err := ParseSpecificationYAML(data)
	require.NoError(t, err)

	assert.Equal(t, "checkout", spec.Name)
	assert.Equal(t, "staging", spec.Environment)
	require.Len(t, spec.Services, 2)
	assert.Equal(t, []string{"db"}, spec.Services[1].DependsOn)
	assert.Equal(t, float64(1), spec.Services[0].Resources.CPUCores)
	assert.Equal(t, 2, spec.Success.MinHealthyServices)
	assert.Equal(t, []string{"smoke", "contract"}, spec.Success.RequiredTests)

	rule, ok := spec.Rollback.RuleFor(PhaseProvisioning)
	require.True(t, ok)
	assert.Equal(t, "release_resources", rule.Action)

	rule, ok = spec.Rollback.RuleFor(PhaseDeploying)
	require.True(t, ok)
	assert.True(t, rule.Irreversible)
}

func TestParseSpecificationYAML_Malformed(t *testing.T) {
	_, err := ParseSpecificationYAML([]byte("services: {not: [valid"))
	assert.ErrorIs(t, err, ErrInvalidSpecFormat)
}

func TestRollbackStrategy_RuleFor_Missing(t *testing.T) {
	var strategy RollbackStrategy
	_, ok := strategy.RuleFor(PhaseProvisioning)
	assert.False(t, ok)
}

func TestServiceNames(t *testing.T) {
	spec := createValidSpec()
	assert.Equal(t, []string{"db", "api"}, spec.ServiceNames())
}
