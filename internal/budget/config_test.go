package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestApplyMergesOnlyGivenFields(t *testing.T) {
	base := DefaultConfig()
	base.ProjectBudget = 100
	base.PhaseBudget = 40
	base.AgentBudgets = map[string]float64{"coder": 10, "planner": 5}

	out := base.Apply(Patch{
		PhaseBudget:  ptr(60.0),
		AgentBudgets: map[string]float64{"planner": -1, "reviewer": 7},
		Thresholds:   &ThresholdsPatch{Critical: ptr(0.95)},
		Anomaly:      &AnomalyPatch{Enabled: ptr(true)},
	})

	assert.Equal(t, 100.0, out.ProjectBudget)
	assert.Equal(t, 60.0, out.PhaseBudget)
	assert.Equal(t, map[string]float64{"coder": 10, "reviewer": 7}, out.AgentBudgets)
	assert.Equal(t, 0.75, out.Thresholds.Warning)
	assert.Equal(t, 0.95, out.Thresholds.Critical)
	assert.Equal(t, 1.0, out.Thresholds.AutoPause)
	assert.True(t, out.Anomaly.Enabled)
	assert.Equal(t, base.Anomaly.LookbackSeconds, out.Anomaly.LookbackSeconds)

	assert.Equal(t, 40.0, base.PhaseBudget, "base config is untouched")
	assert.Contains(t, base.AgentBudgets, "planner")
}

func TestApplyEmptyPatchIsIdentity(t *testing.T) {
	base := DefaultConfig()
	base.ProjectBudget = 12
	assert.Equal(t, base, base.Apply(Patch{}))
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Thresholds.Warning = 0.95
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ProjectBudget = -1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Anomaly.Enabled = true
	bad.Anomaly.LookbackSeconds = 0
	assert.Error(t, bad.Validate())
}
