package readiness

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"controlroom/internal/budget"
	"controlroom/internal/domain"
)

func TestPercentageBoundary(t *testing.T) {
	tests := []struct {
		completed, total int
		want             domain.RunStatus
		percent          int
	}{
		{59, 100, domain.RunBlocked, 59},
		{60, 100, domain.RunReady, 60},
		{3, 5, domain.RunReady, 60},
		{0, 0, domain.RunBlocked, 0},
		{10, 10, domain.RunReady, 100},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.completed, tt.total), func(t *testing.T) {
			v := Evaluate(Input{Total: tt.total, Completed: tt.completed})
			assert.Equal(t, tt.percent, v.Percentage)
			assert.Equal(t, tt.want, v.Status)
		})
	}
}

func TestCriticalRemainingBlocks(t *testing.T) {
	v := Evaluate(Input{Total: 10, Completed: 9, CriticalRemaining: 1})
	assert.Equal(t, domain.RunBlocked, v.Status)
	assert.Len(t, v.Reasons, 1)
}

func TestScenarioSevenOfTen(t *testing.T) {
	var checks []domain.Check
	for i := 0; i < 7; i++ {
		checks = append(checks, domain.Check{ID: fmt.Sprintf("p%d", i), Status: domain.CheckPass, Priority: domain.PriorityCritical})
	}
	for i := 0; i < 3; i++ {
		checks = append(checks, domain.Check{ID: fmt.Sprintf("w%d", i), Status: domain.CheckWarn, Priority: domain.PriorityNormal})
	}
	in := FromChecks(checks)
	assert.Equal(t, 10, in.Total)
	assert.Equal(t, 7, in.Completed)
	assert.Equal(t, 0, in.CriticalRemaining)

	v := Evaluate(in)
	assert.Equal(t, 70, v.Percentage)
	assert.True(t, v.Ready())
}

func TestFromChecksCountsUnresolvedCritical(t *testing.T) {
	in := FromChecks([]domain.Check{
		{ID: "a", Status: domain.CheckFail, Priority: domain.PriorityCritical},
		{ID: "b", Status: domain.CheckPending, Priority: domain.PriorityCritical},
		{ID: "c", Status: domain.CheckPass, Priority: domain.PriorityCritical},
		{ID: "d", Status: domain.CheckFail, Priority: domain.PriorityHigh},
	})
	assert.Equal(t, 2, in.CriticalRemaining)
	assert.Equal(t, 1, in.Completed)
}

func TestBudgetOverridesChecks(t *testing.T) {
	exceeded := &budget.Status{Level: budget.LevelExceeded, AutoPaused: true}
	v := Evaluate(Input{Total: 10, Completed: 10, Budget: exceeded})
	assert.Equal(t, domain.RunBlocked, v.Status)
	assert.True(t, v.BudgetBlocked)

	criticalPaused := &budget.Status{Level: budget.LevelCritical, AutoPaused: true}
	assert.False(t, Evaluate(Input{Total: 1, Completed: 1, Budget: criticalPaused}).Ready())

	criticalOnly := &budget.Status{Level: budget.LevelCritical}
	v = Evaluate(Input{Total: 1, Completed: 1, Budget: criticalOnly})
	assert.True(t, v.Ready())
	assert.Equal(t, budget.LevelCritical, v.BudgetLevel)
}
