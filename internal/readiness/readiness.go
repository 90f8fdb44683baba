// Package readiness turns check counts and budget state into the single
// ready/blocked verdict that gates moving to the next phase.
package readiness

import (
	"fmt"
	"math"

	"controlroom/internal/budget"
	"controlroom/internal/domain"
)

// MinPercentage is the pass rate floor for a ready verdict.
const MinPercentage = 60

type Input struct {
	Total             int
	Completed         int
	CriticalRemaining int
	// Budget is nil when no budget status is known yet.
	Budget *budget.Status
}

type Verdict struct {
	Status            domain.RunStatus `json:"status" enum:"ready,blocked"`
	Percentage        int              `json:"percentage"`
	Total             int              `json:"total"`
	Completed         int              `json:"completed"`
	CriticalRemaining int              `json:"critical_remaining"`
	BudgetLevel       budget.Level     `json:"budget_level,omitempty"`
	BudgetBlocked     bool             `json:"budget_blocked"`
	Reasons           []string         `json:"reasons,omitempty"`
}

func (v Verdict) Ready() bool { return v.Status == domain.RunReady }

// FromChecks counts totals, passes and unresolved critical checks.
func FromChecks(checks []domain.Check) Input {
	in := Input{Total: len(checks)}
	for _, c := range checks {
		if c.Status == domain.CheckPass {
			in.Completed++
			continue
		}
		if c.Priority == domain.PriorityCritical {
			in.CriticalRemaining++
		}
	}
	return in
}

// Percentage is round(100 * completed / total), or 0 with no checks.
func Percentage(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}

// Evaluate applies the gating policy: zero critical checks outstanding and
// at least MinPercentage passing, unless the budget forces a block.
func Evaluate(in Input) Verdict {
	v := Verdict{
		Percentage:        Percentage(in.Completed, in.Total),
		Total:             in.Total,
		Completed:         in.Completed,
		CriticalRemaining: in.CriticalRemaining,
	}
	if in.CriticalRemaining > 0 {
		v.Reasons = append(v.Reasons, fmt.Sprintf("%d critical check(s) not passing", in.CriticalRemaining))
	}
	if v.Percentage < MinPercentage {
		v.Reasons = append(v.Reasons, fmt.Sprintf("%d%% of checks passing, need %d%%", v.Percentage, MinPercentage))
	}
	if in.Budget != nil {
		v.BudgetLevel = in.Budget.Level
		if in.Budget.Blocking() {
			v.BudgetBlocked = true
			v.Reasons = append(v.Reasons, fmt.Sprintf("budget %s", in.Budget.Level))
		}
	}
	if len(v.Reasons) == 0 {
		v.Status = domain.RunReady
	} else {
		v.Status = domain.RunBlocked
	}
	return v
}
