package budget

import "fmt"

// Thresholds are fractions of a scope's budget.
type Thresholds struct {
	Warning   float64 `json:"warning" yaml:"warning"`
	Critical  float64 `json:"critical" yaml:"critical"`
	AutoPause float64 `json:"auto_pause" yaml:"auto_pause"`
}

// Anomaly configures spend-rate detection independent of absolute ceilings.
type Anomaly struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// SpikeThreshold is the largest spend increase tolerated between two polls.
	SpikeThreshold float64 `json:"spike_threshold" yaml:"spike_threshold"`
	// SustainedThreshold is spend per minute averaged over the lookback window.
	SustainedThreshold float64 `json:"sustained_threshold" yaml:"sustained_threshold"`
	LookbackSeconds    int     `json:"lookback_seconds" yaml:"lookback_seconds"`
}

// Config holds the ceilings for every scope. A ceiling of zero is unlimited.
type Config struct {
	ProjectBudget      float64            `json:"project_budget" yaml:"project_budget"`
	PhaseBudget        float64            `json:"phase_budget" yaml:"phase_budget"`
	DefaultAgentBudget float64            `json:"default_agent_budget" yaml:"default_agent_budget"`
	AgentBudgets       map[string]float64 `json:"agent_budgets,omitempty" yaml:"agent_budgets"`
	Thresholds         Thresholds         `json:"thresholds" yaml:"thresholds"`
	Anomaly            Anomaly            `json:"anomaly" yaml:"anomaly"`
	// PauseOnCritical makes a critical scope block readiness like an
	// exceeded one.
	PauseOnCritical bool `json:"pause_on_critical" yaml:"pause_on_critical"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.75, Critical: 0.90, AutoPause: 1.00}
}

func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		Anomaly: Anomaly{
			Enabled:            false,
			SpikeThreshold:     25,
			SustainedThreshold: 5,
			LookbackSeconds:    600,
		},
	}
}

func (c Config) Validate() error {
	if c.ProjectBudget < 0 || c.PhaseBudget < 0 || c.DefaultAgentBudget < 0 {
		return fmt.Errorf("budget ceilings must be non-negative")
	}
	for agent, v := range c.AgentBudgets {
		if agent == "" {
			return fmt.Errorf("agent budget has empty agent name")
		}
		if v < 0 {
			return fmt.Errorf("agent budget for %s must be non-negative", agent)
		}
	}
	th := c.Thresholds
	if th.Warning <= 0 || th.Critical <= 0 || th.AutoPause <= 0 {
		return fmt.Errorf("thresholds must be positive")
	}
	if !(th.Warning < th.Critical && th.Critical <= th.AutoPause) {
		return fmt.Errorf("thresholds must satisfy warning < critical <= auto_pause (got %.2f, %.2f, %.2f)",
			th.Warning, th.Critical, th.AutoPause)
	}
	if c.Anomaly.Enabled {
		if c.Anomaly.LookbackSeconds <= 0 {
			return fmt.Errorf("anomaly lookback_seconds must be positive")
		}
		if c.Anomaly.SpikeThreshold < 0 || c.Anomaly.SustainedThreshold < 0 {
			return fmt.Errorf("anomaly thresholds must be non-negative")
		}
	}
	return nil
}

// AgentCeiling returns the ceiling that applies to an agent.
func (c Config) AgentCeiling(agent string) float64 {
	if v, ok := c.AgentBudgets[agent]; ok {
		return v
	}
	return c.DefaultAgentBudget
}

// Patch carries only the fields a caller wants to change. Nil means keep.
type Patch struct {
	ProjectBudget      *float64 `json:"project_budget,omitempty"`
	PhaseBudget        *float64 `json:"phase_budget,omitempty"`
	DefaultAgentBudget *float64 `json:"default_agent_budget,omitempty"`
	// AgentBudgets is merged key by key; a negative value removes the agent.
	AgentBudgets    map[string]float64 `json:"agent_budgets,omitempty"`
	Thresholds      *ThresholdsPatch   `json:"thresholds,omitempty"`
	Anomaly         *AnomalyPatch      `json:"anomaly,omitempty"`
	PauseOnCritical *bool              `json:"pause_on_critical,omitempty"`
}

type ThresholdsPatch struct {
	Warning   *float64 `json:"warning,omitempty"`
	Critical  *float64 `json:"critical,omitempty"`
	AutoPause *float64 `json:"auto_pause,omitempty"`
}

type AnomalyPatch struct {
	Enabled            *bool    `json:"enabled,omitempty"`
	SpikeThreshold     *float64 `json:"spike_threshold,omitempty"`
	SustainedThreshold *float64 `json:"sustained_threshold,omitempty"`
	LookbackSeconds    *int     `json:"lookback_seconds,omitempty"`
}

// Apply returns c with p merged over it. c is not modified.
func (c Config) Apply(p Patch) Config {
	out := c
	out.AgentBudgets = make(map[string]float64, len(c.AgentBudgets))
	for k, v := range c.AgentBudgets {
		out.AgentBudgets[k] = v
	}
	setFloat(&out.ProjectBudget, p.ProjectBudget)
	setFloat(&out.PhaseBudget, p.PhaseBudget)
	setFloat(&out.DefaultAgentBudget, p.DefaultAgentBudget)
	for agent, v := range p.AgentBudgets {
		if v < 0 {
			delete(out.AgentBudgets, agent)
			continue
		}
		out.AgentBudgets[agent] = v
	}
	if len(out.AgentBudgets) == 0 {
		out.AgentBudgets = nil
	}
	if t := p.Thresholds; t != nil {
		setFloat(&out.Thresholds.Warning, t.Warning)
		setFloat(&out.Thresholds.Critical, t.Critical)
		setFloat(&out.Thresholds.AutoPause, t.AutoPause)
	}
	if a := p.Anomaly; a != nil {
		if a.Enabled != nil {
			out.Anomaly.Enabled = *a.Enabled
		}
		setFloat(&out.Anomaly.SpikeThreshold, a.SpikeThreshold)
		setFloat(&out.Anomaly.SustainedThreshold, a.SustainedThreshold)
		if a.LookbackSeconds != nil {
			out.Anomaly.LookbackSeconds = *a.LookbackSeconds
		}
	}
	if p.PauseOnCritical != nil {
		out.PauseOnCritical = *p.PauseOnCritical
	}
	return out
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
