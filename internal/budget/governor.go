// Package budget tracks spend against per-scope ceilings and emits leveled
// alerts when a scope crosses a threshold.
package budget

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"controlroom/internal/domain"
)

// Level is the bucketed state of one scope.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelExceeded Level = "exceeded"
)

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelExceeded:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as other.
func (l Level) AtLeast(other Level) bool { return l.rank() >= other.rank() }

// AlertHistoryLimit is how many recent alerts a governor keeps.
const AlertHistoryLimit = 5

const (
	ScopeProject = "project"
	ScopePhase   = "phase"
	ScopeAgent   = "agent"
)

const (
	AlertTypeThreshold = "budget_threshold"
	AlertTypeSpike     = "spend_spike"
	AlertTypeSustained = "sustained_spend"
)

// Usage is accumulated spend, as reported by the spend ledger.
type Usage struct {
	Total   float64            `json:"total"`
	ByPhase map[string]float64 `json:"by_phase,omitempty"`
	ByAgent map[string]float64 `json:"by_agent,omitempty"`
	ByItem  map[string]float64 `json:"by_item,omitempty"`
}

type ScopeStatus struct {
	Scope   string  `json:"scope" enum:"project,phase,agent"`
	Target  string  `json:"target"`
	Spent   float64 `json:"spent"`
	Budget  float64 `json:"budget"`
	Percent int     `json:"percent"`
	Level   Level   `json:"level" enum:"ok,warning,critical,exceeded"`
}

// Key identifies the scope for alert bookkeeping.
func (s ScopeStatus) Key() string {
	if s.Scope == ScopeProject {
		return ScopeProject
	}
	return s.Scope + ":" + s.Target
}

// Status is the governor's view of one project.
type Status struct {
	ProjectPath string         `json:"project_path"`
	Level       Level          `json:"level" enum:"ok,warning,critical,exceeded"`
	AutoPaused  bool           `json:"auto_paused"`
	Scopes      []ScopeStatus  `json:"scopes"`
	Alerts      []domain.Alert `json:"alerts"`
	Usage       Usage          `json:"usage"`
	Config      Config         `json:"config"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

// Blocking reports whether budget state must override check-based readiness.
func (s Status) Blocking() bool {
	return s.Level == LevelExceeded || (s.Level == LevelCritical && s.AutoPaused)
}

// Bucket converts spend into a percentage of budget and a level. A budget
// of zero or less is unlimited and always ok.
func Bucket(spent, budget float64, th Thresholds) (int, Level) {
	if budget <= 0 {
		return 0, LevelOK
	}
	percent := int(math.Round(100 * spent / budget))
	switch {
	case percent < pct(th.Warning):
		return percent, LevelOK
	case percent < pct(th.Critical):
		return percent, LevelWarning
	case percent < pct(th.AutoPause):
		return percent, LevelCritical
	default:
		return percent, LevelExceeded
	}
}

func pct(fraction float64) int {
	return int(math.Round(fraction * 100))
}

// Governor evaluates usage for a single project. It remembers the last
// level seen per scope so alerts fire on upward transitions only.
type Governor struct {
	mu      sync.Mutex
	cfg     Config
	levels  map[string]Level
	alerts  []domain.Alert
	anomaly *detector
	now     func() time.Time
}

func NewGovernor(cfg Config) *Governor {
	return &Governor{
		cfg:     cfg,
		levels:  make(map[string]Level),
		anomaly: newDetector(cfg.Anomaly),
		now:     time.Now,
	}
}

// SetClock overrides the time source; used by tests.
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

func (g *Governor) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// SetConfig swaps the ceilings. Anomaly history is kept unless its
// parameters changed.
func (g *Governor) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg.Anomaly != g.cfg.Anomaly {
		g.anomaly = newDetector(cfg.Anomaly)
	}
	g.cfg = cfg
}

// Reset forgets the alerted level of a scope key ("project", "phase:x",
// "agent:y"), or of every scope when key is empty.
func (g *Governor) Reset(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if key == "" {
		g.levels = make(map[string]Level)
		return
	}
	delete(g.levels, key)
}

// Alerts returns the recent alert history, oldest first.
func (g *Governor) Alerts() []domain.Alert {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.Alert(nil), g.alerts...)
}

// Evaluate buckets usage and returns the resulting status plus the alerts
// newly emitted by this call.
func (g *Governor) Evaluate(projectPath string, u Usage) (Status, []domain.Alert) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	ts := now.Format(time.RFC3339)
	cfg := g.cfg
	scopes := scopeStatuses(cfg, u)

	var emitted []domain.Alert
	overall := LevelOK
	critical := false
	for _, s := range scopes {
		if s.Level.rank() > overall.rank() {
			overall = s.Level
		}
		if s.Level == LevelCritical {
			critical = true
		}
		key := s.Key()
		prev := g.levels[key]
		g.levels[key] = s.Level
		if s.Level.rank() <= prev.rank() || s.Level == LevelOK {
			continue
		}
		emitted = append(emitted, thresholdAlert(s, ts))
	}
	if cfg.Anomaly.Enabled {
		emitted = append(emitted, g.anomaly.observe(now, u.Total, ts)...)
	}
	for _, a := range emitted {
		g.alerts = append(g.alerts, a)
	}
	if len(g.alerts) > AlertHistoryLimit {
		g.alerts = g.alerts[len(g.alerts)-AlertHistoryLimit:]
	}

	return Status{
		ProjectPath: projectPath,
		Level:       overall,
		AutoPaused:  overall == LevelExceeded || (cfg.PauseOnCritical && critical),
		Scopes:      scopes,
		Alerts:      append([]domain.Alert(nil), g.alerts...),
		Usage:       u,
		Config:      cfg,
		UpdatedAt:   ts,
	}, emitted
}

func scopeStatuses(cfg Config, u Usage) []ScopeStatus {
	th := cfg.Thresholds
	var out []ScopeStatus
	percent, level := Bucket(u.Total, cfg.ProjectBudget, th)
	out = append(out, ScopeStatus{
		Scope: ScopeProject, Target: ScopeProject,
		Spent: u.Total, Budget: cfg.ProjectBudget, Percent: percent, Level: level,
	})
	for _, phase := range sortedKeys(u.ByPhase) {
		spent := u.ByPhase[phase]
		percent, level := Bucket(spent, cfg.PhaseBudget, th)
		out = append(out, ScopeStatus{
			Scope: ScopePhase, Target: phase,
			Spent: spent, Budget: cfg.PhaseBudget, Percent: percent, Level: level,
		})
	}
	for _, agent := range sortedKeys(u.ByAgent) {
		spent := u.ByAgent[agent]
		ceiling := cfg.AgentCeiling(agent)
		percent, level := Bucket(spent, ceiling, th)
		out = append(out, ScopeStatus{
			Scope: ScopeAgent, Target: agent,
			Spent: spent, Budget: ceiling, Percent: percent, Level: level,
		})
	}
	return out
}

func thresholdAlert(s ScopeStatus, ts string) domain.Alert {
	a := domain.Alert{
		Type:      AlertTypeThreshold,
		Target:    s.Key(),
		Timestamp: ts,
	}
	switch s.Level {
	case LevelWarning:
		a.Level = domain.AlertWarning
		a.Message = fmt.Sprintf("%s budget at %d%% (%.2f of %.2f)", s.Key(), s.Percent, s.Spent, s.Budget)
	case LevelCritical:
		a.Level = domain.AlertCritical
		a.Action = domain.ActionPauseAgent
		a.Message = fmt.Sprintf("%s budget critical at %d%% (%.2f of %.2f)", s.Key(), s.Percent, s.Spent, s.Budget)
	case LevelExceeded:
		a.Level = domain.AlertCritical
		a.Action = domain.ActionAutoPause
		a.Message = fmt.Sprintf("%s budget exceeded at %d%% (%.2f of %.2f)", s.Key(), s.Percent, s.Spent, s.Budget)
	}
	return a
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
