package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"controlroom/internal/audit"
	"controlroom/internal/budget"
	"controlroom/internal/domain"
)

// SpendOptions describe one spend ledger entry.
type SpendOptions struct {
	ProjectID string
	Phase     string
	Agent     string
	Item      string
	Amount    float64
	ActorID   string
}

// governor returns the project's governor, creating it with cfg on first
// use and keeping its ceilings in sync with cfg afterwards.
func (e Engine) governor(projectID string, cfg budget.Config) *budget.Governor {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	g, ok := e.hub.governors[projectID]
	if !ok {
		g = budget.NewGovernor(cfg)
		g.SetClock(e.now)
		e.hub.governors[projectID] = g
		return g
	}
	g.SetConfig(cfg)
	return g
}

// BudgetStatus evaluates the spend ledger against the project's ceilings,
// records any new alerts and publishes the status to the board.
func (e Engine) BudgetStatus(ctx context.Context, projectID string) (budget.Status, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		return budget.Status{}, err
	}
	usage, err := e.Repo.BudgetUsage(ctx, projectID)
	if err != nil {
		return budget.Status{}, fmt.Errorf("budget usage: %w", err)
	}
	g := e.governor(projectID, cfg.Budget)
	st, alerts := g.Evaluate(projectID, usage)
	e.recordAlerts(ctx, projectID, alerts)

	b, err := e.board(ctx, projectID)
	if err != nil {
		return st, nil
	}
	if err := b.send(ctx, budgetUpdate{status: st}); err != nil && !errors.Is(err, errBoardClosed) {
		return st, err
	}
	return st, nil
}

// SetBudgetConfig merges patch into the stored budget config.
func (e Engine) SetBudgetConfig(ctx context.Context, projectID string, patch budget.Patch, actorID, actorType string) (budget.Status, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		return budget.Status{}, err
	}
	merged := cfg.Budget.Apply(patch)
	if err := merged.Validate(); err != nil {
		return budget.Status{}, err
	}
	if err := e.Repo.SaveBudgetConfig(ctx, projectID, merged); err != nil {
		return budget.Status{}, err
	}
	if _, err := e.audit().Append(ctx, nil, domain.AuditLogEntry{
		ProjectID: projectID,
		EventType: audit.EventBudgetConfigUpdated,
		ActorType: actorType,
		ActorID:   actorID,
		Action:    "set_budget",
		Details:   map[string]any{"config": merged},
	}); err != nil {
		e.logger().Warn("audit entry not written", "project", projectID, "error", err)
	}
	return e.BudgetStatus(ctx, projectID)
}

// RecordSpend appends to the spend ledger and re-evaluates the budget.
func (e Engine) RecordSpend(ctx context.Context, opts SpendOptions) (budget.Status, error) {
	if opts.Amount < 0 {
		return budget.Status{}, errors.New("amount must be non-negative")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return budget.Status{}, err
	}
	rec := domain.SpendRecord{
		ID:        uuid.NewString(),
		ProjectID: opts.ProjectID,
		Phase:     strings.TrimSpace(opts.Phase),
		Agent:     strings.TrimSpace(opts.Agent),
		Item:      strings.TrimSpace(opts.Item),
		Amount:    opts.Amount,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.RecordSpend(ctx, rec); err != nil {
		return budget.Status{}, fmt.Errorf("record spend: %w", err)
	}
	return e.BudgetStatus(ctx, opts.ProjectID)
}

// ResetBudgetAlerts clears the alerted level of one scope key ("project",
// "phase:<name>", "agent:<name>") or of all scopes when scope is empty.
func (e Engine) ResetBudgetAlerts(ctx context.Context, projectID, scope, actorID, actorType string) (budget.Status, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		return budget.Status{}, err
	}
	e.governor(projectID, cfg.Budget).Reset(scope)
	if _, err := e.audit().Append(ctx, nil, domain.AuditLogEntry{
		ProjectID: projectID,
		EventType: audit.EventBudgetReset,
		ActorType: actorType,
		ActorID:   actorID,
		Action:    "reset_alerts",
		Details:   map[string]any{"scope": scope},
	}); err != nil {
		e.logger().Warn("audit entry not written", "project", projectID, "error", err)
	}
	return e.BudgetStatus(ctx, projectID)
}

func (e Engine) recordAlerts(ctx context.Context, projectID string, alerts []domain.Alert) {
	for _, a := range alerts {
		e.Metrics.AlertEmitted(string(a.Level), a.Type)
		e.logger().Warn("budget alert", "project", projectID, "level", a.Level, "type", a.Type, "target", a.Target, "action", a.Action)
		if _, err := e.audit().Append(ctx, nil, domain.AuditLogEntry{
			ProjectID: projectID,
			EventType: audit.EventBudgetAlert,
			Severity:  severityFor(a.Level),
			ActorType: audit.ActorSystem,
			Action:    alertAction(a),
			Details: map[string]any{
				"type":    a.Type,
				"target":  a.Target,
				"message": a.Message,
				"level":   string(a.Level),
			},
		}); err != nil {
			e.logger().Warn("audit entry not written", "project", projectID, "error", err)
		}
	}
}

func alertAction(a domain.Alert) string {
	if a.Action != "" {
		return a.Action
	}
	return "notify"
}

func severityFor(level domain.AlertLevel) domain.Severity {
	switch level {
	case domain.AlertCritical:
		return domain.SeverityCritical
	case domain.AlertWarning:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}
