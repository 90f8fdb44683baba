// Package audit appends immutable audit log entries.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"controlroom/internal/domain"
	"controlroom/internal/repo"
)

const (
	EventValidationCompleted = "validation.completed"
	EventValidationFailed    = "validation.failed"
	EventBudgetAlert         = "budget.alert"
	EventBudgetConfigUpdated = "budget.config_updated"
	EventBudgetReset         = "budget.alerts_reset"
)

const (
	ActorUser   = "user"
	ActorAgent  = "agent"
	ActorSystem = "system"
)

// SafetyFailureTag marks runs blocked by a failing safety check.
const SafetyFailureTag = "safety-failure"

type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Append writes e and returns it with its id and timestamp set. tx may be nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if strings.TrimSpace(e.ProjectID) == "" {
		return e, fmt.Errorf("audit entry needs a project")
	}
	if e.EventType == "" || e.Action == "" {
		return e, fmt.Errorf("audit entry needs event type and action")
	}
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}
	if e.ActorID == "" {
		e.ActorID = "controlroom"
	}
	e.CreatedAt = w.Now().UTC().Format(time.RFC3339)
	id, err := w.Repo.InsertAudit(ctx, tx, e)
	if err != nil {
		return e, fmt.Errorf("append audit %s: %w", e.EventType, err)
	}
	e.ID = id
	return e, nil
}

// ActorType classifies a principal source for audit entries.
func ActorType(source string) string {
	switch source {
	case "api_key":
		return ActorAgent
	case "":
		return ActorSystem
	default:
		return ActorUser
	}
}
