package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"controlroom/internal/domain"
)

// AuditFilter selects audit entries newest first. Before is an exclusive
// id cursor.
type AuditFilter struct {
	ProjectID string
	EventType string
	Before    int64
	Limit     int
}

const auditColumns = `id,project_id,event_type,severity,actor_type,actor_id,action,details_json,safety_tags_json,requires_review,created_at`

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, e domain.AuditLogEntry) (int64, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("marshal audit details: %w", err)
	}
	tags := e.SafetyTags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("marshal safety tags: %w", err)
	}
	res, err := r.execer(tx).ExecContext(ctx, `INSERT INTO audit_log(project_id,event_type,severity,actor_type,actor_id,action,details_json,safety_tags_json,requires_review,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ProjectID, e.EventType, string(e.Severity), e.ActorType, e.ActorID, e.Action, string(detailsJSON), string(tagsJSON), boolInt(e.RequiresReview), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListAudit(ctx context.Context, f AuditFilter) ([]domain.AuditLogEntry, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryAudit(ctx, query, args...)
}

// AuditAfter returns entries with id greater than after, oldest first.
func (r Repo) AuditAfter(ctx context.Context, projectID string, after int64, limit int) ([]domain.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE id>?`
	args := []any{after}
	if projectID != "" {
		query += " AND project_id=?"
		args = append(args, projectID)
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryAudit(ctx, query, args...)
}

func (r Repo) LatestAuditID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM audit_log`
	var args []any
	if projectID != "" {
		query += " WHERE project_id=?"
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var severity, detailsJSON, tagsJSON string
		var review int
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventType, &severity, &e.ActorType, &e.ActorID, &e.Action,
			&detailsJSON, &tagsJSON, &review, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Severity = domain.Severity(severity)
		e.RequiresReview = review != 0
		if detailsJSON != "" {
			_ = json.Unmarshal([]byte(detailsJSON), &e.Details)
		}
		if tagsJSON != "" {
			_ = json.Unmarshal([]byte(tagsJSON), &e.SafetyTags)
		}
		if len(e.SafetyTags) == 0 {
			e.SafetyTags = nil
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
