package repo

import (
	"context"
	"database/sql"
	"fmt"

	"controlroom/internal/budget"
	"controlroom/internal/domain"
)

func (r Repo) RecordSpend(ctx context.Context, rec domain.SpendRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("spend id required")
	}
	if rec.Amount < 0 {
		return fmt.Errorf("spend amount must be non-negative")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO budget_spend(id,project_id,phase,agent,item,amount,created_at) VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.ProjectID, nullable(rec.Phase), nullable(rec.Agent), nullable(rec.Item), rec.Amount, rec.CreatedAt)
	return err
}

// BudgetUsage sums the spend ledger of a project by scope.
func (r Repo) BudgetUsage(ctx context.Context, projectID string) (budget.Usage, error) {
	u := budget.Usage{
		ByPhase: map[string]float64{},
		ByAgent: map[string]float64{},
		ByItem:  map[string]float64{},
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM budget_spend WHERE project_id=?`, projectID).
		Scan(&u.Total); err != nil {
		return u, err
	}
	for col, dst := range map[string]map[string]float64{"phase": u.ByPhase, "agent": u.ByAgent, "item": u.ByItem} {
		if err := r.sumBy(ctx, projectID, col, dst); err != nil {
			return u, err
		}
	}
	return u, nil
}

func (r Repo) sumBy(ctx context.Context, projectID, col string, dst map[string]float64) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+col+`, SUM(amount) FROM budget_spend WHERE project_id=? AND `+col+` IS NOT NULL GROUP BY `+col, projectID)
	if err != nil {
		return fmt.Errorf("sum spend by %s: %w", col, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key sql.NullString
		var total float64
		if err := rows.Scan(&key, &total); err != nil {
			return err
		}
		if key.Valid {
			dst[key.String] = total
		}
	}
	return rows.Err()
}

func (r Repo) ListSpend(ctx context.Context, projectID string, limit int) ([]domain.SpendRecord, error) {
	query := `SELECT id,project_id,COALESCE(phase,''),COALESCE(agent,''),COALESCE(item,''),amount,created_at FROM budget_spend WHERE project_id=? ORDER BY created_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SpendRecord
	for rows.Next() {
		var s domain.SpendRecord
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Phase, &s.Agent, &s.Item, &s.Amount, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
