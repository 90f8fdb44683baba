package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"controlroom/internal/domain"
)

// SaveValidation writes snap as the validation sub-document of the
// project's config. The last write wins.
func (r Repo) SaveValidation(ctx context.Context, projectID string, snap domain.ValidationSnapshot) error {
	if snap.Checks == nil {
		snap.Checks = []domain.Check{}
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at)
VALUES (?, json_object('validation', json(?)), ?, ?)
ON CONFLICT(project_id) DO UPDATE SET
  config_json = json_set(project_configs.config_json,'$.validation',json(json_extract(excluded.config_json,'$.validation'))),
  updated_at = excluded.updated_at`, projectID, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("save validation for %s: %w", projectID, err)
	}
	return nil
}

// LoadValidation returns the last saved snapshot or ErrNotFound.
func (r Repo) LoadValidation(ctx context.Context, projectID string) (domain.ValidationSnapshot, error) {
	var payload sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT json_extract(config_json,'$.validation') FROM project_configs WHERE project_id=?`, projectID).
		Scan(&payload)
	if err == sql.ErrNoRows || (err == nil && !payload.Valid) {
		return domain.ValidationSnapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.ValidationSnapshot{}, err
	}
	var snap domain.ValidationSnapshot
	if err := json.Unmarshal([]byte(payload.String), &snap); err != nil {
		return domain.ValidationSnapshot{}, fmt.Errorf("decode validation for %s: %w", projectID, err)
	}
	return snap, nil
}
