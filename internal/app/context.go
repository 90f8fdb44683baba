package app

import (
	"context"
	"errors"
	"fmt"

	"controlroom/internal/config"
	"controlroom/internal/engine"
	"controlroom/internal/repo"
)

// ResolveProjectAndConfig picks the active project and makes sure it exists
// in the DB. The order is: explicit override, the project named by the
// workspace's controlroom.yml, then the only project in the DB. A project
// missing from the DB is created, and a workspace config file that names it
// is imported on creation.
func ResolveProjectAndConfig(ctx context.Context, e engine.Engine, workspace, projectOverride, actorID string) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	projectID := projectOverride
	if projectID == "" && fileCfg != nil {
		projectID = fileCfg.Project.ID
	}
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
		projectID = p.ID
	}

	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := e.CreateProject(ctx, projectID, "", actorID); err != nil {
			return "", nil, err
		}
		if fileCfg != nil && fileCfg.Project.ID == projectID {
			if err := e.ImportConfig(ctx, projectID, fileCfg); err != nil {
				return "", nil, fmt.Errorf("import workspace config: %w", err)
			}
		}
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		return "", nil, err
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
