package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentPolls bounds how many projects are evaluated at once.
const maxConcurrentPolls = 4

// WatchBudget re-evaluates one project's budget every interval until ctx
// is cancelled. Evaluation errors are logged and the loop keeps going.
func (e Engine) WatchBudget(ctx context.Context, projectID string, interval time.Duration) error {
	return e.poll(ctx, interval, func(ctx context.Context) {
		if _, err := e.BudgetStatus(ctx, projectID); err != nil && ctx.Err() == nil {
			e.logger().Warn("budget poll failed", "project", projectID, "error", err)
		}
	})
}

// WatchAllBudgets polls every project's budget on each tick.
func (e Engine) WatchAllBudgets(ctx context.Context, interval time.Duration) error {
	return e.poll(ctx, interval, func(ctx context.Context) {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.logger().Warn("list projects for budget poll", "error", err)
			}
			return
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentPolls)
		for _, p := range projects {
			id := p.ID
			g.Go(func() error {
				if _, err := e.BudgetStatus(gctx, id); err != nil && gctx.Err() == nil {
					e.logger().Warn("budget poll failed", "project", id, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	})
}

func (e Engine) poll(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	if interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-e.hub.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
