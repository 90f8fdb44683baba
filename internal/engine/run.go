package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"controlroom/internal/audit"
	"controlroom/internal/config"
	"controlroom/internal/domain"
	"controlroom/internal/stream"
)

// ValidateOptions start one run.
type ValidateOptions struct {
	ProjectID string
	// Config is passed to the runner on top of the project's runner params.
	Config    map[string]string
	ActorID   string
	ActorType string
}

// FeedError reports a run that ended without its complete event. The run
// is blocked.
type FeedError struct {
	RunID string
	Err   error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("run %s: %v", e.RunID, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// boardSink feeds ingested events into a board under one run id.
type boardSink struct {
	e     Engine
	b     *board
	runID string
}

func (s boardSink) ApplyCheck(ctx context.Context, c domain.Check) error {
	s.e.Metrics.EventApplied(stream.TypeCheck)
	return s.b.send(ctx, checkUpdate{runID: s.runID, check: c, at: s.e.timestamp()})
}

func (s boardSink) ApplyComplete(ctx context.Context, status domain.RunStatus, checks []domain.Check) error {
	s.e.Metrics.EventApplied(stream.TypeComplete)
	return s.b.send(ctx, runCompleted{runID: s.runID, status: status, checks: checks, at: s.e.timestamp()})
}

// Validate runs the project's validation sequence to completion. The
// returned view reflects the terminal state. A feed that fails or ends
// early yields a blocked view together with a *FeedError. Snapshot
// persistence failures never fail the call; they show up as the view's
// PersistWarning. The verdict includes the current budget status.
func (e Engine) Validate(ctx context.Context, opts ValidateOptions) (View, error) {
	projectID := strings.TrimSpace(opts.ProjectID)
	if projectID == "" {
		return View{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return View{}, err
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		return View{}, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.Runner.URL) == "" {
		return View{}, fmt.Errorf("project %s has no runner url configured", projectID)
	}
	b, err := e.board(ctx, projectID)
	if err != nil {
		return View{}, err
	}

	runID := uuid.NewString()
	if err := b.send(ctx, runStarted{runID: runID, at: e.timestamp()}); err != nil {
		return View{}, err
	}
	e.Metrics.RunStarted()
	log := e.logger().With("project", projectID, "run", runID)
	log.Info("validation started", "runner", cfg.Runner.URL)

	runErr := e.consume(ctx, b, runID, stream.Request{
		URL:       cfg.Runner.URL,
		ProjectID: projectID,
		Config:    runParams(cfg.Runner.Params, opts.Config),
	})

	// The terminal bookkeeping must happen even if the caller went away.
	tctx := context.WithoutCancel(ctx)
	if runErr != nil {
		log.Error("validation feed failed", "error", runErr)
		if err := b.send(tctx, runFailed{runID: runID, reason: runErr.Error(), at: e.timestamp()}); err != nil {
			return View{}, err
		}
	}
	if _, err := e.BudgetStatus(tctx, projectID); err != nil {
		log.Warn("budget status for verdict", "error", err)
	}
	v, err := b.view(tctx)
	if err != nil {
		return View{}, err
	}
	e.Metrics.RunFinished(string(v.Run.Status))

	if err := e.persist(tctx, projectID, v); err != nil {
		log.Warn("snapshot not persisted", "error", err)
		e.Metrics.PersistFailed()
		_ = b.send(tctx, persistResult{runID: runID, err: err})
	} else {
		_ = b.send(tctx, persistResult{runID: runID})
	}

	if _, err := e.audit().Append(tctx, nil, runAuditEntry(cfg, v, opts, runErr)); err != nil {
		log.Warn("audit entry not written", "error", err)
	}

	if v, err = b.view(tctx); err != nil {
		return View{}, err
	}
	log.Info("validation finished", "status", v.Run.Status, "verdict", v.Verdict.Status, "checks", len(v.Run.Checks))
	if runErr != nil {
		return v, &FeedError{RunID: runID, Err: runErr}
	}
	return v, nil
}

func (e Engine) consume(ctx context.Context, b *board, runID string, req stream.Request) error {
	if e.Runner == nil {
		return errors.New("no runner configured")
	}
	feed, err := e.Runner.Open(ctx, req)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer feed.Close()
	feed.OnDrop(func(*stream.ParseError) { e.Metrics.RecordDropped(1) })
	out, err := stream.Ingest(ctx, feed, boardSink{e: e, b: b, runID: runID})
	if out.Stragglers > 0 {
		e.logger().Debug("ignored events after complete", "run", runID, "count", out.Stragglers)
	}
	return err
}

func (e Engine) persist(ctx context.Context, projectID string, v View) error {
	if e.Store == nil {
		return errors.New("no snapshot store configured")
	}
	return e.Store.SaveValidation(ctx, projectID, v.Snapshot())
}

// LoadSnapshot returns the persisted snapshot of a project.
func (e Engine) LoadSnapshot(ctx context.Context, projectID string) (domain.ValidationSnapshot, error) {
	if e.Store == nil {
		return domain.ValidationSnapshot{}, errors.New("no snapshot store configured")
	}
	return e.Store.LoadValidation(ctx, projectID)
}

func runParams(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func runAuditEntry(cfg *config.Config, v View, opts ValidateOptions, runErr error) domain.AuditLogEntry {
	passed, failed := 0, 0
	var failedSafety []string
	for _, c := range v.Run.Checks {
		switch c.Status {
		case domain.CheckPass:
			passed++
		case domain.CheckFail:
			failed++
			if cfg.IsSafetyCategory(c.Category) {
				failedSafety = append(failedSafety, c.ID)
			}
		}
	}
	details := map[string]any{
		"run_id":     v.Run.ID,
		"status":     string(v.Run.Status),
		"verdict":    string(v.Verdict.Status),
		"percentage": v.Verdict.Percentage,
		"total":      len(v.Run.Checks),
		"passed":     passed,
		"failed":     failed,
	}
	entry := domain.AuditLogEntry{
		ProjectID: v.ProjectID,
		EventType: audit.EventValidationCompleted,
		Severity:  domain.SeverityInfo,
		ActorType: opts.ActorType,
		ActorID:   opts.ActorID,
		Action:    "validate",
		Details:   details,
	}
	if v.Run.Status == domain.RunBlocked {
		entry.Severity = domain.SeverityWarning
	}
	if runErr != nil {
		entry.EventType = audit.EventValidationFailed
		entry.Severity = domain.SeverityCritical
		details["error"] = runErr.Error()
	}
	if v.Run.Status == domain.RunBlocked && len(failedSafety) > 0 {
		entry.SafetyTags = []string{audit.SafetyFailureTag}
		entry.RequiresReview = true
		details["failed_safety_checks"] = failedSafety
	}
	return entry
}
