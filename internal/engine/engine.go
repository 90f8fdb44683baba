package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"controlroom/internal/audit"
	"controlroom/internal/budget"
	"controlroom/internal/config"
	"controlroom/internal/domain"
	"controlroom/internal/metrics"
	"controlroom/internal/repo"
	"controlroom/internal/stream"
)

// SnapshotStore persists the last validation snapshot per project.
type SnapshotStore interface {
	SaveValidation(ctx context.Context, projectID string, snap domain.ValidationSnapshot) error
	LoadValidation(ctx context.Context, projectID string) (domain.ValidationSnapshot, error)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Runner  stream.Opener
	Store   SnapshotStore
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	hub *hub
}

// hub holds the per-project actors shared by every copy of an Engine.
type hub struct {
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	boards    map[string]*board
	governors map[string]*budget.Governor
}

func New(db *sql.DB) Engine {
	ctx, cancel := context.WithCancel(context.Background())
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Audit:  audit.Writer{Repo: r},
		Runner: &stream.Client{HTTPClient: &http.Client{}},
		Store:  r,
		Logger: slog.Default(),
		Now:    time.Now,
		hub: &hub{
			ctx:       ctx,
			cancel:    cancel,
			boards:    make(map[string]*board),
			governors: make(map[string]*budget.Governor),
		},
	}
}

// Close stops every board. Views requested afterwards fail.
func (e Engine) Close() {
	e.hub.cancel()
	e.hub.wg.Wait()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) audit() audit.Writer {
	w := e.Audit
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// board returns the project's actor, starting it on first use. A new board
// is seeded with the configured tabs and the persisted snapshot before any
// caller can see it.
func (e Engine) board(ctx context.Context, projectID string) (*board, error) {
	e.hub.mu.Lock()
	b, ok := e.hub.boards[projectID]
	e.hub.mu.Unlock()
	if ok {
		return b, nil
	}

	seeds := e.boardSeeds(ctx, projectID)

	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if b, ok := e.hub.boards[projectID]; ok {
		return b, nil
	}
	if err := e.hub.ctx.Err(); err != nil {
		return nil, errBoardClosed
	}
	b = newBoard(projectID)
	for _, m := range seeds {
		b.handle(m)
	}
	e.hub.boards[projectID] = b
	e.hub.wg.Add(1)
	go func() {
		defer e.hub.wg.Done()
		b.loop(e.hub.ctx)
	}()
	return b, nil
}

// boardSeeds loads the messages a fresh board starts from.
func (e Engine) boardSeeds(ctx context.Context, projectID string) []any {
	var seeds []any
	if cfg, err := e.Repo.GetProjectConfig(ctx, projectID); err == nil {
		seeds = append(seeds, tabsUpdate{tabs: cfg.Tabs})
	} else if !errors.Is(err, repo.ErrNotFound) {
		e.logger().Warn("load project config for board", "project", projectID, "error", err)
	}
	if e.Store != nil {
		snap, err := e.Store.LoadValidation(ctx, projectID)
		switch {
		case err == nil:
			seeds = append(seeds, restore{snap: snap})
		case !errors.Is(err, repo.ErrNotFound):
			e.logger().Warn("warm reload failed", "project", projectID, "error", err)
		}
	}
	return seeds
}

// CreateProject inserts a project with the default config.
func (e Engine) CreateProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Description: description,
		CreatedAt:   e.timestamp(),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if _, err := e.audit().Append(ctx, tx, domain.AuditLogEntry{
		ProjectID: p.ID,
		EventType: "project.created",
		ActorType: audit.ActorUser,
		ActorID:   actorID,
		Action:    "create_project",
		Details:   map[string]any{"description": description},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ImportConfig replaces a project's config and refreshes its live board.
func (e Engine) ImportConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
		return err
	}
	e.hub.mu.Lock()
	b, ok := e.hub.boards[projectID]
	g := e.hub.governors[projectID]
	e.hub.mu.Unlock()
	if ok {
		if err := b.send(ctx, tabsUpdate{tabs: cfg.Tabs}); err != nil {
			return err
		}
	}
	if g != nil {
		g.SetConfig(cfg.Budget)
	}
	return nil
}

// View returns the live board of a project without touching budget state.
func (e Engine) View(ctx context.Context, projectID string) (View, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return View{}, err
	}
	b, err := e.board(ctx, projectID)
	if err != nil {
		return View{}, err
	}
	return b.view(ctx)
}

// Readiness returns the live board, evaluating the budget first when the
// board has not seen a budget status yet.
func (e Engine) Readiness(ctx context.Context, projectID string) (View, error) {
	v, err := e.View(ctx, projectID)
	if err != nil {
		return View{}, err
	}
	if v.Budget != nil {
		return v, nil
	}
	if _, err := e.BudgetStatus(ctx, projectID); err != nil {
		e.logger().Warn("budget status for readiness", "project", projectID, "error", err)
		return v, nil
	}
	b, err := e.board(ctx, projectID)
	if err != nil {
		return View{}, err
	}
	return b.view(ctx)
}
