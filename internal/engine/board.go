package engine

import (
	"context"
	"errors"

	"controlroom/internal/budget"
	"controlroom/internal/checks"
	"controlroom/internal/domain"
	"controlroom/internal/readiness"
	"controlroom/internal/rollup"
)

var errBoardClosed = errors.New("board closed")

// View is a consistent read of a project's board.
type View struct {
	ProjectID  string                  `json:"project_id"`
	Run        domain.ValidationRun    `json:"run"`
	Executed   bool                    `json:"executed"`
	Categories []rollup.CategoryRollup `json:"categories"`
	Tabs       []rollup.GroupRollup    `json:"tabs"`
	Verdict    readiness.Verdict       `json:"verdict"`
	Budget     *budget.Status          `json:"budget,omitempty"`
	// PersistWarning is set when the last snapshot could not be saved.
	PersistWarning string `json:"persist_warning,omitempty"`
}

// Messages accepted by a board. Run-scoped messages carry the run id and
// are ignored once a newer run has started.
type (
	runStarted struct {
		runID string
		at    string
	}
	checkUpdate struct {
		runID string
		check domain.Check
		at    string
	}
	runCompleted struct {
		runID  string
		status domain.RunStatus
		checks []domain.Check
		at     string
	}
	runFailed struct {
		runID  string
		reason string
		at     string
	}
	persistResult struct {
		runID string
		err   error
	}
	budgetUpdate struct {
		status budget.Status
	}
	tabsUpdate struct {
		tabs []rollup.Group
	}
	restore struct {
		snap domain.ValidationSnapshot
	}
	viewRequest struct {
		reply chan View
	}
)

// board owns the live state of one project. Only its loop goroutine
// touches the fields below inbox.
type board struct {
	projectID string
	inbox     chan any
	done      chan struct{}

	store          *checks.Store
	run            domain.ValidationRun
	completed      bool
	executed       bool
	tabs           []rollup.Group
	budget         *budget.Status
	persistWarning string
}

func newBoard(projectID string) *board {
	return &board{
		projectID: projectID,
		inbox:     make(chan any, 64),
		done:      make(chan struct{}),
		store:     checks.NewStore(),
		run:       domain.ValidationRun{ProjectID: projectID, Status: domain.RunIdle},
	}
}

func (b *board) loop(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.inbox:
			b.handle(m)
		}
	}
}

func (b *board) send(ctx context.Context, m any) error {
	select {
	case b.inbox <- m:
		return nil
	case <-b.done:
		return errBoardClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *board) view(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := b.send(ctx, viewRequest{reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-b.done:
		return View{}, errBoardClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (b *board) current(runID string) bool {
	return runID != "" && runID == b.run.ID
}

func (b *board) handle(m any) {
	switch m := m.(type) {
	case runStarted:
		b.store.Reset()
		b.run = domain.ValidationRun{
			ID:        m.runID,
			ProjectID: b.projectID,
			Status:    domain.RunValidating,
			StartedAt: m.at,
		}
		b.completed = false
		b.executed = true
		b.persistWarning = ""
	case checkUpdate:
		if !b.current(m.runID) || b.completed {
			return
		}
		b.store.Upsert(m.check)
		b.run.LastCheckedAt = m.at
	case runCompleted:
		if !b.current(m.runID) || b.completed {
			return
		}
		b.store.ReplaceAll(m.checks)
		b.run.Status = m.status
		b.run.LastCheckedAt = m.at
		b.completed = true
	case runFailed:
		if !b.current(m.runID) || b.completed {
			return
		}
		b.run.Status = domain.RunBlocked
		b.run.Error = m.reason
		b.run.LastCheckedAt = m.at
		b.completed = true
	case persistResult:
		if !b.current(m.runID) {
			return
		}
		// A successful write of the current run clears an earlier warning.
		if m.err != nil {
			b.persistWarning = m.err.Error()
		} else {
			b.persistWarning = ""
		}
	case budgetUpdate:
		st := m.status
		b.budget = &st
	case tabsUpdate:
		b.tabs = append([]rollup.Group(nil), m.tabs...)
	case restore:
		if b.run.ID != "" {
			return
		}
		b.store.ReplaceAll(m.snap.Checks)
		b.run = domain.ValidationRun{
			ID:            m.snap.RunID,
			ProjectID:     b.projectID,
			Status:        m.snap.Status,
			StartedAt:     m.snap.StartedAt,
			LastCheckedAt: m.snap.LastCheckedAt,
			Error:         m.snap.Error,
		}
		b.completed = m.snap.Status.Terminal()
		b.executed = true
	case viewRequest:
		m.reply <- b.snapshot()
	}
}

func (b *board) snapshot() View {
	all := b.store.All()
	run := b.run
	run.Checks = all
	categories := rollup.Categories(all, rollup.DeclaredCategories(b.tabs), b.executed)
	in := readiness.FromChecks(all)
	var st *budget.Status
	if b.budget != nil {
		cp := *b.budget
		st = &cp
		in.Budget = st
	}
	return View{
		ProjectID:      b.projectID,
		Run:            run,
		Executed:       b.executed,
		Categories:     categories,
		Tabs:           rollup.Groups(b.tabs, categories, b.executed),
		Verdict:        readiness.Evaluate(in),
		Budget:         st,
		PersistWarning: b.persistWarning,
	}
}

// Snapshot converts a view into its durable form.
func (v View) Snapshot() domain.ValidationSnapshot {
	checks := v.Run.Checks
	if checks == nil {
		checks = []domain.Check{}
	}
	return domain.ValidationSnapshot{
		RunID:         v.Run.ID,
		Status:        v.Run.Status,
		Checks:        checks,
		StartedAt:     v.Run.StartedAt,
		LastCheckedAt: v.Run.LastCheckedAt,
		Error:         v.Run.Error,
	}
}
