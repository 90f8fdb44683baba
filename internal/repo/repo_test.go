package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlroom/internal/budget"
	"controlroom/internal/config"
	"controlroom/internal/db"
	"controlroom/internal/domain"
)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return Repo{DB: conn}
}

func seedProject(t *testing.T, r Repo, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.InsertProject(ctx, nil, domain.Project{ID: id, CreatedAt: time.Now().UTC().Format(time.RFC3339)}))
	require.NoError(t, r.UpsertProjectConfig(ctx, id, config.Default(id)))
}

func TestProjects(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.SingleProject(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	seedProject(t, r, "alpha")
	p, err := r.SingleProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.ID)

	seedProject(t, r, "beta")
	_, err = r.SingleProject(ctx)
	assert.Error(t, err)

	list, err := r.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = r.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidationSnapshotLastWriteWins(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p")

	_, err := r.LoadValidation(ctx, "p")
	assert.ErrorIs(t, err, ErrNotFound)

	first := domain.ValidationSnapshot{RunID: "r1", Status: domain.RunBlocked, LastCheckedAt: "2026-01-01T00:00:00Z",
		Checks: []domain.Check{{ID: "git", Category: "Git", Status: domain.CheckFail}}}
	require.NoError(t, r.SaveValidation(ctx, "p", first))
	second := domain.ValidationSnapshot{RunID: "r2", Status: domain.RunReady, LastCheckedAt: "2026-01-01T00:05:00Z",
		Checks: []domain.Check{{ID: "git", Category: "Git", Status: domain.CheckPass}}}
	require.NoError(t, r.SaveValidation(ctx, "p", second))

	got, err := r.LoadValidation(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestValidationCoexistsWithConfig(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p")
	require.NoError(t, r.SaveValidation(ctx, "p", domain.ValidationSnapshot{RunID: "r1", Status: domain.RunReady}))

	cfg := config.Default("p")
	cfg.Runner.URL = "http://runner/validate"
	require.NoError(t, r.UpsertProjectConfig(ctx, "p", cfg))

	snap, err := r.LoadValidation(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "r1", snap.RunID)
	assert.Equal(t, []domain.Check{}, snap.Checks)

	back, err := r.GetProjectConfig(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "http://runner/validate", back.Runner.URL)
}

func TestSaveBudgetConfig(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p")
	require.NoError(t, r.SaveValidation(ctx, "p", domain.ValidationSnapshot{RunID: "r1", Status: domain.RunReady}))

	b := budget.DefaultConfig()
	b.ProjectBudget = 100
	b.AgentBudgets = map[string]float64{"coder": 10}
	require.NoError(t, r.SaveBudgetConfig(ctx, "p", b))

	cfg, err := r.GetProjectConfig(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 100, cfg.Budget.ProjectBudget, 1e-9)
	assert.InDelta(t, 10, cfg.Budget.AgentBudgets["coder"], 1e-9)
	_, err = r.LoadValidation(ctx, "p")
	assert.NoError(t, err)

	assert.ErrorIs(t, r.SaveBudgetConfig(ctx, "nope", b), ErrNotFound)
	b.Thresholds.Warning = 2
	assert.Error(t, r.SaveBudgetConfig(ctx, "p", b))
}

func TestBudgetUsage(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p")
	now := time.Now().UTC().Format(time.RFC3339)
	for i, rec := range []domain.SpendRecord{
		{Phase: "build", Agent: "coder", Item: "tokens", Amount: 10},
		{Phase: "build", Agent: "tester", Item: "tokens", Amount: 5},
		{Phase: "qa", Agent: "coder", Amount: 2.5},
	} {
		rec.ID = string(rune('a' + i))
		rec.ProjectID = "p"
		rec.CreatedAt = now
		require.NoError(t, r.RecordSpend(ctx, rec))
	}
	assert.Error(t, r.RecordSpend(ctx, domain.SpendRecord{ID: "neg", ProjectID: "p", Amount: -1, CreatedAt: now}))

	u, err := r.BudgetUsage(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 17.5, u.Total, 1e-9)
	assert.InDelta(t, 15, u.ByPhase["build"], 1e-9)
	assert.InDelta(t, 12.5, u.ByAgent["coder"], 1e-9)
	assert.InDelta(t, 15, u.ByItem["tokens"], 1e-9)
	_, hasEmpty := u.ByItem[""]
	assert.False(t, hasEmpty)

	list, err := r.ListSpend(ctx, "p", 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAuditPaging(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p")
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := r.InsertAudit(ctx, nil, domain.AuditLogEntry{
			ProjectID: "p", EventType: "validation.completed", Severity: domain.SeverityInfo,
			ActorType: "system", ActorID: "controlroom", Action: "validate",
			Details: map[string]any{"n": i}, CreatedAt: time.Now().UTC().Format(time.RFC3339),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	page, err := r.ListAudit(ctx, AuditFilter{ProjectID: "p", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.EqualValues(t, 4, page[0].Details["n"])

	next, err := r.ListAudit(ctx, AuditFilter{ProjectID: "p", Before: page[1].ID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, next, 3)

	after, err := r.AuditAfter(ctx, "p", ids[2], 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, ids[3], after[0].ID)

	latest, err := r.LatestAuditID(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, ids[4], latest)
}

func TestAuditSafetyFields(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p")
	_, err := r.InsertAudit(ctx, nil, domain.AuditLogEntry{
		ProjectID: "p", EventType: "validation.completed", Severity: domain.SeverityWarning,
		ActorType: "user", ActorID: "ana", Action: "validate",
		SafetyTags: []string{"safety-failure"}, RequiresReview: true, CreatedAt: "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	got, err := r.ListAudit(ctx, AuditFilter{ProjectID: "p"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].RequiresReview)
	assert.Equal(t, []string{"safety-failure"}, got[0].SafetyTags)
	assert.Equal(t, domain.SeverityWarning, got[0].Severity)
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	plain, key, err := r.IssueAPIKey(ctx, "runner-1", "ci")
	require.NoError(t, err)
	assert.Contains(t, plain, KeyPrefix)
	assert.NotEqual(t, plain, key.KeyHash)

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" "+plain+" "))
	require.NoError(t, err)
	assert.Equal(t, "runner-1", got.ActorID)

	keys, err := r.ListAPIKeys(ctx, "runner-1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, key.ID))
	_, err = r.GetAPIKeyByHash(ctx, key.KeyHash)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, key.ID), ErrNotFound)
}
