package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlroom/internal/db"
	"controlroom/internal/domain"
	"controlroom/internal/repo"
)

func TestAppendFillsDefaults(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	require.NoError(t, r.InsertProject(ctx, nil, domain.Project{ID: "p", CreatedAt: "2026-01-01T00:00:00Z"}))

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := Writer{Repo: r, Now: func() time.Time { return fixed }}
	e, err := w.Append(ctx, nil, domain.AuditLogEntry{ProjectID: "p", EventType: EventValidationCompleted, Action: "validate"})
	require.NoError(t, err)
	assert.NotZero(t, e.ID)
	assert.Equal(t, domain.SeverityInfo, e.Severity)
	assert.Equal(t, ActorSystem, e.ActorType)
	assert.Equal(t, "2026-03-01T12:00:00Z", e.CreatedAt)

	_, err = w.Append(ctx, nil, domain.AuditLogEntry{EventType: EventBudgetAlert, Action: "x"})
	assert.Error(t, err)
}

func TestActorType(t *testing.T) {
	assert.Equal(t, ActorAgent, ActorType("api_key"))
	assert.Equal(t, ActorUser, ActorType("jwt"))
	assert.Equal(t, ActorSystem, ActorType(""))
}
