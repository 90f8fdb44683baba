package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlroom/internal/db"
	"controlroom/internal/domain"
)

func TestBoardIsSeededBeforePublished(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()

	seed := New(conn)
	_, err = seed.CreateProject(ctx, "p", "", "tester")
	require.NoError(t, err)
	require.NoError(t, seed.Repo.SaveValidation(ctx, "p", domain.ValidationSnapshot{
		RunID:  "r-prev",
		Status: domain.RunReady,
		Checks: []domain.Check{{ID: "env", Category: "Environment", Status: domain.CheckPass, Priority: domain.PriorityNormal}},
	}))
	seed.Close()

	e := New(conn)
	t.Cleanup(e.Close)

	var wg sync.WaitGroup
	views := make([]View, 16)
	for i := range views {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := e.board(ctx, "p")
			if !assert.NoError(t, err) {
				return
			}
			views[i], err = b.view(ctx)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, v := range views {
		assert.True(t, v.Executed)
		assert.Equal(t, "r-prev", v.Run.ID)
		assert.Len(t, v.Run.Checks, 1)
		assert.NotEmpty(t, v.Tabs)
	}
	e.hub.mu.Lock()
	assert.Len(t, e.hub.boards, 1)
	e.hub.mu.Unlock()
}
