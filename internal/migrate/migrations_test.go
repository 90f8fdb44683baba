package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLoadOrdersEmbeddedMigrations(t *testing.T) {
	ms, err := Load()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].Version, ms[i].Version)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := openRaw(t)

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	ms, err := Load()
	require.NoError(t, err)
	latest := ms[len(ms)-1].Version

	v, err = Apply(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	v, err = Apply(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='audit_log'`).Scan(&n))
	assert.Equal(t, 1, n)
}
