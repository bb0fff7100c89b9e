package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konote/surveyengine/internal/store"
	"github.com/konote/surveyengine/internal/store/sqlite"
	"github.com/konote/surveyengine/internal/store/storetest"
)

func openTemp(t *testing.T) *sqlite.Store {
	t.Helper()

	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "surveys.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTemp(t)
	})
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	var applied int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "surveys.sqlite")

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	f := storetest.Seed(t, s)
	require.NoError(t, s.Close())

	reopened, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	p, err := reopened.GetParticipant(ctx, f.Participant.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Participant.ID, p.ID)
}

func TestSQLiteStore_HealthChecker(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	checker := sqlite.NewHealthChecker(s)
	assert.Equal(t, "sqlite", checker.Name())
	assert.NoError(t, checker.Check(context.Background()))

	assert.Error(t, sqlite.NewHealthChecker(nil).Check(context.Background()))
}
