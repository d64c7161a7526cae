package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/LdDl/ppe-watch/ppe"
	"github.com/LdDl/ppe-watch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ppewatch.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestMigrations(t *testing.T) {
	s, path := openTemp(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
	require.NoError(t, s.Close())

	// Reopening must not fail on already applied migrations
	again, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestSaveAndQuery(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	first := store.NewRecord(t0, 1, 3, "alice", ppe.ClassNoVest, 0.77, true)
	require.NoError(t, s.Save(ctx, first))
	require.NoError(t, s.Save(ctx, store.NewRecord(t0, 1, 4, "", ppe.ClassCompliant, 0, false)))
	second := store.NewRecord(t0.Add(time.Second), 2, 1, "", ppe.ClassNoHelmet, 0, true)
	require.NoError(t, s.Save(ctx, second))

	recs, err := s.ConfirmedViolations(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, second, recs[0])
	assert.Equal(t, first, recs[1])

	recs, err = s.ConfirmedViolations(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, first.ID, recs[0].ID)

	counts, err := s.CountByCamera(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 2, 2: 1}, counts)

	// Records are immutable: duplicated id is rejected
	assert.Error(t, s.Save(ctx, first))
}
