package durable

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durable/pkg/api"
)

// TestSQLiteBundle_DurableAcrossRestart starts an instance, simulates a crash
// by closing the database, and finishes the instance from a second bundle
// opened on the same file.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "durable_bundle.db")
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)"

	// --- Phase 1: start the instance, no processing yet.

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	bundle1, err := NewSQLiteBundle(db1, BundleOptions{})
	require.NoError(t, err)
	registerAddOne(t, bundle1.Engine)

	id, err := bundle1.Engine.Start(ctx, addOneName, 41)
	require.NoError(t, err)

	st, err := bundle1.Engine.QueryStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, st.Status)

	require.NoError(t, db1.Close())

	// --- Phase 2: "restart" with a new handle and bundle.

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, BundleOptions{})
	require.NoError(t, err)

	// Definitions are in-memory only and must be registered on every start.
	registerAddOne(t, bundle2.Engine)

	resumed, err := bundle2.Engine.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	_, err = bundle2.Worker.Drain(ctx, 200*time.Millisecond)
	require.NoError(t, err)

	after, err := bundle2.Engine.ListInstances(ctx, InstanceListOptions{Name: addOneName})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, StatusCompleted, after[0].Status)
	require.JSONEq(t, `42`, string(after[0].Output))

	history, err := bundle2.Engine.History(ctx, id)
	require.NoError(t, err)
	scheduled := 0
	for _, ev := range history {
		if ev.Type == api.EventActivityScheduled {
			scheduled++
		}
	}
	require.Equal(t, 1, scheduled, "the recovered pass schedules the call once")
}
