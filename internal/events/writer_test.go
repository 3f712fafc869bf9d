package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigline/internal/db"
	"gigline/internal/events"
	"gigline/internal/migrate"
	"gigline/internal/repo"
)

func TestAppendWritesInsideTransaction(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, nil))
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := events.Writer{Now: func() time.Time { return fixed }}

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	first, err := w.Append(ctx, tx, events.Entry{
		Type: "withdrawal.requested", EntityKind: "payment", EntityID: "p1", ActorID: "alice",
		Payload: events.Payload{"amount": 700},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	n, err := r.CountEvents(ctx, "withdrawal.requested", "p1")
	require.NoError(t, err)
	assert.Zero(t, n)

	tx, err = conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	second, err := w.Append(ctx, tx, events.Entry{Type: "application.created", GigID: "g1", EntityKind: "application", EntityID: "a1", ActorID: "alice"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.GreaterOrEqual(t, second, first)

	evts, err := r.LatestEvents(ctx, 10, "g1", "", "", "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "application.created", evts[0].Type)
	assert.Equal(t, "alice", evts[0].ActorID)
	assert.Equal(t, fixed.Format(time.RFC3339), evts[0].TS)
}

func TestAppendRequiresActorAndType(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, nil))
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = events.Writer{}.Append(ctx, tx, events.Entry{Type: "project.reviewed", EntityKind: "project"})
	assert.Error(t, err)
	_, err = events.Writer{}.Append(ctx, tx, events.Entry{EntityKind: "project", ActorID: "acme"})
	assert.Error(t, err)
}
