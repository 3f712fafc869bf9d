package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigline/internal/db"
	"gigline/internal/domain"
	"gigline/internal/migrate"
	"gigline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, nil))
	return repo.Repo{DB: conn}
}

func stamp(d time.Duration) string {
	return time.Now().UTC().Add(d).Format(time.RFC3339)
}

// inTx runs fn in a transaction and commits only when it succeeds.
func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		require.NoError(t, tx.Rollback())
		return err
	}
	require.NoError(t, tx.Commit())
	return nil
}

func insertGig(t *testing.T, r repo.Repo, id string) {
	t.Helper()
	now := stamp(0)
	require.NoError(t, r.InsertGig(context.Background(), domain.Gig{
		ID: id, CompanyID: "acme", Title: "Logo", Budget: 1000, Currency: "INR",
		Status: "published", Version: 1, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestApplicationQuotaNeverOverflowsOrUnderflows(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertSubscription(ctx, domain.Subscription{
		UserID: "alice", Plan: "basic", Status: "active", MaxApplications: 2,
		EndDate: stamp(24 * time.Hour), UpdatedAt: stamp(0),
	}, false))

	reserve := func(tx *sql.Tx) error { return r.ReserveApplicationSlot(ctx, tx, "alice", stamp(0)) }
	require.NoError(t, inTx(t, r, reserve))
	require.NoError(t, inTx(t, r, reserve))
	assert.ErrorIs(t, inTx(t, r, reserve), repo.ErrStale)

	s, err := r.GetSubscription(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, s.ApplicationsSubmitted)

	release := func(tx *sql.Tx) error { return r.ReleaseApplicationSlot(ctx, tx, "alice", stamp(0)) }
	for i := 0; i < 3; i++ {
		require.NoError(t, inTx(t, r, release))
	}
	s, err = r.GetSubscription(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, s.ApplicationsSubmitted)
}

func TestExpiredSubscriptionCannotReserve(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertSubscription(ctx, domain.Subscription{
		UserID: "alice", Plan: "basic", Status: "active", MaxApplications: -1,
		EndDate: stamp(-time.Hour), UpdatedAt: stamp(0),
	}, false))

	err := inTx(t, r, func(tx *sql.Tx) error { return r.ReserveApplicationSlot(ctx, tx, "alice", stamp(0)) })
	assert.ErrorIs(t, err, repo.ErrStale)
}

func TestWithdrawalHoldAndRelease(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		if err := r.EnsureWallet(ctx, tx, "alice", "INR", stamp(0)); err != nil {
			return err
		}
		return r.ApplyCredit(ctx, tx, "alice", 500, stamp(0))
	}))

	err := inTx(t, r, func(tx *sql.Tx) error { return r.HoldWithdrawal(ctx, tx, "alice", 600, stamp(0)) })
	assert.ErrorIs(t, err, repo.ErrStale)

	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.HoldWithdrawal(ctx, tx, "alice", 200, stamp(0)) }))
	w, err := r.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(300), w.Balance)
	assert.Equal(t, int64(200), w.PendingAmount)
	assert.Equal(t, w.TotalEarned-w.TotalWithdrawn, w.Balance)

	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.ReleaseWithdrawal(ctx, tx, "alice", 200, stamp(0)) }))
	w, err = r.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)
	assert.Zero(t, w.PendingAmount)
	assert.Zero(t, w.TotalWithdrawn)
}

func TestUpsertConversationKeepsOneThread(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertGig(t, r, "g1")

	upsert := func(id, status, phase string) domain.Conversation {
		var c domain.Conversation
		require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
			var err error
			c, err = r.UpsertConversation(ctx, tx, domain.Conversation{
				ID: id, GigID: "g1", CompanyID: "acme", FreelancerID: "alice",
				Status: status, Phase: phase, OriginalBudget: 1000,
				CreatedAt: stamp(0), UpdatedAt: stamp(0),
			})
			return err
		}))
		return c
	}

	first := upsert("c1", "negotiating", domain.PhaseNegotiating)
	second := upsert("c2", "active", domain.PhaseActive)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "active", second.Status)

	_, err := r.DB.ExecContext(ctx, `UPDATE conversations SET status='blocked' WHERE id=?`, first.ID)
	require.NoError(t, err)
	third := upsert("c3", "active", domain.PhaseDelivery)
	assert.Equal(t, "blocked", third.Status)

	n, err := r.CountConversations(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSelectFreelancerOnlyOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertGig(t, r, "g1")

	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.SelectFreelancer(ctx, tx, "g1", "alice", stamp(0)) }))
	err := inTx(t, r, func(tx *sql.Tx) error { return r.SelectFreelancer(ctx, tx, "g1", "bob", stamp(0)) })
	assert.ErrorIs(t, err, repo.ErrStale)

	g, err := r.GetGig(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, g.SelectedFreelancer)
	assert.Equal(t, "alice", *g.SelectedFreelancer)
	assert.Equal(t, "in_progress", g.Status)
}
