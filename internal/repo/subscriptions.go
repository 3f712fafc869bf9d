package repo

import (
	"context"
	"database/sql"

	"gigline/internal/domain"
)

func (r Repo) UpsertSubscription(ctx context.Context, s domain.Subscription, resetUsage bool) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO subscriptions(user_id,plan,status,max_applications,applications_submitted,end_date,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET
  plan=excluded.plan,
  status=excluded.status,
  max_applications=excluded.max_applications,
  applications_submitted=CASE WHEN ? THEN 0 ELSE subscriptions.applications_submitted END,
  end_date=excluded.end_date,
  updated_at=excluded.updated_at`,
		s.UserID, s.Plan, s.Status, s.MaxApplications, s.ApplicationsSubmitted, s.EndDate, s.UpdatedAt, resetUsage)
	return err
}

func (r Repo) GetSubscription(ctx context.Context, userID string) (domain.Subscription, error) {
	return getSubscription(ctx, r.DB, userID)
}

func (r Repo) GetSubscriptionTx(ctx context.Context, tx *sql.Tx, userID string) (domain.Subscription, error) {
	return getSubscription(ctx, tx, userID)
}

func getSubscription(ctx context.Context, q queryer, userID string) (domain.Subscription, error) {
	var s domain.Subscription
	err := q.QueryRowContext(ctx, `SELECT user_id,plan,status,max_applications,applications_submitted,end_date,updated_at FROM subscriptions WHERE user_id=?`, userID).
		Scan(&s.UserID, &s.Plan, &s.Status, &s.MaxApplications, &s.ApplicationsSubmitted, &s.EndDate, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// ReserveApplicationSlot consumes one unit of quota. ErrStale means the
// subscription is inactive, expired or exhausted at write time.
func (r Repo) ReserveApplicationSlot(ctx context.Context, tx *sql.Tx, userID, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE subscriptions SET applications_submitted=applications_submitted+1, updated_at=?
WHERE user_id=? AND status='active' AND end_date>?
  AND (max_applications=-1 OR applications_submitted<max_applications)`,
		now, userID, now))
}

// ReleaseApplicationSlot returns one unit of quota; the counter never drops below zero.
func (r Repo) ReleaseApplicationSlot(ctx context.Context, tx *sql.Tx, userID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE subscriptions SET applications_submitted=applications_submitted-1, updated_at=? WHERE user_id=? AND applications_submitted>0`, now, userID)
	return err
}
