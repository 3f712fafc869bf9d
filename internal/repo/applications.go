package repo

import (
	"context"
	"database/sql"

	"gigline/internal/domain"
)

const applicationColumns = `id,gig_id,freelancer_id,status,COALESCE(cover_letter,''),proposed_budget,total_iterations,used_iterations,
final_agreed_budget,escrow_order_id,escrow_order_amount,payment_id,rejection_reason,applied_at,negotiation_started_at,
accepted_at,rejected_at,completed_at,version,updated_at`

func scanApplication(row rowScanner) (domain.Application, error) {
	var a domain.Application
	var proposed, final, orderAmount sql.NullInt64
	var orderID, paymentID, reason, negStarted, accepted, rejected, completed sql.NullString
	err := row.Scan(&a.ID, &a.GigID, &a.FreelancerID, &a.Status, &a.CoverLetter, &proposed, &a.TotalIterations, &a.UsedIterations,
		&final, &orderID, &orderAmount, &paymentID, &reason, &a.AppliedAt, &negStarted,
		&accepted, &rejected, &completed, &a.Version, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ProposedBudget = int64Ptr(proposed)
	a.FinalAgreedBudget = int64Ptr(final)
	a.EscrowOrderID = stringPtr(orderID)
	a.EscrowOrderAmount = int64Ptr(orderAmount)
	a.PaymentID = stringPtr(paymentID)
	a.RejectionReason = stringPtr(reason)
	a.NegotiationStartedAt = stringPtr(negStarted)
	a.AcceptedAt = stringPtr(accepted)
	a.RejectedAt = stringPtr(rejected)
	a.CompletedAt = stringPtr(completed)
	a.RemainingIterations = a.Remaining()
	return a, nil
}

func (r Repo) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(id,gig_id,freelancer_id,status,cover_letter,proposed_budget,total_iterations,used_iterations,applied_at,version,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.GigID, a.FreelancerID, a.Status, nullable(a.CoverLetter), nullableInt64Ptr(a.ProposedBudget), a.TotalIterations, a.UsedIterations, a.AppliedAt, a.Version, a.UpdatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id))
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id))
}

func (r Repo) FindApplication(ctx context.Context, gigID, freelancerID string) (domain.Application, error) {
	return findApplication(ctx, r.DB, gigID, freelancerID)
}

func (r Repo) FindApplicationTx(ctx context.Context, tx *sql.Tx, gigID, freelancerID string) (domain.Application, error) {
	return findApplication(ctx, tx, gigID, freelancerID)
}

func findApplication(ctx context.Context, q queryer, gigID, freelancerID string) (domain.Application, error) {
	return scanApplication(q.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE gig_id=? AND freelancer_id=?`, gigID, freelancerID))
}

func (r Repo) ListApplications(ctx context.Context, gigID string) ([]domain.Application, error) {
	return r.queryApplications(ctx, `SELECT `+applicationColumns+` FROM applications WHERE gig_id=? ORDER BY applied_at, id`, gigID)
}

func (r Repo) ListFreelancerApplications(ctx context.Context, freelancerID string) ([]domain.Application, error) {
	return r.queryApplications(ctx, `SELECT `+applicationColumns+` FROM applications WHERE freelancer_id=? ORDER BY applied_at DESC, id`, freelancerID)
}

func (r Repo) queryApplications(ctx context.Context, query string, args ...any) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAccepted reports how many applications on gig are accepted.
func (r Repo) CountAccepted(ctx context.Context, gigID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM applications WHERE gig_id=? AND status='accepted'`, gigID).Scan(&n)
	return n, err
}

func (r Repo) StartNegotiation(ctx context.Context, tx *sql.Tx, id string, version int, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE applications SET status='negotiating', negotiation_started_at=?, version=version+1, updated_at=?
WHERE id=? AND version=? AND status='pending'`,
		now, now, id, version))
}

func (r Repo) SetFinalAgreedBudget(ctx context.Context, tx *sql.Tx, id string, version int, budget int64, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE applications SET final_agreed_budget=?, version=version+1, updated_at=?
WHERE id=? AND version=? AND status IN ('pending','negotiating')`,
		budget, now, id, version))
}

func (r Repo) SetEscrowOrder(ctx context.Context, tx *sql.Tx, id string, version int, orderID string, amount int64, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE applications SET escrow_order_id=?, escrow_order_amount=?, version=version+1, updated_at=?
WHERE id=? AND version=? AND status IN ('pending','negotiating')`,
		orderID, amount, now, id, version))
}

// MarkAccepted is the compare-and-swap that makes an application the winner.
func (r Repo) MarkAccepted(ctx context.Context, tx *sql.Tx, id string, version int, paymentID string, agreed int64, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE applications SET status='accepted', payment_id=?, final_agreed_budget=?, accepted_at=?, version=version+1, updated_at=?
WHERE id=? AND version=? AND status IN ('pending','negotiating')`,
		paymentID, agreed, now, now, id, version))
}

func (r Repo) MarkRejected(ctx context.Context, tx *sql.Tx, id string, version int, reason, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE applications SET status='rejected', rejection_reason=?, rejected_at=?, version=version+1, updated_at=?
WHERE id=? AND version=? AND status IN ('pending','negotiating')`,
		nullable(reason), now, now, id, version))
}

// RejectOthers rejects every application on gig other than exceptID whose
// status is one of statuses, returning the rejected rows.
func (r Repo) RejectOthers(ctx context.Context, tx *sql.Tx, gigID, exceptID string, statuses []string, reason, now string) ([]domain.Application, error) {
	args := []any{gigID, exceptID}
	args = append(args, stringArgs(statuses)...)
	rows, err := tx.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE gig_id=? AND id<>? AND status IN (`+placeholders(len(statuses))+`)`, args...)
	if err != nil {
		return nil, err
	}
	var victims []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		victims = append(victims, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(victims) == 0 {
		return nil, nil
	}
	upd := []any{nullable(reason), now, now, gigID, exceptID}
	upd = append(upd, stringArgs(statuses)...)
	if _, err := tx.ExecContext(ctx, `
UPDATE applications SET status='rejected', rejection_reason=?, rejected_at=?, version=version+1, updated_at=?
WHERE gig_id=? AND id<>? AND status IN (`+placeholders(len(statuses))+`)`, upd...); err != nil {
		return nil, err
	}
	for i := range victims {
		victims[i].Status = domain.ApplicationRejected
	}
	return victims, nil
}

func (r Repo) DeleteApplication(ctx context.Context, tx *sql.Tx, id string, version int) error {
	return expectOne(tx.ExecContext(ctx, `DELETE FROM applications WHERE id=? AND version=? AND status IN ('pending','rejected')`, id, version))
}

// ConsumeIteration spends one revision. ErrStale means none remain.
func (r Repo) ConsumeIteration(ctx context.Context, tx *sql.Tx, id, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE applications SET used_iterations=used_iterations+1, version=version+1, updated_at=?
WHERE id=? AND status='accepted' AND used_iterations<total_iterations`,
		now, id))
}

func (r Repo) MarkApplicationCompleted(ctx context.Context, tx *sql.Tx, id, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE applications SET completed_at=?, version=version+1, updated_at=?
WHERE id=? AND status='accepted' AND completed_at IS NULL`,
		now, now, id))
}

func (r Repo) InsertNegotiationEvent(ctx context.Context, tx *sql.Tx, ev domain.NegotiationEvent) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO negotiation_events(application_id,proposer,amount,timeline_days,message,outcome,created_at) VALUES (?,?,?,?,?,?,?)`,
		ev.ApplicationID, ev.Proposer, ev.Amount, nullableIntPtr(ev.TimelineDays), nullable(ev.Message), ev.Outcome, ev.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CloseOpenProposals marks the currently open proposal with outcome.
func (r Repo) CloseOpenProposals(ctx context.Context, tx *sql.Tx, applicationID, outcome string) error {
	_, err := tx.ExecContext(ctx, `UPDATE negotiation_events SET outcome=? WHERE application_id=? AND outcome='open'`, outcome, applicationID)
	return err
}

// LatestOpenProposal returns the newest offer still awaiting an answer.
func (r Repo) LatestOpenProposal(ctx context.Context, applicationID string) (domain.NegotiationEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,proposer,amount,timeline_days,COALESCE(message,''),outcome,created_at FROM negotiation_events WHERE application_id=? AND outcome='open' ORDER BY id DESC LIMIT 1`, applicationID)
	if err != nil {
		return domain.NegotiationEvent{}, err
	}
	defer rows.Close()
	events, err := scanNegotiationEvents(rows)
	if err != nil {
		return domain.NegotiationEvent{}, err
	}
	if len(events) == 0 {
		return domain.NegotiationEvent{}, ErrNotFound
	}
	return events[0], nil
}

func (r Repo) ListNegotiationEvents(ctx context.Context, applicationID string) ([]domain.NegotiationEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,proposer,amount,timeline_days,COALESCE(message,''),outcome,created_at FROM negotiation_events WHERE application_id=? ORDER BY id`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNegotiationEvents(rows)
}

func scanNegotiationEvents(rows *sql.Rows) ([]domain.NegotiationEvent, error) {
	var res []domain.NegotiationEvent
	for rows.Next() {
		var ev domain.NegotiationEvent
		var timeline sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.ApplicationID, &ev.Proposer, &ev.Amount, &timeline, &ev.Message, &ev.Outcome, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if timeline.Valid {
			d := int(timeline.Int64)
			ev.TimelineDays = &d
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
