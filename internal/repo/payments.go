package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gigline/internal/domain"
)

const paymentColumns = `id,type,payer_id,payee_id,gig_id,application_id,project_id,amount,currency,status,
provider_order_id,provider_payment_id,provider_signature,metadata_json,payout_json,note,created_at,updated_at`

func scanPayment(row rowScanner) (domain.Payment, error) {
	var p domain.Payment
	var gigID, appID, projectID, orderID, paymentID, signature, metadata, payout, note sql.NullString
	err := row.Scan(&p.ID, &p.Type, &p.PayerID, &p.PayeeID, &gigID, &appID, &projectID, &p.Amount, &p.Currency, &p.Status,
		&orderID, &paymentID, &signature, &metadata, &payout, &note, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.GigID = stringPtr(gigID)
	p.ApplicationID = stringPtr(appID)
	p.ProjectID = stringPtr(projectID)
	p.ProviderOrderID = stringPtr(orderID)
	p.ProviderPaymentID = stringPtr(paymentID)
	p.ProviderSignature = stringPtr(signature)
	p.Note = stringPtr(note)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			return p, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	if payout.Valid && payout.String != "" {
		var d domain.PayoutDetails
		if err := json.Unmarshal([]byte(payout.String), &d); err != nil {
			return p, fmt.Errorf("decode payout details: %w", err)
		}
		p.Payout = &d
	}
	return p, nil
}

func (r Repo) InsertPayment(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	var metadata, payout any
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	if p.Payout != nil {
		b, err := json.Marshal(p.Payout)
		if err != nil {
			return err
		}
		payout = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO payments(`+paymentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Type, p.PayerID, p.PayeeID, nullableStringPtr(p.GigID), nullableStringPtr(p.ApplicationID), nullableStringPtr(p.ProjectID),
		p.Amount, p.Currency, p.Status, nullableStringPtr(p.ProviderOrderID), nullableStringPtr(p.ProviderPaymentID), nullableStringPtr(p.ProviderSignature),
		metadata, payout, nullableStringPtr(p.Note), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	return scanPayment(r.DB.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id))
}

func (r Repo) GetPaymentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Payment, error) {
	return scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id))
}

func (r Repo) GetPaymentByProviderPaymentTx(ctx context.Context, tx *sql.Tx, providerPaymentID string) (domain.Payment, error) {
	return scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_payment_id=?`, providerPaymentID))
}

// UpdatePaymentStatus moves a payment from -> to. ErrStale means the payment
// was no longer in from.
func (r Repo) UpdatePaymentStatus(ctx context.Context, tx *sql.Tx, id, from, to string, note *string, now string) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE payments SET status=?, note=COALESCE(?,note), updated_at=? WHERE id=? AND status=?`,
		to, nullableStringPtr(note), now, id, from))
}

func (r Repo) InsertPaymentStatusChange(ctx context.Context, tx *sql.Tx, c domain.PaymentStatusChange) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payment_status_history(payment_id,from_status,to_status,actor_id,note,at) VALUES (?,?,?,?,?,?)`,
		c.PaymentID, nullable(c.From), c.To, c.ActorID, nullable(c.Note), c.At)
	return err
}

func (r Repo) ListPaymentHistory(ctx context.Context, paymentID string) ([]domain.PaymentStatusChange, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,payment_id,COALESCE(from_status,''),to_status,actor_id,COALESCE(note,''),at FROM payment_status_history WHERE payment_id=? ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentStatusChange
	for rows.Next() {
		var c domain.PaymentStatusChange
		if err := rows.Scan(&c.ID, &c.PaymentID, &c.From, &c.To, &c.ActorID, &c.Note, &c.At); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountWithdrawalsSince counts withdrawal requests by freelancer created at
// or after since, whatever their current status.
func (r Repo) CountWithdrawalsSince(ctx context.Context, tx *sql.Tx, freelancerID, since string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE type='withdrawal' AND payee_id=? AND created_at>=?`, freelancerID, since).Scan(&n)
	return n, err
}

func (r Repo) CountPayments(ctx context.Context, paymentType, applicationID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE type=? AND (?='' OR application_id=?)`, paymentType, applicationID, applicationID).Scan(&n)
	return n, err
}

func (r Repo) ListPayments(ctx context.Context, paymentType, status, payeeID string, limit int) ([]domain.Payment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE (?='' OR type=?) AND (?='' OR status=?) AND (?='' OR payee_id=?)
ORDER BY created_at DESC, id LIMIT ?`, paymentType, paymentType, status, status, payeeID, payeeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
