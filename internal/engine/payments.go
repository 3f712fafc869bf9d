package engine

import (
	"context"
	"database/sql"

	"gigline/internal/apperr"
	"gigline/internal/domain"
	"gigline/internal/escrow"
	"gigline/internal/metrics"
)

// insertPayment writes p with its opening history row.
func (e Engine) insertPayment(ctx context.Context, tx *sql.Tx, p domain.Payment, actorID, note string) error {
	if err := e.Repo.InsertPayment(ctx, tx, p); err != nil {
		return stale(err, "payment_exists", "payment already recorded")
	}
	if err := e.Repo.InsertPaymentStatusChange(ctx, tx, domain.PaymentStatusChange{
		PaymentID: p.ID,
		To:        p.Status,
		ActorID:   actorID,
		Note:      note,
		At:        p.CreatedAt,
	}); err != nil {
		return err
	}
	metrics.PaymentTransitions.WithLabelValues(p.Type, p.Status).Inc()
	return nil
}

// transitionPayment moves p to status and appends history. p is updated in place.
func (e Engine) transitionPayment(ctx context.Context, tx *sql.Tx, p *domain.Payment, to, actorID string, note *string) error {
	if err := escrow.EnsureTransition(p.Status, to); err != nil {
		return err
	}
	now := e.stamp()
	if err := e.Repo.UpdatePaymentStatus(ctx, tx, p.ID, p.Status, to, note, now); err != nil {
		return stale(err, "stale_payment", "payment changed concurrently")
	}
	change := domain.PaymentStatusChange{
		PaymentID: p.ID,
		From:      p.Status,
		To:        to,
		ActorID:   actorID,
		At:        now,
	}
	if note != nil {
		change.Note = *note
		p.Note = note
	}
	if err := e.Repo.InsertPaymentStatusChange(ctx, tx, change); err != nil {
		return err
	}
	p.Status = to
	p.UpdatedAt = now
	metrics.PaymentTransitions.WithLabelValues(p.Type, to).Inc()
	return nil
}

// GetPayment returns a payment with its status history.
func (e Engine) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	p, err := e.Repo.GetPayment(ctx, id)
	if err != nil {
		return domain.Payment{}, notFound(err, "payment")
	}
	history, err := e.Repo.ListPaymentHistory(ctx, id)
	if err != nil {
		return domain.Payment{}, err
	}
	p.StatusHistory = history
	return p, nil
}

func requireAmount(amount int64, field string) error {
	if amount <= 0 {
		return apperr.Validation(field + " must be positive")
	}
	return nil
}
