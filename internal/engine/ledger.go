package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gigline/internal/apperr"
	"gigline/internal/domain"
	"gigline/internal/engine/auth"
	"gigline/internal/events"
	"gigline/internal/metrics"
	"gigline/internal/notify"
	"gigline/internal/repo"
)

const platformAccount = "platform"

const (
	WithdrawalApprove = "approve"
	WithdrawalReject  = "reject"
)

// credit adds amount to the wallet once per sourceRef. It reports whether the
// credit was applied.
func (e Engine) credit(ctx context.Context, tx *sql.Tx, freelancerID string, amount int64, sourceRef, currency string) (bool, error) {
	now := e.stamp()
	if currency == "" {
		currency = e.Config.Payments.Currency
	}
	if err := e.Repo.EnsureWallet(ctx, tx, freelancerID, currency, now); err != nil {
		return false, fmt.Errorf("ensure wallet: %w", err)
	}
	seen, err := e.Repo.HasWalletTransaction(ctx, tx, freelancerID, "credit", sourceRef)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	if err := e.Repo.ApplyCredit(ctx, tx, freelancerID, amount, now); err != nil {
		return false, err
	}
	w, err := e.Repo.GetWalletTx(ctx, tx, freelancerID)
	if err != nil {
		return false, err
	}
	if err := e.Repo.InsertWalletTransaction(ctx, tx, domain.WalletTransaction{
		FreelancerID: freelancerID,
		Type:         "credit",
		Amount:       amount,
		BalanceAfter: w.Balance,
		SourceRef:    sourceRef,
		CreatedAt:    now,
	}); err != nil {
		return false, err
	}
	metrics.LedgerAmount.WithLabelValues("credit").Add(float64(amount))
	return true, nil
}

// Credit adds earnings to a freelancer's wallet. Repeating a sourceRef is a no-op.
func (e Engine) Credit(ctx context.Context, freelancerID string, amount int64, sourceRef string) (domain.Wallet, error) {
	if strings.TrimSpace(freelancerID) == "" {
		return domain.Wallet{}, apperr.Validation("freelancer_id is required")
	}
	if err := requireAmount(amount, "amount"); err != nil {
		return domain.Wallet{}, err
	}
	if strings.TrimSpace(sourceRef) == "" {
		return domain.Wallet{}, apperr.Validation("source_ref is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Wallet{}, err
	}
	defer tx.Rollback()
	if _, err := e.credit(ctx, tx, freelancerID, amount, sourceRef, ""); err != nil {
		return domain.Wallet{}, err
	}
	w, err := e.Repo.GetWalletTx(ctx, tx, freelancerID)
	if err != nil {
		return domain.Wallet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wallet{}, err
	}
	return w, nil
}

func validatePayout(p domain.PayoutDetails) error {
	switch p.Method {
	case "bank":
		if strings.TrimSpace(p.AccountHolder) == "" || strings.TrimSpace(p.AccountNumber) == "" || strings.TrimSpace(p.IFSC) == "" {
			return apperr.Validation("bank payout requires account_holder, account_number and ifsc")
		}
	case "upi":
		if strings.TrimSpace(p.UPIID) == "" {
			return apperr.Validation("upi payout requires upi_id")
		}
	default:
		return apperr.Validation("payout method must be bank or upi")
	}
	return nil
}

type WithdrawalInput struct {
	Amount int64
	Payout domain.PayoutDetails
}

// RequestWithdrawal holds amount out of the balance and opens a pending
// withdrawal. The window count and the balance check share the write
// transaction so concurrent requests cannot both pass.
func (e Engine) RequestWithdrawal(ctx context.Context, actor auth.Actor, in WithdrawalInput) (domain.Payment, error) {
	if err := auth.Require(actor, domain.RoleFreelancer); err != nil {
		return domain.Payment{}, err
	}
	minimum := e.Config.Ledger.MinimumWithdrawal
	if in.Amount < minimum {
		return domain.Payment{}, apperr.Validation(fmt.Sprintf("minimum withdrawal is %d", minimum)).
			WithDetails(map[string]any{"minimum": minimum})
	}
	if err := validatePayout(in.Payout); err != nil {
		return domain.Payment{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	stamp := now.Format(time.RFC3339)
	since := now.Add(-e.Config.Ledger.WithdrawalWindow()).Format(time.RFC3339)
	recent, err := e.Repo.CountWithdrawalsSince(ctx, tx, actor.ID, since)
	if err != nil {
		return domain.Payment{}, err
	}
	if recent >= e.Config.Ledger.MaxWithdrawalsPerWindow {
		metrics.RateLimited.WithLabelValues("withdrawal").Inc()
		return domain.Payment{}, apperr.RateLimited(fmt.Sprintf("at most %d withdrawals per %dh",
			e.Config.Ledger.MaxWithdrawalsPerWindow, e.Config.Ledger.WithdrawalWindowHours))
	}

	if err := e.Repo.EnsureWallet(ctx, tx, actor.ID, e.Config.Payments.Currency, stamp); err != nil {
		return domain.Payment{}, err
	}
	w, err := e.Repo.GetWalletTx(ctx, tx, actor.ID)
	if err != nil {
		return domain.Payment{}, err
	}
	if in.Amount > w.Balance {
		return domain.Payment{}, apperr.Conflict("insufficient_balance", "withdrawal exceeds wallet balance").
			WithDetails(map[string]any{"balance": w.Balance})
	}
	if err := e.Repo.HoldWithdrawal(ctx, tx, actor.ID, in.Amount, stamp); err != nil {
		return domain.Payment{}, stale(err, "insufficient_balance", "withdrawal exceeds wallet balance")
	}

	payout := in.Payout
	p := domain.Payment{
		ID:        uuid.NewString(),
		Type:      domain.PaymentWithdrawal,
		PayerID:   platformAccount,
		PayeeID:   actor.ID,
		Amount:    in.Amount,
		Currency:  w.Currency,
		Status:    domain.PaymentPending,
		Payout:    &payout,
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
	if err := e.insertPayment(ctx, tx, p, actor.ID, "withdrawal requested"); err != nil {
		return domain.Payment{}, err
	}
	if err := e.Repo.InsertWalletTransaction(ctx, tx, domain.WalletTransaction{
		FreelancerID: actor.ID,
		Type:         "withdrawal",
		Amount:       -in.Amount,
		BalanceAfter: w.Balance - in.Amount,
		SourceRef:    p.ID,
		CreatedAt:    stamp,
	}); err != nil {
		return domain.Payment{}, err
	}
	if err := e.appendEvent(ctx, tx, "withdrawal.requested", "", "payment", p.ID, actor, events.Payload{"amount": in.Amount, "method": payout.Method}); err != nil {
		return domain.Payment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payment{}, err
	}
	metrics.LedgerAmount.WithLabelValues("withdrawal_hold").Add(float64(in.Amount))
	e.flush(ctx, []notice{{actor.ID, notify.KindWithdrawalRequested, map[string]any{"payment_id": p.ID, "amount": p.Amount}}})
	e.logger().Info("withdrawal requested", zap.String("payment_id", p.ID), zap.String("freelancer_id", actor.ID), zap.Int64("amount", in.Amount))
	return p, nil
}

func (e Engine) loadWithdrawal(ctx context.Context, tx *sql.Tx, id string) (domain.Payment, error) {
	p, err := e.Repo.GetPaymentTx(ctx, tx, id)
	if err != nil {
		return domain.Payment{}, notFound(err, "withdrawal")
	}
	if p.Type != domain.PaymentWithdrawal {
		return domain.Payment{}, apperr.NotFound("withdrawal")
	}
	return p, nil
}

// ResolveWithdrawal approves (pending -> processing) or rejects (pending ->
// rejected, amount restored) a withdrawal. Repeating the outcome already
// recorded returns the payment unchanged.
func (e Engine) ResolveWithdrawal(ctx context.Context, actor auth.Actor, id, outcome string, note *string) (domain.Payment, error) {
	if err := auth.Require(actor, domain.RoleAdmin); err != nil {
		return domain.Payment{}, err
	}
	if outcome != WithdrawalApprove && outcome != WithdrawalReject {
		return domain.Payment{}, apperr.Validation("outcome must be approve or reject")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	defer tx.Rollback()
	p, err := e.loadWithdrawal(ctx, tx, id)
	if err != nil {
		return domain.Payment{}, err
	}

	switch {
	case outcome == WithdrawalApprove && (p.Status == domain.PaymentProcessing || p.Status == domain.PaymentCompleted):
		return p, nil
	case outcome == WithdrawalReject && p.Status == domain.PaymentRejected:
		return p, nil
	case p.Status != domain.PaymentPending:
		return domain.Payment{}, apperr.Conflict("withdrawal_already_resolved", fmt.Sprintf("withdrawal is already %s", p.Status))
	}

	now := e.stamp()
	target := domain.PaymentProcessing
	if outcome == WithdrawalReject {
		target = domain.PaymentRejected
	}
	if err := e.transitionPayment(ctx, tx, &p, target, actor.ID, note); err != nil {
		return domain.Payment{}, err
	}
	if outcome == WithdrawalReject {
		if err := e.Repo.ReleaseWithdrawal(ctx, tx, p.PayeeID, p.Amount, now); err != nil {
			return domain.Payment{}, fmt.Errorf("restore balance: %w", err)
		}
		w, err := e.Repo.GetWalletTx(ctx, tx, p.PayeeID)
		if err != nil {
			return domain.Payment{}, err
		}
		if err := e.Repo.InsertWalletTransaction(ctx, tx, domain.WalletTransaction{
			FreelancerID: p.PayeeID,
			Type:         "withdrawal_reversal",
			Amount:       p.Amount,
			BalanceAfter: w.Balance,
			SourceRef:    p.ID,
			CreatedAt:    now,
		}); err != nil {
			return domain.Payment{}, err
		}
	}
	if err := e.appendEvent(ctx, tx, "withdrawal.resolved", "", "payment", p.ID, actor, events.Payload{"outcome": outcome, "status": p.Status}); err != nil {
		return domain.Payment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payment{}, err
	}
	if outcome == WithdrawalReject {
		metrics.LedgerAmount.WithLabelValues("withdrawal_reversal").Add(float64(p.Amount))
	}
	e.flush(ctx, []notice{{p.PayeeID, notify.KindWithdrawalResolved, map[string]any{"payment_id": p.ID, "status": p.Status}}})
	return p, nil
}

// CompleteWithdrawal settles a processing withdrawal once funds left the platform.
func (e Engine) CompleteWithdrawal(ctx context.Context, actor auth.Actor, id string, note *string) (domain.Payment, error) {
	if err := auth.Require(actor, domain.RoleAdmin); err != nil {
		return domain.Payment{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	defer tx.Rollback()
	p, err := e.loadWithdrawal(ctx, tx, id)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.Status == domain.PaymentCompleted {
		return p, nil
	}
	if p.Status != domain.PaymentProcessing {
		return domain.Payment{}, apperr.Conflict("withdrawal_not_processing", fmt.Sprintf("withdrawal is %s, expected processing", p.Status))
	}
	if err := e.transitionPayment(ctx, tx, &p, domain.PaymentCompleted, actor.ID, note); err != nil {
		return domain.Payment{}, err
	}
	if err := e.Repo.SettleWithdrawal(ctx, tx, p.PayeeID, p.Amount, e.stamp()); err != nil {
		return domain.Payment{}, fmt.Errorf("settle withdrawal: %w", err)
	}
	if err := e.appendEvent(ctx, tx, "withdrawal.completed", "", "payment", p.ID, actor, nil); err != nil {
		return domain.Payment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payment{}, err
	}
	metrics.LedgerAmount.WithLabelValues("withdrawal_paid").Add(float64(p.Amount))
	e.flush(ctx, []notice{{p.PayeeID, notify.KindWithdrawalResolved, map[string]any{"payment_id": p.ID, "status": p.Status}}})
	return p, nil
}

type WalletView struct {
	Wallet       domain.Wallet              `json:"wallet"`
	Transactions []domain.WalletTransaction `json:"transactions"`
}

// GetWallet returns the wallet and its recent transactions. A freelancer
// without earnings gets an empty wallet.
func (e Engine) GetWallet(ctx context.Context, actor auth.Actor, freelancerID string, limit int) (WalletView, error) {
	if freelancerID == "" {
		freelancerID = actor.ID
	}
	if actor.Role != domain.RoleAdmin && actor.ID != freelancerID {
		return WalletView{}, apperr.Forbidden("wallet belongs to another freelancer")
	}
	if limit <= 0 {
		limit = 50
	}
	w, err := e.Repo.GetWallet(ctx, freelancerID)
	if errors.Is(err, repo.ErrNotFound) {
		return WalletView{
			Wallet:       domain.Wallet{FreelancerID: freelancerID, Currency: e.Config.Payments.Currency},
			Transactions: []domain.WalletTransaction{},
		}, nil
	}
	if err != nil {
		return WalletView{}, err
	}
	txs, err := e.Repo.ListWalletTransactions(ctx, freelancerID, limit)
	if err != nil {
		return WalletView{}, err
	}
	if txs == nil {
		txs = []domain.WalletTransaction{}
	}
	return WalletView{Wallet: w, Transactions: txs}, nil
}

// ListWithdrawals lists withdrawals. Freelancers only ever see their own.
func (e Engine) ListWithdrawals(ctx context.Context, actor auth.Actor, status, payeeID string, limit int) ([]domain.Payment, error) {
	if err := auth.Require(actor, domain.RoleAdmin, domain.RoleFreelancer); err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleFreelancer {
		payeeID = actor.ID
	}
	if limit <= 0 {
		limit = 100
	}
	return e.Repo.ListPayments(ctx, domain.PaymentWithdrawal, status, payeeID, limit)
}
