package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigline/internal/apperr"
	"gigline/internal/domain"
	"gigline/internal/engine"
)

var upi = domain.PayoutDetails{Method: "upi", UPIID: "alice@bank"}

func (env testEnv) wallet(t *testing.T, freelancerID string) domain.Wallet {
	t.Helper()
	view, err := env.Engine.GetWallet(env.Ctx, admin, freelancerID, 0)
	require.NoError(t, err)
	w := view.Wallet
	assert.Equal(t, w.TotalEarned-w.TotalWithdrawn, w.Balance, "balance must equal earned minus withdrawn")
	assert.LessOrEqual(t, w.PendingAmount, w.TotalWithdrawn)
	assert.GreaterOrEqual(t, w.Balance, int64(0))
	return w
}

func (env testEnv) withdraw(t *testing.T, amount int64) domain.Payment {
	t.Helper()
	p, err := env.Engine.RequestWithdrawal(env.Ctx, alice, engine.WithdrawalInput{Amount: amount, Payout: upi})
	require.NoError(t, err)
	return p
}

func TestCreditIsIdempotentPerSource(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.Credit(env.Ctx, alice.ID, 500, "project:p1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)

	w, err = env.Engine.Credit(env.Ctx, alice.ID, 500, "project:p1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)

	_, err = env.Engine.Credit(env.Ctx, alice.ID, 250, "project:p2")
	require.NoError(t, err)
	w = env.wallet(t, alice.ID)
	assert.Equal(t, int64(750), w.TotalEarned)

	_, err = env.Engine.Credit(env.Ctx, alice.ID, 0, "project:p3")
	assertKind(t, err, apperr.KindValidation)
}

func TestWithdrawalAboveBalanceConflicts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Credit(env.Ctx, alice.ID, 500, "project:p1")
	require.NoError(t, err)

	_, err = env.Engine.RequestWithdrawal(env.Ctx, alice, engine.WithdrawalInput{Amount: 600, Payout: upi})
	assertKind(t, err, apperr.KindConflict)
	assertCode(t, err, "insufficient_balance")

	n, err := env.Engine.Repo.CountPayments(env.Ctx, domain.PaymentWithdrawal, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(500), env.wallet(t, alice.ID).Balance)
}

func TestWithdrawalRateLimit(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Credit(env.Ctx, alice.ID, 1000, "project:p1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env.withdraw(t, 100)
	}
	_, err = env.Engine.RequestWithdrawal(env.Ctx, alice, engine.WithdrawalInput{Amount: 100, Payout: upi})
	assertKind(t, err, apperr.KindRateLimited)

	w := env.wallet(t, alice.ID)
	assert.Equal(t, int64(700), w.Balance)
	assert.Equal(t, int64(300), w.PendingAmount)
}

func TestWithdrawalValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Credit(env.Ctx, alice.ID, 1000, "project:p1")
	require.NoError(t, err)

	_, err = env.Engine.RequestWithdrawal(env.Ctx, alice, engine.WithdrawalInput{Amount: 50, Payout: upi})
	assertKind(t, err, apperr.KindValidation)
	_, err = env.Engine.RequestWithdrawal(env.Ctx, alice, engine.WithdrawalInput{Amount: 200, Payout: domain.PayoutDetails{Method: "bank", AccountHolder: "Alice"}})
	assertKind(t, err, apperr.KindValidation)
	_, err = env.Engine.RequestWithdrawal(env.Ctx, alice, engine.WithdrawalInput{Amount: 200, Payout: domain.PayoutDetails{Method: "cash"}})
	assertKind(t, err, apperr.KindValidation)
	_, err = env.Engine.RequestWithdrawal(env.Ctx, company, engine.WithdrawalInput{Amount: 200, Payout: upi})
	assertKind(t, err, apperr.KindForbidden)

	p, err := env.Engine.RequestWithdrawal(env.Ctx, alice, engine.WithdrawalInput{Amount: 200, Payout: domain.PayoutDetails{
		Method: "bank", AccountHolder: "Alice", AccountNumber: "0001", IFSC: "BANK0001",
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.Equal(t, "platform", p.PayerID)
}

func TestRejectedWithdrawalRestoresBalance(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Credit(env.Ctx, alice.ID, 500, "project:p1")
	require.NoError(t, err)
	p := env.withdraw(t, 200)

	w := env.wallet(t, alice.ID)
	assert.Equal(t, int64(300), w.Balance)
	assert.Equal(t, int64(200), w.PendingAmount)

	_, err = env.Engine.ResolveWithdrawal(env.Ctx, alice, p.ID, engine.WithdrawalReject, nil)
	assertKind(t, err, apperr.KindForbidden)

	rejected, err := env.Engine.ResolveWithdrawal(env.Ctx, admin, p.ID, engine.WithdrawalReject, ptr("details mismatch"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRejected, rejected.Status)
	w = env.wallet(t, alice.ID)
	assert.Equal(t, int64(500), w.Balance)
	assert.Zero(t, w.PendingAmount)
	assert.Zero(t, w.TotalWithdrawn)

	again, err := env.Engine.ResolveWithdrawal(env.Ctx, admin, p.ID, engine.WithdrawalReject, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRejected, again.Status)
	assert.Equal(t, int64(500), env.wallet(t, alice.ID).Balance)

	_, err = env.Engine.ResolveWithdrawal(env.Ctx, admin, p.ID, engine.WithdrawalApprove, nil)
	assertCode(t, err, "withdrawal_already_resolved")
	_, err = env.Engine.CompleteWithdrawal(env.Ctx, admin, p.ID, nil)
	assertCode(t, err, "withdrawal_not_processing")

	view, err := env.Engine.GetWallet(env.Ctx, alice, "", 0)
	require.NoError(t, err)
	types := map[string]int{}
	for _, tx := range view.Transactions {
		types[tx.Type]++
	}
	assert.Equal(t, map[string]int{"credit": 1, "withdrawal": 1, "withdrawal_reversal": 1}, types)
}

func TestApprovedWithdrawalCompletes(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Credit(env.Ctx, alice.ID, 500, "project:p1")
	require.NoError(t, err)
	p := env.withdraw(t, 200)

	approved, err := env.Engine.ResolveWithdrawal(env.Ctx, admin, p.ID, engine.WithdrawalApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentProcessing, approved.Status)
	approved, err = env.Engine.ResolveWithdrawal(env.Ctx, admin, p.ID, engine.WithdrawalApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentProcessing, approved.Status)

	done, err := env.Engine.CompleteWithdrawal(env.Ctx, admin, p.ID, ptr("bank ref 42"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, done.Status)
	_, err = env.Engine.CompleteWithdrawal(env.Ctx, admin, p.ID, nil)
	require.NoError(t, err)

	w := env.wallet(t, alice.ID)
	assert.Equal(t, int64(300), w.Balance)
	assert.Equal(t, int64(200), w.TotalWithdrawn)
	assert.Zero(t, w.PendingAmount)

	full, err := env.Engine.GetPayment(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, full.StatusHistory, 3)
	assert.Equal(t, "bank ref 42", full.StatusHistory[2].Note)

	_, err = env.Engine.ResolveWithdrawal(env.Ctx, admin, p.ID, engine.WithdrawalReject, nil)
	assertCode(t, err, "withdrawal_already_resolved")
	assert.Equal(t, 2, env.Notifier.count(alice.ID, "withdrawal.resolved"))
}

func TestWalletAndWithdrawalVisibility(t *testing.T) {
	env := newTestEnv(t)
	view, err := env.Engine.GetWallet(env.Ctx, bob, "", 0)
	require.NoError(t, err)
	assert.Zero(t, view.Wallet.Balance)
	assert.Empty(t, view.Transactions)

	_, err = env.Engine.GetWallet(env.Ctx, alice, bob.ID, 0)
	assertKind(t, err, apperr.KindForbidden)

	_, err = env.Engine.Credit(env.Ctx, alice.ID, 500, "project:p1")
	require.NoError(t, err)
	env.withdraw(t, 100)

	mine, err := env.Engine.ListWithdrawals(env.Ctx, bob, "", alice.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, mine)
	all, err := env.Engine.ListWithdrawals(env.Ctx, admin, domain.PaymentPending, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	_, err = env.Engine.ListWithdrawals(env.Ctx, company, "", "", 0)
	assertKind(t, err, apperr.KindForbidden)
}
