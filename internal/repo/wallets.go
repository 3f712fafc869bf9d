package repo

import (
	"context"
	"database/sql"

	"gigline/internal/domain"
)

const walletColumns = `freelancer_id,currency,balance,total_earned,total_withdrawn,pending_amount,created_at,updated_at`

func scanWallet(row rowScanner) (domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.FreelancerID, &w.Currency, &w.Balance, &w.TotalEarned, &w.TotalWithdrawn, &w.PendingAmount, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

// EnsureWallet lazily creates an empty wallet.
func (r Repo) EnsureWallet(ctx context.Context, tx *sql.Tx, freelancerID, currency, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO wallets(freelancer_id,currency,created_at,updated_at) VALUES (?,?,?,?) ON CONFLICT(freelancer_id) DO NOTHING`,
		freelancerID, currency, now, now)
	return err
}

func (r Repo) GetWallet(ctx context.Context, freelancerID string) (domain.Wallet, error) {
	return scanWallet(r.DB.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE freelancer_id=?`, freelancerID))
}

func (r Repo) GetWalletTx(ctx context.Context, tx *sql.Tx, freelancerID string) (domain.Wallet, error) {
	return scanWallet(tx.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE freelancer_id=?`, freelancerID))
}

func (r Repo) ApplyCredit(ctx context.Context, tx *sql.Tx, freelancerID string, amount int64, now string) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE wallets SET balance=balance+?, total_earned=total_earned+?, updated_at=? WHERE freelancer_id=?`,
		amount, amount, now, freelancerID))
}

// HoldWithdrawal moves amount out of balance into the pending bucket.
// ErrStale means the balance does not cover amount.
func (r Repo) HoldWithdrawal(ctx context.Context, tx *sql.Tx, freelancerID string, amount int64, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE wallets SET balance=balance-?, total_withdrawn=total_withdrawn+?, pending_amount=pending_amount+?, updated_at=?
WHERE freelancer_id=? AND balance>=?`,
		amount, amount, amount, now, freelancerID, amount))
}

// ReleaseWithdrawal undoes HoldWithdrawal for a rejected withdrawal.
func (r Repo) ReleaseWithdrawal(ctx context.Context, tx *sql.Tx, freelancerID string, amount int64, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE wallets SET balance=balance+?, total_withdrawn=total_withdrawn-?, pending_amount=pending_amount-?, updated_at=?
WHERE freelancer_id=? AND pending_amount>=?`,
		amount, amount, amount, now, freelancerID, amount))
}

// SettleWithdrawal clears the pending bucket once the payout completed.
func (r Repo) SettleWithdrawal(ctx context.Context, tx *sql.Tx, freelancerID string, amount int64, now string) error {
	return expectOne(tx.ExecContext(ctx, `UPDATE wallets SET pending_amount=pending_amount-?, updated_at=? WHERE freelancer_id=? AND pending_amount>=?`,
		amount, now, freelancerID, amount))
}

func (r Repo) HasWalletTransaction(ctx context.Context, tx *sql.Tx, freelancerID, txType, sourceRef string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM wallet_transactions WHERE freelancer_id=? AND type=? AND source_ref=?`, freelancerID, txType, sourceRef).Scan(&n)
	return n > 0, err
}

func (r Repo) InsertWalletTransaction(ctx context.Context, tx *sql.Tx, t domain.WalletTransaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO wallet_transactions(freelancer_id,type,amount,balance_after,source_ref,created_at) VALUES (?,?,?,?,?,?)`,
		t.FreelancerID, t.Type, t.Amount, t.BalanceAfter, t.SourceRef, t.CreatedAt)
	return err
}

func (r Repo) ListWalletTransactions(ctx context.Context, freelancerID string, limit int) ([]domain.WalletTransaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,freelancer_id,type,amount,balance_after,source_ref,created_at FROM wallet_transactions WHERE freelancer_id=? ORDER BY id DESC LIMIT ?`, freelancerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WalletTransaction
	for rows.Next() {
		var t domain.WalletTransaction
		if err := rows.Scan(&t.ID, &t.FreelancerID, &t.Type, &t.Amount, &t.BalanceAfter, &t.SourceRef, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
