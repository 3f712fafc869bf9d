package repo

import (
	"context"
	"database/sql"

	"gigline/internal/domain"
)

const conversationColumns = `id,gig_id,company_id,freelancer_id,status,phase,original_budget,agreed_budget,created_at,updated_at`

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var c domain.Conversation
	var agreed sql.NullInt64
	err := row.Scan(&c.ID, &c.GigID, &c.CompanyID, &c.FreelancerID, &c.Status, &c.Phase, &c.OriginalBudget, &agreed, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.AgreedBudget = int64Ptr(agreed)
	return c, nil
}

// UpsertConversation keys on (gig_id, freelancer_id). An existing thread keeps
// its id and original budget; blocked threads are left untouched.
func (r Repo) UpsertConversation(ctx context.Context, tx *sql.Tx, c domain.Conversation) (domain.Conversation, error) {
	_, err := tx.ExecContext(ctx, `
INSERT INTO conversations(`+conversationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(gig_id, freelancer_id) DO UPDATE SET
  status=excluded.status,
  phase=excluded.phase,
  agreed_budget=COALESCE(excluded.agreed_budget, conversations.agreed_budget),
  updated_at=excluded.updated_at
WHERE conversations.status<>'blocked'`,
		c.ID, c.GigID, c.CompanyID, c.FreelancerID, c.Status, c.Phase, c.OriginalBudget, nullableInt64Ptr(c.AgreedBudget), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return domain.Conversation{}, err
	}
	return scanConversation(tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE gig_id=? AND freelancer_id=?`, c.GigID, c.FreelancerID))
}

func (r Repo) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	return scanConversation(r.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=?`, id))
}

func (r Repo) GetConversationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Conversation, error) {
	return scanConversation(tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=?`, id))
}

func (r Repo) FindConversation(ctx context.Context, gigID, freelancerID string) (domain.Conversation, error) {
	return scanConversation(r.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE gig_id=? AND freelancer_id=?`, gigID, freelancerID))
}

func (r Repo) CountConversations(ctx context.Context, gigID, freelancerID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE gig_id=? AND freelancer_id=?`, gigID, freelancerID).Scan(&n)
	return n, err
}
