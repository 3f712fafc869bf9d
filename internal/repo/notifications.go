package repo

import (
	"context"
	"database/sql"

	"gigline/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(recipient_id,kind,payload_json,created_at) VALUES (?,?,?,?)`,
		n.RecipientID, n.Kind, n.Payload, n.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingNotifications returns undelivered notifications after cursor in id
// order, skipping those that already used maxAttempts deliveries.
func (r Repo) PendingNotifications(ctx context.Context, afterID int64, maxAttempts, limit int) ([]domain.Notification, error) {
	return r.queryNotifications(ctx, `SELECT id,recipient_id,kind,payload_json,created_at,delivered_at,attempts,last_error FROM notifications WHERE delivered_at IS NULL AND id>? AND attempts<? ORDER BY id LIMIT ?`, afterID, maxAttempts, limit)
}

func (r Repo) ListNotifications(ctx context.Context, recipientID string, limit int) ([]domain.Notification, error) {
	return r.queryNotifications(ctx, `SELECT id,recipient_id,kind,payload_json,created_at,delivered_at,attempts,last_error FROM notifications WHERE recipient_id=? ORDER BY id DESC LIMIT ?`, recipientID, limit)
}

func (r Repo) CountNotifications(ctx context.Context, recipientID, kind string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_id=? AND (?='' OR kind=?)`, recipientID, kind, kind).Scan(&n)
	return n, err
}

func (r Repo) MarkNotificationDelivered(ctx context.Context, id int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivered_at=?, attempts=attempts+1, last_error=NULL WHERE id=?`, now, id)
	return err
}

func (r Repo) MarkNotificationFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, last_error=? WHERE id=?`, reason, id)
	return err
}

func (r Repo) queryNotifications(ctx context.Context, query string, args ...any) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var delivered, lastErr sql.NullString
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Payload, &n.CreatedAt, &delivered, &n.Attempts, &lastErr); err != nil {
			return nil, err
		}
		n.DeliveredAt = stringPtr(delivered)
		n.LastError = stringPtr(lastErr)
		res = append(res, n)
	}
	return res, rows.Err()
}
