// Package notify records user-facing notifications and optionally pushes them
// to configured webhooks.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gigline/internal/domain"
	"gigline/internal/repo"
)

const (
	KindApplicationCreated       = "application.created"
	KindApplicationStatusChanged = "application.status_changed"
	KindPaymentCompleted         = "payment.completed"
	KindProjectSubmitted         = "project.submitted"
	KindProjectReviewed          = "project.reviewed"
	KindProjectCompleted         = "project.completed"
	KindWithdrawalRequested      = "withdrawal.requested"
	KindWithdrawalResolved       = "withdrawal.resolved"
)

// Notifier is the fire-and-forget side channel. Callers log errors and move on.
type Notifier interface {
	Notify(ctx context.Context, recipientID, kind string, payload map[string]any) error
}

// Outbox persists notifications for later delivery.
type Outbox struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (o Outbox) Notify(ctx context.Context, recipientID, kind string, payload map[string]any) error {
	if strings.TrimSpace(recipientID) == "" {
		return fmt.Errorf("notify %s: recipient required", kind)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	_, err = o.Repo.InsertNotification(ctx, domain.Notification{
		RecipientID: recipientID,
		Kind:        kind,
		Payload:     string(data),
		CreatedAt:   now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, string, string, map[string]any) error { return nil }
