// Package events records the audit trail of every state change.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Payload map[string]any

// Entry is one audit row. GigID and EntityID may be empty for records that
// are not tied to a gig, such as withdrawals.
type Entry struct {
	Type       string
	GigID      string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

// Writer appends entries inside the caller's transaction so the audit row
// commits or rolls back together with the change it describes.
type Writer struct {
	Now func() time.Time
}

// Append inserts e and returns its sequence id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	if e.Type == "" || e.EntityKind == "" {
		return 0, errors.New("event type and entity kind are required")
	}
	if e.ActorID == "" {
		return 0, fmt.Errorf("event %s: actor is required", e.Type)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("event %s payload: %w", e.Type, err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,gig_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, orNull(e.GigID), e.EntityKind, orNull(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return res.LastInsertId()
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
