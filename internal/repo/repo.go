package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gigline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale is returned when a conditional update matched no row because the
// expected state no longer holds.
var ErrStale = errors.New("stale write")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// expectOne turns a zero-row conditional update into ErrStale.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, gigID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(gig_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if gigID != "" {
		query += ` AND gig_id=?`
		args = append(args, gigID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, gigID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	var (
		conds []string
		args  []any
	)
	if gigID != "" {
		conds = append(conds, "gig_id=?")
		args = append(args, gigID)
	}
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		conds = append(conds, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		conds = append(conds, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,COALESCE(gig_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) CountEvents(ctx context.Context, evtType, entityID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE type=? AND (?='' OR entity_id=?)`, evtType, entityID, entityID).Scan(&n)
	return n, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GigID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
