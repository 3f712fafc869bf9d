package repo

import (
	"context"
	"database/sql"

	"gigline/internal/domain"
)

const gigColumns = `id,company_id,title,COALESCE(description,''),budget,currency,status,selected_freelancer,version,created_at,updated_at`

func scanGig(row rowScanner) (domain.Gig, error) {
	var g domain.Gig
	var selected sql.NullString
	err := row.Scan(&g.ID, &g.CompanyID, &g.Title, &g.Description, &g.Budget, &g.Currency, &g.Status, &selected, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.SelectedFreelancer = stringPtr(selected)
	return g, nil
}

func (r Repo) InsertGig(ctx context.Context, g domain.Gig) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO gigs(id,company_id,title,description,budget,currency,status,selected_freelancer,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.CompanyID, g.Title, nullable(g.Description), g.Budget, g.Currency, g.Status, nullableStringPtr(g.SelectedFreelancer), g.Version, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r Repo) GetGig(ctx context.Context, id string) (domain.Gig, error) {
	return scanGig(r.DB.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id=?`, id))
}

func (r Repo) GetGigTx(ctx context.Context, tx *sql.Tx, id string) (domain.Gig, error) {
	return scanGig(tx.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id=?`, id))
}

func (r Repo) ListGigs(ctx context.Context, companyID, status string) ([]domain.Gig, error) {
	query := `SELECT ` + gigColumns + ` FROM gigs WHERE (?='' OR company_id=?) AND (?='' OR status=?) ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, companyID, companyID, status, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gig
	for rows.Next() {
		g, err := scanGig(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// SelectFreelancer claims the gig for one freelancer. It only succeeds while
// no freelancer has been selected yet.
func (r Repo) SelectFreelancer(ctx context.Context, tx *sql.Tx, gigID, freelancerID, now string) error {
	return expectOne(tx.ExecContext(ctx, `
UPDATE gigs SET selected_freelancer=?, status='in_progress', version=version+1, updated_at=?
WHERE id=? AND selected_freelancer IS NULL`,
		freelancerID, now, gigID))
}

// SetGigStatus moves the gig to status when it is currently in one of from.
func (r Repo) SetGigStatus(ctx context.Context, tx *sql.Tx, gigID string, from []string, status, now string) error {
	args := []any{status, now, gigID}
	args = append(args, stringArgs(from)...)
	return expectOne(tx.ExecContext(ctx, `UPDATE gigs SET status=?, version=version+1, updated_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...))
}
