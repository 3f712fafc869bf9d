package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gigline/internal/domain"
)

// Iterations come from the backing application so they can never drift.
const projectSelect = `SELECT p.id,p.gig_id,p.application_id,p.freelancer_id,p.company_id,p.conversation_id,p.title,COALESCE(p.description,''),
p.files_json,p.status,p.submissions,p.feedback,a.used_iterations,a.total_iterations,p.payment_amount,p.payment_status,
p.submitted_at,p.reviewed_at,p.completed_at,p.created_at,p.updated_at
FROM projects p JOIN applications a ON a.id=p.application_id`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var files, feedback, reviewed, completed sql.NullString
	err := row.Scan(&p.ID, &p.GigID, &p.ApplicationID, &p.FreelancerID, &p.CompanyID, &p.ConversationID, &p.Title, &p.Description,
		&files, &p.Status, &p.Submissions, &feedback, &p.Iterations.Current, &p.Iterations.Maximum, &p.PaymentAmount, &p.PaymentStatus,
		&p.SubmittedAt, &reviewed, &completed, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Iterations.Remaining = p.Iterations.Maximum - p.Iterations.Current
	p.Feedback = stringPtr(feedback)
	p.ReviewedAt = stringPtr(reviewed)
	p.CompletedAt = stringPtr(completed)
	p.Files = []domain.ProjectFile{}
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &p.Files); err != nil {
			return p, fmt.Errorf("decode project files: %w", err)
		}
	}
	return p, nil
}

func marshalFiles(files []domain.ProjectFile) (string, error) {
	if files == nil {
		files = []domain.ProjectFile{}
	}
	b, err := json.Marshal(files)
	return string(b), err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	files, err := marshalFiles(p.Files)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,gig_id,application_id,freelancer_id,company_id,conversation_id,title,description,files_json,status,submissions,payment_amount,payment_status,submitted_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.GigID, p.ApplicationID, p.FreelancerID, p.CompanyID, p.ConversationID, p.Title, nullable(p.Description), files,
		p.Status, p.Submissions, p.PaymentAmount, p.PaymentStatus, p.SubmittedAt, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, projectSelect+` WHERE p.id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, projectSelect+` WHERE p.id=?`, id))
}

func (r Repo) GetProjectByApplicationTx(ctx context.Context, tx *sql.Tx, applicationID string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, projectSelect+` WHERE p.application_id=?`, applicationID))
}

func (r Repo) ListProjects(ctx context.Context, gigID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, projectSelect+` WHERE p.gig_id=? ORDER BY p.created_at, p.id`, gigID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ResubmitProject puts a revision_requested project back into review with new content.
func (r Repo) ResubmitProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	files, err := marshalFiles(p.Files)
	if err != nil {
		return err
	}
	return expectOne(tx.ExecContext(ctx, `
UPDATE projects SET title=?, description=?, files_json=?, status='submitted', submissions=submissions+1, submitted_at=?, updated_at=?
WHERE id=? AND status='revision_requested'`,
		p.Title, nullable(p.Description), files, p.SubmittedAt, p.UpdatedAt, p.ID))
}

// SetProjectStatus moves a project from -> to, optionally recording feedback.
func (r Repo) SetProjectStatus(ctx context.Context, tx *sql.Tx, id, from, to string, feedback *string, now string) error {
	reviewed := any(nil)
	if to != domain.ProjectUnderReview {
		reviewed = now
	}
	var completed any
	if to == domain.ProjectCompleted {
		completed = now
	}
	return expectOne(tx.ExecContext(ctx, `
UPDATE projects SET status=?, feedback=COALESCE(?,feedback), reviewed_at=COALESCE(?,reviewed_at), completed_at=COALESCE(?,completed_at), updated_at=?
WHERE id=? AND status=?`,
		to, nullableStringPtr(feedback), reviewed, completed, now, id, from))
}

func (r Repo) SetProjectPaymentStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE projects SET payment_status=?, updated_at=? WHERE id=?`, status, now, id)
	return err
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	files, err := marshalFiles(p.Files)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_submissions(project_id,seq,title,description,files_json,submitted_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Submissions, p.Title, nullable(p.Description), files, p.SubmittedAt)
	return err
}

// RecordReview stamps the decision on the latest submission.
func (r Repo) RecordReview(ctx context.Context, tx *sql.Tx, projectID, decision string, feedback *string, now string) error {
	_, err := tx.ExecContext(ctx, `
UPDATE project_submissions SET decision=?, feedback=?, reviewed_at=?
WHERE project_id=? AND seq=(SELECT MAX(seq) FROM project_submissions WHERE project_id=?)`,
		decision, nullableStringPtr(feedback), now, projectID, projectID)
	return err
}

type Submission struct {
	Seq         int                  `json:"seq"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Files       []domain.ProjectFile `json:"files"`
	SubmittedAt string               `json:"submitted_at"`
	Decision    *string              `json:"decision,omitempty"`
	Feedback    *string              `json:"feedback,omitempty"`
	ReviewedAt  *string              `json:"reviewed_at,omitempty"`
}

func (r Repo) ListSubmissions(ctx context.Context, projectID string) ([]Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,title,COALESCE(description,''),files_json,submitted_at,decision,feedback,reviewed_at FROM project_submissions WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Submission
	for rows.Next() {
		var s Submission
		var files, decision, feedback, reviewed sql.NullString
		if err := rows.Scan(&s.Seq, &s.Title, &s.Description, &files, &s.SubmittedAt, &decision, &feedback, &reviewed); err != nil {
			return nil, err
		}
		s.Files = []domain.ProjectFile{}
		if files.Valid && files.String != "" {
			if err := json.Unmarshal([]byte(files.String), &s.Files); err != nil {
				return nil, err
			}
		}
		s.Decision = stringPtr(decision)
		s.Feedback = stringPtr(feedback)
		s.ReviewedAt = stringPtr(reviewed)
		res = append(res, s)
	}
	return res, rows.Err()
}
