package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

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

const (
	ReviewApprove  = "approve"
	ReviewRevision = "revision"
	ReviewReject   = "reject"
)

type SubmitInput struct {
	ConversationID string
	GigID          string
	Title          string
	Description    string
	Files          []domain.ProjectFile
}

// SubmitProject hands in work for review. The first call creates the project;
// after a revision request the same project re-enters review.
func (e Engine) SubmitProject(ctx context.Context, actor auth.Actor, in SubmitInput) (domain.Project, error) {
	if err := auth.Require(actor, domain.RoleFreelancer); err != nil {
		return domain.Project{}, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Project{}, apperr.Validation("title is required")
	}
	for i, f := range in.Files {
		if strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.URL) == "" {
			return domain.Project{}, apperr.Validation(fmt.Sprintf("files[%d] needs name and url", i))
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	conv, err := e.Repo.GetConversationTx(ctx, tx, in.ConversationID)
	if err != nil {
		return domain.Project{}, notFound(err, "conversation")
	}
	gig, err := e.Repo.GetGigTx(ctx, tx, in.GigID)
	if err != nil {
		return domain.Project{}, notFound(err, "gig")
	}
	if conv.GigID != gig.ID || conv.FreelancerID != actor.ID || conv.Status != "active" {
		return domain.Project{}, apperr.Forbidden("an active conversation for this gig is required")
	}
	if gig.SelectedFreelancer == nil || *gig.SelectedFreelancer != actor.ID {
		return domain.Project{}, apperr.Forbidden("only the accepted freelancer can submit")
	}
	app, err := e.Repo.FindApplicationTx(ctx, tx, gig.ID, actor.ID)
	if err != nil || app.Status != domain.ApplicationAccepted {
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, err
		}
		return domain.Project{}, apperr.Forbidden("only the accepted freelancer can submit")
	}

	now := e.stamp()
	p, err := e.Repo.GetProjectByApplicationTx(ctx, tx, app.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		agreed := gig.Budget
		if app.FinalAgreedBudget != nil {
			agreed = *app.FinalAgreedBudget
		}
		p = domain.Project{
			ID:             uuid.NewString(),
			GigID:          gig.ID,
			ApplicationID:  app.ID,
			FreelancerID:   actor.ID,
			CompanyID:      gig.CompanyID,
			ConversationID: conv.ID,
			Title:          in.Title,
			Description:    in.Description,
			Files:          in.Files,
			Status:         domain.ProjectSubmitted,
			Submissions:    1,
			PaymentAmount:  agreed,
			PaymentStatus:  "escrowed",
			SubmittedAt:    now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return domain.Project{}, stale(err, "project_exists", "a project already exists for this application")
		}
	case err != nil:
		return domain.Project{}, err
	case p.Status == domain.ProjectRevisionRequested:
		p.Title, p.Description, p.Files = in.Title, in.Description, in.Files
		p.SubmittedAt, p.UpdatedAt = now, now
		if err := e.Repo.ResubmitProject(ctx, tx, p); err != nil {
			return domain.Project{}, stale(err, "invalid_project_transition", "project is no longer awaiting a revision")
		}
		p.Submissions++
	case p.Terminal():
		return domain.Project{}, apperr.Conflict("project_closed", fmt.Sprintf("project is %s", p.Status))
	default:
		return domain.Project{}, apperr.Conflict("project_in_review", fmt.Sprintf("project is %s", p.Status))
	}
	if err := e.Repo.InsertSubmission(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.openOrActivate(ctx, tx, gig, actor.ID, domain.PhaseDelivery, nil); err != nil {
		return domain.Project{}, err
	}
	if err := e.appendEvent(ctx, tx, "project.submitted", gig.ID, "project", p.ID, actor, events.Payload{"submission": p.Submissions}); err != nil {
		return domain.Project{}, err
	}
	p, err = e.Repo.GetProjectTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.flush(ctx, []notice{{p.CompanyID, notify.KindProjectSubmitted, map[string]any{
		"gig_id": p.GigID, "project_id": p.ID, "submission": p.Submissions,
	}}})
	return p, nil
}

func (e Engine) ownedProject(ctx context.Context, tx *sql.Tx, actor auth.Actor, id string) (domain.Project, error) {
	p, err := e.Repo.GetProjectTx(ctx, tx, id)
	if err != nil {
		return domain.Project{}, notFound(err, "project")
	}
	if p.CompanyID != actor.ID {
		return domain.Project{}, apperr.Forbidden("project belongs to another company")
	}
	return p, nil
}

// MarkUnderReview records that the company started looking at a submission.
func (e Engine) MarkUnderReview(ctx context.Context, actor auth.Actor, projectID string) (domain.Project, error) {
	if err := auth.Require(actor, domain.RoleHiring); err != nil {
		return domain.Project{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.ownedProject(ctx, tx, actor, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Status != domain.ProjectSubmitted {
		return domain.Project{}, apperr.Conflict("invalid_project_transition", fmt.Sprintf("project is %s, expected submitted", p.Status))
	}
	if err := e.Repo.SetProjectStatus(ctx, tx, p.ID, p.Status, domain.ProjectUnderReview, nil, e.stamp()); err != nil {
		return domain.Project{}, stale(err, "invalid_project_transition", "project changed concurrently")
	}
	if err := e.appendEvent(ctx, tx, "project.under_review", p.GigID, "project", p.ID, actor, nil); err != nil {
		return domain.Project{}, err
	}
	p, err = e.Repo.GetProjectTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

type ReviewInput struct {
	ProjectID string
	Decision  string
	Feedback  *string
}

// ReviewProject applies the company's decision on the current submission.
func (e Engine) ReviewProject(ctx context.Context, actor auth.Actor, in ReviewInput) (domain.Project, error) {
	if err := auth.Require(actor, domain.RoleHiring); err != nil {
		return domain.Project{}, err
	}
	switch in.Decision {
	case ReviewApprove, ReviewRevision, ReviewReject:
	default:
		return domain.Project{}, apperr.Validation("decision must be approve, revision or reject")
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.ownedProject(ctx, tx, actor, in.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	switch {
	case p.Terminal():
		return domain.Project{}, apperr.Conflict("project_closed", fmt.Sprintf("project is %s", p.Status))
	case p.Status != domain.ProjectSubmitted && p.Status != domain.ProjectUnderReview:
		return domain.Project{}, apperr.Conflict("invalid_project_transition", fmt.Sprintf("project is %s and awaits a new submission", p.Status))
	}
	gig, err := e.Repo.GetGigTx(ctx, tx, p.GigID)
	if err != nil {
		return domain.Project{}, err
	}

	now := e.stamp()
	var notices []notice
	switch in.Decision {
	case ReviewRevision:
		if p.Iterations.Remaining <= 0 {
			return domain.Project{}, apperr.Conflict("no_revisions_remaining", "no revisions remaining")
		}
		if err := e.Repo.ConsumeIteration(ctx, tx, p.ApplicationID, now); err != nil {
			return domain.Project{}, stale(err, "no_revisions_remaining", "no revisions remaining")
		}
		if err := e.Repo.SetProjectStatus(ctx, tx, p.ID, p.Status, domain.ProjectRevisionRequested, in.Feedback, now); err != nil {
			return domain.Project{}, stale(err, "invalid_project_transition", "project changed concurrently")
		}
		if _, err := e.openOrActivate(ctx, tx, gig, p.FreelancerID, domain.PhaseDelivery, nil); err != nil {
			return domain.Project{}, err
		}
	case ReviewReject:
		if err := e.Repo.SetProjectStatus(ctx, tx, p.ID, p.Status, domain.ProjectRejected, in.Feedback, now); err != nil {
			return domain.Project{}, stale(err, "invalid_project_transition", "project changed concurrently")
		}
	case ReviewApprove:
		release, err := e.approve(ctx, tx, actor, gig, p, in.Feedback, now)
		if err != nil {
			return domain.Project{}, err
		}
		notices = append(notices, notice{p.FreelancerID, notify.KindProjectCompleted, map[string]any{
			"gig_id": p.GigID, "project_id": p.ID, "payment_id": release.ID, "amount": release.Metadata["net"],
		}})
	}
	if err := e.Repo.RecordReview(ctx, tx, p.ID, in.Decision, in.Feedback, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.appendEvent(ctx, tx, "project.reviewed", p.GigID, "project", p.ID, actor, events.Payload{"decision": in.Decision}); err != nil {
		return domain.Project{}, err
	}
	p, err = e.Repo.GetProjectTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	metrics.ProjectReviews.WithLabelValues(in.Decision).Inc()
	reviewed := notice{p.FreelancerID, notify.KindProjectReviewed, map[string]any{
		"gig_id": p.GigID, "project_id": p.ID, "decision": in.Decision, "status": p.Status,
		"remaining_iterations": p.Iterations.Remaining,
	}}
	e.flush(ctx, append([]notice{reviewed}, notices...))
	return p, nil
}

// approve completes the project and pays the freelancer out of escrow.
func (e Engine) approve(ctx context.Context, tx *sql.Tx, actor auth.Actor, gig domain.Gig, p domain.Project, feedback *string, now string) (domain.Payment, error) {
	if err := e.Repo.SetProjectStatus(ctx, tx, p.ID, p.Status, domain.ProjectApproved, feedback, now); err != nil {
		return domain.Payment{}, stale(err, "invalid_project_transition", "project changed concurrently")
	}
	if err := e.Repo.SetProjectStatus(ctx, tx, p.ID, domain.ProjectApproved, domain.ProjectCompleted, nil, now); err != nil {
		return domain.Payment{}, err
	}
	if err := e.Repo.MarkApplicationCompleted(ctx, tx, p.ApplicationID, now); err != nil {
		return domain.Payment{}, stale(err, "invalid_application_status", "application already completed")
	}
	if err := e.Repo.SetGigStatus(ctx, tx, gig.ID, []string{"in_progress"}, "completed", now); err != nil {
		return domain.Payment{}, stale(err, "invalid_gig_status", fmt.Sprintf("gig is %s, expected in_progress", gig.Status))
	}

	gross := p.PaymentAmount
	commission, net := e.commission(gross)
	release := domain.Payment{
		ID:            uuid.NewString(),
		Type:          domain.PaymentRelease,
		PayerID:       gig.CompanyID,
		PayeeID:       p.FreelancerID,
		GigID:         ptr(gig.ID),
		ApplicationID: ptr(p.ApplicationID),
		ProjectID:     ptr(p.ID),
		Amount:        gross,
		Currency:      gig.Currency,
		Status:        domain.PaymentPending,
		Metadata: map[string]any{
			"gross":          gross,
			"commission":     commission,
			"net":            net,
			"commission_bps": e.Config.Ledger.CommissionBPS,
			"rules_version":  e.Config.Ledger.RulesVersion,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.insertPayment(ctx, tx, release, actor.ID, "project approved"); err != nil {
		return domain.Payment{}, err
	}
	if err := e.transitionPayment(ctx, tx, &release, domain.PaymentProcessing, actor.ID, nil); err != nil {
		return domain.Payment{}, err
	}
	if _, err := e.credit(ctx, tx, p.FreelancerID, net, "project:"+p.ID, gig.Currency); err != nil {
		return domain.Payment{}, fmt.Errorf("credit wallet: %w", err)
	}
	if err := e.transitionPayment(ctx, tx, &release, domain.PaymentCompleted, actor.ID, ptr("wallet credited")); err != nil {
		return domain.Payment{}, err
	}
	if err := e.Repo.SetProjectPaymentStatus(ctx, tx, p.ID, "released", now); err != nil {
		return domain.Payment{}, err
	}
	if _, err := e.openOrActivate(ctx, tx, gig, p.FreelancerID, domain.PhaseCompleted, nil); err != nil {
		return domain.Payment{}, err
	}
	e.logger().Info("project completed",
		zap.String("project_id", p.ID),
		zap.String("release_payment_id", release.ID),
		zap.Int64("gross", gross),
		zap.Int64("net", net))
	return release, nil
}

// commission splits gross by the configured basis points, rounding the
// platform share down.
func (e Engine) commission(gross int64) (int64, int64) {
	bps := e.Config.Ledger.CommissionBPS
	if bps <= 0 {
		return 0, gross
	}
	fee := gross * bps / 10000
	return fee, gross - fee
}

// GetProject is visible to both parties and admins.
func (e Engine) GetProject(ctx context.Context, actor auth.Actor, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, notFound(err, "project")
	}
	if actor.Role != domain.RoleAdmin && actor.ID != p.CompanyID && actor.ID != p.FreelancerID {
		return domain.Project{}, apperr.Forbidden("not a party to this project")
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context, actor auth.Actor, gigID string) ([]domain.Project, error) {
	gig, err := e.Repo.GetGig(ctx, gigID)
	if err != nil {
		return nil, notFound(err, "gig")
	}
	selected := gig.SelectedFreelancer != nil && *gig.SelectedFreelancer == actor.ID
	if actor.Role != domain.RoleAdmin && actor.ID != gig.CompanyID && !selected {
		return nil, apperr.Forbidden("not a party to this gig")
	}
	projects, err := e.Repo.ListProjects(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	return projects, nil
}
