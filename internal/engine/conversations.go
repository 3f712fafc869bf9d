package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"gigline/internal/apperr"
	"gigline/internal/domain"
	"gigline/internal/engine/auth"
)

// statusForPhase derives the conversation status from its phase.
func statusForPhase(phase string) (string, error) {
	switch phase {
	case domain.PhaseNegotiating, domain.PhasePaymentPending:
		return "negotiating", nil
	case domain.PhaseActive, domain.PhaseDelivery, domain.PhaseCompleted:
		return "active", nil
	}
	return "", apperr.Validation(fmt.Sprintf("unknown conversation phase %s", phase))
}

// openOrActivate keeps exactly one thread per (gig, freelancer). An existing
// thread is updated in place; a blocked one is returned unchanged.
func (e Engine) openOrActivate(ctx context.Context, tx *sql.Tx, gig domain.Gig, freelancerID, phase string, agreed *int64) (domain.Conversation, error) {
	status, err := statusForPhase(phase)
	if err != nil {
		return domain.Conversation{}, err
	}
	now := e.stamp()
	return e.Repo.UpsertConversation(ctx, tx, domain.Conversation{
		ID:             uuid.NewString(),
		GigID:          gig.ID,
		CompanyID:      gig.CompanyID,
		FreelancerID:   freelancerID,
		Status:         status,
		Phase:          phase,
		OriginalBudget: gig.Budget,
		AgreedBudget:   agreed,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// OpenOrActivateConversation is the standalone form used outside the
// application flow.
func (e Engine) OpenOrActivateConversation(ctx context.Context, gigID, freelancerID, phase string) (domain.Conversation, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer tx.Rollback()
	gig, err := e.Repo.GetGigTx(ctx, tx, gigID)
	if err != nil {
		return domain.Conversation{}, notFound(err, "gig")
	}
	conv, err := e.openOrActivate(ctx, tx, gig, freelancerID, phase, nil)
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (e Engine) GetConversation(ctx context.Context, actor auth.Actor, id string) (domain.Conversation, error) {
	conv, err := e.Repo.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, notFound(err, "conversation")
	}
	if actor.Role != domain.RoleAdmin && actor.ID != conv.CompanyID && actor.ID != conv.FreelancerID {
		return domain.Conversation{}, apperr.Forbidden("not a participant of this conversation")
	}
	return conv, nil
}
