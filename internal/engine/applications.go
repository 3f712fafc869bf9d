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
	"gigline/internal/escrow"
	"gigline/internal/events"
	"gigline/internal/metrics"
	"gigline/internal/notify"
	"gigline/internal/repo"
)

const (
	AcceptNegotiate = "negotiate"
	AcceptDirect    = "direct"
)

const (
	ProposerFreelancer = "freelancer"
	ProposerCompany    = "company"
)

type ApplyInput struct {
	GigID          string
	Iterations     int
	CoverLetter    string
	ProposedBudget *int64
}

// CreateApplication files a pending application for the calling freelancer
// and consumes one unit of subscription quota in the same transaction.
func (e Engine) CreateApplication(ctx context.Context, actor auth.Actor, in ApplyInput) (domain.Application, error) {
	if err := auth.Require(actor, domain.RoleFreelancer); err != nil {
		return domain.Application{}, err
	}
	maxIter := e.Config.Applications.MaxIterations
	if in.Iterations < 1 || in.Iterations > maxIter {
		return domain.Application{}, apperr.Validation(fmt.Sprintf("iterations must be between 1 and %d", maxIter))
	}
	if in.ProposedBudget != nil {
		if err := requireAmount(*in.ProposedBudget, "proposed_budget"); err != nil {
			return domain.Application{}, err
		}
	}
	if strings.TrimSpace(in.GigID) == "" {
		return domain.Application{}, apperr.Validation("gig_id is required")
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	gig, err := e.Repo.GetGigTx(ctx, tx, in.GigID)
	if err != nil {
		return domain.Application{}, notFound(err, "gig")
	}
	if !e.Config.Applications.Applicable(gig.Status) {
		return domain.Application{}, apperr.Conflict("gig_not_open", fmt.Sprintf("gig is %s and not accepting applications", gig.Status))
	}
	if _, err := e.Repo.FindApplicationTx(ctx, tx, gig.ID, actor.ID); err == nil {
		return domain.Application{}, apperr.Conflict("already_applied", "already applied to this gig")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Application{}, err
	}

	now := e.stamp()
	if err := e.checkQuota(ctx, tx, actor.ID, now); err != nil {
		return domain.Application{}, err
	}

	a := domain.Application{
		ID:              uuid.NewString(),
		GigID:           gig.ID,
		FreelancerID:    actor.ID,
		Status:          domain.ApplicationPending,
		CoverLetter:     in.CoverLetter,
		ProposedBudget:  in.ProposedBudget,
		TotalIterations: in.Iterations,
		AppliedAt:       now,
		Version:         1,
		UpdatedAt:       now,
	}
	a.RemainingIterations = a.Remaining()
	if err := e.Repo.InsertApplication(ctx, tx, a); err != nil {
		return domain.Application{}, stale(err, "already_applied", "already applied to this gig")
	}
	if in.ProposedBudget != nil {
		if _, err := e.Repo.InsertNegotiationEvent(ctx, tx, domain.NegotiationEvent{
			ApplicationID: a.ID,
			Proposer:      ProposerFreelancer,
			Amount:        *in.ProposedBudget,
			Outcome:       "open",
			CreatedAt:     now,
		}); err != nil {
			return domain.Application{}, err
		}
	}
	if err := e.appendEvent(ctx, tx, "application.created", gig.ID, "application", a.ID, actor, events.Payload{"iterations": a.TotalIterations}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	metrics.ApplicationTransitions.WithLabelValues(a.Status).Inc()
	e.flush(ctx, []notice{{gig.CompanyID, notify.KindApplicationCreated, map[string]any{
		"gig_id": gig.ID, "application_id": a.ID, "freelancer_id": actor.ID,
	}}})
	return a, nil
}

// checkQuota reserves one application slot, explaining which subscription
// rule failed when it cannot.
func (e Engine) checkQuota(ctx context.Context, tx *sql.Tx, userID, now string) error {
	sub, err := e.Repo.GetSubscriptionTx(ctx, tx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.PaymentRequired("subscription_required", "an active subscription is required to apply")
	}
	if err != nil {
		return err
	}
	switch {
	case sub.Status != "active":
		return apperr.PaymentRequired("subscription_inactive", fmt.Sprintf("subscription is %s", sub.Status))
	case sub.EndDate <= now:
		return apperr.PaymentRequired("subscription_expired", "subscription has expired")
	case !sub.Unlimited() && sub.ApplicationsSubmitted >= sub.MaxApplications:
		return apperr.PaymentRequired("application_quota_exhausted", "application quota exhausted").
			WithDetails(map[string]any{"max_applications": sub.MaxApplications})
	}
	if err := e.Repo.ReserveApplicationSlot(ctx, tx, userID, now); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return apperr.PaymentRequired("application_quota_exhausted", "application quota exhausted")
		}
		return err
	}
	return nil
}

// ownedGig loads the gig and checks the caller owns it.
func (e Engine) ownedGig(ctx context.Context, tx *sql.Tx, actor auth.Actor, gigID string) (domain.Gig, error) {
	var (
		gig domain.Gig
		err error
	)
	if tx != nil {
		gig, err = e.Repo.GetGigTx(ctx, tx, gigID)
	} else {
		gig, err = e.Repo.GetGig(ctx, gigID)
	}
	if err != nil {
		return domain.Gig{}, notFound(err, "gig")
	}
	if gig.CompanyID != actor.ID && actor.Role != domain.RoleAdmin {
		return domain.Gig{}, apperr.Forbidden("gig belongs to another company")
	}
	return gig, nil
}

func (e Engine) findApplication(ctx context.Context, tx *sql.Tx, gigID, freelancerID string) (domain.Application, error) {
	var (
		a   domain.Application
		err error
	)
	if tx != nil {
		a, err = e.Repo.FindApplicationTx(ctx, tx, gigID, freelancerID)
	} else {
		a, err = e.Repo.FindApplication(ctx, gigID, freelancerID)
	}
	return a, notFound(err, "application")
}

// ensureAcceptable rejects acceptance paths on applications that already left
// the open states.
func ensureAcceptable(a domain.Application, allowNegotiating bool) error {
	switch a.Status {
	case domain.ApplicationPending:
		return nil
	case domain.ApplicationNegotiating:
		if allowNegotiating {
			return nil
		}
		return apperr.Conflict("already_negotiating", "application is already in negotiation")
	case domain.ApplicationAccepted:
		return apperr.Conflict("already_accepted", "application is already accepted")
	case domain.ApplicationRejected:
		return apperr.Conflict("application_rejected", "application was rejected")
	}
	return apperr.Conflict("invalid_application_status", fmt.Sprintf("unexpected application status %s", a.Status))
}

type AcceptInput struct {
	GigID        string
	FreelancerID string
	Mode         string
	FinalBudget  *int64
}

type AcceptResult struct {
	Application  domain.Application  `json:"application"`
	Conversation domain.Conversation `json:"conversation"`
	Order        *escrow.Order       `json:"order,omitempty"`
}

// AcceptApplication opens negotiation with one applicant, or in direct mode
// fixes the price and creates the escrow order. Acceptance itself only
// happens once the payment verifies.
func (e Engine) AcceptApplication(ctx context.Context, actor auth.Actor, in AcceptInput) (AcceptResult, error) {
	if err := auth.Require(actor, domain.RoleHiring); err != nil {
		return AcceptResult{}, err
	}
	if in.FinalBudget != nil {
		if err := requireAmount(*in.FinalBudget, "final_budget"); err != nil {
			return AcceptResult{}, err
		}
	}
	switch in.Mode {
	case AcceptNegotiate:
		return e.startNegotiation(ctx, actor, in)
	case AcceptDirect:
		return e.directAccept(ctx, actor, in)
	}
	return AcceptResult{}, apperr.Validation("mode must be negotiate or direct")
}

func (e Engine) startNegotiation(ctx context.Context, actor auth.Actor, in AcceptInput) (AcceptResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return AcceptResult{}, err
	}
	defer tx.Rollback()

	gig, err := e.ownedGig(ctx, tx, actor, in.GigID)
	if err != nil {
		return AcceptResult{}, err
	}
	a, err := e.findApplication(ctx, tx, gig.ID, in.FreelancerID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := ensureAcceptable(a, false); err != nil {
		return AcceptResult{}, err
	}
	now := e.stamp()
	if err := e.Repo.StartNegotiation(ctx, tx, a.ID, a.Version, now); err != nil {
		return AcceptResult{}, stale(err, "stale_application", "application changed concurrently")
	}
	rejected, err := e.Repo.RejectOthers(ctx, tx, gig.ID, a.ID, []string{domain.ApplicationPending}, "another applicant was selected for negotiation", now)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("reject competing applications: %w", err)
	}
	if in.FinalBudget != nil {
		if err := e.Repo.CloseOpenProposals(ctx, tx, a.ID, "countered"); err != nil {
			return AcceptResult{}, err
		}
		if _, err := e.Repo.InsertNegotiationEvent(ctx, tx, domain.NegotiationEvent{
			ApplicationID: a.ID,
			Proposer:      ProposerCompany,
			Amount:        *in.FinalBudget,
			Outcome:       "open",
			CreatedAt:     now,
		}); err != nil {
			return AcceptResult{}, err
		}
	}
	conv, err := e.openOrActivate(ctx, tx, gig, a.FreelancerID, domain.PhaseNegotiating, nil)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := e.appendEvent(ctx, tx, "application.negotiating", gig.ID, "application", a.ID, actor, events.Payload{"rejected": len(rejected)}); err != nil {
		return AcceptResult{}, err
	}
	a, err = e.Repo.GetApplicationTx(ctx, tx, a.ID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AcceptResult{}, err
	}

	metrics.ApplicationTransitions.WithLabelValues(domain.ApplicationNegotiating).Inc()
	metrics.ApplicationTransitions.WithLabelValues(domain.ApplicationRejected).Add(float64(len(rejected)))
	notices := []notice{{a.FreelancerID, notify.KindApplicationStatusChanged, map[string]any{
		"gig_id": gig.ID, "application_id": a.ID, "status": a.Status, "conversation_id": conv.ID,
	}}}
	notices = append(notices, rejectionNotices(gig.ID, rejected)...)
	e.flush(ctx, notices)
	return AcceptResult{Application: a, Conversation: conv}, nil
}

func (e Engine) directAccept(ctx context.Context, actor auth.Actor, in AcceptInput) (AcceptResult, error) {
	gig, err := e.ownedGig(ctx, nil, actor, in.GigID)
	if err != nil {
		return AcceptResult{}, err
	}
	a, err := e.findApplication(ctx, nil, gig.ID, in.FreelancerID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := ensureAcceptable(a, false); err != nil {
		return AcceptResult{}, err
	}
	budget := gig.Budget
	if in.FinalBudget != nil {
		budget = *in.FinalBudget
	}
	order, err := e.Gateway.CreateOrder(ctx, orderRequest(gig, a, budget))
	if err != nil {
		return AcceptResult{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return AcceptResult{}, err
	}
	defer tx.Rollback()
	now := e.stamp()
	if err := e.Repo.SetFinalAgreedBudget(ctx, tx, a.ID, a.Version, budget, now); err != nil {
		return AcceptResult{}, stale(err, "stale_application", "application changed concurrently")
	}
	if err := e.Repo.SetEscrowOrder(ctx, tx, a.ID, a.Version+1, order.ID, budget, now); err != nil {
		return AcceptResult{}, stale(err, "stale_application", "application changed concurrently")
	}
	conv, err := e.openOrActivate(ctx, tx, gig, a.FreelancerID, domain.PhasePaymentPending, &budget)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := e.appendEvent(ctx, tx, "application.escrow_order", gig.ID, "application", a.ID, actor, events.Payload{"order_id": order.ID, "amount": budget, "mode": AcceptDirect}); err != nil {
		return AcceptResult{}, err
	}
	a, err = e.Repo.GetApplicationTx(ctx, tx, a.ID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AcceptResult{}, err
	}
	e.flush(ctx, []notice{{a.FreelancerID, notify.KindApplicationStatusChanged, map[string]any{
		"gig_id": gig.ID, "application_id": a.ID, "status": a.Status, "phase": domain.PhasePaymentPending,
	}}})
	return AcceptResult{Application: a, Conversation: conv, Order: &order}, nil
}

func orderRequest(gig domain.Gig, a domain.Application, amount int64) escrow.OrderRequest {
	return escrow.OrderRequest{
		Amount:   amount,
		Currency: gig.Currency,
		Receipt:  a.ID,
		Notes: map[string]string{
			"gig_id":         gig.ID,
			"application_id": a.ID,
			"freelancer_id":  a.FreelancerID,
		},
	}
}

// CreateEscrowOrder opens a provider order for an application still pending or
// in negotiation. Without an explicit amount it charges the latest open
// proposal, then the agreed budget, then the gig budget.
func (e Engine) CreateEscrowOrder(ctx context.Context, actor auth.Actor, gigID, freelancerID string, amount *int64) (AcceptResult, error) {
	if err := auth.Require(actor, domain.RoleHiring); err != nil {
		return AcceptResult{}, err
	}
	gig, err := e.ownedGig(ctx, nil, actor, gigID)
	if err != nil {
		return AcceptResult{}, err
	}
	a, err := e.findApplication(ctx, nil, gig.ID, freelancerID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := ensureAcceptable(a, true); err != nil {
		return AcceptResult{}, err
	}
	charge := gig.Budget
	switch {
	case amount != nil:
		if err := requireAmount(*amount, "amount"); err != nil {
			return AcceptResult{}, err
		}
		charge = *amount
	default:
		if open, ok, err := e.latestOpenProposal(ctx, a.ID); err != nil {
			return AcceptResult{}, err
		} else if ok {
			charge = open.Amount
		} else if a.FinalAgreedBudget != nil {
			charge = *a.FinalAgreedBudget
		}
	}

	order, err := e.Gateway.CreateOrder(ctx, orderRequest(gig, a, charge))
	if err != nil {
		return AcceptResult{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return AcceptResult{}, err
	}
	defer tx.Rollback()
	now := e.stamp()
	if err := e.Repo.SetEscrowOrder(ctx, tx, a.ID, a.Version, order.ID, charge, now); err != nil {
		e.logger().Warn("escrow order orphaned", zap.String("order_id", order.ID), zap.String("application_id", a.ID))
		return AcceptResult{}, stale(err, "stale_application", "application changed concurrently")
	}
	conv, err := e.openOrActivate(ctx, tx, gig, a.FreelancerID, domain.PhasePaymentPending, &charge)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := e.appendEvent(ctx, tx, "application.escrow_order", gig.ID, "application", a.ID, actor, events.Payload{"order_id": order.ID, "amount": charge}); err != nil {
		return AcceptResult{}, err
	}
	a, err = e.Repo.GetApplicationTx(ctx, tx, a.ID)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AcceptResult{}, err
	}
	return AcceptResult{Application: a, Conversation: conv, Order: &order}, nil
}

func (e Engine) latestOpenProposal(ctx context.Context, applicationID string) (domain.NegotiationEvent, bool, error) {
	ev, err := e.Repo.LatestOpenProposal(ctx, applicationID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NegotiationEvent{}, false, nil
	}
	if err != nil {
		return domain.NegotiationEvent{}, false, err
	}
	return ev, true, nil
}

type ProposeInput struct {
	GigID        string
	FreelancerID string
	Amount       int64
	TimelineDays *int
	Message      string
}

// ProposeTerms records a counter-offer during negotiation. The previous open
// proposal becomes countered.
func (e Engine) ProposeTerms(ctx context.Context, actor auth.Actor, in ProposeInput) (domain.NegotiationEvent, error) {
	if err := auth.Require(actor, domain.RoleFreelancer, domain.RoleHiring); err != nil {
		return domain.NegotiationEvent{}, err
	}
	if err := requireAmount(in.Amount, "amount"); err != nil {
		return domain.NegotiationEvent{}, err
	}
	if in.TimelineDays != nil && *in.TimelineDays <= 0 {
		return domain.NegotiationEvent{}, apperr.Validation("timeline_days must be positive")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.NegotiationEvent{}, err
	}
	defer tx.Rollback()

	gig, err := e.Repo.GetGigTx(ctx, tx, in.GigID)
	if err != nil {
		return domain.NegotiationEvent{}, notFound(err, "gig")
	}
	freelancerID := in.FreelancerID
	proposer, counterparty := ProposerCompany, freelancerID
	if actor.Role == domain.RoleFreelancer {
		freelancerID = actor.ID
		proposer, counterparty = ProposerFreelancer, gig.CompanyID
	} else if gig.CompanyID != actor.ID {
		return domain.NegotiationEvent{}, apperr.Forbidden("gig belongs to another company")
	}
	a, err := e.findApplication(ctx, tx, gig.ID, freelancerID)
	if err != nil {
		return domain.NegotiationEvent{}, err
	}
	if a.Status != domain.ApplicationNegotiating {
		return domain.NegotiationEvent{}, apperr.Conflict("not_negotiating", "application is not in negotiation")
	}
	if err := e.Repo.CloseOpenProposals(ctx, tx, a.ID, "countered"); err != nil {
		return domain.NegotiationEvent{}, err
	}
	ev := domain.NegotiationEvent{
		ApplicationID: a.ID,
		Proposer:      proposer,
		Amount:        in.Amount,
		TimelineDays:  in.TimelineDays,
		Message:       in.Message,
		Outcome:       "open",
		CreatedAt:     e.stamp(),
	}
	id, err := e.Repo.InsertNegotiationEvent(ctx, tx, ev)
	if err != nil {
		return domain.NegotiationEvent{}, err
	}
	ev.ID = id
	if err := e.appendEvent(ctx, tx, "application.proposal", gig.ID, "application", a.ID, actor, events.Payload{"proposer": proposer, "amount": in.Amount}); err != nil {
		return domain.NegotiationEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.NegotiationEvent{}, err
	}
	if counterparty != "" {
		e.flush(ctx, []notice{{counterparty, notify.KindApplicationStatusChanged, map[string]any{
			"gig_id": gig.ID, "application_id": a.ID, "status": a.Status, "proposal_amount": in.Amount, "proposer": proposer,
		}}})
	}
	return ev, nil
}

type VerifyInput struct {
	GigID        string
	FreelancerID string
	OrderID      string
	PaymentID    string
	Signature    string
	AgreedAmount int64
}

type PaymentResult struct {
	Application  domain.Application  `json:"application"`
	Payment      domain.Payment      `json:"payment"`
	Conversation domain.Conversation `json:"conversation"`
	Replayed     bool                `json:"replayed"`
}

// CompletePaymentAndAccept verifies the checkout signature and, in one
// transaction, makes the application the gig's only accepted one. A replay of
// the same provider payment returns the stored outcome without writing.
func (e Engine) CompletePaymentAndAccept(ctx context.Context, actor auth.Actor, in VerifyInput) (PaymentResult, error) {
	if err := auth.Require(actor, domain.RoleHiring); err != nil {
		return PaymentResult{}, err
	}
	if err := e.Gateway.VerifyPayment(in.OrderID, in.PaymentID, in.Signature); err != nil {
		if apperr.Is(err, apperr.KindInvalidSignature) {
			metrics.SignatureFailures.Inc()
			e.logger().Warn("payment signature rejected", zap.String("gig_id", in.GigID), zap.String("order_id", in.OrderID))
		}
		return PaymentResult{}, err
	}
	if err := requireAmount(in.AgreedAmount, "agreed_amount"); err != nil {
		return PaymentResult{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return PaymentResult{}, err
	}
	defer tx.Rollback()

	gig, err := e.ownedGig(ctx, tx, actor, in.GigID)
	if err != nil {
		return PaymentResult{}, err
	}
	a, err := e.findApplication(ctx, tx, gig.ID, in.FreelancerID)
	if err != nil {
		return PaymentResult{}, err
	}
	if a.Status == domain.ApplicationAccepted {
		return e.replayAcceptance(ctx, tx, a, in)
	}
	if err := ensureAcceptable(a, true); err != nil {
		return PaymentResult{}, err
	}
	if a.EscrowOrderID == nil {
		return PaymentResult{}, apperr.Conflict("escrow_order_missing", "no escrow order was created for this application")
	}
	if *a.EscrowOrderID != in.OrderID {
		return PaymentResult{}, apperr.Conflict("escrow_order_mismatch", "order does not belong to this application")
	}
	if a.EscrowOrderAmount != nil && *a.EscrowOrderAmount != in.AgreedAmount {
		return PaymentResult{}, apperr.Validation("agreed amount does not match the escrow order").
			WithDetails(map[string]any{"order_amount": *a.EscrowOrderAmount})
	}
	if _, err := e.Repo.GetPaymentByProviderPaymentTx(ctx, tx, in.PaymentID); err == nil {
		return PaymentResult{}, apperr.Conflict("payment_already_recorded", "provider payment already recorded")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return PaymentResult{}, err
	}

	now := e.stamp()
	paymentRowID := uuid.NewString()
	if err := e.Repo.MarkAccepted(ctx, tx, a.ID, a.Version, paymentRowID, in.AgreedAmount, now); err != nil {
		return PaymentResult{}, stale(err, "stale_application", "application changed concurrently")
	}
	if err := e.Repo.SelectFreelancer(ctx, tx, gig.ID, a.FreelancerID, now); err != nil {
		return PaymentResult{}, stale(err, "gig_already_filled", "gig already has a selected freelancer")
	}
	rejected, err := e.Repo.RejectOthers(ctx, tx, gig.ID, a.ID,
		[]string{domain.ApplicationPending, domain.ApplicationNegotiating}, "another freelancer was selected", now)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("reject competing applications: %w", err)
	}
	if err := e.Repo.CloseOpenProposals(ctx, tx, a.ID, "accepted"); err != nil {
		return PaymentResult{}, err
	}
	conv, err := e.openOrActivate(ctx, tx, gig, a.FreelancerID, domain.PhaseActive, &in.AgreedAmount)
	if err != nil {
		return PaymentResult{}, err
	}

	p := domain.Payment{
		ID:                paymentRowID,
		Type:              domain.PaymentEscrow,
		PayerID:           gig.CompanyID,
		PayeeID:           a.FreelancerID,
		GigID:             ptr(gig.ID),
		ApplicationID:     ptr(a.ID),
		Amount:            in.AgreedAmount,
		Currency:          gig.Currency,
		Status:            domain.PaymentPending,
		ProviderOrderID:   ptr(in.OrderID),
		ProviderPaymentID: ptr(in.PaymentID),
		ProviderSignature: ptr(in.Signature),
		Metadata:          map[string]any{"verified_at": now},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.insertPayment(ctx, tx, p, actor.ID, "checkout reported"); err != nil {
		return PaymentResult{}, err
	}
	if err := e.transitionPayment(ctx, tx, &p, domain.PaymentProcessing, actor.ID, nil); err != nil {
		return PaymentResult{}, err
	}
	if err := e.transitionPayment(ctx, tx, &p, domain.PaymentCompleted, actor.ID, ptr("signature verified")); err != nil {
		return PaymentResult{}, err
	}
	if err := e.appendEvent(ctx, tx, "application.accepted", gig.ID, "application", a.ID, actor, events.Payload{
		"payment_id": p.ID, "amount": p.Amount, "rejected": len(rejected),
	}); err != nil {
		return PaymentResult{}, err
	}
	a, err = e.Repo.GetApplicationTx(ctx, tx, a.ID)
	if err != nil {
		return PaymentResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PaymentResult{}, stale(err, "gig_already_filled", "gig already has an accepted application")
	}

	metrics.ApplicationTransitions.WithLabelValues(domain.ApplicationAccepted).Inc()
	metrics.ApplicationTransitions.WithLabelValues(domain.ApplicationRejected).Add(float64(len(rejected)))
	e.logger().Info("application accepted",
		zap.String("gig_id", gig.ID),
		zap.String("application_id", a.ID),
		zap.String("payment_id", p.ID),
		zap.Int("rejected", len(rejected)))
	notices := []notice{
		{a.FreelancerID, notify.KindApplicationStatusChanged, map[string]any{"gig_id": gig.ID, "application_id": a.ID, "status": a.Status, "conversation_id": conv.ID}},
		{a.FreelancerID, notify.KindPaymentCompleted, map[string]any{"gig_id": gig.ID, "payment_id": p.ID, "amount": p.Amount}},
		{gig.CompanyID, notify.KindPaymentCompleted, map[string]any{"gig_id": gig.ID, "payment_id": p.ID, "amount": p.Amount}},
	}
	notices = append(notices, rejectionNotices(gig.ID, rejected)...)
	e.flush(ctx, notices)
	return PaymentResult{Application: a, Payment: p, Conversation: conv}, nil
}

func (e Engine) replayAcceptance(ctx context.Context, tx *sql.Tx, a domain.Application, in VerifyInput) (PaymentResult, error) {
	if a.PaymentID == nil {
		return PaymentResult{}, apperr.Conflict("already_accepted", "application is already accepted")
	}
	p, err := e.Repo.GetPaymentTx(ctx, tx, *a.PaymentID)
	if err != nil {
		return PaymentResult{}, err
	}
	if p.ProviderPaymentID == nil || *p.ProviderPaymentID != in.PaymentID ||
		p.ProviderOrderID == nil || *p.ProviderOrderID != in.OrderID {
		return PaymentResult{}, apperr.Conflict("already_accepted", "application is already accepted with another payment")
	}
	conv, err := e.Repo.FindConversation(ctx, a.GigID, a.FreelancerID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return PaymentResult{}, err
	}
	return PaymentResult{Application: a, Payment: p, Conversation: conv, Replayed: true}, nil
}

func rejectionNotices(gigID string, rejected []domain.Application) []notice {
	out := make([]notice, 0, len(rejected))
	for _, r := range rejected {
		out = append(out, notice{r.FreelancerID, notify.KindApplicationStatusChanged, map[string]any{
			"gig_id": gigID, "application_id": r.ID, "status": domain.ApplicationRejected,
		}})
	}
	return out
}

// RejectApplication declines a pending or negotiating application.
func (e Engine) RejectApplication(ctx context.Context, actor auth.Actor, gigID, freelancerID, reason string) (domain.Application, error) {
	if err := auth.Require(actor, domain.RoleHiring); err != nil {
		return domain.Application{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	gig, err := e.ownedGig(ctx, tx, actor, gigID)
	if err != nil {
		return domain.Application{}, err
	}
	a, err := e.findApplication(ctx, tx, gig.ID, freelancerID)
	if err != nil {
		return domain.Application{}, err
	}
	switch a.Status {
	case domain.ApplicationAccepted:
		return domain.Application{}, apperr.Conflict("already_accepted", "application is already accepted")
	case domain.ApplicationRejected:
		return domain.Application{}, apperr.Conflict("already_rejected", "application is already rejected")
	}
	now := e.stamp()
	if err := e.Repo.MarkRejected(ctx, tx, a.ID, a.Version, reason, now); err != nil {
		return domain.Application{}, stale(err, "stale_application", "application changed concurrently")
	}
	if err := e.Repo.CloseOpenProposals(ctx, tx, a.ID, "rejected"); err != nil {
		return domain.Application{}, err
	}
	if err := e.appendEvent(ctx, tx, "application.rejected", gig.ID, "application", a.ID, actor, events.Payload{"reason": reason}); err != nil {
		return domain.Application{}, err
	}
	a, err = e.Repo.GetApplicationTx(ctx, tx, a.ID)
	if err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	metrics.ApplicationTransitions.WithLabelValues(domain.ApplicationRejected).Inc()
	e.flush(ctx, rejectionNotices(gig.ID, []domain.Application{a}))
	return a, nil
}

// WithdrawApplication removes the caller's own application and returns the
// quota unit it consumed.
func (e Engine) WithdrawApplication(ctx context.Context, actor auth.Actor, gigID string) error {
	if err := auth.Require(actor, domain.RoleFreelancer); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	gig, err := e.Repo.GetGigTx(ctx, tx, gigID)
	if err != nil {
		return notFound(err, "gig")
	}
	a, err := e.findApplication(ctx, tx, gig.ID, actor.ID)
	if err != nil {
		return err
	}
	switch a.Status {
	case domain.ApplicationAccepted:
		return apperr.Conflict("already_accepted", "accepted applications cannot be withdrawn")
	case domain.ApplicationNegotiating:
		return apperr.Conflict("already_negotiating", "applications in negotiation cannot be withdrawn")
	}
	now := e.stamp()
	if err := e.Repo.DeleteApplication(ctx, tx, a.ID, a.Version); err != nil {
		return stale(err, "stale_application", "application changed concurrently")
	}
	if err := e.Repo.ReleaseApplicationSlot(ctx, tx, actor.ID, now); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, "application.withdrawn", gig.ID, "application", a.ID, actor, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.flush(ctx, []notice{{gig.CompanyID, notify.KindApplicationStatusChanged, map[string]any{
		"gig_id": gig.ID, "application_id": a.ID, "status": "withdrawn",
	}}})
	return nil
}

// GetApplication returns one application with its negotiation history. The
// applicant, the gig owner and admins may read it.
func (e Engine) GetApplication(ctx context.Context, actor auth.Actor, gigID, freelancerID string) (domain.Application, error) {
	gig, err := e.Repo.GetGig(ctx, gigID)
	if err != nil {
		return domain.Application{}, notFound(err, "gig")
	}
	if actor.Role != domain.RoleAdmin && actor.ID != gig.CompanyID && actor.ID != freelancerID {
		return domain.Application{}, apperr.Forbidden("not a party to this application")
	}
	a, err := e.findApplication(ctx, nil, gig.ID, freelancerID)
	if err != nil {
		return domain.Application{}, err
	}
	history, err := e.Repo.ListNegotiationEvents(ctx, a.ID)
	if err != nil {
		return domain.Application{}, err
	}
	a.NegotiationHistory = history
	return a, nil
}

func (e Engine) ListApplications(ctx context.Context, actor auth.Actor, gigID string) ([]domain.Application, error) {
	if err := auth.Require(actor, domain.RoleHiring, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if _, err := e.ownedGig(ctx, nil, actor, gigID); err != nil {
		return nil, err
	}
	apps, err := e.Repo.ListApplications(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if apps == nil {
		apps = []domain.Application{}
	}
	return apps, nil
}

func (e Engine) ListFreelancerApplications(ctx context.Context, actor auth.Actor) ([]domain.Application, error) {
	if err := auth.Require(actor, domain.RoleFreelancer); err != nil {
		return nil, err
	}
	apps, err := e.Repo.ListFreelancerApplications(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if apps == nil {
		apps = []domain.Application{}
	}
	return apps, nil
}
