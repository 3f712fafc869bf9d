package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"gigline/internal/apperr"
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/engine/auth"
)

var applicationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusPaymentRequired,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func (h handlers) registerApplications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/applications/create",
		Summary:       "Apply to a gig",
		Tags:          []string{"applications"},
		DefaultStatus: http.StatusCreated,
		Errors:        applicationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateApplicationRequest `json:"body"`
	}) (*response[domain.Application], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.CreateApplication(ctx, actor, engine.ApplyInput{
			GigID:          input.Body.GigID,
			Iterations:     input.Body.Iterations,
			CoverLetter:    input.Body.CoverLetter,
			ProposedBudget: input.Body.ProposedBudget,
		})
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-applications",
		Method:      http.MethodGet,
		Path:        "/applications/mine",
		Summary:     "List the caller's applications",
		Tags:        []string{"applications"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*response[[]domain.Application], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		apps, err := h.e.ListFreelancerApplications(ctx, actor)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(apps), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gig-applications",
		Method:      http.MethodGet,
		Path:        "/applications/{gigId}",
		Summary:     "List applications for a gig",
		Tags:        []string{"applications"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GigID string `path:"gigId"`
	}) (*response[[]domain.Application], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		apps, err := h.e.ListApplications(ctx, actor, input.GigID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(apps), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{gigId}/{freelancerId}",
		Summary:     "Get one application with its negotiation history",
		Tags:        []string{"applications"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GigID        string `path:"gigId"`
		FreelancerID string `path:"freelancerId"`
	}) (*response[domain.Application], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.GetApplication(ctx, actor, input.GigID, input.FreelancerID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-application",
		Method:      http.MethodPost,
		Path:        "/applications/{gigId}/accept",
		Summary:     "Negotiate, open an escrow order, or verify the payment and accept",
		Tags:        []string{"applications"},
		Errors:      applicationErrors,
	}, func(ctx context.Context, input *struct {
		GigID string        `path:"gigId"`
		Body  AcceptRequest `json:"body"`
	}) (*response[AcceptResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.accept(ctx, actor, input.GigID, input.Body)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "direct-accept-application",
		Method:      http.MethodPost,
		Path:        "/applications/{gigId}/direct-accept",
		Summary:     "Fix the price and open an escrow order without negotiating",
		Tags:        []string{"applications"},
		Errors:      applicationErrors,
	}, func(ctx context.Context, input *struct {
		GigID string              `path:"gigId"`
		Body  DirectAcceptRequest `json:"body"`
	}) (*response[AcceptResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.AcceptApplication(ctx, actor, engine.AcceptInput{
			GigID: input.GigID, FreelancerID: input.Body.FreelancerID, Mode: engine.AcceptDirect, FinalBudget: input.Body.FinalBudget,
		})
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(acceptResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "negotiate-application",
		Method:        http.MethodPost,
		Path:          "/applications/{gigId}/negotiate",
		Summary:       "Propose new terms",
		Tags:          []string{"applications"},
		DefaultStatus: http.StatusCreated,
		Errors:        applicationErrors,
	}, func(ctx context.Context, input *struct {
		GigID string           `path:"gigId"`
		Body  NegotiateRequest `json:"body"`
	}) (*response[domain.NegotiationEvent], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := h.e.ProposeTerms(ctx, actor, engine.ProposeInput{
			GigID:        input.GigID,
			FreelancerID: input.Body.FreelancerID,
			Amount:       input.Body.Amount,
			TimelineDays: input.Body.TimelineDays,
			Message:      input.Body.Message,
		})
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(ev), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-application",
		Method:      http.MethodPost,
		Path:        "/applications/{gigId}/reject",
		Summary:     "Reject an application",
		Tags:        []string{"applications"},
		Errors:      applicationErrors,
	}, func(ctx context.Context, input *struct {
		GigID string                   `path:"gigId"`
		Body  RejectApplicationRequest `json:"body"`
	}) (*response[domain.Application], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.RejectApplication(ctx, actor, input.GigID, input.Body.FreelancerID, input.Body.Reason)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-application",
		Method:      http.MethodDelete,
		Path:        "/applications/{gigId}/withdraw",
		Summary:     "Withdraw the caller's application",
		Tags:        []string{"applications"},
		Errors:      applicationErrors,
	}, func(ctx context.Context, input *struct {
		GigID string `path:"gigId"`
	}) (*response[WithdrawnResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.WithdrawApplication(ctx, actor, input.GigID); err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(WithdrawnResponse{GigID: input.GigID, Status: "withdrawn"}), nil
	})
}

// accept dispatches the three steps of hiring that share the /accept route.
func (h handlers) accept(ctx context.Context, actor auth.Actor, gigID string, b AcceptRequest) (AcceptResponse, error) {
	switch b.Action {
	case "negotiate":
		res, err := h.e.AcceptApplication(ctx, actor, engine.AcceptInput{
			GigID: gigID, FreelancerID: b.FreelancerID, Mode: engine.AcceptNegotiate, FinalBudget: b.FinalBudget,
		})
		if err != nil {
			return AcceptResponse{}, err
		}
		return acceptResponse(res), nil
	case "create_order":
		res, err := h.e.CreateEscrowOrder(ctx, actor, gigID, b.FreelancerID, b.Amount)
		if err != nil {
			return AcceptResponse{}, err
		}
		return acceptResponse(res), nil
	case "verify_payment", "":
		if strings.TrimSpace(b.OrderID) == "" || strings.TrimSpace(b.PaymentID) == "" || strings.TrimSpace(b.Signature) == "" {
			return AcceptResponse{}, apperr.Validation("order_id, payment_id and signature are required")
		}
		res, err := h.e.CompletePaymentAndAccept(ctx, actor, engine.VerifyInput{
			GigID:        gigID,
			FreelancerID: b.FreelancerID,
			OrderID:      b.OrderID,
			PaymentID:    b.PaymentID,
			Signature:    b.Signature,
			AgreedAmount: b.AgreedAmount,
		})
		if err != nil {
			return AcceptResponse{}, err
		}
		return paymentResponse(res), nil
	default:
		return AcceptResponse{}, apperr.Validation("unknown action " + strconv.Quote(b.Action)).
			WithDetails(map[string]any{"allowed": []string{"negotiate", "create_order", "verify_payment"}})
	}
}
