package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigline/internal/apperr"
	"gigline/internal/domain"
	"gigline/internal/engine"
)

var walletErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusTooManyRequests,
}

func (h handlers) registerWallet(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-wallet",
		Method:      http.MethodGet,
		Path:        "/freelancer/wallet",
		Summary:     "Wallet balance and recent transactions",
		Tags:        []string{"wallet"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FreelancerID string `query:"freelancer_id"`
		Limit        int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*response[engine.WalletView], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := h.e.GetWallet(ctx, actor, input.FreelancerID, input.Limit)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-withdrawal",
		Method:        http.MethodPost,
		Path:          "/freelancer/wallet/withdraw",
		Summary:       "Request a payout from the wallet",
		Tags:          []string{"wallet"},
		DefaultStatus: http.StatusCreated,
		Errors:        walletErrors,
	}, func(ctx context.Context, input *struct {
		Body WithdrawRequest `json:"body"`
	}) (*response[domain.Payment], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.RequestWithdrawal(ctx, actor, engine.WithdrawalInput{Amount: input.Body.Amount, Payout: input.Body.Payout})
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-withdrawals",
		Method:      http.MethodGet,
		Path:        "/payments/withdrawals",
		Summary:     "List withdrawals",
		Tags:        []string{"payments"},
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		PayeeID string `query:"payee_id"`
		Limit   int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*response[[]domain.Payment], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListWithdrawals(ctx, actor, input.Status, input.PayeeID, input.Limit)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		if items == nil {
			items = []domain.Payment{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-withdrawal",
		Method:      http.MethodPost,
		Path:        "/payments/withdraw/{id}/process",
		Summary:     "Approve or reject a pending withdrawal",
		Tags:        []string{"payments"},
		Errors:      walletErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body ProcessWithdrawalRequest `json:"body"`
	}) (*response[domain.Payment], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outcome := engine.WithdrawalApprove
		if input.Body.Action == "reject" {
			outcome = engine.WithdrawalReject
		}
		p, err := h.e.ResolveWithdrawal(ctx, actor, input.ID, outcome, input.Body.Note)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-withdrawal",
		Method:      http.MethodPost,
		Path:        "/payments/withdraw/{id}/complete",
		Summary:     "Mark a processing withdrawal as paid out",
		Tags:        []string{"payments"},
		Errors:      walletErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body *CompleteWithdrawalRequest `json:"body" required:"false"`
	}) (*response[domain.Payment], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var note *string
		if input.Body != nil {
			note = input.Body.Note
		}
		p, err := h.e.CompleteWithdrawal(ctx, actor, input.ID, note)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-payment",
		Method:      http.MethodGet,
		Path:        "/payments/{id}",
		Summary:     "Get a payment with its status history",
		Tags:        []string{"payments"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[domain.Payment], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.GetPayment(ctx, input.ID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		if !actor.Is(domain.RoleAdmin) && actor.ID != p.PayerID && actor.ID != p.PayeeID {
			return nil, h.fail(ctx, apperr.Forbidden("payment belongs to other parties"))
		}
		return reply(p), nil
	})
}
