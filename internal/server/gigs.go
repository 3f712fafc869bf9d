package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigline/internal/apperr"
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/engine/auth"
)

func (h handlers) registerGigs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-gig",
		Method:        http.MethodPost,
		Path:          "/gigs",
		Summary:       "Publish a gig",
		Tags:          []string{"gigs"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateGigRequest `json:"body"`
	}) (*response[domain.Gig], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := h.e.CreateGig(ctx, actor, engine.GigInput{
			ID:          input.Body.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Budget:      input.Body.Budget,
			Currency:    input.Body.Currency,
			Status:      input.Body.Status,
		})
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gigs",
		Method:      http.MethodGet,
		Path:        "/gigs",
		Summary:     "List gigs",
		Tags:        []string{"gigs"},
	}, func(ctx context.Context, input *struct {
		CompanyID string `query:"company_id"`
		Status    string `query:"status"`
	}) (*response[[]domain.Gig], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		gigs, err := h.e.Repo.ListGigs(ctx, input.CompanyID, input.Status)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		if gigs == nil {
			gigs = []domain.Gig{}
		}
		return reply(gigs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gig",
		Method:      http.MethodGet,
		Path:        "/gigs/{gigId}",
		Summary:     "Get gig",
		Tags:        []string{"gigs"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GigID string `path:"gigId"`
	}) (*response[domain.Gig], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		g, err := h.e.Repo.GetGig(ctx, input.GigID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gig-projects",
		Method:      http.MethodGet,
		Path:        "/gigs/{gigId}/projects",
		Summary:     "List projects delivered for a gig",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GigID string `path:"gigId"`
	}) (*response[[]domain.Project], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projects, err := h.e.ListProjects(ctx, actor, input.GigID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(projects), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gig-events",
		Method:      http.MethodGet,
		Path:        "/gigs/{gigId}/events",
		Summary:     "Audit trail for a gig",
		Tags:        []string{"gigs"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GigID string `path:"gigId"`
		Type  string `query:"type"`
		Limit int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*response[[]domain.Event], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evts, err := h.e.GigEvents(ctx, actor, input.GigID, input.Type, input.Limit)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(evts), nil
	})
}

func (h handlers) registerSubscriptions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "put-subscription",
		Method:      http.MethodPut,
		Path:        "/subscriptions/{userId}",
		Summary:     "Set a freelancer subscription",
		Tags:        []string{"subscriptions"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string              `path:"userId"`
		Body   SubscriptionRequest `json:"body"`
	}) (*response[domain.Subscription], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.Require(actor, domain.RoleAdmin); err != nil {
			return nil, h.fail(ctx, err)
		}
		s, err := h.e.SetSubscription(ctx, domain.Subscription{
			UserID:          input.UserID,
			Plan:            input.Body.Plan,
			Status:          input.Body.Status,
			MaxApplications: input.Body.MaxApplications,
			EndDate:         input.Body.EndDate,
		}, input.Body.ResetUsage)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-subscription",
		Method:      http.MethodGet,
		Path:        "/subscriptions/{userId}",
		Summary:     "Get a subscription and its usage",
		Tags:        []string{"subscriptions"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"userId"`
	}) (*response[domain.Subscription], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actor.ID != input.UserID && !actor.Is(domain.RoleAdmin) {
			return nil, h.fail(ctx, apperr.Forbidden("subscription belongs to another user"))
		}
		s, err := h.e.Repo.GetSubscription(ctx, input.UserID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(s), nil
	})
}

func (h handlers) registerConversations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-conversation",
		Method:      http.MethodGet,
		Path:        "/conversations/{id}",
		Summary:     "Get a conversation thread",
		Tags:        []string{"conversations"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[domain.Conversation], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := h.e.GetConversation(ctx, actor, input.ID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(c), nil
	})
}
