package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/engine/auth"
)

var projectErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func (h handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Submit work for review",
		Tags:          []string{"projects"},
		DefaultStatus: http.StatusCreated,
		Errors:        projectErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitProjectRequest `json:"body"`
	}) (*response[domain.Project], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.SubmitProject(ctx, actor, engine.SubmitInput{
			ConversationID: input.Body.ConversationID,
			GigID:          input.Body.GigID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Files:          input.Body.Files,
		})
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*response[domain.Project], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.GetProject(ctx, actor, input.ID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project-status",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/status",
		Summary:     "Move a project through review",
		Tags:        []string{"projects"},
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ProjectStatusRequest `json:"body"`
	}) (*response[domain.Project], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			p   domain.Project
			err error
		)
		switch input.Body.Status {
		case domain.ProjectUnderReview:
			p, err = h.e.MarkUnderReview(ctx, actor, input.ID)
		case domain.ProjectApproved:
			p, err = h.review(ctx, actor, input.ID, engine.ReviewApprove, input.Body.Feedback)
		case domain.ProjectRevisionRequested:
			p, err = h.review(ctx, actor, input.ID, engine.ReviewRevision, input.Body.Feedback)
		default:
			p, err = h.review(ctx, actor, input.ID, engine.ReviewReject, input.Body.Feedback)
		}
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return reply(p), nil
	})

	for _, route := range []struct {
		id, path, summary, decision string
	}{
		{"approve-project", "/projects/{id}/approve", "Approve and release escrow", engine.ReviewApprove},
		{"request-project-revision", "/projects/{id}/request-revision", "Ask for another iteration", engine.ReviewRevision},
		{"reject-project", "/projects/{id}/reject", "Reject the delivery", engine.ReviewReject},
	} {
		decision := route.decision
		huma.Register(api, huma.Operation{
			OperationID: route.id,
			Method:      http.MethodPost,
			Path:        route.path,
			Summary:     route.summary,
			Tags:        []string{"projects"},
			Errors:      projectErrors,
		}, func(ctx context.Context, input *struct {
			ID   string         `path:"id"`
			Body *ReviewRequest `json:"body" required:"false"`
		}) (*response[domain.Project], error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			var feedback *string
			if input.Body != nil {
				feedback = input.Body.Feedback
			}
			p, err := h.review(ctx, actor, input.ID, decision, feedback)
			if err != nil {
				return nil, h.fail(ctx, err)
			}
			return reply(p), nil
		})
	}
}

func (h handlers) review(ctx context.Context, actor auth.Actor, id, decision string, feedback *string) (domain.Project, error) {
	return h.e.ReviewProject(ctx, actor, engine.ReviewInput{ProjectID: id, Decision: decision, Feedback: feedback})
}
