package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"assessline/internal/domain"
	"assessline/internal/engine"
)

type assessmentPath struct {
	AssessmentID string `path:"assessment_id"`
}

func registerAssessments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assessments-create",
		Method:        http.MethodPost,
		Path:          "/assessments",
		Summary:       "Create an assessment with its baseline version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateAssessmentRequest
	}) (*output[domain.Assessment], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAssessment(ctx, engine.CreateAssessmentInput{
			ID:          strings.TrimSpace(input.Body.ID),
			FrameworkID: input.Body.FrameworkID,
			Title:       input.Body.Title,
			Seed:        input.Body.Seed,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assessments-list",
		Method:      http.MethodGet,
		Path:        "/assessments",
		Summary:     "List assessments",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Assessment], error) {
		items, err := e.ListAssessments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assessments-get",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}",
		Summary:     "Get an assessment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*output[domain.Assessment], error) {
		a, err := e.GetAssessment(ctx, input.AssessmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "roles-grant",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/grants",
		Summary:       "Grant a role on an assessment",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		Body         GrantRoleRequest
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, input.AssessmentID, input.Body.ActorID, input.Body.Role, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assignments-create",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/assignments",
		Summary:       "Assign a role, optionally scoped to sections or categories",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		Body         AssignRequest
	}) (*output[domain.AssignedRole], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Assign(ctx, engine.AssignInput{
			AssessmentID: input.AssessmentID,
			Role:         input.Body.Role,
			ActorID:      input.Body.ActorID,
			Sections:     input.Body.Sections,
			Categories:   input.Body.Categories,
			Deadline:     input.Body.Deadline,
			Replaces:     input.Body.Replaces,
			ByActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assignments-list",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/assignments",
		Summary:     "List assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		All          bool   `query:"all" doc:"Include superseded assignments"`
	}) (*output[[]domain.AssignedRole], error) {
		items, err := e.Assignments(ctx, input.AssessmentID, !input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items)), nil
	})
}

func registerBlockers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "blockers-list",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/blockers",
		Summary:     "List current blockers, most severe first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*output[[]domain.AssessmentBlocker], error) {
		items, err := e.Blockers(ctx, input.AssessmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "blockers-recompute",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/blockers/recompute",
		Summary:     "Recompute blockers against the current time",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*output[[]domain.AssessmentBlocker], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.RecomputeBlockers(ctx, input.AssessmentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "actions-list",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/actions",
		Summary:     "List pending actions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		ActorID      string `query:"actor_id" doc:"Only actions of this actor"`
	}) (*output[[]domain.PendingAction], error) {
		items, err := e.PendingActions(ctx, input.AssessmentID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "events-list",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/events",
		Summary:     "Audit trail, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		After        int64  `query:"after" doc:"Cursor returned by the previous page"`
		Limit        int    `query:"limit"`
	}) (*output[EventsResponse], error) {
		items, err := e.AuditTrail(ctx, input.AssessmentID, input.After, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		cursor := input.After
		if len(items) > 0 {
			cursor = items[len(items)-1].ID
		}
		return ok(EventsResponse{Items: nonNilSlice(items), Cursor: cursor}), nil
	})
}
