package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"assessline/internal/domain"
	"assessline/internal/engine"
)

type stageHandler func(context.Context, engine.StageInput) (domain.ReviewWorkflow, error)

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow-get",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/workflow",
		Summary:     "Review workflow with stage statuses and progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*output[domain.ReviewWorkflow], error) {
		w, err := e.Workflow(ctx, input.AssessmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(w), nil
	})

	stageOps := []struct {
		id, verb, summary string
		run               stageHandler
	}{
		{"stages-activate", "activate", "Activate a pending stage", e.ActivateStage},
		{"stages-complete", "complete", "Complete the active stage", e.CompleteStage},
		{"stages-skip", "skip", "Skip a stage", e.SkipStage},
		{"stages-reset", "reset", "Reset the workflow back to a stage", e.ResetToStage},
		{"stages-approve", "approve", "Record an approval on an approval stage", e.RecordApproval},
	}
	for _, op := range stageOps {
		run := op.run
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/assessments/{assessment_id}/workflow/stages/{stage_id}/" + op.verb,
			Summary:     op.summary,
			Errors: []int{
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *struct {
			AssessmentID string `path:"assessment_id"`
			StageID      string `path:"stage_id"`
			IfMatch      string `header:"If-Match" doc:"Main head version the caller last saw"`
			Body         *StageActionRequest
		}) (*output[domain.ReviewWorkflow], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			in := engine.StageInput{AssessmentID: input.AssessmentID, StageID: input.StageID, ActorID: actorID, ExpectedHead: etag(input.IfMatch)}
			if input.Body != nil {
				in.Comment = input.Body.Comment
			}
			w, err := run(ctx, in)
			if err != nil {
				return nil, handleError(err)
			}
			return ok(w), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "stages-add",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/workflow/stages",
		Summary:       "Insert a stage into the workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		IfMatch      string `header:"If-Match" doc:"Main head version the caller last saw"`
		Body         AddStageRequest
	}) (*output[domain.ReviewWorkflow], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.AddStage(ctx, engine.AddStageInput{
			AssessmentID: input.AssessmentID,
			Stage:        input.Body.Stage.template(),
			AfterID:      input.Body.AfterID,
			ActorID:      actorID,
			ExpectedHead: etag(input.IfMatch),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(w), nil
	})
}
