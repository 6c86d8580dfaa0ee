package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"assessline/internal/domain"
	"assessline/internal/engine"
)

// changeTarget carries what every change-log write needs from the request.
type changeTarget struct {
	AssessmentID string `path:"assessment_id"`
	Branch       string `query:"branch" default:"main"`
	IfMatch      string `header:"If-Match" doc:"Head version the caller last saw"`
}

func (t changeTarget) ref(actorID string) engine.ChangeRef {
	return engine.ChangeRef{
		AssessmentID: t.AssessmentID,
		Branch:       t.Branch,
		ActorID:      actorID,
		ExpectedHead: etag(t.IfMatch),
	}
}

// etag strips whitespace and quotes from an If-Match value.
func etag(v string) string { return strings.Trim(strings.TrimSpace(v), `"`) }

var changeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerResponses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "responses-submit",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/responses/{question_id}",
		Summary:     "Submit a role's answer to a question",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		changeTarget
		QuestionID string `path:"question_id"`
		Body       SubmitResponseRequest
	}) (*output[engine.ChangeResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, checkValue := rawBodyMap(ctx)["expected_value"]
		res, err := e.SubmitResponse(ctx, engine.SubmitInput{
			ChangeRef:      input.ref(actorID),
			QuestionID:     input.QuestionID,
			Role:           input.Body.Role,
			Value:          input.Body.Value,
			Confidence:     input.Body.Confidence,
			Comment:        input.Body.Comment,
			ExpectedValue:  input.Body.ExpectedValue,
			CheckValue:     checkValue,
			ReviewRequired: input.Body.ReviewRequired,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "responses-withdraw",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/responses/{question_id}/withdraw",
		Summary:     "Withdraw a role's answer",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		changeTarget
		QuestionID string `path:"question_id"`
		Body       WithdrawResponseRequest
	}) (*output[engine.ChangeResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RemoveResponse(ctx, engine.RemoveInput{
			ChangeRef:     input.ref(actorID),
			QuestionID:    input.QuestionID,
			Role:          input.Body.Role,
			ExpectedValue: input.Body.ExpectedValue,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "notes-record",
		Method:      http.MethodPut,
		Path:        "/assessments/{assessment_id}/responses/{question_id}/note",
		Summary:     "Set a question's note",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		changeTarget
		QuestionID string `path:"question_id"`
		Body       NoteRequest
	}) (*output[engine.ChangeResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordNote(ctx, engine.NoteInput{
			ChangeRef:    input.ref(actorID),
			QuestionID:   input.QuestionID,
			Note:         input.Body.Note,
			ExpectedNote: input.Body.ExpectedNote,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evidence-link",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/responses/{question_id}/evidence",
		Summary:     "Link evidence to a question",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		changeTarget
		QuestionID string `path:"question_id"`
		Body       EvidenceRequest
	}) (*output[engine.ChangeResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.LinkEvidence(ctx, engine.EvidenceInput{
			ChangeRef:  input.ref(actorID),
			QuestionID: input.QuestionID,
			EvidenceID: input.Body.EvidenceID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evidence-unlink",
		Method:      http.MethodDelete,
		Path:        "/assessments/{assessment_id}/responses/{question_id}/evidence/{evidence_id}",
		Summary:     "Unlink evidence from a question",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		changeTarget
		QuestionID string `path:"question_id"`
		EvidenceID string `path:"evidence_id"`
	}) (*output[engine.ChangeResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.UnlinkEvidence(ctx, engine.EvidenceInput{
			ChangeRef:  input.ref(actorID),
			QuestionID: input.QuestionID,
			EvidenceID: input.EvidenceID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "time-spent-add",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/time",
		Summary:     "Record time spent on the branch",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		changeTarget
		Body TimeSpentRequest
	}) (*output[engine.ChangeResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AddTimeSpent(ctx, engine.TimeInput{ChangeRef: input.ref(actorID), Seconds: input.Body.Seconds})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "role-responses-list",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/role-responses",
		Summary:     "List per-question role responses with consensus",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		Branch       string `query:"branch" default:"main"`
	}) (*output[[]domain.RoleResponse], error) {
		items, err := e.RoleResponses(ctx, input.AssessmentID, input.Branch)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "consensus-get",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/consensus/{question_id}",
		Summary:     "Consensus of one question",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		QuestionID   string `path:"question_id"`
		Branch       string `query:"branch" default:"main"`
	}) (*output[ConsensusResponse], error) {
		res, err := e.Consensus(ctx, input.AssessmentID, input.Branch, input.QuestionID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ConsensusResponse{
			QuestionID: input.QuestionID,
			Status:     res.Status,
			Value:      res.Value,
			Spread:     res.Spread,
			Conflict:   res.Conflict,
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "working-state-get",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/working-state",
		Summary:     "Head responses with pending changes applied",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		Branch       string `query:"branch" default:"main"`
	}) (*output[WorkingStateResponse], error) {
		responses, pending, err := e.WorkingState(ctx, input.AssessmentID, input.Branch)
		if err != nil {
			return nil, handleError(err)
		}
		if responses == nil {
			responses = domain.ResponseMap{}
		}
		return ok(WorkingStateResponse{Branch: input.Branch, Responses: responses, Pending: nonNilSlice(pending)}), nil
	})
}

func registerConflicts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "conflicts-resolve",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/conflicts/{question_id}/resolve",
		Summary:     "Resolve diverging role answers",
		Errors:      append([]int{http.StatusUnprocessableEntity}, changeErrors...),
	}, func(ctx context.Context, input *struct {
		changeTarget
		QuestionID string `path:"question_id"`
		Body       ResolveConflictRequest
	}) (*output[engine.ChangeResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResolveConflict(ctx, engine.ResolveInput{
			ChangeRef:  input.ref(actorID),
			QuestionID: input.QuestionID,
			Method:     input.Body.Method,
			Value:      input.Body.Value,
			Rationale:  input.Body.Rationale,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res), nil
	})
}
