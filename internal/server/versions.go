package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"assessline/internal/domain"
	"assessline/internal/engine"
	"assessline/internal/repo"
)

type versionPath struct {
	AssessmentID string `path:"assessment_id"`
	VersionID    string `path:"version_id"`
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "versions-commit",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/versions",
		Summary:       "Commit pending changes of a branch",
		DefaultStatus: http.StatusCreated,
		Errors:        changeErrors,
	}, func(ctx context.Context, input *struct {
		changeTarget
		Body CommitRequest
	}) (*output[domain.AssessmentVersion], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		parent := input.Body.ParentID
		if parent == "" {
			parent = input.ref(actorID).ExpectedHead
		}
		v, err := e.CreateVersion(ctx, engine.CommitInput{
			AssessmentID: input.AssessmentID,
			Branch:       input.Branch,
			ParentID:     parent,
			Range:        input.Body.Range,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "versions-history",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/versions",
		Summary:     "Version history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		Limit        int    `query:"limit"`
		Before       int    `query:"before" doc:"Cursor returned as next by the previous page"`
	}) (*output[engine.HistoryPage], error) {
		q := engine.HistoryQuery{AssessmentID: input.AssessmentID, Limit: normalizeLimit(input.Limit)}
		if input.Before > 0 {
			before := input.Before
			q.Before = &before
		}
		page, err := e.History(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		page.Versions = nonNilSlice(page.Versions)
		return ok(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "versions-head",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/head",
		Summary:     "Head version of a branch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		Branch       string `query:"branch" default:"main"`
	}) (*output[domain.AssessmentVersion], error) {
		v, err := e.Head(ctx, input.AssessmentID, input.Branch)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "versions-get",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/versions/{version_id}",
		Summary:     "Get a verified version",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *versionPath) (*output[domain.AssessmentVersion], error) {
		v, err := e.GetVersion(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		if v.AssessmentID != input.AssessmentID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "version not found", nil)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "versions-verify",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/versions/{version_id}/verify",
		Summary:     "Recompute a version's checksum",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *versionPath) (*output[VerifyResponse], error) {
		valid, err := e.Verify(ctx, input.VersionID)
		var cm *domain.ChecksumMismatchError
		if err != nil && !errors.As(err, &cm) {
			return nil, handleError(err)
		}
		out := VerifyResponse{VersionID: input.VersionID, Valid: valid}
		if err != nil {
			out.Error = err.Error()
		}
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "versions-approval",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/versions/{version_id}/approval",
		Summary:     "Set a version's approval status",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		VersionID    string `path:"version_id"`
		Body         ApprovalRequest
	}) (*output[domain.AssessmentVersion], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.SetApproval(ctx, engine.ApprovalInput{
			AssessmentID: input.AssessmentID,
			VersionID:    input.VersionID,
			Status:       input.Body.Status,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "versions-diff",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/diff",
		Summary:     "Changes recorded between two versions",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		From         string `query:"from" required:"true"`
		To           string `query:"to" required:"true"`
	}) (*output[DiffResponse], error) {
		changes, err := e.Diff(ctx, input.AssessmentID, input.From, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(DiffResponse{From: input.From, To: input.To, Changes: nonNilSlice(changes)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "versions-replay",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/versions/{version_id}/replay",
		Summary:     "Rebuild responses from a version up to a sequence",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		VersionID    string `path:"version_id"`
		To           int64  `query:"to" doc:"Last sequence to fold; 0 folds every change"`
	}) (*output[ReplayResponse], error) {
		responses, err := e.Replay(ctx, input.VersionID, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		if responses == nil {
			responses = domain.ResponseMap{}
		}
		return ok(ReplayResponse{FromVersionID: input.VersionID, ToSequence: input.To, Responses: responses}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "branches-create",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/branches",
		Summary:       "Branch from a version",
		DefaultStatus: http.StatusCreated,
		Errors:        changeErrors,
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		Body         BranchRequest
	}) (*output[domain.AssessmentVersion], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Branch(ctx, engine.BranchInput{
			AssessmentID:  input.AssessmentID,
			FromVersionID: input.Body.FromVersionID,
			Name:          strings.TrimSpace(input.Body.Name),
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "branches-list",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/branches",
		Summary:     "List branches",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*output[[]domain.Branch], error) {
		items, err := e.Branches(ctx, input.AssessmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "changes-list",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/changes",
		Summary:     "List change-log entries in sequence order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		Branch       string `query:"branch"`
		After        int64  `query:"after"`
		UpTo         int64  `query:"up_to"`
		Kind         string `query:"kind"`
		Limit        int    `query:"limit"`
	}) (*output[[]domain.AssessmentChange], error) {
		items, err := e.Changes(ctx, input.AssessmentID, repo.ChangeFilter{
			Branch: input.Branch,
			After:  input.After,
			UpTo:   input.UpTo,
			Kind:   domain.ChangeKind(input.Kind),
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "graph-validate",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/graph/validate",
		Summary:     "Check the version graph for cycles and missing parents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assessmentPath) (*output[GraphResponse], error) {
		if _, err := e.GetAssessment(ctx, input.AssessmentID); err != nil {
			return nil, handleError(err)
		}
		if err := e.ValidateGraph(ctx, input.AssessmentID); err != nil {
			return ok(GraphResponse{Valid: false, Error: err.Error()}), nil
		}
		return ok(GraphResponse{Valid: true}), nil
	})
}

func registerMerges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "merges-create",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/merges",
		Summary:       "Merge versions; the first source is the target head",
		DefaultStatus: http.StatusCreated,
		Errors:        changeErrors,
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		Body         MergeRequest
	}) (*output[domain.AssessmentVersion], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Merge(ctx, engine.MergeInput{
			AssessmentID:     input.AssessmentID,
			SourceVersionIDs: input.Body.SourceVersionIDs,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merges-resolve",
		Method:      http.MethodPost,
		Path:        "/assessments/{assessment_id}/versions/{version_id}/conflicts/resolve",
		Summary:     "Resolve a merge conflict by choosing a candidate",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		AssessmentID string `path:"assessment_id"`
		VersionID    string `path:"version_id"`
		IfMatch      string `header:"If-Match"`
		Body         MergeResolveRequest
	}) (*output[[]domain.AssessmentChange], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		changes, err := e.ResolveMergeConflict(ctx, engine.MergeResolveInput{
			AssessmentID:       input.AssessmentID,
			VersionID:          input.VersionID,
			QuestionID:         input.Body.QuestionID,
			CandidateVersionID: input.Body.CandidateVersionID,
			ActorID:            actorID,
			ExpectedHead:       etag(input.IfMatch),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(changes)), nil
	})
}
