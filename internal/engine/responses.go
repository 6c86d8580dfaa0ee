package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"assessline/internal/blockers"
	"assessline/internal/config"
	"assessline/internal/consensus"
	"assessline/internal/domain"
	"assessline/internal/engine/auth"
	"assessline/internal/events"
	"assessline/internal/workflow"
)

// ChangeRef names the branch a change goes to and the head the caller saw.
// An empty ExpectedHead skips the head check.
type ChangeRef struct {
	AssessmentID string
	Branch       string
	ActorID      string
	ExpectedHead string
}

// ChangeResult is an accepted change. Response is the refreshed role response
// record of the question, nil when nobody answers it. Version is set when the
// change was committed right away.
type ChangeResult struct {
	Change   domain.AssessmentChange   `json:"change"`
	Response *domain.RoleResponse      `json:"response,omitempty"`
	Version  *domain.AssessmentVersion `json:"version,omitempty"`
}

// change runs one change-log append: load the branch, check the head,
// build and append the change, optionally commit, reconcile.
func (e Engine) change(ctx context.Context, op string, ref ChangeRef, build func(tx *sql.Tx, bs branchState) (domain.AssessmentChange, error)) (ChangeResult, error) {
	var out ChangeResult
	err := e.write(ctx, op, ref.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		if ref.ActorID == "" {
			return errors.New("actor_id required")
		}
		bs, err := e.loadBranch(ctx, tx, ref.AssessmentID, ref.Branch)
		if err != nil {
			return err
		}
		if err := e.checkHead(bs, ref.ExpectedHead); err != nil {
			return err
		}
		c, err := build(tx, bs)
		if err != nil {
			return err
		}
		c.Actor = ref.ActorID
		if out.Change, err = e.appendChange(ctx, tx, &bs, c); err != nil {
			return err
		}
		evt := events.ChangeAppended
		if c.Kind == domain.ChangeConflictResolved {
			evt = events.ConflictResolved
		}
		if err := e.events().Append(ctx, tx, evt, ref.AssessmentID, "change", out.Change.ID, ref.ActorID, domain.EventPayload{Branch: bs.Branch.Name}); err != nil {
			return err
		}
		if e.Config.Versioning.AutoCommit {
			v, err := e.commit(ctx, tx, &bs, bs.Head.ID, nil, ref.ActorID)
			if err != nil {
				return fmt.Errorf("auto commit: %w", err)
			}
			out.Version = &v
		}
		if c.TargetKind == domain.TargetQuestion {
			rr, err := e.Repo.GetRoleResponse(ctx, tx, ref.AssessmentID, bs.Branch.Name, c.TargetID)
			switch {
			case err == nil:
				out.Response = &rr
			case !isNotFound(err):
				return err
			}
		}
		return e.reconcile(ctx, tx, ref.AssessmentID, &bs, ref.ActorID, true, ob)
	})
	return out, err
}

func (e Engine) question(bs branchState, id string) (config.PlacedQuestion, error) {
	q, ok := bs.Framework.Question(id)
	if !ok {
		return q, fmt.Errorf("question %s is not in framework %s", id, bs.Assessment.FrameworkID)
	}
	return q, nil
}

// authorizeAnswer checks that actor may answer q as role: through a grant of
// the role, or a current assignment of the role covering the question.
func (e Engine) authorizeAnswer(ctx context.Context, tx *sql.Tx, assessmentID, actorID, role string, q config.PlacedQuestion) error {
	granted, err := e.Auth.ActorHasRole(ctx, tx, assessmentID, actorID, role)
	if err != nil || granted {
		return err
	}
	assignments, err := e.Repo.ListAssignments(ctx, tx, assessmentID, true)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.ActorID == actorID && a.Role == role && workflow.Covers(a, q.SectionID, q.CategoryID) {
			return nil
		}
	}
	return auth.ForbiddenError{Permission: role}
}

type SubmitInput struct {
	ChangeRef
	QuestionID string
	Role       string
	Value      float64
	Confidence *float64
	Comment    string
	// ExpectedValue is the role's answer the caller saw; nil means no answer
	// was seen. It is checked only when CheckValue is set.
	ExpectedValue  *float64
	CheckValue     bool
	ReviewRequired bool
}

// SubmitResponse records a role's answer to a question and recomputes the
// question's consensus.
func (e Engine) SubmitResponse(ctx context.Context, in SubmitInput) (ChangeResult, error) {
	if in.Role == "" {
		return ChangeResult{}, errors.New("role required")
	}
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 1) {
		return ChangeResult{}, fmt.Errorf("confidence %v is outside 0..1", *in.Confidence)
	}
	return e.change(ctx, "submit_response", in.ChangeRef, func(tx *sql.Tx, bs branchState) (domain.AssessmentChange, error) {
		q, err := e.question(bs, in.QuestionID)
		if err != nil {
			return domain.AssessmentChange{}, err
		}
		if err := checkOption(q, in.Value); err != nil {
			return domain.AssessmentChange{}, err
		}
		if err := e.authorizeAnswer(ctx, tx, in.AssessmentID, in.ActorID, in.Role, q); err != nil {
			return domain.AssessmentChange{}, err
		}
		c := domain.AssessmentChange{
			Kind:           domain.ChangeResponseAdded,
			TargetKind:     domain.TargetQuestion,
			TargetID:       q.ID,
			Role:           in.Role,
			NewValue:       domain.NumberValue(in.Value),
			Comment:        in.Comment,
			Confidence:     in.Confidence,
			ReviewRequired: in.ReviewRequired,
		}
		old, had := bs.State.Responses[q.ID].Values[in.Role]
		seen := in.ExpectedValue
		if !in.CheckValue && had {
			seen = &old
		}
		if seen != nil {
			c.Kind = domain.ChangeResponseModified
			c.OldValue = domain.NumberValue(*seen)
		}
		return c, nil
	})
}

type RemoveInput struct {
	ChangeRef
	QuestionID    string
	Role          string
	ExpectedValue *float64
}

// RemoveResponse withdraws a role's answer.
func (e Engine) RemoveResponse(ctx context.Context, in RemoveInput) (ChangeResult, error) {
	return e.change(ctx, "remove_response", in.ChangeRef, func(tx *sql.Tx, bs branchState) (domain.AssessmentChange, error) {
		q, err := e.question(bs, in.QuestionID)
		if err != nil {
			return domain.AssessmentChange{}, err
		}
		if err := e.authorizeAnswer(ctx, tx, in.AssessmentID, in.ActorID, in.Role, q); err != nil {
			return domain.AssessmentChange{}, err
		}
		c := domain.AssessmentChange{Kind: domain.ChangeResponseRemoved, TargetKind: domain.TargetQuestion, TargetID: q.ID, Role: in.Role}
		if in.ExpectedValue != nil {
			c.OldValue = domain.NumberValue(*in.ExpectedValue)
		} else if old, ok := bs.State.Responses[q.ID].Values[in.Role]; ok {
			c.OldValue = domain.NumberValue(old)
		}
		return c, nil
	})
}

type NoteInput struct {
	ChangeRef
	QuestionID string
	Note       string
	// ExpectedNote is the note the caller saw; nil takes the recorded one.
	ExpectedNote *string
}

func (e Engine) RecordNote(ctx context.Context, in NoteInput) (ChangeResult, error) {
	return e.change(ctx, "record_note", in.ChangeRef, func(tx *sql.Tx, bs branchState) (domain.AssessmentChange, error) {
		q, err := e.question(bs, in.QuestionID)
		if err != nil {
			return domain.AssessmentChange{}, err
		}
		if err := e.Auth.RequireMember(ctx, tx, in.AssessmentID, in.ActorID); err != nil {
			return domain.AssessmentChange{}, err
		}
		old := bs.State.Responses[q.ID].Note
		if in.ExpectedNote != nil {
			old = *in.ExpectedNote
		}
		c := domain.AssessmentChange{Kind: domain.ChangeNoteChanged, TargetKind: domain.TargetQuestion, TargetID: q.ID, NewValue: domain.TextValue(in.Note)}
		if old != "" {
			c.OldValue = domain.TextValue(old)
		}
		return c, nil
	})
}

type EvidenceInput struct {
	ChangeRef
	QuestionID string
	EvidenceID string
}

func (e Engine) LinkEvidence(ctx context.Context, in EvidenceInput) (ChangeResult, error) {
	return e.evidence(ctx, "link_evidence", domain.ChangeEvidenceLinked, in)
}

func (e Engine) UnlinkEvidence(ctx context.Context, in EvidenceInput) (ChangeResult, error) {
	return e.evidence(ctx, "unlink_evidence", domain.ChangeEvidenceUnlinked, in)
}

func (e Engine) evidence(ctx context.Context, op string, kind domain.ChangeKind, in EvidenceInput) (ChangeResult, error) {
	if in.EvidenceID == "" {
		return ChangeResult{}, errors.New("evidence id required")
	}
	return e.change(ctx, op, in.ChangeRef, func(tx *sql.Tx, bs branchState) (domain.AssessmentChange, error) {
		q, err := e.question(bs, in.QuestionID)
		if err != nil {
			return domain.AssessmentChange{}, err
		}
		if err := e.Auth.RequireMember(ctx, tx, in.AssessmentID, in.ActorID); err != nil {
			return domain.AssessmentChange{}, err
		}
		c := domain.AssessmentChange{Kind: kind, TargetKind: domain.TargetQuestion, TargetID: q.ID}
		if kind == domain.ChangeEvidenceLinked {
			c.NewValue = domain.TextValue(in.EvidenceID)
		} else {
			c.OldValue = domain.TextValue(in.EvidenceID)
		}
		return c, nil
	})
}

type TimeInput struct {
	ChangeRef
	Seconds float64
}

// AddTimeSpent adds to the time spent recorded on the branch.
func (e Engine) AddTimeSpent(ctx context.Context, in TimeInput) (ChangeResult, error) {
	if in.Seconds <= 0 {
		return ChangeResult{}, fmt.Errorf("seconds must be positive, got %v", in.Seconds)
	}
	return e.change(ctx, "add_time_spent", in.ChangeRef, func(tx *sql.Tx, bs branchState) (domain.AssessmentChange, error) {
		if err := e.Auth.RequireMember(ctx, tx, in.AssessmentID, in.ActorID); err != nil {
			return domain.AssessmentChange{}, err
		}
		cur := bs.State.TimeSpentSeconds
		return domain.AssessmentChange{
			Kind:       domain.ChangeMetadataUpdated,
			TargetKind: domain.TargetMetadata,
			TargetID:   domain.MetadataTimeSpent,
			OldValue:   domain.NumberValue(cur),
			NewValue:   domain.NumberValue(cur + in.Seconds),
		}, nil
	})
}

type ResolveInput struct {
	ChangeRef
	QuestionID string
	Method     domain.ResolutionMethod
	// Value is required for manual and reviewer decisions.
	Value     *float64
	Rationale string
}

// ResolveConflict settles diverging role answers to a question. Only
// resolver roles may do it, and only while the answers diverge.
func (e Engine) ResolveConflict(ctx context.Context, in ResolveInput) (ChangeResult, error) {
	return e.change(ctx, "resolve_conflict", in.ChangeRef, func(tx *sql.Tx, bs branchState) (domain.AssessmentChange, error) {
		q, err := e.question(bs, in.QuestionID)
		if err != nil {
			return domain.AssessmentChange{}, err
		}
		if err := e.Auth.RequireAny(ctx, tx, in.AssessmentID, in.ActorID, e.Config.Roles.Resolvers); err != nil {
			return domain.AssessmentChange{}, err
		}
		r := bs.State.Responses[q.ID]
		raw := r.Clone()
		raw.Resolution = nil
		policy := blockers.Policy(e.Config, q.Question)
		res, err := consensus.Compute(q.ID, raw, policy)
		if err != nil {
			return domain.AssessmentChange{}, err
		}
		if res.Status != domain.ConsensusConflicted {
			return domain.AssessmentChange{}, &domain.InvalidChangeError{Kind: domain.ChangeConflictResolved, TargetID: q.ID,
				Reason: fmt.Sprintf("answers are %s, nothing to resolve", res.Status)}
		}
		method := in.Method
		if method == "" {
			method = policy.Method
		}
		resolution, err := consensus.Resolve(q.ID, r, policy, method, in.Value, in.ActorID, in.Rationale, e.now())
		if err != nil {
			return domain.AssessmentChange{}, err
		}
		c := domain.AssessmentChange{
			Kind:       domain.ChangeConflictResolved,
			TargetKind: domain.TargetQuestion,
			TargetID:   q.ID,
			NewValue:   &domain.ChangeValue{Resolution: resolution},
			Comment:    in.Rationale,
		}
		if r.Resolution != nil {
			c.OldValue = &domain.ChangeValue{Resolution: r.Resolution}
		}
		return c, nil
	})
}

// RoleResponses lists the role response records of a branch.
func (e Engine) RoleResponses(ctx context.Context, assessmentID, branch string) ([]domain.RoleResponse, error) {
	if branch == "" {
		branch = domain.MainBranch
	}
	if _, err := e.Repo.GetBranch(ctx, nil, assessmentID, branch); err != nil {
		return nil, fmt.Errorf("branch %s: %w", branch, err)
	}
	return e.Repo.ListRoleResponses(ctx, nil, assessmentID, branch)
}

// Consensus computes the consensus of a question on a branch's working
// state. An unanswered question yields ConsensusUnavailableError.
func (e Engine) Consensus(ctx context.Context, assessmentID, branch, questionID string) (consensus.Result, error) {
	var out consensus.Result
	err := e.read(ctx, func(tx *sql.Tx) error {
		bs, err := e.loadBranch(ctx, tx, assessmentID, branch)
		if err != nil {
			return err
		}
		q, err := e.question(bs, questionID)
		if err != nil {
			return err
		}
		out, err = consensus.Compute(q.ID, bs.State.Responses[q.ID], blockers.Policy(e.Config, q.Question))
		return err
	})
	return out, err
}

// WorkingState returns the response map of a branch including changes not yet
// committed to a version.
func (e Engine) WorkingState(ctx context.Context, assessmentID, branch string) (domain.ResponseMap, []domain.AssessmentChange, error) {
	var state domain.ResponseMap
	var pending []domain.AssessmentChange
	err := e.read(ctx, func(tx *sql.Tx) error {
		bs, err := e.loadBranch(ctx, tx, assessmentID, branch)
		if err != nil {
			return err
		}
		state, pending = bs.State.Responses, bs.Pending
		return nil
	})
	return state, pending, err
}
