package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"assessline/internal/config"
	"assessline/internal/domain"
	"assessline/internal/events"
	"assessline/internal/workflow"
)

func (e Engine) Workflow(ctx context.Context, assessmentID string) (domain.ReviewWorkflow, error) {
	return e.Repo.GetWorkflow(ctx, nil, assessmentID)
}

type StageInput struct {
	AssessmentID string
	StageID      string
	ActorID      string
	// ExpectedHead is the main head the caller saw; empty skips the check.
	ExpectedHead string
	// Comment is logged with reset and approval changes.
	Comment string
}

type stageMove func(w domain.ReviewWorkflow, stageID string, roster workflow.Roster, now time.Time) (domain.ReviewWorkflow, workflow.Transition, error)

func (e Engine) ActivateStage(ctx context.Context, in StageInput) (domain.ReviewWorkflow, error) {
	return e.moveStage(ctx, "activate_stage", in, workflow.Activate)
}

func (e Engine) CompleteStage(ctx context.Context, in StageInput) (domain.ReviewWorkflow, error) {
	return e.moveStage(ctx, "complete_stage", in, workflow.Complete)
}

func (e Engine) SkipStage(ctx context.Context, in StageInput) (domain.ReviewWorkflow, error) {
	return e.moveStage(ctx, "skip_stage", in, workflow.Skip)
}

// stageTx loads what a workflow operation needs: the main branch, the roster
// and the stored workflow. The caller must hold one of roles, and the main
// head must still be the one the caller saw.
func (e Engine) stageTx(ctx context.Context, tx *sql.Tx, in StageInput, roles []string) (branchState, workflow.Roster, domain.ReviewWorkflow, error) {
	bs, err := e.loadBranch(ctx, tx, in.AssessmentID, domain.MainBranch)
	if err != nil {
		return bs, nil, domain.ReviewWorkflow{}, err
	}
	if err := e.checkHead(bs, in.ExpectedHead); err != nil {
		return bs, nil, domain.ReviewWorkflow{}, err
	}
	if err := e.Auth.RequireAny(ctx, tx, in.AssessmentID, in.ActorID, roles); err != nil {
		return bs, nil, domain.ReviewWorkflow{}, err
	}
	assignments, err := e.Repo.ListAssignments(ctx, tx, in.AssessmentID, true)
	if err != nil {
		return bs, nil, domain.ReviewWorkflow{}, err
	}
	w, err := e.Repo.GetWorkflow(ctx, tx, in.AssessmentID)
	if err != nil {
		return bs, nil, domain.ReviewWorkflow{}, err
	}
	return bs, workflow.NewRoster(assignments), w, nil
}

func (e Engine) moveStage(ctx context.Context, op string, in StageInput, move stageMove) (domain.ReviewWorkflow, error) {
	var out domain.ReviewWorkflow
	err := e.write(ctx, op, in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		bs, roster, w, err := e.stageTx(ctx, tx, in, e.Config.Roles.Admins)
		if err != nil {
			return err
		}
		w, tr, err := move(w, in.StageID, roster, e.now())
		if err != nil {
			return err
		}
		if err := e.Repo.SaveWorkflow(ctx, tx, w); err != nil {
			return err
		}
		if err := e.noteTransitions(ctx, tx, in.AssessmentID, in.ActorID, []workflow.Transition{tr}, ob); err != nil {
			return err
		}
		if err := e.reconcile(ctx, tx, in.AssessmentID, &bs, in.ActorID, true, ob); err != nil {
			return err
		}
		out, err = e.Repo.GetWorkflow(ctx, tx, in.AssessmentID)
		return err
	})
	return out, err
}

// ResetToStage forces the workflow back to an earlier stage. It is logged as
// a structure change; the workflow then waits for the next mutation before
// advancing again.
func (e Engine) ResetToStage(ctx context.Context, in StageInput) (domain.ReviewWorkflow, error) {
	var out domain.ReviewWorkflow
	err := e.write(ctx, "reset_to_stage", in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		bs, roster, w, err := e.stageTx(ctx, tx, in, e.Config.Roles.Admins)
		if err != nil {
			return err
		}
		w, trs, err := workflow.Reset(w, in.StageID, roster, e.now())
		if err != nil {
			return err
		}
		c := domain.AssessmentChange{
			Kind:       domain.ChangeStructureChanged,
			TargetKind: domain.TargetStage,
			TargetID:   in.StageID,
			NewValue:   domain.TextValue("reset"),
			Comment:    in.Comment,
			Actor:      in.ActorID,
		}
		if _, err := e.appendChange(ctx, tx, &bs, c); err != nil {
			return err
		}
		if err := e.Repo.SaveWorkflow(ctx, tx, w); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.WorkflowReset, in.AssessmentID, "stage", in.StageID, in.ActorID, domain.EventPayload{StageID: in.StageID}); err != nil {
			return err
		}
		if err := e.noteTransitions(ctx, tx, in.AssessmentID, in.ActorID, trs, ob); err != nil {
			return err
		}
		if err := e.reconcile(ctx, tx, in.AssessmentID, &bs, in.ActorID, false, ob); err != nil {
			return err
		}
		out, err = e.Repo.GetWorkflow(ctx, tx, in.AssessmentID)
		return err
	})
	return out, err
}

// RecordApproval logs an approval change for the active stage. Approver
// roles only.
func (e Engine) RecordApproval(ctx context.Context, in StageInput) (domain.ReviewWorkflow, error) {
	var out domain.ReviewWorkflow
	err := e.write(ctx, "record_approval", in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		bs, _, w, err := e.stageTx(ctx, tx, in, e.Config.Roles.Approvers)
		if err != nil {
			return err
		}
		st, _, ok := w.Stage(in.StageID)
		if !ok {
			return fmt.Errorf("stage %s not found", in.StageID)
		}
		if st.Status != domain.StageActive || !st.ApprovalRequired {
			_, err := workflow.RecordApproval(w, in.StageID, 0, e.now())
			return err
		}
		c, err := e.appendChange(ctx, tx, &bs, domain.AssessmentChange{
			Kind:       domain.ChangeApprovalRecorded,
			TargetKind: domain.TargetStage,
			TargetID:   in.StageID,
			NewValue:   domain.TextValue(string(domain.ApprovalApproved)),
			Comment:    in.Comment,
			Actor:      in.ActorID,
		})
		if err != nil {
			return err
		}
		if w, err = workflow.RecordApproval(w, in.StageID, c.Sequence, e.now()); err != nil {
			return err
		}
		if err := e.Repo.SaveWorkflow(ctx, tx, w); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.StageApproved, in.AssessmentID, "stage", in.StageID, in.ActorID, domain.EventPayload{StageID: in.StageID}); err != nil {
			return err
		}
		if err := e.reconcile(ctx, tx, in.AssessmentID, &bs, in.ActorID, true, ob); err != nil {
			return err
		}
		out, err = e.Repo.GetWorkflow(ctx, tx, in.AssessmentID)
		return err
	})
	return out, err
}

type AddStageInput struct {
	AssessmentID string
	Stage        config.StageTemplate
	// AfterID places the stage after an existing one; empty appends.
	AfterID      string
	ActorID      string
	ExpectedHead string
}

// AddStage inserts a pending stage, logged as a structure change.
func (e Engine) AddStage(ctx context.Context, in AddStageInput) (domain.ReviewWorkflow, error) {
	if in.Stage.ID == "" {
		return domain.ReviewWorkflow{}, errors.New("stage id required")
	}
	if in.Stage.Weight < 0 {
		return domain.ReviewWorkflow{}, fmt.Errorf("stage %s has negative weight", in.Stage.ID)
	}
	var out domain.ReviewWorkflow
	err := e.write(ctx, "add_stage", in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		bs, roster, w, err := e.stageTx(ctx, tx, StageInput{AssessmentID: in.AssessmentID, StageID: in.Stage.ID, ActorID: in.ActorID, ExpectedHead: in.ExpectedHead}, e.Config.Roles.Admins)
		if err != nil {
			return err
		}
		if w, err = workflow.AddStage(w, in.Stage, in.AfterID, roster, e.now()); err != nil {
			return err
		}
		c := domain.AssessmentChange{
			Kind:       domain.ChangeStructureChanged,
			TargetKind: domain.TargetStage,
			TargetID:   in.Stage.ID,
			NewValue:   domain.TextValue("add"),
			Comment:    in.AfterID,
			Actor:      in.ActorID,
		}
		if _, err := e.appendChange(ctx, tx, &bs, c); err != nil {
			return err
		}
		if err := e.Repo.SaveWorkflow(ctx, tx, w); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.StageAdded, in.AssessmentID, "stage", in.Stage.ID, in.ActorID, domain.EventPayload{StageID: in.Stage.ID}); err != nil {
			return err
		}
		if err := e.reconcile(ctx, tx, in.AssessmentID, &bs, in.ActorID, true, ob); err != nil {
			return err
		}
		out, err = e.Repo.GetWorkflow(ctx, tx, in.AssessmentID)
		return err
	})
	return out, err
}
