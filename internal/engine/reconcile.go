package engine

import (
	"context"
	"database/sql"

	"assessline/internal/blockers"
	"assessline/internal/domain"
	"assessline/internal/events"
	"assessline/internal/workflow"
)

// reconcile brings derived state in line with the main branch after a
// mutation: assignment progress, the workflow, blockers and pending actions.
// With advance set the workflow moves forward as far as the roster allows.
func (e Engine) reconcile(ctx context.Context, tx *sql.Tx, assessmentID string, main *branchState, actorID string, advance bool, ob *outbox) error {
	if main == nil || main.Branch.Name != domain.MainBranch {
		bs, err := e.loadBranch(ctx, tx, assessmentID, domain.MainBranch)
		if err != nil {
			return err
		}
		main = &bs
	}
	now := e.now()

	assignments, err := e.Repo.ListAssignments(ctx, tx, assessmentID, false)
	if err != nil {
		return err
	}
	for i, a := range assignments {
		if !a.Current() {
			continue
		}
		progress := workflow.Coverage(main.Framework, main.State.Responses, a)
		status := domain.AssignmentActive
		if progress >= 100 {
			status = domain.AssignmentCompleted
		}
		if progress == a.Progress && status == a.Status {
			continue
		}
		if err := e.Repo.UpdateAssignmentProgress(ctx, tx, a.ID, progress, status, now); err != nil {
			return err
		}
		assignments[i].Progress = progress
		assignments[i].Status = status
		assignments[i].UpdatedAt = now
	}
	roster := workflow.NewRoster(assignments)

	w, err := e.Repo.GetWorkflow(ctx, tx, assessmentID)
	if err != nil {
		return err
	}
	var transitions []workflow.Transition
	if advance {
		w, transitions = workflow.Evaluate(w, roster, now)
	} else {
		w.Status = workflow.Status(w)
		w.OverallProgress = workflow.OverallProgress(w, roster)
		w.UpdatedAt = now
	}
	if err := e.Repo.SaveWorkflow(ctx, tx, w); err != nil {
		return err
	}
	if err := e.noteTransitions(ctx, tx, assessmentID, actorID, transitions, ob); err != nil {
		return err
	}

	open, err := e.Repo.ListMergeConflicts(ctx, tx, assessmentID, "", true)
	if err != nil {
		return err
	}
	mergeConflicts := make([]blockers.OpenMergeConflict, 0, len(open))
	for _, mc := range open {
		mergeConflicts = append(mergeConflicts, blockers.OpenMergeConflict{VersionID: mc.VersionID, QuestionID: mc.QuestionID})
	}
	prev, err := e.Repo.ListBlockers(ctx, tx, assessmentID)
	if err != nil {
		return err
	}
	res := blockers.Compute(blockers.Input{
		AssessmentID:   assessmentID,
		Owner:          main.Assessment.CreatedBy,
		Framework:      main.Framework,
		Config:         e.Config,
		Responses:      main.State.Responses,
		Workflow:       w,
		Assignments:    assignments,
		MergeConflicts: mergeConflicts,
		Now:            now,
	})
	detected := make(map[string]domain.AssessmentBlocker, len(prev))
	for _, b := range prev {
		detected[b.ID] = b
	}
	for i, b := range res.Blockers {
		if old, ok := detected[b.ID]; ok {
			res.Blockers[i].DetectedAt = old.DetectedAt
		}
	}
	if err := e.Repo.ReplaceBlockers(ctx, tx, assessmentID, res.Blockers); err != nil {
		return err
	}
	if err := e.Repo.ReplacePendingActions(ctx, tx, assessmentID, res.Actions); err != nil {
		return err
	}
	for _, b := range blockers.Raised(prev, res.Blockers) {
		payload := domain.EventPayload{BlockerKind: string(b.Kind), Severity: string(b.Severity), StageID: b.Scope.StageID, VersionID: b.Scope.VersionID}
		if err := e.events().Append(ctx, tx, events.BlockerRaised, assessmentID, "blocker", b.ID, actorID, payload); err != nil {
			return err
		}
		ob.blockers = append(ob.blockers, b)
	}
	return nil
}

func (e Engine) noteTransitions(ctx context.Context, tx *sql.Tx, assessmentID, actorID string, transitions []workflow.Transition, ob *outbox) error {
	for _, tr := range transitions {
		payload := domain.EventPayload{StageID: tr.StageID, FromStatus: string(tr.From), ToStatus: string(tr.To)}
		if err := e.events().Append(ctx, tx, events.StageTransitioned, assessmentID, "stage", tr.StageID, actorID, payload); err != nil {
			return err
		}
		e.logger().InfoContext(ctx, "stage transitioned", "assessment_id", assessmentID, "stage_id", tr.StageID, "from", tr.From, "to", tr.To)
		ob.transitions = append(ob.transitions, stageNote{assessmentID: assessmentID, stageID: tr.StageID, status: tr.To})
	}
	return nil
}

// read runs fn in a transaction that is always rolled back.
func (e Engine) read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

func (e Engine) Blockers(ctx context.Context, assessmentID string) ([]domain.AssessmentBlocker, error) {
	if _, err := e.Repo.GetAssessment(ctx, nil, assessmentID); err != nil {
		return nil, err
	}
	return e.Repo.ListBlockers(ctx, nil, assessmentID)
}

// PendingActions lists outstanding actions of an assessment, of an actor, or
// of an actor on one assessment.
func (e Engine) PendingActions(ctx context.Context, assessmentID, actorID string) ([]domain.PendingAction, error) {
	return e.Repo.ListPendingActions(ctx, nil, assessmentID, actorID)
}

// RecomputeBlockers reruns derivation without a change, so blockers that
// depend on the clock pick up passed deadlines.
func (e Engine) RecomputeBlockers(ctx context.Context, assessmentID, actorID string) ([]domain.AssessmentBlocker, error) {
	var out []domain.AssessmentBlocker
	err := e.write(ctx, "recompute_blockers", assessmentID, func(tx *sql.Tx, ob *outbox) error {
		if err := e.Repo.Touch(ctx, tx, assessmentID); err != nil {
			return err
		}
		if err := e.reconcile(ctx, tx, assessmentID, nil, actorID, true, ob); err != nil {
			return err
		}
		var err error
		out, err = e.Repo.ListBlockers(ctx, tx, assessmentID)
		return err
	})
	return out, err
}

// AuditTrail returns the recorded engine events of an assessment.
func (e Engine) AuditTrail(ctx context.Context, assessmentID string, afterID int64, limit int) ([]domain.Event, error) {
	return e.events().List(ctx, assessmentID, afterID, limit)
}
