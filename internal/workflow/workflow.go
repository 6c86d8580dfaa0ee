// Package workflow is the review stage state machine.
package workflow

import (
	"fmt"
	"math"
	"sort"
	"time"

	"assessline/internal/config"
	"assessline/internal/domain"
)

// RoleCoverage is the progress of one role across its current assignments.
type RoleCoverage struct {
	Assignments int
	Progress    float64
}

// Roster maps roles to their coverage.
type Roster map[string]RoleCoverage

// NewRoster summarizes current assignments. A role's progress is the mean of
// its assignments' progress.
func NewRoster(assignments []domain.AssignedRole) Roster {
	sums := map[string]float64{}
	r := Roster{}
	for _, a := range assignments {
		if !a.Current() {
			continue
		}
		cov := r[a.Role]
		cov.Assignments++
		r[a.Role] = cov
		sums[a.Role] += a.Progress
	}
	for role, cov := range r {
		cov.Progress = sums[role] / float64(cov.Assignments)
		r[role] = cov
	}
	return r
}

// Transition is one stage status change.
type Transition struct {
	StageID string
	From    domain.StageStatus
	To      domain.StageStatus
}

// FromTemplate builds a pending workflow. Stage deadlines are offsets from start.
func FromTemplate(assessmentID string, stages []config.StageTemplate, start time.Time) domain.ReviewWorkflow {
	w := domain.ReviewWorkflow{AssessmentID: assessmentID, Status: domain.WorkflowPending, UpdatedAt: start}
	for i, tmpl := range stages {
		w.Stages = append(w.Stages, stageFromTemplate(tmpl, i, start))
	}
	return w
}

func stageFromTemplate(tmpl config.StageTemplate, position int, start time.Time) domain.WorkflowStage {
	st := domain.WorkflowStage{
		ID:               tmpl.ID,
		Kind:             tmpl.Kind,
		Name:             tmpl.Name,
		Position:         position,
		RequiredRoles:    append([]string(nil), tmpl.RequiredRoles...),
		Status:           domain.StagePending,
		ApprovalRequired: tmpl.ApprovalRequired,
		Weight:           tmpl.Weight,
	}
	if st.Name == "" {
		st.Name = tmpl.ID
	}
	if tmpl.DeadlineDays > 0 {
		d := start.Add(time.Duration(tmpl.DeadlineDays) * 24 * time.Hour)
		st.Deadline = &d
	}
	return st
}

func ensureStageTransition(st domain.WorkflowStage, to domain.StageStatus) error {
	switch st.Status {
	case domain.StagePending:
		if to == domain.StageActive || to == domain.StageSkipped {
			return nil
		}
	case domain.StageActive:
		if to == domain.StageDone || to == domain.StageSkipped {
			return nil
		}
	case domain.StageDone, domain.StageSkipped:
	}
	return &domain.InvalidTransitionError{StageID: st.ID, From: st.Status, To: to, Reason: "transition not allowed"}
}

// CanActivate reports why stage i may not become active, or nil.
func CanActivate(w domain.ReviewWorkflow, i int, roster Roster) error {
	st := w.Stages[i]
	if err := ensureStageTransition(st, domain.StageActive); err != nil {
		return err
	}
	for _, prev := range w.Stages[:i] {
		if !prev.Status.Settled() {
			return &domain.InvalidTransitionError{StageID: st.ID, From: st.Status, To: domain.StageActive,
				Reason: fmt.Sprintf("stage %s is %s", prev.ID, prev.Status)}
		}
	}
	if len(st.RequiredRoles) == 0 {
		return nil
	}
	for _, role := range st.RequiredRoles {
		if roster[role].Assignments > 0 {
			return nil
		}
	}
	return &domain.InvalidTransitionError{StageID: st.ID, From: st.Status, To: domain.StageActive,
		Reason: "no required role is assigned"}
}

// CanComplete reports why stage i may not be completed, or nil.
func CanComplete(w domain.ReviewWorkflow, i int, roster Roster) error {
	st := w.Stages[i]
	if err := ensureStageTransition(st, domain.StageDone); err != nil {
		return err
	}
	for _, role := range st.RequiredRoles {
		cov := roster[role]
		if cov.Assignments == 0 {
			return &domain.InvalidTransitionError{StageID: st.ID, From: st.Status, To: domain.StageDone,
				Reason: fmt.Sprintf("required role %s is not assigned", role)}
		}
		if cov.Progress < 100 {
			return &domain.InvalidTransitionError{StageID: st.ID, From: st.Status, To: domain.StageDone,
				Reason: fmt.Sprintf("required role %s is at %.0f%%", role, cov.Progress)}
		}
	}
	if st.ApprovalRequired && !st.Approved() {
		return &domain.InvalidTransitionError{StageID: st.ID, From: st.Status, To: domain.StageDone,
			Reason: "approval has not been recorded"}
	}
	return nil
}

// Activate moves a pending stage to active.
func Activate(w domain.ReviewWorkflow, stageID string, roster Roster, now time.Time) (domain.ReviewWorkflow, Transition, error) {
	w = clone(w)
	_, i, ok := w.Stage(stageID)
	if !ok {
		return w, Transition{}, fmt.Errorf("stage %s not found", stageID)
	}
	if err := CanActivate(w, i, roster); err != nil {
		return w, Transition{}, err
	}
	tr := setStatus(&w.Stages[i], domain.StageActive, now)
	refresh(&w, roster, now)
	return w, tr, nil
}

// Complete moves an active stage to completed.
func Complete(w domain.ReviewWorkflow, stageID string, roster Roster, now time.Time) (domain.ReviewWorkflow, Transition, error) {
	w = clone(w)
	_, i, ok := w.Stage(stageID)
	if !ok {
		return w, Transition{}, fmt.Errorf("stage %s not found", stageID)
	}
	if err := CanComplete(w, i, roster); err != nil {
		return w, Transition{}, err
	}
	tr := setStatus(&w.Stages[i], domain.StageDone, now)
	refresh(&w, roster, now)
	return w, tr, nil
}

// Skip marks a pending or active stage as skipped.
func Skip(w domain.ReviewWorkflow, stageID string, roster Roster, now time.Time) (domain.ReviewWorkflow, Transition, error) {
	w = clone(w)
	_, i, ok := w.Stage(stageID)
	if !ok {
		return w, Transition{}, fmt.Errorf("stage %s not found", stageID)
	}
	if err := ensureStageTransition(w.Stages[i], domain.StageSkipped); err != nil {
		return w, Transition{}, err
	}
	tr := setStatus(&w.Stages[i], domain.StageSkipped, now)
	refresh(&w, roster, now)
	return w, tr, nil
}

// RecordApproval notes the change sequence that approved an active stage.
func RecordApproval(w domain.ReviewWorkflow, stageID string, sequence int64, now time.Time) (domain.ReviewWorkflow, error) {
	w = clone(w)
	st, i, ok := w.Stage(stageID)
	if !ok {
		return w, fmt.Errorf("stage %s not found", stageID)
	}
	if st.Status != domain.StageActive {
		return w, &domain.InvalidTransitionError{StageID: st.ID, From: st.Status, To: st.Status, Reason: "only an active stage can be approved"}
	}
	if !st.ApprovalRequired {
		return w, &domain.InvalidTransitionError{StageID: st.ID, From: st.Status, To: st.Status, Reason: "stage does not require approval"}
	}
	seq := sequence
	w.Stages[i].ApprovalSequence = &seq
	w.UpdatedAt = now
	return w, nil
}

// Reset forces the workflow back to an earlier stage. The target becomes
// active and every later stage that had started returns to pending; skipped
// stages stay skipped. Approvals from the target onward are cleared.
func Reset(w domain.ReviewWorkflow, stageID string, roster Roster, now time.Time) (domain.ReviewWorkflow, []Transition, error) {
	w = clone(w)
	st, i, ok := w.Stage(stageID)
	if !ok {
		return w, nil, fmt.Errorf("stage %s not found", stageID)
	}
	if st.Status == domain.StagePending || st.Status == domain.StageSkipped {
		return w, nil, &domain.InvalidTransitionError{StageID: st.ID, From: st.Status, To: domain.StageActive,
			Reason: "reset target must be active or completed"}
	}
	var out []Transition
	if st.Status != domain.StageActive {
		out = append(out, setStatus(&w.Stages[i], domain.StageActive, now))
	}
	w.Stages[i].ApprovalSequence = nil
	w.Stages[i].CompletedAt = nil
	for j := i + 1; j < len(w.Stages); j++ {
		later := &w.Stages[j]
		if later.Status == domain.StageActive || later.Status == domain.StageDone {
			out = append(out, Transition{StageID: later.ID, From: later.Status, To: domain.StagePending})
			later.Status = domain.StagePending
			later.ActivatedAt = nil
			later.CompletedAt = nil
		}
		later.ApprovalSequence = nil
	}
	refresh(&w, roster, now)
	return w, out, nil
}

// AddStage inserts a pending stage after the stage afterID, or at the end when
// afterID is empty. Stages that have started stay before the new one.
func AddStage(w domain.ReviewWorkflow, tmpl config.StageTemplate, afterID string, roster Roster, now time.Time) (domain.ReviewWorkflow, error) {
	w = clone(w)
	if _, _, exists := w.Stage(tmpl.ID); exists {
		return w, fmt.Errorf("stage %s already exists", tmpl.ID)
	}
	if !tmpl.Kind.Valid() {
		return w, fmt.Errorf("unknown stage kind %s", tmpl.Kind)
	}
	pos := len(w.Stages)
	if afterID != "" {
		_, i, ok := w.Stage(afterID)
		if !ok {
			return w, fmt.Errorf("stage %s not found", afterID)
		}
		pos = i + 1
	}
	for _, later := range w.Stages[pos:] {
		if later.Status != domain.StagePending {
			return w, &domain.InvalidTransitionError{StageID: tmpl.ID, From: domain.StagePending, To: domain.StagePending,
				Reason: fmt.Sprintf("cannot insert before stage %s which is %s", later.ID, later.Status)}
		}
	}
	st := stageFromTemplate(tmpl, pos, now)
	stages := make([]domain.WorkflowStage, 0, len(w.Stages)+1)
	stages = append(stages, w.Stages[:pos]...)
	stages = append(stages, st)
	stages = append(stages, w.Stages[pos:]...)
	for j := range stages {
		stages[j].Position = j
	}
	w.Stages = stages
	refresh(&w, roster, now)
	return w, nil
}

// Evaluate advances the workflow as far as the current roster allows: an
// active stage that meets its completion rules completes, and the next stage
// activates when it can.
func Evaluate(w domain.ReviewWorkflow, roster Roster, now time.Time) (domain.ReviewWorkflow, []Transition) {
	w = clone(w)
	var out []Transition
	for i := range w.Stages {
		st := &w.Stages[i]
		if st.Status.Settled() {
			continue
		}
		if st.Status == domain.StagePending {
			if CanActivate(w, i, roster) != nil {
				break
			}
			out = append(out, setStatus(st, domain.StageActive, now))
		}
		if CanComplete(w, i, roster) != nil {
			break
		}
		out = append(out, setStatus(st, domain.StageDone, now))
	}
	refresh(&w, roster, now)
	return w, out
}

// Status derives the overall workflow status from its stages.
func Status(w domain.ReviewWorkflow) domain.WorkflowStatus {
	allSettled := true
	started := false
	for _, st := range w.Stages {
		if !st.Status.Settled() {
			allSettled = false
		}
		if st.Status != domain.StagePending {
			started = true
		}
	}
	switch {
	case allSettled:
		return domain.WorkflowCompleted
	case started:
		return domain.WorkflowInProgress
	default:
		return domain.WorkflowPending
	}
}

// OverallProgress is the weighted mean of stage completion over the stages
// that are not skipped, in percent. A stage without a positive weight counts
// once.
func OverallProgress(w domain.ReviewWorkflow, roster Roster) float64 {
	var total, done float64
	for _, st := range w.Stages {
		if st.Status == domain.StageSkipped {
			continue
		}
		weight := st.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight
		done += weight * StageProgress(st, roster)
	}
	if total == 0 {
		return 100
	}
	return math.Round(done/total*10000) / 100
}

// StageProgress is the completion of one stage between 0 and 1.
func StageProgress(st domain.WorkflowStage, roster Roster) float64 {
	switch st.Status {
	case domain.StageDone:
		return 1
	case domain.StageActive:
		if len(st.RequiredRoles) == 0 {
			return 0
		}
		var sum float64
		for _, role := range st.RequiredRoles {
			sum += math.Min(roster[role].Progress, 100)
		}
		return sum / float64(len(st.RequiredRoles)) / 100
	case domain.StagePending, domain.StageSkipped:
	}
	return 0
}

func setStatus(st *domain.WorkflowStage, to domain.StageStatus, now time.Time) Transition {
	tr := Transition{StageID: st.ID, From: st.Status, To: to}
	st.Status = to
	ts := now
	switch to {
	case domain.StageActive:
		st.ActivatedAt = &ts
		st.CompletedAt = nil
	case domain.StageDone, domain.StageSkipped:
		st.CompletedAt = &ts
	case domain.StagePending:
		st.ActivatedAt = nil
		st.CompletedAt = nil
	}
	return tr
}

func refresh(w *domain.ReviewWorkflow, roster Roster, now time.Time) {
	sort.SliceStable(w.Stages, func(i, j int) bool { return w.Stages[i].Position < w.Stages[j].Position })
	w.Status = Status(*w)
	w.OverallProgress = OverallProgress(*w, roster)
	w.UpdatedAt = now
}

func clone(w domain.ReviewWorkflow) domain.ReviewWorkflow {
	out := w
	out.Stages = make([]domain.WorkflowStage, len(w.Stages))
	for i, st := range w.Stages {
		st.RequiredRoles = append([]string(nil), st.RequiredRoles...)
		out.Stages[i] = st
	}
	return out
}
