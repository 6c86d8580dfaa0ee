package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessline/internal/config"
	"assessline/internal/domain"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func template() []config.StageTemplate {
	return []config.StageTemplate{
		{ID: "assessment", Kind: domain.StageAssessment, RequiredRoles: []string{"assessor"}, Weight: 2, DeadlineDays: 7},
		{ID: "review", Kind: domain.StageReview, RequiredRoles: []string{"R1", "R2"}, Weight: 1},
		{ID: "approval", Kind: domain.StageApproval, RequiredRoles: []string{"approver"}, ApprovalRequired: true, Weight: 1},
		{ID: "completed", Kind: domain.StageCompleted},
	}
}

func roster(progress map[string]float64) Roster {
	r := Roster{}
	for role, p := range progress {
		r[role] = RoleCoverage{Assignments: 1, Progress: p}
	}
	return r
}

func TestFromTemplate(t *testing.T) {
	w := FromTemplate("as-1", template(), start)
	require.Len(t, w.Stages, 4)
	assert.Equal(t, domain.WorkflowPending, w.Status)
	require.NotNil(t, w.Stages[0].Deadline)
	assert.Equal(t, start.Add(7*24*time.Hour), *w.Stages[0].Deadline)
	assert.Nil(t, w.Stages[1].Deadline)
	assert.Equal(t, "completed", w.Stages[3].Name)
}

func TestActivationNeedsPriorStagesAndAssignment(t *testing.T) {
	w := FromTemplate("as-1", template(), start)
	_, _, err := Activate(w, "review", roster(map[string]float64{"R1": 0}), start)
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "review", invalid.StageID)

	_, _, err = Activate(w, "assessment", Roster{}, start)
	require.Error(t, err)

	w, tr, err := Activate(w, "assessment", roster(map[string]float64{"assessor": 0}), start)
	require.NoError(t, err)
	assert.Equal(t, Transition{StageID: "assessment", From: domain.StagePending, To: domain.StageActive}, tr)
	assert.Equal(t, domain.WorkflowInProgress, w.Status)
}

func TestReviewWithPartialRoleStaysActive(t *testing.T) {
	w := FromTemplate("as-1", template(), start)
	w, _, err := Skip(w, "assessment", Roster{}, start)
	require.NoError(t, err)
	r := roster(map[string]float64{"R1": 100, "R2": 60})

	w, trs := Evaluate(w, r, start)
	require.Len(t, trs, 1)
	st, _, _ := w.Stage("review")
	assert.Equal(t, domain.StageActive, st.Status)
	// review weight 1 at 80%, approval and completed pending at weight 1 each
	assert.InDelta(t, 26.67, w.OverallProgress, 0.01)

	_, _, err = Complete(w, "review", r, start)
	require.Error(t, err)
}

func TestEvaluateRunsToCompletion(t *testing.T) {
	w := FromTemplate("as-1", template(), start)
	r := roster(map[string]float64{"assessor": 100, "R1": 100, "R2": 100, "approver": 100})
	w, trs := Evaluate(w, r, start)
	st, _, _ := w.Stage("approval")
	assert.Equal(t, domain.StageActive, st.Status)
	assert.Len(t, trs, 5)
	assert.NotEqual(t, domain.WorkflowCompleted, w.Status)

	w, err := RecordApproval(w, "approval", 42, start)
	require.NoError(t, err)
	w, _ = Evaluate(w, r, start)
	assert.Equal(t, domain.WorkflowCompleted, w.Status)
	assert.Equal(t, 100.0, w.OverallProgress)
	for _, st := range w.Stages {
		assert.True(t, st.Status.Settled(), st.ID)
	}
}

func TestCompletedRequiresEveryStageSettled(t *testing.T) {
	w := FromTemplate("as-1", template(), start)
	w.Stages[0].Status = domain.StageDone
	w.Stages[1].Status = domain.StageSkipped
	w.Stages[2].Status = domain.StageActive
	assert.Equal(t, domain.WorkflowInProgress, Status(w))
	w.Stages[2].Status = domain.StageDone
	w.Stages[3].Status = domain.StageDone
	assert.Equal(t, domain.WorkflowCompleted, Status(w))
}

func TestResetToEarlierStage(t *testing.T) {
	w := FromTemplate("as-1", template(), start)
	r := roster(map[string]float64{"assessor": 100, "R1": 100, "R2": 100, "approver": 100})
	w, _ = Evaluate(w, r, start)
	w, err := RecordApproval(w, "approval", 7, start)
	require.NoError(t, err)

	w, trs, err := Reset(w, "review", r, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []Transition{
		{StageID: "review", From: domain.StageDone, To: domain.StageActive},
		{StageID: "approval", From: domain.StageActive, To: domain.StagePending},
	}, trs)
	st, _, _ := w.Stage("approval")
	assert.False(t, st.Approved())
	assert.Nil(t, st.ActivatedAt)

	_, _, err = Reset(w, "completed", r, start)
	assert.Error(t, err)
}

func TestApprovalOnlyForActiveApprovalStage(t *testing.T) {
	w := FromTemplate("as-1", template(), start)
	_, err := RecordApproval(w, "approval", 1, start)
	assert.Error(t, err)
	w, _, err = Activate(w, "assessment", roster(map[string]float64{"assessor": 10}), start)
	require.NoError(t, err)
	_, err = RecordApproval(w, "assessment", 1, start)
	assert.Error(t, err)
}

func TestSkipIsTerminal(t *testing.T) {
	w := FromTemplate("as-1", template(), start)
	w, _, err := Skip(w, "review", Roster{}, start)
	require.NoError(t, err)
	_, _, err = Skip(w, "review", Roster{}, start)
	assert.Error(t, err)
	_, _, err = Activate(w, "review", Roster{}, start)
	assert.Error(t, err)
}

func TestAddStage(t *testing.T) {
	w := FromTemplate("as-1", template(), start)
	w, _, err := Activate(w, "assessment", roster(map[string]float64{"assessor": 10}), start)
	require.NoError(t, err)

	extra := config.StageTemplate{ID: "legal", Kind: domain.StageReview, RequiredRoles: []string{"counsel"}}
	w, err = AddStage(w, extra, "assessment", Roster{}, start)
	require.NoError(t, err)
	st, i, ok := w.Stage("legal")
	require.True(t, ok)
	assert.Equal(t, 1, i)
	assert.Equal(t, 1, st.Position)
	assert.Equal(t, 4, w.Stages[4].Position)

	_, err = AddStage(w, config.StageTemplate{ID: "early", Kind: domain.StageReview}, "", Roster{}, start)
	require.NoError(t, err)
	_, err = AddStage(w, extra, "", Roster{}, start)
	assert.Error(t, err)
}

func TestNewRosterIgnoresSuperseded(t *testing.T) {
	r := NewRoster([]domain.AssignedRole{
		{Role: "R1", Status: domain.AssignmentActive, Progress: 40},
		{Role: "R1", Status: domain.AssignmentCompleted, Progress: 100},
		{Role: "R1", Status: domain.AssignmentSuperseded, Progress: 0},
	})
	assert.Equal(t, RoleCoverage{Assignments: 2, Progress: 70}, r["R1"])
}
