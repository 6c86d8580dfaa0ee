package blockers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessline/internal/config"
	"assessline/internal/domain"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func framework() config.Framework {
	return config.Framework{Sections: []config.Section{
		{ID: "gov", Categories: []config.Category{
			{ID: "pol", Questions: []config.Question{{ID: "Q1", Options: []float64{0, 1, 2, 3, 4}}}},
			{ID: "risk", Questions: []config.Question{{ID: "Q2"}}},
		}},
		{ID: "ops", Categories: []config.Category{
			{ID: "acc", Questions: []config.Question{{ID: "Q3"}}},
		}},
	}}
}

func cfg() *config.Config {
	c := config.Default()
	c.Consensus.Tolerance = 1
	c.Roles.Resolvers = []string{"lead"}
	c.Roles.Approvers = []string{"approver"}
	return c
}

func ts(t time.Time) *time.Time { return &t }

func kinds(bs []domain.AssessmentBlocker) map[domain.BlockerKind]int {
	out := map[domain.BlockerKind]int{}
	for _, b := range bs {
		out[b.Kind]++
	}
	return out
}

func TestOverdueRoleRaisesBlocker(t *testing.T) {
	review := domain.WorkflowStage{ID: "review", RequiredRoles: []string{"R1", "R2"}, Status: domain.StageActive}
	in := Input{
		AssessmentID: "as-1",
		Framework:    framework(),
		Config:       cfg(),
		Workflow:     domain.ReviewWorkflow{Stages: []domain.WorkflowStage{review}},
		Assignments: []domain.AssignedRole{
			{ID: "a1", ActorID: "alice", Role: "R1", Status: domain.AssignmentCompleted, Progress: 100, Deadline: ts(now.Add(-time.Hour))},
			{ID: "a2", ActorID: "bob", Role: "R2", Status: domain.AssignmentActive, Progress: 60, Deadline: ts(now.Add(-time.Hour))},
		},
		Now: now,
	}
	res := Compute(in)
	require.Equal(t, map[domain.BlockerKind]int{domain.BlockerOverdueResponse: 1}, kinds(res.Blockers))
	b := res.Blockers[0]
	assert.Equal(t, "a2", b.Scope.AssignmentID)
	assert.Equal(t, domain.SeverityHigh, b.Severity)

	require.Len(t, res.Actions, 1)
	assert.Equal(t, "bob", res.Actions[0].ActorID)
	assert.Equal(t, domain.ActionCompleteResponses, res.Actions[0].Action)

	in.Now = now.Add(96 * time.Hour)
	res = Compute(in)
	assert.Equal(t, domain.SeverityCritical, res.Blockers[0].Severity)
}

func TestMissingAssignment(t *testing.T) {
	in := Input{
		AssessmentID: "as-1",
		Owner:        "owner",
		Framework:    framework(),
		Config:       cfg(),
		Assignments: []domain.AssignedRole{
			{ID: "a1", ActorID: "alice", Role: "assessor", Categories: []string{"pol"}, Status: domain.AssignmentActive, Progress: 100},
			{ID: "old", ActorID: "carol", Role: "assessor", Sections: []string{"ops"}, Status: domain.AssignmentSuperseded},
		},
		Now: now,
	}
	res := Compute(in)
	var scopes []domain.BlockerScope
	for _, b := range res.Blockers {
		require.Equal(t, domain.BlockerMissingAssignment, b.Kind)
		assert.Equal(t, domain.SeverityMedium, b.Severity)
		scopes = append(scopes, b.Scope)
	}
	assert.ElementsMatch(t, []domain.BlockerScope{
		{SectionID: "gov", CategoryID: "risk"},
		{SectionID: "ops"},
	}, scopes)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, domain.ActionAssignRole, res.Actions[0].Action)
	assert.Equal(t, "owner", res.Actions[0].ActorID)

	in.Assignments = append(in.Assignments, domain.AssignedRole{ID: "all", ActorID: "dave", Role: "assessor", Status: domain.AssignmentActive})
	res = Compute(in)
	assert.Empty(t, kinds(res.Blockers)[domain.BlockerMissingAssignment])
}

func TestConflictBlocksActiveWorkflow(t *testing.T) {
	whole := domain.AssignedRole{ID: "a1", ActorID: "lena", Role: "lead", Status: domain.AssignmentActive, Progress: 100}
	in := Input{
		AssessmentID: "as-1",
		Framework:    framework(),
		Config:       cfg(),
		Responses: domain.ResponseMap{
			"Q1": {Values: map[string]float64{"baseline": 2, "A": 3, "B": 1}},
			"Q2": {Values: map[string]float64{"A": 1, "B": 2}},
		},
		Assignments:    []domain.AssignedRole{whole},
		MergeConflicts: []OpenMergeConflict{{VersionID: "v9", QuestionID: "Q3"}},
		Now:            now,
	}
	res := Compute(in)
	assert.Equal(t, 2, kinds(res.Blockers)[domain.BlockerUnresolvedConflict])
	for _, b := range res.Blockers {
		assert.Equal(t, domain.SeverityMedium, b.Severity)
	}
	assert.Len(t, res.Actions, 2)

	in.Workflow = domain.ReviewWorkflow{Stages: []domain.WorkflowStage{{ID: "assessment", Status: domain.StageActive}}}
	res = Compute(in)
	for _, b := range res.Blockers {
		assert.Equal(t, domain.SeverityCritical, b.Severity)
	}
}

func TestApprovalPendingScalesWithDeadline(t *testing.T) {
	approver := domain.AssignedRole{ID: "ap", ActorID: "amy", Role: "approver", Status: domain.AssignmentActive, Progress: 100}
	stage := domain.WorkflowStage{ID: "approval", Status: domain.StageActive, ApprovalRequired: true, Deadline: ts(now.Add(24 * time.Hour))}
	in := Input{
		AssessmentID: "as-1",
		Framework:    framework(),
		Config:       cfg(),
		Workflow:     domain.ReviewWorkflow{Stages: []domain.WorkflowStage{stage}},
		Assignments:  []domain.AssignedRole{approver},
		Now:          now,
	}
	res := Compute(in)
	require.Equal(t, 1, kinds(res.Blockers)[domain.BlockerApprovalPending])
	for _, b := range res.Blockers {
		if b.Kind == domain.BlockerApprovalPending {
			assert.Equal(t, domain.SeverityMedium, b.Severity)
		}
	}
	require.Len(t, res.Actions, 1)
	assert.Equal(t, domain.ActionRecordApproval, res.Actions[0].Action)

	seq := int64(3)
	stage.ApprovalSequence = &seq
	in.Workflow.Stages[0] = stage
	res = Compute(in)
	assert.Zero(t, kinds(res.Blockers)[domain.BlockerApprovalPending])
}

func TestRaised(t *testing.T) {
	prev := []domain.AssessmentBlocker{{ID: "a"}, {ID: "b"}}
	next := []domain.AssessmentBlocker{{ID: "b"}, {ID: "c"}}
	got := Raised(prev, next)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)
}

func TestDeadlineSeverity(t *testing.T) {
	c := config.BlockersConfig{}
	assert.Equal(t, domain.SeverityLow, deadlineSeverity(nil, now, c))
	assert.Equal(t, domain.SeverityLow, deadlineSeverity(ts(now.Add(72*time.Hour)), now, c))
	assert.Equal(t, domain.SeverityMedium, deadlineSeverity(ts(now.Add(47*time.Hour)), now, c))
	assert.Equal(t, domain.SeverityHigh, deadlineSeverity(ts(now.Add(-time.Minute)), now, c))
	assert.Equal(t, domain.SeverityCritical, deadlineSeverity(ts(now.Add(-73*time.Hour)), now, c))
}
