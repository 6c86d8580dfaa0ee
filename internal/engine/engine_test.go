package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"assessline/internal/config"
	"assessline/internal/db"
	"assessline/internal/domain"
	"assessline/internal/engine"
	"assessline/internal/engine/auth"
	"assessline/internal/migrate"
	"assessline/internal/notify"
	"assessline/internal/repo"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	blockers    []domain.AssessmentBlocker
	transitions []string
}

func (r *recorder) OnBlockerRaised(_ context.Context, b domain.AssessmentBlocker) {
	r.blockers = append(r.blockers, b)
}

func (r *recorder) OnStageTransition(_ context.Context, _, stageID string, status domain.StageStatus) {
	r.transitions = append(r.transitions, stageID+":"+string(status))
}

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Notes  *recorder
	Clock  *time.Time
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(conn, cfg)
	clock := start
	eng.Now = func() time.Time { return clock }
	notes := &recorder{}
	eng.Notifier = notes
	return testEnv{Engine: &eng, Ctx: context.Background(), Notes: notes, Clock: &clock}
}

func (env testEnv) create(t *testing.T, seed domain.ResponseMap) domain.Assessment {
	t.Helper()
	a, err := env.Engine.CreateAssessment(env.Ctx, engine.CreateAssessmentInput{
		ID:          "asm-1",
		FrameworkID: "baseline-controls",
		Title:       "Yearly review",
		Seed:        seed,
		ActorID:     "owner",
	})
	if err != nil {
		t.Fatalf("create assessment: %v", err)
	}
	return a
}

func (env testEnv) assign(t *testing.T, aid, actor, role string, sections ...string) domain.AssignedRole {
	t.Helper()
	a, err := env.Engine.Assign(env.Ctx, engine.AssignInput{AssessmentID: aid, Role: role, ActorID: actor, Sections: sections, ByActorID: "owner"})
	if err != nil {
		t.Fatalf("assign %s as %s: %v", actor, role, err)
	}
	return a
}

func (env testEnv) submit(t *testing.T, aid, branch, actor, role, qid string, v float64) engine.ChangeResult {
	t.Helper()
	res, err := env.Engine.SubmitResponse(env.Ctx, engine.SubmitInput{
		ChangeRef:  engine.ChangeRef{AssessmentID: aid, Branch: branch, ActorID: actor},
		QuestionID: qid,
		Role:       role,
		Value:      v,
	})
	if err != nil {
		t.Fatalf("submit %s=%v as %s: %v", qid, v, role, err)
	}
	return res
}

var allQuestions = []string{"GOV-1", "GOV-2", "RISK-1", "ACC-1", "ACC-2"}

func hasBlocker(bs []domain.AssessmentBlocker, kind domain.BlockerKind) bool {
	for _, b := range bs {
		if b.Kind == kind {
			return true
		}
	}
	return false
}

func TestCreateAssessmentBaseline(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, domain.ResponseMap{"GOV-1": {Values: map[string]float64{"assessor": 2}}})

	head, err := env.Engine.Head(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.ID != a.HeadVersionID || head.Number != 0 || head.ParentID != nil {
		t.Fatalf("unexpected baseline %+v", head)
	}
	if head.Metadata.TotalQuestions != 5 || head.Metadata.AnsweredQuestions != 1 {
		t.Fatalf("unexpected metadata %+v", head.Metadata)
	}
	if ok, err := env.Engine.Verify(env.Ctx, head.ID); !ok || err != nil {
		t.Fatalf("verify baseline: %v %v", ok, err)
	}
	bs, err := env.Engine.Blockers(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !hasBlocker(bs, domain.BlockerMissingAssignment) {
		t.Fatalf("expected missing-assignment blocker, got %+v", bs)
	}
	if len(env.Notes.blockers) != len(bs) {
		t.Fatalf("expected %d raised notifications, got %d", len(bs), len(env.Notes.blockers))
	}
	actions, err := env.Engine.PendingActions(env.Ctx, a.ID, "owner")
	if err != nil || len(actions) != 1 || actions[0].Action != domain.ActionAssignRole {
		t.Fatalf("expected assign-role action for owner, got %+v %v", actions, err)
	}
}

func TestDivergentAnswersConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, domain.ResponseMap{"GOV-1": {Values: map[string]float64{"assessor": 2}}})
	env.assign(t, a.ID, "alice", "assessor")
	env.assign(t, a.ID, "bob", "reviewer")

	env.submit(t, a.ID, "", "alice", "assessor", "GOV-1", 3)
	res := env.submit(t, a.ID, "", "bob", "reviewer", "GOV-1", 1)
	if res.Response == nil || res.Response.Status != domain.ConsensusConflicted {
		t.Fatalf("expected conflicted projection, got %+v", res.Response)
	}
	if res.Response.Consensus != nil {
		t.Fatalf("conflicted question must not carry a value, got %v", *res.Response.Consensus)
	}
	if res.Response.Conflict == nil || !res.Response.Conflict.Pending() {
		t.Fatalf("expected pending resolution stub, got %+v", res.Response.Conflict)
	}
	bs, err := env.Engine.Blockers(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !hasBlocker(bs, domain.BlockerUnresolvedConflict) {
		t.Fatalf("expected unresolved-conflict blocker, got %+v", bs)
	}

	// assessor is not a resolver
	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveInput{
		ChangeRef: engine.ChangeRef{AssessmentID: a.ID, ActorID: "alice"}, QuestionID: "GOV-1", Method: domain.MethodManual, Value: ptr(2.0),
	})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	res, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveInput{
		ChangeRef: engine.ChangeRef{AssessmentID: a.ID, ActorID: "bob"}, QuestionID: "GOV-1", Method: domain.MethodManual, Value: ptr(2.0), Rationale: "evidence supports 2",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Response.Status != domain.ConsensusResolved || *res.Response.Consensus != 2 {
		t.Fatalf("expected resolved at 2, got %+v", res.Response)
	}
	c, err := env.Engine.Consensus(env.Ctx, a.ID, "", "GOV-1")
	if err != nil || c.Status != domain.ConsensusResolved {
		t.Fatalf("consensus: %+v %v", c, err)
	}
	bs, _ = env.Engine.Blockers(env.Ctx, a.ID)
	if hasBlocker(bs, domain.BlockerUnresolvedConflict) {
		t.Fatalf("conflict blocker should clear, got %+v", bs)
	}

	_, err = env.Engine.Consensus(env.Ctx, a.ID, "", "GOV-2")
	var unavailable *domain.ConsensusUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected consensus unavailable for unanswered question, got %v", err)
	}
}

func TestBranchAndMergeDisjoint(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, domain.ResponseMap{"GOV-1": {Values: map[string]float64{"assessor": 2}}})
	env.assign(t, a.ID, "alice", "assessor")

	bv, err := env.Engine.Branch(env.Ctx, engine.BranchInput{AssessmentID: a.ID, FromVersionID: a.HeadVersionID, Name: "branch-x", ActorID: "alice"})
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if bv.ParentID == nil || *bv.ParentID != a.HeadVersionID {
		t.Fatalf("branch version must descend from v0")
	}
	env.submit(t, a.ID, "branch-x", "alice", "assessor", "GOV-2", 4)
	xHead, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, Branch: "branch-x", ParentID: bv.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("commit branch: %v", err)
	}
	mainHead, err := env.Engine.Head(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if mainHead.ID != a.HeadVersionID {
		t.Fatalf("branch commit moved main")
	}

	merged, err := env.Engine.Merge(env.Ctx, engine.MergeInput{AssessmentID: a.ID, SourceVersionIDs: []string{mainHead.ID, xHead.ID}, ActorID: "alice"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged.Conflicts) != 0 || merged.ApprovalStatus != domain.ApprovalApproved {
		t.Fatalf("expected clean auto-approved merge, got %d conflicts, %s", len(merged.Conflicts), merged.ApprovalStatus)
	}
	if merged.Responses["GOV-2"].Values["assessor"] != 4 || merged.Responses["GOV-1"].Values["assessor"] != 2 {
		t.Fatalf("merge is not the union: %+v", merged.Responses)
	}
	if ok, err := env.Engine.Verify(env.Ctx, merged.ID); !ok || err != nil {
		t.Fatalf("verify merge: %v", err)
	}
	if err := env.Engine.ValidateGraph(env.Ctx, a.ID); err != nil {
		t.Fatalf("graph: %v", err)
	}
	assertReplayMatchesHead(t, env, a)
}

func TestMergeReadsOnlyInvolvedContent(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, domain.ResponseMap{"GOV-1": {Values: map[string]float64{"assessor": 2}}})
	env.assign(t, a.ID, "alice", "assessor")

	xv, err := env.Engine.Branch(env.Ctx, engine.BranchInput{AssessmentID: a.ID, FromVersionID: a.HeadVersionID, Name: "branch-x", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	yv, err := env.Engine.Branch(env.Ctx, engine.BranchInput{AssessmentID: a.ID, FromVersionID: a.HeadVersionID, Name: "branch-y", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	env.submit(t, a.ID, "branch-x", "alice", "assessor", "GOV-2", 4)
	xHead, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, Branch: "branch-x", ParentID: xv.ID, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	// An unrelated version whose content cannot even be decoded.
	if _, err := env.Engine.DB.Exec(`DROP TRIGGER versions_content_immutable`); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE versions SET responses_json='not json' WHERE id=?`, yv.ID); err != nil {
		t.Fatal(err)
	}

	merged, err := env.Engine.Merge(env.Ctx, engine.MergeInput{AssessmentID: a.ID, SourceVersionIDs: []string{a.HeadVersionID, xHead.ID}, ActorID: "alice"})
	if err != nil {
		t.Fatalf("merge should not read unrelated versions: %v", err)
	}
	if merged.Responses["GOV-2"].Values["assessor"] != 4 {
		t.Fatalf("unexpected merge content %+v", merged.Responses)
	}
	if err := env.Engine.ValidateGraph(env.Ctx, a.ID); err != nil {
		t.Fatalf("graph validation reads structure only: %v", err)
	}
}

func TestMergeOverlapConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, domain.ResponseMap{"GOV-1": {Values: map[string]float64{"assessor": 2}}})
	env.assign(t, a.ID, "alice", "assessor")
	env.assign(t, a.ID, "bob", "reviewer")

	bv, err := env.Engine.Branch(env.Ctx, engine.BranchInput{AssessmentID: a.ID, FromVersionID: a.HeadVersionID, Name: "side", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	env.submit(t, a.ID, "side", "alice", "assessor", "GOV-1", 4)
	env.submit(t, a.ID, "side", "alice", "assessor", "ACC-1", 1)
	side, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, Branch: "side", ParentID: bv.ID, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	env.submit(t, a.ID, "", "alice", "assessor", "GOV-1", 3)
	main, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, ParentID: a.HeadVersionID, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	merged, err := env.Engine.Merge(env.Ctx, engine.MergeInput{AssessmentID: a.ID, SourceVersionIDs: []string{main.ID, side.ID}, ActorID: "alice"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged.Conflicts) != 1 || merged.Conflicts[0].QuestionID != "GOV-1" {
		t.Fatalf("expected exactly one conflict on GOV-1, got %+v", merged.Conflicts)
	}
	if merged.ApprovalStatus != domain.ApprovalPending {
		t.Fatalf("conflicted merge must await approval, got %s", merged.ApprovalStatus)
	}
	if merged.Responses["GOV-1"].Values["assessor"] != 3 || merged.Responses["ACC-1"].Values["assessor"] != 1 {
		t.Fatalf("unexpected merge content %+v", merged.Responses)
	}
	bs, _ := env.Engine.Blockers(env.Ctx, a.ID)
	if !hasBlocker(bs, domain.BlockerUnresolvedConflict) {
		t.Fatalf("expected merge conflict blocker")
	}
	if _, err := env.Engine.SetApproval(env.Ctx, engine.ApprovalInput{AssessmentID: a.ID, VersionID: merged.ID, Status: domain.ApprovalApproved, ActorID: "owner"}); err == nil {
		t.Fatalf("owner is not an approver")
	}

	if _, err := env.Engine.ResolveMergeConflict(env.Ctx, engine.MergeResolveInput{
		AssessmentID: a.ID, VersionID: merged.ID, QuestionID: "GOV-1", CandidateVersionID: side.ID, ActorID: "bob",
	}); err != nil {
		t.Fatalf("resolve merge conflict: %v", err)
	}
	state, pending, err := env.Engine.WorkingState(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if state["GOV-1"].Values["assessor"] != 4 || len(pending) == 0 {
		t.Fatalf("expected side's value pending on main, got %+v (%d pending)", state["GOV-1"], len(pending))
	}
	bs, _ = env.Engine.Blockers(env.Ctx, a.ID)
	if hasBlocker(bs, domain.BlockerUnresolvedConflict) {
		t.Fatalf("merge conflict blocker should clear")
	}
	assertReplayMatchesHead(t, env, a)
}

func TestStaleParentIsVersionConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, nil)
	env.assign(t, a.ID, "alice", "assessor")

	env.submit(t, a.ID, "", "alice", "assessor", "GOV-1", 1)
	v1, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, ParentID: a.HeadVersionID, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	env.submit(t, a.ID, "", "alice", "assessor", "GOV-2", 1)
	v2, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, ParentID: v1.ID, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	env.submit(t, a.ID, "", "alice", "assessor", "ACC-1", 1)

	_, err = env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, ParentID: v1.ID, ActorID: "alice"})
	var conflict *domain.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if conflict.ActualHead != v2.ID || !domain.IsRecoverable(err) {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
	v3, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, ParentID: conflict.ActualHead, ActorID: "alice"})
	if err != nil {
		t.Fatalf("retry with refreshed head: %v", err)
	}
	if v3.Number != 3 || *v3.ParentID != v2.ID {
		t.Fatalf("unexpected retried version %+v", v3)
	}
	if _, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, ActorID: "alice"}); !errors.Is(err, engine.ErrNothingToCommit) {
		t.Fatalf("expected nothing to commit, got %v", err)
	}

	page, err := env.Engine.History(env.Ctx, engine.HistoryQuery{AssessmentID: a.ID, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Versions) != 2 || page.Versions[0].ID != v3.ID || page.Next == nil {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = env.Engine.History(env.Ctx, engine.HistoryQuery{AssessmentID: a.ID, Limit: 2, Before: page.Next})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Versions) != 2 || page.Versions[1].Number != 0 || page.Next != nil {
		t.Fatalf("unexpected last page %+v", page)
	}

	diff, err := env.Engine.Diff(env.Ctx, a.ID, v1.ID, v3.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff) != 2 || diff[0].TargetID != "GOV-2" || diff[1].TargetID != "ACC-1" {
		t.Fatalf("unexpected diff %+v", diff)
	}
}

func TestStaleOldValueRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, nil)
	env.assign(t, a.ID, "alice", "assessor")
	env.submit(t, a.ID, "", "alice", "assessor", "GOV-1", 2)

	_, err := env.Engine.SubmitResponse(env.Ctx, engine.SubmitInput{
		ChangeRef:     engine.ChangeRef{AssessmentID: a.ID, ActorID: "alice"},
		QuestionID:    "GOV-1",
		Role:          "assessor",
		Value:         3,
		ExpectedValue: ptr(1.0),
		CheckValue:    true,
	})
	var invalid *domain.InvalidChangeError
	if !errors.As(err, &invalid) || !domain.IsRecoverable(err) {
		t.Fatalf("expected invalid change, got %v", err)
	}
	_, err = env.Engine.SubmitResponse(env.Ctx, engine.SubmitInput{
		ChangeRef: engine.ChangeRef{AssessmentID: a.ID, ActorID: "alice"}, QuestionID: "GOV-1", Role: "assessor", Value: 9,
	})
	if err == nil {
		t.Fatalf("expected value outside options to fail")
	}
	_, err = env.Engine.SubmitResponse(env.Ctx, engine.SubmitInput{
		ChangeRef: engine.ChangeRef{AssessmentID: a.ID, ActorID: "mallory"}, QuestionID: "GOV-1", Role: "assessor", Value: 1,
	})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for unassigned actor, got %v", err)
	}
}

func TestScopedAssignmentLimitsAnswers(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, nil)
	as := env.assign(t, a.ID, "alice", "assessor", "governance")
	env.submit(t, a.ID, "", "alice", "assessor", "GOV-1", 2)
	_, err := env.Engine.SubmitResponse(env.Ctx, engine.SubmitInput{
		ChangeRef: engine.ChangeRef{AssessmentID: a.ID, ActorID: "alice"}, QuestionID: "ACC-1", Role: "assessor", Value: 1,
	})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden outside assigned section, got %v", err)
	}
	list, err := env.Engine.Assignments(env.Ctx, a.ID, true)
	if err != nil || len(list) != 1 {
		t.Fatalf("assignments: %+v %v", list, err)
	}
	if list[0].ID != as.ID || list[0].Progress < 33 || list[0].Progress > 34 {
		t.Fatalf("expected a third of governance answered, got %v", list[0].Progress)
	}
	bs, _ := env.Engine.Blockers(env.Ctx, a.ID)
	found := false
	for _, b := range bs {
		if b.Kind == domain.BlockerMissingAssignment && b.Scope.SectionID == "operations" {
			found = true
		}
		if b.Kind == domain.BlockerMissingAssignment && b.Scope.SectionID == "governance" {
			t.Fatalf("governance is covered")
		}
	}
	if !found {
		t.Fatalf("expected operations to be reported unassigned: %+v", bs)
	}
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, nil)
	env.assign(t, a.ID, "alice", "assessor")
	w, err := env.Engine.Workflow(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.Stages[0].Status != domain.StageActive || w.Status != domain.WorkflowInProgress {
		t.Fatalf("assessment stage should activate once assessor is assigned: %+v", w.Stages[0])
	}
	env.assign(t, a.ID, "bob", "reviewer")
	env.assign(t, a.ID, "carol", "approver")

	for _, q := range allQuestions {
		env.submit(t, a.ID, "", "alice", "assessor", q, 2)
	}
	for _, q := range allQuestions {
		env.submit(t, a.ID, "", "bob", "reviewer", q, 2)
	}
	for _, q := range allQuestions {
		env.submit(t, a.ID, "", "carol", "approver", q, 2)
	}
	w, _ = env.Engine.Workflow(env.Ctx, a.ID)
	if w.Stages[2].Status != domain.StageActive {
		t.Fatalf("approval stage should wait for approval, got %s", w.Stages[2].Status)
	}
	bs, _ := env.Engine.Blockers(env.Ctx, a.ID)
	if !hasBlocker(bs, domain.BlockerApprovalPending) {
		t.Fatalf("expected approval-pending blocker, got %+v", bs)
	}

	if _, err := env.Engine.RecordApproval(env.Ctx, engine.StageInput{AssessmentID: a.ID, StageID: "approval", ActorID: "alice"}); err == nil {
		t.Fatalf("assessor must not approve")
	}
	w, err = env.Engine.RecordApproval(env.Ctx, engine.StageInput{AssessmentID: a.ID, StageID: "approval", ActorID: "carol", Comment: "signed"})
	if err != nil {
		t.Fatalf("record approval: %v", err)
	}
	if w.Status != domain.WorkflowCompleted || w.OverallProgress != 100 {
		t.Fatalf("expected completed workflow, got %s at %v", w.Status, w.OverallProgress)
	}
	for _, st := range w.Stages {
		if !st.Status.Settled() {
			t.Fatalf("stage %s is %s in a completed workflow", st.ID, st.Status)
		}
	}
	if len(env.Notes.transitions) == 0 || env.Notes.transitions[len(env.Notes.transitions)-1] != "completed:completed" {
		t.Fatalf("expected stage transition notifications, got %v", env.Notes.transitions)
	}

	if _, err := env.Engine.ResetToStage(env.Ctx, engine.StageInput{AssessmentID: a.ID, StageID: "review", ActorID: "bob"}); err == nil {
		t.Fatalf("reviewer must not reset the workflow")
	}
	w, err = env.Engine.ResetToStage(env.Ctx, engine.StageInput{AssessmentID: a.ID, StageID: "review", ActorID: "owner", Comment: "rework"})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if w.Stages[1].Status != domain.StageActive || w.Stages[2].Status != domain.StagePending || w.Status != domain.WorkflowInProgress {
		t.Fatalf("unexpected workflow after reset %+v", w)
	}
	structural, err := env.Engine.Changes(env.Ctx, a.ID, repo.ChangeFilter{Kind: domain.ChangeStructureChanged})
	if err != nil || len(structural) != 1 || structural[0].TargetID != "review" {
		t.Fatalf("expected one structure change for the reset, got %+v %v", structural, err)
	}
}

func TestStaleHeadBlocksStageTransition(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, nil)
	env.assign(t, a.ID, "alice", "assessor")
	stale := a.HeadVersionID

	env.submit(t, a.ID, "", "alice", "assessor", "GOV-1", 1)
	v1, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, ParentID: stale, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.SkipStage(env.Ctx, engine.StageInput{AssessmentID: a.ID, StageID: "review", ActorID: "owner", ExpectedHead: stale})
	var conflict *domain.VersionConflictError
	if !errors.As(err, &conflict) || conflict.ActualHead != v1.ID {
		t.Fatalf("expected version conflict on skip, got %v", err)
	}
	_, err = env.Engine.AddStage(env.Ctx, engine.AddStageInput{
		AssessmentID: a.ID,
		Stage:        config.StageTemplate{ID: "legal", Kind: domain.StageReview, Name: "Legal", RequiredRoles: []string{"reviewer"}, Weight: 1},
		AfterID:      "review",
		ActorID:      "owner",
		ExpectedHead: stale,
	})
	if !errors.As(err, &conflict) {
		t.Fatalf("expected version conflict on add stage, got %v", err)
	}
	w, err := env.Engine.Workflow(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(w.Stages) != 4 || w.Stages[1].Status != domain.StagePending {
		t.Fatalf("rejected transitions must leave the workflow untouched: %+v", w.Stages)
	}

	w, err = env.Engine.SkipStage(env.Ctx, engine.StageInput{AssessmentID: a.ID, StageID: "review", ActorID: "owner", ExpectedHead: v1.ID})
	if err != nil {
		t.Fatalf("skip with current head: %v", err)
	}
	if w.Stages[1].Status != domain.StageSkipped {
		t.Fatalf("expected skipped review stage, got %s", w.Stages[1].Status)
	}
}

func TestPartialReviewProgressAndOverdue(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.Stages = []config.StageTemplate{
		{ID: "review", Kind: domain.StageReview, Name: "Review", RequiredRoles: []string{"r1", "r2"}, Weight: 1},
		{ID: "completed", Kind: domain.StageCompleted, Name: "Completed"},
	}
	env := newTestEnv(t, cfg)
	a := env.create(t, nil)
	deadline := start.Add(24 * time.Hour)
	env.assign(t, a.ID, "alice", "r1")
	late, err := env.Engine.Assign(env.Ctx, engine.AssignInput{AssessmentID: a.ID, Role: "r2", ActorID: "bob", Deadline: &deadline, ByActorID: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range allQuestions {
		env.submit(t, a.ID, "", "alice", "r1", q, 2)
	}
	for _, q := range allQuestions[:3] {
		env.submit(t, a.ID, "", "bob", "r2", q, 2)
	}
	w, _ := env.Engine.Workflow(env.Ctx, a.ID)
	if w.Stages[0].Status != domain.StageActive {
		t.Fatalf("review should stay active, got %s", w.Stages[0].Status)
	}
	if w.OverallProgress != 40 {
		t.Fatalf("expected weighted progress 40, got %v", w.OverallProgress)
	}
	bs, _ := env.Engine.Blockers(env.Ctx, a.ID)
	if hasBlocker(bs, domain.BlockerOverdueResponse) {
		t.Fatalf("nothing is overdue yet")
	}

	*env.Clock = start.Add(48 * time.Hour)
	bs, err = env.Engine.RecomputeBlockers(env.Ctx, a.ID, "owner")
	if err != nil {
		t.Fatal(err)
	}
	var overdue []domain.AssessmentBlocker
	for _, b := range bs {
		if b.Kind == domain.BlockerOverdueResponse {
			overdue = append(overdue, b)
		}
	}
	if len(overdue) != 1 || overdue[0].Scope.AssignmentID != late.ID {
		t.Fatalf("expected one overdue blocker for r2, got %+v", overdue)
	}
}

func TestChecksumTamperDetected(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, domain.ResponseMap{"GOV-1": {Values: map[string]float64{"assessor": 2}}})
	if _, err := env.Engine.DB.Exec(`DROP TRIGGER versions_content_immutable`); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE versions SET responses_json=? WHERE id=?`, `{"GOV-1":{"values":{"assessor":3}}}`, a.HeadVersionID); err != nil {
		t.Fatal(err)
	}
	ok, err := env.Engine.Verify(env.Ctx, a.HeadVersionID)
	var mismatch *domain.ChecksumMismatchError
	if ok || !errors.As(err, &mismatch) || !domain.IsFatal(err) {
		t.Fatalf("expected checksum mismatch, got %v %v", ok, err)
	}
	if _, err := env.Engine.GetVersion(env.Ctx, a.HeadVersionID); !errors.As(err, &mismatch) {
		t.Fatalf("tampered version must not be served, got %v", err)
	}
}

func TestChecksumCoversStoredBytes(t *testing.T) {
	for name, tampered := range map[string]string{
		"key case":       `{"GOV-1":{"VALUES":{"assessor":2}}}`,
		"injected field": `{"GOV-1":{"values":{"assessor":2.000},"injected":"x"}}`,
		"whitespace":     `{"GOV-1": {"values":{"assessor":2}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			a := env.create(t, domain.ResponseMap{"GOV-1": {Values: map[string]float64{"assessor": 2}}})
			if ok, err := env.Engine.Verify(env.Ctx, a.HeadVersionID); !ok || err != nil {
				t.Fatalf("untouched version must verify: %v %v", ok, err)
			}
			if _, err := env.Engine.DB.Exec(`DROP TRIGGER versions_content_immutable`); err != nil {
				t.Fatal(err)
			}
			if _, err := env.Engine.DB.Exec(`UPDATE versions SET responses_json=? WHERE id=?`, tampered, a.HeadVersionID); err != nil {
				t.Fatal(err)
			}
			ok, err := env.Engine.Verify(env.Ctx, a.HeadVersionID)
			var mismatch *domain.ChecksumMismatchError
			if ok || !errors.As(err, &mismatch) {
				t.Fatalf("expected checksum mismatch, got %v %v", ok, err)
			}
		})
	}
}

type stalledHook struct {
	delay time.Duration
	calls atomic.Int32
}

func (h *stalledHook) OnBlockerRaised(context.Context, domain.AssessmentBlocker) {
	time.Sleep(h.delay)
	h.calls.Add(1)
}

func (h *stalledHook) OnStageTransition(context.Context, string, string, domain.StageStatus) {
	time.Sleep(h.delay)
	h.calls.Add(1)
}

func TestSlowNotificationsDoNotDelayMutations(t *testing.T) {
	env := newTestEnv(t, nil)
	hook := &stalledHook{delay: 300 * time.Millisecond}
	async := notify.NewAsync(hook, 0, nil)
	env.Engine.Notifier = async

	begin := time.Now()
	a := env.create(t, nil)
	env.assign(t, a.ID, "alice", "assessor")
	env.submit(t, a.ID, "", "alice", "assessor", "GOV-1", 2)
	if took := time.Since(begin); took >= 300*time.Millisecond {
		t.Fatalf("mutations waited on notification delivery: %v", took)
	}
	if err := async.Close(); err != nil {
		t.Fatal(err)
	}
	if hook.calls.Load() == 0 {
		t.Fatalf("queued notifications were not delivered on close")
	}
}

func TestChangeLogIsAppendOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, nil)
	env.assign(t, a.ID, "alice", "assessor")
	env.submit(t, a.ID, "", "alice", "assessor", "GOV-1", 2)
	if _, err := env.Engine.DB.Exec(`UPDATE changes SET actor_id='x'`); err == nil {
		t.Fatalf("changes must reject updates")
	}
	if _, err := env.Engine.DB.Exec(`DELETE FROM changes`); err == nil {
		t.Fatalf("changes must reject deletes")
	}
	changes, err := env.Engine.Changes(env.Ctx, a.ID, repo.ChangeFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(changes); i++ {
		if changes[i].Sequence <= changes[i-1].Sequence {
			t.Fatalf("sequence not increasing at %d", i)
		}
	}
}

func TestNotesEvidenceAndTime(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, nil)
	env.assign(t, a.ID, "alice", "assessor")
	ref := engine.ChangeRef{AssessmentID: a.ID, ActorID: "alice"}
	if _, err := env.Engine.RecordNote(env.Ctx, engine.NoteInput{ChangeRef: ref, QuestionID: "GOV-1", Note: "see policy"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LinkEvidence(env.Ctx, engine.EvidenceInput{ChangeRef: ref, QuestionID: "GOV-1", EvidenceID: "doc-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LinkEvidence(env.Ctx, engine.EvidenceInput{ChangeRef: ref, QuestionID: "GOV-1", EvidenceID: "doc-1"}); err == nil {
		t.Fatalf("linking twice must fail")
	}
	if _, err := env.Engine.AddTimeSpent(env.Ctx, engine.TimeInput{ChangeRef: ref, Seconds: 90}); err != nil {
		t.Fatal(err)
	}
	v, err := env.Engine.CreateVersion(env.Ctx, engine.CommitInput{AssessmentID: a.ID, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Metadata.NoteCount != 1 || v.Metadata.EvidenceCount != 1 || v.Metadata.TimeSpentSeconds != 90 {
		t.Fatalf("unexpected metadata %+v", v.Metadata)
	}
	if _, err := env.Engine.UnlinkEvidence(env.Ctx, engine.EvidenceInput{ChangeRef: ref, QuestionID: "GOV-1", EvidenceID: "doc-1"}); err != nil {
		t.Fatal(err)
	}
	state, _, err := env.Engine.WorkingState(env.Ctx, a.ID, "")
	if err != nil || len(state["GOV-1"].Evidence) != 0 || state["GOV-1"].Note != "see policy" {
		t.Fatalf("unexpected working state %+v %v", state["GOV-1"], err)
	}
}

func TestAutoCommit(t *testing.T) {
	cfg := config.Default()
	cfg.Versioning.AutoCommit = true
	env := newTestEnv(t, cfg)
	a := env.create(t, nil)
	env.assign(t, a.ID, "alice", "assessor")
	res := env.submit(t, a.ID, "", "alice", "assessor", "GOV-1", 2)
	if res.Version == nil || res.Version.Responses["GOV-1"].Values["assessor"] != 2 {
		t.Fatalf("expected an auto-committed version, got %+v", res.Version)
	}
	head, _ := env.Engine.Head(env.Ctx, a.ID, "")
	if head.ID != res.Version.ID {
		t.Fatalf("auto commit did not move the head")
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, nil)
	env.assign(t, a.ID, "alice", "assessor")
	evts, err := env.Engine.AuditTrail(env.Ctx, a.ID, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]int{}
	for _, e := range evts {
		types[e.Type]++
	}
	for _, want := range []string{"assessment.created", "version.created", "assignment.created", "stage.transitioned", "blocker.raised"} {
		if types[want] == 0 {
			t.Fatalf("missing %s event in %v", want, types)
		}
	}
}

func assertReplayMatchesHead(t *testing.T, env testEnv, a domain.Assessment) {
	t.Helper()
	head, err := env.Engine.Head(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := env.Engine.Replay(env.Ctx, a.HeadVersionID, head.Anchor())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	got, _ := json.Marshal(replayed)
	want, _ := json.Marshal(head.Responses)
	if string(got) != string(want) {
		t.Fatalf("replay mismatch:\n got %s\nwant %s", got, want)
	}
}

func ptr[T any](v T) *T { return &v }
