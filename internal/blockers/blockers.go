// Package blockers derives blockers and pending actions from assessment state.
package blockers

import (
	"fmt"
	"sort"
	"time"

	"assessline/internal/config"
	"assessline/internal/consensus"
	"assessline/internal/domain"
	"assessline/internal/workflow"
)

// OpenMergeConflict is an unresolved question of a merge version.
type OpenMergeConflict struct {
	VersionID  string
	QuestionID string
}

// Input is the state blockers are derived from.
type Input struct {
	AssessmentID   string
	Owner          string
	Framework      config.Framework
	Config         *config.Config
	Responses      domain.ResponseMap
	Workflow       domain.ReviewWorkflow
	Assignments    []domain.AssignedRole
	MergeConflicts []OpenMergeConflict
	Now            time.Time
}

// Result holds the derived sets, sorted.
type Result struct {
	Blockers []domain.AssessmentBlocker
	Actions  []domain.PendingAction
}

// Compute derives blockers and pending actions. It is a pure function of in.
func Compute(in Input) Result {
	var res Result
	current := currentAssignments(in.Assignments)
	active, hasActive := in.Workflow.ActiveStage()
	nextDeadline := upcomingDeadline(in.Workflow)

	// missing-assignment
	for _, s := range in.Framework.Sections {
		var uncovered []config.Category
		for _, c := range s.Categories {
			if !anyCovers(current, s.ID, c.ID) {
				uncovered = append(uncovered, c)
			}
		}
		if len(uncovered) == 0 {
			continue
		}
		sev := atLeast(deadlineSeverity(nextDeadline, in.Now, in.Config.Blockers), domain.SeverityMedium)
		if len(uncovered) == len(s.Categories) {
			res.Blockers = append(res.Blockers, in.blocker(domain.BlockerMissingAssignment, sev,
				domain.BlockerScope{SectionID: s.ID}, fmt.Sprintf("section %s has no role assigned", s.ID)))
			continue
		}
		for _, c := range uncovered {
			res.Blockers = append(res.Blockers, in.blocker(domain.BlockerMissingAssignment, sev,
				domain.BlockerScope{SectionID: s.ID, CategoryID: c.ID}, fmt.Sprintf("category %s has no role assigned", c.ID)))
		}
	}
	if hasMissing(res.Blockers) && in.Owner != "" {
		res.Actions = append(res.Actions, in.action(in.Owner, "", domain.ActionAssignRole, in.AssessmentID,
			"assign roles to uncovered sections", nil))
	}

	// overdue-response and complete-responses
	for _, a := range current {
		deadline := a.Deadline
		if deadline == nil {
			deadline = stageDeadlineFor(in.Workflow, a.Role)
		}
		if a.Progress < 100 {
			res.Actions = append(res.Actions, in.action(a.ActorID, a.Role, domain.ActionCompleteResponses, a.ID,
				fmt.Sprintf("answer remaining questions as %s (%.0f%% done)", a.Role, a.Progress), deadline))
		}
		if deadline == nil || !in.Now.After(*deadline) || a.Progress >= 100 {
			continue
		}
		sev := deadlineSeverity(deadline, in.Now, in.Config.Blockers)
		res.Blockers = append(res.Blockers, in.blocker(domain.BlockerOverdueResponse, sev,
			domain.BlockerScope{AssignmentID: a.ID, Role: a.Role},
			fmt.Sprintf("%s responses overdue since %s at %.0f%%", a.Role, deadline.UTC().Format(time.RFC3339), a.Progress)))
	}

	// unresolved-conflict
	conflictSev := atLeast(deadlineSeverity(nextDeadline, in.Now, in.Config.Blockers), domain.SeverityMedium)
	if hasActive {
		conflictSev = domain.SeverityCritical
	}
	resolvers := actorsWhere(current, in.Config.IsResolver)
	for _, q := range in.Framework.Questions() {
		r, ok := in.Responses[q.ID]
		if !ok {
			continue
		}
		out, err := consensus.Compute(q.ID, r, Policy(in.Config, q.Question))
		if err != nil || out.Status != domain.ConsensusConflicted {
			continue
		}
		res.Blockers = append(res.Blockers, in.blocker(domain.BlockerUnresolvedConflict, conflictSev,
			domain.BlockerScope{QuestionID: q.ID, SectionID: q.SectionID, CategoryID: q.CategoryID},
			fmt.Sprintf("answers to %s diverge by %v", q.ID, out.Spread)))
		for _, a := range resolvers {
			res.Actions = append(res.Actions, in.action(a.ActorID, a.Role, domain.ActionResolveConflict, q.ID,
				fmt.Sprintf("resolve diverging answers to %s", q.ID), nil))
		}
	}
	for _, mc := range in.MergeConflicts {
		res.Blockers = append(res.Blockers, in.blocker(domain.BlockerUnresolvedConflict, conflictSev,
			domain.BlockerScope{VersionID: mc.VersionID, QuestionID: mc.QuestionID},
			fmt.Sprintf("merge %s left %s unresolved", mc.VersionID, mc.QuestionID)))
		for _, a := range resolvers {
			res.Actions = append(res.Actions, in.action(a.ActorID, a.Role, domain.ActionResolveConflict, mc.VersionID+"/"+mc.QuestionID,
				fmt.Sprintf("pick a value for %s in merge %s", mc.QuestionID, mc.VersionID), nil))
		}
	}

	// approval-pending
	if hasActive && active.ApprovalRequired && !active.Approved() {
		sev := deadlineSeverity(active.Deadline, in.Now, in.Config.Blockers)
		res.Blockers = append(res.Blockers, in.blocker(domain.BlockerApprovalPending, sev,
			domain.BlockerScope{StageID: active.ID}, fmt.Sprintf("stage %s awaits approval", active.ID)))
		for _, a := range actorsWhere(current, in.Config.IsApprover) {
			res.Actions = append(res.Actions, in.action(a.ActorID, a.Role, domain.ActionRecordApproval, active.ID,
				fmt.Sprintf("approve stage %s", active.ID), active.Deadline))
		}
	}

	sort.SliceStable(res.Blockers, func(i, j int) bool {
		a, b := res.Blockers[i], res.Blockers[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.ID < b.ID
	})
	sort.SliceStable(res.Actions, func(i, j int) bool { return res.Actions[i].ID < res.Actions[j].ID })
	return res
}

// Raised returns the blockers of next whose id is not in prev.
func Raised(prev, next []domain.AssessmentBlocker) []domain.AssessmentBlocker {
	seen := make(map[string]bool, len(prev))
	for _, b := range prev {
		seen[b.ID] = true
	}
	var out []domain.AssessmentBlocker
	for _, b := range next {
		if !seen[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

// Policy returns the consensus policy of a question under cfg.
func Policy(cfg *config.Config, q config.Question) consensus.Policy {
	return consensus.Policy{Method: cfg.MethodFor(q), Tolerance: cfg.Consensus.Tolerance, Options: q.Options}
}

func (in Input) blocker(kind domain.BlockerKind, sev domain.Severity, scope domain.BlockerScope, msg string) domain.AssessmentBlocker {
	return domain.AssessmentBlocker{
		ID:           blockerID(kind, scope),
		AssessmentID: in.AssessmentID,
		Kind:         kind,
		Severity:     sev,
		Scope:        scope,
		Message:      msg,
		DetectedAt:   in.Now,
	}
}

func (in Input) action(actor, role string, kind domain.ActionKind, target, msg string, due *time.Time) domain.PendingAction {
	return domain.PendingAction{
		ID:           fmt.Sprintf("%s:%s:%s", actor, kind, target),
		AssessmentID: in.AssessmentID,
		ActorID:      actor,
		Role:         role,
		Action:       kind,
		TargetID:     target,
		Message:      msg,
		DueAt:        due,
	}
}

// blockerID is stable across recomputations so raised blockers can be told
// apart from ones already known.
func blockerID(kind domain.BlockerKind, s domain.BlockerScope) string {
	id := string(kind)
	for _, part := range []string{s.VersionID, s.StageID, s.AssignmentID, s.SectionID, s.CategoryID, s.QuestionID} {
		if part != "" {
			id += ":" + part
		}
	}
	return id
}

func deadlineSeverity(deadline *time.Time, now time.Time, cfg config.BlockersConfig) domain.Severity {
	if deadline == nil {
		return domain.SeverityLow
	}
	switch {
	case now.After(deadline.Add(cfg.CriticalOverdue())):
		return domain.SeverityCritical
	case now.After(*deadline):
		return domain.SeverityHigh
	case deadline.Sub(now) <= cfg.DueSoon():
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func atLeast(s, floor domain.Severity) domain.Severity {
	if s.Rank() < floor.Rank() {
		return floor
	}
	return s
}

func currentAssignments(all []domain.AssignedRole) []domain.AssignedRole {
	var out []domain.AssignedRole
	for _, a := range all {
		if a.Current() {
			out = append(out, a)
		}
	}
	return out
}

func anyCovers(assignments []domain.AssignedRole, sectionID, categoryID string) bool {
	for _, a := range assignments {
		if workflow.Covers(a, sectionID, categoryID) {
			return true
		}
	}
	return false
}

func hasMissing(bs []domain.AssessmentBlocker) bool {
	for _, b := range bs {
		if b.Kind == domain.BlockerMissingAssignment {
			return true
		}
	}
	return false
}

// actorsWhere returns one assignment per actor and role that matches.
func actorsWhere(assignments []domain.AssignedRole, match func(role string) bool) []domain.AssignedRole {
	seen := map[string]bool{}
	var out []domain.AssignedRole
	for _, a := range assignments {
		key := a.ActorID + "/" + a.Role
		if seen[key] || !match(a.Role) {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

// upcomingDeadline is the deadline of the first stage that has not settled.
func upcomingDeadline(w domain.ReviewWorkflow) *time.Time {
	for _, st := range w.Stages {
		if !st.Status.Settled() {
			return st.Deadline
		}
	}
	return nil
}

// stageDeadlineFor is the deadline of the first unsettled stage requiring role.
func stageDeadlineFor(w domain.ReviewWorkflow, role string) *time.Time {
	for _, st := range w.Stages {
		if st.Status.Settled() {
			continue
		}
		for _, r := range st.RequiredRoles {
			if r == role {
				return st.Deadline
			}
		}
	}
	return nil
}
