package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"assessline/internal/changelog"
	"assessline/internal/config"
	"assessline/internal/domain"
	"assessline/internal/events"
	"assessline/internal/repo"
	"assessline/internal/version"
	"assessline/internal/workflow"
)

type CreateAssessmentInput struct {
	ID          string
	FrameworkID string
	Title       string
	// Seed is the response map of the baseline version.
	Seed    domain.ResponseMap
	ActorID string
}

// CreateAssessment stores a new assessment with its baseline version on the
// main branch and a pending workflow built from the configured template. The
// creator is granted the first admin role.
func (e Engine) CreateAssessment(ctx context.Context, in CreateAssessmentInput) (domain.Assessment, error) {
	if e.Config == nil {
		return domain.Assessment{}, errors.New("config not loaded")
	}
	if in.ActorID == "" {
		return domain.Assessment{}, errors.New("actor_id required")
	}
	fw, ok := e.Config.Framework(in.FrameworkID)
	if !ok {
		return domain.Assessment{}, fmt.Errorf("unknown framework %q", in.FrameworkID)
	}
	seed := changelog.Normalize(in.Seed)
	for qid, r := range seed {
		q, ok := fw.Question(qid)
		if !ok {
			return domain.Assessment{}, fmt.Errorf("seed question %s is not in framework %s", qid, in.FrameworkID)
		}
		for role, v := range r.Values {
			if err := checkOption(q, v); err != nil {
				return domain.Assessment{}, fmt.Errorf("seed %s for role %s: %w", qid, role, err)
			}
		}
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	a := domain.Assessment{ID: id, FrameworkID: in.FrameworkID, Title: in.Title, CreatedBy: in.ActorID, CreatedAt: now}

	err := e.write(ctx, "create_assessment", id, func(tx *sql.Tx, ob *outbox) error {
		if err := e.Repo.EnsureActor(ctx, tx, in.ActorID, now); err != nil {
			return err
		}
		if _, err := e.Repo.GetAssessment(ctx, tx, id); err == nil {
			return fmt.Errorf("assessment %s already exists", id)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.InsertAssessment(ctx, tx, a); err != nil {
			return fmt.Errorf("insert assessment: %w", err)
		}
		v0 := domain.AssessmentVersion{
			ID:             uuid.NewString(),
			AssessmentID:   id,
			Number:         0,
			Branch:         domain.MainBranch,
			Responses:      seed,
			ApprovalStatus: domain.ApprovalDraft,
			ChangeRange:    domain.ChangeRange{From: 1, To: 0},
			CreatedBy:      in.ActorID,
			CreatedAt:      now,
		}
		if err := version.Seal(&v0, questionIDs(fw), 0); err != nil {
			return err
		}
		if err := e.Repo.InsertVersion(ctx, tx, v0); err != nil {
			return fmt.Errorf("insert baseline: %w", err)
		}
		b := domain.Branch{AssessmentID: id, Name: domain.MainBranch, HeadVersionID: v0.ID, CreatedAt: now}
		if err := e.Repo.InsertBranch(ctx, tx, b); err != nil {
			return err
		}
		if err := e.Repo.SetAssessmentHead(ctx, tx, id, v0.ID); err != nil {
			return err
		}
		a.HeadVersionID = v0.ID
		if err := e.Repo.SaveWorkflow(ctx, tx, workflow.FromTemplate(id, e.Config.Workflow.Stages, now)); err != nil {
			return err
		}
		if len(e.Config.Roles.Admins) > 0 {
			if err := e.Repo.GrantRole(ctx, tx, id, in.ActorID, e.Config.Roles.Admins[0]); err != nil {
				return err
			}
		}
		bs := branchState{Assessment: a, Framework: fw, Branch: b, Head: v0, State: changelog.FromVersion(v0)}
		for _, qid := range seed.QuestionIDs() {
			if _, err := e.project(ctx, tx, bs, qid); err != nil {
				return err
			}
		}
		if err := e.events().Append(ctx, tx, events.AssessmentCreated, id, "assessment", id, in.ActorID, domain.EventPayload{VersionID: v0.ID}); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.VersionCreated, id, "version", v0.ID, in.ActorID, domain.EventPayload{VersionID: v0.ID, Branch: domain.MainBranch}); err != nil {
			return err
		}
		return e.reconcile(ctx, tx, id, &bs, in.ActorID, true, ob)
	})
	if err != nil {
		return domain.Assessment{}, err
	}
	e.logger().InfoContext(ctx, "assessment created", "assessment_id", id, "framework_id", in.FrameworkID, "version_id", a.HeadVersionID)
	return a, nil
}

func (e Engine) GetAssessment(ctx context.Context, id string) (domain.Assessment, error) {
	return e.Repo.GetAssessment(ctx, nil, id)
}

func (e Engine) ListAssessments(ctx context.Context) ([]domain.Assessment, error) {
	return e.Repo.ListAssessments(ctx)
}

func (e Engine) requireAdmin(ctx context.Context, tx *sql.Tx, assessmentID, actorID string) error {
	return e.Auth.RequireAny(ctx, tx, assessmentID, actorID, e.Config.Roles.Admins)
}

// GrantRole lets actorID act as role without an assignment. Only admins grant.
func (e Engine) GrantRole(ctx context.Context, assessmentID, actorID, role, byActorID string) error {
	if actorID == "" || role == "" {
		return errors.New("actor_id and role required")
	}
	return e.write(ctx, "grant_role", assessmentID, func(tx *sql.Tx, ob *outbox) error {
		if err := e.Repo.Touch(ctx, tx, assessmentID); err != nil {
			return fmt.Errorf("assessment %s: %w", assessmentID, err)
		}
		if err := e.requireAdmin(ctx, tx, assessmentID, byActorID); err != nil {
			return err
		}
		if err := e.Repo.EnsureActor(ctx, tx, actorID, e.now()); err != nil {
			return err
		}
		if err := e.Repo.GrantRole(ctx, tx, assessmentID, actorID, role); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.RoleGranted, assessmentID, "actor", actorID, byActorID, domain.EventPayload{ToStatus: role})
	})
}

type AssignInput struct {
	AssessmentID string
	Role         string
	ActorID      string
	Sections     []string
	Categories   []string
	Deadline     *time.Time
	// Replaces names an assignment this one supersedes. Without it, a current
	// assignment of the same actor and role is superseded.
	Replaces  string
	ByActorID string
}

// Assign binds a role to part of the framework and logs it as a change on the
// main branch.
func (e Engine) Assign(ctx context.Context, in AssignInput) (domain.AssignedRole, error) {
	if in.Role == "" || in.ActorID == "" {
		return domain.AssignedRole{}, errors.New("role and actor_id required")
	}
	out := domain.AssignedRole{
		ID:           uuid.NewString(),
		AssessmentID: in.AssessmentID,
		Role:         in.Role,
		ActorID:      in.ActorID,
		Sections:     dedupe(in.Sections),
		Categories:   dedupe(in.Categories),
		Status:       domain.AssignmentActive,
		Deadline:     in.Deadline,
	}
	err := e.write(ctx, "assign", in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		bs, err := e.loadBranch(ctx, tx, in.AssessmentID, domain.MainBranch)
		if err != nil {
			return err
		}
		if err := e.requireAdmin(ctx, tx, in.AssessmentID, in.ByActorID); err != nil {
			return err
		}
		if err := checkScope(bs.Framework, out.Sections, out.Categories); err != nil {
			return err
		}
		now := e.now()
		if in.Replaces != "" {
			prev, err := e.Repo.GetAssignment(ctx, tx, in.Replaces)
			if err != nil {
				return fmt.Errorf("assignment %s: %w", in.Replaces, err)
			}
			if prev.AssessmentID != in.AssessmentID || !prev.Current() {
				return fmt.Errorf("assignment %s is not current on %s", in.Replaces, in.AssessmentID)
			}
			if err := e.Repo.SupersedeAssignment(ctx, tx, prev.ID, now); err != nil {
				return err
			}
		} else if err := e.Repo.SupersedeAssignments(ctx, tx, in.AssessmentID, in.Role, in.ActorID, now); err != nil {
			return err
		}
		if err := e.Repo.EnsureActor(ctx, tx, in.ActorID, now); err != nil {
			return err
		}
		out.AssignedAt = now
		out.UpdatedAt = now
		if err := e.Repo.InsertAssignment(ctx, tx, out); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
		c := domain.AssessmentChange{
			Kind:       domain.ChangeRoleAssigned,
			TargetKind: domain.TargetRole,
			TargetID:   out.ID,
			Role:       in.Role,
			NewValue:   domain.TextValue(in.ActorID),
			Comment:    scopeLabel(out.Sections, out.Categories),
			Actor:      in.ByActorID,
		}
		if in.Replaces != "" {
			c.OldValue = domain.TextValue(in.Replaces)
		}
		if _, err := e.appendChange(ctx, tx, &bs, c); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.AssignmentCreated, in.AssessmentID, "assignment", out.ID, in.ByActorID, domain.EventPayload{}); err != nil {
			return err
		}
		if err := e.reconcile(ctx, tx, in.AssessmentID, &bs, in.ByActorID, true, ob); err != nil {
			return err
		}
		out, err = e.Repo.GetAssignment(ctx, tx, out.ID)
		return err
	})
	return out, err
}

// Assignments lists the assignments of an assessment in the order made.
func (e Engine) Assignments(ctx context.Context, assessmentID string, currentOnly bool) ([]domain.AssignedRole, error) {
	if _, err := e.Repo.GetAssessment(ctx, nil, assessmentID); err != nil {
		return nil, err
	}
	return e.Repo.ListAssignments(ctx, nil, assessmentID, currentOnly)
}

func checkScope(fw config.Framework, sections, categories []string) error {
	known := map[string]bool{}
	for _, s := range fw.Sections {
		known["s:"+s.ID] = true
		for _, c := range s.Categories {
			known["c:"+c.ID] = true
		}
	}
	for _, s := range sections {
		if !known["s:"+s] {
			return fmt.Errorf("unknown section %q", s)
		}
	}
	for _, c := range categories {
		if !known["c:"+c] {
			return fmt.Errorf("unknown category %q", c)
		}
	}
	return nil
}

func checkOption(q config.PlacedQuestion, v float64) error {
	if len(q.Options) == 0 {
		return nil
	}
	for _, o := range q.Options {
		if o == v {
			return nil
		}
	}
	return fmt.Errorf("value %v is not an option of question %s (%v)", v, q.ID, q.Options)
}

func scopeLabel(sections, categories []string) string {
	if len(sections) == 0 && len(categories) == 0 {
		return "all"
	}
	var parts []string
	for _, s := range sections {
		parts = append(parts, "section:"+s)
	}
	for _, c := range categories {
		parts = append(parts, "category:"+c)
	}
	return strings.Join(parts, ",")
}

func dedupe(items []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// isNotFound reports a missing record.
func isNotFound(err error) bool { return errors.Is(err, repo.ErrNotFound) }
