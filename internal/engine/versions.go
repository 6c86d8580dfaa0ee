package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"assessline/internal/changelog"
	"assessline/internal/domain"
	"assessline/internal/events"
	"assessline/internal/repo"
	"assessline/internal/version"
)

// ErrOpenConflicts is returned when approving a merge that still has
// unresolved conflicts.
var ErrOpenConflicts = errors.New("merge has unresolved conflicts")

type CommitInput struct {
	AssessmentID string
	Branch       string
	// ParentID is the head the caller builds on. Empty takes the current head.
	ParentID string
	// Range limits the commit to a prefix of the pending changes.
	Range   *domain.ChangeRange
	ActorID string
}

// CreateVersion folds pending changes of a branch into a new version. It
// fails with VersionConflictError when ParentID is no longer the head.
func (e Engine) CreateVersion(ctx context.Context, in CommitInput) (domain.AssessmentVersion, error) {
	var out domain.AssessmentVersion
	err := e.write(ctx, "create_version", in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		bs, err := e.loadBranch(ctx, tx, in.AssessmentID, in.Branch)
		if err != nil {
			return err
		}
		if err := e.Auth.RequireMember(ctx, tx, in.AssessmentID, in.ActorID); err != nil {
			return err
		}
		parent := in.ParentID
		if parent == "" {
			parent = bs.Head.ID
		}
		if out, err = e.commit(ctx, tx, &bs, parent, in.Range, in.ActorID); err != nil {
			return err
		}
		return e.reconcile(ctx, tx, in.AssessmentID, &bs, in.ActorID, true, ob)
	})
	if err != nil {
		return domain.AssessmentVersion{}, err
	}
	e.logger().InfoContext(ctx, "version created", "assessment_id", in.AssessmentID, "version_id", out.ID, "number", out.Number, "branch", out.Branch)
	return out, nil
}

type BranchInput struct {
	AssessmentID  string
	FromVersionID string
	Name          string
	ActorID       string
}

// Branch starts a new line of history at an existing version. The new head
// carries the same responses; no other branch moves.
func (e Engine) Branch(ctx context.Context, in BranchInput) (domain.AssessmentVersion, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.AssessmentVersion{}, errors.New("branch name required")
	}
	var out domain.AssessmentVersion
	err := e.write(ctx, "branch", in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		if err := e.Repo.Touch(ctx, tx, in.AssessmentID); err != nil {
			return fmt.Errorf("assessment %s: %w", in.AssessmentID, err)
		}
		if err := e.Auth.RequireMember(ctx, tx, in.AssessmentID, in.ActorID); err != nil {
			return err
		}
		if _, err := e.Repo.GetBranch(ctx, tx, in.AssessmentID, name); err == nil {
			return fmt.Errorf("branch %s already exists", name)
		} else if !isNotFound(err) {
			return err
		}
		from, err := e.loadVersion(ctx, tx, in.FromVersionID)
		if err != nil {
			return err
		}
		if from.AssessmentID != in.AssessmentID {
			return fmt.Errorf("version %s: %w", in.FromVersionID, repo.ErrNotFound)
		}
		a, err := e.Repo.GetAssessment(ctx, tx, in.AssessmentID)
		if err != nil {
			return err
		}
		fw, err := e.framework(a)
		if err != nil {
			return err
		}
		num, err := e.Repo.NextVersionNumber(ctx, tx, in.AssessmentID)
		if err != nil {
			return err
		}
		now := e.now()
		parent := from.ID
		out = domain.AssessmentVersion{
			ID:             uuid.NewString(),
			AssessmentID:   in.AssessmentID,
			Number:         num,
			ParentID:       &parent,
			Branch:         name,
			Responses:      from.Responses.Clone(),
			ApprovalStatus: domain.ApprovalDraft,
			ChangeRange:    domain.ChangeRange{From: from.Anchor() + 1, To: from.Anchor()},
			CreatedBy:      in.ActorID,
			CreatedAt:      now,
		}
		if err := version.Seal(&out, questionIDs(fw), from.Metadata.TimeSpentSeconds); err != nil {
			return err
		}
		if err := e.Repo.InsertVersion(ctx, tx, out); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		b := domain.Branch{AssessmentID: in.AssessmentID, Name: name, HeadVersionID: out.ID, CreatedAt: now}
		if err := e.Repo.InsertBranch(ctx, tx, b); err != nil {
			return err
		}
		bs := branchState{Assessment: a, Framework: fw, Branch: b, Head: out, State: changelog.FromVersion(out)}
		for _, qid := range out.Responses.QuestionIDs() {
			if _, err := e.project(ctx, tx, bs, qid); err != nil {
				return err
			}
		}
		payload := domain.EventPayload{VersionID: out.ID, Branch: name, Sources: []string{from.ID}}
		if err := e.events().Append(ctx, tx, events.BranchCreated, in.AssessmentID, "branch", name, in.ActorID, payload); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.VersionCreated, in.AssessmentID, "version", out.ID, in.ActorID, domain.EventPayload{VersionID: out.ID, Branch: name})
	})
	return out, err
}

type MergeInput struct {
	AssessmentID string
	// SourceVersionIDs lists the versions to combine. The first is the
	// target: it must be the head of its branch, which receives the merge.
	SourceVersionIDs []string
	ActorID          string
}

// Merge combines versions relative to their nearest common ancestor. The
// merge version becomes the head of the target's branch. Questions changed
// differently by several sources are reported as conflicts and keep the
// target's content until resolved.
func (e Engine) Merge(ctx context.Context, in MergeInput) (domain.AssessmentVersion, error) {
	ids := in.SourceVersionIDs
	if len(ids) < 2 {
		return domain.AssessmentVersion{}, fmt.Errorf("merge needs at least two versions, got %d", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			return domain.AssessmentVersion{}, fmt.Errorf("version %s given twice", id)
		}
		seen[id] = true
	}
	var out domain.AssessmentVersion
	err := e.write(ctx, "merge", in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		if err := e.Repo.Touch(ctx, tx, in.AssessmentID); err != nil {
			return fmt.Errorf("assessment %s: %w", in.AssessmentID, err)
		}
		if err := e.Auth.RequireMember(ctx, tx, in.AssessmentID, in.ActorID); err != nil {
			return err
		}
		skeleton, err := e.Repo.ListVersionGraph(ctx, tx, in.AssessmentID)
		if err != nil {
			return err
		}
		g := version.NewGraph(skeleton)
		sources := make([]version.Source, len(ids))
		for i, id := range ids {
			if _, ok := g[id]; !ok {
				return fmt.Errorf("version %s: %w", id, repo.ErrNotFound)
			}
			v, err := e.loadVersion(ctx, tx, id)
			if err != nil {
				return err
			}
			sources[i] = version.Source{Version: v}
		}
		target := sources[0].Version
		bs, err := e.loadBranch(ctx, tx, in.AssessmentID, target.Branch)
		if err != nil {
			return err
		}
		if bs.Head.ID != target.ID {
			return &domain.VersionConflictError{AssessmentID: in.AssessmentID, Branch: target.Branch, ExpectedHead: target.ID, ActualHead: bs.Head.ID}
		}
		// The target contributes its working state, pending changes included.
		sources[0].Version.Responses = bs.State.Responses.Clone()
		sources[0].Version.Metadata.TimeSpentSeconds = bs.State.TimeSpentSeconds

		base, err := g.CommonAncestor(ids)
		if err != nil {
			return err
		}
		if base, err = e.loadVersion(ctx, tx, base.ID); err != nil {
			return err
		}
		for i := range sources {
			extra := []domain.AssessmentChange(nil)
			if i == 0 {
				extra = bs.Pending
			}
			if sources[i].Touched, err = e.touchedSince(ctx, tx, g, ids[i], base.ID, extra); err != nil {
				return err
			}
		}
		res, err := version.Merge(base, sources)
		if err != nil {
			return err
		}
		merged := changelog.NewState(res.Responses, res.TimeSpentSeconds)
		for _, d := range changelog.Delta(bs.State, merged) {
			d.Actor = in.ActorID
			if _, err := e.appendChange(ctx, tx, &bs, d); err != nil {
				return fmt.Errorf("merge delta: %w", err)
			}
		}
		out = domain.AssessmentVersion{
			AssessmentID:   in.AssessmentID,
			Branch:         bs.Branch.Name,
			MergedFrom:     append([]string(nil), ids...),
			Responses:      bs.State.Responses.Clone(),
			ApprovalStatus: domain.ApprovalApproved,
			ChangeRange:    domain.ChangeRange{From: bs.Head.Anchor() + 1, To: bs.Head.Anchor()},
			Conflicts:      res.Conflicts,
		}
		if len(bs.Pending) > 0 {
			out.ChangeRange = domain.ChangeRange{From: bs.Pending[0].Sequence, To: bs.Pending[len(bs.Pending)-1].Sequence}
		}
		if len(res.Conflicts) > 0 {
			out.ApprovalStatus = domain.ApprovalPending
		}
		if err := e.storeVersion(ctx, tx, &bs, &out, bs.State.TimeSpentSeconds, in.ActorID); err != nil {
			return err
		}
		bs.Pending = nil
		if err := e.Repo.InsertMergeConflicts(ctx, tx, in.AssessmentID, out.ID, res.Conflicts); err != nil {
			return err
		}
		recordMergeConflicts(ctx, in.AssessmentID, len(res.Conflicts))
		return e.reconcile(ctx, tx, in.AssessmentID, &bs, in.ActorID, true, ob)
	})
	if err != nil {
		return domain.AssessmentVersion{}, err
	}
	e.logger().InfoContext(ctx, "versions merged", "assessment_id", in.AssessmentID, "version_id", out.ID, "sources", len(ids), "conflicts", len(out.Conflicts))
	return out, nil
}

// touchedSince lists the questions changed between ancestor and id along the
// first-parent chain, plus those in extra. It returns nil, meaning compare
// everything, when ancestor is not on that chain.
func (e Engine) touchedSince(ctx context.Context, tx *sql.Tx, g version.Graph, id, ancestor string, extra []domain.AssessmentChange) ([]string, error) {
	path, ok := g.FirstParentPath(id, ancestor)
	if !ok {
		return nil, nil
	}
	changes := append([]domain.AssessmentChange(nil), extra...)
	for _, v := range path {
		if v.ChangeRange.To < v.ChangeRange.From {
			continue
		}
		cs, err := e.Repo.ListChanges(ctx, tx, v.AssessmentID, repo.ChangeFilter{Branch: v.Branch, After: v.ChangeRange.From - 1, UpTo: v.ChangeRange.To})
		if err != nil {
			return nil, err
		}
		changes = append(changes, cs...)
	}
	return changelog.Touched(changes), nil
}

type MergeResolveInput struct {
	AssessmentID string
	VersionID    string
	QuestionID   string
	// CandidateVersionID picks the source whose content wins.
	CandidateVersionID string
	ActorID            string
	ExpectedHead       string
}

// ResolveMergeConflict settles a merge conflict by taking one candidate's
// content. The content is written as changes on the merge's branch.
func (e Engine) ResolveMergeConflict(ctx context.Context, in MergeResolveInput) ([]domain.AssessmentChange, error) {
	var out []domain.AssessmentChange
	err := e.write(ctx, "resolve_merge_conflict", in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		if err := e.Repo.Touch(ctx, tx, in.AssessmentID); err != nil {
			return fmt.Errorf("assessment %s: %w", in.AssessmentID, err)
		}
		if err := e.Auth.RequireAny(ctx, tx, in.AssessmentID, in.ActorID, e.Config.Roles.Resolvers); err != nil {
			return err
		}
		mv, err := e.loadVersion(ctx, tx, in.VersionID)
		if err != nil {
			return err
		}
		if mv.AssessmentID != in.AssessmentID {
			return fmt.Errorf("version %s: %w", in.VersionID, repo.ErrNotFound)
		}
		var conflict *domain.MergeConflict
		for i := range mv.Conflicts {
			if mv.Conflicts[i].QuestionID == in.QuestionID {
				conflict = &mv.Conflicts[i]
			}
		}
		if conflict == nil || conflict.Resolved {
			return fmt.Errorf("open merge conflict %s/%s: %w", in.VersionID, in.QuestionID, repo.ErrNotFound)
		}
		var pick *domain.MergeCandidate
		for i := range conflict.Candidates {
			if conflict.Candidates[i].VersionID == in.CandidateVersionID {
				pick = &conflict.Candidates[i]
			}
		}
		if pick == nil {
			return fmt.Errorf("version %s is not a candidate for %s", in.CandidateVersionID, in.QuestionID)
		}
		bs, err := e.loadBranch(ctx, tx, in.AssessmentID, mv.Branch)
		if err != nil {
			return err
		}
		if err := e.checkHead(bs, in.ExpectedHead); err != nil {
			return err
		}
		to := bs.State.Clone()
		if pick.Response.Empty() {
			delete(to.Responses, in.QuestionID)
		} else {
			to.Responses[in.QuestionID] = pick.Response.Clone()
		}
		for _, d := range changelog.Delta(bs.State, to) {
			d.Actor = in.ActorID
			c, err := e.appendChange(ctx, tx, &bs, d)
			if err != nil {
				return fmt.Errorf("apply candidate: %w", err)
			}
			out = append(out, c)
		}
		if err := e.Repo.ResolveMergeConflict(ctx, tx, in.VersionID, in.QuestionID, in.ActorID); err != nil {
			return err
		}
		payload := domain.EventPayload{VersionID: in.VersionID, Branch: mv.Branch, Sources: []string{in.CandidateVersionID}}
		if err := e.events().Append(ctx, tx, events.MergeResolved, in.AssessmentID, "version", in.VersionID, in.ActorID, payload); err != nil {
			return err
		}
		return e.reconcile(ctx, tx, in.AssessmentID, &bs, in.ActorID, true, ob)
	})
	return out, err
}

// Verify recomputes a version's checksum. A mismatch returns false together
// with the ChecksumMismatchError.
func (e Engine) Verify(ctx context.Context, versionID string) (bool, error) {
	v, err := e.Repo.GetVersion(ctx, nil, versionID)
	if err != nil {
		return false, fmt.Errorf("version %s: %w", versionID, err)
	}
	if err := version.Verify(v); err != nil {
		e.logger().ErrorContext(ctx, "version failed checksum verification", "assessment_id", v.AssessmentID, "version_id", v.ID, "error", err)
		return false, err
	}
	return true, nil
}

func (e Engine) GetVersion(ctx context.Context, versionID string) (domain.AssessmentVersion, error) {
	var out domain.AssessmentVersion
	err := e.read(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = e.loadVersion(ctx, tx, versionID)
		return err
	})
	return out, err
}

// Head returns the head version of a branch.
func (e Engine) Head(ctx context.Context, assessmentID, branch string) (domain.AssessmentVersion, error) {
	if branch == "" {
		branch = domain.MainBranch
	}
	var out domain.AssessmentVersion
	err := e.read(ctx, func(tx *sql.Tx) error {
		b, err := e.Repo.GetBranch(ctx, tx, assessmentID, branch)
		if err != nil {
			return fmt.Errorf("branch %s: %w", branch, err)
		}
		out, err = e.loadVersion(ctx, tx, b.HeadVersionID)
		return err
	})
	return out, err
}

type HistoryQuery struct {
	AssessmentID string
	Limit        int
	// Before restarts the listing below this version number.
	Before *int
}

// HistoryPage is one page of versions, newest first. Next is the cursor of
// the following page, nil on the last one.
type HistoryPage struct {
	Versions []domain.AssessmentVersion `json:"versions"`
	Next     *int                       `json:"next,omitempty"`
}

// History lists versions newest first. Every version is verified before it
// is returned.
func (e Engine) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	var page HistoryPage
	err := e.read(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetAssessment(ctx, tx, q.AssessmentID); err != nil {
			return fmt.Errorf("assessment %s: %w", q.AssessmentID, err)
		}
		limit := q.Limit
		if limit > 0 {
			limit++
		}
		vs, err := e.Repo.ListVersions(ctx, tx, q.AssessmentID, limit, q.Before)
		if err != nil {
			return err
		}
		if q.Limit > 0 && len(vs) > q.Limit {
			vs = vs[:q.Limit]
			next := vs[len(vs)-1].Number
			page.Next = &next
		}
		for _, v := range vs {
			if err := version.Verify(v); err != nil {
				return err
			}
		}
		page.Versions = vs
		return nil
	})
	return page, err
}

// Diff returns the changes recorded between two versions' anchors.
func (e Engine) Diff(ctx context.Context, assessmentID, fromID, toID string) ([]domain.AssessmentChange, error) {
	var out []domain.AssessmentChange
	err := e.read(ctx, func(tx *sql.Tx) error {
		a, err := e.loadVersion(ctx, tx, fromID)
		if err != nil {
			return err
		}
		b, err := e.loadVersion(ctx, tx, toID)
		if err != nil {
			return err
		}
		if a.AssessmentID != assessmentID || b.AssessmentID != assessmentID {
			return fmt.Errorf("versions do not belong to %s: %w", assessmentID, repo.ErrNotFound)
		}
		lo, hi := a.Anchor(), b.Anchor()
		if lo > hi {
			lo, hi = hi, lo
		}
		if lo == hi {
			return nil
		}
		changes, err := e.Repo.ListChanges(ctx, tx, assessmentID, repo.ChangeFilter{After: lo, UpTo: hi})
		if err != nil {
			return err
		}
		out = changelog.Diff(changes, a, b)
		return nil
	})
	return out, err
}

// Replay folds the changes on a version's branch after its anchor, up to
// toSeq, onto its responses. toSeq 0 folds every change.
func (e Engine) Replay(ctx context.Context, fromVersionID string, toSeq int64) (domain.ResponseMap, error) {
	var out domain.ResponseMap
	err := e.read(ctx, func(tx *sql.Tx) error {
		v, err := e.loadVersion(ctx, tx, fromVersionID)
		if err != nil {
			return err
		}
		if toSeq != 0 && toSeq < v.Anchor() {
			return fmt.Errorf("sequence %d is before the anchor %d of version %s", toSeq, v.Anchor(), v.ID)
		}
		changes, err := e.Repo.ListChanges(ctx, tx, v.AssessmentID, repo.ChangeFilter{Branch: v.Branch, After: v.Anchor(), UpTo: toSeq})
		if err != nil {
			return err
		}
		st, err := changelog.Replay(changelog.FromVersion(v), changes)
		if err != nil {
			return err
		}
		out = st.Responses
		return nil
	})
	return out, err
}

type ApprovalInput struct {
	AssessmentID string
	VersionID    string
	Status       domain.ApprovalStatus
	ActorID      string
}

// SetApproval moves a version between approval statuses. Only approvers may,
// and a merge with open conflicts cannot be approved.
func (e Engine) SetApproval(ctx context.Context, in ApprovalInput) (domain.AssessmentVersion, error) {
	if !in.Status.Valid() {
		return domain.AssessmentVersion{}, fmt.Errorf("unknown approval status %q", in.Status)
	}
	var out domain.AssessmentVersion
	err := e.write(ctx, "set_approval", in.AssessmentID, func(tx *sql.Tx, ob *outbox) error {
		if err := e.Repo.Touch(ctx, tx, in.AssessmentID); err != nil {
			return fmt.Errorf("assessment %s: %w", in.AssessmentID, err)
		}
		if err := e.Auth.RequireAny(ctx, tx, in.AssessmentID, in.ActorID, e.Config.Roles.Approvers); err != nil {
			return err
		}
		v, err := e.loadVersion(ctx, tx, in.VersionID)
		if err != nil {
			return err
		}
		if v.AssessmentID != in.AssessmentID {
			return fmt.Errorf("version %s: %w", in.VersionID, repo.ErrNotFound)
		}
		if in.Status == domain.ApprovalApproved {
			for _, c := range v.Conflicts {
				if !c.Resolved {
					return fmt.Errorf("approve %s: %w", v.ID, ErrOpenConflicts)
				}
			}
		}
		if err := e.Repo.SetApprovalStatus(ctx, tx, v.ID, in.Status); err != nil {
			return err
		}
		payload := domain.EventPayload{VersionID: v.ID, FromStatus: string(v.ApprovalStatus), ToStatus: string(in.Status)}
		if err := e.events().Append(ctx, tx, events.ApprovalChanged, in.AssessmentID, "version", v.ID, in.ActorID, payload); err != nil {
			return err
		}
		v.ApprovalStatus = in.Status
		out = v
		return nil
	})
	return out, err
}

func (e Engine) Branches(ctx context.Context, assessmentID string) ([]domain.Branch, error) {
	if _, err := e.Repo.GetAssessment(ctx, nil, assessmentID); err != nil {
		return nil, err
	}
	return e.Repo.ListBranches(ctx, nil, assessmentID)
}

// Changes lists change-log entries of an assessment.
func (e Engine) Changes(ctx context.Context, assessmentID string, f repo.ChangeFilter) ([]domain.AssessmentChange, error) {
	if _, err := e.Repo.GetAssessment(ctx, nil, assessmentID); err != nil {
		return nil, err
	}
	return e.Repo.ListChanges(ctx, nil, assessmentID, f)
}

// ValidateGraph checks the version graph of an assessment.
func (e Engine) ValidateGraph(ctx context.Context, assessmentID string) error {
	vs, err := e.Repo.ListVersionGraph(ctx, nil, assessmentID)
	if err != nil {
		return err
	}
	return version.NewGraph(vs).Validate()
}
