// Package engine runs assessment operations against the store. Every
// mutation is one transaction: it takes the assessment's write lock, checks
// the caller's view of the branch head, appends to the change log, updates
// projections, recomputes blockers and commits. Notifications go out only
// after the commit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"assessline/internal/blockers"
	"assessline/internal/changelog"
	"assessline/internal/config"
	"assessline/internal/consensus"
	"assessline/internal/domain"
	"assessline/internal/engine/auth"
	"assessline/internal/events"
	"assessline/internal/notify"
	"assessline/internal/repo"
	"assessline/internal/version"
)

// ErrNothingToCommit is returned when a version would fold no changes.
var ErrNothingToCommit = errors.New("no changes to commit")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Auth:     auth.Service{DB: db, Repo: r},
		Config:   cfg,
		Notifier: notify.Nop{},
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// outbox collects notifications raised inside a transaction.
type outbox struct {
	blockers    []domain.AssessmentBlocker
	transitions []stageNote
}

type stageNote struct {
	assessmentID string
	stageID      string
	status       domain.StageStatus
}

func (e Engine) flush(ctx context.Context, ob *outbox) {
	n := e.Notifier
	if n == nil {
		return
	}
	for _, t := range ob.transitions {
		n.OnStageTransition(ctx, t.assessmentID, t.stageID, t.status)
	}
	for _, b := range ob.blockers {
		n.OnBlockerRaised(ctx, b)
	}
}

// write runs fn in one transaction and delivers its notifications after the
// commit.
func (e Engine) write(ctx context.Context, op, assessmentID string, fn func(tx *sql.Tx, ob *outbox) error) (err error) {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	ctx, end := startSpan(ctx, op, assessmentID)
	defer func() { end(err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ob outbox
	if err = fn(tx, &ob); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	recordBlockersRaised(ctx, assessmentID, len(ob.blockers))
	e.flush(ctx, &ob)
	return nil
}

func (e Engine) framework(a domain.Assessment) (config.Framework, error) {
	fw, ok := e.Config.Framework(a.FrameworkID)
	if !ok {
		return config.Framework{}, fmt.Errorf("framework %s not configured", a.FrameworkID)
	}
	return fw, nil
}

func questionIDs(fw config.Framework) []string {
	qs := fw.Questions()
	ids := make([]string, 0, len(qs))
	for _, q := range qs {
		ids = append(ids, q.ID)
	}
	return ids
}

// branchState is the working state of a branch: its head version plus the
// changes appended to the branch since.
type branchState struct {
	Assessment domain.Assessment
	Framework  config.Framework
	Branch     domain.Branch
	Head       domain.AssessmentVersion
	Pending    []domain.AssessmentChange
	State      changelog.State
}

func (e Engine) loadBranch(ctx context.Context, tx *sql.Tx, assessmentID, branch string) (branchState, error) {
	if branch == "" {
		branch = domain.MainBranch
	}
	a, err := e.Repo.GetAssessment(ctx, tx, assessmentID)
	if err != nil {
		return branchState{}, fmt.Errorf("assessment %s: %w", assessmentID, err)
	}
	fw, err := e.framework(a)
	if err != nil {
		return branchState{}, err
	}
	b, err := e.Repo.GetBranch(ctx, tx, assessmentID, branch)
	if err != nil {
		return branchState{}, fmt.Errorf("branch %s: %w", branch, err)
	}
	head, err := e.loadVersion(ctx, tx, b.HeadVersionID)
	if err != nil {
		return branchState{}, err
	}
	pending, err := e.Repo.ListChanges(ctx, tx, assessmentID, repo.ChangeFilter{Branch: branch, After: head.Anchor()})
	if err != nil {
		return branchState{}, err
	}
	st, err := changelog.Replay(changelog.FromVersion(head), pending)
	if err != nil {
		return branchState{}, fmt.Errorf("rebuild branch %s: %w", branch, err)
	}
	return branchState{Assessment: a, Framework: fw, Branch: b, Head: head, Pending: pending, State: st}, nil
}

// loadVersion reads a version and refuses to return it when its content no
// longer hashes to the stored checksum.
func (e Engine) loadVersion(ctx context.Context, tx *sql.Tx, id string) (domain.AssessmentVersion, error) {
	v, err := e.Repo.GetVersion(ctx, tx, id)
	if err != nil {
		return v, fmt.Errorf("version %s: %w", id, err)
	}
	if err := version.Verify(v); err != nil {
		e.logger().ErrorContext(ctx, "version failed checksum verification", "assessment_id", v.AssessmentID, "version_id", v.ID, "error", err)
		return domain.AssessmentVersion{}, err
	}
	if v.IsMerge() {
		rows, err := e.Repo.ListMergeConflicts(ctx, tx, v.AssessmentID, v.ID, false)
		if err != nil {
			return v, err
		}
		for _, row := range rows {
			v.Conflicts = append(v.Conflicts, row.MergeConflict)
		}
	}
	return v, nil
}

func (e Engine) checkHead(bs branchState, expected string) error {
	if expected != "" && expected != bs.Head.ID {
		return &domain.VersionConflictError{
			AssessmentID: bs.Assessment.ID,
			Branch:       bs.Branch.Name,
			ExpectedHead: expected,
			ActualHead:   bs.Head.ID,
		}
	}
	return nil
}

// appendChange validates c against the branch state, assigns it the next
// sequence number and stores it. Question-level changes refresh the branch's
// role response projection.
func (e Engine) appendChange(ctx context.Context, tx *sql.Tx, bs *branchState, c domain.AssessmentChange) (domain.AssessmentChange, error) {
	c.AssessmentID = bs.Assessment.ID
	c.Branch = bs.Branch.Name
	c.ID = uuid.NewString()
	c.Timestamp = e.now()
	if c.Impact == "" {
		c.Impact = c.Kind.DefaultImpact()
	}
	if c.ReviewStatus == "" {
		c.ReviewStatus = domain.ReviewNone
		if c.ReviewRequired {
			c.ReviewStatus = domain.ReviewPending
		}
	}
	if err := changelog.Validate(bs.State, c); err != nil {
		return c, err
	}
	seq, err := e.Repo.NextSequence(ctx, tx, c.AssessmentID)
	if err != nil {
		return c, err
	}
	c.Sequence = seq
	if err := e.Repo.InsertChange(ctx, tx, c); err != nil {
		return c, fmt.Errorf("append change: %w", err)
	}
	bs.State = changelog.Apply(bs.State, c)
	bs.Pending = append(bs.Pending, c)
	if c.TargetKind == domain.TargetQuestion && c.Kind.TouchesResponses() {
		if _, err := e.project(ctx, tx, *bs, c.TargetID); err != nil {
			return c, err
		}
	}
	return c, nil
}

// project rewrites the role response record of one question. It returns a
// nil record when no role has answered.
func (e Engine) project(ctx context.Context, tx *sql.Tx, bs branchState, questionID string) (*domain.RoleResponse, error) {
	r, ok := bs.State.Responses[questionID]
	if !ok || len(r.Values) == 0 {
		return nil, e.Repo.DeleteRoleResponse(ctx, tx, bs.Assessment.ID, bs.Branch.Name, questionID)
	}
	q, ok := bs.Framework.Question(questionID)
	if !ok {
		return nil, fmt.Errorf("question %s not in framework %s", questionID, bs.Assessment.FrameworkID)
	}
	rr, err := consensus.BuildRoleResponse(bs.Assessment.ID, questionID, r, blockers.Policy(e.Config, q.Question), e.now())
	if err != nil {
		return nil, err
	}
	if err := e.Repo.UpsertRoleResponse(ctx, tx, bs.Branch.Name, rr); err != nil {
		return nil, err
	}
	return &rr, nil
}

// commit folds pending changes of a branch into a new version whose parent is
// the branch head. A nil rng commits every pending change; otherwise rng must
// start at the first pending change.
func (e Engine) commit(ctx context.Context, tx *sql.Tx, bs *branchState, parentID string, rng *domain.ChangeRange, actorID string) (domain.AssessmentVersion, error) {
	if err := e.checkHead(*bs, parentID); err != nil {
		return domain.AssessmentVersion{}, err
	}
	included := bs.Pending
	if rng != nil {
		if rng.To < rng.From {
			return domain.AssessmentVersion{}, fmt.Errorf("change range %d..%d is empty", rng.From, rng.To)
		}
		included = nil
		for _, c := range bs.Pending {
			if c.Sequence > rng.To {
				break
			}
			if c.Sequence < rng.From {
				return domain.AssessmentVersion{}, fmt.Errorf("change range must start at sequence %d, the first change after version %d",
					bs.Pending[0].Sequence, bs.Head.Number)
			}
			included = append(included, c)
		}
	}
	if len(included) == 0 {
		return domain.AssessmentVersion{}, ErrNothingToCommit
	}
	st, err := changelog.Replay(changelog.FromVersion(bs.Head), included)
	if err != nil {
		return domain.AssessmentVersion{}, err
	}
	v := domain.AssessmentVersion{
		AssessmentID:   bs.Assessment.ID,
		Branch:         bs.Branch.Name,
		Responses:      st.Responses,
		ApprovalStatus: domain.ApprovalDraft,
		ChangeRange:    domain.ChangeRange{From: included[0].Sequence, To: included[len(included)-1].Sequence},
	}
	if err := e.storeVersion(ctx, tx, bs, &v, st.TimeSpentSeconds, actorID); err != nil {
		return v, err
	}
	bs.Pending = bs.Pending[len(included):]
	return v, nil
}

// storeVersion seals v as the new head of bs. The head moves only if it still
// points at the version bs was loaded with.
func (e Engine) storeVersion(ctx context.Context, tx *sql.Tx, bs *branchState, v *domain.AssessmentVersion, timeSpent float64, actorID string) error {
	num, err := e.Repo.NextVersionNumber(ctx, tx, bs.Assessment.ID)
	if err != nil {
		return err
	}
	parent := bs.Head.ID
	v.ID = uuid.NewString()
	v.Number = num
	v.ParentID = &parent
	v.CreatedBy = actorID
	v.CreatedAt = e.now()
	if err := version.Seal(v, questionIDs(bs.Framework), timeSpent); err != nil {
		return err
	}
	if err := e.Repo.InsertVersion(ctx, tx, *v); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	swapped, err := e.Repo.CompareAndSwapHead(ctx, tx, bs.Assessment.ID, bs.Branch.Name, parent, v.ID)
	if err != nil {
		return err
	}
	if !swapped {
		actual, err := e.Repo.GetBranch(ctx, tx, bs.Assessment.ID, bs.Branch.Name)
		if err != nil {
			return err
		}
		return &domain.VersionConflictError{AssessmentID: bs.Assessment.ID, Branch: bs.Branch.Name, ExpectedHead: parent, ActualHead: actual.HeadVersionID}
	}
	if bs.Branch.Name == domain.MainBranch {
		if err := e.Repo.SetAssessmentHead(ctx, tx, bs.Assessment.ID, v.ID); err != nil {
			return err
		}
	}
	bs.Head = *v
	bs.Branch.HeadVersionID = v.ID
	payload := domain.EventPayload{VersionID: v.ID, Branch: v.Branch, Conflicts: len(v.Conflicts), Sources: v.MergedFrom}
	evt := events.VersionCreated
	if v.IsMerge() {
		evt = events.VersionsMerged
	}
	if err := e.events().Append(ctx, tx, evt, bs.Assessment.ID, "version", v.ID, actorID, payload); err != nil {
		return err
	}
	e.logger().DebugContext(ctx, "version stored", "assessment_id", v.AssessmentID, "version_id", v.ID, "number", v.Number, "branch", v.Branch)
	return nil
}
