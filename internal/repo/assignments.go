package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"assessline/internal/domain"
)

const assignmentColumns = `id,assessment_id,role,actor_id,sections_json,categories_json,status,progress,deadline,assigned_at,updated_at`

func scanAssignment(row interface{ Scan(...any) error }) (domain.AssignedRole, error) {
	var a domain.AssignedRole
	var sections, categories, assigned, updated string
	var deadline sql.NullString
	err := row.Scan(&a.ID, &a.AssessmentID, &a.Role, &a.ActorID, &sections, &categories, &a.Status, &a.Progress, &deadline, &assigned, &updated)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(sections), &a.Sections); err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(categories), &a.Categories); err != nil {
		return a, err
	}
	if a.Deadline, err = parseTimePtr(deadline); err != nil {
		return a, err
	}
	if a.AssignedAt, err = parseTime(assigned); err != nil {
		return a, err
	}
	a.UpdatedAt, err = parseTime(updated)
	return a, err
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.AssignedRole) error {
	if a.Sections == nil {
		a.Sections = []string{}
	}
	if a.Categories == nil {
		a.Categories = []string{}
	}
	sections, err := marshalJSON(a.Sections)
	if err != nil {
		return err
	}
	categories, err := marshalJSON(a.Categories)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.AssessmentID, a.Role, a.ActorID, sections, categories, a.Status, a.Progress, fmtTimePtr(a.Deadline),
		fmtTime(a.AssignedAt), fmtTime(a.UpdatedAt))
	return err
}

// SupersedeAssignments retires the current assignments of an actor in a role.
func (r Repo) SupersedeAssignments(ctx context.Context, tx *sql.Tx, assessmentID, role, actorID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, updated_at=? WHERE assessment_id=? AND role=? AND actor_id=? AND status<>?`,
		domain.AssignmentSuperseded, fmtTime(now), assessmentID, role, actorID, domain.AssignmentSuperseded)
	return err
}

// UpdateAssignmentProgress stores recomputed progress and status.
func (r Repo) UpdateAssignmentProgress(ctx context.Context, tx *sql.Tx, id string, progress float64, status domain.AssignmentStatus, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET progress=?, status=?, updated_at=? WHERE id=?`, progress, status, fmtTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAssignment(ctx context.Context, tx *sql.Tx, id string) (domain.AssignedRole, error) {
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

// ListAssignments returns assignments in the order they were made. With
// currentOnly superseded ones are skipped.
func (r Repo) ListAssignments(ctx context.Context, tx *sql.Tx, assessmentID string, currentOnly bool) ([]domain.AssignedRole, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE assessment_id=?`
	args := []any{assessmentID}
	if currentOnly {
		query += ` AND status<>?`
		args = append(args, domain.AssignmentSuperseded)
	}
	query += ` ORDER BY assigned_at, id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssignedRole
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// HasCurrentAssignment reports whether actor holds role through a live assignment.
func (r Repo) HasCurrentAssignment(ctx context.Context, tx *sql.Tx, assessmentID, role, actorID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM assignments WHERE assessment_id=? AND role=? AND actor_id=? AND status<>?`,
		assessmentID, role, actorID, domain.AssignmentSuperseded).Scan(&n)
	return n > 0, err
}

// SupersedeAssignment retires one assignment.
func (r Repo) SupersedeAssignment(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, updated_at=? WHERE id=?`, domain.AssignmentSuperseded, fmtTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
