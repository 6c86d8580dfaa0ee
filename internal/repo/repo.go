package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"assessline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs against tx when given, otherwise against the pool.
func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const assessmentColumns = `id,framework_id,COALESCE(title,''),COALESCE(head_version_id,''),last_seq,created_by,created_at`

func scanAssessment(row interface{ Scan(...any) error }) (domain.Assessment, error) {
	var a domain.Assessment
	var created string
	err := row.Scan(&a.ID, &a.FrameworkID, &a.Title, &a.HeadVersionID, &a.LastSequence, &a.CreatedBy, &created)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.CreatedAt, err = parseTime(created)
	return a, err
}

func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assessments(id,framework_id,title,head_version_id,last_seq,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.FrameworkID, nullable(a.Title), nullable(a.HeadVersionID), a.LastSequence, a.CreatedBy, fmtTime(a.CreatedAt))
	return err
}

func (r Repo) GetAssessment(ctx context.Context, tx *sql.Tx, id string) (domain.Assessment, error) {
	return scanAssessment(r.q(tx).QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM assessments WHERE id=?`, id))
}

func (r Repo) ListAssessments(ctx context.Context) ([]domain.Assessment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assessmentColumns+` FROM assessments ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// NextSequence bumps and returns the assessment's change sequence. Running it
// first in a transaction takes the write lock for the assessment.
func (r Repo) NextSequence(ctx context.Context, tx *sql.Tx, assessmentID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assessments SET last_seq=last_seq+1 WHERE id=?`, assessmentID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM assessments WHERE id=?`, assessmentID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Touch takes the write lock for an assessment without consuming a sequence.
func (r Repo) Touch(ctx context.Context, tx *sql.Tx, assessmentID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assessments SET last_seq=last_seq WHERE id=?`, assessmentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAssessmentHead(ctx context.Context, tx *sql.Tx, assessmentID, versionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE assessments SET head_version_id=? WHERE id=?`, versionID, assessmentID)
	return err
}

func (r Repo) InsertBranch(ctx context.Context, tx *sql.Tx, b domain.Branch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO branches(assessment_id,name,head_version_id,created_at) VALUES (?,?,?,?)`,
		b.AssessmentID, b.Name, b.HeadVersionID, fmtTime(b.CreatedAt))
	return err
}

func (r Repo) GetBranch(ctx context.Context, tx *sql.Tx, assessmentID, name string) (domain.Branch, error) {
	var b domain.Branch
	var created string
	err := r.q(tx).QueryRowContext(ctx, `SELECT assessment_id,name,head_version_id,created_at FROM branches WHERE assessment_id=? AND name=?`,
		assessmentID, name).Scan(&b.AssessmentID, &b.Name, &b.HeadVersionID, &created)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.CreatedAt, err = parseTime(created)
	return b, err
}

func (r Repo) ListBranches(ctx context.Context, tx *sql.Tx, assessmentID string) ([]domain.Branch, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT assessment_id,name,head_version_id,created_at FROM branches WHERE assessment_id=? ORDER BY created_at, name`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Branch
	for rows.Next() {
		var b domain.Branch
		var created string
		if err := rows.Scan(&b.AssessmentID, &b.Name, &b.HeadVersionID, &created); err != nil {
			return nil, err
		}
		if b.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// CompareAndSwapHead moves a branch head only if it still points at expected.
// It reports whether the swap happened.
func (r Repo) CompareAndSwapHead(ctx context.Context, tx *sql.Tx, assessmentID, branch, expected, next string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE branches SET head_version_id=? WHERE assessment_id=? AND name=? AND head_version_id=?`,
		next, assessmentID, branch, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// marshalOptional returns NULL for nil pointers.
func marshalOptional[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	return marshalJSON(v)
}

func unmarshalOptional[T any](s sql.NullString) (*T, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
