package repo

import (
	"context"
	"database/sql"

	"assessline/internal/domain"
)

const changeColumns = `id,assessment_id,branch,seq,ts,kind,target_kind,target_id,COALESCE(role,''),old_value_json,new_value_json,COALESCE(comment,''),confidence,actor_id,impact,review_required,review_status`

func scanChange(row interface{ Scan(...any) error }) (domain.AssessmentChange, error) {
	var c domain.AssessmentChange
	var ts string
	var oldV, newV sql.NullString
	var confidence sql.NullFloat64
	var review int
	err := row.Scan(&c.ID, &c.AssessmentID, &c.Branch, &c.Sequence, &ts, &c.Kind, &c.TargetKind, &c.TargetID, &c.Role,
		&oldV, &newV, &c.Comment, &confidence, &c.Actor, &c.Impact, &review, &c.ReviewStatus)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.Timestamp, err = parseTime(ts); err != nil {
		return c, err
	}
	if c.OldValue, err = unmarshalOptional[domain.ChangeValue](oldV); err != nil {
		return c, err
	}
	if c.NewValue, err = unmarshalOptional[domain.ChangeValue](newV); err != nil {
		return c, err
	}
	if confidence.Valid {
		v := confidence.Float64
		c.Confidence = &v
	}
	c.ReviewRequired = review == 1
	return c, nil
}

// InsertChange appends one change record. The log table rejects updates and
// deletes.
func (r Repo) InsertChange(ctx context.Context, tx *sql.Tx, c domain.AssessmentChange) error {
	oldV, err := marshalOptional(c.OldValue)
	if err != nil {
		return err
	}
	newV, err := marshalOptional(c.NewValue)
	if err != nil {
		return err
	}
	var confidence any
	if c.Confidence != nil {
		confidence = *c.Confidence
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO changes(id,assessment_id,branch,seq,ts,kind,target_kind,target_id,role,old_value_json,new_value_json,comment,confidence,actor_id,impact,review_required,review_status)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.AssessmentID, c.Branch, c.Sequence, fmtTime(c.Timestamp), c.Kind, c.TargetKind, c.TargetID, nullable(c.Role),
		oldV, newV, nullable(c.Comment), confidence, c.Actor, c.Impact, boolInt(c.ReviewRequired), c.ReviewStatus)
	return err
}

// ChangeFilter narrows ListChanges. Zero values do not filter.
type ChangeFilter struct {
	Branch string
	After  int64
	UpTo   int64
	Kind   domain.ChangeKind
	Limit  int
}

// ListChanges returns changes in sequence order.
func (r Repo) ListChanges(ctx context.Context, tx *sql.Tx, assessmentID string, f ChangeFilter) ([]domain.AssessmentChange, error) {
	query := `SELECT ` + changeColumns + ` FROM changes WHERE assessment_id=?`
	args := []any{assessmentID}
	if f.Branch != "" {
		query += ` AND branch=?`
		args = append(args, f.Branch)
	}
	if f.After > 0 {
		query += ` AND seq > ?`
		args = append(args, f.After)
	}
	if f.UpTo > 0 {
		query += ` AND seq <= ?`
		args = append(args, f.UpTo)
	}
	if f.Kind != "" {
		query += ` AND kind=?`
		args = append(args, f.Kind)
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssessmentChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// LastChangeOnBranch returns the highest sequence appended to a branch, or 0.
func (r Repo) LastChangeOnBranch(ctx context.Context, tx *sql.Tx, assessmentID, branch string) (int64, error) {
	var seq sql.NullInt64
	if err := r.q(tx).QueryRowContext(ctx, `SELECT MAX(seq) FROM changes WHERE assessment_id=? AND branch=?`, assessmentID, branch).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
