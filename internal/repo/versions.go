package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"assessline/internal/domain"
	"assessline/internal/version"
)

const versionColumns = `id,assessment_id,number,parent_id,branch,merged_from_json,responses_json,metadata_json,checksum,approval_status,range_from,range_to,created_by,created_at`

func scanVersion(row interface{ Scan(...any) error }) (domain.AssessmentVersion, error) {
	var v domain.AssessmentVersion
	var parent, merged sql.NullString
	var responses, meta, created string
	err := row.Scan(&v.ID, &v.AssessmentID, &v.Number, &parent, &v.Branch, &merged, &responses, &meta,
		&v.Checksum, &v.ApprovalStatus, &v.ChangeRange.From, &v.ChangeRange.To, &v.CreatedBy, &created)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if parent.Valid {
		p := parent.String
		v.ParentID = &p
	}
	if merged.Valid && merged.String != "" {
		if err := json.Unmarshal([]byte(merged.String), &v.MergedFrom); err != nil {
			return v, fmt.Errorf("decode merged_from of %s: %w", v.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(responses), &v.Responses); err != nil {
		return v, fmt.Errorf("decode responses of %s: %w", v.ID, err)
	}
	if v.Responses == nil {
		v.Responses = domain.ResponseMap{}
	}
	if err := json.Unmarshal([]byte(meta), &v.Metadata); err != nil {
		return v, fmt.Errorf("decode metadata of %s: %w", v.ID, err)
	}
	v.Stored = &domain.StoredContent{Responses: []byte(responses), Metadata: []byte(meta)}
	v.CreatedAt, err = parseTime(created)
	return v, err
}

// InsertVersion stores an immutable version.
func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.AssessmentVersion) error {
	responses, meta, err := version.Encode(v.Responses, v.Metadata)
	if err != nil {
		return err
	}
	var merged any
	if len(v.MergedFrom) > 0 {
		if merged, err = marshalJSON(v.MergedFrom); err != nil {
			return err
		}
	}
	var parent any
	if v.ParentID != nil {
		parent = *v.ParentID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO versions(`+versionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.AssessmentID, v.Number, parent, v.Branch, merged, string(responses), string(meta), v.Checksum, v.ApprovalStatus,
		v.ChangeRange.From, v.ChangeRange.To, v.CreatedBy, fmtTime(v.CreatedAt))
	return err
}

func (r Repo) GetVersion(ctx context.Context, tx *sql.Tx, id string) (domain.AssessmentVersion, error) {
	return scanVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=?`, id))
}

func (r Repo) NextVersionNumber(ctx context.Context, tx *sql.Tx, assessmentID string) (int, error) {
	var n sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(number) FROM versions WHERE assessment_id=?`, assessmentID).Scan(&n); err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return int(n.Int64) + 1, nil
}

// ListVersions returns versions newest first. A positive limit pages the
// result; before restarts the listing below a version number.
func (r Repo) ListVersions(ctx context.Context, tx *sql.Tx, assessmentID string, limit int, before *int) ([]domain.AssessmentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE assessment_id=?`
	args := []any{assessmentID}
	if before != nil {
		query += ` AND number < ?`
		args = append(args, *before)
	}
	query += ` ORDER BY number DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssessmentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListVersionGraph returns every version of an assessment without its
// content: ids, parents, branches and change ranges only.
func (r Repo) ListVersionGraph(ctx context.Context, tx *sql.Tx, assessmentID string) ([]domain.AssessmentVersion, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,number,parent_id,branch,merged_from_json,range_from,range_to
		FROM versions WHERE assessment_id=? ORDER BY number`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssessmentVersion
	for rows.Next() {
		v := domain.AssessmentVersion{AssessmentID: assessmentID}
		var parent, merged sql.NullString
		if err := rows.Scan(&v.ID, &v.Number, &parent, &v.Branch, &merged, &v.ChangeRange.From, &v.ChangeRange.To); err != nil {
			return nil, err
		}
		if parent.Valid {
			p := parent.String
			v.ParentID = &p
		}
		if merged.Valid && merged.String != "" {
			if err := json.Unmarshal([]byte(merged.String), &v.MergedFrom); err != nil {
				return nil, fmt.Errorf("decode merged_from of %s: %w", v.ID, err)
			}
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) SetApprovalStatus(ctx context.Context, tx *sql.Tx, versionID string, status domain.ApprovalStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE versions SET approval_status=? WHERE id=?`, status, versionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMergeConflicts(ctx context.Context, tx *sql.Tx, assessmentID, versionID string, conflicts []domain.MergeConflict) error {
	for _, c := range conflicts {
		cands, err := marshalJSON(c.Candidates)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO merge_conflicts(assessment_id,version_id,question_id,candidates_json,resolved,resolved_by) VALUES (?,?,?,?,?,?)`,
			assessmentID, versionID, c.QuestionID, cands, boolInt(c.Resolved), nullable(c.ResolvedBy)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ResolveMergeConflict(ctx context.Context, tx *sql.Tx, versionID, questionID, resolvedBy string) error {
	res, err := tx.ExecContext(ctx, `UPDATE merge_conflicts SET resolved=1, resolved_by=? WHERE version_id=? AND question_id=? AND resolved=0`,
		resolvedBy, versionID, questionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMergeConflicts returns the conflicts of one version, or of the whole
// assessment when versionID is empty.
func (r Repo) ListMergeConflicts(ctx context.Context, tx *sql.Tx, assessmentID, versionID string, openOnly bool) ([]MergeConflictRow, error) {
	query := `SELECT version_id,question_id,candidates_json,resolved,COALESCE(resolved_by,'') FROM merge_conflicts WHERE assessment_id=?`
	args := []any{assessmentID}
	if versionID != "" {
		query += ` AND version_id=?`
		args = append(args, versionID)
	}
	if openOnly {
		query += ` AND resolved=0`
	}
	query += ` ORDER BY version_id, question_id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MergeConflictRow
	for rows.Next() {
		var row MergeConflictRow
		var cands string
		var resolved int
		if err := rows.Scan(&row.VersionID, &row.QuestionID, &cands, &resolved, &row.ResolvedBy); err != nil {
			return nil, err
		}
		row.Resolved = resolved == 1
		if err := json.Unmarshal([]byte(cands), &row.Candidates); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// MergeConflictRow is a stored merge conflict with the version holding it.
type MergeConflictRow struct {
	VersionID string
	domain.MergeConflict
}
