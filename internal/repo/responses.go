package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"assessline/internal/domain"
)

// UpsertRoleResponse stores the consensus projection of one question.
func (r Repo) UpsertRoleResponse(ctx context.Context, tx *sql.Tx, branch string, rr domain.RoleResponse) error {
	values, err := marshalJSON(rr.Values)
	if err != nil {
		return err
	}
	conflict, err := marshalOptional(rr.Conflict)
	if err != nil {
		return err
	}
	comments, err := marshalJSON(rr.Comments)
	if err != nil {
		return err
	}
	confidence, err := marshalJSON(rr.Confidence)
	if err != nil {
		return err
	}
	var consensus any
	if rr.Consensus != nil {
		consensus = *rr.Consensus
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO role_responses(assessment_id,branch,question_id,values_json,consensus,status,conflict_json,comments_json,confidence_json,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(assessment_id,branch,question_id) DO UPDATE SET values_json=excluded.values_json, consensus=excluded.consensus, status=excluded.status,
conflict_json=excluded.conflict_json, comments_json=excluded.comments_json, confidence_json=excluded.confidence_json, updated_at=excluded.updated_at`,
		rr.AssessmentID, branch, rr.QuestionID, values, consensus, rr.Status, conflict, comments, confidence, fmtTime(rr.UpdatedAt))
	return err
}

// DeleteRoleResponse drops the projection of a question nobody answers anymore.
func (r Repo) DeleteRoleResponse(ctx context.Context, tx *sql.Tx, assessmentID, branch, questionID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM role_responses WHERE assessment_id=? AND branch=? AND question_id=?`, assessmentID, branch, questionID)
	return err
}

func (r Repo) GetRoleResponse(ctx context.Context, tx *sql.Tx, assessmentID, branch, questionID string) (domain.RoleResponse, error) {
	rows, err := r.listRoleResponses(ctx, tx, `AND question_id=?`, assessmentID, branch, questionID)
	if err != nil {
		return domain.RoleResponse{}, err
	}
	if len(rows) == 0 {
		return domain.RoleResponse{}, ErrNotFound
	}
	return rows[0], nil
}

func (r Repo) ListRoleResponses(ctx context.Context, tx *sql.Tx, assessmentID, branch string) ([]domain.RoleResponse, error) {
	return r.listRoleResponses(ctx, tx, ``, assessmentID, branch)
}

func (r Repo) listRoleResponses(ctx context.Context, tx *sql.Tx, extra string, args ...any) ([]domain.RoleResponse, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT assessment_id,question_id,values_json,consensus,status,conflict_json,COALESCE(comments_json,''),COALESCE(confidence_json,''),updated_at
FROM role_responses WHERE assessment_id=? AND branch=? `+extra+` ORDER BY question_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleResponse
	for rows.Next() {
		var rr domain.RoleResponse
		var values, comments, confidence, updated string
		var consensus sql.NullFloat64
		var conflict sql.NullString
		if err := rows.Scan(&rr.AssessmentID, &rr.QuestionID, &values, &consensus, &rr.Status, &conflict, &comments, &confidence, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &rr.Values); err != nil {
			return nil, err
		}
		if comments != "" {
			if err := json.Unmarshal([]byte(comments), &rr.Comments); err != nil {
				return nil, err
			}
		}
		if confidence != "" {
			if err := json.Unmarshal([]byte(confidence), &rr.Confidence); err != nil {
				return nil, err
			}
		}
		if consensus.Valid {
			v := consensus.Float64
			rr.Consensus = &v
		}
		if rr.Conflict, err = unmarshalOptional[domain.ConflictResolution](conflict); err != nil {
			return nil, err
		}
		if rr.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		res = append(res, rr)
	}
	return res, rows.Err()
}
