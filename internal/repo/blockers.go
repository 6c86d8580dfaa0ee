package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"assessline/internal/domain"
)

// ReplaceBlockers swaps the stored blocker set of an assessment for a freshly
// computed one.
func (r Repo) ReplaceBlockers(ctx context.Context, tx *sql.Tx, assessmentID string, blockers []domain.AssessmentBlocker) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM blockers WHERE assessment_id=?`, assessmentID); err != nil {
		return err
	}
	for _, b := range blockers {
		scope, err := marshalJSON(b.Scope)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO blockers(assessment_id,id,kind,severity,scope_json,message,detected_at) VALUES (?,?,?,?,?,?,?)`,
			assessmentID, b.ID, b.Kind, b.Severity, scope, b.Message, fmtTime(b.DetectedAt)); err != nil {
			return err
		}
	}
	return nil
}

// ListBlockers returns blockers most severe first.
func (r Repo) ListBlockers(ctx context.Context, tx *sql.Tx, assessmentID string) ([]domain.AssessmentBlocker, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT assessment_id,id,kind,severity,scope_json,message,detected_at FROM blockers WHERE assessment_id=?
ORDER BY CASE severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, id`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssessmentBlocker
	for rows.Next() {
		var b domain.AssessmentBlocker
		var scope, detected string
		if err := rows.Scan(&b.AssessmentID, &b.ID, &b.Kind, &b.Severity, &scope, &b.Message, &detected); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scope), &b.Scope); err != nil {
			return nil, err
		}
		if b.DetectedAt, err = parseTime(detected); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) ReplacePendingActions(ctx context.Context, tx *sql.Tx, assessmentID string, actions []domain.PendingAction) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE assessment_id=?`, assessmentID); err != nil {
		return err
	}
	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pending_actions(assessment_id,id,actor_id,role,action,target_id,message,due_at) VALUES (?,?,?,?,?,?,?,?)`,
			assessmentID, a.ID, a.ActorID, nullable(a.Role), a.Action, a.TargetID, a.Message, fmtTimePtr(a.DueAt)); err != nil {
			return err
		}
	}
	return nil
}

// ListPendingActions lists the actions of one assessment, or of one actor
// across assessments when assessmentID is empty.
func (r Repo) ListPendingActions(ctx context.Context, tx *sql.Tx, assessmentID, actorID string) ([]domain.PendingAction, error) {
	query := `SELECT assessment_id,id,actor_id,COALESCE(role,''),action,target_id,message,due_at FROM pending_actions WHERE 1=1`
	var args []any
	if assessmentID != "" {
		query += ` AND assessment_id=?`
		args = append(args, assessmentID)
	}
	if actorID != "" {
		query += ` AND actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY assessment_id, id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingAction
	for rows.Next() {
		var a domain.PendingAction
		var due sql.NullString
		if err := rows.Scan(&a.AssessmentID, &a.ID, &a.ActorID, &a.Role, &a.Action, &a.TargetID, &a.Message, &due); err != nil {
			return nil, err
		}
		if a.DueAt, err = parseTimePtr(due); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
