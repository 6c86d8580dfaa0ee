package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"assessline/internal/domain"
)

// SaveWorkflow writes the workflow row and replaces its stages.
func (r Repo) SaveWorkflow(ctx context.Context, tx *sql.Tx, w domain.ReviewWorkflow) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO workflows(assessment_id,status,overall_progress,updated_at) VALUES (?,?,?,?)
ON CONFLICT(assessment_id) DO UPDATE SET status=excluded.status, overall_progress=excluded.overall_progress, updated_at=excluded.updated_at`,
		w.AssessmentID, w.Status, w.OverallProgress, fmtTime(w.UpdatedAt)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_stages WHERE assessment_id=?`, w.AssessmentID); err != nil {
		return err
	}
	for i, s := range w.Stages {
		roles := s.RequiredRoles
		if roles == nil {
			roles = []string{}
		}
		rolesJSON, err := marshalJSON(roles)
		if err != nil {
			return err
		}
		var approval any
		if s.ApprovalSequence != nil {
			approval = *s.ApprovalSequence
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_stages(assessment_id,id,kind,name,position,required_roles_json,status,approval_required,approval_seq,weight,deadline,activated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			w.AssessmentID, s.ID, s.Kind, s.Name, i, rolesJSON, s.Status, boolInt(s.ApprovalRequired), approval, s.Weight,
			fmtTimePtr(s.Deadline), fmtTimePtr(s.ActivatedAt), fmtTimePtr(s.CompletedAt)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, assessmentID string) (domain.ReviewWorkflow, error) {
	var w domain.ReviewWorkflow
	var updated string
	err := r.q(tx).QueryRowContext(ctx, `SELECT assessment_id,status,overall_progress,updated_at FROM workflows WHERE assessment_id=?`, assessmentID).
		Scan(&w.AssessmentID, &w.Status, &w.OverallProgress, &updated)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return w, err
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,kind,name,position,required_roles_json,status,approval_required,approval_seq,weight,deadline,activated_at,completed_at
FROM workflow_stages WHERE assessment_id=? ORDER BY position`, assessmentID)
	if err != nil {
		return w, err
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.WorkflowStage
		var roles string
		var approvalRequired int
		var approval sql.NullInt64
		var deadline, activated, completed sql.NullString
		if err := rows.Scan(&s.ID, &s.Kind, &s.Name, &s.Position, &roles, &s.Status, &approvalRequired, &approval, &s.Weight,
			&deadline, &activated, &completed); err != nil {
			return w, err
		}
		if err := json.Unmarshal([]byte(roles), &s.RequiredRoles); err != nil {
			return w, err
		}
		s.ApprovalRequired = approvalRequired == 1
		if approval.Valid {
			v := approval.Int64
			s.ApprovalSequence = &v
		}
		if s.Deadline, err = parseTimePtr(deadline); err != nil {
			return w, err
		}
		if s.ActivatedAt, err = parseTimePtr(activated); err != nil {
			return w, err
		}
		if s.CompletedAt, err = parseTimePtr(completed); err != nil {
			return w, err
		}
		w.Stages = append(w.Stages, s)
	}
	return w, rows.Err()
}
