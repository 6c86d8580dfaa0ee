package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"assessline/internal/domain"
)

// Event types written to the audit trail.
const (
	AssessmentCreated = "assessment.created"
	AssignmentCreated = "assignment.created"
	ChangeAppended    = "change.appended"
	ConflictResolved  = "conflict.resolved"
	VersionCreated    = "version.created"
	BranchCreated     = "branch.created"
	VersionsMerged    = "versions.merged"
	MergeResolved     = "merge_conflict.resolved"
	ApprovalChanged   = "version.approval_changed"
	StageTransitioned = "stage.transitioned"
	StageApproved     = "stage.approved"
	StageAdded        = "stage.added"
	WorkflowReset     = "workflow.reset"
	BlockerRaised     = "blocker.raised"
	RoleGranted       = "role.granted"
	APIKeyCreated     = "api_key.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one audit entry inside tx so it commits with the mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, assessmentID, entityKind, entityID, actorID string, payload domain.EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,assessment_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		w.Now().UTC().Format(time.RFC3339Nano), evtType, nullable(assessmentID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// List returns events of an assessment after the given id, oldest first.
func (w Writer) List(ctx context.Context, assessmentID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(assessment_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE assessment_id=? AND id>? ORDER BY id LIMIT ?`, assessmentID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts, payload string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.AssessmentID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if e.TS, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
