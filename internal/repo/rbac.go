package repo

import (
	"context"
	"database/sql"
	"time"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, fmtTime(now))
	return err
}

// GrantRole lets an actor act in a role on one assessment without holding an
// assignment, e.g. an approver or an admin.
func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, assessmentID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(assessment_id, actor_id, role) VALUES (?,?,?)`, assessmentID, actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, assessmentID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE assessment_id=? AND actor_id=? AND role=?`, assessmentID, actorID, role)
	return err
}

// ActorRoles returns the roles granted to an actor on an assessment.
func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, assessmentID, actorID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT role FROM actor_roles WHERE assessment_id=? AND actor_id=? ORDER BY role`, assessmentID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RoleHolders returns the actors granted role on an assessment.
func (r Repo) RoleHolders(ctx context.Context, tx *sql.Tx, assessmentID, role string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT actor_id FROM actor_roles WHERE assessment_id=? AND role=? ORDER BY actor_id`, assessmentID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actors []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}
