package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"assessline/internal/repo"
)

// ForbiddenError indicates the actor may not act in a role.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service answers who may act as which role on an assessment. A role is held
// through a current assignment or an explicit grant.
type Service struct {
	DB   *sql.DB
	Repo repo.Repo
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	return s.Repo.EnsureActor(ctx, tx, actorID, time.Now())
}

// ActorMayActAs reports whether actorID holds role on the assessment.
func (s Service) ActorMayActAs(ctx context.Context, tx *sql.Tx, assessmentID, actorID, role string) (bool, error) {
	ok, err := s.Repo.HasCurrentAssignment(ctx, tx, assessmentID, role, actorID)
	if err != nil || ok {
		return ok, err
	}
	return s.ActorHasRole(ctx, tx, assessmentID, actorID, role)
}

// ActorHasRole checks explicit grants only.
func (s Service) ActorHasRole(ctx context.Context, tx *sql.Tx, assessmentID, actorID, role string) (bool, error) {
	roles, err := s.Repo.ActorRoles(ctx, tx, assessmentID, actorID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// IsMember reports whether the actor holds any role on the assessment.
func (s Service) IsMember(ctx context.Context, tx *sql.Tx, assessmentID, actorID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles WHERE assessment_id=? AND actor_id=?
UNION ALL
SELECT 1 FROM assignments WHERE assessment_id=? AND actor_id=? AND status<>'superseded'
LIMIT 1`, assessmentID, actorID, assessmentID, actorID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequireMember returns ForbiddenError unless the actor holds some role.
func (s Service) RequireMember(ctx context.Context, tx *sql.Tx, assessmentID, actorID string) error {
	ok, err := s.IsMember(ctx, tx, assessmentID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: "assessment member"}
	}
	return nil
}

// RequireAny returns ForbiddenError unless the actor holds one of roles.
func (s Service) RequireAny(ctx context.Context, tx *sql.Tx, assessmentID, actorID string, roles []string) error {
	for _, role := range roles {
		ok, err := s.ActorMayActAs(ctx, tx, assessmentID, actorID, role)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	perm := "any role"
	if len(roles) > 0 {
		perm = roles[0]
	}
	return ForbiddenError{Permission: perm}
}
