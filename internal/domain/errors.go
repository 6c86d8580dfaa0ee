package domain

import (
	"errors"
	"fmt"
)

// VersionConflictError means the branch head moved since the caller read it.
// Retry with the refreshed head.
type VersionConflictError struct {
	AssessmentID string
	Branch       string
	ExpectedHead string
	ActualHead   string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected head %s, head is %s", e.AssessmentID, e.Branch, e.ExpectedHead, e.ActualHead)
}

// InvalidChangeError means a change's old value does not match recorded state,
// or the change is malformed.
type InvalidChangeError struct {
	Kind     ChangeKind
	TargetID string
	Role     string
	Reason   string
}

func (e *InvalidChangeError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("invalid change %s on %s (role %s): %s", e.Kind, e.TargetID, e.Role, e.Reason)
	}
	return fmt.Sprintf("invalid change %s on %s: %s", e.Kind, e.TargetID, e.Reason)
}

// InvalidTransitionError means a workflow stage move breaks stage ordering or
// completion rules.
type InvalidTransitionError struct {
	StageID string
	From    StageStatus
	To      StageStatus
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition %s: %s -> %s: %s", e.StageID, e.From, e.To, e.Reason)
}

// ChecksumMismatchError means a stored version no longer hashes to its checksum.
// The version must not be served.
type ChecksumMismatchError struct {
	VersionID string
	Stored    string
	Computed  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for version %s: stored %s, computed %s", e.VersionID, e.Stored, e.Computed)
}

// ConsensusUnavailableError means no role has answered the question.
type ConsensusUnavailableError struct {
	QuestionID string
}

func (e *ConsensusUnavailableError) Error() string {
	return fmt.Sprintf("consensus unavailable for question %s", e.QuestionID)
}

// IsRecoverable reports whether err is cured by retrying with fresh state.
func IsRecoverable(err error) bool {
	var vc *VersionConflictError
	var ic *InvalidChangeError
	return errors.As(err, &vc) || errors.As(err, &ic)
}

// IsFatal reports whether err signals corrupted state.
func IsFatal(err error) bool {
	var cm *ChecksumMismatchError
	return errors.As(err, &cm)
}
