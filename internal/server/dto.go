package server

import (
	"time"

	"assessline/internal/config"
	"assessline/internal/domain"
)

// Request payloads

type CreateAssessmentRequest struct {
	ID          string             `json:"id"`
	FrameworkID string             `json:"framework_id"`
	Title       string             `json:"title,omitempty"`
	Seed        domain.ResponseMap `json:"seed,omitempty"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type AssignRequest struct {
	Role       string     `json:"role"`
	ActorID    string     `json:"actor_id"`
	Sections   []string   `json:"sections,omitempty"`
	Categories []string   `json:"categories,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty" format:"date-time"`
	Replaces   string     `json:"replaces,omitempty"`
}

type SubmitResponseRequest struct {
	Role       string   `json:"role"`
	Value      float64  `json:"value"`
	Confidence *float64 `json:"confidence,omitempty" minimum:"0" maximum:"1"`
	Comment    string   `json:"comment,omitempty"`
	// ExpectedValue is the answer the caller last saw for its role. An
	// explicit null asserts the role had not answered yet.
	ExpectedValue  *float64 `json:"expected_value,omitempty" nullable:"true"`
	ReviewRequired bool     `json:"review_required,omitempty"`
}

type WithdrawResponseRequest struct {
	Role          string   `json:"role"`
	ExpectedValue *float64 `json:"expected_value,omitempty" nullable:"true"`
}

type NoteRequest struct {
	Note         string  `json:"note"`
	ExpectedNote *string `json:"expected_note,omitempty"`
}

type EvidenceRequest struct {
	EvidenceID string `json:"evidence_id"`
}

type TimeSpentRequest struct {
	Seconds float64 `json:"seconds" exclusiveMinimum:"0"`
}

type ResolveConflictRequest struct {
	Method    domain.ResolutionMethod `json:"method" enum:"average,highest,lowest,manual,reviewer-decision"`
	Value     *float64                `json:"value,omitempty"`
	Rationale string                  `json:"rationale,omitempty"`
}

type CommitRequest struct {
	ParentID string              `json:"parent_id,omitempty"`
	Range    *domain.ChangeRange `json:"range,omitempty"`
}

type BranchRequest struct {
	FromVersionID string `json:"from_version_id"`
	Name          string `json:"name"`
}

type MergeRequest struct {
	SourceVersionIDs []string `json:"source_version_ids" minItems:"2"`
}

type MergeResolveRequest struct {
	QuestionID         string `json:"question_id"`
	CandidateVersionID string `json:"candidate_version_id"`
}

type ApprovalRequest struct {
	Status domain.ApprovalStatus `json:"status" enum:"draft,pending,approved,rejected"`
}

type StageActionRequest struct {
	Comment string `json:"comment,omitempty"`
}

type StageRequest struct {
	ID               string           `json:"id"`
	Kind             domain.StageKind `json:"kind" enum:"assessment,review,approval,completed"`
	Name             string           `json:"name,omitempty"`
	RequiredRoles    []string         `json:"required_roles,omitempty"`
	ApprovalRequired bool             `json:"approval_required,omitempty"`
	Weight           float64          `json:"weight,omitempty"`
	DeadlineDays     int              `json:"deadline_days,omitempty"`
}

func (s StageRequest) template() config.StageTemplate {
	return config.StageTemplate{
		ID:               s.ID,
		Kind:             s.Kind,
		Name:             s.Name,
		RequiredRoles:    s.RequiredRoles,
		ApprovalRequired: s.ApprovalRequired,
		Weight:           s.Weight,
		DeadlineDays:     s.DeadlineDays,
	}
}

type AddStageRequest struct {
	Stage   StageRequest `json:"stage"`
	AfterID string       `json:"after_id,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ConsensusResponse struct {
	QuestionID string                     `json:"question_id"`
	Status     domain.ConsensusStatus     `json:"status"`
	Value      *float64                   `json:"value,omitempty"`
	Spread     float64                    `json:"spread"`
	Conflict   *domain.ConflictResolution `json:"conflict,omitempty"`
}

type WorkingStateResponse struct {
	Branch    string                    `json:"branch"`
	Responses domain.ResponseMap        `json:"responses"`
	Pending   []domain.AssessmentChange `json:"pending"`
}

type VerifyResponse struct {
	VersionID string `json:"version_id"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

type GraphResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type ReplayResponse struct {
	FromVersionID string             `json:"from_version_id"`
	ToSequence    int64              `json:"to_sequence"`
	Responses     domain.ResponseMap `json:"responses"`
}

type DiffResponse struct {
	From    string                    `json:"from"`
	To      string                    `json:"to"`
	Changes []domain.AssessmentChange `json:"changes"`
}

type EventsResponse struct {
	Items  []domain.Event `json:"items"`
	Cursor int64          `json:"cursor"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
