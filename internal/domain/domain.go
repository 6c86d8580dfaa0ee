package domain

import (
	"sort"
	"time"
)

type Assessment struct {
	ID            string    `json:"id"`
	FrameworkID   string    `json:"framework_id"`
	Title         string    `json:"title,omitempty"`
	HeadVersionID string    `json:"head_version_id"`
	LastSequence  int64     `json:"last_sequence"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
}

// Branch points at the newest version of one line of history.
type Branch struct {
	AssessmentID  string    `json:"assessment_id"`
	Name          string    `json:"name"`
	HeadVersionID string    `json:"head_version_id"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
}

// ResponseMap is the answer state of an assessment keyed by question id.
type ResponseMap map[string]Response

// Response holds everything recorded against one question.
type Response struct {
	Values     map[string]float64  `json:"values,omitempty"`
	Comments   map[string]string   `json:"comments,omitempty"`
	Confidence map[string]float64  `json:"confidence,omitempty"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
	Note       string              `json:"note,omitempty"`
	Evidence   []string            `json:"evidence,omitempty"`
}

// Empty reports whether nothing is recorded.
func (r Response) Empty() bool {
	return len(r.Values) == 0 && len(r.Comments) == 0 && len(r.Confidence) == 0 &&
		r.Resolution == nil && r.Note == "" && len(r.Evidence) == 0
}

// Roles returns the roles that answered, sorted.
func (r Response) Roles() []string {
	roles := make([]string, 0, len(r.Values))
	for role := range r.Values {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Clone returns a deep copy.
func (r Response) Clone() Response {
	out := Response{Note: r.Note}
	if r.Values != nil {
		out.Values = make(map[string]float64, len(r.Values))
		for k, v := range r.Values {
			out.Values[k] = v
		}
	}
	if r.Comments != nil {
		out.Comments = make(map[string]string, len(r.Comments))
		for k, v := range r.Comments {
			out.Comments[k] = v
		}
	}
	if r.Confidence != nil {
		out.Confidence = make(map[string]float64, len(r.Confidence))
		for k, v := range r.Confidence {
			out.Confidence[k] = v
		}
	}
	if r.Resolution != nil {
		res := *r.Resolution
		if r.Resolution.Value != nil {
			v := *r.Resolution.Value
			res.Value = &v
		}
		if r.Resolution.ResolvedAt != nil {
			ts := *r.Resolution.ResolvedAt
			res.ResolvedAt = &ts
		}
		out.Resolution = &res
	}
	if r.Evidence != nil {
		out.Evidence = append([]string(nil), r.Evidence...)
	}
	return out
}

// Clone returns a deep copy of the map.
func (m ResponseMap) Clone() ResponseMap {
	out := make(ResponseMap, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// QuestionIDs returns the keys sorted.
func (m ResponseMap) QuestionIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// VersionMetadata is the closed summary stored with every version.
type VersionMetadata struct {
	TotalQuestions    int     `json:"total_questions"`
	AnsweredQuestions int     `json:"answered_questions"`
	EvidenceCount     int     `json:"evidence_count"`
	NoteCount         int     `json:"note_count"`
	CompletionRate    float64 `json:"completion_rate"`
	TimeSpentSeconds  float64 `json:"time_spent_seconds"`
}

// ChangeRange is an inclusive range of change sequence numbers.
type ChangeRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Empty reports whether the range covers no sequence numbers.
func (r ChangeRange) Empty() bool { return r.To < r.From || r.To == 0 }

type AssessmentVersion struct {
	ID             string          `json:"id"`
	AssessmentID   string          `json:"assessment_id"`
	Number         int             `json:"number"`
	ParentID       *string         `json:"parent_id,omitempty"`
	Branch         string          `json:"branch"`
	MergedFrom     []string        `json:"merged_from,omitempty"`
	Responses      ResponseMap     `json:"responses"`
	Metadata       VersionMetadata `json:"metadata"`
	Checksum       string          `json:"checksum"`
	ApprovalStatus ApprovalStatus  `json:"approval_status" enum:"draft,pending,approved,rejected"`
	ChangeRange    ChangeRange     `json:"change_range"`
	Conflicts      []MergeConflict `json:"conflicts,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at" format:"date-time"`
	// Stored is the content exactly as read from the store; nil for versions
	// built in memory.
	Stored *StoredContent `json:"-"`
}

// StoredContent is the raw JSON a version's content was persisted as.
type StoredContent struct {
	Responses []byte
	Metadata  []byte
}

// Anchor is the sequence of the last change folded into the version.
func (v AssessmentVersion) Anchor() int64 { return v.ChangeRange.To }

// IsMerge reports whether the version was produced by a merge.
func (v AssessmentVersion) IsMerge() bool { return len(v.MergedFrom) >= 2 }

// MergeCandidate is one source's view of a conflicted question.
type MergeCandidate struct {
	VersionID string   `json:"version_id"`
	Response  Response `json:"response"`
}

// MergeConflict is a question changed differently by two or more merge sources.
type MergeConflict struct {
	QuestionID string           `json:"question_id"`
	Candidates []MergeCandidate `json:"candidates"`
	Resolved   bool             `json:"resolved"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
}

// ChangeValue is the old or new value carried by a change. Which field is set
// depends on the change kind.
type ChangeValue struct {
	Number     *float64            `json:"number,omitempty"`
	Text       *string             `json:"text,omitempty"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
}

// NumberValue wraps n.
func NumberValue(n float64) *ChangeValue { return &ChangeValue{Number: &n} }

// TextValue wraps s.
func TextValue(s string) *ChangeValue { return &ChangeValue{Text: &s} }

type AssessmentChange struct {
	ID             string       `json:"id"`
	AssessmentID   string       `json:"assessment_id"`
	Branch         string       `json:"branch"`
	Sequence       int64        `json:"sequence"`
	Timestamp      time.Time    `json:"timestamp" format:"date-time"`
	Kind           ChangeKind   `json:"kind"`
	TargetKind     TargetKind   `json:"target_kind"`
	TargetID       string       `json:"target_id"`
	Role           string       `json:"role,omitempty"`
	OldValue       *ChangeValue `json:"old_value,omitempty"`
	NewValue       *ChangeValue `json:"new_value,omitempty"`
	Comment        string       `json:"comment,omitempty"`
	Confidence     *float64     `json:"confidence,omitempty"`
	Actor          string       `json:"actor"`
	Impact         ImpactLevel  `json:"impact"`
	ReviewRequired bool         `json:"review_required"`
	ReviewStatus   ReviewStatus `json:"review_status"`
}

// ConflictResolution records how a disagreement was settled. Without a
// ResolvedAt it is a stub awaiting a decision.
type ConflictResolution struct {
	Method     ResolutionMethod `json:"method"`
	Value      *float64         `json:"value,omitempty"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty" format:"date-time"`
	Rationale  string           `json:"rationale,omitempty"`
}

// Pending reports whether the resolution is still a stub.
func (c ConflictResolution) Pending() bool { return c.ResolvedAt == nil }

type RoleResponse struct {
	AssessmentID string              `json:"assessment_id"`
	QuestionID   string              `json:"question_id"`
	Values       map[string]float64  `json:"values"`
	Consensus    *float64            `json:"consensus,omitempty"`
	Status       ConsensusStatus     `json:"status"`
	Conflict     *ConflictResolution `json:"conflict,omitempty"`
	Comments     map[string]string   `json:"comments,omitempty"`
	Confidence   map[string]float64  `json:"confidence,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at" format:"date-time"`
}

type WorkflowStage struct {
	ID               string      `json:"id"`
	Kind             StageKind   `json:"kind" enum:"assessment,review,approval,completed"`
	Name             string      `json:"name"`
	Position         int         `json:"position"`
	RequiredRoles    []string    `json:"required_roles"`
	Status           StageStatus `json:"status" enum:"pending,active,completed,skipped"`
	ApprovalRequired bool        `json:"approval_required"`
	ApprovalSequence *int64      `json:"approval_sequence,omitempty"`
	Weight           float64     `json:"weight"`
	Deadline         *time.Time  `json:"deadline,omitempty" format:"date-time"`
	ActivatedAt      *time.Time  `json:"activated_at,omitempty" format:"date-time"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty" format:"date-time"`
}

// Approved reports whether the stage's approval has been logged.
func (s WorkflowStage) Approved() bool { return s.ApprovalSequence != nil }

type ReviewWorkflow struct {
	AssessmentID    string          `json:"assessment_id"`
	Stages          []WorkflowStage `json:"stages"`
	Status          WorkflowStatus  `json:"status" enum:"pending,in_progress,completed"`
	OverallProgress float64         `json:"overall_progress"`
	UpdatedAt       time.Time       `json:"updated_at" format:"date-time"`
}

// Stage returns the stage with the given id.
func (w ReviewWorkflow) Stage(id string) (WorkflowStage, int, bool) {
	for i, s := range w.Stages {
		if s.ID == id {
			return s, i, true
		}
	}
	return WorkflowStage{}, -1, false
}

// ActiveStage returns the first active stage.
func (w ReviewWorkflow) ActiveStage() (WorkflowStage, bool) {
	for _, s := range w.Stages {
		if s.Status == StageActive {
			return s, true
		}
	}
	return WorkflowStage{}, false
}

type AssignedRole struct {
	ID           string           `json:"id"`
	AssessmentID string           `json:"assessment_id"`
	Role         string           `json:"role"`
	ActorID      string           `json:"actor_id"`
	Sections     []string         `json:"sections"`
	Categories   []string         `json:"categories"`
	Status       AssignmentStatus `json:"status" enum:"active,completed,superseded"`
	Progress     float64          `json:"progress"`
	Deadline     *time.Time       `json:"deadline,omitempty" format:"date-time"`
	AssignedAt   time.Time        `json:"assigned_at" format:"date-time"`
	UpdatedAt    time.Time        `json:"updated_at" format:"date-time"`
}

// Current reports whether the assignment has not been superseded.
func (a AssignedRole) Current() bool { return a.Status != AssignmentSuperseded }

// BlockerScope names what a blocker is about; unset fields do not apply.
type BlockerScope struct {
	SectionID    string `json:"section_id,omitempty"`
	CategoryID   string `json:"category_id,omitempty"`
	QuestionID   string `json:"question_id,omitempty"`
	StageID      string `json:"stage_id,omitempty"`
	Role         string `json:"role,omitempty"`
	AssignmentID string `json:"assignment_id,omitempty"`
	VersionID    string `json:"version_id,omitempty"`
}

type AssessmentBlocker struct {
	ID           string       `json:"id"`
	AssessmentID string       `json:"assessment_id"`
	Kind         BlockerKind  `json:"kind" enum:"missing-assignment,overdue-response,unresolved-conflict,approval-pending"`
	Severity     Severity     `json:"severity" enum:"low,medium,high,critical"`
	Scope        BlockerScope `json:"scope"`
	Message      string       `json:"message"`
	DetectedAt   time.Time    `json:"detected_at" format:"date-time"`
}

type PendingAction struct {
	ID           string     `json:"id"`
	AssessmentID string     `json:"assessment_id"`
	ActorID      string     `json:"actor_id"`
	Role         string     `json:"role"`
	Action       ActionKind `json:"action"`
	TargetID     string     `json:"target_id"`
	Message      string     `json:"message"`
	DueAt        *time.Time `json:"due_at,omitempty" format:"date-time"`
}

// Event is one audit trail entry for an engine operation.
type Event struct {
	ID           int64        `json:"id"`
	TS           time.Time    `json:"ts" format:"date-time"`
	Type         string       `json:"type"`
	AssessmentID string       `json:"assessment_id,omitempty"`
	EntityKind   string       `json:"entity_kind"`
	EntityID     string       `json:"entity_id,omitempty"`
	ActorID      string       `json:"actor_id"`
	Payload      EventPayload `json:"payload"`
}

// EventPayload is the closed set of audit details.
type EventPayload struct {
	VersionID   string   `json:"version_id,omitempty"`
	Branch      string   `json:"branch,omitempty"`
	StageID     string   `json:"stage_id,omitempty"`
	FromStatus  string   `json:"from_status,omitempty"`
	ToStatus    string   `json:"to_status,omitempty"`
	BlockerKind string   `json:"blocker_kind,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Conflicts   int      `json:"conflicts,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
