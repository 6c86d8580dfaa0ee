package domain

// MainBranch is the branch every assessment starts on.
const MainBranch = "main"

// ChangeKind enumerates every mutation the change log can record.
type ChangeKind string

const (
	ChangeResponseAdded    ChangeKind = "response_added"
	ChangeResponseModified ChangeKind = "response_modified"
	ChangeResponseRemoved  ChangeKind = "response_removed"
	ChangeNoteChanged      ChangeKind = "note_changed"
	ChangeEvidenceLinked   ChangeKind = "evidence_linked"
	ChangeEvidenceUnlinked ChangeKind = "evidence_unlinked"
	ChangeMetadataUpdated  ChangeKind = "metadata_updated"
	ChangeStructureChanged ChangeKind = "structure_changed"
	ChangeConflictResolved ChangeKind = "conflict_resolved"
	ChangeApprovalRecorded ChangeKind = "approval_recorded"
	ChangeRoleAssigned     ChangeKind = "role_assigned"
)

// ChangeKinds lists the kinds in declaration order.
var ChangeKinds = []ChangeKind{
	ChangeResponseAdded,
	ChangeResponseModified,
	ChangeResponseRemoved,
	ChangeNoteChanged,
	ChangeEvidenceLinked,
	ChangeEvidenceUnlinked,
	ChangeMetadataUpdated,
	ChangeStructureChanged,
	ChangeConflictResolved,
	ChangeApprovalRecorded,
	ChangeRoleAssigned,
}

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	for _, known := range ChangeKinds {
		if k == known {
			return true
		}
	}
	return false
}

// TouchesResponses reports whether changes of this kind alter the response map.
func (k ChangeKind) TouchesResponses() bool {
	switch k {
	case ChangeResponseAdded, ChangeResponseModified, ChangeResponseRemoved,
		ChangeNoteChanged, ChangeEvidenceLinked, ChangeEvidenceUnlinked,
		ChangeMetadataUpdated, ChangeConflictResolved:
		return true
	case ChangeStructureChanged, ChangeApprovalRecorded, ChangeRoleAssigned:
		return false
	}
	return false
}

// DefaultImpact is the impact level recorded for a change kind.
func (k ChangeKind) DefaultImpact() ImpactLevel {
	switch k {
	case ChangeStructureChanged:
		return ImpactCritical
	case ChangeConflictResolved, ChangeApprovalRecorded, ChangeResponseRemoved:
		return ImpactHigh
	case ChangeResponseAdded, ChangeResponseModified, ChangeRoleAssigned:
		return ImpactMedium
	case ChangeNoteChanged, ChangeEvidenceLinked, ChangeEvidenceUnlinked, ChangeMetadataUpdated:
		return ImpactLow
	}
	return ImpactLow
}

// TargetKind names what a change's TargetID refers to.
type TargetKind string

const (
	TargetQuestion TargetKind = "question"
	TargetSection  TargetKind = "section"
	TargetCategory TargetKind = "category"
	TargetStage    TargetKind = "stage"
	TargetMetadata TargetKind = "metadata"
	TargetRole     TargetKind = "role"
)

// MetadataTimeSpent is the only metadata key a change may update.
const MetadataTimeSpent = "time_spent_seconds"

type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// Rank orders impact levels, low first.
func (l ImpactLevel) Rank() int {
	switch l {
	case ImpactLow:
		return 0
	case ImpactMedium:
		return 1
	case ImpactHigh:
		return 2
	case ImpactCritical:
		return 3
	}
	return 0
}

type ReviewStatus string

const (
	ReviewNone     ReviewStatus = "none"
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type ApprovalStatus string

const (
	ApprovalDraft    ApprovalStatus = "draft"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalDraft, ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// ResolutionMethod is how divergent role answers collapse into one value.
type ResolutionMethod string

const (
	MethodAverage          ResolutionMethod = "average"
	MethodHighest          ResolutionMethod = "highest"
	MethodLowest           ResolutionMethod = "lowest"
	MethodManual           ResolutionMethod = "manual"
	MethodReviewerDecision ResolutionMethod = "reviewer-decision"
)

func (m ResolutionMethod) Valid() bool {
	switch m {
	case MethodAverage, MethodHighest, MethodLowest, MethodManual, MethodReviewerDecision:
		return true
	}
	return false
}

// Automatic reports whether the method computes a value without a human decision.
func (m ResolutionMethod) Automatic() bool {
	switch m {
	case MethodAverage, MethodHighest, MethodLowest:
		return true
	case MethodManual, MethodReviewerDecision:
		return false
	}
	return false
}

type ConsensusStatus string

const (
	ConsensusSingle     ConsensusStatus = "single"
	ConsensusAgreed     ConsensusStatus = "agreed"
	ConsensusConflicted ConsensusStatus = "conflicted"
	ConsensusResolved   ConsensusStatus = "resolved"
)

type StageKind string

const (
	StageAssessment StageKind = "assessment"
	StageReview     StageKind = "review"
	StageApproval   StageKind = "approval"
	StageCompleted  StageKind = "completed"
)

func (k StageKind) Valid() bool {
	switch k {
	case StageAssessment, StageReview, StageApproval, StageCompleted:
		return true
	}
	return false
}

type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageActive  StageStatus = "active"
	StageDone    StageStatus = "completed"
	StageSkipped StageStatus = "skipped"
)

// Settled reports whether a stage no longer holds back the stages after it.
func (s StageStatus) Settled() bool {
	return s == StageDone || s == StageSkipped
}

type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
)

type AssignmentStatus string

const (
	AssignmentActive     AssignmentStatus = "active"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentSuperseded AssignmentStatus = "superseded"
)

type BlockerKind string

const (
	BlockerMissingAssignment  BlockerKind = "missing-assignment"
	BlockerOverdueResponse    BlockerKind = "overdue-response"
	BlockerUnresolvedConflict BlockerKind = "unresolved-conflict"
	BlockerApprovalPending    BlockerKind = "approval-pending"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, low first.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

type ActionKind string

const (
	ActionCompleteResponses ActionKind = "complete-responses"
	ActionResolveConflict   ActionKind = "resolve-conflict"
	ActionRecordApproval    ActionKind = "record-approval"
	ActionAssignRole        ActionKind = "assign-role"
)
