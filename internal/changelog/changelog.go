// Package changelog folds ordered assessment changes into response state.
//
// Every function here is pure: the same base state and the same ordered
// changes always produce the same result.
package changelog

import (
	"fmt"
	"sort"

	"assessline/internal/domain"
)

// State is everything a change can alter.
type State struct {
	Responses        domain.ResponseMap
	TimeSpentSeconds float64
}

// NewState wraps a response map.
func NewState(responses domain.ResponseMap, timeSpent float64) State {
	if responses == nil {
		responses = domain.ResponseMap{}
	}
	return State{Responses: responses, TimeSpentSeconds: timeSpent}
}

// FromVersion returns the state captured by a version.
func FromVersion(v domain.AssessmentVersion) State {
	return NewState(v.Responses.Clone(), v.Metadata.TimeSpentSeconds)
}

// Normalize sorts evidence and drops empty entries so that a seeded map
// folds and hashes the same way as one built from changes.
func Normalize(m domain.ResponseMap) domain.ResponseMap {
	out := make(domain.ResponseMap, len(m))
	for qid, r := range m {
		r = r.Clone()
		sort.Strings(r.Evidence)
		compact(&r)
		if !r.Empty() {
			out[qid] = r
		}
	}
	return out
}

// Clone returns a deep copy.
func (s State) Clone() State {
	return State{Responses: s.Responses.Clone(), TimeSpentSeconds: s.TimeSpentSeconds}
}

// Validate checks that c is well formed and that its old value matches s.
func Validate(s State, c domain.AssessmentChange) error {
	invalid := func(format string, args ...any) error {
		return &domain.InvalidChangeError{Kind: c.Kind, TargetID: c.TargetID, Role: c.Role, Reason: fmt.Sprintf(format, args...)}
	}
	if !c.Kind.Valid() {
		return invalid("unknown change kind")
	}
	if c.TargetID == "" {
		return invalid("target id is required")
	}
	cur := s.Responses[c.TargetID]
	switch c.Kind {
	case domain.ChangeResponseAdded, domain.ChangeResponseModified, domain.ChangeResponseRemoved:
		if c.TargetKind != domain.TargetQuestion {
			return invalid("response changes target a question")
		}
		if c.Role == "" {
			return invalid("role is required")
		}
		old, had := cur.Values[c.Role]
		switch c.Kind {
		case domain.ChangeResponseAdded:
			if had {
				return invalid("role already answered with %v", old)
			}
			if c.OldValue != nil && c.OldValue.Number != nil {
				return invalid("old value given for a first answer")
			}
		default:
			if !had {
				return invalid("role has not answered")
			}
			if c.OldValue == nil || c.OldValue.Number == nil || *c.OldValue.Number != old {
				return invalid("old value does not match recorded value %v", old)
			}
		}
		if c.Kind != domain.ChangeResponseRemoved && (c.NewValue == nil || c.NewValue.Number == nil) {
			return invalid("new value is required")
		}
	case domain.ChangeNoteChanged:
		if c.TargetKind != domain.TargetQuestion {
			return invalid("notes target a question")
		}
		if textOf(c.OldValue) != cur.Note {
			return invalid("old note does not match recorded note")
		}
	case domain.ChangeEvidenceLinked:
		ev := textOf(c.NewValue)
		if ev == "" {
			return invalid("evidence id is required")
		}
		if hasEvidence(cur.Evidence, ev) {
			return invalid("evidence %s already linked", ev)
		}
	case domain.ChangeEvidenceUnlinked:
		ev := textOf(c.OldValue)
		if !hasEvidence(cur.Evidence, ev) {
			return invalid("evidence %s is not linked", ev)
		}
	case domain.ChangeMetadataUpdated:
		if c.TargetKind != domain.TargetMetadata || c.TargetID != domain.MetadataTimeSpent {
			return invalid("only %s can be updated", domain.MetadataTimeSpent)
		}
		if numberOf(c.OldValue) != s.TimeSpentSeconds {
			return invalid("old value does not match recorded value %v", s.TimeSpentSeconds)
		}
		if c.NewValue == nil || c.NewValue.Number == nil || *c.NewValue.Number < 0 {
			return invalid("time spent must be a non-negative number")
		}
	case domain.ChangeConflictResolved:
		if len(cur.Values) == 0 {
			return invalid("question has no answers to resolve")
		}
		if c.OldValue != nil && !EqualResolution(c.OldValue.Resolution, cur.Resolution) {
			return invalid("old resolution does not match recorded resolution")
		}
		if c.NewValue != nil && c.NewValue.Resolution != nil && !c.NewValue.Resolution.Method.Valid() {
			return invalid("unknown resolution method %s", c.NewValue.Resolution.Method)
		}
	case domain.ChangeStructureChanged, domain.ChangeApprovalRecorded, domain.ChangeRoleAssigned:
		// no response state to check
	}
	return nil
}

// Apply folds one change onto a copy of s.
func Apply(s State, c domain.AssessmentChange) State {
	out := s.Clone()
	apply(&out, c)
	return out
}

// Replay validates and folds changes in the order given. Sequence numbers
// must be strictly increasing.
func Replay(base State, changes []domain.AssessmentChange) (State, error) {
	out := base.Clone()
	var last int64
	for i, c := range changes {
		if i > 0 && c.Sequence <= last {
			return State{}, fmt.Errorf("change %s out of order: sequence %d after %d", c.ID, c.Sequence, last)
		}
		last = c.Sequence
		if err := Validate(out, c); err != nil {
			return State{}, fmt.Errorf("replay sequence %d: %w", c.Sequence, err)
		}
		apply(&out, c)
	}
	return out, nil
}

func apply(s *State, c domain.AssessmentChange) {
	if c.Kind == domain.ChangeMetadataUpdated {
		s.TimeSpentSeconds = numberOf(c.NewValue)
		return
	}
	if !c.Kind.TouchesResponses() {
		return
	}
	r := s.Responses[c.TargetID].Clone()
	switch c.Kind {
	case domain.ChangeResponseAdded, domain.ChangeResponseModified:
		if r.Values == nil {
			r.Values = map[string]float64{}
		}
		r.Values[c.Role] = *c.NewValue.Number
		setRoleDetail(&r, c.Role, c.Comment, c.Confidence)
		r.Resolution = nil
	case domain.ChangeResponseRemoved:
		delete(r.Values, c.Role)
		setRoleDetail(&r, c.Role, "", nil)
		r.Resolution = nil
	case domain.ChangeNoteChanged:
		r.Note = textOf(c.NewValue)
	case domain.ChangeEvidenceLinked:
		r.Evidence = append(r.Evidence, textOf(c.NewValue))
		sort.Strings(r.Evidence)
	case domain.ChangeEvidenceUnlinked:
		r.Evidence = removeEvidence(r.Evidence, textOf(c.OldValue))
	case domain.ChangeConflictResolved:
		r.Resolution = nil
		if c.NewValue != nil && c.NewValue.Resolution != nil {
			res := c.NewValue.Resolution
			cp := domain.Response{Resolution: res}.Clone()
			r.Resolution = cp.Resolution
		}
	}
	compact(&r)
	if r.Empty() {
		delete(s.Responses, c.TargetID)
		return
	}
	s.Responses[c.TargetID] = r
}

func setRoleDetail(r *domain.Response, role, comment string, confidence *float64) {
	if comment == "" {
		delete(r.Comments, role)
	} else {
		if r.Comments == nil {
			r.Comments = map[string]string{}
		}
		r.Comments[role] = comment
	}
	if confidence == nil {
		delete(r.Confidence, role)
	} else {
		if r.Confidence == nil {
			r.Confidence = map[string]float64{}
		}
		r.Confidence[role] = *confidence
	}
}

// compact drops empty maps so equal states serialize identically.
func compact(r *domain.Response) {
	if len(r.Values) == 0 {
		r.Values = nil
	}
	if len(r.Comments) == 0 {
		r.Comments = nil
	}
	if len(r.Confidence) == 0 {
		r.Confidence = nil
	}
	if len(r.Evidence) == 0 {
		r.Evidence = nil
	}
	if r.Resolution != nil && len(r.Values) == 0 {
		r.Resolution = nil
	}
}

func hasEvidence(list []string, id string) bool {
	i := sort.SearchStrings(list, id)
	return i < len(list) && list[i] == id
}

func removeEvidence(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, ev := range list {
		if ev != id {
			out = append(out, ev)
		}
	}
	return out
}

func textOf(v *domain.ChangeValue) string {
	if v == nil || v.Text == nil {
		return ""
	}
	return *v.Text
}

func numberOf(v *domain.ChangeValue) float64 {
	if v == nil || v.Number == nil {
		return 0
	}
	return *v.Number
}

// EqualResolution compares two resolutions field by field.
func EqualResolution(a, b *domain.ConflictResolution) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Method != b.Method || a.ResolvedBy != b.ResolvedBy || a.Rationale != b.Rationale {
		return false
	}
	if !equalFloatPtr(a.Value, b.Value) {
		return false
	}
	if a.ResolvedAt == nil || b.ResolvedAt == nil {
		return a.ResolvedAt == nil && b.ResolvedAt == nil
	}
	return a.ResolvedAt.Equal(*b.ResolvedAt)
}

func equalFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
