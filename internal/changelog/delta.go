package changelog

import (
	"sort"

	"assessline/internal/domain"
)

// Delta returns the changes that turn from into to when applied in order.
// Returned changes carry kind, target, role and values only; the caller
// assigns identity, sequence and actor.
func Delta(from, to State) []domain.AssessmentChange {
	var out []domain.AssessmentChange
	for _, qid := range unionKeys(from.Responses, to.Responses) {
		out = append(out, questionDelta(qid, from.Responses[qid], to.Responses[qid])...)
	}
	if from.TimeSpentSeconds != to.TimeSpentSeconds {
		out = append(out, domain.AssessmentChange{
			Kind:       domain.ChangeMetadataUpdated,
			TargetKind: domain.TargetMetadata,
			TargetID:   domain.MetadataTimeSpent,
			OldValue:   domain.NumberValue(from.TimeSpentSeconds),
			NewValue:   domain.NumberValue(to.TimeSpentSeconds),
		})
	}
	return out
}

func questionDelta(qid string, a, b domain.Response) []domain.AssessmentChange {
	var out []domain.AssessmentChange
	q := func(kind domain.ChangeKind) domain.AssessmentChange {
		return domain.AssessmentChange{Kind: kind, TargetKind: domain.TargetQuestion, TargetID: qid}
	}
	touched := false
	for _, role := range unionRoles(a.Values, b.Values) {
		av, inA := a.Values[role]
		bv, inB := b.Values[role]
		switch {
		case inA && !inB:
			c := q(domain.ChangeResponseRemoved)
			c.Role = role
			c.OldValue = domain.NumberValue(av)
			out = append(out, c)
			touched = true
		case !inA && inB:
			c := q(domain.ChangeResponseAdded)
			c.Role = role
			c.NewValue = domain.NumberValue(bv)
			c.Comment = b.Comments[role]
			c.Confidence = confidencePtr(b.Confidence, role)
			out = append(out, c)
			touched = true
		case av != bv || a.Comments[role] != b.Comments[role] || !equalFloatPtr(confidencePtr(a.Confidence, role), confidencePtr(b.Confidence, role)):
			c := q(domain.ChangeResponseModified)
			c.Role = role
			c.OldValue = domain.NumberValue(av)
			c.NewValue = domain.NumberValue(bv)
			c.Comment = b.Comments[role]
			c.Confidence = confidencePtr(b.Confidence, role)
			out = append(out, c)
			touched = true
		}
	}
	// Evidence and notes go before a possible trailing resolution so that
	// removals of the last answer do not strand them.
	for _, ev := range a.Evidence {
		if !hasEvidence(b.Evidence, ev) {
			c := q(domain.ChangeEvidenceUnlinked)
			c.OldValue = domain.TextValue(ev)
			out = append(out, c)
		}
	}
	for _, ev := range b.Evidence {
		if !hasEvidence(a.Evidence, ev) {
			c := q(domain.ChangeEvidenceLinked)
			c.NewValue = domain.TextValue(ev)
			out = append(out, c)
		}
	}
	if a.Note != b.Note {
		c := q(domain.ChangeNoteChanged)
		if a.Note != "" {
			c.OldValue = domain.TextValue(a.Note)
		}
		c.NewValue = domain.TextValue(b.Note)
		out = append(out, c)
	}
	current := a.Resolution
	if touched {
		current = nil
	}
	if !EqualResolution(current, b.Resolution) && len(b.Values) > 0 {
		c := q(domain.ChangeConflictResolved)
		if current != nil {
			c.OldValue = &domain.ChangeValue{Resolution: current}
		}
		if b.Resolution != nil {
			c.NewValue = &domain.ChangeValue{Resolution: b.Resolution}
		}
		out = append(out, c)
	}
	return out
}

// Touched returns the question ids a change set alters, sorted.
func Touched(changes []domain.AssessmentChange) []string {
	seen := map[string]bool{}
	for _, c := range changes {
		if c.TargetKind == domain.TargetQuestion && c.Kind.TouchesResponses() {
			seen[c.TargetID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Between returns the changes on the given branches whose sequence lies in
// (after, upTo], in log order.
func Between(changes []domain.AssessmentChange, branches []string, after, upTo int64) []domain.AssessmentChange {
	allowed := map[string]bool{}
	for _, b := range branches {
		allowed[b] = true
	}
	var out []domain.AssessmentChange
	for _, c := range changes {
		if c.Sequence <= after || c.Sequence > upTo {
			continue
		}
		if len(allowed) > 0 && !allowed[c.Branch] {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Diff returns the changes recorded between two versions' anchors on either
// version's branch. Argument order does not matter.
func Diff(changes []domain.AssessmentChange, a, b domain.AssessmentVersion) []domain.AssessmentChange {
	lo, hi := a.Anchor(), b.Anchor()
	if lo > hi {
		lo, hi = hi, lo
	}
	return Between(changes, []string{a.Branch, b.Branch}, lo, hi)
}

func confidencePtr(m map[string]float64, role string) *float64 {
	v, ok := m[role]
	if !ok {
		return nil
	}
	return &v
}

func unionKeys(a, b domain.ResponseMap) []string {
	seen := map[string]bool{}
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func unionRoles(a, b map[string]float64) []string {
	seen := map[string]bool{}
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
