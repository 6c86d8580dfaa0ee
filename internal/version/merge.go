package version

import (
	"encoding/json"
	"fmt"
	"sort"

	"assessline/internal/domain"
)

// Source is one side of a merge.
type Source struct {
	Version domain.AssessmentVersion
	// Touched limits the comparison to these questions. Nil compares every
	// question present on either side.
	Touched []string
}

// MergeResult is the combined content of a merge.
type MergeResult struct {
	Responses        domain.ResponseMap
	TimeSpentSeconds float64
	Conflicts        []domain.MergeConflict
}

// Merge combines sources relative to their common ancestor base. The first
// source is the target: its content is the starting point and it keeps its
// value for every conflicted question. A question changed by a single source
// takes that source's value. A question changed by several sources to
// different values is reported as a conflict.
func Merge(base domain.AssessmentVersion, sources []Source) (MergeResult, error) {
	if len(sources) < 2 {
		return MergeResult{}, fmt.Errorf("merge needs at least two sources, got %d", len(sources))
	}
	out := MergeResult{
		Responses:        sources[0].Version.Responses.Clone(),
		TimeSpentSeconds: base.Metadata.TimeSpentSeconds,
	}
	for _, src := range sources {
		out.TimeSpentSeconds += src.Version.Metadata.TimeSpentSeconds - base.Metadata.TimeSpentSeconds
	}
	if out.TimeSpentSeconds < 0 {
		out.TimeSpentSeconds = 0
	}

	for _, qid := range candidateQuestions(base, sources) {
		baseResp, inBase := base.Responses[qid]
		var changed []int
		for i, src := range sources {
			r, ok := src.Version.Responses[qid]
			if ok != inBase || (ok && !sameResponse(r, baseResp)) {
				changed = append(changed, i)
			}
		}
		if len(changed) == 0 {
			continue
		}
		if allSame(sources, changed, qid) {
			r, ok := sources[changed[0]].Version.Responses[qid]
			if ok {
				out.Responses[qid] = r.Clone()
			} else {
				delete(out.Responses, qid)
			}
			continue
		}
		conflict := domain.MergeConflict{QuestionID: qid}
		for _, i := range changed {
			conflict.Candidates = append(conflict.Candidates, domain.MergeCandidate{
				VersionID: sources[i].Version.ID,
				Response:  sources[i].Version.Responses[qid].Clone(),
			})
		}
		out.Conflicts = append(out.Conflicts, conflict)
	}
	return out, nil
}

// TouchedBetween lists the questions whose response differs between two maps.
func TouchedBetween(a, b domain.ResponseMap) []string {
	seen := map[string]bool{}
	for qid, r := range a {
		other, ok := b[qid]
		if !ok || !sameResponse(r, other) {
			seen[qid] = true
		}
	}
	for qid := range b {
		if _, ok := a[qid]; !ok {
			seen[qid] = true
		}
	}
	return sortedKeys(seen)
}

func candidateQuestions(base domain.AssessmentVersion, sources []Source) []string {
	seen := map[string]bool{}
	for _, src := range sources {
		touched := src.Touched
		if touched == nil {
			touched = TouchedBetween(base.Responses, src.Version.Responses)
		}
		for _, qid := range touched {
			seen[qid] = true
		}
	}
	return sortedKeys(seen)
}

func allSame(sources []Source, idx []int, qid string) bool {
	first, firstOK := sources[idx[0]].Version.Responses[qid]
	for _, i := range idx[1:] {
		r, ok := sources[i].Version.Responses[qid]
		if ok != firstOK || (ok && !sameResponse(first, r)) {
			return false
		}
	}
	return true
}

func sameResponse(a, b domain.Response) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ea) == string(eb)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
