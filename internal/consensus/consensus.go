// Package consensus collapses per-role answers into a single value.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"time"

	"assessline/internal/domain"
)

// DefaultTolerance is the largest spread between answers that still counts as agreement.
const DefaultTolerance = 1.0

// Policy is the consensus configuration of one question.
type Policy struct {
	Method    domain.ResolutionMethod
	Tolerance float64
	Options   []float64
}

// Result is the computed consensus of one question.
type Result struct {
	Status domain.ConsensusStatus
	Value  *float64
	Spread float64
	// Conflict is the recorded resolution, or a pending stub when Status is conflicted.
	Conflict *domain.ConflictResolution
}

// Compute derives the consensus of a question from its response. It is a pure
// function of the answers and the policy; submission order does not matter.
func Compute(questionID string, r domain.Response, p Policy) (Result, error) {
	values := sortedValues(r.Values)
	if len(values) == 0 {
		return Result{}, &domain.ConsensusUnavailableError{QuestionID: questionID}
	}
	method := p.Method
	if method == "" {
		method = domain.MethodAverage
	}
	spread := values[len(values)-1] - values[0]
	if r.Resolution != nil && !r.Resolution.Pending() {
		res := *r.Resolution
		v := r.Resolution.Value
		if v == nil {
			agg := aggregate(res.Method, values, p.Options)
			v = &agg
		}
		val := *v
		return Result{Status: domain.ConsensusResolved, Value: &val, Spread: spread, Conflict: &res}, nil
	}
	if len(values) == 1 {
		v := values[0]
		return Result{Status: domain.ConsensusSingle, Value: &v}, nil
	}
	if spread == 0 {
		v := values[0]
		return Result{Status: domain.ConsensusAgreed, Value: &v}, nil
	}
	if spread > p.Tolerance || !method.Automatic() {
		return Result{
			Status:   domain.ConsensusConflicted,
			Spread:   spread,
			Conflict: &domain.ConflictResolution{Method: method},
		}, nil
	}
	v := aggregate(method, values, p.Options)
	return Result{Status: domain.ConsensusAgreed, Value: &v, Spread: spread}, nil
}

// BuildRoleResponse projects a question's response into its role response record.
func BuildRoleResponse(assessmentID, questionID string, r domain.Response, p Policy, now time.Time) (domain.RoleResponse, error) {
	res, err := Compute(questionID, r, p)
	if err != nil {
		return domain.RoleResponse{}, err
	}
	cp := r.Clone()
	return domain.RoleResponse{
		AssessmentID: assessmentID,
		QuestionID:   questionID,
		Values:       cp.Values,
		Consensus:    res.Value,
		Status:       res.Status,
		Conflict:     res.Conflict,
		Comments:     cp.Comments,
		Confidence:   cp.Confidence,
		UpdatedAt:    now,
	}, nil
}

// Resolve builds the resolution a resolver records for a divergent question.
// Manual and reviewer decisions carry an explicit value; the other methods
// compute one from the answers.
func Resolve(questionID string, r domain.Response, p Policy, method domain.ResolutionMethod, value *float64, resolver, rationale string, now time.Time) (*domain.ConflictResolution, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("unknown resolution method %s", method)
	}
	values := sortedValues(r.Values)
	if len(values) == 0 {
		return nil, &domain.ConsensusUnavailableError{QuestionID: questionID}
	}
	if resolver == "" {
		return nil, fmt.Errorf("resolver is required")
	}
	var v float64
	if method.Automatic() {
		v = aggregate(method, values, p.Options)
	} else {
		if value == nil {
			return nil, fmt.Errorf("%s resolution requires a value", method)
		}
		v = *value
		if len(p.Options) > 0 && !isOption(v, p.Options) {
			return nil, fmt.Errorf("value %v is not an option of question %s", v, questionID)
		}
	}
	ts := now
	return &domain.ConflictResolution{
		Method:     method,
		Value:      &v,
		ResolvedBy: resolver,
		ResolvedAt: &ts,
		Rationale:  rationale,
	}, nil
}

func aggregate(method domain.ResolutionMethod, sorted []float64, options []float64) float64 {
	switch method {
	case domain.MethodHighest:
		return sorted[len(sorted)-1]
	case domain.MethodLowest:
		return sorted[0]
	case domain.MethodAverage, domain.MethodManual, domain.MethodReviewerDecision:
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return RoundToOption(sum/float64(len(sorted)), options)
}

// RoundToOption returns the option closest to v. Equidistant options resolve
// to the lower one. Without options v is rounded to an integer, halves down.
func RoundToOption(v float64, options []float64) float64 {
	if len(options) == 0 {
		return math.Ceil(v - 0.5)
	}
	opts := append([]float64(nil), options...)
	sort.Float64s(opts)
	best := opts[0]
	bestDist := math.Abs(v - best)
	for _, o := range opts[1:] {
		if d := math.Abs(v - o); d < bestDist {
			best, bestDist = o, d
		}
	}
	return best
}

func isOption(v float64, options []float64) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}

func sortedValues(m map[string]float64) []float64 {
	out := make([]float64, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}
