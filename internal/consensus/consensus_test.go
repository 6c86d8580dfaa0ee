package consensus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessline/internal/domain"
)

var options = []float64{0, 1, 2, 3, 4}

func policy(method domain.ResolutionMethod) Policy {
	return Policy{Method: method, Tolerance: DefaultTolerance, Options: options}
}

func TestDivergentAnswersConflict(t *testing.T) {
	r := domain.Response{Values: map[string]float64{"baseline": 2, "assessor": 3, "reviewer": 1}}
	res, err := Compute("Q1", r, policy(domain.MethodAverage))
	require.NoError(t, err)
	assert.Equal(t, domain.ConsensusConflicted, res.Status)
	assert.Nil(t, res.Value)
	require.NotNil(t, res.Conflict)
	assert.True(t, res.Conflict.Pending())
	assert.Equal(t, 2.0, res.Spread)
}

func TestComputeMethods(t *testing.T) {
	cases := []struct {
		name   string
		method domain.ResolutionMethod
		values map[string]float64
		status domain.ConsensusStatus
		want   float64
	}{
		{"single", domain.MethodAverage, map[string]float64{"a": 3}, domain.ConsensusSingle, 3},
		{"identical", domain.MethodManual, map[string]float64{"a": 2, "b": 2}, domain.ConsensusAgreed, 2},
		{"average tie rounds down", domain.MethodAverage, map[string]float64{"a": 2, "b": 3}, domain.ConsensusAgreed, 2},
		{"average", domain.MethodAverage, map[string]float64{"a": 2, "b": 3, "c": 3}, domain.ConsensusAgreed, 3},
		{"highest", domain.MethodHighest, map[string]float64{"a": 1, "b": 2}, domain.ConsensusAgreed, 2},
		{"lowest", domain.MethodLowest, map[string]float64{"a": 1, "b": 2}, domain.ConsensusAgreed, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Compute("Q", domain.Response{Values: tc.values}, policy(tc.method))
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			require.NotNil(t, res.Value)
			assert.Equal(t, tc.want, *res.Value)
		})
	}
}

func TestHumanMethodsNeverAutoResolve(t *testing.T) {
	for _, m := range []domain.ResolutionMethod{domain.MethodManual, domain.MethodReviewerDecision} {
		res, err := Compute("Q", domain.Response{Values: map[string]float64{"a": 1, "b": 2}}, policy(m))
		require.NoError(t, err)
		assert.Equal(t, domain.ConsensusConflicted, res.Status, m)
		assert.Nil(t, res.Value)
		assert.Equal(t, m, res.Conflict.Method)
	}
}

func TestUnansweredIsUnavailable(t *testing.T) {
	_, err := Compute("Q7", domain.Response{Note: "later"}, policy(domain.MethodAverage))
	var unavailable *domain.ConsensusUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "Q7", unavailable.QuestionID)
}

func TestOrderIndependence(t *testing.T) {
	roles := []string{"a", "b", "c", "d"}
	vals := []float64{0.1, 0.2, 0.7, 3}
	var first *Result
	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}
	for _, perm := range perms {
		m := map[string]float64{}
		for i, p := range perm {
			m[roles[i]] = vals[p]
		}
		res, err := Compute("Q", domain.Response{Values: m}, Policy{Method: domain.MethodAverage, Tolerance: 5})
		require.NoError(t, err)
		if first == nil {
			first = &res
			continue
		}
		assert.Equal(t, *first, res)
	}
}

func TestRecordedResolutionWins(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	r := domain.Response{Values: map[string]float64{"a": 4, "b": 0}}
	resolution, err := Resolve("Q", r, policy(domain.MethodReviewerDecision), domain.MethodReviewerDecision, ptr(3), "lead", "evidence supports 3", now)
	require.NoError(t, err)
	r.Resolution = resolution

	res, err := Compute("Q", r, policy(domain.MethodAverage))
	require.NoError(t, err)
	assert.Equal(t, domain.ConsensusResolved, res.Status)
	assert.Equal(t, 3.0, *res.Value)
	assert.Equal(t, "lead", res.Conflict.ResolvedBy)

	rr, err := BuildRoleResponse("as-1", "Q", r, policy(domain.MethodAverage), now)
	require.NoError(t, err)
	assert.Equal(t, domain.ConsensusResolved, rr.Status)
	assert.Equal(t, map[string]float64{"a": 4, "b": 0}, rr.Values)
}

func TestResolveValidation(t *testing.T) {
	now := time.Now()
	r := domain.Response{Values: map[string]float64{"a": 4, "b": 0}}
	_, err := Resolve("Q", r, policy(domain.MethodManual), domain.MethodManual, nil, "lead", "", now)
	assert.Error(t, err)
	_, err = Resolve("Q", r, policy(domain.MethodManual), domain.MethodManual, ptr(2.5), "lead", "", now)
	assert.Error(t, err)
	_, err = Resolve("Q", r, policy(domain.MethodManual), "coinflip", nil, "lead", "", now)
	assert.Error(t, err)
	res, err := Resolve("Q", r, policy(domain.MethodManual), domain.MethodLowest, nil, "lead", "", now)
	require.NoError(t, err)
	assert.Equal(t, 0.0, *res.Value)
}

func TestRoundToOption(t *testing.T) {
	assert.Equal(t, 2.0, RoundToOption(2.5, nil))
	assert.Equal(t, 3.0, RoundToOption(2.6, nil))
	assert.Equal(t, 0.0, RoundToOption(2, []float64{4, 0}))
	assert.Equal(t, 4.0, RoundToOption(3, []float64{0, 4, 10}))
}

func ptr(v float64) *float64 { return &v }
