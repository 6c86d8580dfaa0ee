package version

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessline/internal/domain"
)

func strPtr(s string) *string { return &s }

func vers(id string, number int, parent string, responses domain.ResponseMap) domain.AssessmentVersion {
	v := domain.AssessmentVersion{ID: id, Number: number, Branch: domain.MainBranch, Responses: responses}
	if parent != "" {
		v.ParentID = strPtr(parent)
	}
	return v
}

func TestChecksumDetectsTamper(t *testing.T) {
	v := vers("v0", 0, "", domain.ResponseMap{"Q1": {Values: map[string]float64{"baseline": 2}}})
	require.NoError(t, Seal(&v, []string{"Q1", "Q2"}, 0))
	require.NoError(t, Verify(v))
	assert.Equal(t, 1, v.Metadata.AnsweredQuestions)
	assert.Equal(t, 50.0, v.Metadata.CompletionRate)

	v.Responses["Q1"].Values["baseline"] = 3
	err := Verify(v)
	var mismatch *domain.ChecksumMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "v0", mismatch.VersionID)
	assert.True(t, domain.IsFatal(err))
}

func TestVerifyHashesStoredBytes(t *testing.T) {
	v := vers("v0", 0, "", domain.ResponseMap{"Q1": {Values: map[string]float64{"baseline": 2}}})
	require.NoError(t, Seal(&v, []string{"Q1"}, 0))
	rawResponses, rawMeta, err := Encode(v.Responses, v.Metadata)
	require.NoError(t, err)
	assert.Equal(t, v.Checksum, ChecksumBytes(rawResponses, rawMeta))

	v.Stored = &domain.StoredContent{Responses: rawResponses, Metadata: rawMeta}
	require.NoError(t, Verify(v))

	v.Stored = &domain.StoredContent{Responses: []byte(`{"Q1":{"VALUES":{"baseline":2}}}`), Metadata: rawMeta}
	var mismatch *domain.ChecksumMismatchError
	require.ErrorAs(t, Verify(v), &mismatch)
}

func TestChecksumIsDeterministic(t *testing.T) {
	a := domain.ResponseMap{
		"Q1": {Values: map[string]float64{"a": 1, "b": 2, "c": 3}},
		"Q2": {Note: "x", Evidence: []string{"e1"}},
	}
	b := domain.ResponseMap{
		"Q2": {Evidence: []string{"e1"}, Note: "x"},
		"Q1": {Values: map[string]float64{"c": 3, "a": 1, "b": 2}},
	}
	meta := ComputeMetadata(a, []string{"Q1", "Q2"}, 12)
	sa, err := Checksum(a, meta)
	require.NoError(t, err)
	sb, err := Checksum(b, meta)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
	assert.Equal(t, 1, meta.EvidenceCount)
	assert.Equal(t, 1, meta.NoteCount)
}

func TestMergeDisjointIsUnion(t *testing.T) {
	base := vers("v0", 0, "", domain.ResponseMap{"Q1": {Values: map[string]float64{"a": 2}}})
	left := vers("v1", 1, "v0", domain.ResponseMap{
		"Q1": {Values: map[string]float64{"a": 3}},
	})
	right := vers("v2", 2, "v0", domain.ResponseMap{
		"Q1": {Values: map[string]float64{"a": 2}},
		"Q2": {Values: map[string]float64{"a": 4}},
	})
	res, err := Merge(base, []Source{{Version: left}, {Version: right}})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, domain.ResponseMap{
		"Q1": {Values: map[string]float64{"a": 3}},
		"Q2": {Values: map[string]float64{"a": 4}},
	}, res.Responses)
}

func TestMergeOverlapYieldsOneConflict(t *testing.T) {
	base := vers("v0", 0, "", domain.ResponseMap{"Q": {Values: map[string]float64{"a": 2}}, "R": {Values: map[string]float64{"a": 1}}})
	left := vers("v1", 1, "v0", domain.ResponseMap{"Q": {Values: map[string]float64{"a": 3}}, "R": {Values: map[string]float64{"a": 2}}})
	right := vers("v2", 2, "v0", domain.ResponseMap{"Q": {Values: map[string]float64{"a": 0}}, "R": {Values: map[string]float64{"a": 2}}})
	res, err := Merge(base, []Source{{Version: left}, {Version: right}})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, "Q", c.QuestionID)
	require.Len(t, c.Candidates, 2)
	assert.Equal(t, "v1", c.Candidates[0].VersionID)
	// target keeps its value; R changed identically on both sides
	assert.Equal(t, 3.0, res.Responses["Q"].Values["a"])
	assert.Equal(t, 2.0, res.Responses["R"].Values["a"])
}

func TestMergeHonoursTouchedHint(t *testing.T) {
	base := vers("v0", 0, "", domain.ResponseMap{})
	left := vers("v1", 1, "v0", domain.ResponseMap{})
	right := vers("v2", 2, "v0", domain.ResponseMap{"Q2": {Values: map[string]float64{"x": 4}}})
	res, err := Merge(base, []Source{{Version: left, Touched: []string{}}, {Version: right, Touched: []string{"Q2"}}})
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.Responses["Q2"].Values["x"])
}

func TestMergeRemovalOnOneSide(t *testing.T) {
	base := vers("v0", 0, "", domain.ResponseMap{"Q": {Values: map[string]float64{"a": 1}}})
	left := vers("v1", 1, "v0", domain.ResponseMap{"Q": {Values: map[string]float64{"a": 1}}})
	right := vers("v2", 2, "v0", domain.ResponseMap{})
	res, err := Merge(base, []Source{{Version: left}, {Version: right}})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	_, ok := res.Responses["Q"]
	assert.False(t, ok)
}

func TestMergeNeedsTwoSources(t *testing.T) {
	_, err := Merge(vers("v0", 0, "", nil), []Source{{Version: vers("v1", 1, "v0", nil)}})
	assert.Error(t, err)
}

func TestGraphAncestryAndValidation(t *testing.T) {
	v0 := vers("v0", 0, "", nil)
	v1 := vers("v1", 1, "v0", nil)
	x1 := vers("x1", 2, "v1", nil)
	x1.Branch = "branch-x"
	v2 := vers("v2", 3, "v1", nil)
	x2 := vers("x2", 4, "x1", nil)
	x2.Branch = "branch-x"
	m := vers("m", 5, "v2", nil)
	m.MergedFrom = []string{"v2", "x2"}
	g := NewGraph([]domain.AssessmentVersion{v0, v1, x1, v2, x2, m})

	require.NoError(t, g.Validate())
	anc, err := g.CommonAncestor([]string{"v2", "x2"})
	require.NoError(t, err)
	assert.Equal(t, "v1", anc.ID)

	anc, err = g.CommonAncestor([]string{"m", "x2"})
	require.NoError(t, err)
	assert.Equal(t, "x2", anc.ID)

	path, ok := g.FirstParentPath("x2", "v1")
	require.True(t, ok)
	assert.Equal(t, []string{"x2", "x1"}, []string{path[0].ID, path[1].ID})
	_, ok = g.FirstParentPath("m", "x2")
	assert.False(t, ok)
}

func TestGraphRejectsBadShapes(t *testing.T) {
	twoRoots := NewGraph([]domain.AssessmentVersion{vers("a", 0, "", nil), vers("b", 1, "", nil)})
	assert.Error(t, twoRoots.Validate())

	loop := NewGraph([]domain.AssessmentVersion{vers("r", 0, "", nil), vers("a", 2, "b", nil), vers("b", 1, "a", nil)})
	assert.Error(t, loop.Validate())

	orphan := NewGraph([]domain.AssessmentVersion{vers("r", 0, "", nil), vers("a", 1, "missing", nil)})
	assert.Error(t, orphan.Validate())

	single := vers("m", 1, "r", nil)
	single.MergedFrom = []string{"r"}
	assert.Error(t, NewGraph([]domain.AssessmentVersion{vers("r", 0, "", nil), single}).Validate())
}
