package assesslinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitResponseSendsGuards(t *testing.T) {
	var gotPath, gotQuery, gotIfMatch, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotIfMatch = r.Header.Get("If-Match")
		gotKey = r.Header.Get("X-Api-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"change":{"id":"c1","sequence":4,"kind":"response_added","target_id":"q1"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "al_test"
	c.Branch = "draft"
	res, err := c.SubmitResponse(context.Background(), "a1", "q1", "assessor", 3, SubmitOptions{
		ExpectedHead: "v2",
		ExpectValue:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Change.Sequence)
	assert.Equal(t, "/v0/assessments/a1/responses/q1", gotPath)
	assert.Equal(t, "branch=draft", gotQuery)
	assert.Equal(t, "v2", gotIfMatch)
	assert.Equal(t, "al_test", gotKey)
	assert.Equal(t, "assessor", gotBody["role"])
	assert.EqualValues(t, 3, gotBody["value"])
	v, present := gotBody["expected_value"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"version_conflict","message":"head moved","details":{"actual_head":"v5"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Commit(context.Background(), "a1", "v4")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.True(t, apiErr.IsVersionConflict())
	assert.Equal(t, "v5", apiErr.Details["actual_head"])
}

func TestDevLoginStoresBearer(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/auth/dev/login":
			_, _ = w.Write([]byte(`{"token":"tok"}`))
		case "/v0/assessments/a1/events":
			auth = r.Header.Get("Authorization")
			assert.Equal(t, "after=7&limit=2", r.URL.RawQuery)
			_, _ = w.Write([]byte(`{"items":[{"id":8,"type":"response.submitted"}],"cursor":8}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "ignored-when-bearer-set"
	_, err := c.DevLogin(context.Background(), "alice")
	require.NoError(t, err)
	page, err := c.EventsPage(context.Background(), "a1", 7, 2)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", auth)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(8), page.Cursor)
}

func TestAssignNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	require.NoError(t, New(srv.URL).Assign(context.Background(), "a1", "assessor", "bob", nil))
}
