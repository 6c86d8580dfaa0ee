package assesslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Assessline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// Branch is sent with changes; empty means main.
	Branch     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Assessment represents the API assessment model.
type Assessment struct {
	ID            string `json:"id"`
	FrameworkID   string `json:"framework_id"`
	Title         string `json:"title,omitempty"`
	HeadVersionID string `json:"head_version_id"`
	LastSequence  int64  `json:"last_sequence"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at"`
}

// Response holds the recorded answers to one question, keyed by role.
type Response struct {
	Values     map[string]float64 `json:"values,omitempty"`
	Comments   map[string]string  `json:"comments,omitempty"`
	Confidence map[string]float64 `json:"confidence,omitempty"`
	Note       string             `json:"note,omitempty"`
	Evidence   []string           `json:"evidence,omitempty"`
}

// Change represents one change-log entry (partial).
type Change struct {
	ID         string `json:"id"`
	Sequence   int64  `json:"sequence"`
	Branch     string `json:"branch"`
	Kind       string `json:"kind"`
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
	Role       string `json:"role,omitempty"`
	Actor      string `json:"actor"`
	Impact     string `json:"impact"`
	Timestamp  string `json:"timestamp"`
}

// Version represents an immutable assessment version (partial).
type Version struct {
	ID             string              `json:"id"`
	AssessmentID   string              `json:"assessment_id"`
	Number         int                 `json:"number"`
	ParentID       *string             `json:"parent_id,omitempty"`
	Branch         string              `json:"branch"`
	MergedFrom     []string            `json:"merged_from,omitempty"`
	Responses      map[string]Response `json:"responses"`
	Checksum       string              `json:"checksum"`
	ApprovalStatus string              `json:"approval_status"`
	Conflicts      []MergeConflict     `json:"conflicts,omitempty"`
	CreatedBy      string              `json:"created_by"`
	CreatedAt      string              `json:"created_at"`
}

type MergeCandidate struct {
	VersionID string   `json:"version_id"`
	Response  Response `json:"response"`
}

// MergeConflict is a question the merge sources answered differently.
type MergeConflict struct {
	QuestionID string           `json:"question_id"`
	Candidates []MergeCandidate `json:"candidates"`
	Resolved   bool             `json:"resolved"`
}

// ChangeResult is returned by every operation that appends a change.
type ChangeResult struct {
	Change  Change   `json:"change"`
	Version *Version `json:"version,omitempty"`
}

// Consensus is the server's view of one question.
type Consensus struct {
	QuestionID string   `json:"question_id"`
	Status     string   `json:"status"`
	Value      *float64 `json:"value,omitempty"`
	Spread     float64  `json:"spread"`
}

// HistoryPage is one page of versions, newest first.
type HistoryPage struct {
	Versions []Version `json:"versions"`
	Next     *int      `json:"next,omitempty"`
}

// Stage is one workflow stage (partial).
type Stage struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	RequiredRoles []string `json:"required_roles"`
}

type Workflow struct {
	AssessmentID    string  `json:"assessment_id"`
	Status          string  `json:"status"`
	OverallProgress float64 `json:"overall_progress"`
	Stages          []Stage `json:"stages"`
}

type Blocker struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Event represents an audit log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	AssessmentID string         `json:"assessment_id"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// PaginatedEvents wraps the event listing; Cursor is the last id returned.
type PaginatedEvents struct {
	Items  []Event `json:"items"`
	Cursor int64   `json:"cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsVersionConflict reports whether the branch head moved under the caller.
func (e *APIError) IsVersionConflict() bool { return e.Code == "version_conflict" }

// SubmitOptions are the optional parts of SubmitResponse.
type SubmitOptions struct {
	Confidence *float64
	Comment    string
	// ExpectedHead is sent as If-Match.
	ExpectedHead string
	// ExpectValue guards against answers that changed since they were read;
	// ExpectedValue nil means "expect no answer yet".
	ExpectValue   bool
	ExpectedValue *float64
}

// CreateAssessment creates an assessment from its framework baseline.
func (c *Client) CreateAssessment(ctx context.Context, id, frameworkID, title string) (Assessment, error) {
	body := map[string]any{
		"id":           id,
		"framework_id": frameworkID,
		"title":        title,
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPost, "v0/assessments", nil, body, &resp)
	return resp, err
}

func (c *Client) GetAssessment(ctx context.Context, id string) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodGet, c.assessmentPath(id, ""), nil, nil, &resp)
	return resp, err
}

// Assign gives an actor a role, optionally scoped to sections.
func (c *Client) Assign(ctx context.Context, assessmentID, role, actorID string, sections []string) error {
	body := map[string]any{
		"role":     role,
		"actor_id": actorID,
		"sections": sections,
	}
	return c.do(ctx, http.MethodPost, c.assessmentPath(assessmentID, "assignments"), nil, body, nil)
}

// SubmitResponse records a role's answer to a question.
func (c *Client) SubmitResponse(ctx context.Context, assessmentID, questionID, role string, value float64, opts SubmitOptions) (ChangeResult, error) {
	body := map[string]any{
		"role":  role,
		"value": value,
	}
	if opts.Confidence != nil {
		body["confidence"] = *opts.Confidence
	}
	if opts.Comment != "" {
		body["comment"] = opts.Comment
	}
	if opts.ExpectValue {
		body["expected_value"] = opts.ExpectedValue
	}
	var headers http.Header
	if opts.ExpectedHead != "" {
		headers = http.Header{"If-Match": []string{opts.ExpectedHead}}
	}
	var resp ChangeResult
	err := c.do(ctx, http.MethodPost, c.branchPath(assessmentID, "responses/"+url.PathEscape(questionID)), headers, body, &resp)
	return resp, err
}

// Consensus returns the consensus of one question on the client's branch.
func (c *Client) Consensus(ctx context.Context, assessmentID, questionID string) (Consensus, error) {
	var resp Consensus
	err := c.do(ctx, http.MethodGet, c.branchPath(assessmentID, "consensus/"+url.PathEscape(questionID)), nil, nil, &resp)
	return resp, err
}

// Commit folds pending changes into a new version. parentID may be empty.
func (c *Client) Commit(ctx context.Context, assessmentID, parentID string) (Version, error) {
	body := map[string]any{}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp Version
	err := c.do(ctx, http.MethodPost, c.branchPath(assessmentID, "versions"), nil, body, &resp)
	return resp, err
}

func (c *Client) Head(ctx context.Context, assessmentID string) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodGet, c.branchPath(assessmentID, "head"), nil, nil, &resp)
	return resp, err
}

// History returns a page of versions; before is the Next of a previous page
// or 0 for the newest.
func (c *Client) History(ctx context.Context, assessmentID string, limit, before int) (HistoryPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.Itoa(before))
	}
	endpoint := c.assessmentPath(assessmentID, "versions")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp HistoryPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// Merge merges sourceVersionIDs; the first one must be the target head.
func (c *Client) Merge(ctx context.Context, assessmentID string, sourceVersionIDs ...string) (Version, error) {
	body := map[string]any{"source_version_ids": sourceVersionIDs}
	var resp Version
	err := c.do(ctx, http.MethodPost, c.assessmentPath(assessmentID, "merges"), nil, body, &resp)
	return resp, err
}

func (c *Client) Workflow(ctx context.Context, assessmentID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, c.assessmentPath(assessmentID, "workflow"), nil, nil, &resp)
	return resp, err
}

// StageAction runs activate, complete, skip, reset or approve on a stage.
func (c *Client) StageAction(ctx context.Context, assessmentID, stageID, action, comment string) (Workflow, error) {
	var body any
	if comment != "" {
		body = map[string]any{"comment": comment}
	}
	var resp Workflow
	endpoint := c.assessmentPath(assessmentID, fmt.Sprintf("workflow/stages/%s/%s", url.PathEscape(stageID), url.PathEscape(action)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, body, &resp)
	return resp, err
}

func (c *Client) Blockers(ctx context.Context, assessmentID string) ([]Blocker, error) {
	var resp []Blocker
	err := c.do(ctx, http.MethodGet, c.assessmentPath(assessmentID, "blockers"), nil, nil, &resp)
	return resp, err
}

// EventsPage returns audit events after the given id.
func (c *Client) EventsPage(ctx context.Context, assessmentID string, after int64, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.assessmentPath(assessmentID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// DevLogin mints a token on servers started with dev login and stores it
// as the client's bearer token.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", nil, map[string]any{"actor_id": actorID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers http.Header, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) assessmentPath(id, p string) string {
	base := "v0/assessments/" + url.PathEscape(id)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

// branchPath adds the client's branch as a query parameter.
func (c *Client) branchPath(id, p string) string {
	endpoint := c.assessmentPath(id, p)
	if c.Branch != "" {
		endpoint += "?branch=" + url.QueryEscape(c.Branch)
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
