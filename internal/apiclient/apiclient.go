// Package apiclient is the Go client for the HTTP API, used by the pm CLI.
// Every call authenticates with a bearer API key; failures decode the
// server's error envelope into an APIError so callers can branch on the
// taxonomy code instead of matching message text.
package apiclient

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

	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
)

const defaultTimeout = 30 * time.Second

// APIError is a decoded error envelope.
type APIError struct {
	Code      fault.Kind    `json:"code"`
	Status    int           `json:"status"`
	Message   string        `json:"message"`
	RequestID string        `json:"requestId"`
	Issues    []fault.Issue `json:"issues,omitempty"`
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request %s)", e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	// APIKey is the plaintext bearer credential.
	APIKey string
	// HTTPClient overrides the default 30s-timeout client for resource
	// calls. The event stream always runs without a client timeout.
	HTTPClient *http.Client
}

// Client talks to one server.
type Client struct {
	base   string
	key    string
	rest   *http.Client
	sse    *http.Client
	logger *zap.Logger

	// Stream reconnect pacing, tightened by tests.
	streamBase time.Duration
	streamMax  time.Duration
}

// New validates the configuration and returns a client. A nil logger
// disables logging.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	rest := cfg.HTTPClient
	if rest == nil {
		rest = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		base:       base,
		key:        cfg.APIKey,
		rest:       rest,
		sse:        &http.Client{Transport: rest.Transport},
		logger:     logger,
		streamBase: time.Second,
		streamMax:  30 * time.Second,
	}, nil
}

// do runs one authenticated JSON round trip. A non-2xx response decodes into
// *APIError; a 2xx response decodes into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.rest.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var envelope struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		return &envelope.Error
	}
	// Not our envelope; a proxy or load balancer answered.
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{
		Code:    fault.KindUpstream,
		Status:  resp.StatusCode,
		Message: msg,
	}
}

// ListOptions page a list call.
type ListOptions struct {
	Limit  int
	Cursor string
}

func (o ListOptions) apply(q url.Values) {
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Cursor != "" {
		q.Set("cursor", o.Cursor)
	}
}

func setIf(q url.Values, key, val string) {
	if val != "" {
		q.Set(key, val)
	}
}

// CaptureRequest is the body of POST /notes/capture.
type CaptureRequest struct {
	Content    string           `json:"content"`
	Source     types.NoteSource `json:"source"`
	SourceMeta map[string]any   `json:"sourceMeta,omitempty"`
	CapturedAt *time.Time       `json:"capturedAt,omitempty"`
	ExternalID *string          `json:"externalId,omitempty"`
}

// CaptureResult is the captured note plus whether the server had seen it.
type CaptureResult struct {
	types.RawNote
	Deduped bool `json:"deduped"`
}

// CaptureNote ingests one note. Capture is idempotent: re-sending the same
// input returns the existing note with Deduped set.
func (c *Client) CaptureNote(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	var out CaptureResult
	if err := c.do(ctx, http.MethodPost, "/notes/capture", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EntityQuery filters GET /entities.
type EntityQuery struct {
	Type           string
	Status         string
	ProjectID      string
	EpicID         string
	AssigneeID     string
	TagID          string
	ParentTaskID   string
	Search         string
	IncludeDeleted bool
	ListOptions
}

// ListEntities returns one page of entities and the cursor for the next.
func (c *Client) ListEntities(ctx context.Context, query EntityQuery) ([]*types.Entity, string, error) {
	q := url.Values{}
	setIf(q, "type", query.Type)
	setIf(q, "status", query.Status)
	setIf(q, "projectId", query.ProjectID)
	setIf(q, "epicId", query.EpicID)
	setIf(q, "assigneeId", query.AssigneeID)
	setIf(q, "tagId", query.TagID)
	setIf(q, "parentTaskId", query.ParentTaskID)
	setIf(q, "q", query.Search)
	if query.IncludeDeleted {
		q.Set("includeDeleted", "true")
	}
	query.ListOptions.apply(q)

	var out struct {
		Items      []*types.Entity `json:"items"`
		NextCursor string          `json:"nextCursor"`
	}
	if err := c.do(ctx, http.MethodGet, "/entities", q, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Items, out.NextCursor, nil
}

// GetEntity fetches one entity by id.
func (c *Client) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var out types.Entity
	if err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransitionStatus moves an entity to newStatus and returns the post-image.
func (c *Client) TransitionStatus(ctx context.Context, id string, newStatus types.EntityStatus) (*types.Entity, error) {
	body := map[string]types.EntityStatus{"newStatus": newStatus}
	var out types.Entity
	if err := c.do(ctx, http.MethodPost, "/entities/"+url.PathEscape(id)+"/status", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjects returns one page of projects. An empty status lets the server
// default to active ones.
func (c *Client) ListProjects(ctx context.Context, status string, opts ListOptions) ([]*types.Project, string, error) {
	q := url.Values{}
	setIf(q, "status", status)
	opts.apply(q)

	var out struct {
		Items      []*types.Project `json:"items"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects", q, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Items, out.NextCursor, nil
}

// ReviewQuery filters the review queue.
type ReviewQuery struct {
	Status     string
	ReviewType string
	ProjectID  string
	EntityID   string
	ListOptions
}

func (q ReviewQuery) values() url.Values {
	v := url.Values{}
	setIf(v, "status", q.Status)
	setIf(v, "reviewType", q.ReviewType)
	setIf(v, "projectId", q.ProjectID)
	setIf(v, "entityId", q.EntityID)
	q.ListOptions.apply(v)
	return v
}

// ListReviews returns one page of review items.
func (c *Client) ListReviews(ctx context.Context, query ReviewQuery) ([]*types.ReviewItem, string, error) {
	var out struct {
		Items      []*types.ReviewItem `json:"items"`
		NextCursor string              `json:"nextCursor"`
	}
	if err := c.do(ctx, http.MethodGet, "/review-queue", query.values(), nil, &out); err != nil {
		return nil, "", err
	}
	return out.Items, out.NextCursor, nil
}

// CountReviews returns how many items match the query.
func (c *Client) CountReviews(ctx context.Context, query ReviewQuery) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/review-queue/count", query.values(), nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ResolveReview resolves one pending item. The path id wins over any id in
// the resolution body.
func (c *Client) ResolveReview(ctx context.Context, id string, res types.Resolution) (*types.ReviewItem, error) {
	var out types.ReviewItem
	path := "/review-queue/" + url.PathEscape(id) + "/resolve"
	if err := c.do(ctx, http.MethodPost, path, nil, res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks server readiness, including its database connectivity.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/readyz", nil)
	if err != nil {
		return err
	}
	resp, err := c.rest.Do(req)
	if err != nil {
		return fmt.Errorf("calling GET /readyz: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Reason != "" {
		return fmt.Errorf("server not ready: %s", body.Reason)
	}
	return fmt.Errorf("server not ready: status %d", resp.StatusCode)
}
