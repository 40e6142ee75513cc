package caseflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseflow HTTP API client.
type Client struct {
	BaseURL     string
	WorkspaceID string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     10 * time.Second,
	}
}

// Context represents the API conversation context model.
type Context struct {
	ID                   string             `json:"id"`
	ConversationID       string             `json:"conversation_id"`
	SchemaID             string             `json:"schema_id"`
	WorkspaceID          string             `json:"workspace_id"`
	ContextData          map[string]any     `json:"context_data"`
	Status               string             `json:"status"`
	Priority             string             `json:"priority"`
	PriorityOverride     *string            `json:"priority_override,omitempty"`
	EffectivePriority    string             `json:"effective_priority"`
	CompletionPercentage int                `json:"completion_percentage"`
	Tags                 []string           `json:"tags"`
	AIConfidenceScores   map[string]float64 `json:"ai_confidence_scores,omitempty"`
	LastAIUpdateAt       *string            `json:"last_ai_update_at,omitempty"`
	LastHumanUpdateAt    *string            `json:"last_human_update_at,omitempty"`
	CreatedAt            string             `json:"created_at"`
	UpdatedAt            string             `json:"updated_at"`
}

// Schema represents the API context schema model (partial).
type Schema struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	IsActive    bool   `json:"is_active"`
	IsDefault   bool   `json:"is_default"`
}

// Transition is the outcome of a status change attempt.
type Transition struct {
	Allowed bool    `json:"allowed"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Context Context `json:"context"`
}

// FieldUpdate is one entry in a batched field write.
type FieldUpdate struct {
	FieldID    string   `json:"field_id"`
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	ActorID     string `json:"actor_id"`
	ActorKind   string `json:"actor_kind"`
	Payload     string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedContexts wraps context listings with cursors.
type PaginatedContexts struct {
	Items      []Context `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// ResolveContext returns the context for a conversation, creating it under
// the workspace's default schema if it does not exist. Pass schemaID "" for
// the default.
func (c *Client) ResolveContext(ctx context.Context, conversationID, schemaID string) (Context, error) {
	body := map[string]any{
		"workspace_id": c.WorkspaceID,
	}
	if schemaID != "" {
		body["schema_id"] = schemaID
	}
	var resp Context
	endpoint := fmt.Sprintf("v0/conversations/%s/context", url.PathEscape(conversationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetContext fetches a context by id.
func (c *Client) GetContext(ctx context.Context, id string) (Context, error) {
	var resp Context
	err := c.do(ctx, http.MethodGet, c.contextPath(id, ""), nil, &resp)
	return resp, err
}

// UpdateFields applies a batch of field updates. The server rejects the
// whole batch if any entry is invalid.
func (c *Client) UpdateFields(ctx context.Context, id string, updates []FieldUpdate) (Context, error) {
	body := map[string]any{"updates": updates}
	var resp Context
	err := c.do(ctx, http.MethodPatch, c.contextPath(id, "fields"), body, &resp)
	return resp, err
}

// ChangeStatus attempts a workflow transition. An illegal transition comes
// back as an *APIError with StatusCode 409.
func (c *Client) ChangeStatus(ctx context.Context, id, status string) (Transition, error) {
	body := map[string]any{"status": status}
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.contextPath(id, "status"), body, &resp)
	return resp, err
}

// SetPriority sets the manual priority override. Pass nil to clear it.
func (c *Client) SetPriority(ctx context.Context, id string, priority *string) (Context, error) {
	body := map[string]any{"priority": priority}
	var resp Context
	err := c.do(ctx, http.MethodPut, c.contextPath(id, "priority"), body, &resp)
	return resp, err
}

// AddTag adds a tag; adding an existing tag is a no-op.
func (c *Client) AddTag(ctx context.Context, id, tag string) (Context, error) {
	var resp Context
	err := c.do(ctx, http.MethodPut, c.contextPath(id, "tags/"+url.PathEscape(tag)), nil, &resp)
	return resp, err
}

// RemoveTag removes a tag; removing an absent tag is a no-op.
func (c *Client) RemoveTag(ctx context.Context, id, tag string) (Context, error) {
	var resp Context
	err := c.do(ctx, http.MethodDelete, c.contextPath(id, "tags/"+url.PathEscape(tag)), nil, &resp)
	return resp, err
}

// SetTags replaces the tag list.
func (c *Client) SetTags(ctx context.Context, id string, tags []string) (Context, error) {
	body := map[string]any{"tags": tags}
	var resp Context
	err := c.do(ctx, http.MethodPut, c.contextPath(id, "tags"), body, &resp)
	return resp, err
}

// ListContexts returns a page of contexts in the client's workspace.
func (c *Client) ListContexts(ctx context.Context, status string, limit int, cursor string) (PaginatedContexts, error) {
	q := url.Values{}
	q.Set("workspace_id", c.WorkspaceID)
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedContexts
	err := c.do(ctx, http.MethodGet, "v0/contexts?"+q.Encode(), nil, &resp)
	return resp, err
}

// ListSchemas lists the workspace's schemas.
func (c *Client) ListSchemas(ctx context.Context) ([]Schema, error) {
	var resp []Schema
	endpoint := fmt.Sprintf("v0/workspaces/%s/schemas", url.PathEscape(c.WorkspaceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("v0/workspaces/%s/events", url.PathEscape(c.WorkspaceID))
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) contextPath(id, sub string) string {
	p := fmt.Sprintf("v0/contexts/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
