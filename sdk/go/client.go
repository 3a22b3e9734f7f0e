package gatelinesdk

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

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Initiative represents the API initiative model (partial).
type Initiative struct {
	ID                     string  `json:"id"`
	Name                   string  `json:"name"`
	GovernanceID           string  `json:"governance_id"`
	ManagerID              *string `json:"manager_id,omitempty"`
	IsConcept              bool    `json:"is_concept"`
	LastApprovedInstanceID *string `json:"last_approved_instance_id,omitempty"`
	CreatedAt              string  `json:"created_at"`
}

// Request represents a transition request.
type Request struct {
	ID           string         `json:"id"`
	InitiativeID string         `json:"initiative_id"`
	RequesterID  string         `json:"requester_id"`
	Accepted     *bool          `json:"accepted,omitempty"`
	ReviewDate   *string        `json:"review_date,omitempty"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    string         `json:"created_at"`
}

// Milestone represents a milestone instance with its derived status.
type Milestone struct {
	ID             string  `json:"id"`
	InitiativeID   string  `json:"initiative_id"`
	DefinitionID   string  `json:"definition_id"`
	RequestID      *string `json:"request_id,omitempty"`
	IsPassed       bool    `json:"is_passed"`
	Status         string  `json:"status"`
	StatusTypeID   *string `json:"status_type_id,omitempty"`
	StatusTypeName string  `json:"status_type_name,omitempty"`
	Comments       string  `json:"comments,omitempty"`
	PassedDate     *string `json:"passed_date,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// Assignment represents an approver's slot on a milestone instance.
type Assignment struct {
	ID           string  `json:"id"`
	InstanceID   string  `json:"instance_id"`
	ActorID      string  `json:"actor_id"`
	ActorName    string  `json:"actor_name"`
	HasApproved  *bool   `json:"has_approved,omitempty"`
	ApprovalDate *string `json:"approval_date,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// Notification represents a derived workflow message.
type Notification struct {
	ID          string   `json:"id"`
	RecipientID string   `json:"recipient_id"`
	Category    string   `json:"category"`
	TargetURL   string   `json:"target_url,omitempty"`
	TitleKey    string   `json:"title_key"`
	MessageKey  string   `json:"message_key"`
	Args        []string `json:"args"`
	IsRead      bool     `json:"is_read"`
	CreatedAt   string   `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	InitiativeID string         `json:"initiative_id"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id"`
	Payload      map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateInitiative creates an initiative.
func (c *Client) CreateInitiative(ctx context.Context, name, managerID string) (Initiative, error) {
	body := map[string]any{
		"name":       name,
		"manager_id": managerID,
	}
	var resp Initiative
	err := c.do(ctx, http.MethodPost, "v0/initiatives", body, &resp)
	return resp, err
}

// SubmitRequestOptions carries the transition request payload.
type SubmitRequestOptions struct {
	DefinitionID   string   `json:"definition_id"`
	PassedDate     string   `json:"passed_date,omitempty"`
	Comments       string   `json:"comments,omitempty"`
	ApproverIDs    []string `json:"approver_ids,omitempty"`
	AttachmentName string   `json:"attachment_name,omitempty"`
	AttachmentPath string   `json:"attachment_path,omitempty"`
}

// SubmitRequest submits a milestone transition request for an initiative.
func (c *Client) SubmitRequest(ctx context.Context, initiativeID string, opts SubmitRequestOptions) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/initiatives/%s/requests", url.PathEscape(initiativeID))
	err := c.do(ctx, http.MethodPost, endpoint, opts, &resp)
	return resp, err
}

// AcceptRequest accepts a pending request and returns the opened instance.
func (c *Client) AcceptRequest(ctx context.Context, requestID, comments string) (Milestone, error) {
	var resp Milestone
	endpoint := fmt.Sprintf("v0/requests/%s/accept", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comments": comments}, &resp)
	return resp, err
}

// RejectRequest rejects a pending request.
func (c *Client) RejectRequest(ctx context.Context, requestID, comments string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/reject", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comments": comments}, &resp)
	return resp, err
}

// CancelRequest cancels the caller's own pending request.
func (c *Client) CancelRequest(ctx context.Context, requestID string) error {
	endpoint := fmt.Sprintf("v0/requests/%s/cancel", url.PathEscape(requestID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{}, nil)
}

// Milestone fetches a milestone instance by id.
func (c *Client) Milestone(ctx context.Context, id string) (Milestone, error) {
	var resp Milestone
	endpoint := fmt.Sprintf("v0/milestones/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approvers lists the approver assignments of a milestone instance.
func (c *Client) Approvers(ctx context.Context, instanceID string) ([]Assignment, error) {
	var resp []Assignment
	endpoint := fmt.Sprintf("v0/milestones/%s/approvers", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Vote casts the caller's verdict on an assignment.
func (c *Client) Vote(ctx context.Context, assignmentID string, approve bool) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("v0/assignments/%s/vote", url.PathEscape(assignmentID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"approve": approve}, &resp)
	return resp, err
}

// Decide records the final decision on a milestone instance.
func (c *Client) Decide(ctx context.Context, instanceID, statusTypeID, comments, passedDate string) (Milestone, error) {
	body := map[string]any{
		"status_type_id": statusTypeID,
		"comments":       comments,
	}
	if passedDate != "" {
		body["passed_date"] = passedDate
	}
	var resp Milestone
	endpoint := fmt.Sprintf("v0/milestones/%s/decide", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Notifications lists notifications for the calling actor.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "v0/notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
