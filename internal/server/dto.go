package server

import (
	"encoding/json"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/repo"
)

// Request payloads

type CreateActorRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Mail string `json:"mail,omitempty"`
}

type CreateInitiativeRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	GovernanceID string `json:"governance_id,omitempty"`
	ManagerID    string `json:"manager_id,omitempty"`
}

type SubmitRequestRequest struct {
	ID             string   `json:"id,omitempty"`
	DefinitionID   string   `json:"definition_id"`
	PassedDate     string   `json:"passed_date,omitempty"`
	Comments       string   `json:"comments,omitempty"`
	ApproverIDs    []string `json:"approver_ids,omitempty"`
	AttachmentName string   `json:"attachment_name,omitempty"`
	AttachmentPath string   `json:"attachment_path,omitempty"`
}

type ReviewRequestRequest struct {
	Comments string `json:"comments,omitempty"`
}

type CastVoteRequest struct {
	Approve bool `json:"approve"`
}

type DecideRequest struct {
	StatusTypeID string `json:"status_type_id"`
	Comments     string `json:"comments,omitempty"`
	PassedDate   string `json:"passed_date,omitempty"`
}

type AssignRoleRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateWebhookRequest struct {
	ID         string `json:"id,omitempty"`
	URL        string `json:"url"`
	EventTypes string `json:"event_types,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type ActorResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Mail      string `json:"mail,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type InitiativeResponse struct {
	ID                     string  `json:"id"`
	Name                   string  `json:"name"`
	GovernanceID           string  `json:"governance_id,omitempty"`
	ManagerID              *string `json:"manager_id,omitempty"`
	IsConcept              bool    `json:"is_concept"`
	LastApprovedInstanceID *string `json:"last_approved_instance_id,omitempty"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
}

type RequestResponse struct {
	ID           string                `json:"id"`
	InitiativeID string                `json:"initiative_id"`
	RequesterID  string                `json:"requester_id"`
	Accepted     *bool                 `json:"accepted,omitempty"`
	ReviewDate   *string               `json:"review_date,omitempty" format:"date-time"`
	Payload      domain.RequestPayload `json:"payload"`
	Comments     string                `json:"comments,omitempty"`
	CreatedAt    string                `json:"created_at" format:"date-time"`
}

type InstanceResponse struct {
	ID             string  `json:"id"`
	InitiativeID   string  `json:"initiative_id"`
	DefinitionID   string  `json:"definition_id"`
	RequestID      *string `json:"request_id,omitempty"`
	IsPassed       bool    `json:"is_passed"`
	Status         string  `json:"status" enum:"approved,rejected,pending,unknown"`
	StatusTypeID   *string `json:"status_type_id,omitempty"`
	StatusTypeName string  `json:"status_type_name,omitempty"`
	ApproverID     *string `json:"approver_id,omitempty"`
	Comments       string  `json:"comments,omitempty"`
	PassedDate     *string `json:"passed_date,omitempty" format:"date-time"`
	BudgetID       *string `json:"budget_id,omitempty"`
	PlanID         *string `json:"plan_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID           string  `json:"id"`
	InstanceID   string  `json:"instance_id"`
	ActorID      string  `json:"actor_id"`
	ActorName    string  `json:"actor_name,omitempty"`
	HasApproved  *bool   `json:"has_approved,omitempty"`
	ApprovalDate *string `json:"approval_date,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type DefinitionResponse struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	ShortName           string `json:"short_name,omitempty"`
	DefaultStatusTypeID string `json:"default_status_type_id"`
	Position            int    `json:"position"`
	CreatedAt           string `json:"created_at" format:"date-time"`
}

type StatusTypeResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsApproved bool   `json:"is_approved"`
	Selectable bool   `json:"selectable"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type NotificationResponse struct {
	ID          string   `json:"id"`
	RecipientID string   `json:"recipient_id"`
	Category    string   `json:"category"`
	TargetURL   string   `json:"target_url,omitempty"`
	TitleKey    string   `json:"title_key"`
	MessageKey  string   `json:"message_key"`
	Args        []string `json:"args"`
	IsRead      bool     `json:"is_read"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	InitiativeID string         `json:"initiative_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// APIKeyCreatedResponse carries the plaintext key exactly once.
type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type WebhookResponse struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	EventTypes string `json:"event_types,omitempty"`
	Cursor     int64  `json:"cursor"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse(a)
}

func initiativeResponse(in domain.Initiative) InitiativeResponse {
	return InitiativeResponse(in)
}

func requestResponse(tr domain.TransitionRequest) RequestResponse {
	var payload domain.RequestPayload
	_ = json.Unmarshal([]byte(tr.PayloadJSON), &payload)
	return RequestResponse{
		ID:           tr.ID,
		InitiativeID: tr.InitiativeID,
		RequesterID:  tr.RequesterID,
		Accepted:     tr.Accepted,
		ReviewDate:   tr.ReviewDate,
		Payload:      payload,
		Comments:     tr.Comments,
		CreatedAt:    tr.CreatedAt,
	}
}

func instanceResponse(v engine.InstanceView) InstanceResponse {
	return InstanceResponse{
		ID:             v.ID,
		InitiativeID:   v.InitiativeID,
		DefinitionID:   v.DefinitionID,
		RequestID:      v.RequestID,
		IsPassed:       v.IsPassed,
		Status:         v.Status,
		StatusTypeID:   v.StatusTypeID,
		StatusTypeName: v.StatusTypeName,
		ApproverID:     v.ApproverID,
		Comments:       v.Comments,
		PassedDate:     v.PassedDate,
		BudgetID:       v.BudgetID,
		PlanID:         v.PlanID,
		CreatedAt:      v.CreatedAt,
	}
}

func assignmentResponse(a domain.ApproverAssignment) AssignmentResponse {
	return AssignmentResponse(a)
}

func definitionResponse(d domain.MilestoneDefinition) DefinitionResponse {
	return DefinitionResponse(d)
}

func statusTypeResponse(st domain.StatusType) StatusTypeResponse {
	return StatusTypeResponse(st)
}

func notificationResponse(n domain.Notification) NotificationResponse {
	var args []string
	_ = json.Unmarshal([]byte(n.ArgsJSON), &args)
	return NotificationResponse{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Category:    n.Category,
		TargetURL:   n.TargetURL,
		TitleKey:    n.TitleKey,
		MessageKey:  n.MessageKey,
		Args:        nonNilSlice(args),
		IsRead:      n.IsRead,
		CreatedAt:   n.CreatedAt,
	}
}

func webhookResponse(w repo.Webhook) WebhookResponse {
	return WebhookResponse(w)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		InitiativeID: e.InitiativeID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
