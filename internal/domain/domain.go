package domain

type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Mail      string `json:"mail,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Initiative struct {
	ID                     string  `json:"id"`
	Name                   string  `json:"name"`
	GovernanceID           string  `json:"governance_id,omitempty"`
	ManagerID              *string `json:"manager_id,omitempty"`
	IsConcept              bool    `json:"is_concept"`
	LastApprovedInstanceID *string `json:"last_approved_instance_id,omitempty"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
}

// MilestoneDefinition is catalog data: the kinds of gates an initiative
// can pass, with the status type used when a gate auto-passes.
type MilestoneDefinition struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	ShortName           string `json:"short_name,omitempty"`
	DefaultStatusTypeID string `json:"default_status_type_id"`
	Position            int    `json:"position"`
	CreatedAt           string `json:"created_at" format:"date-time"`
}

type StatusType struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsApproved bool   `json:"is_approved"`
	Selectable bool   `json:"selectable"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Instance outcome as derived from the passed flag and the resolved
// status type. UNKNOWN covers a passed instance whose status type no
// longer resolves.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusPending  = "pending"
	StatusUnknown  = "unknown"
)

type MilestoneInstance struct {
	ID           string  `json:"id"`
	InitiativeID string  `json:"initiative_id"`
	DefinitionID string  `json:"definition_id"`
	RequestID    *string `json:"request_id,omitempty"`
	IsPassed     bool    `json:"is_passed"`
	StatusTypeID *string `json:"status_type_id,omitempty"`
	ApproverID   *string `json:"approver_id,omitempty"`
	Comments     string  `json:"comments,omitempty"`
	PassedDate   *string `json:"passed_date,omitempty" format:"date-time"`
	BudgetID     *string `json:"budget_id,omitempty"`
	PlanID       *string `json:"plan_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Status derives the four-way outcome. approved is the resolved status
// type's approval flag, resolved reports whether the lookup succeeded.
func (m MilestoneInstance) Status(approved, resolved bool) string {
	if !m.IsPassed {
		return StatusPending
	}
	if !resolved {
		return StatusUnknown
	}
	if approved {
		return StatusApproved
	}
	return StatusRejected
}

type ApproverAssignment struct {
	ID           string  `json:"id"`
	InstanceID   string  `json:"instance_id"`
	ActorID      string  `json:"actor_id"`
	ActorName    string  `json:"actor_name,omitempty"`
	HasApproved  *bool   `json:"has_approved,omitempty"`
	ApprovalDate *string `json:"approval_date,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type TransitionRequest struct {
	ID           string  `json:"id"`
	InitiativeID string  `json:"initiative_id"`
	RequesterID  string  `json:"requester_id"`
	Accepted     *bool   `json:"accepted,omitempty"`
	ReviewDate   *string `json:"review_date,omitempty" format:"date-time"`
	PayloadJSON  string  `json:"payload_json"`
	Comments     string  `json:"comments,omitempty"`
	Deleted      bool    `json:"deleted,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// RequestPayload is the typed body carried by a transition request: which
// gate to instantiate and how the review should run.
type RequestPayload struct {
	DefinitionID string   `json:"definition_id"`
	PassedDate   string   `json:"passed_date,omitempty"`
	Comments     string   `json:"comments,omitempty"`
	ApproverIDs  []string `json:"approver_ids,omitempty"`
	AttachmentID string   `json:"attachment_id,omitempty"`
}

type Attachment struct {
	ID         string `json:"id"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Name       string `json:"name"`
	Path       string `json:"path,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Budget struct {
	ID           string  `json:"id"`
	InitiativeID string  `json:"initiative_id"`
	Status       string  `json:"status" enum:"open,frozen"`
	InstanceID   *string `json:"instance_id,omitempty"`
	FrozenAt     *string `json:"frozen_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Plan struct {
	ID           string  `json:"id"`
	InitiativeID string  `json:"initiative_id"`
	Status       string  `json:"status" enum:"open,frozen"`
	InstanceID   *string `json:"instance_id,omitempty"`
	FrozenAt     *string `json:"frozen_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Category    string `json:"category"`
	TargetURL   string `json:"target_url,omitempty"`
	TitleKey    string `json:"title_key"`
	MessageKey  string `json:"message_key"`
	ArgsJSON    string `json:"args_json,omitempty"`
	IsRead      bool   `json:"is_read"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	InitiativeID string `json:"initiative_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
