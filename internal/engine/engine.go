package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine/auth"
	"gateline/internal/engine/freeze"
	"gateline/internal/events"
	"gateline/internal/notify"
	"gateline/internal/repo"
)

// Terminal-state conflicts. Each guarded column flip maps to one of
// these when the row was already flipped.
var (
	ErrAlreadyReviewed = errors.New("request already reviewed")
	ErrAlreadyVoted    = errors.New("vote already cast")
	ErrAlreadyDecided  = errors.New("milestone already decided")
)

// FreezeError wraps a budget/plan freeze failure. The decision that
// triggered the freeze is rolled back and may be retried.
type FreezeError struct {
	Err error
}

func (e FreezeError) Error() string { return "milestone freeze failed: " + e.Err.Error() }
func (e FreezeError) Unwrap() error { return e.Err }

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Freezer  freeze.Freezer
	Notifier notify.Notifier
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Auth:     auth.Service{DB: db},
		Freezer:  freeze.Store{},
		Notifier: notify.Store{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) requirePermission(ctx context.Context, actorID, perm string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	ok, err := e.Auth.ActorHasPermission(ctx, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

// normalizeDate accepts an RFC3339 timestamp or a plain date and
// normalizes to RFC3339 UTC. Empty input falls back to the given time.
func normalizeDate(v string, fallback time.Time) (string, error) {
	if v == "" {
		return fallback.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("invalid passed date %q", v)
}

// InitiativeCreateOptions are parameters for registering an initiative
// under governance.
type InitiativeCreateOptions struct {
	ID           string
	Name         string
	GovernanceID string
	ManagerID    string
	ActorID      string
}

// CreateInitiative registers an initiative and opens its first budget
// and plan so the first milestone passage has something to freeze.
func (e Engine) CreateInitiative(ctx context.Context, opts InitiativeCreateOptions) (domain.Initiative, error) {
	if opts.Name == "" {
		return domain.Initiative{}, errors.New("name is required")
	}
	if opts.ManagerID != "" {
		if _, err := e.Repo.GetActor(ctx, opts.ManagerID); err != nil {
			return domain.Initiative{}, fmt.Errorf("manager %s: %w", opts.ManagerID, err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	in := domain.Initiative{
		ID:           id,
		Name:         opts.Name,
		GovernanceID: opts.GovernanceID,
		IsConcept:    true,
		CreatedAt:    now,
	}
	if opts.ManagerID != "" {
		in.ManagerID = &opts.ManagerID
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO initiatives(id,name,governance_id,manager_id,is_concept,created_at) VALUES (?,?,?,?,1,?)`,
		in.ID, in.Name, in.GovernanceID, optionalValue(opts.ManagerID), in.CreatedAt); err != nil {
		return domain.Initiative{}, fmt.Errorf("insert initiative: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO budgets(id,initiative_id,status,created_at) VALUES (?,?,'open',?)`,
		uuid.NewString(), in.ID, now); err != nil {
		return domain.Initiative{}, fmt.Errorf("open budget: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO plans(id,initiative_id,status,created_at) VALUES (?,?,'open',?)`,
		uuid.NewString(), in.ID, now); err != nil {
		return domain.Initiative{}, fmt.Errorf("open plan: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "initiative.created", in.ID, "initiative", in.ID, opts.ActorID, events.EventPayload{"name": in.Name}); err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	return in, nil
}

// SubmitRequestOptions are parameters for asking governance to open a
// milestone review.
type SubmitRequestOptions struct {
	ID             string
	InitiativeID   string
	RequesterID    string
	DefinitionID   string
	PassedDate     string
	Comments       string
	ApproverIDs    []string
	AttachmentName string
	AttachmentPath string
}

func (e Engine) SubmitRequest(ctx context.Context, opts SubmitRequestOptions) (domain.TransitionRequest, error) {
	if err := e.requirePermission(ctx, opts.RequesterID, auth.PermSubmit); err != nil {
		return domain.TransitionRequest{}, err
	}
	if opts.InitiativeID == "" {
		return domain.TransitionRequest{}, errors.New("initiative is required")
	}
	if opts.DefinitionID == "" {
		return domain.TransitionRequest{}, errors.New("milestone definition is required")
	}
	if _, err := e.Repo.GetInitiative(ctx, opts.InitiativeID); err != nil {
		return domain.TransitionRequest{}, fmt.Errorf("initiative %s: %w", opts.InitiativeID, err)
	}
	if _, err := e.Repo.GetMilestoneDefinition(ctx, opts.DefinitionID); err != nil {
		return domain.TransitionRequest{}, fmt.Errorf("milestone definition %s: %w", opts.DefinitionID, err)
	}
	if opts.PassedDate != "" {
		if _, err := normalizeDate(opts.PassedDate, e.now()); err != nil {
			return domain.TransitionRequest{}, err
		}
	}
	for _, approverID := range opts.ApproverIDs {
		if _, err := e.Repo.GetActor(ctx, approverID); err != nil {
			return domain.TransitionRequest{}, fmt.Errorf("approver %s: %w", approverID, err)
		}
	}
	reviewers, err := e.Auth.ActorsWithPermission(ctx, auth.PermReview)
	if err != nil {
		return domain.TransitionRequest{}, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	attachmentID := ""
	if opts.AttachmentName != "" {
		attachmentID = uuid.NewString()
	}
	payload, err := json.Marshal(domain.RequestPayload{
		DefinitionID: opts.DefinitionID,
		PassedDate:   opts.PassedDate,
		Comments:     opts.Comments,
		ApproverIDs:  opts.ApproverIDs,
		AttachmentID: attachmentID,
	})
	if err != nil {
		return domain.TransitionRequest{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransitionRequest{}, err
	}
	defer tx.Rollback()

	tr := domain.TransitionRequest{
		ID:           id,
		InitiativeID: opts.InitiativeID,
		RequesterID:  opts.RequesterID,
		PayloadJSON:  string(payload),
		Comments:     opts.Comments,
		CreatedAt:    now,
	}
	if err := e.Repo.InsertRequest(ctx, tx, tr); err != nil {
		return domain.TransitionRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if attachmentID != "" {
		att := domain.Attachment{
			ID:         attachmentID,
			ObjectType: "transition_request",
			ObjectID:   id,
			Name:       opts.AttachmentName,
			Path:       opts.AttachmentPath,
			CreatedAt:  now,
		}
		if err := e.Repo.InsertAttachment(ctx, tx, att); err != nil {
			return domain.TransitionRequest{}, fmt.Errorf("insert attachment: %w", err)
		}
	}
	if err := e.Notifier.NotifyTx(ctx, tx, reviewers, notify.CategoryRequest, "/requests/"+id,
		notify.KeyReviewPendingTitle, notify.KeyReviewPendingMessage, opts.InitiativeID); err != nil {
		return domain.TransitionRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.submitted", opts.InitiativeID, "transition_request", id, opts.RequesterID,
		events.EventPayload{"definition_id": opts.DefinitionID, "approvers": len(opts.ApproverIDs)}); err != nil {
		return domain.TransitionRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransitionRequest{}, err
	}
	return e.Repo.GetRequest(ctx, id)
}

// ReviewOptions identify the request under review and the reviewer.
type ReviewOptions struct {
	RequestID  string
	ReviewerID string
	Comments   string
}

// AcceptRequest turns a pending request into a milestone instance. With
// approvers the instance opens a voting round; without, it auto-passes
// with the definition's default status type. Everything, notifications
// included, rides one transaction.
func (e Engine) AcceptRequest(ctx context.Context, opts ReviewOptions) (domain.MilestoneInstance, error) {
	if err := e.requirePermission(ctx, opts.ReviewerID, auth.PermReview); err != nil {
		return domain.MilestoneInstance{}, err
	}
	req, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.MilestoneInstance{}, fmt.Errorf("request %s: %w", opts.RequestID, err)
	}
	if req.Accepted != nil {
		return domain.MilestoneInstance{}, ErrAlreadyReviewed
	}
	var payload domain.RequestPayload
	if err := json.Unmarshal([]byte(req.PayloadJSON), &payload); err != nil {
		return domain.MilestoneInstance{}, fmt.Errorf("decode request payload: %w", err)
	}
	def, err := e.Repo.GetMilestoneDefinition(ctx, payload.DefinitionID)
	if err != nil {
		return domain.MilestoneInstance{}, fmt.Errorf("milestone definition %s: %w", payload.DefinitionID, err)
	}
	init, err := e.Repo.GetInitiative(ctx, req.InitiativeID)
	if err != nil {
		return domain.MilestoneInstance{}, fmt.Errorf("initiative %s: %w", req.InitiativeID, err)
	}
	for _, approverID := range payload.ApproverIDs {
		if _, err := e.Repo.GetActor(ctx, approverID); err != nil {
			return domain.MilestoneInstance{}, fmt.Errorf("approver %s: %w", approverID, err)
		}
	}

	autoPass := len(payload.ApproverIDs) == 0
	var defaultStatus domain.StatusType
	var passedDate string
	var lastApproved lastApprovedUpdate
	if autoPass {
		defaultStatus, err = e.Repo.GetStatusType(ctx, def.DefaultStatusTypeID)
		if err != nil {
			return domain.MilestoneInstance{}, fmt.Errorf("status type %s: %w", def.DefaultStatusTypeID, err)
		}
		passedDate, err = normalizeDate(payload.PassedDate, e.now())
		if err != nil {
			return domain.MilestoneInstance{}, err
		}
		lastApproved, err = e.planLastApproved(ctx, init, passedDate, defaultStatus.IsApproved)
		if err != nil {
			return domain.MilestoneInstance{}, err
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	instanceID := uuid.NewString()
	managerAndRequester := []string{req.RequesterID}
	if init.ManagerID != nil {
		managerAndRequester = append(managerAndRequester, *init.ManagerID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MilestoneInstance{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.MarkRequestReviewed(ctx, tx, req.ID, true, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.MilestoneInstance{}, ErrAlreadyReviewed
		}
		return domain.MilestoneInstance{}, err
	}
	inst := domain.MilestoneInstance{
		ID:           instanceID,
		InitiativeID: req.InitiativeID,
		DefinitionID: def.ID,
		RequestID:    &req.ID,
		Comments:     payload.Comments,
		CreatedAt:    now,
	}
	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return domain.MilestoneInstance{}, fmt.Errorf("insert instance: %w", err)
	}

	if autoPass {
		budgetID, planID, err := e.Freezer.PassMilestone(ctx, tx, init.ID, instanceID, defaultStatus.IsApproved)
		if err != nil {
			return domain.MilestoneInstance{}, FreezeError{Err: err}
		}
		if err := e.Repo.MarkInstancePassed(ctx, tx, instanceID, repo.PassUpdate{
			StatusTypeID: defaultStatus.ID,
			Comments:     payload.Comments,
			PassedDate:   passedDate,
			ApproverID:   &opts.ReviewerID,
			BudgetID:     optionalString(budgetID),
			PlanID:       optionalString(planID),
		}); err != nil {
			return domain.MilestoneInstance{}, err
		}
		if err := lastApproved.apply(ctx, tx, e.Repo, instanceID); err != nil {
			return domain.MilestoneInstance{}, err
		}
		messageTitle, messageBody := notify.KeyApprovedTitle, notify.KeyApprovedMessage
		if !defaultStatus.IsApproved {
			messageTitle, messageBody = notify.KeyRejectedTitle, notify.KeyRejectedMessage
		}
		if err := e.Notifier.NotifyTx(ctx, tx, managerAndRequester, notify.CategoryApproval, "/milestones/"+instanceID,
			messageTitle, messageBody, def.Name); err != nil {
			return domain.MilestoneInstance{}, err
		}
		if err := e.Events.Append(ctx, tx, "milestone.passed", init.ID, "milestone_instance", instanceID, opts.ReviewerID,
			events.EventPayload{"status_type_id": defaultStatus.ID, "auto": true}); err != nil {
			return domain.MilestoneInstance{}, err
		}
	} else {
		for _, approverID := range payload.ApproverIDs {
			a := domain.ApproverAssignment{
				ID:         uuid.NewString(),
				InstanceID: instanceID,
				ActorID:    approverID,
				CreatedAt:  now,
			}
			if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
				return domain.MilestoneInstance{}, fmt.Errorf("insert assignment: %w", err)
			}
		}
		if err := e.Notifier.NotifyTx(ctx, tx, payload.ApproverIDs, notify.CategoryApproval, "/milestones/"+instanceID,
			notify.KeyVoteRequiredTitle, notify.KeyVoteRequiredMessage, def.Name); err != nil {
			return domain.MilestoneInstance{}, err
		}
		if err := e.Notifier.NotifyTx(ctx, tx, managerAndRequester, notify.CategoryInformation, "/milestones/"+instanceID,
			notify.KeyReviewPendingTitle, notify.KeyReviewPendingMessage, def.Name); err != nil {
			return domain.MilestoneInstance{}, err
		}
		if err := e.Events.Append(ctx, tx, "milestone.review.started", init.ID, "milestone_instance", instanceID, opts.ReviewerID,
			events.EventPayload{"approvers": len(payload.ApproverIDs)}); err != nil {
			return domain.MilestoneInstance{}, err
		}
	}

	if payload.AttachmentID != "" {
		if err := e.Repo.RetargetAttachment(ctx, tx, payload.AttachmentID, "milestone_instance", instanceID); err != nil {
			return domain.MilestoneInstance{}, fmt.Errorf("retarget attachment: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "request.accepted", init.ID, "transition_request", req.ID, opts.ReviewerID, nil); err != nil {
		return domain.MilestoneInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MilestoneInstance{}, err
	}
	return e.Repo.GetInstance(ctx, instanceID)
}

// RejectRequest closes a pending request without creating an instance.
func (e Engine) RejectRequest(ctx context.Context, opts ReviewOptions) (domain.TransitionRequest, error) {
	if err := e.requirePermission(ctx, opts.ReviewerID, auth.PermReview); err != nil {
		return domain.TransitionRequest{}, err
	}
	req, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.TransitionRequest{}, fmt.Errorf("request %s: %w", opts.RequestID, err)
	}
	if req.Accepted != nil {
		return domain.TransitionRequest{}, ErrAlreadyReviewed
	}
	init, err := e.Repo.GetInitiative(ctx, req.InitiativeID)
	if err != nil {
		return domain.TransitionRequest{}, fmt.Errorf("initiative %s: %w", req.InitiativeID, err)
	}
	recipients := []string{req.RequesterID}
	if init.ManagerID != nil {
		recipients = append(recipients, *init.ManagerID)
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransitionRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.MarkRequestReviewed(ctx, tx, req.ID, false, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TransitionRequest{}, ErrAlreadyReviewed
		}
		return domain.TransitionRequest{}, err
	}
	if err := e.Notifier.NotifyTx(ctx, tx, recipients, notify.CategoryRequest, "/requests/"+req.ID,
		notify.KeyRequestRejectedTitle, notify.KeyRequestRejectedMsg, opts.Comments); err != nil {
		return domain.TransitionRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.rejected", init.ID, "transition_request", req.ID, opts.ReviewerID,
		events.EventPayload{"comments": opts.Comments}); err != nil {
		return domain.TransitionRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransitionRequest{}, err
	}
	return e.Repo.GetRequest(ctx, req.ID)
}

// CancelRequest lets the requester withdraw a request that has not been
// reviewed yet. The row is tombstoned, not deleted.
func (e Engine) CancelRequest(ctx context.Context, requestID, actorID string) error {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("request %s: %w", requestID, err)
	}
	if req.Accepted != nil {
		return ErrAlreadyReviewed
	}
	if actorID != req.RequesterID {
		return errors.New("only the requester can cancel a pending request")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.TombstoneRequest(ctx, tx, requestID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrAlreadyReviewed
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "request.canceled", req.InitiativeID, "transition_request", requestID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// VoteOptions carry a single approver verdict.
type VoteOptions struct {
	AssignmentID string
	VoterID      string
	Approve      bool
}

// CastVote records a one-shot verdict on an assignment. When the vote
// completes the set, every actor holding the decide permission is told
// the instance is ready, after the vote has committed.
func (e Engine) CastVote(ctx context.Context, opts VoteOptions) (domain.ApproverAssignment, error) {
	a, err := e.Repo.GetAssignment(ctx, opts.AssignmentID)
	if err != nil {
		return domain.ApproverAssignment{}, fmt.Errorf("assignment %s: %w", opts.AssignmentID, err)
	}
	if opts.VoterID != a.ActorID {
		return domain.ApproverAssignment{}, errors.New("assignment belongs to another actor")
	}
	inst, err := e.Repo.GetInstance(ctx, a.InstanceID)
	if err != nil {
		return domain.ApproverAssignment{}, fmt.Errorf("instance %s: %w", a.InstanceID, err)
	}
	if inst.IsPassed {
		return domain.ApproverAssignment{}, ErrAlreadyDecided
	}
	if a.HasApproved != nil {
		return domain.ApproverAssignment{}, ErrAlreadyVoted
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApproverAssignment{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.RecordVote(ctx, tx, a.ID, opts.Approve, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// The guarded UPDATE matched nothing: either a concurrent
			// vote landed first, or a decision terminated the instance
			// between the pre-checks and this transaction.
			if cur, gerr := e.Repo.GetInstance(ctx, a.InstanceID); gerr == nil && cur.IsPassed {
				return domain.ApproverAssignment{}, ErrAlreadyDecided
			}
			return domain.ApproverAssignment{}, ErrAlreadyVoted
		}
		return domain.ApproverAssignment{}, err
	}
	allVoted, err := e.Repo.AllApproversVotedTx(ctx, tx, a.InstanceID)
	if err != nil {
		return domain.ApproverAssignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "vote.cast", inst.InitiativeID, "approver_assignment", a.ID, opts.VoterID,
		events.EventPayload{"approve": opts.Approve, "all_voted": allVoted}); err != nil {
		return domain.ApproverAssignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApproverAssignment{}, err
	}

	if allVoted {
		deciders, err := e.Auth.ActorsWithPermission(ctx, auth.PermDecide)
		if err != nil {
			log.Printf("lookup deciders for instance %s: %v", a.InstanceID, err)
		} else if err := e.Notifier.Notify(ctx, deciders, notify.CategoryApproval, "/milestones/"+a.InstanceID,
			notify.KeyDecideReadyTitle, notify.KeyDecideReadyMessage, a.InstanceID); err != nil {
			log.Printf("notify deciders for instance %s: %v", a.InstanceID, err)
		}
	}
	return e.Repo.GetAssignment(ctx, a.ID)
}

// DecideOptions finalize a milestone instance. PassedDate is optional
// and defaults to the decision time.
type DecideOptions struct {
	InstanceID   string
	DeciderID    string
	StatusTypeID string
	Comments     string
	PassedDate   string
}

// Decide applies the decider's verdict regardless of vote state; votes
// inform the decision, they do not bind it. An unknown status type is a
// hard failure, never a silent fallback.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (domain.MilestoneInstance, error) {
	if err := e.requirePermission(ctx, opts.DeciderID, auth.PermDecide); err != nil {
		return domain.MilestoneInstance{}, err
	}
	inst, err := e.Repo.GetInstance(ctx, opts.InstanceID)
	if err != nil {
		return domain.MilestoneInstance{}, fmt.Errorf("instance %s: %w", opts.InstanceID, err)
	}
	if inst.IsPassed {
		return domain.MilestoneInstance{}, ErrAlreadyDecided
	}
	st, err := e.Repo.GetStatusType(ctx, opts.StatusTypeID)
	if err != nil {
		return domain.MilestoneInstance{}, fmt.Errorf("status type %s: %w", opts.StatusTypeID, err)
	}
	passedDate, err := normalizeDate(opts.PassedDate, e.now())
	if err != nil {
		return domain.MilestoneInstance{}, err
	}
	init, err := e.Repo.GetInitiative(ctx, inst.InitiativeID)
	if err != nil {
		return domain.MilestoneInstance{}, fmt.Errorf("initiative %s: %w", inst.InitiativeID, err)
	}
	lastApproved, err := e.planLastApproved(ctx, init, passedDate, st.IsApproved)
	if err != nil {
		return domain.MilestoneInstance{}, err
	}
	// Approver of record only when the decider resolves to a known actor.
	var approverID *string
	if _, err := e.Repo.GetActor(ctx, opts.DeciderID); err == nil {
		approverID = &opts.DeciderID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.MilestoneInstance{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MilestoneInstance{}, err
	}
	defer tx.Rollback()

	budgetID, planID, err := e.Freezer.PassMilestone(ctx, tx, init.ID, inst.ID, st.IsApproved)
	if err != nil {
		return domain.MilestoneInstance{}, FreezeError{Err: err}
	}
	if err := e.Repo.MarkInstancePassed(ctx, tx, inst.ID, repo.PassUpdate{
		StatusTypeID: st.ID,
		Comments:     opts.Comments,
		PassedDate:   passedDate,
		ApproverID:   approverID,
		BudgetID:     optionalString(budgetID),
		PlanID:       optionalString(planID),
	}); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.MilestoneInstance{}, ErrAlreadyDecided
		}
		return domain.MilestoneInstance{}, err
	}
	if err := lastApproved.apply(ctx, tx, e.Repo, inst.ID); err != nil {
		return domain.MilestoneInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.passed", init.ID, "milestone_instance", inst.ID, opts.DeciderID,
		events.EventPayload{"status_type_id": st.ID, "approved": st.IsApproved}); err != nil {
		return domain.MilestoneInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MilestoneInstance{}, err
	}

	// The manager hears about the outcome only once the decision is
	// durable. Delivery failure does not undo the decision.
	e.notifyDecision(ctx, init, inst, st)
	return e.Repo.GetInstance(ctx, inst.ID)
}

// notifyDecision tells the initiative's manager about the outcome.
func (e Engine) notifyDecision(ctx context.Context, init domain.Initiative, inst domain.MilestoneInstance, st domain.StatusType) {
	if init.ManagerID == nil {
		return
	}
	recipients := []string{*init.ManagerID}
	title, message := notify.KeyApprovedTitle, notify.KeyApprovedMessage
	if !st.IsApproved {
		title, message = notify.KeyRejectedTitle, notify.KeyRejectedMessage
	}
	if err := e.Notifier.Notify(ctx, recipients, notify.CategoryApproval, "/milestones/"+inst.ID, title, message, st.Name); err != nil {
		log.Printf("notify decision for instance %s: %v", inst.ID, err)
	}
}

// lastApprovedUpdate is the precomputed outcome of the last-approved
// tracking rule: an approval moves the pointer only when it is at least
// as recent as the currently recorded one.
type lastApprovedUpdate struct {
	initiativeID string
	set          bool
}

func (u lastApprovedUpdate) apply(ctx context.Context, tx *sql.Tx, r repo.Repo, instanceID string) error {
	if !u.set {
		return nil
	}
	return r.SetLastApprovedInstanceTx(ctx, tx, u.initiativeID, instanceID)
}

func (e Engine) planLastApproved(ctx context.Context, init domain.Initiative, passedDate string, approved bool) (lastApprovedUpdate, error) {
	if !approved {
		return lastApprovedUpdate{}, nil
	}
	u := lastApprovedUpdate{initiativeID: init.ID, set: true}
	if init.LastApprovedInstanceID == nil {
		return u, nil
	}
	prev, err := e.Repo.GetInstance(ctx, *init.LastApprovedInstanceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return u, nil
		}
		return lastApprovedUpdate{}, err
	}
	// RFC3339 strings compare chronologically.
	if prev.PassedDate != nil && passedDate < *prev.PassedDate {
		u.set = false
	}
	return u, nil
}

// Approvers lists the review panel of an instance with vote state.
func (e Engine) Approvers(ctx context.Context, instanceID string) ([]domain.ApproverAssignment, error) {
	if _, err := e.Repo.GetInstance(ctx, instanceID); err != nil {
		return nil, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	return e.Repo.ListAssignments(ctx, instanceID)
}

// InstanceView is a milestone instance with its derived outcome.
type InstanceView struct {
	domain.MilestoneInstance
	Status         string `json:"status" enum:"approved,rejected,pending,unknown"`
	StatusTypeName string `json:"status_type_name,omitempty"`
}

// ViewInstance resolves the instance's status type and derives the
// four-way outcome. A dangling status type reads as unknown rather
// than failing the whole lookup.
func (e Engine) ViewInstance(ctx context.Context, instanceID string) (InstanceView, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return InstanceView{}, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	return e.viewOf(ctx, inst)
}

func (e Engine) viewOf(ctx context.Context, inst domain.MilestoneInstance) (InstanceView, error) {
	v := InstanceView{MilestoneInstance: inst}
	approved, resolved := false, false
	if inst.StatusTypeID != nil {
		st, err := e.Repo.GetStatusType(ctx, *inst.StatusTypeID)
		switch {
		case err == nil:
			approved, resolved = st.IsApproved, true
			v.StatusTypeName = st.Name
		case errors.Is(err, repo.ErrNotFound):
		default:
			return InstanceView{}, err
		}
	}
	v.Status = inst.Status(approved, resolved)
	return v, nil
}

// ListInstanceViews returns instances with derived outcomes.
func (e Engine) ListInstanceViews(ctx context.Context, f repo.InstanceFilters) ([]InstanceView, error) {
	instances, err := e.Repo.ListInstances(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		v, err := e.viewOf(ctx, inst)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func optionalValue(v string) any {
	if v == "" {
		return nil
	}
	return v
}
