package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/engine/auth"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("gov-1")
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.SeedCatalog(ctx, cfg); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) addActor(t *testing.T, id string, roles ...string) {
	t.Helper()
	err := env.Engine.Repo.InsertActor(env.Ctx, domain.Actor{
		ID:        id,
		Name:      id,
		CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert actor %s: %v", id, err)
	}
	for _, role := range roles {
		if err := env.Engine.Repo.AssignRole(env.Ctx, id, role); err != nil {
			t.Fatalf("assign role %s to %s: %v", role, id, err)
		}
	}
}

func (env testEnv) newInitiative(t *testing.T, managerID string) domain.Initiative {
	t.Helper()
	in, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreateOptions{
		Name:      "Initiative",
		ManagerID: managerID,
		ActorID:   managerID,
	})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	return in
}

func (env testEnv) submit(t *testing.T, initiativeID, requesterID string, approvers ...string) domain.TransitionRequest {
	t.Helper()
	tr, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitRequestOptions{
		InitiativeID: initiativeID,
		RequesterID:  requesterID,
		DefinitionID: "gate.concept",
		Comments:     "ready for review",
		ApproverIDs:  approvers,
	})
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	return tr
}

func (env testEnv) notifications(t *testing.T, recipient string) []domain.Notification {
	t.Helper()
	items, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{RecipientID: recipient})
	if err != nil {
		t.Fatalf("list notifications for %s: %v", recipient, err)
	}
	return items
}

func TestFullApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	env.addActor(t, "bob", "reviewer")
	in := env.newInitiative(t, "manager")
	if !in.IsConcept {
		t.Fatalf("new initiative should be a concept")
	}

	tr := env.submit(t, in.ID, "manager", "alice", "bob")
	if tr.Accepted != nil {
		t.Fatalf("new request should be pending")
	}
	if got := env.notifications(t, "pm"); len(got) == 0 {
		t.Fatalf("reviewer should be told about the pending request")
	}

	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	view, err := env.Engine.ViewInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Status != domain.StatusPending {
		t.Fatalf("instance should be pending while votes are open, got %s", view.Status)
	}
	assignments, err := env.Engine.Approvers(env.Ctx, inst.ID)
	if err != nil || len(assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d (%v)", len(assignments), err)
	}

	decideReadyBefore := countByTitle(env.notifications(t, "pm"), "milestone.decide.ready.title")
	for _, a := range assignments {
		if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{AssignmentID: a.ID, VoterID: a.ActorID, Approve: true}); err != nil {
			t.Fatalf("vote %s: %v", a.ActorID, err)
		}
	}
	decideReadyAfter := countByTitle(env.notifications(t, "pm"), "milestone.decide.ready.title")
	if decideReadyAfter != decideReadyBefore+1 {
		t.Fatalf("deciders should hear exactly once that votes are complete, got %d new", decideReadyAfter-decideReadyBefore)
	}

	decided, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		InstanceID:   inst.ID,
		DeciderID:    "pm",
		StatusTypeID: "approved",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !decided.IsPassed {
		t.Fatalf("decided instance should be passed")
	}
	view, err = env.Engine.ViewInstance(env.Ctx, inst.ID)
	if err != nil || view.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s (%v)", view.Status, err)
	}

	after, err := env.Engine.Repo.GetInitiative(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.IsConcept {
		t.Fatalf("approval should clear the concept flag")
	}
	if after.LastApprovedInstanceID == nil || *after.LastApprovedInstanceID != inst.ID {
		t.Fatalf("last approved instance should point at %s", inst.ID)
	}
	assertFrozenCounts(t, env, in.ID, 1, 1)
}

func TestAutoPassWithoutApprovers(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	in := env.newInitiative(t, "manager")

	tr := env.submit(t, in.ID, "manager")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	view, err := env.Engine.ViewInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	// gate.concept defaults to the approved status type
	if view.Status != domain.StatusApproved {
		t.Fatalf("expected auto-pass approval, got %s", view.Status)
	}
	if inst.StatusTypeID == nil || *inst.StatusTypeID != "approved" {
		t.Fatalf("expected definition default status type")
	}
	if n := countByTitle(env.notifications(t, "manager"), "milestone.approved.title"); n == 0 {
		t.Fatalf("manager should be told about the auto-pass")
	}
	assertFrozenCounts(t, env, in.ID, 1, 1)
}

func TestReviewConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")

	if _, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"}); !errors.Is(err, engine.ErrAlreadyReviewed) {
		t.Fatalf("second accept should conflict, got %v", err)
	}
	if _, err := env.Engine.RejectRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"}); !errors.Is(err, engine.ErrAlreadyReviewed) {
		t.Fatalf("reject after accept should conflict, got %v", err)
	}
}

func TestVoteConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	env.addActor(t, "bob", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice", "bob")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	assignments, _ := env.Engine.Approvers(env.Ctx, inst.ID)
	var aliceAssignment domain.ApproverAssignment
	for _, a := range assignments {
		if a.ActorID == "alice" {
			aliceAssignment = a
		}
	}

	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{AssignmentID: aliceAssignment.ID, VoterID: "bob", Approve: true}); err == nil {
		t.Fatalf("voting on another actor's assignment should fail")
	}
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{AssignmentID: aliceAssignment.ID, VoterID: "alice", Approve: true}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{AssignmentID: aliceAssignment.ID, VoterID: "alice", Approve: false}); !errors.Is(err, engine.ErrAlreadyVoted) {
		t.Fatalf("second vote should conflict, got %v", err)
	}
}

func TestDecideOverridesVotes(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	assignments, _ := env.Engine.Approvers(env.Ctx, inst.ID)
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{AssignmentID: assignments[0].ID, VoterID: "alice", Approve: false}); err != nil {
		t.Fatal(err)
	}

	// the decider is free to approve against the panel
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "approved"}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	view, err := env.Engine.ViewInstance(env.Ctx, inst.ID)
	if err != nil || view.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s (%v)", view.Status, err)
	}

	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "rejected"}); !errors.Is(err, engine.ErrAlreadyDecided) {
		t.Fatalf("second decide should conflict, got %v", err)
	}
}

func TestVoteAfterDecisionConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "rejected"}); err != nil {
		t.Fatal(err)
	}
	assignments, _ := env.Engine.Approvers(env.Ctx, inst.ID)
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{AssignmentID: assignments[0].ID, VoterID: "alice", Approve: true}); !errors.Is(err, engine.ErrAlreadyDecided) {
		t.Fatalf("vote after decision should conflict, got %v", err)
	}
}

func TestConcurrentVotesOnSameAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	assignments, _ := env.Engine.Approvers(env.Ctx, inst.ID)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		approve := i == 0
		go func() {
			_, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{AssignmentID: assignments[0].ID, VoterID: "alice", Approve: approve})
			results <- err
		}()
	}
	var landed, conflicted int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			landed++
		case errors.Is(err, engine.ErrAlreadyVoted):
			conflicted++
		default:
			t.Fatalf("unexpected vote error: %v", err)
		}
	}
	if landed != 1 || conflicted != 1 {
		t.Fatalf("exactly one vote should land, got %d landed / %d conflicted", landed, conflicted)
	}
	after, err := env.Engine.Repo.GetAssignment(env.Ctx, assignments[0].ID)
	if err != nil || after.HasApproved == nil {
		t.Fatalf("assignment should carry the single recorded verdict (%v)", err)
	}
}

// A decision can commit between a voter's pre-checks and the vote
// transaction. The guarded update must refuse the stale vote.
func TestVoteLosesRaceWithDecision(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	assignments, _ := env.Engine.Approvers(env.Ctx, inst.ID)

	// the voter's reads, taken while the instance is still open
	a, err := env.Engine.Repo.GetAssignment(env.Ctx, assignments[0].ID)
	if err != nil || a.HasApproved != nil {
		t.Fatalf("assignment should be unvoted (%v)", err)
	}
	before, err := env.Engine.Repo.GetInstance(env.Ctx, inst.ID)
	if err != nil || before.IsPassed {
		t.Fatalf("instance should be open (%v)", err)
	}

	// the decision lands first
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "approved"}); err != nil {
		t.Fatal(err)
	}

	// the vote transaction proceeds on its stale reads
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.Repo.RecordVote(env.Ctx, tx, a.ID, true, "2024-01-02T00:00:00Z")
	tx.Rollback()
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("vote on a terminal instance should match no row, got %v", err)
	}
	after, err := env.Engine.Repo.GetAssignment(env.Ctx, a.ID)
	if err != nil || after.HasApproved != nil {
		t.Fatalf("assignment must stay unvoted on a terminal instance (%v)", err)
	}
}

type failingFreezer struct{}

func (failingFreezer) PassMilestone(ctx context.Context, tx *sql.Tx, initiativeID, instanceID string, approved bool) (string, string, error) {
	return "", "", errors.New("ledger offline")
}

func TestFreezeFailureRollsBackDecision(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}

	broken := env.Engine
	broken.Freezer = failingFreezer{}
	_, err = broken.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "approved"})
	var fe engine.FreezeError
	if !errors.As(err, &fe) {
		t.Fatalf("expected freeze error, got %v", err)
	}

	// rollback leaves the instance undecided and retryable
	view, err := env.Engine.ViewInstance(env.Ctx, inst.ID)
	if err != nil || view.Status != domain.StatusPending {
		t.Fatalf("instance should stay pending after rollback, got %s (%v)", view.Status, err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "approved"}); err != nil {
		t.Fatalf("retry after freeze failure: %v", err)
	}
}

type failingNotifier struct{}

func (failingNotifier) Notify(ctx context.Context, recipients []string, category, targetURL, titleKey, messageKey string, args ...string) error {
	return errors.New("mail relay down")
}

func (failingNotifier) NotifyTx(ctx context.Context, tx *sql.Tx, recipients []string, category, targetURL, titleKey, messageKey string, args ...string) error {
	return errors.New("mail relay down")
}

func TestNotifierFailureRollsBackAccept(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")

	broken := env.Engine
	broken.Notifier = failingNotifier{}
	if _, err := broken.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"}); err == nil {
		t.Fatalf("accept should surface the notifier failure")
	}

	// rollback leaves the request pending and no instance behind
	req, err := env.Engine.Repo.GetRequest(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Accepted != nil {
		t.Fatalf("request should stay pending after rollback")
	}
	views, err := env.Engine.ListInstanceViews(env.Ctx, repo.InstanceFilters{InitiativeID: in.ID})
	if err != nil || len(views) != 0 {
		t.Fatalf("expected no instances after rollback, got %d (%v)", len(views), err)
	}
	if _, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"}); err != nil {
		t.Fatalf("retry with a working notifier: %v", err)
	}
}

func TestDecideUnknownStatusTypeFails(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "no-such-status"}); err == nil {
		t.Fatalf("unknown status type must fail, not fall back")
	}
	view, err := env.Engine.ViewInstance(env.Ctx, inst.ID)
	if err != nil || view.Status != domain.StatusPending {
		t.Fatalf("instance should stay pending, got %s (%v)", view.Status, err)
	}
}

func TestRejectRequest(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager")

	rejected, err := env.Engine.RejectRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm", Comments: "missing budget"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Accepted == nil || *rejected.Accepted {
		t.Fatalf("request should be marked rejected")
	}
	// no instance rows appear on rejection
	views, err := env.Engine.ListInstanceViews(env.Ctx, repo.InstanceFilters{InitiativeID: in.ID})
	if err != nil || len(views) != 0 {
		t.Fatalf("expected no instances, got %d (%v)", len(views), err)
	}
	if n := countByTitle(env.notifications(t, "manager"), "request.rejected.title"); n == 0 {
		t.Fatalf("requester should be told about the rejection")
	}
}

func TestCancelRequest(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "other", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager")

	if err := env.Engine.CancelRequest(env.Ctx, tr.ID, "other"); err == nil {
		t.Fatalf("only the requester may cancel")
	}
	if err := env.Engine.CancelRequest(env.Ctx, tr.ID, "manager"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.Engine.Repo.GetRequest(env.Ctx, tr.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("canceled request should be gone from reads, got %v", err)
	}
	if _, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"}); err == nil {
		t.Fatalf("canceled request must not be reviewable")
	}
}

func TestSubmitRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "outsider")
	in := env.newInitiative(t, "manager")

	_, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitRequestOptions{
		InitiativeID: in.ID,
		RequesterID:  "outsider",
		DefinitionID: "gate.concept",
	})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if forbidden.Permission != auth.PermSubmit {
		t.Fatalf("unexpected permission %s", forbidden.Permission)
	}
}

func TestLastApprovedKeepsNewestPassedDate(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")

	firstReq := env.submit(t, in.ID, "manager", "alice")
	first, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: firstReq.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		InstanceID: first.ID, DeciderID: "pm", StatusTypeID: "approved", PassedDate: "2024-06-01",
	}); err != nil {
		t.Fatal(err)
	}

	secondReq := env.submit(t, in.ID, "manager", "alice")
	second, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: secondReq.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	// an older backdated approval must not steal the pointer
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		InstanceID: second.ID, DeciderID: "pm", StatusTypeID: "approved", PassedDate: "2024-03-01",
	}); err != nil {
		t.Fatal(err)
	}

	after, err := env.Engine.Repo.GetInitiative(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.LastApprovedInstanceID == nil || *after.LastApprovedInstanceID != first.ID {
		t.Fatalf("last approved should stay at the newer passed date")
	}
}

func TestRejectedDecisionKeepsConceptFlag(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "rejected"}); err != nil {
		t.Fatal(err)
	}
	after, err := env.Engine.Repo.GetInitiative(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !after.IsConcept {
		t.Fatalf("rejection must not clear the concept flag")
	}
	if after.LastApprovedInstanceID != nil {
		t.Fatalf("rejection must not set the last approved pointer")
	}
	// freezing still happens on rejection, the snapshot just records a failed gate
	assertFrozenCounts(t, env, in.ID, 1, 1)
}

func TestDanglingStatusTypeReadsUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "approved"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE milestone_instances SET status_type_id='ghost' WHERE id=?`, inst.ID); err != nil {
		t.Fatal(err)
	}
	view, err := env.Engine.ViewInstance(env.Ctx, inst.ID)
	if err != nil {
		t.Fatalf("dangling status type must not fail the read: %v", err)
	}
	if view.Status != domain.StatusUnknown {
		t.Fatalf("expected unknown, got %s", view.Status)
	}
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addActor(t, "manager", "initiative_manager")
	env.addActor(t, "pm", "portfolio_manager")
	env.addActor(t, "alice", "reviewer")
	in := env.newInitiative(t, "manager")
	tr := env.submit(t, in.ID, "manager", "alice")
	inst, err := env.Engine.AcceptRequest(env.Ctx, engine.ReviewOptions{RequestID: tr.ID, ReviewerID: "pm"})
	if err != nil {
		t.Fatal(err)
	}
	assignments, _ := env.Engine.Approvers(env.Ctx, inst.ID)
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{AssignmentID: assignments[0].ID, VoterID: "alice", Approve: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{InstanceID: inst.ID, DeciderID: "pm", StatusTypeID: "approved"}); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, in.ID, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Type] = true
	}
	for _, want := range []string{"initiative.created", "request.submitted", "request.accepted", "milestone.review.started", "vote.cast", "milestone.passed"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, events)
		}
	}
}

func countByTitle(items []domain.Notification, titleKey string) int {
	n := 0
	for _, item := range items {
		if item.TitleKey == titleKey {
			n++
		}
	}
	return n
}

func assertFrozenCounts(t *testing.T, env testEnv, initiativeID string, budgets, plans int) {
	t.Helper()
	bs, err := env.Engine.Repo.ListBudgets(env.Ctx, initiativeID)
	if err != nil {
		t.Fatal(err)
	}
	ps, err := env.Engine.Repo.ListPlans(env.Ctx, initiativeID)
	if err != nil {
		t.Fatal(err)
	}
	frozenBudgets, frozenPlans := 0, 0
	openBudgets, openPlans := 0, 0
	for _, b := range bs {
		switch b.Status {
		case "frozen":
			frozenBudgets++
		case "open":
			openBudgets++
		}
	}
	for _, p := range ps {
		switch p.Status {
		case "frozen":
			frozenPlans++
		case "open":
			openPlans++
		}
	}
	if frozenBudgets != budgets || frozenPlans != plans {
		t.Fatalf("expected %d frozen budgets and %d frozen plans, got %d/%d", budgets, plans, frozenBudgets, frozenPlans)
	}
	if openBudgets != 1 || openPlans != 1 {
		t.Fatalf("each freeze should leave exactly one open successor, got %d/%d", openBudgets, openPlans)
	}
}
