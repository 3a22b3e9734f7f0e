package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gateline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) InsertActor(ctx context.Context, a domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,name,mail,created_at) VALUES (?,?,?,?)`,
		a.ID, a.Name, a.Mail, a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var a domain.Actor
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,mail,created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Mail, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,mail,created_at FROM actors ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.Name, &a.Mail, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) InsertInitiative(ctx context.Context, in domain.Initiative) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO initiatives(id,name,governance_id,manager_id,is_concept,last_approved_instance_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		in.ID, in.Name, in.GovernanceID, nullableStringPtr(in.ManagerID), in.IsConcept, nullableStringPtr(in.LastApprovedInstanceID), in.CreatedAt)
	return err
}

func scanInitiative(row *sql.Row) (domain.Initiative, error) {
	var in domain.Initiative
	var managerID, lastApproved sql.NullString
	err := row.Scan(&in.ID, &in.Name, &in.GovernanceID, &managerID, &in.IsConcept, &lastApproved, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if managerID.Valid {
		in.ManagerID = &managerID.String
	}
	if lastApproved.Valid {
		in.LastApprovedInstanceID = &lastApproved.String
	}
	return in, nil
}

const initiativeCols = `id,name,governance_id,manager_id,is_concept,last_approved_instance_id,created_at`

func (r Repo) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	return scanInitiative(r.DB.QueryRowContext(ctx, `SELECT `+initiativeCols+` FROM initiatives WHERE id=?`, id))
}

func (r Repo) GetInitiativeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Initiative, error) {
	return scanInitiative(tx.QueryRowContext(ctx, `SELECT `+initiativeCols+` FROM initiatives WHERE id=?`, id))
}

func (r Repo) ListInitiatives(ctx context.Context) ([]domain.Initiative, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+initiativeCols+` FROM initiatives ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		var in domain.Initiative
		var managerID, lastApproved sql.NullString
		if err := rows.Scan(&in.ID, &in.Name, &in.GovernanceID, &managerID, &in.IsConcept, &lastApproved, &in.CreatedAt); err != nil {
			return nil, err
		}
		if managerID.Valid {
			in.ManagerID = &managerID.String
		}
		if lastApproved.Valid {
			in.LastApprovedInstanceID = &lastApproved.String
		}
		res = append(res, in)
	}
	return res, nil
}

func (r Repo) ClearConceptFlagTx(ctx context.Context, tx *sql.Tx, initiativeID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE initiatives SET is_concept=0 WHERE id=?`, initiativeID)
	return err
}

func (r Repo) SetLastApprovedInstanceTx(ctx context.Context, tx *sql.Tx, initiativeID, instanceID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE initiatives SET last_approved_instance_id=? WHERE id=?`, instanceID, initiativeID)
	return err
}

func (r Repo) InsertStatusType(ctx context.Context, st domain.StatusType) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO status_types(id,name,is_approved,selectable,created_at) VALUES (?,?,?,?,?)`,
		st.ID, st.Name, st.IsApproved, st.Selectable, st.CreatedAt)
	return err
}

func (r Repo) GetStatusType(ctx context.Context, id string) (domain.StatusType, error) {
	var st domain.StatusType
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,is_approved,selectable,created_at FROM status_types WHERE id=?`, id).
		Scan(&st.ID, &st.Name, &st.IsApproved, &st.Selectable, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

func (r Repo) ListStatusTypes(ctx context.Context, selectableOnly bool) ([]domain.StatusType, error) {
	query := `SELECT id,name,is_approved,selectable,created_at FROM status_types`
	if selectableOnly {
		query += ` WHERE selectable=1`
	}
	query += ` ORDER BY name ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusType
	for rows.Next() {
		var st domain.StatusType
		if err := rows.Scan(&st.ID, &st.Name, &st.IsApproved, &st.Selectable, &st.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, nil
}

func (r Repo) InsertMilestoneDefinition(ctx context.Context, d domain.MilestoneDefinition) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO milestone_definitions(id,name,short_name,default_status_type_id,position,created_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.Name, d.ShortName, d.DefaultStatusTypeID, d.Position, d.CreatedAt)
	return err
}

func (r Repo) GetMilestoneDefinition(ctx context.Context, id string) (domain.MilestoneDefinition, error) {
	var d domain.MilestoneDefinition
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,short_name,default_status_type_id,position,created_at FROM milestone_definitions WHERE id=?`, id).
		Scan(&d.ID, &d.Name, &d.ShortName, &d.DefaultStatusTypeID, &d.Position, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListMilestoneDefinitions(ctx context.Context) ([]domain.MilestoneDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,short_name,default_status_type_id,position,created_at FROM milestone_definitions ORDER BY position ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MilestoneDefinition
	for rows.Next() {
		var d domain.MilestoneDefinition
		if err := rows.Scan(&d.ID, &d.Name, &d.ShortName, &d.DefaultStatusTypeID, &d.Position, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

const requestCols = `id,initiative_id,requester_id,accepted,review_date,payload_json,comments,deleted,created_at`

func scanRequest(row *sql.Row) (domain.TransitionRequest, error) {
	var tr domain.TransitionRequest
	var accepted sql.NullBool
	var reviewDate sql.NullString
	err := row.Scan(&tr.ID, &tr.InitiativeID, &tr.RequesterID, &accepted, &reviewDate, &tr.PayloadJSON, &tr.Comments, &tr.Deleted, &tr.CreatedAt)
	if err == sql.ErrNoRows {
		return tr, ErrNotFound
	}
	if err != nil {
		return tr, err
	}
	if accepted.Valid {
		tr.Accepted = &accepted.Bool
	}
	if reviewDate.Valid {
		tr.ReviewDate = &reviewDate.String
	}
	return tr, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, tr domain.TransitionRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transition_requests(id,initiative_id,requester_id,accepted,review_date,payload_json,comments,deleted,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		tr.ID, tr.InitiativeID, tr.RequesterID, nullableBoolPtr(tr.Accepted), nullableStringPtr(tr.ReviewDate), tr.PayloadJSON, tr.Comments, tr.Deleted, tr.CreatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.TransitionRequest, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM transition_requests WHERE id=? AND deleted=0`, id))
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.TransitionRequest, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM transition_requests WHERE id=? AND deleted=0`, id))
}

type RequestFilters struct {
	InitiativeID string
	RequesterID  string
	PendingOnly  bool
	Limit        int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.TransitionRequest, error) {
	clauses := []string{"deleted=0"}
	var args []any
	if f.InitiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, f.InitiativeID)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.PendingOnly {
		clauses = append(clauses, "accepted IS NULL")
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + requestCols + ` FROM transition_requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRequest
	for rows.Next() {
		var tr domain.TransitionRequest
		var accepted sql.NullBool
		var reviewDate sql.NullString
		if err := rows.Scan(&tr.ID, &tr.InitiativeID, &tr.RequesterID, &accepted, &reviewDate, &tr.PayloadJSON, &tr.Comments, &tr.Deleted, &tr.CreatedAt); err != nil {
			return nil, err
		}
		if accepted.Valid {
			tr.Accepted = &accepted.Bool
		}
		if reviewDate.Valid {
			tr.ReviewDate = &reviewDate.String
		}
		res = append(res, tr)
	}
	return res, nil
}

// MarkRequestReviewed flips a pending request to its terminal review
// outcome. The accepted IS NULL guard makes the review at-most-once; a
// second caller sees ErrNotFound and must map it against the loaded row.
func (r Repo) MarkRequestReviewed(ctx context.Context, tx *sql.Tx, id string, accepted bool, reviewDate string) error {
	res, err := tx.ExecContext(ctx, `UPDATE transition_requests SET accepted=?, review_date=? WHERE id=? AND accepted IS NULL AND deleted=0`,
		accepted, reviewDate, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TombstoneRequest soft-deletes a pending request. Reviewed requests
// are immutable history and cannot be tombstoned.
func (r Repo) TombstoneRequest(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE transition_requests SET deleted=1 WHERE id=? AND accepted IS NULL AND deleted=0`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const instanceCols = `id,initiative_id,definition_id,request_id,is_passed,status_type_id,approver_id,comments,passed_date,budget_id,plan_id,created_at`

func scanInstance(row *sql.Row) (domain.MilestoneInstance, error) {
	var m domain.MilestoneInstance
	var requestID, statusTypeID, approverID, passedDate, budgetID, planID sql.NullString
	err := row.Scan(&m.ID, &m.InitiativeID, &m.DefinitionID, &requestID, &m.IsPassed, &statusTypeID, &approverID, &m.Comments, &passedDate, &budgetID, &planID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if requestID.Valid {
		m.RequestID = &requestID.String
	}
	if statusTypeID.Valid {
		m.StatusTypeID = &statusTypeID.String
	}
	if approverID.Valid {
		m.ApproverID = &approverID.String
	}
	if passedDate.Valid {
		m.PassedDate = &passedDate.String
	}
	if budgetID.Valid {
		m.BudgetID = &budgetID.String
	}
	if planID.Valid {
		m.PlanID = &planID.String
	}
	return m, nil
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, m domain.MilestoneInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestone_instances(id,initiative_id,definition_id,request_id,is_passed,status_type_id,approver_id,comments,passed_date,budget_id,plan_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.InitiativeID, m.DefinitionID, nullableStringPtr(m.RequestID), m.IsPassed, nullableStringPtr(m.StatusTypeID), nullableStringPtr(m.ApproverID),
		m.Comments, nullableStringPtr(m.PassedDate), nullableStringPtr(m.BudgetID), nullableStringPtr(m.PlanID), m.CreatedAt)
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.MilestoneInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM milestone_instances WHERE id=?`, id))
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.MilestoneInstance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM milestone_instances WHERE id=?`, id))
}

type InstanceFilters struct {
	InitiativeID string
	PendingOnly  bool
	Limit        int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.MilestoneInstance, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.InitiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, f.InitiativeID)
	}
	if f.PendingOnly {
		clauses = append(clauses, "is_passed=0")
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + instanceCols + ` FROM milestone_instances ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MilestoneInstance
	for rows.Next() {
		var m domain.MilestoneInstance
		var requestID, statusTypeID, approverID, passedDate, budgetID, planID sql.NullString
		if err := rows.Scan(&m.ID, &m.InitiativeID, &m.DefinitionID, &requestID, &m.IsPassed, &statusTypeID, &approverID, &m.Comments, &passedDate, &budgetID, &planID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if requestID.Valid {
			m.RequestID = &requestID.String
		}
		if statusTypeID.Valid {
			m.StatusTypeID = &statusTypeID.String
		}
		if approverID.Valid {
			m.ApproverID = &approverID.String
		}
		if passedDate.Valid {
			m.PassedDate = &passedDate.String
		}
		if budgetID.Valid {
			m.BudgetID = &budgetID.String
		}
		if planID.Valid {
			m.PlanID = &planID.String
		}
		res = append(res, m)
	}
	return res, nil
}

type PassUpdate struct {
	StatusTypeID string
	Comments     string
	PassedDate   string
	ApproverID   *string
	BudgetID     *string
	PlanID       *string
}

// MarkInstancePassed is the terminal transition for a milestone
// instance. The is_passed=0 guard keeps it at-most-once under
// concurrent deciders.
func (r Repo) MarkInstancePassed(ctx context.Context, tx *sql.Tx, id string, u PassUpdate) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestone_instances SET is_passed=1, status_type_id=?, comments=?, passed_date=?, approver_id=?, budget_id=?, plan_id=? WHERE id=? AND is_passed=0`,
		u.StatusTypeID, u.Comments, u.PassedDate, nullableStringPtr(u.ApproverID), nullableStringPtr(u.BudgetID), nullableStringPtr(u.PlanID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.ApproverAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approver_assignments(id,instance_id,actor_id,has_approved,approval_date,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.InstanceID, a.ActorID, nullableBoolPtr(a.HasApproved), nullableStringPtr(a.ApprovalDate), a.CreatedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.ApproverAssignment, error) {
	var a domain.ApproverAssignment
	var hasApproved sql.NullBool
	var approvalDate sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT aa.id,aa.instance_id,aa.actor_id,ac.name,aa.has_approved,aa.approval_date,aa.created_at
FROM approver_assignments aa JOIN actors ac ON ac.id=aa.actor_id WHERE aa.id=?`, id).
		Scan(&a.ID, &a.InstanceID, &a.ActorID, &a.ActorName, &hasApproved, &approvalDate, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if hasApproved.Valid {
		a.HasApproved = &hasApproved.Bool
	}
	if approvalDate.Valid {
		a.ApprovalDate = &approvalDate.String
	}
	return a, nil
}

func (r Repo) ListAssignments(ctx context.Context, instanceID string) ([]domain.ApproverAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT aa.id,aa.instance_id,aa.actor_id,ac.name,aa.has_approved,aa.approval_date,aa.created_at
FROM approver_assignments aa JOIN actors ac ON ac.id=aa.actor_id WHERE aa.instance_id=? ORDER BY aa.created_at ASC, aa.id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApproverAssignment
	for rows.Next() {
		var a domain.ApproverAssignment
		var hasApproved sql.NullBool
		var approvalDate sql.NullString
		if err := rows.Scan(&a.ID, &a.InstanceID, &a.ActorID, &a.ActorName, &hasApproved, &approvalDate, &a.CreatedAt); err != nil {
			return nil, err
		}
		if hasApproved.Valid {
			a.HasApproved = &hasApproved.Bool
		}
		if approvalDate.Valid {
			a.ApprovalDate = &approvalDate.String
		}
		res = append(res, a)
	}
	return res, nil
}

// RecordVote writes a one-shot verdict. The has_approved IS NULL guard
// rejects any second vote on the same assignment, and the EXISTS clause
// keeps votes off instances a decision has already terminated, even when
// that decision committed after the caller's pre-checks.
func (r Repo) RecordVote(ctx context.Context, tx *sql.Tx, assignmentID string, approve bool, approvalDate string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approver_assignments SET has_approved=?, approval_date=?
WHERE id=? AND has_approved IS NULL
AND EXISTS (SELECT 1 FROM milestone_instances mi WHERE mi.id=approver_assignments.instance_id AND mi.is_passed=0)`,
		approve, approvalDate, assignmentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllApproversVotedTx re-scans the full assignment set inside the
// voter's transaction. Only the transaction that lands the last verdict
// observes a complete set, which is what makes the completion signal
// fire once.
func (r Repo) AllApproversVotedTx(ctx context.Context, tx *sql.Tx, instanceID string) (bool, error) {
	var total, voted int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(has_approved) FROM approver_assignments WHERE instance_id=?`, instanceID).
		Scan(&total, &voted)
	if err != nil {
		return false, err
	}
	return total > 0 && total == voted, nil
}

func (r Repo) InsertAttachment(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attachments(id,object_type,object_id,name,path,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ObjectType, a.ObjectID, a.Name, a.Path, a.CreatedAt)
	return err
}

func (r Repo) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	var a domain.Attachment
	err := r.DB.QueryRowContext(ctx, `SELECT id,object_type,object_id,name,path,created_at FROM attachments WHERE id=?`, id).
		Scan(&a.ID, &a.ObjectType, &a.ObjectID, &a.Name, &a.Path, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// RetargetAttachment moves an attachment from the request that carried
// it to the instance the review produced.
func (r Repo) RetargetAttachment(ctx context.Context, tx *sql.Tx, id, objectType, objectID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE attachments SET object_type=?, object_id=? WHERE id=?`, objectType, objectID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAttachments(ctx context.Context, objectType, objectID string) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,object_type,object_id,name,path,created_at FROM attachments WHERE object_type=? AND object_id=? ORDER BY created_at ASC, id ASC`, objectType, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.ObjectType, &a.ObjectID, &a.Name, &a.Path, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) InsertBudget(ctx context.Context, b domain.Budget) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO budgets(id,initiative_id,status,instance_id,frozen_at,created_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.InitiativeID, b.Status, nullableStringPtr(b.InstanceID), nullableStringPtr(b.FrozenAt), b.CreatedAt)
	return err
}

func (r Repo) InsertPlan(ctx context.Context, p domain.Plan) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO plans(id,initiative_id,status,instance_id,frozen_at,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.InitiativeID, p.Status, nullableStringPtr(p.InstanceID), nullableStringPtr(p.FrozenAt), p.CreatedAt)
	return err
}

func (r Repo) ListBudgets(ctx context.Context, initiativeID string) ([]domain.Budget, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,initiative_id,status,instance_id,frozen_at,created_at FROM budgets WHERE initiative_id=? ORDER BY created_at ASC, id ASC`, initiativeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Budget
	for rows.Next() {
		var b domain.Budget
		var instanceID, frozenAt sql.NullString
		if err := rows.Scan(&b.ID, &b.InitiativeID, &b.Status, &instanceID, &frozenAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		if instanceID.Valid {
			b.InstanceID = &instanceID.String
		}
		if frozenAt.Valid {
			b.FrozenAt = &frozenAt.String
		}
		res = append(res, b)
	}
	return res, nil
}

func (r Repo) ListPlans(ctx context.Context, initiativeID string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,initiative_id,status,instance_id,frozen_at,created_at FROM plans WHERE initiative_id=? ORDER BY created_at ASC, id ASC`, initiativeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		var instanceID, frozenAt sql.NullString
		if err := rows.Scan(&p.ID, &p.InitiativeID, &p.Status, &instanceID, &frozenAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		if instanceID.Valid {
			p.InstanceID = &instanceID.String
		}
		if frozenAt.Valid {
			p.FrozenAt = &frozenAt.String
		}
		res = append(res, p)
	}
	return res, nil
}

type NotificationFilters struct {
	RecipientID string
	UnreadOnly  bool
	Category    string
	Limit       int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.UnreadOnly {
		clauses = append(clauses, "is_read=0")
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,recipient_id,category,target_url,title_key,message_key,args_json,is_read,created_at FROM notifications ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Category, &n.TargetURL, &n.TitleKey, &n.MessageKey, &n.ArgsJSON, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, nil
}

func (r Repo) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, initiativeID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, initiativeID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, initiativeID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if initiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, initiativeID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,initiative_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.InitiativeID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, initiativeID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if initiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, initiativeID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,initiative_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.InitiativeID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID for an initiative.
func (r Repo) LatestEventID(ctx context.Context, initiativeID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE initiative_id=?`, initiativeID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
