package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification categories.
const (
	CategoryApproval    = "milestone.approval"
	CategoryRequest     = "request.review"
	CategoryInformation = "information"
)

// Message keys. The UI layer owns the translations; the workflow only
// records which message applies and with what arguments.
const (
	KeyVoteRequiredTitle    = "milestone.vote.required.title"
	KeyVoteRequiredMessage  = "milestone.vote.required.message"
	KeyReviewPendingTitle   = "milestone.review.pending.title"
	KeyReviewPendingMessage = "milestone.review.pending.message"
	KeyApprovedTitle        = "milestone.approved.title"
	KeyApprovedMessage      = "milestone.approved.message"
	KeyRejectedTitle        = "milestone.rejected.title"
	KeyRejectedMessage      = "milestone.rejected.message"
	KeyDecideReadyTitle     = "milestone.decide.ready.title"
	KeyDecideReadyMessage   = "milestone.decide.ready.message"
	KeyRequestRejectedTitle = "request.rejected.title"
	KeyRequestRejectedMsg   = "request.rejected.message"
)

// Notifier delivers workflow messages to actors. NotifyTx joins the
// caller's transaction so the delivery commits or rolls back with the
// state change; Notify is standalone for post-commit signals.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, category, targetURL, titleKey, messageKey string, args ...string) error
	NotifyTx(ctx context.Context, tx *sql.Tx, recipients []string, category, targetURL, titleKey, messageKey string, args ...string) error
}

// Store persists notifications in the local database.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) Notify(ctx context.Context, recipients []string, category, targetURL, titleKey, messageKey string, args ...string) error {
	return s.write(ctx, nil, recipients, category, targetURL, titleKey, messageKey, args)
}

func (s Store) NotifyTx(ctx context.Context, tx *sql.Tx, recipients []string, category, targetURL, titleKey, messageKey string, args ...string) error {
	return s.write(ctx, tx, recipients, category, targetURL, titleKey, messageKey, args)
}

func (s Store) write(ctx context.Context, tx *sql.Tx, recipients []string, category, targetURL, titleKey, messageKey string, args []string) error {
	if s.Now == nil {
		s.Now = time.Now
	}
	now := s.Now().UTC().Format(time.RFC3339)
	if args == nil {
		args = []string{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal notification args: %w", err)
	}
	exec := func(query string, execArgs ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, execArgs...)
		}
		return s.DB.ExecContext(ctx, query, execArgs...)
	}
	seen := map[string]bool{}
	for _, recipient := range recipients {
		if recipient == "" || seen[recipient] {
			continue
		}
		seen[recipient] = true
		_, err := exec(`INSERT INTO notifications(id,recipient_id,category,target_url,title_key,message_key,args_json,is_read,created_at) VALUES (?,?,?,?,?,?,?,0,?)`,
			uuid.NewString(), recipient, category, targetURL, titleKey, messageKey, string(data), now)
		if err != nil {
			return err
		}
	}
	return nil
}
