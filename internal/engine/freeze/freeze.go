// Package freeze captures the resource side effects of passing a
// milestone: the open budget and plan of the initiative are frozen
// against the passed instance and fresh open successors are created, so
// the next review period starts from a clean sheet.
package freeze

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Freezer runs inside the caller's transaction; any failure must roll
// back the whole milestone passage.
type Freezer interface {
	PassMilestone(ctx context.Context, tx *sql.Tx, initiativeID, instanceID string, approved bool) (budgetID, planID string, err error)
}

// Store is the SQL-backed Freezer.
type Store struct {
	Now func() time.Time
}

func (s Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// PassMilestone freezes the open budget and plan of the initiative and
// opens successors. When the outcome is an approval it also clears the
// initiative's concept flag. Returns the IDs of the frozen rows so the
// instance can record which snapshot it sealed.
func (s Store) PassMilestone(ctx context.Context, tx *sql.Tx, initiativeID, instanceID string, approved bool) (string, string, error) {
	now := s.now()
	budgetID, err := s.freezeOne(ctx, tx, "budgets", initiativeID, instanceID, now)
	if err != nil {
		return "", "", fmt.Errorf("freeze budget: %w", err)
	}
	planID, err := s.freezeOne(ctx, tx, "plans", initiativeID, instanceID, now)
	if err != nil {
		return "", "", fmt.Errorf("freeze plan: %w", err)
	}
	if approved {
		if _, err := tx.ExecContext(ctx, `UPDATE initiatives SET is_concept=0 WHERE id=?`, initiativeID); err != nil {
			return "", "", fmt.Errorf("clear concept flag: %w", err)
		}
	}
	return budgetID, planID, nil
}

// freezeOne closes the single open row of the table for the initiative
// and inserts an open successor. An initiative without an open row gets
// one created frozen-free; the table name is always a compile-time
// constant here, never user input.
func (s Store) freezeOne(ctx context.Context, tx *sql.Tx, table, initiativeID, instanceID, now string) (string, error) {
	var openID string
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE initiative_id=? AND status='open' ORDER BY created_at ASC LIMIT 1`, table), initiativeID).Scan(&openID)
	if err == sql.ErrNoRows {
		openID = ""
	} else if err != nil {
		return "", err
	}
	if openID != "" {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status='frozen', instance_id=?, frozen_at=? WHERE id=? AND status='open'`, table),
			instanceID, now, openID)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", fmt.Errorf("open row %s vanished during freeze", openID)
		}
	}
	successor := uuid.NewString()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(id,initiative_id,status,created_at) VALUES (?,?,'open',?)`, table),
		successor, initiativeID, now); err != nil {
		return "", err
	}
	return openID, nil
}
