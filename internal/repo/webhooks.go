package repo

import (
	"context"
)

type Webhook struct {
	ID         string
	URL        string
	EventTypes string
	Cursor     int64
	CreatedAt  string
}

func (r Repo) InsertWebhook(ctx context.Context, w Webhook) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhooks(id,url,event_types,cursor,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.URL, w.EventTypes, w.Cursor, w.CreatedAt)
	return err
}

func (r Repo) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,url,event_types,cursor,created_at FROM webhooks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.URL, &w.EventTypes, &w.Cursor, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWebhook(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhooks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWebhookCursor advances the delivery cursor. Guarded so a slow
// worker never rewinds a faster one.
func (r Repo) SetWebhookCursor(ctx context.Context, id string, cursor int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE webhooks SET cursor=? WHERE id=? AND cursor<?`, cursor, id, cursor)
	return err
}
