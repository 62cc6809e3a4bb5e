package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/em2/internal/types"
)

// SavePendingPush records p and sets its ID.
func (s *Store) SavePendingPush(ctx context.Context, p *types.PendingPush) error {
	actions, err := json.Marshal(p.Actions)
	if err != nil {
		return err
	}
	recipients, err := json.Marshal(p.Recipients)
	if err != nil {
		return err
	}
	return s.retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO push_outbox (conv_key, actions, recipients, attempt, due_ts) VALUES (?, ?, ?, ?, ?)`,
			p.ConvKey, string(actions), string(recipients), p.Attempt, formatTime(p.Due))
		if err != nil {
			return err
		}
		p.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) DeletePendingPush(ctx context.Context, id int64) error {
	return s.retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM push_outbox WHERE id = ?`, id)
		return err
	})
}

// PendingPushes returns every recorded push, oldest first.
func (s *Store) PendingPushes(ctx context.Context) ([]types.PendingPush, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conv_key, actions, recipients, attempt, due_ts FROM push_outbox ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.PendingPush
	for rows.Next() {
		var p types.PendingPush
		var actions, recipients, due string
		if err := rows.Scan(&p.ID, &p.ConvKey, &actions, &recipients, &p.Attempt, &due); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(actions), &p.Actions); err != nil {
			return nil, fmt.Errorf("decode actions of pending push %d: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(recipients), &p.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients of pending push %d: %w", p.ID, err)
		}
		if p.Due, err = parseTime(due); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
