package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/user/em2/internal/types"
)

// ErrDuplicateMessageID is returned by InsertSend when the Message-ID is
// already recorded.
var ErrDuplicateMessageID = types.Conflict("message id already recorded")

const sendColumns = `id, conv, action_id, outbound, message_id, status, detail, created_ts, updated_ts`

func (s *Store) InsertSend(ctx context.Context, send *types.Send) error {
	now := time.Now().UTC()
	if send.Created.IsZero() {
		send.Created = now
	}
	send.Updated = now
	return s.retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO sends (conv, action_id, outbound, message_id, status, detail, created_ts, updated_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			send.ConvID, nullInt(send.ActionID), boolToInt(send.Outbound), send.MessageID,
			string(send.Status), nullString(send.Detail), formatTime(send.Created), formatTime(send.Updated),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return ErrDuplicateMessageID
			}
			return err
		}
		send.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) SendByMessageID(ctx context.Context, messageID string) (*types.Send, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sendColumns+` FROM sends WHERE message_id = ?`, messageID)
	return scanSend(row)
}

// ConversationByMessageIDs finds the conversation that one of ids was sent
// or received in. Later ids win, matching References order.
func (s *Store) ConversationByMessageIDs(ctx context.Context, ids []string) (*types.Conversation, *types.Send, error) {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == "" {
			continue
		}
		send, err := s.SendByMessageID(ctx, ids[i])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		row := s.db.QueryRowContext(ctx, `SELECT `+convColumns+` FROM conversations WHERE id = ?`, send.ConvID)
		conv, err := scanConversation(row)
		if err != nil {
			return nil, nil, err
		}
		return conv, send, nil
	}
	return nil, nil, ErrNotFound
}

// MessageIDs returns every Message-ID recorded for a conversation, oldest
// first.
func (s *Store) MessageIDs(ctx context.Context, convID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id FROM sends WHERE conv = ? ORDER BY id`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateSendStatus sets the delivery status of an outbound email. It reports
// false when the Message-ID is unknown.
func (s *Store) UpdateSendStatus(ctx context.Context, messageID string, status types.SendStatus, detail string) (bool, error) {
	var found bool
	err := s.retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sends SET status = ?, detail = ?, updated_ts = ? WHERE message_id = ?`,
			string(status), nullString(detail), formatTime(time.Now()), messageID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		found = n > 0
		return err
	})
	return found, err
}

// CountSends counts sends with the given status updated since the given time.
func (s *Store) CountSends(ctx context.Context, status types.SendStatus, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sends WHERE status = ? AND updated_ts >= ?`,
		string(status), formatTime(since)).Scan(&n)
	return n, err
}

func scanSend(row rowScanner) (*types.Send, error) {
	var send types.Send
	var actionID sql.NullInt64
	var outbound int
	var status, created, updated string
	var detail sql.NullString
	err := row.Scan(&send.ID, &send.ConvID, &actionID, &outbound, &send.MessageID, &status, &detail, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	send.ActionID = actionID.Int64
	send.Outbound = outbound != 0
	send.Status = types.SendStatus(status)
	send.Detail = detail.String
	if send.Created, err = parseTime(created); err != nil {
		return nil, err
	}
	if send.Updated, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &send, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
