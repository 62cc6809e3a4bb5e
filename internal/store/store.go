// Package store keeps conversations, their action logs, participants, user
// classifications and fallback email records in SQLite.
//
// Writers open transactions with BEGIN IMMEDIATE, so two writers touching
// the same conversation are serialized and the second one sees the first
// one's committed log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/em2/internal/types"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		email      TEXT PRIMARY KEY,
		user_type  TEXT NOT NULL DEFAULT 'new',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		key            TEXT NOT NULL UNIQUE,
		draft_key      TEXT,
		creator        TEXT NOT NULL REFERENCES users(email),
		created_ts     TEXT NOT NULL,
		updated_ts     TEXT NOT NULL,
		publish_ts     TEXT,
		last_action_id INTEGER NOT NULL DEFAULT 0,
		leader_node    TEXT,
		details        TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_draft_key ON conversations(draft_key);

	CREATE TABLE IF NOT EXISTS participants (
		conv     INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		email    TEXT NOT NULL REFERENCES users(email),
		inbox    INTEGER NOT NULL DEFAULT 1,
		seen     INTEGER NOT NULL DEFAULT 0,
		deleted  INTEGER NOT NULL DEFAULT 0,
		spam     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (conv, email)
	);
	CREATE INDEX IF NOT EXISTS idx_participants_email ON participants(email);

	CREATE TABLE IF NOT EXISTS actions (
		conv        INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		id          INTEGER NOT NULL,
		act         TEXT NOT NULL,
		actor       TEXT NOT NULL REFERENCES users(email),
		ts          TEXT NOT NULL,
		body        TEXT,
		participant TEXT,
		follows     INTEGER,
		parent      INTEGER,
		msg_format  TEXT,
		files       TEXT,
		PRIMARY KEY (conv, id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_actions_follows ON actions(conv, follows) WHERE follows IS NOT NULL;

	CREATE TABLE IF NOT EXISTS sends (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		conv       INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		action_id  INTEGER,
		outbound   INTEGER NOT NULL,
		message_id TEXT NOT NULL UNIQUE,
		status     TEXT NOT NULL,
		detail     TEXT,
		created_ts TEXT NOT NULL,
		updated_ts TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sends_conv ON sends(conv, id);

	CREATE TABLE IF NOT EXISTS push_outbox (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		conv_key   TEXT NOT NULL,
		actions    TEXT NOT NULL,
		recipients TEXT NOT NULL,
		attempt    INTEGER NOT NULL,
		due_ts     TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = types.NotFound("not found")

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// Tx is a write transaction. It must not escape the WithTx callback.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// WithTx runs fn in a write transaction and commits if fn returns nil. On
// lock contention the whole callback is retried, so fn must not have side
// effects outside the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.retryOnContention(ctx, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer sqlTx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if err := fn(&Tx{ctx: ctx, tx: sqlTx}); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

const convColumns = `id, key, draft_key, creator, created_ts, updated_ts, publish_ts, last_action_id, leader_node, details`

func (s *Store) ConversationByKey(ctx context.Context, key string) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx, convByKeyQuery, key, key, key)
	return scanConversation(row)
}

// ConversationByKey also matches the draft key a published conversation
// was created under.
func (tx *Tx) ConversationByKey(key string) (*types.Conversation, error) {
	row := tx.tx.QueryRowContext(tx.ctx, convByKeyQuery, key, key, key)
	return scanConversation(row)
}

const convByKeyQuery = `SELECT ` + convColumns + ` FROM conversations WHERE key = ? OR draft_key = ? ORDER BY key = ? DESC LIMIT 1`

// ListConversations returns the conversations email takes part in, most
// recently updated first.
func (s *Store) ListConversations(ctx context.Context, email string, limit int) ([]*types.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.key, c.draft_key, c.creator, c.created_ts, c.updated_ts, c.publish_ts, c.last_action_id, c.leader_node, c.details
		 FROM conversations c JOIN participants p ON p.conv = c.id
		 WHERE p.email = ? AND p.deleted = 0
		 ORDER BY c.updated_ts DESC LIMIT ?`, email, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*types.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (tx *Tx) InsertConversation(c *types.Conversation) error {
	details, err := marshalDetails(c.Details)
	if err != nil {
		return err
	}
	res, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO conversations (key, creator, created_ts, updated_ts, publish_ts, last_action_id, leader_node, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Key, c.Creator, formatTime(c.Created), formatTime(c.Updated), formatTimePtr(c.PublishTS),
		c.LastActionID, nullString(c.LeaderNode), details,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (tx *Tx) UpdateConversation(c *types.Conversation) error {
	details, err := marshalDetails(c.Details)
	if err != nil {
		return err
	}
	_, err = tx.tx.ExecContext(tx.ctx,
		`UPDATE conversations SET key = ?, draft_key = ?, updated_ts = ?, publish_ts = ?, last_action_id = ?, leader_node = ?, details = ?
		 WHERE id = ?`,
		c.Key, nullString(c.DraftKey), formatTime(c.Updated), formatTimePtr(c.PublishTS), c.LastActionID,
		nullString(c.LeaderNode), details, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var c types.Conversation
	var created, updated string
	var draftKey, publishTS, leader, details sql.NullString
	err := row.Scan(&c.ID, &c.Key, &draftKey, &c.Creator, &created, &updated, &publishTS, &c.LastActionID, &leader, &details)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Created, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.Updated, err = parseTime(updated); err != nil {
		return nil, err
	}
	if publishTS.Valid {
		t, err := parseTime(publishTS.String)
		if err != nil {
			return nil, err
		}
		c.PublishTS = &t
	}
	c.DraftKey = draftKey.String
	c.LeaderNode = leader.String
	if details.Valid && details.String != "" {
		c.Details = &types.ConvDetails{}
		if err := json.Unmarshal([]byte(details.String), c.Details); err != nil {
			return nil, fmt.Errorf("decode details for %s: %w", c.Key, err)
		}
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

const actionColumns = `id, act, actor, ts, body, participant, follows, parent, msg_format, files`

// Actions returns the actions of a conversation with id greater than afterID,
// in id order.
func (s *Store) Actions(ctx context.Context, convID, afterID int64) ([]types.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE conv = ? AND id > ? ORDER BY id`, convID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

// ActionsByKey returns the complete log of a conversation.
func (s *Store) ActionsByKey(ctx context.Context, key string) ([]types.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.act, a.actor, a.ts, a.body, a.participant, a.follows, a.parent, a.msg_format, a.files
		 FROM actions a JOIN conversations c ON c.id = a.conv
		 WHERE c.key = ? ORDER BY a.id`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

func (tx *Tx) Actions(convID int64) ([]types.Action, error) {
	rows, err := tx.tx.QueryContext(tx.ctx,
		`SELECT `+actionColumns+` FROM actions WHERE conv = ? ORDER BY id`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

func (tx *Tx) InsertAction(convID int64, a *types.Action) error {
	var files any
	if len(a.Files) > 0 {
		data, err := json.Marshal(a.Files)
		if err != nil {
			return err
		}
		files = string(data)
	}
	_, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO actions (conv, id, act, actor, ts, body, participant, follows, parent, msg_format, files)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		convID, a.ID, string(a.Act), a.Actor, formatTime(a.TS), nullString(a.Body), nullString(a.Participant),
		nullInt(a.Follows), nullInt(a.Parent), nullString(string(a.MsgFormat)), files,
	)
	if err != nil {
		return fmt.Errorf("insert action %d: %w", a.ID, err)
	}
	return nil
}

// DeleteActions drops the whole log of a conversation. Used when a draft is
// rebuilt on publish.
func (tx *Tx) DeleteActions(convID int64) error {
	_, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM actions WHERE conv = ?`, convID)
	return err
}

func scanActions(rows *sql.Rows) ([]types.Action, error) {
	var actions []types.Action
	for rows.Next() {
		var a types.Action
		var act, ts string
		var body, participant, format, files sql.NullString
		var follows, parent sql.NullInt64
		if err := rows.Scan(&a.ID, &act, &a.Actor, &ts, &body, &participant, &follows, &parent, &format, &files); err != nil {
			return nil, err
		}
		var err error
		if a.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		a.Act = types.Verb(act)
		a.Body = body.String
		a.Participant = participant.String
		a.Follows = follows.Int64
		a.Parent = parent.Int64
		a.MsgFormat = types.MsgFormat(format.String)
		if files.Valid && files.String != "" {
			if err := json.Unmarshal([]byte(files.String), &a.Files); err != nil {
				return nil, fmt.Errorf("decode files of action %d: %w", a.ID, err)
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ---------------------------------------------------------------------------
// Users and participants
// ---------------------------------------------------------------------------

func (tx *Tx) EnsureUser(email string) error {
	_, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO users (email, user_type, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		email, string(types.UserNew), formatTime(time.Now()))
	return err
}

func (tx *Tx) AddParticipant(convID int64, email string) error {
	if err := tx.EnsureUser(email); err != nil {
		return err
	}
	_, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO participants (conv, email) VALUES (?, ?)
		 ON CONFLICT(conv, email) DO UPDATE SET deleted = 0, inbox = 1`,
		convID, email)
	return err
}

func (tx *Tx) RemoveParticipant(convID int64, email string) error {
	_, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM participants WHERE conv = ? AND email = ?`, convID, email)
	return err
}

// MarkUnseen clears the seen flag of every participant except actor.
func (tx *Tx) MarkUnseen(convID int64, actor string) error {
	_, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE participants SET seen = 0, inbox = 1 WHERE conv = ? AND email != ?`, convID, actor)
	return err
}

func (tx *Tx) MarkSeen(convID int64, email string) error {
	_, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE participants SET seen = 1 WHERE conv = ? AND email = ?`, convID, email)
	return err
}

// Recipients returns the participants of a conversation with their cached
// user type.
func (s *Store) Recipients(ctx context.Context, convID int64) ([]types.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.email, u.user_type FROM participants p JOIN users u ON u.email = p.email
		 WHERE p.conv = ? ORDER BY p.email`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Recipient
	for rows.Next() {
		var r types.Recipient
		var ut string
		if err := rows.Scan(&r.Email, &ut); err != nil {
			return nil, err
		}
		r.Type = types.UserType(ut)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UserType(ctx context.Context, email string) (types.UserType, error) {
	var ut string
	err := s.db.QueryRowContext(ctx, `SELECT user_type FROM users WHERE email = ?`, email).Scan(&ut)
	if errors.Is(err, sql.ErrNoRows) {
		return types.UserNew, nil
	}
	return types.UserType(ut), err
}

// SetUserType writes t for email and reports whether the stored value changed.
func (s *Store) SetUserType(ctx context.Context, email string, t types.UserType) (bool, error) {
	var changed bool
	err := s.retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO users (email, user_type, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(email) DO UPDATE SET user_type = excluded.user_type, updated_at = excluded.updated_at
			 WHERE users.user_type != excluded.user_type`,
			email, string(t), formatTime(time.Now()))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n > 0
		return err
	})
	return changed, err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func marshalDetails(d *types.ConvDetails) (any, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
