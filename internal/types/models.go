// internal/types/models.go
package types

import (
	"time"
)

// Conversation is the stored header of a conversation. The log itself lives
// in the actions table.
type Conversation struct {
	ID           int64        `json:"-"`
	Key          string       `json:"key"`
	DraftKey     string       `json:"-"`
	Creator      string       `json:"creator"`
	Created      time.Time    `json:"created"`
	Updated      time.Time    `json:"updated"`
	PublishTS    *time.Time   `json:"publish_ts,omitempty"`
	LastActionID int64        `json:"last_action_id"`
	LeaderNode   string       `json:"leader_node,omitempty"`
	Details      *ConvDetails `json:"details,omitempty"`
}

func (c *Conversation) Published() bool { return c.PublishTS != nil }

// ConvDetails is a snapshot used for list views: latest act, actor, subject
// and message snippet.
type ConvDetails struct {
	Act       Verb   `json:"act"`
	Actor     string `json:"actor"`
	Subject   string `json:"subject"`
	Snippet   string `json:"snippet,omitempty"`
	PrtsCount int    `json:"prts"`
	MsgsCount int    `json:"msgs"`
}

type UserType string

const (
	UserNew         UserType = "new"
	UserLocal       UserType = "local"
	UserRemoteEm2   UserType = "remote_em2"
	UserRemoteOther UserType = "remote_other"
)

// Recipient is a participant together with its cached classification.
type Recipient struct {
	Email string   `json:"email"`
	Type  UserType `json:"user_type"`
}

// PendingPush is a push waiting for delivery. Due is when the next attempt
// may run.
type PendingPush struct {
	ID         int64
	ConvKey    string
	Actions    []Action
	Recipients []Recipient
	Attempt    int
	Due        time.Time
}

// ConvView is the state obtained by folding a conversation's action log.
type ConvView struct {
	Key          string         `json:"key"`
	Subject      string         `json:"subject"`
	Creator      string         `json:"creator"`
	Created      time.Time      `json:"created"`
	Published    bool           `json:"published"`
	SubjectLock  string         `json:"subject_lock,omitempty"`
	Participants []string       `json:"participants"`
	Messages     []*MessageView `json:"messages"`
	LastActionID int64          `json:"last_action_id"`
}

type MessageView struct {
	// ID is the id of the message:add action that created the message.
	ID         int64          `json:"id"`
	LastAction int64          `json:"last_action"`
	Author     string         `json:"author"`
	Body       string         `json:"body"`
	Format     MsgFormat      `json:"format"`
	Parent     int64          `json:"parent,omitempty"`
	Created    time.Time      `json:"created"`
	Updated    time.Time      `json:"updated"`
	Deleted    bool           `json:"deleted,omitempty"`
	LockedBy   string         `json:"locked_by,omitempty"`
	Files      []File         `json:"files,omitempty"`
	Children   []*MessageView `json:"children,omitempty"`
}

type SendStatus string

const (
	SendPending   SendStatus = "pending"
	SendSent      SendStatus = "sent"
	SendFailed    SendStatus = "failed"
	SendDelivered SendStatus = "delivered"
	SendBounced   SendStatus = "bounce"
	SendComplaint SendStatus = "complaint"
	SendReceived  SendStatus = "received"
)

// Send records one email crossing the fallback bridge in either direction.
type Send struct {
	ID        int64      `json:"id"`
	ConvID    int64      `json:"conv"`
	ActionID  int64      `json:"action_id,omitempty"`
	Outbound  bool       `json:"outbound"`
	MessageID string     `json:"message_id"`
	Status    SendStatus `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	Created   time.Time  `json:"created"`
	Updated   time.Time  `json:"updated"`
}
