// internal/types/interfaces.go
package types

import (
	"context"
)

// NodeResolver answers where an address is hosted. An empty node with a nil
// error means the address has no em2 node and is reached by email.
type NodeResolver interface {
	GetEm2Node(ctx context.Context, email string) (string, error)
	CheckLocal(ctx context.Context, email string) (bool, error)
	Forget(email string)
}

type UserTypeStore interface {
	// SetUserType stores t and reports whether it differed from the previous value.
	SetUserType(ctx context.Context, email string, t UserType) (bool, error)
}

type ActionLog interface {
	ActionsByKey(ctx context.Context, key string) ([]Action, error)
}

// PushOutbox keeps queued pushes across restarts.
type PushOutbox interface {
	SavePendingPush(ctx context.Context, p *PendingPush) error
	DeletePendingPush(ctx context.Context, id int64) error
	PendingPushes(ctx context.Context) ([]PendingPush, error)
}

// FallbackSender delivers actions to participants without an em2 node.
type FallbackSender interface {
	Send(ctx context.Context, convKey string, actions []Action, emails []string) error
}

// Broadcaster pushes committed actions to the local realtime clients of the
// given users.
type Broadcaster interface {
	Broadcast(emails []string, convKey string, actions []Action)
}
