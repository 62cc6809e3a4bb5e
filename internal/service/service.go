// Package service is the single entry point for changes to conversations.
// Every commit is broadcast to connected local users and, for published
// conversations led by this node, queued for push to other participants.
// Edits on conversations led elsewhere are committed by the leader first.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/user/em2/internal/engine"
	"github.com/user/em2/internal/store"
	"github.com/user/em2/internal/types"
)

// Pusher queues committed actions for delivery.
type Pusher interface {
	Enqueue(convKey string, actions []types.Action, recipients []types.Recipient) error
}

// Forwarder hands actions on a conversation led elsewhere to its leader. The
// leader answers with the ids it assigned and its log after since.
type Forwarder interface {
	Forward(ctx context.Context, leader, convKey, actor string, since int64, actions []types.ActionInput) ([]int64, []types.Action, error)
}

type Service struct {
	engine      *engine.Engine
	store       *store.Store
	pusher      Pusher
	broadcaster types.Broadcaster
	forwarder   Forwarder
}

func New(e *engine.Engine, s *store.Store, p Pusher, b types.Broadcaster) *Service {
	return &Service{engine: e, store: s, pusher: p, broadcaster: b}
}

// SetForwarder makes local edits on remote led conversations go through
// their leader. Without one they are committed locally.
func (s *Service) SetForwarder(f Forwarder) {
	s.forwarder = f
}

func (s *Service) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	if s.forwarder != nil && !req.Publishing && req.Key != "" {
		conv, err := s.store.ConversationByKey(ctx, req.Key)
		switch {
		case err == nil && conv.LeaderNode != "":
			return s.forward(ctx, conv, req)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	res, err := s.engine.Apply(ctx, req)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, res, true)
	return res, nil
}

// forward commits req on the leader, then applies the leader's log locally.
// The leader pushes to everyone else.
func (s *Service) forward(ctx context.Context, conv *types.Conversation, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	actor := types.NormalizeEmail(req.Actor)
	ids, log, err := s.forwarder.Forward(ctx, conv.LeaderNode, conv.Key, actor, conv.LastActionID, req.Actions)
	if err != nil {
		return nil, err
	}
	res, err := s.ApplyRemote(ctx, conv.Key, conv.LeaderNode, log)
	if err != nil {
		return nil, err
	}
	assigned := make(map[int64]bool, len(ids))
	for _, id := range ids {
		assigned[id] = true
	}
	out := &engine.ApplyResult{Conv: res.Conv}
	for _, a := range log {
		if assigned[a.ID] {
			out.Actions = append(out.Actions, a)
		}
	}
	return out, nil
}

// ApplyForwarded commits actions another node proposed for one of its users
// on a conversation led here, and returns the log after since so the
// follower can catch up.
func (s *Service) ApplyForwarded(ctx context.Context, key, actor string, since int64, actions []types.ActionInput) (*engine.ApplyResult, []types.Action, error) {
	conv, err := s.store.ConversationByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, types.NotFound("conversation %s not found", key)
	}
	if err != nil {
		return nil, nil, err
	}
	if !conv.Published() {
		return nil, nil, types.BadRequest("conversation not published")
	}
	if conv.LeaderNode != "" {
		return nil, nil, types.Conflict("conversation %s is led by %s", key, conv.LeaderNode)
	}

	res, err := s.engine.Apply(ctx, engine.ApplyRequest{Key: key, Actor: actor, Actions: actions})
	if err != nil {
		return nil, nil, err
	}
	s.notify(ctx, res, true)
	log, err := s.store.Actions(ctx, conv.ID, since)
	if err != nil {
		return nil, nil, err
	}
	return res, log, nil
}

func (s *Service) Create(ctx context.Context, actor string, req engine.CreateRequest) (*engine.ApplyResult, error) {
	res, err := s.engine.Create(ctx, actor, req)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, res, true)
	return res, nil
}

func (s *Service) Publish(ctx context.Context, key, actor string) (*engine.ApplyResult, error) {
	res, err := s.engine.Publish(ctx, key, actor)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, res, true)
	return res, nil
}

// ApplyRemote commits a batch pushed by another node. The sending node is
// responsible for delivery to everyone else, so nothing is pushed onward.
func (s *Service) ApplyRemote(ctx context.Context, key, node string, actions []types.Action) (*engine.ApplyResult, error) {
	res, err := s.engine.ApplyRemote(ctx, key, node, actions)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, res, false)
	return res, nil
}

func (s *Service) View(ctx context.Context, key, viewer string) (*types.ConvView, *types.Conversation, []types.Action, error) {
	return s.engine.View(ctx, key, viewer)
}

func (s *Service) List(ctx context.Context, email string, limit int) ([]*types.Conversation, error) {
	return s.store.ListConversations(ctx, types.NormalizeEmail(email), limit)
}

// notify runs after commit. Failures are logged and never undo the commit.
func (s *Service) notify(ctx context.Context, res *engine.ApplyResult, push bool) {
	if res == nil || len(res.Actions) == 0 {
		return
	}
	recipients, err := s.store.Recipients(ctx, res.Conv.ID)
	if err != nil {
		slog.Error("load recipients", "conv", res.Conv.Key, "error", err)
		return
	}

	if s.broadcaster != nil {
		emails := make([]string, len(recipients))
		for i, r := range recipients {
			emails[i] = r.Email
		}
		s.broadcaster.Broadcast(emails, res.Conv.Key, res.Actions)
	}

	if !push || !res.Conv.Published() || s.pusher == nil {
		return
	}
	if err := s.pusher.Enqueue(res.Conv.Key, res.Actions, recipients); err != nil {
		slog.Error("enqueue push", "conv", res.Conv.Key, "error", err)
	}
}
