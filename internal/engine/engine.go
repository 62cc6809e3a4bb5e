// Package engine validates and commits conversation actions. Every change to
// a conversation goes through one of Apply, ApplyRemote, Create or Publish,
// each of which runs in a single store transaction.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/user/em2/internal/store"
	"github.com/user/em2/internal/types"
)

type Engine struct {
	store *store.Store
	now   func() time.Time
}

func New(s *store.Store) *Engine {
	return &Engine{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ApplyRequest is a batch of actions proposed by one local user.
type ApplyRequest struct {
	Key     string
	Actor   string
	Actions []types.ActionInput
	// Publishing creates a new published conversation from the batch, which
	// must consist of participant:add, message:add and a final conv:publish.
	Publishing bool
}

type ApplyResult struct {
	Conv    *types.Conversation
	Actions []types.Action
	Created bool
}

func (r *ApplyResult) ActionIDs() []int64 {
	ids := make([]int64, len(r.Actions))
	for i, a := range r.Actions {
		ids[i] = a.ID
	}
	return ids
}

// Apply commits a batch of local actions. Either all actions are committed
// with contiguous ids or none are.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	actor, err := checkActor(req.Actor)
	if err != nil {
		return nil, err
	}
	if len(req.Actions) == 0 {
		return nil, types.BadRequest("no actions")
	}
	ops := make([]types.Op, len(req.Actions))
	for i, in := range req.Actions {
		if ops[i], err = in.Op(); err != nil {
			return nil, err
		}
	}

	if req.Publishing {
		if req.Key != "" {
			return nil, types.BadRequest("publishing creates a new conversation, key must be empty")
		}
		return e.createPublished(ctx, actor, ops)
	}
	if req.Key == "" {
		return nil, types.BadRequest("conversation key required")
	}

	var result *ApplyResult
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		conv, err := lookup(tx, req.Key)
		if err != nil {
			return err
		}
		existing, err := tx.Actions(conv.ID)
		if err != nil {
			return err
		}
		st := newState(conv.Creator, conv.Published(), existing)
		now := e.now()

		added := make([]types.Action, 0, len(ops))
		for _, op := range ops {
			a := types.Encode(op)
			a.TS = now
			if a, err = st.next(actor, op, a); err != nil {
				return err
			}
			added = append(added, a)
		}
		if err := commit(tx, conv, existing, added); err != nil {
			return err
		}
		result = &ApplyResult{Conv: conv, Actions: added}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) createPublished(ctx context.Context, actor string, ops []types.Op) (*ApplyResult, error) {
	if _, ok := ops[len(ops)-1].(types.ConvPublish); !ok {
		return nil, types.BadRequest("publishing must end with conv:publish")
	}
	if add, ok := ops[0].(types.ParticipantAdd); !ok || add.Email != actor {
		ops = append([]types.Op{types.ParticipantAdd{Email: actor}}, ops...)
	}

	now := e.now()
	st := newCreatingState(actor)
	added, err := buildLog(st, actor, now, ops)
	if err != nil {
		return nil, err
	}
	if st.creating {
		return nil, types.BadRequest("conversation must be published")
	}

	conv := &types.Conversation{
		Key:     types.PublishedKey(actor, now, st.subject),
		Creator: actor,
		Created: now,
		Updated: now,
	}
	conv.PublishTS = &now
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.ConversationByKey(conv.Key); err == nil {
			return types.Conflict("conversation already exists")
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return insertConversation(tx, conv, added)
	})
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Conv: conv, Actions: added, Created: true}, nil
}

// CreateRequest describes a new conversation started by a local user.
type CreateRequest struct {
	Subject      string
	Message      string
	MsgFormat    types.MsgFormat
	Files        []types.File
	Participants []string
	Publish      bool
}

// Create starts a conversation. Unless req.Publish is set the conversation is
// a draft visible only to its creator.
func (e *Engine) Create(ctx context.Context, actor string, req CreateRequest) (*ApplyResult, error) {
	actor, err := checkActor(actor)
	if err != nil {
		return nil, err
	}
	inputs := make([]types.ActionInput, 0, len(req.Participants)+3)
	inputs = append(inputs, types.ActionInput{Act: types.VerbParticipantAdd, Participant: actor})
	for _, p := range req.Participants {
		if types.NormalizeEmail(p) == actor {
			continue
		}
		inputs = append(inputs, types.ActionInput{Act: types.VerbParticipantAdd, Participant: p})
	}
	inputs = append(inputs, types.ActionInput{
		Act:       types.VerbMessageAdd,
		Body:      req.Message,
		MsgFormat: req.MsgFormat,
		Files:     req.Files,
	})

	if req.Publish {
		inputs = append(inputs, types.ActionInput{Act: types.VerbConvPublish, Body: req.Subject})
		return e.Apply(ctx, ApplyRequest{Actor: actor, Actions: inputs, Publishing: true})
	}
	inputs = append(inputs, types.ActionInput{Act: types.VerbConvCreate, Body: req.Subject})

	ops := make([]types.Op, len(inputs))
	for i, in := range inputs {
		if ops[i], err = in.Op(); err != nil {
			return nil, err
		}
	}
	now := e.now()
	added, err := buildLog(newCreatingState(actor), actor, now, ops)
	if err != nil {
		return nil, err
	}
	conv := &types.Conversation{
		Key:     types.NewDraftKey(),
		Creator: actor,
		Created: now,
		Updated: now,
	}
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		return insertConversation(tx, conv, added)
	})
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Conv: conv, Actions: added, Created: true}, nil
}

// Publish turns a draft into a published conversation. The draft log is
// replaced by participant:add for every participant, message:add for every
// live message and a final conv:publish, and the key becomes permanent.
func (e *Engine) Publish(ctx context.Context, key, actor string) (*ApplyResult, error) {
	actor, err := checkActor(actor)
	if err != nil {
		return nil, err
	}

	var result *ApplyResult
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		conv, err := lookup(tx, key)
		if err != nil {
			return err
		}
		if conv.Published() {
			return types.BadRequest("Conversation already published")
		}
		if conv.Creator != actor {
			return types.BadRequest("only the creator may publish a conversation")
		}
		existing, err := tx.Actions(conv.ID)
		if err != nil {
			return err
		}
		view := Fold(existing)

		ops := []types.Op{types.ParticipantAdd{Email: conv.Creator}}
		for _, p := range view.Participants {
			if p != conv.Creator {
				ops = append(ops, types.ParticipantAdd{Email: p})
			}
		}
		// message:add ids in the new log are assigned in the same order as
		// the old ones, so parents can be remapped as we go
		var live []*types.MessageView
		Walk(view.Messages, func(m *types.MessageView) {
			if !m.Deleted {
				live = append(live, m)
			}
		})
		sortByID(live)
		remap := make(map[int64]int64, len(live))
		nextID := int64(len(ops))
		for _, m := range live {
			nextID++
			remap[m.ID] = nextID
			ops = append(ops, types.MessageAdd{Body: m.Body, Parent: remap[m.Parent], Format: m.Format, Files: m.Files})
		}
		ops = append(ops, types.ConvPublish{Subject: view.Subject})

		now := e.now()
		added, err := buildLog(newCreatingState(actor), actor, now, ops)
		if err != nil {
			return err
		}
		if err := tx.DeleteActions(conv.ID); err != nil {
			return err
		}
		conv.DraftKey = conv.Key
		conv.Key = types.PublishedKey(conv.Creator, now, view.Subject)
		conv.PublishTS = &now
		if err := commit(tx, conv, nil, added); err != nil {
			return err
		}
		result = &ApplyResult{Conv: conv, Actions: added}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyRemote commits actions pushed by another node. Only the node that
// leads the conversation may push to it. Actions already held are skipped
// after checking they match the local copy. The remainder must continue the
// local log without a gap, otherwise types.ErrResyncRequired is returned and
// nothing is applied.
func (e *Engine) ApplyRemote(ctx context.Context, key, node string, actions []types.Action) (*ApplyResult, error) {
	if len(actions) == 0 {
		return nil, types.BadRequest("no actions")
	}
	if !types.IsPublishedKey(key) {
		return nil, types.BadRequest("invalid conversation key")
	}
	ops := make([]types.Op, len(actions))
	for i := range actions {
		if i > 0 && actions[i].ID != actions[i-1].ID+1 {
			return nil, types.ErrResyncRequired
		}
		actor, err := checkActor(actions[i].Actor)
		if err != nil {
			return nil, err
		}
		if actions[i].TS.IsZero() {
			return nil, types.BadRequest("action %d: ts required", actions[i].ID)
		}
		actions[i].Actor = actor
		actions[i].TS = actions[i].TS.UTC()
		if ops[i], err = actions[i].Op(); err != nil {
			return nil, err
		}
	}

	var result *ApplyResult
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		conv, err := tx.ConversationByKey(key)
		if errors.Is(err, store.ErrNotFound) {
			if actions[0].ID != 1 {
				return types.ErrResyncRequired
			}
			conv, added, err := remoteConversation(key, node, actions, ops)
			if err != nil {
				return err
			}
			if err := insertConversation(tx, conv, added); err != nil {
				return err
			}
			result = &ApplyResult{Conv: conv, Actions: added, Created: true}
			return nil
		}
		if err != nil {
			return err
		}
		if !conv.Published() {
			return types.BadRequest("conversation not published")
		}
		if conv.LeaderNode != node {
			return types.Conflict("%s does not lead conversation %s", node, key)
		}

		existing, err := tx.Actions(conv.ID)
		if err != nil {
			return err
		}
		start := 0
		for start < len(actions) && actions[start].ID <= conv.LastActionID {
			if !heldAs(existing, canonical(actions[start], ops[start])) {
				return types.Conflict("action %d differs from the one held", actions[start].ID)
			}
			start++
		}
		if start == len(actions) {
			result = &ApplyResult{Conv: conv}
			return nil
		}
		if actions[start].ID != conv.LastActionID+1 {
			return types.ErrResyncRequired
		}

		st := newState(conv.Creator, true, existing)
		added := make([]types.Action, 0, len(actions)-start)
		for i := start; i < len(actions); i++ {
			a, err := st.next(actions[i].Actor, ops[i], canonical(actions[i], ops[i]))
			if err != nil {
				return err
			}
			added = append(added, a)
		}
		if err := commit(tx, conv, existing, added); err != nil {
			return err
		}
		result = &ApplyResult{Conv: conv, Actions: added}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func remoteConversation(key, node string, actions []types.Action, ops []types.Op) (*types.Conversation, []types.Action, error) {
	creator := actions[0].Actor
	st := newCreatingState(creator)
	added := make([]types.Action, 0, len(actions))
	var publishTS time.Time
	for i := range actions {
		a, err := st.next(actions[i].Actor, ops[i], canonical(actions[i], ops[i]))
		if err != nil {
			return nil, nil, err
		}
		if a.Act == types.VerbConvPublish && publishTS.IsZero() {
			publishTS = a.TS
		}
		added = append(added, a)
	}
	if !st.published {
		return nil, nil, types.BadRequest("conversation must be published")
	}
	conv := &types.Conversation{
		Key:        key,
		Creator:    creator,
		Created:    actions[0].TS,
		Updated:    actions[0].TS,
		PublishTS:  &publishTS,
		LeaderNode: node,
	}
	return conv, added, nil
}

// heldAs reports whether log already holds a under the same id. Timestamps
// are not compared.
func heldAs(log []types.Action, a types.Action) bool {
	if a.ID < 1 || a.ID > int64(len(log)) {
		return false
	}
	h := log[a.ID-1]
	return h.ID == a.ID && h.Act == a.Act && h.Actor == a.Actor && h.Body == a.Body &&
		h.Participant == a.Participant && h.Follows == a.Follows && h.Parent == a.Parent &&
		h.MsgFormat == a.MsgFormat
}

// canonical re-encodes a received action from its decoded op so normalized
// fields are stored.
func canonical(a types.Action, op types.Op) types.Action {
	c := types.Encode(op)
	c.ID = a.ID
	c.Actor = a.Actor
	c.TS = a.TS
	return c
}

// View folds the log of a conversation. Drafts are only visible to their
// creator and published conversations to participants; an empty viewer
// skips the check.
func (e *Engine) View(ctx context.Context, key, viewer string) (*types.ConvView, *types.Conversation, []types.Action, error) {
	conv, err := e.store.ConversationByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, types.NotFound("conversation %s not found", key)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	actions, err := e.store.Actions(ctx, conv.ID, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	view := Fold(actions)
	view.Key = conv.Key
	if viewer != "" {
		viewer = types.NormalizeEmail(viewer)
		allowed := viewer == conv.Creator
		if conv.Published() {
			for _, p := range view.Participants {
				allowed = allowed || p == viewer
			}
		}
		if !allowed {
			return nil, nil, nil, types.NotFound("conversation %s not found", key)
		}
	}
	return view, conv, actions, nil
}

func buildLog(st *convState, actor string, now time.Time, ops []types.Op) ([]types.Action, error) {
	added := make([]types.Action, 0, len(ops))
	for _, op := range ops {
		a := types.Encode(op)
		a.TS = now
		a, err := st.next(actor, op, a)
		if err != nil {
			return nil, err
		}
		added = append(added, a)
	}
	return added, nil
}

func insertConversation(tx *store.Tx, conv *types.Conversation, added []types.Action) error {
	if err := tx.EnsureUser(conv.Creator); err != nil {
		return err
	}
	if err := tx.InsertConversation(conv); err != nil {
		return err
	}
	return commit(tx, conv, nil, added)
}

// commit writes newly accepted actions, updates the participant projection
// and the conversation header.
func commit(tx *store.Tx, conv *types.Conversation, existing, added []types.Action) error {
	for i := range added {
		a := &added[i]
		if err := tx.EnsureUser(a.Actor); err != nil {
			return err
		}
		if err := tx.InsertAction(conv.ID, a); err != nil {
			return err
		}
		var err error
		switch a.Act {
		case types.VerbParticipantAdd:
			err = tx.AddParticipant(conv.ID, a.Participant)
		case types.VerbParticipantRemove:
			err = tx.RemoveParticipant(conv.ID, a.Participant)
		case types.VerbSeen:
			err = tx.MarkSeen(conv.ID, a.Actor)
		case types.VerbMessageAdd, types.VerbMessageModify, types.VerbMessageDelete,
			types.VerbMessageRecover, types.VerbSubjectModify, types.VerbConvPublish:
			err = tx.MarkUnseen(conv.ID, a.Actor)
		}
		if err != nil {
			return err
		}
	}

	last := added[len(added)-1]
	all := append(append(make([]types.Action, 0, len(existing)+len(added)), existing...), added...)
	conv.LastActionID = last.ID
	conv.Updated = last.TS
	conv.Details = details(Fold(all), last)
	return tx.UpdateConversation(conv)
}

func lookup(tx *store.Tx, key string) (*types.Conversation, error) {
	conv, err := tx.ConversationByKey(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NotFound("conversation %s not found", key)
	}
	return conv, err
}

func checkActor(actor string) (string, error) {
	actor = types.NormalizeEmail(actor)
	if types.EmailDomain(actor) == "" || strings.HasPrefix(actor, "@") {
		return "", types.BadRequest("invalid actor %q", actor)
	}
	return actor, nil
}
