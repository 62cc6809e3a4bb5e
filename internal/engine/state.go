package engine

import (
	"github.com/user/em2/internal/types"
)

// convState indexes a conversation log so a proposed action can be checked
// against it. Actions are appended with record once accepted.
type convState struct {
	creator      string
	lastID       int64
	byID         map[int64]*types.Action
	followedBy   map[int64]int64
	participants map[string]bool
	messages     int

	// creating is true while the actions that start a conversation are
	// being checked. It ends with conv:create or conv:publish.
	creating  bool
	published bool
	subject   string
}

func newState(creator string, published bool, actions []types.Action) *convState {
	s := &convState{
		creator:      creator,
		published:    published,
		byID:         make(map[int64]*types.Action, len(actions)),
		followedBy:   make(map[int64]int64),
		participants: make(map[string]bool),
	}
	for i := range actions {
		s.record(actions[i])
	}
	return s
}

func newCreatingState(creator string) *convState {
	s := newState(creator, false, nil)
	s.creating = true
	return s
}

func (s *convState) record(a types.Action) {
	stored := a
	s.byID[a.ID] = &stored
	if a.Follows != 0 {
		s.followedBy[a.Follows] = a.ID
	}
	s.lastID = a.ID
	switch a.Act {
	case types.VerbParticipantAdd:
		s.participants[a.Participant] = true
	case types.VerbParticipantRemove:
		delete(s.participants, a.Participant)
	case types.VerbMessageAdd:
		s.messages++
	case types.VerbConvCreate:
		s.creating = false
		s.subject = a.Body
	case types.VerbConvPublish:
		s.creating = false
		s.published = true
		s.subject = a.Body
	case types.VerbSubjectModify:
		s.subject = a.Body
	}
}

// next assigns the next id to op and records it after checking it.
func (s *convState) next(actor string, op types.Op, a types.Action) (types.Action, error) {
	if err := s.check(actor, op); err != nil {
		return types.Action{}, err
	}
	a.ID = s.lastID + 1
	a.Actor = actor
	s.record(a)
	return a, nil
}

func (s *convState) check(actor string, op types.Op) error {
	if s.creating {
		return s.checkCreating(actor, op)
	}
	if !s.participants[actor] {
		return types.BadRequest("%s is not a participant", actor)
	}
	if !s.published && actor != s.creator {
		return types.BadRequest("conversation not published")
	}

	switch o := op.(type) {
	case types.ConvCreate, types.ConvPublish:
		return types.BadRequest("%s is only permitted when creating a conversation", op.Verb())
	case types.ParticipantAdd:
		if s.participants[o.Email] {
			return types.BadRequest("user %s already a participant", o.Email)
		}
		return nil
	case types.ParticipantRemove:
		if !s.participants[o.Email] {
			return types.BadRequest("user %s is not a participant", o.Email)
		}
		return nil
	case types.MessageAdd:
		return s.checkParent(o.Parent)
	case types.Seen:
		return nil
	}
	return s.checkFollows(actor, op)
}

// checkCreating allows participant:add and message:add from the creator until
// the conversation is created or published.
func (s *convState) checkCreating(actor string, op types.Op) error {
	if actor != s.creator {
		return types.BadRequest("all actions creating a conversation must be by its creator")
	}
	switch o := op.(type) {
	case types.ParticipantAdd:
		if len(s.participants) == 0 && o.Email != actor {
			return types.BadRequest("the creator must be the first participant")
		}
		if s.participants[o.Email] {
			return types.BadRequest("user %s already a participant", o.Email)
		}
		return nil
	case types.MessageAdd:
		if len(s.participants) == 0 {
			return types.BadRequest("the creator must be the first participant")
		}
		return s.checkParent(o.Parent)
	case types.ConvCreate, types.ConvPublish:
		if !s.participants[s.creator] {
			return types.BadRequest("the creator must be a participant")
		}
		if s.messages == 0 {
			return types.BadRequest("a conversation needs at least one message")
		}
		return nil
	}
	return types.BadRequest("%s is not permitted when creating a conversation", op.Verb())
}

func (s *convState) checkParent(parent int64) error {
	if parent == 0 {
		return nil
	}
	p, ok := s.byID[parent]
	if !ok || p.Act != types.VerbMessageAdd {
		return types.BadRequest("parent %d is not a message:add action", parent)
	}
	return nil
}

func (s *convState) checkFollows(actor string, op types.Op) error {
	follows := types.FollowsOf(op)
	f, ok := s.byID[follows]
	if !ok {
		return types.BadRequest("%s: follows action %d not found", op.Verb(), follows)
	}

	switch op.Verb().Component() {
	case "message":
		if f.Act.Component() != "message" {
			return types.BadRequest("%s must follow a message action", op.Verb())
		}
	case "subject":
		if f.Act.Component() != "subject" && f.Act != types.VerbConvCreate && f.Act != types.VerbConvPublish {
			return types.BadRequest("%s must follow a subject action", op.Verb())
		}
	}

	if _, taken := s.followedBy[follows]; taken {
		return types.Conflict("other actions already follow action %d", follows)
	}

	lockedByOther := func(lock types.Verb, what string) error {
		if f.Act != lock {
			return nil
		}
		if f.Actor != actor {
			return types.Conflict("%s locked, action not possible", what)
		}
		return types.BadRequest("%s locked by you, modify or release it first", what)
	}

	switch op.(type) {
	case types.MessageLock, types.MessageDelete:
		if err := lockedByOther(types.VerbMessageLock, "message"); err != nil {
			return err
		}
		if f.Act == types.VerbMessageDelete {
			return types.BadRequest("message deleted, action not possible")
		}
	case types.MessageModify:
		if f.Act != types.VerbMessageLock {
			return types.BadRequest("message:modify must follow message:lock")
		}
		if f.Actor != actor {
			return types.Conflict("message locked, action not possible")
		}
	case types.MessageRelease:
		if f.Act != types.VerbMessageLock {
			return types.BadRequest("message:release must follow message:lock")
		}
	case types.MessageRecover:
		if f.Act != types.VerbMessageDelete {
			return types.BadRequest("message:recover must follow message:delete")
		}
	case types.SubjectLock:
		return lockedByOther(types.VerbSubjectLock, "subject")
	case types.SubjectModify:
		if f.Act != types.VerbSubjectLock {
			return types.BadRequest("subject:modify must follow subject:lock")
		}
		if f.Actor != actor {
			return types.Conflict("subject locked, action not possible")
		}
	case types.SubjectRelease:
		if f.Act != types.VerbSubjectLock {
			return types.BadRequest("subject:release must follow subject:lock")
		}
	}
	return nil
}
