package engine

import (
	"sort"
	"unicode/utf8"

	"github.com/user/em2/internal/types"
)

// Fold derives the conversation state from a complete action log. Two nodes
// holding the same log produce the same view.
func Fold(actions []types.Action) *types.ConvView {
	v := &types.ConvView{Messages: []*types.MessageView{}}
	if len(actions) == 0 {
		return v
	}
	v.Creator = actions[0].Actor
	v.Created = actions[0].TS

	participants := make(map[string]bool)
	messages := make(map[int64]*types.MessageView)
	// owner maps any message action id to the message:add id it belongs to
	owner := make(map[int64]int64)
	var order []int64

	for _, a := range actions {
		v.LastActionID = a.ID
		switch a.Act {
		case types.VerbConvCreate, types.VerbConvPublish:
			v.Subject = a.Body
			v.Published = a.Act == types.VerbConvPublish
			v.SubjectLock = ""
		case types.VerbSubjectLock:
			v.SubjectLock = a.Actor
		case types.VerbSubjectModify:
			v.Subject = a.Body
			v.SubjectLock = ""
		case types.VerbSubjectRelease:
			v.SubjectLock = ""
		case types.VerbParticipantAdd:
			participants[a.Participant] = true
		case types.VerbParticipantRemove:
			delete(participants, a.Participant)
		case types.VerbMessageAdd:
			format := a.MsgFormat
			if format == "" {
				format = types.FormatMarkdown
			}
			messages[a.ID] = &types.MessageView{
				ID:         a.ID,
				LastAction: a.ID,
				Author:     a.Actor,
				Body:       a.Body,
				Format:     format,
				Parent:     a.Parent,
				Created:    a.TS,
				Updated:    a.TS,
				Files:      a.Files,
			}
			owner[a.ID] = a.ID
			order = append(order, a.ID)
		case types.VerbMessageLock, types.VerbMessageModify, types.VerbMessageRelease,
			types.VerbMessageDelete, types.VerbMessageRecover:
			m := messages[owner[a.Follows]]
			if m == nil {
				continue
			}
			owner[a.ID] = m.ID
			m.LastAction = a.ID
			m.Updated = a.TS
			switch a.Act {
			case types.VerbMessageLock:
				m.LockedBy = a.Actor
			case types.VerbMessageModify:
				m.Body = a.Body
				m.LockedBy = ""
			case types.VerbMessageRelease:
				m.LockedBy = ""
			case types.VerbMessageDelete:
				m.Deleted = true
			case types.VerbMessageRecover:
				m.Deleted = false
			}
		}
	}

	v.Participants = make([]string, 0, len(participants))
	for p := range participants {
		v.Participants = append(v.Participants, p)
	}
	sort.Strings(v.Participants)

	for _, id := range order {
		m := messages[id]
		if parent, ok := messages[m.Parent]; ok && m.Parent != 0 {
			parent.Children = append(parent.Children, m)
			continue
		}
		v.Messages = append(v.Messages, m)
	}
	return v
}

// Walk visits every message of the view depth first in creation order.
func Walk(msgs []*types.MessageView, fn func(m *types.MessageView)) {
	for _, m := range msgs {
		fn(m)
		Walk(m.Children, fn)
	}
}

const snippetLength = 140

func details(v *types.ConvView, last types.Action) *types.ConvDetails {
	d := &types.ConvDetails{
		Act:       last.Act,
		Actor:     last.Actor,
		Subject:   v.Subject,
		PrtsCount: len(v.Participants),
	}
	var latest *types.MessageView
	Walk(v.Messages, func(m *types.MessageView) {
		if m.Deleted {
			return
		}
		d.MsgsCount++
		if latest == nil || m.LastAction > latest.LastAction {
			latest = m
		}
	})
	if latest != nil {
		d.Snippet = snippet(latest.Body)
	}
	return d
}

func snippet(body string) string {
	if utf8.RuneCountInString(body) <= snippetLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:snippetLength-1]) + "…"
}

func sortByID(msgs []*types.MessageView) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
}
