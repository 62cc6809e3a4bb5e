// internal/types/action.go
package types

import (
	"strings"
	"time"
)

type Verb string

const (
	VerbConvCreate        Verb = "conv:create"
	VerbConvPublish       Verb = "conv:publish"
	VerbSubjectLock       Verb = "subject:lock"
	VerbSubjectModify     Verb = "subject:modify"
	VerbSubjectRelease    Verb = "subject:release"
	VerbMessageAdd        Verb = "message:add"
	VerbMessageLock       Verb = "message:lock"
	VerbMessageModify     Verb = "message:modify"
	VerbMessageRelease    Verb = "message:release"
	VerbMessageDelete     Verb = "message:delete"
	VerbMessageRecover    Verb = "message:recover"
	VerbParticipantAdd    Verb = "participant:add"
	VerbParticipantRemove Verb = "participant:remove"
	VerbSeen              Verb = "seen"
)

var knownVerbs = map[Verb]bool{
	VerbConvCreate: true, VerbConvPublish: true,
	VerbSubjectLock: true, VerbSubjectModify: true, VerbSubjectRelease: true,
	VerbMessageAdd: true, VerbMessageLock: true, VerbMessageModify: true,
	VerbMessageRelease: true, VerbMessageDelete: true, VerbMessageRecover: true,
	VerbParticipantAdd: true, VerbParticipantRemove: true,
	VerbSeen: true,
}

func (v Verb) Valid() bool { return knownVerbs[v] }

// Component is the part before the colon: conv, subject, message or
// participant. seen has no component of its own.
func (v Verb) Component() string {
	s := string(v)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return s[:i]
	}
	return s
}

type MsgFormat string

const (
	FormatMarkdown MsgFormat = "markdown"
	FormatPlain    MsgFormat = "plain"
	FormatHTML     MsgFormat = "html"
)

func (f MsgFormat) Valid() bool {
	return f == FormatMarkdown || f == FormatPlain || f == FormatHTML
}

// File is a reference to an attachment. Content is stored elsewhere.
type File struct {
	Hash        string `json:"hash"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ContentID   string `json:"content_id,omitempty"`
}

// Action is a committed entry of a conversation log and also its wire form.
type Action struct {
	ID          int64     `json:"id"`
	Act         Verb      `json:"act"`
	TS          time.Time `json:"ts"`
	Actor       string    `json:"actor"`
	Body        string    `json:"body,omitempty"`
	Participant string    `json:"participant,omitempty"`
	Follows     int64     `json:"follows,omitempty"`
	Parent      int64     `json:"parent,omitempty"`
	MsgFormat   MsgFormat `json:"msg_format,omitempty"`
	Files       []File    `json:"files,omitempty"`
}

// ActionInput is an action proposed by a local client. Id, actor and
// timestamp are assigned on commit.
type ActionInput struct {
	Act         Verb      `json:"act"`
	Body        string    `json:"body,omitempty"`
	Participant string    `json:"participant,omitempty"`
	Follows     int64     `json:"follows,omitempty"`
	Parent      int64     `json:"parent,omitempty"`
	MsgFormat   MsgFormat `json:"msg_format,omitempty"`
	Files       []File    `json:"files,omitempty"`
}

// Op is the decoded form of an action. Each verb has its own type carrying
// only the fields it uses.
type Op interface {
	Verb() Verb
	isOp()
}

type (
	ConvCreate  struct{ Subject string }
	ConvPublish struct{ Subject string }
	SubjectLock struct{ Follows int64 }
	SubjectModify struct {
		Follows int64
		Subject string
	}
	SubjectRelease struct{ Follows int64 }
	MessageAdd     struct {
		Body   string
		Parent int64
		Format MsgFormat
		Files  []File
	}
	MessageLock   struct{ Follows int64 }
	MessageModify struct {
		Follows int64
		Body    string
	}
	MessageRelease    struct{ Follows int64 }
	MessageDelete     struct{ Follows int64 }
	MessageRecover    struct{ Follows int64 }
	ParticipantAdd    struct{ Email string }
	ParticipantRemove struct{ Email string }
	Seen              struct{}
)

func (ConvCreate) Verb() Verb        { return VerbConvCreate }
func (ConvPublish) Verb() Verb       { return VerbConvPublish }
func (SubjectLock) Verb() Verb       { return VerbSubjectLock }
func (SubjectModify) Verb() Verb     { return VerbSubjectModify }
func (SubjectRelease) Verb() Verb    { return VerbSubjectRelease }
func (MessageAdd) Verb() Verb        { return VerbMessageAdd }
func (MessageLock) Verb() Verb       { return VerbMessageLock }
func (MessageModify) Verb() Verb     { return VerbMessageModify }
func (MessageRelease) Verb() Verb    { return VerbMessageRelease }
func (MessageDelete) Verb() Verb     { return VerbMessageDelete }
func (MessageRecover) Verb() Verb    { return VerbMessageRecover }
func (ParticipantAdd) Verb() Verb    { return VerbParticipantAdd }
func (ParticipantRemove) Verb() Verb { return VerbParticipantRemove }
func (Seen) Verb() Verb              { return VerbSeen }

func (ConvCreate) isOp()        {}
func (ConvPublish) isOp()       {}
func (SubjectLock) isOp()       {}
func (SubjectModify) isOp()     {}
func (SubjectRelease) isOp()    {}
func (MessageAdd) isOp()        {}
func (MessageLock) isOp()       {}
func (MessageModify) isOp()     {}
func (MessageRelease) isOp()    {}
func (MessageDelete) isOp()     {}
func (MessageRecover) isOp()    {}
func (ParticipantAdd) isOp()    {}
func (ParticipantRemove) isOp() {}
func (Seen) isOp()              {}

// FollowsOf returns the action id an op follows, or 0.
func FollowsOf(op Op) int64 {
	switch o := op.(type) {
	case SubjectLock:
		return o.Follows
	case SubjectModify:
		return o.Follows
	case SubjectRelease:
		return o.Follows
	case MessageLock:
		return o.Follows
	case MessageModify:
		return o.Follows
	case MessageRelease:
		return o.Follows
	case MessageDelete:
		return o.Follows
	case MessageRecover:
		return o.Follows
	}
	return 0
}

func (in ActionInput) Op() (Op, error) {
	return decodeOp(in.Act, in.Body, in.Participant, in.Follows, in.Parent, in.MsgFormat, in.Files)
}

func (a Action) Op() (Op, error) {
	return decodeOp(a.Act, a.Body, a.Participant, a.Follows, a.Parent, a.MsgFormat, a.Files)
}

func decodeOp(verb Verb, body, participant string, follows, parent int64, format MsgFormat, files []File) (Op, error) {
	if !verb.Valid() {
		return nil, BadRequest("unknown action %q", verb)
	}
	if follows < 0 || parent < 0 {
		return nil, BadRequest("%s: negative action reference", verb)
	}
	needsFollows := func() error {
		if follows == 0 {
			return BadRequest("%s: follows may not be empty", verb)
		}
		return nil
	}
	needsEmail := func() (string, error) {
		email := NormalizeEmail(participant)
		if EmailDomain(email) == "" || strings.IndexByte(email, '@') == 0 {
			return "", BadRequest("%s: participant must be an email address", verb)
		}
		return email, nil
	}

	switch verb {
	case VerbConvCreate, VerbConvPublish:
		subject := strings.TrimSpace(body)
		if subject == "" {
			return nil, BadRequest("%s: subject may not be empty", verb)
		}
		if verb == VerbConvCreate {
			return ConvCreate{Subject: subject}, nil
		}
		return ConvPublish{Subject: subject}, nil
	case VerbSubjectModify:
		if err := needsFollows(); err != nil {
			return nil, err
		}
		subject := strings.TrimSpace(body)
		if subject == "" {
			return nil, BadRequest("%s: subject may not be empty", verb)
		}
		return SubjectModify{Follows: follows, Subject: subject}, nil
	case VerbMessageAdd:
		if strings.TrimSpace(body) == "" {
			return nil, BadRequest("%s: body may not be empty", verb)
		}
		if format == "" {
			format = FormatMarkdown
		}
		if !format.Valid() {
			return nil, BadRequest("%s: unknown msg_format %q", verb, format)
		}
		return MessageAdd{Body: body, Parent: parent, Format: format, Files: files}, nil
	case VerbMessageModify:
		if err := needsFollows(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(body) == "" {
			return nil, BadRequest("%s: body may not be empty", verb)
		}
		return MessageModify{Follows: follows, Body: body}, nil
	case VerbParticipantAdd, VerbParticipantRemove:
		email, err := needsEmail()
		if err != nil {
			return nil, err
		}
		if verb == VerbParticipantAdd {
			return ParticipantAdd{Email: email}, nil
		}
		return ParticipantRemove{Email: email}, nil
	case VerbSeen:
		return Seen{}, nil
	}

	if err := needsFollows(); err != nil {
		return nil, err
	}
	switch verb {
	case VerbSubjectLock:
		return SubjectLock{Follows: follows}, nil
	case VerbSubjectRelease:
		return SubjectRelease{Follows: follows}, nil
	case VerbMessageLock:
		return MessageLock{Follows: follows}, nil
	case VerbMessageRelease:
		return MessageRelease{Follows: follows}, nil
	case VerbMessageDelete:
		return MessageDelete{Follows: follows}, nil
	default:
		return MessageRecover{Follows: follows}, nil
	}
}

// Encode turns an op back into an unnumbered action record.
func Encode(op Op) Action {
	a := Action{Act: op.Verb(), Follows: FollowsOf(op)}
	switch o := op.(type) {
	case ConvCreate:
		a.Body = o.Subject
	case ConvPublish:
		a.Body = o.Subject
	case SubjectModify:
		a.Body = o.Subject
	case MessageAdd:
		a.Body = o.Body
		a.Parent = o.Parent
		a.MsgFormat = o.Format
		a.Files = o.Files
	case MessageModify:
		a.Body = o.Body
	case ParticipantAdd:
		a.Participant = o.Email
	case ParticipantRemove:
		a.Participant = o.Email
	}
	return a
}
