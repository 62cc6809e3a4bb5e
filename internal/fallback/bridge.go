// Package fallback bridges em2 conversations and plain email for
// participants whose domain runs no em2 node.
package fallback

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/user/em2/internal/engine"
	"github.com/user/em2/internal/store"
	"github.com/user/em2/internal/types"
)

// ConvHeader carries the conversation key on outbound mail.
const ConvHeader = "X-Em2-Conversation"

// Applier commits actions that arrive by email. The service implements it
// so that committed actions are pushed like any local edit.
type Applier interface {
	Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error)
	Create(ctx context.Context, actor string, req engine.CreateRequest) (*engine.ApplyResult, error)
}

type Options struct {
	Store      *store.Store
	Transports *Registry
	Provider   string
	FromDomain string
	Client     *http.Client
}

type Bridge struct {
	store      *store.Store
	transports *Registry
	provider   string
	fromDomain string
	client     *http.Client
	applier    Applier
}

func New(opts Options) *Bridge {
	b := &Bridge{
		store:      opts.Store,
		transports: opts.Transports,
		provider:   opts.Provider,
		fromDomain: opts.FromDomain,
		client:     opts.Client,
	}
	if b.transports == nil {
		b.transports = NewRegistry()
	}
	if b.provider == "" {
		b.provider = "log"
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: 10 * time.Second}
	}
	return b
}

// SetApplier wires inbound mail to the service. Receive fails until it is set.
func (b *Bridge) SetApplier(a Applier) { b.applier = a }

// Send mails the parts of actions that make sense as email to emails and
// records the Message-ID so replies can be threaded.
func (b *Bridge) Send(ctx context.Context, convKey string, actions []types.Action, emails []string) error {
	if len(emails) == 0 {
		return nil
	}
	transport, err := b.transports.Get(b.provider)
	if err != nil {
		return err
	}
	conv, err := b.store.ConversationByKey(ctx, convKey)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", convKey, err)
	}
	log, err := b.store.Actions(ctx, conv.ID, 0)
	if err != nil {
		return fmt.Errorf("load actions: %w", err)
	}
	view := engine.Fold(log)

	out := compose(view, actions, emails)
	if out == nil {
		slog.Debug("nothing to mail", "conv", convKey, "actions", len(actions))
		return nil
	}

	refs, err := b.store.MessageIDs(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("load message ids: %w", err)
	}
	domain := b.fromDomain
	if domain == "" {
		domain = types.EmailDomain(out.from)
	}
	messageID := types.NewMessageID(domain)
	raw, err := buildMIME(out, convKey, messageID, refs, time.Now().UTC())
	if err != nil {
		return err
	}

	env := &Envelope{From: out.from, To: emails, MessageID: messageID, Raw: raw}
	send := &types.Send{ConvID: conv.ID, ActionID: out.actionID, Outbound: true, MessageID: messageID}
	if err := transport.Send(ctx, env); err != nil {
		if types.IsKind(err, types.KindTransient) {
			return err
		}
		send.Status = types.SendFailed
		send.Detail = err.Error()
		if rerr := b.store.InsertSend(ctx, send); rerr != nil {
			slog.Error("record failed send", "conv", convKey, "error", rerr)
		}
		return err
	}
	send.Status = types.SendSent
	if err := b.store.InsertSend(ctx, send); err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	slog.Info("fallback email sent", "conv", convKey, "message_id", messageID, "recipients", len(emails))
	return nil
}

type outgoing struct {
	from     string
	to       []string
	subject  string
	text     string
	actionID int64
}

// compose picks the triggering action of a batch. A publish, or adding one of
// the recipients, mails the whole conversation; new messages mail only
// themselves. Anything else produces no email.
func compose(view *types.ConvView, actions []types.Action, emails []string) *outgoing {
	recipients := make(map[string]bool, len(emails))
	for _, e := range emails {
		recipients[e] = true
	}

	var trigger *types.Action
	full := false
	var added []types.Action
	for i := range actions {
		a := &actions[i]
		switch {
		case a.Act == types.VerbConvPublish:
			trigger, full = a, true
		case a.Act == types.VerbParticipantAdd && recipients[a.Participant] && trigger == nil:
			trigger, full = a, true
		case a.Act == types.VerbMessageAdd:
			added = append(added, *a)
		}
	}
	if trigger == nil && len(added) > 0 {
		trigger = &added[len(added)-1]
	}
	if trigger == nil {
		return nil
	}

	out := &outgoing{
		from:     trigger.Actor,
		to:       emails,
		subject:  view.Subject,
		actionID: trigger.ID,
	}
	var sb strings.Builder
	if full {
		engine.Walk(view.Messages, func(m *types.MessageView) {
			if m.Deleted {
				return
			}
			fmt.Fprintf(&sb, "%s:\n\n%s\n\n", m.Author, m.Body)
		})
	} else {
		for _, a := range added {
			sb.WriteString(a.Body)
			sb.WriteString("\n\n")
		}
	}
	out.text = strings.TrimSpace(sb.String())
	return out
}

func buildMIME(out *outgoing, convKey, messageID string, refs []string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := []struct{ k, v string }{
		{"From", out.from},
		{"To", strings.Join(out.to, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", out.subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", "<" + messageID + ">"},
		{ConvHeader, convKey},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + mw.Boundary()},
	}
	if len(refs) > 0 {
		angled := make([]string, len(refs))
		for i, r := range refs {
			angled[i] = "<" + r + ">"
		}
		h = append(h, struct{ k, v string }{"In-Reply-To", angled[len(angled)-1]})
		h = append(h, struct{ k, v string }{"References", strings.Join(angled, " ")})
	}
	var head bytes.Buffer
	for _, kv := range h {
		fmt.Fprintf(&head, "%s: %s\r\n", kv.k, kv.v)
	}
	head.WriteString("\r\n")

	parts := []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", out.text},
		{"text/html; charset=utf-8", textToHTML(out.text)},
	}
	for _, p := range parts {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(p.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append(head.Bytes(), buf.Bytes()...), nil
}

func textToHTML(text string) string {
	var sb strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		if para = strings.TrimSpace(para); para == "" {
			continue
		}
		sb.WriteString("<p>")
		sb.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		sb.WriteString("</p>\n")
	}
	return sb.String()
}
