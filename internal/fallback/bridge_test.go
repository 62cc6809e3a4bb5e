package fallback

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/em2/internal/engine"
	"github.com/user/em2/internal/store"
	"github.com/user/em2/internal/types"
)

type captureTransport struct {
	mu   sync.Mutex
	sent []*Envelope
	err  error
}

func (c *captureTransport) Send(ctx context.Context, env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, env)
	return nil
}

type testEnv struct {
	store     *store.Store
	engine    *engine.Engine
	bridge    *Bridge
	transport *captureTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "em2.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	capture := &captureTransport{}
	reg := NewRegistry()
	reg.Register("capture", capture)
	reg.Register("smtp", NewSMTPTransport(SMTPConfig{}))
	eng := engine.New(s)
	b := New(Options{Store: s, Transports: reg, Provider: "capture", FromDomain: "local.example"})
	b.SetApplier(eng)
	return &testEnv{store: s, engine: eng, bridge: b, transport: capture}
}

func (e *testEnv) publish(t *testing.T) *engine.ApplyResult {
	t.Helper()
	res, err := e.engine.Create(context.Background(), "alice@local.example", engine.CreateRequest{
		Subject:      "Quarterly plan",
		Message:      "First draft attached.",
		Participants: []string{"dave@plain.example"},
		Publish:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestSendRecordsMessageID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.publish(t)
	key := res.Conv.Key

	if err := env.bridge.Send(ctx, key, res.Actions, []string{"dave@plain.example"}); err != nil {
		t.Fatal(err)
	}
	if len(env.transport.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(env.transport.sent))
	}
	first := env.transport.sent[0]
	raw := string(first.Raw)
	for _, want := range []string{
		"Subject: Quarterly plan",
		"Message-ID: <" + first.MessageID + ">",
		ConvHeader + ": " + key,
		"First draft attached.",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("email missing %q", want)
		}
	}
	if !strings.HasSuffix(first.MessageID, "@local.example") {
		t.Errorf("message id %q", first.MessageID)
	}
	send, err := env.store.SendByMessageID(ctx, first.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if send.Status != types.SendSent || !send.Outbound {
		t.Fatalf("send = %+v", send)
	}

	next, err := env.engine.Apply(ctx, engine.ApplyRequest{
		Key:     key,
		Actor:   "alice@local.example",
		Actions: []types.ActionInput{{Act: types.VerbMessageAdd, Body: "Second thoughts."}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.bridge.Send(ctx, key, next.Actions, []string{"dave@plain.example"}); err != nil {
		t.Fatal(err)
	}
	second := string(env.transport.sent[1].Raw)
	if !strings.Contains(second, "In-Reply-To: <"+first.MessageID+">") {
		t.Errorf("reply not threaded:\n%s", second)
	}
	if strings.Contains(second, "First draft attached.") {
		t.Errorf("reply should carry only the new message")
	}
}

func TestSendSkipsNonMailableActions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.publish(t)

	lock, err := env.engine.Apply(ctx, engine.ApplyRequest{
		Key:     res.Conv.Key,
		Actor:   "alice@local.example",
		Actions: []types.ActionInput{{Act: types.VerbMessageLock, Follows: 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.bridge.Send(ctx, res.Conv.Key, lock.Actions, []string{"dave@plain.example"}); err != nil {
		t.Fatal(err)
	}
	if len(env.transport.sent) != 0 {
		t.Fatalf("lock should not be mailed")
	}
}

func TestSendNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.bridge.provider = "smtp"
	res := env.publish(t)

	err := env.bridge.Send(context.Background(), res.Conv.Key, res.Actions, []string{"dave@plain.example"})
	if !types.IsKind(err, types.KindNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	n, err := env.store.CountSends(context.Background(), types.SendFailed, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected the failure to be recorded, got %d", n)
	}
}

const plainEmail = "From: Dave <Dave@Plain.Example>\r\n" +
	"To: alice@local.example, erin@local.example\r\n" +
	"Subject: =?utf-8?q?Lunch_=E2=98=95?=\r\n" +
	"Message-ID: <abc123@plain.example>\r\n" +
	"Date: Mon, 02 Jan 2032 10:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Shall we meet at noon?\r\n" +
	"\r\n" +
	"-- \r\n" +
	"Dave\r\n"

func TestParseEmail(t *testing.T) {
	em, err := ParseEmail([]byte(plainEmail))
	if err != nil {
		t.Fatal(err)
	}
	if em.From != "dave@plain.example" || em.MessageID != "abc123@plain.example" {
		t.Errorf("from %q message id %q", em.From, em.MessageID)
	}
	if em.Subject != "Lunch ☕" {
		t.Errorf("subject %q", em.Subject)
	}
	if len(em.To) != 2 || em.To[1] != "erin@local.example" {
		t.Errorf("to %v", em.To)
	}
	body, format := NormalizeBody(em)
	if body != "Shall we meet at noon?" || format != types.FormatPlain {
		t.Errorf("body %q format %q", body, format)
	}
}

func TestParseMultipartEmail(t *testing.T) {
	attachment := base64.StdEncoding.EncodeToString([]byte("hello file"))
	raw := "From: dave@plain.example\r\n" +
		"To: alice@local.example\r\n" +
		"Subject: Re: Quarterly plan\r\n" +
		"Message-ID: <r1@plain.example>\r\n" +
		"In-Reply-To: <m2@local.example>\r\n" +
		"References: <m1@local.example> <m2@local.example>\r\n" +
		"Content-Type: multipart/mixed; boundary=outer\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=inner\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"Looks good=21\r\n" +
		"--inner\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>Looks <strong>good</strong>!</p><blockquote>old text</blockquote>\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: text/plain; name=notes.txt\r\n" +
		"Content-Disposition: attachment; filename=notes.txt\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		attachment + "\r\n" +
		"--outer--\r\n"

	em, err := ParseEmail([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if em.Text != "Looks good!" {
		t.Errorf("text %q", em.Text)
	}
	if !strings.Contains(em.HTML, "<strong>good</strong>") {
		t.Errorf("html %q", em.HTML)
	}
	if em.InReplyTo != "m2@local.example" || len(em.References) != 2 || em.References[0] != "m1@local.example" {
		t.Errorf("threading %q %v", em.InReplyTo, em.References)
	}
	if len(em.Files) != 1 || em.Files[0].Name != "notes.txt" || em.Files[0].Size != 10 {
		t.Fatalf("files %+v", em.Files)
	}

	body, format := NormalizeBody(em)
	if format != types.FormatMarkdown {
		t.Errorf("format %q", format)
	}
	if !strings.Contains(body, "**good**") || strings.Contains(body, "old text") {
		t.Errorf("body %q", body)
	}
}

func TestStripReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"quoted lines", "yes\n> did you?\n> really", "yes"},
		{"reply header", "fine\n\nOn Mon, 2 Jan 2032, Alice wrote:\n> hi", "fine"},
		{"outlook", "ok\n-----Original Message-----\nFrom: x", "ok"},
		{"signature", "thanks\n-- \nDave\nCEO", "thanks"},
		{"only quote", "> all quoted", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripReply(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReceiveNewConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	em, err := ParseEmail([]byte(plainEmail))
	if err != nil {
		t.Fatal(err)
	}

	ids, err := env.bridge.Receive(ctx, em, []string{"alice@local.example"}, "test:1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) == 0 {
		t.Fatal("no actions applied")
	}
	send, err := env.store.SendByMessageID(ctx, "abc123@plain.example")
	if err != nil {
		t.Fatal(err)
	}
	if send.Outbound || send.Status != types.SendReceived || send.Detail != "test:1" {
		t.Fatalf("send = %+v", send)
	}
	conv, _, err := env.store.ConversationByMessageIDs(ctx, []string{"abc123@plain.example"})
	if err != nil {
		t.Fatal(err)
	}
	if conv.Creator != "dave@plain.example" || !conv.Published() {
		t.Fatalf("conversation = %+v", conv)
	}

	again, err := env.bridge.Receive(ctx, em, []string{"alice@local.example"}, "test:1")
	if err != nil || again != nil {
		t.Fatalf("duplicate delivery applied %v, %v", again, err)
	}
}

func TestReceiveReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.publish(t)
	key := res.Conv.Key
	if err := env.bridge.Send(ctx, key, res.Actions, []string{"dave@plain.example"}); err != nil {
		t.Fatal(err)
	}
	outbound := env.transport.sent[0].MessageID

	// frank was cc'd by dave and is not a participant yet
	raw := "From: frank@plain.example\r\n" +
		"To: alice@local.example\r\n" +
		"Subject: Re: Quarterly plan\r\n" +
		"Message-ID: <f1@plain.example>\r\n" +
		"In-Reply-To: <" + outbound + ">\r\n" +
		"\r\n" +
		"Count me in.\r\n"
	em, err := ParseEmail([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	ids, err := env.bridge.Receive(ctx, em, []string{"alice@local.example"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected participant:add and message:add, got %v", ids)
	}

	view, _, _, err := env.engine.View(ctx, key, "alice@local.example")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range view.Participants {
		found = found || p == "frank@plain.example"
	}
	if !found {
		t.Errorf("frank not added: %v", view.Participants)
	}
	last := view.Messages[len(view.Messages)-1]
	if last.Author != "frank@plain.example" || last.Body != "Count me in." {
		t.Errorf("last message %+v", last)
	}
}

func TestReceiveReplyFromStranger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.publish(t)
	if err := env.bridge.Send(ctx, res.Conv.Key, res.Actions, []string{"dave@plain.example"}); err != nil {
		t.Fatal(err)
	}
	em := &InboundEmail{
		MessageID: "s1@else.example",
		From:      "eve@else.example",
		InReplyTo: env.transport.sent[0].MessageID,
		Text:      "hi",
	}
	_, err := env.bridge.Receive(ctx, em, []string{"nobody@local.example"}, "")
	if !types.IsKind(err, types.KindBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func snsBody(t *testing.T, typ string, message any, extra map[string]string) []byte {
	t.Helper()
	msg, err := json.Marshal(message)
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]string{"Type": typ, "MessageId": "sns-1", "Message": string(msg)}
	for k, v := range extra {
		env[k] = v
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestWebhookReceived(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	notification := map[string]any{
		"notificationType": "Received",
		"mail":             map[string]any{"messageId": "ses-abc"},
		"receipt": map[string]any{
			"recipients": []string{"alice@local.example"},
			"action":     map[string]any{"type": "SNS", "encoding": "BASE64"},
		},
		"content": base64.StdEncoding.EncodeToString([]byte(plainEmail)),
	}
	body := snsBody(t, "Notification", notification, nil)

	if err := env.bridge.HandleWebhook(ctx, "ses", body); err != nil {
		t.Fatal(err)
	}
	send, err := env.store.SendByMessageID(ctx, "abc123@plain.example")
	if err != nil {
		t.Fatal(err)
	}
	if send.Detail != "ses:ses-abc" {
		t.Errorf("storage ref %q", send.Detail)
	}
	// re-delivery is a no-op
	if err := env.bridge.HandleWebhook(ctx, "ses", body); err != nil {
		t.Fatal(err)
	}
}

func TestWebhookBounce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.publish(t)
	if err := env.bridge.Send(ctx, res.Conv.Key, res.Actions, []string{"dave@plain.example"}); err != nil {
		t.Fatal(err)
	}
	id := env.transport.sent[0].MessageID
	notification := map[string]any{
		"notificationType": "Bounce",
		"mail": map[string]any{
			"messageId": "ses-out-1",
			"headers":   []map[string]string{{"name": "Message-ID", "value": "<" + id + ">"}},
		},
		"bounce": map[string]any{"bounceType": "Permanent", "bounceSubType": "General"},
	}
	if err := env.bridge.HandleWebhook(ctx, "ses", snsBody(t, "Notification", notification, nil)); err != nil {
		t.Fatal(err)
	}
	send, err := env.store.SendByMessageID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if send.Status != types.SendBounced || send.Detail != "Permanent General" {
		t.Fatalf("send = %+v", send)
	}
}

func TestWebhookSubscriptionConfirmation(t *testing.T) {
	env := newTestEnv(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	body := snsBody(t, "SubscriptionConfirmation", "confirm", map[string]string{"SubscribeURL": srv.URL + "/confirm"})
	if err := env.bridge.HandleWebhook(context.Background(), "ses", body); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Fatalf("SubscribeURL fetched %d times", hits.Load())
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	err := env.bridge.HandleWebhook(context.Background(), "mailgun", []byte("{}"))
	if !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
