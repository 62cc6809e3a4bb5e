package fallback

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/em2/internal/engine"
	"github.com/user/em2/internal/store"
	"github.com/user/em2/internal/types"
)

const (
	maxPartDepth = 5
	noSubject    = "(no subject)"
	emptyBody    = "(empty message)"
)

// InboundEmail is the part of a received email the bridge acts on.
type InboundEmail struct {
	MessageID  string
	From       string
	To         []string
	Subject    string
	InReplyTo  string
	References []string
	Date       time.Time
	Text       string
	HTML       string
	Files      []types.File
}

// ParseEmail reads an RFC 5322 message. Only the first text/plain and
// text/html parts are kept; other leaf parts become file metadata.
func ParseEmail(raw []byte) (*InboundEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, types.BadRequest("invalid email: %v", err)
	}
	from, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil {
		return nil, types.BadRequest("invalid From header: %v", err)
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}
	em := &InboundEmail{
		MessageID: trimAngles(msg.Header.Get("Message-ID")),
		From:      types.NormalizeEmail(from.Address),
		Subject:   strings.TrimSpace(subject),
		InReplyTo: trimAngles(msg.Header.Get("In-Reply-To")),
	}
	for _, ref := range strings.Fields(msg.Header.Get("References")) {
		em.References = append(em.References, trimAngles(ref))
	}
	for _, h := range []string{"To", "Cc"} {
		addrs, err := msg.Header.AddressList(h)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			em.To = append(em.To, types.NormalizeEmail(a.Address))
		}
	}
	if d, err := msg.Header.Date(); err == nil {
		em.Date = d.UTC()
	}

	err = em.readPart(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), "", "", msg.Body, 0)
	if err != nil {
		return nil, types.BadRequest("invalid email body: %v", err)
	}
	return em, nil
}

func (em *InboundEmail) readPart(contentType, encoding, filename, contentID string, r io.Reader, depth int) error {
	if depth > maxPartDepth {
		return errors.New("mime parts nested too deep")
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			err = em.readPart(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"),
				part.FileName(), trimAngles(part.Header.Get("Content-ID")), part, depth+1)
			if err != nil {
				return err
			}
		}
	}

	switch strings.ToLower(encoding) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	switch {
	case filename == "" && mediaType == "text/plain" && em.Text == "":
		em.Text = string(data)
	case filename == "" && mediaType == "text/html" && em.HTML == "":
		em.HTML = string(data)
	case filename != "" || contentID != "":
		sum := sha256.Sum256(data)
		em.Files = append(em.Files, types.File{
			Hash:        hex.EncodeToString(sum[:]),
			Name:        filename,
			ContentType: mediaType,
			Size:        int64(len(data)),
			ContentID:   contentID,
		})
	}
	return nil
}

var (
	replyHeaderRe = regexp.MustCompile(`(?i)^on\s.+wrote:\s*$`)
	originalRe    = regexp.MustCompile(`(?i)^-+\s*original message\s*-+$`)
)

// NormalizeBody returns the new text of an email with quoted replies and the
// signature removed. HTML bodies become markdown.
func NormalizeBody(em *InboundEmail) (string, types.MsgFormat) {
	text, format := em.Text, types.FormatPlain
	if strings.TrimSpace(em.HTML) != "" {
		md, err := htmltomarkdown.ConvertString(em.HTML)
		if err != nil {
			slog.Debug("html conversion failed, using text part", "message_id", em.MessageID, "error", err)
		} else {
			text, format = md, types.FormatMarkdown
		}
	}
	body := stripReply(text)
	if body == "" {
		body = strings.TrimSpace(text)
	}
	if body == "" {
		body = emptyBody
	}
	return body, format
}

func stripReply(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if replyHeaderRe.MatchString(trimmed) || originalRe.MatchString(trimmed) || line == "-- " || trimmed == "--" {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Receive applies an inbound email. A reply to a known Message-ID is added to
// that conversation, adding the sender as a participant first when needed;
// anything else starts a new published conversation. Re-delivery of the same
// Message-ID applies nothing.
func (b *Bridge) Receive(ctx context.Context, em *InboundEmail, recipients []string, storageRef string) ([]int64, error) {
	if b.applier == nil {
		return nil, types.NotConfigured("inbound email not configured")
	}
	if em.MessageID == "" {
		return nil, types.BadRequest("email has no Message-ID")
	}
	if _, err := b.store.SendByMessageID(ctx, em.MessageID); err == nil {
		slog.Info("duplicate inbound email", "message_id", em.MessageID)
		return nil, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sender := types.NormalizeEmail(em.From)
	body, format := NormalizeBody(em)
	threadIDs := append(append([]string{}, em.References...), em.InReplyTo)

	var (
		conv    *types.Conversation
		applied []int64
		msgID   int64
	)
	existing, _, err := b.store.ConversationByMessageIDs(ctx, threadIDs)
	switch {
	case err == nil:
		conv = existing
		applied, msgID, err = b.reply(ctx, existing, sender, recipients, body, format, em.Files)
	case errors.Is(err, store.ErrNotFound):
		var res *engine.ApplyResult
		res, err = b.applier.Create(ctx, sender, engine.CreateRequest{
			Subject:      subjectOrDefault(em.Subject),
			Message:      body,
			MsgFormat:    format,
			Files:        em.Files,
			Participants: participantsOf(sender, recipients, em.To),
			Publish:      true,
		})
		if err == nil {
			conv = res.Conv
			applied = res.ActionIDs()
			msgID = firstMessage(res.Actions)
		}
	}
	if err != nil {
		return nil, err
	}

	err = b.store.InsertSend(ctx, &types.Send{
		ConvID:    conv.ID,
		ActionID:  msgID,
		MessageID: em.MessageID,
		Status:    types.SendReceived,
		Detail:    storageRef,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateMessageID) {
		return nil, fmt.Errorf("record inbound email: %w", err)
	}
	slog.Info("inbound email applied", "conv", conv.Key, "message_id", em.MessageID, "actions", len(applied))
	return applied, nil
}

func (b *Bridge) reply(ctx context.Context, conv *types.Conversation, sender string, recipients []string,
	body string, format types.MsgFormat, files []types.File) ([]int64, int64, error) {
	prts, err := b.store.Recipients(ctx, conv.ID)
	if err != nil {
		return nil, 0, err
	}
	current := make(map[string]bool, len(prts))
	for _, p := range prts {
		current[p.Email] = true
	}

	var applied []int64
	if !current[sender] {
		adder := ""
		for _, r := range recipients {
			if current[types.NormalizeEmail(r)] {
				adder = types.NormalizeEmail(r)
				break
			}
		}
		if adder == "" {
			return nil, 0, types.BadRequest("%s is not a participant", sender)
		}
		res, err := b.applier.Apply(ctx, engine.ApplyRequest{
			Key:     conv.Key,
			Actor:   adder,
			Actions: []types.ActionInput{{Act: types.VerbParticipantAdd, Participant: sender}},
		})
		if err != nil {
			return nil, 0, err
		}
		applied = append(applied, res.ActionIDs()...)
	}

	res, err := b.applier.Apply(ctx, engine.ApplyRequest{
		Key:     conv.Key,
		Actor:   sender,
		Actions: []types.ActionInput{{Act: types.VerbMessageAdd, Body: body, MsgFormat: format, Files: files}},
	})
	if err != nil {
		return nil, 0, err
	}
	applied = append(applied, res.ActionIDs()...)
	return applied, res.Actions[0].ID, nil
}

func participantsOf(sender string, lists ...[]string) []string {
	seen := map[string]bool{sender: true}
	var out []string
	for _, list := range lists {
		for _, e := range list {
			e = types.NormalizeEmail(e)
			if e == "" || seen[e] {
				continue
			}
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

func firstMessage(actions []types.Action) int64 {
	for _, a := range actions {
		if a.Act == types.VerbMessageAdd {
			return a.ID
		}
	}
	return 0
}

func subjectOrDefault(s string) string {
	if strings.TrimSpace(s) == "" {
		return noSubject
	}
	return s
}

func trimAngles(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "<"), ">")
}
