package fallback

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/user/em2/internal/types"
)

// snsEnvelope is the outer document SNS posts to an HTTP subscriber.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID     string      `json:"messageId"`
		Destination   []string    `json:"destination"`
		Headers       []sesHeader `json:"headers"`
		CommonHeaders struct {
			MessageID string `json:"messageId"`
		} `json:"commonHeaders"`
	} `json:"mail"`
	Receipt struct {
		Recipients []string `json:"recipients"`
		Action     struct {
			Type     string `json:"type"`
			Encoding string `json:"encoding"`
		} `json:"action"`
	} `json:"receipt"`
	Content string `json:"content"`
	Bounce  struct {
		BounceType    string `json:"bounceType"`
		BounceSubType string `json:"bounceSubType"`
	} `json:"bounce"`
	Complaint struct {
		FeedbackType string `json:"complaintFeedbackType"`
	} `json:"complaint"`
}

// HandleWebhook processes one provider notification. Only "ses" is known.
// Handling is idempotent: a re-delivered notification changes nothing.
func (b *Bridge) HandleWebhook(ctx context.Context, provider string, body []byte) error {
	if provider != "ses" {
		return types.NotFound("unknown webhook provider %q", provider)
	}
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return types.BadRequest("invalid notification: %v", err)
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		return b.confirmSubscription(ctx, env)
	case "Notification":
	default:
		slog.Debug("ignoring sns message", "type", env.Type, "id", env.MessageID)
		return nil
	}

	var n sesNotification
	if err := json.Unmarshal([]byte(env.Message), &n); err != nil {
		return types.BadRequest("invalid ses notification: %v", err)
	}
	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}

	switch kind {
	case "Received":
		return b.sesReceived(ctx, &n)
	case "Delivery":
		return b.sesStatus(ctx, &n, types.SendDelivered, "")
	case "Bounce":
		return b.sesStatus(ctx, &n, types.SendBounced, strings.TrimSpace(n.Bounce.BounceType+" "+n.Bounce.BounceSubType))
	case "Complaint":
		return b.sesStatus(ctx, &n, types.SendComplaint, n.Complaint.FeedbackType)
	}
	slog.Debug("ignoring ses notification", "type", kind)
	return nil
}

func (b *Bridge) confirmSubscription(ctx context.Context, env snsEnvelope) error {
	u, err := url.Parse(env.SubscribeURL)
	if err != nil || u.Scheme != "https" && u.Scheme != "http" {
		return types.BadRequest("invalid SubscribeURL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return types.Transient(err, "confirm sns subscription")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	if resp.StatusCode >= 300 {
		return types.Transient(fmt.Errorf("status %d", resp.StatusCode), "confirm sns subscription")
	}
	slog.Info("sns subscription confirmed", "topic", env.TopicArn)
	return nil
}

func (b *Bridge) sesReceived(ctx context.Context, n *sesNotification) error {
	if n.Content == "" {
		return types.BadRequest("notification has no content, SNS action with content required")
	}
	raw := []byte(n.Content)
	if strings.EqualFold(n.Receipt.Action.Encoding, "BASE64") {
		decoded, err := base64.StdEncoding.DecodeString(n.Content)
		if err != nil {
			return types.BadRequest("invalid content encoding: %v", err)
		}
		raw = decoded
	}
	em, err := ParseEmail(raw)
	if err != nil {
		return err
	}
	_, err = b.Receive(ctx, em, n.Receipt.Recipients, "ses:"+n.Mail.MessageID)
	return err
}

func (b *Bridge) sesStatus(ctx context.Context, n *sesNotification, status types.SendStatus, detail string) error {
	messageID := trimAngles(n.Mail.CommonHeaders.MessageID)
	for _, h := range n.Mail.Headers {
		if messageID == "" && strings.EqualFold(h.Name, "Message-ID") {
			messageID = trimAngles(h.Value)
		}
	}
	if messageID == "" {
		return types.BadRequest("notification has no Message-ID")
	}
	updated, err := b.store.UpdateSendStatus(ctx, messageID, status, detail)
	if err != nil {
		return err
	}
	if !updated {
		slog.Debug("status for unknown send", "message_id", messageID, "status", status)
		return nil
	}
	slog.Info("send status updated", "message_id", messageID, "status", status)
	return nil
}
