package push

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/weldqai/weldqai-functions/internal/functions/fnmetrics"
	"github.com/weldqai/weldqai-functions/internal/functions/store"
)

const (
	defaultTitle = "New notification"
	defaultBody  = "You have a new message"
	defaultType  = "alert"
)

// InboxStore is the persistence Inbox needs.
type InboxStore interface {
	CreateInboxMessage(ctx context.Context, userID string, msg store.InboxMessage) (bool, int64, error)
	PushTokens(ctx context.Context, userID string) ([]string, error)
	RemovePushTokens(ctx context.Context, userID string, tokens []string) (int64, error)
}

// DeliverResult reports what Deliver did.
type DeliverResult struct {
	MessageID     string `json:"messageId"`
	Created       bool   `json:"created"`
	InboxUnread   int64  `json:"inboxUnread"`
	Tokens        int    `json:"tokens"`
	Sent          int    `json:"sent"`
	RemovedTokens int64  `json:"removedTokens"`
}

// Inbox stores inbox messages and notifies the user's devices.
type Inbox struct {
	store  InboxStore
	sender Sender
	now    func() time.Time
}

// NewInbox creates an inbox. A nil sender logs notifications.
func NewInbox(s InboxStore, sender Sender) *Inbox {
	if sender == nil {
		sender = LogSender{}
	}
	return &Inbox{store: s, sender: sender, now: time.Now}
}

// Deliver persists msg together with the unread counter bump and, when it
// was newly created, pushes a notification. Push failures never fail the delivery.
func (i *Inbox) Deliver(ctx context.Context, userID string, msg store.InboxMessage) (*DeliverResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("deliver inbox message: missing user id")
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = i.now().UTC()
	}

	created, unread, err := i.store.CreateInboxMessage(ctx, userID, msg)
	if err != nil {
		return nil, fmt.Errorf("deliver inbox message: %w", err)
	}
	res := &DeliverResult{MessageID: msg.ID, Created: created, InboxUnread: unread}
	if !created {
		log.Debug().Str("user_id", userID).Str("message_id", msg.ID).Msg("Inbox message already delivered")
		return res, nil
	}

	tokens, err := i.store.PushTokens(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to load push tokens")
		fnmetrics.PushSendTotal.WithLabelValues("error").Inc()
		return res, nil
	}
	res.Tokens = len(tokens)
	if len(tokens) == 0 {
		fnmetrics.PushSendTotal.WithLabelValues("no_tokens").Inc()
		return res, nil
	}

	sent, err := i.sender.Send(ctx, tokens, compose(msg))
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Push send interrupted")
	}
	res.Sent = sent.Sent
	fnmetrics.PushSendTotal.WithLabelValues("sent").Add(float64(sent.Sent))
	fnmetrics.PushSendTotal.WithLabelValues("failed").Add(float64(sent.Failed))

	if len(sent.InvalidTokens) > 0 {
		removed, err := i.store.RemovePushTokens(context.WithoutCancel(ctx), userID, sent.InvalidTokens)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to prune invalid push tokens")
		}
		res.RemovedTokens = removed
	}

	log.Info().
		Str("user_id", userID).
		Str("message_id", msg.ID).
		Int("tokens", len(tokens)).
		Int("sent", sent.Sent).
		Int("failed", sent.Failed).
		Msg("Inbox notification sent")
	return res, nil
}

func compose(msg store.InboxMessage) Notification {
	title := firstNonEmpty(msg.Title, defaultTitle)
	body := firstNonEmpty(msg.Body, msg.Subtitle, defaultBody)
	data := map[string]string{
		"type":     firstNonEmpty(msg.Type, defaultType),
		"schemaId": msg.SchemaID,
		"reportId": msg.ReportID,
	}
	return Notification{Title: title, Body: body, Data: data}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
