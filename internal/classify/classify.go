// Package classify turns raw push frames into typed domain events. It is a
// pure mapping over the frame's shape and fields so it can be tested with
// literal fixtures; downstream components never see wire-shape variance.
package classify

import (
	"encoding/json"
	"strings"
	"time"

	"chatsync/internal/domain"
)

// Classified holds exactly one recognized payload; all-nil means the frame
// was not recognized and must be dropped without effect.
type Classified struct {
	ChatMessage  *ChatMessagePayload
	Notification *NotificationPayload
	Error        *ErrorPayload
}

type ChatMessagePayload struct {
	ChannelID int64
	Messages  []domain.Message
}

// NotificationPayload carries a notification without a local identity; the
// orchestrator assigns one on commit.
type NotificationPayload struct {
	Kind         domain.NotificationKind
	ObjectType   string
	ObjectID     int64
	SourceUserID *int64
	CreatedAt    time.Time
	Details      domain.NotificationDetails
}

type ErrorPayload struct {
	Message string
}

func (c Classified) Recognized() bool {
	return c.ChatMessage != nil || c.Notification != nil || c.Error != nil
}

type wireFrame struct {
	Event string          `json:"event"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`

	// Bare message frames carry the message fields at the top level.
	MessageID *int64 `json:"message_id"`
	ChannelID *int64 `json:"channel_id"`
}

type wireMessageEnvelope struct {
	Messages []wireMessage `json:"messages"`
	Message  *wireMessage  `json:"message"`
}

type wireMessage struct {
	MessageID int64            `json:"message_id"`
	ChannelID int64            `json:"channel_id"`
	SenderID  int64            `json:"sender_id"`
	Content   string           `json:"content"`
	Timestamp string           `json:"timestamp"`
	IsAction  bool             `json:"is_action"`
	Sender    *wireUserSummary `json:"sender"`
}

type wireUserSummary struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

type wireNotification struct {
	Name         string               `json:"name"`
	Category     string               `json:"category"`
	ObjectType   string               `json:"object_type"`
	ObjectID     int64                `json:"object_id"`
	SourceUserID *int64               `json:"source_user_id"`
	CreatedAt    string               `json:"created_at"`
	Details      wireNotificationInfo `json:"details"`
}

type wireNotificationInfo struct {
	Title    string `json:"title"`
	Preview  string `json:"preview"`
	Type     string `json:"type"`
	CoverURL string `json:"cover_url"`
}

// Classify parses one raw inbound frame. Malformed frames yield an
// unrecognized result, never an error.
func Classify(raw []byte) Classified {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Classified{}
	}

	if frame.Error != "" {
		return Classified{Error: &ErrorPayload{Message: frame.Error}}
	}

	switch frame.Event {
	case "chat.message.new":
		return classifyChatMessage(frame.Data)
	case "new_private_notification", "new":
		return classifyNotification(frame.Data)
	}

	// Historic senders deliver a bare message object with no envelope.
	if frame.MessageID != nil && frame.ChannelID != nil {
		var bare wireMessage
		if err := json.Unmarshal(raw, &bare); err != nil {
			return Classified{}
		}

		return chatMessageResult([]wireMessage{bare})
	}

	return Classified{}
}

func classifyChatMessage(data json.RawMessage) Classified {
	if len(data) == 0 {
		return Classified{}
	}

	var envelope wireMessageEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil {
		if len(envelope.Messages) > 0 {
			return chatMessageResult(envelope.Messages)
		}
		if envelope.Message != nil {
			return chatMessageResult([]wireMessage{*envelope.Message})
		}
	}

	var bare wireMessage
	if err := json.Unmarshal(data, &bare); err != nil || bare.MessageID == 0 {
		return Classified{}
	}

	return chatMessageResult([]wireMessage{bare})
}

func chatMessageResult(msgs []wireMessage) Classified {
	out := make([]domain.Message, 0, len(msgs))
	channelID := int64(0)
	for _, wm := range msgs {
		if wm.MessageID == 0 || wm.ChannelID == 0 {
			continue
		}
		if channelID == 0 {
			channelID = wm.ChannelID
		}
		out = append(out, normalizeMessage(wm))
	}
	if len(out) == 0 {
		return Classified{}
	}

	return Classified{ChatMessage: &ChatMessagePayload{ChannelID: channelID, Messages: out}}
}

func normalizeMessage(wm wireMessage) domain.Message {
	msg := domain.Message{
		ID:        wm.MessageID,
		ChannelID: wm.ChannelID,
		SenderID:  wm.SenderID,
		Content:   wm.Content,
		Timestamp: parseTimestamp(wm.Timestamp),
		IsAction:  wm.IsAction,
	}
	if wm.Sender != nil {
		msg.Sender = &domain.UserSummary{
			ID:        wm.Sender.ID,
			Username:  wm.Sender.Username,
			AvatarURL: wm.Sender.AvatarURL,
		}
		if msg.SenderID == 0 {
			msg.SenderID = wm.Sender.ID
		}
	}

	return msg
}

func classifyNotification(data json.RawMessage) Classified {
	if len(data) == 0 {
		return Classified{}
	}
	var wn wireNotification
	if err := json.Unmarshal(data, &wn); err != nil {
		return Classified{}
	}
	if wn.ObjectType == "" || wn.ObjectID == 0 {
		return Classified{}
	}

	kind := notificationKind(wn)
	if kind == "" {
		return Classified{}
	}

	createdAt := parseTimestamp(wn.CreatedAt)
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return Classified{Notification: &NotificationPayload{
		Kind:         kind,
		ObjectType:   wn.ObjectType,
		ObjectID:     wn.ObjectID,
		SourceUserID: wn.SourceUserID,
		CreatedAt:    createdAt,
		Details: domain.NotificationDetails{
			Title:    wn.Details.Title,
			Preview:  wn.Details.Preview,
			CoverURL: wn.Details.CoverURL,
		},
	}}
}

func notificationKind(wn wireNotification) domain.NotificationKind {
	name := wn.Name
	if name == "" {
		name = wn.Category
	}

	switch name {
	case string(domain.NotificationTeamApplicationStore):
		return domain.NotificationTeamApplicationStore
	case string(domain.NotificationTeamApplicationAccept):
		return domain.NotificationTeamApplicationAccept
	case string(domain.NotificationTeamApplicationReject):
		return domain.NotificationTeamApplicationReject
	case string(domain.NotificationFriendRequest):
		return domain.NotificationFriendRequest
	case string(domain.NotificationChannelMessage), "channel":
		// Channel-scoped envelope: the channel type picks the category.
		channelKind := domain.ChannelKind(strings.ToUpper(strings.TrimSpace(wn.Details.Type)))

		return domain.NotificationKindForChannel(channelKind)
	}

	return ""
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}

	return time.Time{}
}
