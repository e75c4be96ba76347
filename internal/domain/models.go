package domain

import (
	"strconv"
	"time"
)

// ChannelKind is the server-side channel type discriminator.
type ChannelKind string

const (
	ChannelKindPublic        ChannelKind = "PUBLIC"
	ChannelKindPrivate       ChannelKind = "PRIVATE"
	ChannelKindTeam          ChannelKind = "TEAM"
	ChannelKindDirectMessage ChannelKind = "PM"
	ChannelKindSystem        ChannelKind = "SYSTEM"
	ChannelKindAnnounce      ChannelKind = "ANNOUNCE"
	ChannelKindMultiplayer   ChannelKind = "MULTIPLAYER"
	ChannelKindSpectator     ChannelKind = "SPECTATOR"
	ChannelKindTemporary     ChannelKind = "TEMPORARY"
	ChannelKindGroup         ChannelKind = "GROUP"
)

// UserSummary is the resolved counterpart user shown for direct-message channels.
type UserSummary struct {
	ID        int64
	Username  string
	AvatarURL string
}

type Channel struct {
	ID                 int64
	Name               string
	Kind               ChannelKind
	UserIDs            []int64
	LastReadID         int64
	LastMessageID      int64
	MessageLengthLimit int
	Counterpart        *UserSummary
}

// Message is immutable once created. ID is server-assigned, except for
// optimistic local entries which carry a negative placeholder ID until the
// server echo arrives.
type Message struct {
	ID        int64
	ChannelID int64
	SenderID  int64
	Content   string
	Timestamp time.Time
	IsAction  bool
	Sender    *UserSummary
}

// OrderedBefore is the canonical message ordering: timestamp, ties broken by
// identity ascending.
func (m Message) OrderedBefore(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}

	return m.ID < other.ID
}

// NotificationKind is the closed set of notification categories.
type NotificationKind string

const (
	NotificationChannelMessage        NotificationKind = "channel_message"
	NotificationChannelAnnouncement   NotificationKind = "channel_announcement"
	NotificationChannelTeam           NotificationKind = "channel_team"
	NotificationTeamApplicationStore  NotificationKind = "team_application_store"
	NotificationTeamApplicationAccept NotificationKind = "team_application_accept"
	NotificationTeamApplicationReject NotificationKind = "team_application_reject"
	NotificationFriendRequest         NotificationKind = "friend_request"
)

// NotificationDetails is the category-specific payload attached to a
// notification (preview text, display title, cover image).
type NotificationDetails struct {
	Title    string
	Preview  string
	CoverURL string
}

// Notification identity is locally generated and collision-resistant. The
// de-duplication key is (ObjectType, ObjectID), never the generated ID.
type Notification struct {
	ID           string
	Kind         NotificationKind
	ObjectType   string
	ObjectID     int64
	SourceUserID *int64
	IsRead       bool
	CreatedAt    time.Time
	Details      NotificationDetails
}

// SubjectKey returns the de-duplication key for the notification subject.
func (n Notification) SubjectKey() string {
	return n.ObjectType + "/" + strconv.FormatInt(n.ObjectID, 10)
}

// NotificationKindForChannel maps a channel kind to the notification category
// used for messages arriving in that channel. Unrecognized kinds fall back to
// the generic channel-message category.
func NotificationKindForChannel(kind ChannelKind) NotificationKind {
	switch kind {
	case ChannelKindAnnounce:
		return NotificationChannelAnnouncement
	case ChannelKindTeam:
		return NotificationChannelTeam
	default:
		return NotificationChannelMessage
	}
}
