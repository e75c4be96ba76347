package events

import (
	"time"

	"chatsync/internal/domain"
)

// ConnectionState describes the push connection lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateOpen         ConnectionState = "open"
	ConnectionStateClosing      ConnectionState = "closing"
)

// ConnectionStatus is a bus event snapshot of the push connection. Terminal
// means no further reconnect timers are scheduled until an external Connect.
type ConnectionStatus struct {
	State     ConnectionState
	Err       string
	Attempts  int
	Terminal  bool
	Timestamp time.Time
}

// ChannelMessages carries normalized live-delivered messages for one channel.
type ChannelMessages struct {
	ChannelID int64
	Messages  []domain.Message
}

// IncomingNotification carries a classified notification before local
// identity assignment.
type IncomingNotification struct {
	Notification domain.Notification
}

// PushError is an explicit error frame delivered by the server.
type PushError struct {
	Message string
}

// UnreadChanged carries a freshly recomputed unread aggregate.
type UnreadChanged struct {
	Counts domain.UnreadCount
}
