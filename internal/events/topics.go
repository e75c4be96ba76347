package events

const (
	TopicConnStatus   = "conn.status"
	TopicChatMessage  = "chat.message"
	TopicNotification = "notification.new"
	TopicPushError    = "push.error"
	TopicUnread       = "unread.changed"
)
