package domain

// UnreadCount is a derived aggregate: Total always equals the sum of the
// category buckets. It is recomputed from notification state on every
// mutation, never incremented independently.
type UnreadCount struct {
	Total          int
	TeamRequests   int
	DirectMessages int
	FriendRequests int
	Other          int
}

// CountUnread recomputes the aggregate from a notification snapshot.
func CountUnread(notifications []Notification) UnreadCount {
	var c UnreadCount
	for _, n := range notifications {
		if n.IsRead {
			continue
		}
		switch n.Kind {
		case NotificationTeamApplicationStore,
			NotificationTeamApplicationAccept,
			NotificationTeamApplicationReject:
			c.TeamRequests++
		case NotificationChannelMessage:
			c.DirectMessages++
		case NotificationFriendRequest:
			c.FriendRequests++
		default:
			c.Other++
		}
	}
	c.Total = c.TeamRequests + c.DirectMessages + c.FriendRequests + c.Other

	return c
}
