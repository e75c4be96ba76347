package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatsync/internal/bus"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/notifications"
)

// NotificationService bridges bus events to user-facing toasts.
type NotificationService struct {
	bus    bus.MessageBus
	sender notifications.Sender
	logger *slog.Logger

	connStatusMu     sync.Mutex
	lastConnState    events.ConnectionState
	lastConnStateSet bool
}

func NewNotificationService(messageBus bus.MessageBus, sender notifications.Sender, logger *slog.Logger) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:    messageBus,
		sender: sender,
		logger: logger,
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	notifSub := s.bus.Subscribe(events.TopicNotification)
	connSub := s.bus.Subscribe(events.TopicConnStatus)

	go func() {
		defer s.bus.Unsubscribe(notifSub, events.TopicNotification)
		defer s.bus.Unsubscribe(connSub, events.TopicConnStatus)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-notifSub:
				if !ok {
					return
				}
				ev, ok := raw.(events.IncomingNotification)
				if !ok {
					continue
				}
				s.handleNotification(ev.Notification)
			case raw, ok := <-connSub:
				if !ok {
					return
				}
				status, ok := raw.(events.ConnectionStatus)
				if !ok {
					continue
				}
				s.handleConnectionStatus(status)
			}
		}
	}()
}

func (s *NotificationService) handleNotification(n domain.Notification) {
	title := strings.TrimSpace(n.Details.Title)
	if title == "" {
		title = string(n.Kind)
	}
	content := strings.TrimSpace(n.Details.Preview)
	if content == "" {
		content = title
	}

	s.logger.Debug("sending toast", "kind", n.Kind)
	s.sender.Send(notifications.Payload{Title: title, Content: content})
}

// handleConnectionStatus toasts meaningful transitions only; repeats of the
// same state are dropped.
func (s *NotificationService) handleConnectionStatus(status events.ConnectionStatus) {
	s.connStatusMu.Lock()
	if s.lastConnStateSet && s.lastConnState == status.State {
		s.connStatusMu.Unlock()

		return
	}
	s.lastConnState = status.State
	s.lastConnStateSet = true
	s.connStatusMu.Unlock()

	if status.State != events.ConnectionStateOpen && !status.Terminal {
		return
	}

	title := "Chat connected"
	content := "Live updates are on"
	if status.Terminal {
		title = "Chat disconnected"
		content = "Reconnect attempts exhausted"
		if errText := strings.TrimSpace(status.Err); errText != "" {
			content = fmt.Sprintf("%s (error: %s)", content, errText)
		}
	}

	s.sender.Send(notifications.Payload{Title: title, Content: content})
}
