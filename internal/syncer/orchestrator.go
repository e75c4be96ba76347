// Package syncer reconciles the pull-based history API with the push-based
// live stream and owns the canonical in-memory view: channels, per-channel
// message sequences, notifications and unread counters.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/dedupe"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/rest"
)

const historyPageSize = 50

// Orchestrator is the single writer of the canonical stores. Other
// components hand it proposed updates through the bus or return values.
type Orchestrator struct {
	logger *slog.Logger
	bus    bus.MessageBus
	rest   rest.Client
	cfg    config.SyncConfig

	channels      *domain.ChannelStore
	notifications *domain.NotificationStore
	merger        *Merger
	tracker       *ReadStateTracker
}

func New(logger *slog.Logger, b bus.MessageBus, restClient rest.Client, cfg config.SyncConfig) *Orchestrator {
	o := &Orchestrator{
		logger:        logger,
		bus:           b,
		rest:          restClient,
		cfg:           cfg,
		channels:      domain.NewChannelStore(),
		notifications: domain.NewNotificationStore(),
		merger:        NewMerger(cfg.MessageRetrySimilarity),
	}
	o.tracker = NewReadStateTracker(
		logger.With("part", "readstate"),
		restClient,
		cfg.MarkReadDebounce(),
		cfg.ReadDwellTime(),
		o.lastReadID,
		o.commitReadAck,
	)

	return o
}

// Start subscribes to the push event topics and applies updates until the
// context ends.
func (o *Orchestrator) Start(ctx context.Context) {
	msgSub := o.bus.Subscribe(events.TopicChatMessage)
	notifSub := o.bus.Subscribe(events.TopicNotification)

	go func() {
		defer o.bus.Unsubscribe(msgSub, events.TopicChatMessage)
		defer o.bus.Unsubscribe(notifSub, events.TopicNotification)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-msgSub:
				if !ok {
					return
				}
				ev, ok := raw.(events.ChannelMessages)
				if !ok {
					continue
				}
				o.handleLiveMessages(ev)
			case raw, ok := <-notifSub:
				if !ok {
					return
				}
				ev, ok := raw.(events.IncomingNotification)
				if !ok {
					continue
				}
				o.handleNotification(ev)
			}
		}
	}()
}

// Bootstrap pulls the channel list and the notification backlog. Called once
// after sign-in and again on demand.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	channels, err := o.rest.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, ch := range channels {
		o.channels.UpsertChannel(ch)
	}

	feed, err := o.rest.NotificationFeed(ctx)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}
	backlog := make([]domain.Notification, 0, len(feed.Notifications))
	for _, n := range feed.Notifications {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		backlog = append(backlog, n)
	}
	o.notifications.Load(backlog)
	o.publishUnread()

	return nil
}

// SelectChannel loads a channel's history and commits the merged sequence.
// If the user switches channels before the fetch resolves, the stale result
// is discarded without touching the newer channel's state.
func (o *Orchestrator) SelectChannel(ctx context.Context, channelID int64) error {
	token := o.merger.Begin(channelID)

	history, err := o.rest.ChannelHistory(ctx, channelID, rest.Paging{Limit: historyPageSize})
	if err != nil {
		// Keep buffered live messages visible rather than clearing the view.
		o.merger.Abort(token, func(kept []domain.Message) {
			if len(kept) > 0 {
				o.channels.ReplaceMessages(channelID, kept)
			}
		})
		o.logger.Warn("history load failed", "channel_id", channelID, "error", err)

		return fmt.Errorf("load history: %w", err)
	}

	// The store write happens inside the settle so a live message delivered
	// concurrently either joins the merge or appends strictly after it.
	var merged []domain.Message
	current := o.merger.Settle(token, history, func(result []domain.Message) {
		merged = result
		o.channels.ReplaceMessages(channelID, result)
	})
	if !current {
		o.logger.Debug("history load superseded", "channel_id", channelID)

		return nil
	}

	if len(merged) > 0 {
		latest := merged[len(merged)-1]
		o.tracker.Schedule(ctx, channelID, latest.ID)
	}
	o.retirePreviewNotification(channelID, merged)

	return nil
}

// Send validates and posts a message, then inserts the server-acknowledged
// result locally so it shows up before the push echo; the echo then dedups
// against it by identity.
func (o *Orchestrator) Send(ctx context.Context, channelID int64, content string, isAction bool) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, errors.New("message body is empty")
	}
	if ch, ok := o.channels.Channel(channelID); ok && ch.MessageLengthLimit > 0 {
		if n := utf8.RuneCountInString(content); n > ch.MessageLengthLimit {
			return domain.Message{}, fmt.Errorf("message body exceeds %d characters: %d", ch.MessageLengthLimit, n)
		}
	}

	msg, err := o.rest.SendMessage(ctx, channelID, content, isAction)
	if err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	if !o.merger.Buffer(msg) {
		o.channels.AppendMessage(msg)
	}

	return msg, nil
}

// MarkRead requests a (debounced) read-state advance for the channel.
func (o *Orchestrator) MarkRead(ctx context.Context, channelID, messageID int64) {
	o.tracker.Schedule(ctx, channelID, messageID)
}

// MessageVisible and MessageHidden relay the host's observability reports
// into the dwell-based auto-read logic.
func (o *Orchestrator) MessageVisible(ctx context.Context, channelID, messageID int64) {
	o.tracker.MessageVisible(ctx, channelID, messageID)
}

func (o *Orchestrator) MessageHidden(channelID, messageID int64) {
	o.tracker.MessageHidden(channelID, messageID)
}

// Flush forces pending read-state work out, e.g. before shutdown.
func (o *Orchestrator) Flush() {
	o.tracker.Flush()
}

// Read-only snapshots for consumers.

func (o *Orchestrator) Channels() []domain.Channel {
	return o.channels.ChannelsSorted()
}

func (o *Orchestrator) Messages(channelID int64) []domain.Message {
	return o.channels.Messages(channelID)
}

func (o *Orchestrator) Notifications() []domain.Notification {
	return o.notifications.All()
}

func (o *Orchestrator) Unread() domain.UnreadCount {
	return domain.CountUnread(o.notifications.All())
}

// ChannelChanges and NotificationChanges expose the stores' coalesced
// update signals.
func (o *Orchestrator) ChannelChanges() <-chan struct{} {
	return o.channels.Changes()
}

func (o *Orchestrator) NotificationChanges() <-chan struct{} {
	return o.notifications.Changes()
}

func (o *Orchestrator) handleLiveMessages(ev events.ChannelMessages) {
	for _, msg := range ev.Messages {
		if o.merger.Buffer(msg) {
			continue
		}
		o.channels.AppendMessage(msg)
	}
}

func (o *Orchestrator) handleNotification(ev events.IncomingNotification) {
	n := ev.Notification
	n.ID = uuid.NewString()
	if o.notifications.Upsert(n) {
		o.publishUnread()
	}
}

func (o *Orchestrator) lastReadID(channelID int64) int64 {
	ch, ok := o.channels.Channel(channelID)
	if !ok {
		return 0
	}

	return ch.LastReadID
}

// commitReadAck applies a remotely acknowledged mark-as-read: advance the
// watermark monotonically and retire the channel's unread notification.
func (o *Orchestrator) commitReadAck(channelID, messageID int64) {
	o.channels.AdvanceLastRead(channelID, messageID)
	if o.notifications.MarkRead("channel", channelID) {
		o.publishUnread()
	}
}

// retirePreviewNotification auto-marks a conversation's notification read
// when opening the channel shows the message the preview was cut from.
func (o *Orchestrator) retirePreviewNotification(channelID int64, msgs []domain.Message) {
	n, ok := o.notifications.Unread("channel", channelID)
	if !ok {
		return
	}
	preview := n.Details.Title
	if preview == "" {
		preview = n.Details.Preview
	}
	if preview == "" {
		return
	}

	recent := msgs
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}
	for _, msg := range recent {
		if dedupe.SimilarEnough(preview, truncateRunes(msg.Content, o.cfg.PreviewLength), o.cfg.NotificationSimilarity) {
			if o.notifications.MarkRead("channel", channelID) {
				o.publishUnread()
			}

			return
		}
	}
}

func (o *Orchestrator) publishUnread() {
	counts := domain.CountUnread(o.notifications.All())
	o.bus.Publish(events.TopicUnread, events.UnreadChanged{Counts: counts})
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n])
}
