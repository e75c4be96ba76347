// Package rest is the pull-based collaborator: channel listings, message
// history, sends, read-marking and the notification feed that also carries
// the push endpoint URL.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/domain"
)

// ErrUnauthorized marks authentication failures, which are terminal for the
// push connection: callers must not retry until re-authentication.
var ErrUnauthorized = errors.New("unauthorized")

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Paging bounds a history fetch.
type Paging struct {
	Limit   int
	SinceID int64
	UntilID int64
}

// NotificationFeed is the "list notifications" response: the current
// notification backlog plus the websocket endpoint for live delivery.
type NotificationFeed struct {
	Notifications []domain.Notification
	EndpointURL   string
}

// Client is the collaborator surface the sync core consumes.
type Client interface {
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	ChannelHistory(ctx context.Context, channelID int64, p Paging) ([]domain.Message, error)
	SendMessage(ctx context.Context, channelID int64, content string, isAction bool) (domain.Message, error)
	MarkRead(ctx context.Context, channelID, messageID int64) error
	NotificationFeed(ctx context.Context) (NotificationFeed, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

type wireChannel struct {
	ChannelID     int64   `json:"channel_id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	UserIDs       []int64 `json:"users"`
	LastReadID    int64   `json:"last_read_id"`
	LastMessageID int64   `json:"last_message_id"`
	MessageLength int     `json:"message_length_limit"`
	Counterpart   *struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		AvatarURL string `json:"avatar_url"`
	} `json:"current_user,omitempty"`
}

type wireMessage struct {
	MessageID int64  `json:"message_id"`
	ChannelID int64  `json:"channel_id"`
	SenderID  int64  `json:"sender_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	IsAction  bool   `json:"is_action"`
}

type wireNotification struct {
	Name         string `json:"name"`
	ObjectType   string `json:"object_type"`
	ObjectID     int64  `json:"object_id"`
	SourceUserID *int64 `json:"source_user_id"`
	IsRead       bool   `json:"is_read"`
	CreatedAt    string `json:"created_at"`
	Details      struct {
		Title    string `json:"title"`
		Preview  string `json:"preview"`
		CoverURL string `json:"cover_url"`
	} `json:"details"`
}

type wireNotificationFeed struct {
	Notifications []wireNotification `json:"notifications"`
	EndpointURL   string             `json:"notification_endpoint"`
}

func (c *HTTPClient) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	var out []wireChannel
	if err := c.doJSON(ctx, http.MethodGet, "/chat/channels", nil, &out); err != nil {
		return nil, err
	}

	channels := make([]domain.Channel, 0, len(out))
	for _, wc := range out {
		channels = append(channels, wc.toDomain())
	}

	return channels, nil
}

func (c *HTTPClient) ChannelHistory(ctx context.Context, channelID int64, p Paging) ([]domain.Message, error) {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.SinceID > 0 {
		q.Set("since", strconv.FormatInt(p.SinceID, 10))
	}
	if p.UntilID > 0 {
		q.Set("until", strconv.FormatInt(p.UntilID, 10))
	}
	path := fmt.Sprintf("/chat/channels/%d/messages", channelID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []wireMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(out))
	for _, wm := range out {
		msgs = append(msgs, wm.toDomain())
	}

	return msgs, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, channelID int64, content string, isAction bool) (domain.Message, error) {
	body := map[string]any{
		"message":   content,
		"is_action": isAction,
	}
	var out wireMessage
	path := fmt.Sprintf("/chat/channels/%d/messages", channelID)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return domain.Message{}, err
	}

	return out.toDomain(), nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, channelID, messageID int64) error {
	path := fmt.Sprintf("/chat/channels/%d/mark-as-read/%d", channelID, messageID)

	return c.doJSON(ctx, http.MethodPut, path, nil, nil)
}

func (c *HTTPClient) NotificationFeed(ctx context.Context) (NotificationFeed, error) {
	var out wireNotificationFeed
	if err := c.doJSON(ctx, http.MethodGet, "/notifications", nil, &out); err != nil {
		return NotificationFeed{}, err
	}

	feed := NotificationFeed{EndpointURL: out.EndpointURL}
	for _, wn := range out.Notifications {
		feed.Notifications = append(feed.Notifications, wn.toDomain())
	}

	return feed, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func (wc wireChannel) toDomain() domain.Channel {
	ch := domain.Channel{
		ID:                 wc.ChannelID,
		Name:               wc.Name,
		Kind:               domain.ChannelKind(strings.ToUpper(strings.TrimSpace(wc.Type))),
		UserIDs:            wc.UserIDs,
		LastReadID:         wc.LastReadID,
		LastMessageID:      wc.LastMessageID,
		MessageLengthLimit: wc.MessageLength,
	}
	if wc.Counterpart != nil && ch.Kind == domain.ChannelKindDirectMessage {
		ch.Counterpart = &domain.UserSummary{
			ID:        wc.Counterpart.ID,
			Username:  wc.Counterpart.Username,
			AvatarURL: wc.Counterpart.AvatarURL,
		}
	}

	return ch
}

func (wm wireMessage) toDomain() domain.Message {
	ts, _ := time.Parse(time.RFC3339, wm.Timestamp)

	return domain.Message{
		ID:        wm.MessageID,
		ChannelID: wm.ChannelID,
		SenderID:  wm.SenderID,
		Content:   wm.Content,
		Timestamp: ts,
		IsAction:  wm.IsAction,
	}
}

func (wn wireNotification) toDomain() domain.Notification {
	ts, _ := time.Parse(time.RFC3339, wn.CreatedAt)

	return domain.Notification{
		Kind:         domain.NotificationKind(wn.Name),
		ObjectType:   wn.ObjectType,
		ObjectID:     wn.ObjectID,
		SourceUserID: wn.SourceUserID,
		IsRead:       wn.IsRead,
		CreatedAt:    ts,
		Details: domain.NotificationDetails{
			Title:    wn.Details.Title,
			Preview:  wn.Details.Preview,
			CoverURL: wn.Details.CoverURL,
		},
	}
}
