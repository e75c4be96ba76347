// Package push owns the persistent connection to the live-event stream:
// connect, start/end framing, reconnect with backoff, and forwarding of
// classified frames onto the bus.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/classify"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/rest"
)

// CredentialSource is the host's short-lived credential storage; read-only
// to the engine. The second return is false when signed out.
type CredentialSource interface {
	AccessToken() (string, bool)
}

// EndpointSource resolves the websocket endpoint. The REST notification feed
// carries it; the manager caches the result per session.
type EndpointSource interface {
	NotificationFeed(ctx context.Context) (rest.NotificationFeed, error)
}

type controlFrame struct {
	Event string `json:"event"`
}

// Manager owns ConnectionState exclusively; everything else reads snapshots
// from the bus.
type Manager struct {
	logger    *slog.Logger
	bus       bus.MessageBus
	dialer    Dialer
	creds     CredentialSource
	endpoints EndpointSource
	cfg       config.PushConfig

	mu             sync.Mutex
	conn           Conn
	gen            uint64
	state          events.ConnectionState
	attempts       int
	lastErr        error
	terminal       bool
	closing        bool
	endpoint       string
	lastAttemptAt  time.Time
	reconnectTimer *time.Timer
}

func NewManager(logger *slog.Logger, b bus.MessageBus, dialer Dialer, creds CredentialSource, endpoints EndpointSource, cfg config.PushConfig) *Manager {
	if dialer == nil {
		dialer = NewWebsocketDialer()
	}

	return &Manager{
		logger:    logger,
		bus:       b,
		dialer:    dialer,
		creds:     creds,
		endpoints: endpoints,
		cfg:       cfg,
		state:     events.ConnectionStateDisconnected,
	}
}

// Connect opens the push connection. It is idempotent: already open, a
// connect in flight, or a recent attempt inside the throttle window all make
// it a no-op.
func (m *Manager) Connect(ctx context.Context) {
	m.connect(ctx, false)
}

// HandleVisible is the host's resume trigger: reconnect if the connection is
// down and the user is still authenticated.
func (m *Manager) HandleVisible(ctx context.Context) {
	if _, ok := m.creds.AccessToken(); !ok {
		return
	}
	m.Connect(ctx)
}

func (m *Manager) connect(ctx context.Context, fromRetry bool) {
	m.mu.Lock()
	if m.state == events.ConnectionStateOpen || m.state == events.ConnectionStateConnecting {
		m.mu.Unlock()

		return
	}
	if !fromRetry && time.Since(m.lastAttemptAt) < m.cfg.ConnectThrottle() {
		m.logger.Debug("connect skipped: throttled")
		m.mu.Unlock()

		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.lastAttemptAt = time.Now()
	m.closing = false
	if !fromRetry {
		m.attempts = 0
		m.terminal = false
	}
	m.setStateLocked(events.ConnectionStateConnecting, nil)
	m.mu.Unlock()

	token, ok := m.creds.AccessToken()
	if !ok {
		m.failTerminal(errors.New("not authenticated"))

		return
	}

	endpoint, err := m.resolveEndpoint(ctx)
	if err != nil {
		if errors.Is(err, rest.ErrUnauthorized) {
			m.failTerminal(err)

			return
		}
		m.handleClose(ctx, 0, err)

		return
	}

	target, err := appendToken(endpoint, token)
	if err != nil {
		m.failTerminal(fmt.Errorf("invalid endpoint: %w", err))

		return
	}

	conn, err := m.dialer.Dial(ctx, target)
	if err != nil {
		if errors.Is(err, rest.ErrUnauthorized) {
			m.failTerminal(err)

			return
		}
		m.logger.Warn("dial failed", "error", err)
		m.handleClose(ctx, 0, err)

		return
	}

	if err := writeControl(conn, "chat.start"); err != nil {
		_ = conn.Close()
		m.handleClose(ctx, 0, fmt.Errorf("send start frame: %w", err))

		return
	}

	m.mu.Lock()
	if m.closing {
		// Disconnect won while the dial was in flight.
		m.mu.Unlock()
		_ = conn.Close()
		m.logger.Debug("dial result discarded after disconnect")

		return
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.attempts = 0
	m.setStateLocked(events.ConnectionStateOpen, nil)
	m.mu.Unlock()
	m.logger.Info("push connection open")

	go m.readLoop(ctx, conn, gen)
}

// Disconnect sends the end frame when open, closes the transport, cancels
// pending reconnects and drops the cached endpoint. Safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.endpoint = ""
	m.attempts = 0
	wasOpen := m.state == events.ConnectionStateOpen
	if wasOpen {
		m.setStateLocked(events.ConnectionStateClosing, nil)
	}
	m.mu.Unlock()

	if conn != nil {
		if wasOpen {
			if err := writeControl(conn, "chat.end"); err != nil {
				m.logger.Debug("send end frame failed", "error", err)
			}
		}
		_ = conn.Close()
	}

	m.mu.Lock()
	m.setStateLocked(events.ConnectionStateDisconnected, nil)
	m.mu.Unlock()
	m.logger.Info("push connection closed")
}

// Status returns the current connection snapshot.
func (m *Manager) Status() events.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.statusLocked()
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(ctx, gen, err)

			return
		}
		m.dispatch(raw)
	}
}

// dispatch forwards one parsed frame. Malformed frames are logged and
// dropped; they never take the manager down.
func (m *Manager) dispatch(raw []byte) {
	classified := classify.Classify(raw)
	switch {
	case classified.ChatMessage != nil:
		m.bus.Publish(events.TopicChatMessage, events.ChannelMessages{
			ChannelID: classified.ChatMessage.ChannelID,
			Messages:  classified.ChatMessage.Messages,
		})
	case classified.Notification != nil:
		p := classified.Notification
		m.bus.Publish(events.TopicNotification, events.IncomingNotification{
			Notification: domain.Notification{
				Kind:         p.Kind,
				ObjectType:   p.ObjectType,
				ObjectID:     p.ObjectID,
				SourceUserID: p.SourceUserID,
				CreatedAt:    p.CreatedAt,
				Details:      p.Details,
			},
		})
	case classified.Error != nil:
		m.logger.Warn("push error frame", "message", classified.Error.Message)
		m.bus.Publish(events.TopicPushError, events.PushError{Message: classified.Error.Message})
	default:
		m.logger.Debug("unrecognized frame dropped", "len", len(raw))
	}
}

// handleClose reacts to an unexpected close or a failed attempt: schedule a
// backoff reconnect while attempts remain, otherwise go terminal until an
// external Connect.
func (m *Manager) handleClose(ctx context.Context, gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return
	}
	if gen != 0 && gen != m.gen {
		// A stale read loop from a superseded connection.
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	if _, ok := m.creds.AccessToken(); !ok {
		m.terminal = true
		m.setStateLocked(events.ConnectionStateDisconnected, cause)

		return
	}

	// Increment before scheduling so concurrent close events cannot
	// double-schedule the same attempt.
	m.attempts++
	if m.attempts > m.cfg.MaxReconnects {
		m.terminal = true
		m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts-1, "error", cause)
		m.setStateLocked(events.ConnectionStateDisconnected, cause)

		return
	}
	if m.reconnectTimer != nil {
		return
	}

	delay := m.cfg.ReconnectBaseDelay() << (m.attempts - 1)
	m.logger.Warn("push connection lost, scheduling reconnect", "attempt", m.attempts, "delay", delay, "error", cause)
	m.setStateLocked(events.ConnectionStateDisconnected, cause)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		m.connect(ctx, true)
	})
}

func (m *Manager) failTerminal(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminal = true
	m.logger.Error("push connection failed terminally", "error", cause)
	m.setStateLocked(events.ConnectionStateDisconnected, cause)
}

func (m *Manager) resolveEndpoint(ctx context.Context) (string, error) {
	m.mu.Lock()
	cached := m.endpoint
	m.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	feed, err := m.endpoints.NotificationFeed(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch endpoint: %w", err)
	}
	if feed.EndpointURL == "" {
		return "", errors.New("empty endpoint url")
	}

	m.mu.Lock()
	m.endpoint = feed.EndpointURL
	m.mu.Unlock()

	return feed.EndpointURL, nil
}

func (m *Manager) setStateLocked(state events.ConnectionState, cause error) {
	m.state = state
	m.lastErr = cause
	m.bus.Publish(events.TopicConnStatus, m.statusLocked())
}

func (m *Manager) statusLocked() events.ConnectionStatus {
	status := events.ConnectionStatus{
		State:     m.state,
		Attempts:  m.attempts,
		Terminal:  m.terminal,
		Timestamp: time.Now(),
	}
	if m.lastErr != nil {
		status.Err = m.lastErr.Error()
	}

	return status
}

func writeControl(conn Conn, event string) error {
	raw, err := json.Marshal(controlFrame{Event: event})
	if err != nil {
		return err
	}

	return conn.WriteMessage(raw)
}

func appendToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
