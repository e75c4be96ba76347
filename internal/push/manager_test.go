package push

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/events"
	"chatsync/internal/rest"
)

type fakeCreds struct {
	mu    sync.Mutex
	token string
	ok    bool
}

func (c *fakeCreds) AccessToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.token, c.ok
}

func (c *fakeCreds) set(token string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.ok = ok
}

type fakeEndpoints struct {
	mu    sync.Mutex
	url   string
	calls int
}

func (e *fakeEndpoints) NotificationFeed(_ context.Context) (rest.NotificationFeed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	return rest.NotificationFeed{EndpointURL: e.url}, nil
}

func (e *fakeEndpoints) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.calls
}

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(payload))

	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })

	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)

	return out
}

// fakeDialer replays scripted errors in order; once the script runs out it
// keeps returning the last entry. A nil entry dials a fresh fakeConn. With a
// gate set, every dial signals started and then blocks until the gate closes.
type fakeDialer struct {
	mu      sync.Mutex
	script  []error
	conns   []*fakeConn
	targets []string
	times   []time.Time
	gate    chan struct{}
	started chan struct{}
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, endpoint)
	d.times = append(d.times, time.Now())

	idx := len(d.targets) - 1
	var err error
	if len(d.script) > 0 {
		if idx < len(d.script) {
			err = d.script[idx]
		} else {
			err = d.script[len(d.script)-1]
		}
	}
	gate := d.gate
	started := d.started
	d.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	if err != nil {
		return nil, err
	}

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()

	return conn, nil
}

func (d *fakeDialer) setScript(script []error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = script
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.targets)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}

	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Time, len(d.times))
	copy(out, d.times)

	return out
}

func pushCfg(baseMS, maxReconnects, throttleMS int) config.PushConfig {
	return config.PushConfig{
		ReconnectBaseDelayMS: baseMS,
		MaxReconnects:        maxReconnects,
		ConnectThrottleMS:    throttleMS,
	}
}

func newTestManager(t *testing.T, dialer Dialer, creds CredentialSource, cfg config.PushConfig) (*Manager, *fakeEndpoints, bus.MessageBus) {
	t.Helper()
	b := bus.New(slog.Default())
	t.Cleanup(b.Close)
	endpoints := &fakeEndpoints{url: "wss://push.example.test/stream"}

	return NewManager(slog.Default(), b, dialer, creds, endpoints, cfg), endpoints, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

func TestManager_RetriesWithBackoffThenGoesTerminal(t *testing.T) {
	dialer := &fakeDialer{script: []error{errors.New("refused")}}
	creds := &fakeCreds{token: "tok", ok: true}
	// The throttle is much larger than the whole test: scheduled retries
	// must bypass it, only external connects are throttled.
	m, _, _ := newTestManager(t, dialer, creds, pushCfg(20, 5, 60_000))

	m.Connect(context.Background())

	waitFor(t, 3*time.Second, func() bool { return m.Status().Terminal })

	if got := dialer.dialCount(); got != 6 {
		t.Fatalf("expected 1 initial + 5 retries = 6 dials, got %d", got)
	}
	status := m.Status()
	if status.State != events.ConnectionStateDisconnected {
		t.Fatalf("expected disconnected after exhaustion, got %s", status.State)
	}

	// Delays double per attempt: 20+40+80+160+320ms before the final dial.
	times := dialer.dialTimes()
	if elapsed := times[len(times)-1].Sub(times[0]); elapsed < 450*time.Millisecond {
		t.Fatalf("retries came too fast for exponential backoff: %v", elapsed)
	}

	// Terminal means no timer left: nothing more happens on its own.
	time.Sleep(150 * time.Millisecond)
	if got := dialer.dialCount(); got != 6 {
		t.Fatalf("terminal state must not keep dialing, got %d", got)
	}
}

func TestManager_ExternalConnectLeavesTerminalState(t *testing.T) {
	dialer := &fakeDialer{script: []error{errors.New("refused")}}
	creds := &fakeCreds{token: "tok", ok: true}
	m, _, _ := newTestManager(t, dialer, creds, pushCfg(5, 2, 1))

	m.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return m.Status().Terminal })

	dials := dialer.dialCount()
	dialer.setScript([]error{nil})
	m.Connect(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		return m.Status().State == events.ConnectionStateOpen
	})
	if got := dialer.dialCount(); got != dials+1 {
		t.Fatalf("expected exactly one more dial, got %d after %d", got, dials)
	}
	if m.Status().Terminal {
		t.Fatalf("successful connect must clear the terminal flag")
	}
}

func TestManager_ThrottleSuppressesRapidExternalConnects(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{}
	m, endpoints, _ := newTestManager(t, dialer, creds, pushCfg(20, 5, 60_000))

	// Signed out: the first attempt fails before touching the network but
	// still counts for the throttle window.
	m.Connect(context.Background())
	creds.set("tok", true)
	m.Connect(context.Background())

	if got := dialer.dialCount(); got != 0 {
		t.Fatalf("throttled connect must not dial, got %d", got)
	}
	if got := endpoints.callCount(); got != 0 {
		t.Fatalf("throttled connect must not resolve the endpoint, got %d calls", got)
	}
}

func TestManager_SendsStartFrameAndTokenizedTarget(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{token: "s3cret", ok: true}
	m, _, _ := newTestManager(t, dialer, creds, pushCfg(20, 5, 1))

	m.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return m.Status().State == events.ConnectionStateOpen
	})

	conn := dialer.lastConn()
	writes := conn.written()
	if len(writes) == 0 || writes[0] != `{"event":"chat.start"}` {
		t.Fatalf("expected chat.start as the first frame, got %v", writes)
	}

	target := dialer.targets[0]
	if !strings.Contains(target, "access_token=s3cret") {
		t.Fatalf("expected the access token on the dial target, got %q", target)
	}
	if !strings.HasPrefix(target, "wss://push.example.test/stream") {
		t.Fatalf("expected the feed-provided endpoint, got %q", target)
	}
}

func TestManager_DisconnectSendsEndFrameAndStaysDown(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{token: "tok", ok: true}
	m, endpoints, _ := newTestManager(t, dialer, creds, pushCfg(5, 5, 1))

	m.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return m.Status().State == events.ConnectionStateOpen
	})

	m.Disconnect()

	if got := m.Status().State; got != events.ConnectionStateDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	writes := dialer.lastConn().written()
	if len(writes) != 2 || writes[1] != `{"event":"chat.end"}` {
		t.Fatalf("expected chat.end before closing, got %v", writes)
	}

	// The dying read loop must not schedule a reconnect after a clean stop.
	time.Sleep(60 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("clean disconnect must not reconnect, got %d dials", got)
	}

	// The cached endpoint is dropped, so the next session resolves it again.
	m.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return m.Status().State == events.ConnectionStateOpen
	})
	if got := endpoints.callCount(); got != 2 {
		t.Fatalf("expected endpoint re-resolution after disconnect, got %d calls", got)
	}
}

func TestManager_AuthRejectionIsTerminalImmediately(t *testing.T) {
	dialer := &fakeDialer{script: []error{&rest.HTTPError{StatusCode: 401, Message: "expired"}}}
	creds := &fakeCreds{token: "stale", ok: true}
	m, _, _ := newTestManager(t, dialer, creds, pushCfg(5, 5, 1))

	m.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return m.Status().Terminal })

	time.Sleep(60 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("auth failures must not be retried, got %d dials", got)
	}
}

func TestManager_DisconnectDuringDialWins(t *testing.T) {
	dialer := &fakeDialer{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	creds := &fakeCreds{token: "tok", ok: true}
	m, _, _ := newTestManager(t, dialer, creds, pushCfg(5, 5, 1))

	done := make(chan struct{})
	go func() {
		m.Connect(context.Background())
		close(done)
	}()
	<-dialer.started

	// Sign-out lands while the dial is still in flight.
	m.Disconnect()
	close(dialer.gate)
	<-done

	if got := m.Status().State; got != events.ConnectionStateDisconnected {
		t.Fatalf("expected disconnected after sign-out, got %s", got)
	}
	conn := dialer.lastConn()
	if conn == nil || !conn.isClosed() {
		t.Fatalf("the late dial result must be closed, not committed")
	}

	time.Sleep(60 * time.Millisecond)
	if got := m.Status().State; got != events.ConnectionStateDisconnected {
		t.Fatalf("connection must stay down after a deliberate disconnect, got %s", got)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("no reconnect after a deliberate disconnect, got %d dials", got)
	}
}

func TestManager_HandleVisibleResumesWhenDown(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{}
	m, endpoints, _ := newTestManager(t, dialer, creds, pushCfg(5, 5, 60_000))

	// Signed out: a visibility signal must not touch the network.
	m.HandleVisible(context.Background())
	if got := dialer.dialCount(); got != 0 {
		t.Fatalf("signed-out visibility must not dial, got %d", got)
	}
	if got := endpoints.callCount(); got != 0 {
		t.Fatalf("signed-out visibility must not resolve the endpoint, got %d calls", got)
	}

	creds.set("tok", true)
	m.HandleVisible(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return m.Status().State == events.ConnectionStateOpen
	})
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("expected a single resume dial, got %d", got)
	}

	// A visibility burst right after a disconnect stays inside the throttle
	// window and must be a no-op.
	m.Disconnect()
	m.HandleVisible(context.Background())
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("throttled visibility must not dial again, got %d", got)
	}
}

func TestManager_DispatchesClassifiedFramesToBus(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{token: "tok", ok: true}
	m, _, b := newTestManager(t, dialer, creds, pushCfg(5, 5, 1))

	msgSub := b.Subscribe(events.TopicChatMessage)
	notifSub := b.Subscribe(events.TopicNotification)
	defer b.Unsubscribe(msgSub, events.TopicChatMessage)
	defer b.Unsubscribe(notifSub, events.TopicNotification)

	m.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return m.Status().State == events.ConnectionStateOpen
	})
	conn := dialer.lastConn()

	conn.frames <- []byte(`{"event":"chat.message.new","data":{"messages":[` +
		`{"message_id":7,"channel_id":42,"sender_id":3,"content":"hi","timestamp":"2026-02-01T10:00:00Z"}]}}`)
	select {
	case raw := <-msgSub:
		ev, ok := raw.(events.ChannelMessages)
		if !ok {
			t.Fatalf("unexpected event type %T", raw)
		}
		if ev.ChannelID != 42 || len(ev.Messages) != 1 || ev.Messages[0].ID != 7 {
			t.Fatalf("unexpected chat event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for chat message event")
	}

	conn.frames <- []byte(`{"event":"new","data":{"name":"friend_request",` +
		`"object_type":"user","object_id":5,"created_at":"2026-02-01T10:00:00Z","details":{"title":"wants to be friends"}}}`)
	select {
	case raw := <-notifSub:
		ev, ok := raw.(events.IncomingNotification)
		if !ok {
			t.Fatalf("unexpected event type %T", raw)
		}
		if ev.Notification.ObjectID != 5 || ev.Notification.ObjectType != "user" {
			t.Fatalf("unexpected notification event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notification event")
	}
}
