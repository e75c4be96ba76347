package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RemoteMarker is the slice of the REST collaborator the tracker needs.
type RemoteMarker interface {
	MarkRead(ctx context.Context, channelID, messageID int64) error
}

type pendingMark struct {
	timer *time.Timer
	maxID int64
	ctx   context.Context
}

type dwellKey struct {
	channelID int64
	messageID int64
}

// ReadStateTracker debounces mark-as-read calls per channel, coalescing
// rapid requests into one remote call carrying the highest message ID, and
// owns the dwell timers behind visibility-based auto-read. A failed remote
// call leaves local state untouched; the next qualifying event retries.
type ReadStateTracker struct {
	logger   *slog.Logger
	remote   RemoteMarker
	debounce time.Duration
	dwell    time.Duration

	// lastRead reads the channel's current watermark; onAck commits an
	// acknowledged advance. Both are wired by the orchestrator so the
	// tracker never touches canonical state directly.
	lastRead func(channelID int64) int64
	onAck    func(channelID, messageID int64)

	mu      sync.Mutex
	pending map[int64]*pendingMark
	dwells  map[dwellKey]*time.Timer
}

func NewReadStateTracker(
	logger *slog.Logger,
	remote RemoteMarker,
	debounce, dwell time.Duration,
	lastRead func(channelID int64) int64,
	onAck func(channelID, messageID int64),
) *ReadStateTracker {
	return &ReadStateTracker{
		logger:   logger,
		remote:   remote,
		debounce: debounce,
		dwell:    dwell,
		lastRead: lastRead,
		onAck:    onAck,
		pending:  make(map[int64]*pendingMark),
		dwells:   make(map[dwellKey]*time.Timer),
	}
}

// Schedule requests a mark-as-read. Calls inside the debounce window for the
// same channel coalesce; requests at or below the current watermark are
// skipped entirely.
func (t *ReadStateTracker) Schedule(ctx context.Context, channelID, messageID int64) {
	if messageID <= t.lastRead(channelID) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pending[channelID]; ok {
		if messageID > p.maxID {
			p.maxID = messageID
		}

		return
	}

	p := &pendingMark{maxID: messageID, ctx: ctx}
	p.timer = time.AfterFunc(t.debounce, func() {
		t.fire(channelID)
	})
	t.pending[channelID] = p
}

// Flush fires every pending mark immediately.
func (t *ReadStateTracker) Flush() {
	t.mu.Lock()
	ids := make([]int64, 0, len(t.pending))
	for channelID, p := range t.pending {
		p.timer.Stop()
		ids = append(ids, channelID)
	}
	t.mu.Unlock()

	for _, channelID := range ids {
		t.fire(channelID)
	}
}

// MessageVisible starts the dwell clock for a message. The auto-read only
// triggers after continuous observation for the full dwell time.
func (t *ReadStateTracker) MessageVisible(ctx context.Context, channelID, messageID int64) {
	if messageID <= t.lastRead(channelID) {
		return
	}

	key := dwellKey{channelID: channelID, messageID: messageID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.dwells[key]; ok {
		return
	}
	t.dwells[key] = time.AfterFunc(t.dwell, func() {
		t.mu.Lock()
		delete(t.dwells, key)
		t.mu.Unlock()
		t.Schedule(ctx, channelID, messageID)
	})
}

// MessageHidden cancels a dwell clock that has not elapsed yet, so messages
// scrolling past quickly are not marked read.
func (t *ReadStateTracker) MessageHidden(channelID, messageID int64) {
	key := dwellKey{channelID: channelID, messageID: messageID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.dwells[key]; ok {
		timer.Stop()
		delete(t.dwells, key)
	}
}

func (t *ReadStateTracker) fire(channelID int64) {
	t.mu.Lock()
	p, ok := t.pending[channelID]
	if ok {
		delete(t.pending, channelID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if p.maxID <= t.lastRead(channelID) {
		return
	}

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := t.remote.MarkRead(ctx, channelID, p.maxID); err != nil {
		// No optimistic decrement: unread state stays as-is and the next
		// qualifying event retries.
		t.logger.Warn("mark-as-read failed", "channel_id", channelID, "message_id", p.maxID, "error", err)

		return
	}

	t.onAck(channelID, p.maxID)
}
