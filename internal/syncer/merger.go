package syncer

import (
	"sync"

	"chatsync/internal/dedupe"
	"chatsync/internal/domain"
)

// Merger reconciles a REST-fetched history with messages that arrived live
// while the fetch was in flight. Each channel selection mints a fresh token;
// a settle carrying a stale token is inert, which makes superseded loads
// provably harmless.
type Merger struct {
	mu             sync.Mutex
	token          uint64
	channelID      int64
	loading        bool
	buffered       []domain.Message
	retryThreshold float64
}

func NewMerger(retryThreshold float64) *Merger {
	return &Merger{retryThreshold: retryThreshold}
}

// Begin starts a history load for a channel and supersedes any load still in
// flight. Returns the token the eventual settle must present.
func (m *Merger) Begin(channelID int64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token++
	m.channelID = channelID
	m.loading = true
	m.buffered = nil

	return m.token
}

// Buffer holds a live message that arrived while this channel's history is
// loading so the merge does not lose it. Reports whether the message was
// taken; callers append unbuffered messages directly.
func (m *Merger) Buffer(msg domain.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loading || msg.ChannelID != m.channelID {
		return false
	}
	m.buffered = append(m.buffered, msg)

	return true
}

// Settle merges history with the buffered live messages and hands the result
// to commit while still holding the merge lock, so no live message can slip
// between the merge and the store write: a concurrent Buffer call blocks
// until the commit finishes and then takes the direct-append path. Returns
// false without invoking commit when the token has been superseded or this
// selection already settled or aborted.
func (m *Merger) Settle(token uint64, history []domain.Message, commit func(merged []domain.Message)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != m.token || !m.loading {
		return false
	}
	merged := make([]domain.Message, 0, len(history)+len(m.buffered))
	merged = append(merged, history...)
	merged = append(merged, m.buffered...)
	merged = domain.SortedUnique(merged)
	merged = dedupe.CollapseRetries(merged, m.retryThreshold)

	if commit != nil {
		commit(merged)
	}
	m.loading = false
	m.buffered = nil

	return true
}

// Abort ends a failed load. Buffered live messages are handed to commit
// under the merge lock so they stay visible instead of being cleared with
// the failed fetch. Inert for superseded or already-settled tokens.
func (m *Merger) Abort(token uint64, commit func(kept []domain.Message)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != m.token || !m.loading {
		return false
	}
	kept := domain.SortedUnique(m.buffered)
	if commit != nil {
		commit(kept)
	}
	m.loading = false
	m.buffered = nil

	return true
}
