package domain

import (
	"sort"
	"sync"
)

// ChannelStore holds the canonical channel list and per-channel message
// sequences. All mutations go through the orchestrator; consumers read
// cloned snapshots and watch Changes for coalesced update signals.
type ChannelStore struct {
	mu       sync.RWMutex
	channels map[int64]Channel
	messages map[int64][]Message
	changes  chan struct{}
}

func NewChannelStore() *ChannelStore {
	return &ChannelStore{
		channels: make(map[int64]Channel),
		messages: make(map[int64][]Message),
		changes:  make(chan struct{}, 1),
	}
}

func (s *ChannelStore) UpsertChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.channels[ch.ID]
	if ok {
		// last-read only moves forward, regardless of what the server sent.
		if ch.LastReadID < existing.LastReadID {
			ch.LastReadID = existing.LastReadID
		}
		if ch.LastMessageID < existing.LastMessageID {
			ch.LastMessageID = existing.LastMessageID
		}
	}
	ch = clampReadState(ch)
	s.channels[ch.ID] = ch
	s.notify()
}

func (s *ChannelStore) Channel(id int64) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]

	return ch, ok
}

func (s *ChannelStore) ChannelsSorted() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageID != out[j].LastMessageID {
			return out[i].LastMessageID > out[j].LastMessageID
		}

		return out[i].ID < out[j].ID
	})

	return out
}

func (s *ChannelStore) Messages(channelID int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[channelID]
	cloned := make([]Message, len(msgs))
	copy(cloned, msgs)

	return cloned
}

// ReplaceMessages commits a settled merge result: the sequence is stored
// sorted by (timestamp, id) with duplicate identities discarded.
func (s *ChannelStore) ReplaceMessages(channelID int64, msgs []Message) {
	sorted := SortedUnique(msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[channelID] = sorted
	s.bumpLastMessageLocked(channelID, sorted)
	s.notify()
}

// AppendMessage inserts a live-delivered message unless its identity is
// already present. Reports whether the message was added.
func (s *ChannelStore) AppendMessage(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.messages[msg.ChannelID]
	for _, m := range existing {
		if m.ID == msg.ID {
			return false
		}
	}
	merged := append(existing, msg)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].OrderedBefore(merged[j])
	})
	s.messages[msg.ChannelID] = merged
	s.bumpLastMessageLocked(msg.ChannelID, merged)
	s.notify()

	return true
}

// ReplaceMessageID swaps an optimistic placeholder identity for the
// server-assigned one once the send call resolves.
func (s *ChannelStore) ReplaceMessageID(channelID, placeholderID int64, actual Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[channelID]
	for i, m := range msgs {
		if m.ID == placeholderID {
			msgs[i] = actual
			sort.SliceStable(msgs, func(a, b int) bool {
				return msgs[a].OrderedBefore(msgs[b])
			})
			s.bumpLastMessageLocked(channelID, msgs)
			s.notify()

			return true
		}
	}

	return false
}

// AdvanceLastRead moves a channel's last-read watermark forward. Backward
// moves are ignored. Reports whether the watermark changed.
func (s *ChannelStore) AdvanceLastRead(channelID, messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok || messageID <= ch.LastReadID {
		return false
	}
	ch.LastReadID = messageID
	s.channels[channelID] = clampReadState(ch)
	s.notify()

	return true
}

func (s *ChannelStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *ChannelStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *ChannelStore) bumpLastMessageLocked(channelID int64, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1].ID
	ch, ok := s.channels[channelID]
	if !ok || last <= ch.LastMessageID {
		return
	}
	ch.LastMessageID = last
	s.channels[channelID] = clampReadState(ch)
}

// SortedUnique returns msgs ordered by (timestamp, id) with duplicate
// identities removed; the first occurrence wins.
func SortedUnique(msgs []Message) []Message {
	seen := make(map[int64]struct{}, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OrderedBefore(out[j])
	})

	return out
}

// clampReadState enforces last_read_id <= last_message_id once both are
// known; violations clamp, never go negative.
func clampReadState(ch Channel) Channel {
	if ch.LastReadID < 0 {
		ch.LastReadID = 0
	}
	if ch.LastMessageID > 0 && ch.LastReadID > ch.LastMessageID {
		ch.LastReadID = ch.LastMessageID
	}

	return ch
}
