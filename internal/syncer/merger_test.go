package syncer

import (
	"testing"
	"time"

	"chatsync/internal/domain"
)

func msgAt(id, channelID int64, sec int) domain.Message {
	return domain.Message{
		ID:        id,
		ChannelID: channelID,
		SenderID:  1,
		Timestamp: time.Date(2026, 2, 1, 10, 0, sec, 0, time.UTC),
	}
}

func settle(t *testing.T, m *Merger, token uint64, history []domain.Message) ([]domain.Message, bool) {
	t.Helper()
	var merged []domain.Message
	ok := m.Settle(token, history, func(result []domain.Message) {
		merged = result
	})

	return merged, ok
}

func TestMerger_LiveMessageDuringLoadIsMerged(t *testing.T) {
	m := NewMerger(0.9)
	token := m.Begin(1)

	live := msgAt(104, 1, 4)
	live.Content = "live"
	if !m.Buffer(live) {
		t.Fatalf("expected live message to be buffered while loading")
	}

	history := []domain.Message{msgAt(101, 1, 1), msgAt(102, 1, 2), msgAt(103, 1, 3)}
	for i, content := range []string{"first words", "second thing", "third reply"} {
		history[i].Content = content
	}
	merged, ok := settle(t, m, token, history)
	if !ok {
		t.Fatalf("expected settle to be current")
	}

	if len(merged) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(merged))
	}
	for i, want := range []int64{101, 102, 103, 104} {
		if merged[i].ID != want {
			t.Fatalf("position %d: expected %d, got %d", i, want, merged[i].ID)
		}
	}
}

func TestMerger_StaleTokenIsInert(t *testing.T) {
	m := NewMerger(0.9)

	tokenA := m.Begin(1)
	tokenB := m.Begin(2)

	if m.Settle(tokenA, []domain.Message{msgAt(1, 1, 0)}, func([]domain.Message) {
		t.Fatalf("superseded settle must not commit")
	}) {
		t.Fatalf("superseded settle must be discarded")
	}
	merged, ok := settle(t, m, tokenB, []domain.Message{msgAt(2, 2, 0)})
	if !ok || len(merged) != 1 || merged[0].ID != 2 {
		t.Fatalf("current settle should commit, got %+v ok=%v", merged, ok)
	}
}

func TestMerger_BufferIgnoresOtherChannels(t *testing.T) {
	m := NewMerger(0.9)
	m.Begin(1)

	if m.Buffer(msgAt(1, 2, 0)) {
		t.Fatalf("message for another channel must not be buffered")
	}
}

func TestMerger_BufferAfterSettleIsRejected(t *testing.T) {
	m := NewMerger(0.9)
	token := m.Begin(1)
	if _, ok := settle(t, m, token, nil); !ok {
		t.Fatalf("settle should be current")
	}

	if m.Buffer(msgAt(1, 1, 0)) {
		t.Fatalf("buffering must stop once the load settles")
	}
}

func TestMerger_ExactlyOneSettlePerSelection(t *testing.T) {
	m := NewMerger(0.9)
	token := m.Begin(1)

	if _, ok := settle(t, m, token, nil); !ok {
		t.Fatalf("first settle should commit")
	}
	if m.Settle(token, nil, func([]domain.Message) {
		t.Fatalf("second settle must not commit")
	}) {
		t.Fatalf("second settle with the same token must be inert")
	}
	if m.Abort(token, func([]domain.Message) {
		t.Fatalf("abort after settle must not commit")
	}) {
		t.Fatalf("abort after settle must be inert")
	}
}

func TestMerger_AbortKeepsBufferedMessages(t *testing.T) {
	m := NewMerger(0.9)
	token := m.Begin(1)
	live := msgAt(9, 1, 0)
	live.Content = "live"
	m.Buffer(live)

	var kept []domain.Message
	if !m.Abort(token, func(result []domain.Message) { kept = result }) {
		t.Fatalf("abort with current token should apply")
	}
	if len(kept) != 1 || kept[0].ID != 9 {
		t.Fatalf("buffered live messages must survive a failed load, got %+v", kept)
	}
	if _, ok := settle(t, m, token, nil); ok {
		t.Fatalf("settle after abort must be inert")
	}
}

func TestMerger_SettleDedupesHistoryAgainstBuffer(t *testing.T) {
	m := NewMerger(0.9)
	token := m.Begin(1)

	dup := msgAt(102, 1, 2)
	dup.Content = "dup"
	m.Buffer(dup)

	history := []domain.Message{msgAt(101, 1, 1), msgAt(102, 1, 2)}
	history[0].Content = "a"
	history[1].Content = "dup"
	merged, _ := settle(t, m, token, history)

	if len(merged) != 2 {
		t.Fatalf("expected duplicate identity to collapse, got %d", len(merged))
	}
}

func TestMerger_LiveMessageDuringCommitIsNotLost(t *testing.T) {
	m := NewMerger(0.9)
	token := m.Begin(1)
	store := domain.NewChannelStore()

	history := []domain.Message{msgAt(101, 1, 1)}
	history[0].Content = "history entry"

	live := msgAt(104, 1, 4)
	live.Content = "delivered mid-commit"

	inCommit := make(chan struct{})
	buffered := make(chan bool, 1)
	go func() {
		<-inCommit
		// Blocks on the merge lock until the commit below finishes, then
		// must take the direct-append path, landing after the replace.
		taken := m.Buffer(live)
		if !taken {
			store.AppendMessage(live)
		}
		buffered <- taken
	}()

	ok := m.Settle(token, history, func(merged []domain.Message) {
		close(inCommit)
		// Let the live delivery reach Buffer while the commit is running.
		time.Sleep(20 * time.Millisecond)
		store.ReplaceMessages(1, merged)
	})
	if !ok {
		t.Fatalf("settle should commit")
	}
	if taken := <-buffered; taken {
		t.Fatalf("a message arriving during commit must not enter the settled buffer")
	}

	msgs := store.Messages(1)
	if len(msgs) != 2 || msgs[0].ID != 101 || msgs[1].ID != 104 {
		t.Fatalf("live message lost across the commit, got %+v", msgs)
	}
}
