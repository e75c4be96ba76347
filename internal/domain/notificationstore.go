package domain

import (
	"sort"
	"sync"
)

// NotificationStore keeps at most one notification per subject key. A
// re-delivered notification replaces the stored one only when it is newer;
// older re-deliveries are dropped silently.
type NotificationStore struct {
	mu      sync.RWMutex
	items   map[string]Notification
	changes chan struct{}
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{
		items:   make(map[string]Notification),
		changes: make(chan struct{}, 1),
	}
}

// Upsert applies the newest-wins rule keyed by (object_type, object_id).
// Reports whether the candidate was stored.
func (s *NotificationStore) Upsert(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.SubjectKey()
	existing, ok := s.items[key]
	if ok && !n.CreatedAt.After(existing.CreatedAt) {
		return false
	}
	s.items[key] = n
	s.notify()

	return true
}

// MarkRead retires the unread notification for a subject, if any. Reports
// whether a notification transitioned to read.
func (s *NotificationStore) MarkRead(objectType string, objectID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Notification{ObjectType: objectType, ObjectID: objectID}.SubjectKey()
	n, ok := s.items[key]
	if !ok || n.IsRead {
		return false
	}
	n.IsRead = true
	s.items[key] = n
	s.notify()

	return true
}

func (s *NotificationStore) Load(items []Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range items {
		key := n.SubjectKey()
		existing, ok := s.items[key]
		if ok && !n.CreatedAt.After(existing.CreatedAt) {
			continue
		}
		s.items[key] = n
	}
	s.notify()
}

// Unread returns the unread notification for a subject, if present.
func (s *NotificationStore) Unread(objectType string, objectID int64) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := Notification{ObjectType: objectType, ObjectID: objectID}.SubjectKey()
	n, ok := s.items[key]
	if !ok || n.IsRead {
		return Notification{}, false
	}

	return n, true
}

// All returns notifications sorted newest first.
func (s *NotificationStore) All() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0, len(s.items))
	for _, n := range s.items {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out
}

func (s *NotificationStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *NotificationStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
