package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Session is the persisted sign-in state.
type Session struct {
	UserID      int64
	AccessToken string
	UpdatedAt   time.Time
}

// SessionRepo stores the single signed-in session. It doubles as the
// engine's CredentialSource: AccessToken reads a cached copy so the sync
// core never blocks on disk.
type SessionRepo struct {
	db *sql.DB

	mu     sync.RWMutex
	cached *Session
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Load(ctx context.Context) (Session, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, access_token, updated_at FROM session WHERE id = 1
	`)

	var (
		s         Session
		updatedMs int64
	)
	if err := row.Scan(&s.UserID, &s.AccessToken, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}

		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	s.UpdatedAt = time.UnixMilli(updatedMs)

	r.mu.Lock()
	r.cached = &s
	r.mu.Unlock()

	return s, true, nil
}

func (r *SessionRepo) Save(ctx context.Context, s Session) error {
	if strings.TrimSpace(s.AccessToken) == "" {
		return errors.New("access token is required")
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session(id, user_id, access_token, updated_at)
		VALUES(1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			access_token = excluded.access_token,
			updated_at = excluded.updated_at
	`, s.UserID, s.AccessToken, s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	r.mu.Lock()
	r.cached = &s
	r.mu.Unlock()

	return nil
}

// Clear is the sign-out path.
func (r *SessionRepo) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM session WHERE id = 1`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()

	return nil
}

// AccessToken implements push.CredentialSource.
func (r *SessionRepo) AccessToken() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cached == nil || r.cached.AccessToken == "" {
		return "", false
	}

	return r.cached.AccessToken, true
}
