package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
	"github.com/al-bashkir/lti-identity-bridge/internal/logsanitize"
	"github.com/al-bashkir/lti-identity-bridge/internal/kv"
)

const (
	// Namespace prefixes every session key.
	Namespace = "lti_session"

	// DefaultTTL is the session lifetime (8 hours).
	DefaultTTL = 28800 * time.Second

	// tokenBytes is the entropy of a session token before encoding.
	tokenBytes = 48
)

// Manager creates and looks up sessions in a key-value store.
// It holds no state of its own and is safe for concurrent use.
type Manager struct {
	store  kv.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a session manager. A non-positive ttl selects DefaultTTL.
func NewManager(store kv.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create stores a new session for user and course and returns its token.
func (m *Manager) Create(ctx context.Context, user identity.UserContext, course identity.CourseContext) (string, error) {
	token, err := generateSessionToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}

	now := m.now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		User:         user,
		Course:       course,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastAccessed: now,
	}

	if err := m.save(ctx, token, sess); err != nil {
		return "", err
	}

	m.logger.Info("session created",
		"session_id", sess.ID,
		"token", logsanitize.TokenPrefix(token),
		"user_id", user.UserID,
	)
	return token, nil
}

// Get returns the session for token and slides its expiry by the full TTL.
func (m *Manager) Get(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, identity.ErrSessionNotFound
	}

	raw, err := m.store.Get(ctx, key(token))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, identity.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		m.logger.Warn("discarding malformed session", "token", logsanitize.TokenPrefix(token), "error", err)
		return nil, identity.ErrSessionNotFound
	}

	now := m.now().UTC()
	sess.LastAccessed = now
	sess.ExpiresAt = now.Add(m.ttl)

	data, err := json.Marshal(&sess)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	// A logout between the read and this write must not bring the session back.
	ok, err := m.store.SetExisting(ctx, key(token), data, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return nil, identity.ErrSessionNotFound
	}

	return &sess, nil
}

// Delete removes the session for token and reports whether it existed.
func (m *Manager) Delete(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	deleted, err := m.store.Del(ctx, key(token))
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	if deleted {
		m.logger.Info("session deleted", "token", logsanitize.TokenPrefix(token))
	}
	return deleted, nil
}

// Refresh resets the expiry of token to the full TTL without reading it.
// It reports false when the session does not exist.
func (m *Manager) Refresh(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	ok, err := m.store.Expire(ctx, key(token), m.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to refresh session: %w", err)
	}
	return ok, nil
}

func (m *Manager) save(ctx context.Context, token string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Set(ctx, key(token), data, m.ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func key(token string) string {
	return Namespace + ":" + token
}

// generateSessionToken returns 48 random bytes as unpadded base64url.
func generateSessionToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
