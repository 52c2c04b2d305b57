// Package state stores short-lived, single-use authorization state for the
// LTI login and staff sign-in flows.
package state

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
	"github.com/al-bashkir/lti-identity-bridge/internal/kv"
	"github.com/al-bashkir/lti-identity-bridge/internal/logsanitize"
)

// Key namespaces used by the two flows.
const (
	NamespaceLTI   = "lti_state"
	NamespaceStaff = "staff_oidc_state"
)

// DefaultTTL is the lifetime of a pending authorization state.
const DefaultTTL = 300 * time.Second

// MinTokenBytes is the minimum entropy for state and nonce values.
const MinTokenBytes = 32

// Record is the data remembered between the two legs of a flow.
type Record struct {
	Nonce         string `json:"nonce"`
	CodeVerifier  string `json:"code_verifier,omitempty"`
	Issuer        string `json:"iss,omitempty"`
	TargetLinkURI string `json:"target_link_uri,omitempty"`
}

// Store puts and takes Records under one namespace.
type Store struct {
	kv        kv.Store
	namespace string
	ttl       time.Duration
}

// New creates a Store. A zero ttl uses DefaultTTL.
func New(store kv.Store, namespace string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: store, namespace: namespace, ttl: ttl}
}

// TTL returns the configured state lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Put saves rec under state, replacing any previous record.
func (s *Store) Put(ctx context.Context, state string, rec Record) error {
	if state == "" {
		return fmt.Errorf("%w: state", identity.ErrMissingParameter)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode state record: %w", err)
	}

	if err := s.kv.Set(ctx, s.key(state), data, s.ttl); err != nil {
		return fmt.Errorf("failed to store state: %w", err)
	}
	return nil
}

// Take returns the record for state and deletes it. It succeeds at most once
// per state; absent, expired, consumed and malformed records all fail with
// identity.ErrInvalidOrExpiredState.
func (s *Store) Take(ctx context.Context, state string) (Record, error) {
	if state == "" {
		return Record{}, identity.ErrInvalidOrExpiredState
	}

	data, err := s.kv.GetDel(ctx, s.key(state))
	if errors.Is(err, kv.ErrNotFound) {
		return Record{}, identity.ErrInvalidOrExpiredState
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to consume state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("discarding malformed state record",
			"namespace", s.namespace,
			"state", logsanitize.TokenPrefix(state),
			"error", err,
		)
		return Record{}, identity.ErrInvalidOrExpiredState
	}

	return rec, nil
}

func (s *Store) key(state string) string {
	return s.namespace + ":" + state
}

// GenerateToken returns n random bytes (at least MinTokenBytes) encoded as
// unpadded base64url.
func GenerateToken(n int) (string, error) {
	if n < MinTokenBytes {
		n = MinTokenBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
