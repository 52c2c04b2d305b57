// Package session stores the opaque session tokens handed to the frontend
// after a successful launch or staff sign-in.
package session

import (
	"time"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
)

// Session is the server-side record behind a session token.
// It is stored as JSON; field names are shared with other readers of the
// same Redis keyspace.
type Session struct {
	// ID is a random UUID identifying the session in logs
	ID string `json:"session_id"`

	User   identity.UserContext   `json:"user"`
	Course identity.CourseContext `json:"course"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt moves forward on every successful Get
	ExpiresAt time.Time `json:"expires_at"`

	LastAccessed time.Time `json:"last_accessed"`
}
