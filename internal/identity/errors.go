package identity

import "errors"

// Request and state errors.
var (
	ErrMissingParameter      = errors.New("missing required parameter")
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")
	ErrStoreUnavailable      = errors.New("backing store unavailable")
)

// Token verification errors. Each check of the verifier fails with exactly
// one of these.
var (
	ErrKeyResolution      = errors.New("signing key resolution failed")
	ErrInvalidSignature   = errors.New("invalid token signature")
	ErrMissingClaim       = errors.New("required claim missing")
	ErrExpired            = errors.New("token expired")
	ErrAudienceMismatch   = errors.New("audience mismatch")
	ErrIssuerMismatch     = errors.New("issuer mismatch")
	ErrNonceMismatch      = errors.New("nonce mismatch")
	ErrDeploymentMismatch = errors.New("deployment id mismatch")
)

// ErrInvalidToken is what protocol components return for any verification
// failure, so the HTTP layer never learns which check failed.
var ErrInvalidToken = errors.New("invalid token")

// Staff sign-in errors.
var (
	ErrNotConfigured       = errors.New("staff sign-in is not configured")
	ErrMetadata            = errors.New("identity provider metadata unavailable")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrMissingIdToken      = errors.New("token endpoint did not return id_token")
)

// ErrSessionNotFound is returned for unknown or expired session tokens.
var ErrSessionNotFound = errors.New("session not found or expired")

// IsVerificationError reports whether err came from one of the token checks.
func IsVerificationError(err error) bool {
	for _, target := range []error{
		ErrKeyResolution, ErrInvalidSignature, ErrMissingClaim, ErrExpired,
		ErrAudienceMismatch, ErrIssuerMismatch, ErrNonceMismatch, ErrDeploymentMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
