package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
	"github.com/al-bashkir/lti-identity-bridge/internal/jwks"
)

// DefaultLeeway is the clock skew tolerated on exp, iat and nbf.
const DefaultLeeway = 60 * time.Second

// Accepted signature algorithms. RS256 is what LTI platforms use.
var validMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// KeyResolver looks up verification keys by id.
type KeyResolver interface {
	Key(ctx context.Context, kid string) (jwks.SigningKey, error)
}

// Expectations are the values a token must carry to be accepted.
type Expectations struct {
	Audience string
	Issuer   string
	Nonce    string

	// NonceOptional compares nonces only when both sides are present.
	NonceOptional bool

	DeploymentID      string
	RequireDeployment bool

	// CheckMessageType logs a warning for messages other than
	// LtiResourceLinkRequest. It never rejects.
	CheckMessageType bool
}

// Verifier checks token signatures and claims.
type Verifier struct {
	keys   KeyResolver
	leeway time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLeeway sets the tolerated clock skew.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger sets the logger used for soft warnings.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// NewVerifier creates a verifier that takes keys from keys.
func NewVerifier(keys KeyResolver, opts ...Option) *Verifier {
	v := &Verifier{
		keys:   keys,
		leeway: DefaultLeeway,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks raw against exp and returns its claims. Checks run in a fixed
// order and the first failure is returned:
//
//  1. signature (identity.ErrKeyResolution, identity.ErrInvalidSignature)
//  2. presence of exp, iat, aud, iss, sub (identity.ErrMissingClaim)
//  3. expiry and issue time (identity.ErrExpired)
//  4. audience, then issuer (identity.ErrAudienceMismatch, identity.ErrIssuerMismatch)
//  5. nonce (identity.ErrNonceMismatch)
//  6. deployment id (identity.ErrDeploymentMismatch)
func (v *Verifier) Verify(ctx context.Context, raw string, exp Expectations) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(raw, claims, v.keyfunc(ctx),
		jwt.WithValidMethods(validMethods),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, identity.ErrKeyResolution) {
			return nil, err
		}
		if errors.Is(err, identity.ErrInvalidSignature) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", identity.ErrInvalidSignature, err)
	}

	if err := v.checkClaims(claims, exp); err != nil {
		return nil, err
	}

	if exp.CheckMessageType && claims.MessageType != MessageTypeResourceLink {
		v.logger.Warn("unexpected LTI message type",
			"message_type", claims.MessageType,
			"issuer", claims.Issuer,
		)
	}

	return claims, nil
}

func (v *Verifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)

		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, err
		}

		if key.Algorithm != "" && key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("%w: token signed with %s but key %q declares %s",
				identity.ErrInvalidSignature, t.Method.Alg(), key.KeyID, key.Algorithm)
		}
		return key.Key, nil
	}
}

func (v *Verifier) checkClaims(c *Claims, exp Expectations) error {
	switch {
	case c.ExpiresAt == nil:
		return fmt.Errorf("%w: exp", identity.ErrMissingClaim)
	case c.IssuedAt == nil:
		return fmt.Errorf("%w: iat", identity.ErrMissingClaim)
	case len(c.Audience) == 0:
		return fmt.Errorf("%w: aud", identity.ErrMissingClaim)
	case c.Issuer == "":
		return fmt.Errorf("%w: iss", identity.ErrMissingClaim)
	case c.Subject == "":
		return fmt.Errorf("%w: sub", identity.ErrMissingClaim)
	}

	now := v.now()
	if now.After(c.ExpiresAt.Add(v.leeway)) {
		return fmt.Errorf("%w: expired at %s", identity.ErrExpired, c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if c.IssuedAt.After(now.Add(v.leeway)) {
		return fmt.Errorf("%w: issued in the future at %s", identity.ErrExpired, c.IssuedAt.UTC().Format(time.RFC3339))
	}
	if c.NotBefore != nil && c.NotBefore.After(now.Add(v.leeway)) {
		return fmt.Errorf("%w: not valid before %s", identity.ErrExpired, c.NotBefore.UTC().Format(time.RFC3339))
	}

	if !slices.Contains(c.Audience, exp.Audience) {
		return fmt.Errorf("%w: expected %q", identity.ErrAudienceMismatch, exp.Audience)
	}
	if c.Issuer != exp.Issuer {
		return fmt.Errorf("%w: got %q, expected %q", identity.ErrIssuerMismatch, c.Issuer, exp.Issuer)
	}

	if exp.NonceOptional {
		if exp.Nonce != "" && c.Nonce != "" && c.Nonce != exp.Nonce {
			return identity.ErrNonceMismatch
		}
	} else if c.Nonce == "" || c.Nonce != exp.Nonce {
		return identity.ErrNonceMismatch
	}

	if exp.RequireDeployment && c.DeploymentID != exp.DeploymentID {
		return fmt.Errorf("%w: got %q", identity.ErrDeploymentMismatch, c.DeploymentID)
	}

	return nil
}
