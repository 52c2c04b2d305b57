// Package jwks resolves token signing keys from a remote JWK Set.
package jwks

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
)

// DefaultTimeout bounds a single JWKS fetch.
const DefaultTimeout = 10 * time.Second

// DefaultMinRefreshInterval is the shortest gap between two fetches
// triggered by an unknown kid.
const DefaultMinRefreshInterval = 30 * time.Second

// maxBodySize caps the JWKS response we are willing to read.
const maxBodySize = 1 << 20

// SigningKey is one verification key from the set.
type SigningKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
	Source    string
}

// Resolver fetches and caches the JWK Set published at a URL.
// It is safe for concurrent use.
type Resolver struct {
	url                string
	client             *http.Client
	minRefreshInterval time.Duration
	now                func() time.Time

	mu        sync.RWMutex
	keys      []SigningKey // nil until the first successful fetch
	fetchedAt time.Time    // last fetch attempt
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.client = c
	}
}

// WithTimeout sets the fetch timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.client = &http.Client{Timeout: d}
	}
}

// WithMinRefreshInterval sets how long an unknown kid is answered from the
// cache before the set is fetched again.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(r *Resolver) {
		r.minRefreshInterval = d
	}
}

// NewResolver creates a resolver for the JWK Set at url.
func NewResolver(url string, opts ...Option) *Resolver {
	r := &Resolver{
		url:                url,
		client:             &http.Client{Timeout: DefaultTimeout},
		minRefreshInterval: DefaultMinRefreshInterval,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// URL returns the JWK Set location.
func (r *Resolver) URL() string {
	return r.url
}

// Resolve finds the key for a compact-serialized token by its "kid" header.
// The token signature is not checked.
func (r *Resolver) Resolve(ctx context.Context, rawToken string) (SigningKey, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return SigningKey{}, fmt.Errorf("%w: malformed token: %v", identity.ErrInvalidSignature, err)
	}
	kid, _ := tok.Header["kid"].(string)
	return r.Key(ctx, kid)
}

// Key returns the key with the given id. When kid is unknown the set is
// re-fetched once before giving up, at most once per minimum refresh
// interval. An empty kid matches only when the set holds exactly one key.
func (r *Resolver) Key(ctx context.Context, kid string) (SigningKey, error) {
	r.mu.RLock()
	cached := r.keys
	r.mu.RUnlock()

	if cached != nil {
		if k, ok := lookup(cached, kid); ok {
			return k, nil
		}
		if !r.claimRefetch() {
			return SigningKey{}, fmt.Errorf("%w: no key with kid %q (key set refreshed recently)", identity.ErrKeyResolution, kid)
		}
	}

	fresh, err := r.Refresh(ctx)
	if err != nil {
		return SigningKey{}, err
	}
	if k, ok := lookup(fresh, kid); ok {
		return k, nil
	}

	if kid == "" {
		return SigningKey{}, fmt.Errorf("%w: token has no kid and key set holds %d keys", identity.ErrKeyResolution, len(fresh))
	}
	return SigningKey{}, fmt.Errorf("%w: no key with kid %q", identity.ErrKeyResolution, kid)
}

// claimRefetch reports whether an unknown kid may trigger a fetch now and
// records the attempt if so.
func (r *Resolver) claimRefetch() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.fetchedAt.IsZero() && now.Sub(r.fetchedAt) < r.minRefreshInterval {
		return false
	}
	r.fetchedAt = now
	return true
}

// Refresh fetches the key set and replaces the cache.
func (r *Resolver) Refresh(ctx context.Context) ([]SigningKey, error) {
	r.mu.Lock()
	r.fetchedAt = r.now()
	r.mu.Unlock()

	keys, err := r.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrKeyResolution, err)
	}

	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()

	slog.Debug("fetched signing keys", "url", r.url, "count", len(keys))
	return keys, nil
}

func (r *Resolver) fetch(ctx context.Context) ([]SigningKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", r.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("JWKS endpoint %s returned status %d", r.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make([]SigningKey, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if key.KeyUsage() == "enc" {
			continue
		}

		sk, err := r.toSigningKey(key)
		if err != nil {
			slog.Warn("skipping unusable JWK", "kid", key.KeyID(), "error", err)
			continue
		}
		keys = append(keys, sk)
	}

	if len(keys) == 0 {
		return nil, errors.New("JWKS contains no usable signing keys")
	}
	return keys, nil
}

func (r *Resolver) toSigningKey(key jwk.Key) (SigningKey, error) {
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return SigningKey{}, fmt.Errorf("failed to derive public key: %w", err)
	}

	var raw interface{}
	if err := pub.Raw(&raw); err != nil {
		return SigningKey{}, fmt.Errorf("failed to materialize key: %w", err)
	}

	var alg string
	if a := pub.Algorithm(); a != nil {
		alg = a.String()
	}

	return SigningKey{
		KeyID:     pub.KeyID(),
		Algorithm: alg,
		Key:       raw,
		Source:    r.url,
	}, nil
}

func lookup(keys []SigningKey, kid string) (SigningKey, bool) {
	if kid == "" {
		if len(keys) == 1 {
			return keys[0], true
		}
		return SigningKey{}, false
	}
	for _, k := range keys {
		if k.KeyID == kid {
			return k, true
		}
	}
	return SigningKey{}, false
}
