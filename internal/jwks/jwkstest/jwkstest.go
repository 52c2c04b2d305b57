// Package jwkstest runs a throwaway token issuer for tests: an RSA key pair,
// an httptest server publishing its JWK Set, and a signer.
package jwkstest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Issuer publishes a JWK Set and signs tokens with the matching key.
type Issuer struct {
	Server *httptest.Server

	mu   sync.RWMutex
	key  *rsa.PrivateKey
	kid  string
	body []byte
	// status overrides the response code when non-zero
	status int

	hits atomic.Int32
}

// New starts an issuer with a fresh 2048-bit key under kid.
// The server is closed when the test ends.
func New(t *testing.T, kid string) *Issuer {
	t.Helper()

	iss := &Issuer{}
	iss.Rotate(t, kid)

	iss.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		iss.hits.Add(1)

		iss.mu.RLock()
		body, status := iss.body, iss.status
		iss.mu.RUnlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(iss.Server.Close)

	return iss
}

// URL returns the JWK Set location.
func (i *Issuer) URL() string {
	return i.Server.URL
}

// Hits returns how many times the JWK Set was requested.
func (i *Issuer) Hits() int {
	return int(i.hits.Load())
}

// KeyID returns the id of the current signing key.
func (i *Issuer) KeyID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.kid
}

// SetStatus makes the JWKS endpoint answer with status and no body.
// Zero restores normal responses.
func (i *Issuer) SetStatus(status int) {
	i.mu.Lock()
	i.status = status
	i.mu.Unlock()
}

// SetBody replaces the published document verbatim.
func (i *Issuer) SetBody(body []byte) {
	i.mu.Lock()
	i.body = body
	i.mu.Unlock()
}

// Rotate replaces the signing key and publishes only the new one.
func (i *Issuer) Rotate(t *testing.T, kid string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	body := PublicSet(t, &key.PublicKey, kid)

	i.mu.Lock()
	i.key, i.kid, i.body = key, kid, body
	i.mu.Unlock()
}

// Sign returns an RS256 token over claims with the current key and kid.
func (i *Issuer) Sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()

	i.mu.RLock()
	key, kid := i.key, i.kid
	i.mu.RUnlock()

	return SignWith(t, key, kid, claims)
}

// SignWith signs claims with an arbitrary key; kid is omitted when empty.
func SignWith(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.Claims) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// PublicSet encodes pub as a one-key JWK Set document.
func PublicSet(t *testing.T, pub *rsa.PublicKey, kid string) []byte {
	t.Helper()
	return KeySet(t, map[string]*rsa.PublicKey{kid: pub})
}

// KeySet encodes every key in keys, indexed by kid, as one JWK Set document.
func KeySet(t *testing.T, keys map[string]*rsa.PublicKey) []byte {
	t.Helper()

	set := jwk.NewSet()
	for kid, pub := range keys {
		k, err := jwk.FromRaw(pub)
		if err != nil {
			t.Fatalf("failed to build JWK: %v", err)
		}
		if err := k.Set(jwk.KeyIDKey, kid); err != nil {
			t.Fatalf("failed to set kid: %v", err)
		}
		if err := k.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
			t.Fatalf("failed to set alg: %v", err)
		}
		if err := k.Set(jwk.KeyUsageKey, "sig"); err != nil {
			t.Fatalf("failed to set use: %v", err)
		}
		if err := set.AddKey(k); err != nil {
			t.Fatalf("failed to add JWK: %v", err)
		}
	}

	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("failed to encode JWKS: %v", err)
	}
	return body
}
