// Package oidc implements staff sign-in against an OpenID Connect provider
// using the authorization code flow with PKCE.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
)

// DefaultMetadataTimeout bounds a metadata document fetch.
const DefaultMetadataTimeout = 10 * time.Second

// Metadata is the subset of the provider's discovery document we use.
type Metadata struct {
	oidc.ProviderConfig

	// EndSessionURL is the RP-initiated logout endpoint, if advertised
	EndSessionURL string `json:"end_session_endpoint,omitempty"`
}

// Discovery fetches the provider metadata once per process. The first
// successful fetch is kept; failures are not cached.
type Discovery struct {
	url    string
	client *http.Client

	mu       sync.RWMutex
	metadata *Metadata
}

// NewDiscovery creates a Discovery for the metadata document at url.
// A nil client uses one with DefaultMetadataTimeout.
func NewDiscovery(url string, client *http.Client) *Discovery {
	if client == nil {
		client = &http.Client{Timeout: DefaultMetadataTimeout}
	}
	return &Discovery{url: url, client: client}
}

// Get returns the cached metadata, fetching it on first use.
func (d *Discovery) Get(ctx context.Context) (*Metadata, error) {
	d.mu.RLock()
	md := d.metadata
	d.mu.RUnlock()
	if md != nil {
		return md, nil
	}

	md, err := d.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrMetadata, err)
	}

	d.mu.Lock()
	if d.metadata == nil {
		d.metadata = md
	}
	md = d.metadata
	d.mu.Unlock()

	return md, nil
}

func (d *Discovery) fetch(ctx context.Context) (*Metadata, error) {
	if d.url == "" {
		return nil, fmt.Errorf("metadata URL is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata from %s: %w", d.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("metadata endpoint %s returned status %d", d.url, resp.StatusCode)
	}

	var md Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	switch {
	case md.AuthURL == "":
		return nil, fmt.Errorf("metadata missing authorization_endpoint")
	case md.TokenURL == "":
		return nil, fmt.Errorf("metadata missing token_endpoint")
	case md.JWKSURL == "":
		return nil, fmt.Errorf("metadata missing jwks_uri")
	}

	return &md, nil
}

// Endpoint returns the OAuth2 endpoints of the provider. The client id is
// sent in the token request body.
func (m *Metadata) Endpoint(ctx context.Context) oauth2.Endpoint {
	ep := m.ProviderConfig.NewProvider(ctx).Endpoint()
	ep.AuthStyle = oauth2.AuthStyleInParams
	return ep
}
