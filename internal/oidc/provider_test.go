package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
)

func newMetadataServer(t *testing.T, doc map[string]string, status *atomic.Int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		if status != nil && status.Load() != 0 {
			w.WriteHeader(int(status.Load()))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(ts.Close)

	return ts, &hits
}

func TestDiscovery_GetCachesFirstSuccess(t *testing.T) {
	ts, hits := newMetadataServer(t, map[string]string{
		"issuer":                 "https://sts.example.com/adfs",
		"authorization_endpoint": "https://sts.example.com/adfs/oauth2/authorize",
		"token_endpoint":         "https://sts.example.com/adfs/oauth2/token",
		"jwks_uri":               "https://sts.example.com/adfs/discovery/keys",
		"end_session_endpoint":   "https://sts.example.com/adfs/oauth2/logout",
	}, nil)

	d := NewDiscovery(ts.URL+"/.well-known/openid-configuration", nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Get(context.Background()); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}()
	}
	wg.Wait()

	md, err := d.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if md.IssuerURL != "https://sts.example.com/adfs" {
		t.Errorf("IssuerURL = %q", md.IssuerURL)
	}
	if md.AuthURL != "https://sts.example.com/adfs/oauth2/authorize" {
		t.Errorf("AuthURL = %q", md.AuthURL)
	}
	if md.JWKSURL != "https://sts.example.com/adfs/discovery/keys" {
		t.Errorf("JWKSURL = %q", md.JWKSURL)
	}
	if md.EndSessionURL != "https://sts.example.com/adfs/oauth2/logout" {
		t.Errorf("EndSessionURL = %q", md.EndSessionURL)
	}

	before := hits.Load()
	for i := 0; i < 3; i++ {
		_, _ = d.Get(context.Background())
	}
	if hits.Load() != before {
		t.Errorf("metadata refetched after success: %d -> %d", before, hits.Load())
	}
	if before < 1 || before > 5 {
		t.Errorf("metadata fetched %d times during first use, want 1..5", before)
	}
}

func TestDiscovery_FailuresAreNotCached(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)

	ts, _ := newMetadataServer(t, map[string]string{
		"issuer":                 "https://idp.example.com",
		"authorization_endpoint": "https://idp.example.com/auth",
		"token_endpoint":         "https://idp.example.com/token",
		"jwks_uri":               "https://idp.example.com/keys",
	}, &status)

	d := NewDiscovery(ts.URL+"/.well-known/openid-configuration", nil)

	if _, err := d.Get(context.Background()); !errors.Is(err, identity.ErrMetadata) {
		t.Fatalf("Get() error = %v, want ErrMetadata", err)
	}

	status.Store(0)
	if _, err := d.Get(context.Background()); err != nil {
		t.Errorf("Get() after recovery error = %v", err)
	}
}

func TestDiscovery_MissingEndpoints(t *testing.T) {
	full := map[string]string{
		"issuer":                 "https://idp.example.com",
		"authorization_endpoint": "https://idp.example.com/auth",
		"token_endpoint":         "https://idp.example.com/token",
		"jwks_uri":               "https://idp.example.com/keys",
	}

	for _, field := range []string{"authorization_endpoint", "token_endpoint", "jwks_uri"} {
		t.Run(field, func(t *testing.T) {
			doc := make(map[string]string, len(full))
			for k, v := range full {
				if k != field {
					doc[k] = v
				}
			}
			ts, _ := newMetadataServer(t, doc, nil)

			_, err := NewDiscovery(ts.URL+"/.well-known/openid-configuration", nil).Get(context.Background())
			if !errors.Is(err, identity.ErrMetadata) {
				t.Errorf("Get() error = %v, want ErrMetadata", err)
			}
		})
	}
}

func TestDiscovery_NotConfiguredURL(t *testing.T) {
	_, err := NewDiscovery("", nil).Get(context.Background())
	if !errors.Is(err, identity.ErrMetadata) {
		t.Errorf("Get() error = %v, want ErrMetadata", err)
	}
}

func TestMetadata_Endpoint(t *testing.T) {
	md := &Metadata{}
	md.AuthURL = "https://idp.example.com/auth"
	md.TokenURL = "https://idp.example.com/token"

	ep := md.Endpoint(context.Background())
	if ep.AuthURL != md.AuthURL || ep.TokenURL != md.TokenURL {
		t.Errorf("Endpoint() = %+v", ep)
	}
}
