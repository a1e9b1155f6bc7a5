// internal/lti/keys.go
package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

/*
Key material for the launch handshake, both directions:

  - The tool's own RSA signing key, published as a JWKS so platforms can
    verify tokens the tool signs (client_credentials assertions).
  - A per-issuer cache of each platform's JWKS, used to verify platform
    id_tokens. Refreshed on first use, after TTL expiry, and immediately
    when a token references an unknown kid (platform key rotation).

Each issuer has its own lock, so a slow refresh for one platform never
blocks verifications for another, and concurrent refreshes for the same
issuer collapse into a single fetch.
*/

const (
	// DefaultJWKSCacheTTL is how long fetched platform keys stay fresh.
	DefaultJWKSCacheTTL = time.Hour
	// DefaultFetchTimeout bounds one JWKS network fetch.
	DefaultFetchTimeout = 10 * time.Second

	fetchRetryBackoff = 250 * time.Millisecond
)

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// KeyStore owns the tool key and the platform key caches.
type KeyStore struct {
	// CacheTTL for platform JWKS; DefaultJWKSCacheTTL when zero.
	CacheTTL time.Duration
	// FetchTimeout per JWKS fetch attempt; DefaultFetchTimeout when zero.
	FetchTimeout time.Duration
	// Client used for JWKS fetches; http.DefaultClient when nil.
	Client *http.Client
	// Now overrides the clock (tests).
	Now func() time.Time

	key *rsa.PrivateKey
	kid string

	mu      sync.Mutex
	issuers map[string]*issuerCache
}

type issuerCache struct {
	mu        sync.Mutex
	keys      *jose.JSONWebKeySet
	fetchedAt time.Time
}

// NewKeyStore wraps the tool's signing key. The kid is derived from the
// public key so it is stable across restarts for the same key.
func NewKeyStore(key *rsa.PrivateKey) *KeyStore {
	return &KeyStore{
		key:     key,
		kid:     makeKID(&key.PublicKey),
		issuers: make(map[string]*issuerCache),
	}
}

// GenerateToolKey creates a fresh RSA-2048 signing key (dev/test bootstrap;
// production deployments load a persisted PEM so the published JWKS is
// stable).
func GenerateToolKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// ParseToolKeyPEM decodes an RSA private key from PKCS#1 or PKCS#8 PEM.
func ParseToolKeyPEM(buf []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, errors.New("keys: no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("keys: PEM key is not RSA")
	}
	return rk, nil
}

// ToolKID returns the kid the tool signs with.
func (ks *KeyStore) ToolKID() string { return ks.kid }

// ToolKey returns the private signing key (assertion minting).
func (ks *KeyStore) ToolKey() *rsa.PrivateKey { return ks.key }

// ToolJWKS returns the tool's public key set for the JWKS endpoint.
// Only public parameters, never private material.
func (ks *KeyStore) ToolJWKS() JWKS {
	return JWKS{Keys: []map[string]any{rsaPublicJWK(&ks.key.PublicKey, ks.kid, "RS256")}}
}

// PlatformKey resolves the platform public key for (issuer, kid), fetching
// or refreshing the issuer's JWKS from jwksURI as needed. An empty kid is
// accepted only when the platform publishes a single key.
func (ks *KeyStore) PlatformKey(ctx context.Context, issuer, jwksURI, kid string) (*jose.JSONWebKey, error) {
	ic := ks.issuerCache(issuer)
	ic.mu.Lock()
	defer ic.mu.Unlock()

	now := ks.now()
	fresh := ic.keys != nil && now.Sub(ic.fetchedAt) < ks.cacheTTL()
	if fresh {
		if k, ok := findKey(ic.keys, kid); ok {
			return k, nil
		}
		// Unknown kid against a fresh cache: force one refresh to pick up
		// a rotated key before giving up.
	}

	set, err := ks.fetchJWKS(ctx, jwksURI)
	if err != nil {
		return nil, flowErr(CodeKeyFetch, "", err)
	}
	ic.keys = set
	ic.fetchedAt = now

	k, ok := findKey(set, kid)
	if !ok {
		return nil, flowErr(CodeUnknownKey, "", fmt.Errorf("no key %q in JWKS for %s", kid, issuer))
	}
	return k, nil
}

func (ks *KeyStore) issuerCache(issuer string) *issuerCache {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ic, ok := ks.issuers[issuer]
	if !ok {
		ic = &issuerCache{}
		ks.issuers[issuer] = ic
	}
	return ic
}

// fetchJWKS pulls and decodes a remote key set, retrying once after a short
// backoff since a blip here is a transient external failure.
func (ks *KeyStore) fetchJWKS(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	set, err := ks.fetchJWKSOnce(ctx, uri)
	if err == nil {
		return set, nil
	}
	select {
	case <-ctx.Done():
		return nil, err
	case <-time.After(fetchRetryBackoff):
	}
	return ks.fetchJWKSOnce(ctx, uri)
}

func (ks *KeyStore) fetchJWKSOnce(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.fetchTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("keys: build JWKS request: %w", err)
	}
	resp, err := ks.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("keys: fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keys: fetch %s: unexpected status %d", uri, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("keys: decode JWKS from %s: %w", uri, err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("keys: empty JWKS at %s", uri)
	}
	return &set, nil
}

func findKey(set *jose.JSONWebKeySet, kid string) (*jose.JSONWebKey, bool) {
	if kid == "" {
		if len(set.Keys) == 1 {
			return &set.Keys[0], true
		}
		return nil, false
	}
	for i := range set.Keys {
		if set.Keys[i].KeyID == kid {
			return &set.Keys[i], true
		}
	}
	return nil, false
}

func (ks *KeyStore) now() time.Time {
	if ks.Now != nil {
		return ks.Now()
	}
	return time.Now().UTC()
}

func (ks *KeyStore) cacheTTL() time.Duration {
	if ks.CacheTTL > 0 {
		return ks.CacheTTL
	}
	return DefaultJWKSCacheTTL
}

func (ks *KeyStore) fetchTimeout() time.Duration {
	if ks.FetchTimeout > 0 {
		return ks.FetchTimeout
	}
	return DefaultFetchTimeout
}

func (ks *KeyStore) client() *http.Client {
	if ks.Client != nil {
		return ks.Client
	}
	return http.DefaultClient
}

/* ------------------------- public JWK construction ------------------------ */

// rsaPublicJWK builds a minimal RSA JWK map (n,e) per RFC 7517.
func rsaPublicJWK(pub *rsa.PublicKey, kid, alg string) map[string]any {
	return map[string]any{
		"kty":     "RSA",
		"kid":     kid,
		"alg":     alg,
		"use":     "sig",
		"key_ops": []string{"verify"},
		"n":       bigIntToB64(pub.N),
		"e":       intToB64(pub.E),
	}
}

func bigIntToB64(n *big.Int) string {
	if n == nil {
		return ""
	}
	return b64url(n.FillBytes(make([]byte, (n.BitLen()+7)/8)))
}

func intToB64(e int) string {
	return b64url(big.NewInt(int64(e)).FillBytes(make([]byte, intByteLen(e))))
}

func intByteLen(v int) int {
	switch {
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffff:
		return 3
	default:
		return 4
	}
}

// makeKID derives a deterministic kid from the public key material.
func makeKID(pub *rsa.PublicKey) string {
	h := sha256.New()
	h.Write(pub.N.Bytes())
	h.Write([]byte{byte(pub.E >> 24), byte(pub.E >> 16), byte(pub.E >> 8), byte(pub.E)})
	return "rsa-" + hex.EncodeToString(h.Sum(nil)[:8])
}
