package lti_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/classware/launchgate/internal/lti"
)

/*
Shared fixtures for the launch-flow tests: a fake platform consisting of an
RSA signing key, a JWKS endpoint backed by httptest, and a token minter.
*/

const (
	testIssuer       = "https://lms.example.com"
	testClientID     = "client-123"
	testDeploymentID = "dep-1"
)

var (
	keyMu    sync.Mutex
	keyCache = map[int]*rsa.PrivateKey{}
)

// testKey returns a process-cached RSA key; distinct i values give distinct
// keys. Caching keeps the suite from burning time on keygen in every test.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keyMu.Lock()
	defer keyMu.Unlock()
	if k, ok := keyCache[i]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyCache[i] = k
	return k
}

func newKeyStore(t *testing.T) *lti.KeyStore {
	t.Helper()
	return lti.NewKeyStore(testKey(t, 0))
}

// platformKeySet is the fake platform's default published key set.
func platformKeySet(t *testing.T) map[string]*rsa.PrivateKey {
	t.Helper()
	return map[string]*rsa.PrivateKey{"kid-1": testKey(t, 1)}
}

func jwksBody(t *testing.T, kids map[string]*rsa.PrivateKey) []byte {
	t.Helper()
	set := jose.JSONWebKeySet{}
	for kid, key := range kids {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: "RS256",
			Use:       "sig",
		})
	}
	buf, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal JWKS: %v", err)
	}
	return buf
}

// fakePlatform serves a mutable JWKS and counts fetches.
type fakePlatform struct {
	srv     *httptest.Server
	fetches atomic.Int64
	body    atomic.Value // []byte
	status  atomic.Int64 // 0 means 200
}

func newFakePlatform(t *testing.T, kids map[string]*rsa.PrivateKey) *fakePlatform {
	t.Helper()
	p := &fakePlatform{}
	p.body.Store(jwksBody(t, kids))
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.fetches.Add(1)
		if s := p.status.Load(); s != 0 {
			w.WriteHeader(int(s))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(p.body.Load().([]byte))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlatform) setKeys(t *testing.T, kids map[string]*rsa.PrivateKey) {
	t.Helper()
	p.body.Store(jwksBody(t, kids))
}

func (p *fakePlatform) config() lti.PlatformConfig {
	return lti.PlatformConfig{
		Issuer:        testIssuer,
		AuthEndpoint:  testIssuer + "/auth",
		JWKSURI:       p.srv.URL,
		ClientID:      testClientID,
		DeploymentIDs: []string{testDeploymentID},
	}
}

// baseClaims returns a payload that passes every claim check for the fake
// platform when signed with its key; tests override individual entries.
func baseClaims(now time.Time, nonce string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   "user-1",
		"exp":   now.Add(5 * time.Minute).Unix(),
		"iat":   now.Unix(),
		"nonce": nonce,
		"name":  "Ada Lovelace",
		"email": "ada@example.edu",
		"https://purl.imsglobal.org/spec/lti/claim/message_type":    "LtiResourceLinkRequest",
		"https://purl.imsglobal.org/spec/lti/claim/version":         "1.3.0",
		"https://purl.imsglobal.org/spec/lti/claim/deployment_id":   testDeploymentID,
		"https://purl.imsglobal.org/spec/lti/claim/target_link_uri": "https://tool.example.com/launch",
		"https://purl.imsglobal.org/spec/lti/claim/context": map[string]any{
			"id":    "course-42",
			"title": "CS101",
		},
		"https://purl.imsglobal.org/spec/lti/claim/resource_link": map[string]any{
			"id":    "link-7",
			"title": "HW1",
		},
		"https://purl.imsglobal.org/spec/lti/claim/roles": []string{
			"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner",
		},
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}
