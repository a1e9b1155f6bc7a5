package lti_test

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/classware/launchgate/internal/lti"
)

func newVerifierFixture(t *testing.T) (*lti.Verifier, *fakePlatform, *rsa.PrivateKey) {
	t.Helper()
	platformKey := testKey(t, 1)
	p := newFakePlatform(t, map[string]*rsa.PrivateKey{"kid-1": platformKey})
	v := &lti.Verifier{Keys: newKeyStore(t)}
	return v, p, platformKey
}

func wantCode(t *testing.T, err error, code lti.Code) *lti.FlowError {
	t.Helper()
	if err == nil {
		t.Fatalf("want error code %s, got nil", code)
	}
	var fe *lti.FlowError
	if !errors.As(err, &fe) {
		t.Fatalf("want *FlowError, got %T: %v", err, err)
	}
	if fe.Code != code {
		t.Fatalf("want code %s, got %s (%v)", code, fe.Code, err)
	}
	return fe
}

func TestVerifyValidToken(t *testing.T) {
	v, p, key := newVerifierFixture(t)
	now := time.Now().UTC()

	raw := signToken(t, key, "kid-1", baseClaims(now, "nonce-1"))
	claims, err := v.Verify(context.Background(), raw, p.config(), "nonce-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("sub: got %q", claims.Subject)
	}
	if claims.DeploymentID != testDeploymentID {
		t.Fatalf("deployment_id: got %q", claims.DeploymentID)
	}
	if claims.Context == nil || claims.Context.Title != "CS101" {
		t.Fatalf("context claim: got %+v", claims.Context)
	}
	if claims.ResourceLink == nil || claims.ResourceLink.ID != "link-7" {
		t.Fatalf("resource_link claim: got %+v", claims.ResourceLink)
	}
}

func TestVerifyTwoSegmentToken(t *testing.T) {
	v, p, _ := newVerifierFixture(t)
	_, err := v.Verify(context.Background(), "aGVhZGVy.cGF5bG9hZA", p.config(), "n")
	wantCode(t, err, lti.CodeMalformedToken)
}

func TestVerifyGarbageSegments(t *testing.T) {
	v, p, _ := newVerifierFixture(t)
	_, err := v.Verify(context.Background(), "not!!b64.???.@@@", p.config(), "n")
	wantCode(t, err, lti.CodeMalformedToken)
}

func TestVerifyRejectsHS256(t *testing.T) {
	v, p, _ := newVerifierFixture(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims(time.Now(), "n"))
	raw, err := tok.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, verr := v.Verify(context.Background(), raw, p.config(), "n")
	wantCode(t, verr, lti.CodeUnsupportedAlgorithm)
}

func TestVerifyRejectsAlgNone(t *testing.T) {
	v, p, _ := newVerifierFixture(t)

	enc := base64.RawURLEncoding.EncodeToString
	raw := enc([]byte(`{"alg":"none","typ":"JWT"}`)) + "." + enc([]byte(`{"iss":"x"}`)) + "."
	_, err := v.Verify(context.Background(), raw, p.config(), "n")
	wantCode(t, err, lti.CodeUnsupportedAlgorithm)
}

func TestVerifyUnknownKid(t *testing.T) {
	v, p, key := newVerifierFixture(t)

	// Prime the cache with a good token first.
	good := signToken(t, key, "kid-1", baseClaims(time.Now(), "n"))
	if _, err := v.Verify(context.Background(), good, p.config(), "n"); err != nil {
		t.Fatalf("prime: %v", err)
	}

	raw := signToken(t, key, "kid-nope", baseClaims(time.Now(), "n"))
	_, err := v.Verify(context.Background(), raw, p.config(), "n")
	wantCode(t, err, lti.CodeUnknownKey)
	// An unknown kid against a fresh cache forces one refresh before failing.
	if got := p.fetches.Load(); got != 2 {
		t.Fatalf("want 2 JWKS fetches (prime + forced refresh), got %d", got)
	}
}

func TestVerifyWrongKeySignature(t *testing.T) {
	v, p, _ := newVerifierFixture(t)

	// Signed with a different key but claiming the platform's kid.
	raw := signToken(t, testKey(t, 2), "kid-1", baseClaims(time.Now(), "n"))
	_, err := v.Verify(context.Background(), raw, p.config(), "n")
	wantCode(t, err, lti.CodeInvalidSignature)
}

func TestVerifyTamperedPayload(t *testing.T) {
	v, p, key := newVerifierFixture(t)
	now := time.Now().UTC()

	raw := signToken(t, key, "kid-1", baseClaims(now, "nonce-1"))
	// Swap the payload for one claiming a different subject; signature stays.
	claims := baseClaims(now, "nonce-1")
	claims["sub"] = "user-evil"
	forged := signToken(t, key, "kid-1", claims)
	parts := splitCompact(t, raw)
	forgedParts := splitCompact(t, forged)
	tampered := parts[0] + "." + forgedParts[1] + "." + parts[2]

	_, err := v.Verify(context.Background(), tampered, p.config(), "nonce-1")
	wantCode(t, err, lti.CodeInvalidSignature)
}

func TestVerifyExpired(t *testing.T) {
	v, p, key := newVerifierFixture(t)
	now := time.Now().UTC()

	claims := baseClaims(now, "n")
	claims["exp"] = now.Add(-2 * time.Minute).Unix()
	raw := signToken(t, key, "kid-1", claims)

	fe := wantCode(t, mustVerifyErr(t, v, raw, p, "n"), lti.CodeClaimValidation)
	if fe.Field != "exp" {
		t.Fatalf("want field exp, got %q", fe.Field)
	}
}

func TestVerifyExpiredWithinSkewAccepted(t *testing.T) {
	v, p, key := newVerifierFixture(t)
	now := time.Now().UTC()

	claims := baseClaims(now, "n")
	claims["exp"] = now.Add(-30 * time.Second).Unix()
	raw := signToken(t, key, "kid-1", claims)
	if _, err := v.Verify(context.Background(), raw, p.config(), "n"); err != nil {
		t.Fatalf("token within skew should verify: %v", err)
	}
}

func TestVerifyIssuedInFuture(t *testing.T) {
	v, p, key := newVerifierFixture(t)
	now := time.Now().UTC()

	claims := baseClaims(now, "n")
	claims["iat"] = now.Add(5 * time.Minute).Unix()
	raw := signToken(t, key, "kid-1", claims)

	fe := wantCode(t, mustVerifyErr(t, v, raw, p, "n"), lti.CodeClaimValidation)
	if fe.Field != "iat" {
		t.Fatalf("want field iat, got %q", fe.Field)
	}
}

func TestVerifyNonceMismatch(t *testing.T) {
	v, p, key := newVerifierFixture(t)

	raw := signToken(t, key, "kid-1", baseClaims(time.Now(), "nonce-token"))
	err := mustVerifyErr(t, v, raw, p, "nonce-expected")
	wantCode(t, err, lti.CodeNonceMismatch)
	if !errors.Is(err, lti.ErrNonceMismatch) {
		t.Fatal("errors.Is should match ErrNonceMismatch")
	}
}

func TestVerifyWrongAudience(t *testing.T) {
	v, p, key := newVerifierFixture(t)

	claims := baseClaims(time.Now(), "n")
	claims["aud"] = "someone-else"
	raw := signToken(t, key, "kid-1", claims)

	fe := wantCode(t, mustVerifyErr(t, v, raw, p, "n"), lti.CodeClaimValidation)
	if fe.Field != "aud" {
		t.Fatalf("want field aud, got %q", fe.Field)
	}
}

func TestVerifyAudienceListContainingClient(t *testing.T) {
	v, p, key := newVerifierFixture(t)

	claims := baseClaims(time.Now(), "n")
	claims["aud"] = []string{"someone-else", testClientID}
	raw := signToken(t, key, "kid-1", claims)
	if _, err := v.Verify(context.Background(), raw, p.config(), "n"); err != nil {
		t.Fatalf("audience list containing client_id should verify: %v", err)
	}
}

func TestVerifyWrongIssuerClaim(t *testing.T) {
	v, p, key := newVerifierFixture(t)

	claims := baseClaims(time.Now(), "n")
	claims["iss"] = "https://evil.example.com"
	raw := signToken(t, key, "kid-1", claims)

	fe := wantCode(t, mustVerifyErr(t, v, raw, p, "n"), lti.CodeClaimValidation)
	if fe.Field != "iss" {
		t.Fatalf("want field iss, got %q", fe.Field)
	}
}

func TestVerifyUnknownDeployment(t *testing.T) {
	v, p, key := newVerifierFixture(t)

	claims := baseClaims(time.Now(), "n")
	claims["https://purl.imsglobal.org/spec/lti/claim/deployment_id"] = "dep-unregistered"
	raw := signToken(t, key, "kid-1", claims)
	wantCode(t, mustVerifyErr(t, v, raw, p, "n"), lti.CodeClaimValidation)
}

func TestVerifyWrongVersion(t *testing.T) {
	v, p, key := newVerifierFixture(t)

	claims := baseClaims(time.Now(), "n")
	claims["https://purl.imsglobal.org/spec/lti/claim/version"] = "1.1"
	raw := signToken(t, key, "kid-1", claims)
	wantCode(t, mustVerifyErr(t, v, raw, p, "n"), lti.CodeClaimValidation)
}

func mustVerifyErr(t *testing.T, v *lti.Verifier, raw string, p *fakePlatform, nonce string) error {
	t.Helper()
	_, err := v.Verify(context.Background(), raw, p.config(), nonce)
	if err == nil {
		t.Fatal("verify unexpectedly succeeded")
	}
	return err
}

func splitCompact(t *testing.T, raw string) []string {
	t.Helper()
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		t.Fatalf("want compact serialization with 3 segments, got %d", len(parts))
	}
	return parts
}
