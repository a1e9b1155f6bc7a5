// internal/lti/verifier.go
package lti

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Platform id_token verification.

The ordering here is the load-bearing invariant of the whole handshake:
signature verification happens before any payload claim is trusted. The
only pre-verification reads are the compact-serialization structure and the
protected header (alg, kid) — both needed to select the verification key.
The expected issuer and audience come from the AuthState-bound platform
registration, never from the unverified payload.
*/

// approvedAlgs are the asymmetric JWS algorithms accepted for platform
// id_tokens. Symmetric schemes (HS*) and "none" are rejected outright: a
// platform-issued token must never verify against a shared secret.
var approvedAlgs = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
}

// DefaultClockSkew is the tolerance applied to exp/iat checks.
const DefaultClockSkew = 60 * time.Second

// Verifier checks a raw id_token against a platform registration and the
// nonce bound to the launch's AuthState.
type Verifier struct {
	Keys *KeyStore
	// Skew is the clock tolerance; DefaultClockSkew when zero.
	Skew time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Verify runs the full check sequence and returns the typed claims.
// Every failure is a *FlowError carrying one of the verification codes.
func (v *Verifier) Verify(ctx context.Context, rawToken string, platform PlatformConfig, expectedNonce string) (*IDTokenClaims, error) {
	alg, kid, err := decodeHeader(rawToken)
	if err != nil {
		return nil, err
	}
	if _, ok := approvedAlgs[alg]; !ok {
		return nil, flowErr(CodeUnsupportedAlgorithm, "", fmt.Errorf("alg %q not accepted for platform tokens", alg))
	}

	key, err := v.Keys.PlatformKey(ctx, platform.Issuer, platform.JWKSURI, kid)
	if err != nil {
		return nil, err // already CodeUnknownKey or CodeKeyFetch
	}

	claims := &IDTokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithoutClaimsValidation(), // claim checks run below, in order
	)
	if _, err := parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return key.Key, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, flowErr(CodeMalformedToken, "", err)
		}
		return nil, flowErr(CodeInvalidSignature, "", err)
	}

	// Signature is good; the payload is now trusted. Validate claims.
	if err := v.validateClaims(claims, platform, expectedNonce); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) validateClaims(c *IDTokenClaims, platform PlatformConfig, expectedNonce string) error {
	now := v.now()
	skew := v.skew()

	if c.Issuer != platform.Issuer {
		return claimErr("iss", fmt.Errorf("got %q, want %q", c.Issuer, platform.Issuer))
	}
	if !containsAudience(c.Audience, platform.ClientID) {
		return claimErr("aud", fmt.Errorf("audience %v does not contain client_id", []string(c.Audience)))
	}
	if c.ExpiresAt == nil {
		return claimErr("exp", errors.New("missing"))
	}
	if now.After(c.ExpiresAt.Time.Add(skew)) {
		return claimErr("exp", fmt.Errorf("token expired at %s", c.ExpiresAt.Time.UTC().Format(time.RFC3339)))
	}
	if c.IssuedAt != nil && c.IssuedAt.Time.After(now.Add(skew)) {
		return claimErr("iat", errors.New("issued in the future"))
	}
	if subtle.ConstantTimeCompare([]byte(c.Nonce), []byte(expectedNonce)) != 1 {
		return flowErr(CodeNonceMismatch, "nonce", errors.New("nonce does not match launch state"))
	}
	if strings.TrimSpace(c.Subject) == "" {
		return claimErr("sub", errors.New("missing"))
	}
	if c.MessageType == "" {
		return claimErr(ClaimMessageType, errors.New("missing"))
	}
	if c.Version != LTIVersion13 {
		return claimErr(ClaimVersion, fmt.Errorf("got %q, want %q", c.Version, LTIVersion13))
	}
	if !platform.HasDeployment(c.DeploymentID) {
		return claimErr(ClaimDeploymentID, fmt.Errorf("deployment %q not registered", c.DeploymentID))
	}
	return nil
}

func claimErr(field string, err error) *FlowError {
	return flowErr(CodeClaimValidation, field, err)
}

// decodeHeader checks the compact-serialization structure and returns the
// protected header's alg and kid. Nothing beyond those two fields is read
// before the signature check.
func decodeHeader(rawToken string) (alg, kid string, err error) {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return "", "", flowErr(CodeMalformedToken, "", fmt.Errorf("want 3 segments, got %d", len(parts)))
	}
	for i, p := range parts {
		if _, err := base64.RawURLEncoding.DecodeString(p); err != nil {
			return "", "", flowErr(CodeMalformedToken, "", fmt.Errorf("segment %d is not base64url: %w", i, err))
		}
	}
	hb, _ := base64.RawURLEncoding.DecodeString(parts[0])
	var h struct {
		Alg string `json:"alg"`
		KID string `json:"kid"`
	}
	if err := json.Unmarshal(hb, &h); err != nil {
		return "", "", flowErr(CodeMalformedToken, "", fmt.Errorf("invalid JWT header: %w", err))
	}
	return h.Alg, h.KID, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

func (v *Verifier) skew() time.Duration {
	if v.Skew > 0 {
		return v.Skew
	}
	return DefaultClockSkew
}
