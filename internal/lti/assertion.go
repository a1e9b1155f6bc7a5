// internal/lti/assertion.go
package lti

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClientAssertionTTL is the lifetime of a minted client_assertion. Platforms
// reject assertions older than a few minutes, so keep this short.
const ClientAssertionTTL = 5 * time.Minute

// AssertionType is the client_assertion_type value for private_key_jwt.
const AssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// SignClientAssertion mints the private_key_jwt assertion a tool presents
// at a platform's token endpoint for the client_credentials grant
// (LTI Advantage service calls). Per spec, iss == sub == client_id and aud
// is the token endpoint URL; jti makes the assertion single-use for
// platforms that track replays.
func (ks *KeyStore) SignClientAssertion(clientID, tokenURL string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": tokenURL,
		"iat": now.Unix(),
		"exp": now.Add(ClientAssertionTTL).Unix(),
		"jti": randHex(20),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = ks.kid
	return tok.SignedString(ks.key)
}
