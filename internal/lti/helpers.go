// internal/lti/helpers.go
package lti

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// b64url encodes bytes using base64url without padding.
func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// randHex returns n random bytes hex-encoded (len=2n).
func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// randToken returns an opaque token with 256 bits of entropy, base64url
// encoded. Used for state and nonce values.
func randToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b64url(b)
}
