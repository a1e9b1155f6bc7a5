// internal/lti/jwks_handler.go
package lti

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// JWKSHandler serves the tool's public key set so platforms can verify
// tokens the tool signs (client_credentials assertions).
//
// Mount it like:
//
//	r.Get("/.well-known/jwks.json", jwksHandler.ServeHTTP)
type JWKSHandler struct {
	Keys *KeyStore

	// CacheMaxAge controls the Cache-Control header (default 10 minutes).
	CacheMaxAge time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Keys == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	set := h.Keys.ToolJWKS()
	if set.Keys == nil {
		set.Keys = []map[string]any{}
	}

	// Marshal once to compute the ETag and to write the body.
	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	maxAge := int(h.cacheAge().Seconds())
	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", h.now().UTC().Format(http.TimeFormat))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *JWKSHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *JWKSHandler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	// weak ETag is fine here
	return `W/"` + b64url(sum[:]) + `"`
}
