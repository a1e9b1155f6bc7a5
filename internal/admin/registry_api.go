// internal/admin/registry_api.go
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/crypto/bcrypt"

	"github.com/classware/launchgate/internal/lti"
)

/*
Package admin exposes a small HTTP API to manage the platform registry:

  GET    /platforms          list registrations
  POST   /platforms          upsert one registration (body = PlatformConfig)
  DELETE /platforms          remove by ?issuer=
  POST   /platforms/reload   re-read the registry file and swap it in

All endpoints require HTTP basic auth checked against a bcrypt hash. The
API is disabled (404) when no hash is configured.
*/

// Routes builds the admin router. platformsFile may be empty, in which case
// reload answers 409.
func Routes(reg *lti.Registry, platformsFile, user, passHash string) http.Handler {
	r := chi.NewRouter()
	r.Use(basicAuth(user, passHash))

	r.Get("/platforms", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, reg.All())
	})

	r.Post("/platforms", func(w http.ResponseWriter, req *http.Request) {
		var p lti.PlatformConfig
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if err := reg.Upsert(p); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		slogctx.Info(req.Context(), "platform registered", "issuer", p.Issuer)
		writeJSON(w, http.StatusOK, p)
	})

	r.Delete("/platforms", func(w http.ResponseWriter, req *http.Request) {
		issuer := strings.TrimSpace(req.URL.Query().Get("issuer"))
		if issuer == "" {
			writeErr(w, http.StatusBadRequest, "issuer query parameter required")
			return
		}
		if !reg.Delete(issuer) {
			writeErr(w, http.StatusNotFound, "platform not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/platforms/reload", func(w http.ResponseWriter, req *http.Request) {
		if platformsFile == "" {
			writeErr(w, http.StatusConflict, "no platforms file configured")
			return
		}
		platforms, err := lti.LoadPlatformsFile(platformsFile)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := reg.Replace(platforms); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		slogctx.Info(req.Context(), "platform registry reloaded", "count", len(platforms))
		writeJSON(w, http.StatusOK, map[string]int{"platforms": len(platforms)})
	})

	return r
}

func basicAuth(user, passHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(passHash) == "" {
				// No credentials configured: the API does not exist.
				http.NotFound(w, r)
				return
			}
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(passHash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="launchgate admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
