// internal/lti/handlers.go
package lti

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	slogctx "github.com/veqryn/slog-context"
)

/*
HTTP surface for the launch flow.

Mount under /lti:

	r.Route("/lti", func(lr chi.Router) {
		h.Mount(lr)
	})

Error responses never carry verification internals. The browser sees a
stable error code plus a generic description; the full cause goes to the
request-scoped log.
*/

// Handlers adapts the Flow to HTTP.
type Handlers struct {
	Flow *Flow
	// LaunchURL is the tool surface the browser is redirected to after the
	// callback, with either ?ref= or ?error=.
	LaunchURL string
}

// Mount registers the three launch legs on lr.
func (h *Handlers) Mount(lr chi.Router) {
	// Platforms send the initiation as a form POST; some configurations use
	// GET with query parameters. Both are allowed by the IMS security spec.
	lr.Get("/login", h.Login)
	lr.Post("/login", h.Login)
	lr.Post("/callback", h.Callback)
	lr.Get("/launch-session/{ref}", h.LaunchSession)
}

// Login handles the OIDC login initiation leg.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "unparseable request body")
		return
	}
	// r.Form merges query and POST body, covering both transport styles.
	req := LoginRequest{
		Issuer:        r.Form.Get("iss"),
		LoginHint:     r.Form.Get("login_hint"),
		TargetLinkURI: r.Form.Get("target_link_uri"),
		ClientID:      r.Form.Get("client_id"),
		MessageHint:   r.Form.Get("lti_message_hint"),
	}

	redirect, err := h.Flow.InitiateLogin(r.Context(), req)
	if err != nil {
		code := ErrCode(err)
		slogctx.Error(r.Context(), "lti login rejected", "code", string(code), "error", err)
		writeErr(w, http.StatusBadRequest, string(code), SafeMessage(code))
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Callback handles the platform's form_post response carrying the id_token.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "unparseable form body")
		return
	}

	_, ref, err := h.Flow.HandleCallback(r.Context(), r.PostFormValue("id_token"), r.PostFormValue("state"))
	if err != nil {
		code := ErrCode(err)
		slogctx.Error(r.Context(), "lti launch failed", "code", string(code), "error", err)
		http.Redirect(w, r, h.errorRedirect(code), http.StatusFound)
		return
	}

	u, err := url.Parse(h.LaunchURL)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "server_error", "launch surface misconfigured")
		return
	}
	q := u.Query()
	q.Set("ref", ref)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// LaunchSession lets the tool surface claim the LaunchContext for a ref.
// One-shot: claiming consumes the reference.
func (h *Handlers) LaunchSession(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	lc, ok := h.Flow.Sessions.Claim(ref)
	if !ok {
		writeErr(w, http.StatusNotFound, "session_not_found", "launch session missing or expired")
		return
	}
	writeJSON(w, http.StatusOK, lc)
}

func (h *Handlers) errorRedirect(code Code) string {
	u, err := url.Parse(h.LaunchURL)
	if err != nil {
		return h.LaunchURL
	}
	q := u.Query()
	q.Set("error", string(code))
	q.Set("error_description", SafeMessage(code))
	u.RawQuery = q.Encode()
	return u.String()
}

/* ------------------------------- wire helpers ----------------------------- */

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeErr(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, errResp{Error: code, Description: desc})
}
