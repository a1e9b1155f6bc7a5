// internal/lti/flow.go
package lti

import (
	"context"
	"net/url"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

/*
Launch flow orchestration: the three legs of the OIDC third-party-initiated
login, tied together by the StateStore.

  initiation --> authorization redirect --> form_post callback --> launch

Each leg is one stateless handler invocation; the AuthState record is the
only thing carried across. The callback leg runs strictly in this order:

  1. Peek the AuthState (not consumed yet) to learn which platform this
     launch was bound to at initiation time.
  2. Verify the token signature against that platform's keys. The
     unverified payload never drives key selection.
  3. Consume the state atomically, comparing the now-trusted nonce.
  4. Validate remaining claims, build the LaunchContext, stash it
     server-side, hand back an opaque reference.

Any failure short-circuits to a typed FlowError; no LaunchContext is built
on a failed launch.
*/

// LoginRequest is the platform's login-initiation leg, already decoded from
// form/query parameters.
type LoginRequest struct {
	Issuer        string
	LoginHint     string
	TargetLinkURI string
	ClientID      string
	// MessageHint is passed through opaque if the platform supplied it.
	MessageHint string
}

// Flow wires the launch-protocol collaborators together.
type Flow struct {
	Registry *Registry
	States   StateStore
	Verifier *Verifier
	Sessions *SessionStore

	// RedirectURI is this tool's fixed callback endpoint, registered with
	// every platform.
	RedirectURI string

	// Now overrides the clock (tests).
	Now func() time.Time
}

// InitiateLogin validates the initiation request, issues a fresh AuthState,
// and returns the authorization redirect URL. No platform-signed data is
// seen on this leg.
func (f *Flow) InitiateLogin(ctx context.Context, req LoginRequest) (string, error) {
	var missing []string
	if strings.TrimSpace(req.Issuer) == "" {
		missing = append(missing, "iss")
	}
	if strings.TrimSpace(req.LoginHint) == "" {
		missing = append(missing, "login_hint")
	}
	if strings.TrimSpace(req.TargetLinkURI) == "" {
		missing = append(missing, "target_link_uri")
	}
	if strings.TrimSpace(req.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if len(missing) > 0 {
		return "", flowErr(CodeMissingParameter, strings.Join(missing, ","), nil)
	}

	platform, err := f.Registry.Lookup(req.Issuer)
	if err != nil {
		return "", err
	}
	// A client_id we did not register for this issuer is treated the same
	// as an unregistered issuer.
	if req.ClientID != platform.ClientID {
		return "", flowErr(CodeUnknownPlatform, "", nil)
	}

	st, err := f.States.Issue(ctx, platform.Issuer, platform.ClientID, req.TargetLinkURI)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(platform.AuthEndpoint)
	if err != nil {
		// Registrations are validated on load; treat a bad URL as unknown.
		return "", flowErr(CodeUnknownPlatform, "", err)
	}
	q := u.Query()
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("client_id", platform.ClientID)
	q.Set("redirect_uri", f.RedirectURI)
	q.Set("login_hint", req.LoginHint)
	q.Set("state", st.State)
	q.Set("nonce", st.Nonce)
	q.Set("prompt", "none")
	if req.MessageHint != "" {
		q.Set("lti_message_hint", req.MessageHint)
	}
	u.RawQuery = q.Encode()

	slogctx.Info(ctx, "lti login initiated",
		"issuer", platform.Issuer, "client_id", platform.ClientID)
	return u.String(), nil
}

// HandleCallback runs the callback leg and returns the LaunchContext plus
// the opaque session reference the browser is redirected with.
func (f *Flow) HandleCallback(ctx context.Context, rawToken, presentedState string) (LaunchContext, string, error) {
	var missing []string
	if strings.TrimSpace(rawToken) == "" {
		missing = append(missing, "id_token")
	}
	if strings.TrimSpace(presentedState) == "" {
		missing = append(missing, "state")
	}
	if len(missing) > 0 {
		return LaunchContext{}, "", flowErr(CodeMissingParameter, strings.Join(missing, ","), nil)
	}

	st, err := f.States.Peek(ctx, presentedState)
	if err != nil {
		return LaunchContext{}, "", err
	}
	platform, err := f.Registry.Lookup(st.Issuer)
	if err != nil {
		return LaunchContext{}, "", err
	}

	claims, err := f.Verifier.Verify(ctx, rawToken, platform, st.Nonce)
	if err != nil {
		return LaunchContext{}, "", err
	}

	// Signature verified: consume the state with the trusted nonce. Exactly
	// one of any concurrent callbacks for this state gets past here.
	if _, err := f.States.Consume(ctx, presentedState, claims.Nonce); err != nil {
		return LaunchContext{}, "", err
	}

	lc := claims.LaunchContext(f.now())
	ref := f.Sessions.Put(lc)

	slogctx.Info(ctx, "lti launch verified",
		"issuer", platform.Issuer,
		"deployment_id", lc.DeploymentID,
		"context_id", lc.ContextID,
		"resource_link_id", lc.ResourceLinkID)
	return lc, ref, nil
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}
