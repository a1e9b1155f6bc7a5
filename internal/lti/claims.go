// internal/lti/claims.go
package lti

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IMS claim namespaces used in LTI 1.3 id_tokens.
const (
	ClaimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLink   = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"

	MessageTypeResourceLink = "LtiResourceLinkRequest"
	LTIVersion13            = "1.3.0"
)

// ContextClaim is the course/section the launch happened in.
type ContextClaim struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Title string `json:"title,omitempty"`
}

// ResourceLinkClaim identifies the placement (assignment, module item) that
// was clicked.
type ResourceLinkClaim struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// IDTokenClaims is the closed, typed view of a platform id_token payload.
// Instances exist only after signature verification; no pre-verification
// payload field is ever handed to downstream code.
type IDTokenClaims struct {
	Issuer    string           `json:"iss"`
	Audience  jwt.ClaimStrings `json:"aud"`
	Subject   string           `json:"sub"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	IssuedAt  *jwt.NumericDate `json:"iat"`
	Nonce     string           `json:"nonce"`

	// OIDC profile claims (platforms omit these for anonymized launches).
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`

	MessageType   string             `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version       string             `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID  string             `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI string             `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri"`
	Context       *ContextClaim      `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	ResourceLink  *ResourceLinkClaim `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link,omitempty"`
	Roles         []string           `json:"https://purl.imsglobal.org/spec/lti/claim/roles,omitempty"`
}

// jwt.Claims implementation. Claim validation is done by the Verifier in a
// fixed order, so these accessors only expose the raw values.

func (c *IDTokenClaims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c *IDTokenClaims) GetIssuedAt() (*jwt.NumericDate, error)      { return c.IssuedAt, nil }
func (c *IDTokenClaims) GetNotBefore() (*jwt.NumericDate, error)     { return nil, nil }
func (c *IDTokenClaims) GetIssuer() (string, error)                  { return c.Issuer, nil }
func (c *IDTokenClaims) GetSubject() (string, error)                 { return c.Subject, nil }
func (c *IDTokenClaims) GetAudience() (jwt.ClaimStrings, error)      { return c.Audience, nil }

// LaunchContext is the normalized result of a successful launch, handed to
// the tool surface by opaque reference. The tool owns its lifecycle from
// there (session creation etc.).
type LaunchContext struct {
	UserID            string    `json:"user_id"`
	UserName          string    `json:"user_name,omitempty"`
	UserEmail         string    `json:"user_email,omitempty"`
	ContextID         string    `json:"context_id,omitempty"`
	ContextTitle      string    `json:"context_title,omitempty"`
	ResourceLinkID    string    `json:"resource_link_id,omitempty"`
	ResourceLinkTitle string    `json:"resource_link_title,omitempty"`
	Roles             []string  `json:"roles,omitempty"`
	DeploymentID      string    `json:"deployment_id"`
	AuthenticatedAt   time.Time `json:"authenticated_at"`
}

// LaunchContext maps verified claims into the normalized launch view.
func (c *IDTokenClaims) LaunchContext(now time.Time) LaunchContext {
	lc := LaunchContext{
		UserID:          c.Subject,
		UserName:        c.Name,
		UserEmail:       c.Email,
		DeploymentID:    c.DeploymentID,
		Roles:           append([]string(nil), c.Roles...),
		AuthenticatedAt: now,
	}
	if c.Context != nil {
		lc.ContextID = c.Context.ID
		lc.ContextTitle = c.Context.Title
	}
	if c.ResourceLink != nil {
		lc.ResourceLinkID = c.ResourceLink.ID
		lc.ResourceLinkTitle = c.ResourceLink.Title
	}
	return lc
}
