// internal/lti/registry.go
package lti

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

/*
Platform registry for the Tool side of LTI 1.3.

Each LMS platform (Canvas, Moodle, ...) that may launch this tool is
registered here, keyed by its issuer URL. The authorization endpoint comes
from the registration — it is never derived from the issuer string, which is
a guessed, non-standard shape some platforms happen to match.

The whole map is swapped atomically on reload, so a lookup racing a reload
sees either the old set or the new set, never a partially-updated one.
*/

// PlatformConfig is the immutable registration record for one platform.
type PlatformConfig struct {
	Issuer        string   `json:"issuer"`
	AuthEndpoint  string   `json:"auth_endpoint"`
	JWKSURI       string   `json:"jwks_uri"`
	ClientID      string   `json:"client_id"`
	DeploymentIDs []string `json:"deployment_ids"`
}

// HasDeployment reports whether id is one of the registered deployments.
// An empty registered list means the platform has not pinned deployments
// and any non-empty id is accepted.
func (p PlatformConfig) HasDeployment(id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	if len(p.DeploymentIDs) == 0 {
		return true
	}
	for _, d := range p.DeploymentIDs {
		if d == id {
			return true
		}
	}
	return false
}

func validatePlatform(p PlatformConfig) error {
	if strings.TrimSpace(p.Issuer) == "" {
		return fmt.Errorf("registry: issuer is required")
	}
	if !isHTTPURL(p.AuthEndpoint) {
		return fmt.Errorf("registry: auth_endpoint must be an http(s) URL (issuer %s)", p.Issuer)
	}
	if !isHTTPURL(p.JWKSURI) {
		return fmt.Errorf("registry: jwks_uri must be an http(s) URL (issuer %s)", p.Issuer)
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return fmt.Errorf("registry: client_id is required (issuer %s)", p.Issuer)
	}
	return nil
}

// Registry maps issuer -> PlatformConfig. Reads are lock-free; writers
// copy-and-swap the whole map.
type Registry struct {
	m atomic.Pointer[map[string]PlatformConfig]
}

// NewRegistry builds a registry from the given platforms.
func NewRegistry(platforms ...PlatformConfig) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(platforms); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup resolves the configuration for an issuer.
func (r *Registry) Lookup(issuer string) (PlatformConfig, error) {
	m := r.m.Load()
	if m == nil {
		return PlatformConfig{}, ErrUnknownPlatform
	}
	p, ok := (*m)[strings.TrimSpace(issuer)]
	if !ok {
		return PlatformConfig{}, flowErr(CodeUnknownPlatform, "", fmt.Errorf("issuer %q not registered", issuer))
	}
	return p, nil
}

// All returns every registration, sorted by issuer.
func (r *Registry) All() []PlatformConfig {
	m := r.m.Load()
	if m == nil {
		return nil
	}
	out := make([]PlatformConfig, 0, len(*m))
	for _, p := range *m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issuer < out[j].Issuer })
	return out
}

// Replace swaps in a whole new platform set. Either every entry validates
// and the swap happens, or nothing changes.
func (r *Registry) Replace(platforms []PlatformConfig) error {
	m := make(map[string]PlatformConfig, len(platforms))
	for _, p := range platforms {
		if err := validatePlatform(p); err != nil {
			return err
		}
		iss := strings.TrimSpace(p.Issuer)
		if _, dup := m[iss]; dup {
			return fmt.Errorf("registry: duplicate issuer %q", iss)
		}
		p.Issuer = iss
		m[iss] = p
	}
	r.m.Store(&m)
	return nil
}

// Upsert adds or replaces one registration via copy-and-swap.
func (r *Registry) Upsert(p PlatformConfig) error {
	if err := validatePlatform(p); err != nil {
		return err
	}
	old := r.m.Load()
	m := make(map[string]PlatformConfig)
	if old != nil {
		for k, v := range *old {
			m[k] = v
		}
	}
	m[strings.TrimSpace(p.Issuer)] = p
	r.m.Store(&m)
	return nil
}

// Delete removes a registration; it reports whether the issuer was present.
func (r *Registry) Delete(issuer string) bool {
	old := r.m.Load()
	if old == nil {
		return false
	}
	issuer = strings.TrimSpace(issuer)
	if _, ok := (*old)[issuer]; !ok {
		return false
	}
	m := make(map[string]PlatformConfig, len(*old)-1)
	for k, v := range *old {
		if k != issuer {
			m[k] = v
		}
	}
	r.m.Store(&m)
	return true
}

type registryFile struct {
	Platforms []PlatformConfig `json:"platforms"`
}

// LoadPlatformsFile reads a registry JSON document:
//
//	{"platforms":[{"issuer":"https://lms.example.com", ...}]}
func LoadPlatformsFile(path string) ([]PlatformConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return ParsePlatformsJSON(buf)
}

// ParsePlatformsJSON decodes a registry document from raw JSON.
func ParsePlatformsJSON(buf []byte) ([]PlatformConfig, error) {
	var doc registryFile
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("registry: parse: %w", err)
	}
	return doc.Platforms, nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
