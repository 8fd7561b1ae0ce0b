// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Identity strategy names accepted in gate.identity.order.
const (
	StrategyJWT     = "jwt-sub"
	StrategySession = "session-cookie"
	StrategyIP      = "ip"
)

// Window names accepted in gate.limits and admin calls.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
	WindowMonth  = "month"
)

// GateConfig is the hot-reloadable policy snapshot consumed on every request.
//
// Snapshots handed out by a Provider are shared between goroutines and must
// be treated as read-only.
//
// Example:
//
//	gate:
//	  identity:
//	    order: [jwt-sub, session-cookie, ip]
//	    jwt:
//	      secret: ${JWT_SECRET}
//	  limits:
//	    minute: 20
//	    day: 500
//	  routes: ["/api/chat", "/api/chat/**"]
//	  verification:
//	    enabled: true
//	    bypass_verified_identities: true
//	    required_for_anonymous: true
//	    cache_duration: 24h
//	    attempt_limits:
//	      minute: 10
type GateConfig struct {
	Identity     IdentityConfig     `yaml:"identity" json:"identity" jsonschema:"title=Identity,description=Identity resolution strategies"`
	Limits       Limits             `yaml:"limits" json:"limits" jsonschema:"title=Limits,description=Per-window request limits (0 disables a window)"`
	Routes       []string           `yaml:"routes" json:"routes" jsonschema:"title=Routes,description=Route patterns subject to quotas and verification"`
	Verification VerificationConfig `yaml:"verification" json:"verification" jsonschema:"title=Verification,description=Human-verification gate"`
}

// IdentityConfig controls how a caller's identity is derived.
type IdentityConfig struct {
	// Order lists strategies tried first to last.
	Order   []string      `yaml:"order" json:"order" jsonschema:"title=Strategy Order,enum=jwt-sub,enum=session-cookie,enum=ip"`
	JWT     JWTConfig     `yaml:"jwt" json:"jwt"`
	Session SessionConfig `yaml:"session" json:"session"`
	IP      IPConfig      `yaml:"ip" json:"ip"`
}

// JWTConfig configures the jwt-sub strategy.
type JWTConfig struct {
	// Secret is the HMAC key used to verify bearer tokens.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`

	// Algorithm is the HMAC algorithm for Secret. Default: HS256
	Algorithm string `yaml:"algorithm,omitempty" json:"algorithm,omitempty" jsonschema:"enum=HS256,enum=HS384,enum=HS512,default=HS256"`

	// JWKSURL is used when Secret is empty.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`

	Issuer   string `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// AllowUnverified decodes tokens without checking the signature when no
	// key material is configured. Anyone can mint a subject in this mode.
	AllowUnverified bool `yaml:"allow_unverified,omitempty" json:"allow_unverified,omitempty"`

	// Leeway tolerated on exp/nbf checks.
	Leeway time.Duration `yaml:"leeway,omitempty" json:"leeway,omitempty"`
}

// SessionConfig configures the session-cookie strategy.
type SessionConfig struct {
	CookieName string `yaml:"cookie_name,omitempty" json:"cookie_name,omitempty" jsonschema:"default=session"`
}

// IPConfig configures the ip strategy.
type IPConfig struct {
	// TrustForwarded reads the client address from proxy headers. Default: true
	TrustForwarded *bool `yaml:"trust_forwarded,omitempty" json:"trust_forwarded,omitempty"`

	// ForwardedHeaders are consulted in order. The first address of the
	// first present header wins.
	ForwardedHeaders []string `yaml:"forwarded_headers,omitempty" json:"forwarded_headers,omitempty"`

	// Salt keys the address digest.
	Salt string `yaml:"salt,omitempty" json:"salt,omitempty"`

	// HashLength is the number of hex characters kept from the digest.
	HashLength int `yaml:"hash_length,omitempty" json:"hash_length,omitempty" jsonschema:"minimum=8,maximum=64,default=16"`
}

// TrustsForwarded reports whether proxy headers are honored.
func (c IPConfig) TrustsForwarded() bool {
	return c.TrustForwarded == nil || *c.TrustForwarded
}

// Limits holds the request ceiling per window. Zero or negative disables
// the window.
type Limits struct {
	Minute int64 `yaml:"minute,omitempty" json:"minute,omitempty"`
	Hour   int64 `yaml:"hour,omitempty" json:"hour,omitempty"`
	Day    int64 `yaml:"day,omitempty" json:"day,omitempty"`
	Month  int64 `yaml:"month,omitempty" json:"month,omitempty"`
}

// For returns the limit configured for the named window.
func (l Limits) For(window string) int64 {
	switch window {
	case WindowMinute:
		return l.Minute
	case WindowHour:
		return l.Hour
	case WindowDay:
		return l.Day
	case WindowMonth:
		return l.Month
	default:
		return 0
	}
}

// VerificationConfig configures the human-verification gate.
type VerificationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// BypassVerifiedIdentities lets jwt and session identities skip the challenge.
	BypassVerifiedIdentities bool `yaml:"bypass_verified_identities" json:"bypass_verified_identities"`

	// RequiredForAnonymous challenges ip and anonymous identities.
	RequiredForAnonymous bool `yaml:"required_for_anonymous" json:"required_for_anonymous"`

	// CacheDuration is how long a passed challenge is remembered. Default: 24h
	CacheDuration time.Duration `yaml:"cache_duration,omitempty" json:"cache_duration,omitempty"`

	// LocalCacheSize bounds the in-process fallback cache. Default: 10000
	LocalCacheSize int `yaml:"local_cache_size,omitempty" json:"local_cache_size,omitempty"`

	// AttemptLimits caps challenge submissions per identity. Each one costs
	// a call to the challenge provider. Default: 10 per minute, 60 per
	// hour. Set a window to -1 to leave it unenforced.
	AttemptLimits Limits `yaml:"attempt_limits,omitempty" json:"attempt_limits,omitempty" jsonschema:"title=Attempt Limits,description=Per-window limits on challenge submissions"`
}

// DefaultGateConfig is the policy used when no valid configuration has ever
// been loaded.
func DefaultGateConfig() *GateConfig {
	cfg := &GateConfig{
		Identity: IdentityConfig{
			Order: []string{StrategyJWT, StrategySession, StrategyIP},
		},
		Limits: Limits{
			Minute: 10,
			Hour:   100,
			Day:    300,
		},
		Routes: []string{"/api/chat", "/api/chat/**"},
		Verification: VerificationConfig{
			Enabled:                  false,
			BypassVerifiedIdentities: true,
			RequiredForAnonymous:     true,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields.
func (c *GateConfig) SetDefaults() {
	if len(c.Identity.Order) == 0 {
		c.Identity.Order = []string{StrategyJWT, StrategySession, StrategyIP}
	}
	if c.Identity.JWT.Algorithm == "" {
		c.Identity.JWT.Algorithm = "HS256"
	}
	if c.Identity.Session.CookieName == "" {
		c.Identity.Session.CookieName = "session"
	}
	if len(c.Identity.IP.ForwardedHeaders) == 0 {
		c.Identity.IP.ForwardedHeaders = []string{"X-Forwarded-For", "X-Real-IP"}
	}
	if c.Identity.IP.HashLength == 0 {
		c.Identity.IP.HashLength = 16
	}
	if c.Verification.CacheDuration == 0 {
		c.Verification.CacheDuration = 24 * time.Hour
	}
	if c.Verification.LocalCacheSize == 0 {
		c.Verification.LocalCacheSize = 10000
	}
	if c.Verification.AttemptLimits == (Limits{}) {
		c.Verification.AttemptLimits = Limits{Minute: 10, Hour: 60}
	}
}

// Validate checks the gate configuration.
func (c *GateConfig) Validate() error {
	seen := make(map[string]bool, len(c.Identity.Order))
	for _, name := range c.Identity.Order {
		switch name {
		case StrategyJWT, StrategySession, StrategyIP:
		default:
			return fmt.Errorf("identity.order: unknown strategy %q (valid: %s, %s, %s)",
				name, StrategyJWT, StrategySession, StrategyIP)
		}
		if seen[name] {
			return fmt.Errorf("identity.order: strategy %q listed twice", name)
		}
		seen[name] = true
	}

	switch c.Identity.JWT.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("identity.jwt.algorithm: unsupported %q (valid: HS256, HS384, HS512)", c.Identity.JWT.Algorithm)
	}

	if n := c.Identity.IP.HashLength; n < 8 || n > 64 {
		return fmt.Errorf("identity.ip.hash_length must be between 8 and 64, got %d", n)
	}

	for _, route := range c.Routes {
		if !strings.HasPrefix(route, "/") {
			return fmt.Errorf("routes: pattern %q must start with /", route)
		}
		if _, err := path.Match(strings.TrimSuffix(route, "/**"), ""); err != nil {
			return fmt.Errorf("routes: invalid pattern %q: %w", route, err)
		}
	}

	if c.Verification.CacheDuration < 0 {
		return fmt.Errorf("verification.cache_duration must be positive")
	}
	if c.Verification.LocalCacheSize < 0 {
		return fmt.Errorf("verification.local_cache_size must be non-negative")
	}

	return nil
}

// InScope reports whether a request path is covered by any route pattern.
func (c *GateConfig) InScope(requestPath string) bool {
	for _, pattern := range c.Routes {
		if MatchRoute(pattern, requestPath) {
			return true
		}
	}
	return false
}

// CanonicalPath resolves dot segments and collapses repeated slashes. A
// trailing slash is kept.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	c := path.Clean(p)
	if c != "/" && strings.HasSuffix(p, "/") {
		c += "/"
	}
	return c
}

// MatchRoute matches a request path against a route pattern.
//
// The path is matched in canonical form without a trailing slash, and
// matching ignores case, so "/api//chat", "/api/./chat/" and "/API/Chat"
// all match "/api/chat". A trailing "/**" matches the prefix and
// everything below it. Other patterns use path.Match semantics, so "*"
// stays within one segment.
func MatchRoute(pattern, requestPath string) bool {
	requestPath = strings.ToLower(path.Clean(CanonicalPath(requestPath)))
	pattern = strings.ToLower(pattern)

	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		prefix = path.Clean("/" + prefix)
		if prefix == "/" || requestPath == prefix || strings.HasPrefix(requestPath, prefix+"/") {
			return true
		}
		matched, _ := path.Match(prefix, requestPath)
		return matched
	}
	matched, err := path.Match(path.Clean(pattern), requestPath)
	return err == nil && matched
}
