package security

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// SecurityPolicy defines security headers for specific endpoints
type SecurityPolicy struct {
	CSP          string
	FrameOptions string
	// InlineStyles marks pages whose templates carry a nonce-tagged <style> block.
	InlineStyles bool
	CacheControl string
}

const (
	apiCSP    = "default-src 'none'; frame-ancestors 'none'"
	pageCSP   = "default-src 'none'; style-src 'self'; img-src 'self' data:; frame-ancestors 'none'"
	noStore   = "no-store, no-cache, must-revalidate, private"
	cacheHour = "public, max-age=3600"
)

// DefaultPolicy is the strictest policy used as fallback
var DefaultPolicy = SecurityPolicy{
	CSP:          apiCSP,
	FrameOptions: "DENY",
	CacheControl: noStore,
}

var pagePolicy = SecurityPolicy{
	CSP:          pageCSP,
	FrameOptions: "DENY",
	InlineStyles: true,
	CacheControl: noStore,
}

// EndpointPolicies maps endpoint patterns to security policies. Patterns ending in "/"
// match by prefix.
var EndpointPolicies = map[string]SecurityPolicy{
	// Pages a user sees: login, consent, device verification, logout confirmation.
	"/authorize": pagePolicy,
	"/login":     pagePolicy,
	"/verify":    pagePolicy,
	"/verify/":   pagePolicy,
	"/logout":    pagePolicy,

	"/token":      DefaultPolicy,
	"/device":     DefaultPolicy,
	"/introspect": DefaultPolicy,
	"/revoke":     DefaultPolicy,

	// Public metadata can be cached.
	"/.well-known/": {
		CSP:          apiCSP,
		FrameOptions: "DENY",
		CacheControl: cacheHour,
	},

	"/health": {
		CSP:          apiCSP,
		FrameOptions: "DENY",
		CacheControl: "no-store, no-cache",
	},
	"/metrics": {
		CSP:          apiCSP,
		FrameOptions: "DENY",
		CacheControl: "no-store, no-cache",
	},
}

// GetSecurityPolicy returns the appropriate security policy for a given path.
// The longest matching prefix wins so the result does not depend on map order.
func GetSecurityPolicy(path string) SecurityPolicy {
	if policy, ok := EndpointPolicies[path]; ok {
		return policy
	}

	best := ""
	for pattern := range EndpointPolicies {
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(path, pattern) && len(pattern) > len(best) {
			best = pattern
		}
	}
	if best != "" {
		return EndpointPolicies[best]
	}
	return DefaultPolicy
}

// GenerateCSPNonce generates a cryptographically secure nonce for CSP
func GenerateCSPNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ApplyCSPNonce allows inline styles carrying the given nonce.
func ApplyCSPNonce(csp, nonce string) string {
	if strings.Contains(csp, "style-src") {
		return strings.Replace(csp, "style-src 'self'", "style-src 'self' 'nonce-"+nonce+"'", 1)
	}
	return csp + "; style-src 'nonce-" + nonce + "'"
}

// GetPermissionsPolicy returns the Permissions-Policy header value
func GetPermissionsPolicy() string {
	return "geolocation=(), microphone=(), camera=(), payment=(), usb=(), magnetometer=(), gyroscope=(), accelerometer=()"
}

// GetReferrerPolicy returns the Referrer-Policy header value. Authorization codes travel
// in query strings, so no referrer leaves the server.
func GetReferrerPolicy() string {
	return "no-referrer"
}
