// Package safeurl vets and formats creative asset URLs: scheme allow-listing,
// base-domain resolution for relative campaign paths, and query redaction for
// log lines.
package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF
// or local file access through a hostile campaign payload.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// Resolve turns a campaign asset reference into an absolute URL. Absolute
// http(s) URLs pass through unchanged; anything else is joined onto
// baseDomain. Returns "" when no absolute URL can be formed.
func Resolve(baseDomain, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if IsHTTPOrHTTPS(raw) {
		return raw
	}
	base := strings.TrimSuffix(strings.TrimSpace(baseDomain), "/")
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + "/" + strings.TrimPrefix(raw, "/")
}

// Redact strips the query string from a URL for logging. Creative URLs often
// carry signed tokens in the query; those must not reach logs.
func Redact(s string) string {
	if i := strings.Index(s, "?"); i >= 0 {
		return s[:i] + "?[redacted]"
	}
	return s
}
