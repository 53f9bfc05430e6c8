// Package origin normalizes browser Origin headers and evaluates them
// against an allowlist. The default policy with an empty allowlist is
// same-host only.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates an Origin header and returns it in canonical
// scheme://host[:port] form plus the host[:port] part for same-host checks.
// The literal value "null" (sandboxed documents, file://) is passed through.
func Normalize(header string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", "", false
	}

	var port int
	if raw := u.Port(); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 65535 {
			return "", "", false
		}
		port = n
	}
	// Default ports collapse so http://a:80 and http://a compare equal.
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.Itoa(port)
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether the normalized origin may access the request
// host. A non-empty allowlist is authoritative: entries are normalized
// origins or "*". With an empty allowlist only same-host access passes.
func Allowed(normalized, originHost, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, entry := range allowlist {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}
	if normalized == "null" || originHost == "" {
		return false
	}
	return equalHost(originHost, requestHost)
}

// equalHost compares host[:port] values treating default ports as absent.
func equalHost(a, b string) bool {
	return canonicalHost(a) == canonicalHost(b)
}

func canonicalHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ":80")
	h = strings.TrimSuffix(h, ":443")
	return h
}

// CheckHeader is the one-call form used by the websocket upgrade path: it
// permits requests with no Origin header (non-browser clients) and applies
// the allowlist otherwise.
func CheckHeader(header, requestHost string, allowlist []string) bool {
	if strings.TrimSpace(header) == "" {
		return true
	}
	normalized, originHost, ok := Normalize(header)
	if !ok {
		return false
	}
	return Allowed(normalized, originHost, requestHost, allowlist)
}
