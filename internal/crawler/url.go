package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// trackingParams are query keys that never change which thread a link points
// at.
var trackingParams = []string{"sid", "ref", "fbclid", "gclid"}

// CanonicalID normalizes an item reference so the same thread seen through
// slightly different links maps to one checkpoint entry. Non-URL references
// are only trimmed.
func CanonicalID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		return trimmed
	}
	normalized, err := NormalizeThreadURL(trimmed)
	if err != nil {
		return trimmed
	}
	return normalized
}

// NormalizeThreadURL lowercases scheme and host, drops default ports, the
// fragment, tracking parameters and a trailing slash, and sorts the
// remaining query.
func NormalizeThreadURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse thread url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse thread url %q: missing host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	switch port := u.Port(); {
	case port == "", u.Scheme == "http" && port == "80", u.Scheme == "https" && port == "443":
		u.Host = host
	default:
		u.Host = host + ":" + port
	}
	u.Fragment = ""
	u.RawFragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	for _, key := range trackingParams {
		q.Del(key)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
