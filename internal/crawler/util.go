package crawler

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeFileName maps a target ID or URL to a stable, filesystem-safe base name.
// Plain IDs that are already safe are returned unchanged; anything else gets a
// readable prefix plus a short hash. config.ResolveTargets rejects targets
// whose names still collide.
func SafeFileName(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" && !invalidFilenameChars.MatchString(trimmed) && !strings.HasPrefix(trimmed, ".") {
		return trimmed
	}
	prefix := trimmed
	if u, err := url.Parse(trimmed); err == nil && u.Host != "" {
		prefix = u.Hostname() + "_" + strings.Trim(u.EscapedPath(), "/")
	}
	prefix = strings.Trim(invalidFilenameChars.ReplaceAllString(prefix, "_"), "._")
	if prefix == "" {
		prefix = "target"
	}
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	return fmt.Sprintf("%s_%s", prefix, hashString(raw)[:12])
}

// Slug derives a target ID from its root URL.
func Slug(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.Trim(invalidFilenameChars.ReplaceAllString(strings.ToLower(rawURL), "-"), "-")
	}
	joined := strings.ToLower(u.Hostname() + "/" + strings.Trim(u.Path, "/"))
	return strings.Trim(invalidFilenameChars.ReplaceAllString(joined, "-"), "-")
}

func hashString(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
