// Package links builds the public paths under which files and shares are
// served.
package links

import (
	"net/url"
	"strings"
)

// FilePath returns the raw-file path for a storage key.
func FilePath(key string) string {
	return "/file/" + EscapeKey(key)
}

// SharePath returns the share path for a token.
func SharePath(token string) string {
	return "/s/" + url.PathEscape(token)
}

// Absolute prefixes path with base. An empty base leaves path relative.
func Absolute(base, path string) string {
	if base == "" {
		return path
	}
	return strings.TrimRight(base, "/") + path
}

// EscapeKey path-escapes each segment of a storage key.
func EscapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
