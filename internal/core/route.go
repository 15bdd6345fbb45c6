package core

import (
	"fmt"
	"strings"
)

// NormalizeRoutePath validates a configurable route such as the status path.
// An empty path yields fallback; a trailing slash is dropped.
func NormalizeRoutePath(path, fallback string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback, nil
	}
	if !strings.HasPrefix(path, "/") || path == "/" {
		return "", fmt.Errorf("invalid route %q: must start with / and name a route", path)
	}
	if strings.ContainsAny(path, "*{}?#") {
		return "", fmt.Errorf("invalid route %q: wildcards and query strings are not allowed", path)
	}
	return strings.TrimRight(path, "/"), nil
}
