// Package urls provides utility functions for working with URLs.
package urls

import (
	"net/url"
	"strings"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// IsURLValid reports whether raw is an absolute http or https URL with a host.
func IsURLValid(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))

	return err == nil && u.Host != "" && (u.Scheme == schemeHTTP || u.Scheme == schemeHTTPS)
}
