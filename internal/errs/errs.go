// Package errs defines common error variables used across the application.
package errs

import "errors"

// Configuration errors.
var (
	// ErrInvalidConfig indicates that the configuration failed validation.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrUnknownSelectionMode indicates that the proxy selection mode is not supported.
	ErrUnknownSelectionMode = errors.New("unknown selection mode")
)

// Proxy list errors.
var (
	// ErrEmptyProxyList indicates that no upstream proxies were loaded.
	ErrEmptyProxyList = errors.New("proxy list is empty")
	// ErrInvalidEndpoint indicates that a proxy list entry could not be parsed.
	ErrInvalidEndpoint = errors.New("invalid proxy endpoint")
	// ErrSourceFailed indicates that a proxy list origin could not be read.
	ErrSourceFailed = errors.New("proxy source failed")
)

// Proxy errors.
var (
	// ErrNoProxiesAvailable indicates that no proxies are available.
	ErrNoProxiesAvailable = errors.New("no proxies available")
	// ErrUnknownProtocol indicates that the requested protocol is neither http nor https.
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// Relay errors.
var (
	// ErrUnauthenticated indicates that the client did not present valid proxy credentials.
	ErrUnauthenticated = errors.New("proxy authentication failed")
	// ErrRelayClosed indicates that the relay is shut down and no longer accepts pairs.
	ErrRelayClosed = errors.New("relay is closed")
)
