// Package consts defines application-wide constants.
package consts

import "time"

const (
	// DefaultBufferSize is the maximum number of bytes read from a relayed socket at once.
	DefaultBufferSize = 4096
	// DefaultHealthCheckTimeout bounds a single upstream probe.
	DefaultHealthCheckTimeout = 10 * time.Second
	// DefaultHandlerTimeout is the default timeout for admin HTTP handlers.
	DefaultHandlerTimeout = 10 * time.Second
)

// Wire constants spoken to proxy clients.
const (
	// AuthRealm is the realm announced in the Proxy-Authenticate challenge.
	AuthRealm = "User Visible Realm"
	// ConnectMethod prefixes the request line of a tunneled request.
	ConnectMethod = "CONNECT"
	// ProxyAuthorizationBasic is the lower-cased header prefix carrying basic credentials.
	ProxyAuthorizationBasic = "proxy-authorization: basic "
)

// Unauthorized is the exact response written to clients that fail authentication.
const Unauthorized = "HTTP/1.1 401 Unauthorized\r\n" +
	"Proxy-Authenticate: Basic realm=\"" + AuthRealm + "\"\r\n" +
	"Content-Type: text/html\r\n" +
	"Content-Length: 0\r\n" +
	"Connection: close\r\n\r\n"

// Admin HTTP response messages.
const (
	// RespPoolRetrieved is returned when the pool snapshot is served.
	RespPoolRetrieved = "pool retrieved"
	// RespNotReady is returned when the gateway has no usable upstreams.
	RespNotReady = "no upstream proxies available"
)
