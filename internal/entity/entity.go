// Package entity defines the core entities used in the application.
package entity

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"rotagate/internal/errs"
)

// Protocol is the protocol a client speaks to the gateway, and the scheme an
// upstream proxy declares.
type Protocol string

const (
	// ProtocolHTTP is a plain HTTP proxy request (absolute-URI request line).
	ProtocolHTTP Protocol = "http"
	// ProtocolHTTPS is a CONNECT-tunneled request.
	ProtocolHTTPS Protocol = "https"
)

// ParseProtocol converts s into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolHTTP, ProtocolHTTPS:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", errs.ErrUnknownProtocol, s)
	}
}

// Mode is the upstream selection mode.
type Mode string

const (
	// ModeDefault keeps a sticky upstream per listen port and protocol and
	// rotates it on count, time or health triggers.
	ModeDefault Mode = "default"
	// ModeRandom picks a random upstream for every connection.
	ModeRandom Mode = "random"
)

// ParseMode converts s into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDefault, ModeRandom:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", errs.ErrUnknownSelectionMode, s)
	}
}

// Endpoint is an upstream proxy. It is comparable and used as a set key.
type Endpoint struct {
	Host   string   `json:"host"`
	Port   int      `json:"port"`
	Scheme Protocol `json:"scheme"`
}

// Addr returns the dialable host:port address.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint as scheme://host:port.
func (e Endpoint) String() string {
	return string(e.Scheme) + "://" + e.Addr()
}

// LogValue implements the slog.LogValuer interface for structured logging.
func (e Endpoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", e.Host),
		slog.Int("port", e.Port),
		slog.String("scheme", string(e.Scheme)),
	)
}

// ParseEndpoint builds an Endpoint from host, port and an optional scheme.
// The scheme defaults to http.
func ParseEndpoint(host, port, scheme string) (Endpoint, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: empty host", errs.ErrInvalidEndpoint)
	}

	p, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil || p < 1 || p > 65535 {
		return Endpoint{}, fmt.Errorf("%w: port %q", errs.ErrInvalidEndpoint, port)
	}

	proto := ProtocolHTTP
	if strings.TrimSpace(scheme) != "" {
		proto, err = ParseProtocol(scheme)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %w", errs.ErrInvalidEndpoint, err)
		}
	}

	return Endpoint{Host: host, Port: p, Scheme: proto}, nil
}

// ParseEndpointString parses "host:port" or "host:port:scheme".
func ParseEndpointString(s string) (Endpoint, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")

	switch len(parts) {
	case 2:
		return ParseEndpoint(parts[0], parts[1], "")
	case 3:
		return ParseEndpoint(parts[0], parts[1], parts[2])
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", errs.ErrInvalidEndpoint, s)
	}
}

// Selection is the sticky upstream chosen for a listen port and protocol.
type Selection struct {
	Protocol Protocol  `json:"protocol"`
	Port     int       `json:"port"`
	Endpoint Endpoint  `json:"endpoint"`
	ChosenAt time.Time `json:"chosenAt"`
}

// PoolSnapshot is a point-in-time copy of the upstream pool state.
type PoolSnapshot struct {
	Mode           Mode        `json:"mode"`
	All            []Endpoint  `json:"all"`
	AvailableHTTP  []Endpoint  `json:"availableHttp"`
	AvailableHTTPS []Endpoint  `json:"availableHttps"`
	Selections     []Selection `json:"selections"`
	RequestCount   int         `json:"requestCount"`
	LastSweep      time.Time   `json:"lastSweep"`
}
