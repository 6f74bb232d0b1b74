// Package healthcheck probes upstream proxies by fetching a test URL through them.
package healthcheck

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"rotagate/internal/consts"
	"rotagate/internal/entity"
)

// maxDrainBytes caps how much of a probe response body is read before closing.
const maxDrainBytes = 64 << 10

// Checker reports whether an endpoint can reach testURL when used as a proxy.
type Checker interface {
	Check(ctx context.Context, endpoint entity.Endpoint, testURL string) bool
}

// Options configures an HTTPChecker.
type Options struct {
	// Timeout bounds a whole probe: dial, CONNECT, TLS and response headers.
	Timeout time.Duration
	// InsecureSkipVerify disables TLS verification of https test URLs.
	InsecureSkipVerify bool
}

type proxyKey struct{}

// HTTPChecker issues one GET through the endpoint and treats 200 as success.
type HTTPChecker struct {
	log     *slog.Logger
	client  *http.Client
	timeout time.Duration
}

// New creates an HTTPChecker.
func New(log *slog.Logger, opts Options) *HTTPChecker {
	if opts.Timeout <= 0 {
		opts.Timeout = consts.DefaultHealthCheckTimeout
	}

	transport := &http.Transport{
		// the proxy differs per probe, so it travels in the request context
		Proxy: func(req *http.Request) (*url.URL, error) {
			proxyURL, ok := req.Context().Value(proxyKey{}).(*url.URL)
			if !ok {
				return nil, fmt.Errorf("probe request without proxy")
			}

			return proxyURL, nil
		},
		DialContext: (&net.Dialer{
			Timeout: opts.Timeout,
		}).DialContext,
		TLSHandshakeTimeout: opts.Timeout,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for intercepting test URLs
		},
	}

	return &HTTPChecker{
		log: log.With(slog.String("package", "healthcheck")),
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: opts.Timeout,
	}
}

// Check probes endpoint against testURL.
func (c *HTTPChecker) Check(ctx context.Context, endpoint entity.Endpoint, testURL string) bool {
	err := c.Probe(ctx, endpoint, testURL)
	if err != nil {
		c.log.DebugContext(ctx, "proxy unavailable",
			slog.String("proxy", endpoint.Addr()),
			slog.String("url", testURL),
			slog.Any("error", err))

		return false
	}

	c.log.DebugContext(ctx, "proxy available",
		slog.String("proxy", endpoint.Addr()),
		slog.String("url", testURL))

	return true
}

// Probe fetches testURL through endpoint and returns nil on HTTP 200.
func (c *HTTPChecker) Probe(ctx context.Context, endpoint entity.Endpoint, testURL string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// upstreams are spoken to as plain HTTP proxies whatever their declared scheme
	proxyURL := &url.URL{Scheme: "http", Host: endpoint.Addr()}
	ctx = context.WithValue(ctx, proxyKey{}, proxyURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: HTTP %d", resp.StatusCode)
	}

	return nil
}
