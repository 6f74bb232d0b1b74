// Package proxymgr provides the upstream proxy pool.
// It handles sticky selection, rotation and periodic health checking.
package proxymgr

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"rotagate/internal/entity"
	"rotagate/internal/errs"
	"rotagate/internal/healthcheck"
	"rotagate/internal/observability"

	"golang.org/x/sync/errgroup"
)

const defaultHealthCheckInterval = 5 * time.Minute

// Rotation triggers, used as metric labels.
const (
	triggerInitial   = "initial"
	triggerCount     = "count"
	triggerInterval  = "interval"
	triggerUnhealthy = "unhealthy"
)

// Options configures a Manager.
type Options struct {
	HTTPTestURL  string
	HTTPSTestURL string
	Proxies      []entity.Endpoint
	Mode         entity.Mode
	// RequestThreshold re-picks the sticky upstream after this many selections, 0 disables.
	RequestThreshold int
	// RotationInterval re-picks the sticky upstream once it is older than this, 0 disables.
	RotationInterval    time.Duration
	HealthCheckInterval time.Duration
	// HealthCheckConcurrency caps in-flight probes, 0 means unbounded.
	HealthCheckConcurrency int

	// Rand and Now default to a time-seeded PCG source and time.Now.
	Rand *rand.Rand
	Now  func() time.Time
}

// stickyKey identifies the sticky selection of a listen port and protocol.
type stickyKey struct {
	protocol entity.Protocol
	port     int
}

type stickyEntry struct {
	endpoint entity.Endpoint
	chosenAt time.Time
}

// Manager owns the upstream pool and selects upstreams for new connections.
type Manager struct {
	log     *slog.Logger
	opts    Options
	metrics *observability.Metrics
	checker healthcheck.Checker

	all []entity.Endpoint // immutable after New

	mu             sync.Mutex
	rng            *rand.Rand
	now            func() time.Time
	availableHTTP  []entity.Endpoint
	availableHTTPS []entity.Endpoint
	sticky         map[stickyKey]stickyEntry
	requestCount   int
	lastSweep      time.Time
}

// New creates a new proxy manager. Both availability lists start as the full
// candidate set so connections can be served before the first sweep completes.
func New(log *slog.Logger, opts Options, metrics *observability.Metrics, checker healthcheck.Checker) (*Manager, error) {
	if len(opts.Proxies) == 0 {
		return nil, errs.ErrEmptyProxyList
	}

	if _, err := entity.ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())) //nolint:gosec // selection, not crypto
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = defaultHealthCheckInterval
	}

	mgr := &Manager{
		log:            log.With(slog.String("package", "proxymgr")),
		opts:           opts,
		metrics:        metrics,
		checker:        checker,
		all:            slices.Clone(opts.Proxies),
		rng:            rng,
		now:            now,
		availableHTTP:  slices.Clone(opts.Proxies),
		availableHTTPS: slices.Clone(opts.Proxies),
		sticky:         make(map[stickyKey]stickyEntry),
	}

	metrics.SetProxiesAvailable(string(entity.ProtocolHTTP), len(mgr.availableHTTP))
	metrics.SetProxiesAvailable(string(entity.ProtocolHTTPS), len(mgr.availableHTTPS))

	return mgr, nil
}

// SelectProxy returns the upstream for a new connection on port speaking protocol.
func (m *Manager) SelectProxy(port int, protocol entity.Protocol) (entity.Endpoint, error) {
	if protocol != entity.ProtocolHTTP && protocol != entity.ProtocolHTTPS {
		return entity.Endpoint{}, fmt.Errorf("%w: %q", errs.ErrUnknownProtocol, protocol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.availableHTTP) == 0 && len(m.availableHTTPS) == 0 {
		return entity.Endpoint{}, errs.ErrNoProxiesAvailable
	}

	var (
		endpoint entity.Endpoint
		err      error
	)

	switch m.opts.Mode {
	case entity.ModeRandom:
		endpoint, err = m.pick(port, protocol)
	case entity.ModeDefault:
		endpoint, err = m.selectSticky(port, protocol)
	default:
		return entity.Endpoint{}, fmt.Errorf("%w: %q", errs.ErrUnknownSelectionMode, m.opts.Mode)
	}

	if err != nil {
		return entity.Endpoint{}, err
	}

	m.metrics.RecordSelection(string(protocol))

	return endpoint, nil
}

// selectSticky implements default mode. Must be called with mu held.
func (m *Manager) selectSticky(port int, protocol entity.Protocol) (entity.Endpoint, error) {
	key := stickyKey{protocol: protocol, port: port}

	current, ok := m.sticky[key]
	if !ok {
		m.metrics.RecordRotation(triggerInitial)

		return m.pick(port, protocol)
	}

	repick := ""

	if m.opts.RequestThreshold > 0 {
		m.requestCount++

		if m.requestCount >= m.opts.RequestThreshold {
			m.requestCount = 0
			repick = triggerCount
		}
	}

	if repick == "" && m.opts.RotationInterval > 0 && m.now().Sub(current.chosenAt) > m.opts.RotationInterval {
		repick = triggerInterval
	}

	if repick == "" && !slices.Contains(m.availableHTTP, current.endpoint) &&
		!slices.Contains(m.availableHTTPS, current.endpoint) {
		repick = triggerUnhealthy
	}

	if repick == "" {
		return current.endpoint, nil
	}

	m.metrics.RecordRotation(repick)

	endpoint, err := m.pick(port, protocol)
	if err != nil {
		return entity.Endpoint{}, err
	}

	m.log.Debug("sticky proxy rotated",
		slog.String("trigger", repick),
		slog.Int("port", port),
		slog.String("protocol", string(protocol)),
		slog.Any("from", current.endpoint),
		slog.Any("to", endpoint))

	return endpoint, nil
}

// pick draws a random endpoint from the subset matching protocol and records
// it as the sticky selection for the key. Must be called with mu held.
func (m *Manager) pick(port int, protocol entity.Protocol) (entity.Endpoint, error) {
	available := m.availableHTTP
	if protocol == entity.ProtocolHTTPS {
		available = m.availableHTTPS
	}

	if len(available) == 0 {
		return entity.Endpoint{}, fmt.Errorf("%w for %s", errs.ErrNoProxiesAvailable, protocol)
	}

	endpoint := available[m.rng.IntN(len(available))]
	m.sticky[stickyKey{protocol: protocol, port: port}] = stickyEntry{
		endpoint: endpoint,
		chosenAt: m.now(),
	}

	return endpoint, nil
}

// StartHealthChecker starts the background sweep loop. The first sweep runs
// immediately; each following sweep starts one interval after the previous one
// completed. The loop stops when ctx is cancelled.
func (m *Manager) StartHealthChecker(ctx context.Context) {
	go func() {
		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				m.Sweep(ctx)
				timer.Reset(m.opts.HealthCheckInterval)
			}
		}
	}()

	m.log.Info("proxy health checker started",
		slog.Duration("interval", m.opts.HealthCheckInterval),
		slog.Int("proxy_count", len(m.all)))
}

// Sweep probes every known endpoint against both test URLs and replaces the
// availability lists with the endpoints whose probe succeeded.
func (m *Manager) Sweep(ctx context.Context) {
	defer m.metrics.SweepTimer()()

	httpOK := make([]bool, len(m.all))
	httpsOK := make([]bool, len(m.all))

	g, gctx := errgroup.WithContext(ctx)
	if m.opts.HealthCheckConcurrency > 0 {
		g.SetLimit(m.opts.HealthCheckConcurrency)
	}

	for i, endpoint := range m.all {
		g.Go(func() error {
			httpOK[i] = m.checker.Check(gctx, endpoint, m.opts.HTTPTestURL)
			m.metrics.RecordProbe(string(entity.ProtocolHTTP), httpOK[i])

			return nil
		})
		g.Go(func() error {
			httpsOK[i] = m.checker.Check(gctx, endpoint, m.opts.HTTPSTestURL)
			m.metrics.RecordProbe(string(entity.ProtocolHTTPS), httpsOK[i])

			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() != nil {
		m.log.Debug("health check sweep cancelled")

		return
	}

	newHTTP := make([]entity.Endpoint, 0, len(m.all))
	newHTTPS := make([]entity.Endpoint, 0, len(m.all))

	for i, endpoint := range m.all {
		if httpOK[i] {
			newHTTP = append(newHTTP, endpoint)
		}

		if httpsOK[i] {
			newHTTPS = append(newHTTPS, endpoint)
		}
	}

	m.mu.Lock()
	httpChanged := !sameSet(m.availableHTTP, newHTTP)
	httpsChanged := !sameSet(m.availableHTTPS, newHTTPS)
	m.availableHTTP = newHTTP
	m.availableHTTPS = newHTTPS
	m.lastSweep = m.now()
	m.mu.Unlock()

	m.metrics.SetProxiesAvailable(string(entity.ProtocolHTTP), len(newHTTP))
	m.metrics.SetProxiesAvailable(string(entity.ProtocolHTTPS), len(newHTTPS))

	if httpChanged {
		m.log.Info("http proxies available", slog.Int("count", len(newHTTP)), slog.Int("total", len(m.all)))
	}

	if httpsChanged {
		m.log.Info("https proxies available", slog.Int("count", len(newHTTPS)), slog.Int("total", len(m.all)))
	}

	if len(newHTTP) == 0 && len(newHTTPS) == 0 {
		m.log.Warn("no proxies passed the health check")
	}
}

// sameSet reports whether a and b hold the same endpoints, ignoring order.
func sameSet(a, b []entity.Endpoint) bool {
	if len(a) != len(b) {
		return false
	}

	set := make(map[entity.Endpoint]struct{}, len(a))
	for _, e := range a {
		set[e] = struct{}{}
	}

	for _, e := range b {
		if _, ok := set[e]; !ok {
			return false
		}
	}

	return true
}

// Snapshot returns a copy of the pool state.
func (m *Manager) Snapshot() entity.PoolSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	selections := make([]entity.Selection, 0, len(m.sticky))
	for key, entry := range m.sticky {
		selections = append(selections, entity.Selection{
			Protocol: key.protocol,
			Port:     key.port,
			Endpoint: entry.endpoint,
			ChosenAt: entry.chosenAt,
		})
	}

	slices.SortFunc(selections, func(a, b entity.Selection) int {
		if a.Port != b.Port {
			return a.Port - b.Port
		}

		switch {
		case a.Protocol < b.Protocol:
			return -1
		case a.Protocol > b.Protocol:
			return 1
		default:
			return 0
		}
	})

	return entity.PoolSnapshot{
		Mode:           m.opts.Mode,
		All:            slices.Clone(m.all),
		AvailableHTTP:  slices.Clone(m.availableHTTP),
		AvailableHTTPS: slices.Clone(m.availableHTTPS),
		Selections:     selections,
		RequestCount:   m.requestCount,
		LastSweep:      m.lastSweep,
	}
}

// ProxyCount returns the total number of known proxies.
func (m *Manager) ProxyCount() int {
	return len(m.all)
}

// AvailableCount returns the number of proxies currently available for protocol.
func (m *Manager) AvailableCount(protocol entity.Protocol) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if protocol == entity.ProtocolHTTPS {
		return len(m.availableHTTPS)
	}

	return len(m.availableHTTP)
}
