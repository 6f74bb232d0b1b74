// Package relay accepts client proxy connections on a set of ports and relays
// each one byte for byte to an upstream proxy chosen per connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"rotagate/internal/consts"
	"rotagate/internal/entity"
	"rotagate/internal/errs"
	"rotagate/internal/observability"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	acceptRetryDelay        = 50 * time.Millisecond
)

// Rejection reasons, used as metric labels.
const (
	rejectUnauthorized = "unauthorized"
	rejectNoUpstream   = "no_upstream"
	rejectDial         = "dial"
	rejectShutdown     = "shutdown"
)

// Directions, used as metric labels.
const (
	toUpstream = "upstream"
	toClient   = "client"
)

// Selector picks the upstream for a connection accepted on port.
type Selector interface {
	SelectProxy(port int, protocol entity.Protocol) (entity.Endpoint, error)
}

// Options configures a Relay.
type Options struct {
	Host  string
	Ports []int

	// Username and Password enable authentication when both are set.
	Username string
	Password string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
	// AcceptRate limits accepted connections per second per listener, 0 disables.
	AcceptRate float64
}

type listener struct {
	net.Listener
	port    int
	limiter *rate.Limiter
}

// pair is a client connection and the upstream connection it is relayed to.
type pair struct {
	id       string
	log      *slog.Logger
	client   net.Conn
	upstream net.Conn
}

// watcher reads one chunk at a time from conn and hands it to the loop.
type watcher struct {
	conn      net.Conn
	pair      *pair
	direction string
	resume    chan struct{}
	closed    chan struct{}
}

// event is a chunk read by a watcher, or the error that ended its reads.
type event struct {
	w    *watcher
	data []byte
	err  error
}

// Relay is the connection relay. A single loop goroutine owns the channel map
// and the watcher set; listeners, handshakes and watchers talk to it over
// channels.
type Relay struct {
	log      *slog.Logger
	opts     Options
	selector Selector
	metrics  *observability.Metrics
	dialer   *net.Dialer

	listeners []*listener
	register  chan *pair
	events    chan event
	done      chan struct{}
	serveOnce sync.Once

	channels channelMap
	watchers map[net.Conn]*watcher
}

// New creates a relay. Call Listen to bind the ports, then Serve.
func New(log *slog.Logger, opts Options, selector Selector, metrics *observability.Metrics) *Relay {
	if opts.BufferSize <= 0 {
		opts.BufferSize = consts.DefaultBufferSize
	}

	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}

	return &Relay{
		log:      log.With(slog.String("package", "relay")),
		opts:     opts,
		selector: selector,
		metrics:  metrics,
		dialer:   &net.Dialer{Timeout: opts.DialTimeout},
		register: make(chan *pair),
		events:   make(chan event),
		done:     make(chan struct{}),
		channels: make(channelMap),
		watchers: make(map[net.Conn]*watcher),
	}
}

func (r *Relay) authEnabled() bool {
	return r.opts.Username != "" && r.opts.Password != ""
}

// Listen binds one listener per configured port. Any bind failure closes the
// listeners opened so far and is returned.
func (r *Relay) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: listenControl}

	for _, port := range r.opts.Ports {
		addr := net.JoinHostPort(r.opts.Host, strconv.Itoa(port))

		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			r.closeListeners()

			return fmt.Errorf("listen on %s: %w", addr, err)
		}

		l := &listener{Listener: ln, port: port}
		if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
			l.port = tcpAddr.Port
		}

		if r.opts.AcceptRate > 0 {
			l.limiter = rate.NewLimiter(rate.Limit(r.opts.AcceptRate), int(math.Max(1, math.Ceil(r.opts.AcceptRate))))
		}

		r.listeners = append(r.listeners, l)

		r.log.InfoContext(ctx, "listening", slog.String("addr", ln.Addr().String()))
	}

	return nil
}

// Addrs returns the bound listener addresses.
func (r *Relay) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(r.listeners))
	for _, l := range r.listeners {
		addrs = append(addrs, l.Addr())
	}

	return addrs
}

// Serve runs the event loop until ctx is cancelled, then closes the listeners
// and tears down every pair. It may only be called once.
func (r *Relay) Serve(ctx context.Context) error {
	if len(r.listeners) == 0 {
		return fmt.Errorf("%w: no listeners", errs.ErrRelayClosed)
	}

	started := false
	r.serveOnce.Do(func() { started = true })

	if !started {
		return errs.ErrRelayClosed
	}

	defer close(r.done)

	for _, l := range r.listeners {
		go r.acceptLoop(ctx, l)
	}

	for {
		select {
		case <-ctx.Done():
			r.shutdown()

			return nil
		case p := <-r.register:
			r.addPair(p)
		case ev := <-r.events:
			r.handleEvent(ev)
		}
	}
}

func (r *Relay) closeListeners() {
	for _, l := range r.listeners {
		_ = l.Close()
	}
}

func (r *Relay) shutdown() {
	r.closeListeners()

	count := r.channels.pairs()
	for conn := range r.channels {
		r.teardown(conn)
	}

	r.log.Info("relay stopped", slog.Int("closed_pairs", count))
}

func (r *Relay) acceptLoop(ctx context.Context, l *listener) {
	for {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
		}

		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}

			r.log.Warn("accept failed", slog.Int("port", l.port), slog.Any("error", err))
			time.Sleep(acceptRetryDelay)

			continue
		}

		r.metrics.RecordAccepted(l.port)

		go r.handshake(ctx, l.port, conn)
	}
}

// handshake authenticates and classifies a new client, selects and dials its
// upstream and hands the pair to the loop.
func (r *Relay) handshake(ctx context.Context, port int, conn net.Conn) {
	p := &pair{id: uuid.NewString()}
	p.log = r.log.With(
		slog.String("conn_id", p.id),
		slog.String("client", conn.RemoteAddr().String()),
		slog.Int("port", port))

	deadline := time.Now().Add(r.opts.HandshakeTimeout)

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	client := newPeekConn(conn)

	head, peekErr := client.Peek(r.opts.BufferSize, deadline)

	if r.authEnabled() && (peekErr != nil || !authorized(head, r.opts.Username, r.opts.Password)) {
		p.log.WarnContext(ctx, "client failed authentication", slog.Any("error", errors.Join(errs.ErrUnauthenticated, peekErr)))

		_ = conn.SetWriteDeadline(deadline)
		_, _ = conn.Write([]byte(consts.Unauthorized))
		_ = conn.Close()

		r.metrics.RecordRejected(port, rejectUnauthorized)

		return
	}

	if peekErr != nil {
		p.log.DebugContext(ctx, "protocol sniff failed", slog.Any("error", peekErr))
	}

	protocol := sniff(head)
	p.log = p.log.With(slog.String("protocol", string(protocol)))

	endpoint, err := r.selector.SelectProxy(port, protocol)
	if err != nil {
		p.log.ErrorContext(ctx, "upstream selection failed", slog.Any("error", err))
		_ = conn.Close()
		r.metrics.RecordRejected(port, rejectNoUpstream)

		return
	}

	p.log = p.log.With(slog.String("upstream", endpoint.Addr()))

	upstream, err := r.dialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		p.log.ErrorContext(ctx, "upstream dial failed", slog.Any("error", err))
		_ = conn.Close()
		r.metrics.RecordRejected(port, rejectDial)

		return
	}

	if !stop() {
		// ctx fired during the handshake
		_ = conn.Close()
		_ = upstream.Close()
		r.metrics.RecordRejected(port, rejectShutdown)

		return
	}

	_ = conn.SetDeadline(time.Time{})

	p.client = client
	p.upstream = upstream

	select {
	case r.register <- p:
		p.log.InfoContext(ctx, "relaying")
	case <-r.done:
		_ = conn.Close()
		_ = upstream.Close()
		r.metrics.RecordRejected(port, rejectShutdown)
	}
}

// addPair registers both directions of p and starts watching both sockets.
func (r *Relay) addPair(p *pair) {
	r.channels.pair(p.client, p.upstream)
	r.watch(p.client, p, toUpstream)
	r.watch(p.upstream, p, toClient)

	r.metrics.SetActivePairs(r.channels.pairs())
}

func (r *Relay) watch(conn net.Conn, p *pair, direction string) {
	w := &watcher{
		conn:      conn,
		pair:      p,
		direction: direction,
		resume:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	r.watchers[conn] = w

	go r.runWatcher(w)
}

func (r *Relay) runWatcher(w *watcher) {
	buf := make([]byte, r.opts.BufferSize)

	for {
		n, err := w.conn.Read(buf)

		ev := event{w: w}

		switch {
		case n > 0:
			ev.data = buf[:n]
		case err != nil:
			ev.err = err
		default:
			continue
		}

		select {
		case r.events <- ev:
		case <-w.closed:
			return
		case <-r.done:
			return
		}

		if ev.err != nil {
			return
		}

		// the loop owns buf until it resumes us
		select {
		case <-w.resume:
		case <-w.closed:
			return
		case <-r.done:
			return
		}
	}
}

// handleEvent forwards a chunk to the peer of its socket, or tears the pair
// down on end of stream and errors.
func (r *Relay) handleEvent(ev event) {
	peer, ok := r.channels.peer(ev.w.conn)
	if !ok {
		return
	}

	if ev.err != nil {
		ev.w.pair.log.Debug("connection closed",
			slog.String("side", sideOf(ev.w.direction)),
			slog.Any("error", ev.err))
		r.teardown(ev.w.conn)

		return
	}

	_, err := peer.Write(ev.data)
	if err != nil {
		ev.w.pair.log.Debug("write to peer failed", slog.Any("error", err))
		r.teardown(ev.w.conn)

		return
	}

	r.metrics.RecordBytes(ev.w.direction, len(ev.data))

	ev.w.resume <- struct{}{}
}

// teardown closes conn and its peer exactly once. A conn without a live entry
// was already torn down and is ignored.
func (r *Relay) teardown(conn net.Conn) {
	peer, ok := r.channels.remove(conn)
	if !ok {
		return
	}

	for _, c := range []net.Conn{conn, peer} {
		if w, ok := r.watchers[c]; ok {
			close(w.closed)
			delete(r.watchers, c)
		}

		_ = c.Close()
	}

	r.metrics.SetActivePairs(r.channels.pairs())
}

func sideOf(direction string) string {
	if direction == toUpstream {
		return toClient
	}

	return toUpstream
}
