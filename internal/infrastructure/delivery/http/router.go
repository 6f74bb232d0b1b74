package httprouter

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"rotagate/internal/consts"
	"rotagate/internal/entity"
	"rotagate/internal/infrastructure/delivery/http/middleware"
	"rotagate/internal/infrastructure/delivery/http/response"
	"rotagate/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool is the read-only view of the upstream pool served by the admin API.
type Pool interface {
	Snapshot() entity.PoolSnapshot
	AvailableCount(protocol entity.Protocol) int
}

type Router struct {
	*http.ServeMux
	log         *slog.Logger
	globalChain []func(http.Handler) http.Handler
	pool        Pool
	metrics     *observability.Metrics
	gatherer    prometheus.Gatherer
}

func New(log *slog.Logger, pool Pool, metrics *observability.Metrics, gatherer prometheus.Gatherer) *Router {
	r := &Router{
		ServeMux: http.NewServeMux(),
		log:      log.With(slog.String("package", "httprouter")),
		pool:     pool,
		metrics:  metrics,
		gatherer: gatherer,
	}

	r.SetGlobalMiddlewares()
	r.SetRoutes()

	return r
}

func (r *Router) Use(middleware ...func(http.Handler) http.Handler) {
	r.globalChain = append(r.globalChain, middleware...)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var h http.Handler = r.ServeMux

	for _, middleware := range slices.Backward(r.globalChain) {
		h = middleware(h)
	}

	h.ServeHTTP(w, req)
}

func (r *Router) SetGlobalMiddlewares() {
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.Logger,
		middleware.Metrics(r.metrics),
	)
}

func (r *Router) SetRoutes() {
	r.SetRoutesV1()
	r.Handle("GET /metrics", observability.Handler(r.gatherer))
}

func (ro *Router) SetRoutesV1() {
	v1Router := &Router{
		ServeMux: http.NewServeMux(),
	}
	v1Router.HandleFunc("GET /readyz", ro.Readyz)
	v1Router.HandleFunc("GET /pool", ro.GetPool)

	ro.Handle("/v1/", http.StripPrefix("/v1", v1Router))
}

// Readyz reports ready while at least one upstream passed the last health check.
func (ro *Router) Readyz(w http.ResponseWriter, r *http.Request) {
	if ro.pool.AvailableCount(entity.ProtocolHTTP) == 0 && ro.pool.AvailableCount(entity.ProtocolHTTPS) == 0 {
		ro.log.WarnContext(r.Context(), consts.RespNotReady)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(consts.RespNotReady))

		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (ro *Router) GetPool(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), consts.DefaultHandlerTimeout)
	defer cancel()

	snapshot := ro.pool.Snapshot()

	ro.log.DebugContext(ctx, consts.RespPoolRetrieved,
		slog.Int("all", len(snapshot.All)),
		slog.Int("available_http", len(snapshot.AvailableHTTP)),
		slog.Int("available_https", len(snapshot.AvailableHTTPS)))

	response.OK(w, consts.RespPoolRetrieved, snapshot, nil)
}
