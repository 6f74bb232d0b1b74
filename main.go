// entry point of the application
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"rotagate/internal/config"
	"rotagate/internal/entity"
	"rotagate/internal/healthcheck"
	httprouter "rotagate/internal/infrastructure/delivery/http"
	"rotagate/internal/observability"
	"rotagate/internal/proxymgr"
	"rotagate/internal/relay"
	"rotagate/internal/source"
	httpserver "rotagate/pkg/http/server"
	"rotagate/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New()
	if err != nil {
		slog.Error("config new", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	log, err := logger.New(&logger.Options{
		AddSource: true,
		Level:     cfg.App.LogLevel,
		Format:    cfg.App.LogFormat,
	})
	if err != nil {
		slog.WarnContext(ctx, "logger level invalid; defaulting to info", slog.Any("error", err))
	}

	metrics := observability.New(prometheus.DefaultRegisterer)

	proxies, err := source.Load(ctx, log, cfg.Source)
	if err != nil {
		log.ErrorContext(ctx, "load proxy list", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	mode, err := entity.ParseMode(cfg.Pool.Mode)
	if err != nil {
		log.ErrorContext(ctx, "proxy mode", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	checker := healthcheck.New(log, healthcheck.Options{
		Timeout:            cfg.Pool.TestTimeout,
		InsecureSkipVerify: cfg.Pool.TestInsecure,
	})

	proxyMgr, err := proxymgr.New(log, proxymgr.Options{
		HTTPTestURL:            cfg.Pool.HTTPTestURL,
		HTTPSTestURL:           cfg.Pool.HTTPSTestURL,
		Proxies:                proxies,
		Mode:                   mode,
		RequestThreshold:       cfg.Pool.RequestThreshold,
		RotationInterval:       cfg.Pool.RotationInterval(),
		HealthCheckInterval:    cfg.Pool.HealthCheckInterval(),
		HealthCheckConcurrency: cfg.Pool.TestConcurrency,
	}, metrics, checker)
	if err != nil {
		log.ErrorContext(ctx, "proxy manager new", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	proxyMgr.StartHealthChecker(ctx)

	rel := relay.New(log, relay.Options{
		Host:             cfg.Relay.Host,
		Ports:            cfg.Relay.Ports,
		Username:         cfg.Relay.Username,
		Password:         cfg.Relay.Password,
		DialTimeout:      cfg.Relay.DialTimeout,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		BufferSize:       cfg.Relay.BufferSize,
		AcceptRate:       cfg.Relay.AcceptRate,
	}, proxyMgr, metrics)

	err = rel.Listen(ctx)
	if err != nil {
		log.ErrorContext(ctx, "relay listen", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	if cfg.Relay.AuthEnabled() {
		log.InfoContext(ctx, "proxy authentication enabled")
	}

	// Admin HTTP Server
	var httpSrv *httpserver.Server
	if cfg.Admin.Addr != "" {
		router := httprouter.New(log, proxyMgr, metrics, prometheus.DefaultGatherer)

		httpSrv = httpserver.New(router, httpserver.Options{
			Addr:            cfg.Admin.Addr,
			ShutdownTimeout: cfg.Admin.ShutdownTimeout,
		})

		go func() {
			if err := <-httpSrv.Notify(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.ErrorContext(ctx, "admin server stopped", slog.Any("error", err))
			}
		}()
	}

	log.InfoContext(ctx, "rotagate started",
		slog.Any("ports", cfg.Relay.Ports),
		slog.String("mode", string(mode)),
		slog.Int("proxy_count", proxyMgr.ProxyCount()))

	// Serve blocks until the shutdown signal
	err = rel.Serve(ctx)
	if err != nil {
		log.ErrorContext(ctx, "relay serve", slog.Any("error", err))
	}

	if httpSrv != nil {
		err = httpSrv.Shutdown()
		if err != nil {
			log.Error(err.Error())
		}
	}

	log.InfoContext(ctx, "rotagate shut down gracefully")
}
