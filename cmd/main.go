// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/reqhead"
	"github.com/absmach/reqhead/examples/simple"
	"github.com/absmach/reqhead/pkg/handler"
	"github.com/absmach/reqhead/pkg/health"
	"github.com/absmach/reqhead/pkg/metrics"
	"github.com/absmach/reqhead/pkg/parser"
	"github.com/absmach/reqhead/pkg/ratelimit"
	"github.com/absmach/reqhead/pkg/server/loop"
	"github.com/absmach/reqhead/pkg/server/tcp"
	"github.com/absmach/reqhead/pkg/server/websocket"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	tcpPrefix  = "REQHEAD_TCP_"
	tlsPrefix  = "REQHEAD_TLS_"
	unixPrefix = "REQHEAD_UNIX_"
	wsPrefix   = "REQHEAD_WS_"
)

// config holds the service-wide settings.
type config struct {
	LogLevel    string        `env:"REQHEAD_LOG_LEVEL"       envDefault:"info"`
	LogFormat   string        `env:"REQHEAD_LOG_FORMAT"      envDefault:"json"`
	MetricsAddr string        `env:"REQHEAD_METRICS_ADDRESS" envDefault:":9090"`
	HealthAddr  string        `env:"REQHEAD_HEALTH_ADDRESS"  envDefault:":8081"`
	HealthTTL   time.Duration `env:"REQHEAD_HEALTH_TTL"      envDefault:"5s"`
}

type listener struct {
	name   string
	prefix string
	start  func(ctx context.Context, cfg reqhead.Config, l *loop.Loop, limiter *ratelimit.Limiter) error
}

func main() {
	// .env file is optional
	envErr := godotenv.Load()

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("reqhead", reg)
	checker := health.NewChecker(cfg.HealthTTL)
	h := simple.New(logger)

	listeners := []listener{
		{name: "tcp", prefix: tcpPrefix, start: streamServer(h, m, logger)},
		{name: "tls", prefix: tlsPrefix, start: streamServer(h, m, logger)},
		{name: "unix", prefix: unixPrefix, start: streamServer(h, m, logger)},
		{name: "ws", prefix: wsPrefix, start: wsServer(h, m, logger)},
	}

	started := 0
	for _, ln := range listeners {
		if err := startListener(ctx, g, ln, m, checker, logger); err != nil {
			logger.Warn("listener not started",
				slog.String("listener", ln.name),
				slog.String("error", err.Error()))
			continue
		}
		started++
	}
	if started == 0 {
		logger.Error("no listener configured", slog.String("hint", "set "+tcpPrefix+"ADDRESS or another listener address"))
		cancel()
		os.Exit(1)
	}

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		return serveHTTP(ctx, "metrics", cfg.MetricsAddr, mux, logger)
	})

	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthAddr, checker.Mux(), logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("reqhead service terminated with error: %s", err))
	} else {
		logger.Info("reqhead service stopped")
	}
}

// startListener wires one listener: its parser, event loop, limiter and health checks.
func startListener(ctx context.Context, g *errgroup.Group, ln listener, m *metrics.Metrics, checker *health.Checker, logger *slog.Logger) error {
	cfg, err := reqhead.NewConfig(env.Options{Prefix: ln.prefix})
	if err != nil {
		return err
	}
	if !cfg.Enabled() {
		return errors.New("address not configured")
	}

	p := parser.New(
		parser.WithMaxHeaderSize(cfg.MaxHeaderSize),
		parser.WithLogger(logger.With(slog.String("listener", ln.name))),
	)
	l := loop.New(loop.Config{
		Name:    ln.name,
		Parser:  p,
		Metrics: m,
		Logger:  logger,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimitBurst > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			Burst: cfg.RateLimitBurst,
			Rate:  cfg.RateLimitRate,
		})
	}

	checker.Register(ln.name+"_event_loop", health.EventLoopCheck(l.Pending))
	checker.Register(ln.name+"_sessions", health.SessionsCheck(l.Pending, cfg.MaxPendingSessions))

	g.Go(func() error {
		return l.Run(ctx)
	})
	g.Go(func() error {
		if limiter != nil {
			defer limiter.Close()
		}
		return ln.start(ctx, cfg, l, limiter)
	})

	logger.Info("listener started",
		slog.String("listener", ln.name),
		slog.String("prefix", ln.prefix),
		slog.String("address", cfg.Address))
	return nil
}

func streamServer(h handler.Handler, m *metrics.Metrics, logger *slog.Logger) func(context.Context, reqhead.Config, *loop.Loop, *ratelimit.Limiter) error {
	return func(ctx context.Context, cfg reqhead.Config, l *loop.Loop, limiter *ratelimit.Limiter) error {
		srv := tcp.New(tcp.Config{
			Name:            l.Name(),
			Network:         cfg.Network,
			Address:         cfg.Address,
			TLSConfig:       cfg.TLSConfig,
			ShutdownTimeout: cfg.ShutdownTimeout,
			HeaderTimeout:   cfg.HeaderTimeout,
			ReadBufferSize:  cfg.ReadBufferSize,
			Limiter:         limiter,
			Metrics:         m,
			Logger:          logger,
		}, l, h)
		return srv.Listen(ctx)
	}
}

func wsServer(h handler.Handler, m *metrics.Metrics, logger *slog.Logger) func(context.Context, reqhead.Config, *loop.Loop, *ratelimit.Limiter) error {
	return func(ctx context.Context, cfg reqhead.Config, l *loop.Loop, limiter *ratelimit.Limiter) error {
		srv := websocket.New(websocket.Config{
			Name:            l.Name(),
			Address:         cfg.Address,
			Path:            cfg.Path,
			TLSConfig:       cfg.TLSConfig,
			ShutdownTimeout: cfg.ShutdownTimeout,
			HeaderTimeout:   cfg.HeaderTimeout,
			ReadBufferSize:  cfg.ReadBufferSize,
			Limiter:         limiter,
			Metrics:         m,
			Logger:          logger,
		}, l, h)
		return srv.Listen(ctx)
	}
}

// serveHTTP runs an auxiliary HTTP server until ctx is done.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting "+name+" server", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var logHandler slog.Handler
	if format == "json" {
		logHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(logHandler)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
