// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	herrors "github.com/absmach/reqhead/pkg/errors"
	"github.com/absmach/reqhead/pkg/handler"
	"github.com/absmach/reqhead/pkg/metrics"
	"github.com/absmach/reqhead/pkg/parser"
	"github.com/absmach/reqhead/pkg/ratelimit"
	"github.com/absmach/reqhead/pkg/server/loop"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const defaultReadBufferSize = 4096

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the WebSocket server configuration.
type Config struct {
	// Name labels logs and metrics; defaults to ws or wss
	Name string

	// Address is the listen address (host:port)
	Address string

	// Path is the upgrade endpoint, "/" when empty
	Path string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// ShutdownTimeout bounds connection draining on shutdown
	ShutdownTimeout time.Duration

	// HeaderTimeout bounds the time a client has to send the header block. Zero disables it.
	HeaderTimeout time.Duration

	// ReadBufferSize is the maximum chunk size fed to the parser. Larger
	// messages are fed in several chunks.
	ReadBufferSize int

	// CheckOrigin validates the upgrade request origin; nil accepts any origin
	CheckOrigin func(r *http.Request) bool

	// Limiter admits new connections per peer (optional)
	Limiter *ratelimit.Limiter

	// Metrics (optional)
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts WebSocket connections and parses an HTTP/1 header block
// carried in their messages. Every message is fed as one or more chunks of
// at most ReadBufferSize bytes.
type Server struct {
	config   Config
	loop     *loop.Loop
	handler  handler.Handler
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	connCtx  context.Context
}

// New creates a new WebSocket server.
func New(cfg Config, l *loop.Loop, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Name == "" {
		cfg.Name = scheme(cfg.TLSConfig != nil)
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		config:  cfg,
		loop:    l,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		ready:   make(chan struct{}),
		connCtx: context.Background(),
	}
}

// Ready is closed once the server listens.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listener address, or nil before the server listens.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen starts the server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	s.mu.Lock()
	s.listener = listener
	s.connCtx = connCtx
	s.mu.Unlock()
	close(s.ready)

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handle)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.config.Logger.Handler(), slog.LevelError),
	}

	s.config.Logger.Info("WebSocket server started",
		slog.String("listener", s.config.Name),
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.config.Logger.Info("shutdown signal received, closing listener", slog.String("listener", s.config.Name))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
		}
		return s.drain(shutdownCtx, connCancel)
	})

	return g.Wait()
}

// drain waits for hijacked connections, which http.Server.Shutdown does not track.
func (s *Server) drain(ctx context.Context, cancel context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully", slog.String("listener", s.config.Name))
		return nil
	case <-ctx.Done():
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure", slog.String("listener", s.config.Name))
		cancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	proto := scheme(s.config.TLSConfig != nil)

	// Registered before the upgrade, while Shutdown still tracks the request.
	s.mu.Lock()
	ctx := s.connCtx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if s.config.Limiter != nil {
		if err := s.config.Limiter.Admit(proto + "://" + r.RemoteAddr); err != nil {
			s.config.Metrics.RateLimited(s.config.Name)
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Debug("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	conn := NewConn(ws, websocket.BinaryMessage)
	defer conn.Close()

	err = s.config.Metrics.ObserveConnection(s.config.Name, func() error {
		return s.serve(ctx, conn, r, proto)
	})
	if err != nil {
		s.config.Logger.Debug("connection handler error",
			slog.String("listener", s.config.Name),
			slog.String("error", err.Error()))
	}
}

func (s *Server) serve(ctx context.Context, conn *Conn, r *http.Request, proto string) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		LocalAddr:  parser.FormatAddress(proto, conn.LocalAddr()),
		RemoteAddr: parser.FormatAddress(proto, conn.RemoteAddr()),
		Protocol:   proto,
		Conn:       conn,
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		hctx.Cert = r.TLS.PeerCertificates[0]
	}

	if err := s.handler.AuthConnect(ctx, hctx); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		return herrors.New("auth", proto, hctx.SessionID, hctx.RemoteAddr, err)
	}

	defer func() {
		if err := s.handler.OnDisconnect(context.Background(), hctx); err != nil {
			s.config.Logger.Error("disconnect handler error",
				slog.String("session", hctx.SessionID),
				slog.String("error", err.Error()))
		}
	}()

	if s.config.HeaderTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.HeaderTimeout)); err != nil {
			return herrors.New("deadline", proto, hctx.SessionID, hctx.RemoteAddr, err)
		}
	}

	c := &session{local: hctx.LocalAddr, remote: hctx.RemoteAddr}
	res, err := s.loop.DriveChunks(ctx, c, func() ([]byte, error) {
		return conn.NextChunk(s.config.ReadBufferSize)
	})
	if err != nil {
		if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return herrors.New("read", proto, hctx.SessionID, hctx.RemoteAddr, err)
	}

	if s.config.HeaderTimeout > 0 {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return herrors.New("deadline", proto, hctx.SessionID, hctx.RemoteAddr, err)
		}
	}

	if res.State == parser.HeadersReady {
		return s.handler.OnHeaders(ctx, hctx, res.Request, res.Residual)
	}
	if err := s.handler.OnError(ctx, hctx, res.Err); err != nil {
		return herrors.New("reject", proto, hctx.SessionID, hctx.RemoteAddr, err)
	}
	return res.Err
}

// session is the parser session key of one WebSocket connection.
type session struct {
	local  string
	remote string
}

func (s *session) LocalAddr() string  { return s.local }
func (s *session) RemoteAddr() string { return s.remote }

func scheme(secure bool) string {
	if secure {
		return "wss"
	}
	return "ws"
}
