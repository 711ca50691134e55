// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	herrors "github.com/absmach/reqhead/pkg/errors"
	"github.com/absmach/reqhead/pkg/handler"
	"github.com/absmach/reqhead/pkg/metrics"
	"github.com/absmach/reqhead/pkg/parser"
	"github.com/absmach/reqhead/pkg/ratelimit"
	"github.com/absmach/reqhead/pkg/server/loop"
	"github.com/google/uuid"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrUnsupportedNetwork is returned for networks other than tcp and unix.
	ErrUnsupportedNetwork = errors.New("unsupported network")
)

const defaultReadBufferSize = 4096

// Config holds the stream server configuration.
type Config struct {
	// Name labels logs and metrics; defaults to the address scheme
	Name string

	// Network is "tcp" or "unix"
	Network string

	// Address is host:port for tcp or a socket path for unix
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// HeaderTimeout bounds the time a client has to send the header block. Zero disables it.
	HeaderTimeout time.Duration

	// ReadBufferSize is the maximum chunk size fed to the parser
	ReadBufferSize int

	// Limiter admits new connections per peer (optional)
	Limiter *ratelimit.Limiter

	// Metrics (optional)
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts stream connections, feeds their bytes to an event loop and
// passes the parsed header block to a handler.
type Server struct {
	config   Config
	loop     *loop.Loop
	handler  handler.Handler
	wg       sync.WaitGroup
	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// New creates a new server with the given configuration, event loop, and handler.
func New(cfg Config, l *loop.Loop, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.Name == "" {
		cfg.Name = scheme(cfg.Network, cfg.TLSConfig != nil)
	}

	return &Server{
		config:  cfg,
		loop:    l,
		handler: h,
		ready:   make(chan struct{}),
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
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	if s.config.Network != "tcp" && s.config.Network != "unix" {
		return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, s.config.Network)
	}

	listener, err := net.Listen(s.config.Network, s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	s.config.Logger.Info("server started",
		slog.String("listener", s.config.Name),
		slog.String("network", s.config.Network),
		slog.String("address", listener.Addr().String()))

	// Separate context for active connections so that draining can outlive ctx
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConn(connCtx, conn); err != nil {
					s.config.Logger.Debug("connection handler error",
						slog.String("listener", s.config.Name),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener", slog.String("listener", s.config.Name))

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully", slog.String("listener", s.config.Name))
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure", slog.String("listener", s.config.Name))
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

// handleConn admits a connection and serves it.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) error {
	defer nc.Close()

	proto := scheme(s.config.Network, s.config.TLSConfig != nil)
	remote := parser.FormatAddress(proto, nc.RemoteAddr())

	if s.config.Limiter != nil {
		if err := s.config.Limiter.Admit(remote); err != nil {
			s.config.Metrics.RateLimited(s.config.Name)
			return herrors.New("admit", proto, "", remote, err)
		}
	}

	return s.config.Metrics.ObserveConnection(s.config.Name, func() error {
		return s.serve(ctx, nc, proto, remote)
	})
}

// serve runs one connection:
// 1. Completing the TLS handshake and capturing the client certificate
// 2. Authorizing the connection
// 3. Feeding chunks to the event loop until the header block is done
// 4. Passing the request or the parse error to the handler
func (s *Server) serve(ctx context.Context, nc net.Conn, proto, remote string) error {
	// Unblock reads when connections are forcefully closed
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		LocalAddr:  parser.FormatAddress(proto, nc.LocalAddr()),
		RemoteAddr: remote,
		Protocol:   proto,
		Conn:       nc,
	}

	if tlsConn, ok := nc.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return herrors.New("handshake", proto, hctx.SessionID, remote, err)
		}
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			hctx.Cert = state.PeerCertificates[0]
		}
	}

	if err := s.handler.AuthConnect(ctx, hctx); err != nil {
		return herrors.New("auth", proto, hctx.SessionID, remote, err)
	}

	defer func() {
		if err := s.handler.OnDisconnect(context.Background(), hctx); err != nil {
			s.config.Logger.Error("disconnect handler error",
				slog.String("session", hctx.SessionID),
				slog.String("error", err.Error()))
		}
	}()

	s.config.Logger.Debug("connection established",
		slog.String("session", hctx.SessionID),
		slog.String("client", remote),
		slog.String("local", hctx.LocalAddr))

	if s.config.HeaderTimeout > 0 {
		if err := nc.SetReadDeadline(time.Now().Add(s.config.HeaderTimeout)); err != nil {
			return herrors.New("deadline", proto, hctx.SessionID, remote, err)
		}
	}

	c := &conn{local: hctx.LocalAddr, remote: remote}
	res, err := s.loop.Drive(ctx, c, nc, s.config.ReadBufferSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return herrors.New("read", proto, hctx.SessionID, remote, err)
	}

	if s.config.HeaderTimeout > 0 {
		if err := nc.SetReadDeadline(time.Time{}); err != nil {
			return herrors.New("deadline", proto, hctx.SessionID, remote, err)
		}
	}

	switch res.State {
	case parser.HeadersReady:
		s.config.Logger.Debug("request headers parsed",
			slog.String("session", hctx.SessionID),
			slog.String("method", res.Request.Method),
			slog.String("uri", res.Request.URI.String()),
			slog.Int("header_size", res.HeaderSize),
			slog.Int("chunks", res.Chunks))
		return s.handler.OnHeaders(ctx, hctx, res.Request, res.Residual)
	default:
		if err := s.handler.OnError(ctx, hctx, res.Err); err != nil {
			return herrors.New("reject", proto, hctx.SessionID, remote, err)
		}
		return res.Err
	}
}

// conn is the parser session key of one accepted connection.
type conn struct {
	local  string
	remote string
}

func (c *conn) LocalAddr() string  { return c.local }
func (c *conn) RemoteAddr() string { return c.remote }

// scheme returns the address scheme for a listener.
func scheme(network string, secure bool) string {
	if secure {
		return "tls"
	}
	return network
}
