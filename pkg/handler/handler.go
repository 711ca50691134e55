// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"
	"net"

	"github.com/absmach/reqhead/pkg/parser"
)

// Context contains connection metadata for one accepted connection.
// It is passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// LocalAddr is the local endpoint as scheme://host:port
	LocalAddr string

	// RemoteAddr is the peer endpoint as scheme://host:port, empty for unix sockets
	RemoteAddr string

	// Protocol is the transport scheme (tcp, tls, unix, ws, wss)
	Protocol string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate

	// Conn is the client connection. After OnHeaders the handler owns the
	// remaining request body and the response.
	Conn net.Conn
}

// Handler receives the outcome of header parsing for each connection.
//
// AuthConnect is called before any byte is read and may reject the
// connection. Exactly one of OnHeaders or OnError follows for a connection
// whose header block completes; neither is called when the peer goes away
// first. OnDisconnect is always called last.
type Handler interface {
	// AuthConnect admits or rejects a freshly accepted connection.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnHeaders is called with the parsed request and the body bytes that
	// arrived with the header block. Further body bytes are read from hctx.Conn.
	OnHeaders(ctx context.Context, hctx *Context, req *parser.Request, residual []byte) error

	// OnError is called with the *errors.ParseError that ended parsing.
	// The connection is closed after it returns.
	OnError(ctx context.Context, hctx *Context, err error) error

	// OnDisconnect is called when the connection is done.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that accepts everything and does nothing.
// Useful for testing.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnHeaders(ctx context.Context, hctx *Context, req *parser.Request, residual []byte) error {
	return nil
}

func (h *NoopHandler) OnError(ctx context.Context, hctx *Context, err error) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
