// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the stream server for reqhead: plain TCP, TLS and
// unix domain sockets.
//
// # Overview
//
// The server accepts connections and reads their bytes in chunks. The
// chunks go to a shared event loop that owns the header parser. Once the
// header block is complete or rejected, the handler takes over the
// connection.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌──────────────┐
//	│ Client  │ ──TCP─→ │  Server │ ─Feed─→ │ Loop(Parser) │
//	└─────────┘         └─────────┘         └──────────────┘
//	                         ↓
//	                    ┌─────────┐
//	                    │ Handler │
//	                    └─────────┘
//
// # Connection Flow
//
//  1. Client connects to server
//  2. The rate limiter admits or drops the connection
//  3. TLS handshake, client certificate captured for mTLS
//  4. handler.AuthConnect()
//  5. Chunks are fed to the loop until a result is not pending
//  6. handler.OnHeaders() with the residual body, or handler.OnError()
//  7. handler.OnDisconnect() and the connection is closed
//
// # Addresses
//
// Connection addresses reach the parser as scheme://host:port where the
// scheme is tcp, tls or unix. A TLS listener makes request URIs https. Unix
// domain sockets have no host or port, so requests over them carry no
// SERVER_ADDR, SERVER_PORT, REMOTE_ADDR or REMOTE_PORT.
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for existing connections (with timeout)
//  3. After ShutdownTimeout, forcefully closes remaining connections
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Example
//
//	l := loop.New(loop.Config{Name: "tcp"})
//	go l.Run(ctx)
//
//	srv := tcp.New(tcp.Config{
//		Network:         "tcp",
//		Address:         ":8080",
//		ShutdownTimeout: 30 * time.Second,
//	}, l, myHandler)
//
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
