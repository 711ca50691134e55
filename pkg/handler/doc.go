// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links transports to application logic.
//
// # Data Flow
//
//	Client → Server (reads chunks) → Loop (parses header block) → Handler
//
// # Handler Methods
//
//   - AuthConnect: admits or rejects a connection before parsing starts
//   - OnHeaders: receives the parsed request and the residual body bytes
//   - OnError: receives the parse error; the connection is closed afterwards
//   - OnDisconnect: called once the connection is done
//
// # Context
//
// The Context struct carries connection metadata across all handler calls:
//   - SessionID: unique identifier for this connection
//   - LocalAddr, RemoteAddr: endpoints as scheme://host:port
//   - Protocol: transport scheme (tcp, tls, unix, ws, wss)
//   - Cert: client certificate for mTLS connections
//   - Conn: the client connection, used to read the body and write the response
//
// # Example
//
//	type Echo struct{}
//
//	func (Echo) OnHeaders(ctx context.Context, hctx *handler.Context, req *parser.Request, residual []byte) error {
//		_, err := fmt.Fprintf(hctx.Conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s",
//			len(req.URI.String()), req.URI)
//		return err
//	}
package handler
