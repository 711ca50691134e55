// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser implements the incremental HTTP/1.x request-header parser.
//
// # Architecture Overview
//
// A Parser sits between a transport, which delivers raw byte chunks per
// connection, and the application, which wants a complete request head. One
// Parser multiplexes any number of connections: each connection has its own
// session holding the bytes received so far.
//
//	chunk ─→ session buffer ─→ overflow guard ─→ boundary scan
//	                                                  │
//	                              request-line, header fields, URI, params
//	                                                  │
//	                                  Result{HeadersReady | Failed}
//
// # Feeding Chunks
//
//	p := parser.New()
//	p.Handle(conn)
//	for chunk := range chunks {
//		res := p.Feed(conn, chunk)
//		switch res.State {
//		case parser.Pending:
//			continue
//		case parser.HeadersReady:
//			serve(res.Request, res.Residual)
//		case parser.Failed:
//			reject(res.Err)
//		}
//	}
//
// The boundary (an empty line, CRLF CRLF) may be split over any number of
// chunks. Scanning resumes three bytes before the previous end of the
// buffer, so a split boundary is never missed and bytes are not rescanned.
//
// # Sessions
//
// A session is created by Handle or by the first Feed for a connection and is
// removed on completion, on failure, or by Close. At most one session exists
// per connection. Close drops an incomplete attempt without producing a
// Result.
//
// # Size Limit
//
// The header block may not exceed MaxHeaderSize (8192 bytes by default).
// The limit only applies to bytes before the boundary; body bytes that
// arrived with the head are returned in Result.Residual whatever their size.
//
// # Request-Targets
//
//   - origin-form "/path?query": any method but CONNECT
//   - absolute-form "http://host/path": scheme http or https, no fragment
//   - authority-form "host:port": CONNECT only
//   - asterisk-form "*": OPTIONS only
//
// # URI Resolution
//
// Absolute-form targets are used as given. Otherwise the scheme is https
// when the local address is a TLS address and the authority comes from the
// Host header, then from the local address, then 127.0.0.1:80. Default ports
// are omitted.
//
// # Concurrency
//
// Parser has no locks. Exactly one goroutine may call its methods; the
// server/loop package provides that goroutine for network servers.
//
// # Errors
//
// Failures are *errors.ParseError values from pkg/errors and match the
// sentinel of their kind with errors.Is.
package parser
