// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package loop runs the goroutine that owns a parser.Parser.
//
// # Overview
//
// parser.Parser has no locks. A Loop serializes every operation on it through
// one goroutine, so any number of connection goroutines can share a single
// parser and its session registry.
//
//	conn goroutine ──Feed──┐
//	conn goroutine ──Feed──┼──→ events ──→ Run (owns Parser) ──→ reply
//	conn goroutine ──Close─┘
//
// Connection goroutines block on network reads, never the loop. The loop only
// appends chunks and parses complete header blocks.
//
// # Usage
//
//	l := loop.New(loop.Config{Name: "tcp", Parser: parser.New()})
//	go l.Run(ctx)
//
//	res, err := l.Drive(ctx, conn, netConn, 4096)
//
// Drive reads from the connection until the parser returns a non-pending
// result. When the read fails first, the session is closed and the read
// error is returned.
//
// # Shutdown
//
// Run returns when its context is cancelled. Pending sessions are dropped and
// every later call returns ErrStopped.
package loop
