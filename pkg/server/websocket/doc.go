// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements a WebSocket transport for reqhead.
//
// # Overview
//
// Clients that cannot open raw sockets tunnel an HTTP/1 request through a
// WebSocket. Messages received after the upgrade are chunks for the header
// parser, so a request head may be split over any number of messages. A
// message larger than Config.ReadBufferSize is fed in pieces, which keeps
// an oversized head from being buffered before the size limit applies.
//
// # Connection Flow
//
//  1. Client sends the upgrade request to Config.Path
//  2. The rate limiter admits the peer or the server answers 429
//  3. The connection is upgraded with gorilla/websocket
//  4. handler.AuthConnect(); a rejected client gets a policy violation close frame
//  5. Messages are fed to the event loop until the header block is done
//  6. handler.OnHeaders() or handler.OnError(), then handler.OnDisconnect()
//
// # Conn Adapter
//
// Conn wraps websocket.Conn as a net.Conn and is passed to handlers as
// handler.Context.Conn:
//
//   - Read: returns body bytes, crossing message boundaries
//   - Write: sends one binary message per call
//   - NextChunk: returns a bounded piece of one message, used while parsing the head
//
// # Addresses
//
// The local address scheme is ws, or wss behind TLS. Request URIs are https
// for wss listeners.
package websocket
