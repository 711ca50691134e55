// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a websocket wrapper that satisfies the net.Conn interface.
// Handlers receive it as handler.Context.Conn and write responses through it.
type Conn struct {
	*websocket.Conn
	messageType int
	r           io.Reader
	rio         sync.Mutex
	wio         sync.Mutex
}

var _ net.Conn = (*Conn)(nil)

// NewConn wraps a websocket.Conn. Writes are sent as messages of
// messageType, websocket.BinaryMessage when zero.
func NewConn(ws *websocket.Conn, messageType int) *Conn {
	if messageType == 0 {
		messageType = websocket.BinaryMessage
	}
	return &Conn{
		Conn:        ws,
		messageType: messageType,
	}
}

// SetDeadline sets both the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// Write sends p as one message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wio.Lock()
	defer c.wio.Unlock()

	if err := c.WriteMessage(c.messageType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read reads the body that follows the header block, crossing message
// boundaries.
func (c *Conn) Read(p []byte) (int, error) {
	c.rio.Lock()
	defer c.rio.Unlock()
	for {
		if c.r == nil {
			var err error
			_, c.r, err = c.NextReader()
			if err != nil {
				return 0, err
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// NextChunk returns at most size bytes of the current message, moving on to
// the next message once it is consumed. A chunk never spans two messages.
func (c *Conn) NextChunk(size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := c.Read(buf)
	return buf[:n], err
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}
