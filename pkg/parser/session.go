// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"bytes"
	"time"
)

var boundary = []byte("\r\n\r\n")

// session is the pending header block of one connection.
type session struct {
	buf     []byte
	resume  int // scan offset; at most len(boundary)-1 bytes before the previous end
	chunks  int
	started time.Time
}

func newSession(now time.Time) *session {
	return &session{started: now}
}

// append adds chunk and returns the offset of the header/body boundary in
// the accumulated buffer, or -1.
func (s *session) append(chunk []byte) int {
	s.buf = append(s.buf, chunk...)
	s.chunks++

	if i := bytes.Index(s.buf[s.resume:], boundary); i >= 0 {
		return s.resume + i
	}
	s.resume = max(0, len(s.buf)-len(boundary)+1)
	return -1
}

// overflow reports whether the header block exceeds limit. end is the
// boundary offset from append.
func (s *session) overflow(end, limit int) bool {
	if end < 0 {
		return len(s.buf) > limit
	}
	return end > limit
}
