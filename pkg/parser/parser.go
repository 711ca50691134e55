// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	herrors "github.com/absmach/reqhead/pkg/errors"
)

// DefaultMaxHeaderSize is the header block cap in bytes.
const DefaultMaxHeaderSize = 8192

// Conn is the connection a chunk arrived on. Implementations must be
// comparable (typically a pointer); the value is the session key.
type Conn interface {
	// LocalAddr returns scheme://host:port of the local endpoint, or "".
	LocalAddr() string

	// RemoteAddr returns scheme://host:port of the peer, or "" when unknown
	// (unix domain sockets).
	RemoteAddr() string
}

// State is the outcome of feeding a chunk.
type State int

const (
	// Pending means the header block is not complete yet.
	Pending State = iota

	// HeadersReady means Request and Residual are set.
	HeadersReady

	// Failed means Err is set and the session was discarded.
	Failed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case HeadersReady:
		return "headers_ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is returned for every chunk fed to the parser.
type Result struct {
	State State
	Conn  Conn

	// Request is set when State is HeadersReady.
	Request *Request

	// Residual holds the bytes received after the header block. It may be
	// empty and may contain binary data.
	Residual []byte

	// Err is a *errors.ParseError when State is Failed.
	Err error

	// HeaderSize is the header block length including the terminating empty line.
	HeaderSize int

	// Chunks is the number of chunks the attempt consumed.
	Chunks int

	// Elapsed is the time from the first chunk to completion.
	Elapsed time.Duration
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxHeaderSize overrides DefaultMaxHeaderSize.
func WithMaxHeaderSize(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxHeaderSize = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Parser is an incremental request-header parser multiplexing any number of
// connections. It is not safe for concurrent use: a single goroutine must
// own it (see pkg/server/loop).
type Parser struct {
	maxHeaderSize int
	now           func() time.Time
	logger        *slog.Logger
	sessions      map[Conn]*session
}

// New creates a parser.
func New(opts ...Option) *Parser {
	p := &Parser{
		maxHeaderSize: DefaultMaxHeaderSize,
		now:           time.Now,
		logger:        slog.Default(),
		sessions:      make(map[Conn]*session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxHeaderSize returns the configured header block cap.
func (p *Parser) MaxHeaderSize() int {
	return p.maxHeaderSize
}

// Pending returns the number of connections with an incomplete header block.
func (p *Parser) Pending() int {
	return len(p.sessions)
}

// Handle starts tracking c. It is a no-op while c already has a session.
func (p *Parser) Handle(c Conn) {
	if _, ok := p.sessions[c]; !ok {
		p.sessions[c] = newSession(p.now())
	}
}

// Close discards the pending session of c, if any. It reports whether a
// session was dropped. No result is produced for the dropped attempt.
func (p *Parser) Close(c Conn) bool {
	if _, ok := p.sessions[c]; !ok {
		return false
	}
	delete(p.sessions, c)
	return true
}

// Feed appends chunk to the buffer of c and tries to complete the header
// block. A connection without a session gets one implicitly. Once a
// non-pending result is returned the session is gone; the next Feed starts a
// new attempt.
func (p *Parser) Feed(c Conn, chunk []byte) Result {
	s, ok := p.sessions[c]
	if !ok {
		s = newSession(p.now())
		p.sessions[c] = s
	}

	end := s.append(chunk)
	if s.overflow(end, p.maxHeaderSize) {
		delete(p.sessions, c)
		return p.fail(c, s, herrors.NewOverflow(p.maxHeaderSize), len(s.buf))
	}
	if end < 0 {
		return Result{State: Pending, Conn: c, Chunks: s.chunks}
	}
	delete(p.sessions, c)

	now := p.now()
	size := end + len(boundary)
	req, err := p.parseHead(c, string(s.buf[:end]), now)
	if err != nil {
		return p.fail(c, s, err, size)
	}

	return Result{
		State:      HeadersReady,
		Conn:       c,
		Request:    req,
		Residual:   s.buf[size:],
		HeaderSize: size,
		Chunks:     s.chunks,
		Elapsed:    now.Sub(s.started),
	}
}

func (p *Parser) fail(c Conn, s *session, err error, size int) Result {
	p.logger.Debug("request header parse failed",
		slog.String("remote", c.RemoteAddr()),
		slog.String("kind", herrors.KindOf(err).String()),
		slog.String("error", err.Error()))

	return Result{
		State:      Failed,
		Conn:       c,
		Err:        err,
		HeaderSize: size,
		Chunks:     s.chunks,
		Elapsed:    p.now().Sub(s.started),
	}
}

// parseHead turns a complete header block, without its terminating empty
// line, into a Request.
func (p *Parser) parseHead(c Conn, head string, now time.Time) (*Request, error) {
	lines := strings.Split(head, "\r\n")

	rl, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	form, err := classifyTarget(rl.method, rl.target)
	if err != nil {
		return nil, err
	}

	var abs *url.URL
	if form == AbsoluteForm {
		if abs, err = parseAbsoluteTarget(rl.target); err != nil {
			return nil, err
		}
	}

	if !rl.supported() {
		return nil, herrors.NewParseError(herrors.UnsupportedProtocolVersion)
	}

	header, err := parseHeaderFields(lines[1:])
	if err != nil {
		return nil, err
	}

	local, _ := ParseAddress(c.LocalAddr())
	uri, err := resolveURI(form, rl.target, abs, &header, local)
	if err != nil {
		return nil, err
	}

	query, _ := url.ParseQuery(uri.RawQuery)

	return &Request{
		Method:       rl.method,
		Target:       rl.target,
		Form:         form,
		URI:          uri,
		Proto:        rl.proto(),
		ProtoMajor:   rl.major,
		ProtoMinor:   rl.minor,
		Header:       header,
		Query:        query,
		Cookies:      parseCookies(header),
		ServerParams: serverParams(c.LocalAddr(), c.RemoteAddr(), now),
		ReceivedAt:   now,
	}, nil
}
