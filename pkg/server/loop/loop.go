// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/absmach/reqhead/pkg/metrics"
	"github.com/absmach/reqhead/pkg/parser"
)

const (
	defaultBacklog    = 1024
	defaultReadBuffer = 4096
)

var (
	// ErrStopped is returned by calls made after Run returned.
	ErrStopped = errors.New("event loop stopped")

	// ErrRunning is returned when Run is called twice.
	ErrRunning = errors.New("event loop already running")
)

// Config holds the event loop configuration.
type Config struct {
	// Name labels logs and metrics, usually the listener name
	Name string

	// Parser is owned by the loop once Run starts
	Parser *parser.Parser

	// Metrics is optional
	Metrics *metrics.Metrics

	// Logger for loop events
	Logger *slog.Logger

	// Backlog is the event queue length
	Backlog int
}

type op int

const (
	opHandle op = iota
	opFeed
	opClose
	opPending
)

type event struct {
	op    op
	conn  parser.Conn
	chunk []byte
	reply chan reply
}

type reply struct {
	res     parser.Result
	closed  bool
	pending int
}

// Loop serializes parser access on a single goroutine.
type Loop struct {
	config  Config
	events  chan event
	done    chan struct{}
	started chan struct{}
}

// New creates an event loop. A nil Parser is replaced by parser.New().
func New(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Parser == nil {
		cfg.Parser = parser.New(parser.WithLogger(cfg.Logger))
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}

	return &Loop{
		config:  cfg,
		events:  make(chan event, cfg.Backlog),
		done:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.config.Name
}

// Run owns the parser until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	select {
	case l.started <- struct{}{}:
	default:
		return ErrRunning
	}
	defer close(l.done)

	l.config.Logger.Info("event loop started",
		slog.String("listener", l.config.Name),
		slog.Int("max_header_size", l.config.Parser.MaxHeaderSize()))

	for {
		select {
		case <-ctx.Done():
			l.config.Logger.Info("event loop stopped",
				slog.String("listener", l.config.Name),
				slog.Int("dropped_sessions", l.config.Parser.Pending()))
			return nil
		case ev := <-l.events:
			ev.reply <- l.dispatch(ev)
		}
	}
}

func (l *Loop) dispatch(ev event) reply {
	var r reply
	p := l.config.Parser

	switch ev.op {
	case opHandle:
		p.Handle(ev.conn)
	case opFeed:
		r.res = p.Feed(ev.conn, ev.chunk)
		l.config.Metrics.ObserveResult(l.config.Name, r.res)
	case opClose:
		r.closed = p.Close(ev.conn)
	}

	r.pending = p.Pending()
	if ev.op != opPending {
		l.config.Metrics.SetPending(l.config.Name, r.pending)
	}
	return r
}

func (l *Loop) submit(ctx context.Context, ev event) (reply, error) {
	ev.reply = make(chan reply, 1)

	select {
	case l.events <- ev:
	case <-l.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	// Events still queued when Run returns are never dispatched; their
	// callers get ErrStopped once done is closed.
	select {
	case r := <-ev.reply:
		return r, nil
	case <-l.done:
		select {
		case r := <-ev.reply:
			return r, nil
		default:
			return reply{}, ErrStopped
		}
	}
}

// Handle starts a session for c.
func (l *Loop) Handle(ctx context.Context, c parser.Conn) error {
	_, err := l.submit(ctx, event{op: opHandle, conn: c})
	return err
}

// Feed passes a chunk received on c to the parser. The chunk is copied by
// the loop before Feed returns, so the caller may reuse it.
func (l *Loop) Feed(ctx context.Context, c parser.Conn, chunk []byte) (parser.Result, error) {
	r, err := l.submit(ctx, event{op: opFeed, conn: c, chunk: chunk})
	return r.res, err
}

// Close drops the pending session of c and reports whether there was one.
func (l *Loop) Close(ctx context.Context, c parser.Conn) (bool, error) {
	r, err := l.submit(ctx, event{op: opClose, conn: c})
	return r.closed, err
}

// Pending returns the number of pending sessions. It doubles as a liveness
// probe for the loop goroutine.
func (l *Loop) Pending(ctx context.Context) (int, error) {
	r, err := l.submit(ctx, event{op: opPending})
	return r.pending, err
}

// ChunkFunc returns the next chunk received on a connection. It may return
// data together with an error.
type ChunkFunc func() ([]byte, error)

// Drive reads chunks of at most bufSize bytes from r and feeds them for c
// until the parser completes or rejects the header block.
func (l *Loop) Drive(ctx context.Context, c parser.Conn, r io.Reader, bufSize int) (parser.Result, error) {
	if bufSize <= 0 {
		bufSize = defaultReadBuffer
	}

	buf := make([]byte, bufSize)
	return l.DriveChunks(ctx, c, func() ([]byte, error) {
		n, err := r.Read(buf)
		return buf[:n], err
	})
}

// DriveChunks feeds chunks from next for c until the parser completes or
// rejects the header block. If next fails first, the session is closed and
// its error (io.EOF included) is returned.
func (l *Loop) DriveChunks(ctx context.Context, c parser.Conn, next ChunkFunc) (parser.Result, error) {
	if err := l.Handle(ctx, c); err != nil {
		return parser.Result{}, err
	}

	for {
		chunk, rerr := next()
		if len(chunk) > 0 {
			res, err := l.Feed(ctx, c, chunk)
			if err != nil {
				l.discard(c)
				return res, err
			}
			if res.State != parser.Pending {
				return res, nil
			}
		}
		if rerr != nil {
			l.discard(c)
			return parser.Result{State: parser.Pending, Conn: c}, rerr
		}
	}
}

// discard closes the session of c even when the caller's context is gone.
func (l *Loop) discard(c parser.Conn) {
	if _, err := l.Close(context.Background(), c); err != nil && !errors.Is(err, ErrStopped) {
		l.config.Logger.Warn("failed to close session",
			slog.String("listener", l.config.Name),
			slog.String("remote", c.RemoteAddr()),
			slog.String("error", err.Error()))
	}
}
