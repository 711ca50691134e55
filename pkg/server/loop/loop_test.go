// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	herrors "github.com/absmach/reqhead/pkg/errors"
	"github.com/absmach/reqhead/pkg/metrics"
	"github.com/absmach/reqhead/pkg/parser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type mockConn struct {
	local, remote string
}

func (c *mockConn) LocalAddr() string  { return c.local }
func (c *mockConn) RemoteAddr() string { return c.remote }

func newConn() *mockConn {
	return &mockConn{local: "tcp://127.0.0.1:8080", remote: "tcp://127.0.0.1:40000"}
}

func startLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()

	l := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop")
		}
	})
	return l
}

func TestLoop_FeedChunks(t *testing.T) {
	l := startLoop(t, Config{Name: "test"})
	ctx := context.Background()
	c := newConn()

	res, err := l.Feed(ctx, c, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if res.State != parser.Pending {
		t.Fatalf("Expected pending, got %s", res.State)
	}

	if n, err := l.Pending(ctx); err != nil || n != 1 {
		t.Fatalf("Expected 1 pending session, got %d (%v)", n, err)
	}

	res, err = l.Feed(ctx, c, []byte("\r\nhello"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if res.State != parser.HeadersReady {
		t.Fatalf("Expected headers ready, got %s (%v)", res.State, res.Err)
	}
	if got := res.Request.URI.String(); got != "http://example.com/" {
		t.Errorf("Unexpected URI %q", got)
	}
	if string(res.Residual) != "hello" {
		t.Errorf("Unexpected residual %q", res.Residual)
	}

	if n, _ := l.Pending(ctx); n != 0 {
		t.Errorf("Expected no pending session, got %d", n)
	}
}

func TestLoop_FeedCopiesChunk(t *testing.T) {
	l := startLoop(t, Config{Name: "test"})
	ctx := context.Background()
	c := newConn()

	buf := []byte("GET /a HTTP/1.1\r\n")
	if _, err := l.Feed(ctx, c, buf); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	copy(buf, "XXXXXXXXXXXXXXXXX")

	res, err := l.Feed(ctx, c, []byte("Host: a\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if res.State != parser.HeadersReady || res.Request.Target != "/a" {
		t.Fatalf("Expected /a to be parsed, got %+v", res)
	}
}

func TestLoop_HandleAndClose(t *testing.T) {
	l := startLoop(t, Config{Name: "test"})
	ctx := context.Background()
	c := newConn()

	if err := l.Handle(ctx, c); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := l.Handle(ctx, c); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if n, _ := l.Pending(ctx); n != 1 {
		t.Fatalf("Expected 1 pending session, got %d", n)
	}

	closed, err := l.Close(ctx, c)
	if err != nil || !closed {
		t.Fatalf("Expected session to be closed, got %v (%v)", closed, err)
	}
	closed, err = l.Close(ctx, c)
	if err != nil || closed {
		t.Fatalf("Expected nothing to close, got %v (%v)", closed, err)
	}
}

func TestLoop_Drive(t *testing.T) {
	l := startLoop(t, Config{Name: "test"})
	c := newConn()

	raw := "POST /upload?id=7 HTTP/1.1\r\nHost: example.com:8080\r\nContent-Length: 4\r\n\r\nbody"
	res, err := l.Drive(context.Background(), c, iotest.OneByteReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if res.State != parser.HeadersReady {
		t.Fatalf("Expected headers ready, got %s (%v)", res.State, res.Err)
	}
	if res.Chunks != len(raw)-len("body") {
		t.Errorf("Expected one chunk per byte, got %d", res.Chunks)
	}
	if got := res.Request.Query.Get("id"); got != "7" {
		t.Errorf("Expected id=7, got %q", got)
	}
	if len(res.Residual) != 0 {
		t.Errorf("Expected body to be left unread, got %q", res.Residual)
	}
}

func TestLoop_DriveFailure(t *testing.T) {
	l := startLoop(t, Config{Name: "test"})

	res, err := l.Drive(context.Background(), newConn(), strings.NewReader("GET / HTTP/2.0\r\nHost: a\r\n\r\n"), 16)
	if err != nil {
		t.Fatalf("Drive failed: %v", err)
	}
	if res.State != parser.Failed {
		t.Fatalf("Expected failure, got %s", res.State)
	}
	if !errors.Is(res.Err, herrors.ErrUnsupportedProtocolVersion) {
		t.Errorf("Expected unsupported version, got %v", res.Err)
	}
}

func TestLoop_DriveReadError(t *testing.T) {
	l := startLoop(t, Config{Name: "test"})
	ctx := context.Background()

	tests := []struct {
		name string
		r    io.Reader
		want error
	}{
		{
			name: "eof before boundary",
			r:    strings.NewReader("GET / HTTP/1.1\r\nHost: a\r\n"),
			want: io.EOF,
		},
		{
			name: "reset",
			r:    iotest.TimeoutReader(strings.NewReader("GET / HTTP/1.1\r\n")),
			want: iotest.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := l.Drive(ctx, newConn(), tt.r, 4)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if res.State != parser.Pending {
				t.Errorf("Expected pending state, got %s", res.State)
			}
			if n, _ := l.Pending(ctx); n != 0 {
				t.Errorf("Expected session to be discarded, got %d pending", n)
			}
		})
	}
}

func TestLoop_ConcurrentConnections(t *testing.T) {
	l := startLoop(t, Config{Name: "test", Backlog: 4})
	ctx := context.Background()

	const conns = 50
	var wg sync.WaitGroup
	errs := make(chan error, conns)

	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := fmt.Sprintf("GET /conn/%d HTTP/1.1\r\nHost: example.com\r\n\r\n", i)
			res, err := l.Drive(ctx, newConn(), iotest.HalfReader(strings.NewReader(raw)), 8)
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("/conn/%d", i); res.State != parser.HeadersReady || res.Request.URI.Path != want {
				errs <- fmt.Errorf("connection %d: unexpected result %s", i, res.State)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n, _ := l.Pending(ctx); n != 0 {
		t.Errorf("Expected no pending sessions, got %d", n)
	}
}

func TestLoop_Metrics(t *testing.T) {
	m := metrics.New("test", prometheus.NewRegistry())
	l := startLoop(t, Config{Name: "tcp", Metrics: m})
	ctx := context.Background()

	if _, err := l.Feed(ctx, newConn(), []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if _, err := l.Feed(ctx, newConn(), []byte("BAD\r\n\r\n")); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if _, err := l.Feed(ctx, newConn(), []byte("GET / HTTP/1.1\r\n")); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}

	if got := testutil.ToFloat64(m.HeadersParsed.WithLabelValues("tcp", "GET", "origin")); got != 1 {
		t.Errorf("Expected 1 parsed head, got %v", got)
	}
	if got := testutil.ToFloat64(m.ParseErrors.WithLabelValues("tcp", "malformed_request_line")); got != 1 {
		t.Errorf("Expected 1 malformed request-line, got %v", got)
	}
	if got := testutil.ToFloat64(m.PendingSessions.WithLabelValues("tcp")); got != 1 {
		t.Errorf("Expected 1 pending session, got %v", got)
	}
}

func TestLoop_Stopped(t *testing.T) {
	l := New(Config{Name: "test"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()

	if _, err := l.Pending(context.Background()); err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("Expected ErrRunning, got %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if _, err := l.Feed(context.Background(), newConn(), []byte("GET")); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	if _, err := l.Drive(context.Background(), newConn(), strings.NewReader("GET"), 0); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped from Drive, got %v", err)
	}
}

func TestLoop_ContextCancelledBeforeSubmit(t *testing.T) {
	// The loop is not running and the backlog is full.
	l := New(Config{Name: "test", Backlog: 1})
	l.events <- event{op: opPending, reply: make(chan reply, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Pending(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestLoop_DriveChunks(t *testing.T) {
	l := startLoop(t, Config{Name: "test"})

	messages := [][]byte{
		[]byte("OPTIONS * HTTP/1.1\r\n"),
		nil,
		[]byte("Host: example.com\r\n\r"),
		[]byte("\n{}"),
	}
	i := 0
	next := func() ([]byte, error) {
		if i == len(messages) {
			return nil, io.EOF
		}
		i++
		return messages[i-1], nil
	}

	res, err := l.DriveChunks(context.Background(), newConn(), next)
	if err != nil {
		t.Fatalf("DriveChunks failed: %v", err)
	}
	if res.State != parser.HeadersReady || res.Request.Form != parser.AsteriskForm {
		t.Fatalf("Expected asterisk-form request, got %s", res.State)
	}
	if res.Chunks != 3 {
		t.Errorf("Expected 3 chunks, empty message skipped, got %d", res.Chunks)
	}
	if string(res.Residual) != "{}" {
		t.Errorf("Unexpected residual %q", res.Residual)
	}
}
