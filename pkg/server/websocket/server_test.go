// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	herrors "github.com/absmach/reqhead/pkg/errors"
	"github.com/absmach/reqhead/pkg/handler"
	"github.com/absmach/reqhead/pkg/parser"
	"github.com/absmach/reqhead/pkg/ratelimit"
	"github.com/absmach/reqhead/pkg/server/loop"
	"github.com/gorilla/websocket"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockHandler struct {
	authErr error

	mu       sync.Mutex
	connects int

	requests     chan *parser.Request
	residuals    chan []byte
	errs         chan error
	disconnected chan *handler.Context
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		requests:     make(chan *parser.Request, 16),
		residuals:    make(chan []byte, 16),
		errs:         make(chan error, 16),
		disconnected: make(chan *handler.Context, 16),
	}
}

func (m *mockHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	m.connects++
	m.mu.Unlock()
	return m.authErr
}

func (m *mockHandler) OnHeaders(ctx context.Context, hctx *handler.Context, req *parser.Request, residual []byte) error {
	m.requests <- req
	m.residuals <- append([]byte(nil), residual...)
	_, err := fmt.Fprintf(hctx.Conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	return err
}

func (m *mockHandler) OnError(ctx context.Context, hctx *handler.Context, err error) error {
	m.errs <- err
	var perr *herrors.ParseError
	if errors.As(err, &perr) {
		_, werr := fmt.Fprintf(hctx.Conn, "HTTP/1.1 %d %s\r\n\r\n", perr.Code, http.StatusText(perr.Code))
		return werr
	}
	return nil
}

func (m *mockHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	m.disconnected <- hctx
	return nil
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
		var zero T
		return zero
	}
}

func startServer(t *testing.T, cfg Config, h handler.Handler) *Server {
	t.Helper()

	cfg.Logger = testLogger
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	ctx, cancel := context.WithCancel(context.Background())

	l := loop.New(loop.Config{Name: "ws", Logger: testLogger})
	go l.Run(ctx)

	srv := New(cfg, l, h)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(ctx)
	}()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("Server exited with error: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("Server did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, ErrShutdownTimeout) {
				t.Errorf("Server shutdown with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Server shutdown timeout")
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server, scheme string, d *websocket.Dialer) *websocket.Conn {
	t.Helper()
	if d == nil {
		d = websocket.DefaultDialer
	}
	ws, _, err := d.Dial(fmt.Sprintf("%s://%s%s", scheme, srv.Addr(), srv.config.Path), nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, messages ...string) {
	t.Helper()
	for _, m := range messages {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("Failed to write message: %v", err)
		}
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	srv := New(Config{}, nil, nil)

	if srv.config.Path != "/" {
		t.Errorf("Expected default path /, got %q", srv.config.Path)
	}
	if srv.config.Name != "ws" {
		t.Errorf("Expected name ws, got %q", srv.config.Name)
	}
	if srv.config.ShutdownTimeout == 0 {
		t.Error("Expected default shutdown timeout")
	}
	if srv.config.ReadBufferSize != defaultReadBufferSize {
		t.Errorf("Expected read buffer size %d, got %d", defaultReadBufferSize, srv.config.ReadBufferSize)
	}
	if !srv.upgrader.CheckOrigin(&http.Request{}) {
		t.Error("Expected any origin to be accepted by default")
	}

	if secure := New(Config{TLSConfig: &tls.Config{}}, nil, nil); secure.config.Name != "wss" {
		t.Errorf("Expected name wss, got %q", secure.config.Name)
	}
}

func TestServer_MessagesAsChunks(t *testing.T) {
	h := newMockHandler()
	srv := startServer(t, Config{Path: "/parse"}, h)

	ws := dial(t, srv, "ws", nil)
	send(t, ws,
		"PUT /items/1 HTTP/1.1\r\n",
		"Host: example.com:8080\r\nContent-Type: application/json\r\n\r",
		"\n{\"a\":1}",
	)

	req := receive(t, h.requests)
	residual := receive(t, h.residuals)

	if got := req.URI.String(); got != "http://example.com:8080/items/1" {
		t.Errorf("Unexpected URI %q", got)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Unexpected content type %q", got)
	}
	if string(residual) != `{"a":1}` {
		t.Errorf("Unexpected residual %q", residual)
	}
	if got := req.ServerParams[parser.ParamRemoteAddr]; got != "127.0.0.1" {
		t.Errorf("Expected REMOTE_ADDR 127.0.0.1, got %q", got)
	}

	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if want := "HTTP/1.1 200 OK\r\n"; string(msg[:len(want)]) != want {
		t.Errorf("Unexpected response %q", msg)
	}

	hctx := receive(t, h.disconnected)
	if hctx.Protocol != "ws" {
		t.Errorf("Expected ws protocol, got %q", hctx.Protocol)
	}
}

func TestServer_DefaultAuthority(t *testing.T) {
	h := newMockHandler()
	srv := startServer(t, Config{}, h)

	ws := dial(t, srv, "ws", nil)
	send(t, ws, "GET /status HTTP/1.0\r\n\r\n")

	req := receive(t, h.requests)
	port := srv.Addr().(*net.TCPAddr).Port
	if want := fmt.Sprintf("http://127.0.0.1:%d/status", port); req.URI.String() != want {
		t.Errorf("Expected %q, got %q", want, req.URI)
	}
}

func TestServer_ParseError(t *testing.T) {
	h := newMockHandler()
	srv := startServer(t, Config{}, h)

	ws := dial(t, srv, "ws", nil)
	send(t, ws, "GET / HTTP/1.1\r\nBad Header\r\n\r\n")

	err := receive(t, h.errs)
	if !errors.Is(err, herrors.ErrInvalidHeaderField) {
		t.Errorf("Expected invalid header field, got %v", err)
	}

	_, msg, rerr := ws.ReadMessage()
	if rerr != nil {
		t.Fatalf("Failed to read response: %v", rerr)
	}
	if want := "HTTP/1.1 400 Bad Request\r\n\r\n"; string(msg) != want {
		t.Errorf("Expected %q, got %q", want, msg)
	}
}

func TestServer_OversizedMessage(t *testing.T) {
	h := newMockHandler()
	srv := startServer(t, Config{}, h)

	ws := dial(t, srv, "ws", nil)
	msg := "GET / HTTP/1.1\r\nX-Padding: " + strings.Repeat("a", 256*1024)
	go ws.WriteMessage(websocket.BinaryMessage, []byte(msg))

	err := receive(t, h.errs)
	if !errors.Is(err, herrors.ErrOverflow) {
		t.Errorf("Expected overflow, got %v", err)
	}
	var perr *herrors.ParseError
	if !errors.As(err, &perr) || perr.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("Expected status 431, got %v", err)
	}
	receive(t, h.disconnected)
}

func TestServer_LargeMessageBody(t *testing.T) {
	h := newMockHandler()
	srv := startServer(t, Config{ReadBufferSize: 1024}, h)

	ws := dial(t, srv, "ws", nil)
	head := "POST /upload HTTP/1.1\r\nHost: example.com\r\n\r\n"
	body := strings.Repeat("b", 64*1024)
	go ws.WriteMessage(websocket.BinaryMessage, []byte(head+body))

	req := receive(t, h.requests)
	residual := receive(t, h.residuals)

	if req.URI.String() != "http://example.com/upload" {
		t.Errorf("Unexpected URI %q", req.URI)
	}
	if limit := 1024 - len(head); len(residual) > limit {
		t.Errorf("Expected at most %d residual bytes, got %d", limit, len(residual))
	}
	if !strings.HasPrefix(body, string(residual)) {
		t.Error("Expected residual to be the start of the body")
	}
}

func TestServer_ClientGoesAway(t *testing.T) {
	h := newMockHandler()
	srv := startServer(t, Config{}, h)

	ws := dial(t, srv, "ws", nil)
	send(t, ws, "GET / HTTP/1.1\r\n")
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	receive(t, h.disconnected)
	select {
	case req := <-h.requests:
		t.Errorf("Unexpected request %v", req)
	case err := <-h.errs:
		t.Errorf("Unexpected error %v", err)
	default:
	}
}

func TestServer_AuthRejected(t *testing.T) {
	h := newMockHandler()
	h.authErr = errors.New("denied")
	srv := startServer(t, Config{}, h)

	ws := dial(t, srv, "ws", nil)
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("Expected policy violation close, got %v", err)
	}
}

func TestServer_RateLimited(t *testing.T) {
	h := newMockHandler()
	limiter := ratelimit.NewLimiter(ratelimit.Config{Burst: 1, Rate: 0})
	defer limiter.Close()
	srv := startServer(t, Config{Limiter: limiter}, h)

	dial(t, srv, "ws", nil)

	_, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/", srv.Addr()), nil)
	if err == nil {
		t.Fatal("Expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429 response, got %v", resp)
	}
}

func TestServer_WSS(t *testing.T) {
	h := newMockHandler()
	srv := startServer(t, Config{TLSConfig: selfSignedTLS(t)}, h)

	d := &websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	ws := dial(t, srv, "wss", d)
	send(t, ws, "GET /secure HTTP/1.1\r\nHost: secure.example.com:443\r\n\r\n")

	req := receive(t, h.requests)
	if got := req.URI.String(); got != "https://secure.example.com/secure" {
		t.Errorf("Unexpected URI %q", got)
	}
	if got := req.Header.Get("Host"); got != "secure.example.com:443" {
		t.Errorf("Expected Host kept verbatim, got %q", got)
	}
	if req.ServerParams[parser.ParamHTTPS] != "on" {
		t.Error("Expected HTTPS param")
	}
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}
