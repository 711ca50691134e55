// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reqhead holds the listener configuration shared by the reqhead
// binary and its transports.
package reqhead

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

var (
	// ErrMissingKeyPair is returned when only one of the certificate and key files is set.
	ErrMissingKeyPair = errors.New("both certificate and key files are required for TLS")

	// ErrInvalidClientCA is returned when the client CA file holds no certificate.
	ErrInvalidClientCA = errors.New("no certificates found in client CA file")

	// ErrInvalidConfig is returned for out of range settings.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the configuration of one listener, read from environment
// variables sharing a prefix such as REQHEAD_TCP_.
type Config struct {
	// Address is host:port, or a socket path for unix; empty disables the listener
	Address string `env:"ADDRESS"`
	Network string `env:"NETWORK"    envDefault:"tcp"`
	Path    string `env:"PATH"       envDefault:"/"`

	CertFile     string `env:"CERT_FILE"`
	KeyFile      string `env:"KEY_FILE"`
	ClientCAFile string `env:"CLIENT_CA_FILE"`

	MaxHeaderSize      int           `env:"MAX_HEADER_SIZE"      envDefault:"8192"`
	ReadBufferSize     int           `env:"READ_BUFFER_SIZE"     envDefault:"4096"`
	HeaderTimeout      time.Duration `env:"HEADER_TIMEOUT"       envDefault:"10s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"30s"`
	MaxPendingSessions int           `env:"MAX_PENDING_SESSIONS" envDefault:"10000"`

	// RateLimitBurst of zero disables admission control
	RateLimitBurst int64 `env:"RATE_LIMIT_BURST" envDefault:"0"`
	RateLimitRate  int64 `env:"RATE_LIMIT_RATE"  envDefault:"10"`

	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses the configuration with the given env options and loads
// the TLS material it references.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	switch {
	case c.MaxHeaderSize <= 0:
		return Config{}, fmt.Errorf("%w: MAX_HEADER_SIZE must be positive", ErrInvalidConfig)
	case c.ReadBufferSize <= 0:
		return Config{}, fmt.Errorf("%w: READ_BUFFER_SIZE must be positive", ErrInvalidConfig)
	case c.Network != "tcp" && c.Network != "unix":
		return Config{}, fmt.Errorf("%w: NETWORK must be tcp or unix, got %q", ErrInvalidConfig, c.Network)
	}

	tlsConfig, err := loadTLSConfig(c.CertFile, c.KeyFile, c.ClientCAFile)
	if err != nil {
		return Config{}, err
	}
	c.TLSConfig = tlsConfig

	return c, nil
}

// Enabled reports whether the listener has an address.
func (c Config) Enabled() bool {
	return c.Address != ""
}

// loadTLSConfig returns nil when no certificate is configured. A client CA
// turns on mutual TLS.
func loadTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, ErrMissingKeyPair
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if clientCAFile != "" {
		pem, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, ErrInvalidClientCA
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
