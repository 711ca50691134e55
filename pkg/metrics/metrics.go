// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for reqhead.
package metrics

import (
	"net/http"
	"time"

	herrors "github.com/absmach/reqhead/pkg/errors"
	"github.com/absmach/reqhead/pkg/parser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for reqhead. All methods are safe to
// call on a nil *Metrics.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Parser metrics
	PendingSessions *prometheus.GaugeVec
	HeadersParsed   *prometheus.CounterVec
	ParseErrors     *prometheus.CounterVec
	HeaderSize      *prometheus.HistogramVec
	ChunksPerHead   *prometheus.HistogramVec
	ParseDuration   *prometheus.HistogramVec
	ResidualSize    *prometheus.HistogramVec

	// Rate limiter metrics
	RateLimitedConnections *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg. A nil reg
// registers with the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "reqhead"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	sizeBuckets := []float64{64, 256, 512, 1024, 2048, 4096, 8192, 16384}

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"listener"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections",
			},
			[]string{"listener", "status"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"listener"},
		),
		PendingSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_sessions",
				Help:      "Number of connections with an incomplete header block",
			},
			[]string{"listener"},
		),
		HeadersParsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "headers_parsed_total",
				Help:      "Total number of request heads parsed",
			},
			[]string{"listener", "method", "form"},
		),
		ParseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Total number of rejected request heads",
			},
			[]string{"listener", "kind"},
		),
		HeaderSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "header_size_bytes",
				Help:      "Header block size in bytes",
				Buckets:   sizeBuckets,
			},
			[]string{"listener"},
		),
		ChunksPerHead: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunks_per_head",
				Help:      "Number of chunks needed to complete a header block",
				Buckets:   []float64{1, 2, 4, 8, 16, 64, 256},
			},
			[]string{"listener"},
		),
		ParseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "parse_duration_seconds",
				Help:      "Time from the first chunk to a complete or failed header block",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"listener"},
		),
		ResidualSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "residual_size_bytes",
				Help:      "Body bytes received together with the header block",
				Buckets:   sizeBuckets,
			},
			[]string{"listener"},
		),
		RateLimitedConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connections_total",
				Help:      "Total number of connections rejected by the rate limiter",
			},
			[]string{"listener"},
		),
	}
}

// ObserveConnection tracks a connection lifecycle.
func (m *Metrics) ObserveConnection(listener string, f func() error) error {
	if m == nil {
		return f()
	}

	m.ActiveConnections.WithLabelValues(listener).Inc()
	defer m.ActiveConnections.WithLabelValues(listener).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(listener).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(listener, status).Inc()

	return err
}

// ObserveResult records a parser result. Pending results are ignored.
func (m *Metrics) ObserveResult(listener string, res parser.Result) {
	if m == nil {
		return
	}

	switch res.State {
	case parser.HeadersReady:
		m.HeadersParsed.WithLabelValues(listener, methodLabel(res.Request.Method), res.Request.Form.String()).Inc()
		m.ResidualSize.WithLabelValues(listener).Observe(float64(len(res.Residual)))
	case parser.Failed:
		m.ParseErrors.WithLabelValues(listener, herrors.KindOf(res.Err).String()).Inc()
	default:
		return
	}

	m.HeaderSize.WithLabelValues(listener).Observe(float64(res.HeaderSize))
	m.ChunksPerHead.WithLabelValues(listener).Observe(float64(res.Chunks))
	m.ParseDuration.WithLabelValues(listener).Observe(res.Elapsed.Seconds())
}

// SetPending sets the number of pending sessions of a listener.
func (m *Metrics) SetPending(listener string, n int) {
	if m == nil {
		return
	}
	m.PendingSessions.WithLabelValues(listener).Set(float64(n))
}

// RateLimited counts a connection rejected on admission.
func (m *Metrics) RateLimited(listener string) {
	if m == nil {
		return
	}
	m.RateLimitedConnections.WithLabelValues(listener).Inc()
}

// methodLabel bounds the method label to the registered methods.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return method
	default:
		return "other"
	}
}
