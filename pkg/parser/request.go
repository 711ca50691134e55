// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"net/url"
	"time"
)

// Request is a parsed request head. It is not modified after emission.
type Request struct {
	// Method is the request method token, case preserved.
	Method string

	// Target is the raw request-target from the request-line.
	Target string

	// Form is the request-target form.
	Form Form

	// URI is the canonical absolute URI.
	URI *url.URL

	// Proto is the protocol version, "1.0" or "1.1".
	Proto      string
	ProtoMajor int
	ProtoMinor int

	// Header holds every header field in arrival order.
	Header Header

	// Query is the parsed query string of URI.
	Query url.Values

	// Cookies holds the name/value pairs of the Cookie header.
	Cookies map[string]string

	// ServerParams holds connection-derived metadata (see the Param* keys).
	ServerParams map[string]string

	// ReceivedAt is the time the header block completed.
	ReceivedAt time.Time
}

// Host returns the authority of the resolved URI.
func (r *Request) Host() string {
	return r.URI.Host
}

// ProtoAtLeast reports whether the request version is at least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || r.ProtoMajor == major && r.ProtoMinor >= minor
}
