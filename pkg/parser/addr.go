// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"net"
	"net/url"
	"strings"
)

// Address is a connection endpoint of the form scheme://host:port.
type Address struct {
	Scheme string
	Host   string // without IPv6 brackets
	Port   string
}

// ParseAddress parses a connection address string. It reports false for an
// empty or unparsable value.
func ParseAddress(s string) (Address, bool) {
	if s == "" {
		return Address{}, false
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return Address{}, false
	}
	return Address{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Port:   u.Port(),
	}, true
}

// TLS reports whether the scheme denotes an encrypted transport.
func (a Address) TLS() bool {
	switch a.Scheme {
	case "tls", "ssl", "https", "wss":
		return true
	default:
		return false
	}
}

// HasHostPort reports whether both host and port are known. Unix domain
// socket addresses have neither.
func (a Address) HasHostPort() bool {
	return a.Host != "" && a.Port != ""
}

// HostPort joins host and port, bracketing IPv6 hosts.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, a.Port)
}

// FormatAddress renders a net.Addr as scheme://addr. Unix addresses are
// rendered as unix://path. A nil or unnamed address renders as "".
func FormatAddress(scheme string, addr net.Addr) string {
	if addr == nil {
		return ""
	}
	s := addr.String()
	if s == "" || s == "@" {
		return ""
	}
	return scheme + "://" + s
}
