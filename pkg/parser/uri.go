// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"net"
	"net/url"
	"strings"

	herrors "github.com/absmach/reqhead/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// defaultAuthority is used when neither Host nor a local address is known.
const defaultAuthority = "127.0.0.1:80"

// resolveURI builds the canonical absolute URI of a request. When the
// request carries no Host header, the derived authority is added to h.
func resolveURI(form Form, target string, abs *url.URL, h *Header, local Address) (*url.URL, error) {
	hosts := h.Values("Host")
	if len(hosts) > 1 {
		return nil, herrors.NewParseError(herrors.InvalidHostHeader)
	}
	if len(hosts) == 1 && !validHost(hosts[0]) {
		return nil, herrors.NewParseError(herrors.InvalidHostHeader)
	}

	switch form {
	case AbsoluteForm:
		u := *abs
		u.Host = stripDefaultPort(u.Scheme, u.Host)
		return &u, nil
	case AuthorityForm:
		return &url.URL{Scheme: "http", Host: stripDefaultPort("http", target)}, nil
	}

	scheme := "http"
	if local.TLS() {
		scheme = "https"
	}

	u := &url.URL{Scheme: scheme}
	if form == OriginForm {
		setOrigin(u, target)
	}

	switch {
	case len(hosts) == 1:
		u.Host = stripDefaultPort(scheme, hosts[0])
	case local.HasHostPort():
		u.Host = stripDefaultPort(scheme, local.HostPort())
		h.Add("Host", u.Host)
	default:
		u.Host = stripDefaultPort(scheme, defaultAuthority)
		h.Add("Host", u.Host)
	}
	return u, nil
}

// setOrigin copies path and query of an origin-form target into u without
// decoding them. A fragment is dropped and a '%' that does not start an
// escape is encoded as %25.
func setOrigin(u *url.URL, target string) {
	target, _, _ = strings.Cut(target, "#")
	path, query, hasQuery := strings.Cut(target, "?")

	u.RawPath = escapeStrayPercent(path)
	u.Path, _ = url.PathUnescape(u.RawPath)
	u.RawQuery = query
	u.ForceQuery = hasQuery && query == ""
}

func escapeStrayPercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteByte(s[i])
		if s[i] == '%' && (i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2])) {
			b.WriteString("25")
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return isDigit(c) || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// validHost reports whether v is host[:port] and nothing else.
func validHost(v string) bool {
	if v == "" || strings.HasSuffix(v, ":") || !httpguts.ValidHostHeader(v) {
		return false
	}
	u, err := url.Parse("http://" + v)
	if err != nil || u.Host != v || u.User != nil || u.Hostname() == "" {
		return false
	}
	if p := u.Port(); p != "" && !validPort(p) {
		return false
	}
	return true
}

func stripDefaultPort(scheme, hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return hostport
}
