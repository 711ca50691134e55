// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	herrors "github.com/absmach/reqhead/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// Form is the request-target form of RFC 7230 section 5.3.
type Form int

const (
	// OriginForm is an absolute path with optional query.
	OriginForm Form = iota + 1
	// AbsoluteForm is a complete http(s) URI.
	AbsoluteForm
	// AuthorityForm is host:port, used by CONNECT.
	AuthorityForm
	// AsteriskForm is "*", used by server-wide OPTIONS.
	AsteriskForm
)

// String returns the form name.
func (f Form) String() string {
	switch f {
	case OriginForm:
		return "origin"
	case AbsoluteForm:
		return "absolute"
	case AuthorityForm:
		return "authority"
	case AsteriskForm:
		return "asterisk"
	default:
		return "unknown"
	}
}

type requestLine struct {
	method string
	target string
	major  int
	minor  int
}

// parseRequestLine splits "METHOD SP request-target SP HTTP/d.d".
func parseRequestLine(line string) (requestLine, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[1] == "" || !httpguts.ValidHeaderFieldName(parts[0]) {
		return requestLine{}, herrors.NewParseError(herrors.MalformedRequestLine)
	}
	major, minor, ok := parseVersion(parts[2])
	if !ok {
		return requestLine{}, herrors.NewParseError(herrors.MalformedRequestLine)
	}
	return requestLine{
		method: parts[0],
		target: parts[1],
		major:  major,
		minor:  minor,
	}, nil
}

func parseVersion(v string) (major, minor int, ok bool) {
	if len(v) != len("HTTP/1.1") || !strings.HasPrefix(v, "HTTP/") || v[6] != '.' {
		return 0, 0, false
	}
	if !isDigit(v[5]) || !isDigit(v[7]) {
		return 0, 0, false
	}
	return int(v[5] - '0'), int(v[7] - '0'), true
}

func (rl requestLine) supported() bool {
	return rl.major == 1 && (rl.minor == 0 || rl.minor == 1)
}

func (rl requestLine) proto() string {
	return strconv.Itoa(rl.major) + "." + strconv.Itoa(rl.minor)
}

// classifyTarget determines the target form and checks it against the method.
func classifyTarget(method, target string) (Form, error) {
	switch {
	case strings.HasPrefix(target, "://"):
		return 0, herrors.NewParseError(herrors.InvalidRequestString)
	case method == http.MethodConnect:
		if isAuthority(target) {
			return AuthorityForm, nil
		}
		return 0, herrors.NewParseError(herrors.InvalidAuthorityFormUsage)
	case target[0] == '/':
		return OriginForm, nil
	case target == "*":
		if method == http.MethodOptions {
			return AsteriskForm, nil
		}
		return 0, herrors.NewParseError(herrors.InvalidRequestString)
	case hasScheme(target):
		return AbsoluteForm, nil
	case isAuthority(target):
		return 0, herrors.NewParseError(herrors.InvalidAuthorityFormUsage)
	default:
		return 0, herrors.NewParseError(herrors.InvalidRequestString)
	}
}

// hasScheme reports whether target starts with scheme "://", the scheme
// anchored at position 0.
func hasScheme(target string) bool {
	i := strings.Index(target, "://")
	if i <= 0 {
		return false
	}
	if !isAlpha(target[0]) {
		return false
	}
	for j := 1; j < i; j++ {
		c := target[j]
		if !isAlpha(c) && !isDigit(c) && c != '+' && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

// isAuthority reports whether target is host:port with a numeric port.
func isAuthority(target string) bool {
	if strings.ContainsAny(target, "/?#@ ") {
		return false
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" {
		return false
	}
	return validPort(port)
}

// parseAbsoluteTarget validates an absolute-form target: http or https,
// a host, and no fragment. Userinfo is dropped.
func parseAbsoluteTarget(target string) (*url.URL, error) {
	if strings.Contains(target, "#") {
		return nil, herrors.NewParseError(herrors.InvalidAbsoluteFormTarget)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, herrors.NewParseError(herrors.InvalidAbsoluteFormTarget)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, herrors.NewParseError(herrors.InvalidAbsoluteFormTarget)
	}
	if u.Hostname() == "" || u.Opaque != "" {
		return nil, herrors.NewParseError(herrors.InvalidAbsoluteFormTarget)
	}
	if p := u.Port(); p != "" && !validPort(p) {
		return nil, herrors.NewParseError(herrors.InvalidAbsoluteFormTarget)
	}
	u.User = nil
	return u, nil
}

func validPort(p string) bool {
	if p == "" || len(p) > 5 {
		return false
	}
	for i := 0; i < len(p); i++ {
		if !isDigit(p[i]) {
			return false
		}
	}
	n, _ := strconv.Atoi(p)
	return n <= 65535
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

func isAlpha(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
