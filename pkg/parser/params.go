// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Server parameter keys.
const (
	ParamHTTPS            = "HTTPS"
	ParamServerAddr       = "SERVER_ADDR"
	ParamServerPort       = "SERVER_PORT"
	ParamRemoteAddr       = "REMOTE_ADDR"
	ParamRemotePort       = "REMOTE_PORT"
	ParamRequestTime      = "REQUEST_TIME"
	ParamRequestTimeFloat = "REQUEST_TIME_FLOAT"
)

// serverParams derives request metadata from the connection. Keys are only
// set when the underlying attribute is known.
func serverParams(local, remote string, now time.Time) map[string]string {
	params := map[string]string{
		ParamRequestTime:      strconv.FormatInt(now.Unix(), 10),
		ParamRequestTimeFloat: strconv.FormatFloat(float64(now.UnixMicro())/1e6, 'f', 6, 64),
	}

	if addr, ok := ParseAddress(local); ok {
		if addr.HasHostPort() {
			params[ParamServerAddr] = addr.Host
			params[ParamServerPort] = addr.Port
		}
		if addr.TLS() {
			params[ParamHTTPS] = "on"
		}
	}

	if addr, ok := ParseAddress(remote); ok && addr.HasHostPort() {
		params[ParamRemoteAddr] = addr.Host
		params[ParamRemotePort] = addr.Port
	}

	return params
}

// parseCookies reads all Cookie headers. A malformed line yields no cookies.
func parseCookies(h Header) map[string]string {
	out := make(map[string]string)
	values := h.Values("Cookie")
	if len(values) == 0 {
		return out
	}
	cookies, err := http.ParseCookie(strings.Join(values, "; "))
	if err != nil {
		return out
	}
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}
