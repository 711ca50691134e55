// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"strings"

	herrors "github.com/absmach/reqhead/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// Field is one header name with every value received for it, in arrival order.
type Field struct {
	Name   string
	Values []string
}

// Header is an ordered header multi-map. Lookups are case-insensitive; the
// name is kept as first received.
type Header struct {
	fields []Field
}

// Add appends value to the entry for name, creating the entry if needed.
func (h *Header) Add(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].Values = append(h.fields[i].Values, value)
		return
	}
	h.fields = append(h.fields, Field{Name: name, Values: []string{value}})
}

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	if i := h.index(name); i >= 0 {
		return h.fields[i].Values[0]
	}
	return ""
}

// Values returns all values for name.
func (h Header) Values(name string) []string {
	if i := h.index(name); i >= 0 {
		return append([]string(nil), h.fields[i].Values...)
	}
	return nil
}

// Line returns all values for name joined with ", ".
func (h Header) Line(name string) string {
	if i := h.index(name); i >= 0 {
		return strings.Join(h.fields[i].Values, ", ")
	}
	return ""
}

// Has reports whether a header named name was received.
func (h Header) Has(name string) bool {
	return h.index(name) >= 0
}

// Len returns the number of distinct header names.
func (h Header) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the entries in arrival order.
func (h Header) Fields() []Field {
	out := make([]Field, len(h.fields))
	for i, f := range h.fields {
		out[i] = Field{Name: f.Name, Values: append([]string(nil), f.Values...)}
	}
	return out
}

func (h Header) index(name string) int {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			return i
		}
	}
	return -1
}

// parseHeaderFields splits each line on its first colon. Continuation lines
// (obs-fold) are rejected.
func parseHeaderFields(lines []string) (Header, error) {
	var h Header
	for _, line := range lines {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			return Header{}, herrors.NewParseError(herrors.InvalidHeaderField)
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return Header{}, herrors.NewParseError(herrors.InvalidHeaderField)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return Header{}, herrors.NewParseError(herrors.InvalidHeaderField)
		}
		h.Add(name, value)
	}
	return h, nil
}
