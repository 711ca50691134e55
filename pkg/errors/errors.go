// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the structured parse errors emitted by the header parser.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a header parse failure.
type Kind int

const (
	// Overflow means the header block exceeded the size cap before the boundary.
	Overflow Kind = iota + 1

	// MalformedRequestLine means the first line is not method, target and version.
	MalformedRequestLine

	// InvalidRequestString means the request-target cannot be interpreted at all.
	InvalidRequestString

	// InvalidAbsoluteFormTarget means an absolute-form target has a disallowed scheme or a fragment.
	InvalidAbsoluteFormTarget

	// InvalidAuthorityFormUsage means authority-form and CONNECT were not used together.
	InvalidAuthorityFormUsage

	// InvalidHostHeader means the Host header is empty or carries more than host and port.
	InvalidHostHeader

	// UnsupportedProtocolVersion means the version is neither 1.0 nor 1.1.
	UnsupportedProtocolVersion

	// InvalidHeaderField means a header line could not be split into name and value.
	InvalidHeaderField
)

// Sentinels, one per Kind. A *ParseError matches its kind's sentinel with errors.Is.
var (
	ErrOverflow                   = errors.New("header overflow")
	ErrMalformedRequestLine       = errors.New("malformed request-line")
	ErrInvalidRequestString       = errors.New("invalid request string")
	ErrInvalidAbsoluteFormTarget  = errors.New("invalid absolute-form target")
	ErrInvalidAuthorityFormUsage  = errors.New("invalid authority-form usage")
	ErrInvalidHostHeader          = errors.New("invalid host header")
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidHeaderField         = errors.New("invalid header field")
)

// Fixed messages reported to callers.
const (
	MsgMalformedRequestLine       = "Unable to parse invalid request-line"
	MsgInvalidRequestString       = "Invalid request string"
	MsgInvalidAbsoluteFormTarget  = "Invalid absolute-form request-target"
	MsgInvalidAuthorityFormUsage  = "CONNECT method MUST use authority-form request target"
	MsgInvalidHostHeader          = "Invalid Host header value"
	MsgUnsupportedProtocolVersion = "Received request with invalid protocol version"
	MsgInvalidHeaderField         = "Unable to parse invalid request header field"
)

// String returns the kind name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case Overflow:
		return "overflow"
	case MalformedRequestLine:
		return "malformed_request_line"
	case InvalidRequestString:
		return "invalid_request_string"
	case InvalidAbsoluteFormTarget:
		return "invalid_absolute_form"
	case InvalidAuthorityFormUsage:
		return "invalid_authority_form"
	case InvalidHostHeader:
		return "invalid_host_header"
	case UnsupportedProtocolVersion:
		return "unsupported_protocol_version"
	case InvalidHeaderField:
		return "invalid_header_field"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case Overflow:
		return ErrOverflow
	case MalformedRequestLine:
		return ErrMalformedRequestLine
	case InvalidRequestString:
		return ErrInvalidRequestString
	case InvalidAbsoluteFormTarget:
		return ErrInvalidAbsoluteFormTarget
	case InvalidAuthorityFormUsage:
		return ErrInvalidAuthorityFormUsage
	case InvalidHostHeader:
		return ErrInvalidHostHeader
	case UnsupportedProtocolVersion:
		return ErrUnsupportedProtocolVersion
	case InvalidHeaderField:
		return ErrInvalidHeaderField
	default:
		return nil
	}
}

// ParseError is a failed parse attempt for one connection.
type ParseError struct {
	Kind    Kind
	Message string
	// Code is the HTTP status a server should answer with.
	Code int
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return e.Message
}

// Unwrap returns the sentinel for the error kind.
func (e *ParseError) Unwrap() error {
	return e.Kind.sentinel()
}

// NewParseError builds a ParseError of the given kind with its fixed message.
func NewParseError(kind Kind) *ParseError {
	e := &ParseError{Kind: kind, Code: http.StatusBadRequest}
	switch kind {
	case MalformedRequestLine:
		e.Message = MsgMalformedRequestLine
	case InvalidRequestString:
		e.Message = MsgInvalidRequestString
	case InvalidAbsoluteFormTarget:
		e.Message = MsgInvalidAbsoluteFormTarget
	case InvalidAuthorityFormUsage:
		e.Message = MsgInvalidAuthorityFormUsage
	case InvalidHostHeader:
		e.Message = MsgInvalidHostHeader
	case UnsupportedProtocolVersion:
		e.Message = MsgUnsupportedProtocolVersion
		e.Code = http.StatusHTTPVersionNotSupported
	case InvalidHeaderField:
		e.Message = MsgInvalidHeaderField
	default:
		e.Message = kind.String()
	}
	return e
}

// NewOverflow reports a header block larger than max bytes.
func NewOverflow(max int) *ParseError {
	return &ParseError{
		Kind:    Overflow,
		Message: fmt.Sprintf("Maximum header size of %d exceeded.", max),
		Code:    http.StatusRequestHeaderFieldsTooLarge,
	}
}

// KindOf returns the kind of a ParseError anywhere in err's chain, or 0.
func KindOf(err error) Kind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// ConnError wraps a transport failure with connection context.
type ConnError struct {
	Op         string // Operation that failed
	Protocol   string // Transport (tcp, tls, unix, ws)
	SessionID  string // Session identifier
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// New creates a new ConnError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
