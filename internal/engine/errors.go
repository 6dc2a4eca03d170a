package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// ErrorCode classifies invocation failures so callers can decide whether to
// fix input, retry, or surface the error verbatim.
type ErrorCode string

const (
	CodeSchemaConflict ErrorCode = "SchemaConflictError"
	CodeValidation     ErrorCode = "ValidationError"
	CodeRoute          ErrorCode = "RouteError"
	CodeClient         ErrorCode = "ClientError"
	CodeServer         ErrorCode = "ServerError"
	CodeTransport      ErrorCode = "TransportError"
	CodeUnknown        ErrorCode = "Unknown"
)

// SchemaConflictError reports two physical slots that cannot share the
// caller-facing namespace. It is raised before any request is built.
type SchemaConflictError struct {
	OperationID string
	Name        string       // exposed name or query key in conflict
	Slots       []SlotOrigin // the physical slots involved
	Reason      string
}

// SlotOrigin identifies a physical slot.
type SlotOrigin struct {
	Location spec.Location
	Name     string
}

func (o SlotOrigin) String() string { return string(o.Location) + ":" + o.Name }

func (e *SchemaConflictError) Error() string {
	parts := make([]string, 0, len(e.Slots))
	for _, s := range e.Slots {
		parts = append(parts, s.String())
	}
	msg := fmt.Sprintf("schema conflict in %s: %q claimed by %s", e.OperationID, e.Name, strings.Join(parts, ", "))
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// ValidationError reports a missing or malformed caller argument.
type ValidationError struct {
	Field   string // exposed name
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid arguments: " + e.Message
	}
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// RouteError reports a route whose path template and parameters disagree.
type RouteError struct {
	OperationID string
	Path        string
	Message     string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route %s (%s): %s", e.OperationID, e.Path, e.Message)
}

// ClientError is a 4xx response. Status, headers and body are preserved verbatim.
type ClientError struct {
	Status int
	Header http.Header
	Body   []byte
}

func (e *ClientError) Error() string { return httpErrorMessage(e.Status, e.Body) }

// ServerError is a 5xx response.
type ServerError struct {
	Status int
	Header http.Header
	Body   []byte
}

func (e *ServerError) Error() string { return httpErrorMessage(e.Status, e.Body) }

func httpErrorMessage(status int, body []byte) string {
	msg := fmt.Sprintf("HTTP error %d: %s", status, http.StatusText(status))
	if b := strings.TrimSpace(string(body)); b != "" {
		msg += " - " + b
	}
	return msg
}

// TransportError wraps a connectivity, timeout or cancellation failure
// reported by the transport collaborator.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return "request error: " + e.Cause.Error() }
func (e *TransportError) Unwrap() error { return e.Cause }

// CodeOf returns the classification of the first engine error in err's chain.
func CodeOf(err error) ErrorCode {
	var (
		conflict   *SchemaConflictError
		validation *ValidationError
		route      *RouteError
		client     *ClientError
		server     *ServerError
		transport  *TransportError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict):
		return CodeSchemaConflict
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &route):
		return CodeRoute
	case errors.As(err, &client):
		return CodeClient
	case errors.As(err, &server):
		return CodeServer
	case errors.As(err, &transport):
		return CodeTransport
	default:
		return CodeUnknown
	}
}
