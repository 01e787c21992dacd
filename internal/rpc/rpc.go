// Package rpc defines the structured request/response envelope used by the
// dispatch surface: a method with params and an id correlating request and
// response; success carries a result, failure carries a coded error.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Error codes for the dispatch pipeline. Callers always receive one of
// these in an error envelope; bare failures never escape the surface.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeMissingUser          = -32000
	CodeProviderNotConfig    = -32001
	CodeBackendProvisioning  = -32002
	CodeBackendRequest       = -32003
	CodeJobNotFound          = -32004
	CodeCredential           = -32005
	CodeSessionNotFound      = -32006
	CodeStreamingUnsupported = -32007
)

// Request is one inbound RPC envelope.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one outbound RPC envelope. Exactly one of Result or Error
// is set.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the structured error payload of a failed call.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error envelope with optional structured data.
// Data that fails to marshal is dropped rather than failing the error path.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Errorf builds an error envelope from a format string.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Ok wraps a result value into a success envelope. A marshal failure is
// converted into an internal error envelope so the caller still receives
// well-formed JSON.
func Ok(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return Fail(id, NewError(CodeInternalError, "failed to encode result", nil))
	}
	return &Response{ID: id, Result: raw}
}

// Fail wraps an error into a failure envelope.
func Fail(id json.RawMessage, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

// AsError converts any error into an *Error, preserving an existing code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
