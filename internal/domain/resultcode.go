package domain

import (
	"errors"
	"fmt"
)

// ResultCode is the protocol-level outcome carried in the result_code field of
// every response, success path included. HTTP status is always 200; this is
// the real error channel.
//
// Usage: construct via ParseResultCode at trust boundaries (peer responses);
// direct casting bypasses validation.
type ResultCode string

const (
	CodeSuccess           ResultCode = "0000"
	CodeUnknownTGT        ResultCode = "0007"
	CodeTGTNotValid       ResultCode = "0008"
	CodeInvalidRequest    ResultCode = "0102"
	CodeUnknownApp        ResultCode = "0103"
	CodeServerIDMismatch  ResultCode = "0104"
	CodeInvalidSignature  ResultCode = "0105"
	CodeUserCancelled     ResultCode = "0040"
	CodeUserNotAllowed    ResultCode = "0060"
	CodeInsufficientLevel ResultCode = "0065"
	CodeCrossUnavailable  ResultCode = "0090"
	CodeInternalError     ResultCode = "0099"
)

var validResultCodes = map[ResultCode]bool{
	CodeSuccess:           true,
	CodeUnknownTGT:        true,
	CodeTGTNotValid:       true,
	CodeInvalidRequest:    true,
	CodeUnknownApp:        true,
	CodeServerIDMismatch:  true,
	CodeInvalidSignature:  true,
	CodeUserCancelled:     true,
	CodeUserNotAllowed:    true,
	CodeInsufficientLevel: true,
	CodeCrossUnavailable:  true,
	CodeInternalError:     true,
}

// ParseResultCode validates a result code received from a peer server.
// Unknown codes are preserved but flagged, so a newer peer's code still
// propagates to the application untouched.
func ParseResultCode(s string) (ResultCode, bool) {
	c := ResultCode(s)
	return c, validResultCodes[c]
}

// OK reports whether the code is the protocol success value.
func (c ResultCode) OK() bool {
	return c == CodeSuccess
}

func (c ResultCode) String() string {
	return string(c)
}

// Error pairs a ResultCode with human-readable context. The gateway and
// orchestrator return these; the transport layer serializes only the code.
type Error struct {
	Code ResultCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a protocol error with the given code.
func NewError(code ResultCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// WrapError attaches a cause; the cause never reaches the wire.
func WrapError(code ResultCode, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the ResultCode from an error chain, defaulting to
// CodeInternalError for unclassified failures.
func CodeOf(err error) ResultCode {
	if err == nil {
		return CodeSuccess
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternalError
}
