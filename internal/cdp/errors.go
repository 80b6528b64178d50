package cdp

import (
	"errors"
	"fmt"
)

const (
	CodeValidation         = "VALIDATION"
	CodeNotFound           = "NOT_FOUND"
	CodeNoActiveConnection = "NO_ACTIVE_CONNECTION"
	CodeConnectTimeout     = "CONNECT_TIMEOUT"
	CodeConnectFailed      = "CONNECT_FAILED"
	CodeConnectAborted     = "CONNECT_ABORTED"
	CodeCDPUnavailable     = "CDP_UNAVAILABLE"
	CodeTabOperation       = "TAB_OPERATION"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError. cause may be nil.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first CodedError in err's chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
