package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes used by the connection and channel state machines.
const (
	ErrBadRequest              = 40000
	ErrUnauthorized            = 40100
	ErrTokenErrorUnspecified   = 40140
	ErrTokenExpired            = 40142
	ErrTokenErrorMax           = 40149
	ErrTokenNotRenewable       = 40171
	ErrForbidden               = 40300
	ErrInternal                = 50000
	ErrTimeout                 = 50003
	ErrConnectionFailed        = 80000
	ErrConnectionSuspended     = 80002
	ErrDisconnected            = 80003
	ErrConnectionClosed        = 80017
	ErrUnableToResume          = 80018
	ErrChannelOperationFailed  = 90001
	ErrChannelOperationTimeout = 90007
)

// ErrorInfo is the error record carried on protocol messages and returned
// by every awaitable operation.
type ErrorInfo struct {
	Code       int    `json:"code"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Href       string `json:"href,omitempty"`

	cause error
}

// NewErrorInfo builds an ErrorInfo with a formatted message.
func NewErrorInfo(code, status int, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Code: code, StatusCode: status, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an ErrorInfo around cause. An ErrorInfo already present in
// the chain is returned as is.
func WrapError(code, status int, cause error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(cause, &info) {
		return info
	}
	return &ErrorInfo{Code: code, StatusCode: status, Message: cause.Error(), cause: cause}
}

func (e *ErrorInfo) Error() string {
	if e.Href != "" {
		return fmt.Sprintf("[%d/%d] %s (see %s)", e.Code, e.StatusCode, e.Message, e.Href)
	}
	return fmt.Sprintf("[%d/%d] %s", e.Code, e.StatusCode, e.Message)
}

func (e *ErrorInfo) Unwrap() error {
	return e.cause
}

// IsTokenError reports whether the code is in the range reserved for token
// errors, which are resolved by reauthorizing.
func (e *ErrorInfo) IsTokenError() bool {
	return e != nil && e.Code >= ErrTokenErrorUnspecified && e.Code <= ErrTokenErrorMax
}

// IsFatal reports whether the error must not be retried automatically.
// Token errors are handled separately.
func (e *ErrorInfo) IsFatal() bool {
	if e == nil || e.IsTokenError() {
		return false
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// StatusClass returns the hundreds class of the status code, e.g. 400 for 408.
func (e *ErrorInfo) StatusClass() int {
	if e == nil {
		return 0
	}
	return e.StatusCode / 100 * 100
}

// Code returns the ErrorInfo code found in err's chain, or 0.
func Code(err error) int {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Code
	}
	return 0
}

// StatusCode returns the ErrorInfo status found in err's chain, or 0.
func StatusCode(err error) int {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.StatusCode
	}
	return 0
}
