package okx

import (
	"errors"
	"fmt"
	"net/http"
)

// codeUnauthorized is the OKX application code for an invalid API key
// inside an otherwise successful HTTP response.
const codeUnauthorized = "50113"

// ErrUnauthorized matches any ExchangeError carrying HTTP 401.
// Such responses are never retried.
var ErrUnauthorized = errors.New("okx: unauthorized")

// ExchangeError is a non-success answer from the exchange. StatusCode is the
// HTTP status, or the HTTP-equivalent class for application error codes.
type ExchangeError struct {
	StatusCode int
	Code       string // OKX application code, empty for transport-level failures
	Message    string
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("okx: %s (code %s, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("okx: %s (status %d)", e.Message, e.StatusCode)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401-class errors.
func (e *ExchangeError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

func newAPIError(code, msg string) *ExchangeError {
	status := http.StatusBadRequest
	if code == codeUnauthorized {
		status = http.StatusUnauthorized
	}
	if msg == "" {
		msg = "OKX error"
	}
	return &ExchangeError{StatusCode: status, Code: code, Message: msg}
}
