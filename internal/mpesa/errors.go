package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrAuth wraps every failure to obtain a bearer token.
var ErrAuth = errors.New("mpesa: authentication failed")

// GatewayError describes a rejected or failed STK push request.
type GatewayError struct {
	StatusCode int // 0 when no HTTP response was received

	RequestID           string
	ErrorCode           string
	ErrorMessage        string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string

	// Body is the raw response body when it was JSON.
	Body json.RawMessage
	Err  error
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("mpesa: stk push failed: %s", e.Reason())
	}
	return fmt.Sprintf("mpesa: stk push failed with status %d: %s", e.StatusCode, e.Reason())
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Reason picks the richest available detail: the gateway's structured message,
// then the HTTP status, then the transport error.
func (e *GatewayError) Reason() string {
	for _, s := range []string{e.ErrorMessage, e.ResponseDescription, e.CustomerMessage} {
		if s != "" {
			return s
		}
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// Snapshot is the JSON recorded on the transaction for a failed push.
func (e *GatewayError) Snapshot() json.RawMessage {
	if len(e.Body) > 0 {
		return e.Body
	}
	b, _ := json.Marshal(map[string]any{
		"statusCode": e.StatusCode,
		"message":    e.Reason(),
	})
	return b
}

// Unauthorized reports whether the gateway rejected the bearer token.
func (e *GatewayError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}
