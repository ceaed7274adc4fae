// Package payments submits STK push requests and reconciles their callbacks.
package payments

import "errors"

// Errors returned by Service. Callers classify with errors.Is; the underlying
// cause (for example *mpesa.GatewayError) stays reachable with errors.As.
var (
	ErrValidation  = errors.New("invalid payment request")
	ErrAuth        = errors.New("could not obtain gateway token")
	ErrGateway     = errors.New("gateway rejected payment request")
	ErrPersistence = errors.New("transaction store unavailable")
	ErrNotFound    = errors.New("payment not found")
)
