package validation

import "github.com/shopspring/decimal"

// PaymentRequest is the payload for POST /internal/v1/payments/request.
type PaymentRequest struct {
	Amount           decimal.Decimal `json:"amount"`                                 // whole, positive; number or numeric string
	PhoneNumber      string          `json:"phoneNumber" validate:"required,msisdn"` // 07.., 09.., +251.. or 251..
	AccountReference string          `json:"accountReference" validate:"required,notblank,max=20"`
	TransactionDesc  string          `json:"transactionDesc" validate:"required,notblank,max=100"`
}
