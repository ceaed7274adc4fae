package transactions

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a transaction:
// Initiated -> Pending -> {Success | Failed}, or Initiated -> Failed.
type Status string

const (
	StatusInitiated Status = "Initiated"
	StatusPending   Status = "Pending"
	StatusSuccess   Status = "Success"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TypeSTKPush tags transactions created by an STK push.
const TypeSTKPush = "STK_PUSH"

// Transaction is one payment request and its outcome.
type Transaction struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	PhoneNumber      string          `json:"phoneNumber"`
	AccountReference string          `json:"accountReference"`
	Description      string          `json:"description,omitempty"`

	// CorrelationID is the MerchantRequestID we generate and the gateway echoes
	// back in its callback.
	CorrelationID string `json:"merchantRequestId"`
	// GatewayRequestID is the gateway's CheckoutRequestID; diagnostics only.
	GatewayRequestID string `json:"checkoutRequestId,omitempty"`

	Status        Status `json:"status"`
	ReceiptID     string `json:"mpesaReceiptNumber,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	CallbackTransactionDate string `json:"callbackTransactionDate,omitempty"`
	CallbackPhoneNumber     string `json:"callbackPhoneNumber,omitempty"`

	RequestPayload  json.RawMessage `json:"requestPayload,omitempty"`
	AckPayload      json.RawMessage `json:"ackPayload,omitempty"`
	CallbackPayload json.RawMessage `json:"callbackPayload,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch is a partial update. nil fields are left untouched.
//
// When Expect is non-empty the update only applies if the stored status is one
// of the listed values; otherwise the store returns a *StatusMismatchError.
type Patch struct {
	Expect []Status

	Status             *Status
	GatewayRequestID   *string
	ReceiptID          *string
	FailureReason      *string
	ClearFailureReason bool

	CallbackTransactionDate *string
	CallbackPhoneNumber     *string

	AckPayload      json.RawMessage
	CallbackPayload json.RawMessage
}
